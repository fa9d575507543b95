package snapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/dragonhuntr/lokal/internal/clock"
	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/models"
)

//go:embed schema_postgres.sql
var postgresDDL string

// PostgresStore keeps the snapshot in a shared Postgres database so several
// API instances can fall back to the same mirror.
type PostgresStore struct {
	pool   *pgxpool.Pool
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "snapshot_postgres"))

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range splitMigrations(postgresDDL) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("error executing DDL statement [%s]: %w", stmt, err)
		}
	}

	logging.LogOperation(logger, "snapshot_store_opened", slog.String("driver", DriverPostgres))

	return &PostgresStore{
		pool:   pool,
		db:     stdlib.OpenDBFromPool(pool),
		clock:  clock.RealClock{},
		logger: logger,
	}, nil
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error {
	err := s.db.Close()
	s.pool.Close()
	return err
}

func (s *PostgresStore) Routes(ctx context.Context) ([]models.Route, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, short_name, long_name, color, visible FROM routes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	routes := []models.Route{}
	for rows.Next() {
		var r models.Route
		if err := rows.Scan(&r.ID, &r.ShortName, &r.LongName, &r.Color, &r.Visible); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

func (s *PostgresStore) Route(ctx context.Context, id string) (models.Route, error) {
	var r models.Route
	err := s.pool.QueryRow(ctx,
		`SELECT id, short_name, long_name, color, visible FROM routes WHERE id = $1`, id).
		Scan(&r.ID, &r.ShortName, &r.LongName, &r.Color, &r.Visible)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Route{}, fmt.Errorf("route %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Route{}, fmt.Errorf("query route: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT stop_id, name, lat, lon, sequence FROM route_stops WHERE route_id = $1 ORDER BY sequence`, id)
	if err != nil {
		return models.Route{}, fmt.Errorf("query route stops: %w", err)
	}
	defer rows.Close()

	r.Stops = []models.Stop{}
	for rows.Next() {
		var st models.Stop
		if err := rows.Scan(&st.ID, &st.Name, &st.Latitude, &st.Longitude, &st.Sequence); err != nil {
			return models.Route{}, err
		}
		r.Stops = append(r.Stops, st)
	}
	return r, rows.Err()
}

func (s *PostgresStore) Stops(ctx context.Context) ([]models.Stop, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, lat, lon FROM stops ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()

	stops := []models.Stop{}
	for rows.Next() {
		var st models.Stop
		if err := rows.Scan(&st.ID, &st.Name, &st.Latitude, &st.Longitude); err != nil {
			return nil, err
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

func (s *PostgresStore) ReplacedAt(ctx context.Context) (time.Time, error) {
	var ms int64
	err := s.pool.QueryRow(ctx, `SELECT replaced_at FROM snapshot_meta WHERE id = 1`).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// Replace bulk-loads the new snapshot with COPY inside one transaction.
func (s *PostgresStore) Replace(ctx context.Context, routes []models.Route, stops []models.Stop) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `TRUNCATE route_stops, routes, stops`); err != nil {
		return fmt.Errorf("truncate snapshot: %w", err)
	}

	routeRows := make([][]any, 0, len(routes))
	var routeStopRows [][]any
	for _, r := range routes {
		routeRows = append(routeRows, []any{r.ID, r.ShortName, r.LongName, r.Color, r.Visible})
		for _, st := range r.Stops {
			routeStopRows = append(routeStopRows, []any{r.ID, st.Sequence, st.ID, st.Name, st.Latitude, st.Longitude})
		}
	}
	unique := uniqueStops(stops)
	stopRows := make([][]any, 0, len(unique))
	for _, st := range unique {
		stopRows = append(stopRows, []any{st.ID, st.Name, st.Latitude, st.Longitude})
	}

	copies := []struct {
		table   string
		columns []string
		rows    [][]any
	}{
		{"routes", []string{"id", "short_name", "long_name", "color", "visible"}, routeRows},
		{"route_stops", []string{"route_id", "sequence", "stop_id", "name", "lat", "lon"}, routeStopRows},
		{"stops", []string{"id", "name", "lat", "lon"}, stopRows},
	}
	for _, c := range copies {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{c.table}, c.columns, pgx.CopyFromRows(c.rows)); err != nil {
			return fmt.Errorf("copy %s: %w", c.table, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO snapshot_meta (id, replaced_at) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET replaced_at = EXCLUDED.replaced_at`,
		s.clock.NowUnixMilli()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	logging.LogOperation(s.logger, "snapshot_replaced",
		slog.Int("routes", len(routes)),
		slog.Int("stops", len(unique)))
	return nil
}
