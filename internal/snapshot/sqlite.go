package snapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3" // CGo-based SQLite driver

	"github.com/dragonhuntr/lokal/internal/clock"
	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/models"
)

//go:embed schema_sqlite.sql
var sqliteDDL string

// SQLiteStore keeps the snapshot in a local SQLite file, or in memory for
// tests when the DSN is ":memory:".
type SQLiteStore struct {
	db     *sql.DB
	dsn    string
	clock  clock.Clock
	logger *slog.Logger
}

func NewSQLiteStore(ctx context.Context, dsn string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "snapshot_sqlite"))

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// Each connection to :memory: is a separate database.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := configureSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error configuring SQLite: %w", err)
	}

	for _, stmt := range splitMigrations(sqliteDDL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error executing DDL statement [%s]: %w", stmt, err)
		}
	}

	logging.LogOperation(logger, "snapshot_store_opened", slog.String("dsn", dsn))

	return &SQLiteStore{db: db, dsn: dsn, clock: clock.RealClock{}, logger: logger}, nil
}

func configureSQLite(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Routes(ctx context.Context) ([]models.Route, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, short_name, long_name, color, visible FROM routes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows, s.logger, "route_rows")

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

func (s *SQLiteStore) Route(ctx context.Context, id string) (models.Route, error) {
	var r models.Route
	err := s.db.QueryRowContext(ctx,
		`SELECT id, short_name, long_name, color, visible FROM routes WHERE id = ?`, id).
		Scan(&r.ID, &r.ShortName, &r.LongName, &r.Color, &r.Visible)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Route{}, fmt.Errorf("route %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Route{}, fmt.Errorf("query route: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stop_id, name, lat, lon, sequence FROM route_stops WHERE route_id = ? ORDER BY sequence`, id)
	if err != nil {
		return models.Route{}, fmt.Errorf("query route stops: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows, s.logger, "route_stop_rows")

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

func (s *SQLiteStore) Stops(ctx context.Context) ([]models.Stop, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, lat, lon FROM stops ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows, s.logger, "stop_rows")

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

// ReplacedAt returns the time of the last Replace, or the zero time when the
// snapshot has never been written.
func (s *SQLiteStore) ReplacedAt(ctx context.Context) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT replaced_at FROM snapshot_meta WHERE id = 1`).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (s *SQLiteStore) Replace(ctx context.Context, routes []models.Route, stops []models.Stop) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"route_stops", "routes", "stops"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	routeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO routes (id, short_name, long_name, color, visible) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(routeStmt, s.logger, "route_stmt")

	routeStopStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO route_stops (route_id, sequence, stop_id, name, lat, lon) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(routeStopStmt, s.logger, "route_stop_stmt")

	stopStmt, err := tx.PrepareContext(ctx, `INSERT INTO stops (id, name, lat, lon) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(stopStmt, s.logger, "stop_stmt")

	for _, r := range routes {
		if _, err := routeStmt.ExecContext(ctx, r.ID, r.ShortName, r.LongName, r.Color, r.Visible); err != nil {
			return fmt.Errorf("insert route %q: %w", r.ID, err)
		}
		for _, st := range r.Stops {
			if _, err := routeStopStmt.ExecContext(ctx, r.ID, st.Sequence, st.ID, st.Name, st.Latitude, st.Longitude); err != nil {
				return fmt.Errorf("insert stop %q of route %q: %w", st.ID, r.ID, err)
			}
		}
	}
	unique := uniqueStops(stops)
	for _, st := range unique {
		if _, err := stopStmt.ExecContext(ctx, st.ID, st.Name, st.Latitude, st.Longitude); err != nil {
			return fmt.Errorf("insert stop %q: %w", st.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (id, replaced_at) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET replaced_at = excluded.replaced_at`,
		s.clock.NowUnixMilli()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logging.LogOperation(s.logger, "snapshot_replaced",
		slog.Int("routes", len(routes)),
		slog.Int("stops", len(unique)))
	return nil
}
