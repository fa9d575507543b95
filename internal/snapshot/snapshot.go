// Package snapshot persists the last known provider routes and stops so the
// transit service can keep answering while the provider is unreachable.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dragonhuntr/lokal/internal/models"
)

var ErrNotFound = errors.New("snapshot: not found")

// Reader is the read side consumed by the transit service.
type Reader interface {
	Routes(ctx context.Context) ([]models.Route, error)
	Route(ctx context.Context, id string) (models.Route, error)
	Stops(ctx context.Context) ([]models.Stop, error)
	ReplacedAt(ctx context.Context) (time.Time, error)
}

// Writer replaces the whole snapshot in one transaction.
type Writer interface {
	Replace(ctx context.Context, routes []models.Route, stops []models.Stop) error
}

type Store interface {
	Reader
	Writer
	// DB exposes a database/sql handle for pool statistics.
	DB() *sql.DB
	Close() error
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the store for driver. Postgres DSNs are connected and pinged
// before returning.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(ctx, dsn, logger)
	case DriverPostgres:
		return NewPostgresStore(ctx, dsn, logger)
	default:
		return nil, fmt.Errorf("unknown snapshot driver %q", driver)
	}
}

// splitMigrations splits an embedded schema on "-- migrate" markers.
func splitMigrations(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, "-- migrate") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// uniqueStops drops repeated ids, keeping the first occurrence.
func uniqueStops(stops []models.Stop) []models.Stop {
	seen := make(map[string]struct{}, len(stops))
	out := make([]models.Stop, 0, len(stops))
	for _, s := range stops {
		if _, ok := seen[s.ID]; ok {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}
