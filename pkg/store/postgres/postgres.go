// Package postgres implements the store ports on PostgreSQL via pgx.
// Task claiming uses FOR UPDATE SKIP LOCKED so replicas never contend
// on the same pending row. Schema management is golang-migrate over the
// embedded migrations directory.
package postgres

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
)

//go:embed migrations
var migrationsFS embed.FS

// Store bundles the port implementations over one connection pool.
type Store struct {
	pool *pgxpool.Pool

	Tasks       *TaskStore
	Findings    *FindingStore
	Events      *EventStore
	Checkpoints *CheckpointStore
}

// New connects, migrates the schema, and returns the store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, errors.New("database URL is empty")
	}

	if err := runMigrations(databaseURL); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Connected to PostgreSQL", "max_conns", pool.Config().MaxConns)
	return &Store{
		pool:        pool,
		Tasks:       &TaskStore{pool: pool},
		Findings:    &FindingStore{pool: pool},
		Events:      &EventStore{pool: pool},
		Checkpoints: &CheckpointStore{pool: pool},
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Health reports connectivity plus pool statistics.
type Health struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
	TotalConns   int32  `json:"total_conns"`
	IdleConns    int32  `json:"idle_conns"`
	MaxConns     int32  `json:"max_conns"`
}

// CheckHealth pings the database and snapshots pool stats.
func (s *Store) CheckHealth(ctx context.Context) (*Health, error) {
	start := time.Now()
	if err := s.pool.Ping(ctx); err != nil {
		return &Health{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}
	stat := s.pool.Stat()
	return &Health{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
		TotalConns:   stat.TotalConns(),
		IdleConns:    stat.IdleConns(),
		MaxConns:     stat.MaxConns(),
	}, nil
}

// runMigrations applies pending migrations through database/sql; the
// pgx pool is opened only after the schema is current.
func runMigrations(databaseURL string) error {
	db, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	slog.Info("Database schema current", "version", version, "dirty", dirty)
	return nil
}
