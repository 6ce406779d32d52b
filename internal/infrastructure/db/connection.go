package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/pulsebet/ledgersync/internal/config"
	"github.com/pulsebet/ledgersync/internal/persistence"
	"github.com/pulsebet/ledgersync/internal/persistence/postgres"
)

// Manager owns the database connection pool and repository instances.
type Manager struct {
	db    *sqlx.DB
	repos *persistence.Repository
}

// NewManager opens the connection pool, verifies connectivity and wires the
// repository set.
func NewManager(cfg config.DatabaseConfig) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Manager{
		db: db,
		repos: &persistence.Repository{
			Tenants: postgres.NewTenantsRepo(db, cfg.QueryTimeout),
			Users:   postgres.NewUsersRepo(db, cfg.QueryTimeout),
			Ledger:  postgres.NewLedgerRepo(db, cfg.QueryTimeout),
		},
	}, nil
}

// Repository returns the repository collection.
func (m *Manager) Repository() *persistence.Repository { return m.repos }

// Ping checks connectivity for health reporting.
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Close releases the connection pool.
func (m *Manager) Close() error { return m.db.Close() }
