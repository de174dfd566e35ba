package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"claude-relay-go/internal/migrations"
)

// PostgresBackend is the alternate SQL store, selected with
// STORAGE_BACKEND=postgres and a DATABASE_URL style DSN.
type PostgresBackend struct {
	SQLBackend
}

// NewPostgresBackend opens the pool, verifies connectivity, and applies
// pending migrations.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.PostgresUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	backend := &PostgresBackend{SQLBackend{db: db, dialect: dialectPostgres, label: "postgres"}}
	return backend, nil
}
