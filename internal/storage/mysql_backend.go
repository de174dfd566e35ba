package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"claude-relay-go/internal/migrations"
)

// MySQLConfig carries connection parameters, normally sourced from the
// MYSQL_* environment variables.
type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Timezone string
}

// DSN renders the go-sql-driver connection string. parseTime is required so
// DATETIME columns scan into time.Time.
func (c MySQLConfig) DSN() string {
	loc := c.Timezone
	if loc == "" {
		loc = "UTC"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, url.QueryEscape(loc))
}

// MySQLBackend is the primary store.
type MySQLBackend struct {
	SQLBackend
}

// NewMySQLBackend opens the pool, verifies connectivity, and applies pending
// migrations.
func NewMySQLBackend(ctx context.Context, cfg MySQLConfig) (*MySQLBackend, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	if err := migrations.MySQLUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	backend := &MySQLBackend{SQLBackend{db: db, dialect: dialectMySQL, label: "mysql"}}
	return backend, nil
}
