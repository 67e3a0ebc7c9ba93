package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"classroll/internal/apperr"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB opens a pgx-backed pool and pings it within ctx.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{Client: db}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// Open returns the store selected by backend ("postgres" or "memory"). The
// postgres backend is migrated before it is returned.
func Open(ctx context.Context, backend, connString string, logger *zap.Logger) (Store, error) {
	if backend == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		return NewMemory(), nil
	}
	db, err := NewDB(ctx, connString)
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("connect postgres: %w", err))
	}
	if err := Migrate(db.Client, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgres(db.Client), nil
}
