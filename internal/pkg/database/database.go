// Package database opens the operational Postgres pool and the Redis client
// shared by the binaries.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/audience/internal/config"
)

// ErrNoDatabaseURL is returned when no Postgres DSN is configured.
var ErrNoDatabaseURL = errors.New("database url is not configured")

// OpenPostgres opens and pings a pooled Postgres handle.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, ErrNoDatabaseURL
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// OpenRedis creates and pings a Redis client.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Schema is implemented by stores that create their own tables.
type Schema interface {
	EnsureSchema(ctx context.Context) error
}

// EnsureSchemas creates every store's tables in order.
func EnsureSchemas(ctx context.Context, stores ...Schema) error {
	for _, s := range stores {
		if err := s.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}
