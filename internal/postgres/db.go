package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS recipes (
		id           BIGSERIAL PRIMARY KEY,
		name         TEXT NOT NULL,
		ingredients  JSONB NOT NULL,
		cook_seconds INT NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id           BIGSERIAL PRIMARY KEY,
		external_id  TEXT NOT NULL UNIQUE,
		recipe_id    BIGINT NOT NULL,
		recipe_name  TEXT NOT NULL,
		ingredients  JSONB NOT NULL,
		cook_seconds INT NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS stock (
		name       TEXT PRIMARY KEY,
		quantity   INT NOT NULL CHECK (quantity >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS purchases (
		id             BIGSERIAL PRIMARY KEY,
		ingredient     TEXT NOT NULL,
		qty_requested  INT NOT NULL,
		qty_sold       INT NOT NULL,
		price_per_unit NUMERIC(10,2) NOT NULL,
		total_cost     NUMERIC(12,2) NOT NULL,
		purchased_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS order_retries (
		order_id        BIGINT PRIMARY KEY,
		attempts        INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate applies the schema. Statements are idempotent, so every service
// runs this at startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
