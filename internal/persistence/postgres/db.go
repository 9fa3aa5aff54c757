package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/chainpulse/chainpulse/internal/config"
)

// Connect opens the pool and verifies connectivity before returning.
func Connect(ctx context.Context, cfg config.DBConfig) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMin)
	db.SetConnMaxLifetime(30 * time.Minute)

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Name).
		Int("pool_min", cfg.PoolMin).
		Int("pool_max", cfg.PoolMax).
		Msg("postgres pool ready")
	return db, nil
}
