// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/passup/internal/config"
	"github.com/xkilldash9x/passup/internal/store"
)

// InitializeStore connects to PostgreSQL, ensures the history schema and
// returns the store with a cleanup function. A blank URL disables history and
// returns nils without error.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*store.Store, *pgxpool.Pool, func(), error) {
	if cfg.URL == "" {
		logger.Debug("No database configured; rotation history disabled.")
		return nil, nil, nil, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	// A run records a handful of rows, a small pool is plenty.
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	s, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}

	logger.Info("Rotation history enabled.", zap.String("host", poolConfig.ConnConfig.Host))
	return s, pool, pool.Close, nil
}
