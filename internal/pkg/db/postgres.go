// Package db provides PostgreSQL connection management and the schema.
package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"habit-marathon/internal/config"
)

// ApplicationName is reported to PostgreSQL as application_name.
const ApplicationName = "habit-marathon"

// Pool settings used when the configuration leaves them unset.
const (
	defaultConnectTimeout   = 10 * time.Second
	defaultMaxConnLifetime  = time.Hour
	defaultMaxConnIdleTime  = 30 * time.Minute
	defaultStatementTimeout = 15 * time.Second
	healthCheckPeriod       = 30 * time.Second
)

// Pool wraps pgxpool.Pool.
type Pool struct {
	*pgxpool.Pool
}

// PoolConfig translates the database configuration into pgxpool settings.
// Sessions run in UTC so DATE columns and calendar days agree, and every
// statement is bounded by the statement timeout.
func PoolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pc.MaxConns = int32(max(cfg.PoolSize, 1))
	pc.MinConns = int32(max(cfg.PoolSize/4, 1))
	pc.MaxConnLifetime = orDefault(cfg.MaxConnLifetime, defaultMaxConnLifetime)
	pc.MaxConnIdleTime = orDefault(cfg.MaxConnIdleTime, defaultMaxConnIdleTime)
	pc.HealthCheckPeriod = healthCheckPeriod
	pc.ConnConfig.ConnectTimeout = orDefault(cfg.ConnectTimeout, defaultConnectTimeout)

	params := pc.ConnConfig.RuntimeParams
	params["application_name"] = ApplicationName
	params["timezone"] = "UTC"
	params["statement_timeout"] = strconv.FormatInt(orDefault(cfg.StatementTimeout, defaultStatementTimeout).Milliseconds(), 10)
	return pc, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// NewPool connects to PostgreSQL and verifies the connection.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*Pool, error) {
	pc, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Name).
		Int32("max_conns", pc.MaxConns).
		Msg("Connecting to PostgreSQL")

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to PostgreSQL")
	return &Pool{Pool: pool}, nil
}

// Open connects and, when applySchema is set, brings the schema up to date.
func Open(ctx context.Context, cfg *config.DatabaseConfig, applySchema bool) (*Pool, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if applySchema {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
	}
	return pool, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	if p.Pool != nil {
		p.Pool.Close()
		log.Info().Msg("PostgreSQL connection pool closed")
	}
}
