package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore runs units of work as pgx transactions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore instance.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// WithTx runs fn inside one database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(ptx pgx.Tx) error {
		return fn(newPgTx(ptx))
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

func newPgTx(db DBTX) *Tx {
	return &Tx{
		Accounts:     &AccountStore{db: db},
		Ledger:       &LedgerStore{db: db},
		Codes:        &CodeStore{db: db},
		Reports:      &ReportStore{db: db},
		Achievements: &AchievementStore{db: db},
		Challenges:   &ChallengeStore{db: db},
		Referrals:    &ReferralStore{db: db},
		Audit:        &AuditStore{db: db},
	}
}
