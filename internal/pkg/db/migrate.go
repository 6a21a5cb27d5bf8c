package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type migration struct {
	name string
	sql  string
}

// migrations are idempotent and applied in order on every start.
var migrations = []migration{
	{
		name: "accounts table",
		sql: `
		CREATE TABLE IF NOT EXISTS accounts (
			id BIGSERIAL PRIMARY KEY,
			telegram_id BIGINT NOT NULL UNIQUE,
			username VARCHAR(255) NOT NULL DEFAULT '',
			first_name VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL DEFAULT 'new',
			payment_status VARCHAR(16) NOT NULL DEFAULT 'unpaid',
			is_paid BOOLEAN NOT NULL DEFAULT FALSE,
			payment_confirmed_at TIMESTAMPTZ,
			registration_completed BOOLEAN NOT NULL DEFAULT FALSE,
			full_name VARCHAR(255) NOT NULL DEFAULT '',
			location VARCHAR(255) NOT NULL DEFAULT '',
			age INT,
			goal TEXT NOT NULL DEFAULT '',
			pains TEXT NOT NULL DEFAULT '',
			expectations TEXT NOT NULL DEFAULT '',
			modules JSONB NOT NULL DEFAULT '[]',
			habits JSONB NOT NULL DEFAULT '[]',
			sports JSONB NOT NULL DEFAULT '[]',
			reading_book VARCHAR(255) NOT NULL DEFAULT '',
			reading_task VARCHAR(255) NOT NULL DEFAULT '',
			reminder_hours JSONB NOT NULL DEFAULT '[]',
			program_start_date DATE,
			program_length_days INT NOT NULL DEFAULT 25,
			points INT NOT NULL DEFAULT 0,
			current_streak INT NOT NULL DEFAULT 0,
			streak_freeze_used BOOLEAN NOT NULL DEFAULT FALSE,
			missed_days_count INT NOT NULL DEFAULT 0,
			last_report_date DATE,
			certificate_issued BOOLEAN NOT NULL DEFAULT FALSE,
			certificate_code VARCHAR(64),
			device_fingerprint VARCHAR(255),
			device_bound_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_payment_status ON accounts(payment_status);
		CREATE INDEX IF NOT EXISTS idx_accounts_points ON accounts(points DESC, current_streak DESC);
		`,
	},
	{
		name: "accounts day baseline",
		sql: `
		ALTER TABLE accounts
			ADD COLUMN IF NOT EXISTS day_base_points INT NOT NULL DEFAULT 0,
			ADD COLUMN IF NOT EXISTS day_base_streak INT NOT NULL DEFAULT 0,
			ADD COLUMN IF NOT EXISTS day_base_freeze_used BOOLEAN NOT NULL DEFAULT FALSE,
			ADD COLUMN IF NOT EXISTS day_base_missed INT NOT NULL DEFAULT 0;
		`,
	},
	{
		name: "payment_transactions table",
		sql: `
		CREATE TABLE IF NOT EXISTS payment_transactions (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			provider VARCHAR(16) NOT NULL,
			provider_trans_id VARCHAR(128) NOT NULL,
			merchant_trans_id VARCHAR(128) NOT NULL,
			amount BIGINT NOT NULL,
			status VARCHAR(16) NOT NULL,
			action INT,
			error_code INT,
			sign_time VARCHAR(64),
			cancel_reason INT,
			performed_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_provider_trans UNIQUE (provider, provider_trans_id)
		);
		CREATE INDEX IF NOT EXISTS idx_payment_transactions_account ON payment_transactions(account_id);
		`,
	},
	{
		name: "activation_codes table",
		sql: `
		CREATE TABLE IF NOT EXISTS activation_codes (
			id BIGSERIAL PRIMARY KEY,
			code VARCHAR(32) NOT NULL UNIQUE,
			target_telegram_id BIGINT,
			created_by BIGINT,
			is_used BOOLEAN NOT NULL DEFAULT FALSE,
			used_by BIGINT,
			used_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		`,
	},
	{
		name: "daily_module_reports table",
		sql: `
		CREATE TABLE IF NOT EXISTS daily_module_reports (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			report_date DATE NOT NULL,
			module VARCHAR(32) NOT NULL,
			item_key VARCHAR(255) NOT NULL,
			is_done BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_daily_report_item UNIQUE (account_id, report_date, module, item_key)
		);
		CREATE INDEX IF NOT EXISTS idx_daily_reports_date ON daily_module_reports(report_date);
		`,
	},
	{
		name: "user_achievements table",
		sql: `
		CREATE TABLE IF NOT EXISTS user_achievements (
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			code VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			earned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (account_id, code)
		);
		`,
	},
	{
		name: "challenges table",
		sql: `
		CREATE TABLE IF NOT EXISTS challenges (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			numbers JSONB NOT NULL,
			tasks JSONB NOT NULL,
			start_date DATE NOT NULL,
			end_date DATE NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_challenges_account ON challenges(account_id, created_at DESC);
		`,
	},
	{
		name: "referrals table",
		sql: `
		CREATE TABLE IF NOT EXISTS referrals (
			id BIGSERIAL PRIMARY KEY,
			referrer_telegram_id BIGINT NOT NULL,
			invited_telegram_id BIGINT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_telegram_id);
		`,
	},
	{
		name: "audit_logs table",
		sql: `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id BIGSERIAL PRIMARY KEY,
			actor_telegram_id BIGINT,
			action VARCHAR(64) NOT NULL,
			target_telegram_id BIGINT,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_action_target ON audit_logs(action, target_telegram_id, id DESC);
		`,
	},
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db Execer) error {
	log.Info().Msg("Running database migrations...")

	for i, m := range migrations {
		if _, err := db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", i+1, m.name, err)
		}
		log.Info().Int("step", i+1).Str("name", m.name).Msg("Migration applied")
	}

	log.Info().Msg("All migrations completed successfully")
	return nil
}
