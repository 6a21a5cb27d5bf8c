package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"habit-marathon/internal/model"
)

// CodeStore handles activation code persistence in PostgreSQL.
type CodeStore struct {
	db DBTX
}

// Create inserts a new code. Returns ErrConflict if the code string exists.
func (r *CodeStore) Create(ctx context.Context, code *model.ActivationCode) error {
	const query = `
		INSERT INTO activation_codes (code, target_telegram_id, created_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (code) DO NOTHING
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query, code.Code, code.TargetTelegramID, code.CreatedBy, code.ExpiresAt).
		Scan(&code.ID, &code.CreatedAt)
	if err != nil {
		if err = mapError(err); errors.Is(err, ErrNotFound) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create activation code: %w", err)
	}
	return nil
}

// GetForUpdate retrieves a code and locks it until commit.
// Returns ErrNotFound if the code does not exist.
func (r *CodeStore) GetForUpdate(ctx context.Context, code string) (*model.ActivationCode, error) {
	const query = `
		SELECT id, code, target_telegram_id, created_by, is_used, used_by, used_at, expires_at, created_at
		FROM activation_codes
		WHERE code = $1
		FOR UPDATE
	`
	var c model.ActivationCode
	err := r.db.QueryRow(ctx, query, code).Scan(
		&c.ID, &c.Code, &c.TargetTelegramID, &c.CreatedBy,
		&c.IsUsed, &c.UsedBy, &c.UsedAt, &c.ExpiresAt, &c.CreatedAt,
	)
	if err != nil {
		if err = mapError(err); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get activation code: %w", err)
	}
	return &c, nil
}

// MarkUsed consumes a code once.
func (r *CodeStore) MarkUsed(ctx context.Context, id int64, usedBy int64, usedAt time.Time) (bool, error) {
	const query = `
		UPDATE activation_codes
		SET is_used = TRUE, used_by = $2, used_at = $3
		WHERE id = $1 AND is_used = FALSE
	`
	tag, err := r.db.Exec(ctx, query, id, usedBy, usedAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark activation code used: %w", mapError(err))
	}
	return tag.RowsAffected() > 0, nil
}

// CountUnused counts codes that are neither used nor expired.
func (r *CodeStore) CountUnused(ctx context.Context, now time.Time) (int, error) {
	const query = `
		SELECT COUNT(*) FROM activation_codes
		WHERE is_used = FALSE AND (expires_at IS NULL OR expires_at > $1)
	`
	var n int
	if err := r.db.QueryRow(ctx, query, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count activation codes: %w", err)
	}
	return n, nil
}
