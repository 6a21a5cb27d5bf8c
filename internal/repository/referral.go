package repository

import (
	"context"
	"fmt"
)

// ReferralStore handles referral persistence in PostgreSQL.
type ReferralStore struct {
	db DBTX
}

// Record inserts an invitation unless the invited participant already has one.
func (r *ReferralStore) Record(ctx context.Context, referrerID, invitedID int64) (bool, error) {
	const query = `
		INSERT INTO referrals (referrer_telegram_id, invited_telegram_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (invited_telegram_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, referrerID, invitedID)
	if err != nil {
		return false, fmt.Errorf("failed to record referral: %w", mapError(err))
	}
	return tag.RowsAffected() > 0, nil
}

// CountByReferrer returns how many participants referrerID invited.
func (r *ReferralStore) CountByReferrer(ctx context.Context, referrerID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM referrals WHERE referrer_telegram_id = $1`, referrerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count referrals: %w", err)
	}
	return n, nil
}
