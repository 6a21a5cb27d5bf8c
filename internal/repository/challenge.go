package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"habit-marathon/internal/model"
)

// ChallengeStore handles challenge persistence in PostgreSQL.
type ChallengeStore struct {
	db DBTX
}

// Create inserts a challenge and fills its ID.
func (r *ChallengeStore) Create(ctx context.Context, ch *model.Challenge) error {
	const query = `
		INSERT INTO challenges (account_id, numbers, tasks, start_date, end_date, status, created_at)
		VALUES ($1, $2, $3, $4::date, $5::date, $6, NOW())
		RETURNING id, created_at
	`
	numbers, err := marshalJSON(ch.Numbers)
	if err != nil {
		return fmt.Errorf("failed to encode challenge numbers: %w", err)
	}
	tasks, err := marshalJSON(ch.Tasks)
	if err != nil {
		return fmt.Errorf("failed to encode challenge tasks: %w", err)
	}
	err = r.db.QueryRow(ctx, query,
		ch.AccountID, string(numbers), string(tasks), ch.StartDate, ch.EndDate, ch.Status,
	).Scan(&ch.ID, &ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", mapError(err))
	}
	return nil
}

// CloseActive closes every active challenge of the account.
func (r *ChallengeStore) CloseActive(ctx context.Context, accountID int64) error {
	const query = `
		UPDATE challenges SET status = 'closed'
		WHERE account_id = $1 AND status = 'active'
	`
	if _, err := r.db.Exec(ctx, query, accountID); err != nil {
		return fmt.Errorf("failed to close challenges: %w", mapError(err))
	}
	return nil
}

// LatestActive returns the newest active challenge.
// Returns ErrNotFound if there is none.
func (r *ChallengeStore) LatestActive(ctx context.Context, accountID int64) (*model.Challenge, error) {
	const query = `
		SELECT id, account_id, numbers, tasks, start_date, end_date, status, created_at
		FROM challenges
		WHERE account_id = $1 AND status = 'active'
		ORDER BY id DESC
		LIMIT 1
	`
	var (
		ch             model.Challenge
		numbers, tasks []byte
	)
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&ch.ID, &ch.AccountID, &numbers, &tasks, &ch.StartDate, &ch.EndDate, &ch.Status, &ch.CreatedAt,
	)
	if err != nil {
		if err = mapError(err); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	if err := json.Unmarshal(numbers, &ch.Numbers); err != nil {
		return nil, fmt.Errorf("failed to decode challenge numbers: %w", err)
	}
	if err := json.Unmarshal(tasks, &ch.Tasks); err != nil {
		return nil, fmt.Errorf("failed to decode challenge tasks: %w", err)
	}
	return &ch, nil
}
