package repository

import (
	"context"
	"fmt"

	"habit-marathon/internal/model"
)

// AchievementStore handles achievement persistence in PostgreSQL.
type AchievementStore struct {
	db DBTX
}

// Grant inserts an achievement if the account does not have it yet.
func (r *AchievementStore) Grant(ctx context.Context, a *model.UserAchievement) (bool, error) {
	const query = `
		INSERT INTO user_achievements (account_id, code, name, description, earned_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (account_id, code) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, a.AccountID, a.Code, a.Name, a.Description)
	if err != nil {
		return false, fmt.Errorf("failed to grant achievement: %w", mapError(err))
	}
	return tag.RowsAffected() > 0, nil
}

// List returns the account's achievements, oldest first.
func (r *AchievementStore) List(ctx context.Context, accountID int64) ([]model.UserAchievement, error) {
	const query = `
		SELECT account_id, code, name, description, earned_at
		FROM user_achievements
		WHERE account_id = $1
		ORDER BY earned_at ASC, code ASC
	`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list achievements: %w", err)
	}
	defer rows.Close()

	var out []model.UserAchievement
	for rows.Next() {
		var a model.UserAchievement
		if err := rows.Scan(&a.AccountID, &a.Code, &a.Name, &a.Description, &a.EarnedAt); err != nil {
			return nil, fmt.Errorf("failed to scan achievement: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
