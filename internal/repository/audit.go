package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"habit-marathon/internal/model"
)

// AuditStore is the append-only audit log in PostgreSQL.
type AuditStore struct {
	db DBTX
}

// Append writes one audit record.
func (r *AuditStore) Append(ctx context.Context, rec *model.AuditRecord) error {
	const query = `
		INSERT INTO audit_logs (actor_telegram_id, action, target_telegram_id, payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at
	`
	var payload *string
	if rec.Payload != nil {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		s := string(b)
		payload = &s
	}
	err := r.db.QueryRow(ctx, query, rec.ActorTelegramID, rec.Action, rec.TargetTelegramID, payload).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", mapError(err))
	}
	return nil
}

// LatestByAction returns the newest record of an action for a target.
// Returns ErrNotFound if there is none.
func (r *AuditStore) LatestByAction(ctx context.Context, action string, targetTelegramID int64) (*model.AuditRecord, error) {
	const query = `
		SELECT id, actor_telegram_id, action, target_telegram_id, payload, created_at
		FROM audit_logs
		WHERE action = $1 AND target_telegram_id = $2
		ORDER BY id DESC
		LIMIT 1
	`
	var (
		rec     model.AuditRecord
		payload []byte
	)
	err := r.db.QueryRow(ctx, query, action, targetTelegramID).Scan(
		&rec.ID, &rec.ActorTelegramID, &rec.Action, &rec.TargetTelegramID, &payload, &rec.CreatedAt,
	)
	if err != nil {
		if err = mapError(err); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode audit payload: %w", err)
		}
	}
	return &rec, nil
}
