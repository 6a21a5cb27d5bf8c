package repository

import (
	"context"
	"errors"
	"fmt"

	"habit-marathon/internal/model"
)

// LedgerStore handles provider transaction persistence in PostgreSQL.
type LedgerStore struct {
	db DBTX
}

const ledgerColumns = `
	id, account_id, provider, provider_trans_id, merchant_trans_id, amount, status,
	action, error_code, sign_time, cancel_reason, performed_at, cancelled_at,
	created_at, updated_at`

func scanTransaction(row scanner) (*model.PaymentTransaction, error) {
	var (
		tx     model.PaymentTransaction
		status string
	)
	err := row.Scan(
		&tx.ID, &tx.AccountID, &tx.Provider, &tx.ProviderTransID, &tx.MerchantTransID, &tx.Amount, &status,
		&tx.Action, &tx.ErrorCode, &tx.SignTime, &tx.CancelReason, &tx.PerformedAt, &tx.CancelledAt,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Status = model.TxStatus(status)
	return &tx, nil
}

func (r *LedgerStore) getOne(ctx context.Context, query string, args ...any) (*model.PaymentTransaction, error) {
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if err = mapError(err); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// Find looks a transaction up by its idempotency key.
// Returns ErrNotFound if it does not exist.
func (r *LedgerStore) Find(ctx context.Context, provider, providerTransID string) (*model.PaymentTransaction, error) {
	return r.getOne(ctx,
		`SELECT `+ledgerColumns+` FROM payment_transactions WHERE provider = $1 AND provider_trans_id = $2`,
		provider, providerTransID)
}

// FindForUpdate is Find with a row lock held until commit.
func (r *LedgerStore) FindForUpdate(ctx context.Context, provider, providerTransID string) (*model.PaymentTransaction, error) {
	return r.getOne(ctx,
		`SELECT `+ledgerColumns+` FROM payment_transactions WHERE provider = $1 AND provider_trans_id = $2 FOR UPDATE`,
		provider, providerTransID)
}

// GetByID retrieves a transaction by its ledger ID.
func (r *LedgerStore) GetByID(ctx context.Context, id int64) (*model.PaymentTransaction, error) {
	return r.getOne(ctx, `SELECT `+ledgerColumns+` FROM payment_transactions WHERE id = $1`, id)
}

// LatestForAccount returns the newest transaction of a provider for an account.
func (r *LedgerStore) LatestForAccount(ctx context.Context, accountID int64, provider string) (*model.PaymentTransaction, error) {
	return r.getOne(ctx,
		`SELECT `+ledgerColumns+` FROM payment_transactions WHERE account_id = $1 AND provider = $2 ORDER BY id DESC LIMIT 1`,
		accountID, provider)
}

// CreateIfAbsent inserts a transaction unless (provider, provider_trans_id) exists.
// Concurrent callers with the same key block on the unique index, and the
// loser reads the winner's row.
func (r *LedgerStore) CreateIfAbsent(ctx context.Context, tx *model.PaymentTransaction) (*model.PaymentTransaction, bool, error) {
	const query = `
		INSERT INTO payment_transactions (
			account_id, provider, provider_trans_id, merchant_trans_id, amount, status,
			action, error_code, sign_time, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (provider, provider_trans_id) DO NOTHING
		RETURNING ` + ledgerColumns

	created, err := scanTransaction(r.db.QueryRow(ctx, query,
		tx.AccountID, tx.Provider, tx.ProviderTransID, tx.MerchantTransID, tx.Amount, string(tx.Status),
		tx.Action, tx.ErrorCode, tx.SignTime,
	))
	if err == nil {
		return created, true, nil
	}
	if err = mapError(err); !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to create transaction: %w", err)
	}

	existing, err := r.Find(ctx, tx.Provider, tx.ProviderTransID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The conflicting row vanished with its rolled-back creator.
			return nil, false, ErrConflict
		}
		return nil, false, err
	}
	return existing, false, nil
}

// UpdateStatus applies a conditional status transition.
func (r *LedgerStore) UpdateStatus(ctx context.Context, id int64, upd StatusUpdate) (*model.PaymentTransaction, bool, error) {
	const query = `
		UPDATE payment_transactions SET
			status = $2,
			action = COALESCE($4, action),
			error_code = COALESCE($5, error_code),
			sign_time = COALESCE($6, sign_time),
			cancel_reason = COALESCE($7, cancel_reason),
			performed_at = COALESCE(performed_at, $8),
			cancelled_at = COALESCE(cancelled_at, $9),
			updated_at = NOW()
		WHERE id = $1 AND ($3::text[] IS NULL OR status = ANY($3::text[]))
		RETURNING ` + ledgerColumns

	updated, err := scanTransaction(r.db.QueryRow(ctx, query,
		id, string(upd.Status), txStatusStrings(upd.From),
		upd.Action, upd.ErrorCode, upd.SignTime, upd.CancelReason,
		upd.PerformedAt, upd.CancelledAt,
	))
	if err == nil {
		return updated, true, nil
	}
	if err = mapError(err); !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to update transaction status: %w", err)
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}
