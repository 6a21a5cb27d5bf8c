// Property-based tests for MemoryStore.
package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"habit-marathon/internal/model"
)

// TestMemoryLedgerIdempotencyProperty checks that any sequence of creates over
// a small key space yields exactly one row per distinct key.
func TestMemoryLedgerIdempotencyProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := NewMemoryStore()
		ctx := context.Background()
		keys := rapid.SliceOfN(rapid.IntRange(1, 5), 1, 30).Draw(rt, "keys")

		var accountID int64
		_ = store.WithTx(ctx, func(tx *Tx) error {
			acc, _, _ := tx.Accounts.GetOrCreate(ctx, 1, "u", "U")
			accountID = acc.ID
			return nil
		})

		firstIDs := make(map[string]int64)
		for _, k := range keys {
			transID := fmt.Sprintf("T-%d", k)
			err := store.WithTx(ctx, func(tx *Tx) error {
				row, created, err := tx.Ledger.CreateIfAbsent(ctx, &model.PaymentTransaction{
					AccountID:       accountID,
					Provider:        model.ProviderPayme,
					ProviderTransID: transID,
					Status:          model.TxCreated,
				})
				if err != nil {
					return err
				}
				prev, seen := firstIDs[transID]
				if created == seen {
					rt.Fatalf("created=%v for key %s already seen=%v", created, transID, seen)
				}
				if seen && prev != row.ID {
					rt.Fatalf("key %s resolved to %d, first was %d", transID, row.ID, prev)
				}
				firstIDs[transID] = row.ID
				return nil
			})
			if err != nil {
				rt.Fatalf("unexpected error: %v", err)
			}
		}

		if store.TransactionCount() != len(firstIDs) {
			rt.Fatalf("expected %d rows, got %d", len(firstIDs), store.TransactionCount())
		}
	})
}

// TestMemoryPaidIsStickyProperty checks that once paid, no mix of MarkPaid and
// MarkPending calls changes the payment status or the start date.
func TestMemoryPaidIsStickyProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := NewMemoryStore()
		ctx := context.Background()
		today := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
		ops := rapid.SliceOfN(rapid.IntRange(0, 1), 1, 20).Draw(rt, "ops")

		var paidStart *time.Time
		for i, op := range ops {
			err := store.WithTx(ctx, func(tx *Tx) error {
				acc, _, err := tx.Accounts.GetOrCreate(ctx, 7, "u", "U")
				if err != nil {
					return err
				}
				switch op {
				case 0:
					start := today.AddDate(0, 0, i)
					paid, changed, err := tx.Accounts.MarkPaid(ctx, acc.ID, today, start, today)
					if err != nil {
						return err
					}
					if changed != (paidStart == nil) {
						rt.Fatalf("op %d: changed=%v with paidStart=%v", i, changed, paidStart)
					}
					if paidStart == nil {
						paidStart = paid.ProgramStartDate
					}
					if !paid.ProgramStartDate.Equal(*paidStart) {
						rt.Fatalf("op %d: start date moved to %v", i, paid.ProgramStartDate)
					}
				case 1:
					pending, err := tx.Accounts.MarkPending(ctx, acc.ID)
					if err != nil {
						return err
					}
					if pending != (paidStart == nil) {
						rt.Fatalf("op %d: pending=%v with paidStart=%v", i, pending, paidStart)
					}
				}
				return nil
			})
			if err != nil {
				rt.Fatalf("unexpected error: %v", err)
			}
		}
	})
}

// ============================================================================
// MemoryStore unit tests
// ============================================================================

func TestMemoryStore_WithTxRollsBack(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx *Tx) error {
		acc, _, err := tx.Accounts.GetOrCreate(ctx, 1, "u", "U")
		require.NoError(t, err)
		_, _, err = tx.Ledger.CreateIfAbsent(ctx, &model.PaymentTransaction{
			AccountID: acc.ID, Provider: model.ProviderClick, ProviderTransID: "1", Status: model.TxPrepared,
		})
		require.NoError(t, err)
		require.NoError(t, tx.Audit.Append(ctx, &model.AuditRecord{Action: model.AuditClickPrepare}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, store.TransactionCount())
	assert.Empty(t, store.AuditActions())

	err = store.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.Accounts.GetByTelegramID(ctx, 1)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		acc, _, err := tx.Accounts.GetOrCreate(ctx, 1, "u", "U")
		require.NoError(t, err)
		acc.Modules = []string{model.ModuleHabits}
		acc.Points = 99
		return nil
	}))

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		acc, err := tx.Accounts.GetByTelegramID(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, acc.Modules)
		assert.Zero(t, acc.Points)
		return nil
	}))
}

func TestMemoryStore_CodesMarkUsedOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		code := &model.ActivationCode{Code: "ABCD1234"}
		require.NoError(t, tx.Codes.Create(ctx, code))
		assert.ErrorIs(t, tx.Codes.Create(ctx, &model.ActivationCode{Code: "ABCD1234"}), ErrConflict)

		used, err := tx.Codes.MarkUsed(ctx, code.ID, 5, now)
		require.NoError(t, err)
		assert.True(t, used)
		used, err = tx.Codes.MarkUsed(ctx, code.ID, 5, now)
		require.NoError(t, err)
		assert.False(t, used)

		n, err := tx.Codes.CountUnused(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.WithTx(ctx, func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_ReferralRolledBackWithTx(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *Tx) error {
		ok, err := tx.Referrals.Record(ctx, 1, 2)
		require.NoError(t, err)
		assert.True(t, ok)
		return errors.New("boom")
	})
	require.Error(t, err)

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		n, err := tx.Referrals.CountByReferrer(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, n)

		ok, err := tx.Referrals.Record(ctx, 3, 2)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.Referrals.Record(ctx, 1, 2)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}
