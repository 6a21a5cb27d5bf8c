// Package repository provides data access layer implementations.
// Tests use testcontainers-go to spin up a PostgreSQL container.
package repository

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"habit-marathon/internal/model"
	"habit-marathon/internal/pkg/db"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

// setupTestDB creates a PostgreSQL container, applies the schema and returns a store.
// Skips the test if Docker is not available
func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, db.Migrate(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return NewPostgresStore(pool), cleanup
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func createAccount(t *testing.T, store Store, telegramID int64) *model.Account {
	t.Helper()
	var acc *model.Account
	err := store.WithTx(context.Background(), func(tx *Tx) error {
		var err error
		acc, _, err = tx.Accounts.GetOrCreate(context.Background(), telegramID, "user", "First")
		return err
	})
	require.NoError(t, err)
	return acc
}

// ============================================================================
// AccountStore Tests
// ============================================================================

func TestAccountStore_GetOrCreate(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *Tx) error {
		acc, created, err := tx.Accounts.GetOrCreate(ctx, 1001, "alice", "Alice")
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(1001), acc.TelegramID)
		assert.Equal(t, model.PaymentUnpaid, acc.PaymentStatus)
		assert.Equal(t, model.StatusNew, acc.Status)
		assert.Equal(t, 25, acc.ProgramLengthDays)
		assert.Empty(t, acc.Modules)

		again, created, err := tx.Accounts.GetOrCreate(ctx, 1001, "other", "Other")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, acc.ID, again.ID)
		assert.Equal(t, "alice", again.Username)
		return nil
	})
	require.NoError(t, err)
}

func TestAccountStore_UpdateProfileRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	acc := createAccount(t, store, 1002)

	acc.Modules = []string{model.ModuleHabits, model.ModuleReading}
	acc.Habits = []model.PlanItem{{Name: "Erta turish", Days: []string{"daily"}}}
	acc.ReminderHours = []int{7, 13, 21}
	acc.Age = model.IntPtr(30)
	acc.DeviceFingerprint = model.StringPtr("dev-1")
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.Accounts.UpdateProfile(ctx, acc)
	}))

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		got, err := tx.Accounts.GetByTelegramID(ctx, 1002)
		require.NoError(t, err)
		assert.Equal(t, acc.Modules, got.Modules)
		assert.Equal(t, acc.Habits, got.Habits)
		assert.Equal(t, []int{7, 13, 21}, got.ReminderHours)
		require.NotNil(t, got.Age)
		assert.Equal(t, 30, *got.Age)
		require.NotNil(t, got.DeviceFingerprint)
		assert.Equal(t, "dev-1", *got.DeviceFingerprint)
		return nil
	}))
}

func TestAccountStore_GetByTelegramID_NotFound(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.Accounts.GetByTelegramID(ctx, 404)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountStore_MarkPaidIsSticky(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	acc := createAccount(t, store, 1003)

	today := day(2025, 3, 10)
	confirmed := today.Add(9 * time.Hour)

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		paid, changed, err := tx.Accounts.MarkPaid(ctx, acc.ID, confirmed, day(2025, 3, 15), today)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, model.PaymentPaid, paid.PaymentStatus)
		assert.True(t, paid.IsPaid)
		assert.Equal(t, model.StatusScheduled, paid.Status)
		require.NotNil(t, paid.ProgramStartDate)
		assert.True(t, paid.ProgramStartDate.Equal(day(2025, 3, 15)))

		again, changed, err := tx.Accounts.MarkPaid(ctx, acc.ID, confirmed.Add(time.Hour), day(2025, 3, 20), today)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.True(t, again.ProgramStartDate.Equal(day(2025, 3, 15)))

		pending, err := tx.Accounts.MarkPending(ctx, acc.ID)
		require.NoError(t, err)
		assert.False(t, pending, "paid accounts never go back to pending")
		return nil
	}))

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		got, err := tx.Accounts.GetByID(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PaymentPaid, got.PaymentStatus)
		return nil
	}))
}

func TestAccountStore_MarkPaidStartsTodayIsActive(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	acc := createAccount(t, store, 1004)
	today := day(2025, 3, 10)

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		pending, err := tx.Accounts.MarkPending(ctx, acc.ID)
		require.NoError(t, err)
		assert.True(t, pending)

		paid, changed, err := tx.Accounts.MarkPaid(ctx, acc.ID, today, today, today)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, model.StatusActive, paid.Status)
		return nil
	}))
}

func TestAccountStore_LeaderboardAndCounts(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	today := day(2025, 3, 10)

	for i, points := range []int{10, 30, 20} {
		acc := createAccount(t, store, int64(2000+i))
		acc.Points = points
		require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
			if _, _, err := tx.Accounts.MarkPaid(ctx, acc.ID, today, today, today); err != nil {
				return err
			}
			return tx.Accounts.UpdateProgress(ctx, acc)
		}))
	}
	createAccount(t, store, 2999)

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		top, err := tx.Accounts.Leaderboard(ctx, 2)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, 30, top[0].Points)
		assert.Equal(t, 20, top[1].Points)

		counts, err := tx.Accounts.CountByPaymentStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, counts[model.PaymentPaid])
		assert.Equal(t, 1, counts[model.PaymentUnpaid])
		return nil
	}))
}

// ============================================================================
// LedgerStore Tests
// ============================================================================

func newClickTx(accountID int64, transID string) *model.PaymentTransaction {
	return &model.PaymentTransaction{
		AccountID:       accountID,
		Provider:        model.ProviderClick,
		ProviderTransID: transID,
		MerchantTransID: "555",
		Amount:          89000,
		Status:          model.TxPrepared,
		Action:          model.IntPtr(0),
	}
}

func TestLedgerStore_CreateIfAbsentIsIdempotent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	acc := createAccount(t, store, 3001)

	var firstID int64
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		row, created, err := tx.Ledger.CreateIfAbsent(ctx, newClickTx(acc.ID, "T-1"))
		require.NoError(t, err)
		assert.True(t, created)
		firstID = row.ID
		return nil
	}))

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		row, created, err := tx.Ledger.CreateIfAbsent(ctx, newClickTx(acc.ID, "T-1"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, firstID, row.ID)
		return nil
	}))
}

func TestLedgerStore_CreateIfAbsentConcurrent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	acc := createAccount(t, store, 3002)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[int64]bool)
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 3; attempt++ {
				err := store.WithTx(ctx, func(tx *Tx) error {
					row, isNew, err := tx.Ledger.CreateIfAbsent(ctx, newClickTx(acc.ID, "T-RACE"))
					if err != nil {
						return err
					}
					mu.Lock()
					ids[row.ID] = true
					if isNew {
						created++
					}
					mu.Unlock()
					return nil
				})
				if !errors.Is(err, ErrConflict) {
					assert.NoError(t, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func TestLedgerStore_UpdateStatusIsConditional(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	acc := createAccount(t, store, 3003)
	performed := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		row, _, err := tx.Ledger.CreateIfAbsent(ctx, newClickTx(acc.ID, "T-2"))
		require.NoError(t, err)

		done, applied, err := tx.Ledger.UpdateStatus(ctx, row.ID, StatusUpdate{
			Status:      model.TxCompleted,
			From:        []model.TxStatus{model.TxPrepared},
			Action:      model.IntPtr(1),
			PerformedAt: &performed,
		})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, model.TxCompleted, done.Status)
		require.NotNil(t, done.PerformedAt)
		assert.True(t, done.PerformedAt.Equal(performed))

		later := performed.Add(time.Hour)
		again, applied, err := tx.Ledger.UpdateStatus(ctx, row.ID, StatusUpdate{
			Status:      model.TxCompleted,
			From:        []model.TxStatus{model.TxPrepared},
			PerformedAt: &later,
		})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.True(t, again.PerformedAt.Equal(performed))

		latest, err := tx.Ledger.LatestForAccount(ctx, acc.ID, model.ProviderClick)
		require.NoError(t, err)
		assert.Equal(t, row.ID, latest.ID)
		return nil
	}))
}

// ============================================================================
// CodeStore Tests
// ============================================================================

func TestCodeStore_CreateAndMarkUsedOnce(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	acc := createAccount(t, store, 4001)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	expires := now.Add(720 * time.Hour)

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		code := &model.ActivationCode{Code: "ABCD1234", ExpiresAt: &expires}
		require.NoError(t, tx.Codes.Create(ctx, code))
		assert.NotZero(t, code.ID)

		dup := &model.ActivationCode{Code: "ABCD1234"}
		assert.ErrorIs(t, tx.Codes.Create(ctx, dup), ErrConflict)

		n, err := tx.Codes.CountUnused(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := tx.Codes.GetForUpdate(ctx, "ABCD1234")
		require.NoError(t, err)

		used, err := tx.Codes.MarkUsed(ctx, got.ID, acc.TelegramID, now)
		require.NoError(t, err)
		assert.True(t, used)

		used, err = tx.Codes.MarkUsed(ctx, got.ID, acc.TelegramID, now)
		require.NoError(t, err)
		assert.False(t, used)

		_, err = tx.Codes.GetForUpdate(ctx, "MISSING1")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

// ============================================================================
// ReportStore / AchievementStore / ChallengeStore / AuditStore Tests
// ============================================================================

func TestReportStore_ReplaceDay(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	acc := createAccount(t, store, 5001)
	d := day(2025, 3, 10)

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Reports.ReplaceDay(ctx, acc.ID, d, []model.DailyModuleReport{
			{Module: model.ModuleHabits, ItemKey: "a", IsDone: true},
			{Module: model.ModuleHabits, ItemKey: "b", IsDone: false},
		}))
		require.NoError(t, tx.Reports.ReplaceDay(ctx, acc.ID, d, []model.DailyModuleReport{
			{Module: model.ModuleReading, ItemKey: "book", IsDone: true},
		}))

		rows, err := tx.Reports.ForDay(ctx, acc.ID, d)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, model.ModuleReading, rows[0].Module)

		done, total, err := tx.Reports.Totals(ctx, acc.ID, d.AddDate(0, 0, -7), d)
		require.NoError(t, err)
		assert.Equal(t, 1, done)
		assert.Equal(t, 1, total)

		reported, err := tx.Reports.ReportedAccounts(ctx, d)
		require.NoError(t, err)
		assert.True(t, reported[acc.ID])
		return nil
	}))
}

func TestAchievementStore_GrantOnce(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	acc := createAccount(t, store, 5002)

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		a := &model.UserAchievement{AccountID: acc.ID, Code: "streak_7", Name: "7 kun"}
		granted, err := tx.Achievements.Grant(ctx, a)
		require.NoError(t, err)
		assert.True(t, granted)

		granted, err = tx.Achievements.Grant(ctx, a)
		require.NoError(t, err)
		assert.False(t, granted)

		list, err := tx.Achievements.List(ctx, acc.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		return nil
	}))
}

func TestReferralStore_RecordOnce(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		ok, err := tx.Referrals.Record(ctx, 7001, 7002)
		require.NoError(t, err)
		assert.True(t, ok)

		// The first inviter keeps the invitation.
		ok, err = tx.Referrals.Record(ctx, 7003, 7002)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.Referrals.Record(ctx, 7001, 7004)
		require.NoError(t, err)
		assert.True(t, ok)

		n, err := tx.Referrals.CountByReferrer(ctx, 7001)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = tx.Referrals.CountByReferrer(ctx, 7003)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}

func TestChallengeStore_CloseActive(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	acc := createAccount(t, store, 5003)
	d := day(2025, 3, 10)

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		first := &model.Challenge{AccountID: acc.ID, Numbers: []int{1, 2, 3}, Tasks: []string{"a", "b", "c"},
			StartDate: d, EndDate: d.AddDate(0, 0, 4), Status: model.ChallengeActive}
		require.NoError(t, tx.Challenges.Create(ctx, first))
		require.NoError(t, tx.Challenges.CloseActive(ctx, acc.ID))

		_, err := tx.Challenges.LatestActive(ctx, acc.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		second := &model.Challenge{AccountID: acc.ID, Numbers: []int{4, 5, 6}, Tasks: []string{"d", "e", "f"},
			StartDate: d, EndDate: d.AddDate(0, 0, 4), Status: model.ChallengeActive}
		require.NoError(t, tx.Challenges.Create(ctx, second))

		got, err := tx.Challenges.LatestActive(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, []int{4, 5, 6}, got.Numbers)
		assert.True(t, got.Covers(d.AddDate(0, 0, 4)))
		assert.False(t, got.Covers(d.AddDate(0, 0, 5)))
		return nil
	}))
}

func TestAuditStore_LatestByAction(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		for _, pts := range []float64{1, 2} {
			require.NoError(t, tx.Audit.Append(ctx, &model.AuditRecord{
				ActorTelegramID:  model.Int64Ptr(1),
				Action:           model.AuditKickUser,
				TargetTelegramID: model.Int64Ptr(42),
				Payload:          map[string]any{"points": pts},
			}))
		}
		rec, err := tx.Audit.LatestByAction(ctx, model.AuditKickUser, 42)
		require.NoError(t, err)
		assert.Equal(t, float64(2), rec.Payload["points"])

		_, err = tx.Audit.LatestByAction(ctx, model.AuditKickUser, 43)
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

// ============================================================================
// Transaction Tests
// ============================================================================

func TestPostgresStore_WithTxRollsBack(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx *Tx) error {
		if _, _, err := tx.Accounts.GetOrCreate(ctx, 6001, "u", "U"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = store.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.Accounts.GetByTelegramID(ctx, 6001)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
