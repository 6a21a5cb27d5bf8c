package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"habit-marathon/internal/catalog"
	"habit-marathon/internal/config"
	"habit-marathon/internal/model"
	"habit-marathon/internal/pkg/calendar"
	"habit-marathon/internal/repository"
)

// testClock is a settable clock shared by the calendar and the store.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) advanceDays(n int) { c.now = c.now.AddDate(0, 0, n) }

type testEnv struct {
	clock     *testClock
	store     *repository.MemoryStore
	activator *Activator
	accounts  *AccountService
	codes     *CodeService
	scoring   *ScoringService
	admin     *AdminService
	rules     ScoringRules
}

var testRules = ScoringRules{
	Weights:           map[string]int{"habits": 40, "sports": 35, "reading": 25},
	StreakThreshold:   70,
	BonusThreshold:    85,
	BonusPoints:       5,
	MissPenalty:       3,
	ProgramLengthDays: 25,
	ChallengeOpensDay: 5,
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	// A Monday.
	clock := &testClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryStoreWithClock(clock.Now)
	cal := calendar.NewWithClock(time.UTC, clock.Now)
	activator := NewActivator(cal, nil)
	cat := catalog.Default()
	payment := config.PaymentConfig{Mode: "manual_code", FeeUZS: 89000}

	return &testEnv{
		clock:     clock,
		store:     store,
		activator: activator,
		accounts:  NewAccountService(store, activator, cat, payment, "marathon_admin"),
		codes:     NewCodeService(store, activator, 720*time.Hour, 8, nil),
		scoring:   NewScoringService(store, activator, cat, testRules, nil),
		admin:     NewAdminService(store, activator, nil),
		rules:     testRules,
	}
}

// onboard creates a registered account with the given plan.
func (e *testEnv) onboard(t *testing.T, telegramID int64, setup SetupRequest) *model.Account {
	t.Helper()
	ctx := context.Background()

	_, _, err := e.accounts.Bootstrap(ctx, Identity{TelegramID: telegramID, FirstName: "Ali"}, "")
	require.NoError(t, err)
	_, err = e.accounts.Register(ctx, telegramID, RegisterRequest{
		FullName:     "Ali Valiyev",
		Location:     "Toshkent",
		Age:          25,
		Goal:         "Intizomli bo'lish",
		Pains:        "Vaqtni boy beraman",
		Expectations: "Yangi odatlar",
	})
	require.NoError(t, err)
	acc, err := e.accounts.Setup(ctx, telegramID, setup)
	require.NoError(t, err)
	return acc
}

// activate onboards and confirms payment, so the program starts today.
func (e *testEnv) activate(t *testing.T, telegramID int64, setup SetupRequest) *model.Account {
	t.Helper()
	e.onboard(t, telegramID, setup)
	res, err := e.admin.ConfirmPayment(context.Background(), 1, telegramID)
	require.NoError(t, err)
	return res.Account
}

func (e *testEnv) account(t *testing.T, telegramID int64) *model.Account {
	t.Helper()
	var acc *model.Account
	require.NoError(t, e.store.WithTx(context.Background(), func(tx *repository.Tx) error {
		var err error
		acc, err = tx.Accounts.GetByTelegramID(context.Background(), telegramID)
		return err
	}))
	return acc
}

func habitsSetup(names ...string) SetupRequest {
	items := make([]PlanItemInput, len(names))
	for i, n := range names {
		items[i] = PlanItemInput{Name: n, Days: []string{catalog.Daily}}
	}
	return SetupRequest{
		Modules:       []string{model.ModuleHabits},
		Habits:        items,
		ReminderHours: []int{8, 13, 21},
	}
}
