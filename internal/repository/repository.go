// Package repository provides data access layer implementations.
//
// Every request works through a Tx: a set of repositories bound to one
// storage transaction obtained from Store.WithTx. The postgres Store maps it
// onto a pgx transaction. The memory Store serializes units of work and
// restores a snapshot when one fails.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"habit-marathon/internal/model"
)

// Common errors for repository operations.
var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a unique constraint fired or the transaction lost a
	// serialization race. The whole unit of work may be retried.
	ErrConflict = errors.New("conflicting concurrent write")
)

// AccountRepository persists participant accounts.
type AccountRepository interface {
	GetOrCreate(ctx context.Context, telegramID int64, username, firstName string) (*model.Account, bool, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*model.Account, error)
	GetByTelegramIDForUpdate(ctx context.Context, telegramID int64) (*model.Account, error)
	GetByID(ctx context.Context, id int64) (*model.Account, error)

	// UpdateProfile writes identity, registration, plan, device and status label fields.
	UpdateProfile(ctx context.Context, acc *model.Account) error
	// UpdateProgress writes points, streak, missed days, last report date and certificate fields.
	UpdateProgress(ctx context.Context, acc *model.Account) error
	// UpdateAdminState writes the payment state verbatim. Only admin kick and rollback use it.
	UpdateAdminState(ctx context.Context, acc *model.Account) error

	// MarkPaid flips an account that is not yet paid to paid. The start date is
	// assigned only when unset. It reports false when the account was already paid.
	MarkPaid(ctx context.Context, id int64, confirmedAt, startDate, today time.Time) (*model.Account, bool, error)
	// MarkPending sets payment_status to pending unless the account is paid.
	MarkPending(ctx context.Context, id int64) (bool, error)

	Leaderboard(ctx context.Context, limit int) ([]*model.Account, error)
	ListPaid(ctx context.Context) ([]*model.Account, error)
	CountByPaymentStatus(ctx context.Context) (map[model.PaymentStatus]int, error)
}

// StatusUpdate describes a conditional ledger transition.
type StatusUpdate struct {
	Status model.TxStatus
	// From restricts the transition to rows currently in one of these states.
	// Empty means unconditional.
	From []model.TxStatus

	Action       *int
	ErrorCode    *int
	SignTime     *string
	CancelReason *int
	// PerformedAt and CancelledAt latch: the first stored value wins.
	PerformedAt *time.Time
	CancelledAt *time.Time
}

// LedgerRepository is the idempotent store of provider transactions keyed by
// (provider, provider_trans_id).
type LedgerRepository interface {
	Find(ctx context.Context, provider, providerTransID string) (*model.PaymentTransaction, error)
	FindForUpdate(ctx context.Context, provider, providerTransID string) (*model.PaymentTransaction, error)
	GetByID(ctx context.Context, id int64) (*model.PaymentTransaction, error)
	// CreateIfAbsent inserts tx unless its idempotency key exists, in which case
	// the stored row is returned with created=false.
	CreateIfAbsent(ctx context.Context, tx *model.PaymentTransaction) (*model.PaymentTransaction, bool, error)
	// UpdateStatus applies upd and returns the row afterwards plus whether the
	// transition matched.
	UpdateStatus(ctx context.Context, id int64, upd StatusUpdate) (*model.PaymentTransaction, bool, error)
	LatestForAccount(ctx context.Context, accountID int64, provider string) (*model.PaymentTransaction, error)
}

// CodeRepository persists activation codes.
type CodeRepository interface {
	Create(ctx context.Context, code *model.ActivationCode) error
	GetForUpdate(ctx context.Context, code string) (*model.ActivationCode, error)
	// MarkUsed consumes an unused code and reports whether it did.
	MarkUsed(ctx context.Context, id int64, usedBy int64, usedAt time.Time) (bool, error)
	CountUnused(ctx context.Context, now time.Time) (int, error)
}

// ReportRepository persists daily checklist rows.
type ReportRepository interface {
	// ReplaceDay deletes the day's rows for the account, then inserts rows.
	ReplaceDay(ctx context.Context, accountID int64, day time.Time, rows []model.DailyModuleReport) error
	ForDay(ctx context.Context, accountID int64, day time.Time) ([]model.DailyModuleReport, error)
	// Totals counts done and total rows in the inclusive day range.
	Totals(ctx context.Context, accountID int64, from, to time.Time) (done, total int, err error)
	ReportedAccounts(ctx context.Context, day time.Time) (map[int64]bool, error)
}

// AchievementRepository persists granted achievements.
type AchievementRepository interface {
	// Grant inserts the achievement if absent and reports whether it did.
	Grant(ctx context.Context, a *model.UserAchievement) (bool, error)
	List(ctx context.Context, accountID int64) ([]model.UserAchievement, error)
}

// ChallengeRepository persists personal challenges.
type ChallengeRepository interface {
	Create(ctx context.Context, ch *model.Challenge) error
	CloseActive(ctx context.Context, accountID int64) error
	LatestActive(ctx context.Context, accountID int64) (*model.Challenge, error)
}

// ReferralRepository persists invitations.
type ReferralRepository interface {
	// Record stores the invitation unless invitedID was already invited and
	// reports whether it did.
	Record(ctx context.Context, referrerID, invitedID int64) (bool, error)
	CountByReferrer(ctx context.Context, referrerID int64) (int, error)
}

// AuditRepository is the append-only audit sink.
type AuditRepository interface {
	Append(ctx context.Context, rec *model.AuditRecord) error
	LatestByAction(ctx context.Context, action string, targetTelegramID int64) (*model.AuditRecord, error)
}

// Tx groups the repositories bound to a single storage transaction.
type Tx struct {
	Accounts     AccountRepository
	Ledger       LedgerRepository
	Codes        CodeRepository
	Reports      ReportRepository
	Achievements AchievementRepository
	Challenges   ChallengeRepository
	Referrals    ReferralRepository
	Audit        AuditRepository
}

// Store opens units of work. fn's writes commit together when it returns nil
// and are discarded otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *Tx) error) error
	Ping(ctx context.Context) error
}

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// PostgreSQL error codes that mean "retry the unit of work".
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// mapError converts driver errors into repository sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return ErrConflict
		}
	}
	return err
}

func txStatusStrings(in []model.TxStatus) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
