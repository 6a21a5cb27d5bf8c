// Package model defines the data models for the habit marathon.
package model

import (
	"time"
)

// PaymentStatus is the payment state of an account.
type PaymentStatus string

// Payment status constants. Paid is sticky: only an admin kick leaves it.
const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentKicked  PaymentStatus = "kicked"
)

// Account lifecycle labels.
const (
	StatusNew             = "new"
	StatusRegistered      = "registered"
	StatusSetupDone       = "setup_done"
	StatusAwaitingPayment = "awaiting_payment"
	StatusScheduled       = "scheduled"
	StatusActive          = "active"
	StatusKicked          = "kicked"
)

// Plan module names.
const (
	ModuleHabits    = "habits"
	ModuleSports    = "sports"
	ModuleReading   = "reading"
	ModuleChallenge = "challenge"
)

// PlanItem is the canonical form of a habit or sport entry.
// Days holds weekday keys (mon..sun) or the single value "daily".
type PlanItem struct {
	Name        string   `json:"name"`
	Days        []string `json:"days"`
	TargetCount int      `json:"target_count,omitempty"`
}

// Account represents a marathon participant.
type Account struct {
	ID         int64  `db:"id"`
	TelegramID int64  `db:"telegram_id"`
	Username   string `db:"username"`
	FirstName  string `db:"first_name"`
	Status     string `db:"status"`

	PaymentStatus      PaymentStatus `db:"payment_status"`
	IsPaid             bool          `db:"is_paid"`
	PaymentConfirmedAt *time.Time    `db:"payment_confirmed_at"`

	RegistrationCompleted bool   `db:"registration_completed"`
	FullName              string `db:"full_name"`
	Location              string `db:"location"`
	Age                   *int   `db:"age"`
	Goal                  string `db:"goal"`
	Pains                 string `db:"pains"`
	Expectations          string `db:"expectations"`

	Modules       []string   `db:"modules"`
	Habits        []PlanItem `db:"habits"`
	Sports        []PlanItem `db:"sports"`
	ReadingBook   string     `db:"reading_book"`
	ReadingTask   string     `db:"reading_task"`
	ReminderHours []int      `db:"reminder_hours"`

	ProgramStartDate  *time.Time `db:"program_start_date"`
	ProgramLengthDays int        `db:"program_length_days"`

	Points           int        `db:"points"`
	CurrentStreak    int        `db:"current_streak"`
	StreakFreezeUsed bool       `db:"streak_freeze_used"`
	MissedDaysCount  int        `db:"missed_days_count"`
	LastReportDate   *time.Time `db:"last_report_date"`

	// Progress as it stood before the first report of LastReportDate.
	DayBasePoints     int  `db:"day_base_points"`
	DayBaseStreak     int  `db:"day_base_streak"`
	DayBaseFreezeUsed bool `db:"day_base_freeze_used"`
	DayBaseMissed     int  `db:"day_base_missed"`

	CertificateIssued bool    `db:"certificate_issued"`
	CertificateCode   *string `db:"certificate_code"`

	DeviceFingerprint *string    `db:"device_fingerprint"`
	DeviceBoundAt     *time.Time `db:"device_bound_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SetupCompleted reports whether the participant selected at least one module.
func (a *Account) SetupCompleted() bool {
	return len(a.Modules) > 0
}

// HasModule reports whether a module is part of the participant's plan.
func (a *Account) HasModule(module string) bool {
	for _, m := range a.Modules {
		if m == module {
			return true
		}
	}
	return false
}

// Payment providers.
const (
	ProviderPayme = "payme"
	ProviderClick = "click"
)

// TxStatus is the state of a provider transaction.
type TxStatus string

// Transaction status constants.
const (
	TxCreated   TxStatus = "created"
	TxPrepared  TxStatus = "prepared"
	TxCompleted TxStatus = "completed"
	TxCancelled TxStatus = "cancelled"
	TxFailed    TxStatus = "failed"
)

// PaymentTransaction is one provider-side payment attempt.
// (Provider, ProviderTransID) is the idempotency key.
type PaymentTransaction struct {
	ID              int64      `db:"id"`
	AccountID       int64      `db:"account_id"`
	Provider        string     `db:"provider"`
	ProviderTransID string     `db:"provider_trans_id"`
	MerchantTransID string     `db:"merchant_trans_id"`
	Amount          int64      `db:"amount"`
	Status          TxStatus   `db:"status"`
	Action          *int       `db:"action"`
	ErrorCode       *int       `db:"error_code"`
	SignTime        *string    `db:"sign_time"`
	CancelReason    *int       `db:"cancel_reason"`
	PerformedAt     *time.Time `db:"performed_at"`
	CancelledAt     *time.Time `db:"cancelled_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// ActivationCode is a single-use payment code issued by an admin.
type ActivationCode struct {
	ID               int64      `db:"id"`
	Code             string     `db:"code"`
	TargetTelegramID *int64     `db:"target_telegram_id"`
	CreatedBy        *int64     `db:"created_by"`
	IsUsed           bool       `db:"is_used"`
	UsedBy           *int64     `db:"used_by"`
	UsedAt           *time.Time `db:"used_at"`
	ExpiresAt        *time.Time `db:"expires_at"`
	CreatedAt        time.Time  `db:"created_at"`
}

// DailyModuleReport is one checklist row for a day.
type DailyModuleReport struct {
	AccountID  int64     `db:"account_id"`
	ReportDate time.Time `db:"report_date"`
	Module     string    `db:"module"`
	ItemKey    string    `db:"item_key"`
	IsDone     bool      `db:"is_done"`
}

// UserAchievement is an achievement granted to an account.
type UserAchievement struct {
	AccountID   int64     `db:"account_id"`
	Code        string    `db:"code"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	EarnedAt    time.Time `db:"earned_at"`
}

// Challenge status constants.
const (
	ChallengeActive = "active"
	ChallengeClosed = "closed"
)

// Challenge is a five-day personal challenge picked from the pool.
type Challenge struct {
	ID        int64     `db:"id"`
	AccountID int64     `db:"account_id"`
	Numbers   []int     `db:"numbers"`
	Tasks     []string  `db:"tasks"`
	StartDate time.Time `db:"start_date"`
	EndDate   time.Time `db:"end_date"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

// Covers reports whether day falls inside the challenge window.
func (c *Challenge) Covers(day time.Time) bool {
	return !day.Before(c.StartDate) && !day.After(c.EndDate)
}

// Referral records who invited a participant. A participant is invited at
// most once.
type Referral struct {
	ID                 int64     `db:"id"`
	ReferrerTelegramID int64     `db:"referrer_telegram_id"`
	InvitedTelegramID  int64     `db:"invited_telegram_id"`
	CreatedAt          time.Time `db:"created_at"`
}

// Audit actions.
const (
	AuditVerifyCode       = "verify_code_payment"
	AuditIssueCodes       = "issue_codes"
	AuditPaymeCreate      = "payme_create"
	AuditPaymePerform     = "payme_perform"
	AuditPaymeCancel      = "payme_cancel"
	AuditClickPrepare     = "click_prepare"
	AuditClickComplete    = "click_complete"
	AuditDailyReport      = "daily_report_submitted"
	AuditChallengePicked  = "challenge_picked"
	AuditKickUser         = "kick_user"
	AuditRollbackUser     = "rollback_user"
	AuditAdminConfirm     = "admin_confirm_payment"
	AuditPaymentRequested = "payment_requested"
	AuditReferral         = "referral_recorded"
)

// AuditRecord is one append-only audit entry.
type AuditRecord struct {
	ID               int64          `db:"id"`
	ActorTelegramID  *int64         `db:"actor_telegram_id"`
	Action           string         `db:"action"`
	TargetTelegramID *int64         `db:"target_telegram_id"`
	Payload          map[string]any `db:"payload"`
	CreatedAt        time.Time      `db:"created_at"`
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }
