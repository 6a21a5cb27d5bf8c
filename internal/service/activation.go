package service

import (
	"context"
	"fmt"
	"time"

	"habit-marathon/internal/model"
	"habit-marathon/internal/pkg/calendar"
	"habit-marathon/internal/repository"
)

// Activation sources, used as audit payload and metric label.
const (
	SourceCode  = "code"
	SourcePayme = "payme"
	SourceClick = "click"
	SourceAdmin = "admin"
)

// ActivationResult describes the outcome of Activate.
type ActivationResult struct {
	Account        *model.Account
	AlreadyActive  bool
	ProgramStarted bool
}

// Activator is the single place an account becomes paid.
type Activator struct {
	cal         *calendar.Calendar
	cohortStart *time.Time
}

// NewActivator creates a new Activator. cohortStart may be nil, in which case
// the program starts on the day of activation.
func NewActivator(cal *calendar.Calendar, cohortStart *time.Time) *Activator {
	return &Activator{cal: cal, cohortStart: cohortStart}
}

// Activate flips acc to paid within tx. Repeated calls are no-ops that report
// AlreadyActive and never move the start date.
func (a *Activator) Activate(ctx context.Context, tx *repository.Tx, acc *model.Account) (*ActivationResult, error) {
	today := a.cal.Today()
	start := today
	if a.cohortStart != nil {
		start = *a.cohortStart
	}

	updated, changed, err := tx.Accounts.MarkPaid(ctx, acc.ID, a.cal.Now(), start, today)
	if err != nil {
		return nil, fmt.Errorf("failed to activate account: %w", err)
	}
	return &ActivationResult{
		Account:        updated,
		AlreadyActive:  !changed,
		ProgramStarted: updated.ProgramStartDate != nil && !today.Before(*updated.ProgramStartDate),
	}, nil
}

// MarkPending records that a payment is in flight. Paid accounts are left alone.
func (a *Activator) MarkPending(ctx context.Context, tx *repository.Tx, acc *model.Account) (bool, error) {
	ok, err := tx.Accounts.MarkPending(ctx, acc.ID)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment pending: %w", err)
	}
	return ok, nil
}

// IsActive reports whether acc may use the daily program on today.
func (a *Activator) IsActive(acc *model.Account, today time.Time) bool {
	if acc == nil || !acc.RegistrationCompleted || !acc.SetupCompleted() {
		return false
	}
	if acc.PaymentStatus != model.PaymentPaid || acc.ProgramStartDate == nil {
		return false
	}
	return !today.Before(*acc.ProgramStartDate)
}

// ProgramDay returns the 1-based program day, or 0 before the start.
func (a *Activator) ProgramDay(acc *model.Account, today time.Time) int {
	if acc == nil || acc.ProgramStartDate == nil || today.Before(*acc.ProgramStartDate) {
		return 0
	}
	return max(0, calendar.DaysBetween(*acc.ProgramStartDate, today)+1)
}

// Today returns the current calendar day.
func (a *Activator) Today() time.Time {
	return a.cal.Today()
}

// Now returns the current instant.
func (a *Activator) Now() time.Time {
	return a.cal.Now()
}
