package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"habit-marathon/internal/model"
	"habit-marathon/internal/pkg/metrics"
	"habit-marathon/internal/repository"
)

// Stats is the admin overview.
type Stats struct {
	ByPaymentStatus map[model.PaymentStatus]int
	Total           int
	ReportedToday   int
	MissedToday     int
	UnusedCodes     int
}

// AdminService handles operator actions.
type AdminService struct {
	store     repository.Store
	activator *Activator
	metrics   *metrics.Collector
}

// NewAdminService creates a new AdminService instance.
func NewAdminService(store repository.Store, activator *Activator, m *metrics.Collector) *AdminService {
	return &AdminService{store: store, activator: activator, metrics: m}
}

func lockAccount(ctx context.Context, tx *repository.Tx, telegramID int64) (*model.Account, error) {
	acc, err := tx.Accounts.GetByTelegramIDForUpdate(ctx, telegramID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return acc, nil
}

// Kick removes a participant from the program. The previous payment state is
// kept in the audit log so Rollback can restore it.
func (s *AdminService) Kick(ctx context.Context, actor, telegramID int64) (*model.Account, error) {
	var out *model.Account
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		acc, err := lockAccount(ctx, tx, telegramID)
		if err != nil {
			return err
		}
		if acc.PaymentStatus == model.PaymentKicked {
			out = acc
			return nil
		}

		err = tx.Audit.Append(ctx, &model.AuditRecord{
			ActorTelegramID:  &actor,
			Action:           model.AuditKickUser,
			TargetTelegramID: &telegramID,
			Payload:          map[string]any{"before": snapshotPayment(acc)},
		})
		if err != nil {
			return err
		}

		acc.Status = model.StatusKicked
		acc.PaymentStatus = model.PaymentKicked
		acc.IsPaid = false
		if err := tx.Accounts.UpdateAdminState(ctx, acc); err != nil {
			return err
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int64("actor", actor).Int64("telegram_id", telegramID).Msg("Participant kicked")
	return out, nil
}

// Rollback restores the payment state saved by the latest kick.
func (s *AdminService) Rollback(ctx context.Context, actor, telegramID int64) (*model.Account, error) {
	var out *model.Account
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		acc, err := lockAccount(ctx, tx, telegramID)
		if err != nil {
			return err
		}
		if acc.PaymentStatus != model.PaymentKicked {
			return ErrNothingToRollback
		}
		rec, err := tx.Audit.LatestByAction(ctx, model.AuditKickUser, telegramID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNothingToRollback
			}
			return err
		}
		before, _ := rec.Payload["before"].(map[string]any)
		if before == nil {
			return ErrNothingToRollback
		}
		restorePayment(acc, before)

		if err := tx.Accounts.UpdateAdminState(ctx, acc); err != nil {
			return err
		}
		err = tx.Audit.Append(ctx, &model.AuditRecord{
			ActorTelegramID:  &actor,
			Action:           model.AuditRollbackUser,
			TargetTelegramID: &telegramID,
			Payload:          map[string]any{"kick_audit_id": rec.ID, "restored": before},
		})
		if err != nil {
			return err
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int64("actor", actor).Int64("telegram_id", telegramID).Msg("Participant restored")
	return out, nil
}

// snapshotPayment captures payment fields using only strings and bools so the
// snapshot reads back the same after a JSON round trip.
func snapshotPayment(acc *model.Account) map[string]any {
	snap := map[string]any{
		"status":         acc.Status,
		"payment_status": string(acc.PaymentStatus),
		"is_paid":        acc.IsPaid,
	}
	if acc.PaymentConfirmedAt != nil {
		snap["payment_confirmed_at"] = acc.PaymentConfirmedAt.UTC().Format(time.RFC3339)
	}
	if acc.ProgramStartDate != nil {
		snap["program_start_date"] = acc.ProgramStartDate.Format(time.DateOnly)
	}
	return snap
}

func restorePayment(acc *model.Account, snap map[string]any) {
	if v, ok := snap["status"].(string); ok {
		acc.Status = v
	}
	if v, ok := snap["payment_status"].(string); ok {
		acc.PaymentStatus = model.PaymentStatus(v)
	}
	if v, ok := snap["is_paid"].(bool); ok {
		acc.IsPaid = v
	}
	acc.PaymentConfirmedAt = nil
	if v, ok := snap["payment_confirmed_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			acc.PaymentConfirmedAt = &t
		}
	}
	acc.ProgramStartDate = nil
	if v, ok := snap["program_start_date"].(string); ok {
		if t, err := time.Parse(time.DateOnly, v); err == nil {
			acc.ProgramStartDate = &t
		}
	}
}

// ConfirmPayment activates an account manually.
func (s *AdminService) ConfirmPayment(ctx context.Context, actor, telegramID int64) (*ActivationResult, error) {
	var result *ActivationResult
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		acc, err := lockAccount(ctx, tx, telegramID)
		if err != nil {
			return err
		}
		result, err = s.activator.Activate(ctx, tx, acc)
		if err != nil {
			return err
		}
		if result.AlreadyActive {
			return nil
		}
		return tx.Audit.Append(ctx, &model.AuditRecord{
			ActorTelegramID:  &actor,
			Action:           model.AuditAdminConfirm,
			TargetTelegramID: &telegramID,
			Payload: map[string]any{
				"program_start_date": result.Account.ProgramStartDate.Format(time.DateOnly),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if !result.AlreadyActive {
		s.metrics.RecordActivation(SourceAdmin)
		log.Info().Int64("actor", actor).Int64("telegram_id", telegramID).Msg("Payment confirmed by admin")
	}
	return result, nil
}

// Today returns the current calendar day.
func (s *AdminService) Today() time.Time {
	return s.activator.Today()
}

// Stats returns account counts and today's reporting numbers.
func (s *AdminService) Stats(ctx context.Context) (*Stats, error) {
	today := s.activator.Today()

	stats := &Stats{}
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		counts, err := tx.Accounts.CountByPaymentStatus(ctx)
		if err != nil {
			return err
		}
		stats.ByPaymentStatus = counts
		stats.Total = 0
		for _, n := range counts {
			stats.Total += n
		}

		reported, missed, err := s.reporting(ctx, tx, today)
		if err != nil {
			return err
		}
		stats.ReportedToday = len(reported)
		stats.MissedToday = len(missed)

		stats.UnusedCodes, err = tx.Codes.CountUnused(ctx, s.activator.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// MissedReports lists active participants with no report on day.
func (s *AdminService) MissedReports(ctx context.Context, day time.Time) ([]*model.Account, error) {
	var missed []*model.Account
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		var err error
		_, missed, err = s.reporting(ctx, tx, day)
		return err
	})
	if err != nil {
		return nil, err
	}
	return missed, nil
}

func (s *AdminService) reporting(ctx context.Context, tx *repository.Tx, day time.Time) (reported, missed []*model.Account, err error) {
	paid, err := tx.Accounts.ListPaid(ctx)
	if err != nil {
		return nil, nil, err
	}
	ids, err := tx.Reports.ReportedAccounts(ctx, day)
	if err != nil {
		return nil, nil, err
	}
	for _, acc := range paid {
		if !s.activator.IsActive(acc, day) {
			continue
		}
		if ids[acc.ID] {
			reported = append(reported, acc)
		} else {
			missed = append(missed, acc)
		}
	}
	return reported, missed, nil
}
