package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"habit-marathon/internal/model"
	"habit-marathon/internal/pkg/metrics"
	"habit-marathon/internal/repository"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// MaxIssueCount bounds a single Issue call.
	MaxIssueCount = 2000
	// codeCollisionRetries bounds regeneration of a colliding code.
	codeCollisionRetries = 5
)

// RedeemRequest is a participant's attempt to pay with an activation code.
type RedeemRequest struct {
	TelegramID int64
	Code       string
	DeviceID   string
}

// RedeemResult is the outcome of a successful redemption.
type RedeemResult struct {
	AlreadyPaid      bool
	PaymentStatus    model.PaymentStatus
	ProgramStarted   bool
	ProgramStartDate *time.Time
}

// IssueRequest asks for a batch of new codes.
type IssueRequest struct {
	Count            int
	TargetTelegramID *int64
	CreatedBy        *int64
}

// CodeService issues and redeems activation codes.
type CodeService struct {
	store     repository.Store
	activator *Activator
	ttl       time.Duration
	length    int
	metrics   *metrics.Collector
}

// NewCodeService creates a new CodeService instance.
func NewCodeService(store repository.Store, activator *Activator, ttl time.Duration, length int, m *metrics.Collector) *CodeService {
	if length <= 0 {
		length = 8
	}
	return &CodeService{
		store:     store,
		activator: activator,
		ttl:       ttl,
		length:    length,
		metrics:   m,
	}
}

// NormalizeCode trims and upper-cases a typed code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Redeem consumes a code and activates the account.
func (s *CodeService) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		return nil, invalid("code is required")
	}
	deviceID := strings.TrimSpace(req.DeviceID)

	var result *RedeemResult
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		acc, err := tx.Accounts.GetByTelegramIDForUpdate(ctx, req.TelegramID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}

		today := s.activator.Today()
		if acc.PaymentStatus == model.PaymentPaid {
			result = &RedeemResult{
				AlreadyPaid:      true,
				PaymentStatus:    acc.PaymentStatus,
				ProgramStarted:   acc.ProgramStartDate != nil && !today.Before(*acc.ProgramStartDate),
				ProgramStartDate: acc.ProgramStartDate,
			}
			return nil
		}

		ac, err := tx.Codes.GetForUpdate(ctx, code)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrCodeNotFound
			}
			return err
		}

		now := s.activator.Now()
		switch {
		case ac.ExpiresAt != nil && !now.Before(*ac.ExpiresAt):
			return ErrCodeExpired
		case ac.IsUsed:
			return ErrCodeUsed
		case ac.TargetTelegramID != nil && *ac.TargetTelegramID != req.TelegramID:
			return ErrCodeForeign
		}
		if acc.DeviceFingerprint != nil {
			if deviceID == "" {
				return ErrDeviceRequired
			}
			if *acc.DeviceFingerprint != deviceID {
				return ErrDeviceMismatch
			}
		}

		used, err := tx.Codes.MarkUsed(ctx, ac.ID, req.TelegramID, now)
		if err != nil {
			return err
		}
		if !used {
			return ErrCodeUsed
		}

		if acc.DeviceFingerprint == nil && deviceID != "" {
			acc.DeviceFingerprint = &deviceID
			acc.DeviceBoundAt = &now
			if err := tx.Accounts.UpdateProfile(ctx, acc); err != nil {
				return fmt.Errorf("failed to bind device: %w", err)
			}
		}

		activation, err := s.activator.Activate(ctx, tx, acc)
		if err != nil {
			return err
		}

		err = tx.Audit.Append(ctx, &model.AuditRecord{
			ActorTelegramID:  &req.TelegramID,
			Action:           model.AuditVerifyCode,
			TargetTelegramID: &req.TelegramID,
			Payload: map[string]any{
				"code":           code,
				"already_active": activation.AlreadyActive,
			},
		})
		if err != nil {
			return err
		}

		result = &RedeemResult{
			PaymentStatus:    activation.Account.PaymentStatus,
			ProgramStarted:   activation.ProgramStarted,
			ProgramStartDate: activation.Account.ProgramStartDate,
		}
		return nil
	})

	s.metrics.RecordRedemption(redemptionLabel(result, err))
	if err != nil {
		return nil, err
	}
	if !result.AlreadyPaid {
		s.metrics.RecordActivation(SourceCode)
		log.Info().Int64("telegram_id", req.TelegramID).Msg("Account activated by code")
	}
	return result, nil
}

func redemptionLabel(result *RedeemResult, err error) string {
	switch {
	case err == nil && result != nil && result.AlreadyPaid:
		return "already_paid"
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCodeNotFound):
		return "not_found"
	case errors.Is(err, ErrCodeExpired):
		return "expired"
	case errors.Is(err, ErrCodeUsed):
		return "used"
	case errors.Is(err, ErrCodeForeign):
		return "foreign"
	case errors.Is(err, ErrDeviceMismatch), errors.Is(err, ErrDeviceRequired):
		return "device"
	case KindOf(err) != 0:
		return "rejected"
	}
	return "error"
}

// Issue creates req.Count new codes and returns them.
func (s *CodeService) Issue(ctx context.Context, req IssueRequest) ([]string, error) {
	if req.Count < 1 || req.Count > MaxIssueCount {
		return nil, invalid("count must be between 1 and %d", MaxIssueCount)
	}

	var codes []string
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		codes = codes[:0]
		expires := s.activator.Now().Add(s.ttl)

		for i := 0; i < req.Count; i++ {
			var created bool
			for attempt := 0; attempt < codeCollisionRetries && !created; attempt++ {
				value, err := generateCode(s.length)
				if err != nil {
					return err
				}
				err = tx.Codes.Create(ctx, &model.ActivationCode{
					Code:             value,
					TargetTelegramID: req.TargetTelegramID,
					CreatedBy:        req.CreatedBy,
					ExpiresAt:        &expires,
				})
				if errors.Is(err, repository.ErrConflict) {
					continue
				}
				if err != nil {
					return err
				}
				codes = append(codes, value)
				created = true
			}
			if !created {
				return fmt.Errorf("failed to generate a unique code after %d attempts", codeCollisionRetries)
			}
		}

		payload := map[string]any{"count": req.Count, "ttl_hours": s.ttl.Hours()}
		if req.TargetTelegramID != nil {
			payload["target_telegram_id"] = *req.TargetTelegramID
		}
		return tx.Audit.Append(ctx, &model.AuditRecord{
			ActorTelegramID:  req.CreatedBy,
			Action:           model.AuditIssueCodes,
			TargetTelegramID: req.TargetTelegramID,
			Payload:          payload,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int("count", len(codes)).Msg("Activation codes issued")
	return codes, nil
}

// generateCode draws n characters from codeAlphabet using crypto/rand.
func generateCode(n int) (string, error) {
	// 252 is the largest multiple of 36 below 256; higher bytes are rejected
	// to keep the distribution uniform.
	const limit = 252
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
