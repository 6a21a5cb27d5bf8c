package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"habit-marathon/internal/model"
	"habit-marathon/internal/repository"
)

const referralPrefix = "ref_"

// ParseReferral extracts the inviter's Telegram id from a /start payload
// of the form "ref_<id>".
func ParseReferral(payload string) (int64, bool) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(payload), referralPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ReferralLink returns the /start deep link that credits telegramID.
func ReferralLink(botUsername string, telegramID int64) string {
	return fmt.Sprintf("https://t.me/%s?start=%s%d", botUsername, referralPrefix, telegramID)
}

// Welcome ensures the account exists and records the invitation carried by
// the /start payload. It reports whether a new invitation was stored.
// Self-invitations and repeat invitations are ignored.
func (s *AccountService) Welcome(ctx context.Context, id Identity, payload string) (bool, error) {
	if id.TelegramID == 0 {
		return false, invalid("tg_user_id required")
	}
	referrer, hasReferrer := ParseReferral(payload)

	recorded := false
	err := RunTx(ctx, s.store, func(tx *repository.Tx) error {
		if _, _, err := tx.Accounts.GetOrCreate(ctx, id.TelegramID, id.Username, id.FirstName); err != nil {
			return fmt.Errorf("failed to ensure account: %w", err)
		}
		if !hasReferrer || referrer == id.TelegramID {
			return nil
		}

		ok, err := tx.Referrals.Record(ctx, referrer, id.TelegramID)
		if err != nil || !ok {
			return err
		}
		recorded = true
		return tx.Audit.Append(ctx, &model.AuditRecord{
			ActorTelegramID:  &id.TelegramID,
			Action:           model.AuditReferral,
			TargetTelegramID: &referrer,
			Payload:          map[string]any{"invited_tg_user_id": id.TelegramID},
		})
	})
	if err != nil {
		return false, err
	}

	if recorded {
		log.Info().
			Int64("referrer", referrer).
			Int64("invited", id.TelegramID).
			Msg("Referral recorded")
	}
	return recorded, nil
}
