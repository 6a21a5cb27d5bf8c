// Package handler provides Telegram bot command handlers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"habit-marathon/internal/model"
	"habit-marathon/internal/service"
)

const (
	// MaxBotCodes bounds /codes.
	MaxBotCodes = 500
	// codesPerMessage keeps a code listing under the Telegram message limit.
	codesPerMessage = 100
	// maxMissedListed bounds the /missed listing.
	maxMissedListed = 50
	commandTimeout  = 15 * time.Second
)

// AdminHandler handles admin-only commands.
type AdminHandler struct {
	codes *service.CodeService
	admin *service.AdminService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(codes *service.CodeService, admin *service.AdminService) *AdminHandler {
	return &AdminHandler{codes: codes, admin: admin}
}

// HandleCode handles /code <tg_id>: one code bound to a participant.
func (h *AdminHandler) HandleCode(c tele.Context) error {
	targetID, err := parseTelegramID(c.Args(), "/code")
	if err != nil {
		return c.Reply(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	actor := c.Sender().ID
	codes, err := h.codes.Issue(ctx, service.IssueRequest{
		Count:            1,
		TargetTelegramID: &targetID,
		CreatedBy:        &actor,
	})
	if err != nil {
		return c.Reply(describeError(err))
	}

	log.Info().
		Int64("admin_id", actor).
		Int64("target_id", targetID).
		Str("operation", "issue_code").
		Msg("Admin operation executed")

	return c.Reply(fmt.Sprintf("✅ Kod tayyor\n\n👤 ID: %d\n🔑 Kod: %s", targetID, codes[0]))
}

// HandleCodes handles /codes <n>: a batch of unbound codes.
func (h *AdminHandler) HandleCodes(c tele.Context) error {
	count, err := parseCount(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	actor := c.Sender().ID
	codes, err := h.codes.Issue(ctx, service.IssueRequest{Count: count, CreatedBy: &actor})
	if err != nil {
		return c.Reply(describeError(err))
	}

	log.Info().
		Int64("admin_id", actor).
		Int("count", count).
		Str("operation", "issue_codes").
		Msg("Admin operation executed")

	for i, chunk := range chunkCodes(codes, codesPerMessage) {
		text := strings.Join(chunk, "\n")
		if i == 0 {
			text = fmt.Sprintf("✅ %d ta kod yaratildi\n\n%s", len(codes), text)
		}
		if err := c.Send(text); err != nil {
			return err
		}
	}
	return nil
}

// HandleConfirm handles /confirm <tg_id>.
func (h *AdminHandler) HandleConfirm(c tele.Context) error {
	targetID, err := parseTelegramID(c.Args(), "/confirm")
	if err != nil {
		return c.Reply(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := h.admin.ConfirmPayment(ctx, c.Sender().ID, targetID)
	if err != nil {
		return c.Reply(describeError(err))
	}
	if res.AlreadyActive {
		return c.Reply(fmt.Sprintf("ℹ️ %d allaqachon to'lagan", targetID))
	}
	return c.Reply(fmt.Sprintf("✅ To'lov tasdiqlandi\n\n👤 %s\n📅 Boshlanish: %s",
		accountLabel(res.Account), startDate(res.Account)))
}

// HandleKick handles /kick <tg_id>.
func (h *AdminHandler) HandleKick(c tele.Context) error {
	targetID, err := parseTelegramID(c.Args(), "/kick")
	if err != nil {
		return c.Reply(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	acc, err := h.admin.Kick(ctx, c.Sender().ID, targetID)
	if err != nil {
		return c.Reply(describeError(err))
	}
	return c.Reply(fmt.Sprintf("🚫 Chiqarildi: %s\nQaytarish: /rollback %d", accountLabel(acc), targetID))
}

// HandleRollback handles /rollback <tg_id>.
func (h *AdminHandler) HandleRollback(c tele.Context) error {
	targetID, err := parseTelegramID(c.Args(), "/rollback")
	if err != nil {
		return c.Reply(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	acc, err := h.admin.Rollback(ctx, c.Sender().ID, targetID)
	if err != nil {
		return c.Reply(describeError(err))
	}
	return c.Reply(fmt.Sprintf("↩️ Qaytarildi: %s\n💳 Holat: %s", accountLabel(acc), acc.PaymentStatus))
}

// HandleStats handles /stats.
func (h *AdminHandler) HandleStats(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	stats, err := h.admin.Stats(ctx)
	if err != nil {
		return c.Reply(describeError(err))
	}
	return c.Reply(formatStats(stats))
}

// HandleMissed handles /missed: active participants without a report today.
func (h *AdminHandler) HandleMissed(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	missed, err := h.admin.MissedReports(ctx, h.admin.Today())
	if err != nil {
		return c.Reply(describeError(err))
	}
	return c.Reply(formatMissed(missed))
}

// parseTelegramID reads the single <tg_id> argument of a command.
func parseTelegramID(args []string, command string) (int64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("❌ Foydalanish: %s <tg_id>\nMasalan: %s 123456789", command, command)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("❌ ID noto'g'ri, raqam kiriting")
	}
	return id, nil
}

// parseCount reads the /codes argument.
func parseCount(args []string) (int, error) {
	if len(args) < 1 {
		return 0, errors.New("❌ Foydalanish: /codes <soni>\nMasalan: /codes 20")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > MaxBotCodes {
		return 0, fmt.Errorf("❌ Soni 1 dan %d gacha bo'lishi kerak", MaxBotCodes)
	}
	return n, nil
}

func chunkCodes(codes []string, size int) [][]string {
	var chunks [][]string
	for len(codes) > size {
		chunks = append(chunks, codes[:size])
		codes = codes[size:]
	}
	if len(codes) > 0 {
		chunks = append(chunks, codes)
	}
	return chunks
}

// describeError turns a service error into a reply.
func describeError(err error) string {
	switch {
	case errors.Is(err, service.ErrAccountNotFound):
		return "❌ Foydalanuvchi topilmadi"
	case errors.Is(err, service.ErrNothingToRollback):
		return "❌ Qaytarish uchun chiqarish topilmadi"
	case service.KindOf(err) != 0:
		return "❌ " + err.Error()
	}
	log.Error().Err(err).Msg("Admin command failed")
	return "❌ Amal bajarilmadi, keyinroq urinib ko'ring"
}

func accountLabel(acc *model.Account) string {
	if acc == nil {
		return ""
	}
	name := acc.FullName
	if name == "" {
		name = acc.FirstName
	}
	if acc.Username != "" {
		name = strings.TrimSpace(name + " @" + acc.Username)
	}
	if name == "" {
		return strconv.FormatInt(acc.TelegramID, 10)
	}
	return fmt.Sprintf("%s (ID: %d)", name, acc.TelegramID)
}

func startDate(acc *model.Account) string {
	if s := service.StartDateString(acc.ProgramStartDate); s != nil {
		return *s
	}
	return "-"
}

func formatStats(s *service.Stats) string {
	var b strings.Builder
	b.WriteString("📊 Statistika\n\n")
	fmt.Fprintf(&b, "👥 Jami: %d\n", s.Total)

	statuses := make([]string, 0, len(s.ByPaymentStatus))
	for st := range s.ByPaymentStatus {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(&b, "💳 %s: %d\n", st, s.ByPaymentStatus[model.PaymentStatus(st)])
	}

	fmt.Fprintf(&b, "\n✅ Bugun hisobot: %d\n", s.ReportedToday)
	fmt.Fprintf(&b, "⏳ Topshirmagan: %d\n", s.MissedToday)
	fmt.Fprintf(&b, "🔑 Ishlatilmagan kodlar: %d", s.UnusedCodes)
	return b.String()
}

func formatMissed(missed []*model.Account) string {
	if len(missed) == 0 {
		return "🎉 Bugun hamma hisobot topshirdi"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "⏳ Bugun topshirmaganlar: %d\n", len(missed))
	for i, acc := range missed {
		if i == maxMissedListed {
			fmt.Fprintf(&b, "\n... va yana %d", len(missed)-maxMissedListed)
			break
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, accountLabel(acc))
	}
	return b.String()
}
