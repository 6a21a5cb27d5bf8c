package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"habit-marathon/internal/service"
)

// StartHandler answers /start: participants get the mini app button and
// their invite link, admins get the command list. A "ref_<id>" payload is
// recorded as an invitation.
type StartHandler struct {
	accounts    *service.AccountService
	botUsername string
	miniAppURL  string
	isAdmin     func(int64) bool
}

// NewStartHandler creates a new StartHandler.
func NewStartHandler(accounts *service.AccountService, botUsername, miniAppURL string, isAdmin func(int64) bool) *StartHandler {
	return &StartHandler{
		accounts:    accounts,
		botUsername: botUsername,
		miniAppURL:  miniAppURL,
		isAdmin:     isAdmin,
	}
}

const adminHelp = "🛠 Admin buyruqlari\n\n" +
	"/code <tg_id> - shaxsiy aktivatsiya kodi\n" +
	"/codes <soni> - umumiy kodlar (1..500)\n" +
	"/confirm <tg_id> - to'lovni qo'lda tasdiqlash\n" +
	"/kick <tg_id> - ishtirokchini chiqarish\n" +
	"/rollback <tg_id> - chiqarishni bekor qilish\n" +
	"/stats - statistika\n" +
	"/missed - bugun hisobot topshirmaganlar\n" +
	"/leaderboard - top 10"

// HandleStart handles the /start command.
func (h *StartHandler) HandleStart(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	if h.isAdmin(sender.ID) {
		return c.Send(adminHelp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	// A failed invitation write must not block the greeting.
	_, err := h.accounts.Welcome(ctx, service.Identity{
		TelegramID: sender.ID,
		Username:   sender.Username,
		FirstName:  sender.FirstName,
	}, strings.Join(c.Args(), " "))
	if err != nil {
		log.Warn().Err(err).Int64("user_id", sender.ID).Msg("Failed to record /start")
	}

	var sb strings.Builder
	sb.WriteString("👋 Salom! 25 kunlik odatlar marafoniga xush kelibsiz.\n\n")
	sb.WriteString("Ro'yxatdan o'tish va kundalik hisobot uchun ilovani oching.")
	if h.botUsername != "" {
		fmt.Fprintf(&sb, "\n\n🤝 Do'stlaringizni taklif qiling:\n%s", service.ReferralLink(h.botUsername, sender.ID))
	}

	if h.miniAppURL == "" {
		return c.Send(sb.String())
	}
	markup := &tele.ReplyMarkup{}
	markup.InlineKeyboard = [][]tele.InlineButton{{
		{Text: "🚀 Marafonni ochish", WebApp: &tele.WebApp{URL: h.miniAppURL}},
	}}
	return c.Send(sb.String(), markup)
}
