// Package bot wires the Telegram bot: settings, middleware and command routes.
package bot

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"habit-marathon/internal/config"
	"habit-marathon/internal/handler"
	"habit-marathon/internal/service"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot         *tele.Bot
	cfg         *config.Config
	admin       *handler.AdminHandler
	start       *handler.StartHandler
	leaderboard *handler.LeaderboardHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config   *config.Config
	Accounts *service.AccountService
	Codes    *service.CodeService
	Scoring  *service.ScoringService
	Admin    *service.AdminService
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	teleBot, err := tele.NewBot(tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			log.Error().Err(err).Msg("Bot handler failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot:         teleBot,
		cfg:         deps.Config,
		admin:       handler.NewAdminHandler(deps.Codes, deps.Admin),
		start:       handler.NewStartHandler(deps.Accounts, teleBot.Me.Username, deps.Config.Bot.MiniAppURL, deps.Config.IsAdmin),
		leaderboard: handler.NewLeaderboardHandler(deps.Scoring),
	}

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

// registerMiddleware registers all middleware.
func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(LoggingMiddleware())
}

// registerHandlers registers all command handlers.
func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.start.HandleStart)
	b.bot.Handle("/leaderboard", b.leaderboard.HandleLeaderboard)

	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware(b.cfg))
	adminGroup.Handle("/code", b.admin.HandleCode)
	adminGroup.Handle("/codes", b.admin.HandleCodes)
	adminGroup.Handle("/kick", b.admin.HandleKick)
	adminGroup.Handle("/rollback", b.admin.HandleRollback)
	adminGroup.Handle("/confirm", b.admin.HandleConfirm)
	adminGroup.Handle("/stats", b.admin.HandleStats)
	adminGroup.Handle("/missed", b.admin.HandleMissed)
}

// Start starts the bot polling. It blocks until Stop is called.
func (b *Bot) Start() {
	log.Info().Str("username", b.bot.Me.Username).Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
