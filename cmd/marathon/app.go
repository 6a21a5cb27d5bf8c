package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"habit-marathon/internal/bot"
	"habit-marathon/internal/catalog"
	"habit-marathon/internal/config"
	"habit-marathon/internal/httpapi"
	"habit-marathon/internal/payment/click"
	"habit-marathon/internal/payment/payme"
	"habit-marathon/internal/pkg/calendar"
	"habit-marathon/internal/pkg/db"
	"habit-marathon/internal/pkg/metrics"
	"habit-marathon/internal/repository"
	"habit-marathon/internal/service"
)

// application holds the wired services for one command run.
type application struct {
	pool     *db.Pool
	metrics  *metrics.Collector
	services httpapi.Services
}

// loadConfig reads configuration and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("store") {
		cfg.Database.Driver = c.String("store")
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if err := setupLogger(cfg.Log); err != nil {
		return nil, err
	}
	log.Info().Str("store", cfg.Database.Driver).Msg("Configuration loaded successfully")
	return cfg, nil
}

// setupLogger configures the global zerolog logger.
func setupLogger(lc config.LogConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		return fmt.Errorf("invalid log.level %q: %w", lc.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	if lc.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

// openStore connects the configured store. Postgres is migrated when
// applySchema is set.
func openStore(ctx context.Context, cfg *config.Config, applySchema bool) (repository.Store, *db.Pool, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("Using the in-memory store; data is lost on exit")
		return repository.NewMemoryStore(), nil, nil
	}

	pool, err := db.Open(ctx, &cfg.Database, applySchema)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return repository.NewPostgresStore(pool.Pool), pool, nil
}

func newApplication(ctx context.Context, cfg *config.Config, applySchema bool) (*application, error) {
	loc, err := cfg.Server.Location()
	if err != nil {
		return nil, err
	}
	cohortStart, err := cfg.Program.CohortStart()
	if err != nil {
		return nil, err
	}

	store, pool, err := openStore(ctx, cfg, applySchema)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	cat := catalog.Default()
	activator := service.NewActivator(calendar.New(loc), cohortStart)

	svc := httpapi.Services{
		Store:    store,
		Accounts: service.NewAccountService(store, activator, cat, cfg.Payment, cfg.Admin.Contact),
		Codes:    service.NewCodeService(store, activator, cfg.Codes.CodeTTL(), cfg.Codes.Length, m),
		Scoring:  service.NewScoringService(store, activator, cat, service.RulesFromConfig(cfg.Scoring, cfg.Program), m),
		Admin:    service.NewAdminService(store, activator, m),
	}
	if p := cfg.Payment.Payme; p.Enabled {
		svc.Payme = payme.NewGateway(store, activator, p.Key, cfg.Payment.FeeUZS, m)
		log.Info().Strs("methods", svc.Payme.Methods()).Msg("Payme gateway enabled")
	}
	if ck := cfg.Payment.Click; ck.Enabled {
		svc.Click = click.NewGateway(store, activator, ck.ServiceID, ck.SecretKey, cfg.Payment.FeeUZS, m)
		log.Info().Str("service_id", ck.ServiceID).Msg("Click gateway enabled")
	}

	return &application{pool: pool, metrics: m, services: svc}, nil
}

func (a *application) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer app.close()

	gin.SetMode(gin.ReleaseMode)
	server := httpapi.NewServer(app.services, httpapi.Options{
		Port:             cfg.Server.Port,
		CORSOrigins:      cfg.Server.CORSOrigins,
		RedeemRatePerMin: cfg.Server.RedeemRatePerMin,
		AdminToken:       cfg.Admin.APIToken,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
	}, app.metrics)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	var telegramBot *bot.Bot
	if cfg.Bot.Token != "" {
		telegramBot, err = bot.New(&bot.Dependencies{
			Config:   cfg,
			Accounts: app.services.Accounts,
			Codes:    app.services.Codes,
			Scoring:  app.services.Scoring,
			Admin:    app.services.Admin,
		})
		if err != nil {
			_ = server.Shutdown(context.Background())
			return err
		}
		go telegramBot.Start()
	} else {
		log.Warn().Msg("bot.token is empty; the Telegram bot is disabled")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if telegramBot != nil {
		telegramBot.Stop()
	}
	if err := server.Shutdown(context.Background()); err != nil {
		return err
	}
	log.Info().Msg("Stopped gracefully")
	return nil
}

func migrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return errors.New("migrate needs database.driver=postgres")
	}

	pool, err := db.Open(c.Context, &cfg.Database, true)
	if err != nil {
		return err
	}
	pool.Close()
	return nil
}

func issueCodes(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	app, err := newApplication(c.Context, cfg, false)
	if err != nil {
		return err
	}
	defer app.close()

	req := service.IssueRequest{Count: c.Int("count")}
	if c.IsSet("target") {
		target := c.Int64("target")
		req.TargetTelegramID = &target
	}
	codes, err := app.services.Codes.Issue(c.Context, req)
	if err != nil {
		return err
	}
	for _, code := range codes {
		fmt.Fprintln(c.App.Writer, code)
	}
	log.Info().Int("count", len(codes)).Msg("Activation codes issued")
	return nil
}
