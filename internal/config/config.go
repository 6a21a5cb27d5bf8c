// Package config provides configuration management using viper.
// It supports loading from YAML files, a local .env file and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Bot      BotConfig      `mapstructure:"bot"`
	Database DatabaseConfig `mapstructure:"database"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Codes    CodesConfig    `mapstructure:"codes"`
	Program  ProgramConfig  `mapstructure:"program"`
	Scoring  ScoringConfig  `mapstructure:"scoring"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	Timezone         string        `mapstructure:"timezone"`
	CORSOrigins      []string      `mapstructure:"cors_origins"`
	RedeemRatePerMin int           `mapstructure:"redeem_rate_per_min"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BotConfig holds Telegram bot configuration.
type BotConfig struct {
	Token      string `mapstructure:"token"`
	MiniAppURL string `mapstructure:"mini_app_url"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Driver           string        `mapstructure:"driver"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	Name             string        `mapstructure:"name"`
	PoolSize         int           `mapstructure:"pool_size"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime  time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `mapstructure:"max_conn_idle_time"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

// AdminConfig holds admin user configuration.
type AdminConfig struct {
	IDs      []int64 `mapstructure:"ids"`
	APIToken string  `mapstructure:"api_token"`
	Contact  string  `mapstructure:"contact"`
}

// PaymentConfig holds the enrollment fee and provider credentials.
type PaymentConfig struct {
	Mode   string      `mapstructure:"mode"`
	FeeUZS int64       `mapstructure:"fee_uzs"`
	Payme  PaymeConfig `mapstructure:"payme"`
	Click  ClickConfig `mapstructure:"click"`
}

// PaymeConfig holds Payme merchant settings.
type PaymeConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MerchantID  string `mapstructure:"merchant_id"`
	Key         string `mapstructure:"key"`
	CheckoutURL string `mapstructure:"checkout_url"`
}

// ClickConfig holds Click merchant settings.
type ClickConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceID   string `mapstructure:"service_id"`
	MerchantID  string `mapstructure:"merchant_id"`
	SecretKey   string `mapstructure:"secret_key"`
	CheckoutURL string `mapstructure:"checkout_url"`
}

// CodesConfig holds activation code settings.
type CodesConfig struct {
	TTLHours int `mapstructure:"ttl_hours"`
	Length   int `mapstructure:"length"`
}

// ProgramConfig holds marathon program settings.
type ProgramConfig struct {
	LengthDays        int    `mapstructure:"length_days"`
	CohortStartDate   string `mapstructure:"cohort_start_date"`
	ChallengeOpensDay int    `mapstructure:"challenge_opens_day"`
}

// ScoringConfig holds daily scoring weights and thresholds.
type ScoringConfig struct {
	Weights         map[string]int `mapstructure:"weights"`
	StreakThreshold int            `mapstructure:"streak_threshold"`
	BonusThreshold  int            `mapstructure:"bonus_threshold"`
	BonusPoints     int            `mapstructure:"bonus_points"`
	MissPenalty     int            `mapstructure:"miss_penalty"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Location resolves the configured timezone.
func (s *ServerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// CohortStart parses the cohort start date. It returns nil when unset,
// meaning the program starts on the activation day.
func (p *ProgramConfig) CohortStart() (*time.Time, error) {
	if strings.TrimSpace(p.CohortStartDate) == "" {
		return nil, nil
	}
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(p.CohortStartDate))
	if err != nil {
		return nil, fmt.Errorf("invalid program.cohort_start_date: %w", err)
	}
	return &d, nil
}

// CodeTTL returns the activation code lifetime.
func (c *CodesConfig) CodeTTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// e.g. BOT_TOKEN, DATABASE_HOST, PAYMENT_CLICK_SECRET_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a request.
func (c *Config) Validate() error {
	if c.Payment.FeeUZS <= 0 {
		return fmt.Errorf("payment.fee_uzs must be positive")
	}
	if c.Program.LengthDays <= 0 {
		return fmt.Errorf("program.length_days must be positive")
	}
	if _, err := c.Program.CohortStart(); err != nil {
		return err
	}
	if _, err := c.Server.Location(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timezone", "Asia/Tashkent")
	v.SetDefault("server.redeem_rate_per_min", 10)
	v.SetDefault("server.shutdown_timeout", "10s")

	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("bot.token", "")
	v.SetDefault("bot.mini_app_url", "")
	v.SetDefault("admin.ids", []int64{})
	v.SetDefault("admin.api_token", "")
	v.SetDefault("admin.contact", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "marathon")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "marathon")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.statement_timeout", "15s")

	v.SetDefault("payment.mode", "manual_code")
	v.SetDefault("payment.fee_uzs", 89000)
	v.SetDefault("payment.payme.enabled", false)
	v.SetDefault("payment.payme.merchant_id", "")
	v.SetDefault("payment.payme.key", "")
	v.SetDefault("payment.payme.checkout_url", "https://checkout.paycom.uz")
	v.SetDefault("payment.click.enabled", false)
	v.SetDefault("payment.click.service_id", "")
	v.SetDefault("payment.click.merchant_id", "")
	v.SetDefault("payment.click.secret_key", "")
	v.SetDefault("payment.click.checkout_url", "https://my.click.uz/services/pay")

	v.SetDefault("codes.ttl_hours", 720)
	v.SetDefault("codes.length", 8)

	v.SetDefault("program.length_days", 25)
	v.SetDefault("program.cohort_start_date", "")
	v.SetDefault("program.challenge_opens_day", 5)

	v.SetDefault("scoring.weights", map[string]int{"habits": 40, "sports": 35, "reading": 25})
	v.SetDefault("scoring.streak_threshold", 70)
	v.SetDefault("scoring.bonus_threshold", 85)
	v.SetDefault("scoring.bonus_points", 5)
	v.SetDefault("scoring.miss_penalty", 3)
}

// IsAdmin checks if a user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admin.IDs {
		if id == userID {
			return true
		}
	}
	return false
}
