// Package config loads runtime settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr  string `env:"SONGPAL_HTTP_ADDR" envDefault:":8080"`
	RPCSocket string `env:"SONGPAL_RPC_SOCKET" envDefault:"/tmp/songpal.sock"`

	DBDriver string `env:"SONGPAL_DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"SONGPAL_DB_DSN" envDefault:"songpal.db"`

	TelegramToken  string `env:"TELEGRAM_TOKEN"`
	WebhookSecret  string `env:"TELEGRAM_WEBHOOK_SECRET"`
	PublicBaseURL  string `env:"API_BASE_URL" envDefault:"http://localhost:8080"`
	RegisterHook   bool   `env:"TELEGRAM_REGISTER_WEBHOOK" envDefault:"true"`
	PairCodeTries  int    `env:"SONGPAL_PAIR_CODE_ATTEMPTS" envDefault:"8"`
	ReminderWorker int    `env:"SONGPAL_REMINDER_CONCURRENCY" envDefault:"4"`

	LinkPattern     string   `env:"SONG_LINK_PATTERN"` // empty selects the built-in providers
	LinkHosts       []string `env:"SONG_LINK_HOSTS" envSeparator:","`
	PreviewAgents   []string `env:"PREVIEW_FETCHER_AGENTS" envSeparator:"," envDefault:"TelegramBot"`
	PreviewNetworks []string `env:"PREVIEW_FETCHER_NETWORKS" envSeparator:"," envDefault:"149.154.160.0/20,91.108.4.0/22"`
	MessagesFile    string   `env:"SONGPAL_MESSAGES_FILE"`
	TrustProxy      bool     `env:"SONGPAL_TRUST_PROXY"`

	AdminTokenHash string `env:"SONGPAL_ADMIN_TOKEN_HASH"`

	LogLevel  string `env:"SONGPAL_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SONGPAL_LOG_FORMAT" envDefault:"text"`
}

// Load reads the given .env files (".env" when none are given), then parses the environment.
// Missing .env files are ignored; variables already set in the environment win.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("SONGPAL_DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return errors.New("SONGPAL_DB_DSN is required")
	}
	if c.PairCodeTries <= 0 {
		return errors.New("SONGPAL_PAIR_CODE_ATTEMPTS must be positive")
	}
	if c.ReminderWorker <= 0 {
		return errors.New("SONGPAL_REMINDER_CONCURRENCY must be positive")
	}
	if _, err := regexp.Compile(c.LinkPattern); err != nil {
		return fmt.Errorf("SONG_LINK_PATTERN: %w", err)
	}
	if _, err := c.PreviewPrefixes(); err != nil {
		return err
	}
	return nil
}

// RequireTelegram reports an error when the bot cannot be started.
func (c Config) RequireTelegram() error {
	if c.TelegramToken == "" {
		return errors.New("TELEGRAM_TOKEN is not set")
	}
	if c.WebhookSecret == "" {
		return errors.New("TELEGRAM_WEBHOOK_SECRET is not set")
	}
	return nil
}

func (c Config) PreviewPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.PreviewNetworks))
	for _, raw := range c.PreviewNetworks {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("PREVIEW_FETCHER_NETWORKS: %w", err)
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}

func (c Config) WebhookURL() string {
	return c.PublicBaseURL + "/telegram/webhook/" + c.WebhookSecret
}
