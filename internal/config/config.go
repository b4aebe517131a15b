// Package config loads relayd configuration from a JSON file or from
// RELAY_-prefixed environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the top-level relayd configuration.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Helpdesk HelpdeskConfig `json:"helpdesk"`
	Statuses StatusConfig   `json:"statuses"`
	Webhook  WebhookConfig  `json:"webhook"`
	Poll     PollConfig     `json:"poll"`
	App      AppConfig      `json:"app"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token     string  `json:"token"`
	AllowFrom []int64 `json:"allow_from,omitempty"` // empty = allow all
}

// HelpdeskConfig holds ticketing backend settings.
type HelpdeskConfig struct {
	URL         string `json:"url"`
	APIKey      string `json:"api_key"`
	AuthToken   string `json:"auth_token"`
	TasklistURL string `json:"tasklist_url,omitempty"` // OData read endpoint; derived from URL when empty
}

// WebhookConfig holds ingress HTTP server settings.
type WebhookConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	SecretHeader string `json:"secret_header"` // header name carrying the shared secret
	Secret       string `json:"secret"`
	OperatorKey  string `json:"operator_key,omitempty"` // bearer token for /logs
}

// PollConfig holds periodic reconciliation settings.
type PollConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron expression or @every form
}

// AppConfig holds general application settings.
type AppConfig struct {
	DBFile        string `json:"db_file"`
	MessageLimit  int    `json:"message_limit,omitempty"`  // max chars per chat message chunk
	DedupCapacity int    `json:"dedup_capacity,omitempty"` // inbound event fingerprint ring size
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with a RELAY_
// prefix. Status sets take comma-separated id lists; the reopen map takes
// "from->to" pairs.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Telegram: TelegramConfig{Token: os.Getenv("RELAY_TELEGRAM_TOKEN")},
		Helpdesk: HelpdeskConfig{
			URL:         getenv("RELAY_HELPDESK_URL", "https://apigw.intradesk.ru"),
			APIKey:      os.Getenv("RELAY_HELPDESK_API_KEY"),
			AuthToken:   os.Getenv("RELAY_HELPDESK_AUTH_TOKEN"),
			TasklistURL: os.Getenv("RELAY_HELPDESK_TASKLIST_URL"),
		},
		Webhook: WebhookConfig{
			Host:         getenv("RELAY_WEBHOOK_HOST", "0.0.0.0"),
			Port:         getenvInt("RELAY_WEBHOOK_PORT", 8081),
			SecretHeader: getenv("RELAY_WEBHOOK_SECRET_HEADER", "x-api-key"),
			Secret:       os.Getenv("RELAY_WEBHOOK_SECRET"),
			OperatorKey:  os.Getenv("RELAY_OPERATOR_KEY"),
		},
		Poll: PollConfig{
			Enabled:  os.Getenv("RELAY_POLL_ENABLED") == "1",
			Schedule: getenv("RELAY_POLL_SCHEDULE", ""),
		},
		App: AppConfig{
			DBFile: getenv("RELAY_DB_FILE", "/data/tickets.db"),
		},
	}

	var err error
	if cfg.Statuses.Open = getenvInt("RELAY_STATUS_OPEN", 0); cfg.Statuses.Open == 0 {
		return nil, fmt.Errorf("config: RELAY_STATUS_OPEN is required")
	}
	if cfg.Statuses.Reopen, err = parseIntList(os.Getenv("RELAY_STATUS_REOPEN")); err != nil {
		return nil, fmt.Errorf("config: RELAY_STATUS_REOPEN: %w", err)
	}
	if cfg.Statuses.Notify, err = parseIntList(os.Getenv("RELAY_STATUS_NOTIFY")); err != nil {
		return nil, fmt.Errorf("config: RELAY_STATUS_NOTIFY: %w", err)
	}
	if cfg.Statuses.Final, err = parseIntList(os.Getenv("RELAY_STATUS_FINAL")); err != nil {
		return nil, fmt.Errorf("config: RELAY_STATUS_FINAL: %w", err)
	}
	if cfg.Statuses.RatingFinal, err = parseIntList(os.Getenv("RELAY_STATUS_RATING_FINAL")); err != nil {
		return nil, fmt.Errorf("config: RELAY_STATUS_RATING_FINAL: %w", err)
	}
	if cfg.Statuses.ReopenOnComment, err = parseStatusMap(os.Getenv("RELAY_STATUS_REOPEN_MAP")); err != nil {
		return nil, fmt.Errorf("config: RELAY_STATUS_REOPEN_MAP: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Webhook.SecretHeader == "" {
		c.Webhook.SecretHeader = "x-api-key"
	}
	if c.Webhook.Host == "" {
		c.Webhook.Host = "0.0.0.0"
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = 8081
	}
	if c.Poll.Schedule == "" {
		c.Poll.Schedule = "@every 5m"
	}
	if c.App.MessageLimit == 0 {
		c.App.MessageLimit = 3500
	}
	if c.App.DedupCapacity == 0 {
		c.App.DedupCapacity = 5000
	}
	if c.Helpdesk.TasklistURL == "" && c.Helpdesk.URL != "" {
		c.Helpdesk.TasklistURL = strings.TrimSuffix(c.Helpdesk.URL, "/") + "/tasklist/odata/v3/tasks"
	}
}

// Validate checks for required fields and taxonomy consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required")
	}
	if c.Helpdesk.URL == "" {
		errs = append(errs, "helpdesk.url is required")
	}
	if c.App.DBFile == "" {
		errs = append(errs, "app.db_file is required")
	}
	if c.Webhook.Secret == "" {
		errs = append(errs, "webhook.secret is required")
	}
	if err := c.Statuses.validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseIntList(s string) ([]int, error) {
	var out []int
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

// parseStatusMap parses "106940->106939,106948->106939" pairs.
func parseStatusMap(s string) (map[string]int, error) {
	out := make(map[string]int)
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		from, to, ok := strings.Cut(tok, "->")
		if !ok {
			from, to, ok = strings.Cut(tok, ":")
		}
		if !ok {
			return nil, fmt.Errorf("invalid pair %q", tok)
		}
		if _, err := strconv.Atoi(strings.TrimSpace(from)); err != nil {
			return nil, fmt.Errorf("invalid pair %q", tok)
		}
		n, err := strconv.Atoi(strings.TrimSpace(to))
		if err != nil {
			return nil, fmt.Errorf("invalid pair %q", tok)
		}
		out[strings.TrimSpace(from)] = n
	}
	return out, nil
}
