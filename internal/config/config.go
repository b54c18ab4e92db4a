package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// PolymarketConfig holds Gamma API client configuration
type PolymarketConfig struct {
	GammaAPIURL         string        `mapstructure:"gamma_api_url"`
	PageSize            int           `mapstructure:"page_size"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second"` // 0 = unlimited
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelayBase      time.Duration `mapstructure:"retry_delay_base"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
}

// MonitorConfig holds change-detection configuration
type MonitorConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	Threshold             float64       `mapstructure:"threshold"` // percent
	MinVolume             float64       `mapstructure:"min_volume"`
	ActiveOnly            bool          `mapstructure:"active_only"`
	MarketRefreshInterval time.Duration `mapstructure:"market_refresh_interval"` // 0 = never
	ResetPolicy           string        `mapstructure:"reset_policy"`
	TopMoversLimit        int           `mapstructure:"top_movers_limit"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// StorageConfig holds alert history configuration
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	DBPath    string `mapstructure:"db_path"`
	MaxAlerts int    `mapstructure:"max_alerts"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"` // empty = disabled
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional file, a .env file and environment
// variables. A missing config file leaves defaults and environment in effect.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POLYALERT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Polymarket defaults
	v.SetDefault("polymarket.gamma_api_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.page_size", 100)
	v.SetDefault("polymarket.requests_per_second", 5.0)
	v.SetDefault("polymarket.timeout", "30s")
	v.SetDefault("polymarket.max_retries", 3)
	v.SetDefault("polymarket.retry_delay_base", "1s")
	v.SetDefault("polymarket.max_idle_conns", 100)
	v.SetDefault("polymarket.max_idle_conns_per_host", 10)
	v.SetDefault("polymarket.idle_conn_timeout", "90s")

	// Monitor defaults
	v.SetDefault("monitor.poll_interval", "5m")
	v.SetDefault("monitor.threshold", 3.0)
	v.SetDefault("monitor.min_volume", 0.0)
	v.SetDefault("monitor.active_only", true)
	v.SetDefault("monitor.market_refresh_interval", "0s")
	v.SetDefault("monitor.reset_policy", "always")
	v.SetDefault("monitor.top_movers_limit", 10)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.batch_size", 5)

	// Storage defaults
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", "./data/polyalert.db")
	v.SetDefault("storage.max_alerts", 10000)

	v.SetDefault("metrics.listen_addr", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Polymarket config
	if c.Polymarket.GammaAPIURL == "" {
		return fmt.Errorf("polymarket.gamma_api_url is required")
	}
	if c.Polymarket.PageSize < 1 || c.Polymarket.PageSize > 500 {
		return fmt.Errorf("polymarket.page_size must be between 1 and 500")
	}
	if c.Polymarket.RequestsPerSecond < 0 {
		return fmt.Errorf("polymarket.requests_per_second must not be negative")
	}
	if c.Polymarket.Timeout <= 0 {
		return fmt.Errorf("polymarket.timeout must be positive")
	}
	if c.Polymarket.MaxRetries < 0 {
		return fmt.Errorf("polymarket.max_retries must not be negative")
	}

	// Validate Monitor config
	if c.Monitor.PollInterval < 10*time.Second {
		return fmt.Errorf("monitor.poll_interval must be at least 10 seconds")
	}
	if c.Monitor.Threshold <= 0 {
		return fmt.Errorf("monitor.threshold must be greater than 0")
	}
	if c.Monitor.MinVolume < 0 {
		return fmt.Errorf("monitor.min_volume must not be negative")
	}
	if c.Monitor.MarketRefreshInterval < 0 {
		return fmt.Errorf("monitor.market_refresh_interval must not be negative")
	}
	validPolicies := map[string]bool{"always": true, "on_delivery": true}
	if !validPolicies[c.Monitor.ResetPolicy] {
		return fmt.Errorf("monitor.reset_policy must be one of: always, on_delivery")
	}
	if c.Monitor.TopMoversLimit < 1 {
		return fmt.Errorf("monitor.top_movers_limit must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
		if c.Telegram.BatchSize < 1 {
			return fmt.Errorf("telegram.batch_size must be at least 1")
		}
	}

	// Validate Storage config
	if c.Storage.Enabled && c.Storage.MaxAlerts < 0 {
		return fmt.Errorf("storage.max_alerts must not be negative")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Settings flattens the configuration into display rows, masking secrets.
func (c *Config) Settings() ([]string, map[string]string) {
	values := map[string]string{
		"polymarket.gamma_api_url":       c.Polymarket.GammaAPIURL,
		"polymarket.page_size":           fmt.Sprint(c.Polymarket.PageSize),
		"polymarket.requests_per_second": fmt.Sprint(c.Polymarket.RequestsPerSecond),
		"polymarket.timeout":             c.Polymarket.Timeout.String(),
		"monitor.poll_interval":          c.Monitor.PollInterval.String(),
		"monitor.threshold":              fmt.Sprintf("%g%%", c.Monitor.Threshold),
		"monitor.min_volume":             fmt.Sprintf("%.0f", c.Monitor.MinVolume),
		"monitor.active_only":            fmt.Sprint(c.Monitor.ActiveOnly),
		"monitor.reset_policy":           c.Monitor.ResetPolicy,
		"telegram.enabled":               fmt.Sprint(c.Telegram.Enabled),
		"telegram.bot_token":             mask(c.Telegram.BotToken),
		"telegram.chat_id":               c.Telegram.ChatID,
		"storage.enabled":                fmt.Sprint(c.Storage.Enabled),
		"storage.db_path":                c.Storage.DBPath,
		"metrics.listen_addr":            c.Metrics.ListenAddr,
		"logging.level":                  c.Logging.Level,
	}
	keys := []string{
		"polymarket.gamma_api_url", "polymarket.page_size", "polymarket.requests_per_second", "polymarket.timeout",
		"monitor.poll_interval", "monitor.threshold", "monitor.min_volume", "monitor.active_only", "monitor.reset_policy",
		"telegram.enabled", "telegram.bot_token", "telegram.chat_id",
		"storage.enabled", "storage.db_path", "metrics.listen_addr", "logging.level",
	}
	return keys, values
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
