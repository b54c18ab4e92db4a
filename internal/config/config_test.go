package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")

	path := writeConfig(t, `
polymarket:
  page_size: 50
  requests_per_second: 2

monitor:
  poll_interval: 1m
  threshold: 5.0
  min_volume: 10000
  reset_policy: on_delivery

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true

storage:
  db_path: "./data/test.db"
  max_alerts: 50

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Monitor.PollInterval != time.Minute {
		t.Errorf("Unexpected poll interval: %v", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.Threshold != 5.0 {
		t.Errorf("Unexpected threshold: %f", cfg.Monitor.Threshold)
	}
	if cfg.Monitor.MinVolume != 10000 {
		t.Errorf("Unexpected min volume: %f", cfg.Monitor.MinVolume)
	}
	if cfg.Monitor.ResetPolicy != "on_delivery" {
		t.Errorf("Unexpected reset policy: %s", cfg.Monitor.ResetPolicy)
	}
	if cfg.Polymarket.PageSize != 50 || cfg.Polymarket.RequestsPerSecond != 2 {
		t.Errorf("Unexpected polymarket config: %+v", cfg.Polymarket)
	}
	// Unset values fall back to defaults.
	if cfg.Polymarket.GammaAPIURL != "https://gamma-api.polymarket.com" {
		t.Errorf("Unexpected gamma URL: %s", cfg.Polymarket.GammaAPIURL)
	}
	if !cfg.Monitor.ActiveOnly {
		t.Error("Expected active_only default true")
	}
	if cfg.Telegram.BatchSize != 5 {
		t.Errorf("Unexpected batch size: %d", cfg.Telegram.BatchSize)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Monitor.PollInterval != 5*time.Minute {
		t.Errorf("Unexpected poll interval: %v", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.Threshold != 3.0 {
		t.Errorf("Unexpected threshold: %f", cfg.Monitor.Threshold)
	}
	if cfg.Telegram.Enabled {
		t.Error("Telegram should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("POLYALERT_MONITOR_THRESHOLD", "7.5")
	t.Setenv("TELEGRAM_BOT_TOKEN", "env_token")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123")

	path := writeConfig(t, `
telegram:
  bot_token: "file_token"
  chat_id: "1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Monitor.Threshold != 7.5 {
		t.Errorf("Unexpected threshold: %f", cfg.Monitor.Threshold)
	}
	if cfg.Telegram.BotToken != "env_token" || cfg.Telegram.ChatID != "-100123" {
		t.Errorf("Telegram env overrides not applied: %+v", cfg.Telegram)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "monitor: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed config")
	}
}

func validConfig() Config {
	return Config{
		Polymarket: PolymarketConfig{
			GammaAPIURL: "https://gamma-api.polymarket.com",
			PageSize:    100,
			Timeout:     30 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval:   5 * time.Minute,
			Threshold:      3,
			ResetPolicy:    "always",
			TopMoversLimit: 10,
		},
		Telegram: TelegramConfig{BatchSize: 5},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"poll interval too short", func(c *Config) { c.Monitor.PollInterval = 5 * time.Second }, true},
		{"poll interval at minimum", func(c *Config) { c.Monitor.PollInterval = 10 * time.Second }, false},
		{"zero threshold", func(c *Config) { c.Monitor.Threshold = 0 }, true},
		{"negative threshold", func(c *Config) { c.Monitor.Threshold = -1 }, true},
		{"negative min volume", func(c *Config) { c.Monitor.MinVolume = -1 }, true},
		{"unknown reset policy", func(c *Config) { c.Monitor.ResetPolicy = "never" }, true},
		{"telegram enabled without token", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.ChatID = "1"
		}, true},
		{"telegram enabled without chat", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.BotToken = "t"
		}, true},
		{"telegram enabled with credentials", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.BotToken = "t"
			c.Telegram.ChatID = "1"
		}, false},
		{"missing gamma url", func(c *Config) { c.Polymarket.GammaAPIURL = "" }, true},
		{"page size too large", func(c *Config) { c.Polymarket.PageSize = 1000 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSettingsMasksToken(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.BotToken = "123456:ABCDEFGHIJ"
	keys, values := cfg.Settings()
	if len(keys) != len(values) {
		t.Fatalf("keys and values disagree: %d vs %d", len(keys), len(values))
	}
	if got := values["telegram.bot_token"]; got != "1234****GHIJ" {
		t.Errorf("token not masked: %q", got)
	}
	if values["monitor.threshold"] != "3%" {
		t.Errorf("Unexpected threshold row: %q", values["monitor.threshold"])
	}
}
