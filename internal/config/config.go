package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix is the prefix for environment overrides, e.g. HIVELINK_LOG_LEVEL.
const envPrefix = "hivelink"

type Config struct {
	DataDir  string `json:"data_dir" envconfig:"DATA_DIR"`
	LogLevel string `json:"log_level" envconfig:"LOG_LEVEL"`
	Backend  struct {
		BaseURL        string `json:"base_url" envconfig:"BASE_URL"`
		APIKey         string `json:"api_key" envconfig:"API_KEY"`
		TimeoutSeconds int    `json:"timeout_seconds" envconfig:"TIMEOUT_SECONDS"`
	} `json:"backend"`
	PollIntervalMS int `json:"poll_interval_ms" envconfig:"POLL_INTERVAL_MS"`
	GraceDelayMS   int `json:"grace_delay_ms" envconfig:"GRACE_DELAY_MS"`
	Context        struct {
		Model     string `json:"model" envconfig:"MODEL"`
		MaxTokens int    `json:"max_tokens" envconfig:"MAX_TOKENS"`
	} `json:"context"`
	Uploads struct {
		MaxConcurrent int `json:"max_concurrent" envconfig:"MAX_CONCURRENT"`
	} `json:"uploads"`
	Telegram struct {
		Token  string `json:"token" envconfig:"TOKEN"`
		ChatID int64  `json:"chat_id" envconfig:"CHAT_ID"`
	} `json:"telegram"`
	Scheduler struct {
		Enabled bool `json:"enabled" envconfig:"ENABLED"`
	} `json:"scheduler"`
}

// Load reads the config file at path, writing defaults on first run, then
// applies .env and environment overrides (highest precedence).
func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".hivelink"),
		LogLevel: "info",
	}
	cfg.Backend.BaseURL = "http://localhost:8787"
	cfg.Backend.TimeoutSeconds = 30
	cfg.PollIntervalMS = 1000
	cfg.GraceDelayMS = 2000
	cfg.Context.Model = "gpt-4"
	cfg.Context.MaxTokens = 4000
	cfg.Uploads.MaxConcurrent = 3

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// .env then environment overrides (highest precedence)
	_ = godotenv.Load()
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
