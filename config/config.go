// Package config loads the per-user YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatsync"
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.yaml"
	// envFileName holds optional environment overrides next to the config.
	envFileName = ".env"
)

const (
	DefaultURLTTL          = 3 * time.Hour
	DefaultRefreshDebounce = 100 * time.Millisecond
	DefaultSweepInterval   = 5 * time.Minute
	DefaultResolverTimeout = 15 * time.Second
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultMaxAttempts     = 50
	DefaultPageSize        = 50
	DefaultScrollThreshold = 300
	DefaultMaxRefetch      = 5
)

// Config contains persistent client settings.
type Config struct {
	ClientID       string         `yaml:"client_id" validate:"required"`
	CurrentUser    string         `yaml:"current_user"`
	ConversationID string         `yaml:"conversation_id"`
	LogLevel       string         `yaml:"log_level" validate:"required"`
	Feed           FeedConfig     `yaml:"feed"`
	Resolver       ResolverConfig `yaml:"resolver"`
	Decrypt        DecryptConfig  `yaml:"decrypt"`
	History        HistoryConfig  `yaml:"history"`
}

// FeedConfig points at the WebSocket push source.
type FeedConfig struct {
	URL   string `yaml:"url" validate:"omitempty,url"`
	Token string `yaml:"token,omitempty"`
}

// ResolverConfig controls the attachment URL cache and its backend.
type ResolverConfig struct {
	URL             string        `yaml:"url" validate:"omitempty,url"`
	TTL             time.Duration `yaml:"ttl" validate:"gt=0"`
	RefreshDebounce time.Duration `yaml:"refresh_debounce" validate:"gt=0"`
	SweepInterval   time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
}

// DecryptConfig controls how long the pipeline waits for a decryptor.
type DecryptConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=1"`
	Timeout      time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`
}

// HistoryConfig controls pagination.
type HistoryConfig struct {
	PageSize        int     `yaml:"page_size" validate:"gte=1,lte=1000"`
	ScrollThreshold float64 `yaml:"scroll_threshold" validate:"gt=0"`
	MaxRefetch      int     `yaml:"max_refetch" validate:"gte=0"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CHATSYNC_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.yaml from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.yaml to disk.
func Save(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// config with environment overrides applied, its path, and the data directory.
// Variables from a .env file in the data directory fill in anything not
// already set in the process environment. Overrides are never written back.
func LoadOrCreate() (*Config, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	if err := loadEnvFile(dataDir); err != nil {
		return nil, "", "", err
	}
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, "", "", err
	}
	return cfg, cfgPath, dataDir, nil
}

var validate = validator.New()

// Validate checks field constraints after defaults and overrides are applied.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

func loadEnvFile(dataDir string) error {
	path := filepath.Join(dataDir, envFileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	normalizeDefaults(cfg)
	return cfg
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	updated = defaultDuration(&cfg.Resolver.TTL, DefaultURLTTL) || updated
	updated = defaultDuration(&cfg.Resolver.RefreshDebounce, DefaultRefreshDebounce) || updated
	updated = defaultDuration(&cfg.Resolver.SweepInterval, DefaultSweepInterval) || updated
	updated = defaultDuration(&cfg.Resolver.Timeout, DefaultResolverTimeout) || updated
	updated = defaultDuration(&cfg.Decrypt.PollInterval, DefaultPollInterval) || updated

	if cfg.Decrypt.MaxAttempts <= 0 {
		cfg.Decrypt.MaxAttempts = DefaultMaxAttempts
		updated = true
	}
	if cfg.History.PageSize <= 0 {
		cfg.History.PageSize = DefaultPageSize
		updated = true
	}
	if cfg.History.ScrollThreshold <= 0 {
		cfg.History.ScrollThreshold = DefaultScrollThreshold
		updated = true
	}
	if cfg.History.MaxRefetch <= 0 {
		cfg.History.MaxRefetch = DefaultMaxRefetch
		updated = true
	}

	return updated
}

func defaultDuration(value *time.Duration, fallback time.Duration) bool {
	if *value > 0 {
		return false
	}
	*value = fallback
	return true
}

func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		key    string
		target *string
	}{
		{"CHATSYNC_FEED_URL", &cfg.Feed.URL},
		{"CHATSYNC_FEED_TOKEN", &cfg.Feed.Token},
		{"CHATSYNC_RESOLVER_URL", &cfg.Resolver.URL},
		{"CHATSYNC_CURRENT_USER", &cfg.CurrentUser},
		{"CHATSYNC_CONVERSATION_ID", &cfg.ConversationID},
		{"CHATSYNC_LOG_LEVEL", &cfg.LogLevel},
	}
	for _, override := range overrides {
		if value := strings.TrimSpace(os.Getenv(override.key)); value != "" {
			*override.target = value
		}
	}
}
