package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CHATSYNC_DATA_DIR", tempDir)

	firstCfg, firstPath, dataDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, dataDir)
	}
	if firstCfg.ClientID == "" {
		t.Fatalf("expected non-empty client ID")
	}
	if firstCfg.Resolver.TTL != DefaultURLTTL {
		t.Fatalf("expected default ttl %v, got %v", DefaultURLTTL, firstCfg.Resolver.TTL)
	}
	if firstCfg.Decrypt.MaxAttempts != DefaultMaxAttempts || firstCfg.History.ScrollThreshold != DefaultScrollThreshold {
		t.Fatalf("unexpected defaults %+v", firstCfg)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.yaml")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.ClientID != firstCfg.ClientID {
		t.Fatalf("expected stable client ID, got %q then %q", firstCfg.ClientID, secondCfg.ClientID)
	}
	if secondCfg.Resolver.SweepInterval != DefaultSweepInterval {
		t.Fatalf("expected sweep interval to round-trip, got %v", secondCfg.Resolver.SweepInterval)
	}
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CHATSYNC_DATA_DIR", tempDir)

	partial := "client_id: fixed-client\nresolver:\n  ttl: 90m\nhistory:\n  page_size: 20\n"
	if err := os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(partial), 0o600); err != nil {
		t.Fatalf("write partial config: %v", err)
	}

	cfg, cfgPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ClientID != "fixed-client" {
		t.Fatalf("expected client ID to be retained, got %q", cfg.ClientID)
	}
	if cfg.Resolver.TTL != 90*time.Minute {
		t.Fatalf("expected ttl 90m, got %v", cfg.Resolver.TTL)
	}
	if cfg.History.PageSize != 20 {
		t.Fatalf("expected page size 20, got %d", cfg.History.PageSize)
	}
	if cfg.Resolver.RefreshDebounce != DefaultRefreshDebounce || cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected missing fields to be defaulted, got %+v", cfg)
	}

	saved, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.Decrypt.PollInterval != DefaultPollInterval {
		t.Fatalf("expected defaults to be persisted, got %v", saved.Decrypt.PollInterval)
	}
}

func TestEnvOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CHATSYNC_DATA_DIR", tempDir)
	t.Setenv("CHATSYNC_FEED_URL", "ws://feed.example/ws")
	t.Setenv("CHATSYNC_CONVERSATION_ID", "room-1")
	t.Setenv("CHATSYNC_LOG_LEVEL", "debug")

	cfg, cfgPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.Feed.URL != "ws://feed.example/ws" || cfg.ConversationID != "room-1" || cfg.LogLevel != "debug" {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}

	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if strings.Contains(string(raw), "feed.example") {
		t.Fatalf("expected env override to stay out of the config file")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("resolver: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEnvFileFillsUnsetVariables(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CHATSYNC_DATA_DIR", tempDir)
	t.Setenv("CHATSYNC_CURRENT_USER", "from-process")
	t.Setenv("CHATSYNC_CONVERSATION_ID", "")
	os.Unsetenv("CHATSYNC_CONVERSATION_ID")

	env := "CHATSYNC_CURRENT_USER=from-file\nCHATSYNC_CONVERSATION_ID=room-from-file\n"
	if err := os.WriteFile(filepath.Join(tempDir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, _, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.CurrentUser != "from-process" {
		t.Fatalf("expected process env to win, got %q", cfg.CurrentUser)
	}
	if cfg.ConversationID != "room-from-file" {
		t.Fatalf("expected env file value, got %q", cfg.ConversationID)
	}
}

func TestLoadOrCreateRejectsInvalidURL(t *testing.T) {
	t.Setenv("CHATSYNC_DATA_DIR", t.TempDir())
	t.Setenv("CHATSYNC_FEED_URL", "not a url")

	if _, _, _, err := LoadOrCreate(); err == nil {
		t.Fatalf("expected validation error for malformed feed url")
	}
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	cfg := defaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	cfg.History.PageSize = 5000
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected page size above the limit to fail")
	}
}
