package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.HTTP.RetryBaseDelay = Duration{250 * time.Millisecond}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.HTTP.RetryBaseDelay.Duration != 250*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v, want 250ms", loaded.HTTP.RetryBaseDelay)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "default_profile = \"work\"\n\n[api]\nbase_url = \"https://api.example.com\"\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.BaseURL != "https://api.example.com" {
		t.Errorf("BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.HTTP.MaxRetries != 3 || cfg.Realtime.MaxReconnectAttempts != 5 {
		t.Errorf("defaults lost: %+v %+v", cfg.HTTP, cfg.Realtime)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Realtime.ReconnectBaseDelay.Duration != time.Second {
		t.Errorf("LoadOrDefault() did not return defaults: %+v", cfg)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	data := "FINLINK_API_URL=https://file.example.com\nFINLINK_MAX_RETRIES=7\n"
	if err := os.WriteFile(envFile, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FINLINK_MAX_RETRIES", "1")
	t.Setenv("FINLINK_RECONNECT_BASE_DELAY", "2s")
	t.Setenv("FINLINK_RATE_PER_SECOND", "4.5")
	// godotenv.Load sets variables that t.Setenv does not track.
	t.Cleanup(func() { _ = os.Unsetenv("FINLINK_API_URL") })

	cfg := Default()
	if err := ApplyEnv(cfg, envFile); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.API.BaseURL != "https://file.example.com" {
		t.Errorf("BaseURL = %q, want value from env file", cfg.API.BaseURL)
	}
	if cfg.HTTP.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want process env to win", cfg.HTTP.MaxRetries)
	}
	if cfg.Realtime.ReconnectBaseDelay.Duration != 2*time.Second {
		t.Errorf("ReconnectBaseDelay = %v", cfg.Realtime.ReconnectBaseDelay)
	}
	if cfg.HTTP.RatePerSecond != 4.5 {
		t.Errorf("RatePerSecond = %v", cfg.HTTP.RatePerSecond)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	t.Setenv("FINLINK_MAX_RETRIES", "many")
	if err := ApplyEnv(Default(), ""); err == nil {
		t.Error("ApplyEnv() should reject a non-numeric retry count")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"relative base url", func(c *Config) { c.API.BaseURL = "/api" }, true},
		{"negative retries", func(c *Config) { c.HTTP.MaxRetries = -1 }, true},
		{"zero retry delay", func(c *Config) { c.HTTP.RetryBaseDelay = Duration{} }, true},
		{"no retries", func(c *Config) { c.HTTP.MaxRetries = 0 }, false},
		{"zero reconnect delay", func(c *Config) { c.Realtime.ReconnectBaseDelay = Duration{} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
