// Package config reads ~/.finlink/config.toml and applies environment
// overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration written as "1s", "500ms" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	API            API      `toml:"api"`
	HTTP           HTTP     `toml:"http"`
	Realtime       Realtime `toml:"realtime"`
	Log            Log      `toml:"log"`
	Metrics        Metrics  `toml:"metrics"`
}

type API struct {
	BaseURL      string `toml:"base_url"`
	WebsocketURL string `toml:"ws_url"`
}

type HTTP struct {
	RequestTimeout Duration `toml:"request_timeout"`
	MaxRetries     int      `toml:"max_retries"`
	RetryBaseDelay Duration `toml:"retry_base_delay"`
	// RatePerSecond of zero disables request pacing.
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

type Realtime struct {
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	DialTimeout          Duration `toml:"dial_timeout"`
}

type Log struct {
	Level string `toml:"level"`
}

type Metrics struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `toml:"listen"`
}

func Default() *Config {
	return &Config{
		API: API{
			BaseURL:      "http://localhost:3000/api",
			WebsocketURL: "ws://localhost:3000/ws",
		},
		HTTP: HTTP{
			RequestTimeout: Duration{15 * time.Second},
			MaxRetries:     3,
			RetryBaseDelay: Duration{time.Second},
			Burst:          1,
		},
		Realtime: Realtime{
			MaxReconnectAttempts: 5,
			ReconnectBaseDelay:   Duration{time.Second},
			DialTimeout:          Duration{10 * time.Second},
		},
		Log: Log{Level: "info"},
	}
}

// Load reads config from path over the defaults. A missing file is an
// error; see LoadOrDefault.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that treats a missing file as empty.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv loads envFile (if it exists) into the process environment and
// then applies FINLINK_* variables to cfg. Variables already set in the
// environment win over the file.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	str("FINLINK_PROFILE", &cfg.DefaultProfile)
	str("FINLINK_API_URL", &cfg.API.BaseURL)
	str("FINLINK_WS_URL", &cfg.API.WebsocketURL)
	duration("FINLINK_REQUEST_TIMEOUT", &cfg.HTTP.RequestTimeout)
	integer("FINLINK_MAX_RETRIES", &cfg.HTTP.MaxRetries)
	duration("FINLINK_RETRY_BASE_DELAY", &cfg.HTTP.RetryBaseDelay)
	float("FINLINK_RATE_PER_SECOND", &cfg.HTTP.RatePerSecond)
	integer("FINLINK_BURST", &cfg.HTTP.Burst)
	integer("FINLINK_MAX_RECONNECT_ATTEMPTS", &cfg.Realtime.MaxReconnectAttempts)
	duration("FINLINK_RECONNECT_BASE_DELAY", &cfg.Realtime.ReconnectBaseDelay)
	str("FINLINK_LOG_LEVEL", &cfg.Log.Level)
	str("FINLINK_METRICS_LISTEN", &cfg.Metrics.Listen)
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	for name, raw := range map[string]string{"api.base_url": c.API.BaseURL, "api.ws_url": c.API.WebsocketURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: invalid url %q", name, raw))
		}
	}
	if c.HTTP.MaxRetries < 0 {
		errs = append(errs, errors.New("http.max_retries must not be negative"))
	}
	if c.HTTP.RetryBaseDelay.Duration <= 0 {
		errs = append(errs, errors.New("http.retry_base_delay must be positive"))
	}
	if c.HTTP.RatePerSecond < 0 {
		errs = append(errs, errors.New("http.rate_per_second must not be negative"))
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("realtime.max_reconnect_attempts must not be negative"))
	}
	if c.Realtime.ReconnectBaseDelay.Duration <= 0 {
		errs = append(errs, errors.New("realtime.reconnect_base_delay must be positive"))
	}
	return errors.Join(errs...)
}
