package config

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.feedsync/config.toml.
type Config struct {
	DefaultProfile string    `toml:"default_profile"`
	APIURL         string    `toml:"api_url"`
	EventsURL      string    `toml:"events_url,omitempty"`
	PageSize       int       `toml:"page_size"`
	RequestTimeout Duration  `toml:"request_timeout"`
	CacheFlush     Duration  `toml:"cache_flush"`
	Reconnect      Reconnect `toml:"reconnect"`
}

// Reconnect bounds the push channel's retries after a transport drop.
type Reconnect struct {
	MaxAttempts  int      `toml:"max_attempts"`
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
}

const (
	DefaultAPIURL         = "http://127.0.0.1:8080"
	DefaultPageSize       = 20
	DefaultRequestTimeout = 15 * time.Second
	DefaultCacheFlush     = 5 * time.Second
	DefaultMaxAttempts    = 5
	DefaultInitialDelay   = time.Second
	DefaultMaxDelay       = 30 * time.Second
)

// Duration is a time.Duration written as a Go duration string ("1.5s").
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

// Default returns a config with every field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads config from the given path. Returns zero config and error if file missing.
// Fields left unset in the file take their defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
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

// PushURL returns the events endpoint, derived from the API URL when not
// configured explicitly.
func (c *Config) PushURL() string {
	if c.EventsURL != "" {
		return c.EventsURL
	}
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	return u.String()
}

func (c *Config) applyDefaults() {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.RequestTimeout.Duration <= 0 {
		c.RequestTimeout.Duration = DefaultRequestTimeout
	}
	if c.CacheFlush.Duration <= 0 {
		c.CacheFlush.Duration = DefaultCacheFlush
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Reconnect.InitialDelay.Duration <= 0 {
		c.Reconnect.InitialDelay.Duration = DefaultInitialDelay
	}
	if c.Reconnect.MaxDelay.Duration < c.Reconnect.InitialDelay.Duration {
		c.Reconnect.MaxDelay.Duration = max(DefaultMaxDelay, c.Reconnect.InitialDelay.Duration)
	}
}
