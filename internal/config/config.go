// Package config loads domharvest configuration from YAML.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/domharvest/domerr"
	"github.com/hazyhaar/domharvest/engine"
	"github.com/hazyhaar/domharvest/ratelimit"
	"github.com/hazyhaar/domharvest/retry"
)

// Config is the top-level configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
	Batch     BatchConfig     `yaml:"batch"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Journal   JournalConfig   `yaml:"journal"`
	Log       LogConfig       `yaml:"log"`
}

// BrowserConfig controls Chrome and page defaults.
type BrowserConfig struct {
	Remote           string              `yaml:"remote"`
	Headless         *bool               `yaml:"headless"`
	Stealth          *bool               `yaml:"stealth"`
	DefaultTimeout   time.Duration       `yaml:"default_timeout"`
	Viewport         *engine.Viewport    `yaml:"viewport"`
	Locale           string              `yaml:"locale"`
	Timezone         string              `yaml:"timezone"`
	Geolocation      *engine.Geolocation `yaml:"geolocation"`
	Proxy            string              `yaml:"proxy"`
	UserAgent        string              `yaml:"user_agent"`
	ExtraHeaders     map[string]string   `yaml:"extra_headers"`
	CookiesFile      string              `yaml:"cookies_file"` // seed cookies, JSON array
	JavaScript       *bool               `yaml:"javascript"`
	ResourceBlocking []string            `yaml:"resource_blocking"`
}

// IsHeadless defaults to true.
func (b BrowserConfig) IsHeadless() bool { return b.Headless == nil || *b.Headless }

// IsStealth defaults to true.
func (b BrowserConfig) IsStealth() bool { return b.Stealth == nil || *b.Stealth }

// JavaScriptEnabled defaults to true.
func (b BrowserConfig) JavaScriptEnabled() bool { return b.JavaScript == nil || *b.JavaScript }

// WindowConfig is one sliding-window quota.
type WindowConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// RateLimitConfig accepts either the {requests, window} shorthand, which
// sets the global scope, or explicit global/per_domain scopes.
type RateLimitConfig struct {
	Requests  int           `yaml:"requests"`
	Window    time.Duration `yaml:"window"`
	Global    *WindowConfig `yaml:"global"`
	PerDomain *WindowConfig `yaml:"per_domain"`
}

// Limits converts the configuration for ratelimit.New.
func (r RateLimitConfig) Limits() ratelimit.Config {
	var out ratelimit.Config
	switch {
	case r.Global != nil:
		out.Global = &ratelimit.Window{Requests: r.Global.Requests, Window: r.Global.Window}
	case r.Requests > 0:
		out.Global = &ratelimit.Window{Requests: r.Requests, Window: r.Window}
	}
	if r.PerDomain != nil {
		out.PerDomain = &ratelimit.Window{Requests: r.PerDomain.Requests, Window: r.PerDomain.Window}
	}
	return out
}

// RetryConfig is the default retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Strategy    string        `yaml:"strategy"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Retryable   []string      `yaml:"retryable"`
}

// Policy converts the configuration into a retry.Policy.
func (r RetryConfig) Policy() (retry.Policy, error) {
	s, err := retry.ParseStrategy(r.Strategy)
	if err != nil {
		return retry.Policy{}, err
	}
	p := retry.Policy{
		MaxAttempts: r.MaxAttempts,
		Strategy:    s,
		BaseDelay:   r.BaseDelay,
		MaxBackoff:  r.MaxBackoff,
	}
	for _, name := range r.Retryable {
		k, err := domerr.ParseKind(name)
		if err != nil {
			return retry.Policy{}, err
		}
		p.RetryableKinds = append(p.RetryableKinds, k)
	}
	return p, nil
}

// BatchConfig controls batch orchestration.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// SessionsConfig locates the session store.
type SessionsConfig struct {
	Dir string `yaml:"dir"`
	// ExportDir receives cookie exports requested over MCP and HTTP.
	// Defaults to <dir>/exports.
	ExportDir string `yaml:"export_dir"`
}

// JournalConfig locates the run journal. An empty path disables it.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Sink   string `yaml:"sink"`   // stderr | stdout | file path
	Format string `yaml:"format"` // json | text
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Complete fills unset fields with defaults and validates the result, for
// configurations built in code.
func (c *Config) Complete() error {
	c.applyDefaults()
	return c.Validate()
}

func (c *Config) applyDefaults() {
	if c.Browser.DefaultTimeout <= 0 {
		c.Browser.DefaultTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.Strategy == "" {
		c.Retry.Strategy = string(retry.Exponential)
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = retry.DefaultBaseDelay
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = retry.DefaultMaxBackoff
	}
	if c.Batch.Concurrency <= 0 {
		c.Batch.Concurrency = 3
	}
	if c.Sessions.Dir == "" {
		c.Sessions.Dir = "sessions"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Sink == "" {
		c.Log.Sink = "stderr"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := c.Retry.Policy(); err != nil {
		return fmt.Errorf("config: retry: %w", err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log: %w", err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: log: unknown format %q", c.Log.Format)
	}
	check := func(name string, w *WindowConfig) error {
		if w != nil && (w.Requests < 0 || w.Window < 0) {
			return fmt.Errorf("config: rate_limit.%s: negative quota", name)
		}
		if w != nil && w.Requests > 0 && w.Window <= 0 {
			return fmt.Errorf("config: rate_limit.%s: window required", name)
		}
		return nil
	}
	if err := check("global", c.RateLimit.Global); err != nil {
		return err
	}
	if err := check("per_domain", c.RateLimit.PerDomain); err != nil {
		return err
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: rate_limit: window required")
	}
	if v := c.Browser.Viewport; v != nil && (v.Width <= 0 || v.Height <= 0) {
		return fmt.Errorf("config: browser.viewport: width and height must be positive")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return l, nil
}

// NewLogger builds the logger described by the configuration. The returned
// closer releases a file sink.
func (l LogConfig) NewLogger() (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("config: log level: %w", err)
	}

	var (
		w      io.Writer
		closer io.Closer = io.NopCloser(nil)
	)
	switch strings.ToLower(l.Sink) {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(l.Sink, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("config: log sink: %w", err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if l.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h), closer, nil
}
