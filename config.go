package domharvest

import (
	"fmt"
	"log/slog"

	"github.com/hazyhaar/domharvest/internal/browser"
	"github.com/hazyhaar/domharvest/internal/config"
	"github.com/hazyhaar/domharvest/session"
)

// Config is the harvester configuration. See internal/config for the YAML
// layout.
type Config = config.Config

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads, defaults and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) { return config.LoadFile(path) }

// ParseConfig decodes, defaults and validates YAML configuration.
func ParseConfig(data []byte) (*Config, error) { return config.Parse(data) }

// browserConfig maps the browser section onto the rod engine, loading seed
// cookies from disk.
func browserConfig(b config.BrowserConfig, logger *slog.Logger) (browser.Config, error) {
	bc := browser.Config{
		RemoteURL:         b.Remote,
		Headless:          b.IsHeadless(),
		Stealth:           b.IsStealth(),
		Proxy:             b.Proxy,
		UserAgent:         b.UserAgent,
		Locale:            b.Locale,
		Timezone:          b.Timezone,
		Geolocation:       b.Geolocation,
		Viewport:          b.Viewport,
		ExtraHeaders:      b.ExtraHeaders,
		DisableJavaScript: !b.JavaScriptEnabled(),
		ResourceBlocking:  b.ResourceBlocking,
		DefaultTimeout:    b.DefaultTimeout,
		Logger:            logger,
	}
	if b.CookiesFile != "" {
		cookies, err := session.ReadCookieFile(b.CookiesFile)
		if err != nil {
			return browser.Config{}, fmt.Errorf("domharvest: seed cookies: %w", err)
		}
		bc.Cookies = cookies
	}
	return bc, nil
}
