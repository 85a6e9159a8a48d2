// Package browser implements engine.Engine with go-rod: it launches (or
// connects to) Chrome and opens stealth pages, each in its own incognito
// context.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/hazyhaar/domharvest/engine"
	"github.com/hazyhaar/domharvest/session"
)

// Config configures the browser.
type Config struct {
	// RemoteURL is the control URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	Headless bool
	// Stealth opens pages through go-rod/stealth.
	Stealth bool
	Proxy   string

	// Page defaults.
	UserAgent    string
	Locale       string
	Timezone     string
	Geolocation  *engine.Geolocation
	Viewport     *engine.Viewport
	ExtraHeaders map[string]string
	Cookies      []session.Cookie
	// DisableJavaScript turns page script execution off (Emulation domain).
	DisableJavaScript bool

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string

	// DefaultTimeout bounds navigation and waits without their own timeout.
	// Default: 30s.
	DefaultTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager manages the Chrome lifecycle. Chrome is started lazily by the
// first NewPage.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

var _ engine.Engine = (*Manager)(nil)

// New creates a Manager.
func New(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start launches Chrome (or connects to a remote instance). Calling it
// again is a no-op.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		return m.browser, nil
	}
	b, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser = b
	return b, nil
}

// Close shuts down Chrome.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.cleanup()
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(m.cfg.Headless)
		if m.cfg.Proxy != "" {
			l = l.Proxy(m.cfg.Proxy)
		}
		if m.cfg.Stealth {
			// Anti-detection flags.
			l = l.Set("disable-blink-features", "AutomationControlled")
		}
		if m.cfg.Locale != "" {
			l = l.Set("lang", m.cfg.Locale)
		}

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "headless", m.cfg.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}
	return b, nil
}

func (m *Manager) cleanup() error {
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return err
}
