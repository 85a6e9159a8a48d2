// Package engine is the contract between domharvest and the browser
// automation engine that renders pages. internal/browser implements it
// with go-rod; enginetest implements it in memory for tests.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/domharvest/session"
)

// Engine opens isolated pages.
type Engine interface {
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	Close() error
}

// Page is one execution context. Navigate fails with a domerr
// NavigationFailure and WaitForMatch with a domerr MatchTimeout; Evaluate
// returns the raw error raised in the page.
type Page interface {
	Navigate(ctx context.Context, url string, opts NavigateOptions) error
	WaitForMatch(ctx context.Context, selector string, opts WaitOptions) error
	// Evaluate calls the JS function js with args (marshalled as JSON) and
	// returns its awaited result as JSON.
	Evaluate(ctx context.Context, js string, args ...any) (json.RawMessage, error)
	CaptureImage(ctx context.Context, opts CaptureOptions) ([]byte, error)
	Cookies(ctx context.Context) ([]session.Cookie, error)
	SetCookies(ctx context.Context, cookies []session.Cookie) error
	// StorageState snapshots localStorage and sessionStorage of the current
	// origin.
	StorageState(ctx context.Context) ([]session.Origin, error)
	// RestoreStorage writes the entries of the origin matching the current
	// page; others are ignored.
	RestoreStorage(ctx context.Context, origins []session.Origin) error
	Close() error
}

// PageOptions are per-page overrides of the engine defaults.
type PageOptions struct {
	UserAgent    string
	ExtraHeaders map[string]string
	Cookies      []session.Cookie
	Viewport     *Viewport
}

// Viewport is the emulated screen.
type Viewport struct {
	Width  int     `yaml:"width" json:"width"`
	Height int     `yaml:"height" json:"height"`
	Scale  float64 `yaml:"scale" json:"scale,omitempty"`
	Mobile bool    `yaml:"mobile" json:"mobile,omitempty"`
}

// WaitUntil is the navigation completion condition.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// ParseWaitUntil accepts the WaitUntil names; "" means load.
func ParseWaitUntil(s string) (WaitUntil, error) {
	switch w := WaitUntil(s); w {
	case "":
		return WaitLoad, nil
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle:
		return w, nil
	}
	return "", fmt.Errorf("engine: unknown wait condition %q", s)
}

// NavigateOptions bound one navigation.
type NavigateOptions struct {
	WaitUntil WaitUntil
	Timeout   time.Duration
}

// MatchState is the element state WaitForMatch waits for.
type MatchState string

const (
	StateAttached MatchState = "attached"
	StateVisible  MatchState = "visible"
	StateHidden   MatchState = "hidden"
	StateDetached MatchState = "detached"
)

// ParseMatchState accepts the MatchState names; "" means visible.
func ParseMatchState(s string) (MatchState, error) {
	switch m := MatchState(s); m {
	case "":
		return StateVisible, nil
	case StateAttached, StateVisible, StateHidden, StateDetached:
		return m, nil
	}
	return "", fmt.Errorf("engine: unknown match state %q", s)
}

// WaitOptions bound one WaitForMatch.
type WaitOptions struct {
	State   MatchState
	Timeout time.Duration
}

// CaptureOptions select what CaptureImage renders. Selector clips to one
// element; FullPage captures beyond the viewport.
type CaptureOptions struct {
	FullPage bool
	Selector string
	Format   string // png (default) or jpeg
	Quality  int    // jpeg only
}

// Geolocation is the emulated position.
type Geolocation struct {
	Latitude  float64 `yaml:"latitude" json:"latitude"`
	Longitude float64 `yaml:"longitude" json:"longitude"`
	Accuracy  float64 `yaml:"accuracy" json:"accuracy,omitempty"`
}
