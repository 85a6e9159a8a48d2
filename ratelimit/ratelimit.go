// Package ratelimit enforces sliding-window request quotas, globally and per
// target domain.
//
// Each scope keeps the exact issuance timestamps of its recent requests.
// Acquire purges timestamps older than the window, waits while the scope is
// full, then records a new timestamp. Scopes are checked sequentially, the
// global one first.
package ratelimit

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Window is one quota: at most Requests acquisitions per Window duration.
type Window struct {
	Requests int
	Window   time.Duration
}

func (w *Window) enabled() bool {
	return w != nil && w.Requests > 0 && w.Window > 0
}

// Config selects the enforced scopes. A nil or non-positive window disables
// its scope.
type Config struct {
	Global    *Window
	PerDomain *Window
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	global  *window
	domains map[string]*window
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used to report waits.
func WithLogger(l *slog.Logger) Option {
	return func(rl *Limiter) { rl.logger = l }
}

// WithClock sets the clock and sleep functions (for testing).
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(rl *Limiter) {
		rl.now = now
		rl.sleep = sleep
	}
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	rl := &Limiter{
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   sleepCtx,
		domains: make(map[string]*window),
	}
	for _, o := range opts {
		o(rl)
	}
	if cfg.Global.enabled() {
		rl.global = &window{quota: cfg.Global.Requests, span: cfg.Global.Window}
	}
	return rl
}

// Acquire blocks until target may be requested under every enforced scope
// and records the request. It fails only when ctx is done. Targets without
// a parseable host are subject to the global scope only.
func (rl *Limiter) Acquire(ctx context.Context, target string) error {
	if rl == nil {
		return nil
	}
	if rl.global != nil {
		if err := rl.acquire(ctx, rl.global, "global"); err != nil {
			return err
		}
	}
	if !rl.cfg.PerDomain.enabled() {
		return nil
	}
	host := Domain(target)
	if host == "" {
		return nil
	}
	return rl.acquire(ctx, rl.domain(host), host)
}

func (rl *Limiter) domain(host string) *window {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.domains[host]
	if !ok {
		w = &window{quota: rl.cfg.PerDomain.Requests, span: rl.cfg.PerDomain.Window}
		rl.domains[host] = w
	}
	return w
}

func (rl *Limiter) acquire(ctx context.Context, w *window, scope string) error {
	for {
		rl.mu.Lock()
		wait := w.reserve(rl.now())
		rl.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		rl.logger.DebugContext(ctx, "ratelimit: waiting", "scope", scope, "wait_ms", wait.Milliseconds())
		if err := rl.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Pending returns the number of timestamps currently held for a scope key
// ("global" or a host), purged as of now.
func (rl *Limiter) Pending(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w := rl.global
	if key != "global" {
		w = rl.domains[key]
	}
	if w == nil {
		return 0
	}
	w.purge(rl.now())
	return len(w.stamps)
}

// window is one scope's timestamp list. Guarded by Limiter.mu.
type window struct {
	quota  int
	span   time.Duration
	stamps []time.Time
}

func (w *window) purge(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]
}

// reserve records now and returns 0 when the scope has room, otherwise the
// time until the oldest timestamp leaves the window.
func (w *window) reserve(now time.Time) time.Duration {
	w.purge(now)
	if len(w.stamps) < w.quota {
		w.stamps = append(w.stamps, now)
		return 0
	}
	wait := w.stamps[0].Add(w.span).Sub(now)
	if wait <= 0 {
		// Oldest sits exactly on the boundary.
		wait = time.Millisecond
	}
	return wait
}

// Domain returns the lower-cased host of target, or "" when it has none.
func Domain(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
