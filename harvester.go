// Package domharvest extracts structured records from rendered web pages.
//
// A Harvester drives a browser engine (go-rod by default), compiles
// declarative schemas into procedures run inside the page, and wraps every
// page operation with sliding-window rate limiting and retry/backoff.
// Batches run under a fixed concurrency ceiling, chunk by chunk.
//
//	h, err := domharvest.New(cfg)
//	defer h.Close()
//	records, err := h.Extract(ctx, "https://example.com/list", ".item",
//		schema.Schema{
//			schema.Field("title", schema.Text{Selector: "h2"}),
//			schema.Field("href", schema.Attr{Selector: "a", Name: "href"}),
//		}, domharvest.ExtractOptions{})
package domharvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/domharvest/batch"
	"github.com/hazyhaar/domharvest/domerr"
	"github.com/hazyhaar/domharvest/engine"
	"github.com/hazyhaar/domharvest/internal/browser"
	"github.com/hazyhaar/domharvest/internal/pathsafe"
	"github.com/hazyhaar/domharvest/journal"
	"github.com/hazyhaar/domharvest/ratelimit"
	"github.com/hazyhaar/domharvest/retry"
	"github.com/hazyhaar/domharvest/schema"
	"github.com/hazyhaar/domharvest/session"
)

// ErrorEvent describes a terminal failure of one operation, after retries.
type ErrorEvent struct {
	Op       string
	Target   string
	Kind     domerr.Kind
	Attempts int
	Err      error
}

// Harvester runs extraction operations against one engine.
type Harvester struct {
	cfg      *Config
	engine   engine.Engine
	limiter  *ratelimit.Limiter
	policy   retry.Policy
	sessions *session.Store
	journal  *journal.Journal
	observer func(ErrorEvent)
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error

	ownsEngine  bool
	ownsJournal bool
}

// Option configures a Harvester.
type Option func(*Harvester)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Harvester) { h.logger = l }
}

// WithEngine replaces the rod browser. The caller keeps ownership: Close
// does not close it.
func WithEngine(e engine.Engine) Option {
	return func(h *Harvester) { h.engine = e }
}

// WithErrorObserver registers fn, called once per failed operation with
// the terminal error.
func WithErrorObserver(fn func(ErrorEvent)) Option {
	return func(h *Harvester) { h.observer = fn }
}

// WithJournal records execution events in j instead of the journal
// configured by path. The caller keeps ownership.
func WithJournal(j *journal.Journal) Option {
	return func(h *Harvester) { h.journal = j }
}

// WithSessionStore replaces the store opened from the sessions directory.
func WithSessionStore(s *session.Store) Option {
	return func(h *Harvester) { h.sessions = s }
}

// WithLimiter replaces the limiter built from the rate_limit section, so
// several harvesters can share one quota.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(h *Harvester) { h.limiter = l }
}

// WithSleep replaces the backoff sleep (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Harvester) { h.sleep = fn }
}

// New builds a Harvester. A nil cfg means DefaultConfig(). Chrome is not
// started until the first page is needed.
func New(cfg *Config, opts ...Option) (*Harvester, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else if err := cfg.Complete(); err != nil {
		return nil, err
	}
	h := &Harvester{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(h)
	}

	policy, err := cfg.Retry.Policy()
	if err != nil {
		return nil, fmt.Errorf("domharvest: %w", err)
	}
	policy.Logger = h.logger
	policy.Sleep = h.sleep
	h.policy = policy

	if h.limiter == nil {
		h.limiter = ratelimit.New(cfg.RateLimit.Limits(), ratelimit.WithLogger(h.logger))
	}
	if h.sessions == nil {
		s, err := session.Open(cfg.Sessions.Dir, session.WithLogger(h.logger))
		if err != nil {
			return nil, fmt.Errorf("domharvest: %w", err)
		}
		h.sessions = s
	}
	if h.journal == nil && cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, journal.WithLogger(h.logger))
		if err != nil {
			return nil, fmt.Errorf("domharvest: %w", err)
		}
		h.journal, h.ownsJournal = j, true
		if cfg.Journal.Retention > 0 {
			if n, err := j.Cleanup(context.Background(), cfg.Journal.Retention); err != nil {
				h.logger.Warn("domharvest: journal cleanup failed", "error", err)
			} else if n > 0 {
				h.logger.Info("domharvest: journal cleanup", "deleted", n)
			}
		}
	}
	if h.engine == nil {
		bc, err := browserConfig(cfg.Browser, h.logger)
		if err != nil {
			h.closeJournal()
			return nil, err
		}
		h.engine, h.ownsEngine = browser.New(bc), true
	}
	return h, nil
}

// Close releases the engine and journal the Harvester created.
func (h *Harvester) Close() error {
	var errs []error
	if h.ownsEngine {
		errs = append(errs, h.engine.Close())
	}
	errs = append(errs, h.closeJournal())
	return errors.Join(errs...)
}

func (h *Harvester) closeJournal() error {
	if !h.ownsJournal {
		return nil
	}
	h.ownsJournal = false
	return h.journal.Close()
}

// Sessions returns the session store.
func (h *Harvester) Sessions() *session.Store { return h.sessions }

// Journal returns the run journal, nil when disabled.
func (h *Harvester) Journal() *journal.Journal { return h.journal }

// NavOptions are the per-call page settings shared by every operation.
type NavOptions struct {
	WaitUntil engine.WaitUntil
	// Timeout bounds navigation. Zero uses the engine default.
	Timeout time.Duration
	// WaitFor is awaited after navigation, before the page is used.
	WaitFor     string
	WaitState   engine.MatchState
	WaitTimeout time.Duration
	// SessionID restores a saved session before navigation.
	SessionID string
	UserAgent string
	Headers   map[string]string
	Viewport  *engine.Viewport
	// Retry overrides the configured policy for this call.
	Retry *retry.Policy
}

// ExtractOptions configure Extract.
type ExtractOptions struct {
	NavOptions
}

// EvaluateOptions configure Evaluate. Args are passed to the function as
// JSON values.
type EvaluateOptions struct {
	NavOptions
	Args []any
}

// ScreenshotOptions configure Screenshot.
type ScreenshotOptions struct {
	NavOptions
	FullPage bool
	Selector string
	Format   string // png (default) or jpeg
	Quality  int
}

// Extract navigates to target and applies node to every element matched by
// rootSelector, one record per element.
func (h *Harvester) Extract(ctx context.Context, target, rootSelector string, node schema.Node, opts ExtractOptions) ([]schema.Record, error) {
	proc, err := schema.Compile(node)
	if err != nil {
		return nil, fmt.Errorf("domharvest: %w", err)
	}
	return run(ctx, h, "extract", target, opts.NavOptions, func(ctx context.Context, page engine.Page) ([]schema.Record, error) {
		return extractIn(ctx, page, target, rootSelector, proc)
	})
}

func extractIn(ctx context.Context, page engine.Page, target, rootSelector string, proc *schema.Procedure) ([]schema.Record, error) {
	// Navigation drops the callback table; register it in every document.
	if js := proc.RegistrationJS(); js != "" {
		if _, err := page.Evaluate(ctx, js); err != nil {
			return nil, domerr.New(domerr.ExtractionFailure, target, "register", err)
		}
	}
	raw, err := page.Evaluate(ctx, schema.InterpreterJS, rootSelector, proc.Payload())
	if err != nil {
		return nil, extractionError(target, rootSelector, err)
	}
	var envelope string
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, extractionError(target, rootSelector, fmt.Errorf("interpreter result: %w", err))
	}
	records, err := proc.Decode([]byte(envelope))
	if err != nil {
		return nil, extractionError(target, rootSelector, err)
	}
	return records, nil
}

// extractionError classifies err, preferring the selector of the field
// that failed over the root selector.
func extractionError(target, rootSelector string, err error) error {
	e := domerr.New(domerr.ExtractionFailure, target, "extract", err)
	e.Selector = rootSelector
	var se *schema.ScriptError
	if errors.As(err, &se) && se.Selector != "" {
		e.Selector = se.Selector
	}
	return e
}

// ExtractHTML applies node to an HTML document without a browser. Callbacks
// run through their Host implementation.
func (h *Harvester) ExtractHTML(html, rootSelector string, node schema.Node) ([]schema.Record, error) {
	return ExtractHTML(html, rootSelector, node)
}

// ExtractHTML is the engine-free form of Harvester.ExtractHTML.
func ExtractHTML(html, rootSelector string, node schema.Node) ([]schema.Record, error) {
	proc, err := schema.Compile(node)
	if err != nil {
		return nil, fmt.Errorf("domharvest: %w", err)
	}
	doc, err := schema.ParseHTML(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("domharvest: %w", err)
	}
	records, err := schema.Apply(doc.Selection, rootSelector, proc)
	if err != nil {
		return nil, extractionError("", rootSelector, err)
	}
	return records, nil
}

// Evaluate navigates to target and calls the JS function js with
// opts.Args. Objects in the result are schema.Record values.
func (h *Harvester) Evaluate(ctx context.Context, target, js string, opts EvaluateOptions) (any, error) {
	if strings.TrimSpace(js) == "" {
		return nil, errors.New("domharvest: empty script")
	}
	return run(ctx, h, "evaluate", target, opts.NavOptions, func(ctx context.Context, page engine.Page) (any, error) {
		raw, err := page.Evaluate(ctx, js, opts.Args...)
		if err != nil {
			return nil, domerr.New(domerr.ExtractionFailure, target, "evaluate", err)
		}
		v, err := schema.DecodeOrdered(raw)
		if err != nil {
			return nil, domerr.New(domerr.ExtractionFailure, target, "evaluate", fmt.Errorf("result: %w", err))
		}
		return v, nil
	})
}

// Screenshot navigates to target and captures it.
func (h *Harvester) Screenshot(ctx context.Context, target string, opts ScreenshotOptions) ([]byte, error) {
	capture := engine.CaptureOptions{
		FullPage: opts.FullPage,
		Selector: opts.Selector,
		Format:   opts.Format,
		Quality:  opts.Quality,
	}
	return run(ctx, h, "screenshot", target, opts.NavOptions, func(ctx context.Context, page engine.Page) ([]byte, error) {
		img, err := page.CaptureImage(ctx, capture)
		if err != nil {
			return nil, fmt.Errorf("domharvest: capture %s: %w", target, err)
		}
		return img, nil
	})
}

// SaveSession navigates to target (restoring opts.SessionID first, if set)
// and stores the page's cookies and storage under id. It returns the
// record location.
func (h *Harvester) SaveSession(ctx context.Context, id, target string, opts NavOptions) (string, error) {
	if err := pathsafe.ValidateIdentifier(id); err != nil {
		return "", fmt.Errorf("domharvest: session id: %w", err)
	}
	return run(ctx, h, "save_session", target, opts, func(ctx context.Context, page engine.Page) (string, error) {
		return h.sessions.Save(ctx, id, page)
	})
}

// ErrUnsafeExportPath is returned by ExportSessionCookies for names that
// would leave the export directory.
var ErrUnsafeExportPath = errors.New("domharvest: export path must stay inside the export directory")

// ExportSessionCookies writes the cookies of session id as a JSON array to
// name, resolved inside the configured export directory. It returns the
// written path.
func (h *Harvester) ExportSessionCookies(id, name string) (string, error) {
	dest, err := pathsafe.Join(h.exportDir(), name)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsafeExportPath, name)
	}
	if err := h.sessions.ExportCookies(id, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (h *Harvester) exportDir() string {
	if h.cfg.Sessions.ExportDir != "" {
		return h.cfg.Sessions.ExportDir
	}
	return filepath.Join(h.sessions.Dir(), "exports")
}

// run is the page lifecycle of every operation: session load, rate limit,
// page open, retried navigate/wait/fn, page close. The outcome is logged,
// journaled and, on failure, reported to the observer.
func run[T any](ctx context.Context, h *Harvester, op, target string, o NavOptions, fn func(context.Context, engine.Page) (T, error)) (T, error) {
	start := time.Now()
	attempts := 0
	v, err := func() (T, error) {
		var zero T
		var state *session.State
		if o.SessionID != "" {
			st, err := h.sessions.Load(o.SessionID)
			if err != nil {
				return zero, err
			}
			state = st
		}

		if err := h.limiter.Acquire(ctx, target); err != nil {
			return zero, err
		}

		page, err := h.engine.NewPage(ctx, h.pageOptions(o, state))
		if err != nil {
			return zero, domerr.New(domerr.NavigationFailure, target, "open", err)
		}
		defer func() {
			if cerr := page.Close(); cerr != nil {
				h.logger.WarnContext(ctx, "domharvest: close page", "target", target, "error", cerr)
			}
		}()

		restored := state == nil || len(state.Origins) == 0
		return retry.Do(ctx, h.retryPolicy(ctx, op, target, o.Retry), func(ctx context.Context, attempt int) (T, error) {
			attempts = attempt + 1
			if err := h.navigate(ctx, page, target, o); err != nil {
				return zero, err
			}
			// Storage is origin-scoped: write it once the origin is loaded,
			// then reload so page scripts see it.
			if !restored {
				if err := page.RestoreStorage(ctx, state.Origins); err != nil {
					return zero, domerr.New(domerr.NavigationFailure, target, "restore", err)
				}
				restored = true
				if err := h.navigate(ctx, page, target, o); err != nil {
					return zero, err
				}
			}
			if o.WaitFor != "" {
				wo := engine.WaitOptions{State: o.WaitState, Timeout: o.WaitTimeout}
				if err := page.WaitForMatch(ctx, o.WaitFor, wo); err != nil {
					return zero, err
				}
			}
			return fn(ctx, page)
		})
	}()
	h.settle(ctx, op, target, attempts, time.Since(start), err)
	return v, err
}

func (h *Harvester) navigate(ctx context.Context, page engine.Page, target string, o NavOptions) error {
	return page.Navigate(ctx, target, engine.NavigateOptions{WaitUntil: o.WaitUntil, Timeout: o.Timeout})
}

func (h *Harvester) pageOptions(o NavOptions, state *session.State) engine.PageOptions {
	po := engine.PageOptions{
		UserAgent:    o.UserAgent,
		ExtraHeaders: o.Headers,
		Viewport:     o.Viewport,
	}
	if state != nil {
		po.Cookies = state.Cookies
	}
	return po
}

// retryPolicy returns the policy for one call, journaling each retry.
func (h *Harvester) retryPolicy(ctx context.Context, op, target string, override *retry.Policy) retry.Policy {
	p := h.policy
	if override != nil {
		p = *override
		if p.Logger == nil {
			p.Logger = h.logger
		}
		if p.Sleep == nil {
			p.Sleep = h.sleep
		}
	}
	onRetry := p.OnRetry
	p.OnRetry = func(e retry.Event) {
		h.journal.Record(ctx, journal.Event{
			Type:      journal.TypeRetry,
			Op:        op,
			Target:    target,
			Attempt:   e.Attempt + 1,
			Delay:     e.Delay,
			ErrorKind: string(domerr.KindOf(e.Err)),
			Error:     e.Err.Error(),
		})
		if onRetry != nil {
			onRetry(e)
		}
	}
	return p
}

func (h *Harvester) settle(ctx context.Context, op, target string, attempts int, d time.Duration, err error) {
	ev := journal.Event{
		Type:     journal.TypeSuccess,
		Op:       op,
		Target:   target,
		Attempt:  attempts,
		Duration: d,
		Success:  err == nil,
	}
	if err == nil {
		h.logger.InfoContext(ctx, "domharvest: done",
			"op", op, "target", target, "attempts", attempts, "duration_ms", d.Milliseconds())
		h.journal.Record(ctx, ev)
		return
	}

	kind := domerr.KindOf(err)
	ev.Type = journal.TypeFailure
	ev.ErrorKind = string(kind)
	ev.Error = err.Error()
	h.logger.ErrorContext(ctx, "domharvest: failed",
		"op", op, "target", target, "attempts", attempts, "kind", kind, "error", err)
	h.journal.Record(ctx, ev)
	if h.observer != nil {
		h.observer(ErrorEvent{Op: op, Target: target, Kind: kind, Attempts: attempts, Err: err})
	}
}

// BatchJob is one extraction of a batch.
type BatchJob struct {
	Target       string
	RootSelector string
	Schema       schema.Node
	Options      ExtractOptions
}

// Outcome is the settled result of one BatchJob.
type Outcome struct {
	Target   string
	OK       bool
	Records  []schema.Record
	Err      error
	Duration time.Duration
}

// MarshalJSON renders the error as a string and the duration in
// milliseconds.
func (o Outcome) MarshalJSON() ([]byte, error) {
	out := struct {
		Target     string          `json:"target"`
		OK         bool            `json:"ok"`
		Records    []schema.Record `json:"records"`
		Error      string          `json:"error,omitempty"`
		ErrorKind  string          `json:"error_kind,omitempty"`
		DurationMS int64           `json:"duration_ms"`
	}{
		Target:     o.Target,
		OK:         o.OK,
		Records:    o.Records,
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		out.Error = o.Err.Error()
		out.ErrorKind = string(domerr.KindOf(o.Err))
	}
	return json.Marshal(out)
}

// BatchOptions configure Batch. Zero concurrency uses the configured one.
type BatchOptions struct {
	Concurrency int
	OnProgress  func(completed, total int)
}

// Batch runs every job through Extract, Concurrency jobs at a time, and
// returns one outcome per job in input order. Job failures are outcomes;
// only a malformed job list returns an error.
func (h *Harvester) Batch(ctx context.Context, jobs []BatchJob, opts BatchOptions) ([]Outcome, error) {
	tasks := make([]batch.Task[[]schema.Record], len(jobs))
	for i, j := range jobs {
		if j.Target == "" {
			return nil, fmt.Errorf("domharvest: batch job %d: empty target", i)
		}
		if j.Schema == nil {
			return nil, fmt.Errorf("domharvest: batch job %d: no schema", i)
		}
		tasks[i] = batch.Task[[]schema.Record]{
			Key: j.Target,
			Run: func(ctx context.Context) ([]schema.Record, error) {
				return h.Extract(ctx, j.Target, j.RootSelector, j.Schema, j.Options)
			},
		}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = h.cfg.Batch.Concurrency
	}

	settled, err := batch.Run(ctx, tasks, batch.Options{
		Concurrency: opts.Concurrency,
		OnProgress:  opts.OnProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("domharvest: %w", err)
	}
	out := make([]Outcome, len(settled))
	failed := 0
	for i, s := range settled {
		out[i] = Outcome{Target: s.Key, OK: s.OK, Records: s.Value, Err: s.Err, Duration: s.Duration}
		if !s.OK {
			failed++
		}
	}
	h.logger.InfoContext(ctx, "domharvest: batch done", "jobs", len(jobs), "failed", failed)
	return out, nil
}
