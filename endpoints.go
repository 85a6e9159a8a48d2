package domharvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/domharvest/engine"
	"github.com/hazyhaar/domharvest/internal/idgen"
	"github.com/hazyhaar/domharvest/internal/kit"
	"github.com/hazyhaar/domharvest/internal/pathsafe"
	"github.com/hazyhaar/domharvest/journal"
	"github.com/hazyhaar/domharvest/schema"
)

// Request and response shapes shared by the MCP tools and the HTTP routes.

// invalidArgsError marks a request the caller must fix.
type invalidArgsError struct{ err error }

func (e *invalidArgsError) Error() string { return e.err.Error() }
func (e *invalidArgsError) Unwrap() error { return e.err }

func invalid(format string, args ...any) error {
	return &invalidArgsError{err: fmt.Errorf(format, args...)}
}

func isInvalid(err error) bool {
	var ie *invalidArgsError
	return errors.As(err, &ie)
}

type navArgs struct {
	URL         string            `json:"url"`
	WaitUntil   string            `json:"wait_until,omitempty"`
	TimeoutMS   int               `json:"timeout_ms,omitempty"`
	WaitFor     string            `json:"wait_for,omitempty"`
	WaitState   string            `json:"wait_state,omitempty"`
	WaitTimeout int               `json:"wait_timeout_ms,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

func (a navArgs) options() (NavOptions, error) {
	if a.URL == "" {
		return NavOptions{}, invalid("url is required")
	}
	wu, err := engine.ParseWaitUntil(a.WaitUntil)
	if err != nil {
		return NavOptions{}, &invalidArgsError{err: err}
	}
	ws, err := engine.ParseMatchState(a.WaitState)
	if err != nil {
		return NavOptions{}, &invalidArgsError{err: err}
	}
	return NavOptions{
		WaitUntil:   wu,
		Timeout:     time.Duration(a.TimeoutMS) * time.Millisecond,
		WaitFor:     a.WaitFor,
		WaitState:   ws,
		WaitTimeout: time.Duration(a.WaitTimeout) * time.Millisecond,
		SessionID:   a.SessionID,
		UserAgent:   a.UserAgent,
		Headers:     a.Headers,
	}, nil
}

type extractReq struct {
	navArgs
	RootSelector string          `json:"root_selector"`
	Schema       json.RawMessage `json:"schema"`
}

func (r extractReq) job() (BatchJob, error) {
	nav, err := r.options()
	if err != nil {
		return BatchJob{}, err
	}
	if r.RootSelector == "" {
		return BatchJob{}, invalid("root_selector is required")
	}
	if len(r.Schema) == 0 {
		return BatchJob{}, invalid("schema is required")
	}
	node, err := schema.Parse(r.Schema)
	if err != nil {
		return BatchJob{}, &invalidArgsError{err: err}
	}
	return BatchJob{Target: r.URL, RootSelector: r.RootSelector, Schema: node, Options: ExtractOptions{NavOptions: nav}}, nil
}

type extractResp struct {
	URL     string          `json:"url"`
	Count   int             `json:"count"`
	Records []schema.Record `json:"records"`
}

type evaluateReq struct {
	navArgs
	JS   string `json:"js"`
	Args []any  `json:"args,omitempty"`
}

type evaluateResp struct {
	URL   string `json:"url"`
	Value any    `json:"value"`
}

type batchReq struct {
	Jobs        []extractReq `json:"jobs"`
	Concurrency int          `json:"concurrency,omitempty"`
}

type batchResp struct {
	Total    int       `json:"total"`
	Failed   int       `json:"failed"`
	Outcomes []Outcome `json:"outcomes"`
}

type screenshotReq struct {
	navArgs
	FullPage bool   `json:"full_page,omitempty"`
	Selector string `json:"selector,omitempty"`
	Format   string `json:"format,omitempty"`
	Quality  int    `json:"quality,omitempty"`
}

type screenshotResp struct {
	URL    string `json:"url"`
	Format string `json:"format"`
	Image  []byte `json:"image"` // base64 in JSON
}

type sessionsReq struct {
	Action string `json:"action"` // list | save | delete | export
	ID     string `json:"id,omitempty"`
	navArgs
	Path string `json:"path,omitempty"`
}

type journalReq struct {
	Target       string `json:"target,omitempty"`
	Op           string `json:"op,omitempty"`
	FailuresOnly bool   `json:"failures_only,omitempty"`
	SinceMS      int64  `json:"since_ms,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

type journalResp struct {
	Events []journal.Event `json:"events"`
}

// endpoints are the transport-independent operations, keyed by tool name.
type endpoints struct {
	extract, evaluate, batch, screenshot, sessions, journal kit.Endpoint
}

func (h *Harvester) endpoints() endpoints {
	reqIDs := kit.WithRequestIDs(idgen.Prefixed("req_", idgen.NanoID(12)))
	wrap := func(op string, ep kit.Endpoint) kit.Endpoint {
		return kit.Chain(reqIDs, kit.Logging(h.logger, op))(ep)
	}
	return endpoints{
		extract:    wrap("extract", h.extractEndpoint),
		evaluate:   wrap("evaluate", h.evaluateEndpoint),
		batch:      wrap("batch", h.batchEndpoint),
		screenshot: wrap("screenshot", h.screenshotEndpoint),
		sessions:   wrap("sessions", h.sessionsEndpoint),
		journal:    wrap("journal", h.journalEndpoint),
	}
}

func (h *Harvester) extractEndpoint(ctx context.Context, req any) (any, error) {
	job, err := req.(*extractReq).job()
	if err != nil {
		return nil, err
	}
	records, err := h.Extract(ctx, job.Target, job.RootSelector, job.Schema, job.Options)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []schema.Record{}
	}
	return &extractResp{URL: job.Target, Count: len(records), Records: records}, nil
}

func (h *Harvester) evaluateEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*evaluateReq)
	nav, err := r.options()
	if err != nil {
		return nil, err
	}
	if r.JS == "" {
		return nil, invalid("js is required")
	}
	v, err := h.Evaluate(ctx, r.URL, r.JS, EvaluateOptions{NavOptions: nav, Args: r.Args})
	if err != nil {
		return nil, err
	}
	return &evaluateResp{URL: r.URL, Value: v}, nil
}

func (h *Harvester) batchEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*batchReq)
	if len(r.Jobs) == 0 {
		return nil, invalid("jobs is required")
	}
	jobs := make([]BatchJob, len(r.Jobs))
	for i, jr := range r.Jobs {
		job, err := jr.job()
		if err != nil {
			return nil, invalid("job %d: %v", i, err)
		}
		jobs[i] = job
	}
	outcomes, err := h.Batch(ctx, jobs, BatchOptions{Concurrency: r.Concurrency})
	if err != nil {
		return nil, err
	}
	resp := &batchResp{Total: len(outcomes), Outcomes: outcomes}
	for _, o := range outcomes {
		if !o.OK {
			resp.Failed++
		}
	}
	return resp, nil
}

func (h *Harvester) screenshotEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*screenshotReq)
	nav, err := r.options()
	if err != nil {
		return nil, err
	}
	format := r.Format
	switch format {
	case "":
		format = "png"
	case "png", "jpeg":
	default:
		return nil, invalid("unknown image format %q", r.Format)
	}
	img, err := h.Screenshot(ctx, r.URL, ScreenshotOptions{
		NavOptions: nav,
		FullPage:   r.FullPage,
		Selector:   r.Selector,
		Format:     format,
		Quality:    r.Quality,
	})
	if err != nil {
		return nil, err
	}
	return &screenshotResp{URL: r.URL, Format: format, Image: img}, nil
}

func (h *Harvester) sessionsEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*sessionsReq)
	if r.ID != "" {
		if err := pathsafe.ValidateIdentifier(r.ID); err != nil {
			return nil, &invalidArgsError{err: err}
		}
	}
	switch r.Action {
	case "", "list":
		ids, err := h.sessions.List()
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []string{}
		}
		return map[string]any{"sessions": ids}, nil
	case "save":
		if r.ID == "" {
			return nil, invalid("id is required")
		}
		nav, err := r.options()
		if err != nil {
			return nil, err
		}
		loc, err := h.SaveSession(ctx, r.ID, r.URL, nav)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": r.ID, "location": loc}, nil
	case "delete":
		if r.ID == "" {
			return nil, invalid("id is required")
		}
		ok, err := h.sessions.Delete(r.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": r.ID, "deleted": ok}, nil
	case "export":
		if r.ID == "" || r.Path == "" {
			return nil, invalid("id and path are required")
		}
		dest, err := h.ExportSessionCookies(r.ID, r.Path)
		if errors.Is(err, ErrUnsafeExportPath) {
			return nil, &invalidArgsError{err: err}
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": r.ID, "path": dest}, nil
	}
	return nil, invalid("unknown action %q", r.Action)
}

func (h *Harvester) journalEndpoint(ctx context.Context, req any) (any, error) {
	r := req.(*journalReq)
	if h.journal == nil {
		return nil, errors.New("journal disabled")
	}
	f := journal.Filter{Target: r.Target, Op: r.Op, FailuresOnly: r.FailuresOnly, Limit: r.Limit}
	if r.SinceMS > 0 {
		f.Since = time.UnixMilli(r.SinceMS)
	}
	events, err := h.journal.Recent(ctx, f)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []journal.Event{}
	}
	return &journalResp{Events: events}, nil
}
