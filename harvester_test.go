package domharvest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/domharvest/domerr"
	"github.com/hazyhaar/domharvest/engine"
	"github.com/hazyhaar/domharvest/engine/enginetest"
	"github.com/hazyhaar/domharvest/journal"
	"github.com/hazyhaar/domharvest/ratelimit"
	"github.com/hazyhaar/domharvest/retry"
	"github.com/hazyhaar/domharvest/schema"
	"github.com/hazyhaar/domharvest/session"
)

const listPage = `<html><head><title>Catalogue</title></head><body>
<ul>
  <li class="item" data-sku="A1"><h2> Alpha </h2><a href="/a">more</a><span class="tag">x</span><span class="tag">y</span></li>
  <li class="item" data-sku="B2"><h2>Beta</h2><span class="tag">z</span></li>
</ul>
</body></html>`

var itemSchema = schema.Schema{
	schema.Field("title", schema.Text{Selector: "h2"}),
	schema.Field("href", schema.Attr{Selector: "a", Name: "href", Default: "none"}),
	schema.Field("tags", schema.Array{Selector: ".tag", Item: schema.Text{}}),
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine() *enginetest.Engine {
	e := enginetest.New()
	e.AddPage("https://shop.test/list", listPage)
	e.AddPage("https://shop.test/other", `<html><body><li class="item"><h2>Gamma</h2></li></body></html>`)
	return e
}

func newHarvester(t *testing.T, e engine.Engine, opts ...Option) (*Harvester, *sleepRecorder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Sessions.Dir = t.TempDir()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	rec := &sleepRecorder{}
	all := append([]Option{WithEngine(e), WithSleep(rec.sleep), WithLogger(quietLogger())}, opts...)
	h, err := New(cfg, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h, rec
}

func recent(t *testing.T, h *Harvester, f journal.Filter) []journal.Event {
	t.Helper()
	events, err := h.Journal().Recent(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func TestExtract(t *testing.T) {
	e := newTestEngine()
	h, _ := newHarvester(t, e)

	records, err := h.Extract(context.Background(), "https://shop.test/list", ".item", itemSchema, ExtractOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := make([]map[string]any, len(records))
	for i, r := range records {
		got[i] = r.Map()
		if diff := cmp.Diff([]string{"title", "href", "tags"}, r.Keys()); diff != "" {
			t.Errorf("record %d key order (-want +got):\n%s", i, diff)
		}
	}
	want := []map[string]any{
		{"title": "Alpha", "href": "/a", "tags": []any{"x", "y"}},
		{"title": "Beta", "href": "none", "tags": []any{"z"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
	if n := e.OpenPages(); n != 0 {
		t.Errorf("%d pages left open", n)
	}

	events := recent(t, h, journal.Filter{Op: "extract"})
	if len(events) != 1 || events[0].Type != journal.TypeSuccess || events[0].Attempt != 1 {
		t.Fatalf("journal: %+v", events)
	}
}

func TestExtract_MixedMatchesCallbackOnly(t *testing.T) {
	e := newTestEngine()
	h, _ := newHarvester(t, e)
	sku := schema.Callback{
		JS: "el => el.dataset.sku",
		Host: func(el *goquery.Selection) (any, error) {
			v, _ := el.Attr("data-sku")
			return v, nil
		},
	}
	title := schema.Callback{
		JS: "el => el.querySelector('h2').textContent.trim()",
		Host: func(el *goquery.Selection) (any, error) {
			return strings.TrimSpace(el.Find("h2").Text()), nil
		},
	}
	mixed := schema.Schema{schema.Field("title", schema.Text{Selector: "h2"}), schema.Field("sku", sku)}
	callbacks := schema.Schema{schema.Field("title", title), schema.Field("sku", sku)}
	for src, fn := range schema.HostFuncsBySource(callbacks) {
		e.HostFuncs[src] = fn
	}

	ctx := context.Background()
	a, err := h.Extract(ctx, "https://shop.test/list", ".item", mixed, ExtractOptions{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.Extract(ctx, "https://shop.test/list", ".item", callbacks, ExtractOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(maps(b), maps(a)); diff != "" {
		t.Errorf("mixed vs callback-only (-callbacks +mixed):\n%s", diff)
	}
	if v, _ := a[1].Get("sku"); v != "B2" {
		t.Errorf("sku = %v", v)
	}
}

func maps(rs []schema.Record) []map[string]any {
	out := make([]map[string]any, len(rs))
	for i, r := range rs {
		out[i] = r.Map()
	}
	return out
}

func TestExtract_RetriesThenSucceeds(t *testing.T) {
	e := newTestEngine()
	e.NavFailures["https://shop.test/list"] = 2
	var retries []retry.Event
	h, rec := newHarvester(t, e)

	policy := retry.DefaultPolicy()
	policy.OnRetry = func(ev retry.Event) { retries = append(retries, ev) }
	policy.Sleep = rec.sleep
	opts := ExtractOptions{NavOptions: NavOptions{Retry: &policy}}

	records, err := h.Extract(context.Background(), "https://shop.test/list", ".item", itemSchema, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if n := e.Navigations("https://shop.test/list"); n != 3 {
		t.Errorf("navigations = %d, want 3", n)
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second}, rec.delays); diff != "" {
		t.Errorf("backoff delays (-want +got):\n%s", diff)
	}
	if len(retries) != 2 || retries[0].Attempt != 0 || retries[1].Attempt != 1 {
		t.Errorf("retry events: %+v", retries)
	}
	if got := recent(t, h, journal.Filter{}); len(got) != 3 {
		t.Errorf("journal has %d events, want 2 retries + 1 success", len(got))
	}
}

func TestExtract_TerminalFailureNotifiesObserver(t *testing.T) {
	e := newTestEngine()
	var events []ErrorEvent
	h, _ := newHarvester(t, e, WithErrorObserver(func(ev ErrorEvent) { events = append(events, ev) }))

	_, err := h.Extract(context.Background(), "https://missing.test/", ".item", itemSchema, ExtractOptions{})
	if !domerr.Is(err, domerr.NavigationFailure) {
		t.Fatalf("err = %v, want NavigationFailure", err)
	}
	if len(events) != 1 {
		t.Fatalf("observer called %d times", len(events))
	}
	ev := events[0]
	if ev.Op != "extract" || ev.Target != "https://missing.test/" || ev.Kind != domerr.NavigationFailure || ev.Attempts != 3 {
		t.Errorf("event = %+v", ev)
	}
	if e.OpenPages() != 0 {
		t.Error("page left open after failure")
	}
	var terminal []journal.Event
	for _, ev := range recent(t, h, journal.Filter{FailuresOnly: true}) {
		if ev.Type == journal.TypeFailure {
			terminal = append(terminal, ev)
		}
	}
	if len(terminal) != 1 || terminal[0].ErrorKind != string(domerr.NavigationFailure) || terminal[0].Attempt != 3 {
		t.Errorf("journal failures: %+v", terminal)
	}
}

func TestExtract_AllowListStopsRetries(t *testing.T) {
	e := newTestEngine()
	h, rec := newHarvester(t, e)
	policy := retry.DefaultPolicy()
	policy.RetryableKinds = []domerr.Kind{domerr.MatchTimeout}
	policy.Sleep = rec.sleep

	_, err := h.Extract(context.Background(), "https://missing.test/", ".item", itemSchema,
		ExtractOptions{NavOptions: NavOptions{Retry: &policy}})
	if !domerr.Is(err, domerr.NavigationFailure) {
		t.Fatalf("err = %v", err)
	}
	if n := e.Navigations("https://missing.test/"); n != 1 {
		t.Errorf("navigations = %d, want 1", n)
	}
	if len(rec.delays) != 0 {
		t.Errorf("slept %v", rec.delays)
	}
}

func TestExtract_CallbackFailure(t *testing.T) {
	e := newTestEngine()
	h, _ := newHarvester(t, e)
	bad := schema.Callback{
		JS:   "el => { throw new Error('no price') }",
		Host: func(*goquery.Selection) (any, error) { return nil, errors.New("no price") },
	}
	s := schema.Schema{
		schema.Field("title", schema.Text{Selector: "h2"}),
		schema.Field("tags", schema.Array{Selector: ".tag", Item: bad}),
	}
	e.HostFuncs = schema.HostFuncsBySource(s)

	_, err := h.Extract(context.Background(), "https://shop.test/list", ".item", s, ExtractOptions{})
	var de *domerr.Error
	if !errors.As(err, &de) {
		t.Fatalf("err = %v", err)
	}
	if de.Kind != domerr.ExtractionFailure || de.Target != "https://shop.test/list" || de.Selector != ".tag" {
		t.Errorf("error = %+v", de)
	}
}

func TestExtract_WaitForTimesOut(t *testing.T) {
	e := newTestEngine()
	h, _ := newHarvester(t, e)
	one := retry.Policy{MaxAttempts: 1}

	_, err := h.Extract(context.Background(), "https://shop.test/list", ".item", itemSchema,
		ExtractOptions{NavOptions: NavOptions{WaitFor: ".never", Retry: &one}})
	if !domerr.Is(err, domerr.MatchTimeout) {
		t.Fatalf("err = %v, want MatchTimeout", err)
	}

	_, err = h.Extract(context.Background(), "https://shop.test/list", ".item", itemSchema,
		ExtractOptions{NavOptions: NavOptions{WaitFor: ".item h2"}})
	if err != nil {
		t.Fatalf("present selector: %v", err)
	}
}

func TestExtract_CompileError(t *testing.T) {
	h, _ := newHarvester(t, newTestEngine())
	_, err := h.Extract(context.Background(), "https://shop.test/list", ".item",
		schema.Schema{schema.Field("n", schema.Count{})}, ExtractOptions{})
	if err == nil || domerr.KindOf(err) != "" {
		t.Fatalf("err = %v, want unclassified compile error", err)
	}
}

func TestEvaluate(t *testing.T) {
	e := newTestEngine()
	e.Scripts["document.title"] = func(doc *goquery.Selection, args []any) (any, error) {
		return map[string]any{"title": doc.Find("title").Text(), "arg": args[0]}, nil
	}
	h, _ := newHarvester(t, e)

	v, err := h.Evaluate(context.Background(), "https://shop.test/list",
		"(x) => ({title: document.title, arg: x})", EvaluateOptions{Args: []any{"hello"}})
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := v.(schema.Record)
	if !ok {
		t.Fatalf("value is %T", v)
	}
	if title, _ := rec.Get("title"); title != "Catalogue" {
		t.Errorf("title = %v", title)
	}
	if arg, _ := rec.Get("arg"); arg != "hello" {
		t.Errorf("arg = %v", arg)
	}

	if _, err := h.Evaluate(context.Background(), "https://shop.test/list", "  ", EvaluateOptions{}); err == nil {
		t.Error("empty script should fail")
	}
}

func TestScreenshot(t *testing.T) {
	h, _ := newHarvester(t, newTestEngine())
	img, err := h.Screenshot(context.Background(), "https://shop.test/list", ScreenshotOptions{FullPage: true})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(img, []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatal("not a PNG")
	}
}

func TestBatch(t *testing.T) {
	e := newTestEngine()
	h, _ := newHarvester(t, e)
	one := retry.Policy{MaxAttempts: 1}
	heading := schema.Callback{
		JS:   "el => el.textContent.trim()",
		Host: func(el *goquery.Selection) (any, error) { return strings.TrimSpace(el.Text()), nil },
	}
	e.HostFuncs = schema.HostFuncsBySource(heading)
	jobs := []BatchJob{
		{Target: "https://shop.test/list", RootSelector: ".item", Schema: itemSchema},
		{Target: "https://shop.test/missing", RootSelector: ".item", Schema: itemSchema,
			Options: ExtractOptions{NavOptions: NavOptions{Retry: &one}}},
		{Target: "https://shop.test/other", RootSelector: ".item", Schema: itemSchema},
		{Target: "https://shop.test/list", RootSelector: "h2", Schema: heading},
	}

	var (
		mu       sync.Mutex
		progress []int
	)
	outcomes, err := h.Batch(context.Background(), jobs, BatchOptions{
		Concurrency: 2,
		OnProgress: func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			if total != 4 {
				t.Errorf("total = %d", total)
			}
			progress = append(progress, done)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 4 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Target != jobs[i].Target {
			t.Errorf("outcome %d target = %s", i, o.Target)
		}
		if wantOK := i != 1; o.OK != wantOK {
			t.Errorf("outcome %d ok = %v (err %v)", i, o.OK, o.Err)
		}
	}
	if !domerr.Is(outcomes[1].Err, domerr.NavigationFailure) {
		t.Errorf("failed outcome err = %v", outcomes[1].Err)
	}
	if v, _ := outcomes[3].Records[1].Get("value"); v != "Beta" {
		t.Errorf("scalar root records: %v", outcomes[3].Records)
	}
	if diff := cmp.Diff([]int{1, 2, 3, 4}, progress); diff != "" {
		t.Errorf("progress (-want +got):\n%s", diff)
	}
}

func TestBatch_MalformedJobs(t *testing.T) {
	h, _ := newHarvester(t, newTestEngine())
	_, err := h.Batch(context.Background(), []BatchJob{{Target: "https://shop.test/list"}}, BatchOptions{})
	if err == nil {
		t.Fatal("job without schema should fail the batch")
	}
}

func TestSessions_SaveAndRestore(t *testing.T) {
	e := newTestEngine()
	h, _ := newHarvester(t, e)
	ctx := context.Background()

	seed, err := e.NewPage(ctx, engine.PageOptions{Cookies: []session.Cookie{
		{Name: "sid", Value: "s3cr3t", Domain: "shop.test", Path: "/", HTTPOnly: true},
	}})
	if err != nil {
		t.Fatal(err)
	}
	seed.Close()
	e.SetLocalStorage("https://shop.test", "cart", "3")

	loc, err := h.SaveSession(ctx, "shopper", "https://shop.test/list", NavOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(loc) != "shopper.json" {
		t.Errorf("location = %s", loc)
	}

	e.ClearBrowsingData()
	if _, err := h.Extract(ctx, "https://shop.test/list", ".item", itemSchema,
		ExtractOptions{NavOptions: NavOptions{SessionID: "shopper"}}); err != nil {
		t.Fatal(err)
	}
	if c := e.LastPageOptions().Cookies; len(c) != 1 || c[0].Value != "s3cr3t" {
		t.Errorf("restored cookies = %+v", c)
	}

	probe, err := e.NewPage(ctx, engine.PageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer probe.Close()
	if err := probe.Navigate(ctx, "https://shop.test/list", engine.NavigateOptions{}); err != nil {
		t.Fatal(err)
	}
	origins, _ := probe.StorageState(ctx)
	if len(origins) != 1 || origins[0].LocalStorage["cart"] != "3" {
		t.Errorf("restored storage = %+v", origins)
	}
}

func TestSessions_MissingSession(t *testing.T) {
	e := newTestEngine()
	var events []ErrorEvent
	h, _ := newHarvester(t, e, WithErrorObserver(func(ev ErrorEvent) { events = append(events, ev) }))

	_, err := h.Extract(context.Background(), "https://shop.test/list", ".item", itemSchema,
		ExtractOptions{NavOptions: NavOptions{SessionID: "ghost"}})
	if !domerr.Is(err, domerr.SessionNotFound) {
		t.Fatalf("err = %v, want SessionNotFound", err)
	}
	if e.Navigations("https://shop.test/list") != 0 {
		t.Error("navigated without the session")
	}
	if len(events) != 1 || events[0].Kind != domerr.SessionNotFound || events[0].Attempts != 0 {
		t.Errorf("events = %+v", events)
	}

	if _, err := h.SaveSession(context.Background(), "../escape", "https://shop.test/list", NavOptions{}); err == nil {
		t.Error("unsafe session id accepted")
	}
}

func TestSessions_ExportStaysInExportDir(t *testing.T) {
	e := newTestEngine()
	h, _ := newHarvester(t, e)
	ctx := context.Background()
	if _, err := h.SaveSession(ctx, "s1", "https://shop.test/list", NavOptions{}); err != nil {
		t.Fatal(err)
	}
	eps := h.endpoints()

	outside := t.TempDir()
	for _, p := range []string{
		filepath.Join(outside, "elsewhere", "..", "victim.json"),
		filepath.Join(outside, "victim.json"),
		"../victim.json",
		"nested/../../victim.json",
	} {
		_, err := eps.sessions(ctx, &sessionsReq{Action: "export", ID: "s1", Path: p})
		if !isInvalid(err) {
			t.Errorf("export to %q: err = %v, want invalid arguments", p, err)
		}
	}
	if entries, _ := os.ReadDir(outside); len(entries) != 0 {
		t.Errorf("files written outside the export dir: %v", entries)
	}

	resp, err := eps.sessions(ctx, &sessionsReq{Action: "export", ID: "s1", Path: "s1.json"})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(h.Sessions().Dir(), "exports", "s1.json")
	if got := resp.(map[string]any)["path"]; got != want {
		t.Errorf("path = %v, want %s", got, want)
	}
	if _, err := session.ReadCookieFile(want); err != nil {
		t.Error(err)
	}
}

// limiterClock advances virtual time whenever the limiter sleeps.
type limiterClock struct {
	mu    sync.Mutex
	t     time.Time
	slept time.Duration
}

func (c *limiterClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *limiterClock) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.slept += d
	c.mu.Unlock()
	return ctx.Err()
}

func TestRateLimitedExtractions(t *testing.T) {
	clk := &limiterClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	lim := ratelimit.New(ratelimit.Config{PerDomain: &ratelimit.Window{Requests: 2, Window: time.Second}},
		ratelimit.WithClock(clk.now, clk.sleep))
	h, _ := newHarvester(t, newTestEngine(), WithLimiter(lim))

	for range 3 {
		if _, err := h.Extract(context.Background(), "https://shop.test/list", ".item", itemSchema, ExtractOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if clk.slept < time.Second {
		t.Fatalf("3 extractions at 2/s waited %v, want >= 1s", clk.slept)
	}
}

func TestExtractHTML(t *testing.T) {
	records, err := ExtractHTML(listPage, ".item", itemSchema)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if title, _ := records[0].Get("title"); title != "Alpha" {
		t.Errorf("title = %v", title)
	}

	_, err = ExtractHTML(listPage, ".item", schema.Schema{
		schema.Field("x", schema.Callback{JS: "el => 1"}),
	})
	if !domerr.Is(err, domerr.ExtractionFailure) {
		t.Errorf("callback without host: %v", err)
	}
}
