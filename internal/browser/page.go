package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/domharvest/domerr"
	"github.com/hazyhaar/domharvest/engine"
	"github.com/hazyhaar/domharvest/session"
)

// Tab is a rod page in its own incognito context.
type Tab struct {
	page   *rod.Page
	incog  *rod.Browser
	router *rod.HijackRouter
	cfg    *Config

	// pending holds domain-less cookies set before the page had an http(s)
	// URL; Navigate installs them for its target.
	pending []session.Cookie
}

var _ engine.Page = (*Tab)(nil)

// NewPage opens a configured page. Chrome is started on first use.
func (m *Manager) NewPage(ctx context.Context, opts engine.PageOptions) (engine.Page, error) {
	b, err := m.Start(ctx)
	if err != nil {
		return nil, err
	}
	incog, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("browser: incognito context: %w", err)
	}

	var page *rod.Page
	if m.cfg.Stealth {
		page, err = stealth.Page(incog)
	} else {
		page, err = incog.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		incog.Close()
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{page: page, incog: incog, cfg: &m.cfg}
	if err := t.setup(ctx, opts); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tab) setup(ctx context.Context, opts engine.PageOptions) error {
	cfg := t.cfg
	log := cfg.Logger
	p := t.page.Context(ctx)

	if vp := firstNonNil(opts.Viewport, cfg.Viewport); vp != nil {
		scale := vp.Scale
		if scale <= 0 {
			scale = 1
		}
		if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             vp.Width,
			Height:            vp.Height,
			DeviceScaleFactor: scale,
			Mobile:            vp.Mobile,
		}); err != nil {
			log.Warn("browser: set viewport failed", "error", err)
		}
	}

	if ua := firstNonEmpty(opts.UserAgent, cfg.UserAgent); ua != "" {
		if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua, AcceptLanguage: cfg.Locale}); err != nil {
			return fmt.Errorf("browser: set user agent: %w", err)
		}
	}
	if cfg.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: cfg.Locale}).Call(p); err != nil {
			log.Warn("browser: locale override failed", "locale", cfg.Locale, "error", err)
		}
	}
	if cfg.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: cfg.Timezone}).Call(p); err != nil {
			return fmt.Errorf("browser: timezone %q: %w", cfg.Timezone, err)
		}
	}
	if g := cfg.Geolocation; g != nil {
		lat, lon, acc := g.Latitude, g.Longitude, g.Accuracy
		if acc <= 0 {
			acc = 10
		}
		if err := (proto.EmulationSetGeolocationOverride{Latitude: &lat, Longitude: &lon, Accuracy: &acc}).Call(p); err != nil {
			log.Warn("browser: geolocation override failed", "error", err)
		}
	}
	if cfg.DisableJavaScript {
		if err := (proto.EmulationSetScriptExecutionDisabled{Value: true}).Call(p); err != nil {
			return fmt.Errorf("browser: disable javascript: %w", err)
		}
	}

	headers := make(map[string]string, len(cfg.ExtraHeaders)+len(opts.ExtraHeaders))
	for k, v := range cfg.ExtraHeaders {
		headers[k] = v
	}
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	if len(headers) > 0 {
		dict := make([]string, 0, 2*len(headers))
		for k, v := range headers {
			dict = append(dict, k, v)
		}
		if _, err := p.SetExtraHeaders(dict); err != nil {
			return fmt.Errorf("browser: extra headers: %w", err)
		}
	}

	cookies := append(append([]session.Cookie(nil), cfg.Cookies...), opts.Cookies...)
	if len(cookies) > 0 {
		if err := t.SetCookies(ctx, cookies); err != nil {
			return err
		}
	}

	if len(cfg.ResourceBlocking) > 0 {
		router, err := applyResourceBlocking(t.page, cfg.ResourceBlocking)
		if err != nil {
			log.Warn("browser: resource blocking failed", "error", err)
		} else {
			t.router = router
		}
	}
	return nil
}

func (t *Tab) timeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return t.cfg.DefaultTimeout
}

// Navigate loads url and waits for the requested lifecycle event.
func (t *Tab) Navigate(ctx context.Context, url string, opts engine.NavigateOptions) error {
	p := t.page.Context(ctx).Timeout(t.timeout(opts.Timeout))
	defer p.CancelTimeout()

	event := proto.PageLifecycleEventNameLoad
	switch opts.WaitUntil {
	case engine.WaitDOMContentLoaded:
		event = proto.PageLifecycleEventNameDOMContentLoaded
	case engine.WaitNetworkIdle:
		event = proto.PageLifecycleEventNameNetworkIdle
	}

	if len(t.pending) > 0 {
		params, _ := cookieParams(t.pending, url)
		if err := p.SetCookies(params); err != nil {
			return domerr.New(domerr.NavigationFailure, url, "navigate", fmt.Errorf("seed cookies: %w", err))
		}
		t.pending = nil
	}

	wait := p.WaitNavigation(event)
	if err := p.Navigate(url); err != nil {
		return domerr.New(domerr.NavigationFailure, url, "navigate", err)
	}
	wait()
	if err := p.GetContext().Err(); err != nil {
		return domerr.New(domerr.NavigationFailure, url, "navigate", fmt.Errorf("waiting for %s: %w", event, err))
	}
	return nil
}

const matchJS = `(sel, state) => {
	const el = document.querySelector(sel);
	if (state === "attached") return !!el;
	if (state === "detached") return !el;
	const visible = !!el && !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length) &&
		getComputedStyle(el).visibility !== "hidden";
	return state === "visible" ? visible : !visible;
}`

// WaitForMatch polls until selector reaches the requested state.
func (t *Tab) WaitForMatch(ctx context.Context, selector string, opts engine.WaitOptions) error {
	state := opts.State
	if state == "" {
		state = engine.StateVisible
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout(opts.Timeout))
	defer cancel()

	fail := func(cause error) error {
		e := domerr.New(domerr.MatchTimeout, t.url(), "wait", cause)
		e.Selector = selector
		return e
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		res, err := t.page.Context(ctx).Eval(matchJS, selector, string(state))
		if err == nil && res.Value.Bool() {
			return nil
		}
		var evalErr *rod.EvalError
		if errors.As(err, &evalErr) {
			return fail(err)
		}
		select {
		case <-ctx.Done():
			return fail(fmt.Errorf("selector never became %s: %w", state, ctx.Err()))
		case <-tick.C:
		}
	}
}

// evalWrapper serialises the awaited result in the page so object key
// order survives the trip back.
const evalWrapper = `function (...args) {
	return Promise.resolve((%s).apply(this, args)).then(v => JSON.stringify(v === undefined ? null : v));
}`

// Evaluate calls js in the page and returns its result as JSON.
func (t *Tab) Evaluate(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	res, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           fmt.Sprintf(evalWrapper, js),
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("browser: evaluate: %w", err)
	}
	out := res.Value.Str()
	if out == "" {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(out), nil
}

// CaptureImage takes a screenshot of the viewport, the full page or one
// element.
func (t *Tab) CaptureImage(ctx context.Context, opts engine.CaptureOptions) ([]byte, error) {
	p := t.page.Context(ctx).Timeout(t.cfg.DefaultTimeout)
	defer p.CancelTimeout()

	format := proto.PageCaptureScreenshotFormatPng
	if opts.Format == "jpeg" || opts.Format == "jpg" {
		format = proto.PageCaptureScreenshotFormatJpeg
	}
	quality := opts.Quality
	if quality <= 0 {
		quality = 90
	}

	if opts.Selector != "" {
		el, err := p.Element(opts.Selector)
		if err != nil {
			e := domerr.New(domerr.MatchTimeout, t.url(), "screenshot", err)
			e.Selector = opts.Selector
			return nil, e
		}
		img, err := el.Screenshot(format, quality)
		if err != nil {
			return nil, fmt.Errorf("browser: element screenshot: %w", err)
		}
		return img, nil
	}

	req := &proto.PageCaptureScreenshot{Format: format}
	if format == proto.PageCaptureScreenshotFormatJpeg {
		req.Quality = &quality
	}
	img, err := p.Screenshot(opts.FullPage, req)
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return img, nil
}

// Cookies returns the cookies visible to the current page.
func (t *Tab) Cookies(ctx context.Context) ([]session.Cookie, error) {
	list, err := t.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("browser: get cookies: %w", err)
	}
	out := make([]session.Cookie, 0, len(list))
	for _, c := range list {
		out = append(out, session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

// SetCookies installs cookies. Cookies without a domain are scoped to the
// current page URL, or to the next navigation while the page has none.
func (t *Tab) SetCookies(ctx context.Context, cookies []session.Cookie) error {
	params, deferred := cookieParams(cookies, t.url())
	t.pending = append(t.pending, deferred...)
	if len(params) == 0 {
		return nil
	}
	if err := t.page.Context(ctx).SetCookies(params); err != nil {
		return fmt.Errorf("browser: set cookies: %w", err)
	}
	return nil
}

// cookieParams converts cookies for CDP. Domain-less cookies are scoped to
// pageURL; when it is not an http(s) URL they are returned as deferred.
func cookieParams(cookies []session.Cookie, pageURL string) (params []*proto.NetworkCookieParam, deferred []session.Cookie) {
	scoped := strings.HasPrefix(pageURL, "http://") || strings.HasPrefix(pageURL, "https://")
	for _, c := range cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		}
		if c.Domain == "" {
			if !scoped {
				deferred = append(deferred, c)
				continue
			}
			p.URL = pageURL
		}
		params = append(params, p)
	}
	return params, deferred
}

const snapshotJS = `() => {
	const dump = (s) => {
		const out = {};
		try {
			for (let i = 0; i < s.length; i++) { const k = s.key(i); out[k] = s.getItem(k); }
		} catch (e) {}
		return out;
	};
	return {origin: location.origin, localStorage: dump(localStorage), sessionStorage: dump(sessionStorage)};
}`

const restoreJS = `(origins) => {
	let n = 0;
	for (const o of origins) {
		if (o.origin !== location.origin) continue;
		for (const [k, v] of Object.entries(o.localStorage || {})) { localStorage.setItem(k, v); n++; }
		for (const [k, v] of Object.entries(o.sessionStorage || {})) { sessionStorage.setItem(k, v); n++; }
	}
	return n;
}`

// StorageState snapshots the storage of the current origin.
func (t *Tab) StorageState(ctx context.Context) ([]session.Origin, error) {
	raw, err := t.Evaluate(ctx, snapshotJS)
	if err != nil {
		return nil, err
	}
	var o session.Origin
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("browser: decode storage: %w", err)
	}
	if o.Origin == "" || o.Origin == "null" {
		return []session.Origin{}, nil
	}
	return []session.Origin{o}, nil
}

// RestoreStorage writes the entries saved for the current origin.
func (t *Tab) RestoreStorage(ctx context.Context, origins []session.Origin) error {
	if len(origins) == 0 {
		return nil
	}
	_, err := t.Evaluate(ctx, restoreJS, origins)
	return err
}

// Close closes the page and disposes of its incognito context.
func (t *Tab) Close() error {
	if t.router != nil {
		t.router.Stop()
	}
	var err error
	if t.page != nil {
		err = t.page.Close()
	}
	if t.incog != nil {
		t.incog.Close()
	}
	return err
}

func (t *Tab) url() string {
	info, err := t.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonNil[T any](vals ...*T) *T {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
