// Package enginetest provides an in-memory engine.Engine backed by static
// HTML documents. Extraction procedures run through the host-side
// interpreter of package schema, so harvesting code can be tested without a
// browser.
package enginetest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/domharvest/domerr"
	"github.com/hazyhaar/domharvest/engine"
	"github.com/hazyhaar/domharvest/schema"
	"github.com/hazyhaar/domharvest/session"
)

// Script stands in for an arbitrary JS function evaluated in a page.
type Script func(doc *goquery.Selection, args []any) (any, error)

// Engine serves registered pages. Configure the exported fields before use.
type Engine struct {
	// Pages maps URLs to their HTML.
	Pages map[string]string
	// Scripts maps a fragment of JS source to its Go stand-in. Evaluate
	// picks the longest fragment contained in the evaluated source.
	Scripts map[string]Script
	// HostFuncs maps callback JS sources to Go implementations, see
	// schema.HostFuncsBySource.
	HostFuncs map[string]schema.HostFunc
	// NavFailures makes the first n navigations to a URL fail.
	NavFailures map[string]int
	// NavDelay is slept (honouring ctx) before every navigation.
	NavDelay time.Duration

	mu          sync.Mutex
	navigations map[string]int
	opened      int
	closedPages int
	jar         []session.Cookie
	storage     map[string]session.Origin
	closed      bool
	lastOpts    engine.PageOptions
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		Pages:       make(map[string]string),
		Scripts:     make(map[string]Script),
		HostFuncs:   make(map[string]schema.HostFunc),
		NavFailures: make(map[string]int),
		navigations: make(map[string]int),
		storage:     make(map[string]session.Origin),
	}
}

// AddPage registers html under url.
func (e *Engine) AddPage(url, html string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Pages[url] = html
}

// Navigations returns how many times url was navigated to.
func (e *Engine) Navigations(url string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.navigations[url]
}

// OpenPages returns the number of pages opened and not yet closed.
func (e *Engine) OpenPages() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened - e.closedPages
}

// LastPageOptions returns the options of the most recently opened page.
func (e *Engine) LastPageOptions() engine.PageOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOpts
}

// SetLocalStorage seeds a localStorage entry for origin.
func (e *Engine) SetLocalStorage(origin, key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.storage[origin]
	o.Origin = origin
	if o.LocalStorage == nil {
		o.LocalStorage = make(map[string]string)
	}
	o.LocalStorage[key] = value
	e.storage[origin] = o
}

// Jar returns a copy of the shared cookie jar.
func (e *Engine) Jar() []session.Cookie {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]session.Cookie(nil), e.jar...)
}

// ClearBrowsingData empties the cookie jar and storage, as a fresh browser
// profile would be.
func (e *Engine) ClearBrowsingData() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jar = nil
	e.storage = make(map[string]session.Origin)
}

func (e *Engine) NewPage(ctx context.Context, opts engine.PageOptions) (engine.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("enginetest: engine closed")
	}
	e.opened++
	e.lastOpts = opts
	e.setCookiesLocked(opts.Cookies)
	return &Page{e: e, fns: make(map[string]schema.HostFunc)}, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *Engine) setCookiesLocked(cookies []session.Cookie) {
	for _, c := range cookies {
		replaced := false
		for i, old := range e.jar {
			if old.Name == c.Name && old.Domain == c.Domain && old.Path == c.Path {
				e.jar[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			e.jar = append(e.jar, c)
		}
	}
}

// Page is an in-memory engine.Page.
type Page struct {
	e      *Engine
	url    string
	doc    *goquery.Document
	fns    map[string]schema.HostFunc
	closed bool
}

func (p *Page) Navigate(ctx context.Context, target string, opts engine.NavigateOptions) error {
	if p.e.NavDelay > 0 {
		t := time.NewTimer(p.e.NavDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return domerr.New(domerr.NavigationFailure, target, "navigate", ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return domerr.New(domerr.NavigationFailure, target, "navigate", err)
	}

	p.e.mu.Lock()
	p.e.navigations[target]++
	fail := p.e.NavFailures[target] > 0
	if fail {
		p.e.NavFailures[target]--
	}
	html, ok := p.e.Pages[target]
	p.e.mu.Unlock()

	if fail {
		return domerr.New(domerr.NavigationFailure, target, "navigate", errors.New("net::ERR_CONNECTION_RESET"))
	}
	if !ok {
		return domerr.New(domerr.NavigationFailure, target, "navigate", errors.New("net::ERR_NAME_NOT_RESOLVED"))
	}
	doc, err := schema.ParseHTML(strings.NewReader(html))
	if err != nil {
		return domerr.New(domerr.NavigationFailure, target, "navigate", err)
	}
	p.url, p.doc = target, doc
	p.fns = make(map[string]schema.HostFunc)
	return nil
}

func (p *Page) WaitForMatch(ctx context.Context, selector string, opts engine.WaitOptions) error {
	present := p.doc != nil && p.doc.Find(selector).Length() > 0
	want := true
	if opts.State == engine.StateHidden || opts.State == engine.StateDetached {
		want = false
	}
	if present == want {
		return nil
	}
	state := opts.State
	if state == "" {
		state = engine.StateVisible
	}
	e := domerr.New(domerr.MatchTimeout, p.url, "wait", fmt.Errorf("selector never became %s", state))
	e.Selector = selector
	return e
}

var registration = regexp.MustCompile(`(?s)\tt\[("(?:[^"\\]|\\.)*")\] = \((.*?)\);\n`)

func (p *Page) Evaluate(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.doc == nil {
		return nil, errors.New("enginetest: evaluate before navigate")
	}

	switch {
	case js == schema.InterpreterJS:
		if len(args) != 2 {
			return nil, fmt.Errorf("enginetest: interpreter takes 2 args, got %d", len(args))
		}
		root, _ := args[0].(string)
		payload, err := rawArg(args[1])
		if err != nil {
			return nil, err
		}
		env := schema.RunPayload(p.doc.Selection, root, payload, p.fns)
		return json.Marshal(string(env))

	case strings.Contains(js, "globalThis.__domharvestFns"):
		for _, m := range registration.FindAllStringSubmatch(js, -1) {
			var id string
			if err := json.Unmarshal([]byte(m[1]), &id); err != nil {
				return nil, err
			}
			fn := p.e.HostFuncs[m[2]]
			if fn == nil {
				src := m[2]
				fn = func(*goquery.Selection) (any, error) {
					return nil, fmt.Errorf("no host implementation for %s", src)
				}
			}
			p.fns[id] = fn
		}
		return json.Marshal(len(p.fns))
	}

	var (
		best    Script
		bestLen = -1
	)
	for frag, s := range p.e.Scripts {
		if strings.Contains(js, frag) && len(frag) > bestLen {
			best, bestLen = s, len(frag)
		}
	}
	if best == nil {
		return nil, fmt.Errorf("enginetest: no script registered for %q", js)
	}
	v, err := best(p.doc.Selection, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func rawArg(a any) (json.RawMessage, error) {
	switch v := a.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	case string:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

func (p *Page) CaptureImage(ctx context.Context, opts engine.CaptureOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.doc == nil {
		return nil, errors.New("enginetest: capture before navigate")
	}
	w, h := 4, 3
	if opts.FullPage {
		h = 8
	}
	if opts.Selector != "" {
		if p.doc.Find(opts.Selector).Length() == 0 {
			return nil, fmt.Errorf("enginetest: no element matches %q", opts.Selector)
		}
		w, h = 2, 2
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Page) Cookies(ctx context.Context) ([]session.Cookie, error) {
	return p.e.Jar(), nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []session.Cookie) error {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	p.e.setCookiesLocked(cookies)
	return nil
}

func (p *Page) origin() string {
	u, err := url.Parse(p.url)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func (p *Page) StorageState(ctx context.Context) ([]session.Origin, error) {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	o, ok := p.e.storage[p.origin()]
	if !ok {
		return []session.Origin{}, nil
	}
	cp := session.Origin{Origin: o.Origin, LocalStorage: copyMap(o.LocalStorage), SessionStorage: copyMap(o.SessionStorage)}
	return []session.Origin{cp}, nil
}

func (p *Page) RestoreStorage(ctx context.Context, origins []session.Origin) error {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	cur := p.origin()
	for _, o := range origins {
		if o.Origin != cur {
			continue
		}
		p.e.storage[cur] = session.Origin{Origin: cur, LocalStorage: copyMap(o.LocalStorage), SessionStorage: copyMap(o.SessionStorage)}
	}
	return nil
}

func (p *Page) Close() error {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.e.closedPages++
	}
	return nil
}

// URL returns the page's current URL.
func (p *Page) URL() string { return p.url }

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
