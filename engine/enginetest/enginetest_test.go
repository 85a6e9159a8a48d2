package enginetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/domharvest/domerr"
	"github.com/hazyhaar/domharvest/engine"
	"github.com/hazyhaar/domharvest/schema"
	"github.com/hazyhaar/domharvest/session"
)

const page = `<html><body><div class="item" data-id="1"><b>one</b></div><div class="item" data-id="2"><b>two</b></div></body></html>`

func open(t *testing.T, e *Engine) engine.Page {
	t.Helper()
	p, err := e.NewPage(context.Background(), engine.PageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestInterpreterRoundTrip(t *testing.T) {
	e := New()
	e.AddPage("https://t.test/", page)
	idHost := func(el *goquery.Selection) (any, error) { v, _ := el.Attr("data-id"); return v, nil }
	s := schema.Schema{
		schema.Field("label", schema.Text{Selector: "b"}),
		schema.Field("id", schema.Callback{JS: "el => el.dataset.id", Host: idHost}),
	}
	e.HostFuncs = schema.HostFuncsBySource(s)
	proc := schema.MustCompile(s)

	p := open(t, e)
	ctx := context.Background()
	if err := p.Navigate(ctx, "https://t.test/", engine.NavigateOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Evaluate(ctx, proc.RegistrationJS()); err != nil {
		t.Fatal(err)
	}
	raw, err := p.Evaluate(ctx, schema.InterpreterJS, ".item", proc.Payload())
	if err != nil {
		t.Fatal(err)
	}
	var env string
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("interpreter must return a JSON string: %v", err)
	}
	recs, err := proc.Decode([]byte(env))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if id, _ := recs[1].Get("id"); id != "2" {
		t.Errorf("id = %v", id)
	}
}

func TestNavigateFailures(t *testing.T) {
	e := New()
	e.AddPage("https://t.test/", page)
	e.NavFailures["https://t.test/"] = 1
	p := open(t, e)
	ctx := context.Background()

	err := p.Navigate(ctx, "https://t.test/", engine.NavigateOptions{})
	if !domerr.Is(err, domerr.NavigationFailure) {
		t.Fatalf("first navigation: %v", err)
	}
	if err := p.Navigate(ctx, "https://t.test/", engine.NavigateOptions{}); err != nil {
		t.Fatalf("second navigation: %v", err)
	}
	if !domerr.Is(p.Navigate(ctx, "https://missing.test/", engine.NavigateOptions{}), domerr.NavigationFailure) {
		t.Fatal("unknown page should fail navigation")
	}
	if e.Navigations("https://t.test/") != 2 {
		t.Fatalf("navigations = %d", e.Navigations("https://t.test/"))
	}
}

func TestWaitForMatch(t *testing.T) {
	e := New()
	e.AddPage("https://t.test/", page)
	p := open(t, e)
	ctx := context.Background()
	p.Navigate(ctx, "https://t.test/", engine.NavigateOptions{})

	if err := p.WaitForMatch(ctx, ".item", engine.WaitOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := p.WaitForMatch(ctx, ".nope", engine.WaitOptions{State: engine.StateDetached}); err != nil {
		t.Fatal(err)
	}
	err := p.WaitForMatch(ctx, ".nope", engine.WaitOptions{State: engine.StateAttached})
	var de *domerr.Error
	if !errors.As(err, &de) || de.Kind != domerr.MatchTimeout {
		t.Fatalf("err = %v", err)
	}
	if de.Selector != ".nope" {
		t.Errorf("selector = %q", de.Selector)
	}
}

func TestCookiesAndStorage(t *testing.T) {
	e := New()
	e.AddPage("https://t.test/a", page)
	ctx := context.Background()
	p, err := e.NewPage(ctx, engine.PageOptions{Cookies: []session.Cookie{{Name: "seed", Value: "1", Domain: "t.test"}}})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	p.Navigate(ctx, "https://t.test/a", engine.NavigateOptions{})

	p.SetCookies(ctx, []session.Cookie{{Name: "seed", Value: "2", Domain: "t.test"}, {Name: "other", Value: "x", Domain: "t.test"}})
	cookies, _ := p.Cookies(ctx)
	if len(cookies) != 2 || cookies[0].Value != "2" {
		t.Fatalf("cookies = %+v", cookies)
	}

	if err := p.RestoreStorage(ctx, []session.Origin{
		{Origin: "https://t.test", LocalStorage: map[string]string{"k": "v"}},
		{Origin: "https://elsewhere.test", LocalStorage: map[string]string{"no": "no"}},
	}); err != nil {
		t.Fatal(err)
	}
	st, _ := p.StorageState(ctx)
	if len(st) != 1 || st[0].LocalStorage["k"] != "v" {
		t.Fatalf("storage = %+v", st)
	}

	if e.OpenPages() != 1 {
		t.Fatalf("open pages = %d", e.OpenPages())
	}
	p.Close()
	if e.OpenPages() != 0 {
		t.Fatalf("open pages after close = %d", e.OpenPages())
	}
}

func TestScriptsAndCapture(t *testing.T) {
	e := New()
	e.AddPage("https://t.test/", page)
	e.Scripts["document.title"] = func(*goquery.Selection, []any) (any, error) { return "short", nil }
	e.Scripts["() => document.title.length"] = func(*goquery.Selection, []any) (any, error) { return 7, nil }
	p := open(t, e)
	ctx := context.Background()
	p.Navigate(ctx, "https://t.test/", engine.NavigateOptions{})

	raw, err := p.Evaluate(ctx, "() => document.title.length")
	if err != nil || string(raw) != "7" {
		t.Fatalf("longest fragment wins: %s %v", raw, err)
	}
	if _, err := p.Evaluate(ctx, "() => 1"); err == nil {
		t.Fatal("unregistered script should fail")
	}

	img, err := p.CaptureImage(ctx, engine.CaptureOptions{})
	if err != nil || len(img) < 8 || string(img[1:4]) != "PNG" {
		t.Fatalf("capture: %v", err)
	}
	if _, err := p.CaptureImage(ctx, engine.CaptureOptions{Selector: ".absent"}); err == nil {
		t.Fatal("expected missing element error")
	}
}
