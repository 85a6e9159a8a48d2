package browser

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/domharvest/engine"
	"github.com/hazyhaar/domharvest/schema"
)

const catalogue = `<html><body><ul>` +
	`<li class="item" data-sku="A1"><h2>  Alpha </h2><a href="/a">more</a><span class="tag">x</span><span class="tag">y</span><p><b>new</b></p></li>` +
	`<li class="item" data-sku="B2"><h2>Beta</h2><span class="tag">z</span></li>` +
	`</ul></body></html>`

// chromePage opens a page on a local Chrome, skipping the test when none
// is installed.
func chromePage(t *testing.T) engine.Page {
	t.Helper()
	if testing.Short() {
		t.Skip("needs Chrome")
	}
	if _, ok := launcher.LookPath(); !ok {
		t.Skip("no local Chrome")
	}
	m := New(Config{
		Headless:       true,
		DefaultTimeout: 20 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { m.Close() })
	p, err := m.NewPage(context.Background(), engine.PageOptions{})
	if err != nil {
		t.Skipf("chrome unusable: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// The in-page interpreter and the host interpreter must agree on the same
// document.
func TestInterpreterJS_MatchesApply(t *testing.T) {
	p := chromePage(t)
	ctx := context.Background()

	skuHost := func(el *goquery.Selection) (any, error) {
		v, _ := el.Attr("data-sku")
		return strings.ToLower(v), nil
	}
	s := schema.Schema{
		schema.Field("title", schema.Text{Selector: "h2"}),
		schema.Field("raw", schema.Text{Selector: "h2", NoTrim: true}),
		schema.Field("href", schema.Attr{Selector: "a", Name: "href", Default: "none"}),
		schema.Field("note", schema.HTML{Selector: "p", Default: ""}),
		schema.Field("linked", schema.Exists{Selector: "a"}),
		schema.Field("ntags", schema.Count{Selector: ".tag"}),
		schema.Field("tags", schema.Array{Selector: ".tag", Item: schema.Text{}}),
		schema.Field("meta", schema.Schema{
			schema.Field("first", schema.Text{Selector: ".tag"}),
		}),
		schema.Field("sku", schema.Callback{JS: "el => el.dataset.sku.toLowerCase()", Host: skuHost}),
	}
	proc, err := schema.Compile(s)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Navigate(ctx, "data:text/html,"+url.PathEscape(catalogue), engine.NavigateOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Evaluate(ctx, proc.RegistrationJS()); err != nil {
		t.Fatal(err)
	}
	raw, err := p.Evaluate(ctx, schema.InterpreterJS, ".item", proc.Payload())
	if err != nil {
		t.Fatal(err)
	}
	var envelope string
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("envelope %s: %v", raw, err)
	}
	inPage, err := proc.Decode([]byte(envelope))
	if err != nil {
		t.Fatal(err)
	}

	doc, err := schema.ParseHTML(strings.NewReader(catalogue))
	if err != nil {
		t.Fatal(err)
	}
	host, err := schema.Apply(doc.Selection, ".item", proc)
	if err != nil {
		t.Fatal(err)
	}

	got, _ := json.Marshal(inPage)
	want, _ := json.Marshal(host)
	if diff := cmp.Diff(string(want), string(got)); diff != "" {
		t.Errorf("in-page vs host (-host +page):\n%s", diff)
	}
}
