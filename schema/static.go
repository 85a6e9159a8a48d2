package schema

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// ParseHTML parses a full HTML document for Apply.
func ParseHTML(r io.Reader) (*goquery.Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("schema: parse html: %w", err)
	}
	return goquery.NewDocumentFromNode(root), nil
}

// Apply runs the procedure on the host against parsed HTML, walking the
// same payload the in-page interpreter receives. Callbacks run their Host
// implementation; a callback without one fails the call. An empty
// rootSelector uses the document element.
func Apply(doc *goquery.Selection, rootSelector string, p *Procedure) ([]Record, error) {
	values, err := runStatic(doc, rootSelector, p.wire, p.host)
	if err != nil {
		return nil, err
	}
	return p.finish(values), nil
}

// RunPayload executes a transported payload on the host and returns the
// same JSON envelope InterpreterJS produces. fns maps placeholder ids to
// host implementations. In-memory engines use it to stand in for a page.
func RunPayload(doc *goquery.Selection, rootSelector string, payload json.RawMessage, fns map[string]HostFunc) []byte {
	var w wireNode
	if err := json.Unmarshal(payload, &w); err != nil {
		return envelopeError(&ScriptError{Message: "malformed payload: " + err.Error()})
	}
	values, err := runStatic(doc, rootSelector, &w, fns)
	if err != nil {
		return envelopeError(err)
	}
	out, err := json.Marshal(map[string]any{"records": values})
	if err != nil {
		return envelopeError(err)
	}
	return out
}

func envelopeError(err error) []byte {
	se, ok := err.(*ScriptError)
	if !ok {
		se = &ScriptError{Message: err.Error()}
	}
	out, _ := json.Marshal(map[string]any{"error": se})
	return out
}

func runStatic(doc *goquery.Selection, rootSelector string, w *wireNode, fns map[string]HostFunc) ([]any, error) {
	in := &staticInterp{fns: fns}

	var roots []*goquery.Selection
	if rootSelector == "" {
		top := doc.Find("html").First()
		if top.Length() == 0 {
			top = doc
		}
		roots = append(roots, top)
	} else {
		m, err := in.compile(rootSelector, "")
		if err != nil {
			return nil, err
		}
		doc.FindMatcher(m).Each(func(_ int, s *goquery.Selection) {
			roots = append(roots, s)
		})
	}

	values := make([]any, 0, len(roots))
	for _, r := range roots {
		v, err := in.run(r, w, "", rootSelector)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

type staticInterp struct {
	fns map[string]HostFunc
}

func (in *staticInterp) compile(sel, path string) (cascadia.Selector, error) {
	m, err := cascadia.Compile(sel)
	if err != nil {
		return nil, &ScriptError{Message: "invalid selector: " + err.Error(), Field: path, Selector: sel}
	}
	return m, nil
}

func (in *staticInterp) pick(el *goquery.Selection, sel, path string) (*goquery.Selection, error) {
	if sel == "" {
		return el, nil
	}
	m, err := in.compile(sel, path)
	if err != nil {
		return nil, err
	}
	found := el.FindMatcher(m).First()
	if found.Length() == 0 {
		return nil, nil
	}
	return found, nil
}

func orDefault(v, def any) any {
	if v == nil {
		return def
	}
	return v
}

func (in *staticInterp) run(el *goquery.Selection, w *wireNode, path, scope string) (any, error) {
	switch w.Kind {
	case kindText:
		t, err := in.pick(el, w.Selector, path)
		if err != nil || t == nil {
			return orDefault(nil, w.Default), err
		}
		s := t.Text()
		if w.Trim != nil && *w.Trim {
			s = strings.TrimSpace(s)
		}
		return s, nil

	case kindAttr:
		t, err := in.pick(el, w.Selector, path)
		if err != nil || t == nil {
			return orDefault(nil, w.Default), err
		}
		if v, ok := t.Attr(w.Name); ok {
			return v, nil
		}
		return orDefault(nil, w.Default), nil

	case kindHTML:
		t, err := in.pick(el, w.Selector, path)
		if err != nil || t == nil {
			return orDefault(nil, w.Default), err
		}
		s, err := t.Html()
		if err != nil {
			return orDefault(nil, w.Default), nil
		}
		return s, nil

	case kindExists:
		if w.Selector == "" {
			return true, nil
		}
		m, err := in.compile(w.Selector, path)
		if err != nil {
			return nil, err
		}
		return el.IsMatcher(m) || el.FindMatcher(m).Length() > 0, nil

	case kindCount:
		m, err := in.compile(w.Selector, path)
		if err != nil {
			return nil, err
		}
		return el.FindMatcher(m).Length(), nil

	case kindArray:
		m, err := in.compile(w.Selector, path)
		if err != nil {
			return nil, err
		}
		matches := el.FindMatcher(m)
		out := make([]any, 0, matches.Length())
		for i := range matches.Nodes {
			v, err := in.run(matches.Eq(i), w.Item, fmt.Sprintf("%s[%d]", path, i), w.Selector)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case kindObject:
		rec := NewRecord()
		for _, f := range w.Fields {
			v, err := in.run(el, f.Node, joinPath(path, f.Key), scope)
			if err != nil {
				return nil, err
			}
			rec.Set(f.Key, v)
		}
		return rec, nil

	case kindFn:
		fn := in.fns[w.ID]
		if fn == nil {
			return nil, &ScriptError{Message: "callback " + w.ID + " has no host implementation", Field: path, Selector: scope}
		}
		return callHost(fn, el, path, scope)

	default:
		return nil, &ScriptError{Message: "unknown field kind " + w.Kind, Field: path, Selector: w.Selector}
	}
}

func callHost(fn HostFunc, el *goquery.Selection, path, scope string) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, &ScriptError{Message: fmt.Sprintf("callback failed: %v", r), Field: path, Selector: scope}
		}
	}()
	v, err = fn(el)
	if err != nil {
		return nil, &ScriptError{Message: "callback failed: " + err.Error(), Field: path, Selector: scope}
	}
	return v, nil
}
