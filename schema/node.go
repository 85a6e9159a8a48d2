// Package schema turns declarative extraction schemas into procedures that
// run inside a page's document context.
//
// A schema is a tree of field descriptors (Text, Attr, HTML, Exists, Count,
// Array), nested schemas and callbacks. Compile lowers the tree into a plain
// data payload walked by one fixed interpreter (InterpreterJS) inside the
// page; callbacks travel as placeholders bound to a table of JS functions
// registered in the page beforehand. The same payload can be executed on the
// host against parsed HTML with Apply.
//
// Selectors are always relative to the current element: the root element
// for top-level fields, the matched item inside an Array. An empty selector
// means the current element itself.
package schema

import (
	"github.com/PuerkitoBio/goquery"
)

// Node is one element of a schema tree. The set of implementations is
// closed: Text, Attr, HTML, Exists, Count, Array, Schema and Callback.
type Node interface {
	node()
}

// Text extracts the text content of the resolved element, trimmed unless
// NoTrim is set. Default is returned when the element is absent.
type Text struct {
	Selector string
	NoTrim   bool
	Default  any
}

// Attr extracts the named attribute of the resolved element.
type Attr struct {
	Selector string
	Name     string
	Default  any
}

// Format selects the host-side rendering of an HTML field.
type Format string

const (
	FormatRaw       Format = ""          // inner markup as serialised by the page
	FormatMarkdown  Format = "markdown"  // converted to markdown
	FormatSanitized Format = "sanitized" // unsafe markup stripped
)

// HTML extracts the inner markup of the resolved element.
type HTML struct {
	Selector string
	Format   Format
	Default  any
}

// Exists reports whether the current element matches Selector or has a
// matching descendant. An empty selector is always true.
type Exists struct {
	Selector string
}

// Count returns the number of descendants matching Selector.
type Count struct {
	Selector string
}

// Array applies Item to every descendant matching Selector, in document
// order.
type Array struct {
	Selector string
	Item     Node
}

// Entry is one named field of a Schema.
type Entry struct {
	Key  string
	Node Node
}

// Schema is an ordered set of named fields. Output records keep the entry
// order.
type Schema []Entry

// HostFunc is the host-side implementation of a callback, used when a
// procedure runs against parsed HTML instead of a live page.
type HostFunc func(el *goquery.Selection) (any, error)

// Callback is an escape hatch for logic the declarative model cannot
// express. JS is the source of a JavaScript function taking the current
// element, e.g. `el => el.dataset.price`. It must be self-contained: it is
// shipped as source text and cannot reference host state. Host optionally
// provides the equivalent Go logic for Apply.
type Callback struct {
	Name string
	JS   string
	Host HostFunc
}

func (Text) node()     {}
func (Attr) node()     {}
func (HTML) node()     {}
func (Exists) node()   {}
func (Count) node()    {}
func (Array) node()    {}
func (Schema) node()   {}
func (Callback) node() {}

// Field is shorthand for building schema entries.
func Field(key string, n Node) Entry {
	return Entry{Key: key, Node: n}
}

// Keys returns the field names in order.
func (s Schema) Keys() []string {
	keys := make([]string, len(s))
	for i, e := range s {
		keys[i] = e.Key
	}
	return keys
}

// HostFuncsBySource collects the Host implementation of every callback in
// the tree, keyed by JS source. Test engines use it to execute callbacks
// they only receive as source text.
func HostFuncsBySource(n Node) map[string]HostFunc {
	out := make(map[string]HostFunc)
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case Schema:
			for _, e := range v {
				walk(e.Node)
			}
		case Array:
			walk(v.Item)
		case Callback:
			if v.Host != nil && v.JS != "" {
				out[v.JS] = v.Host
			}
		}
	}
	walk(n)
	return out
}
