package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/domharvest/internal/idgen"
)

// Mode tells how a procedure is transported into the page.
type Mode int

const (
	// Pure procedures are plain data walked by the generic interpreter.
	Pure Mode = iota
	// Mixed procedures also carry callbacks, registered in the page before
	// the walk.
	Mixed
)

func (m Mode) String() string {
	if m == Mixed {
		return "mixed"
	}
	return "pure"
}

// Wire kinds understood by the interpreters.
const (
	kindText   = "text"
	kindAttr   = "attr"
	kindHTML   = "html"
	kindExists = "exists"
	kindCount  = "count"
	kindArray  = "array"
	kindObject = "object"
	kindFn     = "fn"
)

// wireNode is the transported form of a Node. Field order is fixed so the
// marshalled payload is deterministic.
type wireNode struct {
	Kind     string      `json:"k"`
	Selector string      `json:"sel,omitempty"`
	Trim     *bool       `json:"trim,omitempty"`
	Name     string      `json:"name,omitempty"`
	Default  any         `json:"def,omitempty"`
	Item     *wireNode   `json:"item,omitempty"`
	Fields   []wireField `json:"fields,omitempty"`
	ID       string      `json:"id,omitempty"`
}

type wireField struct {
	Key  string    `json:"key"`
	Node *wireNode `json:"node"`
}

// Binding ties a placeholder identifier to a callback's source.
type Binding struct {
	ID   string
	Name string
	JS   string
}

// Procedure is the compiled, executable form of a schema.
type Procedure struct {
	root     Node
	wire     *wireNode
	payload  json.RawMessage
	bindings []Binding
	host     map[string]HostFunc
}

// Option configures Compile.
type Option func(*compiler)

// WithPlaceholders sets the generator used for callback placeholder ids.
// Default: "cb_" followed by a 12-character NanoID.
func WithPlaceholders(gen idgen.Generator) Option {
	return func(c *compiler) { c.newID = gen }
}

type compiler struct {
	newID    idgen.Generator
	bindings []Binding
	host     map[string]HostFunc
}

// Compile validates the tree rooted at n and lowers it into a Procedure.
// The root must be a Schema or a Callback.
func Compile(n Node, opts ...Option) (*Procedure, error) {
	c := &compiler{
		newID: idgen.Prefixed("cb_", idgen.NanoID(12)),
		host:  make(map[string]HostFunc),
	}
	for _, o := range opts {
		o(c)
	}

	switch n.(type) {
	case Schema, Callback:
	case nil:
		return nil, fmt.Errorf("schema: nil root")
	default:
		return nil, fmt.Errorf("schema: root must be a schema or a callback, got %T", n)
	}

	w, err := c.lower(n, "")
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal payload: %w", err)
	}
	return &Procedure{
		root:     n,
		wire:     w,
		payload:  payload,
		bindings: c.bindings,
		host:     c.host,
	}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(n Node, opts ...Option) *Procedure {
	p, err := Compile(n, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

func (c *compiler) lower(n Node, path string) (*wireNode, error) {
	switch v := n.(type) {
	case Text:
		trim := !v.NoTrim
		return &wireNode{Kind: kindText, Selector: v.Selector, Trim: &trim, Default: v.Default}, nil

	case Attr:
		if v.Name == "" {
			return nil, fieldErr(path, "attr field needs an attribute name")
		}
		return &wireNode{Kind: kindAttr, Selector: v.Selector, Name: v.Name, Default: v.Default}, nil

	case HTML:
		switch v.Format {
		case FormatRaw, FormatMarkdown, FormatSanitized:
		default:
			return nil, fieldErr(path, fmt.Sprintf("unknown html format %q", v.Format))
		}
		return &wireNode{Kind: kindHTML, Selector: v.Selector, Default: v.Default}, nil

	case Exists:
		return &wireNode{Kind: kindExists, Selector: v.Selector}, nil

	case Count:
		if v.Selector == "" {
			return nil, fieldErr(path, "count field needs a selector")
		}
		return &wireNode{Kind: kindCount, Selector: v.Selector}, nil

	case Array:
		if v.Selector == "" {
			return nil, fieldErr(path, "array field needs a selector")
		}
		if v.Item == nil {
			return nil, fieldErr(path, "array field needs an item extractor")
		}
		item, err := c.lower(v.Item, path+"[]")
		if err != nil {
			return nil, err
		}
		return &wireNode{Kind: kindArray, Selector: v.Selector, Item: item}, nil

	case Schema:
		w := &wireNode{Kind: kindObject, Fields: make([]wireField, 0, len(v))}
		seen := make(map[string]bool, len(v))
		for _, e := range v {
			if e.Key == "" {
				return nil, fieldErr(path, "empty field name")
			}
			if seen[e.Key] {
				return nil, fieldErr(path, fmt.Sprintf("duplicate field %q", e.Key))
			}
			seen[e.Key] = true
			child, err := c.lower(e.Node, joinPath(path, e.Key))
			if err != nil {
				return nil, err
			}
			w.Fields = append(w.Fields, wireField{Key: e.Key, Node: child})
		}
		return w, nil

	case Callback:
		if strings.TrimSpace(v.JS) == "" && v.Host == nil {
			return nil, fieldErr(path, "callback has neither JS source nor host implementation")
		}
		id := c.newID()
		c.bindings = append(c.bindings, Binding{ID: id, Name: v.Name, JS: v.JS})
		if v.Host != nil {
			c.host[id] = v.Host
		}
		return &wireNode{Kind: kindFn, ID: id}, nil

	case nil:
		return nil, fieldErr(path, "nil field")

	default:
		return nil, fieldErr(path, fmt.Sprintf("unsupported node %T", n))
	}
}

func fieldErr(path, msg string) error {
	if path == "" {
		return fmt.Errorf("schema: %s", msg)
	}
	return fmt.Errorf("schema: field %s: %s", path, msg)
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// Mode reports whether the procedure carries callbacks.
func (p *Procedure) Mode() Mode {
	if len(p.bindings) > 0 {
		return Mixed
	}
	return Pure
}

// Payload returns the JSON data value transported to the page.
func (p *Procedure) Payload() json.RawMessage {
	return p.payload
}

// Bindings returns the placeholder table of a mixed procedure, in the order
// callbacks appear in the schema.
func (p *Procedure) Bindings() []Binding {
	return p.bindings
}

// Root returns the schema the procedure was compiled from.
func (p *Procedure) Root() Node {
	return p.root
}

// RegistrationJS returns the function that registers the callback table in
// the page, or "" for pure procedures. It must be evaluated in the same
// document before InterpreterJS runs.
func (p *Procedure) RegistrationJS() string {
	var b strings.Builder
	for _, bnd := range p.bindings {
		if strings.TrimSpace(bnd.JS) == "" {
			continue
		}
		key, _ := json.Marshal(bnd.ID)
		fmt.Fprintf(&b, "\tt[%s] = (%s);\n", key, bnd.JS)
	}
	if b.Len() == 0 {
		return ""
	}
	return "() => {\n\tconst t = (globalThis." + fnTable + " = globalThis." + fnTable + " || {});\n" +
		b.String() + "\treturn Object.keys(t).length;\n}"
}
