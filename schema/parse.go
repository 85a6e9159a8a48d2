package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parse reads a schema document written in YAML or JSON. Key order is
// preserved. A mapping is a field descriptor when its "kind" value names a
// field kind, or when it holds only descriptor keys (so a misspelt kind is
// reported); any other mapping is a nested schema. A bare string is
// shorthand for a text field with that selector.
//
// An output field literally named "kind" works in a nested schema alongside
// non-descriptor keys, or spelled as an explicit descriptor:
//
//	kind: {kind: text, selector: .category}
//
//	title: h1
//	price: {kind: attr, selector: .price, name: data-amount, default: 0}
//	tags:
//	  kind: array
//	  selector: .tag
//	  item: {kind: text}
//	body: {kind: html, selector: article, format: markdown}
//	sku: {kind: callback, js: "el => el.dataset.sku"}
func Parse(data []byte) (Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("schema: empty document")
	}
	n, err := parseNode(doc.Content[0], "")
	if err != nil {
		return nil, err
	}
	switch n.(type) {
	case Schema, Callback:
		return n, nil
	default:
		return nil, fmt.Errorf("schema: document root must be a schema or a callback")
	}
}

func parseNode(y *yaml.Node, path string) (Node, error) {
	switch y.Kind {
	case yaml.ScalarNode:
		var sel string
		if err := y.Decode(&sel); err != nil {
			return nil, fieldErr(path, err.Error())
		}
		return Text{Selector: sel}, nil
	case yaml.MappingNode:
		if isDescriptor(y) {
			return parseField(y, path)
		}
		s := make(Schema, 0, len(y.Content)/2)
		for i := 0; i+1 < len(y.Content); i += 2 {
			key := y.Content[i].Value
			child, err := parseNode(y.Content[i+1], joinPath(path, key))
			if err != nil {
				return nil, err
			}
			s = append(s, Entry{Key: key, Node: child})
		}
		return s, nil
	case yaml.AliasNode:
		return parseNode(y.Alias, path)
	default:
		return nil, fieldErr(path, fmt.Sprintf("line %d: expected a mapping or a selector string", y.Line))
	}
}

// fieldSpec mirrors the descriptor keys of a schema document.
type fieldSpec struct {
	Kind     string `yaml:"kind"`
	Selector string `yaml:"selector"`
	Trim     *bool  `yaml:"trim"`
	Name     string `yaml:"name"`
	Format   string `yaml:"format"`
	JS       string `yaml:"js"`
}

func parseField(y *yaml.Node, path string) (Node, error) {
	var fs fieldSpec
	if err := y.Decode(&fs); err != nil {
		return nil, fieldErr(path, err.Error())
	}
	var def any
	if dn := lookup(y, "default"); dn != nil {
		if err := dn.Decode(&def); err != nil {
			return nil, fieldErr(path, "default: "+err.Error())
		}
	}

	switch fs.Kind {
	case "text":
		return Text{Selector: fs.Selector, NoTrim: fs.Trim != nil && !*fs.Trim, Default: def}, nil
	case "attr":
		return Attr{Selector: fs.Selector, Name: fs.Name, Default: def}, nil
	case "html":
		return HTML{Selector: fs.Selector, Format: Format(fs.Format), Default: def}, nil
	case "exists":
		return Exists{Selector: fs.Selector}, nil
	case "count":
		return Count{Selector: fs.Selector}, nil
	case "array":
		in := lookup(y, "item")
		if in == nil {
			return nil, fieldErr(path, "array field needs an item")
		}
		item, err := parseNode(in, path+"[]")
		if err != nil {
			return nil, err
		}
		return Array{Selector: fs.Selector, Item: item}, nil
	case "callback":
		return Callback{Name: fs.Name, JS: fs.JS}, nil
	default:
		return nil, fieldErr(path, fmt.Sprintf("line %d: unknown kind %q", y.Line, fs.Kind))
	}
}

var (
	fieldKinds = map[string]bool{
		"text": true, "attr": true, "html": true, "exists": true,
		"count": true, "array": true, "callback": true,
	}
	descriptorKeys = map[string]bool{
		"kind": true, "selector": true, "trim": true, "name": true,
		"format": true, "js": true, "default": true, "item": true,
	}
)

func isDescriptor(m *yaml.Node) bool {
	k := lookup(m, "kind")
	if k == nil || k.Kind != yaml.ScalarNode {
		return false
	}
	if fieldKinds[k.Value] {
		return true
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if !descriptorKeys[m.Content[i].Value] {
			return false
		}
	}
	return true
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
