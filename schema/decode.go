package schema

import (
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/domharvest/internal/htmlconv"
)

// Decode turns the interpreter's JSON envelope into records. A reported
// script failure is returned as a *ScriptError.
func (p *Procedure) Decode(envelope []byte) ([]Record, error) {
	var env struct {
		Records json.RawMessage `json:"records"`
		Error   *ScriptError    `json:"error"`
	}
	if err := json.Unmarshal(envelope, &env); err != nil {
		return nil, fmt.Errorf("schema: decode envelope: %w", err)
	}
	if env.Error != nil {
		return nil, env.Error
	}
	if len(env.Records) == 0 {
		return nil, fmt.Errorf("schema: envelope has neither records nor error")
	}
	v, err := DecodeOrdered(env.Records)
	if err != nil {
		return nil, fmt.Errorf("schema: decode records: %w", err)
	}
	values, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("schema: records must be an array")
	}
	return p.finish(values), nil
}

// finish applies host-side formats and turns every root value into a
// Record. A callback root returning a non-object value yields a record with
// a single "value" key.
func (p *Procedure) finish(values []any) []Record {
	out := make([]Record, 0, len(values))
	for _, v := range values {
		v = format(p.root, v)
		rec, ok := v.(Record)
		if !ok {
			rec = NewRecord()
			rec.Set("value", v)
		}
		out = append(out, rec)
	}
	return out
}

// format walks a value alongside the node that produced it and renders
// HTML fields in their requested format.
func format(n Node, v any) any {
	switch node := n.(type) {
	case HTML:
		s, ok := v.(string)
		if !ok {
			return v
		}
		switch node.Format {
		case FormatMarkdown:
			return htmlconv.Markdown(s)
		case FormatSanitized:
			return htmlconv.Sanitize(s)
		}
		return s
	case Array:
		items, ok := v.([]any)
		if !ok {
			return v
		}
		for i := range items {
			items[i] = format(node.Item, items[i])
		}
		return items
	case Schema:
		rec, ok := v.(Record)
		if !ok {
			return v
		}
		for _, e := range node {
			if fv, ok := rec.Get(e.Key); ok {
				rec.Set(e.Key, format(e.Node, fv))
			}
		}
		return rec
	default:
		return v
	}
}
