package schema

import (
	_ "embed"
	"fmt"
)

// fnTable is the global in the page holding registered callbacks.
const fnTable = "__domharvestFns"

// InterpreterJS is the generic in-page interpreter. It is called with the
// root selector and a procedure payload, walks every matched root and
// returns a JSON string envelope: {"records":[...]} or
// {"error":{"message","field","selector"}}.
//
//go:embed interpreter.js
var InterpreterJS string

// ScriptError is a failure raised while a procedure ran, in the page or on
// the host. The whole extraction call fails with it.
type ScriptError struct {
	Message  string `json:"message"`
	Field    string `json:"field"`
	Selector string `json:"selector"`
}

func (e *ScriptError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("field %s: %s", e.Field, e.Message)
}
