// Package sandbox provides the bounded evaluators behind function and
// script nodes. Neither evaluator exposes the module system, filesystem or
// any host state; both enforce a source-size budget.
package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkjson"
	"go.starlark.net/syntax"

	"github.com/flowmesh/flowd/common/models"
)

const (
	// maxSourceBytes bounds function and script bodies.
	maxSourceBytes = 64 * 1024
	// maxSteps bounds Starlark execution.
	maxSteps = 100000
)

// FunctionEvaluator runs function-node bodies in a Starlark sandbox. The
// body is the source of a function taking the data document; its return
// value is either a replacement document or a per-edge list.
type FunctionEvaluator struct {
	maxSteps uint64
}

// NewFunctionEvaluator creates a Starlark function evaluator.
func NewFunctionEvaluator() *FunctionEvaluator {
	return &FunctionEvaluator{maxSteps: maxSteps}
}

// Run executes the function body with data bound to the current document and
// returns its result as a JSON-shaped value (nil when the body returns None).
func (e *FunctionEvaluator) Run(body string, data models.Data) (any, error) {
	if len(body) > maxSourceBytes {
		return nil, fmt.Errorf("function body exceeds %d bytes", maxSourceBytes)
	}

	thread := &starlark.Thread{Name: "function"}
	thread.SetMaxExecutionSteps(e.maxSteps)

	dataVal, err := decodeJSON(thread, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode data for starlark: %w", err)
	}

	predeclared := starlark.StringDict{
		"json": starlarkjson.Module,
		"data": dataVal,
	}

	src := wrapFunctionBody(body)
	fileOpts := &syntax.FileOptions{}

	globals, err := starlark.ExecFileOptions(fileOpts, thread, "function", src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("function evaluation error: %w", err)
	}

	result, ok := globals["__result__"]
	if !ok || result == starlark.None {
		return nil, nil
	}
	return encodeJSON(thread, result)
}

// wrapFunctionBody turns a bare function body into an executable chunk.
func wrapFunctionBody(body string) string {
	var b strings.Builder
	b.WriteString("def __handler__(data):\n")
	for _, line := range strings.Split(body, "\n") {
		b.WriteString("    ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("__result__ = __handler__(data)\n")
	return b.String()
}

// decodeJSON converts a Go value into a Starlark value via the JSON module.
func decodeJSON(thread *starlark.Thread, v any) (starlark.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	decode := starlarkjson.Module.Members["decode"].(*starlark.Builtin)
	return starlark.Call(thread, decode, starlark.Tuple{starlark.String(b)}, nil)
}

// encodeJSON converts a Starlark value back into a JSON-shaped Go value.
func encodeJSON(thread *starlark.Thread, v starlark.Value) (any, error) {
	encode := starlarkjson.Module.Members["encode"].(*starlark.Builtin)
	encoded, err := starlark.Call(thread, encode, starlark.Tuple{v}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encode starlark result: %w", err)
	}
	s, ok := starlark.AsString(encoded)
	if !ok {
		return nil, fmt.Errorf("unexpected encode result %s", encoded.Type())
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
