package sandbox

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowmesh/flowd/common/models"
)

// ScriptEvaluator runs script-node bodies. Scripts are single expressions in
// a JS-flavored language evaluated against the data document; the result has
// the same shape contract as function nodes.
type ScriptEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewScriptEvaluator creates a script evaluator with a compiled-program cache.
func NewScriptEvaluator() *ScriptEvaluator {
	return &ScriptEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Run evaluates the script with the data document as its environment. A nil
// result means the script produced nothing and the input propagates.
func (e *ScriptEvaluator) Run(script string, data models.Data) (any, error) {
	if len(script) > maxSourceBytes {
		return nil, fmt.Errorf("script exceeds %d bytes", maxSourceBytes)
	}

	e.mu.RLock()
	prg, exists := e.cache[script]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = expr.Compile(script, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("script compile error: %w", err)
		}

		e.mu.Lock()
		e.cache[script] = prg
		e.mu.Unlock()
	}

	out, err := expr.Run(prg, map[string]any(data))
	if err != nil {
		return nil, fmt.Errorf("script evaluation error: %w", err)
	}
	if out == nil {
		return nil, nil
	}
	return normalizeJSON(out)
}

// normalizeJSON coerces evaluator output into JSON-shaped values so script
// and function results are interchangeable.
func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("script result is not JSON-shaped: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
