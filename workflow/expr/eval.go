// Package expr evaluates workflow expressions against the data document.
//
// Expressions are CEL with two conveniences carried over from the workflow
// JSON dialect: top-level data fields resolve as bare identifiers, and
// helper functions may be written with a leading $ (e.g. $parse(x),
// $string(a*2)), which is stripped before compilation.
package expr

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/flowmesh/flowd/common/models"
)

var dollarFn = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// Evaluator evaluates expressions with a compiled-program cache.
type Evaluator struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates an evaluator with the workflow helper functions
// registered.
func NewEvaluator() (*Evaluator, error) {
	// JSON numbers arrive as doubles; comparisons against int literals must
	// still work.
	opts := append([]cel.EnvOption{cel.CrossTypeNumericComparisons(true)}, helperFunctions()...)
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Eval evaluates an expression against the data document and returns a
// JSON-shaped native value.
func (e *Evaluator) Eval(expression string, data models.Data) (any, error) {
	normalized := normalize(expression)

	e.mu.RLock()
	prg, exists := e.cache[normalized]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(normalized)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	activation := make(map[string]any, len(data))
	for k, v := range data {
		activation[k] = v
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, fmt.Errorf("expression evaluation error: %w", err)
	}
	return nativeValue(out)
}

// EvalList evaluates an expression that must yield a list.
func (e *Evaluator) EvalList(expression string, data models.Data) ([]any, error) {
	v, err := e.Eval(expression, data)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expression %q did not return a list, got %T", expression, v)
	}
	return list, nil
}

func (e *Evaluator) compile(expression string) (cel.Program, error) {
	// Parse without type-checking so data fields need no declarations;
	// names resolve against the activation at evaluation time.
	ast, issues := e.env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression parse error: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// ClearCache clears the compiled expression cache.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// normalize strips the legacy $ prefix from helper calls and the $. data
// prefix from paths.
func normalize(expression string) string {
	expression = strings.ReplaceAll(expression, "$.", "")
	return dollarFn.ReplaceAllString(expression, "$1")
}
