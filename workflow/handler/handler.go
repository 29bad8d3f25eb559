// Package handler implements the built-in node handlers and the open
// registry that maps node types to them.
package handler

import (
	"context"
	"sync"

	"github.com/flowmesh/flowd/common/logger"
	"github.com/flowmesh/flowd/common/models"
	"github.com/flowmesh/flowd/workflow/expr"
	"github.com/flowmesh/flowd/workflow/providers"
	"github.com/flowmesh/flowd/workflow/sandbox"
	"github.com/flowmesh/flowd/workflow/sessions"
)

// Func executes one node. The return value is either a data document, which
// the engine broadcasts to every non-null edge, or a []models.Result routing
// data per edge. A nil result propagates the input document.
type Func func(ctx context.Context, data models.Data, rc *Context) (any, error)

// Context carries the per-invocation state a handler needs.
type Context struct {
	ActionID string
	Workflow *models.Workflow
	Node     *models.Node
	Sessions *sessions.Manager
	Log      *logger.Logger
	Usage    *UsageLog

	Eval      *expr.Evaluator
	Functions *sandbox.FunctionEvaluator
	Scripts   *sandbox.ScriptEvaluator
	Providers map[string]providers.Provider
}

// AddUsage records a model usage entry tagged with this invocation's action id.
func (rc *Context) AddUsage(u models.ModelUsage) {
	u.RefID = rc.ActionID
	rc.Usage.Append(u)
}

// UsageLog accumulates model usage across one workflow run, in call order.
type UsageLog struct {
	entries []models.ModelUsage
}

// Append adds a usage entry.
func (u *UsageLog) Append(entry models.ModelUsage) {
	u.entries = append(u.entries, entry)
}

// Entries returns the accumulated usage.
func (u *UsageLog) Entries() []models.ModelUsage {
	return u.entries
}

// Registry maps node types to handlers. It is open: callers may register
// custom node types and the engine never special-cases type strings.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Func
}

// NewRegistry creates a registry pre-populated with the built-in handlers.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Func)}
	r.Register("tool", Tool)
	r.Register("resource", Resource)
	r.Register("prompt", Prompt)
	r.Register("switch", Switch)
	r.Register("loop", Loop)
	r.Register("function", Function)
	r.Register("script", Script)
	r.Register("transform", TransformData)
	r.Register("pick", Pick)
	r.Register("anthropic", ModelCall)
	r.Register("openai", ModelCall)
	r.Register("cloudflare", ModelCall)
	return r
}

// Register installs or replaces the handler for a node type.
func (r *Registry) Register(nodeType string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = fn
}

// Lookup returns the handler for a node type.
func (r *Registry) Lookup(nodeType string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[nodeType]
	return fn, ok
}
