// Package workflow runs declarative workflows: it resolves a workflow by id
// or name, validates the input event, and walks the node graph emitting a
// trace event stream.
package workflow

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/flowmesh/flowd/client"
	"github.com/flowmesh/flowd/common/logger"
	"github.com/flowmesh/flowd/common/models"
	"github.com/flowmesh/flowd/workflow/expr"
	"github.com/flowmesh/flowd/workflow/handler"
	"github.com/flowmesh/flowd/workflow/providers"
	"github.com/flowmesh/flowd/workflow/sandbox"
	"github.com/flowmesh/flowd/workflow/sessions"
)

// maxTracebackFrames bounds the stack captured into node-error events.
const maxTracebackFrames = 64

// ErrWorkflowNotFound is returned by Run before any trace event is produced.
var ErrWorkflowNotFound = fmt.Errorf("workflow not found")

// Options configures an Engine.
type Options struct {
	Workflows []*models.Workflow
	Client    *client.Client
	Logger    *logger.Logger
	Providers map[string]providers.Provider
	// Registry overrides the built-in handler table.
	Registry *handler.Registry
}

// Engine executes workflows.
type Engine struct {
	workflows []*models.Workflow
	client    *client.Client
	log       *logger.Logger
	registry  *handler.Registry
	providers map[string]providers.Provider

	eval      *expr.Evaluator
	functions *sandbox.FunctionEvaluator
	scripts   *sandbox.ScriptEvaluator
}

// New creates an engine over a fixed set of workflows.
func New(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	registry := opts.Registry
	if registry == nil {
		registry = handler.NewRegistry()
	}
	eval, err := expr.NewEvaluator()
	if err != nil {
		return nil, err
	}
	for _, wf := range opts.Workflows {
		if err := wf.Validate(); err != nil {
			return nil, err
		}
	}
	return &Engine{
		workflows: opts.Workflows,
		client:    opts.Client,
		log:       log,
		registry:  registry,
		providers: opts.Providers,
		eval:      eval,
		functions: sandbox.NewFunctionEvaluator(),
		scripts:   sandbox.NewScriptEvaluator(),
	}, nil
}

// Registry exposes the handler table for custom node types.
func (e *Engine) Registry() *handler.Registry { return e.registry }

// Workflows returns the engine's workflow set.
func (e *Engine) Workflows() []*models.Workflow { return e.workflows }

// Find resolves a workflow by id first, then by name.
func (e *Engine) Find(nameOrID string) *models.Workflow {
	for _, wf := range e.workflows {
		if wf.ID == nameOrID {
			return wf
		}
	}
	for _, wf := range e.workflows {
		if wf.Name == nameOrID {
			return wf
		}
	}
	return nil
}

// Run starts a workflow and returns its trace event stream. The channel is
// closed after exactly one terminal event (workflow-end or workflow-failed).
// An unknown workflow is an error with no stream.
func (e *Engine) Run(ctx context.Context, nameOrID string, data models.Data) (<-chan models.TraceEvent, error) {
	wf := e.Find(nameOrID)
	if wf == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, nameOrID)
	}

	ch := make(chan models.TraceEvent)
	go func() {
		defer close(ch)
		e.run(ctx, wf, data, ch)
	}()
	return ch, nil
}

type runState struct {
	wf    *models.Workflow
	ref   *models.WorkflowRef
	nodes map[string]*models.Node
	clock *models.Clock
	usage *handler.UsageLog
	mgr   *sessions.Manager
	ch    chan<- models.TraceEvent
	ctx   context.Context
}

// emit stamps and sends one trace event. Data payloads are snapshotted so
// handlers mutating the live document cannot rewrite events already sent.
func (s *runState) emit(event models.TraceEvent) {
	event.Timestamp = s.clock.Now()
	event.Workflow = s.ref
	event.Data = snapshot(event.Data)
	if len(event.Results) > 0 {
		results := make([]models.Result, len(event.Results))
		for i, r := range event.Results {
			results[i] = models.Result{Edge: r.Edge, Data: snapshot(r.Data)}
		}
		event.Results = results
	}
	select {
	case s.ch <- event:
	case <-s.ctx.Done():
	}
}

// snapshot deep-copies a data document for emission. A document that cannot
// round-trip through JSON is passed through as-is.
func snapshot(data models.Data) models.Data {
	if data == nil {
		return nil
	}
	copied, err := expr.DeepCopy(data)
	if err != nil {
		return data
	}
	return copied
}

func (e *Engine) run(ctx context.Context, wf *models.Workflow, data models.Data, ch chan<- models.TraceEvent) {
	state := &runState{
		wf:    wf,
		ref:   &models.WorkflowRef{ID: wf.ID, Name: wf.Name},
		nodes: wf.NodesByID(),
		clock: models.NewClock(),
		usage: &handler.UsageLog{},
		ch:    ch,
		ctx:   ctx,
	}
	start := state.clock.Now()
	log := e.log.WithWorkflowID(wf.ID)

	merged, err := mergeData(wf.Data, data)
	if err != nil {
		state.emit(models.TraceEvent{Action: models.ActionWorkflowFailed, Message: err.Error()})
		return
	}

	state.emit(models.TraceEvent{Action: models.ActionWorkflowStart, Data: merged})

	if errs := e.validateEvent(wf, merged); errs != nil {
		state.emit(models.TraceEvent{Action: models.ActionWorkflowSchemaError, Errors: errs})
		state.emit(models.TraceEvent{
			Action:   models.ActionWorkflowFailed,
			Duration: state.clock.Now() - start,
			Message:  "event data failed schema validation",
		})
		return
	}

	startNode := state.nodes[wf.StartNodeID]
	if startNode == nil {
		state.emit(models.TraceEvent{
			Action:   models.ActionWorkflowEnd,
			Duration: state.clock.Now() - start,
		})
		return
	}

	state.mgr = sessions.NewManager(e.client, wf, log)
	defer func() {
		if err := state.mgr.Close(); err != nil {
			log.Debug("session teardown failed", "error", err)
		}
	}()
	state.mgr.Preload(ctx)

	if err := e.visit(ctx, state, startNode, merged); err != nil {
		state.emit(models.TraceEvent{
			Action:   models.ActionWorkflowFailed,
			Duration: state.clock.Now() - start,
			Usage:    state.usage.Entries(),
			Message:  err.Error(),
		})
		return
	}

	state.emit(models.TraceEvent{
		Action:   models.ActionWorkflowEnd,
		Duration: state.clock.Now() - start,
		Usage:    state.usage.Entries(),
	})
}

// visit executes one node and recurses into each routed edge in order.
func (e *Engine) visit(ctx context.Context, state *runState, node *models.Node, data models.Data) error {
	ref := models.RefFromNode(node)
	state.emit(models.TraceEvent{Action: models.ActionNodeStart, Node: ref, Data: data})

	var out any
	fn, known := e.registry.Lookup(node.Type)
	if !known {
		state.emit(models.TraceEvent{Action: models.ActionDefault, Node: ref})
		out = data
	} else {
		rc := &handler.Context{
			ActionID:  uuid.NewString(),
			Workflow:  state.wf,
			Node:      node,
			Sessions:  state.mgr,
			Log:       e.log.WithWorkflowID(state.wf.ID).WithNodeID(node.ID),
			Usage:     state.usage,
			Eval:      e.eval,
			Functions: e.functions,
			Scripts:   e.scripts,
			Providers: e.providers,
		}
		var err error
		out, err = fn(ctx, data, rc)
		if err != nil {
			state.emit(models.TraceEvent{
				Action:    models.ActionNodeError,
				Node:      ref,
				Message:   err.Error(),
				ExcType:   fmt.Sprintf("%T", err),
				Traceback: capturedFrames(),
			})
			return err
		}
	}

	results, err := normalizeResults(out, data, node.Edges)
	if err != nil {
		state.emit(models.TraceEvent{
			Action:    models.ActionNodeError,
			Node:      ref,
			Message:   err.Error(),
			ExcType:   fmt.Sprintf("%T", err),
			Traceback: capturedFrames(),
		})
		return err
	}
	state.emit(models.TraceEvent{Action: models.ActionNodeEnd, Node: ref, Results: results})

	for _, result := range results {
		if result.Edge == nil {
			continue
		}
		next := state.nodes[*result.Edge]
		if next == nil {
			continue
		}
		if err := e.visit(ctx, state, next, result.Data); err != nil {
			return err
		}
	}
	return nil
}

// normalizeResults maps a handler return value onto per-edge results: a data
// document broadcasts to every non-null edge, a result list passes through.
func normalizeResults(out any, data models.Data, edges []*string) ([]models.Result, error) {
	switch v := out.(type) {
	case nil:
		return broadcast(data, edges), nil
	case models.Data:
		return broadcast(v, edges), nil
	case []models.Result:
		return v, nil
	default:
		return nil, fmt.Errorf("handler returned unsupported type %T", out)
	}
}

func broadcast(data models.Data, edges []*string) []models.Result {
	results := make([]models.Result, 0, len(edges))
	for _, edge := range edges {
		if edge == nil {
			continue
		}
		results = append(results, models.Result{Edge: edge, Data: data})
	}
	return results
}

// mergeData overlays caller data on the workflow's base data.
func mergeData(base, overrides models.Data) (models.Data, error) {
	merged, err := expr.DeepCopy(base)
	if err != nil {
		return nil, err
	}
	if merged == nil {
		merged = models.Data{}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged, nil
}

// validateEvent checks merged data against the workflow event schema. A nil
// return means valid (or no schema).
func (e *Engine) validateEvent(wf *models.Workflow, data models.Data) []string {
	if wf.Event == nil || wf.Event.JSONSchema == nil {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(wf.Event.JSONSchema),
		gojsonschema.NewGoLoader(map[string]any(data)),
	)
	if err != nil {
		return []string{err.Error()}
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return errs
}

// capturedFrames snapshots the current stack for node-error events.
func capturedFrames() []models.Frame {
	pcs := make([]uintptr, maxTracebackFrames)
	n := runtime.Callers(2, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]models.Frame, 0, n)
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, "runtime.") {
			out = append(out, models.Frame{
				File:     frame.File,
				Line:     frame.Line,
				Function: frame.Function,
			})
		}
		if !more || len(out) >= maxTracebackFrames {
			break
		}
	}
	return out
}
