package models

import (
	"time"
)

// Trace actions. The stream for one run always terminates with exactly one
// of ActionWorkflowEnd or ActionWorkflowFailed.
const (
	ActionWorkflowStart       = "workflow-start"
	ActionWorkflowSchemaError = "workflow-schema-error"
	ActionWorkflowEnd         = "workflow-end"
	ActionWorkflowFailed      = "workflow-failed"
	ActionNodeStart           = "node-start"
	ActionNodeEnd             = "node-end"
	ActionNodeError           = "node-error"
	ActionDefault             = "default"
)

// WorkflowRef identifies a workflow in trace events.
type WorkflowRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NodeRef identifies a node in trace events.
type NodeRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// RefFromNode builds a NodeRef for a node.
func RefFromNode(n *Node) *NodeRef {
	return &NodeRef{ID: n.ID, Name: n.Name, Type: n.Type}
}

// Frame is one entry of a truncated stack trace carried by node-error events.
type Frame struct {
	File     string `json:"filename"`
	Line     int    `json:"lineno"`
	Function string `json:"func_name"`
}

// Result pairs an outgoing edge with the data document sent down it. A nil
// Edge drops the branch.
type Result struct {
	Edge *string `json:"edge"`
	Data Data    `json:"data"`
}

// TraceEvent is a structured record emitted during a workflow run.
type TraceEvent struct {
	Action    string       `json:"action"`
	Timestamp float64      `json:"timestamp"`
	Workflow  *WorkflowRef `json:"workflow,omitempty"`
	Node      *NodeRef     `json:"node,omitempty"`
	Data      Data         `json:"data,omitempty"`
	Results   []Result     `json:"results,omitempty"`
	Duration  float64      `json:"duration,omitempty"`
	Usage     []ModelUsage `json:"usage,omitempty"`
	Message   string       `json:"message,omitempty"`
	ExcType   string       `json:"exc_type,omitempty"`
	Traceback []Frame      `json:"traceback,omitempty"`
	Errors    []string     `json:"errors,omitempty"`
}

// Clock yields monotonic timestamps in seconds. The epoch is arbitrary;
// only ordering and differences are meaningful.
type Clock struct {
	base time.Time
}

// NewClock creates a monotonic clock.
func NewClock() *Clock {
	return &Clock{base: time.Now()}
}

// Now returns seconds elapsed since the clock was created.
func (c *Clock) Now() float64 {
	return time.Since(c.base).Seconds()
}
