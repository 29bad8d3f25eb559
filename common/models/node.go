package models

import (
	"encoding/json"

	"github.com/flowmesh/flowd/common/rules"
)

// Node is one unit of work in a workflow. The Type field selects the handler;
// the remaining fields are the union of all built-in node variants. Unknown
// JSON fields are retained in Extra and written back on marshal, so custom
// node types survive a round trip.
type Node struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Metadata Metadata  `json:"metadata,omitempty"`
	Edges    []*string `json:"edges"`

	// tool / resource / prompt
	ServerID         string `json:"server_id,omitempty"`
	Member           string `json:"member,omitempty"`
	ToolName         string `json:"tool_name,omitempty"`
	StructuredOutput bool   `json:"structured_output,omitempty"`
	URI              string `json:"uri,omitempty"`
	PromptName       string `json:"prompt_name,omitempty"`

	// Node-local server config, used when the node dials a server that is
	// not listed in workflow.servers.
	Server *Server `json:"server,omitempty"`

	// switch / loop
	Expr  string       `json:"expr,omitempty"`
	Rules []rules.Rule `json:"rules,omitempty"`

	// function / script
	Function string `json:"function,omitempty"`
	Script   string `json:"script,omitempty"`

	// transform
	Transforms []Transform `json:"transforms,omitempty"`

	// pick
	Expressions map[string]string `json:"expressions,omitempty"`

	// anthropic / openai / cloudflare
	Model                  string         `json:"model,omitempty"`
	Prompt                 string         `json:"prompt,omitempty"`
	System                 string         `json:"system,omitempty"`
	Servers                *ServerFilter  `json:"servers,omitempty"`
	MaxTokens              int            `json:"max_tokens,omitempty"`
	JSONSchema             map[string]any `json:"json_schema,omitempty"`
	UseJSONSchema          *bool          `json:"use_json_schema,omitempty"`
	IncludeMessageInOutput *bool          `json:"include_message_in_output,omitempty"`

	// Unknown fields, retained verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// nodeKnownKeys mirrors the json tags above. Keep in sync when adding fields.
var nodeKnownKeys = []string{
	"id", "name", "type", "metadata", "edges",
	"server_id", "member", "tool_name", "structured_output", "uri", "prompt_name",
	"server", "expr", "rules", "function", "script", "transforms", "expressions",
	"model", "prompt", "system", "servers", "max_tokens", "json_schema",
	"use_json_schema", "include_message_in_output",
}

// UnmarshalJSON decodes the known fields and stashes everything else in Extra.
func (n *Node) UnmarshalJSON(b []byte) error {
	type alias Node
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for _, key := range nodeKnownKeys {
		delete(raw, key)
	}
	if len(raw) > 0 {
		a.Extra = raw
	}

	*n = Node(a)
	return nil
}

// MarshalJSON writes the known fields plus any retained unknown fields.
func (n Node) MarshalJSON() ([]byte, error) {
	type alias Node
	b, err := json.Marshal(alias(n))
	if err != nil {
		return nil, err
	}
	if len(n.Extra) == 0 {
		return b, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range n.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// EffectiveMaxTokens returns the model-call token cap, defaulting to 1024.
func (n *Node) EffectiveMaxTokens() int {
	if n.MaxTokens > 0 {
		return n.MaxTokens
	}
	return 1024
}

// WantsStructuredOutput reports whether the model call should request
// schema-constrained output: either use_json_schema is set, or it is unset
// and a json_schema is present.
func (n *Node) WantsStructuredOutput() bool {
	if n.UseJSONSchema != nil {
		return *n.UseJSONSchema
	}
	return n.JSONSchema != nil
}

// IncludeMessage reports whether the full provider message is merged into the
// data document. Defaults to true.
func (n *Node) IncludeMessage() bool {
	return n.IncludeMessageInOutput == nil || *n.IncludeMessageInOutput
}

// ServerFilter selects which workflow servers a model-call node may use:
// either the "*" wildcard or an explicit id list.
type ServerFilter struct {
	All bool
	IDs []string
}

// Allows reports whether the filter admits the given server id.
func (f *ServerFilter) Allows(id string) bool {
	if f == nil {
		return false
	}
	if f.All {
		return true
	}
	for _, s := range f.IDs {
		if s == id {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts either the string "*" or a list of server ids.
func (f *ServerFilter) UnmarshalJSON(b []byte) error {
	var star string
	if err := json.Unmarshal(b, &star); err == nil {
		if star == "*" {
			f.All = true
			f.IDs = nil
			return nil
		}
		f.All = false
		f.IDs = []string{star}
		return nil
	}
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	f.All = false
	f.IDs = ids
	return nil
}

// MarshalJSON writes "*" for the wildcard form.
func (f ServerFilter) MarshalJSON() ([]byte, error) {
	if f.All {
		return json.Marshal("*")
	}
	return json.Marshal(f.IDs)
}

// TransformType enumerates the path mutations a transform node applies.
const (
	TransformMove   = "move"
	TransformSet    = "set"
	TransformDelete = "delete"
)

// Transform is a single path mutation on the data document.
type Transform struct {
	Type     string `json:"type"`
	Source   string `json:"source"`
	Target   string `json:"target,omitempty"`
	Datatype string `json:"datatype,omitempty"`
}
