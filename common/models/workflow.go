package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Data is the JSON document threaded through a workflow run.
type Data = map[string]any

// Metadata is free-form application data carried on workflows and nodes.
type Metadata = map[string]any

var slugRe = regexp.MustCompile(`^[a-z0-9_\-]+$`)

// IsSlug reports whether s is a valid identifier: lowercase alphanumerics,
// underscore and hyphen, at most 255 characters.
func IsSlug(s string) bool {
	return len(s) > 0 && len(s) <= 255 && slugRe.MatchString(s)
}

// Event describes the external event that starts a workflow. When JSONSchema
// is set, the merged input data is validated against it before traversal.
type Event struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	JSONSchema map[string]any `json:"json_schema,omitempty"`
	Metadata   Metadata       `json:"metadata,omitempty"`
}

// Server is a streaming-HTTP MCP server available to a workflow. Header keys
// are folded to lowercase at ingest.
type Server struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Metadata Metadata          `json:"metadata,omitempty"`
}

// UnmarshalJSON folds header keys to lowercase.
func (s *Server) UnmarshalJSON(b []byte) error {
	type alias Server
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	if a.Headers != nil {
		lowered := make(map[string]string, len(a.Headers))
		for k, v := range a.Headers {
			lowered[strings.ToLower(k)] = v
		}
		a.Headers = lowered
	}
	*s = Server(a)
	return nil
}

// HasAuthorizationHeader reports whether the server carries a static
// Authorization header. Prefer the credentials manager over static headers.
func (s *Server) HasAuthorizationHeader() bool {
	_, ok := s.Headers["authorization"]
	return ok
}

// Workflow is a named graph of nodes with labeled edges.
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Event       *Event    `json:"event,omitempty"`
	StartNodeID string    `json:"start_node_id,omitempty"`
	Nodes       []*Node   `json:"nodes"`
	Servers     []*Server `json:"servers"`
	Data        Data      `json:"data,omitempty"`
	Metadata    Metadata  `json:"metadata,omitempty"`
}

// DisplayName formats the workflow name for logs: "name [id]", or just the
// id when there is no separate name.
func (w *Workflow) DisplayName() string {
	if w.Name != "" && w.Name != w.ID {
		return fmt.Sprintf("%s [%s]", w.Name, w.ID)
	}
	if w.Name != "" {
		return w.Name
	}
	return w.ID
}

// NodesByID indexes the workflow's nodes by id.
func (w *Workflow) NodesByID() map[string]*Node {
	nodes := make(map[string]*Node, len(w.Nodes))
	for _, n := range w.Nodes {
		nodes[n.ID] = n
	}
	return nodes
}

// ServerByID returns the workflow server with the given id, or nil.
func (w *Workflow) ServerByID(id string) *Server {
	for _, s := range w.Servers {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Validate checks structural invariants: ids are slugs and every non-null
// edge references a known node.
func (w *Workflow) Validate() error {
	if !IsSlug(w.ID) {
		return fmt.Errorf("workflow id %q is not a valid slug", w.ID)
	}
	nodes := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if !IsSlug(n.ID) {
			return fmt.Errorf("node id %q is not a valid slug", n.ID)
		}
		if nodes[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		nodes[n.ID] = true
	}
	for _, s := range w.Servers {
		if !IsSlug(s.ID) {
			return fmt.Errorf("server id %q is not a valid slug", s.ID)
		}
	}
	for _, n := range w.Nodes {
		for _, edge := range n.Edges {
			if edge == nil {
				continue // null edge drops the branch
			}
			if !nodes[*edge] {
				return fmt.Errorf("node %q: edge %q does not reference a known node", n.ID, *edge)
			}
		}
	}
	return nil
}

// ServerFull is a server together with the catalogs discovered at session
// load time.
type ServerFull struct {
	Server
	Tools     []ToolInfo     `json:"tools"`
	Resources []ResourceInfo `json:"resources"`
	Prompts   []PromptInfo   `json:"prompts"`
}

// ToolInfo is the subset of an MCP tool listing the engine cares about.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ResourceInfo is the subset of an MCP resource listing the engine cares about.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// PromptInfo is the subset of an MCP prompt listing the engine cares about.
type PromptInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
