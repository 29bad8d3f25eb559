// Package providers adapts LLM provider SDKs to the single contract the
// model-call handlers need. Each adapter wraps a narrow slice of its SDK so
// tests can substitute fakes.
package providers

import (
	"context"

	"github.com/flowmesh/flowd/common/models"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MCPServer is a server definition forwarded to providers that support
// server-side MCP tool use.
type MCPServer struct {
	Name               string
	URL                string
	AuthorizationToken string
}

// Request is a provider-neutral model call.
type Request struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []Message
	// JSONSchema, when set, requests schema-constrained output.
	JSONSchema map[string]any
	MCPServers []MCPServer
}

// Response is a provider-neutral model reply.
type Response struct {
	// Message is the full provider message, JSON-shaped.
	Message map[string]any
	// Text is the concatenated text content.
	Text string
	// Structured is the parsed schema-constrained output, nil when absent.
	Structured any
	Usage      models.ModelUsage
}

// Provider executes model calls.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// structuredOutputTool is the tool name used to extract schema-constrained
// output from providers that express it as tool use.
const structuredOutputTool = "structured_output"
