package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbleigh/raymond"

	"github.com/flowmesh/flowd/common/models"
	"github.com/flowmesh/flowd/workflow/providers"
)

// defaultJSONSchema is used when use_json_schema is set without a schema.
var defaultJSONSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"result": map[string]any{"type": "string"},
	},
	"required": []any{"result"},
}

// ModelCall runs a provider model-call node. The node type selects the
// provider adapter; prompt and system are Handlebars templates rendered over
// the data document.
func ModelCall(ctx context.Context, data models.Data, rc *Context) (any, error) {
	provider, ok := rc.Providers[rc.Node.Type]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", rc.Node.Type)
	}

	req := &providers.Request{
		Model:     rc.Node.Model,
		MaxTokens: rc.Node.EffectiveMaxTokens(),
	}

	messages, err := buildMessages(data, rc.Node)
	if err != nil {
		return nil, err
	}
	req.Messages = messages

	if system := stringField(data, "system", rc.Node.System); system != "" {
		rendered, err := raymond.Render(system, map[string]any(data))
		if err != nil {
			return nil, fmt.Errorf("system template: %w", err)
		}
		req.System = rendered
	}

	if rc.Node.WantsStructuredOutput() {
		req.JSONSchema = rc.Node.JSONSchema
		if req.JSONSchema == nil {
			req.JSONSchema = defaultJSONSchema
		}
	}

	req.MCPServers = filteredServers(rc)

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	rc.AddUsage(resp.Usage)

	if rc.Node.IncludeMessage() {
		for k, v := range resp.Message {
			data[k] = v
		}
	}
	if resp.Structured != nil {
		placeResult(data, rc.Node.Member, rc.Node.Name, resp.Structured)
		return data, nil
	}

	key := rc.Node.Member
	if key == "" {
		key = rc.Node.Name
	}
	data[key] = resp.Text
	return data, nil
}

// buildMessages takes the conversation from data.messages when present, else
// renders the prompt template as a single user message.
func buildMessages(data models.Data, node *models.Node) ([]providers.Message, error) {
	if raw, ok := data["messages"].([]any); ok {
		messages := make([]providers.Message, 0, len(raw))
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("messages entries must be objects, got %T", item)
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			messages = append(messages, providers.Message{Role: role, Content: content})
		}
		return messages, nil
	}

	prompt := stringField(data, "prompt", node.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("node %s has no prompt and data carries no messages", node.ID)
	}
	rendered, err := raymond.Render(prompt, map[string]any(data))
	if err != nil {
		return nil, fmt.Errorf("prompt template: %w", err)
	}
	return []providers.Message{{Role: "user", Content: rendered}}, nil
}

// stringField prefers the data field over the node default.
func stringField(data models.Data, key, fallback string) string {
	if s, ok := data[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// filteredServers resolves the node's server filter against the workflow's
// servers. Unknown ids are warned about and dropped.
func filteredServers(rc *Context) []providers.MCPServer {
	filter := rc.Node.Servers
	if filter == nil || len(rc.Workflow.Servers) == 0 {
		return nil
	}

	var out []providers.MCPServer
	if filter.All {
		for _, server := range rc.Workflow.Servers {
			out = append(out, toMCPServer(server))
		}
		return out
	}
	for _, id := range filter.IDs {
		server := rc.Workflow.ServerByID(id)
		if server == nil {
			rc.Log.Warn("unknown server in filter", "server_id", id, "node_id", rc.Node.ID)
			continue
		}
		out = append(out, toMCPServer(server))
	}
	return out
}

func toMCPServer(server *models.Server) providers.MCPServer {
	name := server.Name
	if name == "" {
		name = server.ID
	}
	token := strings.TrimPrefix(server.Headers["authorization"], "Bearer ")
	return providers.MCPServer{Name: name, URL: server.URL, AuthorizationToken: token}
}
