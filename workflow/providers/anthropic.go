package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowmesh/flowd/common/models"
)

// mcpBetaHeader enables server-side MCP tool use on the Messages API.
const mcpBetaHeader = "mcp-client-2025-04-04"

// AnthropicMessages is the slice of the Anthropic SDK the adapter calls.
type AnthropicMessages interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Anthropic adapts the Anthropic Messages API. Structured output is requested
// by registering a forced structured_output tool with the node's schema.
type Anthropic struct {
	messages AnthropicMessages
}

// NewAnthropic creates an adapter over an API key.
func NewAnthropic(apiKey string) *Anthropic {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{messages: &client.Messages}
}

// NewAnthropicWithMessages creates an adapter over an existing messages
// client. Tests use this.
func NewAnthropicWithMessages(messages AnthropicMessages) *Anthropic {
	return &Anthropic{messages: messages}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Complete(ctx context.Context, req *Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	if req.JSONSchema != nil {
		params.Tools = []anthropic.ToolUnionParam{{OfTool: structuredTool(req.JSONSchema)}}
	}

	var opts []option.RequestOption
	if len(req.MCPServers) > 0 {
		opts = append(opts,
			option.WithHeaderAdd("anthropic-beta", mcpBetaHeader),
			option.WithJSONSet("mcp_servers", mcpServerDefs(req.MCPServers)),
		)
	}

	msg, err := a.messages.New(ctx, params, opts...)
	if err != nil {
		return nil, fmt.Errorf("anthropic call failed: %w", err)
	}

	resp := &Response{
		Message: messageAsMap(msg),
		Usage: models.ModelUsage{
			Model:        string(msg.Model),
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	var texts []string
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			texts = append(texts, b.Text)
		case anthropic.ToolUseBlock:
			if b.Name == structuredOutputTool {
				var structured any
				raw, err := json.Marshal(b.Input)
				if err == nil {
					_ = json.Unmarshal(raw, &structured)
				}
				resp.Structured = structured
			}
		}
	}
	resp.Text = strings.Join(texts, "")
	return resp, nil
}

// structuredTool builds the schema-extraction tool from a JSON schema.
func structuredTool(schema map[string]any) *anthropic.ToolParam {
	tool := &anthropic.ToolParam{
		Name:        structuredOutputTool,
		Description: anthropic.String("Record the final result in the required structure."),
	}
	inputSchema := anthropic.ToolInputSchemaParam{}
	if props, ok := schema["properties"]; ok {
		inputSchema.Properties = props
	}
	switch req := schema["required"].(type) {
	case []string:
		inputSchema.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				inputSchema.Required = append(inputSchema.Required, s)
			}
		}
	}
	tool.InputSchema = inputSchema
	return tool
}

func mcpServerDefs(servers []MCPServer) []map[string]any {
	defs := make([]map[string]any, 0, len(servers))
	for _, s := range servers {
		def := map[string]any{
			"type": "url",
			"name": s.Name,
			"url":  s.URL,
		}
		if s.AuthorizationToken != "" {
			def["authorization_token"] = s.AuthorizationToken
		}
		defs = append(defs, def)
	}
	return defs
}

// messageAsMap flattens the provider message into a JSON-shaped map.
func messageAsMap(msg *anthropic.Message) map[string]any {
	b, err := json.Marshal(msg)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}
