package providers

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredToolFromSchema(t *testing.T) {
	tool := structuredTool(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"score": map[string]any{"type": "number"},
		},
		"required": []any{"score"},
	})

	assert.Equal(t, structuredOutputTool, tool.Name)
	assert.Equal(t, []string{"score"}, tool.InputSchema.Required)
	require.NotNil(t, tool.InputSchema.Properties)
}

func TestStructuredToolRequiredStringSlice(t *testing.T) {
	tool := structuredTool(map[string]any{"required": []string{"a", "b"}})
	assert.Equal(t, []string{"a", "b"}, tool.InputSchema.Required)
}

func TestMCPServerDefs(t *testing.T) {
	defs := mcpServerDefs([]MCPServer{
		{Name: "weather", URL: "https://mcp.weather", AuthorizationToken: "tok"},
		{Name: "open", URL: "https://mcp.open"},
	})

	require.Len(t, defs, 2)
	assert.Equal(t, "url", defs[0]["type"])
	assert.Equal(t, "weather", defs[0]["name"])
	assert.Equal(t, "tok", defs[0]["authorization_token"])
	assert.NotContains(t, defs[1], "authorization_token")
}

func TestMessageAsMap(t *testing.T) {
	out := messageAsMap(&anthropic.Message{ID: "msg_1"})
	assert.Equal(t, "msg_1", out["id"])
	assert.Contains(t, out, "role")
}

func TestAnthropicName(t *testing.T) {
	assert.Equal(t, "anthropic", NewAnthropicWithMessages(nil).Name())
}

// New has a pointer receiver on the SDK message service.
var _ AnthropicMessages = (*anthropic.MessageService)(nil)

func TestNewAnthropicWiresMessageService(t *testing.T) {
	a := NewAnthropic("test-key")
	require.NotNil(t, a.messages)
}
