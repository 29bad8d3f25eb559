package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeRoundTripKeepsUnknownFields(t *testing.T) {
	src := `{
		"id": "fetch",
		"name": "Fetch",
		"type": "tool",
		"server_id": "weather",
		"tool_name": "forecast",
		"edges": ["next", null],
		"x_position": {"x": 10, "y": 20},
		"color": "blue"
	}`

	var node Node
	require.NoError(t, json.Unmarshal([]byte(src), &node))

	assert.Equal(t, "fetch", node.ID)
	assert.Equal(t, "tool", node.Type)
	assert.Equal(t, "weather", node.ServerID)
	require.Len(t, node.Edges, 2)
	require.NotNil(t, node.Edges[0])
	assert.Equal(t, "next", *node.Edges[0])
	assert.Nil(t, node.Edges[1])
	assert.Contains(t, node.Extra, "x_position")
	assert.Contains(t, node.Extra, "color")

	out, err := json.Marshal(node)
	require.NoError(t, err)

	var restored map[string]any
	require.NoError(t, json.Unmarshal(out, &restored))
	assert.Equal(t, "blue", restored["color"])
	assert.Equal(t, map[string]any{"x": float64(10), "y": float64(20)}, restored["x_position"])
}

func TestServerFilterForms(t *testing.T) {
	var node Node
	require.NoError(t, json.Unmarshal([]byte(`{"id":"m","name":"m","type":"anthropic","edges":[],"servers":"*"}`), &node))
	require.NotNil(t, node.Servers)
	assert.True(t, node.Servers.All)
	assert.True(t, node.Servers.Allows("anything"))

	require.NoError(t, json.Unmarshal([]byte(`{"id":"m","name":"m","type":"anthropic","edges":[],"servers":["a","b"]}`), &node))
	assert.False(t, node.Servers.All)
	assert.True(t, node.Servers.Allows("a"))
	assert.False(t, node.Servers.Allows("c"))

	var nilFilter *ServerFilter
	assert.False(t, nilFilter.Allows("a"))
}

func TestNodeDefaults(t *testing.T) {
	node := &Node{}
	assert.Equal(t, 1024, node.EffectiveMaxTokens())
	assert.True(t, node.IncludeMessage())
	assert.False(t, node.WantsStructuredOutput())

	node.JSONSchema = map[string]any{"type": "object"}
	assert.True(t, node.WantsStructuredOutput())

	off := false
	node.UseJSONSchema = &off
	assert.False(t, node.WantsStructuredOutput())
	node.IncludeMessageInOutput = &off
	assert.False(t, node.IncludeMessage())
	node.MaxTokens = 99
	assert.Equal(t, 99, node.EffectiveMaxTokens())
}

func TestServerHeadersAreLowercased(t *testing.T) {
	var server Server
	require.NoError(t, json.Unmarshal([]byte(`{"id":"s","url":"http://x","headers":{"Authorization":"Bearer t","X-Api-Key":"k"}}`), &server))
	assert.Equal(t, "Bearer t", server.Headers["authorization"])
	assert.Equal(t, "k", server.Headers["x-api-key"])
	assert.True(t, server.HasAuthorizationHeader())
}

func TestWorkflowValidate(t *testing.T) {
	edge := "b"
	wf := &Workflow{
		ID: "demo",
		Nodes: []*Node{
			{ID: "a", Edges: []*string{&edge, nil}},
			{ID: "b", Edges: []*string{}},
		},
	}
	assert.NoError(t, wf.Validate())

	bad := "missing"
	wf.Nodes[1].Edges = []*string{&bad}
	assert.Error(t, wf.Validate())

	wf.Nodes[1].Edges = nil
	wf.Nodes = append(wf.Nodes, &Node{ID: "a"})
	assert.Error(t, wf.Validate(), "duplicate node id")

	assert.Error(t, (&Workflow{ID: "Not A Slug"}).Validate())
}

func TestModelUsageFlattensExtra(t *testing.T) {
	usage := ModelUsage{
		RefID:        "act-1",
		Model:        "m",
		InputTokens:  10,
		OutputTokens: 5,
		Extra:        map[string]any{"cache_read_tokens": 3},
	}
	b, err := json.Marshal(usage)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(b, &flat))
	assert.Equal(t, float64(3), flat["cache_read_tokens"])
	assert.Equal(t, float64(10), flat["input_tokens"])

	var restored ModelUsage
	require.NoError(t, json.Unmarshal(b, &restored))
	assert.Equal(t, usage.RefID, restored.RefID)
	assert.Equal(t, map[string]any{"cache_read_tokens": float64(3)}, restored.Extra)
}
