package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/flowmesh/flowd/common/models"
)

// Tool calls an MCP tool with the data document as arguments. Arguments are
// validated against the tool's listed input schema before the call.
func Tool(ctx context.Context, data models.Data, rc *Context) (any, error) {
	session, err := rc.Sessions.Get(ctx, rc.Node)
	if err != nil {
		return nil, err
	}

	tool := session.Tool(rc.Node.ToolName)
	if tool == nil {
		return nil, fmt.Errorf("tool %q not found on server %s", rc.Node.ToolName, session.Server.ID)
	}
	if err := validateToolInput(tool, data); err != nil {
		return nil, err
	}

	result, err := session.CallTool(ctx, rc.Node.ToolName, map[string]any(data))
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %q failed: %s", rc.Node.ToolName, firstText(result.Content))
	}

	output := toolOutput(result)
	if rc.Node.StructuredOutput {
		if list, ok := output.([]any); ok && len(list) > 0 {
			output = list[0]
		}
	}
	placeResult(data, rc.Node.Member, rc.Node.ToolName, output)
	return data, nil
}

// toolOutput derives the data value from a tool result: structuredContent
// first, then the first text block (JSON-parsed when possible). Non-text
// content yields an empty object.
func toolOutput(result *mcp.CallToolResult) any {
	if result.StructuredContent != nil {
		return result.StructuredContent
	}
	for _, content := range result.Content {
		text, ok := mcp.AsTextContent(content)
		if !ok {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(text.Text), &parsed); err == nil {
			return parsed
		}
		return text.Text
	}
	return map[string]any{}
}

// validateToolInput checks data against the tool's JSON schema.
func validateToolInput(tool *mcp.Tool, data models.Data) error {
	schemaBytes, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %q has an unusable input schema: %w", tool.Name, err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaBytes),
		gojsonschema.NewGoLoader(map[string]any(data)),
	)
	if err != nil {
		return fmt.Errorf("tool %q input validation: %w", tool.Name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("tool %q input invalid: %s", tool.Name, strings.Join(msgs, "; "))
	}
	return nil
}

// firstText returns the first text content block, or "".
func firstText(contents []mcp.Content) string {
	for _, content := range contents {
		if text, ok := mcp.AsTextContent(content); ok {
			return text.Text
		}
	}
	return ""
}

// placeResult writes a handler output into the data document: under member
// when set, shallow-merged when it is an object, otherwise under fallbackKey.
func placeResult(data models.Data, member, fallbackKey string, result any) {
	if member != "" {
		data[member] = result
		return
	}
	if obj, ok := result.(map[string]any); ok {
		for k, v := range obj {
			data[k] = v
		}
		return
	}
	data[fallbackKey] = result
}

// Resource reads an MCP resource into the data document. JSON resources are
// parsed; the value lands under member or the resource URI.
func Resource(ctx context.Context, data models.Data, rc *Context) (any, error) {
	session, err := rc.Sessions.Get(ctx, rc.Node)
	if err != nil {
		return nil, err
	}

	result, err := session.ReadResource(ctx, rc.Node.URI)
	if err != nil {
		return nil, err
	}

	var output any = map[string]any{}
	found := false
	for _, contents := range result.Contents {
		if text, ok := mcp.AsTextResourceContents(contents); ok {
			if text.MIMEType == "application/json" {
				var parsed any
				if err := json.Unmarshal([]byte(text.Text), &parsed); err != nil {
					return nil, fmt.Errorf("resource %s is not valid JSON: %w", rc.Node.URI, err)
				}
				output = parsed
			} else {
				output = text.Text
			}
			found = true
			break
		}
		if blob, ok := mcp.AsBlobResourceContents(contents); ok && blob.Blob == "" {
			rc.Log.Warn("resource has empty blob contents", "uri", rc.Node.URI)
		}
	}
	if !found && len(result.Contents) > 0 {
		rc.Log.Warn("resource has no text contents", "uri", rc.Node.URI)
	}

	key := rc.Node.Member
	if key == "" {
		key = rc.Node.URI
	}
	data[key] = output
	return data, nil
}

// Prompt fetches an MCP prompt and joins its text messages with newlines.
// The value lands under member or "prompt".
func Prompt(ctx context.Context, data models.Data, rc *Context) (any, error) {
	session, err := rc.Sessions.Get(ctx, rc.Node)
	if err != nil {
		return nil, err
	}

	result, err := session.GetPrompt(ctx, rc.Node.PromptName, promptArgs(data))
	if err != nil {
		return nil, err
	}

	var parts []string
	for _, message := range result.Messages {
		if text, ok := mcp.AsTextContent(message.Content); ok {
			parts = append(parts, text.Text)
			continue
		}
		rc.Log.Warn("prompt contains non-text message", "prompt", rc.Node.PromptName)
	}

	key := rc.Node.Member
	if key == "" {
		key = "prompt"
	}
	data[key] = strings.Join(parts, "\n")
	return data, nil
}

// promptArgs flattens string-valued data fields into prompt arguments.
func promptArgs(data models.Data) map[string]string {
	args := make(map[string]string)
	for k, v := range data {
		if s, ok := v.(string); ok {
			args[k] = s
		}
	}
	return args
}
