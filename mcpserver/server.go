// Package mcpserver exposes the engine itself as a streamable-HTTP MCP
// server: a workflow tool that runs a workflow and returns its trace events,
// and one resource per workflow definition.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flowmesh/flowd/common/logger"
	"github.com/flowmesh/flowd/common/models"
	"github.com/flowmesh/flowd/workflow"
)

// Server wraps the engine in an MCP server.
type Server struct {
	engine *workflow.Engine
	mcp    *server.MCPServer
	log    *logger.Logger
}

// New builds the MCP surface over an engine.
func New(engine *workflow.Engine, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		engine: engine,
		log:    log,
		mcp: server.NewMCPServer("flowd", "1.0.0",
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}

	tool := mcp.NewTool("workflow",
		mcp.WithDescription("Run a workflow by id or name and return its trace events as a JSON list."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow id or name")),
		mcp.WithObject("data", mcp.Description("Input data, merged over the workflow's base data")),
	)
	s.mcp.AddTool(tool, s.runWorkflow)

	for _, wf := range engine.Workflows() {
		s.addWorkflowResource(wf)
	}
	return s
}

// Handler returns the streamable-HTTP handler for mounting.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

func (s *Server) runWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var data models.Data
	if raw, ok := req.GetArguments()["data"].(map[string]any); ok {
		data = raw
	}

	events, err := s.engine.Run(ctx, name, data)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	trace := make([]models.TraceEvent, 0, 16)
	for event := range events {
		trace = append(trace, event)
	}

	payload, err := json.Marshal(trace)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) addWorkflowResource(wf *models.Workflow) {
	uri := fmt.Sprintf("workflow://%s/", wf.ID)
	resource := mcp.NewResource(uri, wf.DisplayName(),
		mcp.WithResourceDescription(wf.Description),
		mcp.WithMIMEType("application/json"),
	)
	s.mcp.AddResource(resource, func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		payload, err := json.Marshal(wf)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(payload),
			},
		}, nil
	})
}
