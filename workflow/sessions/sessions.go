// Package sessions manages the MCP connections a single workflow run holds
// open. Sessions dial lazily, memoize per server id, and belong to the
// goroutine that first acquired one.
package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flowmesh/flowd/client"
	"github.com/flowmesh/flowd/common/logger"
	"github.com/flowmesh/flowd/common/models"
)

var (
	// ErrNotOwner is returned when a goroutine other than the owner touches
	// the manager.
	ErrNotOwner = errors.New("sessions: manager is bound to another goroutine")
	// ErrClosed is returned when the manager has been closed.
	ErrClosed = errors.New("sessions: manager is closed")
	// ErrSessionNotFound is returned when a node references no resolvable
	// server.
	ErrSessionNotFound = errors.New("sessions: no server for node")
)

// Session is one open MCP connection with its listed catalogs.
type Session struct {
	Server *models.Server

	conn      client.Conn
	log       *logger.Logger
	tools     []mcp.Tool
	resources []mcp.Resource
	prompts   []mcp.Prompt
	closed    bool
}

// Load lists the server's tools, resources and prompts. A server that does
// not implement one of the listings is tolerated.
func (s *Session) Load(ctx context.Context) {
	if tools, err := s.conn.ListTools(ctx, mcp.ListToolsRequest{}); err != nil {
		s.log.Debug("tool listing failed", "server_id", s.Server.ID, "error", err)
	} else {
		s.tools = tools.Tools
	}
	if resources, err := s.conn.ListResources(ctx, mcp.ListResourcesRequest{}); err != nil {
		s.log.Debug("resource listing failed", "server_id", s.Server.ID, "error", err)
	} else {
		s.resources = resources.Resources
	}
	if prompts, err := s.conn.ListPrompts(ctx, mcp.ListPromptsRequest{}); err != nil {
		s.log.Debug("prompt listing failed", "server_id", s.Server.ID, "error", err)
	} else {
		s.prompts = prompts.Prompts
	}
}

// Tools returns the listed tool catalog.
func (s *Session) Tools() []mcp.Tool { return s.tools }

// Tool returns the listed tool with the given name, or nil.
func (s *Session) Tool(name string) *mcp.Tool {
	for i := range s.tools {
		if s.tools[i].Name == name {
			return &s.tools[i]
		}
	}
	return nil
}

// CallTool invokes a tool by name.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return s.conn.CallTool(ctx, req)
}

// ReadResource reads a resource by URI.
func (s *Session) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	return s.conn.ReadResource(ctx, req)
}

// GetPrompt fetches a prompt by name.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return s.conn.GetPrompt(ctx, req)
}

// Describe converts the session's catalogs into the serializable server view.
func (s *Session) Describe() *models.ServerFull {
	full := &models.ServerFull{Server: *s.Server}
	for _, t := range s.tools {
		schema := map[string]any{}
		if b, err := json.Marshal(t.InputSchema); err == nil {
			_ = json.Unmarshal(b, &schema)
		}
		full.Tools = append(full.Tools, models.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	for _, r := range s.resources {
		full.Resources = append(full.Resources, models.ResourceInfo{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		})
	}
	for _, p := range s.prompts {
		full.Prompts = append(full.Prompts, models.PromptInfo{
			Name:        p.Name,
			Description: p.Description,
		})
	}
	return full
}

func (s *Session) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Manager holds the sessions for one workflow run.
type Manager struct {
	client   *client.Client
	workflow *models.Workflow
	log      *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	owner    uint64
	closed   bool
}

// NewManager creates a session manager for a workflow run.
func NewManager(c *client.Client, wf *models.Workflow, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		client:   c,
		workflow: wf,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for the server a node references, dialing on first
// use. The first call binds the manager to the calling goroutine; calls from
// other goroutines fail with ErrNotOwner.
func (m *Manager) Get(ctx context.Context, node *models.Node) (*Session, error) {
	server := m.resolve(node)
	if server == nil {
		return nil, fmt.Errorf("%w: node %s", ErrSessionNotFound, node.ID)
	}
	return m.open(ctx, server)
}

// Preload dials every server the workflow declares. Failures are logged and
// skipped so a run only pays for the servers its path actually uses.
func (m *Manager) Preload(ctx context.Context) {
	for _, server := range m.workflow.Servers {
		if _, err := m.open(ctx, server); err != nil {
			m.log.Debug("server preload failed", "server_id", server.ID, "error", err)
		}
	}
}

// Describe returns the catalog view of every open session, in dial order.
func (m *Manager) Describe() []*models.ServerFull {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ServerFull, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id].Describe())
	}
	return out
}

func (m *Manager) open(ctx context.Context, server *models.Server) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if err := m.bindOwner(); err != nil {
		return nil, err
	}
	if session, exists := m.sessions[server.ID]; exists {
		return session, nil
	}

	conn, err := m.client.Connect(ctx, server, false)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", server.ID, err)
	}
	session := &Session{Server: server, conn: conn, log: m.log}
	session.Load(ctx)

	m.sessions[server.ID] = session
	m.order = append(m.order, server.ID)
	return session, nil
}

// resolve picks the node's server: a workflow-level reference by id first,
// then a node-local inline server.
func (m *Manager) resolve(node *models.Node) *models.Server {
	if node.ServerID != "" {
		if server := m.workflow.ServerByID(node.ServerID); server != nil {
			return server
		}
	}
	return node.Server
}

// Close tears down every session in reverse dial order. It is idempotent and
// owner-bound like Get.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	if err := m.bindOwner(); err != nil {
		return err
	}
	m.closed = true

	var errs []error
	for i := len(m.order) - 1; i >= 0; i-- {
		session := m.sessions[m.order[i]]
		if err := session.close(); err != nil {
			m.log.Debug("session close failed", "server_id", session.Server.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// bindOwner captures the calling goroutine on first use and rejects others.
// Callers hold m.mu.
func (m *Manager) bindOwner() error {
	id := goroutineID()
	if m.owner == 0 {
		m.owner = id
		return nil
	}
	if m.owner != id {
		return ErrNotOwner
	}
	return nil
}

// goroutineID parses the current goroutine id from a stack header.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		buf = buf[:i]
	}
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}
