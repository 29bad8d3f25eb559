// Package client connects to MCP servers over streamable HTTP, layering
// stored OAuth credentials under workflow-declared headers and retrying once
// through a token refresh when a server answers 401.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flowmesh/flowd/client/credentials"
	"github.com/flowmesh/flowd/client/oauth"
	"github.com/flowmesh/flowd/common/logger"
	"github.com/flowmesh/flowd/common/models"
)

// Conn is the slice of the MCP protocol client a session needs. The real
// streamable-HTTP client satisfies it; tests substitute fakes.
type Conn interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context, req mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	ReadResource(ctx context.Context, req mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Close() error
}

// DialFunc opens an initialized MCP connection to url with the given headers.
type DialFunc func(ctx context.Context, url string, headers map[string]string) (Conn, error)

// Options configures a Client.
type Options struct {
	Credentials credentials.Store
	Logger      *logger.Logger
	// Dial overrides the streamable-HTTP transport. Tests use this.
	Dial DialFunc
}

// Client dials MCP servers and manages their OAuth credentials.
type Client struct {
	credentials credentials.Store
	log         *logger.Logger
	dial        DialFunc
}

// New creates an MCP client.
func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	dial := opts.Dial
	if dial == nil {
		dial = dialStreamableHTTP
	}
	return &Client{
		credentials: opts.Credentials,
		log:         log,
		dial:        dial,
	}
}

// dialStreamableHTTP opens a streamable-HTTP MCP connection and runs the
// initialize handshake.
func dialStreamableHTTP(ctx context.Context, url string, headers map[string]string) (Conn, error) {
	t, err := transport.NewStreamableHTTP(url, transport.WithHTTPHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for %s: %w", url, err)
	}
	c := mcpclient.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start client for %s: %w", url, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "flowd",
		Version: "1.0.0",
	}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize %s: %w", url, err)
	}
	return c, nil
}

// Connect opens a session to server. When authenticate is set, stored access
// tokens are bypassed and a refresh runs before dialing. A 401 on the first
// dial triggers exactly one refresh-and-retry.
func (c *Client) Connect(ctx context.Context, server *models.Server, authenticate bool) (Conn, error) {
	if authenticate {
		if _, err := c.Authenticate(ctx, server); err != nil {
			return nil, err
		}
	}

	headers, err := c.headers(ctx, server)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx, server.URL, headers)
	if err == nil {
		return conn, nil
	}
	if authenticate || !IsUnauthorized(err) {
		return nil, err
	}

	c.log.Info("server rejected credentials, refreshing", "server_id", server.ID)
	token, authErr := c.Authenticate(ctx, server)
	if authErr != nil {
		return nil, authErr
	}
	if token == nil {
		return nil, err
	}

	headers, err = c.headers(ctx, server)
	if err != nil {
		return nil, err
	}
	return c.dial(ctx, server.URL, headers)
}

// headers merges stored bearer credentials under the server's declared
// headers. Workflow-declared headers win.
func (c *Client) headers(ctx context.Context, server *models.Server) (map[string]string, error) {
	headers := make(map[string]string)

	if c.credentials != nil {
		creds, err := c.credentials.Load(ctx, server.ID)
		if err != nil {
			return nil, err
		}
		if token := creds.String("access_token"); token != "" {
			headers["authorization"] = "Bearer " + token
		}
	}

	for k, v := range server.Headers {
		headers[k] = v
	}
	return headers, nil
}

// Authenticate refreshes the server's access token from its stored refresh
// token and persists the result. Missing or unusable credentials return nil
// without error; the caller decides whether that is fatal.
func (c *Client) Authenticate(ctx context.Context, server *models.Server) (*oauth.Token, error) {
	if c.credentials == nil {
		return nil, nil
	}
	creds, err := c.credentials.Load(ctx, server.ID)
	if err != nil {
		return nil, err
	}
	refreshToken := creds.String("refresh_token")
	tokenEndpoint := creds.String("token_endpoint")
	if refreshToken == "" || tokenEndpoint == "" {
		c.log.Debug("no refresh credentials for server", "server_id", server.ID)
		return nil, nil
	}

	oc := oauth.New("", tokenEndpoint, creds.String("client_id"), creds.String("client_secret"), creds.String("scope"), c.log)
	token, err := oc.ExchangeRefreshToken(ctx, refreshToken, oauth.SplitScope(creds.String("scope")))
	if err != nil {
		return nil, err
	}
	if token == nil {
		c.log.Warn("refresh token no longer valid", "server_id", server.ID)
		return nil, nil
	}

	creds["access_token"] = token.AccessToken
	if token.RefreshToken != "" {
		creds["refresh_token"] = token.RefreshToken
	}
	if err := c.credentials.Save(ctx, server.ID, creds); err != nil {
		return nil, err
	}
	return token, nil
}

// IsUnauthorized reports whether err indicates an HTTP 401 anywhere in its
// chain, including joined errors.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, transport.ErrOAuthAuthorizationRequired) {
		return true
	}
	var httpErr *oauth.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 401 {
		return true
	}
	return containsUnauthorized(err)
}

func containsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(strings.ToLower(msg), "unauthorized") {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if containsUnauthorized(e) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return containsUnauthorized(x.Unwrap())
	}
	return false
}
