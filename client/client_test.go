package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowd/client/credentials"
	"github.com/flowmesh/flowd/client/oauth"
	"github.com/flowmesh/flowd/common/models"
)

type fakeConn struct {
	closed bool
}

func (f *fakeConn) Initialize(context.Context, mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}
func (f *fakeConn) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}
func (f *fakeConn) CallTool(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (f *fakeConn) ListResources(context.Context, mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{}, nil
}
func (f *fakeConn) ReadResource(context.Context, mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}
func (f *fakeConn) ListPrompts(context.Context, mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{}, nil
}
func (f *fakeConn) GetPrompt(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}
func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func tokenServer(t *testing.T, accessToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		_ = json.NewEncoder(w).Encode(oauth.Token{AccessToken: accessToken})
	}))
}

func seededStore(t *testing.T, serverID, tokenEndpoint string) credentials.Store {
	t.Helper()
	store := credentials.NewFileStore(t.TempDir())
	require.NoError(t, store.Save(context.Background(), serverID, credentials.Credentials{
		"access_token":   "stale-token",
		"refresh_token":  "rt-1",
		"token_endpoint": tokenEndpoint,
		"client_id":      "client-1",
		"scope":          "read",
	}))
	return store
}

func TestConnectMergesHeaders(t *testing.T) {
	store := credentials.NewFileStore(t.TempDir())
	require.NoError(t, store.Save(context.Background(), "srv", credentials.Credentials{
		"access_token": "tok-1",
	}))

	var seen map[string]string
	c := New(Options{
		Credentials: store,
		Dial: func(_ context.Context, _ string, headers map[string]string) (Conn, error) {
			seen = headers
			return &fakeConn{}, nil
		},
	})

	server := &models.Server{ID: "srv", URL: "http://mcp", Headers: map[string]string{"x-custom": "1"}}
	_, err := c.Connect(context.Background(), server, false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", seen["authorization"])
	assert.Equal(t, "1", seen["x-custom"])
}

func TestServerHeadersWinOverCredentials(t *testing.T) {
	store := credentials.NewFileStore(t.TempDir())
	require.NoError(t, store.Save(context.Background(), "srv", credentials.Credentials{
		"access_token": "tok-1",
	}))

	var seen map[string]string
	c := New(Options{
		Credentials: store,
		Dial: func(_ context.Context, _ string, headers map[string]string) (Conn, error) {
			seen = headers
			return &fakeConn{}, nil
		},
	})

	server := &models.Server{ID: "srv", URL: "http://mcp",
		Headers: map[string]string{"authorization": "Bearer pinned"}}
	_, err := c.Connect(context.Background(), server, false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer pinned", seen["authorization"])
}

func TestConnectRetriesOnceOn401(t *testing.T) {
	ts := tokenServer(t, "fresh-token")
	defer ts.Close()
	store := seededStore(t, "srv", ts.URL)

	attempts := 0
	c := New(Options{
		Credentials: store,
		Dial: func(_ context.Context, _ string, headers map[string]string) (Conn, error) {
			attempts++
			if headers["authorization"] != "Bearer fresh-token" {
				return nil, &oauth.HTTPError{StatusCode: 401, URL: "http://mcp"}
			}
			return &fakeConn{}, nil
		},
	})

	server := &models.Server{ID: "srv", URL: "http://mcp"}
	conn, err := c.Connect(context.Background(), server, false)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 2, attempts)

	// The refreshed token was persisted.
	creds, err := store.Load(context.Background(), "srv")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", creds.String("access_token"))
}

func TestConnectDoesNotRetryTwice(t *testing.T) {
	ts := tokenServer(t, "still-rejected")
	defer ts.Close()
	store := seededStore(t, "srv", ts.URL)

	attempts := 0
	c := New(Options{
		Credentials: store,
		Dial: func(context.Context, string, map[string]string) (Conn, error) {
			attempts++
			return nil, &oauth.HTTPError{StatusCode: 401, URL: "http://mcp"}
		},
	})

	_, err := c.Connect(context.Background(), &models.Server{ID: "srv", URL: "http://mcp"}, false)
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestConnectNon401Propagates(t *testing.T) {
	attempts := 0
	c := New(Options{
		Credentials: credentials.NewFileStore(t.TempDir()),
		Dial: func(context.Context, string, map[string]string) (Conn, error) {
			attempts++
			return nil, fmt.Errorf("connection refused")
		},
	})

	_, err := c.Connect(context.Background(), &models.Server{ID: "srv", URL: "http://mcp"}, false)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestAuthenticateWithoutCredentialsIsNil(t *testing.T) {
	c := New(Options{Credentials: credentials.NewFileStore(t.TempDir())})
	token, err := c.Authenticate(context.Background(), &models.Server{ID: "unknown"})
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestIsUnauthorized(t *testing.T) {
	assert.True(t, IsUnauthorized(&oauth.HTTPError{StatusCode: 401}))
	assert.True(t, IsUnauthorized(fmt.Errorf("request failed: %w", &oauth.HTTPError{StatusCode: 401})))
	assert.True(t, IsUnauthorized(errors.Join(
		fmt.Errorf("stream closed"),
		fmt.Errorf("http status 401 Unauthorized"),
	)))
	assert.False(t, IsUnauthorized(&oauth.HTTPError{StatusCode: 500}))
	assert.False(t, IsUnauthorized(fmt.Errorf("connection refused")))
	assert.False(t, IsUnauthorized(nil))
}
