package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizeInfoURL(t *testing.T) {
	c := New("https://auth.example.com/authorize", "https://auth.example.com/token",
		"client-1", "", "read write", nil)

	info := c.AuthorizeInfo("https://app.example.com/cb", "state-1", "")
	assert.Equal(t,
		"https://auth.example.com/authorize?response_type=code&client_id=client-1"+
			"&redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb&scope=read+write&state=state-1",
		info.URL)
	assert.Equal(t, "state-1", info.State)
}

func TestAuthorizeInfoWithPKCE(t *testing.T) {
	c := New("https://auth.example.com/authorize", "", "client-1", "", "read", nil)

	info := c.AuthorizeInfo("https://app.example.com/cb", "s", "challenge-abc")
	assert.Contains(t, info.URL, "&code_challenge=challenge-abc")
	assert.Contains(t, info.URL, "&code_challenge_method=S256")
}

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEmpty(t, verifier)

	hash := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), challenge)

	v2, _, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, verifier, v2)
}

func TestGenerateState(t *testing.T) {
	assert.NotEqual(t, GenerateState(), GenerateState())
	assert.Len(t, GenerateState(), 32)
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))
		assert.Equal(t, "client-1", r.Form.Get("client_id"))
		assert.Equal(t, "verifier-1", r.Form.Get("code_verifier"))

		_ = json.NewEncoder(w).Encode(Token{
			AccessToken:  "at",
			TokenType:    "Bearer",
			RefreshToken: "rt",
			ExpiresIn:    3600,
		})
	}))
	defer srv.Close()

	c := New("", srv.URL, "client-1", "", "read", nil)
	token, err := c.ExchangeAuthorizationCode(context.Background(), "https://cb", "the-code", "verifier-1")
	require.NoError(t, err)
	assert.Equal(t, "at", token.AccessToken)
	assert.Equal(t, "rt", token.RefreshToken)
}

func TestExchangeAuthorizationCodeNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New("", srv.URL, "client-1", "", "", nil)
	_, err := c.ExchangeAuthorizationCode(context.Background(), "https://cb", "code", "")
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
}

func TestExchangeRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-rt", r.Form.Get("refresh_token"))
		assert.Equal(t, "read write", r.Form.Get("scope"))

		_ = json.NewEncoder(w).Encode(Token{AccessToken: "new-at"})
	}))
	defer srv.Close()

	c := New("", srv.URL, "client-1", "secret", "", nil)
	token, err := c.ExchangeRefreshToken(context.Background(), "old-rt", []string{"read", "write"})
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "new-at", token.AccessToken)
}

func TestExchangeRefreshToken4xxIsSoftFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New("", srv.URL, "client-1", "", "", nil)
	token, err := c.ExchangeRefreshToken(context.Background(), "rt", nil)
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestExchangeRefreshToken5xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New("", srv.URL, "client-1", "", "", nil)
	_, err := c.ExchangeRefreshToken(context.Background(), "rt", nil)
	assert.Error(t, err)
}

func TestServerMetadataDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/.well-known/oauth-authorization-server", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ServerMetadata{
			Issuer:                "https://issuer",
			AuthorizationEndpoint: "https://issuer/a",
			TokenEndpoint:         "https://issuer/t",
		})
	}))
	defer srv.Close()

	metadata, err := ServerMetadataDiscovery(context.Background(), nil, srv.URL+"/mcp/deep/path")
	require.NoError(t, err)
	assert.Equal(t, "https://issuer/a", metadata.AuthorizationEndpoint)
}

func TestServerMetadataDiscovery404SynthesizesDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	metadata, err := ServerMetadataDiscovery(context.Background(), nil, srv.URL+"/mcp")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/authorize", metadata.AuthorizationEndpoint)
	assert.Equal(t, srv.URL+"/token", metadata.TokenEndpoint)
	assert.Equal(t, srv.URL+"/register", metadata.RegistrationEndpoint)
}

func TestDynamicClientRegistration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "client_secret_post", payload["token_endpoint_auth_method"])
		assert.Equal(t, []any{"https://cb"}, payload["redirect_uris"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ClientInfo{ClientID: "generated", ClientSecret: "s"})
	}))
	defer srv.Close()

	info, err := DynamicClientRegistration(context.Background(), nil, srv.URL+"/register", []string{"https://cb"})
	require.NoError(t, err)
	assert.Equal(t, "generated", info.ClientID)
}

func TestSplitScope(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitScope("a  b\tc"))
	assert.Empty(t, SplitScope(""))
	assert.Empty(t, SplitScope("   "))
}
