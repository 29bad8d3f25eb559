// Package oauth implements the OAuth2 authorization-code client used to
// authenticate against MCP servers: authorize URL construction, code and
// refresh-token exchange, RFC 8414 server metadata discovery and RFC 7591
// dynamic client registration.
package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/flowmesh/flowd/common/logger"
)

// Token is an OAuth2 token response.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ServerMetadata is the authorization-server metadata document.
type ServerMetadata struct {
	Issuer                string `json:"issuer,omitempty"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
}

// ClientInfo is the result of dynamic client registration.
type ClientInfo struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
}

// AuthorizeInfo carries the constructed authorization URL and its state.
type AuthorizeInfo struct {
	URL   string
	State string
}

// HTTPError is a non-2xx response from an OAuth endpoint.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("oauth: %s returned status %d", e.URL, e.StatusCode)
}

// Client is an OAuth2 authorization-code client for one authorization server.
type Client struct {
	AuthorizeEndpoint string
	TokenEndpoint     string
	ClientID          string
	ClientSecret      string
	Scope             string

	httpClient *http.Client
	log        *logger.Logger
}

// New creates an OAuth2 client.
func New(authorizeEndpoint, tokenEndpoint, clientID, clientSecret, scope string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		AuthorizeEndpoint: authorizeEndpoint,
		TokenEndpoint:     tokenEndpoint,
		ClientID:          clientID,
		ClientSecret:      clientSecret,
		Scope:             scope,
		httpClient:        &http.Client{},
		log:               log,
	}
}

// GenerateState returns a cryptographically random opaque state string.
func GenerateState() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return fmt.Sprintf("%x", b)
}

// GeneratePKCE returns a PKCE verifier and its S256 challenge.
func GeneratePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err = rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return verifier, challenge, nil
}

// AuthorizeInfo builds the authorization URL. Parameter order is fixed so
// generated URLs are stable.
func (c *Client) AuthorizeInfo(redirectURI, state, codeChallenge string) *AuthorizeInfo {
	var b strings.Builder
	b.WriteString(c.AuthorizeEndpoint)
	b.WriteString("?response_type=code")
	b.WriteString("&client_id=")
	b.WriteString(url.QueryEscape(c.ClientID))
	b.WriteString("&redirect_uri=")
	b.WriteString(url.QueryEscape(redirectURI))
	b.WriteString("&scope=")
	b.WriteString(url.QueryEscape(c.Scope))
	b.WriteString("&state=")
	b.WriteString(url.QueryEscape(state))
	if codeChallenge != "" {
		b.WriteString("&code_challenge=")
		b.WriteString(url.QueryEscape(codeChallenge))
		b.WriteString("&code_challenge_method=S256")
	}
	return &AuthorizeInfo{URL: b.String(), State: state}
}

// ExchangeAuthorizationCode redeems an authorization code for a token.
// Non-2xx responses are an error.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, redirectURI, code, codeVerifier string) (*Token, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {c.ClientID},
	}
	if c.ClientSecret != "" {
		form.Set("client_secret", c.ClientSecret)
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	token, status, err := c.postToken(ctx, form)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		c.log.Warn("authorization code exchange failed", "status", status, "endpoint", c.TokenEndpoint)
		return nil, &HTTPError{StatusCode: status, URL: c.TokenEndpoint}
	}
	return token, nil
}

// ExchangeRefreshToken redeems a refresh token. A 4xx response is a soft
// failure and returns nil; other non-2xx responses are an error.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string, scopes []string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.ClientID},
	}
	if c.ClientSecret != "" {
		form.Set("client_secret", c.ClientSecret)
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	token, status, err := c.postToken(ctx, form)
	if err != nil {
		return nil, err
	}
	if status >= 400 && status < 500 {
		c.log.Warn("refresh token exchange rejected", "status", status, "endpoint", c.TokenEndpoint)
		return nil, nil
	}
	if status < 200 || status >= 300 {
		return nil, &HTTPError{StatusCode: status, URL: c.TokenEndpoint}
	}
	return token, nil
}

func (c *Client) postToken(ctx context.Context, form url.Values) (*Token, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("token request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, res.StatusCode, nil
	}

	var token Token
	if err := json.NewDecoder(res.Body).Decode(&token); err != nil {
		return nil, res.StatusCode, fmt.Errorf("invalid token response: %w", err)
	}
	return &token, res.StatusCode, nil
}

// ServerMetadataDiscovery fetches the RFC 8414 metadata document for the
// server hosting baseURL. A 404 synthesizes conventional defaults under the
// same host.
func ServerMetadataDiscovery(ctx context.Context, httpClient *http.Client, baseURL string) (*ServerMetadata, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	origin := fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	wellKnown := origin + "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, err
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata discovery failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return &ServerMetadata{
			Issuer:                origin,
			AuthorizationEndpoint: origin + "/authorize",
			TokenEndpoint:         origin + "/token",
			RegistrationEndpoint:  origin + "/register",
		}, nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: res.StatusCode, URL: wellKnown}
	}

	var metadata ServerMetadata
	if err := json.NewDecoder(res.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata document: %w", err)
	}
	return &metadata, nil
}

// DynamicClientRegistration registers a client per RFC 7591.
func DynamicClientRegistration(ctx context.Context, httpClient *http.Client, registrationEndpoint string, redirectURIs []string) (*ClientInfo, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	payload := map[string]any{
		"redirect_uris":              redirectURIs,
		"token_endpoint_auth_method": "client_secret_post",
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client registration failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: res.StatusCode, URL: registrationEndpoint}
	}

	var info ClientInfo
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("invalid registration response: %w", err)
	}
	return &info, nil
}

// SplitScope splits a scope string on whitespace, collapsing runs. An empty
// string yields an empty list.
func SplitScope(scope string) []string {
	return strings.Fields(scope)
}
