package authsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowd/client/oauth"
	"github.com/flowmesh/flowd/common/cache"
)

// upstreamServer fakes the upstream token endpoint.
func upstreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			assert.Equal(t, "upstream-code", r.Form.Get("code"))
			assert.NotEmpty(t, r.Form.Get("code_verifier"))
			_ = json.NewEncoder(w).Encode(oauth.Token{AccessToken: "up-at", RefreshToken: "up-rt"})
		case "refresh_token":
			_ = json.NewEncoder(w).Encode(oauth.Token{AccessToken: "up-at-2"})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
}

func newThirdParty(t *testing.T, tokenEndpoint string) (*ThirdParty, cache.Cache) {
	t.Helper()
	c := cache.NewMemoryCache()
	t.Cleanup(func() { _ = c.Close() })
	upstream := oauth.New("https://upstream/authorize", tokenEndpoint, "up-client", "up-secret", "read", nil)
	return NewThirdParty(upstream, c, "secret", time.Hour, 10*time.Minute, "https://flowd/callback", nil), c
}

func TestThirdPartyAuthorizeParksState(t *testing.T) {
	p, c := newThirdParty(t, "")

	redirect, err := p.Authorize(context.Background(), &AuthorizationParams{
		ClientID:    "client-1",
		RedirectURI: "https://app/cb",
		Scope:       "read",
		State:       "client-state",
	})
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "https://upstream/authorize", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, "up-client", u.Query().Get("client_id"))
	assert.Equal(t, "https://flowd/callback", u.Query().Get("redirect_uri"))
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))

	upstreamState := u.Query().Get("state")
	require.NotEmpty(t, upstreamState)
	assert.NotEqual(t, "client-state", upstreamState)

	payload, found, err := c.Get(context.Background(), statePrefix+upstreamState)
	require.NoError(t, err)
	require.True(t, found)
	var parked AuthorizationParams
	require.NoError(t, json.Unmarshal(payload, &parked))
	assert.Equal(t, "client-state", parked.State)
	assert.NotEmpty(t, parked.Verifier)
}

func TestThirdPartyCallbackAndExchange(t *testing.T) {
	srv := upstreamServer(t)
	defer srv.Close()
	p, c := newThirdParty(t, srv.URL)
	ctx := context.Background()

	redirect, err := p.Authorize(ctx, &AuthorizationParams{
		ClientID:    "client-1",
		RedirectURI: "https://app/cb",
		Scope:       "read",
		State:       "client-state",
	})
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	upstreamState := u.Query().Get("state")

	clientRedirect, err := p.Callback(ctx, upstreamState, "upstream-code")
	require.NoError(t, err)

	cu, err := url.Parse(clientRedirect)
	require.NoError(t, err)
	assert.Equal(t, "https://app/cb", cu.Scheme+"://"+cu.Host+cu.Path)
	assert.Equal(t, "client-state", cu.Query().Get("state"))

	// The parked state is single use.
	_, found, err := c.Get(ctx, statePrefix+upstreamState)
	require.NoError(t, err)
	assert.False(t, found)

	token, err := p.ExchangeAuthorizationCode(ctx, cu.Query().Get("code"), "", "")
	require.NoError(t, err)

	access := decodeClaims("secret", token.AccessToken)
	require.NotNil(t, access)
	assert.Equal(t, "up-at", access.Token)
	assert.Equal(t, "client-1", access.ClientID)

	refresh := decodeClaims("secret", token.RefreshToken)
	require.NotNil(t, refresh)
	assert.Equal(t, "up-rt", refresh.Token)
}

func TestThirdPartyCallbackUnknownState(t *testing.T) {
	p, _ := newThirdParty(t, "")
	_, err := p.Callback(context.Background(), "never-parked", "code")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestThirdPartyExchangeBadCode(t *testing.T) {
	p, _ := newThirdParty(t, "")
	_, err := p.ExchangeAuthorizationCode(context.Background(), "not-a-jwt", "", "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestThirdPartyRefreshKeepsInnerOnSoftUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	p, _ := newThirdParty(t, srv.URL)

	refresh, err := signClaims("secret", &TokenClaims{
		Token:    "old-inner",
		ClientID: "client-1",
		Scopes:   []string{"read"},
	}, time.Hour)
	require.NoError(t, err)

	token, err := p.ExchangeRefreshToken(context.Background(), refresh, nil)
	require.NoError(t, err)
	require.NotNil(t, token)

	access := decodeClaims("secret", token.AccessToken)
	require.NotNil(t, access)
	assert.Equal(t, "old-inner", access.Token)
}

func TestThirdPartyRefreshBadTokenIsSoft(t *testing.T) {
	p, _ := newThirdParty(t, "")
	token, err := p.ExchangeRefreshToken(context.Background(), "garbage", nil)
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestThirdPartyRegisterIssuesLocalCredentials(t *testing.T) {
	p, _ := newThirdParty(t, "")

	info, err := p.RegisterClient(context.Background(), []string{"https://app/cb"})
	require.NoError(t, err)
	assert.NotEmpty(t, info.ClientID)
	assert.NotEmpty(t, info.ClientSecret)
	assert.Equal(t, []string{"https://app/cb"}, info.RedirectURIs)

	second, err := p.RegisterClient(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, info.ClientID, second.ClientID)
}

func TestSplitInner(t *testing.T) {
	access, refresh := splitInner("a\x00r")
	assert.Equal(t, "a", access)
	assert.Equal(t, "r", refresh)

	access, refresh = splitInner("only-access")
	assert.Equal(t, "only-access", access)
	assert.Empty(t, refresh)
}
