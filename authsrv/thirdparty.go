package authsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowd/client/oauth"
	"github.com/flowmesh/flowd/common/cache"
	"github.com/flowmesh/flowd/common/logger"
)

// statePrefix namespaces cached authorization params.
const statePrefix = "authsrv:state:"

// ThirdParty delegates authorization to an upstream OAuth server. Client
// state is parked in the cache while the user agent round-trips upstream;
// upstream tokens come back wrapped in this server's JWTs.
type ThirdParty struct {
	upstream    *oauth.Client
	cache       cache.Cache
	secretKey   string
	tokenTTL    time.Duration
	stateTTL    time.Duration
	callbackURL string
	log         *logger.Logger
}

// NewThirdParty creates a third-party provider. callbackURL is this server's
// /callback endpoint as registered with the upstream provider.
func NewThirdParty(upstream *oauth.Client, c cache.Cache, secretKey string, tokenTTL, stateTTL time.Duration, callbackURL string, log *logger.Logger) *ThirdParty {
	if log == nil {
		log = logger.Discard()
	}
	return &ThirdParty{
		upstream:    upstream,
		cache:       c,
		secretKey:   secretKey,
		tokenTTL:    tokenTTL,
		stateTTL:    stateTTL,
		callbackURL: callbackURL,
		log:         log,
	}
}

// Authorize parks the client's params under a fresh upstream state and sends
// the user agent to the upstream authorization endpoint with PKCE.
func (p *ThirdParty) Authorize(ctx context.Context, params *AuthorizationParams) (string, error) {
	upstreamState := oauth.GenerateState()
	verifier, challenge, err := oauth.GeneratePKCE()
	if err != nil {
		return "", err
	}
	params.Verifier = verifier

	payload, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	if err := p.cache.Set(ctx, statePrefix+upstreamState, payload, p.stateTTL); err != nil {
		return "", fmt.Errorf("failed to park authorization state: %w", err)
	}

	info := p.upstream.AuthorizeInfo(p.callbackURL, upstreamState, challenge)
	return info.URL, nil
}

// Callback redeems the upstream code and returns the redirect that hands a
// wrapped code back to the original client.
func (p *ThirdParty) Callback(ctx context.Context, state, code string) (string, error) {
	payload, found, err := p.cache.Get(ctx, statePrefix+state)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: unknown state", ErrInvalidGrant)
	}
	_ = p.cache.Delete(ctx, statePrefix+state)

	var params AuthorizationParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return "", fmt.Errorf("corrupt authorization state: %w", err)
	}

	token, err := p.upstream.ExchangeAuthorizationCode(ctx, p.callbackURL, code, params.Verifier)
	if err != nil {
		return "", err
	}

	// The code handed back to the client is a JWT carrying the upstream
	// tokens; /token unwraps it.
	signedCode, err := signClaims(p.secretKey, &TokenClaims{
		Token:    token.AccessToken + "\x00" + token.RefreshToken,
		ClientID: params.ClientID,
		Scopes:   oauth.SplitScope(params.Scope),
	}, p.stateTTL)
	if err != nil {
		return "", err
	}

	redirect, err := url.Parse(params.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect_uri: %w", err)
	}
	q := redirect.Query()
	q.Set("code", signedCode)
	q.Set("state", params.State)
	redirect.RawQuery = q.Encode()
	return redirect.String(), nil
}

func (p *ThirdParty) ExchangeAuthorizationCode(_ context.Context, code, _, _ string) (*oauth.Token, error) {
	claims := decodeClaims(p.secretKey, code)
	if claims == nil {
		return nil, ErrInvalidGrant
	}
	access, refresh := splitInner(claims.Token)
	return p.wrap(access, refresh, claims.ClientID, claims.Scopes)
}

func (p *ThirdParty) ExchangeRefreshToken(ctx context.Context, refreshToken string, scopes []string) (*oauth.Token, error) {
	claims := decodeClaims(p.secretKey, refreshToken)
	if claims == nil {
		p.log.Warn("refresh token failed verification")
		return nil, nil
	}

	// Try to refresh upstream too; a soft upstream failure keeps the old
	// inner token.
	inner := claims.Token
	upstream, err := p.upstream.ExchangeRefreshToken(ctx, inner, scopes)
	if err != nil {
		return nil, err
	}
	access, refresh := inner, inner
	if upstream != nil {
		access = upstream.AccessToken
		if upstream.RefreshToken != "" {
			refresh = upstream.RefreshToken
		}
	}
	if len(scopes) == 0 {
		scopes = claims.Scopes
	}
	return p.wrap(access, refresh, claims.ClientID, scopes)
}

// RegisterClient issues local credentials; upstream registration happened
// out of band when the deployment was configured.
func (p *ThirdParty) RegisterClient(_ context.Context, redirectURIs []string) (*oauth.ClientInfo, error) {
	return &oauth.ClientInfo{
		ClientID:     uuid.NewString(),
		ClientSecret: oauth.GenerateState(),
		RedirectURIs: redirectURIs,
	}, nil
}

func (p *ThirdParty) wrap(accessInner, refreshInner, clientID string, scopes []string) (*oauth.Token, error) {
	access, err := signClaims(p.secretKey, &TokenClaims{
		Token:    accessInner,
		ClientID: clientID,
		Scopes:   scopes,
	}, p.tokenTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := signClaims(p.secretKey, &TokenClaims{
		Token:    refreshInner,
		ClientID: clientID,
		Scopes:   scopes,
	}, p.tokenTTL*10)
	if err != nil {
		return nil, err
	}
	return &oauth.Token{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(p.tokenTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        joinScopes(scopes),
	}, nil
}

// splitInner separates the access and refresh halves of a wrapped code.
func splitInner(inner string) (access, refresh string) {
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\x00' {
			return inner[:i], inner[i+1:]
		}
	}
	return inner, ""
}
