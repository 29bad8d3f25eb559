// Package authsrv implements the OAuth2 authorization server fronting the
// engine's own MCP surface. Two providers exist: a pass-thru provider where
// the engine is the authorization server, and a third-party provider that
// delegates to an upstream OAuth server and wraps its tokens.
package authsrv

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/flowmesh/flowd/client/oauth"
	"github.com/flowmesh/flowd/common/logger"
)

// ErrRegistrationNotSupported is returned by providers without dynamic
// client registration.
var ErrRegistrationNotSupported = errors.New("authsrv: client registration is not supported")

// ErrInvalidGrant covers unusable codes, states and refresh tokens.
var ErrInvalidGrant = errors.New("authsrv: invalid grant")

// AuthorizationParams captures one client's /authorize request.
type AuthorizationParams struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// Verifier is the PKCE verifier for the upstream leg of a third-party
	// flow. Never echoed to clients.
	Verifier string `json:"verifier,omitempty"`
}

// Provider is the behavior behind the authorization endpoints.
type Provider interface {
	// Authorize handles a client authorization request and returns the URL
	// to redirect the user agent to.
	Authorize(ctx context.Context, params *AuthorizationParams) (string, error)
	// ExchangeAuthorizationCode redeems a code issued by this server.
	ExchangeAuthorizationCode(ctx context.Context, code, redirectURI, codeVerifier string) (*oauth.Token, error)
	// ExchangeRefreshToken redeems a refresh token issued by this server.
	// An unusable token returns (nil, nil).
	ExchangeRefreshToken(ctx context.Context, refreshToken string, scopes []string) (*oauth.Token, error)
	// RegisterClient performs dynamic client registration.
	RegisterClient(ctx context.Context, redirectURIs []string) (*oauth.ClientInfo, error)
}

// ExchangeFunc redeems an authorization code for the pass-thru provider.
// Embedders supply the hook; the provider wraps its result in signed JWTs.
type ExchangeFunc func(ctx context.Context, code, redirectURI, codeVerifier string) (*oauth.Token, error)

// PassThru is the provider variant where the engine itself is the
// authorization server. Issued tokens are HS256 JWTs over the secret key.
type PassThru struct {
	secretKey string
	tokenTTL  time.Duration
	exchange  ExchangeFunc
	log       *logger.Logger
}

// NewPassThru creates a pass-thru provider. exchange may be nil, in which
// case code exchange fails with ErrInvalidGrant.
func NewPassThru(secretKey string, tokenTTL time.Duration, exchange ExchangeFunc, log *logger.Logger) *PassThru {
	if log == nil {
		log = logger.Discard()
	}
	return &PassThru{
		secretKey: secretKey,
		tokenTTL:  tokenTTL,
		exchange:  exchange,
		log:       log,
	}
}

// Authorize signs the request state into the redirect back to the client.
func (p *PassThru) Authorize(_ context.Context, params *AuthorizationParams) (string, error) {
	signed, err := signClaims(p.secretKey, &TokenClaims{
		Token:    params.State,
		ClientID: params.ClientID,
		Scopes:   oauth.SplitScope(params.Scope),
	}, p.tokenTTL)
	if err != nil {
		return "", err
	}

	redirect, err := url.Parse(params.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect_uri: %w", err)
	}
	q := redirect.Query()
	q.Set("code", signed)
	q.Set("state", params.State)
	redirect.RawQuery = q.Encode()
	return redirect.String(), nil
}

func (p *PassThru) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI, codeVerifier string) (*oauth.Token, error) {
	if p.exchange == nil {
		return nil, ErrInvalidGrant
	}
	inner, err := p.exchange(ctx, code, redirectURI, codeVerifier)
	if err != nil {
		return nil, err
	}
	return p.wrap(inner.AccessToken, inner.RefreshToken, "", inner.Scope)
}

// ExchangeRefreshToken re-issues tokens from a refresh JWT. Decode failures
// are silent.
func (p *PassThru) ExchangeRefreshToken(_ context.Context, refreshToken string, scopes []string) (*oauth.Token, error) {
	claims := decodeClaims(p.secretKey, refreshToken)
	if claims == nil {
		p.log.Warn("refresh token failed verification")
		return nil, nil
	}
	if len(scopes) == 0 {
		scopes = claims.Scopes
	}
	return p.wrap(claims.Token, claims.Token, claims.ClientID, joinScopes(scopes))
}

func (p *PassThru) RegisterClient(context.Context, []string) (*oauth.ClientInfo, error) {
	return nil, ErrRegistrationNotSupported
}

// wrap signs inner tokens into the access/refresh JWT pair.
func (p *PassThru) wrap(accessInner, refreshInner, clientID, scope string) (*oauth.Token, error) {
	scopes := oauth.SplitScope(scope)
	access, err := signClaims(p.secretKey, &TokenClaims{
		Token:    accessInner,
		ClientID: clientID,
		Scopes:   scopes,
	}, p.tokenTTL)
	if err != nil {
		return nil, err
	}
	token := &oauth.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(p.tokenTTL.Seconds()),
		Scope:       scope,
	}
	if refreshInner != "" {
		// Refresh tokens outlive access tokens tenfold.
		refresh, err := signClaims(p.secretKey, &TokenClaims{
			Token:    refreshInner,
			ClientID: clientID,
			Scopes:   scopes,
		}, p.tokenTTL*10)
		if err != nil {
			return nil, err
		}
		token.RefreshToken = refresh
	}
	return token, nil
}

// DecodeAccessToken verifies an access token issued by this server. A nil
// return means the token is unusable.
func (p *PassThru) DecodeAccessToken(signed string) *TokenClaims {
	return decodeClaims(p.secretKey, signed)
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
