package authsrv

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/flowmesh/flowd/client/oauth"
	"github.com/flowmesh/flowd/common/logger"
)

// Router bundles the authorization endpoints over a provider.
type Router struct {
	provider Provider
	baseURL  string
	log      *logger.Logger
}

// NewRouter builds the echo server for the authorization endpoints. baseURL
// is the externally visible origin used in the metadata document.
func NewRouter(provider Provider, baseURL string, log *logger.Logger) *echo.Echo {
	if log == nil {
		log = logger.Discard()
	}
	r := &Router{provider: provider, baseURL: baseURL, log: log}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "authsrv"})
	})
	e.GET("/.well-known/oauth-authorization-server", r.metadata)
	e.GET("/authorize", r.authorize)
	e.POST("/token", r.token)
	e.POST("/register", r.register)
	e.GET("/callback", r.callback)
	return e
}

func (r *Router) metadata(c echo.Context) error {
	return c.JSON(http.StatusOK, &oauth.ServerMetadata{
		Issuer:                r.baseURL,
		AuthorizationEndpoint: r.baseURL + "/authorize",
		TokenEndpoint:         r.baseURL + "/token",
		RegistrationEndpoint:  r.baseURL + "/register",
	})
}

func (r *Router) authorize(c echo.Context) error {
	params := &AuthorizationParams{
		ResponseType:        c.QueryParam("response_type"),
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		Scope:               c.QueryParam("scope"),
		State:               c.QueryParam("state"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
	}
	if params.RedirectURI == "" {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", "redirect_uri is required"))
	}

	redirect, err := r.provider.Authorize(c.Request().Context(), params)
	if err != nil {
		return r.upstreamError(c, "authorize failed", err)
	}
	return c.Redirect(http.StatusFound, redirect)
}

func (r *Router) token(c echo.Context) error {
	grantType := c.FormValue("grant_type")
	ctx := c.Request().Context()

	var (
		token *oauth.Token
		err   error
	)
	switch grantType {
	case "authorization_code":
		token, err = r.provider.ExchangeAuthorizationCode(ctx,
			c.FormValue("code"), c.FormValue("redirect_uri"), c.FormValue("code_verifier"))
	case "refresh_token":
		token, err = r.provider.ExchangeRefreshToken(ctx,
			c.FormValue("refresh_token"), oauth.SplitScope(c.FormValue("scope")))
	default:
		return c.JSON(http.StatusBadRequest, errorBody("unsupported_grant_type", grantType))
	}

	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			return c.JSON(http.StatusBadRequest, errorBody("invalid_grant", err.Error()))
		}
		return r.upstreamError(c, "token exchange failed", err)
	}
	if token == nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_grant", "token could not be refreshed"))
	}
	return c.JSON(http.StatusOK, token)
}

func (r *Router) register(c echo.Context) error {
	var body struct {
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error()))
	}

	info, err := r.provider.RegisterClient(c.Request().Context(), body.RedirectURIs)
	if err != nil {
		if errors.Is(err, ErrRegistrationNotSupported) {
			return c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error()))
		}
		return r.upstreamError(c, "client registration failed", err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (r *Router) callback(c echo.Context) error {
	third, ok := r.provider.(*ThirdParty)
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody("invalid_request", "callback is not supported"))
	}

	redirect, err := third.Callback(c.Request().Context(), c.QueryParam("state"), c.QueryParam("code"))
	if err != nil {
		return r.upstreamError(c, "callback failed", err)
	}
	return c.Redirect(http.StatusFound, redirect)
}

// upstreamError maps provider failures onto HTTP 500: known HTTP errors log
// at error level, everything else logs the full exception.
func (r *Router) upstreamError(c echo.Context, msg string, err error) error {
	var httpErr *oauth.HTTPError
	if errors.As(err, &httpErr) {
		r.log.Error(msg, "status", httpErr.StatusCode, "url", httpErr.URL)
	} else {
		r.log.Error(msg, "error", err)
	}
	return c.JSON(http.StatusInternalServerError, errorBody("server_error", msg))
}

func errorBody(code, description string) map[string]string {
	return map[string]string{"error": code, "error_description": description}
}
