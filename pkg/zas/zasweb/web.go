// Package zasweb exposes the authorization server over HTTP using echo.
package zasweb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gematik/zero-authz/pkg/dpop"
	"github.com/gematik/zero-authz/pkg/oauth2"
	"github.com/gematik/zero-authz/pkg/oauth2server"
	"github.com/gematik/zero-authz/pkg/uma"
	"github.com/gematik/zero-authz/pkg/zas"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	headerDPoPNonce   = "DPoP-Nonce"
	headerReplayNonce = "Replay-Nonce"
	contentTypeForm   = "application/x-www-form-urlencoded"
)

type NonceResponse struct {
	Nonce string `json:"nonce"`
}

type PermissionResponse struct {
	Ticket string `json:"ticket"`
}

// TODO: make paths configurable
func MountRoutes(group *echo.Group, as *zas.Server) {
	group.Use(
		middleware.Logger(),
		ErrorHandlerMiddleware(as),
	)

	group.GET("/.well-known/oauth-authorization-server", metadata(as))
	group.GET("/.well-known/uma2-configuration", umaConfiguration(as))
	group.GET(zas.PathJWKS, jwks(as))
	group.GET(zas.PathNonce, newNonce(as))
	group.HEAD(zas.PathNonce, newNonce(as))
	group.POST(zas.PathToken, token(as))
	group.POST(zas.PathRevoke, revoke(as))
	group.POST(zas.PathPermission, permission(as))
	group.POST(zas.PathConsent, consent(as))
	group.GET(zas.PathEvents, echo.WrapHandler(as.Events))
}

// ErrorHandlerMiddleware renders errors as OAuth2 error responses. Errors
// that are not protocol errors are logged and reported as server_error
// without details.
func ErrorHandlerMiddleware(as *zas.Server) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			if oerr, ok := oauth2.AsError(err); ok {
				slog.Info("Request failed", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
				status := statusCode(oerr)
				header := c.Response().Header()
				header.Set("Cache-Control", "no-store")
				if oerr.Code == oauth2.ErrorUseDPoPNonce {
					if nonce, nerr := as.Nonces.Get(c.Request().Context()); nerr == nil {
						header.Set(headerDPoPNonce, nonce)
					}
				}
				if status == http.StatusUnauthorized {
					header.Set(echo.HeaderWWWAuthenticate, `Basic realm="zas"`)
				}
				return c.JSON(status, errorBody(oerr))
			}

			if echoErr, ok := err.(*echo.HTTPError); ok {
				return c.JSON(echoErr.Code, &oauth2.Error{
					Code:        oauth2.ErrorServerError,
					Description: fmt.Sprint(echoErr.Message),
				})
			}

			slog.Error("Error", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
			return c.JSON(http.StatusInternalServerError, &oauth2.Error{
				Code:        oauth2.ErrorServerError,
				Description: "internal error",
			})
		}
	}
}

func statusCode(oerr *oauth2.Error) int {
	switch oerr.Kind {
	case oauth2.KindClient:
		return http.StatusUnauthorized
	case oauth2.KindUMA:
		if oerr.Code == oauth2.ErrorInvalidResource {
			return http.StatusBadRequest
		}
		return http.StatusForbidden
	case oauth2.KindServer:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// errorBody merges the error details into the top level of the response, as
// UMA does for need_info.
func errorBody(oerr *oauth2.Error) map[string]any {
	body := map[string]any{"error": oerr.Code}
	if oerr.Description != "" {
		body["error_description"] = oerr.Description
	}
	if oerr.Details == nil {
		return body
	}
	data, err := json.Marshal(oerr.Details)
	if err != nil {
		return body
	}
	var extra map[string]any
	if err := json.Unmarshal(data, &extra); err != nil {
		return body
	}
	for k, v := range extra {
		if _, reserved := body[k]; !reserved {
			body[k] = v
		}
	}
	return body
}

func metadata(as *zas.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, as.Metadata)
	}
}

func umaConfiguration(as *zas.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, as.UMAConfig)
	}
}

func jwks(as *zas.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, as.Keys.PublicKeys())
	}
}

func newNonce(as *zas.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		nonce, err := as.Nonces.Get(c.Request().Context())
		if err != nil {
			return fmt.Errorf("unable to get nonce: %w", err)
		}
		c.Response().Header().Set("Cache-Control", "no-store")
		if c.Request().Method == http.MethodHead {
			c.Response().Header().Set(headerReplayNonce, nonce)
			return c.NoContent(http.StatusOK)
		}
		return c.JSON(http.StatusOK, NonceResponse{Nonce: nonce})
	}
}

func parseForm(c echo.Context) error {
	r := c.Request()
	if !strings.HasPrefix(r.Header.Get(echo.HeaderContentType), contentTypeForm) {
		return oauth2.InvalidRequest("invalid content type")
	}
	if err := r.ParseForm(); err != nil {
		return oauth2.InvalidRequest("unable to parse form: %v", err)
	}
	return nil
}

func clientAuthentication(r *http.Request) oauth2server.ClientAuthentication {
	auth := oauth2server.ClientAuthentication{
		ClientID:            r.PostForm.Get("client_id"),
		ClientSecret:        r.PostForm.Get("client_secret"),
		ClientAssertion:     r.PostForm.Get("client_assertion"),
		ClientAssertionType: r.PostForm.Get("client_assertion_type"),
	}
	auth.BasicID, auth.BasicSecret, auth.HasBasic = r.BasicAuth()
	return auth
}

// requestURI is the URI a DPoP proof must be bound to.
func requestURI(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host + c.Request().URL.Path
}

// keyThumbprint verifies an optional DPoP proof and returns the thumbprint of
// its key.
func keyThumbprint(c echo.Context, as *zas.Server) (string, error) {
	proof := c.Request().Header.Get(dpop.DPoPHeaderName)
	if proof == "" {
		return "", nil
	}
	verified, err := as.DPoP.Verify(c.Request().Context(), proof, c.Request().Method, requestURI(c))
	if err != nil {
		return "", err
	}
	return verified.KeyThumbprint, nil
}

func token(as *zas.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := parseForm(c); err != nil {
			return err
		}
		r := c.Request()
		ctx := r.Context()
		form := r.PostForm
		auth := clientAuthentication(r)

		thumbprint, err := keyThumbprint(c, as)
		if err != nil {
			return err
		}

		var granted *oauth2server.GrantedToken
		switch grantType := form.Get("grant_type"); grantType {
		case "":
			return oauth2.MissingParameter("grant_type")
		case oauth2.GrantTypePassword:
			granted, err = as.Engine.GrantResourceOwnerPassword(ctx, &oauth2server.PasswordParams{
				Username:      form.Get("username"),
				Password:      form.Get("password"),
				Scope:         form.Get("scope"),
				AMR:           oauth2.ParseScope(form.Get("amr_values")),
				KeyThumbprint: thumbprint,
			}, auth, "")
		case oauth2.GrantTypeAuthorizationCode:
			granted, err = as.Engine.GrantAuthorizationCode(ctx, &oauth2server.AuthorizationCodeParams{
				Code:          form.Get("code"),
				RedirectURI:   form.Get("redirect_uri"),
				CodeVerifier:  form.Get("code_verifier"),
				KeyThumbprint: thumbprint,
			}, auth, "")
		case oauth2.GrantTypeClientCredentials:
			granted, err = as.Engine.GrantClientCredentials(ctx, &oauth2server.ClientCredentialsParams{
				Scope:         form.Get("scope"),
				KeyThumbprint: thumbprint,
			}, auth, "")
		case oauth2.GrantTypeRefreshToken:
			granted, err = as.Engine.GrantRefreshToken(ctx, &oauth2server.RefreshTokenParams{
				RefreshToken:  form.Get("refresh_token"),
				Scope:         form.Get("scope"),
				KeyThumbprint: thumbprint,
			}, auth, "")
		case oauth2.GrantTypeUMATicket:
			granted, err = as.UMA.GrantTicket(ctx, &uma.TicketGrantParams{
				Ticket:           form.Get("ticket"),
				ClaimToken:       form.Get("claim_token"),
				ClaimTokenFormat: form.Get("claim_token_format"),
				KeyThumbprint:    thumbprint,
			}, auth, "")
		default:
			slog.Error("Unsupported grant type", "grant_type", grantType)
			return oauth2.UnsupportedGrantType(grantType)
		}
		if err != nil {
			return err
		}

		c.Response().Header().Set("Cache-Control", "no-store")
		c.Response().Header().Set("Pragma", "no-cache")
		return c.JSON(http.StatusOK, granted.Response())
	}
}

func revoke(as *zas.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := parseForm(c); err != nil {
			return err
		}
		r := c.Request()
		err := as.Engine.Revoke(r.Context(), &oauth2server.RevokeParams{
			Token:         r.PostForm.Get("token"),
			TokenTypeHint: r.PostForm.Get("token_type_hint"),
		}, clientAuthentication(r), "")
		if err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	}
}

// permission registers the requested permissions of a resource server. The
// body is a single permission object or an array of them.
func permission(as *zas.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return oauth2.InvalidRequest("unable to read body: %v", err)
		}
		var lines []uma.TicketLine
		body = bytes.TrimSpace(body)
		if bytes.HasPrefix(body, []byte("[")) {
			err = json.Unmarshal(body, &lines)
		} else {
			var line uma.TicketLine
			err = json.Unmarshal(body, &line)
			lines = []uma.TicketLine{line}
		}
		if err != nil {
			return oauth2.InvalidRequest("unable to parse permissions: %v", err)
		}

		auth := oauth2server.ClientAuthentication{}
		auth.BasicID, auth.BasicSecret, auth.HasBasic = r.BasicAuth()

		ticket, err := as.UMA.RequestPermissions(r.Context(), auth, lines, "")
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, PermissionResponse{Ticket: ticket.ID})
	}
}

func consent(as *zas.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := parseForm(c); err != nil {
			return err
		}
		r := c.Request()
		if err := as.UMA.RecordConsent(r.Context(), clientAuthentication(r), r.PostForm.Get("ticket"), ""); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}
