// Package pep is the policy enforcement point of resource servers. It
// verifies access tokens issued by the authorization server, checks their
// UMA permissions and answers unauthorized requests with a permission ticket.
package pep

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/gematik/zero-authz/pkg/dpop"
	"github.com/gematik/zero-authz/pkg/jose"
	"github.com/gematik/zero-authz/pkg/uma"
	"github.com/gematik/zero-authz/pkg/util"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const claimsContextKey = "pep.claims"

var (
	ErrNoToken      = errors.New("no access token")
	ErrInvalidToken = errors.New("invalid access token")
)

type Permission struct {
	ResourceID string   `json:"resource_id" validate:"required"`
	Scopes     []string `json:"resource_scopes"`
}

type PEP struct {
	config        Config
	httpClient    *http.Client
	authzMetadata *uma.Configuration
	jwksCache     *jwk.Cache
	dpop          *dpop.Verifier
	now           func() time.Time
}

type Option func(*PEP) error

func WithHTTPClient(client *http.Client) Option {
	return func(p *PEP) error {
		p.httpClient = client
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *PEP) error {
		p.now = now
		return nil
	}
}

// New fetches the UMA configuration and signing keys of the authorization
// server. The key cache is refreshed in the background until ctx is done.
func New(ctx context.Context, config Config, opts ...Option) (*PEP, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.JWKSRefreshInterval <= 0 {
		config.JWKSRefreshInterval = 15 * time.Minute
	}
	p := &PEP{
		config:     config,
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	verifier, err := dpop.NewVerifier(dpop.WithClock(p.now))
	if err != nil {
		return nil, err
	}
	p.dpop = verifier

	if err := p.reloadMetadata(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func NewFromConfigFile(ctx context.Context, path string) (*PEP, error) {
	config, err := LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	return New(ctx, *config)
}

func (p *PEP) Config() Config {
	return p.config
}

func (p *PEP) AuthzMetadata() *uma.Configuration {
	return p.authzMetadata
}

func (p *PEP) reloadMetadata(ctx context.Context) error {
	metadata, err := p.fetchAuthzMetadata(ctx)
	if err != nil {
		return fmt.Errorf("fetch metadata: %w", err)
	}
	if metadata.Issuer != p.config.AuthzIssuer {
		return fmt.Errorf("metadata issuer %q does not match %q", metadata.Issuer, p.config.AuthzIssuer)
	}
	slog.Info("Fetched authz metadata", "issuer", metadata.Issuer, "permission_endpoint", metadata.PermissionEndpoint)
	p.authzMetadata = metadata

	jwksCache := jwk.NewCache(ctx)
	err = jwksCache.Register(
		metadata.JwksURI,
		jwk.WithMinRefreshInterval(p.config.JWKSRefreshInterval),
		jwk.WithHTTPClient(p.httpClient),
	)
	if err != nil {
		return fmt.Errorf("register jwks: %w", err)
	}
	// refresh signing keys
	if _, err := jwksCache.Refresh(ctx, metadata.JwksURI); err != nil {
		return fmt.Errorf("failed to fetch signing keys: %w", err)
	}
	slog.Info("Fetched signing keys", "jwks_uri", metadata.JwksURI)

	p.jwksCache = jwksCache
	return nil
}

func (p *PEP) fetchAuthzMetadata(ctx context.Context) (*uma.Configuration, error) {
	metadataURL := strings.TrimRight(p.config.AuthzIssuer, "/") + "/.well-known/uma2-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var metadata uma.Configuration
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &metadata, nil
}

// VerifyRequest verifies the access token of the request. DPoP bound tokens
// must be presented with the DPoP scheme and a matching proof.
func (p *PEP) VerifyRequest(r *http.Request) (*claims.Set, error) {
	ctx := r.Context()
	scheme, token, _ := strings.Cut(r.Header.Get(echo.HeaderAuthorization), " ")
	if token == "" {
		return nil, ErrNoToken
	}

	keys, err := p.jwksCache.Get(ctx, p.authzMetadata.JwksURI)
	if err != nil {
		return nil, fmt.Errorf("get signing keys: %w", err)
	}
	payload, err := jose.Verify(ctx, token, p.now, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if payload.String(claims.Issuer) != p.config.AuthzIssuer {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}

	jkt := boundKey(payload)
	switch {
	case strings.EqualFold(scheme, "DPoP"):
		if jkt == "" {
			return nil, fmt.Errorf("%w: token is not DPoP bound", ErrInvalidToken)
		}
		proof, err := p.dpop.Verify(ctx, r.Header.Get(dpop.DPoPHeaderName), r.Method, requestURL(r))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if proof.KeyThumbprint != jkt {
			return nil, fmt.Errorf("%w: proof key does not match the token binding", ErrInvalidToken)
		}
		if proof.AccessTokenHash != accessTokenHash(token) {
			return nil, fmt.Errorf("%w: proof ath does not match the token", ErrInvalidToken)
		}
	case strings.EqualFold(scheme, "Bearer"):
		if jkt != "" {
			return nil, fmt.Errorf("%w: DPoP bound token presented as bearer token", ErrInvalidToken)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported authorization scheme", ErrInvalidToken)
	}
	return payload, nil
}

func boundKey(payload *claims.Set) string {
	cnf, _ := payload.Get("cnf")
	m, _ := cnf.(map[string]any)
	jkt, _ := m["jkt"].(string)
	return jkt
}

func accessTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	} else if proto := r.Header.Get(echo.HeaderXForwardedProto); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.Path
}

type rptClaims struct {
	Permissions []Permission `json:"permissions" validate:"dive"`
}

// Permissions returns the UMA permissions of a requesting party token.
func Permissions(payload *claims.Set) []Permission {
	if !payload.Has("permissions") {
		return nil
	}
	rpt, err := util.Convert[rptClaims](payload.Map())
	if err != nil {
		slog.Debug("Malformed permissions claim", "error", err)
		return nil
	}
	return rpt.Permissions
}

// HasPermission reports whether the token grants all scopes on the resource.
func HasPermission(payload *claims.Set, resourceID string, scopes ...string) bool {
	for _, perm := range Permissions(payload) {
		if perm.ResourceID != resourceID {
			continue
		}
		granted := true
		for _, s := range scopes {
			if !contains(perm.Scopes, s) {
				granted = false
				break
			}
		}
		if granted {
			return true
		}
	}
	return false
}

// RequestTicket registers the permissions at the authorization server and
// returns the permission ticket.
func (p *PEP) RequestTicket(ctx context.Context, perms ...Permission) (string, error) {
	if p.config.TicketClient == nil {
		return "", errors.New("no ticket client configured")
	}
	body, err := json.Marshal(perms)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.authzMetadata.PermissionEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.SetBasicAuth(p.config.TicketClient.ClientID, p.config.TicketClient.ClientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request ticket: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("request ticket: unexpected status %d", resp.StatusCode)
	}
	var ticket struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return "", fmt.Errorf("decode ticket: %w", err)
	}
	return ticket.Ticket, nil
}

// RequirePermission only passes requests whose token grants the scopes on
// the resource set. Verified claims are available via ClaimsFromContext.
func (p *PEP) RequirePermission(resourceID string, scopes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			payload, err := p.VerifyRequest(c.Request())
			if err != nil && !errors.Is(err, ErrNoToken) && !errors.Is(err, ErrInvalidToken) {
				return err
			}
			if err == nil && HasPermission(payload, resourceID, scopes...) {
				c.Set(claimsContextKey, payload)
				return next(c)
			}
			slog.Info("Access denied", "path", c.Path(), "resource_id", resourceID, "reason", err)
			return p.challenge(c, resourceID, scopes, err)
		}
	}
}

func (p *PEP) challenge(c echo.Context, resourceID string, scopes []string, cause error) error {
	if p.config.TicketClient == nil {
		desc := "insufficient_scope"
		status := http.StatusForbidden
		if cause != nil {
			desc = "invalid_token"
			status = http.StatusUnauthorized
		}
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, fmt.Sprintf(`Bearer error=%q`, desc))
		return c.NoContent(status)
	}

	ticket, err := p.RequestTicket(c.Request().Context(), Permission{ResourceID: resourceID, Scopes: scopes})
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderWWWAuthenticate,
		fmt.Sprintf(`UMA realm="zas", as_uri=%q, ticket=%q`, p.config.AuthzIssuer, ticket))
	return c.NoContent(http.StatusUnauthorized)
}

func ClaimsFromContext(c echo.Context) *claims.Set {
	payload, _ := c.Get(claimsContextKey).(*claims.Set)
	return payload
}

// MountRoutes protects and proxies the configured routes.
func (p *PEP) MountRoutes(e *echo.Echo) error {
	for _, route := range p.config.Routes {
		upstream, err := url.Parse(route.Upstream)
		if err != nil {
			return fmt.Errorf("parse upstream of %s: %w", route.Path, err)
		}
		proxy := middleware.Proxy(middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{{URL: upstream}}))
		guard := p.RequirePermission(route.ResourceID, route.Scopes...)
		path := strings.TrimRight(route.Path, "/")
		e.Any(path, echo.NotFoundHandler, guard, proxy)
		e.Any(path+"/*", echo.NotFoundHandler, guard, proxy)
		slog.Info("Protecting route", "path", route.Path, "resource_id", route.ResourceID, "upstream", route.Upstream)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
