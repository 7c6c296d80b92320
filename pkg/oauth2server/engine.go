// Package oauth2server implements the token endpoint grants of the
// authorization server: resource owner password, authorization code, client
// credentials and refresh token, plus token revocation.
//
// The Engine holds no mutable state. All shared state lives behind the store
// interfaces, which must be safe for concurrent use.
package oauth2server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gematik/zero-authz/pkg/audit"
	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/gematik/zero-authz/pkg/oauth2"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/segmentio/ksuid"
)

// SignatureService signs token payloads and encrypts id tokens for clients.
type SignatureService interface {
	Sign(ctx context.Context, payload *claims.Set, alg string) (string, error)
	EncryptForClient(ctx context.Context, payload string, keys jwk.Set, alg, enc string) (string, error)
}

type Engine struct {
	cfg     Config
	clients ClientAuthenticator
	codes   AuthorizationCodeStore
	tokens  TokenStore
	signer  SignatureService
	owners  map[string]ResourceOwnerAuthenticator
	events  audit.Publisher
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Engine) error

// WithResourceOwnerAuthenticator registers an authenticator under its AMR.
func WithResourceOwnerAuthenticator(a ResourceOwnerAuthenticator) Option {
	return func(e *Engine) error {
		if _, dup := e.owners[a.AMR()]; dup {
			return fmt.Errorf("duplicate resource owner authenticator for amr %q", a.AMR())
		}
		e.owners[a.AMR()] = a
		return nil
	}
}

func WithPublisher(p audit.Publisher) Option {
	return func(e *Engine) error {
		e.events = p
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		e.now = now
		return nil
	}
}

func New(cfg Config, clients ClientAuthenticator, codes AuthorizationCodeStore, tokens TokenStore, signer SignatureService, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if clients == nil || codes == nil || tokens == nil || signer == nil {
		return nil, errors.New("client authenticator, code store, token store and signer are required")
	}
	e := &Engine{
		cfg:     cfg,
		clients: clients,
		codes:   codes,
		tokens:  tokens,
		signer:  signer,
		owners:  make(map[string]ResourceOwnerAuthenticator),
		events:  audit.Discard,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) issuer(issuer string) string {
	if issuer == "" {
		return e.cfg.Issuer
	}
	return issuer
}

// AuthenticateClient authenticates the client of a request against issuer.
func (e *Engine) AuthenticateClient(ctx context.Context, auth ClientAuthentication, issuer string) (*Client, error) {
	client, err := e.clients.AuthenticateClient(ctx, auth, e.issuer(issuer))
	if err != nil {
		if oerr, ok := oauth2.AsError(err); ok {
			e.publish(ctx, audit.ClientAuthFailure, map[string]any{
				"client_id": firstNonEmpty(auth.ClientID, auth.BasicID),
				"reason":    oerr.Description,
			})
		}
		return nil, err
	}
	return client, nil
}

func (e *Engine) GrantResourceOwnerPassword(ctx context.Context, params *PasswordParams, auth ClientAuthentication, issuer string) (*GrantedToken, error) {
	if err := validatePasswordParams(params); err != nil {
		return nil, err
	}
	issuer = e.issuer(issuer)
	client, err := e.AuthenticateClient(ctx, auth, issuer)
	if err != nil {
		return nil, err
	}
	if err := checkGrantType(client, oauth2.GrantTypePassword); err != nil {
		return nil, err
	}
	scopes := oauth2.ParseScope(params.Scope)
	if err := checkScopes(client, scopes); err != nil {
		return nil, err
	}

	owner, err := e.authenticateOwner(ctx, params)
	if err != nil {
		return nil, err
	}

	req := IssueRequest{
		Scopes:          scopes,
		Subject:         owner.String(claims.Subject),
		UserInfoPayload: owner,
		KeyThumbprint:   params.KeyThumbprint,
		Issuer:          issuer,
		GrantType:       oauth2.GrantTypePassword,
	}
	if oauth2.ContainsScope(scopes, oauth2.ScopeOpenID) {
		req.IDTokenPayload = owner.Clone()
	}
	return e.IssueToken(ctx, client, req)
}

// authenticateOwner tries the registered authenticators in the requested AMR
// order and falls back to password authentication.
func (e *Engine) authenticateOwner(ctx context.Context, params *PasswordParams) (*claims.Set, error) {
	amrs := params.AMR
	if len(amrs) == 0 {
		amrs = []string{AMRPassword}
	}
	tried := false
	for _, amr := range amrs {
		authenticator, ok := e.owners[amr]
		if !ok {
			continue
		}
		tried = true
		owner, err := authenticator.Authenticate(ctx, params.Username, params.Password)
		if errors.Is(err, ErrInvalidCredentials) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("authenticate resource owner: %w", err)
		}
		owner.Put(claims.Amr, []string{amr})
		return owner, nil
	}
	if !tried {
		if authenticator, ok := e.owners[AMRPassword]; ok {
			owner, err := authenticator.Authenticate(ctx, params.Username, params.Password)
			if err == nil {
				owner.Put(claims.Amr, []string{AMRPassword})
				return owner, nil
			}
			if !errors.Is(err, ErrInvalidCredentials) {
				return nil, fmt.Errorf("authenticate resource owner: %w", err)
			}
		}
	}
	e.logger.Info("Resource owner authentication failed", "username", params.Username)
	return nil, oauth2.InvalidGrant("the resource owner credentials are not correct")
}

func (e *Engine) GrantAuthorizationCode(ctx context.Context, params *AuthorizationCodeParams, auth ClientAuthentication, issuer string) (*GrantedToken, error) {
	if err := validateAuthorizationCodeParams(params); err != nil {
		return nil, err
	}
	issuer = e.issuer(issuer)
	client, err := e.AuthenticateClient(ctx, auth, issuer)
	if err != nil {
		return nil, err
	}
	if err := checkGrantType(client, oauth2.GrantTypeAuthorizationCode); err != nil {
		return nil, err
	}
	if !client.AllowsResponseType(oauth2.ResponseTypeCode) {
		return nil, oauth2.InvalidClient("the client is not allowed to use the code response type")
	}

	code, err := e.codes.GetCode(ctx, params.Code)
	if errors.Is(err, ErrNotFound) {
		return nil, oauth2.InvalidGrant("the authorization code is not correct")
	}
	if err != nil {
		return nil, fmt.Errorf("get authorization code: %w", err)
	}

	if client.RequirePKCE || code.CodeChallenge != "" {
		if code.CodeChallenge == "" {
			return nil, oauth2.InvalidGrant("the authorization code has no code challenge")
		}
		if !oauth2.VerifyCodeChallenge(code.CodeChallengeMethod, code.CodeChallenge, params.CodeVerifier) {
			return nil, oauth2.InvalidGrant("the code_verifier is not correct")
		}
	}

	if code.ClientID != client.ID {
		return nil, oauth2.InvalidGrant("the authorization code was not issued to this client")
	}
	if code.RedirectURI != params.RedirectURI {
		return nil, oauth2.InvalidGrant("the redirect_uri is not correct")
	}

	if code.Expired(e.now(), e.cfg.AuthorizationCodeValidity) {
		return nil, oauth2.InvalidGrant("the authorization code is obsolete")
	}

	// the code is consumed before any token is issued
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	removed, err := e.codes.RemoveCode(ctx, code.Code)
	if err != nil {
		return nil, fmt.Errorf("remove authorization code: %w", err)
	}
	if !removed {
		return nil, oauth2.InvalidGrant("the authorization code is not correct")
	}

	existing, err := e.tokens.GetToken(ctx, code.Scopes, client.ID, code.IDTokenPayload, code.UserInfoPayload)
	switch {
	case err == nil && existing != nil && !existing.Expired(e.now()) && existing.KeyThumbprint == params.KeyThumbprint:
		e.logger.Debug("Reusing granted token", "client_id", client.ID, "token_id", existing.ID)
		e.publish(ctx, audit.TokenReused, tokenPayload(existing, oauth2.GrantTypeAuthorizationCode))
		return existing, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("get granted token: %w", err)
	}

	return e.IssueToken(ctx, client, IssueRequest{
		Scopes:          code.Scopes,
		Subject:         subjectOf(code.UserInfoPayload, code.IDTokenPayload),
		IDTokenPayload:  code.IDTokenPayload,
		UserInfoPayload: code.UserInfoPayload,
		KeyThumbprint:   params.KeyThumbprint,
		Issuer:          issuer,
		GrantType:       oauth2.GrantTypeAuthorizationCode,
	})
}

func (e *Engine) GrantClientCredentials(ctx context.Context, params *ClientCredentialsParams, auth ClientAuthentication, issuer string) (*GrantedToken, error) {
	if err := validateClientCredentialsParams(params); err != nil {
		return nil, err
	}
	issuer = e.issuer(issuer)
	client, err := e.AuthenticateClient(ctx, auth, issuer)
	if err != nil {
		return nil, err
	}
	if err := checkGrantType(client, oauth2.GrantTypeClientCredentials); err != nil {
		return nil, err
	}
	scopes := oauth2.ParseScope(params.Scope)
	if err := checkScopes(client, scopes); err != nil {
		return nil, err
	}
	return e.IssueToken(ctx, client, IssueRequest{
		Scopes:        scopes,
		Subject:       client.ID,
		KeyThumbprint: params.KeyThumbprint,
		Issuer:        issuer,
		GrantType:     oauth2.GrantTypeClientCredentials,
	})
}

func (e *Engine) GrantRefreshToken(ctx context.Context, params *RefreshTokenParams, auth ClientAuthentication, issuer string) (*GrantedToken, error) {
	if err := validateRefreshTokenParams(params); err != nil {
		return nil, err
	}
	issuer = e.issuer(issuer)
	client, err := e.AuthenticateClient(ctx, auth, issuer)
	if err != nil {
		return nil, err
	}
	if err := checkGrantType(client, oauth2.GrantTypeRefreshToken); err != nil {
		return nil, err
	}

	prior, err := e.tokens.GetByRefreshToken(ctx, params.RefreshToken)
	if errors.Is(err, ErrNotFound) {
		return nil, oauth2.InvalidGrant("the refresh token is not correct")
	}
	if err != nil {
		return nil, fmt.Errorf("get granted token: %w", err)
	}
	if e.cfg.RequireIssuerBinding && prior.ClientID != client.ID {
		return nil, oauth2.InvalidGrant("the refresh token was not issued to this client")
	}
	if !prior.RefreshExpiresAt.IsZero() && e.now().After(prior.RefreshExpiresAt) {
		return nil, oauth2.InvalidGrant("the refresh token is obsolete")
	}
	if prior.KeyThumbprint != "" && prior.KeyThumbprint != params.KeyThumbprint {
		return nil, oauth2.InvalidGrant("the refresh token is bound to another DPoP key")
	}

	scopes := prior.Scopes
	if !blank(params.Scope) {
		requested := oauth2.ParseScope(params.Scope)
		if !subset(requested, prior.Scopes) {
			return nil, oauth2.InvalidScope("the scope exceeds the original grant")
		}
		scopes = requested
	}

	replacement, err := e.generateToken(ctx, client, IssueRequest{
		Scopes:          scopes,
		Subject:         prior.Subject,
		IDTokenPayload:  prior.IDTokenPayload.Clone(),
		UserInfoPayload: prior.UserInfoPayload.Clone(),
		KeyThumbprint:   params.KeyThumbprint,
		Issuer:          issuer,
		GrantType:       oauth2.GrantTypeRefreshToken,
	})
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var stored bool
	switch e.cfg.RefreshTokenPolicy {
	case RefreshTokenReuse:
		stored, err = e.tokens.AddToken(ctx, replacement)
	default:
		stored, err = e.tokens.ReplaceToken(ctx, prior, replacement)
	}
	if err != nil {
		return nil, fmt.Errorf("store granted token: %w", err)
	}
	if !stored {
		// lost a race against another redemption or a revocation
		return nil, oauth2.InvalidGrant("the refresh token is not correct")
	}

	payload := tokenPayload(replacement, oauth2.GrantTypeRefreshToken)
	payload["previous_token_id"] = prior.ID
	e.publish(ctx, audit.TokenRefreshed, payload)
	return replacement, nil
}

// Revoke removes a token identified by its access or refresh token value.
func (e *Engine) Revoke(ctx context.Context, params *RevokeParams, auth ClientAuthentication, issuer string) error {
	if err := validateRevokeParams(params); err != nil {
		return err
	}
	client, err := e.AuthenticateClient(ctx, auth, e.issuer(issuer))
	if err != nil {
		return err
	}

	lookups := []func(context.Context, string) (*GrantedToken, error){
		e.tokens.GetByAccessToken,
		e.tokens.GetByRefreshToken,
	}
	if params.TokenTypeHint == oauth2.TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	var token *GrantedToken
	for _, lookup := range lookups {
		token, err = lookup(ctx, params.Token)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("get granted token: %w", err)
		}
	}
	if token == nil {
		return oauth2.InvalidGrant("the token doesn't exist")
	}
	if token.ClientID != client.ID {
		return oauth2.InvalidGrant("the token was not issued to this client")
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	removed, err := e.tokens.RemoveToken(ctx, token)
	if err != nil {
		return fmt.Errorf("remove granted token: %w", err)
	}
	if !removed {
		return oauth2.InvalidGrant("the token doesn't exist")
	}
	e.publish(ctx, audit.TokenRevoked, map[string]any{
		"client_id": client.ID,
		"token_id":  token.ID,
	})
	return nil
}

// IssueRequest describes a token to issue.
type IssueRequest struct {
	Scopes  []string
	Subject string
	// ExtraClaims are added to the access token.
	ExtraClaims *claims.Set
	// IDTokenPayload triggers issuance of an id token.
	IDTokenPayload  *claims.Set
	UserInfoPayload *claims.Set
	KeyThumbprint   string
	// Issuer defaults to the configured issuer.
	Issuer    string
	GrantType string
}

// IssueToken generates, signs and persists a token for the client. No token
// is returned unless it was stored.
func (e *Engine) IssueToken(ctx context.Context, client *Client, req IssueRequest) (*GrantedToken, error) {
	token, err := e.generateToken(ctx, client, req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, err := e.tokens.AddToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("store granted token: %w", err)
	}
	if !stored {
		return nil, fmt.Errorf("store granted token: duplicate token %s", token.ID)
	}
	e.logger.Info("Issued token", "client_id", client.ID, "grant_type", req.GrantType, "scope", token.Scope(), "token_id", token.ID)
	e.publish(ctx, audit.TokenIssued, tokenPayload(token, req.GrantType))
	return token, nil
}

func (e *Engine) generateToken(ctx context.Context, client *Client, req IssueRequest) (*GrantedToken, error) {
	issuer := e.issuer(req.Issuer)
	lifetime := client.Lifetime(e.cfg.DefaultTokenLifetime)
	now := e.now().Truncate(time.Second)
	exp := now.Add(lifetime)
	subject := req.Subject
	if subject == "" {
		subject = client.ID
	}

	token := &GrantedToken{
		ID:               ksuid.New().String(),
		TokenType:        oauth2.TokenTypeBearer,
		Scopes:           req.Scopes,
		ExpiresIn:        int(lifetime / time.Second),
		CreatedAt:        now,
		RefreshExpiresAt: now.Add(e.cfg.RefreshTokenLifetime),
		ClientID:         client.ID,
		Subject:          subject,
		IDTokenPayload:   req.IDTokenPayload,
		UserInfoPayload:  req.UserInfoPayload,
		KeyThumbprint:    req.KeyThumbprint,
	}

	access := claims.New()
	access.Put(claims.Issuer, issuer)
	access.Put(claims.Audience, issuer)
	access.Put(claims.Subject, subject)
	access.Put(claims.ClientID, client.ID)
	access.Put(claims.Scope, token.Scope())
	access.Put(claims.JwtID, token.ID)
	access.Put(claims.IssuedAt, now.Unix())
	access.Put(claims.Expiry, exp.Unix())
	if req.ExtraClaims != nil {
		for _, k := range req.ExtraClaims.Keys() {
			v, _ := req.ExtraClaims.Get(k)
			access.Put(k, v)
		}
	}
	if req.KeyThumbprint != "" {
		access.Put("cnf", map[string]any{"jkt": req.KeyThumbprint})
		token.TokenType = oauth2.TokenTypeDPoP
	}

	alg := firstNonEmpty(client.AccessTokenSigningAlg, e.cfg.DefaultSigningAlg)
	signed, err := e.signer.Sign(ctx, access, alg)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	token.AccessToken = signed

	refresh, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	token.RefreshToken = refresh

	if req.IDTokenPayload != nil {
		idToken, err := e.signIDToken(ctx, client, req.IDTokenPayload, issuer, now, exp)
		if err != nil {
			return nil, err
		}
		token.IDToken = idToken
	}
	return token, nil
}

func (e *Engine) signIDToken(ctx context.Context, client *Client, payload *claims.Set, issuer string, now, exp time.Time) (string, error) {
	idClaims := payload.Clone()
	idClaims.Put(claims.Issuer, issuer)
	idClaims.Put(claims.Audience, client.ID)
	idClaims.Put(claims.IssuedAt, now.Unix())
	idClaims.Put(claims.Expiry, exp.Unix())

	alg := firstNonEmpty(client.IDTokenSigningAlg, client.AccessTokenSigningAlg, e.cfg.DefaultSigningAlg)
	signed, err := e.signer.Sign(ctx, idClaims, alg)
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	if client.IDTokenEncryptionAlg == "" {
		return signed, nil
	}
	encrypted, err := e.signer.EncryptForClient(ctx, signed, client.KeySet(), client.IDTokenEncryptionAlg, client.IDTokenEncryptionEnc)
	if err != nil {
		return "", fmt.Errorf("encrypt id token: %w", err)
	}
	return encrypted, nil
}

func (e *Engine) publish(ctx context.Context, name string, payload map[string]any) {
	e.events.Publish(ctx, audit.NewEvent(name, payload))
}

func tokenPayload(t *GrantedToken, grantType string) map[string]any {
	return map[string]any{
		"client_id":  t.ClientID,
		"grant_type": grantType,
		"scope":      t.Scope(),
		"token_id":   t.ID,
		"subject":    t.Subject,
	}
}

func subjectOf(sets ...*claims.Set) string {
	for _, s := range sets {
		if sub := s.String(claims.Subject); sub != "" {
			return sub
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
