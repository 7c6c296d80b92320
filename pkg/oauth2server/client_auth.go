package oauth2server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/gematik/zero-authz/pkg/nonce"
	"github.com/gematik/zero-authz/pkg/oauth2"
	"github.com/go-playground/validator/v10"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ClientAuthenticator resolves and authenticates the client of a request.
// Failures are *oauth2.Error values of kind KindClient.
type ClientAuthenticator interface {
	AuthenticateClient(ctx context.Context, auth ClientAuthentication, issuer string) (*Client, error)
}

// DirectoryAuthenticator authenticates clients registered in a
// ClientDirectory with client secrets, private_key_jwt assertions or, for
// public clients, the client id alone.
type DirectoryAuthenticator struct {
	clients      ClientDirectory
	nonces       nonce.Service
	replays      AssertionReplayCache
	maxAge       time.Duration
	requireNonce bool
	now          func() time.Time
}

// assertionSkew is the clock skew accepted on assertion time claims.
const assertionSkew = 30 * time.Second

type AuthenticatorOption func(*DirectoryAuthenticator)

// WithAssertionReplayCache rejects assertions without server nonce whose jti
// was already used.
func WithAssertionReplayCache(cache AssertionReplayCache) AuthenticatorOption {
	return func(a *DirectoryAuthenticator) {
		a.replays = cache
	}
}

func WithAuthenticatorClock(now func() time.Time) AuthenticatorOption {
	return func(a *DirectoryAuthenticator) {
		a.now = now
	}
}

// NewDirectoryAuthenticator creates an authenticator. nonces may be nil when
// assertions carry no server nonces.
func NewDirectoryAuthenticator(clients ClientDirectory, nonces nonce.Service, cfg Config, opts ...AuthenticatorOption) *DirectoryAuthenticator {
	cfg = cfg.WithDefaults()
	a := &DirectoryAuthenticator{
		clients:      clients,
		nonces:       nonces,
		maxAge:       cfg.ClientAssertionMaxAge,
		requireNonce: cfg.RequireAssertionNonce,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *DirectoryAuthenticator) AuthenticateClient(ctx context.Context, auth ClientAuthentication, issuer string) (*Client, error) {
	switch {
	case auth.ClientAssertion != "":
		return a.authenticateAssertion(ctx, auth, issuer)
	case auth.HasBasic:
		if auth.ClientID != "" && auth.ClientID != auth.BasicID {
			return nil, oauth2.InvalidClient("client_id does not match the basic authentication")
		}
		return a.authenticateSecret(ctx, auth.BasicID, auth.BasicSecret, AuthMethodClientSecretBasic)
	case auth.ClientID != "" && auth.ClientSecret != "":
		return a.authenticateSecret(ctx, auth.ClientID, auth.ClientSecret, AuthMethodClientSecretPost)
	case auth.ClientID != "":
		client, err := a.lookup(ctx, auth.ClientID)
		if err != nil {
			return nil, err
		}
		if client.Type != ClientTypePublic {
			return nil, oauth2.InvalidClient("missing client_secret")
		}
		return client, nil
	default:
		return nil, oauth2.InvalidClient("missing client authentication")
	}
}

func (a *DirectoryAuthenticator) lookup(ctx context.Context, id string) (*Client, error) {
	client, err := a.clients.GetClient(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, oauth2.InvalidClient("unknown client %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	if client == nil {
		return nil, oauth2.InvalidClient("unknown client %q", id)
	}
	return client, nil
}

func (a *DirectoryAuthenticator) authenticateSecret(ctx context.Context, id, secret, method string) (*Client, error) {
	client, err := a.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if client.Type == ClientTypePublic {
		return nil, oauth2.InvalidClient("public client must not use client_secret")
	}
	switch client.AuthMethod() {
	case AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
	default:
		return nil, oauth2.InvalidClient("the client must authenticate with %s", client.AuthMethod())
	}
	for _, hash := range client.SecretHashes {
		ok, err := VerifySecretHash(secret, hash)
		if err != nil {
			slog.Error("VerifySecretHash failed", "client_id", client.ID, "error", err)
			continue
		}
		if ok {
			slog.Debug("Client authenticated", "client_id", client.ID, "method", method)
			return client, nil
		}
	}
	return nil, oauth2.InvalidClient("invalid client_secret")
}

type audience []string

func (a *audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = audience{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*a = list
	return nil
}

type clientAssertionClaims struct {
	Iss   string   `json:"iss" validate:"required"`
	Sub   string   `json:"sub" validate:"required,eqfield=Iss"`
	Aud   audience `json:"aud" validate:"required,min=1"`
	Exp   int64    `json:"exp" validate:"required"`
	Iat   int64    `json:"iat"`
	Jti   string   `json:"jti"`
	Nonce string   `json:"nonce"`
}

var assertionValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (a *DirectoryAuthenticator) authenticateAssertion(ctx context.Context, auth ClientAuthentication, issuer string) (*Client, error) {
	if auth.ClientAssertionType != oauth2.ClientAssertionTypeJWTBearer {
		return nil, oauth2.InvalidClient("unsupported client_assertion_type %q", auth.ClientAssertionType)
	}

	// the issuer selects the keys, the signature is checked below
	unverified, err := jwt.Parse([]byte(auth.ClientAssertion), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, oauth2.InvalidClient("malformed client_assertion")
	}
	clientID := unverified.Issuer()
	if auth.ClientID != "" && auth.ClientID != clientID {
		return nil, oauth2.InvalidClient("client_id does not match the client_assertion")
	}

	client, err := a.lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.AuthMethod() != AuthMethodPrivateKeyJWT {
		return nil, oauth2.InvalidClient("the client must authenticate with %s", client.AuthMethod())
	}
	keys := client.KeySet()
	if keys == nil || keys.Len() == 0 {
		return nil, oauth2.InvalidClient("the client has no registered keys")
	}

	_, err = jwt.Parse([]byte(auth.ClientAssertion),
		jwt.WithKeySet(keys, jws.WithInferAlgorithmFromKey(true), jws.WithRequireKid(false)),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(a.now)),
		jwt.WithAcceptableSkew(assertionSkew),
		jwt.WithIssuer(client.ID),
		jwt.WithSubject(client.ID),
		jwt.WithAudience(issuer),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
	)
	if err != nil {
		slog.Info("Client assertion rejected", "client_id", client.ID, "error", err)
		return nil, oauth2.InvalidClient("invalid client_assertion: %v", err)
	}

	msg, err := jws.Parse([]byte(auth.ClientAssertion))
	if err != nil {
		return nil, oauth2.InvalidClient("malformed client_assertion")
	}
	var assertion clientAssertionClaims
	if err := json.Unmarshal(msg.Payload(), &assertion); err != nil {
		return nil, oauth2.InvalidClient("malformed client_assertion claims")
	}
	if err := assertionValidator.Struct(&assertion); err != nil {
		return nil, oauth2.InvalidClient("invalid client_assertion claims: %v", err)
	}

	if assertion.Iat != 0 && a.now().Sub(time.Unix(assertion.Iat, 0)) > a.maxAge {
		return nil, oauth2.InvalidClient("client_assertion is too old")
	}

	if assertion.Nonce == "" {
		if a.requireNonce {
			return nil, oauth2.InvalidClient("client_assertion must contain a nonce")
		}
		if err := a.markUsed(ctx, client.ID, assertion); err != nil {
			return nil, err
		}
		return client, nil
	}
	if a.nonces == nil {
		return nil, oauth2.InvalidClient("nonces are not supported")
	}
	if err := a.nonces.Redeem(ctx, assertion.Nonce); err != nil {
		if errors.Is(err, nonce.ErrNotFound) {
			return nil, oauth2.InvalidClient("the nonce is not correct")
		}
		return nil, fmt.Errorf("redeem nonce: %w", err)
	}
	return client, nil
}

// markUsed records the jti of an assertion so it is accepted only once.
func (a *DirectoryAuthenticator) markUsed(ctx context.Context, clientID string, assertion clientAssertionClaims) error {
	if a.replays == nil {
		return nil
	}
	if assertion.Jti == "" {
		return oauth2.InvalidClient("client_assertion must contain a jti or a nonce")
	}
	first, err := a.replays.MarkAssertionUsed(ctx, clientID+":"+assertion.Jti, time.Unix(assertion.Exp, 0).Add(assertionSkew))
	if err != nil {
		return fmt.Errorf("mark client assertion: %w", err)
	}
	if !first {
		slog.Info("Client assertion replayed", "client_id", clientID, "jti", assertion.Jti)
		return oauth2.InvalidClient("the client_assertion was already used")
	}
	return nil
}
