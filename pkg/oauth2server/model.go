package oauth2server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/gematik/zero-authz/pkg/oauth2"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"gopkg.in/yaml.v3"
)

type ClientType string

const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"
)

const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"
)

type Client struct {
	ID                      string        `yaml:"client_id" json:"client_id" validate:"required"`
	Name                    string        `yaml:"name" json:"name,omitempty"`
	Type                    ClientType    `yaml:"type" json:"type" validate:"required,oneof=public confidential"`
	TokenEndpointAuthMethod string        `yaml:"token_endpoint_auth_method" json:"token_endpoint_auth_method,omitempty" validate:"omitempty,oneof=none client_secret_basic client_secret_post private_key_jwt"`
	SecretHashes            []string      `yaml:"secret_hashes" json:"secret_hashes,omitempty"`
	GrantTypes              []string      `yaml:"grant_types" json:"grant_types"`
	ResponseTypes           []string      `yaml:"response_types" json:"response_types,omitempty"`
	RedirectURIs            []string      `yaml:"redirect_uris" json:"redirect_uris,omitempty" validate:"dive,url"`
	Scopes                  []string      `yaml:"scopes" json:"scopes"`
	TokenLifetime           time.Duration `yaml:"token_lifetime" json:"token_lifetime,omitempty"`
	AccessTokenSigningAlg   string        `yaml:"access_token_signing_alg" json:"access_token_signing_alg,omitempty"`
	IDTokenSigningAlg       string        `yaml:"id_token_signing_alg" json:"id_token_signing_alg,omitempty"`
	IDTokenEncryptionAlg    string        `yaml:"id_token_encrypted_response_alg" json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptionEnc    string        `yaml:"id_token_encrypted_response_enc" json:"id_token_encrypted_response_enc,omitempty"`
	RequirePKCE             bool          `yaml:"require_pkce" json:"require_pkce,omitempty"`
	JWKS                    *KeySet       `yaml:"jwks" json:"jwks,omitempty"`
}

func (c *Client) AllowsGrantType(grantType string) bool {
	return contains(c.GrantTypes, grantType)
}

func (c *Client) AllowsResponseType(responseType string) bool {
	return contains(c.ResponseTypes, responseType)
}

// AllowsScopes reports whether every requested scope is registered for the
// client.
func (c *Client) AllowsScopes(scopes []string) bool {
	for _, s := range scopes {
		if !contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

func (c *Client) HasRedirectURI(uri string) bool {
	return contains(c.RedirectURIs, uri)
}

// Lifetime returns the client's token lifetime or the fallback.
func (c *Client) Lifetime(fallback time.Duration) time.Duration {
	if c.TokenLifetime > 0 {
		return c.TokenLifetime
	}
	return fallback
}

// KeySet returns the client's registered keys or nil.
func (c *Client) KeySet() jwk.Set {
	if c.JWKS == nil {
		return nil
	}
	return c.JWKS.Set
}

// AuthMethod returns the registered token endpoint auth method, deriving it
// from the client type when unset.
func (c *Client) AuthMethod() string {
	if c.TokenEndpointAuthMethod != "" {
		return c.TokenEndpointAuthMethod
	}
	if c.Type == ClientTypePublic {
		return AuthMethodNone
	}
	return AuthMethodClientSecretBasic
}

// KeySet makes jwk.Set serializable in JSON and YAML documents.
type KeySet struct {
	jwk.Set
}

func (k *KeySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Set)
}

func (k *KeySet) UnmarshalJSON(data []byte) error {
	set, err := jwk.Parse(data)
	if err != nil {
		return err
	}
	k.Set = set
	return nil
}

func (k *KeySet) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	// inline JSON string or YAML mapping
	if s, ok := raw.(string); ok {
		return k.UnmarshalJSON([]byte(s))
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode jwks: %w", err)
	}
	return k.UnmarshalJSON(data)
}

// AuthorizationCode is issued by the authorization endpoint and redeemed once
// at the token endpoint.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod oauth2.CodeChallengeMethod
	IDTokenPayload      *claims.Set
	UserInfoPayload     *claims.Set
	CreatedAt           time.Time
}

// Expired reports whether the code is past createdAt + validity. The end of
// the validity period itself is still valid.
func (c *AuthorizationCode) Expired(now time.Time, validity time.Duration) bool {
	return now.After(c.CreatedAt.Add(validity))
}

type GrantedToken struct {
	ID           string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int
	CreatedAt time.Time
	// RefreshExpiresAt bounds redemption of the refresh token.
	RefreshExpiresAt time.Time
	ClientID         string
	Subject          string
	IDTokenPayload   *claims.Set
	UserInfoPayload  *claims.Set
	IDToken          string
	// KeyThumbprint binds the token to a DPoP key.
	KeyThumbprint string
}

func (t *GrantedToken) ExpiresAt() time.Time {
	return t.CreatedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

func (t *GrantedToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt())
}

// RetainUntil is the point after which a store may drop the record.
func (t *GrantedToken) RetainUntil() time.Time {
	if t.RefreshExpiresAt.After(t.ExpiresAt()) {
		return t.RefreshExpiresAt
	}
	return t.ExpiresAt()
}

func (t *GrantedToken) Scope() string {
	return oauth2.JoinScope(t.Scopes)
}

func (t *GrantedToken) Response() *oauth2.TokenResponse {
	return &oauth2.TokenResponse{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		ExpiresIn:    t.ExpiresIn,
		Scope:        t.Scope(),
		RefreshToken: t.RefreshToken,
		IDToken:      t.IDToken,
	}
}

type PasswordParams struct {
	Username string
	Password string
	Scope    string
	// AMR lists acceptable authentication methods in preference order.
	AMR           []string
	KeyThumbprint string
}

type AuthorizationCodeParams struct {
	Code          string
	RedirectURI   string
	CodeVerifier  string
	KeyThumbprint string
}

type ClientCredentialsParams struct {
	Scope         string
	KeyThumbprint string
}

type RefreshTokenParams struct {
	RefreshToken string
	// Scope optionally narrows the scope of the original grant.
	Scope         string
	KeyThumbprint string
}

type RevokeParams struct {
	Token         string
	TokenTypeHint string
}

// ClientAuthentication carries the client credentials of a token request.
type ClientAuthentication struct {
	// form parameters
	ClientID     string
	ClientSecret string
	// HTTP basic authentication
	BasicID     string
	BasicSecret string
	HasBasic    bool
	// private_key_jwt
	ClientAssertion     string
	ClientAssertionType string
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
