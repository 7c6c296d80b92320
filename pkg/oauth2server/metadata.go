package oauth2server

import (
	"strings"

	"github.com/gematik/zero-authz/pkg/oauth2"
)

// OAuth2 Authorization Server Metadata
// See https://datatracker.ietf.org/doc/html/rfc8414
type Metadata struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	JwksURI                                    string   `json:"jwks_uri,omitempty"`
	ScopesSupported                            []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	RevocationEndpoint                         string   `json:"revocation_endpoint,omitempty"`
	RevocationEndpointAuthMethodsSupported     []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	DPoPSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported,omitempty"`
	NonceEndpoint                              string   `json:"nonce_endpoint,omitempty"`
}

// Endpoints are paths relative to the issuer.
type Endpoints struct {
	Authorization string
	Token         string
	Jwks          string
	Revocation    string
	Nonce         string
}

// NewMetadata describes the grants of the engine for the given endpoints.
func NewMetadata(issuer string, endpoints Endpoints, scopes []string) *Metadata {
	authMethods := []string{
		AuthMethodClientSecretBasic,
		AuthMethodClientSecretPost,
		AuthMethodPrivateKeyJWT,
		AuthMethodNone,
	}
	return &Metadata{
		Issuer:                issuer,
		AuthorizationEndpoint: buildURI(issuer, endpoints.Authorization),
		TokenEndpoint:         buildURI(issuer, endpoints.Token),
		JwksURI:               buildURI(issuer, endpoints.Jwks),
		ScopesSupported:       scopes,
		ResponseTypesSupported: []string{
			oauth2.ResponseTypeCode,
		},
		GrantTypesSupported: []string{
			oauth2.GrantTypeAuthorizationCode,
			oauth2.GrantTypeClientCredentials,
			oauth2.GrantTypePassword,
			oauth2.GrantTypeRefreshToken,
		},
		TokenEndpointAuthMethodsSupported:          authMethods,
		TokenEndpointAuthSigningAlgValuesSupported: []string{"ES256", "ES384", "RS256", "PS256"},
		RevocationEndpoint:                         buildURI(issuer, endpoints.Revocation),
		RevocationEndpointAuthMethodsSupported:     authMethods,
		CodeChallengeMethodsSupported: []string{
			string(oauth2.CodeChallengeMethodS256),
			string(oauth2.CodeChallengeMethodPlain),
		},
		DPoPSigningAlgValuesSupported: []string{"ES256", "ES384", "RS256", "PS256"},
		NonceEndpoint:                 buildURI(issuer, endpoints.Nonce),
	}
}

func buildURI(base string, path string) string {
	if path == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
