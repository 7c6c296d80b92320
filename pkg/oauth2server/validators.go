package oauth2server

import (
	"strings"

	"github.com/gematik/zero-authz/pkg/oauth2"
)

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func validatePasswordParams(p *PasswordParams) error {
	if p == nil {
		return oauth2.InvalidRequest("missing parameters")
	}
	if blank(p.Username) {
		return oauth2.MissingParameter("username")
	}
	if blank(p.Password) {
		return oauth2.MissingParameter("password")
	}
	if blank(p.Scope) {
		return oauth2.MissingParameter("scope")
	}
	return nil
}

func validateAuthorizationCodeParams(p *AuthorizationCodeParams) error {
	if p == nil {
		return oauth2.InvalidRequest("missing parameters")
	}
	if blank(p.Code) {
		return oauth2.MissingParameter("code")
	}
	return nil
}

func validateClientCredentialsParams(p *ClientCredentialsParams) error {
	if p == nil {
		return oauth2.InvalidRequest("missing parameters")
	}
	if blank(p.Scope) {
		return oauth2.MissingParameter("scope")
	}
	return nil
}

func validateRefreshTokenParams(p *RefreshTokenParams) error {
	if p == nil || blank(p.RefreshToken) {
		return oauth2.MissingParameter("refresh_token")
	}
	return nil
}

func validateRevokeParams(p *RevokeParams) error {
	if p == nil || blank(p.Token) {
		return oauth2.MissingParameter("token")
	}
	switch p.TokenTypeHint {
	case "", oauth2.TokenTypeHintAccessToken, oauth2.TokenTypeHintRefreshToken:
	default:
		return oauth2.InvalidRequest("unsupported token_type_hint %q", p.TokenTypeHint)
	}
	return nil
}

func checkGrantType(client *Client, grantType string) error {
	if !client.AllowsGrantType(grantType) {
		return oauth2.InvalidClient("the client is not allowed to use the %s grant", grantType)
	}
	return nil
}

func checkScopes(client *Client, scopes []string) error {
	if !client.AllowsScopes(scopes) {
		return oauth2.InvalidScope("the scope %q is not allowed for the client", oauth2.JoinScope(scopes))
	}
	return nil
}

// subset reports whether every element of a is in b.
func subset(a, b []string) bool {
	for _, s := range a {
		if !contains(b, s) {
			return false
		}
	}
	return true
}
