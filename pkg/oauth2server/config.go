package oauth2server

import (
	"fmt"
	"time"
)

// RefreshTokenPolicy decides what happens to the previous token record when a
// refresh token is redeemed.
type RefreshTokenPolicy string

const (
	// RefreshTokenRotate removes the previous token together with inserting
	// the new one. A refresh token can be redeemed once.
	RefreshTokenRotate RefreshTokenPolicy = "rotate"
	// RefreshTokenReuse keeps the previous token. Its refresh token stays
	// valid until it expires or is revoked.
	RefreshTokenReuse RefreshTokenPolicy = "reuse"
)

const (
	DefaultAuthorizationCodeValidity = 60 * time.Second
	DefaultTokenLifetime             = 5 * time.Minute
	DefaultRefreshTokenLifetime      = 24 * time.Hour
	DefaultClientAssertionMaxAge     = 5 * time.Minute
	DefaultSigningAlg                = "ES256"
)

// Config is passed by value and never modified after New.
type Config struct {
	Issuer                    string             `yaml:"issuer" validate:"required,url"`
	AuthorizationCodeValidity time.Duration      `yaml:"authorization_code_validity"`
	DefaultTokenLifetime      time.Duration      `yaml:"default_token_lifetime"`
	RefreshTokenLifetime      time.Duration      `yaml:"refresh_token_lifetime"`
	DefaultSigningAlg         string             `yaml:"default_signing_alg"`
	RefreshTokenPolicy        RefreshTokenPolicy `yaml:"refresh_token_policy" validate:"omitempty,oneof=rotate reuse"`
	// RequireIssuerBinding rejects refresh tokens presented by a client other
	// than the one they were issued to.
	RequireIssuerBinding  bool          `yaml:"require_issuer_binding"`
	ClientAssertionMaxAge time.Duration `yaml:"client_assertion_max_age"`
	// RequireAssertionNonce demands a server nonce in private_key_jwt
	// client assertions.
	RequireAssertionNonce bool `yaml:"require_assertion_nonce"`
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.AuthorizationCodeValidity == 0 {
		c.AuthorizationCodeValidity = DefaultAuthorizationCodeValidity
	}
	if c.DefaultTokenLifetime == 0 {
		c.DefaultTokenLifetime = DefaultTokenLifetime
	}
	if c.RefreshTokenLifetime == 0 {
		c.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}
	if c.ClientAssertionMaxAge == 0 {
		c.ClientAssertionMaxAge = DefaultClientAssertionMaxAge
	}
	if c.DefaultSigningAlg == "" {
		c.DefaultSigningAlg = DefaultSigningAlg
	}
	if c.RefreshTokenPolicy == "" {
		c.RefreshTokenPolicy = RefreshTokenRotate
	}
	return c
}

func (c Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.AuthorizationCodeValidity < 0 || c.DefaultTokenLifetime < 0 || c.RefreshTokenLifetime < 0 {
		return fmt.Errorf("validity periods must not be negative")
	}
	switch c.RefreshTokenPolicy {
	case RefreshTokenRotate, RefreshTokenReuse:
	default:
		return fmt.Errorf("unknown refresh token policy %q", c.RefreshTokenPolicy)
	}
	return nil
}
