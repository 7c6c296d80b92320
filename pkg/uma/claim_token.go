package uma

import (
	"context"
	"time"

	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/gematik/zero-authz/pkg/jose"
	"github.com/gematik/zero-authz/pkg/oauth2server"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWTClaimTokenValidator verifies id token claim tokens against the keys
// registered for the client and the server's own keys.
type JWTClaimTokenValidator struct {
	ServerKeys jwk.Set
	Now        func() time.Time
}

func (v *JWTClaimTokenValidator) ValidateClaimToken(ctx context.Context, token string, client *oauth2server.Client) (*claims.Set, error) {
	return jose.Verify(ctx, token, v.Now, client.KeySet(), v.ServerKeys)
}
