package oauth2server

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/gematik/zero-authz/pkg/claims"
)

var ErrNotFound = errors.New("not found")

type ClientDirectory interface {
	// GetClient returns ErrNotFound for unknown clients.
	GetClient(ctx context.Context, id string) (*Client, error)
}

// AuthorizationCodeStore implementations must remove a code at most once:
// of two concurrent RemoveCode calls for the same code only one reports true.
type AuthorizationCodeStore interface {
	GetCode(ctx context.Context, code string) (*AuthorizationCode, error)
	// AddCode inserts the code if absent and reports whether it did.
	AddCode(ctx context.Context, code *AuthorizationCode) (bool, error)
	RemoveCode(ctx context.Context, code string) (bool, error)
}

// TokenStore indexes granted tokens by id, access token value, refresh token
// value and the composite of scopes, client and claim payloads. Insertion is
// insert-if-absent on id, access and refresh values. The composite index
// points to the most recent token. Removal drops all index entries or none.
type TokenStore interface {
	GetToken(ctx context.Context, scopes []string, clientID string, idClaims, userClaims *claims.Set) (*GrantedToken, error)
	AddToken(ctx context.Context, token *GrantedToken) (bool, error)
	GetByAccessToken(ctx context.Context, value string) (*GrantedToken, error)
	GetByRefreshToken(ctx context.Context, value string) (*GrantedToken, error)
	RemoveByAccessToken(ctx context.Context, value string) (bool, error)
	RemoveByRefreshToken(ctx context.Context, value string) (bool, error)
	RemoveToken(ctx context.Context, token *GrantedToken) (bool, error)
	// ReplaceToken removes old and inserts replacement in one step. It
	// reports false without changes when old is no longer present.
	ReplaceToken(ctx context.Context, old, replacement *GrantedToken) (bool, error)
}

// AssertionReplayCache remembers the ids of used client assertions until the
// assertions expire.
type AssertionReplayCache interface {
	// MarkAssertionUsed reports true the first time an id is marked.
	MarkAssertionUsed(ctx context.Context, id string, expiresAt time.Time) (bool, error)
}

// CompositeKey derives the token reuse index key. Scope order and claim
// order do not matter.
func CompositeKey(scopes []string, clientID string, idClaims, userClaims *claims.Set) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return strings.Join([]string{
		clientID,
		strings.Join(sorted, " "),
		idClaims.Fingerprint(),
		userClaims.Fingerprint(),
	}, "|")
}

// TokenCompositeKey is CompositeKey applied to a granted token.
func TokenCompositeKey(t *GrantedToken) string {
	return CompositeKey(t.Scopes, t.ClientID, t.IDTokenPayload, t.UserInfoPayload)
}
