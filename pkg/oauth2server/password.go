package oauth2server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gematik/zero-authz/pkg/claims"
)

// AMRPassword is the authentication method reference of password logins.
const AMRPassword = "pwd"

var ErrInvalidCredentials = errors.New("invalid credentials")

// ResourceOwnerAuthenticator verifies resource owner credentials for one
// authentication method.
type ResourceOwnerAuthenticator interface {
	AMR() string
	// Authenticate returns the resource owner's claims or
	// ErrInvalidCredentials.
	Authenticate(ctx context.Context, username, password string) (*claims.Set, error)
}

type ResourceOwner struct {
	Username     string         `yaml:"username" validate:"required"`
	PasswordHash string         `yaml:"password_hash" validate:"required"`
	Claims       map[string]any `yaml:"claims"`
}

// PasswordAuthenticator checks passwords against PBKDF2 hashes of a fixed
// set of resource owners.
type PasswordAuthenticator struct {
	owners    map[string]ResourceOwner
	dummyHash string
}

func NewPasswordAuthenticator(owners []ResourceOwner) (*PasswordAuthenticator, error) {
	dummy, err := HashSecret("dummy")
	if err != nil {
		return nil, err
	}
	a := &PasswordAuthenticator{
		owners:    make(map[string]ResourceOwner, len(owners)),
		dummyHash: dummy,
	}
	for _, o := range owners {
		a.owners[o.Username] = o
	}
	return a, nil
}

func (a *PasswordAuthenticator) AMR() string {
	return AMRPassword
}

func (a *PasswordAuthenticator) Authenticate(ctx context.Context, username, password string) (*claims.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	owner, ok := a.owners[username]
	if !ok {
		// same work for unknown users
		VerifySecretHash(password, a.dummyHash)
		return nil, ErrInvalidCredentials
	}
	valid, err := VerifySecretHash(password, owner.PasswordHash)
	if err != nil {
		slog.Error("VerifySecretHash failed", "username", username, "error", err)
		return nil, ErrInvalidCredentials
	}
	if !valid {
		return nil, ErrInvalidCredentials
	}
	set := claims.FromMap(owner.Claims)
	if !set.Has(claims.Subject) {
		set.Put(claims.Subject, username)
	}
	return set, nil
}
