// Package nonce issues single use server nonces for client assertions and
// DPoP proofs.
package nonce

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("nonce not found")

type Options struct {
	Expiry time.Duration
}

// Service hands out nonces and redeems them at most once.
type Service interface {
	Get(ctx context.Context) (string, error)
	// Redeem consumes the nonce. ErrNotFound is returned for unknown,
	// expired or already redeemed nonces.
	Redeem(ctx context.Context, nonce string) error
}
