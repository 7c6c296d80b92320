package nonce

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/nonceutil"
)

// HashicorpService keeps nonces in process memory. The underlying service
// expires nonces on its own schedule.
type HashicorpService struct {
	nonceService nonceutil.NonceService
}

func NewHashicorpService() (*HashicorpService, error) {
	nonceService := nonceutil.NewNonceService()
	if err := nonceService.Initialize(); err != nil {
		return nil, fmt.Errorf("could not initialize nonce service: %w", err)
	}
	return &HashicorpService{nonceService}, nil
}

func (s *HashicorpService) Get(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	nonceStr, _, err := s.nonceService.Get()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return nonceStr, nil
}

func (s *HashicorpService) Redeem(ctx context.Context, nonceStr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.nonceService.Redeem(nonceStr) {
		return ErrNotFound
	}
	return nil
}
