package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

const (
	nonceBits  = 256
	keyPrefix  = "nonce:"
	defaultTTL = 5 * time.Minute
)

// ValkeyService shares nonces between server instances. Redemption uses
// GETDEL so concurrent redeems of one nonce succeed at most once.
type ValkeyService struct {
	options Options
	client  valkey.Client
}

func NewValkeyService(client valkey.Client, options Options) *ValkeyService {
	if options.Expiry <= 0 {
		options.Expiry = defaultTTL
	}
	return &ValkeyService{options: options, client: client}
}

func (v *ValkeyService) Get(ctx context.Context) (string, error) {
	randomBytes := make([]byte, nonceBits/8)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(randomBytes)

	cmd := v.client.B().Set().Key(keyPrefix + nonce).Value("1").Ex(v.options.Expiry).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return "", fmt.Errorf("storing nonce in valkey: %w", err)
	}
	return nonce, nil
}

func (v *ValkeyService) Redeem(ctx context.Context, nonce string) error {
	cmd := v.client.B().Getdel().Key(keyPrefix + nonce).Build()
	err := v.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redeeming nonce in valkey: %w", err)
	}
	return nil
}
