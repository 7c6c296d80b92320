package nonce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"
)

func newValkeyService(t *testing.T) (*ValkeyService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return NewValkeyService(client, Options{Expiry: time.Minute}), mr
}

func testRedeemOnce(t *testing.T, svc Service) {
	ctx := context.Background()
	n, err := svc.Get(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, n)

	require.NoError(t, svc.Redeem(ctx, n))
	assert.ErrorIs(t, svc.Redeem(ctx, n), ErrNotFound)
	assert.ErrorIs(t, svc.Redeem(ctx, "unknown"), ErrNotFound)
}

func TestHashicorpService(t *testing.T) {
	svc, err := NewHashicorpService()
	require.NoError(t, err)
	testRedeemOnce(t, svc)
}

func TestValkeyService(t *testing.T) {
	svc, _ := newValkeyService(t)
	testRedeemOnce(t, svc)
}

func TestValkeyServiceExpiry(t *testing.T) {
	svc, mr := newValkeyService(t)
	ctx := context.Background()
	n, err := svc.Get(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, svc.Redeem(ctx, n), ErrNotFound)
}

func TestValkeyServiceConcurrentRedeem(t *testing.T) {
	svc, _ := newValkeyService(t)
	ctx := context.Background()
	n, err := svc.Get(ctx)
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.Redeem(ctx, n) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}
