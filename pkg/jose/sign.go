package jose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var ErrNoEncryptionKey = errors.New("no suitable encryption key")

// Sign serializes the claim set in insertion order and signs it as a compact
// JWS with the key registered for alg.
func (ks *KeyStore) Sign(ctx context.Context, payload *claims.Set, alg string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := ks.key(alg)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	headers := jws.NewHeaders()
	headers.Set(jws.KeyIDKey, key.KeyID())
	headers.Set(jws.TypeKey, "JWT")
	signed, err := jws.Sign(data, jws.WithKey(jwa.SignatureAlgorithm(alg), key, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

// EncryptForClient wraps a compact token into a JWE for the client. The first
// key in keys whose type fits alg and whose use is "enc" or unset is used.
func (ks *KeyStore) EncryptForClient(ctx context.Context, payload string, keys jwk.Set, alg, enc string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := encryptionKey(keys, jwa.KeyEncryptionAlgorithm(alg))
	if err != nil {
		return "", err
	}
	if enc == "" {
		enc = jwa.A256GCM.String()
	}
	headers := jwe.NewHeaders()
	headers.Set(jwe.ContentTypeKey, "JWT")
	encrypted, err := jwe.Encrypt([]byte(payload),
		jwe.WithKey(jwa.KeyEncryptionAlgorithm(alg), key),
		jwe.WithContentEncryption(jwa.ContentEncryptionAlgorithm(enc)),
		jwe.WithProtectedHeaders(headers),
	)
	if err != nil {
		return "", fmt.Errorf("encrypt token: %w", err)
	}
	return string(encrypted), nil
}

func encryptionKey(keys jwk.Set, alg jwa.KeyEncryptionAlgorithm) (jwk.Key, error) {
	if keys == nil {
		return nil, ErrNoEncryptionKey
	}
	var want jwa.KeyType
	switch alg {
	case jwa.ECDH_ES, jwa.ECDH_ES_A128KW, jwa.ECDH_ES_A256KW:
		want = jwa.EC
	case jwa.RSA_OAEP, jwa.RSA_OAEP_256:
		want = jwa.RSA
	default:
		return nil, fmt.Errorf("key encryption %q: %w", alg, ErrUnsupportedAlgorithm)
	}
	for i := 0; i < keys.Len(); i++ {
		key, ok := keys.Key(i)
		if !ok {
			continue
		}
		if key.KeyType() != want {
			continue
		}
		if use := key.KeyUsage(); use != "" && use != "enc" {
			continue
		}
		return key, nil
	}
	return nil, ErrNoEncryptionKey
}

// Verify checks a compact JWS against the given key sets in order and
// validates its time claims. The first set that verifies the signature wins.
// Nil sets are skipped.
func Verify(ctx context.Context, token string, now func() time.Time, sets ...jwk.Set) (*claims.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	var lastErr error = errors.New("no verification keys")
	for _, set := range sets {
		if set == nil || set.Len() == 0 {
			continue
		}
		_, err := jwt.Parse([]byte(token),
			jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true), jws.WithRequireKid(false)),
			jwt.WithValidate(true),
			jwt.WithClock(jwt.ClockFunc(now)),
			jwt.WithAcceptableSkew(30*time.Second),
		)
		if err != nil {
			lastErr = err
			continue
		}
		msg, err := jws.Parse([]byte(token))
		if err != nil {
			return nil, fmt.Errorf("parse token: %w", err)
		}
		payload := claims.New()
		if err := payload.UnmarshalJSON(msg.Payload()); err != nil {
			return nil, fmt.Errorf("decode token claims: %w", err)
		}
		return payload, nil
	}
	return nil, fmt.Errorf("verify token: %w", lastErr)
}

// VerifyOwn verifies a token signed by this key store.
func (ks *KeyStore) VerifyOwn(ctx context.Context, token string) (*claims.Set, error) {
	return Verify(ctx, token, nil, ks.public)
}
