// Package jose holds the server's signing keys and the JOSE operations the
// authorization server performs with them: signing access and id tokens,
// encrypting id tokens for clients and verifying tokens presented by clients.
package jose

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

// KeyStore maps signature algorithms to private keys. It is immutable after
// construction and safe for concurrent use.
type KeyStore struct {
	keys   map[jwa.SignatureAlgorithm]jwk.Key
	public jwk.Set
}

// NewKeyStore builds a key store from private keys. Each key is registered
// under its "alg" member, or the algorithm inferred from the key type.
func NewKeyStore(keys ...jwk.Key) (*KeyStore, error) {
	ks := &KeyStore{
		keys:   make(map[jwa.SignatureAlgorithm]jwk.Key),
		public: jwk.NewSet(),
	}
	for _, key := range keys {
		if err := ks.add(key); err != nil {
			return nil, err
		}
	}
	if len(ks.keys) == 0 {
		return nil, errors.New("key store needs at least one key")
	}
	return ks, nil
}

// GenerateKeyStore creates a key store with a fresh random key per algorithm.
func GenerateKeyStore(algs ...string) (*KeyStore, error) {
	keys := make([]jwk.Key, 0, len(algs))
	for _, alg := range algs {
		key, err := RandomKey(alg)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return NewKeyStore(keys...)
}

// RandomKey generates a private signing key for the algorithm with kid set to
// the key's SHA-256 thumbprint.
func RandomKey(alg string) (jwk.Key, error) {
	var raw any
	var err error
	switch jwa.SignatureAlgorithm(alg) {
	case jwa.ES256:
		raw, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case jwa.ES384:
		raw, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case jwa.RS256, jwa.PS256:
		raw, err = rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, fmt.Errorf("generate key for %q: %w", alg, ErrUnsupportedAlgorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}
	key, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("could not create jwk from key: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.SignatureAlgorithm(alg)); err != nil {
		return nil, err
	}
	slog.Debug("Generated random signing key", "alg", alg)
	return key, nil
}

// LoadKeyFile reads a private key from a PEM or JWK file. An empty alg lets
// the algorithm be inferred from the key.
func LoadKeyFile(path, alg string) (jwk.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read key file: %w", err)
	}
	var key jwk.Key
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		key, err = jwk.ParseKey(data, jwk.WithPEM(true))
	} else {
		key, err = jwk.ParseKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to parse key file: %w", err)
	}
	if alg != "" {
		if err := key.Set(jwk.AlgorithmKey, jwa.SignatureAlgorithm(alg)); err != nil {
			return nil, err
		}
	}
	return key, nil
}

func (ks *KeyStore) add(key jwk.Key) error {
	alg, err := keyAlgorithm(key)
	if err != nil {
		return err
	}
	if _, dup := ks.keys[alg]; dup {
		return fmt.Errorf("duplicate key for algorithm %s", alg)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return err
	}
	if key.KeyID() == "" {
		kid, err := Thumbprint(key)
		if err != nil {
			return fmt.Errorf("unable to compute thumbprint: %w", err)
		}
		if err := key.Set(jwk.KeyIDKey, kid); err != nil {
			return err
		}
	}
	pub, err := key.PublicKey()
	if err != nil {
		return fmt.Errorf("unable to derive public key: %w", err)
	}
	if err := ks.public.AddKey(pub); err != nil {
		return err
	}
	ks.keys[alg] = key
	return nil
}

// Algorithms lists the signature algorithms the store can sign with.
func (ks *KeyStore) Algorithms() []string {
	out := make([]string, 0, len(ks.keys))
	for alg := range ks.keys {
		out = append(out, alg.String())
	}
	sort.Strings(out)
	return out
}

// PublicKeys returns the public JWKS. The returned set must not be modified.
func (ks *KeyStore) PublicKeys() jwk.Set {
	return ks.public
}

func (ks *KeyStore) key(alg string) (jwk.Key, error) {
	key, ok := ks.keys[jwa.SignatureAlgorithm(alg)]
	if !ok {
		return nil, fmt.Errorf("no signing key for %q: %w", alg, ErrUnsupportedAlgorithm)
	}
	return key, nil
}

// Thumbprint returns the base64url encoded RFC 7638 SHA-256 thumbprint.
func Thumbprint(key jwk.Key) (string, error) {
	t, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(t), nil
}

func keyAlgorithm(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	if a := key.Algorithm(); a != nil && a.String() != "" {
		return jwa.SignatureAlgorithm(a.String()), nil
	}
	switch k := key.(type) {
	case jwk.ECDSAPrivateKey:
		switch k.Crv() {
		case jwa.P256:
			return jwa.ES256, nil
		case jwa.P384:
			return jwa.ES384, nil
		}
		return "", fmt.Errorf("curve %s: %w", k.Crv(), ErrUnsupportedAlgorithm)
	case jwk.RSAPrivateKey:
		return jwa.RS256, nil
	}
	return "", fmt.Errorf("key type %s: %w", key.KeyType(), ErrUnsupportedAlgorithm)
}
