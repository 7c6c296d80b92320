package dpop

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gematik/zero-authz/pkg/nonce"
	"github.com/gematik/zero-authz/pkg/oauth2"
)

const (
	defaultMaxAge = 5 * time.Minute
	defaultSkew   = 30 * time.Second
)

// Verifier checks DPoP proofs presented at the token endpoint.
type Verifier struct {
	maxAge       time.Duration
	nonceService nonce.Service
	now          func() time.Time
}

type VerifierOption func(*Verifier) error

// WithNonce requires every proof to carry a nonce issued by the service.
func WithNonce(nonceService nonce.Service) VerifierOption {
	return func(v *Verifier) error {
		v.nonceService = nonceService
		return nil
	}
}

func WithMaxAge(maxAge time.Duration) VerifierOption {
	return func(v *Verifier) error {
		if maxAge <= 0 {
			return errors.New("max age must be positive")
		}
		v.maxAge = maxAge
		return nil
	}
}

func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) error {
		v.now = now
		return nil
	}
}

func NewVerifier(opts ...VerifierOption) (*Verifier, error) {
	v := &Verifier{maxAge: defaultMaxAge, now: time.Now}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Verify parses the proof and checks method, target URI, age and nonce.
// Failures are *oauth2.Error values with code invalid_dpop_proof or
// use_dpop_nonce.
func (v *Verifier) Verify(ctx context.Context, proof, method, uri string) (*DPoP, error) {
	dpop, err := ParseToken([]byte(proof))
	if err != nil {
		return nil, oauth2.InvalidDPoPProof("%v", err)
	}

	if !strings.EqualFold(dpop.HttpMethod, method) {
		slog.Debug("DPoP method mismatch", "dpop", dpop.HttpMethod, "request", method)
		return nil, oauth2.InvalidDPoPProof("htm does not match the request method")
	}
	if !sameURI(dpop.HttpURI, uri) {
		slog.Debug("DPoP url mismatch", "dpop", dpop.HttpURI, "request", uri)
		return nil, oauth2.InvalidDPoPProof("htu does not match the request uri")
	}

	now := v.now()
	if dpop.IssuedAt.After(now.Add(defaultSkew)) {
		return nil, oauth2.InvalidDPoPProof("proof is issued in the future")
	}
	if now.Sub(dpop.IssuedAt) > v.maxAge {
		return nil, oauth2.InvalidDPoPProof("proof is too old")
	}

	if v.nonceService != nil {
		if dpop.Nonce == "" {
			return nil, &oauth2.Error{Code: oauth2.ErrorUseDPoPNonce, Description: "nonce is required", Kind: oauth2.KindRequest}
		}
		if err := v.nonceService.Redeem(ctx, dpop.Nonce); err != nil {
			if errors.Is(err, nonce.ErrNotFound) {
				return nil, &oauth2.Error{Code: oauth2.ErrorUseDPoPNonce, Description: "nonce is invalid", Kind: oauth2.KindRequest}
			}
			return nil, err
		}
	}

	return dpop, nil
}

// sameURI compares two URIs ignoring query and fragment as in RFC 9449
// section 4.3.
func sameURI(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Scheme, ub.Scheme) &&
		strings.EqualFold(ua.Host, ub.Host) &&
		ua.EscapedPath() == ub.EscapedPath()
}
