package oauth2

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyCodeChallenge(t *testing.T) {
	verifier := GenerateCodeVerifier()
	require.Len(t, verifier, 128)

	challenge := S256ChallengeFromVerifier(verifier)
	assert.True(t, VerifyCodeChallenge(CodeChallengeMethodS256, challenge, verifier))
	assert.False(t, VerifyCodeChallenge(CodeChallengeMethodS256, challenge, verifier+"x"))
	assert.False(t, VerifyCodeChallenge(CodeChallengeMethodS256, challenge, ""))

	assert.True(t, VerifyCodeChallenge(CodeChallengeMethodPlain, "abc", "abc"))
	assert.True(t, VerifyCodeChallenge("", "abc", "abc"))
	assert.False(t, VerifyCodeChallenge(CodeChallengeMethodPlain, "abc", "abd"))
	assert.False(t, VerifyCodeChallenge("S512", "abc", "abc"))
}

func TestS256KnownVector(t *testing.T) {
	// RFC 7636 appendix B
	assert.Equal(t,
		"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		S256ChallengeFromVerifier("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestParseScope(t *testing.T) {
	assert.Equal(t, []string{"openid", "profile"}, ParseScope("  openid profile openid "))
	assert.Empty(t, ParseScope(""))
	assert.Equal(t, "a b", JoinScope([]string{"a", "b"}))
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("grant: %w", InvalidGrant("the authorization code is not correct"))

	oerr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrorInvalidGrant, oerr.Code)
	assert.Equal(t, KindGrant, oerr.Kind)
	assert.True(t, errors.Is(err, InvalidGrant("")))
	assert.False(t, errors.Is(err, InvalidClient("")))
	assert.True(t, HasCode(err, ErrorInvalidGrant))

	missing := MissingParameter("refresh_token")
	assert.Equal(t, "invalid_request: missing_parameter: refresh_token", missing.Error())
}
