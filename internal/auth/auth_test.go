package auth

import (
	"testing"
	"time"

	"github.com/splitcheck/splitcheck/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVerifier(secret string) *Verifier {
	return NewVerifier(config.Config{AuthJWTSecret: secret})
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	v := newVerifier("test-secret")

	token, err := v.Issue(42, time.Minute)
	require.NoError(t, err)

	userID, err := v.UserID(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestRejectsForeignSignature(t *testing.T) {
	token, err := newVerifier("secret-a").Issue(1, time.Minute)
	require.NoError(t, err)

	_, err = newVerifier("secret-b").UserID(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRejectsExpiredToken(t *testing.T) {
	v := newVerifier("test-secret")

	token, err := v.Issue(1, -time.Minute)
	require.NoError(t, err)

	_, err = v.UserID(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRejectsMissingAndGarbageTokens(t *testing.T) {
	v := newVerifier("test-secret")

	_, err := v.UserID("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = v.UserID("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
