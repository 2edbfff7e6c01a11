// ABOUTME: Tests for Argon2id API key hashing
// ABOUTME: Covers round trips, distinct salts, and malformed-hash rejection

package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAPIKeyRoundTrips(t *testing.T) {
	hashed, err := HashAPIKey("s3cr3t")
	require.NoError(t, err)

	require.True(t, VerifyAPIKey(hashed, "s3cr3t"))
	require.False(t, VerifyAPIKey(hashed, "wrong"))
}

func TestHashAPIKeyProducesDistinctSalts(t *testing.T) {
	a, err := HashAPIKey("s3cr3t")
	require.NoError(t, err)
	b, err := HashAPIKey("s3cr3t")
	require.NoError(t, err)

	require.NotEqual(t, a, b)
	require.True(t, VerifyAPIKey(a, "s3cr3t"))
	require.True(t, VerifyAPIKey(b, "s3cr3t"))
}

func TestVerifyAPIKeyRejectsMalformedHash(t *testing.T) {
	require.False(t, VerifyAPIKey("not-a-hash", "anything"))
}
