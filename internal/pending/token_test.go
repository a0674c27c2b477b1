package pending

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClaimToken(t *testing.T) {
	token, digest, err := newClaimToken()
	require.NoError(t, err)

	// 32 random bytes, hex encoded.
	assert.Len(t, token, 64)
	_, err = hex.DecodeString(token)
	assert.NoError(t, err)

	sum := sha256.Sum256([]byte(token))
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)

	token2, _, err := newClaimToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)
}
