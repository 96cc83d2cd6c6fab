package cryptox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	t.Parallel()

	a, err := GenerateToken(TokenSize256)
	require.NoError(t, err)
	require.Len(t, a, 43)

	b, err := GenerateToken(TokenSize256)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	_, err = GenerateToken(0)
	require.Error(t, err)
}

func TestFingerprintToken(t *testing.T) {
	t.Parallel()

	fp := FingerprintToken("some-secret")
	require.Len(t, fp, 43)
	require.Equal(t, fp, FingerprintToken("some-secret"))
	require.NotEqual(t, fp, FingerprintToken("other-secret"))

	require.True(t, VerifyFingerprint("some-secret", fp))
	require.False(t, VerifyFingerprint("other-secret", fp))
}

func TestSecretHashRoundTrip(t *testing.T) {
	t.Parallel()

	hash, err := HashSecret("client-secret-value")
	require.NoError(t, err)

	require.NoError(t, VerifySecret("client-secret-value", hash))
	require.Error(t, VerifySecret("wrong", hash))
	require.Error(t, VerifySecret("client-secret-value", "$argon2id$v=19$bogus"))
}
