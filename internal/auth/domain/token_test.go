package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseToken(t *testing.T) {
	t.Parallel()

	opaque := FormatToken("01HQ7T3Z1MZ0JQ3M6MZQ1FQ3ZV", "s3cret")
	id, secret, err := ParseToken(opaque)
	require.NoError(t, err)
	require.Equal(t, "01HQ7T3Z1MZ0JQ3M6MZQ1FQ3ZV", id)
	require.Equal(t, "s3cret", secret)

	// base64url secrets may themselves contain underscores; everything past
	// the second separator is the secret.
	id, secret, err = ParseToken(FormatToken("01HQ7T3Z1MZ0JQ3M6MZQ1FQ3ZV", "ab_cd__ef"))
	require.NoError(t, err)
	require.Equal(t, "01HQ7T3Z1MZ0JQ3M6MZQ1FQ3ZV", id)
	require.Equal(t, "ab_cd__ef", secret)

	for _, bad := range []string{"", "gk_", "gk_only-id", "xx_id_secret", "gk__secret", "gk_id_"} {
		_, _, err := ParseToken(bad)
		require.ErrorIs(t, err, ErrMalformedToken, "input %q", bad)
	}
}

func TestTokenExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()

	expiring := Token{ExpiresAt: now.Add(time.Minute)}
	require.False(t, expiring.Expired(now))
	require.True(t, expiring.Expired(now.Add(2*time.Minute)))

	// Non-expiring internal-service token.
	forever := Token{Type: TypeInternal}
	require.False(t, forever.Expired(now.Add(100*365*24*time.Hour)))
}

func TestHasScopes(t *testing.T) {
	t.Parallel()

	tok := Token{Scopes: []string{"openid", "profile"}}
	require.True(t, tok.HasScopes(nil))
	require.True(t, tok.HasScopes([]string{"openid"}))
	require.True(t, tok.HasScopes([]string{"openid", "profile"}))
	require.False(t, tok.HasScopes([]string{"email"}))
}

func TestClientAllowsRedirect(t *testing.T) {
	t.Parallel()

	c := OIDCClient{RedirectURIs: []string{"https://app.example.com/cb"}}
	require.True(t, c.AllowsRedirect("https://app.example.com/cb"))
	require.False(t, c.AllowsRedirect("https://app.example.com/cb/other"))
	require.False(t, c.AllowsRedirect("https://evil.example.com/cb"))
}
