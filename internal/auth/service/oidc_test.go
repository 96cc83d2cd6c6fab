package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/observability"
	"github.com/cassowarylabs/gatekeep/internal/auth/store/drivers/memory"
	"github.com/cassowarylabs/gatekeep/pkg/cryptox"
	"github.com/cassowarylabs/gatekeep/pkg/jwtx"
)

const testClientSecret = "s3cret-value"

func newOIDCService(t *testing.T) (*OIDCService, domain.Token) {
	t.Helper()

	st := memory.New()
	tokens := &TokenService{
		Store:       st,
		Metrics:     observability.NewNoop(),
		KnownScopes: []string{"read:all", "exec:notebook"},
	}

	signer, err := jwtx.GenerateSigner("test-key")
	require.NoError(t, err)

	secretHash, err := cryptox.HashSecret(testClientSecret)
	require.NoError(t, err)

	svc := &OIDCService{
		Tokens:  tokens,
		Store:   st,
		Metrics: observability.NewNoop(),
		Signer:  signer,
		Issuer:  "https://gatekeep.example.com",
		Clients: map[string]domain.OIDCClient{
			"portal": {
				ClientID:     "portal",
				SecretHash:   secretHash,
				RedirectURIs: []string{"https://portal.example.com/callback"},
			},
		},
		CodeTTL:        30 * time.Second,
		AccessTokenTTL: time.Hour,
		IDTokenTTL:     time.Hour,
	}

	user, _, err := tokens.IssueRoot(context.Background(), "alice", []string{"read:all"},
		domain.TypeUser, 2*time.Hour,
		domain.Identity{Username: "alice", Name: "Alice Example", Email: "alice@example.com"})
	require.NoError(t, err)

	return svc, user
}

func TestAuthorize(t *testing.T) {
	svc, user := newOIDCService(t)
	ctx := context.Background()

	t.Run("unknown client", func(t *testing.T) {
		_, err := svc.Authorize(ctx, "ghost", "https://portal.example.com/callback",
			[]string{"openid"}, user)
		require.ErrorIs(t, err, ErrInvalidClient)
	})

	t.Run("unregistered redirect", func(t *testing.T) {
		_, err := svc.Authorize(ctx, "portal", "https://evil.example.com/callback",
			[]string{"openid"}, user)
		require.ErrorIs(t, err, ErrInvalidRedirect)
	})

	t.Run("redirect must match exactly", func(t *testing.T) {
		_, err := svc.Authorize(ctx, "portal", "https://portal.example.com/callback/extra",
			[]string{"openid"}, user)
		require.ErrorIs(t, err, ErrInvalidRedirect)
	})

	t.Run("openid scope required", func(t *testing.T) {
		_, err := svc.Authorize(ctx, "portal", "https://portal.example.com/callback",
			[]string{"profile"}, user)
		require.ErrorIs(t, err, ErrInvalidScope)
	})

	t.Run("unsupported scope", func(t *testing.T) {
		_, err := svc.Authorize(ctx, "portal", "https://portal.example.com/callback",
			[]string{"openid", "groups"}, user)
		require.ErrorIs(t, err, ErrInvalidScope)
	})

	t.Run("success", func(t *testing.T) {
		code, err := svc.Authorize(ctx, "portal", "https://portal.example.com/callback",
			[]string{"openid", "email"}, user)
		require.NoError(t, err)
		require.NotEmpty(t, code)
	})
}

func TestExchange(t *testing.T) {
	svc, user := newOIDCService(t)
	ctx := context.Background()

	code, err := svc.Authorize(ctx, "portal", "https://portal.example.com/callback",
		[]string{"openid", "profile", "email"}, user)
	require.NoError(t, err)

	resp, err := svc.Exchange(ctx, "portal", testClientSecret, code,
		"https://portal.example.com/callback")
	require.NoError(t, err)
	require.Equal(t, "Bearer", resp.TokenType)
	require.Equal(t, "openid profile email", resp.Scope)
	require.Positive(t, resp.ExpiresIn)

	// The access token is an oidc-type child of the authorizing token.
	access, err := svc.Tokens.Validate(ctx, resp.AccessToken, domain.TypeOIDC, nil)
	require.NoError(t, err)
	require.Equal(t, user.ID, access.ParentID)
	require.Equal(t, "alice", access.Subject)

	claims, err := jwtx.VerifyForAudience(resp.IDToken, svc.Signer.Public(), "portal")
	require.NoError(t, err)
	require.Equal(t, "https://gatekeep.example.com", claims["iss"])
	require.Equal(t, "alice", claims["sub"])
	require.Equal(t, "Alice Example", claims["name"])
	require.Equal(t, "alice@example.com", claims["email"])
}

func TestExchangeClientAuth(t *testing.T) {
	svc, user := newOIDCService(t)
	ctx := context.Background()

	code, err := svc.Authorize(ctx, "portal", "https://portal.example.com/callback",
		[]string{"openid"}, user)
	require.NoError(t, err)

	_, err = svc.Exchange(ctx, "portal", "wrong-secret", code,
		"https://portal.example.com/callback")
	require.ErrorIs(t, err, ErrInvalidClient)

	_, err = svc.Exchange(ctx, "ghost", testClientSecret, code,
		"https://portal.example.com/callback")
	require.ErrorIs(t, err, ErrInvalidClient)
}

func TestExchangeGrantBinding(t *testing.T) {
	svc, user := newOIDCService(t)
	ctx := context.Background()

	t.Run("unknown code", func(t *testing.T) {
		_, err := svc.Exchange(ctx, "portal", testClientSecret, "never-issued",
			"https://portal.example.com/callback")
		require.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		code, err := svc.Authorize(ctx, "portal", "https://portal.example.com/callback",
			[]string{"openid"}, user)
		require.NoError(t, err)

		_, err = svc.Exchange(ctx, "portal", testClientSecret, code,
			"https://portal.example.com/other")
		require.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("revoked user token", func(t *testing.T) {
		code, err := svc.Authorize(ctx, "portal", "https://portal.example.com/callback",
			[]string{"openid"}, user)
		require.NoError(t, err)

		require.NoError(t, svc.Tokens.Revoke(ctx, user.ID))

		_, err = svc.Exchange(ctx, "portal", testClientSecret, code,
			"https://portal.example.com/callback")
		require.ErrorIs(t, err, ErrInvalidGrant)
	})
}

func TestExchangeReplayRevokesIssuedToken(t *testing.T) {
	svc, user := newOIDCService(t)
	ctx := context.Background()

	code, err := svc.Authorize(ctx, "portal", "https://portal.example.com/callback",
		[]string{"openid"}, user)
	require.NoError(t, err)

	resp, err := svc.Exchange(ctx, "portal", testClientSecret, code,
		"https://portal.example.com/callback")
	require.NoError(t, err)

	_, err = svc.Exchange(ctx, "portal", testClientSecret, code,
		"https://portal.example.com/callback")
	require.ErrorIs(t, err, ErrCodeReplay)

	// The replay killed the token the first redemption minted.
	_, err = svc.Tokens.Validate(ctx, resp.AccessToken, domain.TypeOIDC, nil)
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestExchangeConcurrentRedemptionsSingleWinner(t *testing.T) {
	svc, user := newOIDCService(t)
	ctx := context.Background()

	code, err := svc.Authorize(ctx, "portal", "https://portal.example.com/callback",
		[]string{"openid"}, user)
	require.NoError(t, err)

	const workers = 8
	var mu sync.Mutex
	var wins, replays int
	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Exchange(ctx, "portal", testClientSecret, code,
				"https://portal.example.com/callback")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrCodeReplay):
				replays++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// Even a loser racing ahead of the winner's token mint must see the
	// redemption, never a bare invalid_grant.
	require.Equal(t, 1, wins)
	require.Equal(t, workers-1, replays)
}

func TestIDTokenExpiryCappedBySession(t *testing.T) {
	svc, _ := newOIDCService(t)
	ctx := context.Background()

	// A user token about to expire caps the ID token with it.
	shortUser, _, err := svc.Tokens.IssueRoot(ctx, "bob", []string{"read:all"},
		domain.TypeUser, time.Minute, domain.Identity{Username: "bob"})
	require.NoError(t, err)

	code, err := svc.Authorize(ctx, "portal", "https://portal.example.com/callback",
		[]string{"openid"}, shortUser)
	require.NoError(t, err)

	resp, err := svc.Exchange(ctx, "portal", testClientSecret, code,
		"https://portal.example.com/callback")
	require.NoError(t, err)

	claims, err := jwtx.Verify(resp.IDToken, svc.Signer.Public())
	require.NoError(t, err)

	exp := time.Unix(int64(claims["exp"].(float64)), 0)
	require.WithinDuration(t, shortUser.ExpiresAt, exp, time.Second)
}

func TestUserinfo(t *testing.T) {
	svc, user := newOIDCService(t)
	ctx := context.Background()

	code, err := svc.Authorize(ctx, "portal", "https://portal.example.com/callback",
		[]string{"openid", "email"}, user)
	require.NoError(t, err)

	resp, err := svc.Exchange(ctx, "portal", testClientSecret, code,
		"https://portal.example.com/callback")
	require.NoError(t, err)

	claims, err := svc.Userinfo(ctx, resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "alice", claims["sub"])
	require.Equal(t, "https://gatekeep.example.com", claims["iss"])
	require.Equal(t, "alice@example.com", claims["email"])

	// Profile wasn't granted, so its claims stay hidden.
	require.NotContains(t, claims, "name")
	require.NotContains(t, claims, "preferred_username")
}

func TestUserinfoRejectsNonOIDCTokens(t *testing.T) {
	svc, _ := newOIDCService(t)
	ctx := context.Background()

	_, session, err := svc.Tokens.IssueRoot(ctx, "alice", []string{"read:all"},
		domain.TypeSession, time.Hour, domain.Identity{})
	require.NoError(t, err)

	_, err = svc.Userinfo(ctx, session)
	require.ErrorIs(t, err, ErrWrongType)
}

func TestDiscovery(t *testing.T) {
	svc, _ := newOIDCService(t)

	meta := svc.Discovery()
	require.Equal(t, "https://gatekeep.example.com", meta.Issuer)
	require.Equal(t, "https://gatekeep.example.com/oauth2/openid/authorize", meta.AuthorizationEndpoint)
	require.Equal(t, []string{"query"}, meta.ResponseModesSupported)
	require.Equal(t, []string{"code"}, meta.ResponseTypesSupported)
	require.Equal(t, []string{"RS256"}, meta.IDTokenSigningAlgValuesSupported)
	require.ElementsMatch(t, []string{"openid", "profile", "email"}, meta.ScopesSupported)
}
