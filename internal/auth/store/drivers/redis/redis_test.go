package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := New(client, "")
	require.NoError(t, err)
	return s, mr
}

func testToken(id, parent string) domain.Token {
	return domain.Token{
		ID:         id,
		Type:       domain.TypeSession,
		Subject:    "alice",
		Scopes:     []string{"openid", "profile"},
		SecretHash: "fp",
		ParentID:   parent,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func TestTokenPutGetDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tok := testToken("t1", "")
	require.NoError(t, s.Tokens().Put(ctx, tok))

	got, err := s.Tokens().Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, tok.ID, got.ID)
	require.Equal(t, tok.Subject, got.Subject)
	require.Equal(t, tok.Scopes, got.Scopes)

	require.NoError(t, s.Tokens().Delete(ctx, "t1"))

	_, err = s.Tokens().Get(ctx, "t1")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Deleting again is a no-op, not an error.
	require.NoError(t, s.Tokens().Delete(ctx, "t1"))
}

func TestTokenExpiryEnforcedByStore(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	tok := testToken("t1", "")
	tok.ExpiresAt = time.Now().Add(time.Second)
	require.NoError(t, s.Tokens().Put(ctx, tok))

	mr.FastForward(2 * time.Second)

	_, err := s.Tokens().Get(ctx, "t1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutRejectsAlreadyExpired(t *testing.T) {
	s, _ := newTestStore(t)

	tok := testToken("t1", "")
	tok.ExpiresAt = time.Now().Add(-time.Second)
	require.Error(t, s.Tokens().Put(context.Background(), tok))
}

func TestChildrenIndex(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Tokens().Put(ctx, testToken("root", "")))
	require.NoError(t, s.Tokens().Put(ctx, testToken("c1", "root")))
	require.NoError(t, s.Tokens().Put(ctx, testToken("c2", "root")))

	ids, err := s.Tokens().ListChildren(ctx, "root")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c1", "c2"}, ids)

	require.NoError(t, s.Tokens().Delete(ctx, "c1"))

	ids, err = s.Tokens().ListChildren(ctx, "root")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c2"}, ids)
}

func TestListActiveFiltersExpired(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	longLived := testToken("long", "")
	shortLived := testToken("short", "")
	shortLived.ExpiresAt = time.Now().Add(time.Second)

	require.NoError(t, s.Tokens().Put(ctx, longLived))
	require.NoError(t, s.Tokens().Put(ctx, shortLived))

	mr.FastForward(2 * time.Second)

	active, err := s.Tokens().ListActive(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "long", active[0].ID)
}

func TestLoginStateConsumeIsSingleUse(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	st := domain.LoginState{
		State:     "random-state",
		ReturnURL: "https://portal.example.com/",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, s.LoginStates().Put(ctx, st, 10*time.Minute))

	got, err := s.LoginStates().Consume(ctx, "random-state")
	require.NoError(t, err)
	require.Equal(t, st.ReturnURL, got.ReturnURL)

	_, err = s.LoginStates().Consume(ctx, "random-state")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCodeConsumeConcurrentSingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	code := domain.AuthorizationCode{
		ClientID:    "client",
		RedirectURI: "https://app.example.com/cb",
		Scopes:      []string{"openid"},
		TokenID:     "t1",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	require.NoError(t, s.Codes().Put(ctx, "fp", code, time.Minute))

	const workers = 16
	var wins, losses int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Codes().Consume(ctx, "fp", time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrNotFound):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, workers-1, losses)

	// The winning consume left the redemption tombstone behind, so every
	// loser can tell a replay from a code that never existed.
	tokenID, err := s.Codes().Redeemed(ctx, "fp")
	require.NoError(t, err)
	require.Empty(t, tokenID)
}

func TestRedeemedTombstone(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Codes().Redeemed(ctx, "fp")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Codes().MarkRedeemed(ctx, "fp", "issued-token", time.Minute))

	tokenID, err := s.Codes().Redeemed(ctx, "fp")
	require.NoError(t, err)
	require.Equal(t, "issued-token", tokenID)
}

func TestCountActiveByType(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Tokens().Put(ctx, testToken("s1", "")))
	require.NoError(t, s.Tokens().Put(ctx, testToken("s2", "")))

	user := testToken("u1", "")
	user.Type = domain.TypeUser
	require.NoError(t, s.Tokens().Put(ctx, user))

	lapsing := testToken("s3", "")
	lapsing.ExpiresAt = time.Now().Add(time.Second)
	require.NoError(t, s.Tokens().Put(ctx, lapsing))

	mr.FastForward(2 * time.Second)

	counts, err := s.CountActive(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, counts[domain.TypeSession])
	require.EqualValues(t, 1, counts[domain.TypeUser])
}

func TestPing(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	require.Error(t, s.Ping(context.Background()))
}
