package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/observability"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
	"github.com/cassowarylabs/gatekeep/internal/auth/store/drivers/memory"
)

var errDown = errors.New("backend down")

// flakyTokens fails the first failures calls to Get, then delegates.
type flakyTokens struct {
	store.Tokens
	failures int
	calls    int
}

func (f *flakyTokens) Get(ctx context.Context, id string) (domain.Token, error) {
	f.calls++
	if f.calls <= f.failures {
		return domain.Token{}, errDown
	}
	return f.Tokens.Get(ctx, id)
}

type flakyStore struct {
	store.Store
	tokens *flakyTokens
}

func (f *flakyStore) Tokens() store.Tokens { return f.tokens }

func newFlakyStore(failures int) (*flakyStore, store.Store) {
	inner := memory.New()
	fs := &flakyStore{
		Store:  inner,
		tokens: &flakyTokens{Tokens: inner.Tokens(), failures: failures},
	}
	return fs, store.WithRetry(fs, observability.NewNoop())
}

func seedToken(t *testing.T, s store.Store) domain.Token {
	t.Helper()
	tok := domain.Token{
		ID:        "tok1",
		Type:      domain.TypeSession,
		Subject:   "ada",
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Tokens().Put(context.Background(), tok))
	return tok
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	fs, wrapped := newFlakyStore(2)
	seedToken(t, wrapped)

	got, err := wrapped.Tokens().Get(context.Background(), "tok1")
	require.NoError(t, err)
	require.Equal(t, "ada", got.Subject)
	require.Equal(t, 3, fs.tokens.calls)
}

func TestRetryExhaustionSurfacesUnavailable(t *testing.T) {
	fs, wrapped := newFlakyStore(100)
	seedToken(t, wrapped)
	fs.tokens.calls = 0

	_, err := wrapped.Tokens().Get(context.Background(), "tok1")
	require.ErrorIs(t, err, store.ErrUnavailable)
	require.Equal(t, 4, fs.tokens.calls)
}

func TestRetryDoesNotMaskNotFound(t *testing.T) {
	_, wrapped := newFlakyStore(0)

	_, err := wrapped.Tokens().Get(context.Background(), "absent")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NotErrorIs(t, err, store.ErrUnavailable)
}

func TestConsumeIsNeverRetried(t *testing.T) {
	inner := memory.New()
	wrapped := store.WithRetry(inner, observability.NewNoop())
	ctx := context.Background()

	state := domain.LoginState{State: "s1", ReturnURL: "/home", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, wrapped.LoginStates().Put(ctx, state, time.Minute))

	got, err := wrapped.LoginStates().Consume(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "/home", got.ReturnURL)

	// The second consume observes the deletion, not a retried replay.
	_, err = wrapped.LoginStates().Consume(ctx, "s1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCountActiveForwardsThroughWrapper(t *testing.T) {
	inner := memory.New()
	wrapped := store.WithRetry(inner, observability.NewNoop())

	counter, ok := wrapped.(store.Counter)
	require.True(t, ok)

	seedToken(t, wrapped)

	counts, err := counter.CountActive(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[domain.TypeSession])
}

func TestSweepForwardsThroughWrapper(t *testing.T) {
	inner := memory.New()
	wrapped := store.WithRetry(inner, observability.NewNoop())

	sweeper, ok := wrapped.(store.Sweeper)
	require.True(t, ok)

	removed, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, removed)
}