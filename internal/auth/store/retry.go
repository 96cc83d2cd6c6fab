package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/observability"
	"github.com/cenkalti/backoff/v5"
)

const maxTries = 4

// WithRetry decorates a Store so that transient I/O failures are retried
// with capped exponential backoff, every operation is counted, and errors
// that survive the retries surface as ErrUnavailable. ErrNotFound is a
// result, not a failure, and is never retried.
func WithRetry(s Store, metrics *observability.Metrics) Store {
	return &retryStore{inner: s, metrics: metrics}
}

type retryStore struct {
	inner   Store
	metrics *observability.Metrics
}

func (s *retryStore) Tokens() Tokens                 { return &retryTokens{s} }
func (s *retryStore) LoginStates() LoginStates       { return &retryLoginStates{s} }
func (s *retryStore) Codes() AuthorizationCodes      { return &retryCodes{s} }
func (s *retryStore) Ping(ctx context.Context) error { return s.inner.Ping(ctx) }
func (s *retryStore) Close() error                   { return s.inner.Close() }

// Sweep forwards to the wrapped driver when it supports index garbage
// collection, so housekeeping still finds the capability behind the wrapper.
func (s *retryStore) Sweep(ctx context.Context) (int64, error) {
	sweeper, ok := s.inner.(Sweeper)
	if !ok {
		return 0, nil
	}
	return retry(ctx, s, "sweep", func() (int64, error) {
		return sweeper.Sweep(ctx)
	})
}

// CountActive forwards to the wrapped driver when it can count records, for
// the same reason Sweep does.
func (s *retryStore) CountActive(ctx context.Context) (map[domain.TokenType]int64, error) {
	counter, ok := s.inner.(Counter)
	if !ok {
		return nil, nil
	}
	return retry(ctx, s, "count_active", func() (map[domain.TokenType]int64, error) {
		return counter.CountActive(ctx)
	})
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

func retry[T any](ctx context.Context, s *retryStore, op string, fn func() (T, error)) (T, error) {
	result, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && errors.Is(err, ErrNotFound) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(maxTries),
	)

	s.metrics.StoreOp(ctx, op, err)

	if err != nil && !errors.Is(err, ErrNotFound) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, err
}

type retryTokens struct{ s *retryStore }

func (t *retryTokens) Put(ctx context.Context, tok domain.Token) error {
	_, err := retry(ctx, t.s, "token_put", func() (struct{}, error) {
		return struct{}{}, t.s.inner.Tokens().Put(ctx, tok)
	})
	return err
}

func (t *retryTokens) Get(ctx context.Context, id string) (domain.Token, error) {
	return retry(ctx, t.s, "token_get", func() (domain.Token, error) {
		return t.s.inner.Tokens().Get(ctx, id)
	})
}

func (t *retryTokens) Delete(ctx context.Context, id string) error {
	_, err := retry(ctx, t.s, "token_delete", func() (struct{}, error) {
		return struct{}{}, t.s.inner.Tokens().Delete(ctx, id)
	})
	return err
}

func (t *retryTokens) ListChildren(ctx context.Context, parentID string) ([]string, error) {
	return retry(ctx, t.s, "token_list_children", func() ([]string, error) {
		return t.s.inner.Tokens().ListChildren(ctx, parentID)
	})
}

func (t *retryTokens) ListActive(ctx context.Context, subject string) ([]domain.Token, error) {
	return retry(ctx, t.s, "token_list_active", func() ([]domain.Token, error) {
		return t.s.inner.Tokens().ListActive(ctx, subject)
	})
}

type retryLoginStates struct{ s *retryStore }

func (l *retryLoginStates) Put(ctx context.Context, state domain.LoginState, ttl time.Duration) error {
	_, err := retry(ctx, l.s, "login_state_put", func() (struct{}, error) {
		return struct{}{}, l.s.inner.LoginStates().Put(ctx, state, ttl)
	})
	return err
}

func (l *retryLoginStates) Consume(ctx context.Context, state string) (domain.LoginState, error) {
	// Consume must not be retried after an ambiguous failure: a second
	// attempt could observe its own deletion as a replay. One try only.
	v, err := l.s.inner.LoginStates().Consume(ctx, state)
	l.s.metrics.StoreOp(ctx, "login_state_consume", err)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.LoginState{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, err
}

type retryCodes struct{ s *retryStore }

func (c *retryCodes) Put(ctx context.Context, fingerprint string, code domain.AuthorizationCode, ttl time.Duration) error {
	_, err := retry(ctx, c.s, "code_put", func() (struct{}, error) {
		return struct{}{}, c.s.inner.Codes().Put(ctx, fingerprint, code, ttl)
	})
	return err
}

func (c *retryCodes) Consume(ctx context.Context, fingerprint string, tombstoneTTL time.Duration) (domain.AuthorizationCode, error) {
	// Same single-try rule as login state consumption.
	v, err := c.s.inner.Codes().Consume(ctx, fingerprint, tombstoneTTL)
	c.s.metrics.StoreOp(ctx, "code_consume", err)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.AuthorizationCode{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, err
}

func (c *retryCodes) MarkRedeemed(ctx context.Context, fingerprint, tokenID string, ttl time.Duration) error {
	_, err := retry(ctx, c.s, "code_mark_redeemed", func() (struct{}, error) {
		return struct{}{}, c.s.inner.Codes().MarkRedeemed(ctx, fingerprint, tokenID, ttl)
	})
	return err
}

func (c *retryCodes) Redeemed(ctx context.Context, fingerprint string) (string, error) {
	return retry(ctx, c.s, "code_redeemed", func() (string, error) {
		return c.s.inner.Codes().Redeemed(ctx, fingerprint)
	})
}
