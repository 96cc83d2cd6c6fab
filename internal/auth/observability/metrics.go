package observability

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/cassowarylabs/gatekeep"

// Metrics holds the gateway's instruments. Components record through these
// as side effects; recording never blocks, export happens on the periodic
// reader's cadence.
type Metrics struct {
	loginSuccess metric.Int64Counter
	loginFailure metric.Int64Counter

	tokensIssued  metric.Int64Counter
	tokensRevoked metric.Int64Counter
	delegations   metric.Int64Counter

	// Active counts live in atomics observed by gauge callbacks. Issue and
	// revoke adjust them in real time; housekeeping rebases them from the
	// store so tokens that lapse via TTL don't leave the gauges drifting.
	activeSessions   atomic.Int64
	activeUserTokens atomic.Int64

	storeOps metric.Int64Counter
}

// New creates the instrument set on the given meter provider.
func New(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	m := &Metrics{}
	var err error

	m.loginSuccess, err = meter.Int64Counter(
		"gatekeep.login.success",
		metric.WithDescription("Successful external identity provider logins"),
		metric.WithUnit("{login}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login success counter: %w", err)
	}

	m.loginFailure, err = meter.Int64Counter(
		"gatekeep.login.failure",
		metric.WithDescription("Failed login attempts, by reason"),
		metric.WithUnit("{login}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login failure counter: %w", err)
	}

	m.tokensIssued, err = meter.Int64Counter(
		"gatekeep.tokens.issued",
		metric.WithDescription("Tokens issued, by type"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens issued counter: %w", err)
	}

	m.tokensRevoked, err = meter.Int64Counter(
		"gatekeep.tokens.revoked",
		metric.WithDescription("Tokens revoked, by type"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens revoked counter: %w", err)
	}

	m.delegations, err = meter.Int64Counter(
		"gatekeep.tokens.delegations",
		metric.WithDescription("Child tokens issued from a parent"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delegations counter: %w", err)
	}

	_, err = meter.Int64ObservableGauge(
		"gatekeep.sessions.active",
		metric.WithDescription("Currently active session tokens"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.activeSessions.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active sessions gauge: %w", err)
	}

	_, err = meter.Int64ObservableGauge(
		"gatekeep.user_tokens.active",
		metric.WithDescription("Currently active user tokens"),
		metric.WithUnit("{token}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.activeUserTokens.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active user tokens gauge: %w", err)
	}

	m.storeOps, err = meter.Int64Counter(
		"gatekeep.store.operations",
		metric.WithDescription("Token store operations, by op and outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store operations counter: %w", err)
	}

	return m, nil
}

// NewNoop returns an instrument set that records nothing, for tests and for
// deployments with telemetry disabled.
func NewNoop() *Metrics {
	m, err := New(noop.NewMeterProvider())
	if err != nil {
		// The noop meter never fails instrument creation.
		panic(err)
	}
	return m
}

func (m *Metrics) LoginSuccess(ctx context.Context) {
	m.loginSuccess.Add(ctx, 1)
}

func (m *Metrics) LoginFailure(ctx context.Context, reason string) {
	m.loginFailure.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// TokenIssued records a new token and bumps the matching active gauge.
func (m *Metrics) TokenIssued(ctx context.Context, tokenType string, child bool) {
	m.tokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("type", tokenType)))
	if child {
		m.delegations.Add(ctx, 1)
	}

	switch tokenType {
	case "session":
		m.activeSessions.Add(1)
	case "user":
		m.activeUserTokens.Add(1)
	}
}

// TokenRevoked records a revocation and decrements the matching active gauge.
func (m *Metrics) TokenRevoked(ctx context.Context, tokenType string) {
	m.tokensRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("type", tokenType)))

	switch tokenType {
	case "session":
		m.activeSessions.Add(-1)
	case "user":
		m.activeUserTokens.Add(-1)
	}
}

// SetActiveTokens rebases the active gauges to counts taken from the store.
// Tokens that end their life by TTL expiry never pass through TokenRevoked,
// so without this the gauges would only ever climb.
func (m *Metrics) SetActiveTokens(sessions, userTokens int64) {
	m.activeSessions.Store(sessions)
	m.activeUserTokens.Store(userTokens)
}

// StoreOp records one store round trip.
func (m *Metrics) StoreOp(ctx context.Context, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.storeOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}
