package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/observability"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
	"github.com/cassowarylabs/gatekeep/internal/auth/store/drivers/memory"
	"github.com/cassowarylabs/gatekeep/pkg/idx"
)

func TestHousekeepingSweep(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	// A child index entry whose token record will expire.
	parent := domain.Token{ID: idx.New().String(), Type: domain.TypeUser, Subject: "alice", ExpiresAt: time.Now().Add(time.Hour)}
	child := domain.Token{ID: idx.New().String(), Type: domain.TypeInternal, Subject: "alice", ParentID: parent.ID, ExpiresAt: time.Now().Add(10 * time.Millisecond)}
	require.NoError(t, st.Tokens().Put(ctx, parent))
	require.NoError(t, st.Tokens().Put(ctx, child))

	time.Sleep(20 * time.Millisecond)
	// Expire the record out of the map the way the TTL would.
	_, err := st.Tokens().Get(ctx, child.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	svc := NewHousekeepingService(st, &recordingHistory{}, observability.NewNoop(), slog.Default(), time.Hour, 90*24*time.Hour)
	svc.sweep()

	ids, err := st.Tokens().ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestHousekeepingSweepRebasesActiveGauges(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observability.New(mp)
	require.NoError(t, err)

	// Two sessions and a user token counted at issue time, but only one
	// session survives in the store: the others lapsed by TTL without an
	// explicit revocation, so no decrement ever happened.
	metrics.TokenIssued(ctx, "session", false)
	metrics.TokenIssued(ctx, "session", false)
	metrics.TokenIssued(ctx, "user", false)

	live := domain.Token{ID: idx.New().String(), Type: domain.TypeSession, Subject: "alice", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, st.Tokens().Put(ctx, live))

	svc := NewHousekeepingService(st, nil, metrics, slog.Default(), time.Hour, 90*24*time.Hour)
	svc.sweep()

	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &data))
	got := map[string]int64{}
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if gauge, ok := m.Data.(metricdata.Gauge[int64]); ok {
				got[m.Name] = gauge.DataPoints[0].Value
			}
		}
	}
	require.EqualValues(t, 1, got["gatekeep.sessions.active"])
	require.EqualValues(t, 0, got["gatekeep.user_tokens.active"])
}

func TestHousekeepingStartStop(t *testing.T) {
	svc := NewHousekeepingService(memory.New(), nil, observability.NewNoop(), slog.Default(), 50*time.Millisecond, time.Hour)
	svc.Start()
	time.Sleep(10 * time.Millisecond)
	svc.Stop()
}
