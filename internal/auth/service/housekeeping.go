package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/cassowarylabs/gatekeep/internal/auth/domain"
	"github.com/cassowarylabs/gatekeep/internal/auth/observability"
	"github.com/cassowarylabs/gatekeep/internal/auth/store"
)

// HousekeepingService periodically prunes the durable leftovers the token
// store's TTLs don't cover: aged history rows and orphaned child-index
// entries. It also rebases the active-token gauges from the store, since
// tokens that lapse by TTL never report their own death.
type HousekeepingService struct {
	Store            store.Store
	History          store.History // optional
	Metrics          *observability.Metrics
	Logger           *slog.Logger
	Interval         time.Duration
	HistoryRetention time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates a housekeeping service. If interval is 0 or
// negative it defaults to 1 hour; retention defaults to 90 days.
func NewHousekeepingService(
	st store.Store,
	history store.History,
	metrics *observability.Metrics,
	logger *slog.Logger,
	interval, retention time.Duration,
) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}

	return &HousekeepingService{
		Store:            st,
		History:          history,
		Metrics:          metrics,
		Logger:           logger,
		Interval:         interval,
		HistoryRetention: retention,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop to shut down.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop shuts down the worker, blocking until any in-progress sweep finishes.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Sweep immediately on startup.
	s.sweep()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep performs one cleanup pass. Each step is independent; a failure in one
// doesn't stop the others.
func (s *HousekeepingService) sweep() {
	ctx := context.Background()

	if s.History != nil {
		cutoff := time.Now().Add(-s.HistoryRetention)
		n, err := s.History.DeleteBefore(ctx, cutoff)
		if err != nil {
			s.Logger.Error("failed to prune token history", "error", err)
		} else if n > 0 {
			s.Logger.Info("pruned token history", "rows", n)
		}
	}

	if sweeper, ok := s.Store.(store.Sweeper); ok {
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			s.Logger.Error("failed to sweep store indexes", "error", err)
		} else if n > 0 {
			s.Logger.Info("swept orphaned index entries", "entries", n)
		}
	}

	if counter, ok := s.Store.(store.Counter); ok && s.Metrics != nil {
		counts, err := counter.CountActive(ctx)
		switch {
		case err != nil:
			s.Logger.Error("failed to count active tokens", "error", err)
		case counts != nil:
			s.Metrics.SetActiveTokens(counts[domain.TypeSession], counts[domain.TypeUser])
		}
	}
}
