package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	gateway "github.com/eugener/moria/internal"
	"github.com/eugener/moria/internal/telemetry"
)

type fakeMaintStore struct {
	mu        sync.Mutex
	recovered int
	swept     int
	pruned    int
	resets    int
	cutoff    time.Time
	err       error
	providers []*gateway.Provider
}

func (s *fakeMaintStore) RecoverCooled(context.Context, time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovered++
	return 1, s.err
}

func (s *fakeMaintStore) SweepExpired(context.Context, time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swept++
	return 1, s.err
}

func (s *fakeMaintStore) PruneLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned++
	s.cutoff = cutoff
	return 1, s.err
}

func (s *fakeMaintStore) ResetDailyUsage(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return s.err
}

func (s *fakeMaintStore) ListProviders(context.Context) ([]*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providers, s.err
}

func TestMaintenanceTasks(t *testing.T) {
	t.Parallel()
	store := &fakeMaintStore{}
	m := NewMaintenance(store, 30*24*time.Hour, 0, nil)
	m.base = context.Background()

	ctx := context.Background()
	m.recoverCooled(ctx)
	m.sweepSessions(ctx)
	m.pruneLogs(ctx)
	m.resetQuotas(ctx)

	if store.recovered != 1 || store.swept != 1 || store.pruned != 1 || store.resets != 1 {
		t.Errorf("calls = %+v", store)
	}
	// The prune cutoff honors the retention window.
	wantCutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if d := store.cutoff.Sub(wantCutoff); d < -time.Minute || d > time.Minute {
		t.Errorf("cutoff = %v, want ~%v", store.cutoff, wantCutoff)
	}
}

func TestMaintenanceTaskErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	store := &fakeMaintStore{err: errors.New("db locked")}
	m := NewMaintenance(store, time.Hour, 0, nil)
	m.base = context.Background()

	// Must not panic or propagate.
	ctx := context.Background()
	m.recoverCooled(ctx)
	m.sweepSessions(ctx)
	m.pruneLogs(ctx)
	m.resetQuotas(ctx)
}

func TestMaintenanceRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	// A configured sweep interval must produce a schedule cron accepts.
	m := NewMaintenance(&fakeMaintStore{}, time.Hour, 90*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance did not stop after cancel")
	}
}

func TestMaintenanceWrapRecoversPanic(t *testing.T) {
	t.Parallel()
	m := NewMaintenance(&fakeMaintStore{}, time.Hour, 0, nil)
	m.base = context.Background()

	fn := m.wrap("boom", func(context.Context) { panic("kaboom") })
	fn() // must not propagate
}

func TestSweepSpec(t *testing.T) {
	t.Parallel()

	if got := sweepSpec(0); got != sweepSchedule {
		t.Errorf("sweepSpec(0) = %q, want default", got)
	}
	if got := sweepSpec(90 * time.Second); got != "@every 1m30s" {
		t.Errorf("sweepSpec(90s) = %q", got)
	}
}

func TestMaintenancePoolGauges(t *testing.T) {
	t.Parallel()
	store := &fakeMaintStore{providers: []*gateway.Provider{
		{ID: "p1", Status: gateway.ProviderActive, CurrentLoad: 3},
		{ID: "p2", Status: gateway.ProviderActive},
		{ID: "p3", Status: gateway.ProviderCooling},
	}}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	m := NewMaintenance(store, time.Hour, 0, metrics)
	m.base = context.Background()

	m.poolGauges(context.Background())

	if got := testutil.ToFloat64(metrics.ProvidersByStatus.WithLabelValues("active")); got != 2 {
		t.Errorf("active gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.ProvidersByStatus.WithLabelValues("cooling")); got != 1 {
		t.Errorf("cooling gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ProvidersByStatus.WithLabelValues("failed")); got != 0 {
		t.Errorf("failed gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.ProviderLoad.WithLabelValues("p1")); got != 3 {
		t.Errorf("p1 load = %v, want 3", got)
	}
}
