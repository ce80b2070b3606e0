package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	gateway "github.com/eugener/moria/internal"
	"github.com/eugener/moria/internal/telemetry"
)

const (
	recoverSchedule = "* * * * *"   // every minute
	sweepSchedule   = "*/5 * * * *" // every 5 minutes
	gaugeSchedule   = "* * * * *"   // every minute
	pruneSchedule   = "0 3 * * *"   // daily at 03:00
	resetSchedule   = "0 0 * * *"   // daily at midnight
	taskTimeout     = time.Minute
)

// MaintenanceStore is the persistence slice consumed by Maintenance.
type MaintenanceStore interface {
	RecoverCooled(ctx context.Context, now time.Time) (int64, error)
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
	PruneLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ResetDailyUsage(ctx context.Context) error
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
}

// Maintenance runs the periodic housekeeping tasks on cron schedules:
// provider cooldown recovery, session expiry sweeps, request-log pruning,
// and daily quota resets. Task failures are logged, never fatal.
type Maintenance struct {
	store        MaintenanceStore
	logRetention time.Duration
	sessionSweep time.Duration
	metrics      *telemetry.Metrics
	cron         *cron.Cron

	// base is the worker context; per-task contexts derive from it so an
	// in-flight task is cancelled on shutdown.
	base context.Context
}

// NewMaintenance creates the maintenance worker. logRetention bounds how long
// request-log rows are kept; sessionSweep is how often expired sessions are
// removed (zero selects the default schedule). metrics may be nil.
func NewMaintenance(store MaintenanceStore, logRetention, sessionSweep time.Duration, metrics *telemetry.Metrics) *Maintenance {
	return &Maintenance{
		store:        store,
		logRetention: logRetention,
		sessionSweep: sessionSweep,
		metrics:      metrics,
		cron:         cron.New(),
	}
}

// sweepSpec turns a configured sweep interval into a cron spec.
func sweepSpec(d time.Duration) string {
	if d <= 0 {
		return sweepSchedule
	}
	return "@every " + d.String()
}

// Run installs the schedules and blocks until ctx is cancelled, then waits
// for any running task to finish.
func (m *Maintenance) Run(ctx context.Context) error {
	m.base = ctx

	jobs := []struct {
		schedule string
		name     string
		fn       func(context.Context)
	}{
		{recoverSchedule, "recover_cooled", m.recoverCooled},
		{sweepSpec(m.sessionSweep), "sweep_sessions", m.sweepSessions},
		{pruneSchedule, "prune_logs", m.pruneLogs},
		{resetSchedule, "reset_quotas", m.resetQuotas},
	}
	if m.metrics != nil {
		jobs = append(jobs, struct {
			schedule string
			name     string
			fn       func(context.Context)
		}{gaugeSchedule, "pool_gauges", m.poolGauges})
	}
	for _, j := range jobs {
		if _, err := m.cron.AddFunc(j.schedule, m.wrap(j.name, j.fn)); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}

	m.cron.Start()
	<-ctx.Done()
	stopped := m.cron.Stop()
	<-stopped.Done()
	return nil
}

// wrap binds a task to a timeout context and panic-proof logging.
func (m *Maintenance) wrap(name string, fn func(context.Context)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(m.base, taskTimeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(ctx, slog.LevelError, "maintenance task panicked",
					slog.String("task", name),
					slog.Any("error", rec),
				)
			}
		}()
		fn(ctx)
	}
}

func (m *Maintenance) recoverCooled(ctx context.Context) {
	n, err := m.store.RecoverCooled(ctx, time.Now().UTC())
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "cooldown recovery failed",
			slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "providers recovered",
			slog.Int64("count", n))
	}
}

func (m *Maintenance) sweepSessions(ctx context.Context) {
	n, err := m.store.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "session sweep failed",
			slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "sessions swept",
			slog.Int64("count", n))
	}
}

func (m *Maintenance) pruneLogs(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.logRetention)
	n, err := m.store.PruneLogsBefore(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "log prune failed",
			slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "request logs pruned",
			slog.Int64("count", n))
	}
}

// poolGauges refreshes the provider-pool gauges from the store.
func (m *Maintenance) poolGauges(ctx context.Context) {
	providers, err := m.store.ListProviders(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "pool gauge refresh failed",
			slog.String("error", err.Error()))
		return
	}
	counts := map[gateway.ProviderStatus]int{}
	for _, p := range providers {
		counts[p.Status]++
		m.metrics.ProviderLoad.WithLabelValues(p.ID).Set(float64(p.CurrentLoad))
	}
	for _, st := range []gateway.ProviderStatus{
		gateway.ProviderActive,
		gateway.ProviderCooling,
		gateway.ProviderFailed,
		gateway.ProviderInactive,
	} {
		m.metrics.ProvidersByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (m *Maintenance) resetQuotas(ctx context.Context) {
	if err := m.store.ResetDailyUsage(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "quota reset failed",
			slog.String("error", err.Error()))
	}
}
