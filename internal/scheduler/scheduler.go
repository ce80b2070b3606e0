// Package scheduler selects providers per request, tracks their load and
// health, and rehabilitates cooled providers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	gateway "github.com/eugener/moria/internal"
	"github.com/eugener/moria/internal/storage"
)

// candidateLimit caps the pool considered in one selection round.
const candidateLimit = 20

// Config tunes selection and failure accounting.
type Config struct {
	HealthThreshold  int
	FailureThreshold int
	Cooldown         time.Duration
	MaxRetries       int
}

// Scheduler is safe for concurrent use; all mutable state lives in the store.
type Scheduler struct {
	store storage.ProviderStore
	log   *slog.Logger
	cfg   Config
}

// New returns a Scheduler backed by store.
func New(store storage.ProviderStore, log *slog.Logger, cfg Config) *Scheduler {
	if cfg.HealthThreshold <= 0 {
		cfg.HealthThreshold = 50
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Scheduler{store: store, log: log, cfg: cfg}
}

// Acquire picks a provider and atomically claims a load slot on it. When
// preferred names a provider (session affinity) it is tried first; otherwise
// selection is weighted random over the healthy candidate set.
func (s *Scheduler) Acquire(ctx context.Context, group, preferred string, exclude []string) (*gateway.Provider, error) {
	if preferred != "" && !slices.Contains(exclude, preferred) {
		if p, err := s.acquireByID(ctx, preferred); err == nil {
			return p, nil
		}
		// Preferred provider saturated or gone; fall through to selection.
	}

	candidates, err := s.store.SelectCandidates(ctx, group, exclude, s.cfg.HealthThreshold, candidateLimit)
	if err != nil {
		return nil, err
	}

	// A candidate can lose the race for its last load slot between SELECT and
	// UPDATE; drop it and re-pick from the remainder.
	for len(candidates) > 0 {
		i := pickWeighted(candidates)
		p := candidates[i]
		ok, err := s.store.IncrementLoad(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			p.CurrentLoad++
			return p, nil
		}
		candidates = append(candidates[:i], candidates[i+1:]...)
	}
	return nil, gateway.ErrNoProvider
}

func (s *Scheduler) acquireByID(ctx context.Context, id string) (*gateway.Provider, error) {
	ok, err := s.store.IncrementLoad(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, gateway.ErrNoProvider
	}
	p, err := s.store.GetProvider(ctx, id)
	if err != nil {
		s.Release(ctx, id)
		return nil, err
	}
	return p, nil
}

// Release returns a load slot, saturating at zero.
func (s *Scheduler) Release(ctx context.Context, id string) {
	if err := s.store.DecrementLoad(ctx, id); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "release provider failed",
			slog.String("provider_id", id),
			slog.String("error", err.Error()))
	}
}

// RecordSuccess applies the success outcome to the provider.
func (s *Scheduler) RecordSuccess(ctx context.Context, id string) {
	if err := s.store.RecordSuccess(ctx, id); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "record success failed",
			slog.String("provider_id", id),
			slog.String("error", err.Error()))
	}
}

// RecordFailure applies the failure outcome, driving the provider toward
// cooling and failed as consecutive failures accumulate.
func (s *Scheduler) RecordFailure(ctx context.Context, id string) {
	if err := s.store.RecordFailure(ctx, id, s.cfg.FailureThreshold, s.cfg.Cooldown); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "record failure failed",
			slog.String("provider_id", id),
			slog.String("error", err.Error()))
	}
}

// RecoverCooled re-activates providers whose cooldown has elapsed.
func (s *Scheduler) RecoverCooled(ctx context.Context) (int64, error) {
	return s.store.RecoverCooled(ctx, time.Now())
}

// WithRetry runs fn with provider substitution: each failed attempt excludes
// the offending provider and re-selects, up to MaxRetries attempts. Release
// is balanced against every acquire, on every path. Non-retryable errors and
// caller cancellation fail fast.
func (s *Scheduler) WithRetry(ctx context.Context, group, preferred string, fn func(ctx context.Context, p *gateway.Provider) error) error {
	var exclude []string
	var lastErr error

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		p, err := s.Acquire(ctx, group, preferred, exclude)
		if err != nil {
			if lastErr != nil && errors.Is(err, gateway.ErrNoProvider) {
				// Pool exhausted mid-retry: the original failure is the story.
				return lastErr
			}
			return err
		}

		err = fn(ctx, p)
		s.Release(ctx, p.ID)

		if err == nil {
			s.RecordSuccess(ctx, p.ID)
			return nil
		}
		if ctx.Err() != nil {
			// Caller went away; do not punish the provider for it.
			return err
		}

		s.RecordFailure(ctx, p.ID)
		if !gateway.Retryable(err) {
			return err
		}

		lastErr = err
		exclude = append(exclude, p.ID)
		s.log.LogAttrs(ctx, slog.LevelWarn, "retrying with provider substitution",
			slog.String("provider_id", p.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return lastErr
}

// pickWeighted samples a candidate index proportionally to
// health_score * (1 - load/max). Zero total weight falls back to the first
// candidate, which is the best-ranked one.
func pickWeighted(candidates []*gateway.Provider) int {
	weights := make([]float64, len(candidates))
	var total float64
	for i, p := range candidates {
		w := float64(p.HealthScore) * (1 - float64(p.CurrentLoad)/float64(p.MaxConcurrent))
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return 0
	}

	r := rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(candidates) - 1
}
