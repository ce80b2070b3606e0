package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gateway "github.com/eugener/moria/internal"
	"github.com/eugener/moria/internal/storage"
)

// Bootstrap seeds providers and API keys declared in the config file into the
// store. Existing rows are left untouched, so the config acts as a declarative
// baseline and admin changes survive restarts.
func Bootstrap(ctx context.Context, store storage.Store, cfg *Config) error {
	for _, e := range cfg.Providers {
		if e.Name == "" || e.CSesIdx == "" {
			return fmt.Errorf("provider entry needs name and csesidx (name=%q)", e.Name)
		}
		// The name doubles as the ID so reruns are idempotent.
		if _, err := store.GetProvider(ctx, e.Name); err == nil {
			continue
		} else if !errors.Is(err, gateway.ErrNotFound) {
			return fmt.Errorf("bootstrap provider %s: %w", e.Name, err)
		}

		maxConcurrent := e.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = cfg.Scheduler.DefaultMaxConcurrent
		}
		p := &gateway.Provider{
			ID:            e.Name,
			Name:          e.Name,
			GroupID:       e.GroupID,
			CSesIdx:       e.CSesIdx,
			Cookies:       e.Cookies,
			MaxConcurrent: maxConcurrent,
			Status:        gateway.ProviderActive,
			HealthScore:   100,
			CreatedAt:     time.Now().UTC(),
		}
		if err := store.CreateProvider(ctx, p); err != nil {
			return fmt.Errorf("bootstrap provider %s: %w", e.Name, err)
		}
		slog.LogAttrs(ctx, slog.LevelInfo, "provider seeded",
			slog.String("provider", e.Name))
	}

	for _, e := range cfg.Keys {
		if e.Key == "" || e.UserID == "" {
			return fmt.Errorf("key entry needs key and user_id (user=%q)", e.UserID)
		}
		hash := gateway.HashKey(e.Key)
		if _, err := store.GetKeyByHash(ctx, hash); err == nil {
			continue
		} else if !errors.Is(err, gateway.ErrNotFound) {
			return fmt.Errorf("bootstrap key for %s: %w", e.UserID, err)
		}

		prefix := e.Key
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		key := &gateway.APIKey{
			ID:         "seed-" + hash[:12],
			KeyHash:    hash,
			KeyPrefix:  prefix,
			UserID:     e.UserID,
			Name:       e.Name,
			DailyLimit: e.DailyLimit,
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return fmt.Errorf("bootstrap key for %s: %w", e.UserID, err)
		}
		slog.LogAttrs(ctx, slog.LevelInfo, "api key seeded",
			slog.String("user", e.UserID),
			slog.String("prefix", prefix))
	}

	return nil
}
