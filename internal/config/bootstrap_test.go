package config

import (
	"context"
	"testing"

	gateway "github.com/eugener/moria/internal"
	"github.com/eugener/moria/internal/testutil"
)

func TestBootstrapSeedsProvidersAndKeys(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore()
	cfg := Default()
	cfg.Providers = []ProviderEntry{
		{Name: "primary", CSesIdx: "tok-1", Cookies: "session=a", MaxConcurrent: 5},
		{Name: "backup", CSesIdx: "tok-2"},
	}
	cfg.Keys = []KeyEntry{
		{Key: "mra_seed0123456789", UserID: "alice", Name: "seed", DailyLimit: 100},
	}

	if err := Bootstrap(context.Background(), store, cfg); err != nil {
		t.Fatal(err)
	}

	p, err := store.GetProvider(context.Background(), "primary")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != gateway.ProviderActive || p.HealthScore != 100 || p.MaxConcurrent != 5 {
		t.Errorf("provider = %+v", p)
	}

	// Omitted max_concurrent falls back to the scheduler default.
	b, err := store.GetProvider(context.Background(), "backup")
	if err != nil {
		t.Fatal(err)
	}
	if b.MaxConcurrent != cfg.Scheduler.DefaultMaxConcurrent {
		t.Errorf("max_concurrent = %d, want %d", b.MaxConcurrent, cfg.Scheduler.DefaultMaxConcurrent)
	}

	key, err := store.GetKeyByHash(context.Background(), gateway.HashKey("mra_seed0123456789"))
	if err != nil {
		t.Fatal(err)
	}
	if key.UserID != "alice" || key.DailyLimit != 100 {
		t.Errorf("key = %+v", key)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore()
	cfg := Default()
	cfg.Providers = []ProviderEntry{{Name: "primary", CSesIdx: "tok-1"}}
	cfg.Keys = []KeyEntry{{Key: "mra_seed0123456789", UserID: "alice"}}

	if err := Bootstrap(context.Background(), store, cfg); err != nil {
		t.Fatal(err)
	}

	// An admin tweak must survive a rerun.
	store.UpdateProviderStatus(context.Background(), "primary", gateway.ProviderInactive)

	if err := Bootstrap(context.Background(), store, cfg); err != nil {
		t.Fatal(err)
	}
	p, _ := store.GetProvider(context.Background(), "primary")
	if p.Status != gateway.ProviderInactive {
		t.Errorf("status = %q, rerun overwrote admin change", p.Status)
	}
	if len(store.Keys) != 1 {
		t.Errorf("keys = %d, want 1", len(store.Keys))
	}
}

func TestBootstrapRejectsIncompleteEntries(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore()

	cfg := Default()
	cfg.Providers = []ProviderEntry{{Name: "no-creds"}}
	if err := Bootstrap(context.Background(), store, cfg); err == nil {
		t.Error("expected error for provider without csesidx")
	}

	cfg = Default()
	cfg.Keys = []KeyEntry{{Key: "mra_x"}}
	if err := Bootstrap(context.Background(), store, cfg); err == nil {
		t.Error("expected error for key without user_id")
	}
}
