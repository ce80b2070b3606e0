// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/moria/internal"
)

// ProviderStore manages provider rows and their load/health accounting.
// Load and outcome mutations are single-statement updates so that concurrent
// requests cannot interleave a read-modify-write.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.Provider) error
	GetProvider(ctx context.Context, id string) (*gateway.Provider, error)
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	UpdateProviderStatus(ctx context.Context, id string, status gateway.ProviderStatus) error
	DeleteProvider(ctx context.Context, id string) error

	// SelectCandidates returns active providers with health >= healthMin and
	// spare capacity, excluding the given ids and optionally filtered by
	// group, ordered by health desc then relative load asc, capped at limit.
	SelectCandidates(ctx context.Context, group string, exclude []string, healthMin, limit int) ([]*gateway.Provider, error)

	// IncrementLoad conditionally bumps current_load. It reports false when
	// the provider is not active or already at max_concurrent.
	IncrementLoad(ctx context.Context, id string) (bool, error)

	// DecrementLoad lowers current_load, saturating at zero.
	DecrementLoad(ctx context.Context, id string) error

	RecordSuccess(ctx context.Context, id string) error

	// RecordFailure applies the failure transition in one statement:
	// consecutive_failures+1, health-10, counters, and the derived status
	// (cooling at failureThreshold, failed at twice that).
	RecordFailure(ctx context.Context, id string, failureThreshold int, cooldown time.Duration) error

	// RecoverCooled flips cooling providers whose cooldown has elapsed back
	// to active with a neutral health score. Returns rows affected.
	RecoverCooled(ctx context.Context, now time.Time) (int64, error)
}

// SessionStore manages conversation-to-provider bindings.
type SessionStore interface {
	CreateSession(ctx context.Context, s *gateway.Session) error
	GetSession(ctx context.Context, id string) (*gateway.Session, error)

	// FindExact returns the most recently accessed active session for
	// (userID, headHash, tailHash) whose provider is active.
	FindExact(ctx context.Context, userID, headHash, tailHash string) (*gateway.Session, error)

	// FindByHead is FindExact without the tail constraint.
	FindByHead(ctx context.Context, userID, headHash string) (*gateway.Session, error)

	// BindUpstreamSession sets upstream_session_id if it is still unset.
	BindUpstreamSession(ctx context.Context, id, upstreamSessionID string) error

	// UpdateTailHash rewrites the tail fingerprint after a head-only match
	// and refreshes last_accessed_at.
	UpdateTailHash(ctx context.Context, id, tailHash string, now time.Time) error

	// RecordMessage increments message_count, stores the fingerprints of the
	// answered conversation, and extends the session TTL.
	RecordMessage(ctx context.Context, id, headHash, tailHash string, now, expiresAt time.Time) error

	MarkMigrated(ctx context.Context, id string) error

	CountActive(ctx context.Context, userID string) (int, error)

	// DeleteOldest removes the user's least recently accessed active session.
	DeleteOldest(ctx context.Context, userID string) error

	// SweepExpired deletes sessions past expiry or in a terminal status.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// RequestLogStore manages append-only request log rows.
type RequestLogStore interface {
	InsertLogs(ctx context.Context, rows []gateway.RequestLog) error
	PruneLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, userID string) ([]*gateway.APIKey, error)
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error

	// ConsumeDailyQuota bumps daily_usage if the key is under its limit.
	// It reports false when the daily cap is already reached.
	ConsumeDailyQuota(ctx context.Context, id string) (bool, error)

	// ResetDailyUsage zeroes daily_usage on all keys.
	ResetDailyUsage(ctx context.Context) error
}

// Store combines all storage interfaces.
type Store interface {
	ProviderStore
	SessionStore
	RequestLogStore
	APIKeyStore
	Ping(ctx context.Context) error
	Close() error
}
