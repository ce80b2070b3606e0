// Package gateway defines domain types and interfaces for the Moria gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// --- Provider ---

// ProviderStatus is the operational state of an upstream credential set.
type ProviderStatus string

const (
	// ProviderActive providers are eligible for selection.
	ProviderActive ProviderStatus = "active"
	// ProviderCooling providers are blocked from selection until CooldownUntil.
	ProviderCooling ProviderStatus = "cooling"
	// ProviderFailed providers stay out of rotation until an admin intervenes.
	ProviderFailed ProviderStatus = "failed"
	// ProviderInactive providers are administratively disabled.
	ProviderInactive ProviderStatus = "inactive"
)

// Provider is an authenticated upstream credential set and its telemetry.
// CSesIdx and Cookies are stored encrypted at rest; the storage layer hands
// them out decrypted.
type Provider struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GroupID string `json:"group_id,omitempty"`

	CSesIdx string `json:"-"` // session-index token
	Cookies string `json:"-"` // opaque cookie bag

	MaxConcurrent int `json:"max_concurrent"`

	Status              ProviderStatus `json:"status"`
	HealthScore         int            `json:"health_score"` // 0..100
	CurrentLoad         int            `json:"current_load"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	TotalRequests       int64          `json:"total_requests"`
	FailedRequests      int64          `json:"failed_requests"`

	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// --- Session ---

// SessionStatus is the lifecycle state of a conversation binding.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionExpired  SessionStatus = "expired"
	SessionMigrated SessionStatus = "migrated"
)

// Session binds a conversation fingerprint to a provider and an opaque
// upstream session handle. At most one active session exists per
// (user_id, head_hash, tail_hash).
type Session struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	ProviderID string `json:"provider_id"`

	HeadHash string `json:"head_hash"`
	TailHash string `json:"tail_hash"`

	// UpstreamSessionID is empty until the first successful upstream round
	// trip; once set it is never overwritten except via migration.
	UpstreamSessionID string `json:"upstream_session_id,omitempty"`

	MessageCount int           `json:"message_count"`
	Status       SessionStatus `json:"status"`

	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// --- Request log ---

// Request kinds recorded in the log.
const (
	KindGenerate = "generate"
	KindStream   = "stream"
)

// RequestLog is an append-only record of one public-API call.
type RequestLog struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	KeyID      string `json:"key_id"`
	ProviderID string `json:"provider_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`

	Model string `json:"model"`
	Kind  string `json:"kind"` // "generate" or "stream"

	PromptTokens int    `json:"prompt_tokens"`
	OutputTokens int    `json:"output_tokens"`
	LatencyMs    int    `json:"latency_ms"`
	StatusCode   int    `json:"status_code"`
	Error        string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// --- API keys ---

// APIKey authenticates an end user of the public surface.
type APIKey struct {
	ID        string `json:"id"`
	KeyHash   string `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix string `json:"key_prefix"` // first chars for display
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`

	DailyLimit int64 `json:"daily_limit"` // 0 = unlimited
	DailyUsage int64 `json:"daily_usage"`
	Blocked    bool  `json:"blocked"`

	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Identity is the authenticated caller attached to request context.
type Identity struct {
	KeyID   string `json:"key_id"`
	UserID  string `json:"user_id"`
	Subject string `json:"subject"` // key prefix, for logs
}

// APIKeyPrefix is the prefix for all Moria API keys.
const APIKeyPrefix = "mra_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Public API shapes (Gemini-compatible) ---

// Blob is inline binary data in a response part.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// Part is one variant of a content part: text (optionally a thought) or
// inline data. Exactly one variant is populated.
type Part struct {
	Text       string `json:"text,omitempty"`
	Thought    bool   `json:"thought,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Content is an ordered list of parts attributed to a role.
type Content struct {
	Role  string `json:"role,omitempty"` // "user" or "model"
	Parts []Part `json:"parts"`
}

// GenerationConfig carries the caller's generation options. Only response
// modalities are interpreted by the gateway.
type GenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"` // "TEXT", "IMAGE"
}

// ThinkingConfig controls whether reasoning output is included.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

// GenerateRequest is the body of generateContent and streamGenerateContent.
type GenerateRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
	ThinkingConfig   *ThinkingConfig   `json:"thinkingConfig,omitempty"`
}

// Finish reasons reported to callers.
const (
	FinishStop      = "STOP"
	FinishMaxTokens = "MAX_TOKENS"
)

// SafetyRating is a fixed-category safety annotation. The upstream performs
// its own filtering, so the gateway always reports NEGLIGIBLE.
type SafetyRating struct {
	Category    string `json:"category"`
	Probability string `json:"probability"`
}

// SafetyRatings returns the fixed four-category rating block.
func SafetyRatings() []SafetyRating {
	return []SafetyRating{
		{Category: "HARM_CATEGORY_HARASSMENT", Probability: "NEGLIGIBLE"},
		{Category: "HARM_CATEGORY_HATE_SPEECH", Probability: "NEGLIGIBLE"},
		{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Probability: "NEGLIGIBLE"},
		{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Probability: "NEGLIGIBLE"},
	}
}

// Candidate is a single generated answer. FinishReason is nil on
// non-terminal streaming chunks.
type Candidate struct {
	Content       Content        `json:"content"`
	FinishReason  *string        `json:"finishReason"`
	SafetyRatings []SafetyRating `json:"safetyRatings,omitempty"`
}

// UsageMetadata reports estimated token counts.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// GenerateResponse is the body of a unary response and of each streaming chunk.
type GenerateResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
