// Package session implements conversation fingerprinting and session
// matching: deciding whether an incoming conversation continues a known
// upstream session or needs a fresh one.
package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/moria/internal"
	"github.com/eugener/moria/internal/storage"
)

// fingerprintDepth is how many user messages from each end of the
// conversation participate in the head/tail fingerprints.
const fingerprintDepth = 5

// MatchKind describes how a session was resolved.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchHead     MatchKind = "head"
	MatchNew      MatchKind = "new"
	MatchMigrated MatchKind = "migrated"
)

// Matcher resolves conversations to sessions.
type Matcher struct {
	store      storage.SessionStore
	log        *slog.Logger
	ttl        time.Duration
	maxPerUser int
}

// NewMatcher returns a Matcher backed by store.
func NewMatcher(store storage.SessionStore, log *slog.Logger, ttl time.Duration, maxPerUser int) *Matcher {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxPerUser <= 0 {
		maxPerUser = 100
	}
	return &Matcher{store: store, log: log, ttl: ttl, maxPerUser: maxPerUser}
}

// Fingerprints derives the head and tail hashes of a conversation. Only
// user-authored messages participate; each message's text parts are joined
// with newline, and the first/last messages are joined with "|||" before
// hashing. An empty conversation hashes a fresh random string so it can
// never collide with a stored session.
func Fingerprints(contents []gateway.Content) (headHash, tailHash string) {
	return fingerprintTexts(userTexts(contents))
}

// priorFingerprints hashes the conversation as it stood before the newest
// user message. A stored session recorded the conversation up to its last
// answered exchange, which cannot include the message the user just typed,
// so continuations are matched against this pair.
func priorFingerprints(contents []gateway.Content) (headHash, tailHash string) {
	texts := userTexts(contents)
	if len(texts) > 0 {
		texts = texts[:len(texts)-1]
	}
	return fingerprintTexts(texts)
}

func userTexts(contents []gateway.Content) []string {
	var texts []string
	for _, c := range contents {
		if c.Role != "user" {
			continue
		}
		var parts []string
		for _, p := range c.Parts {
			parts = append(parts, p.Text)
		}
		texts = append(texts, strings.Join(parts, "\n"))
	}
	return texts
}

func fingerprintTexts(texts []string) (string, string) {
	if len(texts) == 0 {
		h := hashText(uuid.NewString())
		return h, h
	}
	depth := min(fingerprintDepth, len(texts))
	head := strings.Join(texts[:depth], "|||")
	tail := strings.Join(texts[len(texts)-depth:], "|||")
	return hashText(head), hashText(tail)
}

// headCandidates orders the head hashes to try on a head-only lookup. The
// two heads coincide once the conversation has grown past the head window.
func headCandidates(cur, prior string) []string {
	if cur == prior {
		return []string{cur}
	}
	return []string{cur, prior}
}

func hashText(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Peek reports which provider, if any, already holds a session for this
// conversation. It is a read-only affinity hint for the scheduler and never
// mutates matched rows.
func (m *Matcher) Peek(ctx context.Context, userID string, contents []gateway.Content) string {
	curHead, curTail := Fingerprints(contents)
	priorHead, priorTail := priorFingerprints(contents)

	for _, fp := range [][2]string{{curHead, curTail}, {priorHead, priorTail}} {
		if s, err := m.store.FindExact(ctx, userID, fp[0], fp[1]); err == nil {
			return s.ProviderID
		}
	}
	for _, h := range headCandidates(curHead, priorHead) {
		if s, err := m.store.FindByHead(ctx, userID, h); err == nil {
			return s.ProviderID
		}
	}
	return ""
}

// MatchOrCreate resolves the conversation to a session bound to providerID.
// A stored session carries the fingerprints of the conversation it last
// answered, so lookups try the conversation as sent (replays, same-request
// retries) and then its prior state without the newest user message (normal
// continuations), exact matches before head-only ones. A head-only match
// rewrites the stored tail. A match bound to a different provider is
// migrated: the old row is marked and a fresh session is created on the
// acquired provider, since upstream sessions are provider-scoped.
func (m *Matcher) MatchOrCreate(ctx context.Context, userID, providerID string, contents []gateway.Content) (*gateway.Session, MatchKind, error) {
	curHead, curTail := Fingerprints(contents)
	priorHead, priorTail := priorFingerprints(contents)
	now := time.Now().UTC()

	for _, fp := range [][2]string{{curHead, curTail}, {priorHead, priorTail}} {
		s, err := m.store.FindExact(ctx, userID, fp[0], fp[1])
		if errors.Is(err, gateway.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		if s.ProviderID == providerID {
			return s, MatchExact, nil
		}
		return m.migrate(ctx, s, providerID, now)
	}

	for _, h := range headCandidates(curHead, priorHead) {
		s, err := m.store.FindByHead(ctx, userID, h)
		if errors.Is(err, gateway.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		if err := m.store.UpdateTailHash(ctx, s.ID, curTail, now); err != nil {
			return nil, "", err
		}
		s.TailHash = curTail
		s.LastAccessedAt = now
		if s.ProviderID == providerID {
			return s, MatchHead, nil
		}
		return m.migrate(ctx, s, providerID, now)
	}

	s, err := m.create(ctx, userID, providerID, curHead, curTail, now)
	if err != nil {
		return nil, "", err
	}
	return s, MatchNew, nil
}

func (m *Matcher) migrate(ctx context.Context, old *gateway.Session, providerID string, now time.Time) (*gateway.Session, MatchKind, error) {
	if err := m.store.MarkMigrated(ctx, old.ID); err != nil {
		return nil, "", err
	}
	m.log.LogAttrs(ctx, slog.LevelInfo, "session migrated",
		slog.String("session_id", old.ID),
		slog.String("from_provider", old.ProviderID),
		slog.String("to_provider", providerID))

	// The upstream session id is not carried over: upstream sessions are
	// scoped to the provider that created them.
	s, err := m.create(ctx, old.UserID, providerID, old.HeadHash, old.TailHash, now)
	if err != nil {
		return nil, "", err
	}
	return s, MatchMigrated, nil
}

func (m *Matcher) create(ctx context.Context, userID, providerID, headHash, tailHash string, now time.Time) (*gateway.Session, error) {
	n, err := m.store.CountActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if n >= m.maxPerUser {
		if err := m.store.DeleteOldest(ctx, userID); err != nil {
			return nil, err
		}
	}

	s := &gateway.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ProviderID:     providerID,
		HeadHash:       headHash,
		TailHash:       tailHash,
		Status:         gateway.SessionActive,
		ExpiresAt:      now.Add(m.ttl),
		LastAccessedAt: now,
		CreatedAt:      now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordMessage counts a successful exchange, extends the session TTL, and
// refreshes the stored fingerprints to the conversation that was just
// answered, so the next turn resolves exactly as the conversation grows.
func (m *Matcher) RecordMessage(ctx context.Context, sessionID string, contents []gateway.Content) error {
	headHash, tailHash := Fingerprints(contents)
	now := time.Now().UTC()
	return m.store.RecordMessage(ctx, sessionID, headHash, tailHash, now, now.Add(m.ttl))
}

// BindUpstreamSession persists the upstream session handle after the first
// successful round trip. The store refuses to overwrite an existing binding.
func (m *Matcher) BindUpstreamSession(ctx context.Context, sessionID, upstreamID string) error {
	return m.store.BindUpstreamSession(ctx, sessionID, upstreamID)
}
