// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"sync"
	"time"

	gateway "github.com/eugener/moria/internal"
	"github.com/eugener/moria/internal/upstream"
)

// Store is an in-memory implementation of the storage interfaces, sufficient
// for executor and server tests.
type Store struct {
	mu        sync.Mutex
	Providers map[string]*gateway.Provider
	Sessions  map[string]*gateway.Session
	Keys      map[string]*gateway.APIKey
	Logs      []gateway.RequestLog
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		Providers: make(map[string]*gateway.Provider),
		Sessions:  make(map[string]*gateway.Session),
		Keys:      make(map[string]*gateway.APIKey),
	}
}

// --- ProviderStore ---

func (s *Store) CreateProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.Providers[p.ID] = &cp
	return nil
}

func (s *Store) GetProvider(_ context.Context, id string) (*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Providers[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListProviders(_ context.Context) ([]*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.Provider
	for _, p := range s.Providers {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) UpdateProviderStatus(_ context.Context, id string, status gateway.ProviderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Providers[id]
	if !ok {
		return gateway.ErrNotFound
	}
	p.Status = status
	return nil
}

func (s *Store) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Providers[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.Providers, id)
	return nil
}

func (s *Store) SelectCandidates(_ context.Context, group string, exclude []string, healthMin, limit int) ([]*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.Provider
	for _, p := range s.Providers {
		if p.Status != gateway.ProviderActive || p.HealthScore < healthMin ||
			p.CurrentLoad >= p.MaxConcurrent {
			continue
		}
		if group != "" && p.GroupID != group {
			continue
		}
		skip := false
		for _, id := range exclude {
			if id == p.ID {
				skip = true
			}
		}
		if skip {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) IncrementLoad(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Providers[id]
	if !ok || p.Status != gateway.ProviderActive || p.CurrentLoad >= p.MaxConcurrent {
		return false, nil
	}
	p.CurrentLoad++
	return true, nil
}

func (s *Store) DecrementLoad(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.Providers[id]; ok && p.CurrentLoad > 0 {
		p.CurrentLoad--
	}
	return nil
}

func (s *Store) RecordSuccess(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Providers[id]
	if !ok {
		return gateway.ErrNotFound
	}
	p.ConsecutiveFailures = 0
	p.HealthScore = min(100, p.HealthScore+1)
	p.TotalRequests++
	now := time.Now()
	p.LastSuccessAt = &now
	return nil
}

func (s *Store) RecordFailure(_ context.Context, id string, threshold int, cooldown time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Providers[id]
	if !ok {
		return gateway.ErrNotFound
	}
	p.ConsecutiveFailures++
	p.FailedRequests++
	p.TotalRequests++
	p.HealthScore = max(0, p.HealthScore-10)
	now := time.Now()
	p.LastFailureAt = &now
	switch {
	case p.ConsecutiveFailures >= 2*threshold:
		p.Status = gateway.ProviderFailed
	case p.ConsecutiveFailures >= threshold:
		p.Status = gateway.ProviderCooling
		until := now.Add(cooldown)
		p.CooldownUntil = &until
	}
	return nil
}

func (s *Store) RecoverCooled(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.Providers {
		if p.Status == gateway.ProviderCooling && p.CooldownUntil != nil && !p.CooldownUntil.After(now) {
			p.Status = gateway.ProviderActive
			p.HealthScore = 50
			p.ConsecutiveFailures = 0
			p.CooldownUntil = nil
			n++
		}
	}
	return n, nil
}

// --- SessionStore ---

func (s *Store) CreateSession(_ context.Context, sess *gateway.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.Sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*gateway.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) findSession(match func(*gateway.Session) bool) (*gateway.Session, error) {
	var best *gateway.Session
	for _, sess := range s.Sessions {
		if sess.Status != gateway.SessionActive || !match(sess) {
			continue
		}
		p, ok := s.Providers[sess.ProviderID]
		if !ok || p.Status != gateway.ProviderActive {
			continue
		}
		if best == nil || sess.LastAccessedAt.After(best.LastAccessedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, gateway.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *Store) FindExact(_ context.Context, userID, headHash, tailHash string) (*gateway.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findSession(func(sess *gateway.Session) bool {
		return sess.UserID == userID && sess.HeadHash == headHash && sess.TailHash == tailHash
	})
}

func (s *Store) FindByHead(_ context.Context, userID, headHash string) (*gateway.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findSession(func(sess *gateway.Session) bool {
		return sess.UserID == userID && sess.HeadHash == headHash
	})
}

func (s *Store) BindUpstreamSession(_ context.Context, id, upstreamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok || sess.UpstreamSessionID != "" {
		return gateway.ErrNotFound
	}
	sess.UpstreamSessionID = upstreamID
	return nil
}

func (s *Store) UpdateTailHash(_ context.Context, id, tailHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok {
		return gateway.ErrNotFound
	}
	sess.TailHash = tailHash
	sess.LastAccessedAt = now
	return nil
}

func (s *Store) RecordMessage(_ context.Context, id, headHash, tailHash string, now, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok {
		return gateway.ErrNotFound
	}
	sess.MessageCount++
	sess.HeadHash = headHash
	sess.TailHash = tailHash
	sess.LastAccessedAt = now
	sess.ExpiresAt = expiresAt
	return nil
}

func (s *Store) MarkMigrated(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.Sessions[id]
	if !ok {
		return gateway.ErrNotFound
	}
	sess.Status = gateway.SessionMigrated
	return nil
}

func (s *Store) CountActive(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.Sessions {
		if sess.UserID == userID && sess.Status == gateway.SessionActive {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteOldest(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *gateway.Session
	for _, sess := range s.Sessions {
		if sess.UserID != userID || sess.Status != gateway.SessionActive {
			continue
		}
		if oldest == nil || sess.LastAccessedAt.Before(oldest.LastAccessedAt) {
			oldest = sess
		}
	}
	if oldest != nil {
		delete(s.Sessions, oldest.ID)
	}
	return nil
}

func (s *Store) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.Sessions {
		if sess.ExpiresAt.Before(now) || sess.Status != gateway.SessionActive {
			delete(s.Sessions, id)
			n++
		}
	}
	return n, nil
}

// --- APIKeyStore ---

func (s *Store) CreateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.Keys[key.ID] = &cp
	return nil
}

func (s *Store) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.Keys {
		if k.KeyHash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *Store) ListKeys(_ context.Context, userID string) ([]*gateway.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.APIKey
	for _, k := range s.Keys {
		if k.UserID == userID {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Keys[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.Keys, id)
	return nil
}

func (s *Store) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.Keys[id]; ok {
		now := time.Now()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) ConsumeDailyQuota(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.Keys[id]
	if !ok {
		return false, gateway.ErrNotFound
	}
	if k.DailyLimit > 0 && k.DailyUsage >= k.DailyLimit {
		return false, nil
	}
	k.DailyUsage++
	return true, nil
}

func (s *Store) ResetDailyUsage(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.Keys {
		k.DailyUsage = 0
	}
	return nil
}

// --- RequestLogStore ---

func (s *Store) InsertLogs(_ context.Context, rows []gateway.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Logs = append(s.Logs, rows...)
	return nil
}

func (s *Store) PruneLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []gateway.RequestLog
	var n int64
	for _, r := range s.Logs {
		if r.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.Logs = kept
	return n, nil
}

// Ping and Close satisfy the combined Store interface.
func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

// --- Upstream fakes ---

// UpstreamClient is a scriptable fake of the per-provider upstream client.
type UpstreamClient struct {
	mu sync.Mutex

	SessionName string
	Chunks      []upstream.Chunk
	State       string
	Err         error // returned by SendMessage/StreamAssist
	FailAfter   int   // if > 0, fail after delivering this many chunks

	File     *upstream.FileMeta
	FileData []byte

	CreatedSessions int
	Calls           int
}

func (c *UpstreamClient) CreateSession(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreatedSessions++
	if c.SessionName == "" {
		c.SessionName = "sessions/fake"
	}
	return c.SessionName, nil
}

func (c *UpstreamClient) StreamAssist(_ context.Context, _, _, _ string, sink func(upstream.Chunk) error) (*upstream.AssistResult, error) {
	c.mu.Lock()
	c.Calls++
	chunks, state, errOut, failAfter := c.Chunks, c.State, c.Err, c.FailAfter
	c.mu.Unlock()

	result := &upstream.AssistResult{State: state}
	if state == "" {
		result.State = "SUCCEEDED"
	}
	for i, ch := range chunks {
		if failAfter > 0 && i == failAfter {
			return nil, gateway.ErrUpstreamTransport
		}
		if err := sink(ch); err != nil {
			return nil, err
		}
		if ch.Thought {
			result.Thoughts = append(result.Thoughts, ch.Text)
		} else {
			result.Content += ch.Text
		}
	}
	if errOut != nil {
		return nil, errOut
	}
	return result, nil
}

func (c *UpstreamClient) SendMessage(ctx context.Context, sessionName, query, modelID string) (*upstream.AssistResult, error) {
	return c.StreamAssist(ctx, sessionName, query, modelID, func(upstream.Chunk) error { return nil })
}

func (c *UpstreamClient) LatestFile(context.Context, string) (*upstream.FileMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.File == nil {
		return nil, gateway.ErrNotFound
	}
	return c.File, nil
}

func (c *UpstreamClient) DownloadFile(context.Context, string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.FileData, nil
}

// Recorder collects request-log rows synchronously.
type Recorder struct {
	mu   sync.Mutex
	Rows []gateway.RequestLog
}

func (r *Recorder) Record(row gateway.RequestLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rows = append(r.Rows, row)
}

// Last returns the most recent row, or a zero row.
func (r *Recorder) Last() gateway.RequestLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Rows) == 0 {
		return gateway.RequestLog{}
	}
	return r.Rows[len(r.Rows)-1]
}
