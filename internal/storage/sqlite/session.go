package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/moria/internal"
)

const sessionCols = `s.id, s.user_id, s.provider_id, s.head_hash, s.tail_hash,
 s.upstream_session_id, s.message_count, s.status, s.expires_at,
 s.last_accessed_at, s.created_at`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *gateway.Session) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, provider_id, head_hash, tail_hash,
		 upstream_session_id, message_count, status, expires_at, last_accessed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.ProviderID, sess.HeadHash, sess.TailHash,
		nullStr(sess.UpstreamSessionID), sess.MessageCount, string(sess.Status),
		fmtTime(sess.ExpiresAt), fmtTime(sess.LastAccessedAt), fmtTime(sess.CreatedAt),
	)
	return err
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*gateway.Session, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions s WHERE s.id = ?`, id)
	return scanSession(row)
}

// FindExact returns the freshest active session for the full fingerprint pair
// whose provider is itself active.
func (s *Store) FindExact(ctx context.Context, userID, headHash, tailHash string) (*gateway.Session, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions s
		 JOIN providers p ON p.id = s.provider_id
		 WHERE s.user_id = ? AND s.head_hash = ? AND s.tail_hash = ?
		   AND s.status = 'active' AND p.status = 'active'
		 ORDER BY s.last_accessed_at DESC LIMIT 1`,
		userID, headHash, tailHash)
	return scanSession(row)
}

// FindByHead is FindExact relaxed to the head fingerprint only.
func (s *Store) FindByHead(ctx context.Context, userID, headHash string) (*gateway.Session, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions s
		 JOIN providers p ON p.id = s.provider_id
		 WHERE s.user_id = ? AND s.head_hash = ?
		   AND s.status = 'active' AND p.status = 'active'
		 ORDER BY s.last_accessed_at DESC LIMIT 1`,
		userID, headHash)
	return scanSession(row)
}

// BindUpstreamSession sets the upstream handle only if it is still unset,
// preserving the no-overwrite invariant.
func (s *Store) BindUpstreamSession(ctx context.Context, id, upstreamSessionID string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET upstream_session_id = ?
		 WHERE id = ? AND upstream_session_id IS NULL`,
		upstreamSessionID, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "session")
}

// UpdateTailHash rewrites the tail fingerprint after a head-only match.
func (s *Store) UpdateTailHash(ctx context.Context, id, tailHash string, now time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET tail_hash = ?, last_accessed_at = ? WHERE id = ?`,
		tailHash, fmtTime(now), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "session")
}

// RecordMessage bumps message_count, rewrites the fingerprints to the
// conversation just answered, and extends the session TTL.
func (s *Store) RecordMessage(ctx context.Context, id, headHash, tailHash string, now, expiresAt time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1,
		 head_hash = ?, tail_hash = ?, last_accessed_at = ?, expires_at = ? WHERE id = ?`,
		headHash, tailHash, fmtTime(now), fmtTime(expiresAt), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "session")
}

// MarkMigrated transitions a session to the migrated status.
func (s *Store) MarkMigrated(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET status = 'migrated' WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "session")
}

// CountActive returns the number of active sessions for a user.
func (s *Store) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ? AND status = 'active'`,
		userID).Scan(&n)
	return n, err
}

// DeleteOldest removes the user's least recently accessed active session.
func (s *Store) DeleteOldest(ctx context.Context, userID string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = (
		   SELECT id FROM sessions WHERE user_id = ? AND status = 'active'
		   ORDER BY last_accessed_at ASC LIMIT 1)`,
		userID)
	return err
}

// SweepExpired deletes sessions past expiry or in a terminal status.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ? OR status IN ('expired', 'migrated')`,
		fmtTime(now))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanSession(sc scanner) (*gateway.Session, error) {
	var sess gateway.Session
	var status string
	var upstreamID sql.NullString
	var expiresAt, lastAccessed, createdAt string

	err := sc.Scan(
		&sess.ID, &sess.UserID, &sess.ProviderID, &sess.HeadHash, &sess.TailHash,
		&upstreamID, &sess.MessageCount, &status,
		&expiresAt, &lastAccessed, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	sess.Status = gateway.SessionStatus(status)
	sess.UpstreamSessionID = upstreamID.String
	sess.ExpiresAt = parseTimeVal(expiresAt)
	sess.LastAccessedAt = parseTimeVal(lastAccessed)
	sess.CreatedAt = parseTimeVal(createdAt)
	return &sess, nil
}
