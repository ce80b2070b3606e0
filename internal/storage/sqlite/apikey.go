package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/eugener/moria/internal"
)

const keyCols = `id, key_hash, key_prefix, user_id, name, daily_limit,
 daily_usage, blocked, expires_at, last_used_at, created_at`

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, user_id, name,
		 daily_limit, daily_usage, blocked, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.UserID, nullStr(key.Name),
		key.DailyLimit, boolToInt(key.Blocked), timeToStr(key.ExpiresAt),
		fmtTime(key.CreatedAt),
	)
	return err
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyCols+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// ListKeys returns a user's API keys, newest first.
func (s *Store) ListKeys(ctx context.Context, userID string) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyCols+` FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
	return err
}

// ConsumeDailyQuota bumps daily_usage if the key is under its cap. The
// conditional UPDATE makes check-and-consume atomic under concurrency.
func (s *Store) ConsumeDailyQuota(ctx context.Context, id string) (bool, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET daily_usage = daily_usage + 1
		 WHERE id = ? AND (daily_limit <= 0 OR daily_usage < daily_limit)`, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// ResetDailyUsage zeroes daily_usage on all keys.
func (s *Store) ResetDailyUsage(ctx context.Context) error {
	_, err := s.write.ExecContext(ctx, `UPDATE api_keys SET daily_usage = 0`)
	return err
}

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var name sql.NullString
	var blocked int
	var expiresAt, lastUsedAt sql.NullString
	var createdAt string

	err := sc.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.UserID, &name,
		&k.DailyLimit, &k.DailyUsage, &blocked, &expiresAt, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Name = name.String
	k.Blocked = blocked != 0
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	k.CreatedAt = parseTimeVal(createdAt)
	return &k, nil
}
