package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	gateway "github.com/eugener/moria/internal"
)

const providerCols = `id, name, group_id, csesidx_enc, cookies_enc, max_concurrent,
 status, health_score, current_load, consecutive_failures, total_requests,
 failed_requests, last_success_at, last_failure_at, cooldown_until, created_at`

// CreateProvider inserts a new provider with encrypted credentials.
func (s *Store) CreateProvider(ctx context.Context, p *gateway.Provider) error {
	csesidx, err := s.cipher.Encrypt(p.CSesIdx)
	if err != nil {
		return fmt.Errorf("encrypt csesidx: %w", err)
	}
	cookies, err := s.cipher.Encrypt(p.Cookies)
	if err != nil {
		return fmt.Errorf("encrypt cookies: %w", err)
	}

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (id, name, group_id, csesidx_enc, cookies_enc, max_concurrent,
		 status, health_score, current_load, consecutive_failures, total_requests,
		 failed_requests, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, ?)`,
		p.ID, p.Name, nullStr(p.GroupID), csesidx, cookies, p.MaxConcurrent,
		string(p.Status), p.HealthScore, fmtTime(p.CreatedAt),
	)
	return err
}

// GetProvider retrieves a provider by id, decrypting its credentials.
func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE id = ?`, id)
	return s.scanProvider(row)
}

// ListProviders returns all providers ordered by creation time.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerCols+` FROM providers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Provider
	for rows.Next() {
		p, err := s.scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProviderStatus sets a provider's status, clearing failure state when
// it is re-activated.
func (s *Store) UpdateProviderStatus(ctx context.Context, id string, status gateway.ProviderStatus) error {
	var result sql.Result
	var err error
	if status == gateway.ProviderActive {
		result, err = s.write.ExecContext(ctx,
			`UPDATE providers SET status = ?, consecutive_failures = 0, cooldown_until = NULL
			 WHERE id = ?`, string(status), id)
	} else {
		result, err = s.write.ExecContext(ctx,
			`UPDATE providers SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider removes a provider; sessions cascade.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// SelectCandidates returns the eligible provider pool for one selection round.
func (s *Store) SelectCandidates(ctx context.Context, group string, exclude []string, healthMin, limit int) ([]*gateway.Provider, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + providerCols + ` FROM providers
		WHERE status = 'active' AND health_score >= ? AND current_load < max_concurrent`)
	args := []any{healthMin}

	if group != "" {
		b.WriteString(` AND group_id = ?`)
		args = append(args, group)
	}
	if len(exclude) > 0 {
		b.WriteString(` AND id NOT IN (?` + strings.Repeat(",?", len(exclude)-1) + `)`)
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	b.WriteString(` ORDER BY health_score DESC,
		CAST(current_load AS REAL) / max_concurrent ASC LIMIT ?`)
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Provider
	for rows.Next() {
		p, err := s.scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// IncrementLoad conditionally bumps current_load in one statement. A false
// return means the provider lost the race for its last slot or left the
// active state.
func (s *Store) IncrementLoad(ctx context.Context, id string) (bool, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET current_load = current_load + 1
		 WHERE id = ? AND status = 'active' AND current_load < max_concurrent`, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// DecrementLoad lowers current_load, saturating at zero.
func (s *Store) DecrementLoad(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE providers SET current_load = MAX(0, current_load - 1) WHERE id = ?`, id)
	return err
}

// RecordSuccess applies the success outcome in one statement.
func (s *Store) RecordSuccess(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE providers SET
		   consecutive_failures = 0,
		   last_success_at = ?,
		   health_score = MIN(100, health_score + 1),
		   total_requests = total_requests + 1
		 WHERE id = ?`,
		fmtTime(time.Now()), id)
	return err
}

// RecordFailure applies the failure outcome and any derived status transition
// in a single conditional UPDATE. All SET expressions read the pre-update row,
// so concurrent failures of the same provider serialize on the row without an
// explicit lock and the cooling/failed transitions are never reverted.
func (s *Store) RecordFailure(ctx context.Context, id string, failureThreshold int, cooldown time.Duration) error {
	now := time.Now()
	_, err := s.write.ExecContext(ctx,
		`UPDATE providers SET
		   consecutive_failures = consecutive_failures + 1,
		   failed_requests = failed_requests + 1,
		   total_requests = total_requests + 1,
		   last_failure_at = ?,
		   health_score = MAX(0, health_score - 10),
		   cooldown_until = CASE
		     WHEN consecutive_failures + 1 >= ? AND consecutive_failures + 1 < ? THEN ?
		     ELSE cooldown_until END,
		   status = CASE
		     WHEN consecutive_failures + 1 >= ? THEN 'failed'
		     WHEN consecutive_failures + 1 >= ? THEN 'cooling'
		     ELSE status END
		 WHERE id = ?`,
		fmtTime(now),
		failureThreshold, 2*failureThreshold, fmtTime(now.Add(cooldown)),
		2*failureThreshold, failureThreshold,
		id)
	return err
}

// RecoverCooled transitions cooled-down providers back to active with a
// neutral health score.
func (s *Store) RecoverCooled(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET
		   status = 'active',
		   consecutive_failures = 0,
		   health_score = 50,
		   cooldown_until = NULL
		 WHERE status = 'cooling' AND cooldown_until <= ?`,
		fmtTime(now))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) scanProvider(sc scanner) (*gateway.Provider, error) {
	var p gateway.Provider
	var status string
	var groupID sql.NullString
	var csesidxEnc, cookiesEnc string
	var lastSuccess, lastFailure, cooldownUntil sql.NullString
	var createdAt string

	err := sc.Scan(
		&p.ID, &p.Name, &groupID, &csesidxEnc, &cookiesEnc, &p.MaxConcurrent,
		&status, &p.HealthScore, &p.CurrentLoad, &p.ConsecutiveFailures,
		&p.TotalRequests, &p.FailedRequests,
		&lastSuccess, &lastFailure, &cooldownUntil, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.Status = gateway.ProviderStatus(status)
	p.GroupID = groupID.String
	p.LastSuccessAt = parseTime(lastSuccess)
	p.LastFailureAt = parseTime(lastFailure)
	p.CooldownUntil = parseTime(cooldownUntil)
	p.CreatedAt = parseTimeVal(createdAt)

	if p.CSesIdx, err = s.cipher.Decrypt(csesidxEnc); err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.ID, err)
	}
	if p.Cookies, err = s.cipher.Decrypt(cookiesEnc); err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.ID, err)
	}
	return &p, nil
}
