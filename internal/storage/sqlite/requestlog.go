package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	gateway "github.com/eugener/moria/internal"
)

// InsertLogs appends a batch of request log rows in one statement.
func (s *Store) InsertLogs(ctx context.Context, rows []gateway.RequestLog) error {
	if len(rows) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO request_logs (id, user_id, key_id, provider_id, session_id,
		model, kind, prompt_tokens, output_tokens, latency_ms, status_code, error, created_at)
		VALUES `)
	args := make([]any, 0, len(rows)*13)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.ID, r.UserID, r.KeyID, nullStr(r.ProviderID), nullStr(r.SessionID),
			r.Model, r.Kind, r.PromptTokens, r.OutputTokens, r.LatencyMs,
			r.StatusCode, nullStr(r.Error), fmtTime(r.CreatedAt),
		)
	}

	if _, err := s.write.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert request logs: %w", err)
	}
	return nil
}

// PruneLogsBefore deletes log rows created before the cutoff.
func (s *Store) PruneLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM request_logs WHERE created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
