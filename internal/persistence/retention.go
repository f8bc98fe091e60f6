package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult reports rows pruned per table.
type RetentionResult struct {
	ProcessedLedger int64 `json:"processed_ledger"`
	DeadLetters     int64 `json:"dead_letters"`
	AuditLog        int64 `json:"audit_log"`
}

// RunRetention prunes old rows. A zero days value keeps that table forever.
// The idempotency ledger must outlive the longest possible redelivery window
// of its messages; callers pick days accordingly.
func (s *Store) RunRetention(ctx context.Context, processedDays, deadLetterDays, auditDays int) (RetentionResult, error) {
	var out RetentionResult

	prune := func(table, column string, days int) (int64, error) {
		if days <= 0 {
			return 0, nil
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s < ?;`, table, column), cutoff)
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		return res.RowsAffected()
	}

	var err error
	if out.ProcessedLedger, err = prune("processed_messages", "processed_at", processedDays); err != nil {
		return out, err
	}
	if out.DeadLetters, err = prune("dead_letters", "created_at", deadLetterDays); err != nil {
		return out, err
	}
	if out.AuditLog, err = prune("audit_log", "created_at", auditDays); err != nil {
		return out, err
	}
	return out, nil
}
