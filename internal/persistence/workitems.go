package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/workitem"
)

// ErrWorkItemNotFound is returned when the id matches no row.
var ErrWorkItemNotFound = errors.New("work item not found")

// ErrIllegalTransition is returned for a status change outside the allowed
// state machine.
var ErrIllegalTransition = errors.New("illegal work item transition")

var allowedItemTransitions = map[workitem.Status]map[workitem.Status]struct{}{
	workitem.StatusPending: {
		workitem.StatusRunning: {},
		workitem.StatusBlocked: {},
		workitem.StatusPaused:  {},
		workitem.StatusFailed:  {},
		workitem.StatusStuck:   {}, // Budget exhausted before any attempt.
	},
	workitem.StatusRunning: {
		workitem.StatusDone:             {},
		workitem.StatusHealthy:          {},
		workitem.StatusFailed:           {},
		workitem.StatusStuck:            {},
		workitem.StatusBlocked:          {},
		workitem.StatusPaused:           {},
		workitem.StatusAwaitingGuidance: {},
		workitem.StatusPending:          {}, // Crash recovery: fresh attempt from durable state.
	},
	workitem.StatusAwaitingGuidance: {
		workitem.StatusRunning: {},
		workitem.StatusFailed:  {},
		workitem.StatusStuck:   {},
		workitem.StatusBlocked: {},
		workitem.StatusPending: {}, // Crash during suspension resumes from pending.
	},
	workitem.StatusHealthy: {
		workitem.StatusPending: {}, // Goals re-enter on schedule.
		workitem.StatusRunning: {},
		workitem.StatusDone:    {},
	},
	workitem.StatusBlocked: {
		workitem.StatusPending: {},
		workitem.StatusRunning: {}, // Re-approval.
	},
	workitem.StatusPaused: {
		workitem.StatusPending: {},
		workitem.StatusRunning: {},
	},
	workitem.StatusDone: {
		workitem.StatusPending: {}, // Goals only; enforced by TransitionWorkItem.
		workitem.StatusBlocked: {}, // Workspace merge conflict found during reconciliation.
	},
}

func canTransitionItem(from, to workitem.Status) bool {
	next, ok := allowedItemTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// PutWorkItem persists a work item. Items are persisted before any
// execution; an existing id is an error (immutable fields never change
// in place — a revised plan is a fresh item).
func (s *Store) PutWorkItem(ctx context.Context, w workitem.WorkItem) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.Status == "" {
		w.Status = workitem.StatusPending
	}
	definition, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}
	budgetUsed, err := json.Marshal(w.BudgetUsed)
	if err != nil {
		return fmt.Errorf("encode budget used: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, scope_id, type, status, definition, attempts, budget_used, replan_depth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO NOTHING;
	`, w.ID, w.ScopeID, string(w.Type), string(w.Status), string(definition), w.Attempts, string(budgetUsed), w.ReplanDepth)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("work item rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("work item %s already exists", w.ID)
	}
	return nil
}

// GetWorkItem loads a work item by id, with runtime columns overriding the
// stored definition snapshot.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*workitem.WorkItem, error) {
	var (
		definition   string
		status       string
		attempts     int
		budgetUsed   string
		verification string
		tokenID      sql.NullString
		replanDepth  int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT definition, status, attempts, budget_used, verification_results, approval_token_id, replan_depth
		FROM work_items
		WHERE id = ?;
	`, id).Scan(&definition, &status, &attempts, &budgetUsed, &verification, &tokenID, &replanDepth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select work item: %w", err)
	}

	var w workitem.WorkItem
	if err := json.Unmarshal([]byte(definition), &w); err != nil {
		return nil, fmt.Errorf("decode work item: %w", err)
	}
	w.Status = workitem.Status(status)
	w.Attempts = attempts
	w.ReplanDepth = replanDepth
	if tokenID.Valid {
		w.ApprovalTokenID = tokenID.String
	}
	if budgetUsed != "" && budgetUsed != "{}" {
		if err := json.Unmarshal([]byte(budgetUsed), &w.BudgetUsed); err != nil {
			return nil, fmt.Errorf("decode budget used: %w", err)
		}
	}
	if verification != "" && verification != "[]" {
		if err := json.Unmarshal([]byte(verification), &w.VerificationResults); err != nil {
			return nil, fmt.Errorf("decode verification results: %w", err)
		}
	}
	return &w, nil
}

// TransitionWorkItem applies a status change, enforcing the allowed state
// machine and the current status. done → pending is permitted for goals
// only. Returns false when the current status is not in allowedFrom.
func (s *Store) TransitionWorkItem(ctx context.Context, id string, allowedFrom []workitem.Status, to workitem.Status) (bool, error) {
	var transitioned bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin work item transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current, itemType, scopeID string
		err = tx.QueryRowContext(ctx, `
			SELECT status, type, scope_id FROM work_items WHERE id = ?;
		`, id).Scan(&current, &itemType, &scopeID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWorkItemNotFound
		}
		if err != nil {
			return fmt.Errorf("select work item for transition: %w", err)
		}
		from := workitem.Status(current)
		if !slices.Contains(allowedFrom, from) {
			transitioned = false
			return nil
		}
		if !canTransitionItem(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
		if from == workitem.StatusDone && to == workitem.StatusPending && itemType != string(workitem.TypeGoal) {
			return fmt.Errorf("%w: only goals re-enter pending from done", ErrIllegalTransition)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(to), id, current)
		if err != nil {
			return fmt.Errorf("update work item status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if n != 1 {
			transitioned = false
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit work item transition tx: %w", err)
		}
		transitioned = true

		if s.bus != nil {
			s.bus.Publish(bus.TopicItemStateChanged, bus.ItemStateChangedEvent{
				WorkItemID: id,
				ScopeID:    scopeID,
				OldStatus:  current,
				NewStatus:  string(to),
			})
		}
		return nil
	})
	return transitioned, err
}

// UpdateWorkItemRuntime persists the mutable runtime fields. Called before
// the operation depending on them is considered complete, so a crash resumes
// from consistent counters.
func (s *Store) UpdateWorkItemRuntime(ctx context.Context, w workitem.WorkItem) error {
	budgetUsed, err := json.Marshal(w.BudgetUsed)
	if err != nil {
		return fmt.Errorf("encode budget used: %w", err)
	}
	verification, err := json.Marshal(w.VerificationResults)
	if err != nil {
		return fmt.Errorf("encode verification results: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET attempts = ?,
			budget_used = ?,
			verification_results = ?,
			approval_token_id = NULLIF(?, ''),
			replan_depth = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, w.Attempts, string(budgetUsed), string(verification), w.ApprovalTokenID, w.ReplanDepth, w.ID)
	if err != nil {
		return fmt.Errorf("update work item runtime: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("runtime rows affected: %w", err)
	}
	if n != 1 {
		return ErrWorkItemNotFound
	}
	return nil
}

// ListWorkItemsByStatus returns ids in a status, oldest first.
func (s *Store) ListWorkItemsByStatus(ctx context.Context, status workitem.Status, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM work_items
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?;
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan work item id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("work item rows: %w", err)
	}
	return out, nil
}

// WorkItemCounts returns pending/running/terminal totals for status output.
func (s *Store) WorkItemCounts(ctx context.Context) (pending, running, terminal int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status IN ('running', 'awaiting_planner_guidance') THEN 1 END),
			COUNT(CASE WHEN status IN ('done', 'failed', 'stuck', 'blocked') THEN 1 END)
		FROM work_items;
	`).Scan(&pending, &running, &terminal)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("work item counts: %w", err)
	}
	return pending, running, terminal, nil
}

// ScheduledGoal is a goal work item due for a scheduled re-entry.
type ScheduledGoal struct {
	ID       string
	ScopeID  string
	Schedule string
}

// DueGoals returns goals in a restable state whose next_run_at has passed.
func (s *Store) DueGoals(ctx context.Context, now time.Time) ([]ScheduledGoal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope_id, json_extract(definition, '$.schedule')
		FROM work_items
		WHERE type = 'goal'
		  AND status IN ('done', 'healthy')
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= ?;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due goals: %w", err)
	}
	defer rows.Close()

	var out []ScheduledGoal
	for rows.Next() {
		var g ScheduledGoal
		var schedule sql.NullString
		if err := rows.Scan(&g.ID, &g.ScopeID, &schedule); err != nil {
			return nil, fmt.Errorf("scan due goal: %w", err)
		}
		if schedule.Valid {
			g.Schedule = schedule.String
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due goal rows: %w", err)
	}
	return out, nil
}

// SetGoalSchedule records when a scheduled goal next fires.
func (s *Store) SetGoalSchedule(ctx context.Context, id string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("set goal schedule: %w", err)
	}
	return nil
}

// UpdateGoalRun records a scheduled firing and the next due time.
func (s *Store) UpdateGoalRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, ranAt.UTC(), nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("update goal run: %w", err)
	}
	return nil
}
