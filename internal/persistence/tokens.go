package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrTokenNotFound is returned when the token id matches no row.
var ErrTokenNotFound = errors.New("approval token not found")

// ErrTokenExhausted is returned when executions_used has reached
// max_executions.
var ErrTokenExhausted = errors.New("approval token exhausted")

// TokenRecord is the persisted form of an approval token. executions_used
// and execution_nonces live here, not in memory: a crash between verify and
// execution must never re-arm a consumed execution.
type TokenRecord struct {
	TokenID         string            `json:"token_id"`
	WorkItemID      string            `json:"work_item_id"`
	PlanHash        string            `json:"plan_hash"`
	Scope           string            `json:"scope"`
	Verdict         string            `json:"verdict"`
	Nonce           string            `json:"nonce"`
	Signature       string            `json:"signature"`
	IssuedAt        time.Time         `json:"issued_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	MaxExecutions   int               `json:"max_executions"`
	ExecutionsUsed  int               `json:"executions_used"`
	ExecutionNonces []string          `json:"execution_nonces"`
	Conditions      map[string]string `json:"conditions,omitempty"`
}

// SaveToken persists a freshly issued token.
func (s *Store) SaveToken(ctx context.Context, t TokenRecord) error {
	nonces, err := json.Marshal(t.ExecutionNonces)
	if err != nil {
		return fmt.Errorf("encode execution nonces: %w", err)
	}
	conditions, err := json.Marshal(t.Conditions)
	if err != nil {
		return fmt.Errorf("encode token conditions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_tokens (
			token_id, work_item_id, plan_hash, scope, verdict, nonce, signature,
			issued_at, expires_at, max_executions, executions_used, execution_nonces, conditions
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, t.TokenID, t.WorkItemID, t.PlanHash, t.Scope, t.Verdict, t.Nonce, t.Signature,
		t.IssuedAt.UTC(), t.ExpiresAt.UTC(), t.MaxExecutions, t.ExecutionsUsed, string(nonces), string(conditions))
	if err != nil {
		return fmt.Errorf("insert approval token: %w", err)
	}
	return nil
}

// GetToken loads a token by id.
func (s *Store) GetToken(ctx context.Context, tokenID string) (*TokenRecord, error) {
	var (
		t          TokenRecord
		nonces     string
		conditions string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token_id, work_item_id, plan_hash, scope, verdict, nonce, signature,
			issued_at, expires_at, max_executions, executions_used, execution_nonces, conditions
		FROM approval_tokens
		WHERE token_id = ?;
	`, tokenID).Scan(&t.TokenID, &t.WorkItemID, &t.PlanHash, &t.Scope, &t.Verdict, &t.Nonce, &t.Signature,
		&t.IssuedAt, &t.ExpiresAt, &t.MaxExecutions, &t.ExecutionsUsed, &nonces, &conditions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select approval token: %w", err)
	}
	if err := json.Unmarshal([]byte(nonces), &t.ExecutionNonces); err != nil {
		return nil, fmt.Errorf("decode execution nonces: %w", err)
	}
	if conditions != "" && conditions != "{}" {
		if err := json.Unmarshal([]byte(conditions), &t.Conditions); err != nil {
			return nil, fmt.Errorf("decode token conditions: %w", err)
		}
	}
	return &t, nil
}

// ConsumeTokenExecution records one execution nonce and increments
// executions_used, atomically. The nonce insert and the counter update share
// one transaction: either both land or neither does. Returns
// ErrNonceReplayed on a replayed binding and ErrTokenExhausted once
// max_executions is reached.
func (s *Store) ConsumeTokenExecution(ctx context.Context, tokenID, nonceBinding, executionNonce string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin consume execution tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO nonces (domain, binding, recorded_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(domain, binding) DO NOTHING;
		`, NonceDomainExec, nonceBinding)
		if err != nil {
			return fmt.Errorf("record execution nonce: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("execution nonce rows affected: %w", err)
		}
		if n != 1 {
			return ErrNonceReplayed
		}

		var nonces string
		if err := tx.QueryRowContext(ctx, `
			SELECT execution_nonces FROM approval_tokens WHERE token_id = ?;
		`, tokenID).Scan(&nonces); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTokenNotFound
			}
			return fmt.Errorf("select token nonces: %w", err)
		}
		var used []string
		if err := json.Unmarshal([]byte(nonces), &used); err != nil {
			return fmt.Errorf("decode token nonces: %w", err)
		}
		used = append(used, executionNonce)
		updated, err := json.Marshal(used)
		if err != nil {
			return fmt.Errorf("encode token nonces: %w", err)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE approval_tokens
			SET executions_used = executions_used + 1, execution_nonces = ?
			WHERE token_id = ? AND executions_used < max_executions;
		`, string(updated), tokenID)
		if err != nil {
			return fmt.Errorf("increment executions used: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("consume execution rows affected: %w", err)
		}
		if n != 1 {
			return ErrTokenExhausted
		}
		return tx.Commit()
	})
}
