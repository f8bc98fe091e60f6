package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Nonce domains. Message replay and execution replay are separate ledgers so
// identical nonce strings can never collide across domains.
const (
	NonceDomainMsg  = "msg"
	NonceDomainExec = "exec"
)

// ErrNonceReplayed is returned when a binding has already been recorded in
// the given domain.
var ErrNonceReplayed = errors.New("nonce already recorded")

// RecordNonce records a (domain, binding) pair. Recording an already-seen
// binding returns ErrNonceReplayed: the insert and the replay check are one
// atomic operation.
func (s *Store) RecordNonce(ctx context.Context, domain, binding string) error {
	if domain != NonceDomainMsg && domain != NonceDomainExec {
		return fmt.Errorf("unknown nonce domain %q", domain)
	}
	if binding == "" {
		return fmt.Errorf("nonce binding required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO nonces (domain, binding, recorded_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(domain, binding) DO NOTHING;
	`, domain, binding)
	if err != nil {
		return fmt.Errorf("record nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record nonce rows affected: %w", err)
	}
	if n != 1 {
		return ErrNonceReplayed
	}
	return nil
}

// SeenNonce reports whether the binding has been recorded in the domain.
func (s *Store) SeenNonce(ctx context.Context, domain, binding string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM nonces WHERE domain = ? AND binding = ?;
	`, domain, binding).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	return true, nil
}

// PruneNonces deletes records older than maxTokenTTL plus a safety buffer.
// A nonce only protects against replay while some unexpired token could
// still reference it.
func (s *Store) PruneNonces(ctx context.Context, maxTokenTTL, safetyBuffer time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-(maxTokenTTL + safetyBuffer))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM nonces WHERE recorded_at < ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune nonces: %w", err)
	}
	return res.RowsAffected()
}
