package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/message"
	"github.com/basket/go-warden/internal/shared"
	"github.com/google/uuid"
)

// Delivery is a leased message plus the metadata a consumer needs to
// heartbeat and settle it.
type Delivery struct {
	Queue          string
	Message        message.Message
	LeaseOwner     string
	LeaseExpiresAt time.Time
	RetryCount     int
}

// NackOutcome reports what happened to a nacked message.
type NackOutcome string

const (
	NackOutcomeRequeued   NackOutcome = "REQUEUED"
	NackOutcomeDeadLetter NackOutcome = "DEAD_LETTER"
)

// NackDecision describes the requeue/dead-letter decision for a nack.
type NackDecision struct {
	Outcome          NackOutcome `json:"outcome"`
	RetryCount       int         `json:"retry_count"`
	ReasonCode       string      `json:"reason_code"`
	BackoffUntil     *time.Time  `json:"backoff_until,omitempty"`
	ErrorFingerprint string      `json:"error_fingerprint"`
	PoisonCount      int         `json:"poison_count"`
}

// Enqueue inserts the message into the named queue. A duplicate message_id
// in the same queue is a no-op: delivery is at-least-once and producers may
// retry enqueues freely. Returns true when a new entry was created.
func (s *Store) Enqueue(ctx context.Context, queue string, msg message.Message) (bool, error) {
	if queue == "" {
		return false, fmt.Errorf("queue name required")
	}
	if err := msg.Validate(); err != nil {
		return false, fmt.Errorf("enqueue validation: %w", err)
	}
	payload, err := msg.Encode()
	if err != nil {
		return false, err
	}

	var inserted bool
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO queue_messages (queue, message_id, trace_id, scope_id, state, available_at, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'queued', CURRENT_TIMESTAMP, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(queue, message_id) DO NOTHING;
		`, queue, msg.MessageID, msg.TraceID, msg.ScopeID, payload)
		if err != nil {
			return fmt.Errorf("insert queue message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("enqueue rows affected: %w", err)
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if inserted {
		audit.Record(shared.WithTraceID(ctx, msg.TraceID), "allow", "queue.enqueue", string(msg.Kind), msg.MessageID)
		if s.bus != nil {
			s.bus.Publish(bus.TopicQueueEnqueued, bus.QueueEvent{Queue: queue, MessageID: msg.MessageID, TraceID: msg.TraceID})
		}
	}
	return inserted, nil
}

// Lease atomically claims exactly one queued message, transitioning it to
// leased. Two concurrent callers can never lease the same message: the claim
// is a conditional UPDATE inside a transaction keyed on the current state.
// Returns nil when the queue has no available message.
func (s *Store) Lease(ctx context.Context, queue string, leaseDuration time.Duration) (*Delivery, error) {
	if leaseDuration <= 0 {
		leaseDuration = defaultLeaseDuration
	}

	var delivery *Delivery
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin lease tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			messageID  string
			payload    string
			retryCount int
		)
		err = tx.QueryRowContext(ctx, `
			SELECT message_id, payload, retry_count
			FROM queue_messages
			WHERE queue = ? AND state = 'queued' AND available_at <= CURRENT_TIMESTAMP
			ORDER BY created_at ASC, message_id ASC
			LIMIT 1;
		`, queue).Scan(&messageID, &payload, &retryCount)
		if errors.Is(err, sql.ErrNoRows) {
			delivery = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("select queued message: %w", err)
		}

		leaseOwner := uuid.NewString()
		leaseExpiresAt := time.Now().UTC().Add(leaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			SET state = 'leased', lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE queue = ? AND message_id = ? AND state = 'queued';
		`, leaseOwner, leaseExpiresAt, queue, messageID)
		if err != nil {
			return fmt.Errorf("claim lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lease rows affected: %w", err)
		}
		if n != 1 {
			// Lost the race inside this transaction window; treat as empty.
			delivery = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit lease tx: %w", err)
		}

		msg, err := message.Decode(payload)
		if err != nil {
			return err
		}
		delivery = &Delivery{
			Queue:          queue,
			Message:        msg,
			LeaseOwner:     leaseOwner,
			LeaseExpiresAt: leaseExpiresAt,
			RetryCount:     retryCount,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if delivery != nil {
		audit.Record(shared.WithTraceID(ctx, delivery.Message.TraceID), "allow", "queue.lease", queue, delivery.Message.MessageID)
		if s.bus != nil {
			s.bus.Publish(bus.TopicQueueLeased, bus.QueueEvent{Queue: queue, MessageID: delivery.Message.MessageID, TraceID: delivery.Message.TraceID})
		}
	}
	return delivery, nil
}

// Heartbeat extends the lease for an in-progress long-running consumer. A
// missed heartbeat past lease_expires_at is treated as a consumer crash.
// Returns false when the lease is no longer held by this owner.
func (s *Store) Heartbeat(ctx context.Context, queue, messageID, leaseOwner string, extendBy time.Duration) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	if extendBy <= 0 {
		extendBy = defaultLeaseDuration
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE queue = ? AND message_id = ? AND lease_owner = ? AND state = 'leased';
	`, time.Now().UTC().Add(extendBy), queue, messageID, leaseOwner)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// Ack removes the entry: terminal success.
func (s *Store) Ack(ctx context.Context, queue, messageID, leaseOwner string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_messages
		WHERE queue = ? AND message_id = ? AND lease_owner = ? AND state = 'leased';
	`, queue, messageID, leaseOwner)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("ack %s/%s: lease not held", queue, messageID)
	}
	audit.Record(ctx, "allow", "queue.ack", queue, messageID)
	return nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

func errorFingerprint(errMsg string) string {
	normalized := strings.ToLower(strings.TrimSpace(errMsg))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	return hashString(normalized)
}

// retryDelay computes the backoff before a nacked message becomes available
// again. Deterministic jitter keyed on message id keeps redeliveries spread
// without shared state.
func retryDelay(messageID string, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	base := retryBaseDelay
	for i := 1; i < retryCount; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(messageID + ":" + strconv.Itoa(retryCount))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// Nack returns the entry to queued with an incremented retry_count, or
// dead-letters it once the retry cap or the poison threshold (identical
// error fingerprints across redeliveries) is hit.
func (s *Store) Nack(ctx context.Context, queue, messageID, leaseOwner, errMsg string) (NackDecision, error) {
	var decision NackDecision
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin nack tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			retryCount      int
			lastFingerprint sql.NullString
			poisonCount     int
			traceID         string
			payload         string
		)
		err = tx.QueryRowContext(ctx, `
			SELECT retry_count, error_fingerprint, poison_count, trace_id, payload
			FROM queue_messages
			WHERE queue = ? AND message_id = ? AND lease_owner = ? AND state = 'leased';
		`, queue, messageID, leaseOwner).Scan(&retryCount, &lastFingerprint, &poisonCount, &traceID, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("nack %s/%s: lease not held", queue, messageID)
		}
		if err != nil {
			return fmt.Errorf("select message for nack: %w", err)
		}

		nextRetry := retryCount + 1
		fingerprint := errorFingerprint(errMsg)
		nextPoison := 1
		if lastFingerprint.Valid && lastFingerprint.String == fingerprint {
			nextPoison = poisonCount + 1
		}

		decision = NackDecision{
			RetryCount:       nextRetry,
			ErrorFingerprint: fingerprint,
			PoisonCount:      nextPoison,
			ReasonCode:       ReasonRetryConsumerNack,
		}

		moveToDeadLetter := false
		if nextPoison >= poisonThreshold {
			decision.ReasonCode = ReasonDeadLetterPoisonPill
			moveToDeadLetter = true
		}
		if nextRetry >= defaultRetryCap {
			decision.ReasonCode = ReasonDeadLetterRetryCap
			moveToDeadLetter = true
		}

		if moveToDeadLetter {
			if err := deadLetterTx(ctx, tx, queue, messageID, traceID, decision.ReasonCode, nextRetry, payload); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit nack dead-letter tx: %w", err)
			}
			decision.Outcome = NackOutcomeDeadLetter
			return nil
		}

		availableAt := time.Now().UTC().Add(retryDelay(messageID, nextRetry))
		decision.BackoffUntil = &availableAt
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			SET state = 'queued',
				lease_owner = NULL,
				lease_expires_at = NULL,
				retry_count = ?,
				available_at = ?,
				error_fingerprint = ?,
				poison_count = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE queue = ? AND message_id = ?;
		`, nextRetry, availableAt, fingerprint, nextPoison, queue, messageID); err != nil {
			return fmt.Errorf("requeue nacked message: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit nack tx: %w", err)
		}
		decision.Outcome = NackOutcomeRequeued
		return nil
	})
	if err != nil {
		return NackDecision{}, err
	}
	if decision.Outcome == NackOutcomeDeadLetter {
		audit.Record(ctx, "deny", "queue.dead_letter", decision.ReasonCode, messageID)
		if s.bus != nil {
			s.bus.Publish(bus.TopicQueueDeadLetter, bus.QueueEvent{Queue: queue, MessageID: messageID})
		}
	} else {
		audit.Record(ctx, "allow", "queue.nack", decision.ReasonCode, messageID)
	}
	return decision, nil
}

// DeadLetter explicitly moves a message to the inspection table.
func (s *Store) DeadLetter(ctx context.Context, queue, messageID, reason string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dead-letter tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			traceID    string
			payload    string
			retryCount int
		)
		err = tx.QueryRowContext(ctx, `
			SELECT trace_id, payload, retry_count
			FROM queue_messages
			WHERE queue = ? AND message_id = ?;
		`, queue, messageID).Scan(&traceID, &payload, &retryCount)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dead-letter %s/%s: not found", queue, messageID)
		}
		if err != nil {
			return fmt.Errorf("select message for dead-letter: %w", err)
		}
		if reason == "" {
			reason = ReasonDeadLetterExplicit
		}
		if err := deadLetterTx(ctx, tx, queue, messageID, traceID, reason, retryCount, payload); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	audit.Record(ctx, "deny", "queue.dead_letter", reason, messageID)
	if s.bus != nil {
		s.bus.Publish(bus.TopicQueueDeadLetter, bus.QueueEvent{Queue: queue, MessageID: messageID})
	}
	return nil
}

// deadLetterTx archives the message then removes the queue entry. The entry
// is destroyed only on successful archival: the store never silently drops a
// message.
func deadLetterTx(ctx context.Context, tx *sql.Tx, queue, messageID, traceID, reason string, retryCount int, payload string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (queue, message_id, trace_id, reason, retry_count, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(queue, message_id) DO NOTHING;
	`, queue, messageID, traceID, reason, retryCount, payload); err != nil {
		return fmt.Errorf("archive dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM queue_messages WHERE queue = ? AND message_id = ?;
	`, queue, messageID); err != nil {
		return fmt.Errorf("remove dead-lettered message: %w", err)
	}
	return nil
}

// RequeueExpiredLeases returns every message whose lease has lapsed to
// queued, or dead-letters it once the incremented retry count hits the cap.
// Run periodically; a missed heartbeat is indistinguishable from a consumer
// crash, so expiries count against the same retry budget as nacks. Returns
// the number of messages requeued.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	type expiredLease struct {
		queue      string
		messageID  string
		traceID    string
		retryCount int
		payload    string
	}

	var requeued int64
	var deadLettered []expiredLease
	err := retryOnBusy(ctx, 5, func() error {
		requeued = 0
		deadLettered = deadLettered[:0]

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin lease requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT queue, message_id, trace_id, retry_count, payload
			FROM queue_messages
			WHERE state = 'leased'
			  AND lease_expires_at IS NOT NULL
			  AND lease_expires_at <= CURRENT_TIMESTAMP;
		`)
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		var expired []expiredLease
		for rows.Next() {
			var e expiredLease
			if err := rows.Scan(&e.queue, &e.messageID, &e.traceID, &e.retryCount, &e.payload); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired lease: %w", err)
			}
			expired = append(expired, e)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("expired lease rows: %w", err)
		}

		for _, e := range expired {
			nextRetry := e.retryCount + 1
			if nextRetry >= defaultRetryCap {
				if err := deadLetterTx(ctx, tx, e.queue, e.messageID, e.traceID, ReasonDeadLetterRetryCap, nextRetry, e.payload); err != nil {
					return err
				}
				deadLettered = append(deadLettered, e)
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE queue_messages
				SET state = 'queued',
					lease_owner = NULL,
					lease_expires_at = NULL,
					retry_count = ?,
					updated_at = CURRENT_TIMESTAMP
				WHERE queue = ? AND message_id = ?;
			`, nextRetry, e.queue, e.messageID); err != nil {
				return fmt.Errorf("requeue expired lease: %w", err)
			}
			requeued++
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	for _, e := range deadLettered {
		audit.Record(ctx, "deny", "queue.dead_letter", ReasonDeadLetterRetryCap, e.messageID)
		if s.bus != nil {
			s.bus.Publish(bus.TopicQueueDeadLetter, bus.QueueEvent{Queue: e.queue, MessageID: e.messageID, TraceID: e.traceID})
		}
	}
	if requeued > 0 {
		audit.Record(ctx, "allow", "queue.lease_recovery", ReasonRequeueLeaseExpired, strconv.FormatInt(requeued, 10))
	}
	return requeued, nil
}

// RecoverLeased unconditionally returns every leased entry to queued. Run
// once on process start: a crash during lease is indistinguishable from
// lease expiry, so the conservative choice is always redelivery.
func (s *Store) RecoverLeased(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET state = 'queued',
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE state = 'leased';
	`)
	if err != nil {
		return 0, fmt.Errorf("recover leased messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover rows affected: %w", err)
	}
	if n > 0 {
		audit.Record(ctx, "allow", "queue.startup_recovery", ReasonRequeueStartup, strconv.FormatInt(n, 10))
	}
	return n, nil
}

// HasProcessed reports whether the consumer has already completed side
// effects for the message. Consumers MUST check this before any
// side-effecting action: the ledger is what turns at-least-once delivery
// into effectively-once side effects.
func (s *Store) HasProcessed(ctx context.Context, consumer, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM processed_messages WHERE consumer = ? AND message_id = ?;
	`, consumer, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed ledger: %w", err)
	}
	return true, nil
}

// MarkProcessed records completed side effects. Call only after the side
// effects succeed and before acking.
func (s *Store) MarkProcessed(ctx context.Context, consumer, messageID string) error {
	if strings.TrimSpace(consumer) == "" {
		return fmt.Errorf("consumer name required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_messages (consumer, message_id, processed_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(consumer, message_id) DO NOTHING;
	`, consumer, messageID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// QueueDepth returns the count of queued (deliverable) messages in a queue.
func (s *Store) QueueDepth(ctx context.Context, queue string) (int, error) {
	var depth int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM queue_messages WHERE queue = ? AND state = 'queued';
	`, queue).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// DeadLetterEntry is one archived message awaiting inspection.
type DeadLetterEntry struct {
	Queue      string    `json:"queue"`
	MessageID  string    `json:"message_id"`
	TraceID    string    `json:"trace_id"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retry_count"`
	Payload    string    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListDeadLetters returns archived messages, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue, message_id, trace_id, reason, retry_count, payload, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		if err := rows.Scan(&e.Queue, &e.MessageID, &e.TraceID, &e.Reason, &e.RetryCount, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter rows: %w", err)
	}
	return out, nil
}
