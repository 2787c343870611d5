// Package notify implements NotificationBus (spec §4.7): an at-least-once
// durable publish with dead-lettering on TTL/retry exhaustion, and a
// mandatory pre-publish audit log. Grounded on the teacher's
// internal/order.PersistentQueue (WAL-before-enqueue, fsync durability,
// crash-recoverable, duplicate-tolerant delivery) for the durability
// story, and internal/events.Bus for the in-process fan-out shape.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"risk-core/internal/domain"
	"risk-core/pkg/db"
)

// Deliverer is the durable transport a Bus hands confirmed messages to.
// Out-of-process delivery channels (email, chat, socket fan-out) are
// explicitly external collaborators (spec §1); Deliverer is the seam the
// bus calls through, satisfied in production by the gRPC notification
// relay (internal/notifyrelay).
type Deliverer interface {
	Deliver(ctx context.Context, n domain.Notification) error
}

// Config tunes retry/TTL behavior (spec §6 bus.messageTtl).
type Config struct {
	MessageTTL time.Duration
	MaxRetries int
	RetryBackoff time.Duration
}

// DefaultConfig matches the spec's defaults.
func DefaultConfig() Config {
	return Config{MessageTTL: 5 * time.Minute, MaxRetries: 3, RetryBackoff: 200 * time.Millisecond}
}

// Bus is the durable, dead-lettering NotificationBus.
type Bus struct {
	db        *db.Database
	deliverer Deliverer
	cfg       Config
	audit     *AuditLog

	mu      sync.RWMutex
	subs    map[domain.NotificationKind][]chan domain.Notification
	allSubs []chan domain.Notification
}

// New builds a Bus. auditPath is the structured audit log file path; pass
// "" to disable (tests only — production always carries an audit log).
func New(database *db.Database, deliverer Deliverer, cfg Config, auditPath string) (*Bus, error) {
	var audit *AuditLog
	if auditPath != "" {
		a, err := NewAuditLog(auditPath)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		audit = a
	}
	return &Bus{
		db:        database,
		deliverer: deliverer,
		cfg:       cfg,
		audit:     audit,
		subs:      make(map[domain.NotificationKind][]chan domain.Notification),
	}, nil
}

// Subscribe returns a channel that receives every Notification of kind
// published from this point on, plus an unsubscribe func. Mirrors
// events.Bus.Subscribe's fan-out shape.
func (b *Bus) Subscribe(kind domain.NotificationKind) (<-chan domain.Notification, func()) {
	ch := make(chan domain.Notification, 32)
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[kind]
		for i, c := range list {
			if c == ch {
				b.subs[kind] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub
}

// SubscribeAll returns a channel that receives every Notification
// regardless of kind, for the admin live feed. Mirrors Subscribe's
// unsubscribe shape.
func (b *Bus) SubscribeAll() (<-chan domain.Notification, func()) {
	ch := make(chan domain.Notification, 32)
	b.mu.Lock()
	b.allSubs = append(b.allSubs, ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.allSubs {
			if c == ch {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub
}

func (b *Bus) fanOut(n domain.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.allSubs {
		select {
		case ch <- n:
		default:
		}
	}
	for _, ch := range b.subs[n.Kind] {
		select {
		case ch <- n:
		default:
			log.Printf("notify: subscriber channel full, dropping %s for %s", n.Kind, n.ClientID)
		}
	}
}

// Publish durably publishes n: the audit log is written BEFORE the
// message is persisted or fanned out (§4.7's "audit preserved even when
// the bus is unavailable"), then the message is recorded in
// notification_history, fanned out in-process, and handed to the
// Deliverer with bounded retry. A failure to reach MaxRetries or exceed
// MessageTTL moves the message to the dead-letter table; Publish itself
// never returns an error for a downstream delivery failure — only for a
// failure to durably record the message at all.
func (b *Bus) Publish(ctx context.Context, n domain.Notification) error {
	if n.EventID == "" {
		n.EventID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	if b.audit != nil {
		b.audit.Write(n)
	}

	payloadJSON, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}

	now := time.Now().UTC()
	if _, err := b.db.DB.ExecContext(ctx, `
		INSERT INTO notification_history (event_id, client_id, venue, kind, priority, payload, delivered, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		n.EventID, n.ClientID, string(n.Venue), string(n.Kind), string(n.Priority), string(payloadJSON),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("notify: persist notification: %w", err)
	}

	b.fanOut(n)

	go b.deliverWithRetry(n, now)
	return nil
}

func (b *Bus) deliverWithRetry(n domain.Notification, enqueuedAt time.Time) {
	ctx := context.Background()
	attempts := 0
	for {
		if time.Since(enqueuedAt) > b.cfg.MessageTTL {
			b.deadLetter(ctx, n, attempts, "ttl exceeded")
			return
		}
		if attempts >= b.cfg.MaxRetries {
			b.deadLetter(ctx, n, attempts, "max retries exceeded")
			return
		}

		var err error
		if b.deliverer != nil {
			dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = b.deliverer.Deliver(dctx, n)
			cancel()
		}
		attempts++

		if err == nil {
			b.markDelivered(ctx, n.EventID, attempts)
			return
		}

		log.Printf("notify: delivery attempt %d for %s (%s) failed: %v", attempts, n.EventID, n.Kind, err)
		b.markAttempt(ctx, n.EventID, attempts)
		time.Sleep(b.cfg.RetryBackoff * time.Duration(1<<uint(attempts-1)))
	}
}

func (b *Bus) markDelivered(ctx context.Context, eventID string, attempts int) {
	_, _ = b.db.DB.ExecContext(ctx, `
		UPDATE notification_history SET delivered = 1, attempts = ?, updated_at = ? WHERE event_id = ?`,
		attempts, time.Now().UTC().Format(time.RFC3339Nano), eventID)
}

func (b *Bus) markAttempt(ctx context.Context, eventID string, attempts int) {
	_, _ = b.db.DB.ExecContext(ctx, `
		UPDATE notification_history SET attempts = ?, updated_at = ? WHERE event_id = ?`,
		attempts, time.Now().UTC().Format(time.RFC3339Nano), eventID)
}

func (b *Bus) deadLetter(ctx context.Context, n domain.Notification, attempts int, reason string) {
	payloadJSON, _ := json.Marshal(n.Payload)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := b.db.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("notify: dead-letter begin tx for %s: %v", n.EventID, err)
		return
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notification_dead_letter (event_id, client_id, kind, priority, payload, reason, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		n.EventID, n.ClientID, string(n.Kind), string(n.Priority), string(payloadJSON), reason, attempts, now,
	); err != nil {
		log.Printf("notify: dead-letter insert for %s: %v", n.EventID, err)
		return
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE notification_history SET attempts = ?, updated_at = ? WHERE event_id = ?`,
		attempts, now, n.EventID,
	); err != nil {
		log.Printf("notify: dead-letter update history for %s: %v", n.EventID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("notify: dead-letter commit for %s: %v", n.EventID, err)
		return
	}
	log.Printf("notify: dead-lettered %s for %s after %d attempts: %s", n.Kind, n.ClientID, attempts, reason)
}

// DeadLetterCount returns how many messages currently sit in the
// dead-letter table, mainly for tests and the admin metrics surface.
func (b *Bus) DeadLetterCount(ctx context.Context) (int, error) {
	var count int
	err := b.db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notification_dead_letter`).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return count, nil
}
