package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"risk-core/internal/domain"
	"risk-core/pkg/db"
)

type alwaysFail struct{}

func (alwaysFail) Deliver(ctx context.Context, n domain.Notification) error {
	return errors.New("simulated delivery failure")
}

type alwaysOK struct{ calls chan domain.Notification }

func (d alwaysOK) Deliver(ctx context.Context, n domain.Notification) error {
	d.calls <- n
	return nil
}

func newTestBus(t *testing.T, deliverer Deliverer, cfg Config) *Bus {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	bus, err := New(database, deliverer, cfg, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return bus
}

func sampleNotification() domain.Notification {
	return domain.Notification{
		EventBase: domain.EventBase{ClientID: "c1", Venue: domain.VenueFutures, Timestamp: time.Now().UTC()},
		Kind:      domain.KindBalanceUpdate,
		Priority:  domain.PriorityLow,
		Payload:   map[string]any{"balance": 9000.0},
	}
}

func TestBus_PublishFansOutToSubscribers(t *testing.T) {
	bus := newTestBus(t, nil, DefaultConfig())
	ch, unsub := bus.Subscribe(domain.KindBalanceUpdate)
	defer unsub()

	if err := bus.Publish(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case n := <-ch:
		if n.ClientID != "c1" {
			t.Fatalf("ClientID = %q, want c1", n.ClientID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fan-out")
	}
}

func TestBus_DeadLettersAfterMaxRetries(t *testing.T) {
	cfg := Config{MessageTTL: time.Minute, MaxRetries: 2, RetryBackoff: time.Millisecond}
	bus := newTestBus(t, alwaysFail{}, cfg)

	if err := bus.Publish(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count, err := bus.DeadLetterCount(context.Background())
		if err != nil {
			t.Fatalf("DeadLetterCount: %v", err)
		}
		if count == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message was never dead-lettered")
}

func TestBus_DeliversOnFirstAttempt(t *testing.T) {
	calls := make(chan domain.Notification, 1)
	bus := newTestBus(t, alwaysOK{calls: calls}, DefaultConfig())

	if err := bus.Publish(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("deliverer was never invoked")
	}

	count, err := bus.DeadLetterCount(context.Background())
	if err != nil {
		t.Fatalf("DeadLetterCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no dead-letters on success, got %d", count)
	}
}
