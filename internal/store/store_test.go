package store

import (
	"context"
	"testing"
	"time"

	"risk-core/internal/domain"
	"risk-core/pkg/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database)
}

func createState(ctx context.Context, t *testing.T, s *Store, clientID string, initial float64) domain.AccountState {
	t.Helper()
	st, err := s.Update(ctx, clientID, func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
		now := time.Now().UTC()
		return domain.AccountState{
			ClientID:          clientID,
			Venue:             domain.VenueFutures,
			InitialBalance:    initial,
			DailyStartBalance: initial,
			CurrentBalance:    initial,
			PreviousBalance:   initial,
			Status:            domain.StatusNormal,
			LastBalanceUpdate: now,
			LastRiskCheck:     now,
			DailyResetAt:      now,
			Active:            true,
			SessionEpoch:      1,
		}, "start monitoring", nil
	})
	if err != nil {
		t.Fatalf("create state: %v", err)
	}
	return st
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Load(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatalf("expected no record")
	}
}

func TestStore_CreateAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created := createState(ctx, t, s, "c1", 10000)

	loaded, ok, err := s.Load(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("Load: %v, ok=%v", err, ok)
	}
	if loaded.CurrentBalance != created.CurrentBalance {
		t.Fatalf("CurrentBalance = %v, want %v", loaded.CurrentBalance, created.CurrentBalance)
	}
	if loaded.Status != domain.StatusNormal {
		t.Fatalf("Status = %v, want NORMAL", loaded.Status)
	}
}

func TestStore_UpdateIsSerializedPerClient(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createState(ctx, t, s, "c1", 10000)

	const n = 50
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Update(ctx, "c1", func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
				current.CurrentBalance += 1
				current.PreviousBalance = current.CurrentBalance - 1
				return current, "increment", nil
			})
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	final, ok, err := s.Load(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("Load: %v, ok=%v", err, ok)
	}
	if got, want := final.CurrentBalance, 10000+float64(n); got != want {
		t.Fatalf("CurrentBalance = %v, want %v (serialization lost an update)", got, want)
	}
}

func TestStore_QueryStale(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createState(ctx, t, s, "c1", 10000)

	stale, err := s.QueryStale(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("QueryStale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected fresh account to not be stale, got %d", len(stale))
	}

	stale, err = s.QueryStale(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("QueryStale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected account to be stale against a future cutoff, got %d", len(stale))
	}
}

func TestStore_QueryActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createState(ctx, t, s, "c1", 10000)

	active, err := s.QueryActive(ctx)
	if err != nil {
		t.Fatalf("QueryActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active account, got %d", len(active))
	}

	_, err = s.Update(ctx, "c1", func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
		current.Active = false
		return current, "stop monitoring", nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	active, err = s.QueryActive(ctx)
	if err != nil {
		t.Fatalf("QueryActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected 0 active accounts after stop, got %d", len(active))
	}
}
