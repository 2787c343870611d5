package scheduler

import (
	"context"
	"testing"
	"time"

	"risk-core/internal/domain"
	"risk-core/internal/notify"
	"risk-core/internal/store"
	"risk-core/pkg/db"
)

func newTestDeps(t *testing.T) (*store.Store, *notify.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	st := store.New(database)
	bus, err := notify.New(database, nil, notify.DefaultConfig(), "")
	if err != nil {
		t.Fatalf("notify.New: %v", err)
	}
	return st, bus
}

func seed(t *testing.T, st *store.Store, clientID string, mutate func(*domain.AccountState)) {
	t.Helper()
	ctx := context.Background()
	_, err := st.Update(ctx, clientID, func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
		s := domain.AccountState{
			ClientID:          clientID,
			Venue:             domain.VenueFutures,
			InitialBalance:    10000,
			DailyStartBalance: 10000,
			CurrentBalance:    9700,
			Status:            domain.StatusDailyBlocked,
			Active:            true,
			LastBalanceUpdate: time.Now().UTC(),
			DailyResetAt:      time.Now().UTC().Add(-48 * time.Hour),
		}
		mutate(&s)
		return s, "seed", nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestScheduler_FireDailyResetClearsDailyBlock(t *testing.T) {
	st, bus := newTestDeps(t)
	seed(t, st, "client-1", func(s *domain.AccountState) {})

	sch := New(st, bus, DefaultConfig())
	sch.fireDailyReset(context.Background())

	got, _, err := st.Load(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != domain.StatusNormal {
		t.Fatalf("status = %s, want NORMAL", got.Status)
	}
	if got.DailyStartBalance != 9700 {
		t.Fatalf("dailyStartBalance = %v, want 9700", got.DailyStartBalance)
	}
	if got.DailyPnl() != 0 {
		t.Fatalf("dailyPnl = %v, want 0", got.DailyPnl())
	}
}

func TestScheduler_FireDailyResetSkipsPermanentBlocked(t *testing.T) {
	st, bus := newTestDeps(t)
	seed(t, st, "client-2", func(s *domain.AccountState) {
		s.Status = domain.StatusPermanentBlocked
	})

	sch := New(st, bus, DefaultConfig())
	sch.fireDailyReset(context.Background())

	got, _, err := st.Load(context.Background(), "client-2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != domain.StatusPermanentBlocked {
		t.Fatalf("status = %s, want unchanged PERMANENT_BLOCKED", got.Status)
	}
}

func TestScheduler_FireDailyResetIsIdempotent(t *testing.T) {
	st, bus := newTestDeps(t)
	seed(t, st, "client-3", func(s *domain.AccountState) {})

	sch := New(st, bus, DefaultConfig())
	ctx := context.Background()
	sch.fireDailyReset(ctx)
	first, _, _ := st.Load(ctx, "client-3")

	// Simulate intraday trading after the legitimate reset, as a mid-day
	// process restart's resumeMonitoring -> fireDailyReset catch-up sweep
	// would observe it. A second fireDailyReset call must not rebase
	// dailyStartBalance onto this new balance — that would silently erase
	// the loss below it.
	if _, err := st.Update(ctx, "client-3", func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
		next := current
		next.CurrentBalance = 9000
		return next, "simulate intraday loss", nil
	}); err != nil {
		t.Fatalf("simulate intraday loss: %v", err)
	}

	sch.fireDailyReset(ctx)
	second, _, _ := st.Load(ctx, "client-3")

	if first.DailyStartBalance != second.DailyStartBalance {
		t.Fatalf("second reset changed dailyStartBalance: %v -> %v", first.DailyStartBalance, second.DailyStartBalance)
	}
	if second.CurrentBalance != 9000 {
		t.Fatalf("CurrentBalance = %v, want 9000 (unaffected by the no-op reset)", second.CurrentBalance)
	}
}

func TestScheduler_StaleDetectorNotifiesOncePerWindow(t *testing.T) {
	st, bus := newTestDeps(t)
	ctx := context.Background()
	_, err := st.Update(ctx, "client-4", func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
		return domain.AccountState{
			ClientID:          "client-4",
			Venue:             domain.VenueFutures,
			InitialBalance:    10000,
			DailyStartBalance: 10000,
			CurrentBalance:    10000,
			Status:            domain.StatusNormal,
			Active:            true,
			LastBalanceUpdate: time.Now().UTC().Add(-time.Hour),
			DailyResetAt:      time.Now().UTC(),
		}, "seed", nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	sch := New(st, bus, Config{StaleCheckInterval: time.Millisecond, StaleThreshold: time.Minute})
	ch, unsub := bus.Subscribe(domain.KindMonitoringError)
	defer unsub()

	notified := make(map[string]bool)
	sch.sweepStale(ctx, notified)
	sch.sweepStale(ctx, notified)
	sch.sweepStale(ctx, notified)

	count := 0
loop:
	for {
		select {
		case <-ch:
			count++
		default:
			break loop
		}
	}
	if count != 1 {
		t.Fatalf("notification count = %d, want exactly 1 across repeated sweeps", count)
	}
}
