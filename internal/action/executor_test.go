package action

import (
	"context"
	"encoding/base64"
	"os"
	"testing"
	"time"

	"risk-core/internal/domain"
	"risk-core/internal/notify"
	"risk-core/internal/riskerr"
	"risk-core/internal/store"
	"risk-core/internal/venue/common"
	"risk-core/pkg/crypto"
	"risk-core/pkg/db"
)

type fakeAdapter struct {
	closeErr   error
	failsUntil int
	calls      int
	closed     common.ClosedPositions
}

func (f *fakeAdapter) GetBalance(ctx context.Context, creds common.Credentials) (common.Balance, error) {
	return common.Balance{}, nil
}
func (f *fakeAdapter) GetOpenPositions(ctx context.Context, creds common.Credentials) ([]common.Position, error) {
	return nil, nil
}
func (f *fakeAdapter) PlaceOrder(ctx context.Context, creds common.Credentials, spec common.OrderSpec) (common.OrderResult, error) {
	return common.OrderResult{}, nil
}
func (f *fakeAdapter) CancelAllOrders(ctx context.Context, creds common.Credentials, symbol string) (common.CancelResult, error) {
	return common.CancelResult{}, nil
}
func (f *fakeAdapter) CloseAllPositions(ctx context.Context, creds common.Credentials) (common.ClosedPositions, error) {
	f.calls++
	if f.calls <= f.failsUntil {
		return common.ClosedPositions{}, riskerr.New(riskerr.TransientNetwork, "simulated outage")
	}
	return f.closed, nil
}
func (f *fakeAdapter) StreamAccount(ctx context.Context, creds common.Credentials, sink common.StreamSink) (common.Subscription, bool) {
	return nil, false
}

type fakeDirectory struct {
	records map[string]CredentialRecord
}

func (d *fakeDirectory) Lookup(ctx context.Context, clientID string) (CredentialRecord, error) {
	r, ok := d.records[clientID]
	if !ok {
		return CredentialRecord{}, riskerr.New(riskerr.InvalidInput, "unknown client")
	}
	return r, nil
}

func testKeyManager(t *testing.T) *crypto.KeyManager {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	os.Setenv("MASTER_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(key))
	t.Cleanup(func() { os.Unsetenv("MASTER_ENCRYPTION_KEY") })
	km, err := crypto.NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	return km
}

func newTestExecutor(t *testing.T, adapter common.Adapter) (*Executor, *store.Store, *notify.Bus) {
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
	t.Cleanup(func() {})

	km := testKeyManager(t)
	secret, err := km.Encrypt("super-secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	directory := &fakeDirectory{records: map[string]CredentialRecord{
		"client-1": {APIKey: "key-1", EncryptedAPISecret: secret},
	}}
	resolver := NewCredentialResolver(directory, km)

	executor := NewExecutor(NewSlotRegistry(), resolver, st, bus, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond},
		func(v domain.Venue) (common.Adapter, bool) { return adapter, true })
	return executor, st, bus
}

func seedState(t *testing.T, st *store.Store, clientID string) {
	t.Helper()
	ctx := context.Background()
	_, err := st.Update(ctx, clientID, func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
		return domain.AccountState{
			ClientID:          clientID,
			Venue:             domain.VenueFutures,
			InitialBalance:    10000,
			DailyStartBalance: 10000,
			CurrentBalance:    8000,
			Status:            domain.StatusNormal,
			Active:            true,
			SessionEpoch:      1,
			LastBalanceUpdate: time.Now().UTC(),
			DailyResetAt:      time.Now().UTC(),
		}, "seed", nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestExecutor_MaxRiskBlocksPermanently(t *testing.T) {
	adapter := &fakeAdapter{closed: common.ClosedPositions{ClosedPositionIDs: []string{"p1"}, TotalClosedValue: 500}}
	executor, st, _ := newTestExecutor(t, adapter)
	seedState(t, st, "client-1")

	client := domain.Client{ClientID: "client-1", Venue: domain.VenueFutures}
	violation := domain.RiskViolation{ViolationType: domain.ViolationMaxRisk, Loss: 2000, Threshold: 2000}

	outcome, err := executor.Run(context.Background(), client, 1, violation)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.State.Status != domain.StatusPermanentBlocked {
		t.Fatalf("status = %s, want PERMANENT_BLOCKED", outcome.State.Status)
	}
	if outcome.State.PermanentBlockedAt == nil {
		t.Fatal("permanentBlockedAt not set")
	}
	if len(outcome.Result.ClosedPositionIDs) != 1 {
		t.Fatalf("closedPositionIds = %v", outcome.Result.ClosedPositionIDs)
	}
}

func TestExecutor_DailyRiskBlocksForDay(t *testing.T) {
	adapter := &fakeAdapter{closed: common.ClosedPositions{}}
	executor, st, _ := newTestExecutor(t, adapter)
	seedState(t, st, "client-1")

	client := domain.Client{ClientID: "client-1", Venue: domain.VenueFutures}
	violation := domain.RiskViolation{ViolationType: domain.ViolationDailyRisk, Loss: 2000, Threshold: 2000}

	outcome, err := executor.Run(context.Background(), client, 1, violation)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.State.Status != domain.StatusDailyBlocked {
		t.Fatalf("status = %s, want DAILY_BLOCKED", outcome.State.Status)
	}
}

func TestExecutor_RetriesTransientCloseFailures(t *testing.T) {
	adapter := &fakeAdapter{failsUntil: 2, closed: common.ClosedPositions{}}
	executor, st, _ := newTestExecutor(t, adapter)
	seedState(t, st, "client-1")

	client := domain.Client{ClientID: "client-1", Venue: domain.VenueFutures}
	violation := domain.RiskViolation{ViolationType: domain.ViolationMaxRisk, Loss: 2000, Threshold: 2000}

	_, err := executor.Run(context.Background(), client, 1, violation)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if adapter.calls != 3 {
		t.Fatalf("calls = %d, want 3", adapter.calls)
	}
}

func TestExecutor_SecondAttemptForSameViolationIsSkipped(t *testing.T) {
	adapter := &fakeAdapter{closed: common.ClosedPositions{}}
	executor, st, _ := newTestExecutor(t, adapter)
	seedState(t, st, "client-1")

	client := domain.Client{ClientID: "client-1", Venue: domain.VenueFutures}
	violation := domain.RiskViolation{ViolationType: domain.ViolationMaxRisk, Loss: 2000, Threshold: 2000}

	if _, err := executor.Run(context.Background(), client, 1, violation); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	outcome, err := executor.Run(context.Background(), client, 1, violation)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !outcome.Skipped {
		t.Fatal("expected second run to be skipped")
	}
	if adapter.calls != 1 {
		t.Fatalf("calls = %d, want 1 (second run must not call the adapter again)", adapter.calls)
	}
}

func TestExecutor_EscalatesOnPermanentCloseFailure(t *testing.T) {
	adapter := &fakeAdapter{failsUntil: 10}
	executor, st, _ := newTestExecutor(t, adapter)
	seedState(t, st, "client-1")

	client := domain.Client{ClientID: "client-1", Venue: domain.VenueFutures}
	violation := domain.RiskViolation{ViolationType: domain.ViolationMaxRisk, Loss: 2000, Threshold: 2000}

	_, err := executor.Run(context.Background(), client, 1, violation)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	st2, _, loadErr := st.Load(context.Background(), "client-1")
	if loadErr != nil {
		t.Fatalf("Load: %v", loadErr)
	}
	if st2.Status != domain.StatusMonitoringError {
		t.Fatalf("status = %s, want MONITORING_ERROR", st2.Status)
	}
}
