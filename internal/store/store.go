// Package store implements AccountStateStore (spec §4.3): a durable
// per-client key/value store with strict read-modify-write
// linearizability, backed by SQLite. Grounded on the teacher's
// internal/state.Manager (DB-backed map + struct marshaling) and
// internal/gateway.Manager (per-key mutex registry), generalized to the
// per-clientId locking and event-log-alongside-mutation semantics this
// store requires.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"risk-core/internal/domain"
	"risk-core/internal/riskerr"
	"risk-core/pkg/db"
)

// Mutator is a pure function over the current state (possibly absent,
// signalled by exists=false on first create) producing the next state.
// AccountStateStore.Update serializes concurrent mutators for the same
// clientId and persists the result atomically with an event-log entry.
type Mutator func(current domain.AccountState, exists bool) (next domain.AccountState, reason string, err error)

// Store is the SQLite-backed AccountStateStore.
type Store struct {
	db *db.Database

	// keyLocks gives each clientId its own mutex so that concurrent
	// Update calls for different clients never block each other, while
	// updates for the same client are strictly serialized — the
	// per-client linearizability §4.3 requires.
	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// New builds a Store over an already-migrated database handle.
func New(database *db.Database) *Store {
	return &Store{db: database, keyLocks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(clientID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[clientID]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[clientID] = l
	}
	return l
}

// Load fetches the current AccountState for clientId, or ok=false if no
// record exists yet.
func (s *Store) Load(ctx context.Context, clientID string) (domain.AccountState, bool, error) {
	row := s.db.DB.QueryRowContext(ctx, selectColumns+` WHERE client_id = ?`, clientID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AccountState{}, false, nil
	}
	if err != nil {
		return domain.AccountState{}, false, riskerr.Wrap(riskerr.InternalInvariantBroken, "load account state", err)
	}
	return st, true, nil
}

// Update performs a linearizable read-modify-write for clientId: it loads
// the current state (if any), applies mutator, and persists the result
// along with an event-log row recording the status transition, all while
// holding this client's key lock so no other Update for the same client
// can interleave.
func (s *Store) Update(ctx context.Context, clientID string, mutator Mutator) (domain.AccountState, error) {
	lock := s.lockFor(clientID)
	lock.Lock()
	defer lock.Unlock()

	current, exists, err := s.Load(ctx, clientID)
	if err != nil {
		return domain.AccountState{}, err
	}

	next, reason, err := mutator(current, exists)
	if err != nil {
		return domain.AccountState{}, err
	}

	now := time.Now().UTC()
	next.UpdatedAt = now
	if !exists {
		next.CreatedAt = now
	} else {
		next.CreatedAt = current.CreatedAt
	}

	tx, err := s.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AccountState{}, riskerr.Wrap(riskerr.InternalInvariantBroken, "begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertState(ctx, tx, next); err != nil {
		return domain.AccountState{}, riskerr.Wrap(riskerr.InternalInvariantBroken, "persist account state", err)
	}

	beforeStatus := ""
	if exists {
		beforeStatus = string(current.Status)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_log (event_id, client_id, before_status, after_status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), clientID, beforeStatus, string(next.Status), reason, now.Format(time.RFC3339Nano),
	); err != nil {
		return domain.AccountState{}, riskerr.Wrap(riskerr.InternalInvariantBroken, "write event log", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.AccountState{}, riskerr.Wrap(riskerr.StorePreconditionFailed, "commit account state", err)
	}

	return next, nil
}

// QueryActive returns every account currently marked active.
func (s *Store) QueryActive(ctx context.Context) ([]domain.AccountState, error) {
	rows, err := s.db.DB.QueryContext(ctx, selectColumns+` WHERE active = 1`)
	if err != nil {
		return nil, riskerr.Wrap(riskerr.InternalInvariantBroken, "query active", err)
	}
	defer rows.Close()
	return scanStates(rows)
}

// QueryNeedingDailyReset returns active accounts whose dailyBlockedAt or
// dailyResetAt predates cutoff (spec §4.3).
func (s *Store) QueryNeedingDailyReset(ctx context.Context, cutoff time.Time) ([]domain.AccountState, error) {
	rows, err := s.db.DB.QueryContext(ctx, selectColumns+`
		WHERE active = 1 AND (
			(daily_blocked_at IS NOT NULL AND daily_blocked_at < ?) OR
			(daily_reset_at IS NOT NULL AND daily_reset_at < ?) OR
			daily_reset_at IS NULL
		)`, cutoff.Format(time.RFC3339Nano), cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return nil, riskerr.Wrap(riskerr.InternalInvariantBroken, "query needing daily reset", err)
	}
	defer rows.Close()
	return scanStates(rows)
}

// QueryStale returns active accounts whose lastBalanceUpdate predates
// threshold.
func (s *Store) QueryStale(ctx context.Context, threshold time.Time) ([]domain.AccountState, error) {
	rows, err := s.db.DB.QueryContext(ctx, selectColumns+`
		WHERE active = 1 AND last_balance_update IS NOT NULL AND last_balance_update < ?`,
		threshold.Format(time.RFC3339Nano))
	if err != nil {
		return nil, riskerr.Wrap(riskerr.InternalInvariantBroken, "query stale", err)
	}
	defer rows.Close()
	return scanStates(rows)
}

const selectColumns = `
	SELECT client_id, venue, initial_balance, daily_start_balance, current_balance, previous_balance,
	       status, daily_blocked_at, permanent_blocked_at, daily_block_reason, permanent_block_reason,
	       last_balance_update, last_risk_check, daily_reset_at, active, session_epoch, created_at, updated_at
	FROM account_monitoring`

type scanner interface {
	Scan(dest ...any) error
}

func scanState(r scanner) (domain.AccountState, error) {
	var (
		st                                                     domain.AccountState
		venue, status                                          string
		dailyBlockedAt, permanentBlockedAt                     sql.NullString
		dailyBlockReason, permanentBlockReason                 sql.NullString
		lastBalanceUpdate, lastRiskCheck, dailyResetAt         sql.NullString
		active                                                 int
		createdAt, updatedAt                                   string
	)
	if err := r.Scan(
		&st.ClientID, &venue, &st.InitialBalance, &st.DailyStartBalance, &st.CurrentBalance, &st.PreviousBalance,
		&status, &dailyBlockedAt, &permanentBlockedAt, &dailyBlockReason, &permanentBlockReason,
		&lastBalanceUpdate, &lastRiskCheck, &dailyResetAt, &active, &st.SessionEpoch, &createdAt, &updatedAt,
	); err != nil {
		return domain.AccountState{}, err
	}

	st.Venue = domain.Venue(venue)
	st.Status = domain.Status(status)
	st.Active = active != 0
	st.DailyBlockReason = dailyBlockReason.String
	st.PermanentBlockReason = permanentBlockReason.String
	st.DailyBlockedAt = parseNullTime(dailyBlockedAt)
	st.PermanentBlockedAt = parseNullTime(permanentBlockedAt)
	if t := parseNullTime(lastBalanceUpdate); t != nil {
		st.LastBalanceUpdate = *t
	}
	if t := parseNullTime(lastRiskCheck); t != nil {
		st.LastRiskCheck = *t
	}
	if t := parseNullTime(dailyResetAt); t != nil {
		st.DailyResetAt = *t
	}
	st.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return st, nil
}

func scanStates(rows *sql.Rows) ([]domain.AccountState, error) {
	var out []domain.AccountState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertState(ctx context.Context, tx execContext, st domain.AccountState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO account_monitoring (
			client_id, venue, initial_balance, daily_start_balance, current_balance, previous_balance,
			status, daily_blocked_at, permanent_blocked_at, daily_block_reason, permanent_block_reason,
			last_balance_update, last_risk_check, daily_reset_at, active, session_epoch,
			daily_pnl, total_pnl, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			venue=excluded.venue, initial_balance=excluded.initial_balance,
			daily_start_balance=excluded.daily_start_balance, current_balance=excluded.current_balance,
			previous_balance=excluded.previous_balance, status=excluded.status,
			daily_blocked_at=excluded.daily_blocked_at, permanent_blocked_at=excluded.permanent_blocked_at,
			daily_block_reason=excluded.daily_block_reason, permanent_block_reason=excluded.permanent_block_reason,
			last_balance_update=excluded.last_balance_update, last_risk_check=excluded.last_risk_check,
			daily_reset_at=excluded.daily_reset_at, active=excluded.active, session_epoch=excluded.session_epoch,
			daily_pnl=excluded.daily_pnl, total_pnl=excluded.total_pnl, updated_at=excluded.updated_at`,
		st.ClientID, string(st.Venue), st.InitialBalance, st.DailyStartBalance, st.CurrentBalance, st.PreviousBalance,
		string(st.Status), formatNullTime(st.DailyBlockedAt), formatNullTime(st.PermanentBlockedAt),
		nullString(st.DailyBlockReason), nullString(st.PermanentBlockReason),
		st.LastBalanceUpdate.Format(time.RFC3339Nano), st.LastRiskCheck.Format(time.RFC3339Nano),
		st.DailyResetAt.Format(time.RFC3339Nano), boolToInt(st.Active), st.SessionEpoch,
		st.DailyPnl(), st.TotalPnl(), st.CreatedAt.Format(time.RFC3339Nano), st.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EncodePayload renders a notification payload to JSON text for storage.
func EncodePayload(payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}
