// Package scheduler implements the Scheduler (spec §4.6): stale-feed
// detection and the daily reset at a configured wall-clock instant, with
// missed-firing catch-up on startup. Per-client poll ticking itself lives
// in internal/feed's Multiplexer (see DESIGN.md); this package owns the
// cross-client sweeps that have no natural per-client owner. Grounded on
// the teacher's internal/reconciliation/service.go ticker-driven sweep
// pattern.
package scheduler

import (
	"context"
	"log"
	"time"

	"risk-core/internal/domain"
	"risk-core/internal/notify"
	"risk-core/internal/riskerr"
	"risk-core/internal/store"
)

// Config tunes the stale-check cadence, staleness threshold, and daily
// reset wall-clock instant (spec §6 monitoring.staleThreshold /
// monitoring.resetCron).
type Config struct {
	StaleCheckInterval time.Duration
	StaleThreshold     time.Duration
	ResetHour          int
	ResetMinute        int
}

// DefaultConfig matches the spec's defaults (reset at 00:01 UTC).
func DefaultConfig() Config {
	return Config{
		StaleCheckInterval: 20 * time.Second,
		StaleThreshold:     20 * time.Second,
		ResetHour:          0,
		ResetMinute:        1,
	}
}

// Scheduler runs the stale detector and the daily reset sweep.
type Scheduler struct {
	store *store.Store
	bus   *notify.Bus
	cfg   Config
}

// New builds a Scheduler.
func New(st *store.Store, bus *notify.Bus, cfg Config) *Scheduler {
	return &Scheduler{store: st, bus: bus, cfg: cfg}
}

// Run starts both sweeps as background goroutines; they exit when ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.runStaleDetector(ctx)
	go s.runDailyReset(ctx)
}

// runStaleDetector scans QueryStale on a fixed interval and emits one
// MONITORING_ERROR notification per stall window per client (spec §8
// scenario 6): a client already notified for the current stall is not
// renotified until it stops appearing stale.
func (s *Scheduler) runStaleDetector(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StaleCheckInterval)
	defer ticker.Stop()

	notified := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStale(ctx, notified)
		}
	}
}

func (s *Scheduler) sweepStale(ctx context.Context, notified map[string]bool) {
	cutoff := time.Now().UTC().Add(-s.cfg.StaleThreshold)
	stale, err := s.store.QueryStale(ctx, cutoff)
	if err != nil {
		log.Printf("scheduler: query stale: %v", err)
		return
	}

	current := make(map[string]bool, len(stale))
	for _, acct := range stale {
		current[acct.ClientID] = true
		if notified[acct.ClientID] {
			continue
		}
		notified[acct.ClientID] = true
		if err := s.bus.Publish(ctx, domain.Notification{
			EventBase: domain.EventBase{ClientID: acct.ClientID, Venue: acct.Venue, Timestamp: time.Now().UTC()},
			Kind:      domain.KindMonitoringError,
			Priority:  domain.PriorityHigh,
			Payload:   map[string]any{"reason": "feed stale", "lastBalanceUpdate": acct.LastBalanceUpdate},
		}); err != nil {
			log.Printf("scheduler: publish stale notification for %s failed: %v", acct.ClientID, err)
		}
	}
	for id := range notified {
		if !current[id] {
			delete(notified, id)
		}
	}
}

// runDailyReset fires an immediate catch-up sweep if today's reset
// window has already passed, then loops, sleeping until each day's
// configured instant.
func (s *Scheduler) runDailyReset(ctx context.Context) {
	s.maybeCatchUp(ctx)
	for {
		next := s.nextResetTime(time.Now().UTC())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.fireDailyReset(ctx)
		}
	}
}

func (s *Scheduler) nextResetTime(now time.Time) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.ResetHour, s.cfg.ResetMinute, 0, 0, time.UTC)
	if !candidate.After(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}

// currentResetBoundary returns the most recently passed scheduled reset
// instant at or before now — today's window if it has already opened,
// otherwise yesterday's. fireDailyReset uses this, not wall-clock now, as
// the QueryNeedingDailyReset cutoff: an account already reset since this
// boundary must stay excluded even though "now" keeps advancing, which is
// what makes a mid-day process restart's catch-up sweep idempotent.
func (s *Scheduler) currentResetBoundary(now time.Time) time.Time {
	boundary := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.ResetHour, s.cfg.ResetMinute, 0, 0, time.UTC)
	if now.Before(boundary) {
		boundary = boundary.Add(-24 * time.Hour)
	}
	return boundary
}

// maybeCatchUp fires the reset sweep immediately if the scheduled window
// already passed today before the process started. The sweep itself is
// idempotent (QueryNeedingDailyReset excludes accounts already reset
// today), so an extra call here is harmless.
func (s *Scheduler) maybeCatchUp(ctx context.Context) {
	now := time.Now().UTC()
	todayReset := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.ResetHour, s.cfg.ResetMinute, 0, 0, time.UTC)
	if now.After(todayReset) {
		s.fireDailyReset(ctx)
	}
}

func (s *Scheduler) fireDailyReset(ctx context.Context) {
	cutoff := s.currentResetBoundary(time.Now().UTC())
	accounts, err := s.store.QueryNeedingDailyReset(ctx, cutoff)
	if err != nil {
		log.Printf("scheduler: query needing daily reset: %v", err)
		return
	}

	for _, acct := range accounts {
		if acct.Status == domain.StatusPermanentBlocked {
			continue
		}

		next, err := s.store.Update(ctx, acct.ClientID, resetMutator())
		if err != nil {
			log.Printf("scheduler: daily reset for %s failed: %v", acct.ClientID, err)
			continue
		}

		if err := s.bus.Publish(ctx, domain.Notification{
			EventBase: domain.EventBase{ClientID: next.ClientID, Venue: next.Venue, Timestamp: time.Now().UTC()},
			Kind:      domain.KindDailyReset,
			Priority:  domain.PriorityNormal,
			Payload:   map[string]any{"dailyStartBalance": next.DailyStartBalance},
		}); err != nil {
			log.Printf("scheduler: publish daily reset notification for %s failed: %v", next.ClientID, err)
		}
	}
}

func resetMutator() store.Mutator {
	return func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
		if !exists {
			return domain.AccountState{}, "", riskerr.New(riskerr.StorePreconditionFailed, "no account state to reset")
		}
		next := current
		if next.Status == domain.StatusDailyBlocked {
			next.Status = domain.StatusNormal
		}
		next.DailyBlockedAt = nil
		next.DailyBlockReason = ""
		next.DailyStartBalance = next.CurrentBalance
		next.DailyResetAt = time.Now().UTC()
		return next, "daily reset", nil
	}
}
