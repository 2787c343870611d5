// Package action implements ActionExecutor (spec §4.5): the six-step
// workflow that runs when RiskEvaluator reports a violation — acquire the
// per-client action slot, resolve credentials, flatten positions at the
// venue, commit the resulting account state, publish notifications, and
// release the slot. Grounded on the teacher's internal/order/async_executor.go
// for the bounded-retry-with-backoff shape and internal/gateway/manager.go
// for the credential-then-adapter-call sequencing.
package action

import (
	"context"
	"fmt"
	"log"
	"time"

	"risk-core/internal/domain"
	"risk-core/internal/metrics"
	"risk-core/internal/notify"
	"risk-core/internal/riskerr"
	"risk-core/internal/store"
	"risk-core/internal/venue/common"
)

// RetryConfig bounds step 3's close retry loop (spec §7: TransientNetwork
// and Throttled are retried with backoff up to a bounded attempt count).
// Step 5 publishes once; delivery retries there belong to notify.Bus.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig matches ACTION_CLOSE_RETRY_MAX's default (spec §6).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// Executor runs the violation-response workflow for one client at a time;
// callers (the Coordinator) are responsible for not invoking it
// concurrently for the same clientId — the slot registry is the backstop
// if they do anyway.
type Executor struct {
	slots      *SlotRegistry
	resolver   *CredentialResolver
	store      *store.Store
	bus        *notify.Bus
	retry      RetryConfig
	adapterFor func(domain.Venue) (common.Adapter, bool)
	metrics    *metrics.Metrics
	nodeID     string
}

// SetMetrics attaches an optional metrics sink; nil (the default) disables
// instrumentation entirely.
func (e *Executor) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// ClearEpochSlots drops every action-slot entry recorded under the given
// sessionEpoch for clientID. The Coordinator calls this right after
// bumping a client's sessionEpoch in StartMonitoring, so terminal slots
// from a prior monitoring session don't accumulate in the registry
// forever across repeated start/stop/restart cycles.
func (e *Executor) ClearEpochSlots(clientID string, epoch int64) {
	e.slots.ClearEpoch(clientID, epoch)
}

// SetNodeID tags this Executor's action-attempt IDs with a stable
// per-machine identifier, so the retry log lines from a multi-instance
// deployment can be traced back to the instance that ran them. Empty (the default) omits the tag entirely.
func (e *Executor) SetNodeID(nodeID string) { e.nodeID = nodeID }

// attemptID builds the identifier threaded through this run's retry log
// lines: nodeId/clientId/sessionEpoch, unique enough to grep a single
// action attempt out of a shared log stream.
func (e *Executor) attemptID(clientID string, sessionEpoch int64) string {
	if e.nodeID == "" {
		return fmt.Sprintf("%s/%d", clientID, sessionEpoch)
	}
	return fmt.Sprintf("%s/%s/%d", e.nodeID, clientID, sessionEpoch)
}

// NewExecutor builds an Executor. adapterFor resolves a client's venue to
// its ExchangeAdapter; it returns ok=false for an unconfigured venue.
func NewExecutor(
	slots *SlotRegistry,
	resolver *CredentialResolver,
	st *store.Store,
	bus *notify.Bus,
	retry RetryConfig,
	adapterFor func(domain.Venue) (common.Adapter, bool),
) *Executor {
	return &Executor{slots: slots, resolver: resolver, store: st, bus: bus, retry: retry, adapterFor: adapterFor}
}

// Outcome is what a completed Run produced, for callers that want to log
// or assert on it (mainly tests).
type Outcome struct {
	Skipped  bool
	Reason   string
	State    domain.AccountState
	Result   domain.ActionOutcome
}

// Run executes the six-step workflow for a single detected violation.
// client carries the static account configuration (credential handle,
// limits); violation is what RiskEvaluator reported for the current
// session epoch.
func (e *Executor) Run(ctx context.Context, client domain.Client, sessionEpoch int64, violation domain.RiskViolation) (Outcome, error) {
	// Step 1: acquire the action slot.
	switch e.slots.Acquire(client.ClientID, sessionEpoch, violation.ViolationType) {
	case InFlight:
		return Outcome{Skipped: true, Reason: "action already in flight"}, nil
	case AlreadyDone:
		return Outcome{Skipped: true, Reason: "action already completed for this violation"}, nil
	}

	if e.metrics != nil {
		timer := metrics.NewTimer(e.metrics.ActionLatency)
		defer timer.Stop()
	}

	var failed bool
	defer func() {
		status := SlotDone
		if failed {
			status = SlotFailed
			if e.metrics != nil {
				e.metrics.IncrementActionsFailed()
			}
		} else if e.metrics != nil {
			e.metrics.IncrementActionsExecuted()
		}
		e.slots.Release(client.ClientID, sessionEpoch, status)
	}()

	// Step 2: resolve credentials.
	e.slots.Transition(client.ClientID, sessionEpoch, SlotClosing)
	creds, err := e.resolver.Resolve(ctx, client.ClientID)
	if err != nil {
		failed = true
		e.escalate(ctx, client, "credential resolution failed: "+err.Error())
		return Outcome{}, err
	}

	adapter, ok := e.adapterFor(client.Venue)
	if !ok {
		failed = true
		err := riskerr.New(riskerr.InvalidInput, fmt.Sprintf("no adapter configured for venue %s", client.Venue))
		e.escalate(ctx, client, err.Error())
		return Outcome{}, err
	}

	// Step 3: flatten positions at the venue, with bounded retry on
	// transient failures.
	closed, err := e.retryClose(ctx, e.attemptID(client.ClientID, sessionEpoch), adapter, creds)
	if err != nil {
		failed = true
		e.escalate(ctx, client, "close positions failed: "+err.Error())
		return Outcome{}, err
	}

	// Step 4: commit the account state transition. store.Update already
	// serializes per clientId and retries internally are unnecessary here
	// since there is exactly one writer (this Executor, itself
	// slot-serialized) per (clientId, sessionEpoch).
	e.slots.Transition(client.ClientID, sessionEpoch, SlotBlocking)
	next, err := e.store.Update(ctx, client.ClientID, blockMutator(violation, closed))
	if err != nil {
		failed = true
		e.escalate(ctx, client, "commit blocked state failed: "+err.Error())
		return Outcome{}, err
	}

	// Step 5: publish RiskViolation + ActionOutcome notifications.
	e.slots.Transition(client.ClientID, sessionEpoch, SlotPublishing)
	outcome := domain.ActionOutcome{
		EventBase:         domain.EventBase{ClientID: client.ClientID, Venue: client.Venue, Timestamp: time.Now().UTC()},
		ClosedPositionIDs: closed.ClosedPositionIDs,
		FailedPositionIDs: closed.FailedPositionIDs,
		TotalClosedValue:  closed.TotalClosedValue,
	}
	e.publishViolationNotifications(ctx, client, violation, outcome)

	return Outcome{State: next, Result: outcome}, nil
}

// retryClose retries CloseAllPositions on retryable taxonomy kinds up to
// e.retry.MaxAttempts, backing off by BaseDelay * 2^attempt. Grounded on
// async_executor.go's exponential-backoff retry loop.
func (e *Executor) retryClose(ctx context.Context, attemptID string, adapter common.Adapter, creds common.Credentials) (common.ClosedPositions, error) {
	var lastErr error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		closed, err := adapter.CloseAllPositions(ctx, creds)
		if err == nil {
			return closed, nil
		}
		lastErr = err
		if !riskerr.Retryable(riskerr.KindOf(err)) {
			return common.ClosedPositions{}, err
		}
		log.Printf("action[%s]: close attempt %d/%d failed, retrying: %v", attemptID, attempt+1, e.retry.MaxAttempts, err)
		select {
		case <-ctx.Done():
			return common.ClosedPositions{}, ctx.Err()
		case <-time.After(e.retry.BaseDelay * time.Duration(1<<uint(attempt))):
		}
	}
	return common.ClosedPositions{}, lastErr
}

// blockMutator builds the store.Mutator that commits a violation's
// resulting block (spec §4.5 step 4 / §3 invariants: dailyBlockedAt and
// permanentBlockedAt are set exactly once, by whichever violation type
// triggers first).
func blockMutator(violation domain.RiskViolation, closed common.ClosedPositions) store.Mutator {
	return func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
		if !exists {
			return domain.AccountState{}, "", riskerr.New(riskerr.StorePreconditionFailed, "no account state to block")
		}
		next := current
		now := time.Now().UTC()
		reason := fmt.Sprintf("%s breach: loss %.2f >= threshold %.2f", violation.ViolationType, violation.Loss, violation.Threshold)

		switch violation.ViolationType {
		case domain.ViolationDailyRisk:
			if next.Status != domain.StatusPermanentBlocked {
				next.Status = domain.StatusDailyBlocked
				if next.DailyBlockedAt == nil {
					next.DailyBlockedAt = &now
					next.DailyBlockReason = reason
				}
			}
		case domain.ViolationMaxRisk:
			next.Status = domain.StatusPermanentBlocked
			if next.PermanentBlockedAt == nil {
				next.PermanentBlockedAt = &now
				next.PermanentBlockReason = reason
			}
		}
		_ = closed
		return next, reason, nil
	}
}

// publishViolationNotifications emits the RISK_TRIGGERED and
// POSITION_CLOSED notifications for a completed action run. Publish
// failures are logged, not escalated: the audit log inside notify.Bus is
// the durability guarantee of last resort (spec §4.7).
func (e *Executor) publishViolationNotifications(ctx context.Context, client domain.Client, violation domain.RiskViolation, outcome domain.ActionOutcome) {
	kind := domain.KindMaxRiskTriggered
	if violation.ViolationType == domain.ViolationDailyRisk {
		kind = domain.KindDailyRiskTriggered
	}

	if err := e.bus.Publish(ctx, domain.Notification{
		EventBase: domain.EventBase{ClientID: client.ClientID, Venue: client.Venue, Timestamp: time.Now().UTC()},
		Kind:      kind,
		Priority:  domain.PriorityCritical,
		Payload: map[string]any{
			"loss":      violation.Loss,
			"threshold": violation.Threshold,
		},
	}); err != nil {
		log.Printf("action: publish violation notification for %s failed: %v", client.ClientID, err)
	}

	if err := e.bus.Publish(ctx, domain.Notification{
		EventBase: domain.EventBase{ClientID: client.ClientID, Venue: client.Venue, Timestamp: time.Now().UTC()},
		Kind:      domain.KindPositionClosed,
		Priority:  domain.PriorityHigh,
		Payload: map[string]any{
			"closedPositionIds": outcome.ClosedPositionIDs,
			"failedPositionIds": outcome.FailedPositionIDs,
			"totalClosedValue":  outcome.TotalClosedValue,
		},
	}); err != nil {
		log.Printf("action: publish position-closed notification for %s failed: %v", client.ClientID, err)
	}
}

// escalate moves the account into MONITORING_ERROR and publishes a
// MONITORING_ERROR notification when the workflow cannot complete (spec
// §4.5's escalation path: a failed action must never leave the account
// silently unprotected).
func (e *Executor) escalate(ctx context.Context, client domain.Client, reason string) {
	_, err := e.store.Update(ctx, client.ClientID, func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
		if !exists {
			return domain.AccountState{}, "", riskerr.New(riskerr.StorePreconditionFailed, "no account state to escalate")
		}
		next := current
		next.Status = domain.StatusMonitoringError
		return next, "monitoring error: " + reason, nil
	})
	if err != nil {
		log.Printf("action: escalate %s to MONITORING_ERROR failed: %v", client.ClientID, err)
	}

	if pubErr := e.bus.Publish(ctx, domain.Notification{
		EventBase: domain.EventBase{ClientID: client.ClientID, Venue: client.Venue, Timestamp: time.Now().UTC()},
		Kind:      domain.KindMonitoringError,
		Priority:  domain.PriorityCritical,
		Payload:   map[string]any{"reason": reason},
	}); pubErr != nil {
		log.Printf("action: publish monitoring-error notification for %s failed: %v", client.ClientID, pubErr)
	}
}
