// Package domain holds the plain value types shared by every component of
// the risk engine: clients, risk limits, account state, and the event
// objects that flow between the feed, the evaluator, the executor, and the
// notification bus.
package domain

import (
	"math"
	"time"
)

// Venue tags the external exchange a client trades on.
type Venue string

const (
	VenueFutures Venue = "FUTURES"
	VenueSpot    Venue = "SPOT"
)

// RiskLimitType distinguishes the two shapes a RiskLimit can take.
type RiskLimitType string

const (
	RiskLimitPercentage RiskLimitType = "PERCENTAGE"
	RiskLimitAbsolute   RiskLimitType = "ABSOLUTE"
)

// RiskLimit is a tagged variant: either a percentage of some base balance
// or an absolute currency amount. Immutable once observed by the engine
// during a monitoring session; changing it requires a session restart.
type RiskLimit struct {
	Type  RiskLimitType
	Value float64
}

// Percentage builds a PERCENTAGE risk limit. p should be in (0, 100].
func Percentage(p float64) RiskLimit { return RiskLimit{Type: RiskLimitPercentage, Value: p} }

// Absolute builds an ABSOLUTE risk limit. a should be > 0.
func Absolute(a float64) RiskLimit { return RiskLimit{Type: RiskLimitAbsolute, Value: a} }

// Resolve computes the threshold this limit represents against base.
// A non-positive base on a percentage limit degrades to +Inf so it can
// never trigger, matching the evaluator's never-throws contract.
func (l RiskLimit) Resolve(base float64) float64 {
	switch l.Type {
	case RiskLimitAbsolute:
		return l.Value
	case RiskLimitPercentage:
		if base <= 0 {
			return math.Inf(1)
		}
		return base * l.Value / 100
	default:
		return math.Inf(1)
	}
}

// Client is the engine's read-only view of an account owned by
// UserDirectory. Credentials are resolved separately, by ClientID,
// through CredentialResolver — for a single ActionExecutor run, and by
// Coordinator.StartMonitoring for the life of the client's feed
// subscription.
type Client struct {
	ClientID       string
	Venue          Venue
	InitialBalance float64
	DailyRisk      RiskLimit
	MaxRisk        RiskLimit
}

// Status is the lifecycle state of an AccountState record.
type Status string

const (
	StatusNormal           Status = "NORMAL"
	StatusWarning          Status = "WARNING"
	StatusDailyBlocked     Status = "DAILY_BLOCKED"
	StatusPermanentBlocked Status = "PERMANENT_BLOCKED"
	StatusMonitoringError  Status = "MONITORING_ERROR"
)

// AccountState is the per-client monitoring record owned exclusively by
// AccountStateStore. No component may mutate its fields directly; every
// change flows through Store.Update's mutator function.
type AccountState struct {
	ClientID string
	Venue    Venue

	InitialBalance     float64
	DailyStartBalance  float64
	CurrentBalance     float64
	PreviousBalance    float64

	Status Status

	DailyBlockedAt      *time.Time
	PermanentBlockedAt  *time.Time
	DailyBlockReason    string
	PermanentBlockReason string

	LastBalanceUpdate time.Time
	LastRiskCheck     time.Time
	DailyResetAt      time.Time

	Active       bool
	SessionEpoch int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalPnl is currentBalance - initialBalance, recomputed on demand.
func (s AccountState) TotalPnl() float64 { return s.CurrentBalance - s.InitialBalance }

// DailyPnl is currentBalance - dailyStartBalance, recomputed on demand.
func (s AccountState) DailyPnl() float64 { return s.CurrentBalance - s.DailyStartBalance }

// CanTrade is false iff the account is blocked for the day or forever.
func (s AccountState) CanTrade() bool {
	return s.Status != StatusDailyBlocked && s.Status != StatusPermanentBlocked
}

// BalanceSource identifies how a BalanceUpdate was produced.
type BalanceSource string

const (
	SourceStream BalanceSource = "STREAM"
	SourcePoll   BalanceSource = "POLL"
	SourceManual BalanceSource = "MANUAL"
)

// EventBase carries the fields every typed event object shares.
type EventBase struct {
	EventID   string
	ClientID  string
	Venue     Venue
	Timestamp time.Time
}

// BalanceUpdate reports a new balance observed for a client.
type BalanceUpdate struct {
	EventBase
	NewBalance      float64
	PreviousBalance float64
	Source          BalanceSource
}

// ViolationType distinguishes which threshold a RiskViolation crossed.
type ViolationType string

const (
	ViolationDailyRisk ViolationType = "DAILY_RISK"
	ViolationMaxRisk   ViolationType = "MAX_RISK"
)

// RiskViolation reports a threshold breach detected by RiskEvaluator.
type RiskViolation struct {
	EventBase
	ViolationType ViolationType
	Loss          float64
	Threshold     float64
}

// ActionOutcome is the aggregate result of closing one client's positions
// during a single violation workflow.
type ActionOutcome struct {
	EventBase
	ClosedPositionIDs []string
	FailedPositionIDs []string
	TotalClosedValue  float64
}

// Priority ranks a Notification's urgency.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// NotificationKind enumerates the wire-level event kinds §6 defines.
type NotificationKind string

const (
	KindMaxRiskTriggered   NotificationKind = "MAX_RISK_TRIGGERED"
	KindDailyRiskTriggered NotificationKind = "DAILY_RISK_TRIGGERED"
	KindBalanceUpdate      NotificationKind = "BALANCE_UPDATE"
	KindMonitoringError    NotificationKind = "MONITORING_ERROR"
	KindPositionClosed     NotificationKind = "POSITION_CLOSED"
	KindAccountBlocked     NotificationKind = "ACCOUNT_BLOCKED"
	KindDailyReset         NotificationKind = "DAILY_RESET"
	KindSystemEvent        NotificationKind = "SYSTEM_EVENT"
)

// Notification is the one wire-level notification schema. §9 flags the
// teacher source's two divergent notification definitions as a bug; this
// is deliberately the single replacement.
type Notification struct {
	EventBase
	Kind     NotificationKind
	Priority Priority
	Payload  map[string]any
}
