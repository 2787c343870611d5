// Package risk implements the pure risk-evaluation function the rest of
// the engine drives. It performs no I/O and touches no wall clock,
// generalizing the layered GLOBAL/STRATEGY threshold checks the teacher's
// risk manager performed into the single max/daily threshold pair this
// system evaluates.
package risk

import (
	"math"

	"risk-core/internal/domain"
)

// warningBand is the fraction of a threshold that triggers a soft WARNING,
// carried over from the teacher's getLimitLevel 80%-of-limit caution band.
const warningBand = 0.8

// Evaluation is the deterministic, clock-independent result of Evaluate.
type Evaluation struct {
	MaxViolated    bool
	DailyViolated  bool
	Warning        bool
	CurrentLoss    float64
	DailyLoss      float64
	MaxThreshold   float64
	DailyThreshold float64
}

// Violated reports whether either threshold was breached.
func (e Evaluation) Violated() bool { return e.MaxViolated || e.DailyViolated }

// Winner returns the violation type that takes precedence when both
// thresholds are breached: MAX_RISK always outranks DAILY_RISK (§4.4).
func (e Evaluation) Winner() (domain.ViolationType, bool) {
	switch {
	case e.MaxViolated:
		return domain.ViolationMaxRisk, true
	case e.DailyViolated:
		return domain.ViolationDailyRisk, true
	default:
		return "", false
	}
}

// Evaluate is the pure function of spec §4.4: given the current account
// state and the client's configured limits, it returns whether either
// threshold is breached. It never throws; degenerate inputs (zero/negative
// base balances) simply resolve to a threshold of +Inf, which cannot
// trigger.
func Evaluate(state domain.AccountState, dailyRisk, maxRisk domain.RiskLimit) Evaluation {
	maxThreshold := maxRisk.Resolve(state.InitialBalance)
	dailyThreshold := dailyRisk.Resolve(state.DailyStartBalance)

	currentLoss := math.Max(0, state.InitialBalance-state.CurrentBalance)
	dailyLoss := math.Max(0, state.DailyStartBalance-state.CurrentBalance)

	maxViolated := domain.MoneyGTE(currentLoss, maxThreshold) && !math.IsInf(maxThreshold, 1)
	dailyViolated := domain.MoneyGTE(dailyLoss, dailyThreshold) && !math.IsInf(dailyThreshold, 1)

	warning := (!math.IsInf(maxThreshold, 1) && domain.MoneyGTE(currentLoss, warningBand*maxThreshold)) ||
		(!math.IsInf(dailyThreshold, 1) && domain.MoneyGTE(dailyLoss, warningBand*dailyThreshold))

	return Evaluation{
		MaxViolated:    maxViolated,
		DailyViolated:  dailyViolated,
		Warning:        warning,
		CurrentLoss:    currentLoss,
		DailyLoss:      dailyLoss,
		MaxThreshold:   maxThreshold,
		DailyThreshold: dailyThreshold,
	}
}
