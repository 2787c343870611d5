package risk

import (
	"testing"
	"time"

	"risk-core/internal/domain"
)

func baseState() domain.AccountState {
	now := time.Now().UTC()
	return domain.AccountState{
		ClientID:          "c1",
		InitialBalance:    10000,
		DailyStartBalance: 10000,
		CurrentBalance:    10000,
		Status:            domain.StatusNormal,
		LastBalanceUpdate: now,
	}
}

func TestEvaluate_SteadyState(t *testing.T) {
	s := baseState()
	s.CurrentBalance = 10010
	eval := Evaluate(s, domain.Absolute(200), domain.Percentage(10))
	if eval.Violated() {
		t.Fatalf("expected no violation, got %+v", eval)
	}
}

func TestEvaluate_DailyTrigger(t *testing.T) {
	s := baseState()
	s.CurrentBalance = 9799
	eval := Evaluate(s, domain.Absolute(200), domain.Percentage(10))
	if !eval.DailyViolated {
		t.Fatalf("expected daily violation, got %+v", eval)
	}
	if eval.MaxViolated {
		t.Fatalf("did not expect max violation at this loss, got %+v", eval)
	}
	if got, want := eval.DailyLoss, 201.0; !domain.MoneyEqual(got, want) {
		t.Fatalf("dailyLoss = %v, want %v", got, want)
	}
}

func TestEvaluate_MaxOutranksDaily(t *testing.T) {
	s := baseState()
	s.CurrentBalance = 9400
	eval := Evaluate(s, domain.Absolute(100), domain.Absolute(500))
	if !eval.MaxViolated {
		t.Fatalf("expected max violation, got %+v", eval)
	}
	winner, ok := eval.Winner()
	if !ok || winner != domain.ViolationMaxRisk {
		t.Fatalf("winner = %v, %v; want MAX_RISK", winner, ok)
	}
}

func TestEvaluate_ThresholdInclusive(t *testing.T) {
	s := baseState()
	s.CurrentBalance = 9000 // currentLoss == 1000 == maxThreshold exactly
	eval := Evaluate(s, domain.Absolute(10000), domain.Percentage(10))
	if !eval.MaxViolated {
		t.Fatalf("expected inclusive threshold to trigger, got %+v", eval)
	}
}

func TestEvaluate_ZeroBaseNeverTriggers(t *testing.T) {
	s := baseState()
	s.InitialBalance = 0
	s.CurrentBalance = -50 // would be a negative balance in practice, but Evaluate is pure and never throws
	eval := Evaluate(s, domain.Absolute(200), domain.Percentage(10))
	if eval.MaxViolated {
		t.Fatalf("percentage limit over zero base must never trigger, got %+v", eval)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	s := baseState()
	s.CurrentBalance = 9950
	a := Evaluate(s, domain.Absolute(200), domain.Percentage(10))
	b := Evaluate(s, domain.Absolute(200), domain.Percentage(10))
	if a != b {
		t.Fatalf("Evaluate is not deterministic: %+v vs %+v", a, b)
	}
}

func TestEvaluate_WarningBand(t *testing.T) {
	s := baseState()
	s.CurrentBalance = 9840 // dailyLoss = 160 = 0.8*200
	eval := Evaluate(s, domain.Absolute(200), domain.Percentage(100))
	if !eval.Warning {
		t.Fatalf("expected warning band to trip at 80%% of threshold, got %+v", eval)
	}
	if eval.DailyViolated {
		t.Fatalf("80%% of threshold must not itself violate, got %+v", eval)
	}
}
