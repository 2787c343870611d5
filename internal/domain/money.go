package domain

import "math"

// moneyEpsilon is the tolerance used for money comparisons, matching the
// 0.0001 tolerance the teacher's reconciliation service uses to diff
// positions.
const moneyEpsilon = 0.0001

// MoneyEqual reports whether a and b are the same balance within
// tolerance, avoiding naive float equality on money values.
func MoneyEqual(a, b float64) bool {
	return math.Abs(a-b) < moneyEpsilon
}

// MoneyGTE reports whether a >= b within tolerance (a == b counts as
// satisfied, matching the spec's "threshold is inclusive" boundary rule).
func MoneyGTE(a, b float64) bool {
	return a > b || MoneyEqual(a, b)
}
