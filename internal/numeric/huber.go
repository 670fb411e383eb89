package numeric

import "math"

// DefaultHuberK is the usual Huber tuning constant (95% efficiency at the normal).
const DefaultHuberK = 1.345

// HuberPsi returns the Huber influence function at u.
func HuberPsi(u, k float64) float64 {
	if math.Abs(u) <= k {
		return u
	}
	return math.Copysign(k, u)
}

// HuberDerivative returns psi'(u).
func HuberDerivative(u, k float64) float64 {
	if math.Abs(u) <= k {
		return 1
	}
	return 0
}

// HuberWeight returns psi(u)/u, the IRLS weight for a standardized residual.
func HuberWeight(u, k float64) float64 {
	a := math.Abs(u)
	if a <= k {
		return 1
	}
	return k / a
}
