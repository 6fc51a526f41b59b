package pricing

import "math"

const (
	// MaxIV is the upper bound of the volatility search bracket.
	MaxIV = 10.0

	maxIterations = 200
)

// ImpliedVol solves Premium(in, sigma) = premium by bisection on [0, MaxIV],
// stopping once the bracket is narrower than accuracy. A zero premium, or one
// at or below intrinsic, yields 0. A premium above the bracket yields MaxIV.
func ImpliedVol(in Inputs, premium, accuracy float64) float64 {
	if premium <= 0 || !in.Valid() {
		return 0
	}
	if premium <= Premium(in, 0) {
		return 0
	}
	if premium >= Premium(in, MaxIV) {
		return MaxIV
	}

	lo, hi := 0.0, MaxIV
	for i := 0; i < maxIterations && hi-lo > accuracy; i++ {
		mid := 0.5 * (lo + hi)
		if Premium(in, mid) > premium {
			hi = mid
		} else {
			lo = mid
		}
	}
	return 0.5 * (lo + hi)
}

// VolFromDelta finds the volatility at which N(d1) equals nd1 for the given
// log-moneyness m and time t, by solving 0.5*t*s^2 - d1*sqrt(t)*s + m = 0.
// The smaller root inside [lo, hi] is preferred; ok is false when neither
// root lands in range.
func VolFromDelta(nd1, m, t, lo, hi float64) (sigma float64, ok bool) {
	if nd1 <= 0 || nd1 >= 1 || t <= 0 {
		return 0, false
	}
	d1 := unitNormal.Quantile(nd1)
	sqrtT := math.Sqrt(t)

	a := 0.5 * t
	b := -d1 * sqrtT
	disc := b*b - 4*a*m
	if disc < 0 {
		return 0, false
	}
	root := math.Sqrt(disc)
	for _, s := range []float64{(-b - root) / (2 * a), (-b + root) / (2 * a)} {
		if s >= lo && s <= hi && s > 0 {
			return s, true
		}
	}
	return 0, false
}
