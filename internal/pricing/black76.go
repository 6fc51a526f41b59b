// Package pricing implements Black-76 premiums, Greeks and implied volatility
// for options on futures.
package pricing

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"options-mm/internal/models"
)

var unitNormal = distuv.UnitNormal

// Scales are the unit multipliers applied to raw Greeks.
type Scales struct {
	Vega  float64
	Theta float64
	Gamma float64
	Vanna float64
	Vomma float64
}

// Inputs describe one option for pricing.
type Inputs struct {
	Future float64 // underlying future price
	Strike float64
	T      float64 // years to expiry
	Rate   float64
	Type   models.OptionType
}

// Valid reports whether the inputs can be priced.
func (in Inputs) Valid() bool {
	return in.Future > 0 && in.Strike > 0 && in.T > 0
}

// LogMoneyness returns ln(F/K).
func (in Inputs) LogMoneyness() float64 {
	return math.Log(in.Future / in.Strike)
}

// Discount returns exp(-rT).
func (in Inputs) Discount() float64 {
	return math.Exp(-in.Rate * in.T)
}

func (in Inputs) d1d2(sigma float64) (float64, float64) {
	sqrtT := math.Sqrt(in.T)
	d1 := (in.LogMoneyness() + 0.5*sigma*sigma*in.T) / (sigma * sqrtT)
	return d1, d1 - sigma*sqrtT
}

// Premium returns the Black-76 premium at volatility sigma. A non-positive
// sigma yields the discounted intrinsic value.
func Premium(in Inputs, sigma float64) float64 {
	if !in.Valid() {
		return 0
	}
	df := in.Discount()
	if sigma <= 0 {
		if in.Type == models.Call {
			return df * math.Max(in.Future-in.Strike, 0)
		}
		return df * math.Max(in.Strike-in.Future, 0)
	}

	d1, d2 := in.d1d2(sigma)
	if in.Type == models.Call {
		return df * (in.Future*unitNormal.CDF(d1) - in.Strike*unitNormal.CDF(d2))
	}
	return df * (in.Strike*unitNormal.CDF(-d2) - in.Future*unitNormal.CDF(-d1))
}

// RawVega returns dPremium/dSigma, unscaled.
func RawVega(in Inputs, sigma float64) float64 {
	if !in.Valid() || sigma <= 0 {
		return 0
	}
	d1, _ := in.d1d2(sigma)
	return in.Discount() * in.Future * unitNormal.Prob(d1) * math.Sqrt(in.T)
}

// Greeks returns the scaled sensitivities at volatility sigma.
func Greeks(in Inputs, sigma float64, s Scales) models.Greeks {
	if !in.Valid() || sigma <= 0 {
		return models.Greeks{}
	}

	df := in.Discount()
	sqrtT := math.Sqrt(in.T)
	d1, d2 := in.d1d2(sigma)
	pdf := unitNormal.Prob(d1)

	vega := df * in.Future * pdf * sqrtT
	g := models.Greeks{
		Gamma: s.Gamma * df * pdf / (in.Future * sigma * sqrtT),
		Vega:  s.Vega * vega,
		Vanna: s.Vanna * -df * pdf * d2 / sigma,
		Vomma: s.Vomma * vega * d1 * d2 / sigma,
	}

	decay := -df * in.Future * pdf * sigma / (2 * sqrtT)
	if in.Type == models.Call {
		g.Delta = df * unitNormal.CDF(d1)
	} else {
		g.Delta = -df * unitNormal.CDF(-d1)
	}
	g.Theta = s.Theta * (decay + in.Rate*Premium(in, sigma))
	return g
}

// YearFraction returns the time between now and expiry in years of daysInYear days.
func YearFraction(now, expiry time.Time, daysInYear float64) float64 {
	return expiry.Sub(now).Hours() / 24 / daysInYear
}
