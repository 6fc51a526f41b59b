package models

import "time"

// CurveStatus is the state of a series' volatility curve.
type CurveStatus string

const (
	CurveReset     CurveStatus = "RESET"
	CurveIlliquid  CurveStatus = "ILLIQUID"
	CurveBadStats  CurveStatus = "BAD_STATS"
	CurveValuation CurveStatus = "VALUATION"
)

// Polynomial is y = A0 + A1*x + A2*x^2 + A3*x^3 truncated at Order.
type Polynomial struct {
	Coeffs [4]float64
	Order  int
}

// Eval evaluates the polynomial at x using Horner's scheme.
func (p Polynomial) Eval(x float64) float64 {
	y := 0.0
	for i := p.Order; i >= 0; i-- {
		y = y*x + p.Coeffs[i]
	}
	return y
}

// CurveQuality describes how well a fitted side matches its observations.
type CurveQuality struct {
	Observations int
	Correlation  float64
	StdError     float64
}

// CurveSnapshot is the published, read-only status of one series' curve.
type CurveSnapshot struct {
	Series       SecurityID
	Status       CurveStatus
	Bid          Polynomial
	Offer        Polynomial
	BidQuality   CurveQuality
	OfferQuality CurveQuality
	PreCount     int
	CurveCount   int
	UpdatedAt    time.Time
}

// Valuation reports whether the curve may be used for valuation.
func (c *CurveSnapshot) Valuation() bool {
	return c != nil && c.Status == CurveValuation
}
