// Package models provides domain models shared by the valuation, curve and decision engines.
package models

import (
	"time"
)

// SecurityID is the stable arena index of a future, series or option.
type SecurityID uint32

// OptionType represents call or put.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// Moneyness represents the moneyness bucket of an option.
type Moneyness string

const (
	MoneynessATM     Moneyness = "ATM"
	MoneynessDeepITM Moneyness = "DEEP_ITM"
	MoneynessDeepOTM Moneyness = "DEEP_OTM"
)

// Regime selects which Greeks and pricing path are authoritative.
type Regime string

const (
	RegimeLiquid   Regime = "LIQUID"
	RegimeIlliquid Regime = "ILLIQUID"
)

// Role is a strategy role attached to an option.
type Role string

const (
	RoleRegular     Role = "regular"
	RoleMarketMaker Role = "market_maker"
	RoleVegaHedge   Role = "vega_hedge"
	RoleGammaHedge  Role = "gamma_hedge"
)

// AllRoles lists the strategy roles in evaluation order.
var AllRoles = []Role{RoleRegular, RoleMarketMaker, RoleVegaHedge, RoleGammaHedge}

// RecalcReason tells why a recalculation was requested.
type RecalcReason string

const (
	ReasonMarket   RecalcReason = "MARKET"
	ReasonPosition RecalcReason = "POSITION"
	ReasonConfig   RecalcReason = "CONFIG"
	ReasonTimer    RecalcReason = "TIMER"
	ReasonOrder    RecalcReason = "ORDER"
	ReasonManual   RecalcReason = "MANUAL"
)

// Quote represents the best bid/ask of an instrument.
type Quote struct {
	Bid       float64
	Ask       float64
	BidVolume int64
	AskVolume int64
	Timestamp time.Time
}

// Valid returns true if both sides are positive and not crossed.
func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Bid < q.Ask
}

// Mid returns the mid price.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread returns ask minus bid.
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// Greeks holds option sensitivities, already multiplied by the configured unit scalers.
type Greeks struct {
	Delta float64
	Vega  float64
	Gamma float64
	Theta float64
	Vanna float64
	Vomma float64
}

// IsZero reports whether every field is zero.
func (g Greeks) IsZero() bool {
	return g == Greeks{}
}

// Override returns g with every non-zero field of o copied over it.
func (g Greeks) Override(o Greeks) Greeks {
	if o.Delta != 0 {
		g.Delta = o.Delta
	}
	if o.Vega != 0 {
		g.Vega = o.Vega
	}
	if o.Gamma != 0 {
		g.Gamma = o.Gamma
	}
	if o.Theta != 0 {
		g.Theta = o.Theta
	}
	if o.Vanna != 0 {
		g.Vanna = o.Vanna
	}
	if o.Vomma != 0 {
		g.Vomma = o.Vomma
	}
	return g
}

// Portfolio holds the aggregate Greeks of the book, supplied per recalculation.
type Portfolio struct {
	Vega  float64
	Gamma float64
	Vanna float64
	Vomma float64
}

// RiskLimits holds the risk-derived volume caps and targets for one option.
type RiskLimits struct {
	VegaBuy     int
	VegaSell    int
	GammaBuy    int
	GammaSell   int
	VegaTarget  float64
	GammaTarget float64
}
