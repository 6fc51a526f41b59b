package models

import "time"

// ResetKind identifies which condition last snapped market IV to current IV.
type ResetKind string

const (
	ResetNone         ResetKind = ""
	ResetInitial      ResetKind = "INITIAL"
	ResetAggressive   ResetKind = "AGGRESSIVE"
	ResetConservative ResetKind = "CONSERVATIVE"
	ResetQuoteVolume  ResetKind = "QUOTE_VOLUME"
	ResetDealVolume   ResetKind = "DEAL_VOLUME"
	ResetTime         ResetKind = "TIME"
)

// StrategyDerived holds the per-role parameters derived during a valuation update.
type StrategyDerived struct {
	ChangeWide                float64 // price steps
	ChangeNarrow              float64 // price steps
	OrderSpread               float64 // price steps
	OrderShift                float64 // price steps, signed
	IllIVLow                  float64
	IllIVHigh                 float64
	TradingAllowedByLiquidity bool
}

// ModelSnapshot is the immutable result of one valuation update. Once
// published it is never mutated; readers see either the old or the new one.
type ModelSnapshot struct {
	Option   SecurityID
	Time     time.Time
	Quote    Quote
	Future   Quote
	Position int

	LogMoneyness float64
	Moneyness    Moneyness
	TimeToExpiry float64 // years
	DaysToExpiry float64

	IVBid         float64
	IVOffer       float64
	MarketIVBid   float64
	MarketIVOffer float64
	MarketIVSet   bool
	IllIV         float64
	CurveIVBid    float64
	CurveIVOffer  float64
	CurveValid    bool

	IllGreeks   Greeks
	CurveGreeks Greeks
	CalcGreeks  Greeks
	Greeks      Greeks
	// RawVega is the unscaled premium sensitivity to a 1.0 change of volatility
	// at the authoritative IV, used to convert IV moves into price steps.
	RawVega float64

	MarketPriceBid   float64
	MarketPriceOffer float64
	CurvePriceBid    float64
	CurvePriceOffer  float64

	Regime          Regime
	CurrentSpread   float64 // price steps
	MarketSpread    float64 // price steps
	ValuationSpread float64 // price steps

	LastReset         ResetKind
	LastResetTime     time.Time
	LastDealTime      time.Time
	AggressiveSince   time.Time
	ConservativeSince time.Time
	BidVolumeSince    time.Time
	OfferVolumeSince  time.Time

	Strategies map[Role]StrategyDerived

	Success bool
	Error   string
}

// Liquid reports whether the snapshot was computed in the liquid regime.
func (s *ModelSnapshot) Liquid() bool {
	return s != nil && s.Regime == RegimeLiquid
}

// Derived returns the derived parameters of a role.
func (s *ModelSnapshot) Derived(role Role) (StrategyDerived, bool) {
	if s == nil || s.Strategies == nil {
		return StrategyDerived{}, false
	}
	d, ok := s.Strategies[role]
	return d, ok
}
