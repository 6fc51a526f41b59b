package valuation

import (
	"math"

	"options-mm/internal/config"
	"options-mm/internal/logging"
	"options-mm/internal/models"
)

// deriveStrategies computes the per-role thresholds, order spread and shift
// the decision engine reads from the snapshot.
func (m *Model) deriveStrategies(t *tick, roles []models.Role) {
	s := t.snap
	for _, r := range roles {
		sp := m.params.Strategy(r)

		d := models.StrategyDerived{}
		band := sp.IllIVBand*s.IllIV + sp.IllIVOffset
		d.IllIVLow = math.Max(s.IllIV-band, 0)
		d.IllIVHigh = s.IllIV + band

		if s.Liquid() {
			d.ChangeWide = math.Max(sp.ChangeWideMin, sp.ChangeWideCoef*s.ValuationSpread)
			d.ChangeNarrow = math.Max(sp.ChangeNarrowMin, sp.ChangeNarrowCoef*s.ValuationSpread)
			if r == models.RoleMarketMaker {
				d.OrderSpread, d.OrderShift = m.marketMakerQuote(t, sp)
			} else {
				d.OrderSpread = sp.SpreadCoef * s.ValuationSpread
				d.OrderShift = sp.ShiftCoef * s.ValuationSpread
			}
			d.TradingAllowedByLiquidity = s.CurrentSpread >= sp.MinTradeSpread &&
				(sp.MaxTradeSpread == 0 || s.CurrentSpread <= sp.MaxTradeSpread)
		} else {
			d.ChangeWide = sp.IllChangeWide
			d.ChangeNarrow = sp.IllChangeNarrow
			d.OrderSpread = sp.IllMinSpread
			d.TradingAllowedByLiquidity = sp.IlliquidTrading || (sp.IlliquidCurveTrading && s.CurveValid)
		}

		s.Strategies[r] = d

		before, seen := t.prev.Derived(r)
		if !seen || before.TradingAllowedByLiquidity != d.TradingAllowedByLiquidity {
			logging.LogTradingAllowedChange(m.logger, r, d.TradingAllowedByLiquidity, s.Regime)
		}
	}
}

// marketMakerQuote sizes the quote from the obligation spread and biases it
// toward reducing vega, then vanna, exposure outside the configured bands.
func (m *Model) marketMakerQuote(t *tick, sp config.StrategyParams) (spread, shift float64) {
	ob := t.in.Obligation.Spread
	if ob <= 0 {
		ob = t.snap.ValuationSpread
	}
	spread = sp.SpreadCoef * ob
	return spread, ExposureBias(t.in.Portfolio, m.params.Future) * sp.BiasShiftCoef * spread
}

// ExposureBias returns -1 when the book is long vega (or, with vega inside its
// band, long vanna) beyond the configured band, +1 when short beyond it, and 0
// otherwise. A negative bias lowers quotes to favour selling.
func ExposureBias(p models.Portfolio, f config.FutureParams) float64 {
	switch {
	case p.Vega > f.VegaLongBand:
		return -1
	case p.Vega < -f.VegaShortBand:
		return 1
	case p.Vanna > f.VannaLongBand:
		return -1
	case p.Vanna < -f.VannaShortBand:
		return 1
	default:
		return 0
	}
}
