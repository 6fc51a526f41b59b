package decision

import (
	"math"

	"github.com/shopspring/decimal"

	"options-mm/internal/config"
	"options-mm/internal/models"
	"options-mm/internal/pricing"
)

// quote is an unrounded buy/sell price pair for the open legs.
type quote struct {
	buy, sell float64
}

func (q quote) valid() bool {
	return q.buy > 0 && q.sell > 0
}

// liquidQuote builds the market and curve candidates around their mid
// valuation prices and picks one, or the more conservative of both.
func liquidQuote(snap *models.ModelSnapshot, d models.StrategyDerived, sp config.StrategyParams, step float64) quote {
	around := func(bid, offer float64) quote {
		if bid <= 0 || offer <= 0 {
			return quote{}
		}
		center := (bid+offer)/2 + d.OrderShift*step
		half := d.OrderSpread * step / 2
		return quote{
			buy:  center - half - sp.BuyShift*step,
			sell: center + half + sp.SellShift*step,
		}
	}

	market := around(snap.MarketPriceBid, snap.MarketPriceOffer)
	var curve quote
	if snap.CurveValid {
		curve = around(snap.CurvePriceBid, snap.CurvePriceOffer)
	}

	switch {
	case sp.CurveOrdering:
		return curve
	case sp.CurveControl && sp.MarketControl && curve.valid() && market.valid():
		return quote{buy: math.Min(market.buy, curve.buy), sell: math.Max(market.sell, curve.sell)}
	case sp.CurveControl && !sp.MarketControl && curve.valid():
		return curve
	default:
		return market
	}
}

// illiquidQuote prices the band IVs (or the curve IVs when curve trading is
// enabled and the curve is valid) and keeps at least IllMinSpread steps between
// the two sides by lowering the buy, never below zero.
func illiquidQuote(snap *models.ModelSnapshot, d models.StrategyDerived, sp config.StrategyParams, in pricing.Inputs, step float64) quote {
	lo, hi := d.IllIVLow, d.IllIVHigh
	if sp.IlliquidCurveTrading && snap.CurveValid {
		lo, hi = snap.CurveIVBid, snap.CurveIVOffer
	}
	if lo <= 0 || hi <= 0 || !in.Valid() {
		return quote{}
	}

	q := quote{buy: pricing.Premium(in, lo), sell: pricing.Premium(in, hi)}
	if minSpread := sp.IllMinSpread * step; q.sell-q.buy < minSpread {
		q.buy = math.Max(q.sell-minSpread, 0)
	}
	return q
}

// roundToStep rounds a buy down and a sell up onto the price step grid.
func roundToStep(price, step float64, side models.Side) float64 {
	if price <= 0 || step <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	s := decimal.NewFromFloat(step)
	ticks := p.Div(s)
	// Absorb float noise so an on-grid price is not pushed a full step.
	if r := ticks.Round(8); r.Equal(r.Truncate(0)) {
		ticks = r
	}
	if side == models.SideBuy {
		ticks = ticks.Floor()
	} else {
		ticks = ticks.Ceil()
	}
	out, _ := ticks.Mul(s).Float64()
	return out
}
