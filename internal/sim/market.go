// Package sim generates a synthetic options market for paper trading.
package sim

import (
	"math"
	"math/rand"
	"time"

	"options-mm/internal/models"
	"options-mm/internal/pricing"
)

// MarketConfig describes the synthetic market.
type MarketConfig struct {
	FuturePrice float64
	FutureStep  float64
	// Volatility of the future per sqrt(year).
	Volatility float64
	// Smile is sigma(m) = BaseIV + Skew*m + Smile*m^2 over log-moneyness m.
	BaseIV float64
	Skew   float64
	Smile  float64
	// Quoted spreads are drawn uniformly from [MinSpread, MaxSpread] price steps.
	MinSpread int
	MaxSpread int
	Rate      float64
	Seed      int64
}

// DefaultMarketConfig returns a liquid market around 2000.
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		FuturePrice: 2000,
		FutureStep:  1,
		Volatility:  0.3,
		BaseIV:      0.25,
		Skew:        -0.1,
		Smile:       0.8,
		MinSpread:   2,
		MaxSpread:   8,
		Rate:        0,
		Seed:        1,
	}
}

// Listed is an option the market quotes.
type Listed struct {
	ID        models.SecurityID
	Type      models.OptionType
	Strike    float64
	PriceStep float64
	Expiry    time.Time
}

// Tick is one market update.
type Tick struct {
	Future models.Quote
	Quotes map[models.SecurityID]models.Quote
}

// Market is a random-walk future with options quoted off a fixed smile. It is
// not safe for concurrent use.
type Market struct {
	cfg     MarketConfig
	rng     *rand.Rand
	price   float64
	last    time.Time
	options []Listed
}

// NewMarket creates a market.
func NewMarket(cfg MarketConfig, options []Listed) *Market {
	return &Market{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		price:   cfg.FuturePrice,
		options: options,
	}
}

// Price returns the current future mid.
func (m *Market) Price() float64 { return m.price }

// IV returns the smile volatility at log-moneyness lm.
func (m *Market) IV(lm float64) float64 {
	return math.Max(m.cfg.BaseIV+m.cfg.Skew*lm+m.cfg.Smile*lm*lm, 0.01)
}

// Step advances the market to now and returns fresh quotes.
func (m *Market) Step(now time.Time) Tick {
	if !m.last.IsZero() {
		dt := now.Sub(m.last).Hours() / (24 * 365)
		if dt > 0 {
			m.price *= math.Exp(m.cfg.Volatility*math.Sqrt(dt)*m.rng.NormFloat64() - 0.5*m.cfg.Volatility*m.cfg.Volatility*dt)
		}
	}
	m.last = now

	tick := Tick{
		Future: m.quote(m.price, m.cfg.FutureStep),
		Quotes: make(map[models.SecurityID]models.Quote, len(m.options)),
	}
	for _, o := range m.options {
		in := pricing.Inputs{
			Future: m.price,
			Strike: o.Strike,
			T:      o.Expiry.Sub(now).Hours() / (24 * 365),
			Rate:   m.cfg.Rate,
			Type:   o.Type,
		}
		if !in.Valid() {
			continue
		}
		fair := pricing.Premium(in, m.IV(in.LogMoneyness()))
		q := m.quote(fair, o.PriceStep)
		q.Timestamp = now
		tick.Quotes[o.ID] = q
	}
	tick.Future.Timestamp = now
	return tick
}

// quote places a random-width spread around mid, rounded to step. The bid is
// kept at least one step above zero.
func (m *Market) quote(mid, step float64) models.Quote {
	width := m.cfg.MinSpread
	if m.cfg.MaxSpread > m.cfg.MinSpread {
		width += m.rng.Intn(m.cfg.MaxSpread - m.cfg.MinSpread + 1)
	}
	half := float64(width) * step / 2
	bid := math.Max(math.Floor((mid-half)/step)*step, step)
	ask := math.Max(math.Ceil((mid+half)/step)*step, bid+step)
	volume := int64(1 + m.rng.Intn(50))
	return models.Quote{Bid: bid, Ask: ask, BidVolume: volume, AskVolume: volume}
}
