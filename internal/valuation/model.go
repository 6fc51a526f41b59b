// Package valuation implements the per-option valuation model: implied
// volatility, Greeks, regime selection, market IV smoothing and resets.
package valuation

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"options-mm/internal/config"
	"options-mm/internal/errors"
	"options-mm/internal/models"
	"options-mm/internal/pricing"
)

// Input is everything one update reads. Market data, position and curve are
// supplied by the caller; the model never reaches out for them.
type Input struct {
	Time                time.Time
	Option              models.SecurityID
	Type                models.OptionType
	Strike              float64
	Expiry              time.Time
	PriceStep           float64
	Quote               models.Quote
	Future              models.Quote
	Position            int
	DealQty             int // absolute position change since the previous update
	PermanentlyIlliquid bool
	Curve               *models.CurveSnapshot
	Portfolio           models.Portfolio
	Obligation          models.Obligation
}

// Params bundles the configuration groups the model reads.
type Params struct {
	General    config.GeneralParams
	Future     config.FutureParams
	Strategies map[models.Role]config.StrategyParams
}

// ParamsFrom extracts the groups for one option from a config snapshot.
func ParamsFrom(cfg *config.Config, future string) Params {
	p := Params{
		General:    cfg.General,
		Future:     cfg.FutureParamsFor(future),
		Strategies: make(map[models.Role]config.StrategyParams, len(models.AllRoles)),
	}
	for _, r := range models.AllRoles {
		p.Strategies[r] = cfg.StrategyFor(r)
	}
	return p
}

// Strategy returns the parameters of a role, falling back to its defaults.
func (p Params) Strategy(r models.Role) config.StrategyParams {
	if sp, ok := p.Strategies[r]; ok {
		return sp
	}
	return config.DefaultStrategy(r)
}

func (p Params) scales() pricing.Scales {
	g := p.General
	return pricing.Scales{Vega: g.VegaScale, Theta: g.ThetaScale, Gamma: g.GammaScale, Vanna: g.VannaScale, Vomma: g.VommaScale}
}

// Model is the stateful valuation engine of one option. It is not safe for
// concurrent use; the owning processor is its only writer.
type Model struct {
	option models.SecurityID
	params Params
	prev   *models.ModelSnapshot
	logger zerolog.Logger
}

// NewModel creates a model with no prior snapshot.
func NewModel(option models.SecurityID, params Params, logger zerolog.Logger) *Model {
	return &Model{
		option: option,
		params: params,
		prev:   &models.ModelSnapshot{Option: option},
		logger: logger,
	}
}

// SetParams installs a new configuration snapshot for subsequent updates.
func (m *Model) SetParams(p Params) {
	m.params = p
}

// Last returns the most recently produced snapshot.
func (m *Model) Last() *models.ModelSnapshot {
	return m.prev
}

// ResetMarketIV makes the next liquid update snap market IV to current IV.
func (m *Model) ResetMarketIV() {
	next := *m.prev
	next.MarketIVSet = false
	m.prev = &next
}

// tick carries the working state of one update.
type tick struct {
	in      Input
	pin     pricing.Inputs
	step    float64
	snap    *models.ModelSnapshot
	prev    *models.ModelSnapshot
	latched bool
}

// Update computes and returns a new snapshot. The returned value is never
// mutated afterwards.
func (m *Model) Update(in Input, reason models.RecalcReason, roles []models.Role) *models.ModelSnapshot {
	prev := m.prev
	snap := m.carry(in)

	g := m.params.General
	t := &tick{
		in:   in,
		step: in.PriceStep,
		snap: snap,
		prev: prev,
		pin: pricing.Inputs{
			Future: in.Future.Mid(),
			Strike: in.Strike,
			T:      pricing.YearFraction(in.Time, in.Expiry, g.DaysInYear),
			Rate:   g.InterestRate,
			Type:   in.Type,
		},
	}

	if !validInput(in, t.pin) {
		snap.Success = false
		snap.Error = errors.ErrInvalidInput.Error()
		m.logger.Debug().Str("reason", string(reason)).Msg("Skipping valuation on invalid input")
		m.prev = snap
		return snap
	}
	snap.Success = true
	snap.Error = ""
	snap.TimeToExpiry = t.pin.T
	snap.DaysToExpiry = t.pin.T * g.DaysInYear

	if in.DealQty > 0 {
		snap.LastDealTime = in.Time
	}

	m.classify(t)
	snap.IVBid = pricing.ImpliedVol(t.pin, in.Quote.Bid, g.IVAccuracy)
	snap.IVOffer = pricing.ImpliedVol(t.pin, in.Quote.Ask, g.IVAccuracy)

	m.illiquidGreeks(t)
	m.curveGreeks(t)

	snap.CurrentSpread = in.Quote.Spread() / t.step
	if in.PermanentlyIlliquid || snap.CurrentSpread >= g.HighLiquiditySpreadLimit || snap.IVBid == 0 || snap.IVOffer == 0 {
		snap.Regime = models.RegimeIlliquid
		m.updateIlliquid(t)
	} else {
		snap.Regime = models.RegimeLiquid
		m.updateLiquid(t)
	}

	if snap.MarketIVSet {
		snap.MarketPriceBid = pricing.Premium(t.pin, snap.MarketIVBid)
		snap.MarketPriceOffer = pricing.Premium(t.pin, snap.MarketIVOffer)
	}

	m.deriveStrategies(t, roles)

	m.prev = snap
	return snap
}

// carry starts a snapshot from the previous one so carry-forward fields
// survive, then echoes the new input.
func (m *Model) carry(in Input) *models.ModelSnapshot {
	next := *m.prev
	next.Option = m.option
	next.Time = in.Time
	next.Quote = in.Quote
	next.Future = in.Future
	next.Position = in.Position
	next.CurveValid = false
	next.CurveIVBid, next.CurveIVOffer = 0, 0
	next.CurvePriceBid, next.CurvePriceOffer = 0, 0
	next.CurveGreeks = models.Greeks{}
	next.Strategies = make(map[models.Role]models.StrategyDerived, len(m.prev.Strategies))
	return &next
}

func validInput(in Input, pin pricing.Inputs) bool {
	return in.Quote.Valid() && in.Future.Valid() && in.PriceStep > 0 && pin.Valid()
}

func (m *Model) classify(t *tick) {
	g := m.params.General
	x := t.pin.LogMoneyness()
	t.snap.LogMoneyness = x
	if t.in.Type == models.Put {
		x = -x
	}
	switch {
	case x > g.DeepITMThreshold:
		t.snap.Moneyness = models.MoneynessDeepITM
	case x < -g.DeepOTMThreshold:
		t.snap.Moneyness = models.MoneynessDeepOTM
	default:
		t.snap.Moneyness = models.MoneynessATM
	}
}

// illiquidGreeks derives the illiquid IV from a baseline delta and prices the
// illiquid Greeks at it.
func (m *Model) illiquidGreeks(t *tick) {
	g, f := m.params.General, m.params.Future
	iv := g.BestIVExpectation

	if t.snap.Moneyness != models.MoneynessATM {
		short := t.snap.DaysToExpiry < f.ShortExpiryDays
		var delta float64
		switch {
		case t.snap.Moneyness == models.MoneynessDeepITM && short:
			delta = f.DeepITMDeltaShort
		case t.snap.Moneyness == models.MoneynessDeepITM:
			delta = f.DeepITMDelta
		case short:
			delta = f.DeepOTMDeltaShort
		default:
			delta = f.DeepOTMDelta
		}
		// Baselines are call deltas; a put maps to the call-equivalent N(d1).
		nd1 := delta
		if t.in.Type == models.Put {
			nd1 = 1 - delta + f.DeltaCorrection
		}
		if s, ok := pricing.VolFromDelta(nd1, t.snap.LogMoneyness, t.pin.T, g.IllMinIV, g.IllMaxIV); ok {
			iv = s
		}
	}

	t.snap.IllIV = iv
	t.snap.IllGreeks = pricing.Greeks(t.pin, iv, m.params.scales())
}

func (m *Model) curveGreeks(t *tick) {
	c := t.in.Curve
	if !c.Valuation() {
		return
	}
	bid := c.Bid.Eval(t.snap.LogMoneyness)
	offer := c.Offer.Eval(t.snap.LogMoneyness)
	if bid <= 0 || offer <= 0 || math.IsNaN(bid) || math.IsNaN(offer) {
		return
	}
	t.snap.CurveValid = true
	t.snap.CurveIVBid = bid
	t.snap.CurveIVOffer = offer
	t.snap.CurvePriceBid = pricing.Premium(t.pin, bid)
	t.snap.CurvePriceOffer = pricing.Premium(t.pin, offer)
	t.snap.CurveGreeks = pricing.Greeks(t.pin, 0.5*(bid+offer), m.params.scales())
}

// updateIlliquid sources each Greek from the curve, else the last calculated
// value, else the illiquid approximation.
func (m *Model) updateIlliquid(t *tick) {
	s := t.snap
	s.Greeks = s.IllGreeks.Override(t.prev.CalcGreeks).Override(s.CurveGreeks)

	iv := s.IllIV
	if s.CurveValid {
		iv = 0.5 * (s.CurveIVBid + s.CurveIVOffer)
	}
	s.RawVega = pricing.RawVega(t.pin, iv)
}

func (m *Model) updateLiquid(t *tick) {
	s := t.snap
	m.ratchetValuationSpread(t)

	if !s.MarketIVSet {
		s.MarketIVBid = s.IVBid
		s.MarketIVOffer = s.IVOffer
		s.MarketIVSet = true
		m.recordReset(t, models.ResetInitial)
	} else {
		m.smoothMarketIV(t)
	}

	m.refreshCalc(t)
	if m.checkResets(t) {
		m.refreshCalc(t)
	}
}

// refreshCalc prices the calculation Greeks and market spread at the current market IV.
func (m *Model) refreshCalc(t *tick) {
	s := t.snap
	mid := 0.5 * (s.MarketIVBid + s.MarketIVOffer)
	s.RawVega = pricing.RawVega(t.pin, mid)
	s.CalcGreeks = pricing.Greeks(t.pin, mid, m.params.scales())
	s.Greeks = s.CalcGreeks
	s.MarketSpread = (s.MarketIVOffer - s.MarketIVBid) * s.RawVega / t.step
}
