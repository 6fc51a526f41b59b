package valuation

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-mm/internal/config"
	"options-mm/internal/models"
	"options-mm/internal/pricing"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestModel(mutate func(*config.Config)) *Model {
	cfg := config.Default()
	cfg.General.HighLiquiditySpreadLimit = 10
	cfg.General.AggressiveReset = false
	cfg.General.ConservativeReset = false
	cfg.General.QuoteVolumeReset = false
	cfg.General.DealVolumeReset = false
	cfg.General.TimeReset = false
	if mutate != nil {
		mutate(cfg)
	}
	return NewModel(1, ParamsFrom(cfg, "SI"), zerolog.Nop())
}

func atmInput(now time.Time, bid, ask float64) Input {
	return Input{
		Time:      now,
		Option:    1,
		Type:      models.Call,
		Strike:    2000,
		Expiry:    t0.Add(91 * 24 * time.Hour),
		PriceStep: 1,
		Quote:     models.Quote{Bid: bid, Ask: ask, Timestamp: now},
		Future:    models.Quote{Bid: 1999, Ask: 2001, Timestamp: now},
	}
}

func TestUpdate_FirstTickSnapsMarketIV(t *testing.T) {
	m := newTestModel(nil)
	snap := m.Update(atmInput(t0, 100, 104), models.ReasonMarket, []models.Role{models.RoleRegular})

	if !snap.Success {
		t.Fatalf("update failed: %s", snap.Error)
	}
	if snap.IVBid <= 0 || snap.IVOffer <= snap.IVBid {
		t.Fatalf("unexpected IVs bid=%v offer=%v", snap.IVBid, snap.IVOffer)
	}
	if snap.MarketIVBid != snap.IVBid || snap.MarketIVOffer != snap.IVOffer {
		t.Errorf("market IV %v/%v should equal current IV %v/%v",
			snap.MarketIVBid, snap.MarketIVOffer, snap.IVBid, snap.IVOffer)
	}
	if snap.ValuationSpread != 4 {
		t.Errorf("valuation spread = %v, want 4", snap.ValuationSpread)
	}
	if snap.Regime != models.RegimeLiquid {
		t.Errorf("regime = %s, want LIQUID", snap.Regime)
	}
	if snap.LastReset != models.ResetInitial {
		t.Errorf("last reset = %s", snap.LastReset)
	}
	if snap.Greeks != snap.CalcGreeks || snap.Greeks.IsZero() {
		t.Errorf("liquid Greeks should be the calculation Greeks: %+v", snap.Greeks)
	}
	if math.Abs(snap.MarketSpread-4) > 0.1 {
		t.Errorf("market spread = %v, want about 4 steps", snap.MarketSpread)
	}
	if snap.Moneyness != models.MoneynessATM {
		t.Errorf("moneyness = %s", snap.Moneyness)
	}
}

func TestUpdate_InvalidInputKeepsGreeks(t *testing.T) {
	m := newTestModel(nil)
	good := m.Update(atmInput(t0, 100, 104), models.ReasonMarket, nil)

	tests := []struct {
		name string
		in   Input
	}{
		{"crossed quote", atmInput(t0.Add(time.Second), 105, 104)},
		{"zero bid", atmInput(t0.Add(time.Second), 0, 104)},
		{"expired", func() Input {
			in := atmInput(t0, 100, 104)
			in.Time = in.Expiry.Add(time.Minute)
			return in
		}()},
		{"bad future", func() Input {
			in := atmInput(t0, 100, 104)
			in.Future = models.Quote{Bid: 2001, Ask: 1999}
			return in
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := m.Update(tt.in, models.ReasonMarket, nil)
			if snap.Success {
				t.Fatal("expected failure")
			}
			if snap.Error != "invalid input parameters" {
				t.Errorf("error = %q", snap.Error)
			}
			if snap.Greeks != good.Greeks || snap.MarketIVBid != good.MarketIVBid {
				t.Error("prior Greeks and market IV must be retained")
			}
		})
	}

	if good.Success != true || good.Error != "" {
		t.Error("published snapshot was mutated")
	}
}

func TestUpdate_Regime(t *testing.T) {
	t.Run("wide spread is illiquid", func(t *testing.T) {
		m := newTestModel(nil)
		liquid := m.Update(atmInput(t0, 100, 104), models.ReasonMarket, nil)
		snap := m.Update(atmInput(t0.Add(time.Second), 95, 110), models.ReasonMarket, nil)
		if snap.Regime != models.RegimeIlliquid {
			t.Fatalf("regime = %s", snap.Regime)
		}
		// Every calculation Greek is non-zero, so they win over the approximation.
		if snap.Greeks != liquid.CalcGreeks {
			t.Errorf("illiquid Greeks = %+v, want carried calc %+v", snap.Greeks, liquid.CalcGreeks)
		}
		if snap.MarketIVBid != liquid.MarketIVBid {
			t.Error("market IV must be frozen while illiquid")
		}
	})

	t.Run("permanently illiquid without history uses approximation", func(t *testing.T) {
		m := newTestModel(nil)
		in := atmInput(t0, 100, 104)
		in.PermanentlyIlliquid = true
		snap := m.Update(in, models.ReasonMarket, nil)
		if snap.Regime != models.RegimeIlliquid {
			t.Fatalf("regime = %s", snap.Regime)
		}
		if snap.Greeks != snap.IllGreeks || snap.IllIV != 0.3 {
			t.Errorf("expected illiquid approximation at best IV, got iv=%v", snap.IllIV)
		}
		if snap.MarketIVSet {
			t.Error("market IV must not be set in the illiquid regime")
		}
	})

	t.Run("valid curve overrides", func(t *testing.T) {
		m := newTestModel(nil)
		in := atmInput(t0, 95, 110)
		in.Curve = &models.CurveSnapshot{
			Status: models.CurveValuation,
			Bid:    models.Polynomial{Coeffs: [4]float64{0.24}, Order: 1},
			Offer:  models.Polynomial{Coeffs: [4]float64{0.26}, Order: 1},
		}
		snap := m.Update(in, models.ReasonMarket, nil)
		if !snap.CurveValid {
			t.Fatal("curve should be valid")
		}
		if math.Abs(snap.CurveIVBid-0.24) > 1e-12 || snap.Greeks != snap.CurveGreeks {
			t.Errorf("curve IV = %v greeks = %+v", snap.CurveIVBid, snap.Greeks)
		}
	})
}

func TestUpdate_IlliquidIVForDeepStrikes(t *testing.T) {
	m := newTestModel(nil)
	for _, tc := range []struct {
		name   string
		strike float64
		typ    models.OptionType
		want   models.Moneyness
	}{
		{"deep itm call", 1600, models.Call, models.MoneynessDeepITM},
		{"deep otm call", 2500, models.Call, models.MoneynessDeepOTM},
		{"deep itm put", 2500, models.Put, models.MoneynessDeepITM},
		{"deep otm put", 1600, models.Put, models.MoneynessDeepOTM},
	} {
		t.Run(tc.name, func(t *testing.T) {
			in := atmInput(t0, 100, 104)
			in.Strike = tc.strike
			in.Type = tc.typ
			snap := m.Update(in, models.ReasonMarket, nil)
			if snap.Moneyness != tc.want {
				t.Fatalf("moneyness = %s", snap.Moneyness)
			}
			if snap.IllIV < 0.05 || snap.IllIV > 2 {
				t.Errorf("illiquid IV %v outside configured range", snap.IllIV)
			}
		})
	}
}

func TestResets(t *testing.T) {
	t.Run("first condition in order wins", func(t *testing.T) {
		m := newTestModel(func(c *config.Config) {
			c.General.AggressiveReset = true
			c.General.AggressiveFactor = 0.1
			c.General.AggressiveTime = 0
			c.General.QuoteVolumeReset = true
			c.General.QuoteVolumeLimit = 10
			c.General.QuoteVolumeTime = 0
		})
		m.Update(atmInput(t0, 100, 104), models.ReasonMarket, nil)
		in := atmInput(t0.Add(time.Second), 100, 104)
		in.Quote.BidVolume = 1000
		snap := m.Update(in, models.ReasonMarket, nil)
		if snap.LastReset != models.ResetAggressive {
			t.Errorf("last reset = %s, want AGGRESSIVE", snap.LastReset)
		}
	})

	t.Run("quote volume resets one side", func(t *testing.T) {
		m := newTestModel(func(c *config.Config) {
			c.General.QuoteVolumeReset = true
			c.General.QuoteVolumeLimit = 10
			c.General.QuoteVolumeTime = 0
		})
		m.Update(atmInput(t0, 100, 104), models.ReasonMarket, nil)
		in := atmInput(t0.Add(time.Second), 98, 106)
		in.Quote.BidVolume = 1000
		snap := m.Update(in, models.ReasonMarket, nil)
		if snap.LastReset != models.ResetQuoteVolume {
			t.Fatalf("last reset = %s", snap.LastReset)
		}
		if snap.MarketIVBid != snap.IVBid {
			t.Error("bid side should snap to current IV")
		}
		if snap.MarketIVOffer == snap.IVOffer {
			t.Error("offer side should only be smoothed")
		}
	})

	t.Run("quote volume must be sustained", func(t *testing.T) {
		m := newTestModel(func(c *config.Config) {
			c.General.QuoteVolumeReset = true
			c.General.QuoteVolumeLimit = 10
			c.General.QuoteVolumeTime = 5 * time.Second
		})
		m.Update(atmInput(t0, 100, 104), models.ReasonMarket, nil)
		in := atmInput(t0.Add(time.Second), 98, 106)
		in.Quote.BidVolume = 1000
		if snap := m.Update(in, models.ReasonMarket, nil); snap.LastReset != models.ResetInitial {
			t.Fatalf("reset fired early: %s", snap.LastReset)
		}
		in.Time = t0.Add(7 * time.Second)
		if snap := m.Update(in, models.ReasonMarket, nil); snap.LastReset != models.ResetQuoteVolume {
			t.Errorf("reset = %s, want QUOTE_VOLUME", snap.LastReset)
		}
	})

	t.Run("deal volume", func(t *testing.T) {
		m := newTestModel(func(c *config.Config) {
			c.General.DealVolumeReset = true
			c.General.DealVolumeLimit = 10
		})
		m.Update(atmInput(t0, 100, 104), models.ReasonMarket, nil)
		in := atmInput(t0.Add(time.Second), 98, 106)
		in.DealQty = 12
		snap := m.Update(in, models.ReasonPosition, nil)
		if snap.LastReset != models.ResetDealVolume || !snap.LastDealTime.Equal(in.Time) {
			t.Errorf("reset = %s deal time = %v", snap.LastReset, snap.LastDealTime)
		}
		if snap.MarketIVBid != snap.IVBid || snap.MarketIVOffer != snap.IVOffer {
			t.Error("both sides should snap")
		}
	})

	t.Run("time", func(t *testing.T) {
		m := newTestModel(func(c *config.Config) {
			c.General.TimeReset = true
			c.General.TimeResetAfter = time.Minute
		})
		m.Update(atmInput(t0, 100, 104), models.ReasonMarket, nil)
		if snap := m.Update(atmInput(t0.Add(30*time.Second), 99, 105), models.ReasonTimer, nil); snap.LastReset != models.ResetInitial {
			t.Fatalf("early reset %s", snap.LastReset)
		}
		snap := m.Update(atmInput(t0.Add(2*time.Minute), 99, 105), models.ReasonTimer, nil)
		if snap.LastReset != models.ResetTime {
			t.Errorf("reset = %s, want TIME", snap.LastReset)
		}
	})
}

func TestValuationSpreadRatchet(t *testing.T) {
	m := newTestModel(func(c *config.Config) {
		c.General.ValSpreadLow = 2
		c.General.ValSpreadHigh = 8
		c.General.ValSpreadWidenStep = 1
		c.General.ValSpreadNarrowStep = 0.5
	})
	m.Update(atmInput(t0, 100, 104), models.ReasonMarket, nil)

	steps := []struct {
		bid, ask float64
		want     float64
	}{
		{100, 109, 5}, // target clamps to 8, widens by 1
		{100, 109, 6},
		{100, 101, 5.5}, // target clamps to 2, narrows by 0.5
		{100, 101, 5},
	}
	for i, s := range steps {
		snap := m.Update(atmInput(t0.Add(time.Duration(i+1)*time.Second), s.bid, s.ask), models.ReasonMarket, nil)
		if snap.ValuationSpread != s.want {
			t.Errorf("step %d: valuation spread = %v, want %v", i, snap.ValuationSpread, s.want)
		}
	}
}

func TestDeriveStrategies(t *testing.T) {
	m := newTestModel(func(c *config.Config) {
		mm := c.Strategies["market_maker"]
		mm.SpreadCoef = 0.5
		mm.BiasShiftCoef = 0.5
		c.Strategies["market_maker"] = mm
	})

	in := atmInput(t0, 100, 104)
	in.Obligation = models.Obligation{Volume: 10, Spread: 6}
	in.Portfolio = models.Portfolio{Vega: 1e6}
	snap := m.Update(in, models.ReasonMarket, []models.Role{models.RoleRegular, models.RoleMarketMaker})

	reg, ok := snap.Derived(models.RoleRegular)
	if !ok {
		t.Fatal("regular role not derived")
	}
	if reg.OrderSpread != 4 || reg.ChangeWide != 2 || reg.ChangeNarrow != 1 || !reg.TradingAllowedByLiquidity {
		t.Errorf("regular derived = %+v", reg)
	}

	mm, _ := snap.Derived(models.RoleMarketMaker)
	if mm.OrderSpread != 3 || mm.OrderShift != -1.5 {
		t.Errorf("market maker derived = %+v", mm)
	}

	if _, ok := snap.Derived(models.RoleVegaHedge); ok {
		t.Error("unrequested role derived")
	}

	ill := m.Update(atmInput(t0.Add(time.Second), 90, 115), models.ReasonMarket, []models.Role{models.RoleRegular})
	d, _ := ill.Derived(models.RoleRegular)
	if d.TradingAllowedByLiquidity || d.ChangeWide != 10 || d.IllIVHigh <= d.IllIVLow {
		t.Errorf("illiquid derived = %+v", d)
	}
}

func TestExposureBias(t *testing.T) {
	f := config.Default().DefaultFuture
	tests := []struct {
		name string
		p    models.Portfolio
		want float64
	}{
		{"flat", models.Portfolio{}, 0},
		{"long vega", models.Portfolio{Vega: f.VegaLongBand + 1}, -1},
		{"short vega", models.Portfolio{Vega: -f.VegaShortBand - 1}, 1},
		{"long vanna", models.Portfolio{Vanna: f.VannaLongBand + 1}, -1},
		{"vega wins over vanna", models.Portfolio{Vega: -f.VegaShortBand - 1, Vanna: f.VannaLongBand + 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExposureBias(tt.p, f); got != tt.want {
				t.Errorf("bias = %v, want %v", got, tt.want)
			}
		})
	}
}

// rateBound is the largest IV move smoothing may take in one tick.
func rateBound(g config.GeneralParams, prev *models.ModelSnapshot, in Input) float64 {
	pin := pricing.Inputs{
		Future: in.Future.Mid(),
		Strike: in.Strike,
		T:      pricing.YearFraction(in.Time, in.Expiry, g.DaysInYear),
		Rate:   g.InterestRate,
		Type:   in.Type,
	}
	vega := pricing.RawVega(pin, 0.5*(prev.MarketIVBid+prev.MarketIVOffer))
	return math.Max(g.MarketIVWidenSteps, g.MarketIVNarrowSteps) * in.PriceStep / vega
}
