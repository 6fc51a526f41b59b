package valuation

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"options-mm/internal/config"
	"options-mm/internal/models"
)

// Property: once market IV is set, every tick moves each side toward the
// current IV of that side, never past it, and by no more than the configured
// widen/narrow step converted to IV at the prevailing vega.
func TestProperty_MarketIVStepBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("market IV moves toward current IV within the step bound", prop.ForAll(
		func(mids []float64, spreads []int) bool {
			m := newTestModel(nil)
			g := config.Default().General

			m.Update(atmInput(t0, 100, 104), models.ReasonMarket, nil)
			for i := range mids {
				prev := m.Last()
				in := atmInput(t0.Add(time.Duration(i+1)*time.Second), 100+mids[i], 100+mids[i]+float64(spreads[i]))
				bound := rateBound(g, prev, in)
				snap := m.Update(in, models.ReasonMarket, nil)

				if !between(snap.MarketIVBid, prev.MarketIVBid, snap.IVBid) ||
					!between(snap.MarketIVOffer, prev.MarketIVOffer, snap.IVOffer) {
					t.Logf("tick %d moved away from current IV", i)
					return false
				}
				if math.Abs(snap.MarketIVBid-prev.MarketIVBid) > bound+1e-12 ||
					math.Abs(snap.MarketIVOffer-prev.MarketIVOffer) > bound+1e-12 {
					t.Logf("tick %d exceeded bound %v", i, bound)
					return false
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.Float64Range(-5, 5)),
		gen.SliceOfN(20, gen.IntRange(1, 9)),
	))

	properties.TestingRun(t)
}

func between(v, a, b float64) bool {
	lo, hi := math.Min(a, b), math.Max(a, b)
	return v >= lo-1e-12 && v <= hi+1e-12
}
