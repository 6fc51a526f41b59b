package curve

import (
	"math"
	"testing"
	"time"

	"options-mm/internal/config"
	"options-mm/internal/errors"
	"options-mm/internal/models"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testParams() config.SeriesParams {
	p := config.Default().DefaultSeries
	p.ArraySize = 10
	p.MinCurveInstruments = 5
	p.MaxITMInstruments = 0
	p.MaxOTMInstruments = 0
	p.PreCurveInterval = 0
	p.CurveInterval = 5 * time.Second
	p.PreCurveDelayLimit = 4
	p.CurveDelayLimit = 6
	p.IlliquidTimeout = time.Hour
	p.Model = config.ModelParabola
	p.MinObservations = 8
	p.MinCorrelation = 0.9
	p.MaxStdError = 0.01
	return p
}

// smile returns count observations on a clean parabola around the money.
func smile(count int) []Observation {
	obs := make([]Observation, count)
	for i := range obs {
		x := -0.2 + 0.4*float64(i)/float64(count-1)
		iv := 0.25 + 0.1*x + 0.8*x*x
		obs[i] = Observation{
			Option:    models.SecurityID(100 + i),
			Moneyness: x,
			ITM:       x > 0,
			IVBid:     iv - 0.01,
			IVOffer:   iv + 0.01,
		}
	}
	return obs
}

func TestSeries_InsufficientInstrumentsClearsPreCurve(t *testing.T) {
	s := NewSeriesState(1, "SI-JUN", testParams())

	// Stage some data first so the clearing is observable.
	if _, err := s.Tick(t0, smile(5)); err != nil {
		t.Fatal(err)
	}
	if s.pre.Len() != 5 {
		t.Fatalf("pre-curve len = %d", s.pre.Len())
	}

	limit := s.params.PreCurveDelayLimit
	for i := 1; i < limit; i++ {
		if _, err := s.Tick(t0.Add(time.Duration(i)*time.Second), smile(3)); err != nil {
			t.Fatal(err)
		}
		if s.PreCurveDelay != i || s.pre.Len() != 5 {
			t.Fatalf("tick %d: delay=%d len=%d", i, s.PreCurveDelay, s.pre.Len())
		}
	}

	rep, err := s.Tick(t0.Add(time.Duration(limit)*time.Second), smile(3))
	if err != nil {
		t.Fatal(err)
	}
	if !s.pre.Empty() {
		t.Errorf("pre-curve should be cleared, len = %d", s.pre.Len())
	}
	if s.PreCurveDelay != 0 {
		t.Errorf("PreCurveDelay = %d, want 0", s.PreCurveDelay)
	}
	if rep.To != models.CurveReset || s.Status() != models.CurveReset {
		t.Errorf("status = %s, want RESET", s.Status())
	}
}

func TestSeries_ReachesValuation(t *testing.T) {
	s := NewSeriesState(1, "SI-JUN", testParams())

	rep, err := s.Tick(t0, smile(10))
	if err != nil {
		t.Fatal(err)
	}
	if !rep.PreFitted || !rep.CurveFitted {
		t.Fatalf("expected both fits on a full window: %+v", rep)
	}
	if s.Status() != models.CurveValuation {
		t.Fatalf("status = %s", s.Status())
	}

	snap := s.Snapshot()
	if !snap.Valuation() || snap.CurveCount != 10 {
		t.Fatalf("snapshot = %+v", snap)
	}
	// The bid side was generated as 0.24 + 0.1x + 0.8x^2.
	if math.Abs(snap.Bid.Coeffs[0]-0.24) > 1e-9 || math.Abs(snap.Bid.Coeffs[2]-0.8) > 1e-9 {
		t.Errorf("bid coefficients = %v", snap.Bid.Coeffs)
	}
	if snap.BidQuality.Observations != 10 || snap.BidQuality.Correlation < 0.999 {
		t.Errorf("bid quality = %+v", snap.BidQuality)
	}
}

func TestSeries_CurveFedOnlyFromFullPreCurve(t *testing.T) {
	p := testParams()
	p.MinCurveInstruments = 4
	s := NewSeriesState(1, "SI-JUN", p)

	if _, err := s.Tick(t0, smile(6)); err != nil {
		t.Fatal(err)
	}
	if !s.curve.Empty() {
		t.Fatal("curve window must stay empty until the pre-curve is full")
	}

	if _, err := s.Tick(t0.Add(time.Second), smile(6)); err != nil {
		t.Fatal(err)
	}
	if !s.pre.Full() || s.curve.Len() != s.curve.Cap() {
		t.Fatalf("pre=%d curve=%d", s.pre.Len(), s.curve.Len())
	}

	// Inside the curve interval the curve window is left alone.
	synced := s.lastCurveSync
	if _, err := s.Tick(t0.Add(2*time.Second), smile(6)); err != nil {
		t.Fatal(err)
	}
	if s.lastCurveSync != synced {
		t.Error("curve synced before its interval elapsed")
	}

	rep, err := s.Tick(t0.Add(7*time.Second), smile(6))
	if err != nil {
		t.Fatal(err)
	}
	if !rep.CurveFitted || s.lastCurveSync.Equal(synced) {
		t.Error("curve should resync after its interval")
	}
}

func TestSeries_BadStats(t *testing.T) {
	p := testParams()
	p.MinCorrelation = 0.9
	s := NewSeriesState(1, "SI-JUN", p)

	noisy := smile(10)
	for i := range noisy {
		if i%2 == 0 {
			noisy[i].IVBid += 0.2
			noisy[i].IVOffer += 0.2
		}
	}
	if _, err := s.Tick(t0, noisy); err != nil {
		t.Fatal(err)
	}
	if s.Status() != models.CurveBadStats {
		t.Errorf("status = %s, want BAD_STATS", s.Status())
	}
}

func TestSeries_IlliquidTimeoutAndRecovery(t *testing.T) {
	p := testParams()
	p.IlliquidTimeout = 10 * time.Second
	p.PreCurveDelayLimit = 100
	s := NewSeriesState(1, "SI-JUN", p)

	s.Tick(t0, nil)
	s.Tick(t0.Add(5*time.Second), nil)
	if s.Status() != models.CurveReset {
		t.Fatalf("illiquid too early: %s", s.Status())
	}
	s.Tick(t0.Add(11*time.Second), nil)
	if s.Status() != models.CurveIlliquid {
		t.Fatalf("status = %s, want ILLIQUID", s.Status())
	}

	s.Tick(t0.Add(12*time.Second), smile(10))
	if s.Status() != models.CurveValuation {
		t.Errorf("status after recovery = %s", s.Status())
	}
}

func TestSeries_CurveDelayDropsValuation(t *testing.T) {
	p := testParams()
	p.PreCurveDelayLimit = 100
	s := NewSeriesState(1, "SI-JUN", p)
	s.Tick(t0, smile(10))
	if s.Status() != models.CurveValuation {
		t.Fatal("setup: expected valuation")
	}

	for i := 1; i <= p.CurveDelayLimit; i++ {
		s.Tick(t0.Add(time.Duration(i)*time.Second), smile(2))
	}
	if s.Status() != models.CurveReset || !s.curve.Empty() {
		t.Errorf("status = %s curve len = %d", s.Status(), s.curve.Len())
	}
}

func TestSeries_PendingResetAppliesNextTick(t *testing.T) {
	s := NewSeriesState(1, "SI-JUN", testParams())
	s.Tick(t0, smile(10))

	t.Run("keep", func(t *testing.T) {
		s.RequestReset(true, nil)
		rep, _ := s.Tick(t0.Add(time.Second), smile(10))
		if !rep.Reset || rep.To != models.CurveReset {
			t.Fatalf("report = %+v", rep)
		}
		if s.pre.Len() != 10 {
			t.Errorf("keep should carry window contents, len = %d", s.pre.Len())
		}
	})

	t.Run("full with new params", func(t *testing.T) {
		np := testParams()
		np.ArraySize = 12
		s.RequestReset(false, &np)
		s.Tick(t0.Add(2*time.Second), nil)
		if !s.pre.Empty() || s.pre.Cap() != 12 {
			t.Errorf("pre len=%d cap=%d", s.pre.Len(), s.pre.Cap())
		}
	})
}

func TestSeries_FitInvariantError(t *testing.T) {
	p := testParams()
	p.ArraySize = 2
	p.MinCurveInstruments = 1
	p.Model = config.ModelCube
	s := NewSeriesState(1, "SI-JUN", p)

	_, err := s.Tick(t0, smile(5))
	var fe *errors.FitError
	if !errors.As(err, &fe) || !errors.Is(err, errors.ErrInsufficientObservations) {
		t.Fatalf("expected FitError, got %v", err)
	}
	if fe.Order != 3 || fe.Observations != 2 {
		t.Errorf("fit error = %+v", fe)
	}
}

func TestSeries_SelectsNearestInstruments(t *testing.T) {
	p := testParams()
	p.MaxITMInstruments = 2
	p.MaxOTMInstruments = 3
	s := NewSeriesState(1, "SI-JUN", p)

	got := s.selectObservations(smile(11))
	if len(got) != 5 {
		t.Fatalf("selected %d", len(got))
	}
	itm := 0
	for _, o := range got {
		if math.Abs(o.Moneyness) > 0.13 {
			t.Errorf("selected far strike %v", o.Moneyness)
		}
		if o.ITM {
			itm++
		}
	}
	if itm != 2 {
		t.Errorf("itm = %d", itm)
	}

	bad := []Observation{{IVBid: 0, IVOffer: 0.2}, {IVBid: 0.3, IVOffer: 0.2}}
	if len(s.selectObservations(bad)) != 0 {
		t.Error("unusable observations must be skipped")
	}
}
