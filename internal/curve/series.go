package curve

import (
	"math"
	"slices"
	"time"

	"options-mm/internal/config"
	"options-mm/internal/models"
)

// Observation is one liquid option offered to the series on a tick.
type Observation struct {
	Option    models.SecurityID
	Moneyness float64 // log-moneyness ln(F/K)
	ITM       bool
	IVBid     float64
	IVOffer   float64
}

// Report summarises what one tick did to a series.
type Report struct {
	From        models.CurveStatus
	To          models.CurveStatus
	Reset       bool
	Skipped     bool
	PreFitted   bool
	CurveFitted bool
}

type resetRequest struct {
	keep   bool
	params *config.SeriesParams
}

// SeriesState is the curve state of one option series. It is owned by the
// curve actor and never touched from other goroutines.
type SeriesState struct {
	ID     models.SecurityID
	Symbol string

	params config.SeriesParams
	status models.CurveStatus

	pre   *Window
	curve *Window

	preFit   *Fit
	curveFit *Fit

	PreCurveDelay int
	CurveDelay    int

	emptySince    time.Time
	lastPreFit    time.Time
	lastCurveSync time.Time

	pending *resetRequest
	updated time.Time
}

// NewSeriesState creates a series in the Reset status with empty windows.
func NewSeriesState(id models.SecurityID, symbol string, params config.SeriesParams) *SeriesState {
	return &SeriesState{
		ID:     id,
		Symbol: symbol,
		params: params,
		status: models.CurveReset,
		pre:    NewWindow(params.ArraySize),
		curve:  NewWindow(params.ArraySize),
	}
}

// Status returns the current curve status.
func (s *SeriesState) Status() models.CurveStatus { return s.status }

// Params returns the series parameters in force.
func (s *SeriesState) Params() config.SeriesParams { return s.params }

// RequestReset queues a reset applied at the start of the next tick. With keep
// the window contents are carried forward; params, when non-nil, replace the
// series parameters.
func (s *SeriesState) RequestReset(keep bool, params *config.SeriesParams) {
	s.pending = &resetRequest{keep: keep, params: params}
}

// ForceReset immediately clears every window, fit and counter.
func (s *SeriesState) ForceReset(now time.Time) {
	s.apply(resetRequest{}, now)
}

func (s *SeriesState) apply(r resetRequest, now time.Time) {
	if r.params != nil {
		s.params = *r.params
	}
	if r.keep {
		s.pre.Resize(s.params.ArraySize)
		s.curve.Resize(s.params.ArraySize)
	} else {
		s.pre = NewWindow(s.params.ArraySize)
		s.curve = NewWindow(s.params.ArraySize)
	}
	s.preFit, s.curveFit = nil, nil
	s.PreCurveDelay, s.CurveDelay = 0, 0
	s.emptySince, s.lastPreFit, s.lastCurveSync = time.Time{}, time.Time{}, time.Time{}
	s.status = models.CurveReset
	s.pending = nil
	s.updated = now
}

// Tick runs one periodic step: apply a pending reset, or stage the current
// observations and refit whichever windows are due.
func (s *SeriesState) Tick(now time.Time, obs []Observation) (r Report, err error) {
	r.From = s.status
	defer func() { r.To = s.status }()

	if s.pending != nil {
		s.apply(*s.pending, now)
		r.Reset = true
		return r, nil
	}
	if !s.params.Selected {
		r.Skipped = true
		return r, nil
	}

	s.updated = now
	selected := s.selectObservations(obs)
	if len(selected) < s.params.MinCurveInstruments {
		s.insufficient(now)
		return r, nil
	}

	s.PreCurveDelay, s.CurveDelay = 0, 0
	s.emptySince = time.Time{}
	if s.status == models.CurveIlliquid {
		s.status = models.CurveReset
	}
	for _, o := range selected {
		s.pre.Insert(Entry{Option: o.Option, Moneyness: o.Moneyness, IVBid: o.IVBid, IVOffer: o.IVOffer, InsertedAt: now})
	}

	if !s.pre.Full() {
		return r, nil
	}
	if now.Sub(s.lastPreFit) >= s.params.PreCurveInterval {
		fit, err := fitWindow(s.Symbol, s.pre, s.params.Model.Order(), now)
		if err != nil {
			return r, err
		}
		s.preFit, s.lastPreFit, r.PreFitted = fit, now, true
	}

	if s.preFit == nil {
		return r, nil
	}
	promote := s.curve.Empty()
	if promote {
		for _, e := range s.pre.Entries() {
			s.curve.Insert(e)
		}
	} else if now.Sub(s.lastCurveSync) >= s.params.CurveInterval {
		for _, e := range s.pre.Since(s.lastCurveSync) {
			s.curve.Insert(e)
		}
		promote = true
	}
	if promote {
		s.lastCurveSync = now
		if s.curve.Full() {
			fit, err := fitWindow(s.Symbol, s.curve, s.params.Model.Order(), now)
			if err != nil {
				return r, err
			}
			s.curveFit, r.CurveFitted = fit, true
			s.gate()
		}
	}

	return r, nil
}

// selectObservations keeps usable observations nearest the money, at most
// MaxITMInstruments in the money and MaxOTMInstruments out of it.
func (s *SeriesState) selectObservations(obs []Observation) []Observation {
	var itm, otm []Observation
	for _, o := range obs {
		if o.IVBid <= 0 || o.IVOffer < o.IVBid || math.IsNaN(o.Moneyness) {
			continue
		}
		if o.ITM {
			itm = append(itm, o)
		} else {
			otm = append(otm, o)
		}
	}
	nearest := func(list []Observation, limit int) []Observation {
		slices.SortStableFunc(list, func(a, b Observation) int {
			da, db := math.Abs(a.Moneyness), math.Abs(b.Moneyness)
			switch {
			case da < db:
				return -1
			case da > db:
				return 1
			default:
				return 0
			}
		})
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		return list
	}
	return append(nearest(itm, s.params.MaxITMInstruments), nearest(otm, s.params.MaxOTMInstruments)...)
}

// insufficient handles a tick without enough liquid instruments.
func (s *SeriesState) insufficient(now time.Time) {
	s.PreCurveDelay++
	if s.PreCurveDelay >= s.params.PreCurveDelayLimit {
		s.pre.Clear()
		s.preFit = nil
		s.PreCurveDelay = 0
	}

	if !s.curve.Empty() {
		s.CurveDelay++
		if s.CurveDelay >= s.params.CurveDelayLimit {
			s.clearCurve()
		}
	}

	if s.pre.Empty() {
		if s.emptySince.IsZero() {
			s.emptySince = now
		}
		if now.Sub(s.emptySince) >= s.params.IlliquidTimeout {
			s.clearCurve()
			s.status = models.CurveIlliquid
		}
	}
}

func (s *SeriesState) clearCurve() {
	s.curve.Clear()
	s.curveFit = nil
	s.CurveDelay = 0
	s.lastCurveSync = time.Time{}
	if s.status == models.CurveValuation || s.status == models.CurveBadStats {
		s.status = models.CurveReset
	}
}

// gate sets Valuation only if both sides of the curve fit pass the thresholds.
func (s *SeriesState) gate() {
	p := s.params
	if s.curveFit != nil &&
		passes(s.curveFit.Bid, p.MinObservations, p.MinCorrelation, p.MaxStdError) &&
		passes(s.curveFit.Offer, p.MinObservations, p.MinCorrelation, p.MaxStdError) {
		s.status = models.CurveValuation
		return
	}
	s.status = models.CurveBadStats
}

// Snapshot returns the published view of the series.
func (s *SeriesState) Snapshot() models.CurveSnapshot {
	snap := models.CurveSnapshot{
		Series:     s.ID,
		Status:     s.status,
		PreCount:   s.pre.Len(),
		CurveCount: s.curve.Len(),
		UpdatedAt:  s.updated,
	}
	if s.curveFit != nil {
		snap.Bid, snap.Offer = s.curveFit.Bid.Poly, s.curveFit.Offer.Poly
		snap.BidQuality, snap.OfferQuality = s.curveFit.Bid.Quality, s.curveFit.Offer.Quality
	}
	return snap
}
