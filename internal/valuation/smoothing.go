package valuation

import (
	"math"
	"time"

	"options-mm/internal/logging"
	"options-mm/internal/models"
	"options-mm/internal/pricing"
)

// ratchetValuationSpread moves the valuation spread toward the current spread
// clamped to the configured band, by at most one widen or narrow step.
func (m *Model) ratchetValuationSpread(t *tick) {
	g := m.params.General
	s := t.snap
	target := math.Min(math.Max(s.CurrentSpread, g.ValSpreadLow), g.ValSpreadHigh)

	switch {
	case !s.MarketIVSet || s.ValuationSpread == 0:
		s.ValuationSpread = target
	case target > s.ValuationSpread:
		s.ValuationSpread = math.Min(target, s.ValuationSpread+g.ValSpreadWidenStep)
	case target < s.ValuationSpread:
		s.ValuationSpread = math.Max(target, s.ValuationSpread-g.ValSpreadNarrowStep)
	}
}

// ivRates converts the configured per-tick widen/narrow price steps into IV
// units using the vega at the previous market mid. A non-positive vega
// freezes market IV.
func (m *Model) ivRates(t *tick) (widen, narrow float64) {
	g := m.params.General
	mid := 0.5 * (t.prev.MarketIVBid + t.prev.MarketIVOffer)
	vega := pricing.RawVega(t.pin, mid)
	if vega <= 0 {
		return 0, 0
	}
	return g.MarketIVWidenSteps * t.step / vega, g.MarketIVNarrowSteps * t.step / vega
}

func approach(cur, target, rate float64) float64 {
	if target > cur {
		return math.Min(target, cur+rate)
	}
	return math.Max(target, cur-rate)
}

// smoothMarketIV nudges market IV toward current IV. While the live spread is
// inside the valuation spread only widening moves are taken; up to the max
// spread each side moves independently; beyond it market IV is frozen.
func (m *Model) smoothMarketIV(t *tick) {
	s := t.snap
	widenOnly := s.CurrentSpread < s.ValuationSpread
	if !widenOnly && s.CurrentSpread > m.params.General.MaxSpread {
		return
	}

	widen, narrow := m.ivRates(t)

	if s.IVBid < s.MarketIVBid {
		s.MarketIVBid = approach(s.MarketIVBid, s.IVBid, widen)
	} else if !widenOnly {
		s.MarketIVBid = approach(s.MarketIVBid, s.IVBid, narrow)
	}

	if s.IVOffer > s.MarketIVOffer {
		s.MarketIVOffer = approach(s.MarketIVOffer, s.IVOffer, widen)
	} else if !widenOnly {
		s.MarketIVOffer = approach(s.MarketIVOffer, s.IVOffer, narrow)
	}
}

func holdSince(since time.Time, active bool, now time.Time) time.Time {
	switch {
	case !active:
		return time.Time{}
	case since.IsZero():
		return now
	default:
		return since
	}
}

func held(since time.Time, now time.Time, limit time.Duration) bool {
	return !since.IsZero() && now.Sub(since) >= limit
}

// checkResets evaluates the reset conditions in fixed order. Only the first
// satisfied condition fires, and none fire once the tick is latched. It
// reports whether market IV was reset.
func (m *Model) checkResets(t *tick) bool {
	g := m.params.General
	s := t.snap
	now := t.in.Time

	aggressive := g.AggressiveReset && s.MarketSpread > s.ValuationSpread*g.AggressiveFactor
	s.AggressiveSince = holdSince(s.AggressiveSince, aggressive, now)

	conservative := g.ConservativeReset && s.CurrentSpread < s.MarketSpread-g.ConservativeMargin
	s.ConservativeSince = holdSince(s.ConservativeSince, conservative, now)

	s.BidVolumeSince = holdSince(s.BidVolumeSince, g.QuoteVolumeReset && t.in.Quote.BidVolume > g.QuoteVolumeLimit, now)
	s.OfferVolumeSince = holdSince(s.OfferVolumeSince, g.QuoteVolumeReset && t.in.Quote.AskVolume > g.QuoteVolumeLimit, now)

	if t.latched {
		return false
	}

	bidVolume := held(s.BidVolumeSince, now, g.QuoteVolumeTime)
	offerVolume := held(s.OfferVolumeSince, now, g.QuoteVolumeTime)

	switch {
	case held(s.AggressiveSince, now, g.AggressiveTime):
		s.AggressiveSince = time.Time{}
		m.reset(t, models.ResetAggressive, true, true)
	case held(s.ConservativeSince, now, g.ConservativeTime):
		s.ConservativeSince = time.Time{}
		m.reset(t, models.ResetConservative, true, true)
	case bidVolume || offerVolume:
		if bidVolume {
			s.BidVolumeSince = time.Time{}
		}
		if offerVolume {
			s.OfferVolumeSince = time.Time{}
		}
		m.reset(t, models.ResetQuoteVolume, bidVolume, offerVolume)
	case g.DealVolumeReset && g.DealVolumeLimit > 0 && t.in.DealQty >= g.DealVolumeLimit:
		m.reset(t, models.ResetDealVolume, true, true)
	case g.TimeReset && held(latest(s.LastDealTime, s.LastResetTime), now, g.TimeResetAfter):
		m.reset(t, models.ResetTime, true, true)
	default:
		return false
	}
	return true
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func (m *Model) reset(t *tick, kind models.ResetKind, bid, offer bool) {
	if bid {
		t.snap.MarketIVBid = t.snap.IVBid
	}
	if offer {
		t.snap.MarketIVOffer = t.snap.IVOffer
	}
	m.recordReset(t, kind)
}

func (m *Model) recordReset(t *tick, kind models.ResetKind) {
	t.snap.LastReset = kind
	t.snap.LastResetTime = t.in.Time
	t.latched = true
	logging.LogReset(m.logger, kind, t.snap.MarketIVBid, t.snap.MarketIVOffer)
}
