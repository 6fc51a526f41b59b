// Package decision turns a valuation snapshot into per-leg order drafts and
// diffs them against the live orders of each strategy role.
package decision

import (
	"fmt"
	"math"

	"options-mm/internal/config"
	"options-mm/internal/errors"
	"options-mm/internal/models"
	"options-mm/internal/valuation"
)

// Inputs is what a role sizes its legs from.
type Inputs struct {
	Position   int
	Limits     models.RiskLimits
	Portfolio  models.Portfolio
	Obligation models.Obligation
	Greeks     models.Greeks
	Params     config.StrategyParams
	Future     config.FutureParams
}

// LegVolumes holds the target volume of each leg, indexed by models.Leg.
type LegVolumes [4]int

// Role computes leg volumes for one strategy role. Prices are shared by every
// role and computed by the Engine.
type Role interface {
	Kind() models.Role
	Volumes(in Inputs) LegVolumes
}

// Regular quotes both sides up to the balance limit, closing first.
type Regular struct{}

// Kind returns models.RoleRegular.
func (Regular) Kind() models.Role { return models.RoleRegular }

// Volumes bounds each side by the increment and the vega/gamma caps.
func (Regular) Volumes(in Inputs) LegVolumes {
	p := in.Params
	buy := minInt(p.Incremental, in.Limits.VegaBuy, in.Limits.GammaBuy)
	sell := minInt(p.Incremental, in.Limits.VegaSell, in.Limits.GammaSell)
	return split(in.Position, buy, sell, p.BalanceLimit, p.MergeClose)
}

// MarketMaker quotes the exchange obligation volume. On the side that would
// extend an exposure already outside its band the volume is scaled down.
type MarketMaker struct{}

// Kind returns models.RoleMarketMaker.
func (MarketMaker) Kind() models.Role { return models.RoleMarketMaker }

// Volumes sizes both sides from the obligation.
func (MarketMaker) Volumes(in Inputs) LegVolumes {
	p := in.Params
	base := in.Obligation.Volume
	if base <= 0 {
		base = p.Incremental
	}

	buy, sell := base, base
	switch bias := valuation.ExposureBias(in.Portfolio, in.Future); {
	case bias < 0:
		buy = scale(base, p.BandVolumeCoef)
	case bias > 0:
		sell = scale(base, p.BandVolumeCoef)
	}

	buy = minInt(buy, in.Limits.VegaBuy, in.Limits.GammaBuy)
	sell = minInt(sell, in.Limits.VegaSell, in.Limits.GammaSell)
	return split(in.Position, buy, sell, p.BalanceLimit, p.MergeClose)
}

// VegaHedge trades toward the vega target, bounded by the gamma limits.
type VegaHedge struct{}

// Kind returns models.RoleVegaHedge.
func (VegaHedge) Kind() models.Role { return models.RoleVegaHedge }

// Volumes sizes a one-sided hedge of HedgeFraction of the vega gap.
func (VegaHedge) Volumes(in Inputs) LegVolumes {
	n := hedgeContracts(in.Limits.VegaTarget-in.Portfolio.Vega, in.Greeks.Vega, in.Params.HedgeFraction)
	return hedge(in, n, in.Limits.GammaBuy, in.Limits.GammaSell)
}

// GammaHedge trades toward the gamma target, bounded by the vega limits.
type GammaHedge struct{}

// Kind returns models.RoleGammaHedge.
func (GammaHedge) Kind() models.Role { return models.RoleGammaHedge }

// Volumes sizes a one-sided hedge of HedgeFraction of the gamma gap.
func (GammaHedge) Volumes(in Inputs) LegVolumes {
	n := hedgeContracts(in.Limits.GammaTarget-in.Portfolio.Gamma, in.Greeks.Gamma, in.Params.HedgeFraction)
	return hedge(in, n, in.Limits.VegaBuy, in.Limits.VegaSell)
}

// NewRole returns the implementation of a role.
func NewRole(kind models.Role) (Role, error) {
	switch kind {
	case models.RoleRegular:
		return Regular{}, nil
	case models.RoleMarketMaker:
		return MarketMaker{}, nil
	case models.RoleVegaHedge:
		return VegaHedge{}, nil
	case models.RoleGammaHedge:
		return GammaHedge{}, nil
	default:
		return nil, fmt.Errorf("role %q: %w", kind, errors.ErrInvalidInput)
	}
}

// hedgeContracts returns the signed number of contracts covering fraction of
// gap given the per-contract sensitivity. Positive means buy.
func hedgeContracts(gap, perContract, fraction float64) int {
	if perContract <= 0 || math.IsNaN(gap) {
		return 0
	}
	return int(fraction * gap / perContract)
}

func hedge(in Inputs, n, buyCap, sellCap int) LegVolumes {
	inc := in.Params.Incremental
	var buy, sell int
	if n > 0 {
		buy = minInt(n, buyCap, inc)
	} else if n < 0 {
		sell = minInt(-n, sellCap, inc)
	}
	return split(in.Position, buy, sell, in.Params.BalanceLimit, in.Params.MergeClose)
}

// split distributes the buy and sell targets over the close and open legs.
// Closing the existing position takes priority; opening is bounded by the
// room left under the balance limit. With merge the close volume is carried
// on the open leg instead.
func split(pos, buy, sell, balance int, merge bool) LegVolumes {
	var v LegVolumes
	buy, sell = max(buy, 0), max(sell, 0)

	if pos < 0 {
		v[models.BuyClose] = min(-pos, buy)
	}
	if pos > 0 {
		v[models.SellClose] = min(pos, sell)
	}
	v[models.BuyOpen] = max(min(buy-v[models.BuyClose], balance-max(pos, 0)), 0)
	v[models.SellOpen] = max(min(sell-v[models.SellClose], balance-max(-pos, 0)), 0)

	if merge {
		v[models.BuyOpen] += v[models.BuyClose]
		v[models.SellOpen] += v[models.SellClose]
		v[models.BuyClose], v[models.SellClose] = 0, 0
	}
	return v
}

func scale(n int, coef float64) int {
	return int(math.Floor(float64(n) * coef))
}

func minInt(first int, rest ...int) int {
	m := first
	for _, v := range rest {
		m = min(m, v)
	}
	return m
}
