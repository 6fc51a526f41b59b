package decision

import (
	"math"

	"github.com/rs/zerolog"

	"options-mm/internal/config"
	"options-mm/internal/logging"
	"options-mm/internal/models"
	"options-mm/internal/pricing"
	"options-mm/internal/valuation"
)

// Engine computes leg drafts and actions for the roles of one option. It is
// stateless between recalculations apart from its parameters.
type Engine struct {
	params valuation.Params
	logger zerolog.Logger
}

// NewEngine creates a decision engine.
func NewEngine(params valuation.Params, logger zerolog.Logger) *Engine {
	return &Engine{params: params, logger: logger}
}

// SetParams installs a new configuration snapshot.
func (e *Engine) SetParams(p valuation.Params) {
	e.params = p
}

// Recalculate computes the four leg drafts of a role from the snapshot and the
// recalculation state. A failed snapshot or a role not allowed to trade yields
// empty drafts, which cancel any resting orders.
func (e *Engine) Recalculate(role Role, snap *models.ModelSnapshot, state *models.RecalcState) [4]models.Draft {
	var drafts [4]models.Draft
	for _, l := range models.Legs {
		drafts[l].Leg = l
	}
	if snap == nil || !snap.Success {
		return drafts
	}
	d, ok := snap.Derived(role.Kind())
	if !ok || !d.TradingAllowedByLiquidity {
		return drafts
	}

	sp := e.params.Strategy(role.Kind())
	vols := role.Volumes(Inputs{
		Position:   state.Position,
		Limits:     state.Limits,
		Portfolio:  state.Portfolio,
		Obligation: state.Obligation,
		Greeks:     snap.Greeks,
		Params:     sp,
		Future:     e.params.Future,
	})

	in := e.pricingInputs(snap, state)
	var q quote
	if snap.Liquid() {
		q = liquidQuote(snap, d, sp, state.PriceStep)
	} else {
		q = illiquidQuote(snap, d, sp, in, state.PriceStep)
	}
	// An illiquid buy floored at zero by the minimum spread drops on its own.
	if !q.valid() && (snap.Liquid() || q.sell <= 0) {
		return drafts
	}

	for _, l := range models.Legs {
		raw := q.sell
		if l.Side() == models.SideBuy {
			raw = q.buy
		}
		if raw <= 0 {
			continue
		}
		dr := &drafts[l]
		dr.Volume = vols[l]
		dr.ConsiderPrice = raw
		dr.Price = roundToStep(raw, state.PriceStep, l.Side())
		if dr.Valid() && in.Valid() {
			dr.TargetIV = pricing.ImpliedVol(in, dr.Price, e.params.General.IVAccuracy)
		}
	}
	return drafts
}

func (e *Engine) pricingInputs(snap *models.ModelSnapshot, state *models.RecalcState) pricing.Inputs {
	return pricing.Inputs{
		Future: state.Future.Mid(),
		Strike: state.Strike,
		T:      snap.TimeToExpiry,
		Rate:   e.params.General.InterestRate,
		Type:   state.OptionType,
	}
}

// Evaluate runs Recalculate and Diff for a role and appends the resulting
// actions to the state.
func (e *Engine) Evaluate(role Role, snap *models.ModelSnapshot, state *models.RecalcState) []models.OrderAction {
	drafts := e.Recalculate(role, snap, state)

	d, _ := snap.Derived(role.Kind())
	sp := e.params.Strategy(role.Kind())
	check := snap.Liquid() && sp.CheckIV

	actions := Diff(DiffInput{
		Option:    state.Option,
		Role:      role.Kind(),
		Drafts:    drafts,
		Orders:    state.OrdersFor(role.Kind()),
		Derived:   d,
		Params:    sp,
		PriceStep: state.PriceStep,
		CheckIV:   check,
	})
	if len(actions) > 0 {
		l := logging.WithRole(e.logger, role.Kind())
		l.Debug().
			Uint32("option", uint32(state.Option)).
			Int("actions", len(actions)).
			Msg("Role proposed actions")
	}
	state.AddActions(actions...)
	return actions
}

// DiffInput bundles what Diff compares.
type DiffInput struct {
	Option    models.SecurityID
	Role      models.Role
	Drafts    [4]models.Draft
	Orders    models.LegOrders
	Derived   models.StrategyDerived
	Params    config.StrategyParams
	PriceStep float64
	CheckIV   bool
}

// Diff compares drafts with the live orders and emits at most one action per
// leg. A leg is only moved or cancelled while active and not mid-send or
// mid-cancel; New is only sent for an inactive leg. When CheckIV is set a New
// whose IV breaches the role's limits is returned flagged CancelThisAction,
// and such a Move is turned into a Cancel.
func Diff(in DiffInput) []models.OrderAction {
	var out []models.OrderAction
	for _, l := range models.Legs {
		dr, ord := in.Drafts[l], in.Orders[l]
		a := models.OrderAction{Option: in.Option, Role: in.Role, Leg: l, Price: dr.Price, Volume: dr.Volume}

		switch {
		case !ord.Active:
			if ord.Busy() || !dr.Valid() {
				continue
			}
			a.Type = models.ActionNew
			if in.CheckIV && breachesIV(dr, in.Params) {
				a.CancelThisAction = true
				a.Reason = models.RejectIVLimit
			}

		case !dr.Valid():
			if ord.CancelPending {
				continue
			}
			a.Type = models.ActionCancel
			a.Price, a.Volume = ord.Price, ord.Volume

		default:
			if ord.Busy() || !shouldMove(dr, ord, in) {
				continue
			}
			a.Type = models.ActionMove
			if in.CheckIV && breachesIV(dr, in.Params) {
				a.Type = models.ActionCancel
				a.Price, a.Volume = ord.Price, ord.Volume
				a.Reason = models.RejectIVLimit
			}
		}
		out = append(out, a)
	}
	return out
}

// shouldMove applies the asymmetric price thresholds (narrow when improving,
// wide when worsening) and the volume thresholds.
func shouldMove(dr models.Draft, ord models.OrderState, in DiffInput) bool {
	step := in.PriceStep
	if step <= 0 {
		step = 1
	}
	moved := (dr.Price - ord.Price) / step
	if dr.Leg.Side() == models.SideSell {
		moved = -moved
	}
	const eps = 1e-9
	switch {
	case moved > eps && moved >= in.Derived.ChangeNarrow-eps:
		return true
	case moved < -eps && -moved >= in.Derived.ChangeWide-eps:
		return true
	}

	dv := dr.Volume - ord.Volume
	switch {
	case dv > 0 && dv >= in.Params.VolumeIncreaseMin:
		return true
	case dv < 0 && -dv >= in.Params.VolumeDecreaseMin:
		return true
	}
	return false
}

// breachesIV reports whether a buy would pay more than HighestBuyIV or a sell
// would receive less than LowestSellIV.
func breachesIV(dr models.Draft, sp config.StrategyParams) bool {
	if math.IsNaN(dr.TargetIV) {
		return true
	}
	if dr.Leg.Side() == models.SideBuy {
		return sp.HighestBuyIV > 0 && dr.TargetIV > sp.HighestBuyIV
	}
	return dr.TargetIV < sp.LowestSellIV
}
