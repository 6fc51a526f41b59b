// Package arbiter merges the proposed actions of every role of an option,
// removes self-crossing quotes and applies the transaction-rate policy.
package arbiter

import (
	"math"

	"github.com/rs/zerolog"

	"options-mm/internal/logging"
	"options-mm/internal/models"
)

// RateState is the transaction-rate signal the arbiter throttles against.
type RateState interface {
	Limited() bool
	NewOrdersLimited() bool
}

// Sink is the order execution collaborator. Calls are fire-and-forget;
// outcomes come back later as order-state and position changes.
type Sink interface {
	SendNew(a models.OrderAction)
	Move(a models.OrderAction)
	MovePair(a, b models.OrderAction)
	Cancel(a models.OrderAction)
}

// Result is the outcome of one arbitration, in dispatch order.
type Result struct {
	Cancels  []models.OrderAction
	Pairs    [][2]models.OrderAction
	Moves    []models.OrderAction
	News     []models.OrderAction
	Rejected []models.OrderAction
}

// Ordered returns the accepted actions flattened in dispatch order.
func (r Result) Ordered() []models.OrderAction {
	out := make([]models.OrderAction, 0, r.Len())
	out = append(out, r.Cancels...)
	for _, p := range r.Pairs {
		out = append(out, p[0], p[1])
	}
	out = append(out, r.Moves...)
	return append(out, r.News...)
}

// Len returns the number of accepted actions.
func (r Result) Len() int {
	return len(r.Cancels) + 2*len(r.Pairs) + len(r.Moves) + len(r.News)
}

// Arbiter is stateless apart from its logger.
type Arbiter struct {
	logger zerolog.Logger
}

// New creates an arbiter.
func New(logger zerolog.Logger) *Arbiter {
	return &Arbiter{logger: logging.WithComponent(logger, "arbiter")}
}

type legKey struct {
	role models.Role
	leg  models.Leg
}

// book tracks the highest buy and lowest sell that will rest after dispatch.
type book struct {
	maxBuy  float64
	minSell float64
}

func newBook() *book {
	return &book{maxBuy: math.Inf(-1), minSell: math.Inf(1)}
}

func (b *book) crosses(side models.Side, price float64) bool {
	if side == models.SideBuy {
		return price >= b.minSell
	}
	return price <= b.maxBuy
}

func merge(a book, b *book) book {
	return book{maxBuy: math.Max(a.maxBuy, b.maxBuy), minSell: math.Min(a.minSell, b.minSell)}
}

func (b *book) add(side models.Side, price float64) {
	if side == models.SideBuy {
		b.maxBuy = math.Max(b.maxBuy, price)
	} else {
		b.minSell = math.Min(b.minSell, price)
	}
}

// Arbitrate filters and orders the actions of one option. resting holds the
// live orders of every role; orders untouched by any action stay on the book
// and seed the cross check. A Move or Cancel that is rejected leaves its order
// resting at the old price, so accepted actions are re-checked against it.
func (a *Arbiter) Arbitrate(actions []models.OrderAction, resting map[models.Role]models.LegOrders, rate RateState) Result {
	var res Result
	reject := func(act models.OrderAction, reason models.RejectReason) {
		act.Reason = reason
		res.Rejected = append(res.Rejected, act)
		logging.LogRejection(a.logger, act, reason)
	}

	touched := make(map[legKey]bool, len(actions))
	for _, act := range actions {
		touched[legKey{act.Role, act.Leg}] = true
	}

	// stay holds every order known to rest after dispatch regardless of
	// which of the remaining actions are accepted.
	stay := newBook()
	for role, orders := range resting {
		for _, l := range models.Legs {
			o := orders[l]
			if o.Active && !o.CancelPending && !touched[legKey{role, l}] {
				stay.add(l.Side(), o.Price)
			}
		}
	}
	keep := func(act models.OrderAction) {
		if act.Type == models.ActionNew {
			return
		}
		if o := resting[act.Role][act.Leg]; o.Active && !o.CancelPending {
			stay.add(act.Leg.Side(), o.Price)
		}
	}

	b := *stay
	var passed []models.OrderAction
	for _, act := range actions {
		if act.CancelThisAction {
			reason := models.RejectSendConditionFalse
			if act.Reason != models.RejectNone {
				reason = act.Reason
			}
			reject(act, reason)
			keep(act)
			b = merge(b, stay)
			continue
		}
		if act.Type == models.ActionCancel {
			passed = append(passed, act)
			continue
		}
		if b.crosses(act.Side(), act.Price) {
			reject(act, models.RejectCrossPrice)
			keep(act)
			b = merge(b, stay)
			continue
		}
		b.add(act.Side(), act.Price)
		passed = append(passed, act)
	}

	// Accepted prices never cross each other, only orders left resting by a
	// later rejection. Each rejection here can leave another order resting.
	for changed := true; changed; {
		changed = false
		kept := passed[:0]
		for _, act := range passed {
			if act.Type != models.ActionCancel && stay.crosses(act.Side(), act.Price) {
				reject(act, models.RejectCrossPrice)
				keep(act)
				changed = true
				continue
			}
			kept = append(kept, act)
		}
		passed = kept
	}

	limited := rate != nil && rate.Limited()
	newLimited := rate != nil && rate.NewOrdersLimited()

	var buyMoves, sellMoves []models.OrderAction
	for _, act := range passed {
		switch {
		case limited:
			reject(act, models.RejectTransactionsLimit)
		case act.Type == models.ActionNew && newLimited:
			reject(act, models.RejectTransactionsLimit)
		case act.Type == models.ActionCancel:
			res.Cancels = append(res.Cancels, act)
		case act.Type == models.ActionMove && act.Side() == models.SideBuy:
			buyMoves = append(buyMoves, act)
		case act.Type == models.ActionMove:
			sellMoves = append(sellMoves, act)
		default:
			res.News = append(res.News, act)
		}
	}

	n := min(len(buyMoves), len(sellMoves))
	for i := 0; i < n; i++ {
		res.Pairs = append(res.Pairs, [2]models.OrderAction{buyMoves[i], sellMoves[i]})
	}
	res.Moves = append(res.Moves, buyMoves[n:]...)
	res.Moves = append(res.Moves, sellMoves[n:]...)
	return res
}

// Dispatch sends the accepted actions to the sink in order: cancels, paired
// moves, single moves, then new orders. It returns the number of transactions
// and how many of them were new orders.
func (a *Arbiter) Dispatch(res Result, sink Sink) (total, news int) {
	for _, act := range res.Cancels {
		sink.Cancel(act)
		logging.LogOrderAction(a.logger, act)
	}
	for _, p := range res.Pairs {
		sink.MovePair(p[0], p[1])
		logging.LogOrderAction(a.logger, p[0])
		logging.LogOrderAction(a.logger, p[1])
	}
	for _, act := range res.Moves {
		sink.Move(act)
		logging.LogOrderAction(a.logger, act)
	}
	for _, act := range res.News {
		sink.SendNew(act)
		logging.LogOrderAction(a.logger, act)
	}
	return res.Len(), len(res.News)
}
