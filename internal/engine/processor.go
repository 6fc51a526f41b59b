package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"options-mm/internal/arbiter"
	"options-mm/internal/decision"
	"options-mm/internal/errors"
	"options-mm/internal/logging"
	"options-mm/internal/models"
	"options-mm/internal/store"
	"options-mm/internal/stream"
	"options-mm/internal/valuation"
)

// recalcState is the processor's recalculation state machine.
type recalcState int

const (
	stateIdle recalcState = iota
	stateRecalculating
	statePendingRecalc
)

func (s recalcState) String() string {
	switch s {
	case stateRecalculating:
		return "recalculating"
	case statePendingRecalc:
		return "pending"
	default:
		return "idle"
	}
}

// maxDefer bounds how many consecutive messages may postpone a pending
// recalculation under a continuous flow of updates.
const maxDefer = 32

// message is one unit of work for a processor. apply mutates the processor
// state; a non-empty reason requests a recalculation; after runs once the
// message, and any recalculation it allowed, is done.
type message struct {
	apply  func(p *processor)
	reason models.RecalcReason
	after  func()
}

// processor owns the valuation model and decision state of one option. All
// fields below the inbox are touched only by the run goroutine.
type processor struct {
	id     models.SecurityID
	symbol string
	eng    *Engine
	logger zerolog.Logger

	inbox   chan message
	pending atomic.Int64

	model    *valuation.Model
	decide   *decision.Engine
	params   valuation.Params
	roles    []decision.Role
	enabled  []models.Role
	quote    models.Quote
	position int
	dealQty  int
	orders   map[models.Role]models.LegOrders
	state    recalcState
	reason   models.RecalcReason
	deferred int

	snapshot atomic.Pointer[models.ModelSnapshot]
	actions  atomic.Pointer[[]models.OrderAction]
	pos      atomic.Int64
}

func newProcessor(e *Engine, opt Option, params valuation.Params, enabled []models.Role, queue int) *processor {
	logger := logging.WithOption(e.logger, opt.ID, opt.Symbol)
	p := &processor{
		id:      opt.ID,
		symbol:  opt.Symbol,
		eng:     e,
		logger:  logger,
		inbox:   make(chan message, queue),
		model:   valuation.NewModel(opt.ID, params, logger),
		decide:  decision.NewEngine(params, logger),
		params:  params,
		enabled: enabled,
		orders:  make(map[models.Role]models.LegOrders, len(models.AllRoles)),
	}
	for _, kind := range models.AllRoles {
		r, err := decision.NewRole(kind)
		if err != nil {
			continue
		}
		p.roles = append(p.roles, r)
	}
	p.snapshot.Store(p.model.Last())
	return p
}

// post queues a message, blocking while the inbox is full.
func (p *processor) post(m message) error {
	select {
	case <-p.eng.done:
		return errors.ErrEngineStopped
	default:
	}
	p.pending.Add(1)
	select {
	case p.inbox <- m:
		return nil
	case <-p.eng.done:
		p.pending.Add(-1)
		return errors.ErrEngineStopped
	}
}

// tryPost queues a message unless the inbox is full.
func (p *processor) tryPost(m message) bool {
	p.pending.Add(1)
	select {
	case p.inbox <- m:
		return true
	default:
		p.pending.Add(-1)
		return false
	}
}

func (p *processor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.inbox:
			p.pending.Add(-1)
			p.handle(m)
		}
	}
}

// handle processes one message on the run goroutine. A panic discards the
// model state of this option and is reported like a crashed worker.
func (p *processor) handle(m message) {
	defer func() {
		if r := recover(); r != nil {
			err := &errors.WorkerError{Worker: fmt.Sprintf("option:%s", p.symbol), Panic: r}
			p.logger.Error().Err(err).Msg("Option processor crashed, resetting model")
			p.model = valuation.NewModel(p.id, p.params, p.logger)
			p.state, p.reason, p.deferred = stateIdle, "", 0
			p.eng.fatal(err)
		}
		if m.after != nil {
			m.after()
		}
	}()

	if m.apply != nil {
		m.apply(p)
	}
	if m.reason != "" {
		p.request(m.reason)
	}
	p.maybeRecalc()
}

// request moves the state machine towards a recalculation. Requests while a
// recalculation is running are discarded; repeated requests coalesce.
func (p *processor) request(reason models.RecalcReason) {
	switch p.state {
	case stateIdle:
		p.state = statePendingRecalc
		p.reason = reason
	case stateRecalculating:
		p.logger.Debug().Str("reason", string(reason)).Msg("Discarding overlapping recalculation")
	case statePendingRecalc:
	}
}

// maybeRecalc runs a pending recalculation unless upstream messages are
// still queued, in which case it waits for them to land.
func (p *processor) maybeRecalc() {
	if p.state != statePendingRecalc {
		return
	}
	if p.pending.Load() > 0 && p.deferred < maxDefer {
		p.deferred++
		return
	}
	p.deferred = 0
	p.recalculate()
}

func (p *processor) recalculate() {
	reason := p.reason
	p.state = stateRecalculating
	defer func() {
		if p.state == stateRecalculating {
			p.state = stateIdle
		}
		p.reason = ""
	}()

	e := p.eng
	start := time.Now()

	opt, ser, fut, err := e.arena.Resolve(p.id)
	if err != nil {
		rerr := errors.NewRecalcError(p.symbol, string(reason), err)
		p.model = valuation.NewModel(p.id, p.params, p.logger)
		p.snapshot.Store(p.model.Last())
		logging.LogRecalc(p.logger, reason, 0, time.Since(start), rerr)
		return
	}

	risk := e.riskSource()
	portfolio := risk.Portfolio()
	futQuote := e.FutureQuote(fut.ID)

	snap := p.model.Update(valuation.Input{
		Time:                e.now(),
		Option:              p.id,
		Type:                opt.Type,
		Strike:              opt.Strike,
		Expiry:              ser.Expiry,
		PriceStep:           opt.PriceStep,
		Quote:               p.quote,
		Future:              futQuote,
		Position:            p.position,
		DealQty:             p.dealQty,
		PermanentlyIlliquid: opt.PermanentlyIlliquid,
		Curve:               e.curve.Snapshot(ser.ID),
		Portfolio:           portfolio,
		Obligation:          opt.Obligation,
	}, reason, p.enabled)
	p.dealQty = 0
	p.snapshot.Store(snap)

	state := &models.RecalcState{
		Option:     p.id,
		OptionType: opt.Type,
		Strike:     opt.Strike,
		PriceStep:  opt.PriceStep,
		Future:     futQuote,
		Quote:      p.quote,
		Position:   p.position,
		Limits:     risk.Limits(p.id),
		Portfolio:  portfolio,
		Obligation: opt.Obligation,
		Orders:     p.ordersCopy(),
	}
	for _, r := range p.roles {
		p.decide.Evaluate(r, snap, state)
	}

	res := e.arbiter.Arbitrate(state.Actions, state.Orders, e.governor)
	p.markDispatched(res)
	total, news := e.arbiter.Dispatch(res, e.sink)
	e.governor.Record(total, news)

	ordered := res.Ordered()
	p.actions.Store(&ordered)

	if e.hub != nil {
		e.hub.Publish(stream.Update{Snapshot: snap, Actions: ordered, Rejected: res.Rejected})
	}
	if e.recorder != nil {
		e.recorder.Recalculated(reason, snap, time.Since(start))
		e.recorder.Dispatched(ordered)
		e.recorder.Rejected(res.Rejected)
		e.recorder.Transactions(e.governor.LastSecondCount())
	}
	e.audit(store.ActionBatch{
		Option:   p.id,
		Symbol:   p.symbol,
		Reason:   reason,
		At:       snap.Time,
		Accepted: ordered,
		Rejected: res.Rejected,
	})

	var snapErr error
	if !snap.Success {
		snapErr = fmt.Errorf("%s", snap.Error)
	}
	logging.LogRecalc(p.logger, reason, total, time.Since(start), snapErr)
}

func (p *processor) ordersCopy() map[models.Role]models.LegOrders {
	out := make(map[models.Role]models.LegOrders, len(p.orders))
	for r, o := range p.orders {
		out[r] = o
	}
	return out
}

// markDispatched flags the legs touched by dispatched actions as busy until
// the execution side reports back.
func (p *processor) markDispatched(res arbiter.Result) {
	mark := func(a models.OrderAction) {
		orders := p.orders[a.Role]
		o := &orders[a.Leg]
		switch a.Type {
		case models.ActionNew:
			*o = models.OrderState{SendPending: true, Price: a.Price, Volume: a.Volume}
		case models.ActionMove:
			o.SendPending = true
		case models.ActionCancel:
			o.CancelPending = true
		}
		p.orders[a.Role] = orders
	}
	for _, a := range res.Ordered() {
		mark(a)
	}
}

func (p *processor) setPosition(pos int) {
	delta := pos - p.position
	if delta < 0 {
		delta = -delta
	}
	p.dealQty += delta
	p.position = pos
	p.pos.Store(int64(pos))
}

func (p *processor) setOrder(role models.Role, leg models.Leg, st models.OrderState) {
	orders := p.orders[role]
	orders[leg] = st
	p.orders[role] = orders
}

func (p *processor) setParams(params valuation.Params, enabled []models.Role) {
	p.params = params
	p.enabled = enabled
	p.model.SetParams(params)
	p.decide.SetParams(params)
}
