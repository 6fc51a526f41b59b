package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"options-mm/internal/logging"
	"options-mm/internal/models"
)

type legKey struct {
	option models.SecurityID
	role   models.Role
	leg    models.Leg
}

type paperOrder struct {
	ID       string
	Key      legKey
	Price    float64
	Volume   int
	PlacedAt time.Time
}

// PaperBroker simulates an exchange for paper trading. Resting orders fill in
// full against the latest quote of their option. Notifications are queued and
// delivered by Run so dispatching never blocks on a handler.
type PaperBroker struct {
	orders    map[legKey]*paperOrder
	quotes    map[models.SecurityID]models.Quote
	positions map[models.SecurityID]int
	fills     []FillEvent

	onOrder func(OrderEvent)
	onFill  func(FillEvent)

	queue []func()
	wake  chan struct{}
	clock func() time.Time

	logger zerolog.Logger
	mu     sync.Mutex
}

// NewPaperBroker creates a paper broker with no positions.
func NewPaperBroker(logger zerolog.Logger) *PaperBroker {
	return &PaperBroker{
		orders:    make(map[legKey]*paperOrder),
		quotes:    make(map[models.SecurityID]models.Quote),
		positions: make(map[models.SecurityID]int),
		wake:      make(chan struct{}, 1),
		clock:     time.Now,
		logger:    logging.WithComponent(logger, "paper"),
	}
}

// OnOrderState registers the order-state handler.
func (p *PaperBroker) OnOrderState(handler func(OrderEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onOrder = handler
}

// OnFill registers the fill handler.
func (p *PaperBroker) OnFill(handler func(FillEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFill = handler
}

// SetClock overrides the time source.
func (p *PaperBroker) SetClock(clock func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
}

// Run delivers queued notifications until ctx is done.
func (p *PaperBroker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
			p.Drain()
		}
	}
}

// Drain delivers every queued notification on the calling goroutine.
func (p *PaperBroker) Drain() {
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, fn := range queue {
		fn()
	}
}

// SendNew places an order on an inactive leg.
func (p *PaperBroker) SendNew(a models.OrderAction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := legKey{a.Option, a.Role, a.Leg}
	if _, ok := p.orders[key]; ok {
		p.logger.Warn().Str("action", a.String()).Msg("New on an active leg ignored")
		return
	}
	o := &paperOrder{ID: uuid.NewString(), Key: key, Price: a.Price, Volume: a.Volume, PlacedAt: p.clock()}
	p.orders[key] = o
	p.emitState(o)
	p.match(a.Option)
}

// Move re-registers an active order at a new price and volume.
func (p *PaperBroker) Move(a models.OrderAction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.move(a)
	p.match(a.Option)
}

// MovePair moves two orders of the same option together.
func (p *PaperBroker) MovePair(a, b models.OrderAction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.move(a)
	p.move(b)
	p.match(a.Option)
	if b.Option != a.Option {
		p.match(b.Option)
	}
}

func (p *PaperBroker) move(a models.OrderAction) {
	o, ok := p.orders[legKey{a.Option, a.Role, a.Leg}]
	if !ok {
		p.logger.Warn().Str("action", a.String()).Msg("Move on an inactive leg ignored")
		p.emitInactive(legKey{a.Option, a.Role, a.Leg})
		return
	}
	o.Price, o.Volume = a.Price, a.Volume
	p.emitState(o)
}

// Cancel removes an order.
func (p *PaperBroker) Cancel(a models.OrderAction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := legKey{a.Option, a.Role, a.Leg}
	delete(p.orders, key)
	p.emitInactive(key)
}

// UpdateQuote records the option's market and fills any crossing order.
func (p *PaperBroker) UpdateQuote(option models.SecurityID, q models.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[option] = q
	p.match(option)
}

// match fills resting orders of an option that cross its quote. Callers hold mu.
func (p *PaperBroker) match(option models.SecurityID) {
	q, ok := p.quotes[option]
	if !ok || !q.Valid() {
		return
	}
	for key, o := range p.orders {
		if key.option != option {
			continue
		}
		side := key.leg.Side()
		if (side == models.SideBuy && o.Price >= q.Ask) || (side == models.SideSell && o.Price <= q.Bid) {
			p.fill(o, side)
		}
	}
}

func (p *PaperBroker) fill(o *paperOrder, side models.Side) {
	delete(p.orders, o.Key)

	f := FillEvent{
		OrderID: o.ID,
		Option:  o.Key.option,
		Role:    o.Key.role,
		Leg:     o.Key.leg,
		Side:    side,
		Qty:     o.Volume,
		Price:   o.Price,
		At:      p.clock(),
	}
	p.positions[f.Option] += f.Signed()
	f.Position = p.positions[f.Option]
	p.fills = append(p.fills, f)

	p.emitInactive(o.Key)
	if h := p.onFill; h != nil {
		p.enqueue(func() { h(f) })
	}
}

func (p *PaperBroker) emitState(o *paperOrder) {
	if h := p.onOrder; h != nil {
		ev := OrderEvent{
			Option: o.Key.option,
			Role:   o.Key.role,
			Leg:    o.Key.leg,
			State:  models.OrderState{Active: true, Price: o.Price, Volume: o.Volume},
			At:     p.clock(),
		}
		p.enqueue(func() { h(ev) })
	}
}

func (p *PaperBroker) emitInactive(key legKey) {
	if h := p.onOrder; h != nil {
		ev := OrderEvent{Option: key.option, Role: key.role, Leg: key.leg, At: p.clock()}
		p.enqueue(func() { h(ev) })
	}
}

// enqueue adds a notification and wakes Run. Callers hold mu.
func (p *PaperBroker) enqueue(fn func()) {
	p.queue = append(p.queue, fn)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Position returns the simulated position of an option.
func (p *PaperBroker) Position(option models.SecurityID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[option]
}

// Orders returns the number of resting orders.
func (p *PaperBroker) Orders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

// GetTrades returns every fill so far.
func (p *PaperBroker) GetTrades() []FillEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FillEvent(nil), p.fills...)
}

// Reset drops all orders, positions and fills.
func (p *PaperBroker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = make(map[legKey]*paperOrder)
	p.positions = make(map[models.SecurityID]int)
	p.fills = nil
	p.queue = nil
}

// Ensure PaperBroker implements Sink.
var _ Sink = (*PaperBroker)(nil)
