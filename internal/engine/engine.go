// Package engine runs the per-option recalculation pipeline: securities
// arena, one serialized processor per option, the curve actor, arbitration
// and dispatch to the execution sink.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"options-mm/internal/arbiter"
	"options-mm/internal/broker"
	"options-mm/internal/config"
	"options-mm/internal/curve"
	"options-mm/internal/errors"
	"options-mm/internal/logging"
	"options-mm/internal/models"
	"options-mm/internal/performance"
	"options-mm/internal/ratelimit"
	"options-mm/internal/store"
	"options-mm/internal/stream"
	"options-mm/internal/valuation"
)

// Recorder receives engine metrics.
type Recorder interface {
	curve.Recorder
	Recalculated(reason models.RecalcReason, snap *models.ModelSnapshot, d time.Duration)
	Dispatched(actions []models.OrderAction)
	Rejected(actions []models.OrderAction)
	Transactions(lastSecond int)
}

// RiskSource supplies the portfolio aggregates and per-option volume caps
// read by each recalculation.
type RiskSource interface {
	Limits(option models.SecurityID) models.RiskLimits
	Portfolio() models.Portfolio
}

// StaticRisk is a RiskSource with fixed values.
type StaticRisk struct {
	Caps models.RiskLimits
	Book models.Portfolio
}

// Limits returns the fixed caps.
func (s StaticRisk) Limits(models.SecurityID) models.RiskLimits { return s.Caps }

// Portfolio returns the fixed portfolio.
func (s StaticRisk) Portfolio() models.Portfolio { return s.Book }

type nopSink struct{}

func (nopSink) SendNew(models.OrderAction)       {}
func (nopSink) Move(models.OrderAction)          {}
func (nopSink) MovePair(_, _ models.OrderAction) {}
func (nopSink) Cancel(models.OrderAction)        {}

// Engine owns the securities and their processors.
type Engine struct {
	cfg      atomic.Pointer[config.Config]
	arena    *Arena
	curve    *curve.Engine
	arbiter  *arbiter.Arbiter
	governor *ratelimit.Governor
	sink     broker.Sink
	hub      *stream.Hub
	journal  store.Journal
	recorder Recorder
	risk     RiskSource
	pool     *performance.WorkerPool
	onFatal  curve.FatalHandler
	clock    func() time.Time
	logger   zerolog.Logger

	connected atomic.Bool
	startedAt atomic.Int64

	mu           sync.RWMutex
	processors   map[models.SecurityID]*processor
	futureQuotes map[models.SecurityID]models.Quote
	runCtx       context.Context
	running      bool
	wg           sync.WaitGroup
	done         chan struct{}
}

// New creates an engine dispatching to sink. A nil sink discards actions.
func New(cfg *config.Config, sink broker.Sink, logger zerolog.Logger) *Engine {
	if sink == nil {
		sink = nopSink{}
	}
	logger = logging.WithComponent(logger, "engine")
	e := &Engine{
		arena:        NewArena(),
		arbiter:      arbiter.New(logger),
		governor:     ratelimit.NewGovernor(cfg.RateLimit),
		sink:         sink,
		risk:         StaticRisk{},
		pool:         performance.NewWorkerPool(cfg.Engine.Workers, cfg.Engine.QueueSize),
		clock:        time.Now,
		logger:       logger,
		processors:   make(map[models.SecurityID]*processor),
		futureQuotes: make(map[models.SecurityID]models.Quote),
		done:         make(chan struct{}),
	}
	e.cfg.Store(cfg)
	e.connected.Store(true)

	e.curve = curve.NewEngine(curve.EngineConfig{Tick: cfg.Engine.CurveTick, InboxSize: cfg.Engine.QueueSize}, e, logger)
	e.curve.SetGate(e)
	e.curve.SetClock(e.now)
	e.curve.SetFatalHandler(e.fatal)
	return e
}

// SetHub sets the snapshot stream.
func (e *Engine) SetHub(h *stream.Hub) { e.hub = h }

// SetJournal sets the audit journal for actions and curve fits.
func (e *Engine) SetJournal(j store.Journal) {
	e.journal = j
	e.curve.SetJournal(j)
}

// SetRecorder sets the metrics recorder.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
	e.curve.SetRecorder(r)
}

// SetRisk sets the risk source.
func (e *Engine) SetRisk(r RiskSource) { e.risk = r }

// SetFatalHandler sets the callback told about crashed workers.
func (e *Engine) SetFatalHandler(h curve.FatalHandler) { e.onFatal = h }

// SetClock overrides the market time source.
func (e *Engine) SetClock(clock func() time.Time) {
	e.clock = clock
	e.governor.SetClock(clock)
}

// SetConnected tells the engine whether market data is live. Curves are not
// calculated while disconnected, and a reconnect starts a new trading period:
// the initial delay runs again from now.
func (e *Engine) SetConnected(ok bool) {
	if e.connected.Swap(ok) == ok || !ok {
		return
	}
	e.startedAt.Store(e.now().UnixNano())
	e.logger.Info().Dur("initial_delay", e.cfg.Load().Engine.InitialDelay).Msg("Market data connected")
}

// Connected reports whether market data is flowing.
func (e *Engine) Connected() bool { return e.connected.Load() }

// Arena returns the securities arena.
func (e *Engine) Arena() *Arena { return e.arena }

// Config returns the configuration snapshot in force.
func (e *Engine) Config() *config.Config { return e.cfg.Load() }

// Governor returns the transaction-rate governor.
func (e *Engine) Governor() *ratelimit.Governor { return e.governor }

func (e *Engine) now() time.Time { return e.clock() }

func (e *Engine) riskSource() RiskSource {
	if e.risk == nil {
		return StaticRisk{}
	}
	return e.risk
}

func (e *Engine) fatal(err error) {
	e.logger.Error().Err(err).Msg("Worker failure reported to supervisor")
	if e.onFatal != nil {
		e.onFatal(err)
	}
}

// CanCalculate gates curve calculation on connectivity and the initial delay,
// measured from Run or from the last reconnect, whichever is later.
func (e *Engine) CanCalculate(now time.Time) bool {
	if !e.connected.Load() {
		return false
	}
	started := e.startedAt.Load()
	if started == 0 {
		return false
	}
	return now.Sub(time.Unix(0, started)) >= e.cfg.Load().Engine.InitialDelay
}

// AddFuture adds an underlying future.
func (e *Engine) AddFuture(symbol string, priceStep float64) (models.SecurityID, error) {
	return e.arena.AddFuture(symbol, priceStep)
}

// AddSeries adds a series and registers its curve.
func (e *Engine) AddSeries(symbol string, future models.SecurityID, expiry time.Time) (models.SecurityID, error) {
	id, err := e.arena.AddSeries(symbol, future, expiry)
	if err != nil {
		return 0, err
	}

	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if running {
		if err := e.curve.Register(id, symbol, e.cfg.Load().SeriesParamsFor(symbol)); err != nil {
			return id, err
		}
	}
	return id, nil
}

// AddOption adds an option and creates its processor.
func (e *Engine) AddOption(spec OptionSpec) (models.SecurityID, error) {
	id, err := e.arena.AddOption(spec)
	if err != nil {
		return 0, err
	}
	opt, _, fut, err := e.arena.Resolve(id)
	if err != nil {
		return 0, err
	}

	cfg := e.cfg.Load()
	p := newProcessor(e, opt, valuation.ParamsFrom(cfg, fut.Symbol), cfg.EnabledRoles(), cfg.Engine.QueueSize)

	e.mu.Lock()
	e.processors[id] = p
	ctx, running := e.runCtx, e.running
	e.mu.Unlock()

	if running {
		e.startProcessor(ctx, p)
	}
	return id, nil
}

func (e *Engine) startProcessor(ctx context.Context, p *processor) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		p.run(ctx)
	}()
}

func (e *Engine) lookup(id models.SecurityID) (*processor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.processors[id]
	if !ok {
		return nil, errors.ErrUnknownSecurity
	}
	return p, nil
}

// Run starts the curve actor, the processors and the recalculation timer and
// blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.runCtx = ctx
	procs := make([]*processor, 0, len(e.processors))
	for _, p := range e.processors {
		procs = append(procs, p)
	}
	e.mu.Unlock()

	e.startedAt.Store(e.now().UnixNano())
	e.pool.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.curve.Run(ctx)
	}()

	cfg := e.cfg.Load()
	for _, id := range e.arena.SeriesIDs() {
		s, _ := e.arena.Series(id)
		if err := e.curve.Register(id, s.Symbol, cfg.SeriesParamsFor(s.Symbol)); err != nil {
			e.logger.Warn().Err(err).Str("series", s.Symbol).Msg("Failed to register curve")
		}
	}
	for _, p := range procs {
		e.startProcessor(ctx, p)
	}
	e.logger.Info().Int("options", len(procs)).Msg("Engine started")

	ticker := time.NewTicker(cfg.Engine.RecalcTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(e.done)
			e.wg.Wait()
			e.pool.Stop()
			e.logger.Info().Msg("Engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.recalcAll(models.ReasonTimer)
		}
	}
}

// recalcAll requests a recalculation of every option, skipping options whose
// inbox is full.
func (e *Engine) recalcAll(reason models.RecalcReason) {
	e.mu.RLock()
	procs := make([]*processor, 0, len(e.processors))
	for _, p := range e.processors {
		procs = append(procs, p)
	}
	e.mu.RUnlock()

	for _, p := range procs {
		p.tryPost(message{reason: reason})
	}
}

// UpdateQuote delivers a new option quote.
func (e *Engine) UpdateQuote(id models.SecurityID, q models.Quote) error {
	p, err := e.lookup(id)
	if err != nil {
		return err
	}
	return p.post(message{apply: func(p *processor) { p.quote = q }, reason: models.ReasonMarket})
}

// UpdateFuture delivers a new future quote and requests a recalculation of
// every option on it.
func (e *Engine) UpdateFuture(id models.SecurityID, q models.Quote) error {
	if _, ok := e.arena.Future(id); !ok {
		return errors.ErrUnknownSecurity
	}
	e.mu.Lock()
	e.futureQuotes[id] = q
	e.mu.Unlock()

	for _, oid := range e.arena.OptionsOfFuture(id) {
		if p, err := e.lookup(oid); err == nil {
			if err := p.post(message{reason: models.ReasonMarket}); err != nil {
				return err
			}
		}
	}
	return nil
}

// FutureQuote returns the latest quote of a future.
func (e *Engine) FutureQuote(id models.SecurityID) models.Quote {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.futureQuotes[id]
}

// UpdatePosition delivers the current position of an option.
func (e *Engine) UpdatePosition(id models.SecurityID, position int) error {
	p, err := e.lookup(id)
	if err != nil {
		return err
	}
	return p.post(message{apply: func(p *processor) { p.setPosition(position) }, reason: models.ReasonPosition})
}

// HandleOrderEvent applies an order-state notification from the execution side.
func (e *Engine) HandleOrderEvent(ev broker.OrderEvent) {
	p, err := e.lookup(ev.Option)
	if err != nil {
		e.logger.Warn().Uint32("option", uint32(ev.Option)).Msg("Order event for unknown option")
		return
	}
	_ = p.post(message{apply: func(p *processor) { p.setOrder(ev.Role, ev.Leg, ev.State) }, reason: models.ReasonOrder})
}

// HandleFill applies a fill notification.
func (e *Engine) HandleFill(f broker.FillEvent) {
	if err := e.UpdatePosition(f.Option, f.Position); err != nil {
		e.logger.Warn().Err(err).Uint32("option", uint32(f.Option)).Msg("Fill for unknown option")
	}
}

// Recalculate requests a recalculation of one option.
func (e *Engine) Recalculate(id models.SecurityID, reason models.RecalcReason) error {
	p, err := e.lookup(id)
	if err != nil {
		return err
	}
	return p.post(message{reason: reason})
}

// Sync returns once every message posted to the option before it, and the
// recalculation they request, have been processed.
func (e *Engine) Sync(ctx context.Context, id models.SecurityID) error {
	p, err := e.lookup(id)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	if err := p.post(message{after: func() { close(done) }}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return errors.ErrEngineStopped
	}
}

// ApplyConfig installs a new configuration snapshot and requests a Config
// recalculation of every option.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.governor.SetLimits(cfg.RateLimit)
	enabled := cfg.EnabledRoles()

	for _, id := range e.arena.SeriesIDs() {
		s, _ := e.arena.Series(id)
		if err := e.curve.UpdateParams(id, cfg.SeriesParamsFor(s.Symbol)); err != nil {
			e.logger.Warn().Err(err).Str("series", s.Symbol).Msg("Failed to update curve parameters")
		}
	}

	e.mu.RLock()
	procs := make(map[models.SecurityID]*processor, len(e.processors))
	for id, p := range e.processors {
		procs[id] = p
	}
	e.mu.RUnlock()

	for id, p := range procs {
		_, _, fut, err := e.arena.Resolve(id)
		if err != nil {
			continue
		}
		params := valuation.ParamsFrom(cfg, fut.Symbol)
		_ = p.post(message{apply: func(p *processor) { p.setParams(params, enabled) }, reason: models.ReasonConfig})
	}
	e.logger.Info().Int("options", len(procs)).Msg("Configuration applied")
}

// ResetCurves resets every series curve, keeping or dropping staged
// observations. Used at market close.
func (e *Engine) ResetCurves(keep bool) error {
	return e.curve.ResetAll(keep)
}

// ResetCurve queues a manual reset of one series curve, applied on its next
// tick.
func (e *Engine) ResetCurve(series models.SecurityID, keep bool) error {
	if _, ok := e.arena.Series(series); !ok {
		return errors.ErrUnknownSecurity
	}
	return e.curve.Reset(series, keep)
}

// SelectSeries turns curve calculation of a series on or off.
func (e *Engine) SelectSeries(series models.SecurityID, selected bool) error {
	if _, ok := e.arena.Series(series); !ok {
		return errors.ErrUnknownSecurity
	}
	return e.curve.SetSelected(series, selected)
}

// ResetMarketIV makes the option's next liquid recalculation snap market IV
// back to the current IV.
func (e *Engine) ResetMarketIV(id models.SecurityID) error {
	p, err := e.lookup(id)
	if err != nil {
		return err
	}
	return p.post(message{apply: func(p *processor) { p.model.ResetMarketIV() }, reason: models.ReasonManual})
}

// Snapshot returns the latest published snapshot of an option.
func (e *Engine) Snapshot(id models.SecurityID) *models.ModelSnapshot {
	p, err := e.lookup(id)
	if err != nil {
		return nil
	}
	return p.snapshot.Load()
}

// CurveStatus returns the latest published curve of a series.
func (e *Engine) CurveStatus(series models.SecurityID) *models.CurveSnapshot {
	return e.curve.Snapshot(series)
}

// CurveStatuses returns the published curve of every series.
func (e *Engine) CurveStatuses() []models.CurveSnapshot {
	return e.curve.Statuses()
}

// LastActions returns the ordered actions of the option's latest recalculation.
func (e *Engine) LastActions(id models.SecurityID) []models.OrderAction {
	p, err := e.lookup(id)
	if err != nil {
		return nil
	}
	if a := p.actions.Load(); a != nil {
		return *a
	}
	return nil
}

// Position returns the last position delivered for an option.
func (e *Engine) Position(id models.SecurityID) int {
	p, err := e.lookup(id)
	if err != nil {
		return 0
	}
	return int(p.pos.Load())
}

// Observations implements curve.Source from the latest published snapshots
// of the series' options. It only reads atomics and never blocks on a
// processor.
func (e *Engine) Observations(series models.SecurityID) []curve.Observation {
	s, ok := e.arena.Series(series)
	if !ok {
		return nil
	}
	obs := make([]curve.Observation, 0, len(s.Options))
	for _, id := range s.Options {
		snap := e.Snapshot(id)
		if snap == nil || !snap.Success || !snap.Liquid() || !snap.MarketIVSet {
			continue
		}
		if snap.MarketIVBid <= 0 || snap.MarketIVOffer <= 0 {
			continue
		}
		opt, _ := e.arena.Option(id)
		itm := snap.LogMoneyness > 0
		if opt.Type == models.Put {
			itm = snap.LogMoneyness < 0
		}
		obs = append(obs, curve.Observation{
			Option:    id,
			Moneyness: snap.LogMoneyness,
			ITM:       itm,
			IVBid:     snap.MarketIVBid,
			IVOffer:   snap.MarketIVOffer,
		})
	}
	return obs
}

// audit journals a batch on the worker pool.
func (e *Engine) audit(batch store.ActionBatch) {
	if e.journal == nil || batch.Len() == 0 {
		return
	}
	j := e.journal
	ok := e.pool.Submit(func(ctx context.Context) {
		if _, err := j.SaveActions(ctx, batch); err != nil {
			e.logger.Warn().Err(err).Uint32("option", uint32(batch.Option)).Msg("Failed to journal actions")
		}
	})
	if !ok {
		e.logger.Debug().Uint32("option", uint32(batch.Option)).Msg("Audit queue full, batch dropped")
	}
}

// Lookup resolves a security symbol.
func (e *Engine) Lookup(symbol string) (models.SecurityID, bool) {
	return e.arena.Lookup(symbol)
}

// AuditStats returns the statistics of the audit worker pool.
func (e *Engine) AuditStats() performance.PoolStats {
	return e.pool.Stats()
}
