package curve

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"options-mm/internal/config"
	"options-mm/internal/errors"
	"options-mm/internal/logging"
	"options-mm/internal/models"
)

// Source supplies the current liquid observations of a series. It is called
// on the actor goroutine and must not block.
type Source interface {
	Observations(series models.SecurityID) []Observation
}

// Gate tells whether curves may be calculated at all right now (connected,
// market open, past the initial delay).
type Gate interface {
	CanCalculate(now time.Time) bool
}

// GateFunc adapts a function to Gate.
type GateFunc func(now time.Time) bool

// CanCalculate calls f(now).
func (f GateFunc) CanCalculate(now time.Time) bool { return f(now) }

// FitJournal records curve fits.
type FitJournal interface {
	SaveCurveFit(symbol string, snap models.CurveSnapshot) error
}

// Recorder receives curve metrics.
type Recorder interface {
	CurveStatus(series string, status models.CurveStatus)
	CurveFit(series string, bid, offer models.CurveQuality)
	WorkerCrash(worker string)
}

// FatalHandler is told when the actor crashed and was recreated.
type FatalHandler func(err error)

// EngineConfig holds configuration for the curve actor.
type EngineConfig struct {
	// Tick is the periodic calculation interval.
	Tick time.Duration
	// InboxSize is the buffer of posted messages.
	InboxSize int
}

// DefaultEngineConfig returns the default actor configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Tick:      500 * time.Millisecond,
		InboxSize: 64,
	}
}

type registration struct {
	symbol string
	params config.SeriesParams
}

// worker owns every SeriesState. It is only touched by the Run goroutine and
// is discarded wholesale after a panic.
type worker struct {
	series map[models.SecurityID]*SeriesState
}

// Engine is the curve actor. Cross-goroutine requests are posted to its inbox
// and processed one at a time; results are published through atomic pointers.
type Engine struct {
	config   EngineConfig
	source   Source
	gate     Gate
	journal  FitJournal
	recorder Recorder
	onFatal  FatalHandler
	clock    func() time.Time
	logger   zerolog.Logger

	inbox chan func(*worker)
	done  chan struct{}

	mu         sync.RWMutex
	registered map[models.SecurityID]registration
	published  map[models.SecurityID]*atomic.Pointer[models.CurveSnapshot]
}

// NewEngine creates a curve actor. Call Run to start processing.
func NewEngine(cfg EngineConfig, source Source, logger zerolog.Logger) *Engine {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultEngineConfig().Tick
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultEngineConfig().InboxSize
	}
	return &Engine{
		config:     cfg,
		source:     source,
		gate:       GateFunc(func(time.Time) bool { return true }),
		clock:      time.Now,
		logger:     logging.WithComponent(logger, "curve"),
		inbox:      make(chan func(*worker), cfg.InboxSize),
		done:       make(chan struct{}),
		registered: make(map[models.SecurityID]registration),
		published:  make(map[models.SecurityID]*atomic.Pointer[models.CurveSnapshot]),
	}
}

// SetGate sets the calculation gate.
func (e *Engine) SetGate(g Gate) { e.gate = g }

// SetJournal sets the fit journal.
func (e *Engine) SetJournal(j FitJournal) { e.journal = j }

// SetRecorder sets the metrics recorder.
func (e *Engine) SetRecorder(r Recorder) { e.recorder = r }

// SetFatalHandler sets the crash callback.
func (e *Engine) SetFatalHandler(h FatalHandler) { e.onFatal = h }

// SetClock overrides the market time source.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// Run processes posted messages and periodic ticks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	ticker := time.NewTicker(e.config.Tick)
	defer ticker.Stop()

	w := e.newWorker()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.inbox:
			if !e.safely(func() { fn(w) }) {
				w = e.newWorker()
			}
		case <-ticker.C:
			now := e.clock()
			if !e.gate.CanCalculate(now) {
				continue
			}
			if !e.safely(func() { e.tickAll(w, now) }) {
				w = e.newWorker()
			}
		}
	}
}

// safely runs fn and converts a panic into a fatal report.
func (e *Engine) safely(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			err := &errors.WorkerError{Worker: "curve", Panic: r}
			e.logger.Error().Err(err).Msg("Curve worker crashed, recreating")
			if e.recorder != nil {
				e.recorder.WorkerCrash("curve")
			}
			if e.onFatal != nil {
				e.onFatal(err)
			}
			ok = false
		}
	}()
	fn()
	return true
}

// newWorker builds fresh state for every registered series; prior window
// contents are lost.
func (e *Engine) newWorker() *worker {
	e.mu.RLock()
	defer e.mu.RUnlock()

	w := &worker{series: make(map[models.SecurityID]*SeriesState, len(e.registered))}
	for id, reg := range e.registered {
		st := NewSeriesState(id, reg.symbol, reg.params)
		w.series[id] = st
		e.storeLocked(st)
	}
	return w
}

func (e *Engine) storeLocked(st *SeriesState) {
	if p, ok := e.published[st.ID]; ok {
		snap := st.Snapshot()
		p.Store(&snap)
	}
}

func (e *Engine) publish(st *SeriesState) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.storeLocked(st)
}

func (e *Engine) post(fn func(*worker)) error {
	select {
	case e.inbox <- fn:
		return nil
	case <-e.done:
		return errors.ErrEngineStopped
	}
}

// Register adds a series. Re-registering an existing id is a no-op.
func (e *Engine) Register(id models.SecurityID, symbol string, params config.SeriesParams) error {
	e.mu.Lock()
	if _, ok := e.registered[id]; !ok {
		e.registered[id] = registration{symbol: symbol, params: params}
		p := &atomic.Pointer[models.CurveSnapshot]{}
		p.Store(&models.CurveSnapshot{Series: id, Status: models.CurveReset})
		e.published[id] = p
	}
	e.mu.Unlock()

	return e.post(func(w *worker) {
		if _, ok := w.series[id]; !ok {
			w.series[id] = NewSeriesState(id, symbol, params)
		}
	})
}

// UpdateParams installs new series parameters, keeping staged observations.
func (e *Engine) UpdateParams(id models.SecurityID, params config.SeriesParams) error {
	e.mu.Lock()
	reg, ok := e.registered[id]
	if ok {
		reg.params = params
		e.registered[id] = reg
	}
	e.mu.Unlock()
	if !ok {
		return errors.ErrUnknownSecurity
	}

	return e.post(func(w *worker) {
		if st, ok := w.series[id]; ok {
			st.RequestReset(true, &params)
		}
	})
}

// Reset queues a reset of one series for its next tick.
func (e *Engine) Reset(id models.SecurityID, keep bool) error {
	return e.post(func(w *worker) {
		if st, ok := w.series[id]; ok {
			st.RequestReset(keep, nil)
		}
	})
}

// ResetAll queues a reset of every series, e.g. on market close.
func (e *Engine) ResetAll(keep bool) error {
	return e.post(func(w *worker) {
		for _, st := range w.series {
			st.RequestReset(keep, nil)
		}
	})
}

// SetSelected toggles whether a series is calculated.
func (e *Engine) SetSelected(id models.SecurityID, selected bool) error {
	e.mu.Lock()
	if reg, ok := e.registered[id]; ok {
		reg.params.Selected = selected
		e.registered[id] = reg
	}
	e.mu.Unlock()

	return e.post(func(w *worker) {
		if st, ok := w.series[id]; ok {
			st.params.Selected = selected
		}
	})
}

// Remove drops a series.
func (e *Engine) Remove(id models.SecurityID) error {
	e.mu.Lock()
	delete(e.registered, id)
	delete(e.published, id)
	e.mu.Unlock()

	return e.post(func(w *worker) {
		delete(w.series, id)
	})
}

// TickAt posts one calculation at the given market time, bypassing the gate.
func (e *Engine) TickAt(now time.Time) error {
	return e.post(func(w *worker) {
		e.tickAll(w, now)
	})
}

// Flush waits until every message posted before it has been processed.
func (e *Engine) Flush(ctx context.Context) error {
	processed := make(chan struct{})
	if err := e.post(func(*worker) { close(processed) }); err != nil {
		return err
	}
	select {
	case <-processed:
		return nil
	case <-e.done:
		return errors.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest published status of a series, or nil.
func (e *Engine) Snapshot(id models.SecurityID) *models.CurveSnapshot {
	e.mu.RLock()
	p, ok := e.published[id]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	return p.Load()
}

// Statuses returns the latest published status of every series, by id.
func (e *Engine) Statuses() []models.CurveSnapshot {
	e.mu.RLock()
	out := make([]models.CurveSnapshot, 0, len(e.published))
	for _, p := range e.published {
		out = append(out, *p.Load())
	}
	e.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.CurveSnapshot) int { return int(a.Series) - int(b.Series) })
	return out
}

func (e *Engine) tickAll(w *worker, now time.Time) {
	ids := make([]models.SecurityID, 0, len(w.series))
	for id := range w.series {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		st := w.series[id]
		log := logging.WithSeries(e.logger, id, st.Symbol)

		rep, err := st.Tick(now, e.source.Observations(id))
		if err != nil {
			log.Error().Err(err).Msg("Curve fit failed, resetting series")
			st.ForceReset(now)
			rep.To = st.Status()
		}
		e.publish(st)

		if rep.From != rep.To {
			snap := st.Snapshot()
			logging.LogCurveStatus(log, rep.From, rep.To, snap.BidQuality)
			if e.recorder != nil {
				e.recorder.CurveStatus(st.Symbol, rep.To)
			}
		}
		if rep.CurveFitted {
			snap := st.Snapshot()
			if e.recorder != nil {
				e.recorder.CurveFit(st.Symbol, snap.BidQuality, snap.OfferQuality)
			}
			if e.journal != nil {
				if err := e.journal.SaveCurveFit(st.Symbol, snap); err != nil {
					log.Warn().Err(err).Msg("Failed to journal curve fit")
				}
			}
		}
	}
}
