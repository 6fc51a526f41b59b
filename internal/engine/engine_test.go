package engine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-mm/internal/broker"
	"options-mm/internal/config"
	"options-mm/internal/errors"
	"options-mm/internal/models"
	"options-mm/internal/store"
	"options-mm/internal/stream"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	eng    *Engine
	paper  *broker.PaperBroker
	future models.SecurityID
	series models.SecurityID
	option models.SecurityID

	offset atomic.Int64
	cancel context.CancelFunc
	errCh  chan error
}

func caps(n int) models.RiskLimits {
	return models.RiskLimits{VegaBuy: n, VegaSell: n, GammaBuy: n, GammaSell: n}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.CurveTick = time.Hour
	cfg.Engine.RecalcTick = time.Hour
	cfg.General.AggressiveReset = false
	cfg.General.ConservativeReset = false
	cfg.General.QuoteVolumeReset = false
	cfg.General.DealVolumeReset = false
	cfg.General.TimeReset = false
	return cfg
}

// newFixture builds an engine with one call option on a paper broker. The
// engine is not started.
func newFixture(t *testing.T, configure func(*Engine)) *fixture {
	t.Helper()

	f := &fixture{}
	f.paper = broker.NewPaperBroker(zerolog.Nop())
	f.eng = New(testConfig(), f.paper, zerolog.Nop())
	f.eng.SetRisk(StaticRisk{Caps: caps(10)})
	f.eng.SetClock(func() time.Time { return t0.Add(time.Duration(f.offset.Load())) })
	f.paper.OnOrderState(f.eng.HandleOrderEvent)
	f.paper.OnFill(f.eng.HandleFill)
	if configure != nil {
		configure(f.eng)
	}

	var err error
	f.future, err = f.eng.AddFuture("SI", 1)
	require.NoError(t, err)
	f.series, err = f.eng.AddSeries("SI-6.24", f.future, t0.Add(91*24*time.Hour))
	require.NoError(t, err)
	f.option, err = f.eng.AddOption(OptionSpec{Symbol: "SI2000C", Series: f.series, Type: models.Call, Strike: 2000, PriceStep: 1})
	require.NoError(t, err)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.errCh = make(chan error, 1)
	go func() { f.errCh <- f.eng.Run(ctx) }()
	t.Cleanup(f.stop)
}

func (f *fixture) stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.errCh
	f.cancel = nil
}

func (f *fixture) advance(d time.Duration) { f.offset.Add(int64(d)) }

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.eng.Sync(ctx, f.option))
}

// quote delivers a future and an option quote and waits for the recalculation.
func (f *fixture) quote(t *testing.T, bid, ask float64) {
	t.Helper()
	require.NoError(t, f.eng.UpdateFuture(f.future, models.Quote{Bid: 1999, Ask: 2001}))
	require.NoError(t, f.eng.UpdateQuote(f.option, models.Quote{Bid: bid, Ask: ask}))
	f.sync(t)
}

func actionTypes(actions []models.OrderAction) map[models.Leg]models.ActionType {
	out := make(map[models.Leg]models.ActionType, len(actions))
	for _, a := range actions {
		out[a.Leg] = a.Type
	}
	return out
}

type countingRecorder struct {
	mu      sync.Mutex
	recalcs []models.RecalcReason
	sent    int
}

func (r *countingRecorder) CurveStatus(string, models.CurveStatus)                    {}
func (r *countingRecorder) CurveFit(string, models.CurveQuality, models.CurveQuality) {}
func (r *countingRecorder) WorkerCrash(string)                                        {}
func (r *countingRecorder) Rejected([]models.OrderAction)                             {}
func (r *countingRecorder) Transactions(int)                                          {}

func (r *countingRecorder) Recalculated(reason models.RecalcReason, _ *models.ModelSnapshot, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recalcs = append(r.recalcs, reason)
}

func (r *countingRecorder) Dispatched(actions []models.OrderAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent += len(actions)
}

func (r *countingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recalcs)
}

func TestEngine_LiquidQuoteSnapsMarketIV(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.quote(t, 100, 104)

	snap := f.eng.Snapshot(f.option)
	require.NotNil(t, snap)
	require.True(t, snap.Success, snap.Error)
	assert.Equal(t, models.RegimeLiquid, snap.Regime)
	assert.Equal(t, snap.IVBid, snap.MarketIVBid)
	assert.Equal(t, snap.IVOffer, snap.MarketIVOffer)
	assert.Equal(t, 4.0, snap.ValuationSpread)
	assert.True(t, snap.MarketIVSet)

	obs := f.eng.Observations(f.series)
	require.Len(t, obs, 1)
	assert.Equal(t, f.option, obs[0].Option)
	assert.Equal(t, snap.MarketIVBid, obs[0].IVBid)
}

func TestEngine_DispatchesAndTracksOrderState(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.quote(t, 100, 104)

	first := actionTypes(f.eng.LastActions(f.option))
	assert.Equal(t, models.ActionNew, first[models.BuyOpen])
	assert.Equal(t, models.ActionNew, first[models.SellOpen])
	assert.Equal(t, 2, f.paper.Orders())

	t.Run("pending legs are not re-sent", func(t *testing.T) {
		f.quote(t, 100, 104)
		for _, a := range f.eng.LastActions(f.option) {
			assert.NotEqual(t, models.ActionNew, a.Type, "leg %s", a.Leg)
		}
	})

	t.Run("active legs at the target price are left alone", func(t *testing.T) {
		f.paper.Drain()
		f.sync(t)
		assert.Empty(t, f.eng.LastActions(f.option))
		assert.Equal(t, 2, f.paper.Orders())
	})
}

func TestEngine_FillUpdatesPositionAndDealTime(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.quote(t, 100, 104)

	f.advance(time.Second)
	require.NoError(t, f.eng.UpdatePosition(f.option, 3))
	f.sync(t)
	assert.Equal(t, 3, f.eng.Position(f.option))
	dealAt := f.eng.Snapshot(f.option).LastDealTime
	assert.Equal(t, t0.Add(time.Second), dealAt)

	f.advance(time.Second)
	f.quote(t, 100, 104)
	assert.Equal(t, dealAt, f.eng.Snapshot(f.option).LastDealTime, "deal volume is consumed by one recalculation")
	assert.Equal(t, 3, f.eng.Snapshot(f.option).Position)
}

func TestEngine_ApplyConfigDisablesRole(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.quote(t, 100, 104)
	f.paper.Drain()
	f.sync(t)
	require.Equal(t, 2, f.paper.Orders())

	cfg := testConfig()
	sp := cfg.StrategyFor(models.RoleRegular)
	sp.Enabled = false
	cfg.Strategies[string(models.RoleRegular)] = sp

	f.eng.ApplyConfig(cfg)
	f.sync(t)

	assert.Same(t, cfg, f.eng.Config())
	actions := f.eng.LastActions(f.option)
	require.Len(t, actions, 2)
	for _, a := range actions {
		assert.Equal(t, models.ActionCancel, a.Type)
	}
	assert.Equal(t, 0, f.paper.Orders())
}

func TestEngine_QueuedUpdatesCoalesce(t *testing.T) {
	rec := &countingRecorder{}
	f := newFixture(t, func(e *Engine) { e.SetRecorder(rec) })

	require.NoError(t, f.eng.UpdateFuture(f.future, models.Quote{Bid: 1999, Ask: 2001}))
	for i := 0; i < 9; i++ {
		require.NoError(t, f.eng.UpdateQuote(f.option, models.Quote{Bid: 100, Ask: 104 + float64(i%2)}))
	}
	f.start(t)
	f.sync(t)

	assert.Equal(t, 1, rec.count(), "queued messages should produce a single recalculation")
}

func TestEngine_DeferralIsBounded(t *testing.T) {
	rec := &countingRecorder{}
	f := newFixture(t, func(e *Engine) { e.SetRecorder(rec) })

	require.NoError(t, f.eng.UpdateFuture(f.future, models.Quote{Bid: 1999, Ask: 2001}))
	for i := 0; i < 39; i++ {
		require.NoError(t, f.eng.UpdateQuote(f.option, models.Quote{Bid: 100, Ask: 104}))
	}
	f.start(t)
	f.sync(t)

	assert.Equal(t, 2, rec.count())
}

func TestEngine_ParentMismatchFailsRecalculation(t *testing.T) {
	f := newFixture(t, nil)
	other, err := f.eng.AddFuture("RI", 10)
	require.NoError(t, err)
	f.start(t)
	f.quote(t, 100, 104)
	require.True(t, f.eng.Snapshot(f.option).Success)

	f.eng.arena.mu.Lock()
	f.eng.arena.options[f.option].Future = other
	f.eng.arena.mu.Unlock()

	_, _, _, err = f.eng.arena.Resolve(f.option)
	assert.ErrorIs(t, err, errors.ErrParentMismatch)

	require.NoError(t, f.eng.Recalculate(f.option, models.ReasonMarket))
	f.sync(t)
	snap := f.eng.Snapshot(f.option)
	assert.False(t, snap.Success)
	assert.False(t, snap.MarketIVSet, "model state is discarded")
}

func TestEngine_PublishesAndJournals(t *testing.T) {
	hub := stream.NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer db.Close()

	f := newFixture(t, func(e *Engine) {
		e.SetHub(hub)
		e.SetJournal(db)
	})
	updates := hub.Subscribe(f.option)
	f.start(t)
	f.quote(t, 100, 104)

	select {
	case u := <-updates:
		assert.Equal(t, f.option, u.Option())
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
	}

	assert.Eventually(t, func() bool {
		recs, err := db.RecentActions(context.Background(), store.ActionFilter{Option: f.option})
		return err == nil && len(recs) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_UnknownAndStopped(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.eng.UpdateQuote(999, models.Quote{Bid: 1, Ask: 2}), errors.ErrUnknownSecurity)
	assert.ErrorIs(t, f.eng.UpdateFuture(999, models.Quote{Bid: 1, Ask: 2}), errors.ErrUnknownSecurity)
	assert.Nil(t, f.eng.Snapshot(999))

	assert.False(t, f.eng.CanCalculate(t0), "not started")
	f.start(t)
	assert.Eventually(t, func() bool { return f.eng.CanCalculate(t0) }, time.Second, time.Millisecond)
	f.eng.SetConnected(false)
	assert.False(t, f.eng.CanCalculate(t0))

	f.stop()
	assert.ErrorIs(t, f.eng.UpdateQuote(f.option, models.Quote{Bid: 100, Ask: 104}), errors.ErrEngineStopped)
}

func TestEngine_ManualControls(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.quote(t, 100, 104)
	first := f.eng.Snapshot(f.option)
	require.True(t, first.MarketIVSet)
	assert.Equal(t, t0, first.LastResetTime)

	f.advance(time.Minute)
	require.NoError(t, f.eng.ResetMarketIV(f.option))
	f.sync(t)
	snap := f.eng.Snapshot(f.option)
	assert.Equal(t, models.ResetInitial, snap.LastReset)
	assert.Equal(t, t0.Add(time.Minute), snap.LastResetTime, "market IV snapped again")
	assert.Equal(t, snap.IVBid, snap.MarketIVBid)

	assert.ErrorIs(t, f.eng.ResetMarketIV(999), errors.ErrUnknownSecurity)
	assert.ErrorIs(t, f.eng.ResetCurve(f.option, true), errors.ErrUnknownSecurity)
	assert.ErrorIs(t, f.eng.SelectSeries(f.option, false), errors.ErrUnknownSecurity)
	assert.NoError(t, f.eng.SelectSeries(f.series, false))
	assert.NoError(t, f.eng.ResetCurve(f.series, true))
}

func TestEngine_ReconnectRestartsInitialDelay(t *testing.T) {
	f := newFixture(t, func(e *Engine) {
		cfg := testConfig()
		cfg.Engine.InitialDelay = time.Minute
		e.cfg.Store(cfg)
	})
	f.start(t)
	require.Eventually(t, func() bool { return f.eng.startedAt.Load() != 0 }, time.Second, time.Millisecond)

	assert.False(t, f.eng.CanCalculate(t0.Add(30*time.Second)))
	assert.True(t, f.eng.CanCalculate(t0.Add(time.Minute)))

	// Overnight close, then the next session opens.
	f.eng.SetConnected(false)
	f.advance(12 * time.Hour)
	open := t0.Add(12 * time.Hour)
	assert.False(t, f.eng.CanCalculate(open))
	f.eng.SetConnected(true)
	assert.False(t, f.eng.CanCalculate(open.Add(30*time.Second)), "delay runs again from the open")
	assert.True(t, f.eng.CanCalculate(open.Add(time.Minute)))

	// Reporting a connection that is already up keeps the period start.
	f.advance(10 * time.Minute)
	f.eng.SetConnected(true)
	assert.True(t, f.eng.CanCalculate(open.Add(time.Minute)))
}

func TestArena(t *testing.T) {
	a := NewArena()

	_, err := a.AddSeries("X-1", 42, t0)
	assert.ErrorIs(t, err, errors.ErrUnknownSecurity)

	fut, err := a.AddFuture("X", 1)
	require.NoError(t, err)
	_, err = a.AddFuture("X", 1)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	ser, err := a.AddSeries("X-1", fut, t0)
	require.NoError(t, err)

	for name, spec := range map[string]OptionSpec{
		"zero strike":    {Symbol: "A", Series: ser, Type: models.Call, PriceStep: 1},
		"bad type":       {Symbol: "B", Series: ser, Type: "STRADDLE", Strike: 10, PriceStep: 1},
		"unknown series": {Symbol: "C", Series: 99, Type: models.Put, Strike: 10, PriceStep: 1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.AddOption(spec)
			assert.Error(t, err)
		})
	}

	call, err := a.AddOption(OptionSpec{Symbol: "X10C", Series: ser, Type: models.Call, Strike: 10, PriceStep: 1})
	require.NoError(t, err)
	put, err := a.AddOption(OptionSpec{Symbol: "X10P", Series: ser, Type: models.Put, Strike: 10, PriceStep: 1})
	require.NoError(t, err)

	assert.Equal(t, []models.SecurityID{call, put}, a.OptionIDs())
	assert.Equal(t, []models.SecurityID{ser}, a.SeriesIDs())
	assert.Equal(t, []models.SecurityID{call, put}, a.OptionsOfFuture(fut))

	o, s, fu, err := a.Resolve(put)
	require.NoError(t, err)
	assert.Equal(t, fut, o.Future)
	assert.Equal(t, ser, s.ID)
	assert.Equal(t, "X", fu.Symbol)

	id, ok := a.Lookup("X10P")
	assert.True(t, ok)
	assert.Equal(t, put, id)
}
