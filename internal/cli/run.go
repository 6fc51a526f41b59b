package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"options-mm/internal/broker"
	"options-mm/internal/config"
	"options-mm/internal/engine"
	"options-mm/internal/health"
	"options-mm/internal/logging"
	"options-mm/internal/metrics"
	"options-mm/internal/models"
	"options-mm/internal/performance"
	"options-mm/internal/server"
	"options-mm/internal/sim"
	"options-mm/internal/store"
	"options-mm/internal/stream"
	"options-mm/pkg/utils"
)

type runOptions struct {
	duration    time.Duration
	metricsAddr string
	seed        int64
	strikes     int
	session     string
	noWatch     bool
	tick        time.Duration
}

func newRunCmd(app *App) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine against a simulated market",
		Long: `Run the market-making engine against a synthetic options market with
paper execution. Quotes, fills and curve fits are logged; the journal and the
metrics endpoint are enabled from the configuration.

Examples:
  mmengine run --duration 1m
  mmengine run --strikes 7 --seed 42 --metrics-addr :9102`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, app, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve metrics, health and snapshots on this address (overrides config)")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "random seed of the simulated market")
	cmd.Flags().IntVar(&opts.strikes, "strikes", 5, "strikes listed on each side of the money")
	cmd.Flags().StringVar(&opts.session, "session", "always", "trading session: always or exchange")
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "do not reload config.toml on change")
	cmd.Flags().DurationVar(&opts.tick, "tick", 200*time.Millisecond, "market update interval")

	return cmd
}

func runEngine(cmd *cobra.Command, app *App, opts runOptions) error {
	output := NewOutput(cmd)
	logger := app.Logger
	cfg := app.Config

	var session utils.Session
	switch opts.session {
	case "always":
		session = utils.AlwaysOpen()
	case "exchange":
		session = utils.DefaultSession()
	default:
		return fmt.Errorf("unknown session %q", opts.session)
	}
	if opts.strikes < 1 {
		return fmt.Errorf("--strikes must be at least 1")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	paper := broker.NewPaperBroker(logger)
	eng := engine.New(cfg, paper, logger)
	paper.OnOrderState(eng.HandleOrderEvent)
	paper.OnFill(func(f broker.FillEvent) {
		logger.Info().
			Str("order_id", f.OrderID).
			Uint32("option", uint32(f.Option)).
			Str("role", string(f.Role)).
			Str("side", string(f.Side)).
			Int("qty", f.Qty).
			Float64("price", f.Price).
			Int("position", f.Position).
			Msg("Paper fill")
		eng.HandleFill(f)
	})
	eng.SetFatalHandler(func(err error) {
		logger.Error().Err(err).Msg("Curve engine recreated after crash")
	})

	hub := stream.NewHub(logger)
	hub.RegisterConsumer(stream.NewConsumerFunc(nil, func(u stream.Update) {
		if len(u.Actions) == 0 && len(u.Rejected) == 0 {
			return
		}
		logger.Debug().
			Uint32("option", uint32(u.Option())).
			Int("actions", len(u.Actions)).
			Int("rejected", len(u.Rejected)).
			Msg("Recalculation published")
	}))
	eng.SetHub(hub)

	monitor := health.NewMonitor(logger)
	monitor.Register("engine", health.EngineCheck(eng.Connected, eng.CanCalculate))
	monitor.Register("curves", health.CurveCheck(eng.CurveStatuses))
	monitor.Register("audit", health.PoolCheck(eng.AuditStats))
	monitor.Register("memory", health.MemoryCheck(512))
	monitor.Register("stream", health.StreamCheck(hub.IsStarted, hub.GetMetrics))

	httpAddr := opts.metricsAddr
	if httpAddr == "" && cfg.Metrics.Enabled {
		httpAddr = cfg.Metrics.Addr
	}
	var api *server.Server
	if httpAddr != "" {
		reg := prometheus.NewRegistry()
		eng.SetRecorder(metrics.NewRecorder(reg))
		api = server.New(server.Config{Addr: httpAddr, WriteTimeout: 10 * time.Second}, eng, hub, metrics.Handler(reg), monitor.Handler(), logger)
	}

	if cfg.Store.Enabled {
		journal, err := utils.RetryWithResult(ctx, utils.DefaultRetryConfig(), func() (*store.SQLiteStore, error) {
			return store.NewSQLiteStore(cfg.Store.Path)
		})
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer journal.Close()
		eng.SetJournal(journal)
		monitor.Register("journal", health.BreakerCheck(journal.BreakerState))
		logger.Info().Str("path", cfg.Store.Path).Msg("Journaling actions and curve fits")
	}

	if !opts.noWatch {
		if _, err := config.Watch(app.ConfigDir, logger, eng.ApplyConfig); err != nil {
			logger.Warn().Err(err).Msg("Config reload disabled")
		}
	}

	mcfg := sim.DefaultMarketConfig()
	mcfg.Seed = opts.seed
	listed, err := listSecurities(eng, mcfg, opts.strikes, time.Now())
	if err != nil {
		return err
	}
	future, _ := eng.Lookup(simFuture)
	market := sim.NewMarket(mcfg, listed)

	hub.Start(ctx)
	defer hub.Stop()
	go monitor.Run(ctx, 5*time.Second)
	if api != nil {
		go func() {
			if err := api.Run(ctx); err != nil {
				logger.Error().Err(err).Str("addr", httpAddr).Msg("HTTP server failed")
			}
		}()
	}

	open := connectForSession(eng, session, time.Now())

	errCh := make(chan error, 2)
	go func() { errCh <- paper.Run(ctx) }()
	go func() { errCh <- eng.Run(ctx) }()

	if !output.IsJSON() {
		output.Success("Engine running: %d options on %s (%s session)", len(listed), simFuture, opts.session)
	}

	feedMarket(logging.WithLogger(ctx, logger), eng, paper, market, future, session, open, opts.tick)

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logger.Error().Err(err).Msg("Shutdown error")
		}
	}

	return printSummary(output, eng, paper, monitor, listed)
}

const (
	simFuture = "SIM"
	simSeries = "SIM-1M"
)

// listSecurities registers one future, one monthly series and a call and a put
// on every strike around the money.
func listSecurities(eng *engine.Engine, mcfg sim.MarketConfig, strikes int, now time.Time) ([]sim.Listed, error) {
	future, err := eng.AddFuture(simFuture, mcfg.FutureStep)
	if err != nil {
		return nil, err
	}
	expiry := now.Add(30 * 24 * time.Hour)
	series, err := eng.AddSeries(simSeries, future, expiry)
	if err != nil {
		return nil, err
	}

	width := mcfg.FuturePrice * 0.025
	var listed []sim.Listed
	for i := -strikes; i <= strikes; i++ {
		strike := mcfg.FuturePrice + float64(i)*width
		for _, ot := range []models.OptionType{models.Call, models.Put} {
			symbol := fmt.Sprintf("%s%s%.0f", simSeries, string(ot)[:1], strike)
			id, err := eng.AddOption(engine.OptionSpec{
				Symbol:    symbol,
				Series:    series,
				Type:      ot,
				Strike:    strike,
				PriceStep: 0.5,
			})
			if err != nil {
				return nil, err
			}
			listed = append(listed, sim.Listed{ID: id, Type: ot, Strike: strike, PriceStep: 0.5, Expiry: expiry})
		}
	}
	return listed, nil
}

// connectForSession marks the engine connected only when the session is open
// at now, and reports whether it is.
func connectForSession(eng *engine.Engine, session utils.Session, now time.Time) bool {
	open := session.IsOpen(now)
	eng.SetConnected(open)
	return open
}

// feedMarket steps the simulated market until ctx ends. Outside the session the
// engine is marked disconnected; each session close resets the curves. wasOpen
// is the session state the engine was started with.
func feedMarket(ctx context.Context, eng *engine.Engine, paper *broker.PaperBroker, market *sim.Market,
	future models.SecurityID, session utils.Session, wasOpen bool, every time.Duration) {
	logger := logging.FromContext(ctx).With().Str("component", "market").Logger()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			open := session.IsOpen(now)
			if open != wasOpen {
				eng.SetConnected(open)
				logger.Info().Str("status", string(session.Status(now))).Msg("Session status changed")
				if wasOpen {
					if err := eng.ResetCurves(false); err != nil {
						logger.Warn().Err(err).Msg("Curve reset at session close failed")
					}
				}
				wasOpen = open
			}
			if !open {
				continue
			}

			tick := market.Step(now)
			if err := eng.UpdateFuture(future, tick.Future); err != nil {
				logger.Warn().Err(err).Msg("Future update rejected")
			}
			for id, q := range tick.Quotes {
				paper.UpdateQuote(id, q)
				if err := eng.UpdateQuote(id, q); err != nil {
					logger.Debug().Err(err).Uint32("option", uint32(id)).Msg("Quote update rejected")
				}
			}
		}
	}
}

func printSummary(output *Output, eng *engine.Engine, paper *broker.PaperBroker, monitor *health.Monitor, listed []sim.Listed) error {
	if output.IsJSON() {
		snaps := make([]*models.ModelSnapshot, 0, len(listed))
		for _, l := range listed {
			if s := eng.Snapshot(l.ID); s != nil {
				snaps = append(snaps, s)
			}
		}
		return output.JSON(map[string]interface{}{
			"health":    monitor.CheckNow(context.Background()),
			"snapshots": snaps,
			"curves":    eng.CurveStatuses(),
			"trades":    paper.GetTrades(),
			"audit":     eng.AuditStats(),
			"memory":    performance.MemoryStats(),
		})
	}

	output.Println()
	output.Bold("Options")
	table := NewTable(output, "Option", "Quote", "IV bid", "IV offer", "Regime", "Spread", "Position")
	for _, l := range listed {
		opt, _ := eng.Arena().Option(l.ID)
		snap := eng.Snapshot(l.ID)
		if snap == nil {
			table.AddRow(opt.Symbol, "-", "-", "-", "-", "-", "0")
			continue
		}
		table.AddRow(
			opt.Symbol,
			FormatQuote(snap.Quote, l.PriceStep),
			FormatIV(snap.IVBid),
			FormatIV(snap.IVOffer),
			string(snap.Regime),
			FormatSteps(snap.CurrentSpread),
			fmt.Sprint(snap.Position),
		)
	}
	table.Render()
	output.Println()

	output.Bold("Curves")
	curves := eng.CurveStatuses()
	ct := NewTable(output, "Series", "Status", "Order", "Bid obs", "Bid corr", "Offer obs", "Offer corr", "Updated")
	for _, c := range curves {
		s, _ := eng.Arena().Series(c.Series)
		ct.AddRow(
			s.Symbol,
			output.CurveStatus(c.Status),
			fmt.Sprint(c.Bid.Order),
			fmt.Sprint(c.BidQuality.Observations),
			fmt.Sprintf("%.3f", c.BidQuality.Correlation),
			fmt.Sprint(c.OfferQuality.Observations),
			fmt.Sprintf("%.3f", c.OfferQuality.Correlation),
			FormatTime(c.UpdatedAt),
		)
	}
	ct.Render()
	output.Println()

	trades := paper.GetTrades()
	output.Bold("Paper trades: %d", len(trades))
	if len(trades) > 0 {
		tt := NewTable(output, "Time", "Option", "Role", "Side", "Qty", "Price")
		start := 0
		if len(trades) > 20 {
			start = len(trades) - 20
		}
		for _, f := range trades[start:] {
			opt, _ := eng.Arena().Option(f.Option)
			tt.AddRow(FormatTime(f.At), opt.Symbol, string(f.Role), string(f.Side), fmt.Sprint(f.Qty), FormatPrice(f.Price, opt.PriceStep))
		}
		tt.Render()
	}
	output.Println()

	audit := eng.AuditStats()
	mem := performance.MemoryStats()
	output.Dim("Audit pool: %d submitted, %d done, %d dropped, %d panics", audit.TasksTotal, audit.TasksDone, audit.TasksDropped, audit.Panics)
	output.Dim("Health: %s", monitor.Report().Status)
	output.Dim("Memory: %.1f MB heap, %d goroutines, %d GC runs", float64(mem.HeapAlloc)/(1<<20), mem.Goroutines, mem.NumGC)
	return nil
}
