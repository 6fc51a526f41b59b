package config

import (
	"path/filepath"
	"time"

	"options-mm/internal/models"
)

// Default returns a complete configuration with every parameter group populated.
// Load decodes config.toml on top of it.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			File:       false,
			FilePath:   filepath.Join(DefaultConfigDir(), "logs", "mmengine.log"),
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
		},
		Engine: EngineConfig{
			CurveTick:    500 * time.Millisecond,
			RecalcTick:   time.Second,
			InitialDelay: 0,
			QueueSize:    256,
			Workers:      4,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    filepath.Join(DefaultConfigDir(), "audit.db"),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9108",
		},
		RateLimit: RateLimitConfig{
			TransactionsPerSecond: 50,
			Burst:                 50,
			NewOrdersPerSecond:    30,
		},
		General: GeneralParams{
			IVAccuracy:   1e-6,
			InterestRate: 0,
			DaysInYear:   365,

			VegaScale:  0.01,
			ThetaScale: 1.0 / 365,
			GammaScale: 1,
			VannaScale: 0.01,
			VommaScale: 0.0001,

			DeepITMThreshold: 0.1,
			DeepOTMThreshold: 0.1,

			HighLiquiditySpreadLimit: 10,
			ValSpreadLow:             2,
			ValSpreadHigh:            8,
			ValSpreadWidenStep:       1,
			ValSpreadNarrowStep:      0.5,
			MarketIVWidenSteps:       1,
			MarketIVNarrowSteps:      0.5,
			MaxSpread:                12,

			BestIVExpectation: 0.3,
			IllMinIV:          0.05,
			IllMaxIV:          2.0,

			AggressiveReset:  true,
			AggressiveFactor: 2,
			AggressiveTime:   30 * time.Second,

			ConservativeReset:  true,
			ConservativeMargin: 2,
			ConservativeTime:   60 * time.Second,

			QuoteVolumeReset: true,
			QuoteVolumeLimit: 500,
			QuoteVolumeTime:  10 * time.Second,

			DealVolumeReset: true,
			DealVolumeLimit: 10,

			TimeReset:      true,
			TimeResetAfter: 15 * time.Minute,
		},
		DefaultFuture: FutureParams{
			DeepITMDelta:      0.85,
			DeepOTMDelta:      0.15,
			DeepITMDeltaShort: 0.92,
			DeepOTMDeltaShort: 0.08,
			DeltaCorrection:   0.01,
			ShortExpiryDays:   7,

			VegaLongBand:   5000,
			VegaShortBand:  5000,
			VannaLongBand:  2000,
			VannaShortBand: 2000,
		},
		DefaultSeries: SeriesParams{
			Selected: true,

			ArraySize:           20,
			MinCurveInstruments: 5,
			MaxITMInstruments:   5,
			MaxOTMInstruments:   8,

			PreCurveInterval:   time.Second,
			CurveInterval:      10 * time.Second,
			PreCurveDelayLimit: 20,
			CurveDelayLimit:    120,
			IlliquidTimeout:    time.Minute,

			Model:           ModelParabola,
			MinObservations: 8,
			MinCorrelation:  0.8,
			MaxStdError:     0.05,
		},
		Futures: map[string]FutureParams{},
		Series:  map[string]SeriesParams{},
		Strategies: map[string]StrategyParams{
			string(models.RoleRegular):     DefaultStrategy(models.RoleRegular),
			string(models.RoleMarketMaker): DefaultStrategy(models.RoleMarketMaker),
			string(models.RoleVegaHedge):   DefaultStrategy(models.RoleVegaHedge),
			string(models.RoleGammaHedge):  DefaultStrategy(models.RoleGammaHedge),
		},
	}
}

// DefaultStrategy returns the default parameters of a role.
func DefaultStrategy(role models.Role) StrategyParams {
	p := StrategyParams{
		Enabled:           false,
		BalanceLimit:      20,
		Incremental:       5,
		VolumeIncreaseMin: 2,
		VolumeDecreaseMin: 1,

		SpreadCoef:       1,
		ChangeWideCoef:   0.5,
		ChangeNarrowCoef: 0.25,
		ChangeWideMin:    2,
		ChangeNarrowMin:  1,

		IllChangeWide:   10,
		IllChangeNarrow: 5,
		IllIVBand:       0.1,
		IllIVOffset:     0.01,
		IllMinSpread:    5,

		MaxTradeSpread: 20,

		MarketControl: true,

		CheckIV:      true,
		HighestBuyIV: 2.0,
		LowestSellIV: 0.02,
	}

	switch role {
	case models.RoleRegular:
		p.Enabled = true
	case models.RoleMarketMaker:
		p.BalanceLimit = 100
		p.Incremental = 10
		p.SpreadCoef = 0.9
		p.CurveControl = true
		p.BiasShiftCoef = 0.25
		p.BandVolumeCoef = 0.5
	case models.RoleVegaHedge, models.RoleGammaHedge:
		p.BalanceLimit = 50
		p.Incremental = 10
		p.HedgeFraction = 0.5
		p.CheckIV = false
	}
	return p
}
