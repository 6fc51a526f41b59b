// Package config provides configuration management for the market-making engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"options-mm/internal/errors"
	"options-mm/internal/models"
)

// Config holds all application configuration. A loaded Config is treated as an
// immutable snapshot: changes produce a new Config, never an in-place edit.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Store     StoreConfig     `mapstructure:"store"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	General   GeneralParams   `mapstructure:"general"`

	DefaultFuture FutureParams `mapstructure:"default_future"`
	DefaultSeries SeriesParams `mapstructure:"default_series"`

	// Keyed sections are decoded on top of the matching defaults, see Load.
	Futures    map[string]FutureParams   `mapstructure:"-"`
	Series     map[string]SeriesParams   `mapstructure:"-"`
	Strategies map[string]StrategyParams `mapstructure:"-"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// EngineConfig holds runtime settings of the engine actors.
type EngineConfig struct {
	CurveTick    time.Duration `mapstructure:"curve_tick"`
	RecalcTick   time.Duration `mapstructure:"recalc_tick"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	QueueSize    int           `mapstructure:"queue_size"`
	Workers      int           `mapstructure:"workers"`
}

// StoreConfig holds the audit journal configuration.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MetricsConfig holds the prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// RateLimitConfig holds the transaction-rate policy.
type RateLimitConfig struct {
	TransactionsPerSecond float64 `mapstructure:"transactions_per_second"`
	Burst                 int     `mapstructure:"burst"`
	NewOrdersPerSecond    int     `mapstructure:"new_orders_per_second"`
}

// GeneralParams holds the pricing and valuation parameters shared by every option.
type GeneralParams struct {
	IVAccuracy   float64 `mapstructure:"iv_accuracy"`
	InterestRate float64 `mapstructure:"interest_rate"`
	DaysInYear   float64 `mapstructure:"days_in_year"`

	VegaScale  float64 `mapstructure:"vega_scale"`
	ThetaScale float64 `mapstructure:"theta_scale"`
	GammaScale float64 `mapstructure:"gamma_scale"`
	VannaScale float64 `mapstructure:"vanna_scale"`
	VommaScale float64 `mapstructure:"vomma_scale"`

	// Log-moneyness distance from the money beyond which an option is deep ITM/OTM.
	DeepITMThreshold float64 `mapstructure:"deep_itm_threshold"`
	DeepOTMThreshold float64 `mapstructure:"deep_otm_threshold"`

	// Spread limits below are measured in price steps.
	HighLiquiditySpreadLimit float64 `mapstructure:"high_liquidity_spread_limit"`
	ValSpreadLow             float64 `mapstructure:"val_spread_low"`
	ValSpreadHigh            float64 `mapstructure:"val_spread_high"`
	ValSpreadWidenStep       float64 `mapstructure:"val_spread_widen_step"`
	ValSpreadNarrowStep      float64 `mapstructure:"val_spread_narrow_step"`
	MarketIVWidenSteps       float64 `mapstructure:"market_iv_widen_steps"`
	MarketIVNarrowSteps      float64 `mapstructure:"market_iv_narrow_steps"`
	MaxSpread                float64 `mapstructure:"max_spread"`

	BestIVExpectation float64 `mapstructure:"best_iv_expectation"`
	IllMinIV          float64 `mapstructure:"ill_min_iv"`
	IllMaxIV          float64 `mapstructure:"ill_max_iv"`

	AggressiveReset  bool          `mapstructure:"aggressive_reset"`
	AggressiveFactor float64       `mapstructure:"aggressive_factor"`
	AggressiveTime   time.Duration `mapstructure:"aggressive_time"`

	ConservativeReset  bool          `mapstructure:"conservative_reset"`
	ConservativeMargin float64       `mapstructure:"conservative_margin"`
	ConservativeTime   time.Duration `mapstructure:"conservative_time"`

	QuoteVolumeReset bool          `mapstructure:"quote_volume_reset"`
	QuoteVolumeLimit int64         `mapstructure:"quote_volume_limit"`
	QuoteVolumeTime  time.Duration `mapstructure:"quote_volume_time"`

	DealVolumeReset bool `mapstructure:"deal_volume_reset"`
	DealVolumeLimit int  `mapstructure:"deal_volume_limit"`

	TimeReset      bool          `mapstructure:"time_reset"`
	TimeResetAfter time.Duration `mapstructure:"time_reset_after"`
}

// FutureParams holds the per-underlying parameters.
type FutureParams struct {
	DeepITMDelta      float64 `mapstructure:"deep_itm_delta"`
	DeepOTMDelta      float64 `mapstructure:"deep_otm_delta"`
	DeepITMDeltaShort float64 `mapstructure:"deep_itm_delta_short"`
	DeepOTMDeltaShort float64 `mapstructure:"deep_otm_delta_short"`
	DeltaCorrection   float64 `mapstructure:"delta_correction"`
	ShortExpiryDays   float64 `mapstructure:"short_expiry_days"`

	VegaLongBand   float64 `mapstructure:"vega_long_band"`
	VegaShortBand  float64 `mapstructure:"vega_short_band"`
	VannaLongBand  float64 `mapstructure:"vanna_long_band"`
	VannaShortBand float64 `mapstructure:"vanna_short_band"`
}

// CurveModel is the polynomial order of a smile fit.
type CurveModel string

const (
	ModelLinear   CurveModel = "linear"
	ModelParabola CurveModel = "parabola"
	ModelCube     CurveModel = "cube"
)

// Order returns the polynomial order of the model.
func (m CurveModel) Order() int {
	switch m {
	case ModelLinear:
		return 1
	case ModelCube:
		return 3
	default:
		return 2
	}
}

// SeriesParams holds the per-series curve parameters.
type SeriesParams struct {
	Selected bool `mapstructure:"selected"`

	ArraySize           int `mapstructure:"array_size"`
	MinCurveInstruments int `mapstructure:"min_curve_instruments"`
	MaxITMInstruments   int `mapstructure:"max_itm_instruments"`
	MaxOTMInstruments   int `mapstructure:"max_otm_instruments"`

	PreCurveInterval   time.Duration `mapstructure:"pre_curve_interval"`
	CurveInterval      time.Duration `mapstructure:"curve_interval"`
	PreCurveDelayLimit int           `mapstructure:"pre_curve_delay_limit"`
	CurveDelayLimit    int           `mapstructure:"curve_delay_limit"`
	IlliquidTimeout    time.Duration `mapstructure:"illiquid_timeout"`

	Model           CurveModel `mapstructure:"model"`
	MinObservations int        `mapstructure:"min_observations"`
	MinCorrelation  float64    `mapstructure:"min_correlation"`
	MaxStdError     float64    `mapstructure:"max_std_error"`
}

// StrategyParams holds the parameters of one strategy role.
type StrategyParams struct {
	Enabled bool `mapstructure:"enabled"`

	BalanceLimit      int     `mapstructure:"balance_limit"`
	Incremental       int     `mapstructure:"incremental"`
	MergeClose        bool    `mapstructure:"merge_close"`
	HedgeFraction     float64 `mapstructure:"hedge_fraction"`
	VolumeIncreaseMin int     `mapstructure:"volume_increase_min"`
	VolumeDecreaseMin int     `mapstructure:"volume_decrease_min"`

	// Shifts, spreads and change thresholds are measured in price steps.
	BuyShift         float64 `mapstructure:"buy_shift"`
	SellShift        float64 `mapstructure:"sell_shift"`
	SpreadCoef       float64 `mapstructure:"spread_coef"`
	ShiftCoef        float64 `mapstructure:"shift_coef"`
	ChangeWideCoef   float64 `mapstructure:"change_wide_coef"`
	ChangeNarrowCoef float64 `mapstructure:"change_narrow_coef"`
	ChangeWideMin    float64 `mapstructure:"change_wide_min"`
	ChangeNarrowMin  float64 `mapstructure:"change_narrow_min"`

	IllChangeWide        float64 `mapstructure:"ill_change_wide"`
	IllChangeNarrow      float64 `mapstructure:"ill_change_narrow"`
	IllIVBand            float64 `mapstructure:"ill_iv_band"`
	IllIVOffset          float64 `mapstructure:"ill_iv_offset"`
	IllMinSpread         float64 `mapstructure:"ill_min_spread"`
	IlliquidTrading      bool    `mapstructure:"illiquid_trading"`
	IlliquidCurveTrading bool    `mapstructure:"illiquid_curve_trading"`

	MinTradeSpread float64 `mapstructure:"min_trade_spread"`
	MaxTradeSpread float64 `mapstructure:"max_trade_spread"` // 0 disables the ceiling

	CurveControl  bool `mapstructure:"curve_control"`
	MarketControl bool `mapstructure:"market_control"`
	CurveOrdering bool `mapstructure:"curve_ordering"`

	CheckIV      bool    `mapstructure:"check_iv"`
	HighestBuyIV float64 `mapstructure:"highest_buy_iv"`
	LowestSellIV float64 `mapstructure:"lowest_sell_iv"`

	BiasShiftCoef  float64 `mapstructure:"bias_shift_coef"`
	BandVolumeCoef float64 `mapstructure:"band_volume_coef"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/options-mm"
	}
	return filepath.Join(home, ".config", "options-mm")
}

// ConfigPath returns the path of config.toml inside configDir.
func ConfigPath(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, "config.toml")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, createTemplateConfig(configDir, "config")
		}
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	return fromViper(v)
}

// fromViper decodes a read viper instance on top of Default().
func fromViper(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	var err error
	if cfg.Futures, err = decodeKeyed(v, "futures", cfg.Futures, func(string) FutureParams { return cfg.DefaultFuture }); err != nil {
		return nil, err
	}
	if cfg.Series, err = decodeKeyed(v, "series", cfg.Series, func(string) SeriesParams { return cfg.DefaultSeries }); err != nil {
		return nil, err
	}
	if cfg.Strategies, err = decodeKeyed(v, "strategies", cfg.Strategies, func(name string) StrategyParams {
		return DefaultStrategy(models.Role(name))
	}); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// decodeKeyed decodes every table under key on top of the value returned by
// base, so a file only needs to name the fields it changes.
func decodeKeyed[T any](v *viper.Viper, key string, into map[string]T, base func(string) T) (map[string]T, error) {
	out := make(map[string]T, len(into))
	for name, p := range into {
		out[name] = p
	}
	for name := range v.GetStringMap(key) {
		p, ok := out[name]
		if !ok {
			p = base(name)
		}
		sub := v.Sub(key + "." + name)
		if sub != nil {
			if err := sub.Unmarshal(&p); err != nil {
				return nil, fmt.Errorf("decoding %s.%s: %w", key, name, err)
			}
		}
		out[name] = p
	}
	return out, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("MM_INTEREST_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.General.InterestRate = r
		}
	}

	if v := os.Getenv("MM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	g := c.General
	if g.IVAccuracy <= 0 || g.IVAccuracy >= 1 {
		return errors.NewValidationError("general.iv_accuracy", g.IVAccuracy, "must be in (0, 1)")
	}
	if g.DaysInYear <= 0 {
		return errors.NewValidationError("general.days_in_year", g.DaysInYear, "must be positive")
	}
	if g.ValSpreadLow < 0 || g.ValSpreadHigh < g.ValSpreadLow {
		return errors.NewValidationError("general.val_spread_high", g.ValSpreadHigh, "must be >= val_spread_low >= 0")
	}
	if g.IllMinIV < 0 || g.IllMaxIV <= g.IllMinIV {
		return errors.NewValidationError("general.ill_max_iv", g.IllMaxIV, "must be > ill_min_iv >= 0")
	}
	if g.BestIVExpectation <= 0 {
		return errors.NewValidationError("general.best_iv_expectation", g.BestIVExpectation, "must be positive")
	}

	if c.Engine.CurveTick <= 0 {
		return errors.NewValidationError("engine.curve_tick", c.Engine.CurveTick, "must be positive")
	}
	if c.Engine.RecalcTick <= 0 {
		return errors.NewValidationError("engine.recalc_tick", c.Engine.RecalcTick, "must be positive")
	}
	if c.RateLimit.TransactionsPerSecond < 0 || c.RateLimit.NewOrdersPerSecond < 0 {
		return errors.NewValidationError("rate_limit", c.RateLimit, "limits must be non-negative")
	}

	if err := validateSeries("default_series", c.DefaultSeries); err != nil {
		return err
	}
	for name, s := range c.Series {
		if err := validateSeries("series."+name, s); err != nil {
			return err
		}
	}

	for name, s := range c.Strategies {
		if s.BalanceLimit < 0 || s.Incremental < 0 {
			return errors.NewValidationError("strategies."+name, s.Incremental, "volumes must be non-negative")
		}
		if s.HedgeFraction < 0 || s.HedgeFraction > 1 {
			return errors.NewValidationError("strategies."+name+".hedge_fraction", s.HedgeFraction, "must be between 0 and 1")
		}
	}

	return nil
}

func validateSeries(field string, s SeriesParams) error {
	switch s.Model {
	case ModelLinear, ModelParabola, ModelCube:
	default:
		return errors.NewValidationError(field+".model", s.Model, "must be linear, parabola or cube")
	}
	if s.ArraySize <= s.Model.Order() {
		return errors.NewValidationError(field+".array_size", s.ArraySize, "must exceed the polynomial order")
	}
	if s.MinObservations <= s.Model.Order() {
		return errors.NewValidationError(field+".min_observations", s.MinObservations, "must exceed the polynomial order")
	}
	if s.MinCurveInstruments <= 0 {
		return errors.NewValidationError(field+".min_curve_instruments", s.MinCurveInstruments, "must be positive")
	}
	if s.PreCurveDelayLimit <= 0 || s.CurveDelayLimit <= 0 {
		return errors.NewValidationError(field+".delay_limit", s.PreCurveDelayLimit, "delay limits must be positive")
	}
	return nil
}

// FutureParamsFor returns the parameters of a future, falling back to DefaultFuture.
func (c *Config) FutureParamsFor(symbol string) FutureParams {
	if p, ok := c.Futures[strings.ToLower(symbol)]; ok {
		return p
	}
	return c.DefaultFuture
}

// SeriesParamsFor returns the parameters of a series, falling back to DefaultSeries.
func (c *Config) SeriesParamsFor(symbol string) SeriesParams {
	if p, ok := c.Series[strings.ToLower(symbol)]; ok {
		return p
	}
	return c.DefaultSeries
}

// StrategyFor returns the parameters of a role, falling back to its defaults.
func (c *Config) StrategyFor(role models.Role) StrategyParams {
	if p, ok := c.Strategies[string(role)]; ok {
		return p
	}
	return DefaultStrategy(role)
}

// EnabledRoles returns the roles whose strategy is enabled, in evaluation order.
func (c *Config) EnabledRoles() []models.Role {
	var roles []models.Role
	for _, r := range models.AllRoles {
		if c.StrategyFor(r).Enabled {
			roles = append(roles, r)
		}
	}
	return roles
}
