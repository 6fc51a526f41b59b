package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"options-mm/internal/errors"
	"options-mm/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_MissingFileCreatesTemplate(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "created template") {
		t.Fatalf("expected template error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Fatalf("template not written: %v", err)
	}

	// The written template must itself load cleanly.
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("loading template: %v", err)
	}
	if !cfg.StrategyFor(models.RoleRegular).Enabled {
		t.Error("regular role should be enabled by the template")
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := writeConfig(t, `
[general]
interest_rate = 0.05
high_liquidity_spread_limit = 12.0

[engine]
curve_tick = "250ms"

[futures.si]
vega_long_band = 8000.0

[series.si-jun]
model = "cube"
min_observations = 10

[strategies.market_maker]
enabled = true
incremental = 3
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.General.InterestRate != 0.05 {
		t.Errorf("interest rate = %v", cfg.General.InterestRate)
	}
	if cfg.General.IVAccuracy != Default().General.IVAccuracy {
		t.Errorf("unset field lost its default: %v", cfg.General.IVAccuracy)
	}
	if cfg.Engine.CurveTick != 250*time.Millisecond {
		t.Errorf("curve tick = %v", cfg.Engine.CurveTick)
	}

	fut := cfg.FutureParamsFor("SI")
	if fut.VegaLongBand != 8000 {
		t.Errorf("future override = %v", fut.VegaLongBand)
	}
	if fut.DeepITMDelta != cfg.DefaultFuture.DeepITMDelta {
		t.Errorf("future override lost defaults: %v", fut.DeepITMDelta)
	}
	if cfg.FutureParamsFor("RI") != cfg.DefaultFuture {
		t.Error("unknown future should fall back to default")
	}

	ser := cfg.SeriesParamsFor("SI-JUN")
	if ser.Model != ModelCube || ser.Model.Order() != 3 {
		t.Errorf("series model = %v", ser.Model)
	}
	if ser.ArraySize != cfg.DefaultSeries.ArraySize {
		t.Errorf("series override lost defaults: %d", ser.ArraySize)
	}

	mm := cfg.StrategyFor(models.RoleMarketMaker)
	if !mm.Enabled || mm.Incremental != 3 {
		t.Errorf("market maker = %+v", mm)
	}
	if mm.BandVolumeCoef != DefaultStrategy(models.RoleMarketMaker).BandVolumeCoef {
		t.Errorf("strategy override lost role defaults: %v", mm.BandVolumeCoef)
	}

	roles := cfg.EnabledRoles()
	if len(roles) != 2 || roles[0] != models.RoleRegular || roles[1] != models.RoleMarketMaker {
		t.Errorf("enabled roles = %v", roles)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MM_LOG_LEVEL", "debug")
	t.Setenv("MM_INTEREST_RATE", "0.07")
	t.Setenv("MM_STORE_PATH", "/tmp/audit-test.db")

	cfg, err := Load(writeConfig(t, "[logging]\nlevel = \"warn\"\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
	if cfg.General.InterestRate != 0.07 {
		t.Errorf("rate = %v", cfg.General.InterestRate)
	}
	if cfg.Store.Path != "/tmp/audit-test.db" {
		t.Errorf("store path = %s", cfg.Store.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"iv accuracy", func(c *Config) { c.General.IVAccuracy = 0 }, "general.iv_accuracy"},
		{"val spread", func(c *Config) { c.General.ValSpreadHigh = 1; c.General.ValSpreadLow = 2 }, "general.val_spread_high"},
		{"curve tick", func(c *Config) { c.Engine.CurveTick = 0 }, "engine.curve_tick"},
		{"recalc tick", func(c *Config) { c.Engine.RecalcTick = 0 }, "engine.recalc_tick"},
		{"model", func(c *Config) { c.DefaultSeries.Model = "quartic" }, "default_series.model"},
		{"array size", func(c *Config) { c.DefaultSeries.ArraySize = 2 }, "default_series.array_size"},
		{"hedge fraction", func(c *Config) {
			s := c.Strategies["vega_hedge"]
			s.HedgeFraction = 2
			c.Strategies["vega_hedge"] = s
		}, "strategies.vega_hedge.hedge_fraction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, errors.ErrConfigInvalid) {
				t.Fatalf("expected ErrConfigInvalid, got %v", err)
			}
			var ve *errors.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("field = %v, want %s", ve, tt.field)
			}
		})
	}
}
