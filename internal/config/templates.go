package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Options market-making engine configuration

[logging]
# Log level: debug, info, warn, error
level = "info"
console = true
file = false

[engine]
# Curve actor tick interval
curve_tick = "500ms"
# Timer that recalculates every option without a market event
recalc_tick = "1s"
# Delay after trading-period start before curves are calculated
initial_delay = "0s"

[store]
enabled = true
# path = "/var/lib/options-mm/audit.db"

[metrics]
enabled = false
addr = ":9108"

[rate_limit]
transactions_per_second = 50.0
burst = 50
new_orders_per_second = 30

[general]
iv_accuracy = 0.000001
interest_rate = 0.0
days_in_year = 365.0
# Spread limits are measured in price steps
high_liquidity_spread_limit = 10.0
val_spread_low = 2.0
val_spread_high = 8.0
best_iv_expectation = 0.3

[default_future]
deep_itm_delta = 0.85
deep_otm_delta = 0.15

[default_series]
# Curve model: linear, parabola, cube
model = "parabola"
array_size = 20
min_curve_instruments = 5
min_observations = 8
min_correlation = 0.8
max_std_error = 0.05

# Per-future and per-series overrides only need the fields they change.
# Section names are matched case-insensitively and must not contain dots.
# [futures.si]
# vega_long_band = 8000.0
#
# [series.si-jun]
# model = "cube"

[strategies.regular]
enabled = true
balance_limit = 20
incremental = 5

[strategies.market_maker]
enabled = false

[strategies.vega_hedge]
enabled = false

[strategies.gamma_hedge]
enabled = false
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}
