// Package cli provides the command-line interface of the market-making engine.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"options-mm/internal/config"
	"options-mm/internal/logging"
	"options-mm/internal/models"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-06-01"
)

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
}

// Execute builds the root command and runs it.
func Execute() {
	logger := logging.NewLogger()
	if err := NewRootCmd(logger).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewRootCmd creates the root command for the CLI. Configuration is loaded
// lazily from --config before any subcommand runs.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "mmengine",
		Short: "Options market-making engine",
		Long: `mmengine values listed options, fits per-series volatility curves and
maintains two-sided quotes for each strategy role under a transaction-rate
budget.

Use 'mmengine run' to start a paper-trading simulation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			app.ConfigDir = dir
			cfg, err := config.Load(dir)
			if err != nil {
				app.Logger.Warn().Err(err).Msg("Using default configuration")
				cfg = config.Default()
			}
			app.Config = cfg
			app.Logger = logging.NewLoggerWithConfig(logging.FromConfig(cfg.Logging))

			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/options-mm)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newIVCmd(app))
	rootCmd.AddCommand(newJournalCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("mmengine v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the engine configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path := config.ConfigPath(app.ConfigDir)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Println(path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Engine")
	output.Printf("  Curve tick:      %s\n", cfg.Engine.CurveTick)
	output.Printf("  Recalc tick:     %s\n", cfg.Engine.RecalcTick)
	output.Printf("  Initial delay:   %s\n", cfg.Engine.InitialDelay)
	output.Printf("  Queue size:      %d\n", cfg.Engine.QueueSize)
	output.Printf("  Audit workers:   %d\n", cfg.Engine.Workers)
	output.Println()

	output.Bold("Transaction Rate")
	output.Printf("  Per second:      %.0f\n", cfg.RateLimit.TransactionsPerSecond)
	output.Printf("  Burst:           %d\n", cfg.RateLimit.Burst)
	output.Printf("  New per second:  %d\n", cfg.RateLimit.NewOrdersPerSecond)
	output.Println()

	output.Bold("Valuation")
	output.Printf("  IV accuracy:     %g\n", cfg.General.IVAccuracy)
	output.Printf("  Interest rate:   %g\n", cfg.General.InterestRate)
	output.Printf("  Days in year:    %g\n", cfg.General.DaysInYear)
	output.Printf("  Liquid below:    %s\n", FormatSteps(cfg.General.HighLiquiditySpreadLimit))
	output.Println()

	output.Bold("Strategies")
	t := NewTable(output, "Role", "Enabled", "Balance", "Increment", "Spread coef")
	for _, r := range models.AllRoles {
		sp := cfg.StrategyFor(r)
		t.AddRow(string(r), fmt.Sprint(sp.Enabled), fmt.Sprint(sp.BalanceLimit), fmt.Sprint(sp.Incremental), fmt.Sprintf("%.2f", sp.SpreadCoef))
	}
	t.Render()
	output.Println()

	output.Bold("Outputs")
	output.Printf("  Journal:         %v (%s)\n", cfg.Store.Enabled, cfg.Store.Path)
	output.Printf("  Metrics:         %v (%s)\n", cfg.Metrics.Enabled, cfg.Metrics.Addr)
}
