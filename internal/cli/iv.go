package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"options-mm/internal/models"
	"options-mm/internal/pricing"
)

func newIVCmd(app *App) *cobra.Command {
	var (
		future  float64
		strike  float64
		days    float64
		premium float64
		kind    string
	)

	cmd := &cobra.Command{
		Use:   "iv",
		Short: "Compute implied volatility and Greeks of one option",
		Long: `Compute the Black-76 implied volatility of an option premium on a future
and the scaled Greeks at that volatility.

Example:
  mmengine iv --future 2000 --strike 2100 --days 30 --premium 42.5 --type call`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			var ot models.OptionType
			switch strings.ToLower(kind) {
			case "call", "c":
				ot = models.Call
			case "put", "p":
				ot = models.Put
			default:
				return fmt.Errorf("unknown option type %q", kind)
			}

			g := app.Config.General
			in := pricing.Inputs{
				Future: future,
				Strike: strike,
				T:      days / g.DaysInYear,
				Rate:   g.InterestRate,
				Type:   ot,
			}
			if !in.Valid() || premium <= 0 {
				return fmt.Errorf("future, strike, days and premium must be positive")
			}

			iv := pricing.ImpliedVol(in, premium, g.IVAccuracy)
			scales := pricing.Scales{Vega: g.VegaScale, Theta: g.ThetaScale, Gamma: g.GammaScale, Vanna: g.VannaScale, Vomma: g.VommaScale}
			greeks := pricing.Greeks(in, iv, scales)

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"iv":            iv,
					"log_moneyness": in.LogMoneyness(),
					"greeks":        greeks,
				})
			}

			if iv <= 0 {
				output.Warning("Premium %.4f is at or below intrinsic value", premium)
				return nil
			}
			output.Bold("%s %g, %g days", ot, strike, days)
			output.Printf("  IV:             %s\n", FormatIV(iv))
			output.Printf("  Log-moneyness:  %.4f\n", in.LogMoneyness())
			output.Printf("  Premium at IV:  %.4f\n", pricing.Premium(in, iv))
			output.Printf("  %s\n", FormatGreeks(greeks))
			return nil
		},
	}

	cmd.Flags().Float64Var(&future, "future", 0, "underlying future price")
	cmd.Flags().Float64Var(&strike, "strike", 0, "option strike")
	cmd.Flags().Float64Var(&days, "days", 0, "calendar days to expiry")
	cmd.Flags().Float64Var(&premium, "premium", 0, "option premium")
	cmd.Flags().StringVar(&kind, "type", "call", "call or put")
	_ = cmd.MarkFlagRequired("future")
	_ = cmd.MarkFlagRequired("strike")
	_ = cmd.MarkFlagRequired("days")
	_ = cmd.MarkFlagRequired("premium")

	return cmd
}
