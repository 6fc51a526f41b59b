package cli

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"options-mm/internal/models"
)

// FormatPrice formats a price with as many decimals as the price step has.
func FormatPrice(price, step float64) string {
	places := int32(0)
	if step > 0 {
		places = -decimal.NewFromFloat(step).Exponent()
		if places < 0 {
			places = 0
		}
	}
	return decimal.NewFromFloat(price).StringFixed(places)
}

// FormatIV formats implied volatility as a percentage.
func FormatIV(iv float64) string {
	if math.IsNaN(iv) || iv <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", iv*100)
}

// FormatSteps formats a spread measured in price steps.
func FormatSteps(steps float64) string {
	return fmt.Sprintf("%.1f st", steps)
}

// FormatGreeks formats option Greeks.
func FormatGreeks(g models.Greeks) string {
	return fmt.Sprintf("Δ: %.4f  Γ: %.4f  Θ: %.4f  ν: %.4f", g.Delta, g.Gamma, g.Theta, g.Vega)
}

// FormatQuote formats a bid/ask pair.
func FormatQuote(q models.Quote, step float64) string {
	if !q.Valid() {
		return "-"
	}
	return FormatPrice(q.Bid, step) + " / " + FormatPrice(q.Ask, step)
}

// FormatTime formats a time of day in UTC.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("15:04:05.000")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
