package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"options-mm/internal/store"
)

func newJournalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Audit journal queries",
		Long:  "Review dispatched and rejected order actions and published curve fits.",
	}

	cmd.AddCommand(newJournalActionsCmd(app))
	cmd.AddCommand(newJournalFitsCmd(app))

	return cmd
}

func openJournal(app *App) (*store.SQLiteStore, error) {
	if app.Config.Store.Path == "" {
		return nil, fmt.Errorf("store.path is not configured")
	}
	return store.NewSQLiteStore(app.Config.Store.Path)
}

func newJournalActionsCmd(app *App) *cobra.Command {
	var (
		symbol   string
		rejected bool
		since    time.Duration
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Show recent order actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			db, err := openJournal(app)
			if err != nil {
				return err
			}
			defer db.Close()

			filter := store.ActionFilter{Symbol: symbol, Limit: limit}
			if cmd.Flags().Changed("rejected") {
				filter.Rejected = &rejected
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			records, err := db.RecentActions(ctx, filter)
			if err != nil {
				output.Error("Failed to fetch actions: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(records)
			}
			if len(records) == 0 {
				output.Info("No actions journaled.")
				return nil
			}

			table := NewTable(output, "Time", "Option", "Trigger", "Role", "Leg", "Action", "Price", "Volume", "Result")
			for _, r := range records {
				result := output.ColoredString(ColorGreen, "sent")
				if !r.Accepted {
					result = output.ColoredString(ColorRed, string(r.Action.Reason))
				}
				table.AddRow(
					FormatTime(r.At),
					TruncateString(r.Symbol, 20),
					string(r.Recalc),
					string(r.Action.Role),
					r.Action.Leg.String(),
					output.Action(r.Action.Type),
					fmt.Sprintf("%g", r.Action.Price),
					fmt.Sprint(r.Action.Volume),
					result,
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "option", "", "option symbol")
	cmd.Flags().BoolVar(&rejected, "rejected", false, "only rejected (true) or only sent (false) actions")
	cmd.Flags().DurationVar(&since, "since", 0, "only actions newer than this")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of actions")

	return cmd
}

func newJournalFitsCmd(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "fits <series>",
		Short: "Show recent curve fits of a series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			db, err := openJournal(app)
			if err != nil {
				return err
			}
			defer db.Close()

			fits, err := db.RecentFits(ctx, args[0], limit)
			if err != nil {
				output.Error("Failed to fetch curve fits: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(fits)
			}
			if len(fits) == 0 {
				output.Info("No curve fits journaled for %s.", args[0])
				return nil
			}

			table := NewTable(output, "Time", "Status", "Order", "Bid obs", "Bid corr", "Offer obs", "Offer corr")
			for _, f := range fits {
				table.AddRow(
					FormatTime(f.At),
					output.CurveStatus(f.Status),
					fmt.Sprint(f.Bid.Order),
					fmt.Sprint(f.BidQuality.Observations),
					fmt.Sprintf("%.3f", f.BidQuality.Correlation),
					fmt.Sprint(f.OfferQuality.Observations),
					fmt.Sprintf("%.3f", f.OfferQuality.Correlation),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of fits")
	return cmd
}
