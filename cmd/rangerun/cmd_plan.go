package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/rangerun/internal/config"
	"github.com/sawpanic/rangerun/internal/domain/market"
	"github.com/sawpanic/rangerun/internal/exchange/binance"
	"github.com/sawpanic/rangerun/internal/interfaces/output"
	"github.com/sawpanic/rangerun/internal/sizing"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan SYMBOL",
		Short: "Print the bracket a trade would use right now",
		Long: `Sizes a position from the trade settings and prints entry, stop, target,
leveraged move percentages and risk. Without --price the last closed bar's
close is fetched (public endpoint, no credentials needed). Nothing is submitted.`,
		Args: cobra.ExactArgs(1),
		RunE: runPlan,
	}
	cmd.Flags().String("side", "long", "Position side (long|short)")
	cmd.Flags().Float64("price", 0, "Entry price; fetched from the venue when unset")
	cmd.Flags().Bool("json", false, "Print the plan as JSON")
	return cmd
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	symbol := strings.ToUpper(args[0])
	sideFlag, _ := cmd.Flags().GetString("side")
	price, _ := cmd.Flags().GetFloat64("price")
	asJSON, _ := cmd.Flags().GetBool("json")

	var side market.Side
	switch strings.ToLower(sideFlag) {
	case "long", "buy":
		side = market.SideLong
	case "short", "sell":
		side = market.SideShort
	default:
		return fmt.Errorf("unknown side %q, want long or short", sideFlag)
	}

	if price == 0 {
		client, err := binance.NewClient(cfg.Exchange)
		if err != nil {
			return err
		}
		bars, err := client.FetchBars(cmd.Context(), symbol, cfg.Scan.Interval, 2)
		if err != nil {
			return err
		}
		step, err := market.IntervalDuration(cfg.Scan.Interval)
		if err != nil {
			return err
		}
		bars = market.DropOpenBar(bars, step, time.Now())
		if len(bars) == 0 {
			return fmt.Errorf("%s: no closed %s bar yet", symbol, cfg.Scan.Interval)
		}
		price = bars[len(bars)-1].Close
	}

	sizer, err := sizing.NewSizer(cfg.Trade)
	if err != nil {
		return &config.Error{Section: "trade", Err: err}
	}
	plan, err := sizer.Plan(symbol, side, price)
	if err != nil {
		return err
	}
	if asJSON {
		return output.WriteJSON(cmd.OutOrStdout(), plan)
	}
	return output.WritePlan(cmd.OutOrStdout(), plan)
}
