// Package output renders plans and scan reports for terminals and files.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/fatih/color"

	"github.com/sawpanic/rangerun/internal/domain/market"
	"github.com/sawpanic/rangerun/internal/scan"
	"github.com/sawpanic/rangerun/internal/sizing"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

// WritePlan prints the position info block: prices, leveraged move
// percentages and what the bracket risks and targets in quote currency.
func WritePlan(w io.Writer, p sizing.PositionPlan) error {
	side := green(string(p.Side))
	if p.Side == market.SideShort {
		side = red(string(p.Side))
	}
	lines := []string{
		fmt.Sprintf("%s %s  x%d", bold(p.Symbol), side, p.Leverage),
		fmt.Sprintf("  entry     %s", formatPrice(p.EntryPrice)),
		fmt.Sprintf("  stop      %s  %s  %s", formatPrice(p.StopPrice),
			red(fmt.Sprintf("-%.2f%%", p.StopPct)), faint(fmt.Sprintf("(-%.2f%% leveraged)", p.LeveragedStopPct))),
		fmt.Sprintf("  target    %s  %s  %s", formatPrice(p.TakeProfitPrice),
			green(fmt.Sprintf("+%.2f%%", p.TakeProfitPct)), faint(fmt.Sprintf("(+%.2f%% leveraged)", p.LeveragedTakeProfitPct))),
		fmt.Sprintf("  quantity  %s", formatPrice(p.Quantity)),
		fmt.Sprintf("  notional  %.2f", p.Notional),
		fmt.Sprintf("  risk      %s  reward %s  r:r %.2f", red(fmt.Sprintf("%.4f", p.Risk)), green(fmt.Sprintf("%.4f", p.Reward)), ratio(p.Reward, p.Risk)),
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

// WriteReport prints one line per outcome followed by a summary.
func WriteReport(w io.Writer, rep scan.Report) error {
	if rep.Skipped != "" {
		_, err := fmt.Fprintf(w, "%s %s (%d open)\n", yellow("skipped:"), rep.Skipped, rep.OpenPositions)
		return err
	}
	for _, o := range rep.Outcomes {
		kind := o.Kind.String()
		switch o.Kind {
		case scan.OutcomeAccepted:
			kind = green(kind)
		case scan.OutcomeRejected:
			kind = yellow(kind)
		case scan.OutcomeFailed:
			kind = red(kind)
		default:
			kind = faint(kind)
		}
		score := "-"
		if o.Score != nil {
			score = strconv.Itoa(o.Score.Total)
		}
		if _, err := fmt.Fprintf(w, "%-12s %-10s %-20s score %-3s %s\n",
			o.Symbol, kind, barTime(o.BarTime), score, o.Reason); err != nil {
			return err
		}
		if o.Plan != nil {
			if err := WritePlan(w, *o.Plan); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintf(w, "%s %d accepted, %d rejected, %d failed, %d no signal in %s\n",
		bold("pass:"),
		rep.Count(scan.OutcomeAccepted), rep.Count(scan.OutcomeRejected),
		rep.Count(scan.OutcomeFailed), rep.Count(scan.OutcomeNoSignal),
		rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	return err
}

// WriteOutcomesCSV exports outcomes, one row each.
func WriteOutcomesCSV(w io.Writer, outcomes []scan.Outcome) error {
	writer := csv.NewWriter(w)
	header := []string{"Symbol", "BarTime", "Outcome", "Direction", "Regime", "Score", "Entry", "Stop", "Target", "Quantity", "State", "Reason"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, o := range outcomes {
		record := make([]string, len(header))
		record[0] = o.Symbol
		record[1] = barTime(o.BarTime)
		record[2] = o.Kind.String()
		if o.Signal != nil {
			record[3] = o.Signal.Direction.String()
		}
		if o.Decision != nil {
			record[4] = o.Decision.Regime.Regime.String()
		}
		if o.Score != nil {
			record[5] = strconv.Itoa(o.Score.Total)
		}
		if o.Plan != nil {
			record[6] = formatPrice(o.Plan.EntryPrice)
			record[7] = formatPrice(o.Plan.StopPrice)
			record[8] = formatPrice(o.Plan.TakeProfitPrice)
			record[9] = formatPrice(o.Plan.Quantity)
		}
		if o.Result != nil {
			record[10] = string(o.Result.State)
		}
		record[11] = o.Reason
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteJSON writes v indented.
func WriteJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// formatPrice trims float noise below the venue's finest tick.
func formatPrice(p float64) string {
	return strconv.FormatFloat(math.Round(p*1e8)/1e8, 'f', -1, 64)
}

func barTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func ratio(reward, risk float64) float64 {
	if risk == 0 {
		return 0
	}
	return reward / risk
}
