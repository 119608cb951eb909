package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/rangerun/internal/interfaces/output"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan pass over the symbol universe",
		Long: `Evaluates the most recent closed bar of every configured symbol and, unless
--dry-run is set, executes at most one bracketed entry.`,
		RunE: runScan,
	}
	cmd.Flags().Bool("paper", false, "Fill orders in memory against live market data")
	cmd.Flags().String("csv", "", "Also write outcomes to this CSV file")
	cmd.Flags().Bool("json", false, "Print the pass report as JSON")
	return cmd
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	paperMode, _ := cmd.Flags().GetBool("paper")
	csvPath, _ := cmd.Flags().GetString("csv")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, buildOptions{paper: paperMode})
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.scanner.Pass(ctx)
	if err != nil {
		return fmt.Errorf("scan pass: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		err = output.WriteJSON(out, rep)
	} else {
		err = output.WriteReport(out, rep)
	}
	if err != nil {
		return err
	}
	if csvPath != "" {
		f, err := os.Create(csvPath)
		if err != nil {
			return fmt.Errorf("failed to create CSV file: %w", err)
		}
		defer f.Close()
		if err := output.WriteOutcomesCSV(f, rep.Outcomes); err != nil {
			return err
		}
		log.Info().Str("path", csvPath).Int("rows", len(rep.Outcomes)).Msg("outcomes written")
	}
	if rep.Executed != "" {
		log.Info().Str("symbol", rep.Executed).Msg("position opened this pass")
	}
	return nil
}
