package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/rangerun/internal/config"
)

const appName = "RangeRun"

var (
	version    = "v0.4.0"
	buildStamp = "dev" // set with -ldflags "-X main.buildStamp=..."
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if config.IsConfigError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "rangerun",
		Short:   "Breakout trading core for USDT-M perpetual futures",
		Version: version,
		Long: `RangeRun watches a symbol universe on one bar interval, raises range-filter
breakout signals, keeps only those in trending regimes with volume behind them,
scores them and opens bracketed, leveraged positions one at a time.

Commands that sign requests read BINANCE_API_KEY and BINANCE_API_SECRET from the
environment or a .env file in the working directory.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			return setupLogging(level)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to the YAML config file")
	flags.String("log-level", "", "Log level (trace|debug|info|warn|error), overrides the config")
	flags.Bool("dry-run", false, "Plan trades without submitting orders")
	flags.StringSlice("symbols", nil, "Comma-separated symbol universe, overrides the config")
	flags.String("interval", "", "Bar interval (e.g. 15m, 1h), overrides the config")

	rootCmd.AddCommand(newScanCmd(), newRunCmd(), newPlanCmd(), newMonitorCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", appName, version, buildStamp)
		},
	}
}

// setupLogging writes human-readable logs to a terminal and JSON otherwise.
// An empty level keeps info until the config is loaded.
func setupLogging(level string) error {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if level == "" {
		level = "info"
	}
	return setLevel(level)
}

func setLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return &config.Error{Section: "log_level", Err: err}
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// loadConfig reads the file named by --config and applies flag overrides
// before validating.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Read(path)
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := setLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	log.Debug().Str("config", path).Strs("symbols", cfg.Scan.Symbols).Str("interval", cfg.Scan.Interval).
		Bool("dry_run", cfg.Scan.DryRun).Msg("configuration loaded")
	return cfg, nil
}

// applyFlagOverrides copies explicitly set persistent flags over cfg.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("dry-run") {
		cfg.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("symbols") {
		symbols, _ := flags.GetStringSlice("symbols")
		for i, s := range symbols {
			symbols[i] = strings.ToUpper(strings.TrimSpace(s))
		}
		cfg.Scan.Symbols = symbols
	}
	if flags.Changed("interval") {
		cfg.Scan.Interval, _ = flags.GetString("interval")
	}
	cfg.Scan.DryRun = cfg.Scan.DryRun || cfg.DryRun
}
