package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/rangerun/internal/interfaces/alerts"
	httpserver "github.com/sawpanic/rangerun/internal/interfaces/http"
	"github.com/sawpanic/rangerun/internal/metrics"
	"github.com/sawpanic/rangerun/internal/persistence"
	"github.com/sawpanic/rangerun/internal/persistence/sqldb"
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve the read-only monitor over the journal",
		Long: `Starts the HTTP monitor (/health, /metrics, /decisions, /executions,
/unresolved) against the configured journal without trading.`,
		RunE: runMonitor,
	}
	cmd.Flags().String("addr", "", "Listen address, overrides http.addr")
	return cmd
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.HTTP.Addr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var journal persistence.Journal = persistence.Nop{}
	if cfg.Journal.Enabled {
		store, err := sqldb.Open(ctx, cfg.Journal)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer store.Close()
		journal = store
	} else {
		log.Warn().Msg("journal disabled, monitor will serve empty history")
	}

	collector := metrics.NewCollector()
	emitter := alerts.NewEmitter(cfg.Alarms.Capacity, alerts.LogSink{}, collector)
	srv := httpserver.NewServer(httpserver.ServerConfig{
		Addr:           cfg.HTTP.Addr,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: cfg.HTTP.Timeout,
	}, httpserver.Deps{
		Journal: journal,
		Alarms:  emitter,
		Metrics: collector.Handler(),
		Checks:  map[string]httpserver.Check{"journal": journal.Ping},
		Version: version,
	})
	return srv.Run(ctx)
}
