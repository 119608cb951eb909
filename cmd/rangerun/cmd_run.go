package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/rangerun/internal/config"
	httpserver "github.com/sawpanic/rangerun/internal/interfaces/http"
	"github.com/sawpanic/rangerun/internal/scan"
	"github.com/sawpanic/rangerun/internal/scheduler"
	"github.com/sawpanic/rangerun/internal/stream"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trade continuously: scheduled scans, kline stream and monitor",
		Long: `Runs a scan pass shortly after every bar close, keeps indicator state fresh
from the kline stream, re-raises alarms for positions left unprotected and
serves the read-only monitor until interrupted.`,
		RunE: runRun,
	}
	cmd.Flags().Bool("paper", false, "Fill orders in memory against live market data")
	cmd.Flags().Bool("now", false, "Run one scan pass immediately at startup")
	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Schedule.Enabled {
		return &config.Error{Section: "schedule", Err: fmt.Errorf("disabled; use `rangerun scan` for single passes")}
	}
	paperMode, _ := cmd.Flags().GetBool("paper")
	scanNow, _ := cmd.Flags().GetBool("now")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, buildOptions{paper: paperMode})
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := scheduler.New(ctx, cfg.Schedule)
	if err != nil {
		return &config.Error{Section: "schedule", Err: err}
	}
	scanSpec := cfg.Schedule.Scan
	if scanSpec == "" {
		if scanSpec, err = scheduler.ScanSpec(cfg.Scan.Interval, 5); err != nil {
			return &config.Error{Section: "schedule", Err: err}
		}
	}
	if err := sched.Register("scan", scanSpec, func(ctx context.Context) error {
		return scanJob(ctx, a.scanner)
	}); err != nil {
		return err
	}
	if cfg.Schedule.Reconcile != "" {
		rec := a.reconciler()
		if err := sched.Register("reconcile", cfg.Schedule.Reconcile, func(ctx context.Context) error {
			timer := a.metrics.StartStepTimer("reconcile")
			_, err := rec.Run(ctx)
			timer.Stop(resultLabel(err))
			return err
		}); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	if cfg.Stream.Enabled {
		ks, err := stream.NewKlineStream(cfg.Stream, cfg.Scan.Symbols, cfg.Scan.Interval,
			stream.WithReconnectHook(a.metrics.RecordStreamReconnect))
		if err != nil {
			return &config.Error{Section: "stream", Err: err}
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = ks.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			for cb := range ks.Bars() {
				if err := a.registry.Push(cb.Symbol, cb.Bar); err != nil {
					log.Warn().Err(err).Str("symbol", cb.Symbol).Msg("stream bar rejected, state will re-warm")
				}
			}
		}()
	}

	if cfg.HTTP.Enabled {
		srv := httpserver.NewServer(httpserver.ServerConfig{
			Addr:           cfg.HTTP.Addr,
			ReadTimeout:    cfg.HTTP.ReadTimeout,
			WriteTimeout:   cfg.HTTP.WriteTimeout,
			IdleTimeout:    60 * time.Second,
			RequestTimeout: cfg.HTTP.Timeout,
		}, httpserver.Deps{
			Registry: a.registry,
			Scanner:  a.scanner,
			Journal:  a.journal,
			Alarms:   a.alarms,
			Jobs:     sched,
			Metrics:  a.metrics.Handler(),
			Checks:   map[string]httpserver.Check{"journal": a.journal.Ping},
			Version:  version,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.Error().Err(err).Msg("monitor stopped")
			}
		}()
	}

	if scanNow {
		if err := sched.RunNow("scan"); err != nil {
			log.Error().Err(err).Msg("startup scan failed")
		}
	}
	sched.Start()
	log.Info().Strs("symbols", cfg.Scan.Symbols).Str("interval", cfg.Scan.Interval).Str("scan", scanSpec).
		Bool("dry_run", cfg.Scan.DryRun).Bool("paper", paperMode).Msg("running")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Stop(stopCtx)
	wg.Wait()
	return nil
}

func scanJob(ctx context.Context, s *scan.Scanner) error {
	rep, err := s.Pass(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("accepted", rep.Count(scan.OutcomeAccepted)).
		Int("rejected", rep.Count(scan.OutcomeRejected)).
		Int("failed", rep.Count(scan.OutcomeFailed)).
		Int("open_positions", rep.OpenPositions).
		Str("executed", rep.Executed).
		Dur("duration", rep.Finished.Sub(rep.Started)).
		Msg("scan pass complete")
	return nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
