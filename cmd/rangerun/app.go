package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/rangerun/internal/config"
	"github.com/sawpanic/rangerun/internal/data/cache"
	"github.com/sawpanic/rangerun/internal/exchange"
	"github.com/sawpanic/rangerun/internal/exchange/binance"
	"github.com/sawpanic/rangerun/internal/exchange/paper"
	"github.com/sawpanic/rangerun/internal/execution"
	"github.com/sawpanic/rangerun/internal/gates"
	"github.com/sawpanic/rangerun/internal/interfaces/alerts"
	"github.com/sawpanic/rangerun/internal/metrics"
	"github.com/sawpanic/rangerun/internal/persistence"
	"github.com/sawpanic/rangerun/internal/persistence/sqldb"
	"github.com/sawpanic/rangerun/internal/regime"
	"github.com/sawpanic/rangerun/internal/scan"
	"github.com/sawpanic/rangerun/internal/score/composite"
	"github.com/sawpanic/rangerun/internal/sizing"
)

// app is one account session: a single connector, registry and scanner.
type app struct {
	cfg      *config.Config
	metrics  *metrics.Collector
	alarms   *alerts.Emitter
	client   *binance.Client
	conn     exchange.Connector
	registry *scan.Registry
	scanner  *scan.Scanner
	journal  persistence.Journal
	closers  []func() error
}

type buildOptions struct {
	paper bool
}

func newApp(ctx context.Context, cfg *config.Config, opts buildOptions) (*app, error) {
	if !opts.paper {
		if err := cfg.RequireCredentials(); err != nil {
			return nil, err
		}
	}
	a := &app{cfg: cfg, metrics: metrics.NewCollector()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var closeAlarms func() error
	a.alarms, closeAlarms = alerts.Build(cfg.Alarms, a.metrics)
	a.closers = append(a.closers, closeAlarms)

	client, err := binance.NewClient(cfg.Exchange, binance.WithBreakerHook(a.onBreakerChange))
	if err != nil {
		return nil, err
	}
	a.client = client
	a.conn = client
	if opts.paper {
		a.conn = paper.New(client)
		log.Warn().Msg("paper trading: orders fill in memory, market data is live")
	}

	var source scan.BarSource = a.conn
	if cfg.Cache.Enabled {
		store, closeStore, err := cache.Open(cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("bar cache: %w", err)
		}
		a.closers = append(a.closers, closeStore)
		source = cache.NewCachedSource(a.conn, store, cfg.Cache.TTL, cfg.Cache.Prefix).MinLimit(cfg.Scan.Warmup)
	}

	a.registry, err = scan.NewRegistry(source, cfg.Indicators, cfg.Scan.Interval, cfg.Scan.Warmup, cfg.Scan.DropOpenBar)
	if err != nil {
		return nil, &config.Error{Section: "scan", Err: err}
	}
	detector, err := regime.NewDetector(cfg.Regime)
	if err != nil {
		return nil, &config.Error{Section: "regime", Err: err}
	}
	validator, err := gates.NewValidator(detector, cfg.Volume)
	if err != nil {
		return nil, &config.Error{Section: "volume", Err: err}
	}
	scorer, err := composite.NewScorer(cfg.Scoring, cfg.Indicators)
	if err != nil {
		return nil, &config.Error{Section: "scoring", Err: err}
	}
	sizer, err := sizing.NewSizer(cfg.Trade)
	if err != nil {
		return nil, &config.Error{Section: "trade", Err: err}
	}
	machine, err := execution.NewMachine(a.conn, a.alarms, cfg.Execution, log.Logger)
	if err != nil {
		return nil, &config.Error{Section: "execution", Err: err}
	}

	a.journal = persistence.Nop{}
	if cfg.Journal.Enabled {
		store, err := sqldb.Open(ctx, cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		a.journal = store
		a.closers = append(a.closers, store.Close)
	}

	a.scanner, err = scan.NewScanner(cfg.Scan, scan.Deps{
		Registry:  a.registry,
		Positions: a.conn,
		Validator: validator,
		Scorer:    scorer,
		Sizer:     sizer,
		Executor:  machine,
		Journal:   a.journal,
		Metrics:   a.metrics,
	}, log.Logger)
	if err != nil {
		return nil, &config.Error{Section: "scan", Err: err}
	}
	ok = true
	return a, nil
}

// onBreakerChange exports breaker state and raises an alarm when a venue
// endpoint group stops being called.
func (a *app) onBreakerChange(name string, from, to gobreaker.State) {
	a.metrics.BreakerHook(name, from, to)
	log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
	if to == gobreaker.StateOpen {
		a.alarms.Emit(context.Background(), alerts.Alarm{
			Severity: alerts.SeverityWarning,
			Kind:     alerts.KindBreakerOpen,
			Message:  fmt.Sprintf("venue calls for %s suspended after repeated failures", name),
		})
	}
}

func (a *app) reconciler() *scan.Reconciler {
	return scan.NewReconciler(a.journal, a.conn, a.alarms, a.metrics, log.Logger)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
