package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/rangerun/internal/exchange"
	"github.com/sawpanic/rangerun/internal/interfaces/alerts"
	"github.com/sawpanic/rangerun/internal/net/retry"
	"github.com/sawpanic/rangerun/internal/sizing"
)

// Compensation is what happens when a protective leg fails after the fill.
type Compensation string

const (
	CompensateNone             Compensation = "none"
	CompensateRetry            Compensation = "retry"
	CompensateFlatten          Compensation = "flatten"
	CompensateRetryThenFlatten Compensation = "retry_then_flatten"
)

// Config controls the execution machine
type Config struct {
	MarginMode     exchange.MarginMode `yaml:"margin_mode"`      // Default: ISOLATED
	Compensation   Compensation        `yaml:"compensation"`     // Default: retry_then_flatten
	LegRetries     int                 `yaml:"leg_retries"`      // Default: 2 rounds
	RetryBackoff   retry.Policy        `yaml:"retry_backoff"`    // Between leg retry rounds
	FillTimeout    time.Duration       `yaml:"fill_timeout"`     // Default: 10s
	FillPoll       time.Duration       `yaml:"fill_poll"`        // Default: 500ms
	ProtectTimeout time.Duration       `yaml:"protect_timeout"`  // Default: 30s for legs + compensation
	ClientIDPrefix string              `yaml:"client_id_prefix"` // Default: "rr", at most 3 chars
}

func DefaultConfig() Config {
	return Config{
		MarginMode:     exchange.MarginIsolated,
		Compensation:   CompensateRetryThenFlatten,
		LegRetries:     2,
		RetryBackoff:   retry.Policy{MaxAttempts: 1, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second},
		FillTimeout:    10 * time.Second,
		FillPoll:       500 * time.Millisecond,
		ProtectTimeout: 30 * time.Second,
		ClientIDPrefix: "rr",
	}
}

func (c Config) Validate() error {
	switch c.MarginMode {
	case exchange.MarginIsolated, exchange.MarginCrossed:
	default:
		return fmt.Errorf("margin_mode %q not ISOLATED or CROSSED", c.MarginMode)
	}
	switch c.Compensation {
	case CompensateNone, CompensateRetry, CompensateFlatten, CompensateRetryThenFlatten:
	default:
		return fmt.Errorf("unknown compensation %q", c.Compensation)
	}
	if c.LegRetries < 0 {
		return fmt.Errorf("leg_retries must be >= 0")
	}
	if c.FillTimeout <= 0 || c.FillPoll <= 0 || c.ProtectTimeout <= 0 {
		return fmt.Errorf("fill_timeout, fill_poll and protect_timeout must be positive")
	}
	if len(c.ClientIDPrefix) > 3 {
		return fmt.Errorf("client_id_prefix %q longer than 3", c.ClientIDPrefix)
	}
	return nil
}

// Result is the terminal view of one execution.
type Result struct {
	Symbol         string         `json:"symbol"`
	State          State          `json:"state"`
	FailedStage    State          `json:"failed_stage"`
	Kind           ErrorKind      `json:"kind"`
	OrderIDs       map[Leg]string `json:"order_ids"`
	ClientIDs      map[Leg]string `json:"client_ids"`
	FilledQuantity float64        `json:"filled_quantity"`
	AvgPrice       float64        `json:"avg_price"`
	MissingLegs    []Leg          `json:"missing_legs,omitempty"`
	Path           []State        `json:"path"`
	Err            error          `json:"-"`
}

// Protected reports whether the bracket is fully in place.
func (r Result) Protected() bool { return r.State == StateBracketComplete }

// Committed reports whether a position was opened at any point.
func (r Result) Committed() bool { return r.FilledQuantity > 0 }

func (r Result) orderIDs() map[string]string {
	out := make(map[string]string, len(r.OrderIDs))
	for leg, id := range r.OrderIDs {
		out[string(leg)] = id
	}
	return out
}

func (r Result) missing() []string {
	out := make([]string, len(r.MissingLegs))
	for i, l := range r.MissingLegs {
		out[i] = string(l)
	}
	return out
}

// Emitter receives money-risk alarms.
type Emitter interface {
	Emit(ctx context.Context, a alerts.Alarm) alerts.Alarm
}

// Machine runs bracket executions one at a time.
type Machine struct {
	conn   exchange.Connector
	alarms Emitter
	cfg    Config
	logger zerolog.Logger
	newID  func() string

	mu sync.Mutex
}

func NewMachine(conn exchange.Connector, alarms Emitter, cfg Config, logger zerolog.Logger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Machine{
		conn:   conn,
		alarms: alarms,
		cfg:    cfg,
		logger: logger.With().Str("component", "execution").Logger(),
		newID:  func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}, nil
}

type run struct {
	m    *Machine
	plan sizing.PositionPlan
	res  Result
	log  zerolog.Logger

	// pending holds client ids of leg submissions whose outcome is unknown.
	pending map[Leg]string
}

func (r *run) advance(to State) {
	if !CanTransition(r.res.State, to) {
		r.log.Error().Stringer("from", r.res.State).Stringer("to", to).Msg("illegal transition")
	}
	r.log.Debug().Stringer("from", r.res.State).Stringer("to", to).Msg("transition")
	r.res.State = to
	r.res.Path = append(r.res.Path, to)
}

func (r *run) fail(kind ErrorKind, err error) Result {
	r.res.FailedStage = r.res.State
	r.res.Kind = kind
	r.res.Err = &Error{Kind: kind, Stage: r.res.State, Err: err}
	r.advance(StateFailed)
	r.log.Warn().Err(err).Stringer("stage", r.res.FailedStage).Stringer("kind", kind).Msg("execution failed")
	return r.res
}

func (r *run) clientID(leg Leg) string {
	id := fmt.Sprintf("%s%c%s", r.m.cfg.ClientIDPrefix, leg.code(), r.m.newID())
	if len(id) > 36 {
		id = id[:36]
	}
	r.res.ClientIDs[leg] = id
	return id
}

// Execute places the bracket described by plan. It never returns an error:
// the outcome, including partial execution, is carried by the Result.
func (m *Machine) Execute(ctx context.Context, plan sizing.PositionPlan) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &run{
		m:    m,
		plan: plan,
		res: Result{
			Symbol:    plan.Symbol,
			State:     StateIdle,
			OrderIDs:  make(map[Leg]string),
			ClientIDs: make(map[Leg]string),
			Path:      []State{StateIdle},
		},
		log:     m.logger.With().Str("symbol", plan.Symbol).Str("side", string(plan.Side)).Logger(),
		pending: make(map[Leg]string),
	}

	if err := plan.Check(); err != nil {
		return r.fail(KindNothingCommitted, err)
	}

	if err := m.conn.SetMarginMode(ctx, plan.Symbol, m.cfg.MarginMode); err != nil && !errors.Is(err, exchange.ErrNoChange) {
		return r.fail(KindNothingCommitted, fmt.Errorf("set margin mode: %w", err))
	}
	r.advance(StateMarginConfigured)

	if err := m.conn.SetLeverage(ctx, plan.Symbol, plan.Leverage); err != nil && !errors.Is(err, exchange.ErrNoChange) {
		return r.fail(KindNothingCommitted, fmt.Errorf("set leverage: %w", err))
	}
	r.advance(StateLeverageSet)

	if res, ok := r.enter(ctx); !ok {
		return res
	}

	// Once a position exists a cancelled scan must not abandon it.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ProtectTimeout)
	defer cancel()
	return r.protect(pctx)
}

// enter submits the market order and waits for an observed fill.
func (r *run) enter(ctx context.Context) (Result, bool) {
	req := exchange.OrderRequest{
		Symbol:        r.plan.Symbol,
		Side:          r.plan.Side.EntryOrderSide(),
		Type:          exchange.OrderMarket,
		Quantity:      r.plan.Quantity,
		ClientOrderID: r.clientID(LegEntry),
	}
	r.advance(StateEntrySubmitted)
	ack, err := r.m.conn.SubmitMarketOrder(ctx, req)

	// The order may be live; finding out must survive the caller's deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.m.cfg.FillTimeout+r.m.cfg.FillPoll)
	defer cancel()
	if err != nil {
		if !exchange.Ambiguous(err) {
			return r.fail(KindNothingCommitted, fmt.Errorf("entry rejected: %w", err)), false
		}
		r.log.Warn().Err(err).Str("client_id", req.ClientOrderID).Msg("entry outcome unknown, reconciling")
		found, lerr := r.lookupSettled(ctx, req.ClientOrderID)
		switch {
		case errors.Is(lerr, exchange.ErrOrderNotFound):
			return r.fail(KindNothingCommitted, fmt.Errorf("entry not received by venue: %w", err)), false
		case lerr != nil:
			return r.unconfirmed(fmt.Errorf("entry submit: %v; lookup: %w", err, lerr)), false
		}
		ack = found
	}
	if ack.OrderID != "" {
		r.res.OrderIDs[LegEntry] = ack.OrderID
	}

	ack, err = r.awaitFill(ctx, ack)
	if err != nil {
		return r.unconfirmed(err), false
	}
	if !ack.Filled() {
		return r.fail(KindNothingCommitted, fmt.Errorf("entry ended %s without fill", ack.Status)), false
	}
	r.res.FilledQuantity = ack.ExecutedQty
	r.res.AvgPrice = ack.AvgPrice
	r.advance(StateEntryFilled)
	r.log.Info().Float64("qty", ack.ExecutedQty).Float64("avg_price", ack.AvgPrice).
		Str("order_id", ack.OrderID).Msg("entry filled")
	return r.res, true
}

// awaitFill polls until the entry is terminal or the fill timeout passes.
// A partial fill at timeout is treated as the position to protect.
func (r *run) awaitFill(ctx context.Context, ack exchange.OrderAck) (exchange.OrderAck, error) {
	if ack.Status.Terminal() {
		return ack, nil
	}
	deadline := time.NewTimer(r.m.cfg.FillTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(r.m.cfg.FillPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			if ack.Filled() {
				return ack, nil
			}
			return ack, fmt.Errorf("waiting for entry fill: %w", ctx.Err())
		case <-deadline.C:
			if ack.Filled() {
				return ack, nil
			}
			return ack, fmt.Errorf("entry %s not filled within %s", r.res.ClientIDs[LegEntry], r.m.cfg.FillTimeout)
		case <-tick.C:
			got, err := r.m.conn.GetOrder(ctx, r.plan.Symbol, r.res.ClientIDs[LegEntry])
			if err != nil {
				r.log.Debug().Err(err).Msg("fill poll failed")
				continue
			}
			ack = got
			if ack.Status.Terminal() {
				return ack, nil
			}
		}
	}
}

func (r *run) lookup(ctx context.Context, clientID string) (exchange.OrderAck, error) {
	return r.m.conn.GetOrder(ctx, r.plan.Symbol, clientID)
}

// lookupSettled repeats a not-found lookup once after the poll interval.
// Venue reads can lag a just-accepted order.
func (r *run) lookupSettled(ctx context.Context, clientID string) (exchange.OrderAck, error) {
	ack, err := r.lookup(ctx, clientID)
	if !errors.Is(err, exchange.ErrOrderNotFound) {
		return ack, err
	}
	r.log.Debug().Str("client_id", clientID).Msg("order not visible yet, looking up again")
	select {
	case <-ctx.Done():
		return ack, err
	case <-time.After(r.m.cfg.FillPoll):
	}
	return r.lookup(ctx, clientID)
}

func (r *run) unconfirmed(err error) Result {
	res := r.fail(KindEntryUnconfirmed, err)
	r.m.alarms.Emit(context.Background(), alerts.Alarm{
		Severity: alerts.SeverityCritical,
		Kind:     alerts.KindEntryUnconfirmed,
		Symbol:   r.plan.Symbol,
		OrderIDs: map[string]string{string(LegEntry): r.res.ClientIDs[LegEntry]},
		Message:  fmt.Sprintf("entry fill could not be confirmed, check position manually: %v", err),
	})
	return res
}

// submitLeg places one protective order, reconciling ambiguous failures.
// A leg whose earlier submission is still unknown is looked up by its old
// client id and only resubmitted once the venue shows it absent or dead.
func (r *run) submitLeg(ctx context.Context, leg Leg) error {
	if prev, ok := r.pending[leg]; ok {
		found, err := r.lookup(ctx, prev)
		switch {
		case err == nil && live(found):
			delete(r.pending, leg)
			r.log.Info().Str("leg", string(leg)).Str("client_id", prev).Msg("earlier leg submission found on venue")
			r.res.ClientIDs[leg] = prev
			return r.placed(leg, found)
		case err == nil, errors.Is(err, exchange.ErrOrderNotFound):
			delete(r.pending, leg)
		default:
			return fmt.Errorf("%s leg %s still unresolved: %w", leg, prev, err)
		}
	}

	req := exchange.OrderRequest{
		Symbol:        r.plan.Symbol,
		Side:          r.plan.Side.ExitOrderSide(),
		Quantity:      r.res.FilledQuantity,
		ReduceOnly:    true,
		ClientOrderID: r.clientID(leg),
	}
	var ack exchange.OrderAck
	var err error
	switch leg {
	case LegStop:
		req.Type, req.StopPrice = exchange.OrderStopMarket, r.plan.StopPrice
		ack, err = r.m.conn.SubmitStopOrder(ctx, req)
	case LegTarget:
		req.Type, req.StopPrice = exchange.OrderTakeProfitMarket, r.plan.TakeProfitPrice
		ack, err = r.m.conn.SubmitTakeProfitOrder(ctx, req)
	case LegFlatten:
		req.Type = exchange.OrderMarket
		ack, err = r.m.conn.SubmitMarketOrder(ctx, req)
	default:
		return fmt.Errorf("unknown leg %s", leg)
	}
	if err != nil && exchange.Ambiguous(err) {
		found, lerr := r.lookup(ctx, req.ClientOrderID)
		switch {
		case lerr == nil && live(found):
			ack, err = found, nil
		case lerr != nil:
			// Not found may be read lag; check again before any resubmit.
			r.pending[leg] = req.ClientOrderID
		}
	}
	if err != nil {
		r.log.Warn().Err(err).Str("leg", string(leg)).Str("client_id", req.ClientOrderID).Msg("leg submission failed")
		return err
	}
	return r.placed(leg, ack)
}

func (r *run) placed(leg Leg, ack exchange.OrderAck) error {
	if !live(ack) {
		return fmt.Errorf("%s leg ended %s", leg, ack.Status)
	}
	r.res.OrderIDs[leg] = ack.OrderID
	r.log.Info().Str("leg", string(leg)).Str("order_id", ack.OrderID).Msg("leg placed")
	return nil
}

// live reports whether a protective order is working or done.
func live(ack exchange.OrderAck) bool {
	switch ack.Status {
	case exchange.StatusRejected, exchange.StatusCanceled, exchange.StatusExpired:
		return false
	}
	return true
}

// protect places both legs, then compensates for any that failed.
func (r *run) protect(ctx context.Context) Result {
	failures := map[Leg]error{}
	for _, leg := range []Leg{LegStop, LegTarget} {
		if err := r.submitLeg(ctx, leg); err != nil {
			failures[leg] = err
		}
	}
	r.syncLegs()
	if r.res.State == StateTargetSubmitted {
		r.advance(StateBracketComplete)
		return r.res
	}

	policy := r.m.cfg.Compensation
	if policy == CompensateRetry || policy == CompensateRetryThenFlatten {
		for round := 0; round < r.m.cfg.LegRetries && len(failures) > 0; round++ {
			wait := r.m.cfg.RetryBackoff.Delay(round)
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			for _, leg := range []Leg{LegStop, LegTarget} {
				if _, ok := failures[leg]; !ok {
					continue
				}
				if err := r.submitLeg(ctx, leg); err != nil {
					failures[leg] = err
					continue
				}
				delete(failures, leg)
			}
			r.syncLegs()
		}
		if r.res.State == StateTargetSubmitted {
			r.log.Info().Msg("protective legs recovered on retry")
			r.advance(StateBracketComplete)
			return r.res
		}
	}

	r.res.MissingLegs = r.res.MissingLegs[:0]
	var errs []error
	for _, leg := range []Leg{LegStop, LegTarget} {
		if err, ok := failures[leg]; ok {
			r.res.MissingLegs = append(r.res.MissingLegs, leg)
			errs = append(errs, fmt.Errorf("%s: %w", leg, err))
		}
	}
	legErr := errors.Join(errs...)
	r.res.Kind = KindUnprotected
	r.res.FailedStage = r.res.State

	if policy == CompensateFlatten || policy == CompensateRetryThenFlatten {
		err := r.submitLeg(ctx, LegFlatten)
		if err == nil {
			r.res.Err = &Error{Kind: KindUnprotected, Stage: r.res.FailedStage, Err: legErr}
			r.advance(StateFlattened)
			r.alarm(alerts.SeverityWarning, alerts.KindFlattened,
				fmt.Sprintf("protective legs failed, position closed: %v", legErr))
			return r.res
		}
		legErr = errors.Join(legErr, fmt.Errorf("flatten: %w", err))
	}

	r.res.Err = &Error{Kind: KindUnprotected, Stage: r.res.FailedStage, Err: legErr}
	r.advance(StateUnprotected)
	r.alarm(alerts.SeverityCritical, alerts.KindUnprotected,
		fmt.Sprintf("position open without protection: %v", legErr))
	return r.res
}

// syncLegs moves the state forward for legs in place, in bracket order.
func (r *run) syncLegs() {
	_, stop := r.res.OrderIDs[LegStop]
	_, target := r.res.OrderIDs[LegTarget]
	if r.res.State == StateEntryFilled && stop {
		r.advance(StateStopSubmitted)
	}
	if r.res.State == StateStopSubmitted && target {
		r.advance(StateTargetSubmitted)
	}
}

func (r *run) alarm(sev alerts.Severity, kind alerts.Kind, msg string) {
	r.m.alarms.Emit(context.Background(), alerts.Alarm{
		Severity:       sev,
		Kind:           kind,
		Symbol:         r.plan.Symbol,
		FilledQuantity: r.res.FilledQuantity,
		MissingLegs:    r.res.missing(),
		OrderIDs:       r.res.orderIDs(),
		Message:        msg,
	})
}
