// Package backtest replays an ordered bar sequence through a strategy with a
// simulated fill model. A run is single-threaded and has no suspension
// points, so the same strategy, parameters and bars always produce the same
// result.
package backtest

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/obs"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/state"
	"tradecore/internal/strategy"
)

// Engine runs backtests for one strategy. Each Run starts from a fresh
// book and risk state.
type Engine struct {
	cfg      Config
	strategy strategy.Strategy
	metrics  *obs.Metrics
}

// NewEngine validates the configuration and binds the strategy.
func NewEngine(cfg Config, s strategy.Strategy) (*Engine, error) {
	if s == nil {
		return nil, errors.New("backtest engine requires a strategy")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, strategy: s}, nil
}

// WithMetrics attaches a metrics sink.
func (e *Engine) WithMetrics(m *obs.Metrics) *Engine {
	e.metrics = m
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// run is the mutable state of one backtest.
type run struct {
	cfg      Config
	strategy strategy.Strategy
	metrics  *obs.Metrics

	book *state.Manager
	risk *risk.Manager

	history  map[string][]schema.Bar
	pending  []pendingLimit
	trailing map[string]bool
	blocked  map[string]bool

	curve     []EquityPoint
	fills     []schema.Fill
	rejected  int
	skipped   int
	processed int
	last      time.Time
	index     int
}

// Run replays bars in order. Bars must be sorted by timestamp; bars that
// fail validation or go back in time are logged and skipped. A strategy
// failure aborts the run with a *StrategyError.
func (e *Engine) Run(ctx context.Context, bars []schema.Bar) (*Result, error) {
	r := &run{
		cfg:      e.cfg,
		strategy: e.strategy,
		metrics:  e.metrics,
		book:     state.NewManager(e.cfg.InitialEquity),
		risk:     risk.NewManager(e.cfg.Risk),
		history:  make(map[string][]schema.Bar),
		trailing: make(map[string]bool),
		blocked:  make(map[string]bool),
		curve:    make([]EquityPoint, 0, len(bars)),
	}

	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.index = i
		if err := bar.Validate(); err != nil {
			r.skip(i, bar, err)
			continue
		}
		if !r.last.IsZero() && bar.Timestamp.Before(r.last) {
			r.skip(i, bar, errors.New("bar timestamp goes back in time"))
			continue
		}
		start := time.Now()
		if err := r.step(bar); err != nil {
			return nil, err
		}
		e.metrics.ObserveBar(time.Since(start))
	}

	if err := r.finish(); err != nil {
		return nil, err
	}
	res := r.result(e.strategy.Name())
	logs.Infof("backtest finished: strategy=%s bars=%d skipped=%d trades=%d return=%.4f mdd=%.4f",
		res.Strategy, r.processed, r.skipped, res.Metrics.TotalTrades, res.Metrics.TotalReturn, res.Metrics.MaxDrawdown)
	return res, nil
}

func (r *run) skip(i int, bar schema.Bar, err error) {
	r.skipped++
	r.metrics.IncBarSkipped()
	logs.Warnf("skip bar %d (%s %s): %v", i, bar.Instrument, bar.Timestamp.Format(time.RFC3339), err)
}

func (r *run) step(bar schema.Bar) error {
	r.processed++
	r.last = bar.Timestamp
	r.history[bar.Instrument] = append(r.history[bar.Instrument], bar)
	r.book.MarkToMarket(bar.Instrument, bar.Close)

	if err := r.checkExits(bar); err != nil {
		return err
	}
	if err := r.fillPending(bar); err != nil {
		return err
	}

	acc := r.book.Account(bar.Timestamp)
	r.risk.UpdateEquity(acc.Equity, bar.Timestamp)
	r.risk.CheckLimits(acc)
	r.updateTrailing(bar)

	if err := r.rebalance(bar); err != nil {
		return err
	}

	h := r.history[bar.Instrument]
	signals, err := strategy.SafeOnBar(r.strategy, h[:len(h):len(h)], r.book.Positions(), acc)
	if err != nil {
		return r.strategyError(bar, err)
	}
	r.metrics.AddSignals(len(signals))
	for _, signal := range signals {
		if err := r.admit(signal, bar); err != nil {
			return err
		}
	}

	r.curve = append(r.curve, EquityPoint{
		Timestamp: bar.Timestamp,
		Equity:    r.book.Account(bar.Timestamp).Equity,
	})
	return nil
}

func (r *run) strategyError(bar schema.Bar, err error) error {
	return &StrategyError{Index: r.index, Timestamp: bar.Timestamp, Instrument: bar.Instrument, Err: err}
}

// lastBar returns the most recent bar of an instrument.
func (r *run) lastBar(instrument string) (schema.Bar, bool) {
	h := r.history[instrument]
	if len(h) == 0 {
		return schema.Bar{}, false
	}
	return h[len(h)-1], true
}

// admit runs a strategy signal through validation and risk, then fills or
// rests it.
func (r *run) admit(signal schema.OrderSignal, bar schema.Bar) error {
	order, err := r.book.Submit(signal, bar.Timestamp)
	if err != nil {
		r.rejected++
		logs.Warnf("reject signal at bar %d: %v", r.index, err)
		return nil
	}

	ref, ok := r.lastBar(signal.Instrument)
	if !ok {
		r.reject(order, bar.Timestamp, risk.ReasonInvalidPrice)
		return nil
	}
	if r.blocked[signal.Instrument] {
		r.reject(order, bar.Timestamp, risk.ReasonHalted)
		return nil
	}

	decision := r.risk.Evaluate(signal, r.book.Account(bar.Timestamp), r.book.Positions(), ref.Close)
	if !decision.Allowed {
		r.reject(order, bar.Timestamp, decision.Reason)
		return nil
	}

	// Signals for other instruments trade against that instrument's last
	// bar at the current time.
	ref.Timestamp = bar.Timestamp
	if order.Type == schema.OrderTypeMarket {
		return r.execute(order, ref.Close, ref)
	}
	if ref.Contains(order.Price) {
		return r.execute(order, order.Price, ref)
	}
	if r.cfg.LimitExpiryBars == 0 {
		r.expire(order.ID, bar.Timestamp)
		return nil
	}
	r.pending = append(r.pending, pendingLimit{
		orderID:    order.ID,
		instrument: order.Instrument,
		barsLeft:   r.cfg.LimitExpiryBars,
	})
	return nil
}

func (r *run) reject(order schema.Order, ts time.Time, reason risk.Reason) {
	r.rejected++
	r.metrics.IncRiskReason(reason)
	if _, err := r.book.Reject(order.ID, ts); err != nil {
		logs.Errorf("reject order %d: %+v", order.ID, err)
	}
	logs.Warnf("risk rejected order %d %s %s %d: %s", order.ID, order.Instrument, order.Side, order.Qty, reason)
}

func (r *run) expire(id uint64, ts time.Time) {
	if _, err := r.book.Expire(id, ts); err != nil {
		logs.Errorf("expire order %d: %+v", id, err)
	}
}

// fillPending walks resting limit orders of the bar's instrument in
// admission order.
func (r *run) fillPending(bar schema.Bar) error {
	if len(r.pending) == 0 {
		return nil
	}
	kept := r.pending[:0]
	var fillErr error
	for _, p := range r.pending {
		if fillErr != nil || p.instrument != bar.Instrument {
			kept = append(kept, p)
			continue
		}
		order, ok := r.book.Order(p.orderID)
		if !ok || order.Status.Terminal() {
			continue
		}
		if r.blocked[p.instrument] || r.risk.Halted() {
			if _, err := r.book.Cancel(p.orderID, bar.Timestamp); err != nil {
				logs.Errorf("cancel order %d: %+v", p.orderID, err)
			}
			continue
		}
		if bar.Contains(order.Price) {
			fillErr = r.execute(order, order.Price, bar)
			continue
		}
		p.barsLeft--
		if p.barsLeft <= 0 {
			r.expire(p.orderID, bar.Timestamp)
			continue
		}
		kept = append(kept, p)
	}
	r.pending = kept
	return fillErr
}

// execute fills the remaining quantity of an order at base adjusted by
// slippage and commission, then re-checks the risk limits.
func (r *run) execute(order schema.Order, base float64, bar schema.Bar) error {
	qty := order.LeavesQty()
	price, fee := schema.ApplyCosts(order.Side, base, r.cfg.Slippage, r.cfg.Commission, qty)
	fill := schema.Fill{
		OrderID:    order.ID,
		Instrument: order.Instrument,
		Side:       order.Side,
		Qty:        qty,
		Price:      price,
		Commission: fee,
		Timestamp:  bar.Timestamp,
	}
	res, err := r.book.ApplyFill(fill)
	if err != nil {
		logs.Errorf("apply fill for order %d: %+v", order.ID, err)
		return nil
	}
	r.book.MarkToMarket(order.Instrument, bar.Close)
	r.fills = append(r.fills, fill)
	r.metrics.IncFill()
	if res.Trade != nil {
		delete(r.trailing, order.Instrument)
	}
	if err := strategy.SafeOnFill(r.strategy, res.Order, res.Position); err != nil {
		return r.strategyError(bar, err)
	}

	acc := r.book.Account(bar.Timestamp)
	r.risk.UpdateEquity(acc.Equity, bar.Timestamp)
	if !r.risk.CheckLimits(acc) && !r.blocked[order.Instrument] {
		r.blocked[order.Instrument] = true
		logs.Warnf("halt trading on %s after order %d: %s", order.Instrument, order.ID, r.risk.State().HaltReason)
	}
	return nil
}

// exit sends a market order that closes the position, bypassing risk.
func (r *run) exit(pos schema.Position, base float64, bar schema.Bar, reason schema.ExitReason) error {
	order, err := r.book.Submit(schema.OrderSignal{
		Instrument: pos.Instrument,
		Side:       pos.Direction().Opposite(),
		Type:       schema.OrderTypeMarket,
		Qty:        int64(math.Abs(float64(pos.Qty))),
		Reason:     reason,
	}, bar.Timestamp)
	if err != nil {
		logs.Errorf("submit exit for %s: %+v", pos.Instrument, err)
		return nil
	}
	return r.execute(order, base, bar)
}

// rebalance trades every instrument toward its target weight on the
// configured cadence.
func (r *run) rebalance(bar schema.Bar) error {
	ps, ok := r.strategy.(strategy.PortfolioStrategy)
	if !ok || r.cfg.RebalanceEvery <= 0 || (r.processed-1)%r.cfg.RebalanceEvery != 0 {
		return nil
	}
	weights, err := strategy.SafeTargetWeights(ps, bar.Timestamp)
	if err != nil {
		return r.strategyError(bar, err)
	}

	positions := r.book.Positions()
	targets := make(map[string]float64, len(weights)+len(positions))
	for instrument := range positions {
		targets[instrument] = 0
	}
	for instrument, w := range weights {
		targets[instrument] = w
	}

	equity := r.book.Account(bar.Timestamp).Equity
	for _, instrument := range sortedKeys(targets) {
		ref, ok := r.lastBar(instrument)
		if !ok {
			continue
		}
		want := int64(math.Floor(targets[instrument] * equity / ref.Close))
		if limit := r.cfg.Risk.MaxPositionSize; limit > 0 {
			// Fills earlier in this pass move equity, so the cap tracks the
			// account the risk check will see.
			capped := limit * r.book.Account(bar.Timestamp).Equity
			if float64(want)*ref.Close > capped {
				want = int64(math.Floor(capped / ref.Close))
				for want > 0 && float64(want)*ref.Close > capped {
					want--
				}
			}
		}
		diff := want - positions[instrument].Qty
		var signal schema.OrderSignal
		switch {
		case diff > 0:
			signal = schema.MarketBuy(instrument, diff)
		case diff < 0:
			signal = schema.MarketSell(instrument, -diff)
		default:
			continue
		}
		if err := r.admit(signal, bar); err != nil {
			return err
		}
	}
	return nil
}

// finish closes the run: pending orders expire and, when configured, open
// positions are closed at their last price.
func (r *run) finish() error {
	for _, p := range r.pending {
		r.expire(p.orderID, r.last)
	}
	r.pending = nil

	if !r.cfg.CloseAtEnd {
		return nil
	}
	for _, instrument := range r.book.Instruments() {
		pos, _ := r.book.Position(instrument)
		bar, ok := r.lastBar(instrument)
		if !ok {
			continue
		}
		if err := r.exit(pos, bar.Close, bar, schema.ExitEndOfBacktest); err != nil {
			return err
		}
	}
	if len(r.curve) > 0 {
		r.curve[len(r.curve)-1].Equity = r.book.Account(r.last).Equity
	}
	return nil
}

func (r *run) result(name string) *Result {
	res := &Result{
		ID:            uuid.NewString(),
		Strategy:      name,
		InitialEquity: r.cfg.InitialEquity,
		FinalEquity:   r.cfg.InitialEquity,
		EquityCurve:   r.curve,
		Trades:        r.book.Trades(),
		Fills:         r.fills,
		Orders:        summarize(r.book.Orders()),
		Risk:          r.risk.State(),
	}
	if len(r.curve) > 0 {
		res.Start = r.curve[0].Timestamp
		res.End = r.curve[len(r.curve)-1].Timestamp
		res.FinalEquity = r.curve[len(r.curve)-1].Equity
	}
	for _, instrument := range r.book.Instruments() {
		pos, _ := r.book.Position(instrument)
		res.FinalPositions = append(res.FinalPositions, pos)
	}
	res.HaltedInstruments = sortedKeys(r.blocked)
	res.Metrics = computeMetrics(res, r.cfg.PeriodsPerYear)
	res.Metrics.RejectedOrders = r.rejected
	res.Metrics.SkippedBars = r.skipped
	return res
}
