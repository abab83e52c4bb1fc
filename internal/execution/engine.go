// Package execution runs a strategy against a live broker. One goroutine
// owns the order book and the risk state; price and fill events reach it
// through a single bounded queue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/broker"
	"tradecore/internal/bus"
	"tradecore/internal/obs"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/state"
	"tradecore/internal/strategy"
)

var (
	ErrRunning     = errors.New("execution engine already running")
	ErrHalted      = errors.New("execution engine halted, restart required")
	ErrNoBroker    = errors.New("execution engine requires a broker")
	ErrNoStrategy  = errors.New("execution engine requires a strategy")
	ErrInstruments = errors.New("execution engine requires at least one instrument")
)

// State is the engine lifecycle.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// Status is a point-in-time view of the engine.
type Status struct {
	State     State        `json:"state"`
	Risk      risk.State   `json:"risk"`
	LastError error        `json:"-"`
	Cycles    uint64       `json:"cycles"`
	Metrics   obs.Snapshot `json:"metrics"`
}

// Engine drives strategy, risk and broker for live or paper trading.
type Engine struct {
	cfg       Config
	broker    broker.Broker
	strategy  strategy.Strategy
	clock     broker.Clock
	metrics   *obs.Metrics
	cycles    *obs.Sequence
	clientIDs func() string

	mu        sync.Mutex
	state     State
	lastErr   error
	riskState risk.State
	cycle     uint64
	cancel    context.CancelFunc
	done      chan struct{}
	stopping  atomic.Bool

	// owned by the loop goroutine while running
	risk    *risk.Manager
	book    *state.Manager
	history map[string][]schema.Bar
	clients map[string]uint64
}

// NewEngine validates cfg and wires the collaborators.
func NewEngine(cfg Config, b broker.Broker, s strategy.Strategy) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNoBroker
	}
	if s == nil {
		return nil, ErrNoStrategy
	}
	return &Engine{
		cfg:      cfg,
		broker:   b,
		strategy: s,
		clock:    broker.SystemClock{},
		metrics:  obs.NewMetrics(),
		cycles:   obs.NewSequence(0),
		risk:     risk.NewManager(cfg.Risk),
		history:  make(map[string][]schema.Bar),
		clients:  make(map[string]uint64),
	}, nil
}

// WithClock replaces the clock used for retry backoff.
func (e *Engine) WithClock(c broker.Clock) *Engine {
	if c != nil {
		e.clock = c
	}
	return e
}

// WithMetrics replaces the metrics sink.
func (e *Engine) WithMetrics(m *obs.Metrics) *Engine {
	e.metrics = m
	return e
}

// WithClientIDs replaces the idempotency key generator.
func (e *Engine) WithClientIDs(gen func() string) *Engine {
	e.clientIDs = gen
	return e
}

// Book exposes the local order and fill record. Read it only while the
// engine is not running.
func (e *Engine) Book() *state.Manager {
	return e.book
}

// Status returns the current lifecycle state, risk state and counters.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:     e.state,
		Risk:      e.riskState,
		LastError: e.lastErr,
		Cycles:    e.cycle,
		Metrics:   e.metrics.Snapshot(),
	}
}

// Start opens the price stream and begins processing. Broker requests run
// under ctx; Stop does not cancel them.
func (e *Engine) Start(ctx context.Context, instruments []string) error {
	if len(instruments) == 0 {
		return ErrInstruments
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateRunning:
		return ErrRunning
	case StateHalted:
		return ErrHalted
	}

	if e.book == nil {
		account, err := e.broker.GetAccount(ctx)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		e.book = state.NewManager(account.Cash).WithClientIDs(e.clientIDs)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream, err := e.broker.StreamPrices(runCtx, instruments)
	if err != nil {
		cancel()
		return fmt.Errorf("open price stream: %w", err)
	}

	queue := bus.NewQueue[broker.Event](e.cfg.QueueSize)
	done := make(chan struct{})
	e.stopping.Store(false)
	e.state = StateRunning
	e.lastErr = nil
	e.cancel = cancel
	e.done = done

	go e.forward(runCtx, stream, queue)
	go e.loop(ctx, runCtx, queue, done)

	logs.Infof("execution engine started, strategy=%s instruments=%v", e.strategy.Name(), instruments)
	return nil
}

// Stop asks the loop to finish and waits until it has. A request already
// sent to the broker completes first. A halted engine stays halted.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if done == nil {
		return
	}
	e.stopping.Store(true)
	cancel()
	<-done
}

// Wait blocks until the loop exits and returns the error that ended it.
func (e *Engine) Wait() error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Restart stops the loop, clears the risk halt and returns to Idle.
func (e *Engine) Restart() {
	e.Stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.risk.Reset()
	e.riskState = e.risk.State()
	e.state = StateIdle
	e.lastErr = nil
	logs.Infof("execution engine restarted")
}

// forward moves stream events into the queue. Fills wait for room; price
// updates are dropped when the loop falls behind.
func (e *Engine) forward(ctx context.Context, stream broker.Stream, queue *bus.Queue[broker.Event]) {
	defer queue.Close()
	defer stream.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil && !errors.Is(err, broker.ErrStreamClosed) && !errors.Is(err, context.Canceled) {
					logs.Warnf("price stream ended: %+v", err)
				}
				return
			}
			if ev.Kind == broker.EventFill || !e.cfg.DropPrices {
				if err := queue.Publish(ctx, ev); err != nil {
					return
				}
				continue
			}
			if err := queue.TryPublish(ev); err != nil {
				e.metrics.IncQueueDrop()
				logs.Warnf("drop price update %s: %v", ev.Price.Bar.Instrument, err)
			}
		}
	}
}

func (e *Engine) loop(ctx, runCtx context.Context, queue *bus.Queue[broker.Event], done chan struct{}) {
	defer close(done)
	defer e.finish()

	for ev := range queue.Events() {
		if e.stopping.Load() {
			return
		}
		var err error
		switch ev.Kind {
		case broker.EventPrice:
			err = e.onPrice(ctx, runCtx, ev.Price)
		case broker.EventFill:
			err = e.onFill(ev)
		}
		if err != nil {
			e.mu.Lock()
			e.lastErr = err
			e.mu.Unlock()
			logs.Errorf("execution engine failed: %+v", err)
			return
		}
	}
}

func (e *Engine) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	if e.state == StateRunning {
		e.state = StateIdle
	}
	e.riskState = e.risk.State()
	logs.Infof("execution engine stopped, state=%s", e.state)
}

func (e *Engine) halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateHalted
}

func (e *Engine) publishRisk(cycle uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.riskState = e.risk.State()
	e.cycle = cycle
}

// onPrice runs one trading cycle.
func (e *Engine) onPrice(ctx, runCtx context.Context, update broker.PriceUpdate) error {
	start := time.Now()
	cycle := e.cycles.Next()
	defer e.publishRisk(cycle)

	bar := update.Bar
	if err := bar.Validate(); err != nil {
		e.metrics.IncBarSkipped()
		logs.Warnf("cycle %d: skip price update: %v", cycle, err)
		return nil
	}
	e.record(bar)
	if e.halted() {
		return nil
	}

	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		logs.Warnf("cycle %d: get account: %v", cycle, err)
		return nil
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		logs.Warnf("cycle %d: get positions: %v", cycle, err)
		return nil
	}
	if e.stopping.Load() {
		return nil
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = bar.Timestamp
	}

	e.risk.UpdateEquity(account.Equity, bar.Timestamp)
	if !e.risk.CheckLimits(account) {
		e.liquidate(ctx, runCtx, positions, bar.Timestamp)
		e.risk.TriggerEmergencyStop(bar.Timestamp)
		e.mu.Lock()
		e.state = StateHalted
		e.mu.Unlock()
		return nil
	}

	signals, err := strategy.SafeOnBar(e.strategy, e.history[bar.Instrument], positions, account)
	if err != nil {
		return fmt.Errorf("strategy %s on %s at %s: %w", e.strategy.Name(), bar.Instrument, bar.Timestamp.Format(time.RFC3339), err)
	}
	e.metrics.AddSignals(len(signals))

	for _, signal := range signals {
		if e.stopping.Load() {
			return nil
		}
		decision := e.risk.Evaluate(signal, account, positions, e.refPrice(signal.Instrument))
		if !decision.Allowed {
			e.metrics.IncRiskReason(decision.Reason)
			logs.Warnf("cycle %d: risk rejected %s %s %d: %s", cycle, signal.Side, signal.Instrument, signal.Qty, decision.Reason)
			continue
		}
		order, err := e.book.Submit(signal, bar.Timestamp)
		if err != nil {
			logs.Warnf("cycle %d: invalid signal %s: %v", cycle, signal.Instrument, err)
			continue
		}
		e.submit(ctx, runCtx, order)
	}

	e.metrics.ObserveBar(time.Since(start))
	return nil
}

// record appends bar to the instrument's capped history.
func (e *Engine) record(bar schema.Bar) {
	h := append(e.history[bar.Instrument], bar)
	if over := len(h) - e.cfg.HistoryLimit; over > 0 {
		h = append(h[:0:0], h[over:]...)
	}
	e.history[bar.Instrument] = h
}

func (e *Engine) refPrice(instrument string) float64 {
	h := e.history[instrument]
	if len(h) == 0 {
		return 0
	}
	return h[len(h)-1].Close
}

// submit places order, retrying transient failures with backoff. Every
// attempt carries the same ClientOrderID.
func (e *Engine) submit(ctx, runCtx context.Context, order schema.Order) bool {
	e.clients[order.ClientOrderID] = order.ID
	for attempt := 0; ; attempt++ {
		begin := time.Now()
		brokerID, err := e.broker.PlaceOrder(ctx, order)
		if err == nil {
			e.metrics.ObserveSubmit(time.Since(begin))
			logs.Infof("order %d placed: %s %s %d, broker id %s", order.ID, order.Side, order.Instrument, order.Qty, brokerID)
			return true
		}

		if !broker.IsTransient(err) {
			e.metrics.IncSubmitFailure()
			logs.Errorf("order %d rejected: %+v", order.ID, err)
			if _, rerr := e.book.Reject(order.ID, order.CreatedAt); rerr == nil {
				delete(e.clients, order.ClientOrderID)
			}
			return false
		}
		if attempt >= e.cfg.MaxRetries {
			// The broker may still hold the order; a late fill is applied.
			e.metrics.IncSubmitFailure()
			logs.Errorf("order %d dropped after %d attempts: %+v", order.ID, attempt+1, err)
			return false
		}

		e.metrics.IncSubmitRetry()
		wait := e.cfg.Backoff.Next(attempt + 1)
		logs.Warnf("order %d attempt %d failed: %v, retry in %s", order.ID, attempt+1, err, wait)
		if err := e.clock.Sleep(runCtx, wait); err != nil {
			return false
		}
		if e.stopping.Load() {
			return false
		}
	}
}

// liquidate closes every open position with market orders.
func (e *Engine) liquidate(ctx, runCtx context.Context, positions map[string]schema.Position, ts time.Time) {
	instruments := make([]string, 0, len(positions))
	for instrument, pos := range positions {
		if pos.Qty != 0 {
			instruments = append(instruments, instrument)
		}
	}
	sort.Strings(instruments)

	logs.Errorf("risk limits breached, liquidating %d positions", len(instruments))
	for _, instrument := range instruments {
		pos := positions[instrument]
		qty := pos.Qty
		if qty < 0 {
			qty = -qty
		}
		order, err := e.book.Submit(schema.OrderSignal{
			Instrument: instrument,
			Side:       pos.Direction().Opposite(),
			Type:       schema.OrderTypeMarket,
			Qty:        qty,
			Reason:     schema.ExitLiquidation,
		}, ts)
		if err != nil {
			logs.Errorf("liquidate %s: %+v", instrument, err)
			continue
		}
		if e.submit(ctx, runCtx, order) {
			e.metrics.IncLiquidation()
		}
	}
}

func (e *Engine) onFill(ev broker.Event) error {
	fill := ev.Fill
	if id, ok := e.clients[ev.ClientOrderID]; ok {
		fill.OrderID = id
	}
	res, err := e.book.ApplyFill(fill)
	if err != nil {
		logs.Errorf("apply fill for order %d: %+v", fill.OrderID, err)
		return nil
	}
	e.metrics.IncFill()
	if res.Order.Status.Terminal() {
		delete(e.clients, res.Order.ClientOrderID)
	}
	if err := strategy.SafeOnFill(e.strategy, res.Order, res.Position); err != nil {
		return fmt.Errorf("strategy %s on fill %d: %w", e.strategy.Name(), res.Order.ID, err)
	}
	return nil
}
