package state

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/og"
	"tradecore/internal/schema"
)

var (
	ErrNoPosition     = errors.New("no open position")
	ErrCloseQty       = errors.New("close qty exceeds open position")
	ErrFillQty        = errors.New("fill qty must be > 0")
	ErrFillPrice      = errors.New("fill price must be > 0")
	ErrInstrumentFill = errors.New("fill instrument does not match order")
)

// FillResult describes the effect of one fill on the book.
type FillResult struct {
	Order    schema.Order
	Position schema.Position
	// Realized is the PnL booked by the reducing part of the fill.
	Realized float64
	// Trade is set when the fill brought the position back to zero.
	Trade *schema.Trade
}

// roundTrip accumulates one position's life until it returns to zero.
type roundTrip struct {
	entryQty      int64
	entryNotional float64
	closedQty     int64
	exitNotional  float64
	pnl           float64
	commission    float64
	direction     schema.Side
}

// Manager is the single source of truth for orders, positions, trades and
// cash. Positions are keyed by instrument, trades and orders by id; nothing
// holds a pointer into another record.
type Manager struct {
	cash        float64
	positions   map[string]*schema.Position
	rounds      map[string]*roundTrip
	trades      []schema.Trade
	orders      *og.StateMachine
	nextOrderID uint64
	nextTradeID uint64
	newClientID func() string
}

// NewManager creates an empty book holding initialCash.
func NewManager(initialCash float64) *Manager {
	return &Manager{
		cash:        initialCash,
		positions:   make(map[string]*schema.Position),
		rounds:      make(map[string]*roundTrip),
		orders:      og.NewStateMachine(),
		newClientID: uuid.NewString,
	}
}

// WithClientIDs swaps the idempotency key generator.
func (m *Manager) WithClientIDs(gen func() string) *Manager {
	if gen != nil {
		m.newClientID = gen
	}
	return m
}

// Submit admits a signal as a tracked order.
func (m *Manager) Submit(signal schema.OrderSignal, ts time.Time) (schema.Order, error) {
	if err := signal.Validate(); err != nil {
		return schema.Order{}, err
	}
	m.nextOrderID++
	reason := signal.Reason
	if reason == "" {
		reason = schema.ExitSignal
	}
	return m.orders.Apply(schema.Order{
		ID:            m.nextOrderID,
		ClientOrderID: m.newClientID(),
		Instrument:    signal.Instrument,
		Side:          signal.Side,
		Type:          signal.Type,
		Qty:           signal.Qty,
		Price:         signal.Price,
		StopLoss:      signal.StopLoss,
		TakeProfit:    signal.TakeProfit,
		Reason:        reason,
		CreatedAt:     ts,
	})
}

// Reject marks a submitted order as rejected.
func (m *Manager) Reject(id uint64, ts time.Time) (schema.Order, error) {
	return m.orders.Reject(id, ts)
}

// Cancel marks a submitted order as cancelled.
func (m *Manager) Cancel(id uint64, ts time.Time) (schema.Order, error) {
	return m.orders.Cancel(id, ts)
}

// Expire marks a pending order as expired.
func (m *Manager) Expire(id uint64, ts time.Time) (schema.Order, error) {
	return m.orders.Expire(id, ts)
}

// Order returns the tracked order by id.
func (m *Manager) Order(id uint64) (schema.Order, bool) {
	return m.orders.Order(id)
}

// Orders returns every tracked order in admission order.
func (m *Manager) Orders() []schema.Order {
	return m.orders.Orders()
}

// OpenOrders returns orders that may still fill.
func (m *Manager) OpenOrders() []schema.Order {
	return m.orders.Open()
}

// ApplyFill advances the order and books the execution.
func (m *Manager) ApplyFill(fill schema.Fill) (FillResult, error) {
	order, ok := m.orders.Order(fill.OrderID)
	if !ok {
		return FillResult{}, og.ErrUnknownOrder
	}
	if fill.Instrument != "" && fill.Instrument != order.Instrument {
		return FillResult{}, ErrInstrumentFill
	}
	if !(fill.Price > 0) {
		return FillResult{}, ErrFillPrice
	}
	order, err := m.orders.ApplyFill(fill.OrderID, fill.Qty, fill.Price, fill.Timestamp)
	if err != nil {
		return FillResult{}, err
	}
	res, err := m.apply(order.Signal(), fill.Price, fill.Qty, fill.Commission, fill.Timestamp)
	if err != nil {
		return FillResult{}, err
	}
	res.Order = order
	return res, nil
}

// OpenOrAdd books a fill against the instrument's position: it opens a new
// position, merges same-direction fills into a volume-weighted average, or
// reduces (and flips, when the fill exceeds the open quantity) on
// opposite-direction fills.
func (m *Manager) OpenOrAdd(signal schema.OrderSignal, fillPrice float64, fillQty int64, ts time.Time) (FillResult, error) {
	return m.apply(signal, fillPrice, fillQty, 0, ts)
}

func (m *Manager) apply(signal schema.OrderSignal, price float64, qty int64, commission float64, ts time.Time) (FillResult, error) {
	if qty <= 0 {
		return FillResult{}, ErrFillQty
	}
	if !(price > 0) {
		return FillResult{}, ErrFillPrice
	}
	sign := signal.Side.Sign()
	if sign == 0 {
		return FillResult{}, schema.ErrSignalSide
	}

	pos := m.positions[signal.Instrument]
	if pos == nil || pos.Qty == 0 {
		p := m.open(signal, price, qty, commission, ts)
		return FillResult{Position: p}, nil
	}

	if pos.Qty*sign > 0 {
		abs := absQty(pos.Qty)
		pos.AvgPrice = (pos.AvgPrice*float64(abs) + price*float64(qty)) / float64(abs+qty)
		pos.Qty += sign * qty
		m.cash -= float64(sign*qty) * price
		m.protect(pos, signal)
		rt := m.rounds[pos.Instrument]
		rt.entryQty += qty
		rt.entryNotional += price * float64(qty)
		rt.commission += commission
		m.mark(pos, price)
		return FillResult{Position: *pos}, nil
	}

	closeQty := qty
	if abs := absQty(pos.Qty); closeQty > abs {
		closeQty = abs
	}
	closeCommission := commission * float64(closeQty) / float64(qty)
	res := m.reduce(pos, price, closeQty, closeCommission, ts, signal.Reason)
	if rest := qty - closeQty; rest > 0 {
		res.Position = m.open(signal, price, rest, commission-closeCommission, ts)
	}
	return res, nil
}

// Close reduces the instrument's position by fillQty at fillPrice.
func (m *Manager) Close(instrument string, fillPrice float64, fillQty int64, ts time.Time, reason schema.ExitReason) (FillResult, error) {
	pos := m.positions[instrument]
	if pos == nil || pos.Qty == 0 {
		return FillResult{}, ErrNoPosition
	}
	if fillQty <= 0 {
		return FillResult{}, ErrFillQty
	}
	if fillQty > absQty(pos.Qty) {
		return FillResult{}, ErrCloseQty
	}
	if !(fillPrice > 0) {
		return FillResult{}, ErrFillPrice
	}
	return m.reduce(pos, fillPrice, fillQty, 0, ts, reason), nil
}

func (m *Manager) open(signal schema.OrderSignal, price float64, qty int64, commission float64, ts time.Time) schema.Position {
	sign := signal.Side.Sign()
	pos := &schema.Position{
		Instrument: signal.Instrument,
		Qty:        sign * qty,
		AvgPrice:   price,
		OpenedAt:   ts,
	}
	m.protect(pos, signal)
	m.positions[pos.Instrument] = pos
	m.rounds[pos.Instrument] = &roundTrip{
		entryQty:      qty,
		entryNotional: price * float64(qty),
		commission:    commission,
		direction:     signal.Side,
	}
	m.cash -= float64(sign*qty) * price
	m.mark(pos, price)
	return *pos
}

func (m *Manager) reduce(pos *schema.Position, price float64, qty int64, commission float64, ts time.Time, reason schema.ExitReason) FillResult {
	dir := int64(1)
	if pos.Qty < 0 {
		dir = -1
	}
	realized := (price - pos.AvgPrice) * float64(qty) * float64(dir)
	pos.Qty -= dir * qty
	pos.RealizedPnL += realized
	m.cash += float64(dir*qty) * price

	rt := m.rounds[pos.Instrument]
	rt.closedQty += qty
	rt.exitNotional += price * float64(qty)
	rt.pnl += realized
	rt.commission += commission

	res := FillResult{Realized: realized}
	if pos.Qty != 0 {
		m.mark(pos, price)
		res.Position = *pos
		return res
	}

	if reason == "" {
		reason = schema.ExitSignal
	}
	m.nextTradeID++
	entry := rt.entryNotional / float64(rt.entryQty)
	trade := schema.Trade{
		ID:         m.nextTradeID,
		Instrument: pos.Instrument,
		Direction:  rt.direction,
		Qty:        rt.closedQty,
		EntryPrice: entry,
		ExitPrice:  rt.exitNotional / float64(rt.closedQty),
		EntryTime:  pos.OpenedAt,
		ExitTime:   ts,
		PnL:        rt.pnl,
		Commission: rt.commission,
		ExitReason: reason,
	}
	if basis := entry * float64(rt.closedQty); basis != 0 {
		trade.ReturnPct = rt.pnl / basis
	}
	m.trades = append(m.trades, trade)
	delete(m.positions, pos.Instrument)
	delete(m.rounds, pos.Instrument)

	closed := *pos
	closed.UnrealizedPnL = 0
	closed.LastPrice = price
	res.Position = closed
	res.Trade = &trade
	return res
}

func (m *Manager) protect(pos *schema.Position, signal schema.OrderSignal) {
	if signal.StopLoss > 0 {
		pos.StopLoss = signal.StopLoss
	}
	if signal.TakeProfit > 0 {
		pos.TakeProfit = signal.TakeProfit
	}
}

func (m *Manager) mark(pos *schema.Position, price float64) {
	pos.LastPrice = price
	pos.UnrealizedPnL = (price - pos.AvgPrice) * float64(pos.Qty)
}

// MarkToMarket updates the unrealized PnL of the instrument's position.
func (m *Manager) MarkToMarket(instrument string, price float64) {
	if pos := m.positions[instrument]; pos != nil && price > 0 {
		m.mark(pos, price)
	}
}

// SetProtection replaces the stop loss and take profit of a position.
// Zero values clear the level.
func (m *Manager) SetProtection(instrument string, stop, target float64) bool {
	pos := m.positions[instrument]
	if pos == nil {
		return false
	}
	pos.StopLoss = stop
	pos.TakeProfit = target
	return true
}

// Account recomputes the account snapshot from cash and marked positions.
func (m *Manager) Account(ts time.Time) schema.Account {
	equity := m.cash
	var used float64
	for _, pos := range m.positions {
		equity += pos.MarketValue()
		used += math.Abs(pos.MarketValue())
	}
	return schema.Account{
		Equity:          equity,
		Cash:            m.cash,
		MarginUsed:      used,
		MarginAvailable: equity - used,
		UpdatedAt:       ts,
	}
}

// Cash returns the current cash balance.
func (m *Manager) Cash() float64 {
	return m.cash
}

// Position returns the open position for an instrument.
func (m *Manager) Position(instrument string) (schema.Position, bool) {
	pos, ok := m.positions[instrument]
	if !ok {
		return schema.Position{}, false
	}
	return *pos, true
}

// Positions returns a copy of every open position keyed by instrument.
func (m *Manager) Positions() map[string]schema.Position {
	out := make(map[string]schema.Position, len(m.positions))
	for k, v := range m.positions {
		out[k] = *v
	}
	return out
}

// Instruments returns the instruments with open positions, sorted.
func (m *Manager) Instruments() []string {
	out := make([]string, 0, len(m.positions))
	for k := range m.positions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Trades returns the closed round trips in closing order.
func (m *Manager) Trades() []schema.Trade {
	out := make([]schema.Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

// Count returns the number of open positions.
func (m *Manager) Count() int {
	return len(m.positions)
}

func absQty(q int64) int64 {
	if q < 0 {
		return -q
	}
	return q
}
