package schema

import "time"

// Side describes order direction.
type Side uint16

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// OrderType describes order style.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus tracks the fill state of an order.
type OrderStatus uint16

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusSubmitted
	OrderStatusPartFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusSubmitted:
		return "SUBMITTED"
	case OrderStatusPartFilled:
		return "PART_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further fills can arrive.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// ExitReason labels why a round trip was closed.
type ExitReason string

const (
	ExitSignal        ExitReason = "SIGNAL"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitEndOfBacktest ExitReason = "END_OF_BACKTEST"
	ExitLiquidation   ExitReason = "EMERGENCY_LIQUIDATION"
)

// OrderSignal is a strategy's proposed order. Qty is a whole number of units.
type OrderSignal struct {
	Instrument string     `json:"instrument"`
	Side       Side       `json:"side"`
	Type       OrderType  `json:"type"`
	Qty        int64      `json:"qty"`
	Price      float64    `json:"price,omitempty"`
	StopLoss   float64    `json:"stopLoss,omitempty"`
	TakeProfit float64    `json:"takeProfit,omitempty"`
	Reason     ExitReason `json:"reason,omitempty"`
}

// Order is the admitted, tracked form of a signal.
type Order struct {
	ID            uint64      `json:"id"`
	ClientOrderID string      `json:"clientOrderId"`
	Instrument    string      `json:"instrument"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Qty           int64       `json:"qty"`
	Price         float64     `json:"price,omitempty"`
	StopLoss      float64     `json:"stopLoss,omitempty"`
	TakeProfit    float64     `json:"takeProfit,omitempty"`
	FilledQty     int64       `json:"filledQty"`
	AvgFillPrice  float64     `json:"avgFillPrice"`
	Status        OrderStatus `json:"status"`
	Reason        ExitReason  `json:"reason,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// LeavesQty returns the quantity still open.
func (o Order) LeavesQty() int64 {
	return o.Qty - o.FilledQty
}

// Signal rebuilds the signal the order was admitted from.
func (o Order) Signal() OrderSignal {
	return OrderSignal{
		Instrument: o.Instrument,
		Side:       o.Side,
		Type:       o.Type,
		Qty:        o.Qty,
		Price:      o.Price,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
		Reason:     o.Reason,
	}
}

// Fill confirms that part of an order executed.
type Fill struct {
	OrderID    uint64    `json:"orderId"`
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Qty        int64     `json:"qty"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
	Timestamp  time.Time `json:"timestamp"`
}

// Position is the per-instrument aggregate of filled quantity.
// Qty is signed: positive when long, negative when short.
type Position struct {
	Instrument    string    `json:"instrument"`
	Qty           int64     `json:"qty"`
	AvgPrice      float64   `json:"avgPrice"`
	RealizedPnL   float64   `json:"realizedPnl"`
	UnrealizedPnL float64   `json:"unrealizedPnl"`
	LastPrice     float64   `json:"lastPrice"`
	StopLoss      float64   `json:"stopLoss,omitempty"`
	TakeProfit    float64   `json:"takeProfit,omitempty"`
	OpenedAt      time.Time `json:"openedAt"`
}

// Direction returns the side that opened the position.
func (p Position) Direction() Side {
	switch {
	case p.Qty > 0:
		return SideBuy
	case p.Qty < 0:
		return SideSell
	default:
		return SideUnknown
	}
}

// MarketValue returns qty × last price (signed).
func (p Position) MarketValue() float64 {
	return float64(p.Qty) * p.LastPrice
}

// Account is a read-mostly snapshot of the trading account.
type Account struct {
	Equity          float64   `json:"equity"`
	Cash            float64   `json:"cash"`
	MarginUsed      float64   `json:"marginUsed"`
	MarginAvailable float64   `json:"marginAvailable"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Trade is a closed round trip retained for reporting.
type Trade struct {
	ID         uint64     `json:"id"`
	Instrument string     `json:"instrument"`
	Direction  Side       `json:"direction"`
	Qty        int64      `json:"qty"`
	EntryPrice float64    `json:"entryPrice"`
	ExitPrice  float64    `json:"exitPrice"`
	EntryTime  time.Time  `json:"entryTime"`
	ExitTime   time.Time  `json:"exitTime"`
	PnL        float64    `json:"pnl"`
	// ReturnPct is PnL over the entry notional, as a fraction like the
	// backtest metrics.
	ReturnPct  float64    `json:"returnPct"`
	Commission float64    `json:"commission"`
	ExitReason ExitReason `json:"exitReason"`
}
