package schema

import (
	"math"
	"time"

	"github.com/yanun0323/errors"
)

var (
	ErrBarInstrument = errors.New("bar instrument is empty")
	ErrBarTimestamp  = errors.New("bar timestamp is zero")
	ErrBarPrice      = errors.New("bar price is not positive")
	ErrBarRange      = errors.New("bar high/low do not bracket open/close")
	ErrBarVolume     = errors.New("bar volume is negative")
	ErrBarGap        = errors.New("bar is gap-marked")

	ErrSignalInstrument = errors.New("signal instrument is empty")
	ErrSignalSide       = errors.New("signal side is unknown")
	ErrSignalType       = errors.New("signal order type is unknown")
	ErrSignalQty        = errors.New("signal qty must be > 0")
	ErrSignalPrice      = errors.New("limit signal requires a positive price")
)

// Bar is one OHLCV sample for one instrument.
type Bar struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	// Gap marks a placeholder for a missing interval.
	Gap bool `json:"gap,omitempty"`
}

// Notional is the traded value of the bar at its close.
func (b Bar) Notional() float64 {
	return b.Close * b.Volume
}

// Validate checks the OHLCV invariants.
func (b Bar) Validate() error {
	if b.Gap {
		return ErrBarGap
	}
	if b.Instrument == "" {
		return ErrBarInstrument
	}
	if b.Timestamp.IsZero() {
		return ErrBarTimestamp
	}
	for _, v := range [4]float64{b.Open, b.High, b.Low, b.Close} {
		if !(v > 0) || math.IsInf(v, 0) {
			return ErrBarPrice
		}
	}
	if b.High < math.Max(b.Open, b.Close) || b.Low > math.Min(b.Open, b.Close) || b.Low > b.High {
		return ErrBarRange
	}
	if b.Volume < 0 || math.IsNaN(b.Volume) {
		return ErrBarVolume
	}
	return nil
}

// Contains reports whether price traded within the bar's range.
func (b Bar) Contains(price float64) bool {
	return price >= b.Low && price <= b.High
}

// TickBar builds a degenerate bar from a single trade price.
func TickBar(instrument string, ts time.Time, price, size float64) Bar {
	return Bar{
		Instrument: instrument,
		Timestamp:  ts,
		Open:       price,
		High:       price,
		Low:        price,
		Close:      price,
		Volume:     size,
	}
}

// Validate checks a signal before it reaches risk checks.
func (s OrderSignal) Validate() error {
	if s.Instrument == "" {
		return ErrSignalInstrument
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return ErrSignalSide
	}
	if s.Type != OrderTypeMarket && s.Type != OrderTypeLimit {
		return ErrSignalType
	}
	if s.Qty <= 0 {
		return ErrSignalQty
	}
	if s.Type == OrderTypeLimit && !(s.Price > 0) {
		return ErrSignalPrice
	}
	return nil
}

// MarketBuy is a shorthand for a market buy signal.
func MarketBuy(instrument string, qty int64) OrderSignal {
	return OrderSignal{Instrument: instrument, Side: SideBuy, Type: OrderTypeMarket, Qty: qty, Reason: ExitSignal}
}

// MarketSell is a shorthand for a market sell signal.
func MarketSell(instrument string, qty int64) OrderSignal {
	return OrderSignal{Instrument: instrument, Side: SideSell, Type: OrderTypeMarket, Qty: qty, Reason: ExitSignal}
}

// ApplyCosts prices a fill: slippage then commission move the base price
// against the taker. fee is the commission amount already inside price.
func ApplyCosts(side Side, base, slippage, commission float64, qty int64) (price, fee float64) {
	switch side {
	case SideBuy:
		slipped := base * (1 + slippage)
		return slipped * (1 + commission), slipped * commission * float64(qty)
	case SideSell:
		slipped := base * (1 - slippage)
		return slipped * (1 - commission), slipped * commission * float64(qty)
	default:
		return base, 0
	}
}
