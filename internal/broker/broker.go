// Package broker defines the broker collaborator consumed by the execution
// engine, plus a paper broker and price feeds that satisfy it.
package broker

import (
	"context"
	"errors"
	"time"

	"tradecore/internal/schema"
)

var (
	ErrTimeout      = errors.New("broker request timed out")
	ErrConnection   = errors.New("broker connection failed")
	ErrRejected     = errors.New("broker rejected order")
	ErrUnknownOrder = errors.New("broker does not know order")
	ErrStreamClosed = errors.New("price stream closed")
)

// IsTransient reports whether a request may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection)
}

// EventKind tags stream events.
type EventKind uint8

const (
	EventPrice EventKind = iota + 1
	EventFill
)

func (k EventKind) String() string {
	switch k {
	case EventPrice:
		return "price"
	case EventFill:
		return "fill"
	default:
		return "unknown"
	}
}

// PriceUpdate is one market update. Ticks arrive as single-price bars.
type PriceUpdate struct {
	Bar        schema.Bar `json:"bar"`
	ReceivedAt time.Time  `json:"receivedAt"`
}

// Event is one message on a broker stream. Fill.OrderID is the id of the
// order given to PlaceOrder.
type Event struct {
	Kind          EventKind   `json:"kind"`
	Price         PriceUpdate `json:"price"`
	Fill          schema.Fill `json:"fill"`
	ClientOrderID string      `json:"clientOrderId,omitempty"`
}

// Stream is a cancellable sequence of events. Events is closed when the
// stream ends; Err then reports why.
type Stream interface {
	Events() <-chan Event
	Close()
	Err() error
}

// Broker is the order and account surface of a trading venue. Conforming
// implementations are interchangeable under the execution engine.
type Broker interface {
	GetAccount(ctx context.Context) (schema.Account, error)
	GetPositions(ctx context.Context) (map[string]schema.Position, error)
	// PlaceOrder submits an order and returns the broker's order id. A
	// repeated ClientOrderID returns the id of the first submission.
	PlaceOrder(ctx context.Context, order schema.Order) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
	StreamPrices(ctx context.Context, instruments []string) (Stream, error)
}

// Feed produces price updates for a set of instruments until ctx is done
// or the source is exhausted.
type Feed interface {
	Run(ctx context.Context, instruments []string, emit func(PriceUpdate)) error
}
