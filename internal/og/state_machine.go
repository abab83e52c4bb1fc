package og

import (
	"errors"
	"time"

	"tradecore/internal/schema"
)

var (
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrUnknownOrder      = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidFill       = errors.New("invalid fill quantity")
)

// StateMachine tracks admitted orders through submitted/partial/filled and
// the terminal cancel/reject/expire states.
type StateMachine struct {
	orders map[uint64]*schema.Order
	ids    []uint64
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{orders: make(map[uint64]*schema.Order)}
}

// Order returns a copy of the current order state.
func (m *StateMachine) Order(id uint64) (schema.Order, bool) {
	o, ok := m.orders[id]
	if !ok {
		return schema.Order{}, false
	}
	return *o, true
}

// Orders returns every tracked order in admission order.
func (m *StateMachine) Orders() []schema.Order {
	out := make([]schema.Order, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, *m.orders[id])
	}
	return out
}

// Open returns orders that can still receive fills.
func (m *StateMachine) Open() []schema.Order {
	var out []schema.Order
	for _, id := range m.ids {
		if o := m.orders[id]; !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// Len returns the number of tracked orders.
func (m *StateMachine) Len() int {
	return len(m.ids)
}

// Apply registers a new order in Submitted state.
func (m *StateMachine) Apply(order schema.Order) (schema.Order, error) {
	if order.ID == 0 {
		return schema.Order{}, ErrUnknownOrder
	}
	if _, ok := m.orders[order.ID]; ok {
		return schema.Order{}, ErrDuplicateOrder
	}
	o := order
	o.Status = schema.OrderStatusSubmitted
	o.FilledQty = 0
	o.AvgFillPrice = 0
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	m.orders[o.ID] = &o
	m.ids = append(m.ids, o.ID)
	return o, nil
}

// ApplyFill adds an execution to an open order.
func (m *StateMachine) ApplyFill(id uint64, qty int64, price float64, ts time.Time) (schema.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return schema.Order{}, ErrUnknownOrder
	}
	if o.Status.Terminal() {
		return *o, ErrInvalidTransition
	}
	if qty <= 0 || qty > o.LeavesQty() {
		return *o, ErrInvalidFill
	}
	filled := o.FilledQty + qty
	o.AvgFillPrice = (o.AvgFillPrice*float64(o.FilledQty) + price*float64(qty)) / float64(filled)
	o.FilledQty = filled
	if o.FilledQty == o.Qty {
		o.Status = schema.OrderStatusFilled
	} else {
		o.Status = schema.OrderStatusPartFilled
	}
	o.UpdatedAt = ts
	return *o, nil
}

// Cancel moves an open order to Cancelled.
func (m *StateMachine) Cancel(id uint64, ts time.Time) (schema.Order, error) {
	return m.terminate(id, schema.OrderStatusCancelled, ts)
}

// Reject moves an open order to Rejected.
func (m *StateMachine) Reject(id uint64, ts time.Time) (schema.Order, error) {
	return m.terminate(id, schema.OrderStatusRejected, ts)
}

// Expire moves an open order to Expired.
func (m *StateMachine) Expire(id uint64, ts time.Time) (schema.Order, error) {
	return m.terminate(id, schema.OrderStatusExpired, ts)
}

func (m *StateMachine) terminate(id uint64, status schema.OrderStatus, ts time.Time) (schema.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return schema.Order{}, ErrUnknownOrder
	}
	if o.Status.Terminal() {
		return *o, ErrInvalidTransition
	}
	o.Status = status
	o.UpdatedAt = ts
	return *o, nil
}
