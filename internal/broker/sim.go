package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/schema"
	"tradecore/internal/state"
)

// SimConfig controls the paper broker's cost model.
type SimConfig struct {
	InitialCash float64 `json:"initialCash"`
	Commission  float64 `json:"commission"`
	Slippage    float64 `json:"slippage"`
}

// Fault is an injected PlaceOrder failure. With Accept set the order is
// taken before the error is returned, the way a timed-out request can still
// reach the venue.
type Fault struct {
	Err    error
	Accept bool
}

type simOrder struct {
	brokerID string
	clientID string
	order    schema.Order
	localID  uint64
	done     bool
}

// Sim is an in-memory paper broker. Market orders fill at the last price
// seen on the feed; limit orders fill at their price once the market
// trades through it. Orders are deduplicated by ClientOrderID.
type Sim struct {
	mu      sync.Mutex
	cfg     SimConfig
	feed    Feed
	book    *state.Manager
	last    map[string]schema.Bar
	orders  map[string]*simOrder
	clients map[string]string
	resting []*simOrder
	faults  []Fault
	streams map[*pipe][]string
	nextID  uint64
	placed  int
}

// NewSim creates a paper broker priced by feed.
func NewSim(cfg SimConfig, feed Feed) *Sim {
	return &Sim{
		cfg:     cfg,
		feed:    feed,
		book:    state.NewManager(cfg.InitialCash),
		last:    make(map[string]schema.Bar),
		orders:  make(map[string]*simOrder),
		clients: make(map[string]string),
		streams: make(map[*pipe][]string),
	}
}

// InjectFaults queues failures for the next PlaceOrder calls.
func (s *Sim) InjectFaults(faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, faults...)
}

// Placed returns how many distinct orders the broker accepted.
func (s *Sim) Placed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placed
}

// SetPrice records a price without a feed.
func (s *Sim) SetPrice(bar schema.Bar) {
	s.onPrice(PriceUpdate{Bar: bar, ReceivedAt: bar.Timestamp})
}

func (s *Sim) GetAccount(ctx context.Context) (schema.Account, error) {
	if err := ctx.Err(); err != nil {
		return schema.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.Account(s.lastTime()), nil
}

func (s *Sim) GetPositions(ctx context.Context) (map[string]schema.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.Positions(), nil
}

func (s *Sim) PlaceOrder(ctx context.Context, order schema.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.faults) > 0 {
		f := s.faults[0]
		s.faults = s.faults[1:]
		if f.Accept {
			_, events, _ := s.accept(order)
			s.publishLocked(events)
		}
		return "", f.Err
	}

	id, events, err := s.accept(order)
	s.publishLocked(events)
	return id, err
}

// accept admits an order, filling it when marketable. Called with mu held.
func (s *Sim) accept(order schema.Order) (string, []Event, error) {
	if order.ClientOrderID != "" {
		if id, ok := s.clients[order.ClientOrderID]; ok {
			return id, nil, nil
		}
	}
	if err := order.Signal().Validate(); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	bar, ok := s.last[order.Instrument]
	if !ok {
		return "", nil, fmt.Errorf("%w: no price for %s", ErrRejected, order.Instrument)
	}
	local, err := s.book.Submit(order.Signal(), bar.Timestamp)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	s.nextID++
	s.placed++
	so := &simOrder{
		brokerID: fmt.Sprintf("SIM-%d", s.nextID),
		clientID: order.ClientOrderID,
		order:    order,
		localID:  local.ID,
	}
	s.orders[so.brokerID] = so
	if so.clientID != "" {
		s.clients[so.clientID] = so.brokerID
	}

	if price, ok := marketable(order, bar.Close); ok {
		ev, err := s.fill(so, price, bar.Timestamp)
		if err != nil {
			return "", nil, err
		}
		return so.brokerID, []Event{ev}, nil
	}
	s.resting = append(s.resting, so)
	return so.brokerID, nil, nil
}

func marketable(order schema.Order, last float64) (float64, bool) {
	if order.Type == schema.OrderTypeMarket {
		return last, true
	}
	switch order.Side {
	case schema.SideBuy:
		return order.Price, last <= order.Price
	case schema.SideSell:
		return order.Price, last >= order.Price
	}
	return 0, false
}

func tradesThrough(order schema.Order, bar schema.Bar) bool {
	if order.Side == schema.SideBuy {
		return bar.Low <= order.Price
	}
	return bar.High >= order.Price
}

func (s *Sim) fill(so *simOrder, base float64, ts time.Time) (Event, error) {
	qty := so.order.LeavesQty()
	price, fee := schema.ApplyCosts(so.order.Side, base, s.cfg.Slippage, s.cfg.Commission, qty)
	if _, err := s.book.ApplyFill(schema.Fill{
		OrderID:    so.localID,
		Instrument: so.order.Instrument,
		Side:       so.order.Side,
		Qty:        qty,
		Price:      price,
		Commission: fee,
		Timestamp:  ts,
	}); err != nil {
		return Event{}, fmt.Errorf("sim fill %s: %w", so.brokerID, err)
	}
	if bar, ok := s.last[so.order.Instrument]; ok {
		s.book.MarkToMarket(so.order.Instrument, bar.Close)
	}
	so.done = true
	return Event{
		Kind:          EventFill,
		ClientOrderID: so.clientID,
		Fill: schema.Fill{
			OrderID:    so.order.ID,
			Instrument: so.order.Instrument,
			Side:       so.order.Side,
			Qty:        qty,
			Price:      price,
			Commission: fee,
			Timestamp:  ts,
		},
	}, nil
}

func (s *Sim) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[brokerOrderID]
	if !ok {
		return false, ErrUnknownOrder
	}
	if so.done {
		return false, nil
	}
	for i, r := range s.resting {
		if r == so {
			s.resting = append(s.resting[:i], s.resting[i+1:]...)
			break
		}
	}
	so.done = true
	if _, err := s.book.Cancel(so.localID, s.lastTime()); err != nil {
		logs.Errorf("sim cancel %s: %+v", brokerOrderID, err)
	}
	return true, nil
}

// StreamPrices starts the feed and returns a stream of its prices plus the
// fills of every order placed while the stream is open.
func (s *Sim) StreamPrices(ctx context.Context, instruments []string) (Stream, error) {
	if s.feed == nil {
		return nil, fmt.Errorf("%w: sim broker has no feed", ErrConnection)
	}
	ctx, cancel := context.WithCancel(ctx)
	p := newPipe(cancel)

	s.mu.Lock()
	s.streams[p] = instruments
	s.mu.Unlock()

	go func() {
		err := s.feed.Run(ctx, instruments, s.onPrice)
		s.mu.Lock()
		delete(s.streams, p)
		s.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			logs.Errorf("sim feed stopped: %+v", err)
		}
		p.finish(err)
	}()
	return p, nil
}

func (s *Sim) onPrice(update PriceUpdate) {
	bar := update.Bar
	s.mu.Lock()
	s.last[bar.Instrument] = bar
	s.book.MarkToMarket(bar.Instrument, bar.Close)

	events := []Event{{Kind: EventPrice, Price: update}}
	kept := s.resting[:0]
	for _, so := range s.resting {
		if so.order.Instrument != bar.Instrument || !tradesThrough(so.order, bar) {
			kept = append(kept, so)
			continue
		}
		ev, err := s.fill(so, so.order.Price, bar.Timestamp)
		if err != nil {
			logs.Errorf("sim resting fill: %+v", err)
			continue
		}
		events = append(events, ev)
	}
	s.resting = kept
	s.publishLocked(events)
	s.mu.Unlock()
}

// publishLocked fans events out to open streams. Price events only reach
// streams subscribed to the instrument. Called with mu held so streams see
// fills in the order the book applied them.
func (s *Sim) publishLocked(events []Event) {
	for p, instruments := range s.streams {
		for _, e := range events {
			if e.Kind == EventPrice && !contains(instruments, e.Price.Bar.Instrument) {
				continue
			}
			p.push(e)
		}
	}
}

func (s *Sim) lastTime() time.Time {
	var ts time.Time
	for _, bar := range s.last {
		if bar.Timestamp.After(ts) {
			ts = bar.Timestamp
		}
	}
	return ts
}

func contains(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
