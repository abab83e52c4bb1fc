package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/schema"
	"tradecore/internal/state"
)

var t0 = time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)

func bar(instrument string, i int, close float64) schema.Bar {
	return schema.Bar{
		Instrument: instrument,
		Timestamp:  t0.Add(time.Duration(i) * time.Minute),
		Open:       close,
		High:       close + 1,
		Low:        close - 1,
		Close:      close,
		Volume:     10,
	}
}

func marketOrder(id uint64, client string, side schema.Side, qty int64) schema.Order {
	return schema.Order{ID: id, ClientOrderID: client, Instrument: "AAA", Side: side, Type: schema.OrderTypeMarket, Qty: qty}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrTimeout))
	assert.True(t, IsTransient(fmt.Errorf("submit: %w", ErrConnection)))
	assert.False(t, IsTransient(ErrRejected))
	assert.False(t, IsTransient(nil))
}

func TestSimFillsAndDedupes(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(SimConfig{InitialCash: 10_000, Commission: 0.001}, nil)

	_, err := sim.PlaceOrder(ctx, marketOrder(1, "c1", schema.SideBuy, 10))
	require.ErrorIs(t, err, ErrRejected, "no price yet")

	sim.SetPrice(bar("AAA", 0, 100))
	id, err := sim.PlaceOrder(ctx, marketOrder(1, "c1", schema.SideBuy, 10))
	require.NoError(t, err)
	again, err := sim.PlaceOrder(ctx, marketOrder(1, "c1", schema.SideBuy, 10))
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, sim.Placed())

	positions, err := sim.GetPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), positions["AAA"].Qty)
	assert.InDelta(t, 100.1, positions["AAA"].AvgPrice, 1e-9)

	acc, err := sim.GetAccount(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10_000-1.0, acc.Equity, 1e-9)

	_, err = sim.PlaceOrder(ctx, marketOrder(2, "c2", schema.SideBuy, 0))
	require.ErrorIs(t, err, ErrRejected)
}

func TestSimFaults(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(SimConfig{InitialCash: 10_000}, nil)
	sim.SetPrice(bar("AAA", 0, 100))
	sim.InjectFaults(Fault{Err: ErrTimeout}, Fault{Err: ErrTimeout, Accept: true})

	_, err := sim.PlaceOrder(ctx, marketOrder(1, "c1", schema.SideBuy, 1))
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, sim.Placed())

	_, err = sim.PlaceOrder(ctx, marketOrder(1, "c1", schema.SideBuy, 1))
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, sim.Placed(), "accepted before the timeout")

	_, err = sim.PlaceOrder(ctx, marketOrder(1, "c1", schema.SideBuy, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, sim.Placed(), "retry with the same key does not duplicate")

	positions, _ := sim.GetPositions(ctx)
	assert.Equal(t, int64(1), positions["AAA"].Qty)
}

func TestSimRestingLimitAndCancel(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(SimConfig{InitialCash: 10_000}, nil)
	sim.SetPrice(bar("AAA", 0, 100))

	limit := schema.Order{ID: 7, ClientOrderID: "l1", Instrument: "AAA", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Qty: 5, Price: 95}
	id, err := sim.PlaceOrder(ctx, limit)
	require.NoError(t, err)

	sim.SetPrice(bar("AAA", 1, 97))
	positions, _ := sim.GetPositions(ctx)
	assert.Empty(t, positions)

	sim.SetPrice(bar("AAA", 2, 95.5))
	positions, _ = sim.GetPositions(ctx)
	assert.Equal(t, int64(5), positions["AAA"].Qty)
	assert.Equal(t, 95.0, positions["AAA"].AvgPrice)

	ok, err := sim.CancelOrder(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "already filled")

	other, err := sim.PlaceOrder(ctx, schema.Order{ID: 8, ClientOrderID: "l2", Instrument: "AAA", Side: schema.SideSell, Type: schema.OrderTypeLimit, Qty: 5, Price: 120})
	require.NoError(t, err)
	ok, err = sim.CancelOrder(ctx, other)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = sim.CancelOrder(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownOrder)
}

type fakeClock struct {
	slept []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	return ctx.Err()
}

func TestReplayFeedOrdersAndPaces(t *testing.T) {
	bars := []schema.Bar{bar("BBB", 2, 50), bar("AAA", 0, 100), bar("AAA", 4, 101), bar("CCC", 1, 1)}
	feed, err := NewReplayFeed(ReplayConfig{Speed: 60}, bars)
	require.NoError(t, err)
	clock := &fakeClock{}
	feed.WithClock(clock)

	var got []string
	require.NoError(t, feed.Run(context.Background(), []string{"AAA", "BBB"}, func(u PriceUpdate) {
		got = append(got, fmt.Sprintf("%s@%d", u.Bar.Instrument, u.Bar.Timestamp.Sub(t0)/time.Minute))
	}))
	assert.Equal(t, []string{"AAA@0", "BBB@2", "AAA@4"}, got)
	assert.Equal(t, []time.Duration{0, 2 * time.Second, 2 * time.Second}, clock.slept)

	_, err = NewReplayFeed(ReplayConfig{Speed: -1}, nil)
	require.Error(t, err)
}

// chanFeed emits bars as the test sends them.
type chanFeed chan schema.Bar

func (f chanFeed) Run(ctx context.Context, instruments []string, emit func(PriceUpdate)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-f:
			if !ok {
				return nil
			}
			emit(PriceUpdate{Bar: b, ReceivedAt: b.Timestamp})
		}
	}
}

func TestSimStreamDeliversPricesAndFills(t *testing.T) {
	feed := make(chanFeed)
	sim := NewSim(SimConfig{InitialCash: 10_000}, feed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := sim.StreamPrices(ctx, []string{"AAA"})
	require.NoError(t, err)
	defer stream.Close()

	feed <- bar("AAA", 0, 100)
	e := <-stream.Events()
	require.Equal(t, EventPrice, e.Kind)
	assert.Equal(t, 100.0, e.Price.Bar.Close)

	_, err = sim.PlaceOrder(ctx, marketOrder(3, "c3", schema.SideBuy, 2))
	require.NoError(t, err)
	e = <-stream.Events()
	require.Equal(t, EventFill, e.Kind)
	assert.Equal(t, "c3", e.ClientOrderID)
	assert.Equal(t, uint64(3), e.Fill.OrderID)
	assert.Equal(t, 100.0, e.Fill.Price)

	feed <- bar("BBB", 1, 10)
	feed <- bar("AAA", 2, 101)
	close(feed)

	var prices []float64
	for e := range stream.Events() {
		prices = append(prices, e.Price.Bar.Close)
	}
	assert.Equal(t, []float64{101}, prices, "other instruments are filtered")
	assert.NoError(t, stream.Err())
}

func TestSimStreamKeepsBookFillOrder(t *testing.T) {
	feed := make(chanFeed)
	sim := NewSim(SimConfig{InitialCash: 1_000_000}, feed)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := sim.StreamPrices(ctx, []string{"AAA"})
	require.NoError(t, err)
	defer stream.Close()

	feed <- bar("AAA", 0, 100)
	require.Equal(t, EventPrice, (<-stream.Events()).Kind)

	const rounds = 300
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for i := 1; i <= rounds; i++ {
			px := 100.0
			if i%2 == 0 {
				px = 90
			}
			feed <- bar("AAA", i, px)
		}
	}()

	for i := 0; i < rounds; i++ {
		limit := schema.Order{ID: uint64(2*i + 1), ClientOrderID: fmt.Sprintf("l%d", i), Instrument: "AAA", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Qty: 2, Price: 95}
		_, err := sim.PlaceOrder(ctx, limit)
		require.NoError(t, err)
		_, err = sim.PlaceOrder(ctx, marketOrder(uint64(2*i+2), fmt.Sprintf("m%d", i), schema.SideSell, 1))
		require.NoError(t, err)
	}
	<-fed
	close(feed)

	replay := state.NewManager(1_000_000)
	for e := range stream.Events() {
		if e.Kind != EventFill {
			continue
		}
		signal := schema.MarketBuy(e.Fill.Instrument, e.Fill.Qty)
		if e.Fill.Side == schema.SideSell {
			signal = schema.MarketSell(e.Fill.Instrument, e.Fill.Qty)
		}
		_, err := replay.OpenOrAdd(signal, e.Fill.Price, e.Fill.Qty, e.Fill.Timestamp)
		require.NoError(t, err)
	}

	sim.mu.Lock()
	want, _ := sim.book.Position("AAA")
	wantCash := sim.book.Cash()
	wantTrades := len(sim.book.Trades())
	sim.mu.Unlock()

	got, _ := replay.Position("AAA")
	assert.Equal(t, want.Qty, got.Qty)
	assert.InDelta(t, want.AvgPrice, got.AvgPrice, 1e-9)
	assert.InDelta(t, wantCash, replay.Cash(), 1e-6)
	assert.Equal(t, wantTrades, len(replay.Trades()))
}

func TestStreamCloseStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newPipe(cancel)
	require.True(t, p.push(Event{Kind: EventPrice}))
	p.Close()
	p.Close()
	assert.False(t, p.push(Event{Kind: EventPrice}))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	for range p.Events() {
	}
	assert.ErrorIs(t, p.Err(), ErrStreamClosed)
}

func TestWSTradeUpdate(t *testing.T) {
	trade := wsTrade{EventType: "trade", Symbol: "BTCUSDT", Price: "64123.45", Quantity: "0.015", TradeTime: t0.UnixMilli()}
	u, err := trade.update(t0)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", u.Bar.Instrument)
	assert.Equal(t, 64123.45, u.Bar.Close)
	assert.Equal(t, 64123.45, u.Bar.High)
	assert.Equal(t, 0.015, u.Bar.Volume)
	assert.True(t, u.Bar.Timestamp.Equal(t0))
	require.NoError(t, u.Bar.Validate())

	_, err = wsTrade{Price: "abc", Quantity: "1"}.update(t0)
	require.Error(t, err)
}
