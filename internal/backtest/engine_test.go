package backtest

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/schema"
	"tradecore/internal/strategy"
)

var t0 = time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC)

func dailyBars(instrument string, closes ...float64) []schema.Bar {
	bars := make([]schema.Bar, len(closes))
	for i, c := range closes {
		bars[i] = schema.Bar{
			Instrument: instrument,
			Timestamp:  t0.AddDate(0, 0, i),
			Open:       c,
			High:       c + 1,
			Low:        c - 1,
			Close:      c,
			Volume:     1_000,
		}
	}
	return bars
}

func randomWalk(rng *rand.Rand, instrument string, n int) []schema.Bar {
	closes := make([]float64, n)
	price := 100.0
	for i := range closes {
		price = math.Max(5, price*(1+rng.NormFloat64()*0.02))
		closes[i] = price
	}
	return dailyBars(instrument, closes...)
}

// funcStrategy adapts a closure to the strategy contract.
type funcStrategy struct {
	onBar  func(history []schema.Bar, positions map[string]schema.Position, account schema.Account) ([]schema.OrderSignal, error)
	onFill func(order schema.Order, position schema.Position) error
}

func (f *funcStrategy) Name() string { return "func" }

func (f *funcStrategy) OnBar(history []schema.Bar, positions map[string]schema.Position, account schema.Account) ([]schema.OrderSignal, error) {
	if f.onBar == nil {
		return nil, nil
	}
	return f.onBar(history, positions, account)
}

func (f *funcStrategy) OnFill(order schema.Order, position schema.Position) error {
	if f.onFill == nil {
		return nil
	}
	return f.onFill(order, position)
}

func newFixedBuy(t *testing.T, qty int) strategy.Strategy {
	t.Helper()
	s, err := strategy.NewDefaultRegistry().New(strategy.FixedBuyName, map[string]any{"qty": qty})
	require.NoError(t, err)
	return s
}

func runBacktest(t *testing.T, cfg Config, s strategy.Strategy, bars []schema.Bar) *Result {
	t.Helper()
	e, err := NewEngine(cfg, s)
	require.NoError(t, err)
	res, err := e.Run(context.Background(), bars)
	require.NoError(t, err)
	return res
}

func TestFixedBuyScenario(t *testing.T) {
	closes := []float64{100, 105, 95, 110, 120}
	res := runBacktest(t, DefaultConfig(), newFixedBuy(t, 10), dailyBars("AAA", closes...))

	require.Len(t, res.Fills, 5)
	for i, f := range res.Fills {
		assert.Equal(t, int64(10), f.Qty)
		assert.InDelta(t, closes[i]*1.001, f.Price, 1e-9)
		assert.InDelta(t, closes[i]*0.001*10, f.Commission, 1e-9)
	}

	require.Len(t, res.FinalPositions, 1)
	pos := res.FinalPositions[0]
	assert.Equal(t, int64(50), pos.Qty)
	assert.InDelta(t, 106*1.001, pos.AvgPrice, 1e-9)

	assert.Equal(t, 0, res.Metrics.RejectedOrders)
	assert.Equal(t, OrderSummary{Submitted: 5, Filled: 5}, res.Orders)
	assert.Empty(t, res.HaltedInstruments)
	assert.False(t, res.Risk.Halted)

	assert.InDelta(t, 10_000_000-5_300*1.001+50*120, res.FinalEquity, 1e-6)
	assert.Len(t, res.EquityCurve, 5)
	assert.Equal(t, t0, res.Start)
	assert.Equal(t, t0.AddDate(0, 0, 4), res.End)
}

func TestStrategyNeverSeesLaterBars(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := randomWalk(rng, "AAA", 40)
	b := randomWalk(rng, "BBB", 40)
	bars := make([]schema.Bar, 0, 80)
	for i := range a {
		bars = append(bars, a[i], b[i])
	}

	var seen [][]schema.Bar
	spy := &funcStrategy{onBar: func(history []schema.Bar, _ map[string]schema.Position, _ schema.Account) ([]schema.OrderSignal, error) {
		seen = append(seen, append([]schema.Bar(nil), history...))
		last := history[len(history)-1]
		if len(history)%3 == 0 {
			return []schema.OrderSignal{schema.MarketBuy(last.Instrument, 1)}, nil
		}
		return nil, nil
	}}
	runBacktest(t, DefaultConfig(), spy, bars)

	require.Len(t, seen, len(bars))
	for i, history := range seen {
		current := bars[i]
		var want []schema.Bar
		for _, bar := range bars[:i+1] {
			if bar.Instrument == current.Instrument {
				want = append(want, bar)
			}
		}
		require.Equal(t, want, history, "call %d", i)
		for _, bar := range history {
			require.False(t, bar.Timestamp.After(current.Timestamp))
		}
	}
}

func bruteForceMDD(curve []float64) float64 {
	mdd := 0.0
	for i := range curve {
		for j := i + 1; j < len(curve); j++ {
			if curve[i] > 0 {
				mdd = math.Max(mdd, (curve[i]-curve[j])/curve[i])
			}
		}
	}
	return mdd
}

func TestMaxDrawdownMatchesBruteForce(t *testing.T) {
	assert.InDelta(t, 2.5/11, MaxDrawdown([]float64{10e6, 11e6, 9.5e6, 8.5e6, 10.2e6}), 1e-12)
	assert.Equal(t, 0.0, MaxDrawdown(nil))
	assert.Equal(t, 0.0, MaxDrawdown([]float64{1, 2, 3}))

	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 500; round++ {
		n := 1 + rng.Intn(60)
		curve := make([]float64, n)
		for i := range curve {
			curve[i] = 1 + rng.Float64()*1000
		}
		require.InDelta(t, bruteForceMDD(curve), MaxDrawdown(curve), 1e-12, "round %d", round)
	}

	for seed := int64(0); seed < 5; seed++ {
		bars := randomWalk(rand.New(rand.NewSource(seed)), "AAA", 120)
		s, err := strategy.NewDefaultRegistry().New(strategy.SMACrossName, map[string]any{"fast": 3, "slow": 8})
		require.NoError(t, err)
		res := runBacktest(t, DefaultConfig(), s, bars)
		assert.InDelta(t, bruteForceMDD(res.Equities()), res.Metrics.MaxDrawdown, 1e-12)
	}
}

func TestZeroTradeMetricsAreDefined(t *testing.T) {
	res := runBacktest(t, DefaultConfig(), &funcStrategy{}, dailyBars("AAA", 100, 101, 99))
	assert.Equal(t, Metrics{FinalEquity: 10_000_000}, res.Metrics)
	assert.Equal(t, 10_000_000.0, res.FinalEquity)
	assert.Empty(t, res.Trades)

	res = runBacktest(t, DefaultConfig(), &funcStrategy{}, nil)
	assert.Equal(t, Metrics{FinalEquity: 10_000_000}, res.Metrics)
	assert.Empty(t, res.EquityCurve)
}

func TestProfitFactor(t *testing.T) {
	assert.Equal(t, 0.0, ProfitFactor(0, 0))
	assert.Equal(t, 0.0, ProfitFactor(0, 10))
	assert.Equal(t, ProfitFactorCap, ProfitFactor(10, 0))
	assert.Equal(t, 2.0, ProfitFactor(20, 10))
}

func TestSharpe(t *testing.T) {
	assert.Equal(t, 0.0, Sharpe([]float64{100, 100, 100, 100}, 252))
	assert.Equal(t, 0.0, Sharpe([]float64{100, 110}, 252))

	curve := []float64{100, 110, 99, 108.9}
	returns := []float64{0.1, -0.1, 0.1}
	mean := 0.1 / 3
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	want := mean / math.Sqrt(variance/2) * math.Sqrt(252)
	assert.InDelta(t, want, Sharpe(curve, 252), 1e-9)
}

func TestMalformedBarsAreSkipped(t *testing.T) {
	good := dailyBars("AAA", 100, 101, 102)
	badRange := good[1]
	badRange.High = badRange.Low - 1
	gap := good[1]
	gap.Gap = true
	noTime := good[1]
	noTime.Timestamp = time.Time{}
	stale := good[0]

	bars := []schema.Bar{good[0], badRange, good[1], gap, noTime, good[2], stale}

	calls := 0
	spy := &funcStrategy{onBar: func([]schema.Bar, map[string]schema.Position, schema.Account) ([]schema.OrderSignal, error) {
		calls++
		return nil, nil
	}}
	res := runBacktest(t, DefaultConfig(), spy, bars)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 4, res.Metrics.SkippedBars)
	assert.Len(t, res.EquityCurve, 3)
}

func TestStrategyErrorsAreFatal(t *testing.T) {
	boom := errors.New("boom")
	bars := dailyBars("AAA", 100, 101, 102, 103)

	calls := 0
	failing := &funcStrategy{onBar: func([]schema.Bar, map[string]schema.Position, schema.Account) ([]schema.OrderSignal, error) {
		calls++
		if calls == 3 {
			return nil, boom
		}
		return nil, nil
	}}
	e, err := NewEngine(DefaultConfig(), failing)
	require.NoError(t, err)
	res, err := e.Run(context.Background(), bars)
	assert.Nil(t, res)
	var serr *StrategyError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 2, serr.Index)
	assert.Equal(t, bars[2].Timestamp, serr.Timestamp)
	assert.ErrorIs(t, err, boom)

	panicky := &funcStrategy{
		onBar: func(h []schema.Bar, _ map[string]schema.Position, _ schema.Account) ([]schema.OrderSignal, error) {
			return []schema.OrderSignal{schema.MarketBuy("AAA", 1)}, nil
		},
		onFill: func(schema.Order, schema.Position) error { panic("fill") },
	}
	e, err = NewEngine(DefaultConfig(), panicky)
	require.NoError(t, err)
	_, err = e.Run(context.Background(), bars)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 0, serr.Index)
	var perr *strategy.PanicError
	assert.ErrorAs(t, err, &perr)
}

func limitOnce(price float64, qty int64) *funcStrategy {
	return &funcStrategy{onBar: func(h []schema.Bar, _ map[string]schema.Position, _ schema.Account) ([]schema.OrderSignal, error) {
		if len(h) != 1 {
			return nil, nil
		}
		return []schema.OrderSignal{{Instrument: "AAA", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Qty: qty, Price: price}}, nil
	}}
}

func TestLimitOrders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Commission = 0

	t.Run("fills on the signal bar when in range", func(t *testing.T) {
		res := runBacktest(t, cfg, limitOnce(99.5, 10), dailyBars("AAA", 100, 100))
		require.Len(t, res.Fills, 1)
		assert.Equal(t, 99.5, res.Fills[0].Price)
		assert.Equal(t, t0, res.Fills[0].Timestamp)
	})

	t.Run("rests until a bar trades through", func(t *testing.T) {
		res := runBacktest(t, cfg, limitOnce(90, 10), dailyBars("AAA", 100, 98, 95, 90.5, 93))
		require.Len(t, res.Fills, 1)
		assert.Equal(t, 90.0, res.Fills[0].Price)
		assert.Equal(t, t0.AddDate(0, 0, 3), res.Fills[0].Timestamp)
		assert.Equal(t, 1, res.Orders.Filled)
	})

	t.Run("expires", func(t *testing.T) {
		cfg := cfg
		cfg.LimitExpiryBars = 2
		res := runBacktest(t, cfg, limitOnce(90, 10), dailyBars("AAA", 100, 98, 95, 90.5))
		assert.Empty(t, res.Fills)
		assert.Equal(t, OrderSummary{Submitted: 1, Expired: 1}, res.Orders)
	})

	t.Run("rests past the last bar and expires at the end", func(t *testing.T) {
		res := runBacktest(t, cfg, limitOnce(50, 10), dailyBars("AAA", 100, 98))
		assert.Equal(t, OrderSummary{Submitted: 1, Expired: 1}, res.Orders)
	})
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Commission = 0
	cfg.TrailingATRPeriod = 2
	cfg.TrailingATRMultiple = 1

	var stops []float64
	s := &funcStrategy{onBar: func(h []schema.Bar, positions map[string]schema.Position, _ schema.Account) ([]schema.OrderSignal, error) {
		if len(h) == 1 {
			return []schema.OrderSignal{schema.MarketBuy("AAA", 10)}, nil
		}
		if pos, ok := positions["AAA"]; ok {
			stops = append(stops, pos.StopLoss)
		}
		return nil, nil
	}}
	res := runBacktest(t, cfg, s, dailyBars("AAA", 100, 102, 104, 106, 105, 103, 101))

	assert.Equal(t, []float64{0, 101, 103, 103}, stops)
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, schema.ExitTrailingStop, trade.ExitReason)
	assert.Equal(t, 103.0, trade.ExitPrice)
	assert.Equal(t, 30.0, trade.PnL)
	assert.Equal(t, 1, res.Metrics.WinningTrades)
	assert.Equal(t, 1.0, res.Metrics.WinRate)
	assert.Equal(t, ProfitFactorCap, res.Metrics.ProfitFactor)

	for _, tc := range []struct {
		pos      schema.Position
		close    float64
		distance float64
		want     float64
		moved    bool
	}{
		{pos: schema.Position{Qty: 1, StopLoss: 95}, close: 100, distance: 3, want: 97, moved: true},
		{pos: schema.Position{Qty: 1, StopLoss: 98}, close: 100, distance: 3, want: 98},
		{pos: schema.Position{Qty: -1}, close: 100, distance: 3, want: 103, moved: true},
		{pos: schema.Position{Qty: -1, StopLoss: 102}, close: 100, distance: 3, want: 102},
	} {
		got, moved := trailStop(tc.pos, tc.close, tc.distance)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.moved, moved)
	}
}

func TestStopLossAndTakeProfit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Commission = 0

	entry := func(stop, target float64) *funcStrategy {
		return &funcStrategy{onBar: func(h []schema.Bar, _ map[string]schema.Position, _ schema.Account) ([]schema.OrderSignal, error) {
			if len(h) != 1 {
				return nil, nil
			}
			sig := schema.MarketBuy("AAA", 10)
			sig.StopLoss, sig.TakeProfit = stop, target
			return []schema.OrderSignal{sig}, nil
		}}
	}

	res := runBacktest(t, cfg, entry(95, 0), dailyBars("AAA", 100, 97, 90))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, schema.ExitStopLoss, res.Trades[0].ExitReason)
	assert.Equal(t, 90.0, res.Trades[0].ExitPrice, "gap below the stop exits at the open")

	res = runBacktest(t, cfg, entry(0, 105), dailyBars("AAA", 100, 104.5, 104))
	require.Len(t, res.Trades, 1)
	assert.Equal(t, schema.ExitTakeProfit, res.Trades[0].ExitReason)
	assert.Equal(t, 105.0, res.Trades[0].ExitPrice)
}

func TestRiskBreachAfterFillHaltsInstrument(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialEquity = 100_000
	cfg.Commission = 0
	cfg.Slippage = 0.25
	cfg.Risk.MaxPositionSize = 0

	first := true
	s := &funcStrategy{onBar: func(h []schema.Bar, _ map[string]schema.Position, _ schema.Account) ([]schema.OrderSignal, error) {
		if first {
			first = false
			return []schema.OrderSignal{schema.MarketBuy("AAA", 800)}, nil
		}
		return []schema.OrderSignal{schema.MarketBuy("AAA", 1)}, nil
	}}
	bars := dailyBars("AAA", 100, 100, 100, 100)
	res := runBacktest(t, cfg, s, bars)

	assert.Equal(t, []string{"AAA"}, res.HaltedInstruments)
	assert.True(t, res.Risk.Halted)
	assert.Len(t, res.Fills, 1)
	assert.Equal(t, 3, res.Metrics.RejectedOrders)
	assert.Len(t, res.EquityCurve, len(bars), "the run keeps processing bars")
}

func TestCloseAtEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Commission = 0
	cfg.CloseAtEnd = true

	res := runBacktest(t, cfg, newFixedBuy(t, 10), dailyBars("AAA", 100, 110))
	assert.Empty(t, res.FinalPositions)
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, schema.ExitEndOfBacktest, trade.ExitReason)
	assert.Equal(t, int64(20), trade.Qty)
	assert.Equal(t, 105.0, trade.EntryPrice)
	assert.Equal(t, 100.0, trade.PnL)
	assert.InDelta(t, 100.0/2100, trade.ReturnPct, 1e-12)
	assert.Equal(t, 10_000_100.0, res.FinalEquity)
	assert.InDelta(t, 100.0/10_000_000, res.Metrics.TotalReturn, 1e-15)
}

func TestPortfolioRebalance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Commission = 0
	cfg.RebalanceEvery = 2
	cfg.Risk.MaxPositionSize = 0.6

	s, err := strategy.NewDefaultRegistry().New(strategy.EqualWeightName, map[string]any{"universe": "AAA,BBB"})
	require.NoError(t, err)

	a := dailyBars("AAA", 100, 100, 100)
	b := dailyBars("BBB", 50, 50, 50)
	bars := []schema.Bar{a[0], b[0], a[1], b[1], a[2], b[2]}
	res := runBacktest(t, cfg, s, bars)

	assert.Equal(t, 0, res.Metrics.RejectedOrders)
	require.Len(t, res.FinalPositions, 2)
	assert.Equal(t, int64(50_000), res.FinalPositions[0].Qty)
	assert.Equal(t, int64(100_000), res.FinalPositions[1].Qty)
}

func TestPortfolioRebalanceCapsPositionSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalanceEvery = 2

	s, err := strategy.NewDefaultRegistry().New(strategy.EqualWeightName, map[string]any{"universe": "AAA,BBB"})
	require.NoError(t, err)

	a := dailyBars("AAA", 100, 100, 100)
	b := dailyBars("BBB", 50, 50, 50)
	bars := []schema.Bar{a[0], b[0], a[1], b[1], a[2], b[2]}
	res := runBacktest(t, cfg, s, bars)

	assert.Equal(t, 0, res.Metrics.RejectedOrders)
	assert.NotEmpty(t, res.Fills)
	require.Len(t, res.FinalPositions, 2)
	assert.InDelta(t, 10_000, res.FinalPositions[0].Qty, 10)
	assert.LessOrEqual(t, res.FinalPositions[0].Qty, int64(10_000))
	assert.InDelta(t, 20_000, res.FinalPositions[1].Qty, 20)
	assert.LessOrEqual(t, res.FinalPositions[1].Qty, int64(20_000))
}

func TestRunsAreDeterministic(t *testing.T) {
	bars := randomWalk(rand.New(rand.NewSource(99)), "AAA", 250)
	cfg := DefaultConfig()
	cfg.TrailingATRMultiple = 2
	cfg.Slippage = 0.0005

	build := func() strategy.Strategy {
		s, err := strategy.NewDefaultRegistry().New(strategy.SMACrossName, map[string]any{"fast": 5, "slow": 20, "stop_atr": 2, "target_atr": 4})
		require.NoError(t, err)
		return s
	}
	first := runBacktest(t, cfg, build(), bars)
	second := runBacktest(t, cfg, build(), bars)
	assert.NotEqual(t, first.ID, second.ID)
	first.ID, second.ID = "", ""
	assert.Equal(t, first, second)
}

func TestRunParallel(t *testing.T) {
	bars := randomWalk(rand.New(rand.NewSource(5)), "AAA", 100)
	var jobs []Job
	for qty := 1; qty <= 6; qty++ {
		jobs = append(jobs, Job{Name: "fixed", Config: DefaultConfig(), Strategy: newFixedBuy(t, qty), Bars: bars})
	}

	results, err := RunParallel(context.Background(), jobs, 3)
	require.NoError(t, err)
	require.Len(t, results, len(jobs))
	for i, job := range jobs {
		want := runBacktest(t, job.Config, job.Strategy, job.Bars)
		got := *results[i]
		got.ID, want.ID = "", ""
		assert.Equal(t, *want, got)
	}

	failing := &funcStrategy{onBar: func([]schema.Bar, map[string]schema.Position, schema.Account) ([]schema.OrderSignal, error) {
		return nil, errors.New("bad strategy")
	}}
	jobs = append(jobs, Job{Name: "failing", Config: DefaultConfig(), Strategy: failing, Bars: bars})
	_, err = RunParallel(context.Background(), jobs, 2)
	require.Error(t, err)
}

func TestRunHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e, err := NewEngine(DefaultConfig(), &funcStrategy{})
	require.NoError(t, err)
	_, err = e.Run(ctx, dailyBars("AAA", 1, 2))
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.InitialEquity = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Risk.MaxDrawdown = 2
	require.Error(t, cfg.Validate())

	_, err := NewEngine(DefaultConfig(), nil)
	require.Error(t, err)
}
