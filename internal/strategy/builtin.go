package strategy

import (
	"time"

	"tradecore/internal/schema"
)

const (
	FixedBuyName    = "fixed_buy"
	SMACrossName    = "sma_cross"
	BreakoutName    = "breakout"
	EqualWeightName = "equal_weight"
)

var FixedBuySchema = Schema{
	{Name: "qty", Kind: KindInt, Default: 10, HasBounds: true, Min: 1, Max: 1e9},
}

// FixedBuy buys a fixed quantity at market on every bar.
type FixedBuy struct {
	noFill
	qty int64
}

func NewFixedBuy(p Params) (Strategy, error) {
	return &FixedBuy{qty: int64(p.Int("qty"))}, nil
}

func (s *FixedBuy) Name() string { return FixedBuyName }

func (s *FixedBuy) OnBar(history []schema.Bar, _ map[string]schema.Position, _ schema.Account) ([]schema.OrderSignal, error) {
	if len(history) == 0 {
		return nil, nil
	}
	return []schema.OrderSignal{schema.MarketBuy(history[len(history)-1].Instrument, s.qty)}, nil
}

var SMACrossSchema = Schema{
	{Name: "fast", Kind: KindInt, Default: 10, HasBounds: true, Min: 1, Max: 1000},
	{Name: "slow", Kind: KindInt, Default: 30, HasBounds: true, Min: 2, Max: 5000},
	{Name: "qty", Kind: KindInt, Default: 10, HasBounds: true, Min: 1, Max: 1e9},
	{Name: "atr_period", Kind: KindInt, Default: 14, HasBounds: true, Min: 1, Max: 1000},
	{Name: "stop_atr", Kind: KindFloat, Default: 0.0, HasBounds: true, Min: 0, Max: 100},
	{Name: "target_atr", Kind: KindFloat, Default: 0.0, HasBounds: true, Min: 0, Max: 100},
}

// SMACross goes long when the fast average crosses above the slow one and
// exits on the opposite cross.
type SMACross struct {
	noFill
	fast, slow, atrPeriod int
	qty                   int64
	stopATR, targetATR    float64
}

func NewSMACross(p Params) (Strategy, error) {
	s := &SMACross{
		fast:      p.Int("fast"),
		slow:      p.Int("slow"),
		atrPeriod: p.Int("atr_period"),
		qty:       int64(p.Int("qty")),
		stopATR:   p.Float("stop_atr"),
		targetATR: p.Float("target_atr"),
	}
	if s.fast >= s.slow {
		return nil, &ParamError{Param: "fast", Reason: "must be below slow"}
	}
	return s, nil
}

func (s *SMACross) Name() string { return SMACrossName }

func (s *SMACross) OnBar(history []schema.Bar, positions map[string]schema.Position, _ schema.Account) ([]schema.OrderSignal, error) {
	n := len(history)
	if n < s.slow+1 {
		return nil, nil
	}
	fastNow, _ := SMA(history, s.fast)
	slowNow, _ := SMA(history, s.slow)
	fastPrev, _ := SMA(history[:n-1], s.fast)
	slowPrev, _ := SMA(history[:n-1], s.slow)

	bar := history[n-1]
	pos := positions[bar.Instrument]

	switch {
	case fastPrev <= slowPrev && fastNow > slowNow && pos.Qty == 0:
		signal := schema.MarketBuy(bar.Instrument, s.qty)
		if atr, ok := ATR(history, s.atrPeriod); ok {
			if s.stopATR > 0 {
				signal.StopLoss = bar.Close - s.stopATR*atr
			}
			if s.targetATR > 0 {
				signal.TakeProfit = bar.Close + s.targetATR*atr
			}
		}
		return []schema.OrderSignal{signal}, nil
	case fastPrev >= slowPrev && fastNow < slowNow && pos.Qty > 0:
		return []schema.OrderSignal{schema.MarketSell(bar.Instrument, pos.Qty)}, nil
	}
	return nil, nil
}

var BreakoutSchema = Schema{
	{Name: "entry_period", Kind: KindInt, Default: 20, HasBounds: true, Min: 1, Max: 5000},
	{Name: "exit_period", Kind: KindInt, Default: 10, HasBounds: true, Min: 1, Max: 5000},
	{Name: "qty", Kind: KindInt, Default: 10, HasBounds: true, Min: 1, Max: 1e9},
}

// Breakout buys a close above the prior entry_period high and sells a close
// below the prior exit_period low.
type Breakout struct {
	noFill
	entry, exit int
	qty         int64
}

func NewBreakout(p Params) (Strategy, error) {
	return &Breakout{
		entry: p.Int("entry_period"),
		exit:  p.Int("exit_period"),
		qty:   int64(p.Int("qty")),
	}, nil
}

func (s *Breakout) Name() string { return BreakoutName }

func (s *Breakout) OnBar(history []schema.Bar, positions map[string]schema.Position, _ schema.Account) ([]schema.OrderSignal, error) {
	if len(history) == 0 {
		return nil, nil
	}
	bar := history[len(history)-1]
	pos := positions[bar.Instrument]

	if pos.Qty > 0 {
		if low, ok := Lowest(history, s.exit); ok && bar.Close < low {
			return []schema.OrderSignal{schema.MarketSell(bar.Instrument, pos.Qty)}, nil
		}
		return nil, nil
	}
	if high, ok := Highest(history, s.entry); ok && bar.Close > high {
		return []schema.OrderSignal{schema.MarketBuy(bar.Instrument, s.qty)}, nil
	}
	return nil, nil
}

var EqualWeightSchema = Schema{
	{Name: "universe", Kind: KindString, Required: true},
}

// EqualWeight holds a fixed universe at equal target weights. All trading
// happens on rebalance.
type EqualWeight struct {
	noFill
	universe []string
}

func NewEqualWeight(p Params) (Strategy, error) {
	universe := p.Strings("universe")
	if len(universe) == 0 {
		return nil, &ParamError{Param: "universe", Reason: "empty"}
	}
	return &EqualWeight{universe: universe}, nil
}

func (s *EqualWeight) Name() string { return EqualWeightName }

func (s *EqualWeight) OnBar([]schema.Bar, map[string]schema.Position, schema.Account) ([]schema.OrderSignal, error) {
	return nil, nil
}

func (s *EqualWeight) SelectUniverse(time.Time) []string {
	out := make([]string, len(s.universe))
	copy(out, s.universe)
	return out
}

func (s *EqualWeight) TargetWeights(universe []string, _ time.Time) map[string]float64 {
	if len(universe) == 0 {
		return nil
	}
	w := 1 / float64(len(universe))
	out := make(map[string]float64, len(universe))
	for _, instrument := range universe {
		out[instrument] = w
	}
	return out
}
