package marketdata

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"tradecore/internal/schema"
)

// GeneratorConfig describes a synthetic random-walk bar set.
type GeneratorConfig struct {
	Instruments []string
	Start       time.Time
	Interval    time.Duration
	Bars        int
	BasePrice   float64
	// Volatility is the standard deviation of the per-bar log return.
	Volatility float64
	BaseVolume float64
	Seed       int64
}

// Validate checks if the config is usable.
func (c GeneratorConfig) Validate() error {
	if len(c.Instruments) == 0 {
		return fmt.Errorf("invalid generator config: no instruments")
	}
	if c.Bars <= 0 {
		return fmt.Errorf("invalid generator config: Bars must be > 0")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("invalid generator config: Interval must be > 0")
	}
	if !(c.BasePrice > 0) {
		return fmt.Errorf("invalid generator config: BasePrice must be > 0")
	}
	if c.Volatility < 0 {
		return fmt.Errorf("invalid generator config: Volatility must be >= 0")
	}
	return nil
}

// Generator creates synthetic bars. The same seed yields the same bars.
type Generator struct {
	cfg   GeneratorConfig
	rng   *rand.Rand
	last  map[string]float64
	index int
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BaseVolume <= 0 {
		cfg.BaseVolume = 1000
	}
	last := make(map[string]float64, len(cfg.Instruments))
	for _, instrument := range cfg.Instruments {
		last[instrument] = cfg.BasePrice
	}
	return &Generator{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		last: last,
	}, nil
}

// Next returns the bars of the next interval, one per instrument, in
// instrument order.
func (g *Generator) Next() []schema.Bar {
	ts := g.cfg.Start.Add(time.Duration(g.index) * g.cfg.Interval)
	g.index++

	out := make([]schema.Bar, 0, len(g.cfg.Instruments))
	for _, instrument := range g.cfg.Instruments {
		open := g.last[instrument]
		next := open * math.Exp(g.rng.NormFloat64()*g.cfg.Volatility)
		wick := math.Abs(g.rng.NormFloat64()) * g.cfg.Volatility / 2
		high := math.Max(open, next) * (1 + wick)
		low := math.Min(open, next) * (1 - wick)
		g.last[instrument] = next
		out = append(out, schema.Bar{
			Instrument: instrument,
			Timestamp:  ts,
			Open:       open,
			High:       high,
			Low:        low,
			Close:      next,
			Volume:     g.cfg.BaseVolume * (0.5 + g.rng.Float64()),
		})
	}
	return out
}

// Generate produces cfg.Bars intervals of bars.
func Generate(cfg GeneratorConfig) ([]schema.Bar, error) {
	g, err := NewGenerator(cfg)
	if err != nil {
		return nil, err
	}
	bars := make([]schema.Bar, 0, cfg.Bars*len(cfg.Instruments))
	for i := 0; i < cfg.Bars; i++ {
		bars = append(bars, g.Next()...)
	}
	return bars, nil
}
