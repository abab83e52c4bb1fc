package broker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tradecore/internal/schema"
)

// Clock allows deterministic replay pacing.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock sleeps on the wall clock.
type SystemClock struct{}

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReplayConfig controls bar replay. Speed multiplies market time; zero
// replays without pauses.
type ReplayConfig struct {
	Speed float64 `json:"speed"`
}

// Validate checks if the config is usable.
func (c ReplayConfig) Validate() error {
	if c.Speed < 0 {
		return fmt.Errorf("invalid replay config: Speed must be >= 0")
	}
	return nil
}

// ReplayFeed plays recorded bars as live price updates.
type ReplayFeed struct {
	cfg   ReplayConfig
	bars  []schema.Bar
	clock Clock
}

// NewReplayFeed sorts a copy of bars by timestamp.
func NewReplayFeed(cfg ReplayConfig, bars []schema.Bar) (*ReplayFeed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sorted := make([]schema.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return &ReplayFeed{cfg: cfg, bars: sorted, clock: SystemClock{}}, nil
}

// WithClock swaps the clock implementation.
func (f *ReplayFeed) WithClock(clock Clock) *ReplayFeed {
	if clock != nil {
		f.clock = clock
	}
	return f
}

// Run emits every bar of the requested instruments in timestamp order.
func (f *ReplayFeed) Run(ctx context.Context, instruments []string, emit func(PriceUpdate)) error {
	var prev time.Time
	for _, bar := range f.bars {
		if !contains(instruments, bar.Instrument) {
			continue
		}
		var wait time.Duration
		if f.cfg.Speed > 0 && !prev.IsZero() {
			wait = time.Duration(float64(bar.Timestamp.Sub(prev)) / f.cfg.Speed)
		}
		if err := f.clock.Sleep(ctx, wait); err != nil {
			return err
		}
		prev = bar.Timestamp
		emit(PriceUpdate{Bar: bar, ReceivedAt: bar.Timestamp})
	}
	return nil
}
