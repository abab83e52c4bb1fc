package risk

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/schema"
)

var day0 = time.Date(2024, 1, 2, 16, 0, 0, 0, time.UTC)

func account(equity float64, ts time.Time) schema.Account {
	return schema.Account{Equity: equity, Cash: equity, MarginAvailable: equity, UpdatedAt: ts}
}

func TestHaltsExactlyWhenDrawdownReachesLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyLoss = 0
	m := NewManager(cfg)

	curve := []float64{10_000_000, 11_000_000, 9_500_000, 8_500_000, 10_200_000}
	haltedAt := -1
	for i, equity := range curve {
		ts := day0.Add(time.Duration(i) * time.Hour)
		m.UpdateEquity(equity, ts)
		if !m.CheckLimits(account(equity, ts)) && haltedAt < 0 {
			haltedAt = i
		}
	}

	assert.Equal(t, 3, haltedAt)
	st := m.State()
	assert.True(t, st.Halted)
	assert.Equal(t, ReasonMaxDrawdown, st.HaltReason)
	assert.Equal(t, 11_000_000.0, st.PeakEquity)
	assert.Equal(t, day0.Add(3*time.Hour), st.HaltedAt)
	assert.InDelta(t, 2.5/11, m.Drawdown(8_500_000), 1e-12)
}

func TestDefaultLimitsOnDailyBars(t *testing.T) {
	m := NewManager(DefaultConfig())
	curve := []float64{10_000_000, 11_000_000, 9_500_000, 8_500_000, 10_200_000}
	haltedAt := -1
	for i, equity := range curve {
		ts := day0.AddDate(0, 0, i)
		m.UpdateEquity(equity, ts)
		if !m.CheckLimits(account(equity, ts)) && haltedAt < 0 {
			haltedAt = i
		}
	}
	assert.Equal(t, 3, haltedAt)
}

func TestHaltingIsMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		cfg := DefaultConfig()
		cfg.MaxDrawdown = 0.05 + rng.Float64()*0.3
		m := NewManager(cfg)

		equity := 1_000_000.0
		halted := false
		ts := day0
		for i := 0; i < 300; i++ {
			equity *= 1 + rng.NormFloat64()*0.03
			ts = ts.Add(time.Duration(rng.Intn(12)) * time.Hour)
			m.UpdateEquity(equity, ts)
			ok := m.CheckLimits(account(equity, ts))
			if halted {
				require.False(t, ok, "round %d step %d resumed after halt", round, i)
			}
			if !ok {
				halted = true
			}
		}
	}
}

func TestDayStartResetsOnNewDay(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	cfg := DefaultConfig()
	cfg.Location = loc
	m := NewManager(cfg)

	open := time.Date(2024, 1, 2, 9, 30, 0, 0, loc)
	m.UpdateEquity(100, open)
	m.UpdateEquity(98, open.Add(3*time.Hour))
	assert.Equal(t, 100.0, m.State().DayStartEquity)
	assert.InDelta(t, 0.02, m.DailyLoss(98), 1e-12)

	// 23:30 EST is 04:30 UTC of the next day but still the same local day.
	m.UpdateEquity(97, time.Date(2024, 1, 2, 23, 30, 0, 0, loc))
	assert.Equal(t, 100.0, m.State().DayStartEquity)

	m.UpdateEquity(96, open.AddDate(0, 0, 1))
	st := m.State()
	assert.Equal(t, 96.0, st.DayStartEquity)
	assert.Equal(t, 100.0, st.PeakEquity)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, loc), st.Day)
}

func TestDailyLossHalts(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.UpdateEquity(1000, day0)
	require.True(t, m.CheckLimits(account(1000, day0)))
	m.UpdateEquity(951, day0.Add(time.Hour))
	require.True(t, m.CheckLimits(account(951, day0.Add(time.Hour))))
	m.UpdateEquity(950, day0.Add(2*time.Hour))
	require.False(t, m.CheckLimits(account(950, day0.Add(2*time.Hour))))
	assert.Equal(t, ReasonDailyLoss, m.State().HaltReason)
}

func TestEmergencyStopAndReset(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.UpdateEquity(1000, day0)
	m.TriggerEmergencyStop(day0)
	assert.True(t, m.Halted())
	assert.False(t, m.CheckLimits(account(2000, day0)))
	assert.Equal(t, ReasonEmergencyStop, m.State().HaltReason)

	d := m.Evaluate(schema.MarketBuy("AAA", 1), account(1000, day0), nil, 10)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonHalted, d.Reason)

	m.Reset()
	assert.True(t, m.CheckLimits(account(1000, day0)))
	assert.Equal(t, 1000.0, m.State().PeakEquity)
}

func TestEvaluate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOrderQty = 1000
	long := map[string]schema.Position{"AAA": {Instrument: "AAA", Qty: 500, AvgPrice: 100}}

	limit := schema.OrderSignal{Instrument: "AAA", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Qty: 10, Price: 1_000}

	tests := []struct {
		name      string
		signal    schema.OrderSignal
		positions map[string]schema.Position
		ref       float64
		allowed   bool
		reason    Reason
	}{
		{name: "within size", signal: schema.MarketBuy("AAA", 99), ref: 100, allowed: true},
		{name: "exactly at size", signal: schema.MarketBuy("AAA", 100), ref: 100, allowed: true},
		{name: "over size", signal: schema.MarketBuy("AAA", 101), ref: 100, reason: ReasonPositionSize},
		{name: "limit priced by limit", signal: limit, ref: 1, allowed: true},
		{name: "max qty", signal: schema.MarketBuy("AAA", 1001), ref: 1, reason: ReasonMaxQty},
		{name: "no price", signal: schema.MarketBuy("AAA", 1), ref: 0, reason: ReasonInvalidPrice},
		{name: "short open", signal: schema.MarketSell("AAA", 1), ref: 100, reason: ReasonShortNotAllowed},
		{name: "reducing sell skips size", signal: schema.MarketSell("AAA", 500), positions: long, ref: 100, allowed: true},
		{name: "flip to short", signal: schema.MarketSell("AAA", 501), positions: long, ref: 100, reason: ReasonShortNotAllowed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(cfg)
			m.UpdateEquity(100_000, day0)
			d := m.Evaluate(tc.signal, account(100_000, day0), tc.positions, tc.ref)
			assert.Equal(t, tc.allowed, d.Allowed)
			assert.Equal(t, tc.reason, d.Reason)
			assert.False(t, m.Halted())
		})
	}
}

func TestEvaluateRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OrderRateLimit = 2
	cfg.OrderRateWindow = time.Minute
	m := NewManager(cfg)
	m.UpdateEquity(100_000, day0)

	sig := schema.MarketBuy("AAA", 1)
	assert.True(t, m.ValidateOrder(sig, account(100_000, day0), nil, 10))
	assert.True(t, m.ValidateOrder(sig, account(100_000, day0.Add(time.Second)), nil, 10))
	d := m.Evaluate(sig, account(100_000, day0.Add(2*time.Second)), nil, 10)
	assert.Equal(t, ReasonRateLimit, d.Reason)
	assert.True(t, m.ValidateOrder(sig, account(100_000, day0.Add(time.Minute)), nil, 10))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxDrawdown = 1.5
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.OrderRateLimit = 3
	require.Error(t, cfg.Validate())
}
