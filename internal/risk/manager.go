package risk

import (
	"math"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/schema"
)

// Reason is a coarse reason code for risk decisions and halts.
type Reason uint16

const (
	ReasonNone Reason = iota
	ReasonHalted
	ReasonKillSwitch
	ReasonMaxDrawdown
	ReasonDailyLoss
	ReasonPositionSize
	ReasonMaxQty
	ReasonShortNotAllowed
	ReasonInvalidPrice
	ReasonRateLimit
	ReasonEmergencyStop
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonHalted:
		return "halted"
	case ReasonKillSwitch:
		return "kill_switch"
	case ReasonMaxDrawdown:
		return "max_drawdown"
	case ReasonDailyLoss:
		return "daily_loss"
	case ReasonPositionSize:
		return "position_size"
	case ReasonMaxQty:
		return "max_qty"
	case ReasonShortNotAllowed:
		return "short_not_allowed"
	case ReasonInvalidPrice:
		return "invalid_price"
	case ReasonRateLimit:
		return "rate_limit"
	case ReasonEmergencyStop:
		return "emergency_stop"
	default:
		return "unknown"
	}
}

// Decision is the outcome of an order evaluation.
type Decision struct {
	Allowed  bool    `json:"allowed"`
	Reason   Reason  `json:"reason"`
	Notional float64 `json:"notional"`
	// Limit is the notional ceiling applied to the order, zero when unused.
	Limit float64 `json:"limit"`
}

// State is the risk bookkeeping of a run.
type State struct {
	PeakEquity     float64   `json:"peakEquity"`
	DayStartEquity float64   `json:"dayStartEquity"`
	LastEquity     float64   `json:"lastEquity"`
	Day            time.Time `json:"day"`
	Halted         bool      `json:"halted"`
	HaltReason     Reason    `json:"haltReason"`
	HaltedAt       time.Time `json:"haltedAt"`
}

// Manager tracks drawdown and admits orders. It is not safe for concurrent
// use; each engine owns one.
type Manager struct {
	cfg   Config
	state State

	rateWindowStart time.Time
	rateCount       int
}

// NewManager creates a risk manager with static limits.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Config returns the limits in force.
func (m *Manager) Config() Config {
	return m.cfg
}

// State returns a copy of the current risk state.
func (m *Manager) State() State {
	return m.state
}

// Halted reports whether trading is halted.
func (m *Manager) Halted() bool {
	return m.state.Halted
}

// UpdateEquity records an equity observation. The peak never decreases and
// the first observation of a calendar day becomes that day's start equity.
func (m *Manager) UpdateEquity(equity float64, ts time.Time) {
	day := truncateDay(ts, m.cfg.location())
	if m.state.Day.IsZero() || !day.Equal(m.state.Day) {
		m.state.Day = day
		m.state.DayStartEquity = equity
	}
	if equity > m.state.PeakEquity {
		m.state.PeakEquity = equity
	}
	m.state.LastEquity = equity
}

// Drawdown returns the decline of equity from the running peak as a
// fraction of the peak.
func (m *Manager) Drawdown(equity float64) float64 {
	peak := math.Max(m.state.PeakEquity, equity)
	if peak <= 0 {
		return 0
	}
	return (peak - equity) / peak
}

// DailyLoss returns the decline of equity from the day's start equity.
func (m *Manager) DailyLoss(equity float64) float64 {
	start := m.state.DayStartEquity
	if start <= 0 || equity >= start {
		return 0
	}
	return (start - equity) / start
}

// CheckLimits reports whether trading may continue. A breach halts the
// manager and every later call returns false until Reset.
func (m *Manager) CheckLimits(account schema.Account) bool {
	if m.state.Halted {
		return false
	}
	if m.cfg.KillSwitch {
		m.halt(ReasonKillSwitch, account.UpdatedAt)
		return false
	}
	if m.cfg.MaxDrawdown > 0 && m.Drawdown(account.Equity) >= m.cfg.MaxDrawdown {
		m.halt(ReasonMaxDrawdown, account.UpdatedAt)
		return false
	}
	if m.cfg.MaxDailyLoss > 0 && m.DailyLoss(account.Equity) >= m.cfg.MaxDailyLoss {
		m.halt(ReasonDailyLoss, account.UpdatedAt)
		return false
	}
	return true
}

// TriggerEmergencyStop halts trading unconditionally.
func (m *Manager) TriggerEmergencyStop(ts time.Time) {
	if !m.state.Halted {
		m.halt(ReasonEmergencyStop, ts)
	}
}

// Reset clears the halt. The equity history is kept.
func (m *Manager) Reset() {
	if m.state.Halted {
		logs.Infof("risk halt cleared, reason was %s", m.state.HaltReason)
	}
	m.state.Halted = false
	m.state.HaltReason = ReasonNone
	m.state.HaltedAt = time.Time{}
	m.rateWindowStart = time.Time{}
	m.rateCount = 0
}

func (m *Manager) halt(reason Reason, ts time.Time) {
	m.state.Halted = true
	m.state.HaltReason = reason
	m.state.HaltedAt = ts
	logs.Warnf("risk halt: reason=%s equity=%.2f peak=%.2f dayStart=%.2f",
		reason, m.state.LastEquity, m.state.PeakEquity, m.state.DayStartEquity)
}

// ValidateOrder reports whether the signal may be admitted.
func (m *Manager) ValidateOrder(signal schema.OrderSignal, account schema.Account, positions map[string]schema.Position, refPrice float64) bool {
	return m.Evaluate(signal, account, positions, refPrice).Allowed
}

// Evaluate applies the limits to a signal. refPrice prices market orders;
// limit orders use their own price. Orders that only reduce an open
// position skip the size limit.
func (m *Manager) Evaluate(signal schema.OrderSignal, account schema.Account, positions map[string]schema.Position, refPrice float64) Decision {
	decision := Decision{Reason: ReasonNone}

	if m.state.Halted {
		decision.Reason = ReasonHalted
		return decision
	}
	if !m.CheckLimits(account) {
		decision.Reason = m.state.HaltReason
		return decision
	}

	if m.cfg.OrderRateLimit > 0 && m.cfg.OrderRateWindow > 0 {
		now := account.UpdatedAt
		if m.rateWindowStart.IsZero() || now.Sub(m.rateWindowStart) >= m.cfg.OrderRateWindow {
			m.rateWindowStart = now
			m.rateCount = 0
		}
		m.rateCount++
		if m.rateCount > m.cfg.OrderRateLimit {
			decision.Reason = ReasonRateLimit
			return decision
		}
	}

	if m.cfg.MaxOrderQty > 0 && signal.Qty > m.cfg.MaxOrderQty {
		decision.Reason = ReasonMaxQty
		return decision
	}

	price := refPrice
	if signal.Type == schema.OrderTypeLimit {
		price = signal.Price
	}
	if !(price > 0) || math.IsInf(price, 0) {
		decision.Reason = ReasonInvalidPrice
		return decision
	}
	decision.Notional = price * float64(signal.Qty)

	current := positions[signal.Instrument].Qty
	next := current + signal.Side.Sign()*signal.Qty
	if !m.cfg.AllowShort && next < 0 {
		decision.Reason = ReasonShortNotAllowed
		return decision
	}

	reducing := current != 0 && absInt64(next) < absInt64(current) && next*current >= 0
	if m.cfg.MaxPositionSize > 0 && !reducing {
		decision.Limit = m.cfg.MaxPositionSize * account.Equity
		if decision.Notional > decision.Limit {
			decision.Reason = ReasonPositionSize
			return decision
		}
	}

	decision.Allowed = true
	return decision
}

func truncateDay(ts time.Time, loc *time.Location) time.Time {
	t := ts.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
