package obs

import (
	"sync/atomic"
	"time"

	"tradecore/internal/risk"
)

const maxRiskReason = int(risk.ReasonEmergencyStop)

// Metrics collects lightweight counters and latency stats. A nil *Metrics
// ignores every observation.
type Metrics struct {
	barsProcessed   uint64
	barsSkipped     uint64
	signals         uint64
	ordersSubmitted uint64
	submitRetries   uint64
	submitFailures  uint64
	fills           uint64
	liquidations    uint64
	queueDrops      uint64

	riskReasonCounts [maxRiskReason + 1]uint64

	barLatency    LatencyStats
	submitLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	BarsProcessed    uint64                 `json:"barsProcessed"`
	BarsSkipped      uint64                 `json:"barsSkipped"`
	Signals          uint64                 `json:"signals"`
	OrdersSubmitted  uint64                 `json:"ordersSubmitted"`
	SubmitRetries    uint64                 `json:"submitRetries"`
	SubmitFailures   uint64                 `json:"submitFailures"`
	Fills            uint64                 `json:"fills"`
	Liquidations     uint64                 `json:"liquidations"`
	QueueDrops       uint64                 `json:"queueDrops"`
	RiskReasonCounts map[risk.Reason]uint64 `json:"riskReasonCounts"`
	BarLatency       LatencySnapshot        `json:"barLatency"`
	SubmitLatency    LatencySnapshot        `json:"submitLatency"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) inc(p *uint64) {
	if m == nil {
		return
	}
	atomic.AddUint64(p, 1)
}

// ObserveBar counts a processed bar and its processing time.
func (m *Metrics) ObserveBar(d time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.barsProcessed, 1)
	m.barLatency.Observe(d)
}

// IncBarSkipped records a malformed bar.
func (m *Metrics) IncBarSkipped() {
	if m == nil {
		return
	}
	m.inc(&m.barsSkipped)
}

// AddSignals counts strategy signals.
func (m *Metrics) AddSignals(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.signals, uint64(n))
}

// ObserveSubmit records an accepted submission and its latency.
func (m *Metrics) ObserveSubmit(d time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersSubmitted, 1)
	m.submitLatency.Observe(d)
}

// IncSubmitRetry records a retried submission.
func (m *Metrics) IncSubmitRetry() {
	if m == nil {
		return
	}
	m.inc(&m.submitRetries)
}

// IncSubmitFailure records a dropped submission.
func (m *Metrics) IncSubmitFailure() {
	if m == nil {
		return
	}
	m.inc(&m.submitFailures)
}

// IncFill records a fill routed to the book.
func (m *Metrics) IncFill() {
	if m == nil {
		return
	}
	m.inc(&m.fills)
}

// IncLiquidation records an emergency liquidation.
func (m *Metrics) IncLiquidation() {
	if m == nil {
		return
	}
	m.inc(&m.liquidations)
}

// IncQueueDrop records an event dropped on a full queue.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	m.inc(&m.queueDrops)
}

// IncRiskReason increments the risk rejection counter.
func (m *Metrics) IncRiskReason(reason risk.Reason) {
	if m == nil {
		return
	}
	idx := int(reason)
	if idx >= 0 && idx < len(m.riskReasonCounts) {
		atomic.AddUint64(&m.riskReasonCounts[idx], 1)
	}
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	riskCounts := make(map[risk.Reason]uint64)
	for i := range m.riskReasonCounts {
		if v := atomic.LoadUint64(&m.riskReasonCounts[i]); v > 0 {
			riskCounts[risk.Reason(i)] = v
		}
	}
	return Snapshot{
		BarsProcessed:    atomic.LoadUint64(&m.barsProcessed),
		BarsSkipped:      atomic.LoadUint64(&m.barsSkipped),
		Signals:          atomic.LoadUint64(&m.signals),
		OrdersSubmitted:  atomic.LoadUint64(&m.ordersSubmitted),
		SubmitRetries:    atomic.LoadUint64(&m.submitRetries),
		SubmitFailures:   atomic.LoadUint64(&m.submitFailures),
		Fills:            atomic.LoadUint64(&m.fills),
		Liquidations:     atomic.LoadUint64(&m.liquidations),
		QueueDrops:       atomic.LoadUint64(&m.queueDrops),
		RiskReasonCounts: riskCounts,
		BarLatency:       m.barLatency.Snapshot(),
		SubmitLatency:    m.submitLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		lo := atomic.LoadUint64(&l.min)
		if lo != 0 && nanos >= lo {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, lo, nanos) {
			break
		}
	}

	for {
		hi := atomic.LoadUint64(&l.max)
		if nanos <= hi {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, hi, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(atomic.LoadUint64(&l.sum) / count),
	}
}
