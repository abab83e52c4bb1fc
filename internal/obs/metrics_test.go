package obs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tradecore/internal/risk"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.ObserveBar(2 * time.Millisecond)
	m.ObserveBar(4 * time.Millisecond)
	m.IncBarSkipped()
	m.AddSignals(3)
	m.AddSignals(-1)
	m.ObserveSubmit(time.Millisecond)
	m.IncSubmitRetry()
	m.IncRiskReason(risk.ReasonPositionSize)
	m.IncRiskReason(risk.ReasonPositionSize)
	m.IncRiskReason(risk.Reason(200))

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.BarsProcessed)
	assert.Equal(t, uint64(1), snap.BarsSkipped)
	assert.Equal(t, uint64(3), snap.Signals)
	assert.Equal(t, uint64(1), snap.OrdersSubmitted)
	assert.Equal(t, uint64(1), snap.SubmitRetries)
	assert.Equal(t, map[risk.Reason]uint64{risk.ReasonPositionSize: 2}, snap.RiskReasonCounts)
	assert.Equal(t, LatencySnapshot{Count: 2, Min: 2 * time.Millisecond, Max: 4 * time.Millisecond, Avg: 3 * time.Millisecond}, snap.BarLatency)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveBar(time.Second)
	m.IncFill()
	m.IncRiskReason(risk.ReasonHalted)
	assert.Equal(t, Snapshot{}, m.Snapshot())

	var s *Sequence
	assert.Equal(t, uint64(0), s.Next())
	assert.Equal(t, uint64(6), NewSequence(5).Next())
}
