package strategy

import (
	"math"

	"tradecore/internal/schema"
)

// SMA returns the mean close of the last period bars. ok is false when the
// history is too short.
func SMA(bars []schema.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period {
		return 0, false
	}
	sum := 0.0
	for _, b := range bars[len(bars)-period:] {
		sum += b.Close
	}
	return sum / float64(period), true
}

// EMA returns the exponential moving average of closes, seeded with the
// first close.
func EMA(bars []schema.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period {
		return 0, false
	}
	alpha := 2.0 / float64(period+1)
	value := bars[0].Close
	for _, b := range bars[1:] {
		value = b.Close*alpha + value*(1-alpha)
	}
	return value, true
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|). The first
// bar has no previous close and uses high-low.
func TrueRange(bar schema.Bar, prev *schema.Bar) float64 {
	tr := bar.High - bar.Low
	if prev == nil {
		return tr
	}
	return math.Max(tr, math.Max(math.Abs(bar.High-prev.Close), math.Abs(bar.Low-prev.Close)))
}

// ATR returns the mean true range over the last period bars.
func ATR(bars []schema.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}
	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += TrueRange(bars[i], &bars[i-1])
	}
	return sum / float64(period), true
}

// Highest returns the highest high of the period bars before the last one.
func Highest(bars []schema.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}
	high := 0.0
	for _, b := range bars[len(bars)-period-1 : len(bars)-1] {
		high = math.Max(high, b.High)
	}
	return high, true
}

// Lowest returns the lowest low of the period bars before the last one.
func Lowest(bars []schema.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}
	low := math.Inf(1)
	for _, b := range bars[len(bars)-period-1 : len(bars)-1] {
		low = math.Min(low, b.Low)
	}
	return low, true
}
