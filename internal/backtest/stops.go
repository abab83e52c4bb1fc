package backtest

import (
	"math"

	"tradecore/internal/schema"
	"tradecore/internal/strategy"
)

// checkExits closes the bar's position when the bar trades through its stop
// or target. The stop wins when both are touched. A bar that opens beyond
// the level exits at the open.
func (r *run) checkExits(bar schema.Bar) error {
	pos, ok := r.book.Position(bar.Instrument)
	if !ok || pos.Qty == 0 {
		return nil
	}

	stopReason := schema.ExitStopLoss
	if r.trailing[bar.Instrument] {
		stopReason = schema.ExitTrailingStop
	}

	if pos.Qty > 0 {
		if pos.StopLoss > 0 && bar.Low <= pos.StopLoss {
			return r.exit(pos, math.Min(bar.Open, pos.StopLoss), bar, stopReason)
		}
		if pos.TakeProfit > 0 && bar.High >= pos.TakeProfit {
			return r.exit(pos, math.Max(bar.Open, pos.TakeProfit), bar, schema.ExitTakeProfit)
		}
		return nil
	}

	if pos.StopLoss > 0 && bar.High >= pos.StopLoss {
		return r.exit(pos, math.Max(bar.Open, pos.StopLoss), bar, stopReason)
	}
	if pos.TakeProfit > 0 && bar.Low <= pos.TakeProfit {
		return r.exit(pos, math.Min(bar.Open, pos.TakeProfit), bar, schema.ExitTakeProfit)
	}
	return nil
}

// updateTrailing moves the stop to close -/+ multiple x ATR when that
// tightens it. Stops never loosen.
func (r *run) updateTrailing(bar schema.Bar) {
	if r.cfg.TrailingATRMultiple <= 0 {
		return
	}
	pos, ok := r.book.Position(bar.Instrument)
	if !ok || pos.Qty == 0 {
		return
	}
	atr, ok := strategy.ATR(r.history[bar.Instrument], r.cfg.TrailingATRPeriod)
	if !ok {
		return
	}
	stop, moved := trailStop(pos, bar.Close, atr*r.cfg.TrailingATRMultiple)
	if !moved {
		return
	}
	r.book.SetProtection(bar.Instrument, stop, pos.TakeProfit)
	r.trailing[bar.Instrument] = true
}

// trailStop returns the tightened stop for pos, or false when the candidate
// would loosen it.
func trailStop(pos schema.Position, close, distance float64) (float64, bool) {
	if pos.Qty > 0 {
		candidate := close - distance
		if candidate > 0 && candidate > pos.StopLoss {
			return candidate, true
		}
		return pos.StopLoss, false
	}
	candidate := close + distance
	if pos.StopLoss == 0 || candidate < pos.StopLoss {
		return candidate, true
	}
	return pos.StopLoss, false
}
