package backtest

import (
	"fmt"
	"time"
)

// StrategyError aborts a run. It names the bar being processed when the
// strategy failed.
type StrategyError struct {
	Index      int
	Timestamp  time.Time
	Instrument string
	Err        error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy failed at bar %d (%s %s): %v",
		e.Index, e.Instrument, e.Timestamp.Format(time.RFC3339), e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}
