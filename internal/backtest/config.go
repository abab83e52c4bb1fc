package backtest

import (
	"fmt"

	"tradecore/internal/risk"
)

const (
	defaultInitialEquity     = 10_000_000
	defaultCommission        = 0.001
	defaultLimitExpiryBars   = 5
	defaultTrailingATRPeriod = 14
	defaultPeriodsPerYear    = 252
)

// Config controls the fill model and reporting of a run.
type Config struct {
	InitialEquity float64 `json:"initialEquity"`
	// Commission and Slippage are fractions of the fill price.
	Commission float64 `json:"commission"`
	Slippage   float64 `json:"slippage"`
	// LimitExpiryBars is how many later bars of the instrument an unfilled
	// limit order waits before it expires.
	LimitExpiryBars     int     `json:"limitExpiryBars"`
	TrailingATRPeriod   int     `json:"trailingAtrPeriod"`
	TrailingATRMultiple float64 `json:"trailingAtrMultiple"`
	// RebalanceEvery is the portfolio rebalance cadence in processed bars.
	RebalanceEvery int     `json:"rebalanceEvery"`
	CloseAtEnd     bool    `json:"closeAtEnd"`
	PeriodsPerYear float64 `json:"periodsPerYear"`

	Risk risk.Config `json:"risk"`
}

// DefaultConfig returns 10,000,000 starting equity, 0.1% commission and
// no slippage with the default risk limits.
func DefaultConfig() Config {
	return Config{
		InitialEquity:     defaultInitialEquity,
		Commission:        defaultCommission,
		LimitExpiryBars:   defaultLimitExpiryBars,
		TrailingATRPeriod: defaultTrailingATRPeriod,
		PeriodsPerYear:    defaultPeriodsPerYear,
		Risk:              risk.DefaultConfig(),
	}
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if !(c.InitialEquity > 0) {
		return fmt.Errorf("invalid backtest config: InitialEquity must be > 0")
	}
	if c.Commission < 0 || c.Commission >= 1 {
		return fmt.Errorf("invalid backtest config: Commission must be within [0, 1)")
	}
	if c.Slippage < 0 || c.Slippage >= 1 {
		return fmt.Errorf("invalid backtest config: Slippage must be within [0, 1)")
	}
	if c.LimitExpiryBars < 0 {
		return fmt.Errorf("invalid backtest config: LimitExpiryBars must be >= 0")
	}
	if c.TrailingATRMultiple < 0 {
		return fmt.Errorf("invalid backtest config: TrailingATRMultiple must be >= 0")
	}
	if c.TrailingATRMultiple > 0 && c.TrailingATRPeriod <= 0 {
		return fmt.Errorf("invalid backtest config: TrailingATRPeriod must be > 0 with a trailing multiple")
	}
	if c.RebalanceEvery < 0 {
		return fmt.Errorf("invalid backtest config: RebalanceEvery must be >= 0")
	}
	if !(c.PeriodsPerYear > 0) {
		return fmt.Errorf("invalid backtest config: PeriodsPerYear must be > 0")
	}
	return c.Risk.Validate()
}
