// Package strategy defines the decision contract shared by the backtest and
// execution engines, its typed parameters, and the built-in strategies.
//
// Strategies never talk to a broker. OnBar receives everything it may use
// and must return the same signals for the same arguments.
package strategy

import (
	"fmt"
	"time"

	"tradecore/internal/schema"
)

// Strategy turns market history into order signals.
type Strategy interface {
	Name() string
	// OnBar is called once per bar or tick. history ends at the current bar
	// of the instrument being processed.
	OnBar(history []schema.Bar, positions map[string]schema.Position, account schema.Account) ([]schema.OrderSignal, error)
	// OnFill is a notification after the book has absorbed a fill.
	OnFill(order schema.Order, position schema.Position) error
}

// PortfolioStrategy is a Strategy that also picks a universe and target
// weights on the engine's rebalance cadence.
type PortfolioStrategy interface {
	Strategy
	SelectUniverse(asOf time.Time) []string
	TargetWeights(universe []string, asOf time.Time) map[string]float64
}

// PanicError is returned when a strategy callback panics.
type PanicError struct {
	Callback string
	Value    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("strategy %s panicked: %v", e.Callback, e.Value)
}

// SafeOnBar calls s.OnBar and converts a panic into an error.
func SafeOnBar(s Strategy, history []schema.Bar, positions map[string]schema.Position, account schema.Account) (signals []schema.OrderSignal, err error) {
	defer func() {
		if r := recover(); r != nil {
			signals = nil
			err = &PanicError{Callback: "OnBar", Value: r}
		}
	}()
	return s.OnBar(history, positions, account)
}

// SafeOnFill calls s.OnFill and converts a panic into an error.
func SafeOnFill(s Strategy, order schema.Order, position schema.Position) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Callback: "OnFill", Value: r}
		}
	}()
	return s.OnFill(order, position)
}

// SafeTargetWeights selects the universe and its weights, converting a
// panic into an error.
func SafeTargetWeights(s PortfolioStrategy, asOf time.Time) (weights map[string]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			weights = nil
			err = &PanicError{Callback: "TargetWeights", Value: r}
		}
	}()
	return s.TargetWeights(s.SelectUniverse(asOf), asOf), nil
}

// noFill is embedded by strategies that ignore fill notifications.
type noFill struct{}

func (noFill) OnFill(schema.Order, schema.Position) error { return nil }
