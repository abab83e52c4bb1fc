package backtest

import (
	"sort"
	"time"

	"tradecore/internal/risk"
	"tradecore/internal/schema"
)

// EquityPoint is the account equity after a processed bar.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// OrderSummary counts orders by final status.
type OrderSummary struct {
	Submitted int `json:"submitted"`
	Filled    int `json:"filled"`
	Rejected  int `json:"rejected"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
	Open      int `json:"open"`
}

// Result is the terminal artifact of a run. Start and End are the first
// and last simulated bar times.
type Result struct {
	ID                string            `json:"id"`
	Strategy          string            `json:"strategy"`
	Start             time.Time         `json:"start"`
	End               time.Time         `json:"end"`
	InitialEquity     float64           `json:"initialEquity"`
	FinalEquity       float64           `json:"finalEquity"`
	EquityCurve       []EquityPoint     `json:"equityCurve"`
	Trades            []schema.Trade    `json:"trades"`
	Fills             []schema.Fill     `json:"fills"`
	Orders            OrderSummary      `json:"orders"`
	FinalPositions    []schema.Position `json:"finalPositions"`
	HaltedInstruments []string          `json:"haltedInstruments"`
	Risk              risk.State        `json:"risk"`
	Metrics           Metrics           `json:"metrics"`
}

// Equities returns the equity values of the curve.
func (r *Result) Equities() []float64 {
	out := make([]float64, len(r.EquityCurve))
	for i, p := range r.EquityCurve {
		out[i] = p.Equity
	}
	return out
}

func summarize(orders []schema.Order) OrderSummary {
	s := OrderSummary{Submitted: len(orders)}
	for _, o := range orders {
		switch o.Status {
		case schema.OrderStatusFilled:
			s.Filled++
		case schema.OrderStatusRejected:
			s.Rejected++
		case schema.OrderStatusExpired:
			s.Expired++
		case schema.OrderStatusCancelled:
			s.Cancelled++
		default:
			s.Open++
		}
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
