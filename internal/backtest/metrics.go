package backtest

import "math"

// ProfitFactorCap is reported when a run has gross profit but no gross
// loss.
const ProfitFactorCap = 999.0

// Metrics summarizes a run. Every field is defined for zero trades. Returns
// and drawdowns are fractions.
type Metrics struct {
	TotalReturn    float64 `json:"totalReturn"`
	MaxDrawdown    float64 `json:"maxDrawdown"`
	Sharpe         float64 `json:"sharpe"`
	WinRate        float64 `json:"winRate"`
	ProfitFactor   float64 `json:"profitFactor"`
	TotalTrades    int     `json:"totalTrades"`
	WinningTrades  int     `json:"winningTrades"`
	LosingTrades   int     `json:"losingTrades"`
	GrossProfit    float64 `json:"grossProfit"`
	GrossLoss      float64 `json:"grossLoss"`
	FinalEquity    float64 `json:"finalEquity"`
	RejectedOrders int     `json:"rejectedOrders"`
	SkippedBars    int     `json:"skippedBars"`
}

func computeMetrics(res *Result, periodsPerYear float64) Metrics {
	equities := res.Equities()
	m := Metrics{
		TotalTrades: len(res.Trades),
		FinalEquity: res.FinalEquity,
		MaxDrawdown: MaxDrawdown(equities),
		Sharpe:      Sharpe(equities, periodsPerYear),
	}
	if res.InitialEquity > 0 {
		m.TotalReturn = (res.FinalEquity - res.InitialEquity) / res.InitialEquity
	}

	for _, t := range res.Trades {
		switch {
		case t.PnL > 0:
			m.WinningTrades++
			m.GrossProfit += t.PnL
		case t.PnL < 0:
			m.LosingTrades++
			m.GrossLoss -= t.PnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	}
	m.ProfitFactor = ProfitFactor(m.GrossProfit, m.GrossLoss)
	return m
}

// ProfitFactor is gross profit over gross loss, 0 without profit and
// ProfitFactorCap without loss.
func ProfitFactor(grossProfit, grossLoss float64) float64 {
	switch {
	case grossProfit <= 0:
		return 0
	case grossLoss <= 0:
		return ProfitFactorCap
	default:
		return math.Min(grossProfit/grossLoss, ProfitFactorCap)
	}
}

// MaxDrawdown is the largest (peak - trough) / peak over the curve, found
// in one forward scan keeping the running peak.
func MaxDrawdown(equities []float64) float64 {
	if len(equities) == 0 {
		return 0
	}
	peak := equities[0]
	mdd := 0.0
	for _, e := range equities {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			if dd := (peak - e) / peak; dd > mdd {
				mdd = dd
			}
		}
	}
	return mdd
}

// Sharpe annualizes the mean over the sample deviation of per-bar returns.
// Flat or too short curves report 0.
func Sharpe(equities []float64, periodsPerYear float64) float64 {
	if len(equities) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(equities)-1)
	for i := 1; i < len(equities); i++ {
		if equities[i-1] <= 0 {
			continue
		}
		returns = append(returns, equities[i]/equities[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}
