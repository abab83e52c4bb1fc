package store

import (
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/backtest"
	"tradecore/internal/schema"
)

// RunRow is one backtest run with its headline metrics.
type RunRow struct {
	ID            string          `gorm:"column:id;type:varchar(36);primaryKey"`
	Strategy      string          `gorm:"column:strategy;type:varchar(64);index;not null"`
	StartTime     time.Time       `gorm:"column:start_time"`
	EndTime       time.Time       `gorm:"column:end_time"`
	InitialEquity decimal.Decimal `gorm:"column:initial_equity;type:decimal(32,18)"`
	FinalEquity   decimal.Decimal `gorm:"column:final_equity;type:decimal(32,18)"`
	TotalReturn   decimal.Decimal `gorm:"column:total_return;type:decimal(32,18)"`
	MaxDrawdown   decimal.Decimal `gorm:"column:max_drawdown;type:decimal(32,18)"`
	SharpeRatio   decimal.Decimal `gorm:"column:sharpe_ratio;type:decimal(32,18)"`
	WinRate       decimal.Decimal `gorm:"column:win_rate;type:decimal(32,18)"`
	ProfitFactor  decimal.Decimal `gorm:"column:profit_factor;type:decimal(32,18)"`
	GrossProfit   decimal.Decimal `gorm:"column:gross_profit;type:decimal(32,18)"`
	GrossLoss     decimal.Decimal `gorm:"column:gross_loss;type:decimal(32,18)"`
	TotalTrades   int             `gorm:"column:total_trades;type:int"`
	WinningTrades int             `gorm:"column:winning_trades;type:int"`
	LosingTrades  int             `gorm:"column:losing_trades;type:int"`
	Rejected      int             `gorm:"column:rejected_orders;type:int"`
	SkippedBars   int             `gorm:"column:skipped_bars;type:int"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (RunRow) TableName() string { return "backtest_runs" }

// TradeRow is one closed round trip of a run.
type TradeRow struct {
	RunID      string            `gorm:"column:run_id;type:varchar(36);primaryKey"`
	TradeID    uint64            `gorm:"column:trade_id;primaryKey;autoIncrement:false"`
	Instrument string            `gorm:"column:instrument;type:varchar(32);not null"`
	Direction  schema.Side       `gorm:"column:direction;type:smallint"`
	Qty        int64             `gorm:"column:qty;type:bigint"`
	EntryPrice decimal.Decimal   `gorm:"column:entry_price;type:decimal(32,18)"`
	ExitPrice  decimal.Decimal   `gorm:"column:exit_price;type:decimal(32,18)"`
	EntryTime  time.Time         `gorm:"column:entry_time"`
	ExitTime   time.Time         `gorm:"column:exit_time"`
	PnL        decimal.Decimal   `gorm:"column:pnl;type:decimal(32,18)"`
	ReturnPct  decimal.Decimal   `gorm:"column:return_pct;type:decimal(32,18)"`
	Commission decimal.Decimal   `gorm:"column:commission;type:decimal(32,18)"`
	ExitReason schema.ExitReason `gorm:"column:exit_reason;type:varchar(32)"`
}

func (TradeRow) TableName() string { return "backtest_trades" }

// EquityRow is one point of a run's equity curve.
type EquityRow struct {
	RunID     string          `gorm:"column:run_id;type:varchar(36);primaryKey"`
	Seq       int             `gorm:"column:seq;primaryKey;autoIncrement:false"`
	Timestamp time.Time       `gorm:"column:ts"`
	Equity    decimal.Decimal `gorm:"column:equity;type:decimal(32,18)"`
}

func (EquityRow) TableName() string { return "backtest_equity" }

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func flt(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

func toRunRow(r *backtest.Result) RunRow {
	m := r.Metrics
	return RunRow{
		ID:            r.ID,
		Strategy:      r.Strategy,
		StartTime:     r.Start,
		EndTime:       r.End,
		InitialEquity: dec(r.InitialEquity),
		FinalEquity:   dec(r.FinalEquity),
		TotalReturn:   dec(m.TotalReturn),
		MaxDrawdown:   dec(m.MaxDrawdown),
		SharpeRatio:   dec(m.Sharpe),
		WinRate:       dec(m.WinRate),
		ProfitFactor:  dec(m.ProfitFactor),
		GrossProfit:   dec(m.GrossProfit),
		GrossLoss:     dec(m.GrossLoss),
		TotalTrades:   m.TotalTrades,
		WinningTrades: m.WinningTrades,
		LosingTrades:  m.LosingTrades,
		Rejected:      m.RejectedOrders,
		SkippedBars:   m.SkippedBars,
	}
}

func toTradeRows(runID string, trades []schema.Trade) []TradeRow {
	rows := make([]TradeRow, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, TradeRow{
			RunID:      runID,
			TradeID:    t.ID,
			Instrument: t.Instrument,
			Direction:  t.Direction,
			Qty:        t.Qty,
			EntryPrice: dec(t.EntryPrice),
			ExitPrice:  dec(t.ExitPrice),
			EntryTime:  t.EntryTime,
			ExitTime:   t.ExitTime,
			PnL:        dec(t.PnL),
			ReturnPct:  dec(t.ReturnPct),
			Commission: dec(t.Commission),
			ExitReason: t.ExitReason,
		})
	}
	return rows
}

func toEquityRows(runID string, curve []backtest.EquityPoint) []EquityRow {
	rows := make([]EquityRow, 0, len(curve))
	for i, p := range curve {
		rows = append(rows, EquityRow{RunID: runID, Seq: i, Timestamp: p.Timestamp, Equity: dec(p.Equity)})
	}
	return rows
}

// fromRows rebuilds the persisted part of a result. Fills, order counts,
// positions and risk state are not stored.
func fromRows(run RunRow, trades []TradeRow, equity []EquityRow) *backtest.Result {
	r := &backtest.Result{
		ID:            run.ID,
		Strategy:      run.Strategy,
		Start:         run.StartTime,
		End:           run.EndTime,
		InitialEquity: flt(run.InitialEquity),
		FinalEquity:   flt(run.FinalEquity),
		Trades:        make([]schema.Trade, 0, len(trades)),
		EquityCurve:   make([]backtest.EquityPoint, 0, len(equity)),
		Metrics: backtest.Metrics{
			TotalReturn:    flt(run.TotalReturn),
			MaxDrawdown:    flt(run.MaxDrawdown),
			Sharpe:         flt(run.SharpeRatio),
			WinRate:        flt(run.WinRate),
			ProfitFactor:   flt(run.ProfitFactor),
			TotalTrades:    run.TotalTrades,
			WinningTrades:  run.WinningTrades,
			LosingTrades:   run.LosingTrades,
			GrossProfit:    flt(run.GrossProfit),
			GrossLoss:      flt(run.GrossLoss),
			FinalEquity:    flt(run.FinalEquity),
			RejectedOrders: run.Rejected,
			SkippedBars:    run.SkippedBars,
		},
	}
	for _, t := range trades {
		r.Trades = append(r.Trades, schema.Trade{
			ID:         t.TradeID,
			Instrument: t.Instrument,
			Direction:  t.Direction,
			Qty:        t.Qty,
			EntryPrice: flt(t.EntryPrice),
			ExitPrice:  flt(t.ExitPrice),
			EntryTime:  t.EntryTime,
			ExitTime:   t.ExitTime,
			PnL:        flt(t.PnL),
			ReturnPct:  flt(t.ReturnPct),
			Commission: flt(t.Commission),
			ExitReason: t.ExitReason,
		})
	}
	for _, e := range equity {
		r.EquityCurve = append(r.EquityCurve, backtest.EquityPoint{Timestamp: e.Timestamp, Equity: flt(e.Equity)})
	}
	return r
}
