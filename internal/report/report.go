// Package report encodes backtest results and trade lists as JSON.
package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tradecore/internal/backtest"
	"tradecore/internal/schema"
)

// Encode renders a result as indented JSON.
func Encode(r *backtest.Result) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil result")
	}
	data, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal result").With("id", r.ID)
	}
	return data, nil
}

// Decode parses a result produced by Encode.
func Decode(data []byte) (*backtest.Result, error) {
	var r backtest.Result
	if err := sonic.ConfigStd.Unmarshal(bytes.TrimSpace(data), &r); err != nil {
		return nil, errors.Wrap(err, "unmarshal result")
	}
	return &r, nil
}

// EncodeTrades renders trades as a JSON array.
func EncodeTrades(trades []schema.Trade) ([]byte, error) {
	data, err := sonic.ConfigStd.Marshal(trades)
	if err != nil {
		return nil, errors.Wrap(err, "marshal trades")
	}
	return data, nil
}

func DecodeTrades(data []byte) ([]schema.Trade, error) {
	var trades []schema.Trade
	if err := sonic.ConfigStd.Unmarshal(data, &trades); err != nil {
		return nil, errors.Wrap(err, "unmarshal trades")
	}
	return trades, nil
}

// WriteFile writes r to path, creating parent directories.
func WriteFile(path string, r *backtest.Result) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create report dir").With("dir", dir)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile loads a result written by WriteFile.
func ReadFile(path string) (*backtest.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := Decode(data)
	if err != nil {
		return nil, errors.Wrap(err, "read report").With("path", path)
	}
	return r, nil
}

// Summary prints the headline metrics of r.
func Summary(w io.Writer, r *backtest.Result) error {
	m := r.Metrics
	_, err := fmt.Fprintf(w,
		"run %s (%s) %s .. %s\n"+
			"  equity        %.2f -> %.2f\n"+
			"  total return  %.4f\n"+
			"  max drawdown  %.4f\n"+
			"  sharpe        %.4f\n"+
			"  trades        %d (win rate %.4f, profit factor %.4f)\n"+
			"  orders        %d submitted, %d filled, %d rejected, %d expired\n",
		r.ID, r.Strategy, r.Start.Format("2006-01-02T15:04:05Z07:00"), r.End.Format("2006-01-02T15:04:05Z07:00"),
		r.InitialEquity, r.FinalEquity,
		m.TotalReturn, m.MaxDrawdown, m.Sharpe,
		m.TotalTrades, m.WinRate, m.ProfitFactor,
		r.Orders.Submitted, r.Orders.Filled, r.Orders.Rejected, r.Orders.Expired,
	)
	return err
}
