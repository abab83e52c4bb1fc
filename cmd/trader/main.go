package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"tradecore/internal/broker"
	"tradecore/internal/execution"
	"tradecore/internal/marketdata"
	"tradecore/internal/ops"
	"tradecore/internal/state"
	"tradecore/internal/strategy"
)

func main() {
	barsPath := flag.String("bars", "", "CSV file of bars to replay as live prices")
	wsURL := flag.String("ws-url", "", "WebSocket trade stream URL (overrides -bars)")
	instrumentList := flag.String("instruments", "", "Comma separated instruments (default: every instrument in -bars)")
	configPath := flag.String("config", "", "Path to JSON config")
	strategyName := flag.String("strategy", "", "Strategy name (default: config, then sma_cross)")
	cash := flag.Float64("cash", 100_000, "Paper account starting cash")
	statusInterval := flag.Duration("status-interval", 10*time.Second, "Status log interval (0=disable)")
	snapshotPath := flag.String("snapshot-path", "", "Write the order book snapshot here on exit")
	flag.Parse()

	if err := run(*barsPath, *wsURL, *instrumentList, *configPath, *strategyName, *cash, *statusInterval, *snapshotPath); err != nil {
		logs.Errorf("trader failed: %+v", err)
		os.Exit(1)
	}
}

func run(barsPath, wsURL, instrumentList, configPath, strategyName string, cash float64, statusInterval time.Duration, snapshotPath string) error {
	loaded, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	stopProfiling, err := ops.StartProfiling(loaded.Profiling)
	if err != nil {
		return fmt.Errorf("pyroscope start failed: %w", err)
	}
	defer stopProfiling()

	instruments := splitList(instrumentList)
	feed, instruments, err := buildFeed(barsPath, wsURL, instruments, loaded.Replay)
	if err != nil {
		return err
	}

	name := strategyName
	if name == "" {
		name = loaded.Strategy.Name
	}
	if name == "" {
		name = strategy.SMACrossName
	}
	var params map[string]any
	if name == loaded.Strategy.Name {
		params = loaded.Strategy.Params
	}
	s, err := strategy.NewDefaultRegistry().New(name, params)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", name, err)
	}

	if wsURL != "" {
		loaded.Execution.DropPrices = true
	}
	sim := broker.NewSim(broker.SimConfig{
		InitialCash: cash,
		Commission:  loaded.Backtest.Commission,
		Slippage:    loaded.Backtest.Slippage,
	}, feed)
	engine, err := execution.NewEngine(loaded.Execution, sim, s)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx, instruments); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- engine.Wait() }()

	var ticks <-chan time.Time
	if statusInterval > 0 {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	var runErr error
loop:
	for {
		select {
		case <-sys.Shutdown():
			logs.Info("shutdown requested")
			engine.Stop()
			runErr = <-done
			break loop
		case runErr = <-done:
			break loop
		case <-ticks:
			logStatus(engine.Status())
		}
	}

	st := engine.Status()
	logStatus(st)
	if account, err := sim.GetAccount(ctx); err == nil {
		logs.Infof("paper account equity=%.2f cash=%.2f", account.Equity, account.Cash)
	}
	if book := engine.Book(); book != nil {
		logs.Info(bookSummary(book))
		if snapshotPath != "" {
			if err := state.WriteSnapshot(snapshotPath, book.Snapshot(time.Now().UTC())); err != nil {
				return err
			}
			logs.Infof("snapshot written to %s", snapshotPath)
		}
	}
	return runErr
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return ops.Parse(nil)
	}
	return ops.Load(path)
}

func buildFeed(barsPath, wsURL string, instruments []string, replay broker.ReplayConfig) (broker.Feed, []string, error) {
	if wsURL != "" {
		if len(instruments) == 0 {
			return nil, nil, fmt.Errorf("-instruments is required with -ws-url")
		}
		return broker.NewWSFeed(wsURL), instruments, nil
	}
	if barsPath == "" {
		return nil, nil, fmt.Errorf("one of -bars or -ws-url is required")
	}
	data, err := marketdata.LoadCSV(barsPath)
	if err != nil {
		return nil, nil, err
	}
	if len(instruments) == 0 {
		instruments = marketdata.Instruments(data.Bars)
	}
	feed, err := broker.NewReplayFeed(replay, data.Bars)
	if err != nil {
		return nil, nil, err
	}
	logs.Infof("replaying %d bars for %v at speed %.1f", len(data.Bars), instruments, replay.Speed)
	return feed, instruments, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func bookSummary(book *state.Manager) string {
	return fmt.Sprintf("book: %d orders, %d open positions, %d closed trades", len(book.Orders()), book.Count(), len(book.Trades()))
}

func logStatus(st execution.Status) {
	m := st.Metrics
	logs.Infof("status=%s cycles=%d signals=%d submitted=%d fills=%d retries=%d failures=%d halted=%v reason=%s",
		st.State, st.Cycles, m.Signals, m.OrdersSubmitted, m.Fills, m.SubmitRetries, m.SubmitFailures, st.Risk.Halted, st.Risk.HaltReason)
	if st.LastError != nil {
		logs.Errorf("last error: %+v", st.LastError)
	}
}
