package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/yanun0323/logs"

	"tradecore/internal/backtest"
	"tradecore/internal/marketdata"
	"tradecore/internal/ops"
	"tradecore/internal/report"
	"tradecore/internal/store"
	"tradecore/internal/strategy"
	"tradecore/pkg/conn"
)

const defaultStrategy = strategy.SMACrossName

func main() {
	barsPath := flag.String("bars", "", "CSV file of bars (instrument,timestamp,open,high,low,close,volume[,gap])")
	configPath := flag.String("config", "", "Path to JSON config")
	strategyNames := flag.String("strategy", "", "Strategy name, or a comma separated list to run in parallel (default: config, then sma_cross)")
	workers := flag.Int("workers", 0, "Parallel runs (0=one per strategy)")
	outPath := flag.String("out", "", "Write the result JSON here; with several strategies the name is suffixed")
	persist := flag.Bool("persist", false, "Save results to the configured database")
	list := flag.Bool("list", false, "List registered strategies and exit")
	flag.Parse()

	registry := strategy.NewDefaultRegistry()
	if *list {
		for _, name := range registry.Names() {
			fmt.Println(name)
		}
		return
	}

	if err := run(*barsPath, *configPath, *strategyNames, *workers, *outPath, *persist, registry); err != nil {
		logs.Errorf("backtest failed: %+v", err)
		os.Exit(1)
	}
}

func run(barsPath, configPath, strategyNames string, workers int, outPath string, persist bool, registry *strategy.Registry) error {
	if barsPath == "" {
		return fmt.Errorf("-bars is required")
	}
	loaded, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	stopProfiling, err := ops.StartProfiling(loaded.Profiling)
	if err != nil {
		return fmt.Errorf("pyroscope start failed: %w", err)
	}
	defer stopProfiling()

	data, err := marketdata.LoadCSV(barsPath)
	if err != nil {
		return err
	}
	logs.Infof("loaded %d bars for %v (%d malformed, %d duplicates)",
		len(data.Bars), marketdata.Instruments(data.Bars), data.Malformed, data.Duplicates)

	jobs, err := buildJobs(registry, loaded, strategyNames, data)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := backtest.RunParallel(ctx, jobs, workers)
	if err != nil {
		return err
	}

	for _, res := range results {
		if err := report.Summary(os.Stdout, res); err != nil {
			return err
		}
		if outPath != "" {
			path := resultPath(outPath, res.Strategy, len(results) > 1)
			if err := report.WriteFile(path, res); err != nil {
				return err
			}
			logs.Infof("result %s written to %s", res.ID, path)
		}
	}

	if persist {
		return persistResults(ctx, loaded.Store, results)
	}
	return nil
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return ops.Parse(nil)
	}
	return ops.Load(path)
}

func buildJobs(registry *strategy.Registry, loaded ops.Loaded, names string, data marketdata.Load) ([]backtest.Job, error) {
	if names == "" {
		names = loaded.Strategy.Name
	}
	if names == "" {
		names = defaultStrategy
	}

	var jobs []backtest.Job
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		var params map[string]any
		if name == loaded.Strategy.Name {
			params = loaded.Strategy.Params
		}
		s, err := registry.New(name, params)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", name, err)
		}
		jobs = append(jobs, backtest.Job{
			Name:     name,
			Config:   loaded.Backtest,
			Strategy: s,
			Bars:     data.Bars,
		})
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no strategy selected")
	}
	return jobs, nil
}

func resultPath(out, name string, suffix bool) string {
	if !suffix {
		return out
	}
	ext := filepath.Ext(out)
	return strings.TrimSuffix(out, ext) + "." + name + ext
}

func persistResults(ctx context.Context, option conn.Option, results []*backtest.Result) error {
	if !option.Enabled() {
		return fmt.Errorf("-persist needs a store section in the config")
	}
	client, err := conn.New(option)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer client.Close()

	repo := store.NewRepository(client.DB())
	if err := repo.Migrate(ctx); err != nil {
		return err
	}
	for _, res := range results {
		if err := repo.SaveResult(ctx, res); err != nil {
			return err
		}
		logs.Infof("result %s saved", res.ID)
	}
	return nil
}
