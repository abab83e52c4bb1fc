package main

import (
	"bufio"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/marketdata"
)

func main() {
	outPath := flag.String("out", "testdata/bars.csv", "Output CSV path (- for stdout)")
	instruments := flag.String("instruments", "AAA", "Comma separated instruments")
	bars := flag.Int("bars", 252, "Bars per instrument")
	interval := flag.Duration("interval", 24*time.Hour, "Bar interval")
	start := flag.String("start", "2024-01-02T21:00:00Z", "First bar time (RFC 3339)")
	basePrice := flag.Float64("base-price", 100, "Starting price")
	volatility := flag.Float64("volatility", 0.02, "Per-bar log return standard deviation")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	startAt, err := time.Parse(time.RFC3339, *start)
	if err != nil {
		logs.Errorf("invalid start: %v", err)
		os.Exit(1)
	}
	var names []string
	for _, name := range strings.Split(*instruments, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}

	generated, err := marketdata.Generate(marketdata.GeneratorConfig{
		Instruments: names,
		Start:       startAt.UTC(),
		Interval:    *interval,
		Bars:        *bars,
		BasePrice:   *basePrice,
		Volatility:  *volatility,
		Seed:        *seed,
	})
	if err != nil {
		logs.Errorf("generator init failed: %v", err)
		os.Exit(1)
	}

	out := os.Stdout
	if *outPath != "-" {
		if err := os.MkdirAll(filepath.Dir(*outPath), 0o755); err != nil {
			logs.Errorf("create output dir: %v", err)
			os.Exit(1)
		}
		f, err := os.Create(*outPath)
		if err != nil {
			logs.Errorf("create output: %v", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	w := bufio.NewWriter(out)
	if err := marketdata.WriteCSV(w, generated); err != nil {
		logs.Errorf("write bars: %v", err)
		os.Exit(1)
	}
	if err := w.Flush(); err != nil {
		logs.Errorf("flush bars: %v", err)
		os.Exit(1)
	}
	if *outPath != "-" {
		logs.Infof("wrote %d bars to %s", len(generated), *outPath)
	}
}
