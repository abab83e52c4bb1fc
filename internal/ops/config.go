package ops

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/bytedance/sonic"

	"tradecore/internal/backtest"
	"tradecore/internal/broker"
	"tradecore/internal/execution"
	"tradecore/internal/risk"
	"tradecore/pkg/conn"
)

// FileConfig mirrors the JSON config layout. Absent keys keep their
// defaults.
type FileConfig struct {
	Backtest  backtest.Config     `json:"backtest"`
	Risk      RiskConfig          `json:"risk"`
	Execution ExecutionConfig     `json:"execution"`
	Replay    broker.ReplayConfig `json:"replay"`
	Strategy  StrategyConfig      `json:"strategy"`
	Store     conn.Option         `json:"store"`
	Profiling ProfilingConfig     `json:"profiling"`
}

// RiskConfig is risk.Config with durations and the trading-day zone
// spelled as strings.
type RiskConfig struct {
	MaxDrawdown     float64 `json:"maxDrawdown"`
	MaxDailyLoss    float64 `json:"maxDailyLoss"`
	MaxPositionSize float64 `json:"maxPositionSize"`
	MaxOrderQty     int64   `json:"maxOrderQty"`
	AllowShort      bool    `json:"allowShort"`
	KillSwitch      bool    `json:"killSwitch"`
	OrderRateLimit  int     `json:"orderRateLimit"`
	OrderRateWindow string  `json:"orderRateWindow"`
	Timezone        string  `json:"timezone"`
}

// ExecutionConfig is execution.Config with string durations.
type ExecutionConfig struct {
	QueueSize     int     `json:"queueSize"`
	MaxRetries    int     `json:"maxRetries"`
	HistoryLimit  int     `json:"historyLimit"`
	DropPrices    bool    `json:"dropPrices"`
	BackoffMin    string  `json:"backoffMin"`
	BackoffMax    string  `json:"backoffMax"`
	BackoffFactor float64 `json:"backoffFactor"`
	BackoffJitter float64 `json:"backoffJitter"`
}

// StrategyConfig names a registered strategy and its raw parameters.
type StrategyConfig struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// ProfilingConfig enables continuous profiling.
type ProfilingConfig struct {
	Enabled         bool              `json:"enabled"`
	ApplicationName string            `json:"applicationName"`
	ServerAddress   string            `json:"serverAddress"`
	Tags            map[string]string `json:"tags"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Backtest  backtest.Config
	Risk      risk.Config
	Execution execution.Config
	Replay    broker.ReplayConfig
	Strategy  StrategyConfig
	Store     conn.Option
	Profiling ProfilingConfig
}

// DefaultFileConfig is the layout every file is decoded onto.
func DefaultFileConfig() FileConfig {
	rc := risk.DefaultConfig()
	ec := execution.DefaultConfig()
	return FileConfig{
		Backtest: backtest.DefaultConfig(),
		Risk: RiskConfig{
			MaxDrawdown:     rc.MaxDrawdown,
			MaxDailyLoss:    rc.MaxDailyLoss,
			MaxPositionSize: rc.MaxPositionSize,
			MaxOrderQty:     rc.MaxOrderQty,
			AllowShort:      rc.AllowShort,
			KillSwitch:      rc.KillSwitch,
			OrderRateLimit:  rc.OrderRateLimit,
			Timezone:        "UTC",
		},
		Execution: ExecutionConfig{
			QueueSize:     ec.QueueSize,
			MaxRetries:    ec.MaxRetries,
			HistoryLimit:  ec.HistoryLimit,
			DropPrices:    ec.DropPrices,
			BackoffMin:    ec.Backoff.Min.String(),
			BackoffMax:    ec.Backoff.Max.String(),
			BackoffFactor: ec.Backoff.Factor,
			BackoffJitter: ec.Backoff.Jitter,
		},
		Profiling: ProfilingConfig{
			ApplicationName: "tradecore",
			ServerAddress:   "http://localhost:4040",
		},
	}
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	return Parse(data)
}

// Parse decodes data over the defaults, resolves durations and zones, and
// validates every section.
func Parse(data []byte) (Loaded, error) {
	cfg := DefaultFileConfig()
	if len(strings.TrimSpace(string(data))) != 0 {
		if err := sonic.ConfigStd.Unmarshal(data, &cfg); err != nil {
			return Loaded{}, fmt.Errorf("decode config: %w", err)
		}
	}
	return cfg.Resolve()
}

// Resolve turns the file layout into validated engine configs.
func (cfg FileConfig) Resolve() (Loaded, error) {
	rc, err := resolveRisk(cfg.Risk)
	if err != nil {
		return Loaded{}, err
	}

	bc := cfg.Backtest
	bc.Risk = rc
	if err := bc.Validate(); err != nil {
		return Loaded{}, err
	}

	ec, err := resolveExecution(cfg.Execution)
	if err != nil {
		return Loaded{}, err
	}
	ec.Risk = rc
	if err := ec.Validate(); err != nil {
		return Loaded{}, err
	}

	if err := cfg.Replay.Validate(); err != nil {
		return Loaded{}, err
	}
	if cfg.Profiling.Enabled && cfg.Profiling.ServerAddress == "" {
		return Loaded{}, fmt.Errorf("invalid profiling config: serverAddress is empty")
	}

	return Loaded{
		Backtest:  bc,
		Risk:      rc,
		Execution: ec,
		Replay:    cfg.Replay,
		Strategy:  cfg.Strategy,
		Store:     cfg.Store,
		Profiling: cfg.Profiling,
	}, nil
}

func resolveRisk(cfg RiskConfig) (risk.Config, error) {
	rc := risk.Config{
		MaxDrawdown:     cfg.MaxDrawdown,
		MaxDailyLoss:    cfg.MaxDailyLoss,
		MaxPositionSize: cfg.MaxPositionSize,
		MaxOrderQty:     cfg.MaxOrderQty,
		AllowShort:      cfg.AllowShort,
		KillSwitch:      cfg.KillSwitch,
		OrderRateLimit:  cfg.OrderRateLimit,
		Location:        time.UTC,
	}
	if cfg.OrderRateWindow != "" {
		d, err := time.ParseDuration(cfg.OrderRateWindow)
		if err != nil {
			return risk.Config{}, fmt.Errorf("invalid risk config: orderRateWindow: %w", err)
		}
		rc.OrderRateWindow = d
	}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return risk.Config{}, fmt.Errorf("invalid risk config: timezone: %w", err)
		}
		rc.Location = loc
	}
	if err := rc.Validate(); err != nil {
		return risk.Config{}, err
	}
	return rc, nil
}

func resolveExecution(cfg ExecutionConfig) (execution.Config, error) {
	ec := execution.Config{
		QueueSize:    cfg.QueueSize,
		MaxRetries:   cfg.MaxRetries,
		HistoryLimit: cfg.HistoryLimit,
		DropPrices:   cfg.DropPrices,
		Backoff: execution.Backoff{
			Factor: cfg.BackoffFactor,
			Jitter: cfg.BackoffJitter,
		},
	}
	var err error
	if ec.Backoff.Min, err = parseDuration("backoffMin", cfg.BackoffMin); err != nil {
		return execution.Config{}, err
	}
	if ec.Backoff.Max, err = parseDuration("backoffMax", cfg.BackoffMax); err != nil {
		return execution.Config{}, err
	}
	if ec.Backoff.Max > 0 && ec.Backoff.Min > ec.Backoff.Max {
		return execution.Config{}, fmt.Errorf("invalid execution config: backoffMin exceeds backoffMax")
	}
	return ec, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid execution config: %s: %w", field, err)
	}
	return d, nil
}
