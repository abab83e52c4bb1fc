package execution

import (
	"fmt"

	"tradecore/internal/risk"
)

const (
	defaultQueueSize    = 1024
	defaultMaxRetries   = 3
	defaultHistoryLimit = 500
)

// Config controls the live loop.
type Config struct {
	// QueueSize bounds the single event queue feeding the loop.
	QueueSize int `json:"queueSize"`
	// MaxRetries is how many times a transient submission failure is
	// retried before the signal is dropped.
	MaxRetries int `json:"maxRetries"`
	// HistoryLimit caps the bars kept per instrument for the strategy.
	HistoryLimit int `json:"historyLimit"`
	// DropPrices sheds price updates when the queue is full instead of
	// blocking the stream. Fills are never dropped. Live feeds set it so a
	// slow loop trades on fresh prices; replays leave it off so every bar
	// is seen.
	DropPrices bool        `json:"dropPrices"`
	Backoff    Backoff     `json:"backoff"`
	Risk       risk.Config `json:"risk"`
}

// DefaultConfig returns three retries with the default backoff and risk
// limits.
func DefaultConfig() Config {
	return Config{
		QueueSize:    defaultQueueSize,
		MaxRetries:   defaultMaxRetries,
		HistoryLimit: defaultHistoryLimit,
		Backoff:      DefaultBackoff(),
		Risk:         risk.DefaultConfig(),
	}
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid execution config: QueueSize must be > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid execution config: MaxRetries must be >= 0")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("invalid execution config: HistoryLimit must be > 0")
	}
	if c.Backoff.Min < 0 || c.Backoff.Max < 0 || c.Backoff.Jitter < 0 {
		return fmt.Errorf("invalid execution config: Backoff values must be >= 0")
	}
	return c.Risk.Validate()
}
