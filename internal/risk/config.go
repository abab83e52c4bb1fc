package risk

import (
	"fmt"
	"time"
)

const (
	defaultMaxDrawdown     = 0.20
	defaultMaxDailyLoss    = 0.05
	defaultMaxPositionSize = 0.10
)

// Config defines the circuit breakers. Fractions are of equity; a zero
// limit disables that check.
type Config struct {
	MaxDrawdown     float64 `json:"maxDrawdown"`
	MaxDailyLoss    float64 `json:"maxDailyLoss"`
	MaxPositionSize float64 `json:"maxPositionSize"`
	MaxOrderQty     int64   `json:"maxOrderQty"`
	AllowShort      bool    `json:"allowShort"`
	KillSwitch      bool    `json:"killSwitch"`
	OrderRateLimit  int     `json:"orderRateLimit"`
	// OrderRateWindow is decoded from a Go duration string by ops.
	OrderRateWindow time.Duration `json:"-"`
	// Location decides where a trading day starts. Nil means UTC.
	Location *time.Location `json:"-"`
}

// DefaultConfig returns 20% max drawdown, 5% daily loss and 10% of equity
// per order.
func DefaultConfig() Config {
	return Config{
		MaxDrawdown:     defaultMaxDrawdown,
		MaxDailyLoss:    defaultMaxDailyLoss,
		MaxPositionSize: defaultMaxPositionSize,
		Location:        time.UTC,
	}
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.MaxDrawdown < 0 || c.MaxDrawdown > 1 {
		return fmt.Errorf("invalid risk config: MaxDrawdown must be within [0, 1]")
	}
	if c.MaxDailyLoss < 0 || c.MaxDailyLoss > 1 {
		return fmt.Errorf("invalid risk config: MaxDailyLoss must be within [0, 1]")
	}
	if c.MaxPositionSize < 0 {
		return fmt.Errorf("invalid risk config: MaxPositionSize must be >= 0")
	}
	if c.MaxOrderQty < 0 {
		return fmt.Errorf("invalid risk config: MaxOrderQty must be >= 0")
	}
	if c.OrderRateLimit < 0 {
		return fmt.Errorf("invalid risk config: OrderRateLimit must be >= 0")
	}
	if c.OrderRateLimit > 0 && c.OrderRateWindow <= 0 {
		return fmt.Errorf("invalid risk config: OrderRateWindow must be > 0 when OrderRateLimit is set")
	}
	return nil
}

func (c Config) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}
