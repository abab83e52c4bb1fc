package backtest

// pendingLimit is a resting limit order waiting for a bar that trades
// through its price.
type pendingLimit struct {
	orderID    uint64
	instrument string
	barsLeft   int
}
