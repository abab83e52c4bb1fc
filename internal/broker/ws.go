package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"tradecore/internal/schema"
)

// WSFeed streams trades from a Binance-compatible WebSocket endpoint.
type WSFeed struct {
	url string
}

// NewWSFeed creates a feed against url.
func NewWSFeed(url string) *WSFeed {
	return &WSFeed{url: url}
}

type wsSubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type wsSubscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

// wsTrade is one message of the "<symbol>@trade" stream.
type wsTrade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func (t wsTrade) update(received time.Time) (PriceUpdate, error) {
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return PriceUpdate{}, errors.Wrap(err, "parse trade price").With("price", t.Price)
	}
	qty, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return PriceUpdate{}, errors.Wrap(err, "parse trade quantity").With("qty", t.Quantity)
	}
	ts := time.UnixMilli(t.TradeTime).UTC()
	return PriceUpdate{
		Bar:        schema.TickBar(t.Symbol, ts, price.InexactFloat64(), qty.InexactFloat64()),
		ReceivedAt: received,
	}, nil
}

// Run subscribes to the trade stream of every instrument and emits each
// trade until ctx is done, the process shuts down or the socket closes.
func (f *WSFeed) Run(ctx context.Context, instruments []string, emit func(PriceUpdate)) error {
	if len(instruments) == 0 {
		return errors.New("ws feed requires instruments")
	}
	wss := ws.New(ctx, f.url)
	defer wss.Close()

	if err := wss.Start(ctx); err != nil {
		return fmt.Errorf("%w: start wss: %v", ErrConnection, err)
	}

	params := make([]string, len(instruments))
	for i, instrument := range instruments {
		params[i] = fmt.Sprintf("%s@trade", strings.ToLower(instrument))
	}

	if err := wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, conn *ws.WebSocket) error {
			payload := wsSubscribeRequest{Method: "SUBSCRIBE", Params: params, ID: 1}
			if err := conn.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var resp wsSubscribeResponse
			if err := m.Unmarshal(&resp); err != nil || resp.ID != 1 {
				return false, nil
			}
			if resp.Result != nil {
				return false, errors.Errorf("subscribe and wait, err: %+v", resp.Result)
			}
			return true, nil
		},
	}, true); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	ch, cancel := wss.Subscribe()
	defer cancel()
	for {
		select {
		case <-sys.Shutdown():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				logs.Info("close websocket. reason: channel closed")
				return nil
			}
			trade, ok := ws.ReadMessage[wsTrade](m)
			if !ok || trade.EventType != "trade" {
				continue
			}
			update, err := trade.update(time.Now().UTC())
			if err != nil {
				logs.Warnf("drop trade: %+v", err)
				continue
			}
			emit(update)
		}
	}
}
