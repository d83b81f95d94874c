// Package broker implements the engine's only coupling to the trading
// vendor: a Noren-style REST client for order management and a websocket
// feed for quotes and order updates.
//
// Transient-failure policy lives here, not at call sites: any nil/expired
// response triggers exactly one re-login and one retry. Callers receive a
// nil ack plus an error when the retry also fails, and the engine logs and
// leaves the affected row in its pre-call state.
package broker

import (
	"context"

	"intraday-engine/pkg/types"
)

// Callbacks are the four engine entry points driven by the websocket feed.
// The feed invokes them from its read goroutine; the engine serializes them
// onto its single-writer queue.
type Callbacks struct {
	OnQuote       func(types.QuoteTick)
	OnOpen        func()
	OnError       func(err error, reconnects int64)
	OnOrderUpdate func(types.OrderMsg)
}

// Gateway is the narrow broker contract the engine consumes. The production
// implementation is *Client; tests substitute fakes.
type Gateway interface {
	// Login establishes a broker session. Fails hard on bad credentials.
	Login(ctx context.Context) error

	PlaceOrder(ctx context.Context, req types.PlaceOrderReq) (*types.OrderAck, error)
	ModifyOrder(ctx context.Context, req types.ModifyOrderReq) (*types.OrderAck, error)
	CancelOrder(ctx context.Context, orderNo string) (*types.OrderAck, error)

	// CloseBracketOrder exits both children of a native bracket at market.
	CloseBracketOrder(ctx context.Context, orderNo string) (*types.OrderAck, error)

	OrderBook(ctx context.Context) ([]types.OrderMsg, error)
	OrderHistory(ctx context.Context, orderNo string) ([]types.OrderMsg, error)

	// ProbeOrder inspects an order's history and settles on a terminal view:
	// native status, rejection reason ("NA" when none), and fill price.
	ProbeOrder(ctx context.Context, orderNo string) (types.OrderStatus, string, float64, error)

	// IsSLUpdateRejected reports whether the latest modify of an SL order
	// was rejected, with the broker's reason.
	IsSLUpdateRejected(ctx context.Context, orderNo string) (bool, string, error)

	// StartWebsocket opens the feed and begins dispatching the callbacks.
	// It returns once the feed goroutine is running; the feed reconnects on
	// its own until ctx is cancelled.
	StartWebsocket(ctx context.Context, cbs Callbacks) error

	Subscribe(instruments []types.Instrument) error
	SubscribeOrders() error
	Unsubscribe(instruments []types.Instrument) error

	// Reconnects returns the number of websocket reconnections so far.
	Reconnects() int64
}
