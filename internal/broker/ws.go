// ws.go implements the broker websocket feed.
//
// One connection carries both streams the engine consumes:
//
//   - quote snapshots ("tk"/"tf" frames) for subscribed instruments,
//   - order updates ("om" frames) for the logged-in account.
//
// The feed auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to all tracked instruments on reconnection; OnOpen fires
// after every successful connect so the engine can redo its subscription
// pass. A read deadline detects silent server failures within ~2 missed
// pings. Every reconnection bumps a counter that the engine attaches to
// its error alerts.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"intraday-engine/pkg/types"
)

const (
	pingInterval     = 30 * time.Second
	readTimeout      = 75 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// Feed manages the single broker websocket connection: lifecycle,
// subscription tracking, frame parsing, and automatic reconnection.
type Feed struct {
	url     string
	userID  string
	session func() string // current session token (changes on re-login)
	cbs     Callbacks

	conn   *websocket.Conn
	connMu sync.Mutex

	// Tracked for automatic re-subscribe on reconnect.
	subMu      sync.Mutex
	subscribed map[string]bool // instrument keys "NSE|22"
	ordersSub  bool

	reconnects reconnectCounter
	logger     *slog.Logger
}

// NewFeed creates the feed. session is called at connect time so reconnects
// pick up tokens refreshed by a re-login.
func NewFeed(wsURL, userID string, session func() string, cbs Callbacks, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		userID:     userID,
		session:    session,
		cbs:        cbs,
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "ws_feed"),
	}
}

// Reconnects returns how many times the feed has reconnected.
func (f *Feed) Reconnects() int64 { return f.reconnects.load() }

// Run connects and maintains the websocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n := f.reconnects.inc()
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
			"reconnects", n,
		)
		if f.cbs.OnError != nil {
			f.cbs.OnError(err, n)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()
		conn.Close()
	}()

	// Session handshake must precede any subscription.
	if err := f.writeJSON(map[string]string{
		"t":          "c",
		"uid":        f.userID,
		"actid":      f.userID,
		"susertoken": f.session(),
		"source":     "API",
	}); err != nil {
		return fmt.Errorf("connect frame: %w", err)
	}

	if f.cbs.OnOpen != nil {
		f.cbs.OnOpen()
	}
	if err := f.resubscribe(); err != nil {
		return err
	}

	// Keepalive pinger.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(data)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteMessage(websocket.PingMessage, nil)
			}
			f.connMu.Unlock()
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

// Subscribe adds instruments to the tracked set and subscribes on the live
// connection. Safe to call before the first connect; the tracked set is
// replayed on every (re)connection.
func (f *Feed) Subscribe(instruments []types.Instrument) error {
	keys := make([]string, 0, len(instruments))
	f.subMu.Lock()
	for _, inst := range instruments {
		f.subscribed[inst.Key()] = true
		keys = append(keys, inst.Key())
	}
	f.subMu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	return f.writeJSON(map[string]string{"t": "t", "k": strings.Join(keys, "#")})
}

// SubscribeOrders registers for the account's order-update stream.
func (f *Feed) SubscribeOrders() error {
	f.subMu.Lock()
	f.ordersSub = true
	f.subMu.Unlock()
	return f.writeJSON(map[string]string{"t": "o", "actid": f.userID})
}

// Unsubscribe removes instruments from the tracked set and unsubscribes.
// A closed connection is not an error here — the flatten path unsubscribes
// whether or not the feed is still up.
func (f *Feed) Unsubscribe(instruments []types.Instrument) error {
	keys := make([]string, 0, len(instruments))
	f.subMu.Lock()
	for _, inst := range instruments {
		delete(f.subscribed, inst.Key())
		keys = append(keys, inst.Key())
	}
	f.subMu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	if err := f.writeJSON(map[string]string{"t": "u", "k": strings.Join(keys, "#")}); err != nil {
		f.logger.Debug("unsubscribe on closed feed", "error", err)
	}
	return nil
}

func (f *Feed) resubscribe() error {
	f.subMu.Lock()
	keys := make([]string, 0, len(f.subscribed))
	for k := range f.subscribed {
		keys = append(keys, k)
	}
	orders := f.ordersSub
	f.subMu.Unlock()

	if len(keys) > 0 {
		if err := f.writeJSON(map[string]string{"t": "t", "k": strings.Join(keys, "#")}); err != nil {
			return fmt.Errorf("resubscribe quotes: %w", err)
		}
	}
	if orders {
		if err := f.writeJSON(map[string]string{"t": "o", "actid": f.userID}); err != nil {
			return fmt.Errorf("resubscribe orders: %w", err)
		}
	}
	return nil
}

// wsFrame is the union of every frame shape the broker pushes. The "t" tag
// discriminates; order-update frames embed the order fields at top level.
type wsFrame struct {
	Type     string `json:"t"`
	Exchange string `json:"e"`
	Token    string `json:"tk"`
	LTP      string `json:"lp"`
	FeedTime string `json:"ft"`
}

func (f *Feed) dispatch(data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug("unparseable frame", "error", err)
		return
	}

	switch frame.Type {
	case "tk", "tf":
		// Ticks without a last price (depth-only refreshes) carry no signal
		// for the engine.
		if frame.LTP == "" {
			return
		}
		ltp, err := strconv.ParseFloat(frame.LTP, 64)
		if err != nil {
			return
		}
		ft, _ := strconv.ParseInt(frame.FeedTime, 10, 64)
		if ft == 0 {
			ft = time.Now().Unix()
		}
		if f.cbs.OnQuote != nil {
			f.cbs.OnQuote(types.QuoteTick{
				Exchange: frame.Exchange,
				Token:    frame.Token,
				LTP:      ltp,
				FeedTime: ft,
			})
		}
	case "om":
		var msg types.OrderMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Debug("unparseable order update", "error", err)
			return
		}
		if f.cbs.OnOrderUpdate != nil {
			f.cbs.OnOrderUpdate(msg)
		}
	case "ck":
		f.logger.Info("websocket session acknowledged")
	}
}
