// client.go is the Noren-style REST client for order management:
//   - Login:           POST /QuickAuth    — password + TOTP two-factor
//   - PlaceOrder:      POST /PlaceOrder
//   - ModifyOrder:     POST /ModifyOrder
//   - CancelOrder:     POST /CancelOrder
//   - CloseBracket:    POST /ExitSNOOrder — exit both bracket children at market
//   - OrderBook:       POST /OrderBook
//   - OrderHistory:    POST /SingleOrdHist
//
// Every request body is the broker's form encoding: "jData=<json>&jKey=<session>".
// Requests are paced through per-category token buckets and retried once
// after a fresh login when the broker returns nothing or an expired session.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pquerna/otp/totp"

	"intraday-engine/internal/classify"
	"intraday-engine/internal/config"
	"intraday-engine/pkg/types"
)

// scripMap patches symbols whose broker spelling differs from the entries
// file (exchange punctuation quirks).
var scripMap = map[string]string{
	"BAJAJ_AUTO-EQ": "BAJAJ-AUTO-EQ",
	"M_M-EQ":        "M&M-EQ",
}

// validOrderStatus are the statuses ProbeOrder accepts as a settled view.
var validOrderStatus = map[types.OrderStatus]bool{
	types.StatusOpen:           true,
	types.StatusTriggerPending: true,
	types.StatusComplete:       true,
	types.StatusCanceled:       true,
}

// Client is the production Gateway implementation.
type Client struct {
	http  *resty.Client
	creds config.AccountConfig
	pace  *pacer

	mu      sync.Mutex // guards session
	session string

	feed   *Feed
	wsURL  string
	logger *slog.Logger
}

// NewClient creates a REST client for one account.
func NewClient(cfg config.BrokerConfig, creds config.AccountConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.APIURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/x-www-form-urlencoded")

	return &Client{
		http:   httpClient,
		creds:  creds,
		pace:   newPacer(),
		wsURL:  cfg.WSURL,
		logger: logger.With("component", "broker"),
	}
}

// Login establishes a broker session: sha256 password plus a fresh TOTP code.
func (c *Client) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(c.creds.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("generate totp: %w", err)
	}

	pwdHash := sha256.Sum256([]byte(c.creds.Password))
	payload := map[string]string{
		"uid":        c.creds.UserID,
		"pwd":        hex.EncodeToString(pwdHash[:]),
		"factor2":    code,
		"vc":         c.creds.VendorCode,
		"appkey":     c.creds.APIKey,
		"imei":       c.creds.IMEI,
		"apkversion": "1.0.0",
		"source":     "API",
	}

	body, _ := json.Marshal(payload)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody("jData=" + string(body)).
		Post("/QuickAuth")
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("login: status %d: %s", resp.StatusCode(), resp.String())
	}

	var ack struct {
		Stat       string `json:"stat"`
		SessionTok string `json:"susertoken"`
		ErrMsg     string `json:"emsg"`
	}
	if err := json.Unmarshal(resp.Body(), &ack); err != nil {
		return fmt.Errorf("login: decode: %w", err)
	}
	if ack.Stat != "Ok" || ack.SessionTok == "" {
		return fmt.Errorf("login rejected: %s", ack.ErrMsg)
	}

	c.mu.Lock()
	c.session = ack.SessionTok
	c.mu.Unlock()
	c.logger.Info("broker login ok", "user", c.creds.UserID)
	return nil
}

func (c *Client) sessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// post sends one jData/jKey request and returns the raw body.
func (c *Client) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal: %w", endpoint, err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody("jData=" + string(body) + "&jKey=" + c.sessionToken()).
		Post(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", endpoint, resp.StatusCode(), resp.String())
	}
	return resp.Body(), nil
}

// sessionExpired sniffs the broker's expired-session error shape.
func sessionExpired(body []byte) bool {
	var e struct {
		Stat   string `json:"stat"`
		ErrMsg string `json:"emsg"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return false
	}
	return e.Stat == "Not_Ok" && strings.Contains(strings.ToLower(e.ErrMsg), "session expired")
}

// postWithRelogin is the one-shot retry decorator: a failed or expired call
// gets exactly one fresh login and one more attempt.
func (c *Client) postWithRelogin(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	body, err := c.post(ctx, endpoint, payload)
	if err == nil && len(body) > 0 && !sessionExpired(body) {
		return body, nil
	}
	c.logger.Error("broker call failed, re-login and retry", "endpoint", endpoint, "error", err)
	if lerr := c.Login(ctx); lerr != nil {
		return nil, fmt.Errorf("%s: re-login: %w", endpoint, lerr)
	}
	return c.post(ctx, endpoint, payload)
}

func (c *Client) postAck(ctx context.Context, endpoint string, payload any) (*types.OrderAck, error) {
	body, err := c.postWithRelogin(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}
	var ack types.OrderAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("%s: decode ack: %w", endpoint, err)
	}
	if ack.Stat != "Ok" {
		return &ack, fmt.Errorf("%s: broker not-ok: %s", endpoint, ack.ErrMsg)
	}
	return &ack, nil
}

// PlaceOrder submits one order. Bracket orders carry the SL and target as
// absolute ranges from the entry price.
func (c *Client) PlaceOrder(ctx context.Context, req types.PlaceOrderReq) (*types.OrderAck, error) {
	if err := c.pace.Order.Wait(ctx); err != nil {
		return nil, err
	}
	symbol := req.Symbol
	if mapped, ok := scripMap[symbol]; ok {
		symbol = mapped
	}
	payload := map[string]string{
		"uid":      c.creds.UserID,
		"actid":    c.creds.UserID,
		"trantype": string(req.Side),
		"prd":      string(req.Product),
		"exch":     req.Exchange,
		"tsym":     symbol,
		"qty":      fmt.Sprintf("%d", req.Quantity),
		"dscqty":   "0",
		"prctyp":   string(req.PriceType),
		"prc":      fmt.Sprintf("%.2f", req.Price),
		"trgprc":   fmt.Sprintf("%.2f", req.TriggerPrice),
		"ret":      req.Retention,
		"remarks":  req.Remarks,
	}
	if req.Product == types.ProductBracket {
		payload["blprc"] = fmt.Sprintf("%.2f", req.BookLossRange)
		payload["bpprc"] = fmt.Sprintf("%.2f", req.BookProfitRange)
		payload["trailprc"] = "0.00"
	}
	return c.postAck(ctx, "/PlaceOrder", payload)
}

// ModifyOrder retargets a working order.
func (c *Client) ModifyOrder(ctx context.Context, req types.ModifyOrderReq) (*types.OrderAck, error) {
	if err := c.pace.Order.Wait(ctx); err != nil {
		return nil, err
	}
	symbol := req.Symbol
	if mapped, ok := scripMap[symbol]; ok {
		symbol = mapped
	}
	payload := map[string]string{
		"uid":        c.creds.UserID,
		"norenordno": req.OrderNo,
		"exch":       req.Exchange,
		"tsym":       symbol,
		"qty":        fmt.Sprintf("%d", req.Quantity),
		"prctyp":     string(req.PriceType),
	}
	if req.PriceType != types.PriceMarket {
		payload["trgprc"] = fmt.Sprintf("%.2f", req.TriggerPrice)
	}
	return c.postAck(ctx, "/ModifyOrder", payload)
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, orderNo string) (*types.OrderAck, error) {
	if err := c.pace.Cancel.Wait(ctx); err != nil {
		return nil, err
	}
	return c.postAck(ctx, "/CancelOrder", map[string]string{
		"uid":        c.creds.UserID,
		"norenordno": orderNo,
	})
}

// CloseBracketOrder exits both children of a native bracket at market.
func (c *Client) CloseBracketOrder(ctx context.Context, orderNo string) (*types.OrderAck, error) {
	if err := c.pace.Cancel.Wait(ctx); err != nil {
		return nil, err
	}
	return c.postAck(ctx, "/ExitSNOOrder", map[string]string{
		"uid":        c.creds.UserID,
		"norenordno": orderNo,
		"prd":        string(types.ProductBracket),
	})
}

// OrderBook fetches every order of the day. A "no data" reply maps to an
// empty book, not an error.
func (c *Client) OrderBook(ctx context.Context) ([]types.OrderMsg, error) {
	body, err := c.postWithRelogin(ctx, "/OrderBook", map[string]string{"uid": c.creds.UserID})
	if err != nil {
		return nil, err
	}
	return decodeRows(body)
}

// OrderHistory fetches the revision history of one order, newest first.
func (c *Client) OrderHistory(ctx context.Context, orderNo string) ([]types.OrderMsg, error) {
	body, err := c.postWithRelogin(ctx, "/SingleOrdHist", map[string]string{
		"uid":        c.creds.UserID,
		"norenordno": orderNo,
	})
	if err != nil {
		return nil, err
	}
	return decodeRows(body)
}

func decodeRows(body []byte) ([]types.OrderMsg, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, nil
	}
	if !strings.HasPrefix(trimmed, "[") {
		// "no data" object reply
		var e struct {
			Stat   string `json:"stat"`
			ErrMsg string `json:"emsg"`
		}
		if err := json.Unmarshal(body, &e); err == nil && e.Stat == "Not_Ok" {
			return nil, nil
		}
		return nil, fmt.Errorf("decode rows: unexpected reply: %s", trimmed)
	}
	var rows []types.OrderMsg
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

// ProbeOrder settles on a terminal view of an order from its history.
// A PENDING head (or an entry leg still OPEN) is probed one extra time
// before giving up; an order with no usable history reads as REJECTED.
func (c *Client) ProbeOrder(ctx context.Context, orderNo string) (types.OrderStatus, string, float64, error) {
	hist, err := c.OrderHistory(ctx, orderNo)
	if err != nil {
		return "", "", 0, err
	}
	if len(hist) == 0 {
		return types.StatusRejected, "NA", 0, nil
	}

	for _, rec := range hist {
		if rec.Status == types.StatusRejected {
			return types.StatusRejected, rec.RejectReason, 0, nil
		}
	}

	head := hist[0]
	if head.Status == types.StatusPending ||
		(head.Status == types.StatusOpen && classify.Leg(head) == types.LegEntry) {
		c.logger.Warn("order still pending, probing again", "order_no", orderNo)
		hist, err = c.OrderHistory(ctx, orderNo)
		if err != nil {
			return "", "", 0, err
		}
		if len(hist) == 0 {
			return types.StatusRejected, "NA", 0, nil
		}
	}

	for _, rec := range hist {
		if validOrderStatus[rec.Status] {
			return rec.Status, "NA", rec.AvgPriceF(), nil
		}
	}
	return types.StatusRejected, "NA", 0, nil
}

// IsSLUpdateRejected reports whether the latest modify of an SL order was
// rejected by the broker.
func (c *Client) IsSLUpdateRejected(ctx context.Context, orderNo string) (bool, string, error) {
	hist, err := c.OrderHistory(ctx, orderNo)
	if err != nil {
		return false, "", err
	}
	if len(hist) == 0 {
		return false, "", nil
	}
	if hist[0].Status == types.StatusRejected {
		return true, hist[0].RejectReason, nil
	}
	return false, "", nil
}

// StartWebsocket opens the feed and begins dispatching callbacks. The feed
// authenticates with the current session token and reconnects on its own.
func (c *Client) StartWebsocket(ctx context.Context, cbs Callbacks) error {
	c.feed = NewFeed(c.wsURL, c.creds.UserID, c.sessionToken, cbs, c.logger)
	go func() {
		if err := c.feed.Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("websocket feed stopped", "error", err)
		}
	}()
	return nil
}

// Subscribe registers quote-snapshot subscriptions for the instrument set.
func (c *Client) Subscribe(instruments []types.Instrument) error {
	if c.feed == nil {
		return fmt.Errorf("websocket not started")
	}
	return c.feed.Subscribe(instruments)
}

// SubscribeOrders registers for the account's order-update stream.
func (c *Client) SubscribeOrders() error {
	if c.feed == nil {
		return fmt.Errorf("websocket not started")
	}
	return c.feed.SubscribeOrders()
}

// Unsubscribe drops the instrument subscriptions.
func (c *Client) Unsubscribe(instruments []types.Instrument) error {
	if c.feed == nil {
		return nil
	}
	return c.feed.Unsubscribe(instruments)
}

// Reconnects returns the feed's reconnection count, 0 before the feed opens.
func (c *Client) Reconnects() int64 {
	if c.feed == nil {
		return 0
	}
	return c.feed.Reconnects()
}

var _ Gateway = (*Client)(nil)

// reconnectCounter is shared by Feed; kept here so the zero value is usable.
type reconnectCounter struct{ n atomic.Int64 }

func (r *reconnectCounter) inc() int64  { return r.n.Add(1) }
func (r *reconnectCounter) load() int64 { return r.n.Load() }
