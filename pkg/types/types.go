// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order enums, broker
// wire messages, quote ticks, and the instrument subscription key. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"strconv"
	"strings"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the broker's order direction code.
type Side string

const (
	Buy  Side = "B"
	Sell Side = "S"
)

// SideForSignal maps a prediction signal (+1 buy, -1 sell) to an order side.
func SideForSignal(signal int) Side {
	if signal == 1 {
		return Buy
	}
	return Sell
}

// Opposite returns the covering side: the SL and target legs of a buy entry
// are sells, and vice versa.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ProductType selects the broker product for an order.
type ProductType string

const (
	ProductIntraday ProductType = "I" // plain intraday (MIS) order
	ProductBracket  ProductType = "B" // native bracket: entry + SL child + target child
)

// PriceType is the broker's execution price mode.
type PriceType string

const (
	PriceMarket   PriceType = "MKT"
	PriceLimit    PriceType = "LMT"
	PriceSLMarket PriceType = "SL-MKT" // stop-loss that converts to market on trigger
)

// LegType identifies which leg of a position an order belongs to.
// The values double as the remarks-tag prefix set at placement.
type LegType string

const (
	LegEntry   LegType = "ENTRY_LEG"
	LegSL      LegType = "SL_LEG"
	LegTarget  LegType = "TARGET_LEG"
	LegUnknown LegType = "UNKNOWN"
)

// OrderStatus is the broker's native order status.
type OrderStatus string

const (
	StatusOpen           OrderStatus = "OPEN"
	StatusTriggerPending OrderStatus = "TRIGGER_PENDING"
	StatusComplete       OrderStatus = "COMPLETE"
	StatusCanceled       OrderStatus = "CANCELED"
	StatusRejected       OrderStatus = "REJECTED"
	StatusPending        OrderStatus = "PENDING"

	// StatusInvalid is engine-assigned, never seen on the wire: the entry was
	// gated out because the predicted move had already played out.
	StatusInvalid OrderStatus = "INVALID"
)

// LogicalStatus is the engine's interpretation of (leg, native status).
type LogicalStatus string

const (
	EntryFilled LogicalStatus = "ENTRY-FILLED"
	SLHit       LogicalStatus = "SL-HIT"
	TargetHit   LogicalStatus = "TARGET-HIT"
	SLArmed     LogicalStatus = "SL-ARMED"
	TargetArmed LogicalStatus = "TARGET-ARMED"
	Rejected    LogicalStatus = "REJECTED"
	Canceled    LogicalStatus = "CANCELED"
	Ignored     LogicalStatus = "IGNORED"
)

// ————————————————————————————————————————————————————————————————————————
// Instruments
// ————————————————————————————————————————————————————————————————————————

// Instrument is the broker's market-data subscription key.
type Instrument struct {
	Exchange string
	Token    string
}

// Key renders the subscription handle, e.g. "NSE|22".
func (i Instrument) Key() string {
	return i.Exchange + "|" + i.Token
}

// ————————————————————————————————————————————————————————————————————————
// Wire messages
// ————————————————————————————————————————————————————————————————————————

// QuoteTick is one market-data tick from the websocket feed.
type QuoteTick struct {
	Exchange string
	Token    string
	LTP      float64 // last traded price
	FeedTime int64   // exchange feed time, epoch seconds
}

// OrderMsg is a broker order record — both the order-book rows returned by
// the REST API and the live order-update events pushed over the websocket
// share this shape. Numeric fields arrive as strings on the wire; use the
// *F accessors to read them.
type OrderMsg struct {
	OrderNo      string      `json:"norenordno"`
	Status       OrderStatus `json:"status"`
	Remarks      string      `json:"remarks"`
	Product      ProductType `json:"prd"`
	Exchange     string      `json:"exch"`
	Symbol       string      `json:"tsym"`
	Price        string      `json:"prc"`     // limit price
	AvgPrice     string      `json:"avgprc"`  // fill price
	TriggerPrice string      `json:"trgprc"`  // SL trigger price
	Quantity     string      `json:"qty"`
	RejectReason string      `json:"rejreason"`
	EntryTime    string      `json:"ordenttm"` // order-book rows: epoch seconds
	ExchTime     string      `json:"exch_tm"`  // updates: "02-01-2006 15:04:05"

	// Native bracket parent/child scheme. SnoNum links a child to its parent
	// order; SnoOrdType distinguishes the SL child ("1") from the target.
	SnoNum     string `json:"snonum"`
	SnoOrdType string `json:"snoordt"`
	ChildID    string `json:"kidid"`
}

// PriceF returns the limit price, 0 when absent.
func (m OrderMsg) PriceF() float64 { return parseF(m.Price) }

// AvgPriceF returns the fill price, 0 when absent.
func (m OrderMsg) AvgPriceF() float64 { return parseF(m.AvgPrice) }

// TriggerPriceF returns the SL trigger price, 0 when absent.
func (m OrderMsg) TriggerPriceF() float64 { return parseF(m.TriggerPrice) }

// ChildCount returns the broker's child-revision counter for an SL leg,
// 0 when absent. Used to rehydrate the trailing-update count at load.
func (m OrderMsg) ChildCount() int {
	n, err := strconv.Atoi(strings.TrimSpace(m.ChildID))
	if err != nil {
		return 0
	}
	return n
}

func parseF(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// OrderAck is the broker's response to place/modify/cancel calls.
type OrderAck struct {
	RequestTime string `json:"request_time"`
	Stat        string `json:"stat"`
	OrderNo     string `json:"norenordno"`
	Result      string `json:"result"`
	ErrMsg      string `json:"emsg"`
}

// OK reports whether the broker accepted the request.
func (a *OrderAck) OK() bool {
	return a != nil && a.Stat == "Ok"
}

// PlaceOrderReq carries everything needed to place one order.
// BookLossRange/BookProfitRange are only meaningful for ProductBracket and
// are expressed as absolute distances from the entry price.
type PlaceOrderReq struct {
	Side            Side
	Product         ProductType
	Exchange        string
	Symbol          string
	Quantity        int
	PriceType       PriceType
	Price           float64
	TriggerPrice    float64
	Retention       string // "DAY"
	Remarks         string
	BookLossRange   float64
	BookProfitRange float64
}

// ModifyOrderReq retargets a working order — used for trailing-SL updates
// (new trigger) and for the end-of-day flatten (SL-MKT → MKT).
type ModifyOrderReq struct {
	OrderNo      string
	Exchange     string
	Symbol       string
	Quantity     int
	PriceType    PriceType
	TriggerPrice float64 // ignored for PriceMarket
}
