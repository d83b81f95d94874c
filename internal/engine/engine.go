// Package engine is the core of the execution system: a single-writer event
// loop that turns day-start predictions into broker bracket orders and walks
// each position through its lifecycle (entry → SL + target → one hit, one
// cancelled) as quotes and order updates stream in.
//
// Concurrency model: the websocket callbacks and the wall-clock scheduler
// are producers onto one unbounded FIFO; the Run loop is the only goroutine
// that ever mutates the position table. Broker calls happen on the writer
// and backpressure event processing — per-account event rates are tens per
// second at peak, and the serial lifecycle is the simpler invariant.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"intraday-engine/internal/broker"
	"intraday-engine/internal/classify"
	"intraday-engine/internal/notify"
	"intraday-engine/internal/position"
	"intraday-engine/internal/risk"
	"intraday-engine/internal/store"
	"intraday-engine/pkg/types"
)

// Engine owns the position table for the trading session.
type Engine struct {
	acct     string
	date     string
	gw       broker.Gateway
	table    *position.Table
	store    *store.Store
	notifier notify.Notifier
	loc      *time.Location
	logger   *slog.Logger

	q *queue
}

// New wires an engine around a loaded position table.
func New(acct, date string, gw broker.Gateway, table *position.Table, st *store.Store,
	notifier notify.Notifier, loc *time.Location, logger *slog.Logger) *Engine {
	return &Engine{
		acct:     acct,
		date:     date,
		gw:       gw,
		table:    table,
		store:    st,
		notifier: notifier,
		loc:      loc,
		logger:   logger.With("component", "engine"),
		q:        newQueue(),
	}
}

// Table exposes the position table for the post-session reconciler.
func (e *Engine) Table() *position.Table { return e.table }

// Callbacks returns the four producer entry points handed to the websocket.
// Each one only enqueues; all processing happens on the writer.
func (e *Engine) Callbacks() broker.Callbacks {
	return broker.Callbacks{
		OnQuote: func(tick types.QuoteTick) {
			e.q.push(event{kind: evQuote, quote: tick})
		},
		OnOpen: func() {
			e.q.push(event{kind: evOpen})
		},
		OnError: func(err error, reconnects int64) {
			e.q.push(event{kind: evSocketErr, err: err, reconnects: reconnects})
		},
		OnOrderUpdate: func(msg types.OrderMsg) {
			e.q.push(event{kind: evOrderUpdate, order: msg})
		},
	}
}

// EnqueueAlert schedules the 09:30 summary snapshot through the queue so it
// is ordered against market events.
func (e *Engine) EnqueueAlert() { e.q.push(event{kind: evAlert}) }

// EnqueueFlatten schedules the end-of-day flatten. No tick enqueued after it
// will ever be processed: Run drains in FIFO order and stops at the flatten.
func (e *Engine) EnqueueFlatten() { e.q.push(event{kind: evFlatten}) }

// Run drains the queue until the flatten control message is processed or ctx
// is cancelled. On return the table is frozen.
func (e *Engine) Run(ctx context.Context) error {
	for {
		ev, err := e.q.pop(ctx)
		if err != nil {
			return err
		}
		switch ev.kind {
		case evQuote:
			e.onQuote(ctx, ev.quote)
		case evOrderUpdate:
			e.onOrderUpdate(ctx, ev.order)
		case evOpen:
			e.onOpen()
		case evSocketErr:
			e.onSocketError(ev.err, ev.reconnects)
		case evAlert:
			e.onAlert(ctx)
		case evFlatten:
			e.flatten(ctx)
			return nil
		}
	}
}

// onQuote drives the two quote-side decisions: first-favourable-tick entry
// placement, and trailing-SL re-anchoring.
func (e *Engine) onQuote(ctx context.Context, tick types.QuoteTick) {
	for _, p := range e.table.ByToken(tick.Token) {
		if p.Active != position.ActiveYes {
			continue
		}

		if p.EntryOrderID == "" {
			strength := risk.SignalStrength(p.Signal, p.Target, tick.LTP)
			p.Strength = strength
			p.StrengthSet = true
			if strength > 0 {
				e.placeBracket(ctx, p, tick)
			} else {
				// Predicted move already played out before we saw a tick.
				p.Active = position.ActiveNo
				p.EntryStatus = types.StatusInvalid
				e.logger.Info("entry gated out",
					"index", p.Index, "scrip", p.Scrip, "strength", strength, "ltp", tick.LTP)
			}
			continue
		}

		if p.SLOrderID != "" {
			e.trailSL(ctx, p, tick.LTP)
		}
	}
}

// placeBracket submits the native bracket: market entry with SL and target
// children expressed as ranges from entry. The placeholder id blocks
// duplicate placement on every subsequent tick — including after a failed
// call, which stays blocked until the day's snapshot is corrected manually.
func (e *Engine) placeBracket(ctx context.Context, p *position.Position, tick types.QuoteTick) {
	p.EntryOrderID = position.PlaceholderOrderID

	side := p.Side()
	slPrice := risk.CalcSL(tick.LTP, p.Signal, p.SLPct, p.Tick)
	target := risk.RoundPrice(risk.CalcTarget(p.Target, tick.LTP, side, p.Strength), p.Tick)

	ack, err := e.gw.PlaceOrder(ctx, types.PlaceOrderReq{
		Side:            side,
		Product:         types.ProductBracket,
		Exchange:        p.Exchange,
		Symbol:          p.Symbol,
		Quantity:        p.Quantity,
		PriceType:       types.PriceMarket,
		Retention:       "DAY",
		Remarks:         p.Remarks(types.LegEntry),
		BookLossRange:   math.Abs(tick.LTP - slPrice),
		BookProfitRange: math.Abs(tick.LTP - target),
	})
	if err != nil || !ack.OK() {
		e.logger.Error("bracket placement failed",
			"index", p.Index, "scrip", p.Scrip, "error", err)
		return
	}
	e.logger.Info("bracket placed",
		"index", p.Index, "scrip", p.Scrip, "order_no", ack.OrderNo,
		"ltp", tick.LTP, "sl", slPrice, "target", target)

	// The broker can reject asynchronously right after the ack; probe once
	// so an immediate rejection deactivates the row without waiting for the
	// update stream.
	status, reason, _, err := e.gw.ProbeOrder(ctx, ack.OrderNo)
	if err != nil {
		e.logger.Error("entry probe failed", "index", p.Index, "order_no", ack.OrderNo, "error", err)
		return
	}
	if status == types.StatusRejected {
		p.EntryStatus = types.StatusRejected
		p.Active = position.ActiveNo
		e.logger.Error("entry rejected", "index", p.Index, "scrip", p.Scrip, "reason", reason)
		e.notifier.Alert("Entry rejected", fmt.Sprintf("%s [%d]: %s", p.Scrip, p.Index, reason))
	}
	// Real ids, fills and child legs arrive via order updates.
}

// trailSL re-anchors the stop when price has moved favourably past the
// (sl + trail) threshold. The local SL price is set optimistically; the
// authoritative value is reconciled when the TRIGGER_PENDING update for the
// modify comes back.
func (e *Engine) trailSL(ctx context.Context, p *position.Position, ltp float64) {
	newSL, ok := risk.TrailSL(ltp, p.SLPrice, p.Signal, p.SLPct, p.TrailSLPct, p.Tick)
	if !ok {
		return
	}
	ack, err := e.gw.ModifyOrder(ctx, types.ModifyOrderReq{
		OrderNo:      p.SLOrderID,
		Exchange:     p.Exchange,
		Symbol:       p.Symbol,
		Quantity:     p.Quantity,
		PriceType:    types.PriceSLMarket,
		TriggerPrice: newSL,
	})
	if err != nil || !ack.OK() {
		e.logger.Error("SL modify failed",
			"index", p.Index, "order_no", p.SLOrderID, "new_sl", newSL, "error", err)
		return
	}
	e.logger.Info("SL trailed",
		"index", p.Index, "scrip", p.Scrip, "old_sl", p.SLPrice, "new_sl", newSL, "ltp", ltp)
	p.SLPrice = newSL
}

// onOrderUpdate applies one broker event to its position row. All mutations
// are idempotent under repeated delivery of the same terminal event.
func (e *Engine) onOrderUpdate(ctx context.Context, msg types.OrderMsg) {
	if e.table.Frozen() {
		return
	}
	leg := classify.Leg(msg)
	if leg == types.LegUnknown {
		e.logger.Debug("order update without correlation tag, skipped", "order_no", msg.OrderNo)
		return
	}

	p := e.locate(msg)
	if p == nil {
		e.logger.Warn("order update for unknown position",
			"order_no", msg.OrderNo, "remarks", msg.Remarks)
		return
	}
	ts := classify.EventEpoch(msg, e.loc)

	switch classify.Logical(leg, msg.Status) {
	case types.EntryFilled:
		p.EntryOrderID = msg.OrderNo
		p.EntryStatus = types.StatusComplete
		if price := msg.AvgPriceF(); price > 0 {
			p.EntryPrice = price
		}
		if p.EntryTS == 0 {
			p.EntryTS = ts
		}
		e.logger.Info("entry filled", "index", p.Index, "scrip", p.Scrip, "price", p.EntryPrice)

	case types.SLHit:
		// Tie-break: if the target already won, the row is inactive and the
		// late SL completion is observed but ignored.
		if !p.Working() {
			e.logger.Info("SL completion on closed row, ignored", "index", p.Index)
			return
		}
		p.SLOrderID = msg.OrderNo
		p.SLStatus = types.StatusComplete
		if price := msg.AvgPriceF(); price > 0 {
			p.SLPrice = price
		}
		p.SLTS = ts
		p.Active = position.ActiveNo
		e.logger.Info("SL hit", "index", p.Index, "scrip", p.Scrip, "price", p.SLPrice)
		e.cancelContra(ctx, p, types.LegTarget, ts)

	case types.TargetHit:
		if !p.Working() {
			e.logger.Info("target completion on closed row, ignored", "index", p.Index)
			return
		}
		p.TargetOrderID = msg.OrderNo
		p.TargetStatus = types.StatusComplete
		if price := msg.AvgPriceF(); price > 0 {
			p.TargetPrice = price
		}
		p.TargetTS = ts
		p.Active = position.ActiveNo
		e.logger.Info("target hit", "index", p.Index, "scrip", p.Scrip, "price", p.TargetPrice)
		e.cancelContra(ctx, p, types.LegSL, ts)

	case types.SLArmed:
		if !p.Working() {
			return
		}
		p.SLOrderID = msg.OrderNo
		p.SLStatus = types.StatusTriggerPending
		if trg := msg.TriggerPriceF(); trg > 0 {
			p.SLPrice = trg
		}
		p.SLTS = ts
		p.SLUpdateCnt++
		e.probeSLModify(ctx, p, msg.OrderNo)

	case types.TargetArmed:
		if !p.Working() {
			return
		}
		p.TargetOrderID = msg.OrderNo
		p.TargetStatus = types.StatusOpen
		if price := msg.PriceF(); price > 0 {
			p.TargetPrice = price
		}
		p.TargetTS = ts

	case types.Rejected:
		if leg == types.LegEntry {
			p.EntryStatus = types.StatusRejected
			p.Active = position.ActiveNo
			e.logger.Error("entry rejected",
				"index", p.Index, "scrip", p.Scrip, "reason", msg.RejectReason)
		} else {
			e.logger.Error("child leg rejected",
				"index", p.Index, "leg", leg, "reason", msg.RejectReason)
		}

	case types.Canceled:
		// Cancel acks for legs we cancelled ourselves; harmless if repeated.
		switch leg {
		case types.LegSL:
			p.SLStatus = types.StatusCanceled
			if p.SLTS == 0 {
				p.SLTS = ts
			}
		case types.LegTarget:
			p.TargetStatus = types.StatusCanceled
			if p.TargetTS == 0 {
				p.TargetTS = ts
			}
		}
	}
}

// locate resolves the position row for a broker message: by the remarks
// index when the tag is present, by order id otherwise (native bracket
// children on the parent-id path).
func (e *Engine) locate(msg types.OrderMsg) *position.Position {
	if idx, ok := classify.Index(msg); ok {
		if p := e.table.Get(idx); p != nil {
			return p
		}
	}
	p, _ := e.table.FindByOrderID(msg.OrderNo)
	if p == nil && msg.SnoNum != "" {
		p, _ = e.table.FindByOrderID(msg.SnoNum)
	}
	return p
}

// probeSLModify checks order history for a rejected trailing-SL modify.
// A rejected modify leaves the position exposed with a stale stop: mark it
// S so flatten force-exits it, and alert the operator immediately.
func (e *Engine) probeSLModify(ctx context.Context, p *position.Position, orderNo string) {
	rejected, reason, err := e.gw.IsSLUpdateRejected(ctx, orderNo)
	if err != nil {
		e.logger.Error("SL modify probe failed", "index", p.Index, "order_no", orderNo, "error", err)
		return
	}
	if rejected {
		p.Active = position.ActiveSuspended
		e.logger.Error("SL modify rejected", "index", p.Index, "scrip", p.Scrip, "reason", reason)
		e.notifier.Alert("SL update rejected",
			fmt.Sprintf("%s [%d]: %s — position exposed until cutoff", p.Scrip, p.Index, reason))
	}
}

// cancelContra cancels the surviving child leg after the other hit.
func (e *Engine) cancelContra(ctx context.Context, p *position.Position, leg types.LegType, ts int64) {
	var orderNo string
	if leg == types.LegTarget {
		orderNo = p.TargetOrderID
	} else {
		orderNo = p.SLOrderID
	}
	if orderNo == "" {
		return
	}
	ack, err := e.gw.CancelOrder(ctx, orderNo)
	if err != nil || !ack.OK() {
		e.logger.Error("contra cancel failed",
			"index", p.Index, "leg", leg, "order_no", orderNo, "error", err)
		return
	}
	if leg == types.LegTarget {
		p.TargetStatus = types.StatusCanceled
		p.TargetTS = ts
	} else {
		p.SLStatus = types.StatusCanceled
		p.SLTS = ts
	}
}

// onOpen recomputes the subscription set from the table and subscribes to
// quote snapshots and order updates. Fires on every (re)connect.
func (e *Engine) onOpen() {
	instruments := e.table.Instruments()
	if err := e.gw.Subscribe(instruments); err != nil {
		e.logger.Error("subscribe failed", "error", err)
	}
	if err := e.gw.SubscribeOrders(); err != nil {
		e.logger.Error("order subscribe failed", "error", err)
	}
	keys := make([]string, len(instruments))
	for i, inst := range instruments {
		keys[i] = inst.Key()
	}
	e.logger.Info("subscribed", "instruments", keys)
}

// onSocketError alerts with the reconnect counter and drops subscriptions;
// the feed reconnects on its own and onOpen re-subscribes. The position
// table is untouched.
func (e *Engine) onSocketError(err error, reconnects int64) {
	e.logger.Error("websocket error", "error", err, "reconnects", reconnects)
	e.notifier.Alert("Websocket error",
		fmt.Sprintf("%v (reconnect #%d)", err, reconnects))
	if uerr := e.gw.Unsubscribe(e.table.Instruments()); uerr != nil {
		e.logger.Debug("unsubscribe after socket error", "error", uerr)
	}
}

// onAlert is the 09:30 control message: snapshot the post-BOD params and
// send the morning summary.
func (e *Engine) onAlert(ctx context.Context) {
	snapshot := e.table.Snapshot()
	if err := e.store.SaveParams(ctx, e.acct, e.date, "POST_BOD", snapshot); err != nil {
		e.logger.Error("post-BOD snapshot failed", "error", err)
	}
	e.notifier.AlertTable("BOD params", snapshot)
}

// flatten is the 15:15 cutoff: unsubscribe, force-exit every working row by
// converting its SL child to a market order and cancelling its target, then
// freeze the table. Suspended (S) rows are live exposure and are closed the
// same way.
func (e *Engine) flatten(ctx context.Context) {
	e.logger.Info("flatten start", "active", e.table.ActiveCount(), "queued", e.q.depth())
	if err := e.gw.Unsubscribe(e.table.Instruments()); err != nil {
		e.logger.Debug("unsubscribe at flatten", "error", err)
	}

	now := time.Now().In(e.loc).Unix()
	for _, p := range e.table.Rows() {
		if !p.Working() {
			continue
		}
		if p.EntryTS == 0 {
			// Never filled — nothing at the broker to unwind.
			p.Active = position.ActiveNo
			continue
		}
		if p.SLOrderID == "" {
			// Entry filled but the children have not armed yet: there is no
			// SL order to convert, so exit the bracket through the parent.
			if p.EntryOrderID != "" && p.EntryOrderID != position.PlaceholderOrderID {
				if ack, err := e.gw.CloseBracketOrder(ctx, p.EntryOrderID); err != nil || !ack.OK() {
					e.logger.Error("flatten: bracket exit failed",
						"index", p.Index, "order_no", p.EntryOrderID, "error", err)
				}
			}
			p.Active = position.ActiveNo
			e.logger.Info("flattened", "index", p.Index, "scrip", p.Scrip)
			continue
		}

		ack, err := e.gw.ModifyOrder(ctx, types.ModifyOrderReq{
			OrderNo:   p.SLOrderID,
			Exchange:  p.Exchange,
			Symbol:    p.Symbol,
			Quantity:  p.Quantity,
			PriceType: types.PriceMarket,
		})
		if err != nil || !ack.OK() {
			e.logger.Error("flatten: SL-to-market failed, exiting bracket directly",
				"index", p.Index, "order_no", p.SLOrderID, "error", err)
			if p.EntryOrderID != "" && p.EntryOrderID != position.PlaceholderOrderID {
				if ack, err := e.gw.CloseBracketOrder(ctx, p.EntryOrderID); err != nil || !ack.OK() {
					e.logger.Error("flatten: bracket exit failed",
						"index", p.Index, "order_no", p.EntryOrderID, "error", err)
				}
			}
		}

		if p.TargetOrderID != "" {
			if ack, err := e.gw.CancelOrder(ctx, p.TargetOrderID); err != nil || !ack.OK() {
				e.logger.Error("flatten: target cancel failed",
					"index", p.Index, "order_no", p.TargetOrderID, "error", err)
			}
		}
		p.TargetStatus = types.StatusCanceled
		p.TargetTS = now
		p.Active = position.ActiveNo
		e.logger.Info("flattened", "index", p.Index, "scrip", p.Scrip)
	}

	e.table.Freeze()
	e.logger.Info("flatten complete")
}
