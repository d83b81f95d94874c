// Package cob is the close-of-business reconciler. After the session (or on
// demand for any past date) it persists the final position snapshot, derives
// the day's executed trades from the broker fills, replays every entered
// position against recorded one-minute candles, and reports realized versus
// idealized P&L.
package cob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"intraday-engine/internal/backtest"
	"intraday-engine/internal/broker"
	"intraday-engine/internal/classify"
	"intraday-engine/internal/notify"
	"intraday-engine/internal/position"
	"intraday-engine/internal/risk"
	"intraday-engine/internal/store"
	"intraday-engine/pkg/types"
)

// Reconciler runs the end-of-day bookkeeping for one account and date.
type Reconciler struct {
	Account     string
	Date        string // YYYY-MM-DD
	Gateway     broker.Gateway
	Store       *store.Store
	Notifier    notify.Notifier
	TickDataDir string
	CutoffTS    int64 // epoch of the day's flatten time
	Loc         *time.Location
	Logger      *slog.Logger
}

// Run reconciles the day from a final position snapshot. The snapshot's leg
// statuses can be stale — the flatten freezes the table before the last
// fills stream in — so the broker's final order book is fetched first and
// its official fills joined back onto the rows by order id.
func (r *Reconciler) Run(ctx context.Context, rows []position.Position) error {
	log := r.Logger.With("component", "cob")

	rows = r.applyFinalBook(ctx, rows, log)

	if err := r.Store.SaveParams(ctx, r.Account, r.Date, "EOD", rows); err != nil {
		return fmt.Errorf("cob: persist EOD snapshot: %w", err)
	}

	brokerTrades := r.brokerTrades(rows, log)
	if err := r.Store.SaveTrades(ctx, r.Account, r.Date, "BROKER", brokerTrades); err != nil {
		return fmt.Errorf("cob: persist broker trades: %w", err)
	}

	btTrades, btMTM := r.backtestTrades(rows, log)
	if err := r.Store.SaveTrades(ctx, r.Account, r.Date, "BACKTEST", btTrades); err != nil {
		return fmt.Errorf("cob: persist backtest trades: %w", err)
	}
	if err := r.Store.SaveMTM(ctx, r.Account, r.Date, "BACKTEST", btMTM); err != nil {
		return fmt.Errorf("cob: persist backtest mtm: %w", err)
	}

	r.Notifier.AlertTable("EOD params "+r.Date, rows)
	r.Notifier.Alert("CoB "+r.Date, r.summary(brokerTrades, btTrades))
	log.Info("reconciliation complete",
		"broker_trades", len(brokerTrades), "backtest_trades", len(btTrades))
	return nil
}

// RowsFromStore recovers the day's final snapshot for a standalone run,
// preferring the latest tag written.
func (r *Reconciler) RowsFromStore(ctx context.Context) ([]position.Position, error) {
	for _, tag := range []string{"EOD", "POST_BOD", "BOD"} {
		rows, err := r.Store.LoadParams(ctx, r.Account, r.Date, tag)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return rows, nil
		}
	}
	return nil, fmt.Errorf("cob: no snapshot stored for %s %s", r.Account, r.Date)
}

// applyFinalBook overlays each leg's terminal status and official fill price
// from the broker's end-of-day order book. A fetch failure degrades to the
// snapshot as frozen; it never fails the run.
func (r *Reconciler) applyFinalBook(ctx context.Context, rows []position.Position, log *slog.Logger) []position.Position {
	book, err := r.Gateway.OrderBook(ctx)
	if err != nil {
		log.Error("final order book fetch failed, using frozen snapshot", "error", err)
		return rows
	}
	byID := make(map[string]types.OrderMsg, len(book))
	for _, m := range book {
		if m.OrderNo != "" {
			byID[m.OrderNo] = m
		}
	}
	for i := range rows {
		p := &rows[i]
		r.overlayLeg(byID, p.EntryOrderID, &p.EntryStatus, &p.EntryPrice, &p.EntryTS)
		r.overlayLeg(byID, p.SLOrderID, &p.SLStatus, &p.SLPrice, &p.SLTS)
		r.overlayLeg(byID, p.TargetOrderID, &p.TargetStatus, &p.TargetPrice, &p.TargetTS)
	}
	return rows
}

// overlayLeg reconciles one leg with its order-book row. A completed order
// always wins — the flatten's SL-to-market fill lands after the table froze —
// while a canceled or rejected book status never downgrades a recorded fill.
func (r *Reconciler) overlayLeg(book map[string]types.OrderMsg, orderNo string,
	status *types.OrderStatus, price *float64, ts *int64) {
	m, ok := book[orderNo]
	if !ok {
		return
	}
	switch m.Status {
	case types.StatusComplete:
		*status = types.StatusComplete
		if v := m.AvgPriceF(); v > 0 {
			*price = v
		}
		if *ts == 0 {
			*ts = classify.EventEpoch(m, r.Loc)
		}
	case types.StatusCanceled, types.StatusRejected:
		if *status != types.StatusComplete {
			*status = m.Status
		}
	}
}

// brokerTrades derives one round-trip trade per filled position. A position
// whose entry never completed produces no trade; an SL fill wins over a
// target fill when both read COMPLETE.
func (r *Reconciler) brokerTrades(rows []position.Position, log *slog.Logger) []store.TradeRow {
	var out []store.TradeRow
	for _, p := range rows {
		if p.EntryStatus != types.StatusComplete || p.EntryPrice <= 0 {
			continue
		}

		var exitPrice float64
		var exitTS int64
		var reason string
		switch {
		case p.SLStatus == types.StatusComplete:
			exitPrice, exitTS, reason = p.SLPrice, p.SLTS, "SL"
		case p.TargetStatus == types.StatusComplete:
			exitPrice, exitTS, reason = p.TargetPrice, p.TargetTS, "TARGET"
		default:
			log.Warn("entered position with no completed exit, skipped",
				"index", p.Index, "scrip", p.Scrip)
			continue
		}

		direction := "BUY"
		if p.Signal < 0 {
			direction = "SELL"
		}
		out = append(out, store.TradeRow{
			Index:      p.Index,
			Scrip:      p.Scrip,
			Model:      p.Model,
			Direction:  direction,
			Qty:        p.Quantity,
			EntryTS:    p.EntryTS,
			ExitTS:     exitTS,
			EntryPrice: p.EntryPrice,
			ExitPrice:  exitPrice,
			ExitReason: reason,
			PnL:        risk.PnL(p.Signal, p.Quantity, p.EntryPrice, exitPrice),
		})
	}
	return out
}

// backtestTrades replays every entered position against its candle file.
// A missing or unreadable file skips the scrip, never fails the run.
func (r *Reconciler) backtestTrades(rows []position.Position, log *slog.Logger) ([]store.TradeRow, []store.MTMRow) {
	var trades []store.TradeRow
	var mtm []store.MTMRow
	for _, p := range rows {
		if p.EntryTS == 0 {
			continue
		}
		path := filepath.Join(r.TickDataDir, p.Scrip+".csv")
		candles, err := backtest.ReadCandles(path, r.Loc)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Warn("no tick data for scrip, backtest skipped", "scrip", p.Scrip)
			} else {
				log.Error("tick data unreadable, backtest skipped", "scrip", p.Scrip, "error", err)
			}
			continue
		}

		params := backtest.Params{
			Index:      p.Index,
			Scrip:      p.Scrip,
			Signal:     p.Signal,
			Qty:        p.Quantity,
			EntryTS:    p.EntryTS,
			Target:     p.Target,
			Tick:       p.Tick,
			SLPct:      p.SLPct,
			TrailSLPct: p.TrailSLPct,
			CutoffTS:   r.CutoffTS,
		}
		trade, points, ok := backtest.Run(candles, params)
		if !ok {
			log.Warn("no candles at or after entry, backtest skipped",
				"index", p.Index, "scrip", p.Scrip)
			continue
		}

		direction := "BUY"
		if p.Signal < 0 {
			direction = "SELL"
		}
		trades = append(trades, store.TradeRow{
			Index:      p.Index,
			Scrip:      p.Scrip,
			Model:      p.Model,
			Direction:  direction,
			Qty:        p.Quantity,
			EntryTS:    trade.EntryTS,
			ExitTS:     trade.ExitTS,
			EntryPrice: trade.EntryPrice,
			ExitPrice:  trade.ExitPrice,
			ExitReason: trade.ExitReason,
			PnL:        backtest.PnL(trade, params),
		})
		for _, pt := range points {
			mtm = append(mtm, store.MTMRow{
				Index: p.Index, Scrip: p.Scrip, MinuteTS: pt.TS, MTM: pt.MTM,
			})
		}
	}
	return trades, mtm
}

func (r *Reconciler) summary(brokerTrades, btTrades []store.TradeRow) string {
	var realized, idealized float64
	for _, t := range brokerTrades {
		realized += t.PnL
	}
	for _, t := range btTrades {
		idealized += t.PnL
	}
	return fmt.Sprintf("broker trades %d pnl %.2f / backtest trades %d pnl %.2f / slippage %.2f",
		len(brokerTrades), realized, len(btTrades), idealized, realized-idealized)
}
