// Package loader materializes the day's position table: it reads the
// account's entries file, fetches and classifies the broker order book, and
// reconciles any orders already working (a restart mid-session) back onto
// the table before the websocket opens.
package loader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"intraday-engine/internal/broker"
	"intraday-engine/internal/classify"
	"intraday-engine/internal/position"
	"intraday-engine/internal/store"
	"intraday-engine/pkg/types"
)

// hydratable are the order-book statuses worth stitching onto the table.
var hydratable = map[types.OrderStatus]bool{
	types.StatusOpen:           true,
	types.StatusTriggerPending: true,
	types.StatusComplete:       true,
	types.StatusCanceled:       true,
	types.StatusRejected:       true,
}

// Loader builds the position table at day start.
type Loader struct {
	gw     broker.Gateway
	store  *store.Store
	loc    *time.Location
	logger *slog.Logger
}

// New creates a loader.
func New(gw broker.Gateway, st *store.Store, loc *time.Location, logger *slog.Logger) *Loader {
	return &Loader{gw: gw, store: st, loc: loc, logger: logger.With("component", "loader")}
}

// Load runs the full day-start sequence and persists the BOD snapshot.
// A missing entries file is fatal; a nil order book is treated as empty.
func (l *Loader) Load(ctx context.Context, acct, date, entriesPath string) (*position.Table, error) {
	rows, err := ReadEntries(entriesPath)
	if err != nil {
		return nil, err
	}
	table := position.NewTable(rows)

	book, err := l.gw.OrderBook(ctx)
	if err != nil {
		l.logger.Error("order book fetch failed, starting fresh", "error", err)
		book = nil
	}
	l.hydrate(table, book)

	if err := l.store.SaveParams(ctx, acct, date, "BOD", table.Snapshot()); err != nil {
		return nil, fmt.Errorf("persist BOD snapshot: %w", err)
	}
	l.logger.Info("position table loaded",
		"rows", table.Len(),
		"active", table.ActiveCount(),
	)
	return table, nil
}

// hydrate stitches working broker orders back onto the table. Only bracket
// orders in a known status and carrying a remarks tag participate; everything
// else on the book belongs to another process.
func (l *Loader) hydrate(table *position.Table, book []types.OrderMsg) {
	for _, msg := range book {
		if msg.Product != types.ProductBracket || !hydratable[msg.Status] {
			continue
		}
		if strings.TrimSpace(msg.Remarks) == "" {
			continue
		}
		leg := classify.Leg(msg)
		if leg == types.LegUnknown {
			continue
		}
		idx, ok := classify.Index(msg)
		if !ok {
			continue
		}
		p := table.Get(idx)
		if p == nil {
			l.logger.Warn("order book row for unknown position", "order_no", msg.OrderNo, "index", idx)
			continue
		}

		ts := classify.EventEpoch(msg, l.loc)
		switch leg {
		case types.LegEntry:
			p.EntryOrderID = msg.OrderNo
			p.EntryStatus = msg.Status
			p.EntryPrice = msg.AvgPriceF()
			p.EntryTS = ts
		case types.LegSL:
			p.SLOrderID = msg.OrderNo
			p.SLStatus = msg.Status
			p.SLPrice = msg.TriggerPriceF()
			p.SLTS = ts
			p.SLUpdateCnt = msg.ChildCount()
		case types.LegTarget:
			p.TargetOrderID = msg.OrderNo
			p.TargetStatus = msg.Status
			p.TargetPrice = msg.PriceF()
			p.TargetTS = ts
		}
	}

	// A hydrated row is live only when both children are still armed.
	for _, p := range table.Rows() {
		if p.EntryOrderID == "" {
			continue
		}
		if p.TargetStatus == types.StatusOpen && p.SLStatus == types.StatusTriggerPending {
			p.Active = position.ActiveYes
		} else {
			p.Active = position.ActiveNo
		}
		if p.EntryPrice > 0 {
			p.Strength = math.Abs(p.Target - p.EntryPrice)
			p.StrengthSet = true
		}
	}
}

// entriesColumns is the required header set of the entries file.
var entriesColumns = []string{
	"scrip", "symbol", "exchange", "token", "signal",
	"quantity", "target", "tick", "sl_pct", "trail_sl_pct", "model",
}

// ReadEntries parses the day's predictions CSV. Column order is free; the
// header names what each column holds.
func ReadEntries(path string) ([]*position.Position, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("entries file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("entries file: read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, want := range entriesColumns {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("entries file: missing column %q", want)
		}
	}

	var rows []*position.Position
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("entries file: line %d: %w", line, err)
		}
		p, err := parseEntry(rec, col)
		if err != nil {
			return nil, fmt.Errorf("entries file: line %d: %w", line, err)
		}
		rows = append(rows, p)
	}
	return rows, nil
}

func parseEntry(rec []string, col map[string]int) (*position.Position, error) {
	get := func(name string) string { return strings.TrimSpace(rec[col[name]]) }

	signal, err := strconv.Atoi(get("signal"))
	if err != nil || (signal != 1 && signal != -1) {
		return nil, fmt.Errorf("signal must be +1 or -1, got %q", get("signal"))
	}
	qty, err := strconv.Atoi(get("quantity"))
	if err != nil || qty <= 0 {
		return nil, fmt.Errorf("bad quantity %q", get("quantity"))
	}
	target, err := strconv.ParseFloat(get("target"), 64)
	if err != nil {
		return nil, fmt.Errorf("bad target %q", get("target"))
	}
	tick, err := strconv.ParseFloat(get("tick"), 64)
	if err != nil || tick <= 0 {
		return nil, fmt.Errorf("bad tick %q", get("tick"))
	}
	slPct, err := strconv.ParseFloat(get("sl_pct"), 64)
	if err != nil || slPct <= 0 {
		return nil, fmt.Errorf("bad sl_pct %q", get("sl_pct"))
	}
	trailPct, err := strconv.ParseFloat(get("trail_sl_pct"), 64)
	if err != nil || trailPct < 0 {
		return nil, fmt.Errorf("bad trail_sl_pct %q", get("trail_sl_pct"))
	}

	return &position.Position{
		Scrip:      get("scrip"),
		Symbol:     get("symbol"),
		Exchange:   get("exchange"),
		Token:      get("token"),
		Model:      get("model"),
		Signal:     signal,
		Quantity:   qty,
		Target:     target,
		Tick:       tick,
		SLPct:      slPct,
		TrailSLPct: trailPct,
		Active:     position.ActiveYes,
	}, nil
}
