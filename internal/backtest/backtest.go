// Package backtest replays a position against the day's one-minute candles.
// The close-of-business reconciler runs it for every entered position to
// produce the idealized trade the broker fills are compared against.
//
// The replay applies the same risk rules as the live engine (risk.CalcSL,
// risk.TrailSL) so live and simulated exits diverge only through fill
// quality, never through logic.
package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"intraday-engine/internal/risk"
)

// Candle is one minute of market data.
type Candle struct {
	TS    int64 // minute start, epoch seconds
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Params describes one position to replay.
type Params struct {
	Index      int
	Scrip      string
	Signal     int // +1 buy, -1 sell
	Qty        int
	EntryTS    int64 // live entry fill time; replay enters at this minute
	Target     float64
	Tick       float64
	SLPct      float64
	TrailSLPct float64
	CutoffTS   int64 // force-exit time, 0 means run to the last candle
}

// Trade is the replayed round trip.
type Trade struct {
	EntryTS    int64
	ExitTS     int64
	EntryPrice float64
	ExitPrice  float64
	ExitReason string // SL | TARGET | EOD
}

// MTMPoint is the per-minute mark-to-market of the open replayed position.
type MTMPoint struct {
	TS  int64
	MTM float64
}

// Run replays one position. It returns ok=false when no candle at or after
// EntryTS exists (the replay never entered).
func Run(candles []Candle, p Params) (Trade, []MTMPoint, bool) {
	start := -1
	for i, c := range candles {
		if c.TS >= p.EntryTS {
			start = i
			break
		}
	}
	if start < 0 {
		return Trade{}, nil, false
	}

	entry := candles[start].Open
	sl := risk.CalcSL(entry, p.Signal, p.SLPct, p.Tick)
	dir := float64(p.Signal)

	trade := Trade{
		EntryTS:    candles[start].TS,
		EntryPrice: entry,
		ExitReason: "EOD",
	}

	var mtm []MTMPoint
	for _, c := range candles[start:] {
		if p.CutoffTS > 0 && c.TS >= p.CutoffTS {
			break
		}

		// Within one candle the stop is assumed to trade before the target.
		if hitSL(c, sl, p.Signal) {
			trade.ExitTS = c.TS
			trade.ExitPrice = sl
			trade.ExitReason = "SL"
			return trade, mtm, true
		}
		if hitTarget(c, p.Target, p.Signal) {
			trade.ExitTS = c.TS
			trade.ExitPrice = p.Target
			trade.ExitReason = "TARGET"
			return trade, mtm, true
		}

		if newSL, ok := risk.TrailSL(c.Close, sl, p.Signal, p.SLPct, p.TrailSLPct, p.Tick); ok {
			sl = newSL
		}

		trade.ExitTS = c.TS
		trade.ExitPrice = c.Close
		mtm = append(mtm, MTMPoint{TS: c.TS, MTM: dir * float64(p.Qty) * (c.Close - entry)})
	}
	return trade, mtm, true
}

// PnL computes the round-trip profit of a replayed trade.
func PnL(t Trade, p Params) float64 {
	return risk.PnL(p.Signal, p.Qty, t.EntryPrice, t.ExitPrice)
}

func hitSL(c Candle, sl float64, signal int) bool {
	if signal > 0 {
		return c.Low <= sl
	}
	return c.High >= sl
}

func hitTarget(c Candle, target float64, signal int) bool {
	if signal > 0 {
		return c.High >= target
	}
	return c.Low <= target
}

// candleColumns is the required header set of a tick-data file.
var candleColumns = []string{"time", "open", "high", "low", "close"}

// ReadCandles parses a per-scrip one-minute candle CSV. The time column is
// either epoch seconds or "2006-01-02 15:04:05" in loc. Rows must already be
// in ascending time order.
func ReadCandles(path string, loc *time.Location) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tick data: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("tick data %s: read header: %w", path, err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, want := range candleColumns {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("tick data %s: missing column %q", path, want)
		}
	}

	var out []Candle
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tick data %s: line %d: %w", path, line, err)
		}
		c, err := parseCandle(rec, col, loc)
		if err != nil {
			return nil, fmt.Errorf("tick data %s: line %d: %w", path, line, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseCandle(rec []string, col map[string]int, loc *time.Location) (Candle, error) {
	get := func(name string) string { return strings.TrimSpace(rec[col[name]]) }

	ts, err := parseCandleTime(get("time"), loc)
	if err != nil {
		return Candle{}, err
	}
	var c Candle
	c.TS = ts
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low}, {"close", &c.Close},
	} {
		v, err := strconv.ParseFloat(get(f.name), 64)
		if err != nil {
			return Candle{}, fmt.Errorf("bad %s %q", f.name, get(f.name))
		}
		*f.dst = v
	}
	return c, nil
}

func parseCandleTime(s string, loc *time.Location) (int64, error) {
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epoch, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, loc)
	if err != nil {
		return 0, fmt.Errorf("bad time %q", s)
	}
	return t.Unix(), nil
}
