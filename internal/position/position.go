// Package position holds the in-memory position table — one row per
// candidate trade from the day's entries file, keyed by a stable integer
// index assigned at load time.
//
// The table has exactly one writer: the engine's event loop. No mutex is
// taken; concurrency safety comes from the single-writer discipline (all
// websocket callbacks are serialized through the engine queue). After the
// end-of-day flatten the table is frozen and only read.
package position

import (
	"fmt"
	"strconv"

	"intraday-engine/pkg/types"
)

// ActiveFlag is the row lifecycle flag.
type ActiveFlag string

const (
	ActiveYes       ActiveFlag = "Y" // working, or awaiting first favourable quote
	ActiveNo        ActiveFlag = "N" // closed, rejected, or gated out
	ActiveSuspended ActiveFlag = "S" // trailing-SL modify rejected; exposed until flatten
)

// PlaceholderOrderID blocks duplicate entry placement between the
// place_order call and the first order-update carrying the real broker id.
const PlaceholderOrderID = "-1"

// Position is one row of the table. Identifier and pricing fields come from
// the entries file; order ids, statuses, prices and timestamps are filled in
// by the engine as broker events arrive.
type Position struct {
	Index    int
	Scrip    string
	Symbol   string
	Exchange string
	Token    string
	Model    string
	Signal   int // +1 buy, -1 sell

	Quantity   int
	Tick       float64
	SLPct      float64
	TrailSLPct float64
	Target     float64 // predicted target from the entries file

	EntryOrderID  string
	SLOrderID     string
	TargetOrderID string

	EntryStatus  types.OrderStatus
	SLStatus     types.OrderStatus
	TargetStatus types.OrderStatus

	EntryPrice  float64
	SLPrice     float64
	TargetPrice float64

	EntryTS  int64
	SLTS     int64
	TargetTS int64

	Strength    float64 // signal × (target − ltp) at evaluation
	StrengthSet bool
	SLUpdateCnt int
	Active      ActiveFlag
}

// Instrument returns the row's market-data subscription key.
func (p *Position) Instrument() types.Instrument {
	return types.Instrument{Exchange: p.Exchange, Token: p.Token}
}

// Side returns the entry order side for the row's signal.
func (p *Position) Side() types.Side {
	return types.SideForSignal(p.Signal)
}

// Remarks builds the correlation tag stamped on every order of this row:
// "<LEG>:<model>:<scrip>:<index>". The index is the only handle that
// survives the round trip through the broker.
func (p *Position) Remarks(leg types.LegType) string {
	return string(leg) + ":" + p.Model + ":" + p.Scrip + ":" + strconv.Itoa(p.Index)
}

// Working reports whether the row still has live broker exposure.
// Suspended rows count: their SL modify was rejected but the legs are live.
func (p *Position) Working() bool {
	return p.Active == ActiveYes || p.Active == ActiveSuspended
}

// Table is the position table. Rows never move after load; the index into
// the backing slice is the position index.
type Table struct {
	rows   []*Position
	frozen bool
}

// NewTable builds a table from loader rows. Row order defines the index.
func NewTable(rows []*Position) *Table {
	for i, r := range rows {
		r.Index = i
	}
	return &Table{rows: rows}
}

// Len returns the row count.
func (t *Table) Len() int { return len(t.rows) }

// Get returns the row at idx, nil when out of range.
func (t *Table) Get(idx int) *Position {
	if idx < 0 || idx >= len(t.rows) {
		return nil
	}
	return t.rows[idx]
}

// Rows returns the backing slice. Callers must respect the single-writer rule.
func (t *Table) Rows() []*Position { return t.rows }

// ByToken returns every row for one instrument token. Multiple models may
// trade the same scrip, so this can return more than one row.
func (t *Table) ByToken(token string) []*Position {
	var out []*Position
	for _, r := range t.rows {
		if r.Token == token {
			out = append(out, r)
		}
	}
	return out
}

// FindByOrderID locates the row owning an order id and reports which leg it
// is. Placeholder ids never match.
func (t *Table) FindByOrderID(orderNo string) (*Position, types.LegType) {
	if orderNo == "" || orderNo == PlaceholderOrderID {
		return nil, types.LegUnknown
	}
	for _, r := range t.rows {
		switch orderNo {
		case r.EntryOrderID:
			return r, types.LegEntry
		case r.SLOrderID:
			return r, types.LegSL
		case r.TargetOrderID:
			return r, types.LegTarget
		}
	}
	return nil, types.LegUnknown
}

// ActiveCount returns the number of rows still marked Y.
func (t *Table) ActiveCount() int {
	n := 0
	for _, r := range t.rows {
		if r.Active == ActiveYes {
			n++
		}
	}
	return n
}

// Instruments returns the deduplicated subscription set for all rows.
func (t *Table) Instruments() []types.Instrument {
	seen := make(map[string]bool, len(t.rows))
	var out []types.Instrument
	for _, r := range t.rows {
		inst := r.Instrument()
		if !seen[inst.Key()] {
			seen[inst.Key()] = true
			out = append(out, inst)
		}
	}
	return out
}

// Freeze marks the table read-only. Mutations after Freeze are a programming
// error; the engine checks this before applying events.
func (t *Table) Freeze() { t.frozen = true }

// Frozen reports whether the table has been frozen by the flatten.
func (t *Table) Frozen() bool { return t.frozen }

// Snapshot returns a deep value copy of all rows, safe to hand to
// persistence or another goroutine.
func (t *Table) Snapshot() []Position {
	out := make([]Position, len(t.rows))
	for i, r := range t.rows {
		out[i] = *r
	}
	return out
}

// String renders a compact one-line-per-row view for debug logs.
func (t *Table) String() string {
	s := ""
	for _, r := range t.rows {
		s += fmt.Sprintf("[%d] %s %s sig=%+d qty=%d entry=%s/%s@%.2f sl=%s/%s@%.2f tgt=%s/%s@%.2f cnt=%d active=%s\n",
			r.Index, r.Model, r.Scrip, r.Signal, r.Quantity,
			r.EntryOrderID, r.EntryStatus, r.EntryPrice,
			r.SLOrderID, r.SLStatus, r.SLPrice,
			r.TargetOrderID, r.TargetStatus, r.TargetPrice,
			r.SLUpdateCnt, r.Active)
	}
	return s
}
