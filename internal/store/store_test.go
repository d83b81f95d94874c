package store

import (
	"context"
	"path/filepath"
	"testing"

	"intraday-engine/internal/position"
	"intraday-engine/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRows() []position.Position {
	return []position.Position{
		{
			Index: 0, Scrip: "ACME", Symbol: "ACME-EQ", Exchange: "NSE", Token: "101",
			Model: "gspc", Signal: 1, Quantity: 10, Tick: 0.05, SLPct: 1, TrailSLPct: 0.5,
			Target: 110, EntryOrderID: "E1", SLOrderID: "S1", TargetOrderID: "T1",
			EntryStatus: types.StatusComplete, SLStatus: types.StatusTriggerPending,
			TargetStatus: types.StatusOpen, EntryPrice: 100, SLPrice: 99, TargetPrice: 110,
			EntryTS: 1710479400, Strength: 10, StrengthSet: true, SLUpdateCnt: 1,
			Active: position.ActiveYes,
		},
		{
			Index: 1, Scrip: "BOLT", Symbol: "BOLT-EQ", Exchange: "NSE", Token: "202",
			Model: "momo", Signal: -1, Quantity: 5, Tick: 0.05, SLPct: 1, TrailSLPct: 0.5,
			Target: 195, Active: position.ActiveNo,
		},
	}
}

func TestSaveAndLoadParams(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveParams(ctx, "ACCT1", "2024-03-15", "BOD", sampleRows()); err != nil {
		t.Fatalf("SaveParams: %v", err)
	}

	rows, err := s.LoadParams(ctx, "ACCT1", "2024-03-15", "BOD")
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	p := rows[0]
	if p.Scrip != "ACME" || p.EntryOrderID != "E1" || p.SLPrice != 99 {
		t.Errorf("row 0 = %+v", p)
	}
	if p.EntryStatus != types.StatusComplete || p.Active != position.ActiveYes {
		t.Errorf("row 0 statuses = %v/%v", p.EntryStatus, p.Active)
	}
	if !p.StrengthSet || p.Strength != 10 {
		t.Errorf("row 0 strength = %v (set %v)", p.Strength, p.StrengthSet)
	}
	if rows[1].StrengthSet {
		t.Error("row 1 strength should be unset")
	}
}

func TestSaveParamsIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveParams(ctx, "ACCT1", "2024-03-15", "EOD", sampleRows()); err != nil {
		t.Fatalf("SaveParams: %v", err)
	}
	// Second save for the same key replaces, never appends.
	updated := sampleRows()
	updated[0].Active = position.ActiveNo
	if err := s.SaveParams(ctx, "ACCT1", "2024-03-15", "EOD", updated); err != nil {
		t.Fatalf("SaveParams again: %v", err)
	}

	rows, err := s.LoadParams(ctx, "ACCT1", "2024-03-15", "EOD")
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 after re-save", len(rows))
	}
	if rows[0].Active != position.ActiveNo {
		t.Errorf("active = %v, want the re-saved N", rows[0].Active)
	}
}

func TestParamsTagsAreIndependent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveParams(ctx, "ACCT1", "2024-03-15", "BOD", sampleRows()); err != nil {
		t.Fatalf("SaveParams BOD: %v", err)
	}
	if err := s.SaveParams(ctx, "ACCT1", "2024-03-15", "EOD", sampleRows()[:1]); err != nil {
		t.Fatalf("SaveParams EOD: %v", err)
	}

	bod, _ := s.LoadParams(ctx, "ACCT1", "2024-03-15", "BOD")
	eod, _ := s.LoadParams(ctx, "ACCT1", "2024-03-15", "EOD")
	if len(bod) != 2 || len(eod) != 1 {
		t.Errorf("bod=%d eod=%d, want 2 and 1", len(bod), len(eod))
	}
}

func TestSaveAndLoadTrades(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	trades := []TradeRow{
		{Index: 0, Scrip: "ACME", Model: "gspc", Direction: "BUY", Qty: 10,
			EntryTS: 1710479400, ExitTS: 1710483000, EntryPrice: 100, ExitPrice: 110,
			ExitReason: "TARGET", PnL: 100},
	}
	if err := s.SaveTrades(ctx, "ACCT1", "2024-03-15", "BROKER", trades); err != nil {
		t.Fatalf("SaveTrades: %v", err)
	}
	// Re-save replaces.
	if err := s.SaveTrades(ctx, "ACCT1", "2024-03-15", "BROKER", trades); err != nil {
		t.Fatalf("SaveTrades again: %v", err)
	}

	got, err := s.LoadTrades(ctx, "ACCT1", "2024-03-15", "BROKER")
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("trades = %d, want 1", len(got))
	}
	if got[0].PnL != 100 || got[0].ExitReason != "TARGET" {
		t.Errorf("trade = %+v", got[0])
	}

	// Other trade types unaffected.
	bt, err := s.LoadTrades(ctx, "ACCT1", "2024-03-15", "BACKTEST")
	if err != nil {
		t.Fatalf("LoadTrades BACKTEST: %v", err)
	}
	if len(bt) != 0 {
		t.Errorf("backtest trades = %d, want 0", len(bt))
	}
}

func TestSaveMTMReplaces(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	points := []MTMRow{
		{Index: 0, Scrip: "ACME", MinuteTS: 1710479400, MTM: 5},
		{Index: 0, Scrip: "ACME", MinuteTS: 1710479460, MTM: 12.5},
	}
	if err := s.SaveMTM(ctx, "ACCT1", "2024-03-15", "BACKTEST", points); err != nil {
		t.Fatalf("SaveMTM: %v", err)
	}
	if err := s.SaveMTM(ctx, "ACCT1", "2024-03-15", "BACKTEST", points[:1]); err != nil {
		t.Fatalf("SaveMTM again: %v", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM TRADES_MTM WHERE account = ? AND trade_date = ?`,
		"ACCT1", "2024-03-15").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("mtm rows = %d, want 1 after replace", n)
	}
}
