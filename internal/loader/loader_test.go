package loader

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"intraday-engine/internal/broker"
	"intraday-engine/internal/position"
	"intraday-engine/internal/store"
	"intraday-engine/pkg/types"
)

const entriesCSV = `scrip,symbol,exchange,token,signal,quantity,target,tick,sl_pct,trail_sl_pct,model
ACME,ACME-EQ,NSE,101,1,10,110,0.05,1,0.5,gspc
BOLT,BOLT-EQ,NSE,202,-1,5,195,0.05,1,0.5,momo
`

func writeEntries(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ACCT1-Entries.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write entries: %v", err)
	}
	return path
}

func TestReadEntries(t *testing.T) {
	t.Parallel()
	rows, err := ReadEntries(writeEntries(t, entriesCSV))
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	p := rows[0]
	if p.Scrip != "ACME" || p.Token != "101" || p.Signal != 1 || p.Quantity != 10 {
		t.Errorf("row 0 = %+v", p)
	}
	if p.Target != 110 || p.Tick != 0.05 || p.SLPct != 1 || p.TrailSLPct != 0.5 {
		t.Errorf("row 0 pricing = %+v", p)
	}
	if p.Active != position.ActiveYes {
		t.Errorf("active = %v, want Y", p.Active)
	}
	if rows[1].Signal != -1 {
		t.Errorf("row 1 signal = %d, want -1", rows[1].Signal)
	}
}

func TestReadEntriesHeaderOrderIsFree(t *testing.T) {
	t.Parallel()
	shuffled := `model,sl_pct,scrip,symbol,exchange,token,signal,quantity,target,tick,trail_sl_pct
gspc,1,ACME,ACME-EQ,NSE,101,1,10,110,0.05,0.5
`
	rows, err := ReadEntries(writeEntries(t, shuffled))
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if rows[0].Scrip != "ACME" || rows[0].SLPct != 1 {
		t.Errorf("row 0 = %+v", rows[0])
	}
}

func TestReadEntriesValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		csv  string
	}{
		{"missing file", ""},
		{"missing column", "scrip,symbol\nACME,ACME-EQ\n"},
		{"bad signal", "scrip,symbol,exchange,token,signal,quantity,target,tick,sl_pct,trail_sl_pct,model\nACME,ACME-EQ,NSE,101,2,10,110,0.05,1,0.5,gspc\n"},
		{"zero quantity", "scrip,symbol,exchange,token,signal,quantity,target,tick,sl_pct,trail_sl_pct,model\nACME,ACME-EQ,NSE,101,1,0,110,0.05,1,0.5,gspc\n"},
		{"zero tick", "scrip,symbol,exchange,token,signal,quantity,target,tick,sl_pct,trail_sl_pct,model\nACME,ACME-EQ,NSE,101,1,10,110,0,1,0.5,gspc\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "missing.csv")
			if tt.csv != "" {
				path = writeEntries(t, tt.csv)
			}
			if _, err := ReadEntries(path); err == nil {
				t.Error("want error, got nil")
			}
		})
	}
}

// bookGateway serves a canned order book; everything else is inert.
type bookGateway struct {
	book []types.OrderMsg
	err  error
}

func (g *bookGateway) Login(context.Context) error { return nil }
func (g *bookGateway) PlaceOrder(context.Context, types.PlaceOrderReq) (*types.OrderAck, error) {
	return nil, nil
}
func (g *bookGateway) ModifyOrder(context.Context, types.ModifyOrderReq) (*types.OrderAck, error) {
	return nil, nil
}
func (g *bookGateway) CancelOrder(context.Context, string) (*types.OrderAck, error) { return nil, nil }
func (g *bookGateway) CloseBracketOrder(context.Context, string) (*types.OrderAck, error) {
	return nil, nil
}
func (g *bookGateway) OrderBook(context.Context) ([]types.OrderMsg, error) { return g.book, g.err }
func (g *bookGateway) OrderHistory(context.Context, string) ([]types.OrderMsg, error) {
	return nil, nil
}
func (g *bookGateway) ProbeOrder(context.Context, string) (types.OrderStatus, string, float64, error) {
	return types.StatusOpen, "NA", 0, nil
}
func (g *bookGateway) IsSLUpdateRejected(context.Context, string) (bool, string, error) {
	return false, "", nil
}
func (g *bookGateway) StartWebsocket(context.Context, broker.Callbacks) error { return nil }
func (g *bookGateway) Subscribe([]types.Instrument) error                     { return nil }
func (g *bookGateway) SubscribeOrders() error                                 { return nil }
func (g *bookGateway) Unsubscribe([]types.Instrument) error                   { return nil }
func (g *bookGateway) Reconnects() int64                                      { return 0 }

func newTestLoader(t *testing.T, gw broker.Gateway) (*Loader, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(gw, st, time.UTC, logger), st
}

func TestLoadHydratesWorkingBracket(t *testing.T) {
	t.Parallel()
	gw := &bookGateway{book: []types.OrderMsg{
		{OrderNo: "E1", Status: types.StatusComplete, Product: types.ProductBracket,
			Remarks: "ENTRY_LEG:gspc:ACME:0", AvgPrice: "100.00", EntryTime: "1710479400"},
		{OrderNo: "S1", Status: types.StatusTriggerPending, Product: types.ProductBracket,
			SnoNum: "E1", SnoOrdType: "1",
			Remarks: "ENTRY_LEG:gspc:ACME:0", TriggerPrice: "99.00", EntryTime: "1710479401", ChildID: "2"},
		{OrderNo: "T1", Status: types.StatusOpen, Product: types.ProductBracket,
			SnoNum: "E1", SnoOrdType: "2",
			Remarks: "ENTRY_LEG:gspc:ACME:0", Price: "110.00", EntryTime: "1710479401"},
		// Non-bracket noise and foreign orders must be ignored.
		{OrderNo: "X1", Status: types.StatusOpen, Product: types.ProductIntraday, Remarks: "manual"},
		{OrderNo: "X2", Status: types.StatusOpen, Product: types.ProductBracket},
	}}
	ld, st := newTestLoader(t, gw)
	ctx := context.Background()

	table, err := ld.Load(ctx, "ACCT1", "2024-03-15", writeEntries(t, entriesCSV))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p := table.Get(0)
	if p.EntryOrderID != "E1" || p.EntryStatus != types.StatusComplete || p.EntryPrice != 100 {
		t.Errorf("entry = %s/%s@%v", p.EntryOrderID, p.EntryStatus, p.EntryPrice)
	}
	if p.SLOrderID != "S1" || p.SLPrice != 99 || p.SLUpdateCnt != 2 {
		t.Errorf("sl = %s@%v cnt=%d, want S1@99 cnt=2", p.SLOrderID, p.SLPrice, p.SLUpdateCnt)
	}
	if p.TargetOrderID != "T1" || p.TargetPrice != 110 {
		t.Errorf("target = %s@%v", p.TargetOrderID, p.TargetPrice)
	}
	if p.Active != position.ActiveYes {
		t.Errorf("active = %v, want Y (both children armed)", p.Active)
	}
	if !p.StrengthSet || p.Strength != 10 {
		t.Errorf("strength = %v (set %v), want 10", p.Strength, p.StrengthSet)
	}

	// Row 1 had no book entries and stays fresh.
	if q := table.Get(1); q.EntryOrderID != "" || q.Active != position.ActiveYes {
		t.Errorf("row 1 = %q/%v, want untouched/Y", q.EntryOrderID, q.Active)
	}

	// BOD snapshot persisted.
	rows, err := st.LoadParams(ctx, "ACCT1", "2024-03-15", "BOD")
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("BOD rows = %d, want 2", len(rows))
	}
}

func TestLoadClosedBracketIsInactive(t *testing.T) {
	t.Parallel()
	gw := &bookGateway{book: []types.OrderMsg{
		{OrderNo: "E1", Status: types.StatusComplete, Product: types.ProductBracket,
			Remarks: "ENTRY_LEG:gspc:ACME:0", AvgPrice: "100.00"},
		{OrderNo: "S1", Status: types.StatusComplete, Product: types.ProductBracket,
			SnoNum: "E1", SnoOrdType: "1",
			Remarks: "ENTRY_LEG:gspc:ACME:0", AvgPrice: "98.95"},
		{OrderNo: "T1", Status: types.StatusCanceled, Product: types.ProductBracket,
			SnoNum: "E1", SnoOrdType: "2",
			Remarks: "ENTRY_LEG:gspc:ACME:0"},
	}}
	ld, _ := newTestLoader(t, gw)

	table, err := ld.Load(context.Background(), "ACCT1", "2024-03-15", writeEntries(t, entriesCSV))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := table.Get(0).Active; got != position.ActiveNo {
		t.Errorf("active = %v, want N (SL already hit)", got)
	}
}

func TestLoadSurvivesOrderBookFailure(t *testing.T) {
	t.Parallel()
	gw := &bookGateway{err: context.DeadlineExceeded}
	ld, _ := newTestLoader(t, gw)

	table, err := ld.Load(context.Background(), "ACCT1", "2024-03-15", writeEntries(t, entriesCSV))
	if err != nil {
		t.Fatalf("Load should start fresh on book failure, got %v", err)
	}
	if table.ActiveCount() != 2 {
		t.Errorf("active = %d, want 2", table.ActiveCount())
	}
}

func TestLoadMissingEntriesFileIsFatal(t *testing.T) {
	t.Parallel()
	ld, _ := newTestLoader(t, &bookGateway{})
	_, err := ld.Load(context.Background(), "ACCT1", "2024-03-15",
		filepath.Join(t.TempDir(), "absent.csv"))
	if err == nil {
		t.Fatal("missing entries file must abort the session")
	}
}
