package cob

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"intraday-engine/internal/broker"
	"intraday-engine/internal/notify"
	"intraday-engine/internal/position"
	"intraday-engine/internal/store"
	"intraday-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bookGateway serves a canned end-of-day order book; everything else is inert.
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

func newTestReconciler(t *testing.T) *Reconciler {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return &Reconciler{
		Account:     "ACCT1",
		Date:        "2024-03-15",
		Gateway:     &bookGateway{},
		Store:       st,
		Notifier:    notify.NewConsoleWriter(io.Discard, testLogger()),
		TickDataDir: dir,
		Loc:         time.UTC,
		Logger:      testLogger(),
	}
}

func writeTickData(t *testing.T, r *Reconciler, scrip, csv string) {
	t.Helper()
	path := filepath.Join(r.TickDataDir, scrip+".csv")
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatalf("write tick data: %v", err)
	}
}

// closedRow is a long that entered at 100 and hit its target at 110.
func closedRow() position.Position {
	return position.Position{
		Index: 0, Scrip: "ACME", Symbol: "ACME-EQ", Exchange: "NSE", Token: "101",
		Model: "gspc", Signal: 1, Quantity: 10, Tick: 0.05, SLPct: 1, TrailSLPct: 0.5,
		Target: 110, EntryOrderID: "E1", SLOrderID: "S1", TargetOrderID: "T1",
		EntryStatus: types.StatusComplete, SLStatus: types.StatusCanceled,
		TargetStatus: types.StatusComplete,
		EntryPrice:   100, SLPrice: 99, TargetPrice: 110,
		EntryTS: 1000, TargetTS: 1120,
		Active:  position.ActiveNo,
	}
}

func TestRunPersistsAllRecords(t *testing.T) {
	t.Parallel()
	r := newTestReconciler(t)
	writeTickData(t, r, "ACME", `time,open,high,low,close
1000,100,101,99.5,100.5
1060,100.5,104,100,103
1120,103,111,102,110
`)
	ctx := context.Background()

	if err := r.Run(ctx, []position.Position{closedRow()}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	eod, err := r.Store.LoadParams(ctx, "ACCT1", "2024-03-15", "EOD")
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	if len(eod) != 1 {
		t.Fatalf("EOD rows = %d, want 1", len(eod))
	}

	broker, err := r.Store.LoadTrades(ctx, "ACCT1", "2024-03-15", "BROKER")
	if err != nil {
		t.Fatalf("LoadTrades BROKER: %v", err)
	}
	if len(broker) != 1 {
		t.Fatalf("broker trades = %d, want 1", len(broker))
	}
	if broker[0].ExitReason != "TARGET" || broker[0].PnL != 100 {
		t.Errorf("broker trade = %+v, want TARGET pnl 100", broker[0])
	}

	bt, err := r.Store.LoadTrades(ctx, "ACCT1", "2024-03-15", "BACKTEST")
	if err != nil {
		t.Fatalf("LoadTrades BACKTEST: %v", err)
	}
	if len(bt) != 1 {
		t.Fatalf("backtest trades = %d, want 1", len(bt))
	}
	if bt[0].ExitReason != "TARGET" || bt[0].PnL != 100 {
		t.Errorf("backtest trade = %+v, want TARGET pnl 100", bt[0])
	}
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()
	r := newTestReconciler(t)
	writeTickData(t, r, "ACME", `time,open,high,low,close
1000,100,101,99.5,100.5
1120,103,111,102,110
`)
	ctx := context.Background()
	rows := []position.Position{closedRow()}

	if err := r.Run(ctx, rows); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := r.Run(ctx, rows); err != nil {
		t.Fatalf("Run again: %v", err)
	}

	broker, _ := r.Store.LoadTrades(ctx, "ACCT1", "2024-03-15", "BROKER")
	if len(broker) != 1 {
		t.Errorf("broker trades = %d after re-run, want 1", len(broker))
	}
}

func TestBrokerTradesSLBeatsTarget(t *testing.T) {
	t.Parallel()
	r := newTestReconciler(t)
	row := closedRow()
	// Both legs read COMPLETE (late duplicate events); the SL fill is taken.
	row.SLStatus = types.StatusComplete
	row.SLPrice = 98.95
	row.SLTS = 1100

	trades := r.brokerTrades([]position.Position{row}, testLogger())
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if trades[0].ExitReason != "SL" || trades[0].ExitPrice != 98.95 {
		t.Errorf("trade = %+v, want SL@98.95", trades[0])
	}
	// Decimal P&L: 10 × (98.95 − 100) is exactly −10.50, no float residue.
	if trades[0].PnL != -10.5 {
		t.Errorf("pnl = %v, want -10.5", trades[0].PnL)
	}
}

func TestRunJoinsFlattenFillsFromFinalBook(t *testing.T) {
	t.Parallel()
	r := newTestReconciler(t)
	ctx := context.Background()

	// Cutoff flatten: the table froze with the SL converted to market but
	// still TRIGGER_PENDING; the fill only exists on the broker's book.
	row := closedRow()
	row.SLStatus = types.StatusTriggerPending
	row.TargetStatus = types.StatusCanceled
	row.TargetPrice = 0
	r.Gateway = &bookGateway{book: []types.OrderMsg{
		{OrderNo: "E1", Status: types.StatusComplete, AvgPrice: "100.00"},
		{OrderNo: "S1", Status: types.StatusComplete, AvgPrice: "100.40", EntryTime: "1300"},
		{OrderNo: "T1", Status: types.StatusCanceled},
	}}

	if err := r.Run(ctx, []position.Position{row}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	trades, err := r.Store.LoadTrades(ctx, "ACCT1", "2024-03-15", "BROKER")
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("broker trades = %d, want 1 (flatten fill joined from book)", len(trades))
	}
	tr := trades[0]
	if tr.ExitReason != "SL" || tr.ExitPrice != 100.40 || tr.PnL != 4 {
		t.Errorf("trade = %+v, want SL@100.40 pnl 4", tr)
	}
	if tr.ExitTS != 1300 {
		t.Errorf("exit ts = %d, want 1300 from the book row", tr.ExitTS)
	}

	// The EOD snapshot records the reconciled statuses, not the frozen ones.
	eod, err := r.Store.LoadParams(ctx, "ACCT1", "2024-03-15", "EOD")
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	if eod[0].SLStatus != types.StatusComplete || eod[0].SLPrice != 100.40 {
		t.Errorf("EOD sl = %s@%v, want COMPLETE@100.40", eod[0].SLStatus, eod[0].SLPrice)
	}
}

func TestRunSurvivesFinalBookFailure(t *testing.T) {
	t.Parallel()
	r := newTestReconciler(t)
	r.Gateway = &bookGateway{err: context.DeadlineExceeded}

	if err := r.Run(context.Background(), []position.Position{closedRow()}); err != nil {
		t.Fatalf("Run should degrade to the frozen snapshot, got %v", err)
	}
	trades, _ := r.Store.LoadTrades(context.Background(), "ACCT1", "2024-03-15", "BROKER")
	if len(trades) != 1 || trades[0].ExitReason != "TARGET" {
		t.Errorf("trades = %+v, want the snapshot's TARGET exit", trades)
	}
}

func TestBrokerTradesSkipUnfilled(t *testing.T) {
	t.Parallel()
	r := newTestReconciler(t)
	rows := []position.Position{
		{Index: 0, Scrip: "ACME", Signal: 1, Quantity: 10, Active: position.ActiveNo,
			EntryStatus: types.StatusInvalid},
		{Index: 1, Scrip: "BOLT", Signal: 1, Quantity: 5, Active: position.ActiveNo,
			EntryOrderID: position.PlaceholderOrderID, EntryStatus: types.StatusRejected},
	}
	if trades := r.brokerTrades(rows, testLogger()); len(trades) != 0 {
		t.Errorf("trades = %d, want 0 for never-filled rows", len(trades))
	}
}

func TestBacktestSkipsMissingTickData(t *testing.T) {
	t.Parallel()
	r := newTestReconciler(t)
	// No ACME.csv written.
	trades, mtm := r.backtestTrades([]position.Position{closedRow()}, testLogger())
	if len(trades) != 0 || len(mtm) != 0 {
		t.Errorf("trades=%d mtm=%d, want 0/0 with no tick data", len(trades), len(mtm))
	}
}

func TestRowsFromStorePrefersEOD(t *testing.T) {
	t.Parallel()
	r := newTestReconciler(t)
	ctx := context.Background()

	bod := closedRow()
	bod.EntryOrderID = ""
	if err := r.Store.SaveParams(ctx, "ACCT1", "2024-03-15", "BOD", []position.Position{bod}); err != nil {
		t.Fatalf("SaveParams BOD: %v", err)
	}
	if err := r.Store.SaveParams(ctx, "ACCT1", "2024-03-15", "EOD", []position.Position{closedRow()}); err != nil {
		t.Fatalf("SaveParams EOD: %v", err)
	}

	rows, err := r.RowsFromStore(ctx)
	if err != nil {
		t.Fatalf("RowsFromStore: %v", err)
	}
	if rows[0].EntryOrderID != "E1" {
		t.Errorf("got the %q snapshot, want the EOD one", rows[0].EntryOrderID)
	}
}

func TestRowsFromStoreEmpty(t *testing.T) {
	t.Parallel()
	r := newTestReconciler(t)
	if _, err := r.RowsFromStore(context.Background()); err == nil {
		t.Error("want error when no snapshot exists")
	}
}
