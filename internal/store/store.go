// Package store persists session records to sqlite (pure Go driver, no CGo).
//
// Three tables, all keyed by (account, date):
//
//	PARAMS_HIST — full position-table snapshots, tagged BOD / POST_BOD / EOD
//	TRADE_LOG   — one row per executed trade side, trade_type BROKER or BACKTEST
//	TRADES_MTM  — per-minute mark-to-market of the backtest replay
//
// Every writer deletes its own prior records for the key before inserting,
// so the close-of-business reconciler can be re-run safely for any date.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"intraday-engine/internal/position"
	"intraday-engine/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS PARAMS_HIST (
    account        TEXT NOT NULL,
    log_date       TEXT NOT NULL,
    tag            TEXT NOT NULL,
    pos_index      INTEGER NOT NULL,
    scrip          TEXT NOT NULL,
    symbol         TEXT NOT NULL,
    exchange       TEXT NOT NULL,
    token          TEXT NOT NULL,
    model          TEXT NOT NULL,
    signal         INTEGER NOT NULL,
    quantity       INTEGER NOT NULL,
    tick           REAL NOT NULL,
    sl_pct         REAL NOT NULL,
    trail_sl_pct   REAL NOT NULL,
    target         REAL NOT NULL,
    entry_order_id TEXT NOT NULL DEFAULT '',
    sl_order_id    TEXT NOT NULL DEFAULT '',
    target_order_id TEXT NOT NULL DEFAULT '',
    entry_status   TEXT NOT NULL DEFAULT '',
    sl_status      TEXT NOT NULL DEFAULT '',
    target_status  TEXT NOT NULL DEFAULT '',
    entry_price    REAL NOT NULL DEFAULT 0,
    sl_price       REAL NOT NULL DEFAULT 0,
    target_price   REAL NOT NULL DEFAULT 0,
    entry_ts       INTEGER NOT NULL DEFAULT 0,
    sl_ts          INTEGER NOT NULL DEFAULT 0,
    target_ts      INTEGER NOT NULL DEFAULT 0,
    strength       REAL NOT NULL DEFAULT 0,
    strength_set   INTEGER NOT NULL DEFAULT 0,
    sl_update_cnt  INTEGER NOT NULL DEFAULT 0,
    active         TEXT NOT NULL DEFAULT 'Y'
);
CREATE INDEX IF NOT EXISTS idx_params_key ON PARAMS_HIST(account, log_date, tag);

CREATE TABLE IF NOT EXISTS TRADE_LOG (
    account     TEXT NOT NULL,
    trade_date  TEXT NOT NULL,
    trade_type  TEXT NOT NULL,      -- BROKER | BACKTEST
    pos_index   INTEGER NOT NULL,
    scrip       TEXT NOT NULL,
    model       TEXT NOT NULL,
    direction   TEXT NOT NULL,      -- BUY | SELL
    qty         INTEGER NOT NULL,
    entry_ts    INTEGER NOT NULL DEFAULT 0,
    exit_ts     INTEGER NOT NULL DEFAULT 0,
    entry_price REAL NOT NULL DEFAULT 0,
    exit_price  REAL NOT NULL DEFAULT 0,
    exit_reason TEXT NOT NULL DEFAULT '',
    pnl         REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_trades_key ON TRADE_LOG(account, trade_date, trade_type);

CREATE TABLE IF NOT EXISTS TRADES_MTM (
    account    TEXT NOT NULL,
    trade_date TEXT NOT NULL,
    trade_type TEXT NOT NULL,
    pos_index  INTEGER NOT NULL,
    scrip      TEXT NOT NULL,
    minute_ts  INTEGER NOT NULL,
    mtm        REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mtm_key ON TRADES_MTM(account, trade_date, trade_type);
`

// TradeRow is one TRADE_LOG record.
type TradeRow struct {
	Index      int
	Scrip      string
	Model      string
	Direction  string
	Qty        int
	EntryTS    int64
	ExitTS     int64
	EntryPrice float64
	ExitPrice  float64
	ExitReason string
	PnL        float64
}

// MTMRow is one TRADES_MTM record.
type MTMRow struct {
	Index    int
	Scrip    string
	MinuteTS int64
	MTM      float64
}

// Store wraps the sqlite handle. sqlite is single-writer; the pool is sized
// accordingly.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveParams replaces the (account, date, tag) snapshot with rows.
func (s *Store) SaveParams(ctx context.Context, acct, date, tag string, rows []position.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save params: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM PARAMS_HIST WHERE account = ? AND log_date = ? AND tag = ?`,
		acct, date, tag,
	); err != nil {
		return fmt.Errorf("store: save params: delete: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO PARAMS_HIST (
		account, log_date, tag, pos_index, scrip, symbol, exchange, token, model,
		signal, quantity, tick, sl_pct, trail_sl_pct, target,
		entry_order_id, sl_order_id, target_order_id,
		entry_status, sl_status, target_status,
		entry_price, sl_price, target_price,
		entry_ts, sl_ts, target_ts,
		strength, strength_set, sl_update_cnt, active
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("store: save params: prepare: %w", err)
	}
	defer stmt.Close()

	for _, p := range rows {
		strengthSet := 0
		if p.StrengthSet {
			strengthSet = 1
		}
		if _, err := stmt.ExecContext(ctx,
			acct, date, tag, p.Index, p.Scrip, p.Symbol, p.Exchange, p.Token, p.Model,
			p.Signal, p.Quantity, p.Tick, p.SLPct, p.TrailSLPct, p.Target,
			p.EntryOrderID, p.SLOrderID, p.TargetOrderID,
			string(p.EntryStatus), string(p.SLStatus), string(p.TargetStatus),
			p.EntryPrice, p.SLPrice, p.TargetPrice,
			p.EntryTS, p.SLTS, p.TargetTS,
			p.Strength, strengthSet, p.SLUpdateCnt, string(p.Active),
		); err != nil {
			return fmt.Errorf("store: save params: insert row %d: %w", p.Index, err)
		}
	}
	return tx.Commit()
}

// LoadParams reads back an (account, date, tag) snapshot, ordered by index.
func (s *Store) LoadParams(ctx context.Context, acct, date, tag string) ([]position.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		pos_index, scrip, symbol, exchange, token, model,
		signal, quantity, tick, sl_pct, trail_sl_pct, target,
		entry_order_id, sl_order_id, target_order_id,
		entry_status, sl_status, target_status,
		entry_price, sl_price, target_price,
		entry_ts, sl_ts, target_ts,
		strength, strength_set, sl_update_cnt, active
	FROM PARAMS_HIST WHERE account = ? AND log_date = ? AND tag = ? ORDER BY pos_index`,
		acct, date, tag)
	if err != nil {
		return nil, fmt.Errorf("store: load params: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		var p position.Position
		var entryStatus, slStatus, targetStatus, active string
		var strengthSet int
		if err := rows.Scan(
			&p.Index, &p.Scrip, &p.Symbol, &p.Exchange, &p.Token, &p.Model,
			&p.Signal, &p.Quantity, &p.Tick, &p.SLPct, &p.TrailSLPct, &p.Target,
			&p.EntryOrderID, &p.SLOrderID, &p.TargetOrderID,
			&entryStatus, &slStatus, &targetStatus,
			&p.EntryPrice, &p.SLPrice, &p.TargetPrice,
			&p.EntryTS, &p.SLTS, &p.TargetTS,
			&p.Strength, &strengthSet, &p.SLUpdateCnt, &active,
		); err != nil {
			return nil, fmt.Errorf("store: load params: scan: %w", err)
		}
		p.EntryStatus = types.OrderStatus(entryStatus)
		p.SLStatus = types.OrderStatus(slStatus)
		p.TargetStatus = types.OrderStatus(targetStatus)
		p.Active = position.ActiveFlag(active)
		p.StrengthSet = strengthSet == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveTrades replaces the (account, date, tradeType) trade set.
func (s *Store) SaveTrades(ctx context.Context, acct, date, tradeType string, trades []TradeRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save trades: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM TRADE_LOG WHERE account = ? AND trade_date = ? AND trade_type = ?`,
		acct, date, tradeType,
	); err != nil {
		return fmt.Errorf("store: save trades: delete: %w", err)
	}

	for _, t := range trades {
		if _, err := tx.ExecContext(ctx, `INSERT INTO TRADE_LOG (
			account, trade_date, trade_type, pos_index, scrip, model, direction,
			qty, entry_ts, exit_ts, entry_price, exit_price, exit_reason, pnl
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			acct, date, tradeType, t.Index, t.Scrip, t.Model, t.Direction,
			t.Qty, t.EntryTS, t.ExitTS, t.EntryPrice, t.ExitPrice, t.ExitReason, t.PnL,
		); err != nil {
			return fmt.Errorf("store: save trades: insert: %w", err)
		}
	}
	return tx.Commit()
}

// LoadTrades reads back the (account, date, tradeType) trade set.
func (s *Store) LoadTrades(ctx context.Context, acct, date, tradeType string) ([]TradeRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		pos_index, scrip, model, direction, qty, entry_ts, exit_ts,
		entry_price, exit_price, exit_reason, pnl
	FROM TRADE_LOG WHERE account = ? AND trade_date = ? AND trade_type = ? ORDER BY pos_index`,
		acct, date, tradeType)
	if err != nil {
		return nil, fmt.Errorf("store: load trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var t TradeRow
		if err := rows.Scan(&t.Index, &t.Scrip, &t.Model, &t.Direction, &t.Qty,
			&t.EntryTS, &t.ExitTS, &t.EntryPrice, &t.ExitPrice, &t.ExitReason, &t.PnL,
		); err != nil {
			return nil, fmt.Errorf("store: load trades: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveMTM replaces the (account, date, tradeType) mark-to-market series.
func (s *Store) SaveMTM(ctx context.Context, acct, date, tradeType string, points []MTMRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save mtm: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM TRADES_MTM WHERE account = ? AND trade_date = ? AND trade_type = ?`,
		acct, date, tradeType,
	); err != nil {
		return fmt.Errorf("store: save mtm: delete: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO TRADES_MTM (
		account, trade_date, trade_type, pos_index, scrip, minute_ts, mtm
	) VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("store: save mtm: prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range points {
		if _, err := stmt.ExecContext(ctx,
			acct, date, tradeType, m.Index, m.Scrip, m.MinuteTS, m.MTM,
		); err != nil {
			return fmt.Errorf("store: save mtm: insert: %w", err)
		}
	}
	return tx.Commit()
}
