package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"intraday-engine/internal/broker"
	"intraday-engine/internal/config"
	"intraday-engine/internal/loader"
	"intraday-engine/internal/notify"
	"intraday-engine/internal/store"
)

// Session runs one full trading day for one account: login, day-start load,
// websocket, event loop until the cutoff flatten.
type Session struct {
	Account  string
	Date     string
	Config   *config.Config
	Gateway  broker.Gateway
	Store    *store.Store
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Run executes the session and returns after the flatten (or ctx
// cancellation). A login failure or a missing entries file aborts before any
// order activity. A day with no tradeable rows exits immediately after the
// BOD snapshot.
func (s *Session) Run(ctx context.Context) (*Engine, error) {
	loc, err := s.Config.Session.Location()
	if err != nil {
		return nil, err
	}

	if err := s.Gateway.Login(ctx); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	ld := loader.New(s.Gateway, s.Store, loc, s.Logger)
	table, err := ld.Load(ctx, s.Account, s.Date, s.Config.Paths.EntriesFile(s.Account))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if table.Len() == 0 || table.ActiveCount() == 0 {
		s.Logger.Info("no tradeable rows, session over",
			"rows", table.Len(), "active", table.ActiveCount())
		table.Freeze()
		return New(s.Account, s.Date, s.Gateway, table, s.Store, s.Notifier, loc, s.Logger), nil
	}

	eng := New(s.Account, s.Date, s.Gateway, table, s.Store, s.Notifier, loc, s.Logger)
	if err := s.Gateway.StartWebsocket(ctx, eng.Callbacks()); err != nil {
		return nil, fmt.Errorf("session: start websocket: %w", err)
	}

	now := time.Now().In(loc)
	alertAt := s.Config.Session.AlertClock().At(now, loc)
	cutoffAt := s.Config.Session.CutoffClock().At(now, loc)
	go eng.RunClock(ctx, alertAt, cutoffAt, s.Logger)

	if err := eng.Run(ctx); err != nil {
		return eng, fmt.Errorf("session: %w", err)
	}
	s.Logger.Info("session complete", "account", s.Account, "date", s.Date)
	return eng, nil
}
