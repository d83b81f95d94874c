// Command engine runs the intraday execution engine.
//
//	engine run-engine            trade the current day for $ACCOUNT
//	engine run-cob [-date D]     reconcile a day (default: today)
//
// Configuration comes from a YAML file (ENGINE_CONFIG, default
// configs/config.yaml) with ENGINE_* environment overrides; a .env file in
// the working directory is loaded first.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"intraday-engine/internal/broker"
	"intraday-engine/internal/cob"
	"intraday-engine/internal/config"
	"intraday-engine/internal/engine"
	"intraday-engine/internal/notify"
	"intraday-engine/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		return fmt.Errorf("usage: engine <run-engine|run-cob> [flags]")
	}
	cmd := os.Args[1]

	cfgPath := os.Getenv("ENGINE_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	acct, err := config.AccountID()
	if err != nil {
		return err
	}
	creds, err := cfg.Account(acct)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	loc, err := cfg.Session.Location()
	if err != nil {
		return err
	}
	notifier := notify.NewConsole(logger)

	gw := broker.NewClient(cfg.Broker, creds, logger)

	switch cmd {
	case "run-engine":
		date := time.Now().In(loc).Format("2006-01-02")
		session := &engine.Session{
			Account:  acct,
			Date:     date,
			Config:   cfg,
			Gateway:  gw,
			Store:    st,
			Notifier: notifier,
			Logger:   logger,
		}
		eng, err := session.Run(ctx)
		if err != nil {
			return err
		}
		rec := newReconciler(acct, date, gw, cfg, st, notifier, loc, logger)
		return rec.Run(ctx, eng.Table().Snapshot())

	case "run-cob":
		fs := flag.NewFlagSet("run-cob", flag.ExitOnError)
		date := fs.String("date", time.Now().In(loc).Format("2006-01-02"), "trading date YYYY-MM-DD")
		if err := fs.Parse(os.Args[2:]); err != nil {
			return err
		}
		// Standalone runs need their own session for the final order book.
		// The book only covers the current day, so a login failure (or a
		// past -date) just degrades the reconciliation to the stored
		// snapshot inside Run.
		if err := gw.Login(ctx); err != nil {
			logger.Error("broker login failed, reconciling from snapshot only", "error", err)
		}
		rec := newReconciler(acct, *date, gw, cfg, st, notifier, loc, logger)
		rows, err := rec.RowsFromStore(ctx)
		if err != nil {
			return err
		}
		return rec.Run(ctx, rows)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newReconciler(acct, date string, gw broker.Gateway, cfg *config.Config, st *store.Store,
	notifier notify.Notifier, loc *time.Location, logger *slog.Logger) *cob.Reconciler {
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	var cutoff int64
	if err == nil {
		cutoff = cfg.Session.CutoffClock().At(day, loc).Unix()
	}
	return &cob.Reconciler{
		Account:     acct,
		Date:        date,
		Gateway:     gw,
		Store:       st,
		Notifier:    notifier,
		TickDataDir: cfg.Paths.TickDataDir,
		CutoffTS:    cutoff,
		Loc:         loc,
		Logger:      logger,
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
