// Package notify delivers operator alerts. The engine raises a handful of
// them per session: the 09:30 params summary, websocket errors with the
// reconnect counter, SL-modify rejections, and the close-of-business report.
//
// Console is the bundled sink; it renders position tables with tablewriter
// so the summary reads like the operator's terminal report.
package notify

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"intraday-engine/internal/position"
)

// Notifier is the alert sink the engine writes to.
type Notifier interface {
	Alert(subject, body string)
	AlertTable(subject string, rows []position.Position)
}

// Console writes alerts to a terminal.
type Console struct {
	out    io.Writer
	logger *slog.Logger
}

// NewConsole creates a notifier writing to stdout.
func NewConsole(logger *slog.Logger) *Console {
	return &Console{out: os.Stdout, logger: logger.With("component", "notify")}
}

// NewConsoleWriter creates a notifier for tests.
func NewConsoleWriter(w io.Writer, logger *slog.Logger) *Console {
	return &Console{out: w, logger: logger.With("component", "notify")}
}

// Alert prints a one-line alert.
func (c *Console) Alert(subject, body string) {
	fmt.Fprintf(c.out, "[%s] ALERT %s: %s\n", time.Now().Format("15:04:05"), subject, body)
}

// AlertTable prints an alert followed by the position table.
func (c *Console) AlertTable(subject string, rows []position.Position) {
	fmt.Fprintf(c.out, "[%s] ALERT %s (%d rows)\n", time.Now().Format("15:04:05"), subject, len(rows))

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Model", "Scrip", "Sig", "Qty", "Entry", "SL", "Target", "SLcnt", "Strength", "Active")

	for _, p := range rows {
		strength := "-"
		if p.StrengthSet {
			strength = fmt.Sprintf("%.2f", p.Strength)
		}
		table.Append(
			fmt.Sprintf("%d", p.Index),
			p.Model,
			p.Scrip,
			fmt.Sprintf("%+d", p.Signal),
			fmt.Sprintf("%d", p.Quantity),
			legCell(p.EntryOrderID, string(p.EntryStatus), p.EntryPrice),
			legCell(p.SLOrderID, string(p.SLStatus), p.SLPrice),
			legCell(p.TargetOrderID, string(p.TargetStatus), p.TargetPrice),
			fmt.Sprintf("%d", p.SLUpdateCnt),
			strength,
			string(p.Active),
		)
	}
	table.Render()
}

func legCell(orderID, status string, price float64) string {
	if orderID == "" {
		return "-"
	}
	if status == "" {
		status = "?"
	}
	return fmt.Sprintf("%s@%.2f", status, price)
}
