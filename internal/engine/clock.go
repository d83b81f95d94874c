package engine

import (
	"context"
	"log/slog"
	"time"
)

// RunClock produces the session's two control messages: the morning summary
// at alertAt and the flatten at cutoffAt. It polls once a second so a late
// process start (after either time has passed) still fires the message
// immediately, and returns once the flatten is enqueued.
func (e *Engine) RunClock(ctx context.Context, alertAt, cutoffAt time.Time, logger *slog.Logger) {
	log := logger.With("component", "clock")
	log.Info("clock started", "alert_at", alertAt.Format("15:04:05"), "cutoff_at", cutoffAt.Format("15:04:05"))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	alerted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now().In(e.loc)
		if !alerted && !now.Before(alertAt) {
			alerted = true
			e.EnqueueAlert()
			log.Info("alert enqueued")
		}
		if !now.Before(cutoffAt) {
			e.EnqueueFlatten()
			log.Info("flatten enqueued")
			return
		}
	}
}
