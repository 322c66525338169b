package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hskwon/stampede/internal/storage"
)

// startSessionCron schedules a daily summary run at session close, in
// addition to the one written at shutdown. The upsert makes both safe.
// Returns nil when no session close is configured.
func (w *Worker) startSessionCron() *cron.Cron {
	closeAt := w.deps.Config.Risk.SessionClose
	if closeAt == "" {
		return nil
	}
	t, err := time.Parse("15:04", closeAt)
	if err != nil {
		return nil // Validate already rejected this
	}

	c := cron.New()
	spec := fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour())
	_, err = c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		day := w.deps.Clock.Now()
		if _, err := w.deps.Summaries.GenerateSummary(ctx, w.id, day, w.priceFn(ctx)); err != nil {
			w.log.WithError(err).Error("session-close summary failed")
		} else {
			w.log.WithField("date", day.Format("2006-01-02")).Info("session-close summary written")
		}
	})
	if err != nil {
		w.log.WithError(err).Warn("session cron setup failed")
		return nil
	}
	c.Start()
	return c
}

// Status snapshots the worker for the health endpoint. It reads through the
// store so it is safe to call from any goroutine.
func (w *Worker) Status() map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	doc := map[string]any{
		"worker_id": w.id,
		"time":      storage.FormatTime(w.deps.Clock.Now()),
	}
	if wp, err := w.deps.Lifecycle.Get(ctx, w.id); err == nil {
		doc["status"] = string(wp.Status)
		doc["current_symbol"] = wp.CurrentSymbol
		doc["last_heartbeat_at"] = storage.FormatTime(wp.LastHeartbeatAt)
	}
	if locks, err := w.deps.Locks.ListActiveLocks(ctx); err == nil {
		doc["active_locks"] = len(locks)
	}
	return doc
}
