// Package worker runs one trading worker: a single event loop that scans,
// enters, holds, and exits positions, with heartbeat, fill-consumer, and
// sweeper tasks beside it. Workers coordinate with their peers only through
// the shared store.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hskwon/stampede/internal/broker"
	"github.com/hskwon/stampede/internal/clock"
	"github.com/hskwon/stampede/internal/config"
	"github.com/hskwon/stampede/internal/lifecycle"
	"github.com/hskwon/stampede/internal/lock"
	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/notify"
	"github.com/hskwon/stampede/internal/orders"
	"github.com/hskwon/stampede/internal/pnl"
	"github.com/hskwon/stampede/internal/poller"
	"github.com/hskwon/stampede/internal/strategy"
	"github.com/hskwon/stampede/internal/traderr"
)

// execBuffer bounds the fill-consumer channel. Replays after a dropped
// frame are recovered by broker_fill_id dedup.
const execBuffer = 256

// A fill can arrive on the stream before the Send that produced it commits
// the broker order id. Such fills requeue with a short delay instead of
// being dropped; the reconciler covers anything past the attempt cap.
const (
	maxFillRequeues  = 5
	fillRequeueDelay = 200 * time.Millisecond
)

type fillTask struct {
	exec     broker.Execution
	attempts int
}

// Deps carries everything a worker needs, composed at startup.
type Deps struct {
	Config    *config.Config
	Broker    broker.Broker
	Locks     *lock.Service
	Lifecycle *lifecycle.Service
	Orders    *orders.Service
	Poller    *poller.Poller
	Strategy  *strategy.Executor
	Summaries *pnl.SummaryService
	Notifier  notify.Notifier
	Clock     clock.Clock
	Logger    *logrus.Logger
}

// Worker is one trading process. All state transitions happen on the event
// loop; the quote cache and the lock-lost flag are the only fields shared
// with the background tasks.
type Worker struct {
	id   string
	deps Deps
	log  *logrus.Entry

	execCh chan fillTask
	quotes quoteCache

	// lockLost is set by the heartbeat task when renewal reports the lock
	// gone; the event loop abandons the position on its next tick.
	lockLost atomic.Bool

	// event-loop-only state
	status        models.WorkerStatus
	currentSymbol string
	entryOrderID  string
	heldSince     time.Time
}

// New builds a worker around its dependencies.
func New(workerID string, deps Deps) *Worker {
	return &Worker{
		id:     workerID,
		deps:   deps,
		log:    deps.Logger.WithField("worker_id", workerID),
		execCh: make(chan fillTask, execBuffer),
		quotes: quoteCache{data: make(map[string]broker.Quote)},
		status: models.WorkerIdle,
	}
}

// Run reconciles with the broker, registers the worker, and drives the
// event loop until ctx is canceled. Shutdown is cooperative and bounded by
// the configured deadline; past it the caller may kill the process and the
// lock TTL plus the stale-worker sweep clean up.
func (w *Worker) Run(ctx context.Context) error {
	report, err := NewReconciler(w.deps, w.id).Run(ctx)
	if err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{
		"imported_orders":     report.ImportedOrders,
		"aligned_orders":      report.AlignedOrders,
		"lost_orders":         report.LostOrders,
		"position_overwrites": report.PositionOverwrites,
	}).Info("startup reconciliation complete")

	if _, err := w.deps.Lifecycle.Start(ctx, w.id); err != nil {
		return err
	}
	if err := w.deps.Broker.SubscribeExecutions(w.enqueueExecution); err != nil {
		return err
	}
	if err := w.deps.Broker.SubscribeQuotes(w.deps.Config.Universe.Symbols, w.quotes.update); err != nil {
		return err
	}

	sessionCron := w.startSessionCron()
	if sessionCron != nil {
		defer sessionCron.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.eventLoop(gctx) })
	g.Go(func() error { w.heartbeatLoop(gctx); return nil })
	g.Go(func() error { w.fillLoop(gctx); return nil })
	g.Go(func() error { w.sweepLoop(gctx); return nil })
	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), w.deps.Config.Runtime.ShutdownDeadline())
	defer cancel()
	w.shutdown(stopCtx)

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func (w *Worker) eventLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.deps.Config.Runtime.PollInterval())
	defer ticker.Stop()
	for {
		if err := w.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	switch w.status {
	case models.WorkerIdle:
		if err := w.deps.Lifecycle.Transition(ctx, w.id, models.WorkerScanning, ""); err != nil {
			return err
		}
		w.status = models.WorkerScanning
		return nil
	case models.WorkerScanning:
		w.scan(ctx)
		return nil
	case models.WorkerHolding:
		w.hold(ctx)
		return nil
	default:
		return nil
	}
}

// heartbeatLoop refreshes the worker row and, while holding, the symbol
// lock, renewing it once time-to-expiry drops below the renewal threshold.
// Errors never stop the loop.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.deps.Config.Runtime.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := w.deps.Lifecycle.Heartbeat(ctx, w.id); err != nil {
			w.log.WithError(err).Warn("worker heartbeat failed")
		}
		symbol := w.heldSymbol()
		if symbol == "" {
			continue
		}
		if _, err := w.deps.Locks.Heartbeat(ctx, symbol, w.id); err != nil {
			w.log.WithError(err).Warn("lock heartbeat failed")
		}
		w.maybeRenew(ctx, symbol)
	}
}

func (w *Worker) maybeRenew(ctx context.Context, symbol string) {
	lk, err := w.deps.Locks.GetLock(ctx, symbol)
	if err != nil {
		w.log.WithError(err).WithField("symbol", symbol).Warn("lock lookup failed")
		return
	}
	// GetLock reports a missing row as a nil lock, not an error.
	if lk == nil || !lk.OwnedBy(w.id) {
		w.lockLost.Store(true)
		return
	}
	ttl := w.deps.Config.Runtime.LockTTL()
	if lk.ExpiresAt.Sub(w.deps.Clock.Now()) >= w.deps.Config.Runtime.LockRenewThreshold() {
		return
	}
	if _, err := w.deps.Locks.Renew(ctx, symbol, w.id, ttl); err != nil {
		if errors.Is(err, traderr.ErrLockExpired) || errors.Is(err, traderr.ErrLockNotFound) {
			w.lockLost.Store(true)
		}
		w.log.WithError(err).WithField("symbol", symbol).Warn("lock renewal failed")
	}
}

// fillLoop drains the execution channel into the order service. Fills that
// outran their order's broker id requeue a bounded number of times.
func (w *Worker) fillLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.execCh:
			err := w.deps.Orders.ProcessFill(ctx, task.exec)
			switch {
			case err == nil:
			case errors.Is(err, orders.ErrUnknownOrder):
				w.requeueFill(task)
			default:
				w.log.WithError(err).WithField("broker_fill_id", task.exec.BrokerFillID).Error("fill ingestion failed")
			}
		}
	}
}

func (w *Worker) requeueFill(task fillTask) {
	if task.attempts >= maxFillRequeues {
		w.log.WithFields(logrus.Fields{
			"broker_fill_id":  task.exec.BrokerFillID,
			"broker_order_id": task.exec.BrokerOrderID,
			"attempts":        task.attempts,
		}).Warn("fill for unknown order dropped after requeue attempts, deferring to reconciliation")
		return
	}
	task.attempts++
	time.AfterFunc(fillRequeueDelay, func() {
		select {
		case w.execCh <- task:
		default:
			w.log.WithField("broker_fill_id", task.exec.BrokerFillID).Warn("execution buffer full, requeued frame dropped")
		}
	})
}

// sweepLoop expires stale locks and reaps dead workers. Any worker may run
// it; the store's row conditions make concurrent sweeps safe.
func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.deps.Config.Runtime.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		Sweep(ctx, w.deps, w.log)
	}
}

// Sweep runs one pass of lock expiry and stale-worker cleanup.
func Sweep(ctx context.Context, deps Deps, log *logrus.Entry) {
	if n, err := deps.Locks.CleanupExpired(ctx); err != nil {
		log.WithError(err).Warn("lock sweep failed")
	} else if n > 0 {
		log.WithField("expired", n).Info("expired stale locks")
	}
	threshold := 3 * deps.Config.Runtime.HeartbeatInterval()
	if n, err := deps.Lifecycle.CleanupStaleWorkers(ctx, threshold); err != nil {
		log.WithError(err).Warn("worker sweep failed")
	} else if n > 0 {
		log.WithField("reaped", n).Info("reaped stale workers")
	}
}

// enqueueExecution is the stream callback; it must not block.
func (w *Worker) enqueueExecution(exec broker.Execution) {
	select {
	case w.execCh <- fillTask{exec: exec}:
	default:
		w.log.WithField("broker_fill_id", exec.BrokerFillID).Warn("execution buffer full, frame dropped")
	}
}

func (w *Worker) heldSymbol() string {
	if w.status == models.WorkerHolding {
		return w.currentSymbol
	}
	return ""
}

// shutdown runs the EXITING sequence: force out of any position, release
// the lock, persist the daily summary, and terminate the worker row.
func (w *Worker) shutdown(ctx context.Context) {
	if w.status == models.WorkerTerminated {
		return
	}
	if w.status == models.WorkerHolding && w.currentSymbol != "" {
		pos, err := w.deps.Orders.PositionFor(ctx, w.currentSymbol)
		if err == nil && pos.NetQty > 0 {
			forced := &strategy.SellSignal{Confidence: 1, Reason: strategy.ReasonForced}
			if err := w.exitPosition(ctx, w.currentSymbol, forced); err != nil {
				w.log.WithError(err).Error("forced exit during shutdown failed")
			}
		}
		if w.currentSymbol != "" {
			if _, err := w.deps.Locks.Release(ctx, w.currentSymbol, w.id); err != nil {
				w.log.WithError(err).Warn("lock release during shutdown failed")
			}
		}
		w.currentSymbol = ""
		w.entryOrderID = ""
	}

	if err := w.deps.Lifecycle.Transition(ctx, w.id, models.WorkerExiting, ""); err != nil {
		w.log.WithError(err).Warn("transition to exiting failed")
	}
	w.status = models.WorkerExiting

	today := w.deps.Clock.Now()
	if _, err := w.deps.Summaries.GenerateSummary(ctx, w.id, today, w.priceFn(ctx)); err != nil {
		w.log.WithError(err).Error("daily summary generation failed")
	}

	if err := w.deps.Lifecycle.Stop(ctx, w.id); err != nil {
		w.log.WithError(err).Warn("worker termination record failed")
	}
	w.status = models.WorkerTerminated
	w.log.Info("worker stopped")
}

// priceFn resolves end-of-day prices from the quote cache with a spot-poll
// fallback.
func (w *Worker) priceFn(ctx context.Context) pnl.PriceFn {
	return func(symbol string) (decimal.Decimal, bool) {
		if q, ok := w.quotes.get(symbol); ok {
			return q.Last, true
		}
		qs, err := w.deps.Broker.GetQuotes(ctx, []string{symbol})
		if err != nil || len(qs) == 0 {
			return decimal.Zero, false
		}
		return qs[0].Last, true
	}
}

// price returns the freshest price for symbol, cache first.
func (w *Worker) price(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	return w.priceFn(ctx)(symbol)
}

// inLiquidationWindow reports whether forced exits are in effect.
func (w *Worker) inLiquidationWindow(now time.Time) bool {
	at := w.deps.Config.LiquidationTime(now)
	return !at.IsZero() && !now.Before(at)
}

// quoteCache is the stream-fed last-quote view.
type quoteCache struct {
	mu   sync.RWMutex
	data map[string]broker.Quote
}

func (c *quoteCache) update(q broker.Quote) {
	c.mu.Lock()
	c.data[q.Symbol] = q
	c.mu.Unlock()
}

func (c *quoteCache) get(symbol string) (broker.Quote, bool) {
	c.mu.RLock()
	q, ok := c.data[symbol]
	c.mu.RUnlock()
	return q, ok
}
