package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/poller"
	"github.com/hskwon/stampede/internal/storage"
	"github.com/hskwon/stampede/internal/strategy"
	"github.com/hskwon/stampede/internal/traderr"
)

// scan runs one SCANNING tick: discover candidates, take the first one that
// yields a buy signal and a lock, submit the entry, and move to HOLDING.
// Nothing here is fatal; a failed poll is retried at the next tick.
func (w *Worker) scan(ctx context.Context) {
	now := w.deps.Clock.Now()
	if w.inLiquidationWindow(now) {
		w.log.Debug("liquidation window open, no new entries")
		return
	}
	if w.dailyLossBreached(ctx, now) {
		return
	}

	u := w.deps.Config.Universe
	filters := poller.Filters{
		MinVolume:    u.MinVolume,
		MinTurnover:  decimal.NewFromFloat(u.MinTurnover),
		PriceMin:     decimal.NewFromFloat(u.PriceMin),
		PriceMax:     decimal.NewFromFloat(u.PriceMax),
		MaxStaleness: u.Staleness(),
	}
	candidates, err := w.deps.Poller.DiscoverCandidates(ctx, u.Symbols, filters, w.deps.Strategy, u.MaxCandidates)
	if err != nil {
		w.log.WithError(err).Warn("candidate poll failed, retrying next tick")
		return
	}

	sctx := strategy.Context{Now: now}
	for _, c := range candidates {
		sig := w.deps.Strategy.ShouldBuy(c, sctx)
		if sig == nil {
			continue
		}
		if w.tryEnter(ctx, c, sig) {
			return
		}
	}
}

// tryEnter locks the candidate's symbol and submits the entry order.
// Returns true once the worker is HOLDING; false means scan should try the
// next candidate.
func (w *Worker) tryEnter(ctx context.Context, c models.Candidate, sig *strategy.BuySignal) bool {
	ttl := w.deps.Config.Runtime.LockTTL()
	if _, err := w.deps.Locks.Acquire(ctx, c.Symbol, w.id, ttl); err != nil {
		if !errors.Is(err, traderr.ErrLockAcquisition) {
			w.log.WithError(err).WithField("symbol", c.Symbol).Warn("lock acquire failed")
		}
		return false
	}
	release := func() {
		if _, err := w.deps.Locks.Release(ctx, c.Symbol, w.id); err != nil {
			w.log.WithError(err).WithField("symbol", c.Symbol).Warn("lock release failed")
		}
	}

	qty := sig.Qty
	if qty <= 0 {
		qty = w.sizePosition(ctx, c.Price)
	}
	if qty <= 0 {
		release()
		return false
	}

	typ := models.OrderTypeMarket
	if sig.Price.Valid {
		typ = models.OrderTypeLimit
	}
	now := w.deps.Clock.Now()
	o := &models.Order{
		IdempotencyKey: fmt.Sprintf("%s:%s:buy:%s", w.id, c.Symbol, storage.FormatTime(now)),
		WorkerID:       w.id,
		Symbol:         c.Symbol,
		Side:           models.SideBuy,
		Type:           typ,
		Qty:            qty,
		Price:          sig.Price,
		Reason:         sig.Reason,
	}
	o, _, err := w.deps.Orders.Create(ctx, o)
	if err != nil {
		w.log.WithError(err).WithField("symbol", c.Symbol).Error("entry order create failed")
		release()
		return false
	}

	err = w.deps.Orders.Send(ctx, o.ID)
	var reject *traderr.BrokerRejectError
	if errors.As(err, &reject) {
		release()
		return false
	}
	// A transient failure keeps the lock: the order stays PENDING and the
	// HOLDING tick resends it under the same idempotency key.

	if lerr := w.deps.Lifecycle.Transition(ctx, w.id, models.WorkerHolding, c.Symbol); lerr != nil {
		w.log.WithError(lerr).Error("transition to holding failed")
	}
	w.status = models.WorkerHolding
	w.currentSymbol = c.Symbol
	w.entryOrderID = o.ID
	w.heldSince = now
	w.lockLost.Store(false)

	w.log.WithFields(logrus.Fields{
		"symbol":   c.Symbol,
		"order_id": o.ID,
		"qty":      qty,
		"score":    c.Score,
	}).Info("entered position")
	return true
}

// sizePosition converts the capital limit and available cash into shares.
func (w *Worker) sizePosition(ctx context.Context, price decimal.Decimal) int64 {
	if !price.IsPositive() {
		return 0
	}
	budget := decimal.NewFromFloat(w.deps.Config.Risk.CapitalLimitPerWorker)
	cash, err := w.deps.Broker.GetCash(ctx, w.deps.Config.Broker.AccountNumber)
	if err != nil {
		w.log.WithError(err).Warn("cash query failed, skipping entry")
		return 0
	}
	if budget.IsZero() || cash.LessThan(budget) {
		budget = cash
	}
	return budget.Div(price).IntPart()
}

// dailyLossBreached reports whether today's realized PnL has passed the
// configured loss limit, in which case no new entries are taken.
func (w *Worker) dailyLossBreached(ctx context.Context, now time.Time) bool {
	limit := w.deps.Config.Risk.DailyLossLimit
	if limit <= 0 {
		return false
	}
	day, err := w.deps.Summaries.ComputeDay(ctx, w.id, now, w.priceFn(ctx))
	if err != nil {
		w.log.WithError(err).Warn("daily loss check failed")
		return false
	}
	if day.NetPnL.LessThanOrEqual(decimal.NewFromFloat(-limit)) {
		w.log.WithField("net_pnl", day.NetPnL.String()).Warn("daily loss limit reached, entries suspended")
		return true
	}
	return false
}
