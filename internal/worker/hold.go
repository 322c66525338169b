package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/storage"
	"github.com/hskwon/stampede/internal/strategy"
	"github.com/hskwon/stampede/internal/traderr"
)

// awaitStep is how often an in-flight exit order is re-read while waiting
// for a terminal status.
const awaitStep = 500 * time.Millisecond

// hold runs one HOLDING tick: resend a still-PENDING entry, evaluate exit
// conditions, and drive the exit order to completion when one fires.
func (w *Worker) hold(ctx context.Context) {
	symbol := w.currentSymbol
	w.resendPendingEntry(ctx)

	pos, err := w.deps.Orders.PositionFor(ctx, symbol)
	if err != nil {
		w.log.WithError(err).WithField("symbol", symbol).Warn("position read failed")
		return
	}
	now := w.deps.Clock.Now()

	var sig *strategy.SellSignal
	switch {
	case w.lockLost.Load():
		// Preempted: close out and walk away without touching the lock,
		// which may already belong to someone else.
		w.log.WithField("symbol", symbol).Warn("symbol lock lost, abandoning position")
		sig = &strategy.SellSignal{Confidence: 1, Reason: strategy.ReasonForced}
	case w.inLiquidationWindow(now):
		sig = &strategy.SellSignal{Confidence: 1, Reason: strategy.ReasonForced}
	default:
		price, ok := w.price(ctx, symbol)
		if !ok {
			w.log.WithField("symbol", symbol).Warn("no price available, holding")
			return
		}
		sig = w.deps.Strategy.ShouldSell(symbol, *pos, price, strategy.Context{Now: now, HeldSince: w.heldSince})
	}
	if sig == nil {
		return
	}

	if pos.NetQty <= 0 {
		// Nothing to liquidate. If the entry can still fill, keep waiting;
		// otherwise hand the symbol back.
		if o, err := w.deps.Orders.Get(ctx, w.entryOrderID); err == nil && !o.Status.IsTerminal() {
			if _, cerr := w.deps.Orders.Cancel(ctx, o.ID); cerr != nil && o.Status != models.OrderPending {
				w.log.WithError(cerr).Warn("entry cancel failed")
				return
			}
			if o.Status != models.OrderPending {
				return // wait for the cancel to land
			}
		}
		w.leave(ctx)
		return
	}

	if err := w.exitPosition(ctx, symbol, sig); err != nil {
		w.log.WithError(err).WithField("symbol", symbol).Warn("exit attempt incomplete")
	}
}

// resendPendingEntry retries an entry whose submission outcome was unknown.
// The idempotency key makes the resend safe.
func (w *Worker) resendPendingEntry(ctx context.Context) {
	if w.entryOrderID == "" {
		return
	}
	o, err := w.deps.Orders.Get(ctx, w.entryOrderID)
	if err != nil || o.Status != models.OrderPending {
		return
	}
	if err := w.deps.Orders.Send(ctx, o.ID); err != nil {
		w.log.WithError(err).WithField("order_id", o.ID).Warn("entry resend failed")
	}
}

// exitPosition sells the full open quantity, falling back to market orders
// with bounded retries. Inside the liquidation window an exhausted retry
// budget raises an operational alert and keeps the lock so no other worker
// re-enters the symbol.
func (w *Worker) exitPosition(ctx context.Context, symbol string, sig *strategy.SellSignal) error {
	maxAttempts := w.deps.Config.Runtime.ExitMaxRetries
	price := sig.Price

	for attempt := 0; attempt <= maxAttempts; attempt++ {
		pos, err := w.deps.Orders.PositionFor(ctx, symbol)
		if err != nil {
			return err
		}
		if pos.NetQty <= 0 {
			w.leave(ctx)
			return nil
		}

		typ := models.OrderTypeMarket
		if price.Valid {
			typ = models.OrderTypeLimit
		}
		now := w.deps.Clock.Now()
		o := &models.Order{
			IdempotencyKey: fmt.Sprintf("%s:%s:sell:%d:%s", w.id, symbol, attempt, storage.FormatTime(now)),
			WorkerID:       w.id,
			Symbol:         symbol,
			Side:           models.SideSell,
			Type:           typ,
			Qty:            pos.NetQty,
			Price:          price,
			Reason:         string(sig.Reason),
		}
		o, _, err = w.deps.Orders.Create(ctx, o)
		if err != nil {
			return err
		}
		if err := w.deps.Orders.Send(ctx, o.ID); err != nil {
			var reject *traderr.BrokerRejectError
			if errors.As(err, &reject) {
				price = decimal.NullDecimal{} // fall back to market
				continue
			}
			return err
		}

		final, err := w.awaitTerminal(ctx, o.ID, w.deps.Config.Runtime.ExitOrderTimeout())
		if err != nil {
			return err
		}
		if final == models.OrderFilled {
			w.log.WithFields(logrus.Fields{
				"symbol": symbol,
				"reason": sig.Reason,
			}).Info("position closed")
			w.leave(ctx)
			return nil
		}

		// CANCELED, or still working past the timeout: clear the way for a
		// market retry.
		if !final.IsTerminal() {
			if _, cerr := w.deps.Orders.Cancel(ctx, o.ID); cerr != nil {
				w.log.WithError(cerr).Warn("exit cancel failed")
			}
		}
		price = decimal.NullDecimal{}
	}

	if w.inLiquidationWindow(w.deps.Clock.Now()) {
		msg := fmt.Sprintf("worker %s could not liquidate %s inside the forced-exit window; lock retained", w.id, symbol)
		if err := w.deps.Notifier.Alert(ctx, "forced liquidation failed", msg); err != nil {
			w.log.WithError(err).Warn("liquidation alert delivery failed")
		}
		w.log.WithField("symbol", symbol).Error("forced liquidation retries exhausted")
	}
	return nil // stay HOLDING; next tick retries
}

// awaitTerminal polls the order until it reaches a terminal status or the
// timeout elapses, returning the last observed status.
func (w *Worker) awaitTerminal(ctx context.Context, orderID string, timeout time.Duration) (models.OrderStatus, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(awaitStep)
	defer ticker.Stop()

	for {
		o, err := w.deps.Orders.Get(ctx, orderID)
		if err != nil {
			return "", err
		}
		if o.Status.IsTerminal() {
			return o.Status, nil
		}
		select {
		case <-ctx.Done():
			return o.Status, nil
		case <-deadline.C:
			return o.Status, nil
		case <-ticker.C:
		}
	}
}

// leave releases the symbol lock (unless already lost) and returns the
// worker to SCANNING.
func (w *Worker) leave(ctx context.Context) {
	symbol := w.currentSymbol
	if symbol != "" && !w.lockLost.Load() {
		if _, err := w.deps.Locks.Release(ctx, symbol, w.id); err != nil {
			w.log.WithError(err).WithField("symbol", symbol).Warn("lock release failed")
		}
	}
	w.currentSymbol = ""
	w.entryOrderID = ""
	w.heldSince = time.Time{}
	w.lockLost.Store(false)

	if err := w.deps.Lifecycle.Transition(ctx, w.id, models.WorkerScanning, ""); err != nil {
		w.log.WithError(err).Warn("transition to scanning failed")
	}
	w.status = models.WorkerScanning
}
