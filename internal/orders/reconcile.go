package orders

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hskwon/stampede/internal/broker"
	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/storage"
	"github.com/hskwon/stampede/internal/traderr"
)

// ReconciledKeyPrefix marks orders imported from the broker at startup.
const ReconciledKeyPrefix = "reconciled:"

// ListOpenAll returns every non-terminal order in the store, across all
// workers. Used by startup reconciliation, which repairs the shared ledger.
func (s *Service) ListOpenAll(ctx context.Context) ([]models.Order, error) {
	rows, err := s.store.QueryContext(ctx, selectOrder+`
		WHERE status IN (?, ?, ?)
		ORDER BY created_at, order_id`,
		string(models.OrderPending), string(models.OrderSent), string(models.OrderPartial))
	if err != nil {
		return nil, &traderr.StoreError{Op: "orders.list_open_all", Err: err}
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ImportBrokerOrder inserts a broker-known order the local ledger is
// missing. The idempotency key is derived from the broker order id, so
// re-running reconciliation never duplicates the row.
func (s *Service) ImportBrokerOrder(ctx context.Context, bo broker.Order, workerID string) (bool, error) {
	status := models.OrderSent
	if bo.FilledQty > 0 {
		status = models.OrderPartial
	}
	now := storage.FormatTime(s.clock.Now())
	res, err := s.store.ExecContext(ctx, `
		INSERT INTO orders (order_id, broker_order_id, idempotency_key, worker_id, symbol, side,
		    order_type, qty, price, status, filled_qty, avg_fill_price, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, 'RECONCILED', ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		uuid.NewString(), bo.BrokerOrderID, ReconciledKeyPrefix+bo.BrokerOrderID,
		workerID, bo.Symbol, string(bo.Side), string(models.OrderTypeMarket),
		bo.Qty, string(status), bo.FilledQty,
		bo.AvgFillPrice.StringFixed(models.PricePrecision), now, now)
	if err != nil {
		return false, &traderr.StoreError{Op: "orders.import", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &traderr.StoreError{Op: "orders.import", Err: err}
	}
	return n > 0, nil
}

// AlignWithBroker folds a terminal status the broker reports into an order
// the ledger still considers open. Fills the execution stream missed arrive
// as one synthetic remainder execution; cancellations and rejections move the
// row to the matching terminal state. Returns whether the row changed.
func (s *Service) AlignWithBroker(ctx context.Context, o models.Order, bo broker.Order) (bool, error) {
	if o.Status.IsTerminal() || bo.Open() {
		return false, nil
	}

	changed := false
	if remainder := bo.FilledQty - o.FilledQty; remainder > 0 {
		err := s.ProcessFill(ctx, broker.Execution{
			BrokerFillID:  fmt.Sprintf("%s%s:fill:%d", ReconciledKeyPrefix, bo.BrokerOrderID, bo.FilledQty),
			BrokerOrderID: bo.BrokerOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Qty:           remainder,
			Price:         bo.AvgFillPrice,
			FillTime:      s.clock.Now(),
		})
		if err != nil {
			return false, err
		}
		changed = true
		refreshed, err := s.Get(ctx, o.ID)
		if err != nil {
			return changed, err
		}
		o = *refreshed
		if o.Status.IsTerminal() {
			return true, nil
		}
	}

	switch bo.Status {
	case "canceled", "expired":
		if !models.ValidOrderTransition(o.Status, models.OrderCanceled) {
			return changed, nil
		}
		if err := s.MarkCanceled(ctx, o.ID); err != nil {
			return changed, err
		}
		return true, nil
	case "rejected":
		if !models.ValidOrderTransition(o.Status, models.OrderRejected) {
			return changed, nil
		}
		if err := s.transition(ctx, o.ID, models.OrderRejected, o.BrokerOrderID, "REJECTED_AT_BROKER"); err != nil {
			return changed, err
		}
		return true, nil
	}
	return changed, nil
}

// OverwritePosition records a synthetic filled order and fill so the locally
// derived position for symbol matches the broker's. deltaQty is the signed
// adjustment (positive adds BUY shares, negative adds SELL shares).
func (s *Service) OverwritePosition(ctx context.Context, symbol string, deltaQty int64, price decimal.Decimal, workerID string) error {
	if deltaQty == 0 {
		return nil
	}
	side := models.SideBuy
	qty := deltaQty
	if deltaQty < 0 {
		side = models.SideSell
		qty = -deltaQty
	}

	now := s.clock.Now()
	nowStr := storage.FormatTime(now)
	orderID := uuid.NewString()
	// The order id keeps repeated corrections for one symbol within the
	// same second from colliding on the key.
	key := fmt.Sprintf("%s%s:pos:%s:%s", ReconciledKeyPrefix, symbol, nowStr, orderID[:8])
	priceStr := price.StringFixed(models.PricePrecision)

	return s.store.WithTx(ctx, func(tx storage.Querier) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (order_id, broker_order_id, idempotency_key, worker_id, symbol, side,
			    order_type, qty, price, status, filled_qty, avg_fill_price, reason, created_at, updated_at)
			VALUES (?, '', ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, 'RECONCILED_POSITION', ?, ?)`,
			orderID, key, workerID, symbol, string(side), string(models.OrderTypeMarket),
			qty, string(models.OrderFilled), qty, priceStr, nowStr, nowStr)
		if err != nil {
			return &traderr.StoreError{Op: "orders.overwrite_position", Err: err}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO fills (fill_id, broker_fill_id, order_id, symbol, side, qty, price, fill_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), key, orderID, symbol, string(side), qty, priceStr, nowStr)
		if err != nil {
			return &traderr.StoreError{Op: "orders.overwrite_position", Err: err}
		}
		return nil
	})
}
