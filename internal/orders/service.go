// Package orders owns the local order ledger: idempotent creation, broker
// submission, cancellation, and fill ingestion. The broker remains the
// source of truth; this ledger is the cache the reconciler repairs.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/broker"
	"github.com/hskwon/stampede/internal/clock"
	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/notify"
	"github.com/hskwon/stampede/internal/pnl"
	"github.com/hskwon/stampede/internal/retry"
	"github.com/hskwon/stampede/internal/storage"
	"github.com/hskwon/stampede/internal/traderr"
)

// LostReason marks orders the broker no longer knows about.
const LostReason = "LOST"

// ErrUnknownOrder reports a fill whose broker order id has no row in the
// ledger yet. The execution stream can deliver a fill before the Send that
// produced it commits the broker order id, so callers should retry shortly
// rather than discard the fill.
var ErrUnknownOrder = errors.New("fill references an order not in the ledger")

// Service coordinates the order ledger with the brokerage port.
type Service struct {
	store     storage.Store
	broker    broker.Broker
	clock     clock.Clock
	notifier  notify.Notifier
	logger    *logrus.Logger
	accountID string
	retryCfg  retry.Config
}

// NewService creates an order service bound to one brokerage account.
func NewService(store storage.Store, brk broker.Broker, clk clock.Clock, notifier notify.Notifier, logger *logrus.Logger, accountID string) *Service {
	return &Service{
		store:     store,
		broker:    brk,
		clock:     clk,
		notifier:  notifier,
		logger:    logger,
		accountID: accountID,
		retryCfg:  retry.DefaultConfig,
	}
}

// SetRetryConfig overrides the broker retry policy. Tests use it to shrink
// backoff waits.
func (s *Service) SetRetryConfig(cfg retry.Config) { s.retryCfg = cfg }

// Create records a new PENDING order. Creation is idempotent on
// o.IdempotencyKey: calling again with the same key returns the existing
// record and created=false, regardless of the other fields.
func (s *Service) Create(ctx context.Context, o *models.Order) (*models.Order, bool, error) {
	now := s.clock.Now()
	o.ID = uuid.NewString()
	o.Status = models.OrderPending
	o.FilledQty = 0
	o.AvgFillPrice = decimal.Zero
	o.CreatedAt = now
	o.UpdatedAt = now
	if err := o.Validate(); err != nil {
		return nil, false, err
	}

	var price any
	if o.Price.Valid {
		price = o.Price.Decimal.StringFixed(models.PricePrecision)
	}
	res, err := s.store.ExecContext(ctx, `
		INSERT INTO orders (order_id, broker_order_id, idempotency_key, worker_id, symbol, side,
		    order_type, qty, price, status, filled_qty, avg_fill_price, reason, created_at, updated_at)
		VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, ?, 0, '0', ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		o.ID, o.IdempotencyKey, o.WorkerID, o.Symbol, string(o.Side), string(o.Type),
		o.Qty, price, string(o.Status), o.Reason,
		storage.FormatTime(now), storage.FormatTime(now))
	if err != nil {
		return nil, false, &traderr.StoreError{Op: "orders.create", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, &traderr.StoreError{Op: "orders.create", Err: err}
	}
	if n == 0 {
		existing, err := s.GetByIdempotencyKey(ctx, o.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		s.logger.WithFields(logrus.Fields{
			"idempotency_key": o.IdempotencyKey,
			"order_id":        existing.ID,
		}).Info("order create deduplicated")
		return existing, false, nil
	}
	return o, true, nil
}

// Send submits a PENDING order to the broker. On acceptance the order moves
// to SENT with the broker-assigned id; on an explicit reject it moves to
// REJECTED and the reject error is returned. A transient failure leaves the
// order PENDING so a later Send with the same idempotency key is safe.
func (s *Service) Send(ctx context.Context, orderID string) error {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	switch o.Status {
	case models.OrderPending:
		// proceed
	case models.OrderSent:
		return nil // already submitted
	default:
		return fmt.Errorf("send order %s: status %s is not sendable", orderID, o.Status)
	}

	req := broker.OrderRequest{
		IdempotencyKey: o.IdempotencyKey,
		AccountID:      s.accountID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Type:           o.Type,
		Qty:            o.Qty,
		Price:          o.Price,
	}
	var brokerOrderID string
	err = retry.Do(ctx, s.logger, s.retryCfg, "place_order", func(ctx context.Context) error {
		var perr error
		brokerOrderID, perr = s.broker.PlaceOrder(ctx, req)
		return perr
	})
	if err != nil {
		var reject *traderr.BrokerRejectError
		if errors.As(err, &reject) {
			if terr := s.transition(ctx, orderID, models.OrderRejected, "", reject.Reason); terr != nil {
				return terr
			}
			s.logger.WithFields(logrus.Fields{
				"order_id": orderID,
				"code":     reject.Code,
				"reason":   reject.Reason,
			}).Warn("order rejected by broker")
			return err
		}
		// PENDING survives; the order may or may not exist at the broker and
		// the idempotency key disambiguates the next attempt.
		s.logger.WithError(err).WithField("order_id", orderID).Warn("order submission failed, left pending")
		return err
	}
	// Keep the reason recorded at creation; only rejects overwrite it.
	return s.transition(ctx, orderID, models.OrderSent, brokerOrderID, o.Reason)
}

// Cancel asks the broker to cancel a SENT or PARTIAL order. It returns
// whether the broker accepted the request; the local order stays put until
// the execution stream or the reconciler reports the outcome.
func (s *Service) Cancel(ctx context.Context, orderID string) (bool, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	if o.Status != models.OrderSent && o.Status != models.OrderPartial {
		return false, fmt.Errorf("cancel order %s: status %s is not cancelable", orderID, o.Status)
	}
	var accepted bool
	err = retry.Do(ctx, s.logger, s.retryCfg, "cancel_order", func(ctx context.Context) error {
		var cerr error
		accepted, cerr = s.broker.CancelOrder(ctx, o.BrokerOrderID, s.accountID)
		return cerr
	})
	if err != nil {
		return false, err
	}
	s.logger.WithFields(logrus.Fields{
		"order_id":        orderID,
		"broker_order_id": o.BrokerOrderID,
		"accepted":        accepted,
	}).Info("cancel requested")
	return accepted, nil
}

// ProcessFill ingests one execution report inside a single transaction.
// Duplicate broker fill ids are dropped, fills on terminal orders are
// dropped with a warning, a fill whose broker order id is not in the ledger
// yet returns ErrUnknownOrder so the caller can retry, and a fill that would
// push filled quantity past the order quantity is rejected without touching
// local state.
func (s *Service) ProcessFill(ctx context.Context, exec broker.Execution) error {
	err := s.store.WithTx(ctx, func(tx storage.Querier) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM fills WHERE broker_fill_id = ?`, exec.BrokerFillID).Scan(&one)
		if err == nil {
			s.logger.WithField("broker_fill_id", exec.BrokerFillID).Debug("duplicate fill dropped")
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return &traderr.StoreError{Op: "fills.dedup", Err: err}
		}

		o, err := s.getBy(ctx, tx, `broker_order_id = ?`, exec.BrokerOrderID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("fill %s for broker order %s: %w",
				exec.BrokerFillID, exec.BrokerOrderID, ErrUnknownOrder)
		}
		if err != nil {
			return err
		}
		if o.Status.IsTerminal() {
			s.logger.WithFields(logrus.Fields{
				"order_id":       o.ID,
				"status":         o.Status,
				"broker_fill_id": exec.BrokerFillID,
			}).Warn("fill on terminal order dropped")
			return nil
		}

		newFilled := o.FilledQty + exec.Qty
		if newFilled > o.Qty {
			return &traderr.InvariantViolation{
				Msg: "fill exceeds order quantity",
				Context: map[string]string{
					"order_id":       o.ID,
					"broker_fill_id": exec.BrokerFillID,
					"order_qty":      fmt.Sprint(o.Qty),
					"filled_qty":     fmt.Sprint(o.FilledQty),
					"fill_qty":       fmt.Sprint(exec.Qty),
				},
			}
		}
		newStatus := models.OrderPartial
		if newFilled == o.Qty {
			newStatus = models.OrderFilled
		}
		if !models.ValidOrderTransition(o.Status, newStatus) {
			return &traderr.InvariantViolation{
				Msg: "fill on order in unexpected state",
				Context: map[string]string{
					"order_id": o.ID,
					"from":     string(o.Status),
					"to":       string(newStatus),
				},
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO fills (fill_id, broker_fill_id, order_id, symbol, side, qty, price, fill_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), exec.BrokerFillID, o.ID, exec.Symbol, string(exec.Side),
			exec.Qty, exec.Price.StringFixed(models.PricePrecision), storage.FormatTime(exec.FillTime))
		if err != nil {
			return &traderr.StoreError{Op: "fills.insert", Err: err}
		}

		// Weighted average over all fills seen so far.
		total := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty)).
			Add(exec.Price.Mul(decimal.NewFromInt(exec.Qty)))
		newAvg := total.Div(decimal.NewFromInt(newFilled)).Round(models.PricePrecision)

		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET filled_qty = ?, avg_fill_price = ?, status = ?, updated_at = ?
			WHERE order_id = ?`,
			newFilled, newAvg.StringFixed(models.PricePrecision), string(newStatus),
			storage.FormatTime(s.clock.Now()), o.ID)
		if err != nil {
			return &traderr.StoreError{Op: "orders.fill_update", Err: err}
		}
		return nil
	})

	var iv *traderr.InvariantViolation
	if errors.As(err, &iv) {
		if aerr := s.notifier.Alert(ctx, "fill ingestion invariant violation", iv.Error()); aerr != nil {
			s.logger.WithError(aerr).Warn("invariant alert delivery failed")
		}
	}
	return err
}

// MarkCanceled records a broker-confirmed cancellation.
func (s *Service) MarkCanceled(ctx context.Context, orderID string) error {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !models.ValidOrderTransition(o.Status, models.OrderCanceled) {
		return fmt.Errorf("mark canceled %s: invalid from %s", orderID, o.Status)
	}
	return s.transition(ctx, orderID, models.OrderCanceled, o.BrokerOrderID, o.Reason)
}

// MarkLost rejects an order the broker has no record of.
func (s *Service) MarkLost(ctx context.Context, orderID string) error {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !models.ValidOrderTransition(o.Status, models.OrderRejected) {
		return fmt.Errorf("mark lost %s: invalid from %s", orderID, o.Status)
	}
	return s.transition(ctx, orderID, models.OrderRejected, o.BrokerOrderID, LostReason)
}

// Get loads one order by ledger id.
func (s *Service) Get(ctx context.Context, orderID string) (*models.Order, error) {
	return s.getBy(ctx, s.store, `order_id = ?`, orderID)
}

// GetByIdempotencyKey loads one order by idempotency key.
func (s *Service) GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return s.getBy(ctx, s.store, `idempotency_key = ?`, key)
}

// GetByBrokerOrderID loads one order by the broker-assigned id.
func (s *Service) GetByBrokerOrderID(ctx context.Context, brokerOrderID string) (*models.Order, error) {
	return s.getBy(ctx, s.store, `broker_order_id = ?`, brokerOrderID)
}

// ListOpen returns the worker's non-terminal orders.
func (s *Service) ListOpen(ctx context.Context, workerID string) ([]models.Order, error) {
	rows, err := s.store.QueryContext(ctx, selectOrder+`
		WHERE worker_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at, order_id`,
		workerID, string(models.OrderPending), string(models.OrderSent), string(models.OrderPartial))
	if err != nil {
		return nil, &traderr.StoreError{Op: "orders.list_open", Err: err}
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

// PositionFor derives the symbol's net position from the recorded fills,
// replayed in ingest order. Fill timestamps carry second resolution, so
// ordering by them alone is ambiguous when fills land in the same second.
func (s *Service) PositionFor(ctx context.Context, symbol string) (*models.Position, error) {
	rows, err := s.store.QueryContext(ctx, `
		SELECT side, qty, price FROM fills WHERE symbol = ? ORDER BY seq`, symbol)
	if err != nil {
		return nil, &traderr.StoreError{Op: "fills.position", Err: err}
	}
	defer rows.Close()

	book := pnl.NewLotBook()
	for rows.Next() {
		var side, price string
		var qty int64
		if err := rows.Scan(&side, &qty, &price); err != nil {
			return nil, &traderr.StoreError{Op: "fills.position", Err: err}
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, &traderr.StoreError{Op: "fills.position", Err: err}
		}
		if models.Side(side) == models.SideBuy {
			book.AddBuy(qty, p)
		} else if _, err := book.AddSell(qty, p); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &traderr.StoreError{Op: "fills.position", Err: err}
	}
	return &models.Position{Symbol: symbol, NetQty: book.NetQty(), AvgCost: book.AvgCost()}, nil
}

const selectOrder = `
	SELECT order_id, broker_order_id, idempotency_key, worker_id, symbol, side, order_type,
	       qty, price, status, filled_qty, avg_fill_price, reason, created_at, updated_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var side, typ, status, avg, createdAt, updatedAt string
	var price sql.NullString
	err := row.Scan(&o.ID, &o.BrokerOrderID, &o.IdempotencyKey, &o.WorkerID, &o.Symbol,
		&side, &typ, &o.Qty, &price, &status, &o.FilledQty, &avg, &o.Reason, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, &traderr.StoreError{Op: "orders.scan", Err: err}
	}
	o.Side = models.Side(side)
	o.Type = models.OrderType(typ)
	o.Status = models.OrderStatus(status)
	if price.Valid {
		d, err := decimal.NewFromString(price.String)
		if err != nil {
			return nil, &traderr.StoreError{Op: "orders.scan", Err: err}
		}
		o.Price = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, &traderr.StoreError{Op: "orders.scan", Err: err}
	}
	if o.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, &traderr.StoreError{Op: "orders.scan", Err: err}
	}
	if o.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, &traderr.StoreError{Op: "orders.scan", Err: err}
	}
	return &o, nil
}

func (s *Service) getBy(ctx context.Context, q storage.Querier, where string, arg any) (*models.Order, error) {
	return scanOrder(q.QueryRowContext(ctx, selectOrder+` WHERE `+where, arg))
}

func (s *Service) transition(ctx context.Context, orderID string, to models.OrderStatus, brokerOrderID, reason string) error {
	now := storage.FormatTime(s.clock.Now())
	var err error
	if brokerOrderID != "" {
		_, err = s.store.ExecContext(ctx, `
			UPDATE orders SET status = ?, broker_order_id = ?, reason = ?, updated_at = ? WHERE order_id = ?`,
			string(to), brokerOrderID, reason, now, orderID)
	} else {
		_, err = s.store.ExecContext(ctx, `
			UPDATE orders SET status = ?, reason = ?, updated_at = ? WHERE order_id = ?`,
			string(to), reason, now, orderID)
	}
	if err != nil {
		return &traderr.StoreError{Op: "orders.transition", Err: err}
	}
	return nil
}
