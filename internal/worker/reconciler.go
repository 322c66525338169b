package worker

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/broker"
	"github.com/hskwon/stampede/internal/models"
)

// RecoveryReport counts the repairs applied by startup reconciliation.
type RecoveryReport struct {
	ImportedOrders     int // broker orders the local ledger was missing
	AlignedOrders      int // local open orders moved to the broker's terminal state
	LostOrders         int // local orders the broker has no record of
	PositionOverwrites int // symbols whose derived position was corrected
}

// Reconciler repairs the local ledger against the broker, which is the
// source of truth, before the worker enters its loop.
type Reconciler struct {
	deps     Deps
	workerID string
	log      *logrus.Entry
}

// NewReconciler builds a reconciler for one worker.
func NewReconciler(deps Deps, workerID string) *Reconciler {
	return &Reconciler{
		deps:     deps,
		workerID: workerID,
		log:      deps.Logger.WithField("worker_id", workerID),
	}
}

// Run performs the three reconciliation passes: import broker-known orders
// the ledger is missing, reject local orders the broker lost, and overwrite
// derived positions that disagree with the broker's.
func (r *Reconciler) Run(ctx context.Context) (*RecoveryReport, error) {
	accountID := r.deps.Config.Broker.AccountNumber
	brokerOrders, err := r.deps.Broker.GetOrders(ctx, accountID)
	if err != nil {
		return nil, err
	}
	brokerPositions, err := r.deps.Broker.GetPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	localOpen, err := r.deps.Orders.ListOpenAll(ctx)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{}

	byBrokerID := make(map[string]models.Order, len(localOpen))
	for _, o := range localOpen {
		if o.BrokerOrderID != "" {
			byBrokerID[o.BrokerOrderID] = o
		}
	}
	knownAtBroker := make(map[string]broker.Order, len(brokerOrders))

	// Pass 1: broker-known open orders missing locally.
	for _, bo := range brokerOrders {
		knownAtBroker[bo.BrokerOrderID] = bo
		if !bo.Open() {
			continue
		}
		if _, ok := byBrokerID[bo.BrokerOrderID]; ok {
			continue
		}
		created, err := r.deps.Orders.ImportBrokerOrder(ctx, bo, r.workerID)
		if err != nil {
			return nil, err
		}
		if created {
			report.ImportedOrders++
			r.log.WithFields(logrus.Fields{
				"broker_order_id": bo.BrokerOrderID,
				"symbol":          bo.Symbol,
			}).Warn("imported order the ledger was missing")
		}
	}

	// Pass 2: local non-terminal orders. Orders the broker reports terminal
	// are moved to the matching terminal state; orders the broker has no
	// record of are rejected as lost. Young PENDING orders are left alone;
	// their submission may still be in flight on another worker.
	now := r.deps.Clock.Now()
	lostAfter := r.deps.Config.Runtime.LostOrderTimeout()
	for _, o := range localOpen {
		if bo, ok := knownAtBroker[o.BrokerOrderID]; o.BrokerOrderID != "" && ok {
			if bo.Open() {
				continue
			}
			changed, err := r.deps.Orders.AlignWithBroker(ctx, o, bo)
			if err != nil {
				return nil, err
			}
			if changed {
				report.AlignedOrders++
				r.log.WithFields(logrus.Fields{
					"order_id":      o.ID,
					"symbol":        o.Symbol,
					"broker_status": bo.Status,
				}).Warn("open order aligned to broker terminal status")
			}
			continue
		}
		if now.Sub(o.CreatedAt) < lostAfter {
			continue
		}
		if err := r.deps.Orders.MarkLost(ctx, o.ID); err != nil {
			r.log.WithError(err).WithField("order_id", o.ID).Warn("marking lost order failed")
			continue
		}
		report.LostOrders++
		r.log.WithFields(logrus.Fields{
			"order_id": o.ID,
			"symbol":   o.Symbol,
		}).Warn("order lost at broker, rejected")
	}

	// Pass 3: align derived positions with the broker's holdings.
	if err := r.overwritePositions(ctx, brokerPositions, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (r *Reconciler) overwritePositions(ctx context.Context, positions []broker.Position, report *RecoveryReport) error {
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		seen[p.Symbol] = true
		local, err := r.deps.Orders.PositionFor(ctx, p.Symbol)
		if err != nil {
			return err
		}
		delta := p.Qty - local.NetQty
		if delta == 0 {
			continue
		}
		if err := r.deps.Orders.OverwritePosition(ctx, p.Symbol, delta, p.AvgPrice, r.workerID); err != nil {
			return err
		}
		report.PositionOverwrites++
		r.log.WithFields(logrus.Fields{
			"symbol":     p.Symbol,
			"local_qty":  local.NetQty,
			"broker_qty": p.Qty,
		}).Warn("derived position overwritten from broker")
	}

	// Symbols the ledger thinks it holds but the broker does not.
	for _, s := range r.deps.Config.Universe.Symbols {
		if seen[s] {
			continue
		}
		local, err := r.deps.Orders.PositionFor(ctx, s)
		if err != nil {
			return err
		}
		if local.NetQty == 0 {
			continue
		}
		if err := r.deps.Orders.OverwritePosition(ctx, s, -local.NetQty, local.AvgCost, r.workerID); err != nil {
			return err
		}
		report.PositionOverwrites++
		r.log.WithFields(logrus.Fields{
			"symbol":    s,
			"local_qty": local.NetQty,
		}).Warn("phantom position cleared")
	}
	return nil
}
