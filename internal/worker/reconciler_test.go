package worker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/broker"
	"github.com/hskwon/stampede/internal/clock"
	"github.com/hskwon/stampede/internal/config"
	"github.com/hskwon/stampede/internal/mock"
	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/notify"
	"github.com/hskwon/stampede/internal/orders"
	"github.com/hskwon/stampede/internal/retry"
	"github.com/hskwon/stampede/internal/storage"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newReconcilerDeps(t *testing.T) (Deps, *mock.Broker, *clock.Fake) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clk := clock.NewFake(t0)
	brk := mock.NewBroker()

	cfg := &config.Config{}
	cfg.Broker.AccountNumber = "ACCT1"
	cfg.Universe.Symbols = []string{"AAA", "BBB"}
	cfg.Runtime.LostOrderTimeoutMs = 60_000

	ordersSvc := orders.NewService(store, brk, clk, notify.Noop{}, logger, "ACCT1")
	ordersSvc.SetRetryConfig(retry.Config{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	return Deps{
		Config: cfg,
		Broker: brk,
		Orders: ordersSvc,
		Clock:  clk,
		Logger: logger,
	}, brk, clk
}

func TestReconcilerImportsBrokerOrders(t *testing.T) {
	t.Parallel()
	deps, brk, _ := newReconcilerDeps(t)
	ctx := context.Background()

	brk.Orders["X1"] = &broker.Order{
		BrokerOrderID: "X1",
		Symbol:        "AAA",
		Side:          models.SideBuy,
		Status:        "open",
		Qty:           10,
		CreatedAt:     t0,
	}

	report, err := NewReconciler(deps, "w1").Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ImportedOrders != 1 {
		t.Fatalf("ImportedOrders = %d, want 1", report.ImportedOrders)
	}

	imported, err := deps.Orders.GetByBrokerOrderID(ctx, "X1")
	if err != nil {
		t.Fatalf("GetByBrokerOrderID: %v", err)
	}
	if imported.Status != models.OrderSent || imported.Symbol != "AAA" {
		t.Errorf("imported = %+v, want SENT AAA", imported)
	}

	// A second run finds the order already in the ledger.
	report, err = NewReconciler(deps, "w1").Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.ImportedOrders != 0 {
		t.Errorf("second run ImportedOrders = %d, want 0", report.ImportedOrders)
	}
}

func TestReconcilerMarksLostOrders(t *testing.T) {
	t.Parallel()
	deps, brk, clk := newReconcilerDeps(t)
	ctx := context.Background()

	// A SENT order whose broker-side record vanished.
	stale, _, err := deps.Orders.Create(ctx, &models.Order{
		IdempotencyKey: "k1",
		WorkerID:       "w1",
		Symbol:         "AAA",
		Side:           models.SideBuy,
		Type:           models.OrderTypeMarket,
		Qty:            10,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := deps.Orders.Send(ctx, stale.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent, err := deps.Orders.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	delete(brk.Orders, sent.BrokerOrderID)

	clk.Advance(2 * time.Minute)

	// A PENDING order created just now must survive the pass.
	young, _, err := deps.Orders.Create(ctx, &models.Order{
		IdempotencyKey: "k2",
		WorkerID:       "w1",
		Symbol:         "BBB",
		Side:           models.SideBuy,
		Type:           models.OrderTypeMarket,
		Qty:            5,
	})
	if err != nil {
		t.Fatalf("Create young: %v", err)
	}

	report, err := NewReconciler(deps, "w1").Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.LostOrders != 1 {
		t.Fatalf("LostOrders = %d, want 1", report.LostOrders)
	}

	got, _ := deps.Orders.Get(ctx, stale.ID)
	if got.Status != models.OrderRejected || got.Reason != orders.LostReason {
		t.Errorf("stale order = %s/%s, want REJECTED/LOST", got.Status, got.Reason)
	}
	got, _ = deps.Orders.Get(ctx, young.ID)
	if got.Status != models.OrderPending {
		t.Errorf("young order = %s, want PENDING untouched", got.Status)
	}
}

func TestReconcilerAlignsBrokerCanceledOrder(t *testing.T) {
	t.Parallel()
	deps, brk, _ := newReconcilerDeps(t)
	ctx := context.Background()

	o, _, err := deps.Orders.Create(ctx, &models.Order{
		IdempotencyKey: "k1",
		WorkerID:       "w1",
		Symbol:         "AAA",
		Side:           models.SideBuy,
		Type:           models.OrderTypeMarket,
		Qty:            10,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := deps.Orders.Send(ctx, o.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent, err := deps.Orders.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// The broker canceled the order but the confirmation never reached the
	// execution stream.
	if _, err := brk.CancelOrder(ctx, sent.BrokerOrderID, "ACCT1"); err != nil {
		t.Fatalf("broker cancel: %v", err)
	}

	report, err := NewReconciler(deps, "w1").Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.AlignedOrders != 1 {
		t.Fatalf("AlignedOrders = %d, want 1", report.AlignedOrders)
	}

	got, _ := deps.Orders.Get(ctx, o.ID)
	if got.Status != models.OrderCanceled {
		t.Errorf("status = %s, want CANCELED", got.Status)
	}
	open, err := deps.Orders.ListOpen(ctx, "w1")
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("ListOpen = %+v, want empty", open)
	}

	// A rerun has nothing left to align.
	report, err = NewReconciler(deps, "w1").Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.AlignedOrders != 0 {
		t.Errorf("second run AlignedOrders = %d, want 0", report.AlignedOrders)
	}
}

func TestReconcilerAlignsBrokerFilledOrder(t *testing.T) {
	t.Parallel()
	deps, brk, _ := newReconcilerDeps(t)
	ctx := context.Background()

	o, _, err := deps.Orders.Create(ctx, &models.Order{
		IdempotencyKey: "k1",
		WorkerID:       "w1",
		Symbol:         "AAA",
		Side:           models.SideBuy,
		Type:           models.OrderTypeMarket,
		Qty:            10,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := deps.Orders.Send(ctx, o.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent, err := deps.Orders.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// The broker filled the order in full; the fill frames were lost.
	bo := brk.Orders[sent.BrokerOrderID]
	bo.Status = "filled"
	bo.FilledQty = 10
	bo.AvgFillPrice = d("101.5")
	brk.Positions = []broker.Position{{Symbol: "AAA", Qty: 10, AvgPrice: d("101.5")}}

	report, err := NewReconciler(deps, "w1").Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.AlignedOrders != 1 {
		t.Fatalf("AlignedOrders = %d, want 1", report.AlignedOrders)
	}

	got, _ := deps.Orders.Get(ctx, o.ID)
	if got.Status != models.OrderFilled || got.FilledQty != 10 {
		t.Errorf("order = %s/%d, want FILLED/10", got.Status, got.FilledQty)
	}
	pos, err := deps.Orders.PositionFor(ctx, "AAA")
	if err != nil {
		t.Fatalf("PositionFor: %v", err)
	}
	if pos.NetQty != 10 {
		t.Errorf("NetQty = %d, want 10", pos.NetQty)
	}
	// The synthetic fill already matches the broker's holding, so the
	// position pass applies no overwrite.
	if report.PositionOverwrites != 0 {
		t.Errorf("PositionOverwrites = %d, want 0", report.PositionOverwrites)
	}
}

func TestReconcilerOverwritesPositions(t *testing.T) {
	t.Parallel()
	deps, brk, _ := newReconcilerDeps(t)
	ctx := context.Background()

	// Broker holds 10 AAA the ledger knows nothing about.
	brk.Positions = []broker.Position{{Symbol: "AAA", Qty: 10, AvgPrice: d("102.5")}}

	// The ledger thinks it holds 5 BBB the broker does not.
	if err := deps.Orders.OverwritePosition(ctx, "BBB", 5, d("50"), "w1"); err != nil {
		t.Fatalf("seed BBB position: %v", err)
	}

	report, err := NewReconciler(deps, "w1").Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.PositionOverwrites != 2 {
		t.Fatalf("PositionOverwrites = %d, want 2", report.PositionOverwrites)
	}

	aaa, err := deps.Orders.PositionFor(ctx, "AAA")
	if err != nil {
		t.Fatalf("PositionFor AAA: %v", err)
	}
	if aaa.NetQty != 10 || !aaa.AvgCost.Equal(d("102.5")) {
		t.Errorf("AAA = %+v, want 10 @ 102.5", aaa)
	}

	bbb, err := deps.Orders.PositionFor(ctx, "BBB")
	if err != nil {
		t.Fatalf("PositionFor BBB: %v", err)
	}
	if bbb.NetQty != 0 {
		t.Errorf("BBB NetQty = %d, want 0 (phantom cleared)", bbb.NetQty)
	}

	// Once aligned, a rerun applies nothing.
	report, err = NewReconciler(deps, "w1").Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.PositionOverwrites != 0 {
		t.Errorf("second run PositionOverwrites = %d, want 0", report.PositionOverwrites)
	}
}
