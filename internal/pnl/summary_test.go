package pnl

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/clock"
	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/storage"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func fill(symbol string, side models.Side, qty int64, price string, at time.Time) models.Fill {
	return models.Fill{
		ID:       symbol + price + string(side),
		Symbol:   symbol,
		Side:     side,
		Qty:      qty,
		Price:    d(price),
		FillTime: at,
	}
}

func noPrices(string) (decimal.Decimal, bool) { return decimal.Zero, false }

func TestComputeCleanRoundTrip(t *testing.T) {
	t.Parallel()
	fills := []models.Fill{
		fill("A", models.SideBuy, 10, "100.0000", day.Add(10*time.Hour)),
		fill("A", models.SideSell, 10, "110.0000", day.Add(11*time.Hour)),
	}
	s := Compute("w1", day, fills, noPrices)

	if s.TotalTrades != 1 || s.WinningTrades != 1 || s.LosingTrades != 0 {
		t.Errorf("trades = %d/%d/%d, want 1/1/0", s.TotalTrades, s.WinningTrades, s.LosingTrades)
	}
	if !s.NetPnL.Equal(d("100")) {
		t.Errorf("NetPnL = %s, want 100", s.NetPnL)
	}
	if s.WinRate != 1.0 {
		t.Errorf("WinRate = %v, want 1.0", s.WinRate)
	}
	if !math.IsInf(s.ProfitFactor, 1) {
		t.Errorf("ProfitFactor = %v, want +Inf", s.ProfitFactor)
	}
	if !s.MaxDrawdown.Equal(decimal.Zero) {
		t.Errorf("MaxDrawdown = %s, want 0", s.MaxDrawdown)
	}
}

func TestComputeNoTrades(t *testing.T) {
	t.Parallel()
	s := Compute("w1", day, nil, noPrices)
	if s.TotalTrades != 0 || s.WinRate != 0 || s.ProfitFactor != 0 {
		t.Errorf("empty day: trades=%d win_rate=%v pf=%v, want zeros", s.TotalTrades, s.WinRate, s.ProfitFactor)
	}
}

func TestComputeMixedTradesAndDrawdown(t *testing.T) {
	t.Parallel()
	fills := []models.Fill{
		// Trade 1: +100
		fill("A", models.SideBuy, 10, "100", day.Add(1*time.Hour)),
		fill("A", models.SideSell, 10, "110", day.Add(2*time.Hour)),
		// Trade 2: -40
		fill("B", models.SideBuy, 20, "50", day.Add(3*time.Hour)),
		fill("B", models.SideSell, 20, "48", day.Add(4*time.Hour)),
		// Trade 3: +30
		fill("C", models.SideBuy, 10, "30", day.Add(5*time.Hour)),
		fill("C", models.SideSell, 10, "33", day.Add(6*time.Hour)),
	}
	s := Compute("w1", day, fills, noPrices)

	if s.TotalTrades != 3 || s.WinningTrades != 2 || s.LosingTrades != 1 {
		t.Fatalf("trades = %d/%d/%d, want 3/2/1", s.TotalTrades, s.WinningTrades, s.LosingTrades)
	}
	if !s.GrossProfit.Equal(d("130")) {
		t.Errorf("GrossProfit = %s, want 130", s.GrossProfit)
	}
	if !s.GrossLoss.Equal(d("40")) {
		t.Errorf("GrossLoss = %s, want 40 (magnitude)", s.GrossLoss)
	}
	if !s.NetPnL.Equal(d("90")) {
		t.Errorf("NetPnL = %s, want 90", s.NetPnL)
	}
	// Curve: +100 → +60 → +90; deepest peak-to-trough is 40.
	if !s.MaxDrawdown.Equal(d("40")) {
		t.Errorf("MaxDrawdown = %s, want 40", s.MaxDrawdown)
	}
	if got := s.GrossProfit.Div(s.GrossLoss).InexactFloat64(); math.Abs(s.ProfitFactor-got) > 1e-9 {
		t.Errorf("ProfitFactor = %v, want %v", s.ProfitFactor, got)
	}
	if math.Abs(s.WinRate-2.0/3.0) > 1e-9 {
		t.Errorf("WinRate = %v, want 2/3", s.WinRate)
	}
}

func TestComputeBreakEvenTripCountsAsLosing(t *testing.T) {
	t.Parallel()
	fills := []models.Fill{
		fill("A", models.SideBuy, 10, "100", day.Add(1*time.Hour)),
		fill("A", models.SideSell, 10, "100", day.Add(2*time.Hour)),
	}
	s := Compute("w1", day, fills, noPrices)

	if s.TotalTrades != 1 || s.WinningTrades != 0 || s.LosingTrades != 1 {
		t.Errorf("trades = %d/%d/%d, want 1/0/1 (break-even is not a win)",
			s.TotalTrades, s.WinningTrades, s.LosingTrades)
	}
	if !s.NetPnL.Equal(decimal.Zero) {
		t.Errorf("NetPnL = %s, want 0", s.NetPnL)
	}
	if s.WinRate != 0 {
		t.Errorf("WinRate = %v, want 0", s.WinRate)
	}
}

func TestComputeOpenPositionUnrealized(t *testing.T) {
	t.Parallel()
	fills := []models.Fill{
		fill("A", models.SideBuy, 10, "100", day.Add(1*time.Hour)),
	}
	prices := func(symbol string) (decimal.Decimal, bool) {
		if symbol == "A" {
			return d("104"), true
		}
		return decimal.Zero, false
	}
	s := Compute("w1", day, fills, prices)

	if s.TotalTrades != 0 {
		t.Errorf("open position counted as a trade: %d", s.TotalTrades)
	}
	if !s.UnrealizedPnL.Equal(d("40")) {
		t.Errorf("UnrealizedPnL = %s, want 40", s.UnrealizedPnL)
	}
}

func TestGenerateSummaryUpsertIsIdempotent(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	clk := clock.NewFake(day.Add(16 * time.Hour))
	seedRoundTrip(t, store, "w1", day)

	svc := NewSummaryService(store, clk, testLogger())
	first, err := svc.GenerateSummary(ctx, "w1", day, noPrices)
	if err != nil {
		t.Fatalf("GenerateSummary: %v", err)
	}
	second, err := svc.GenerateSummary(ctx, "w1", day, noPrices)
	if err != nil {
		t.Fatalf("GenerateSummary (again): %v", err)
	}
	if !first.NetPnL.Equal(second.NetPnL) || first.TotalTrades != second.TotalTrades {
		t.Errorf("regeneration changed the summary: %+v vs %+v", first, second)
	}

	var rows int
	err = store.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM daily_summaries WHERE worker_id = 'w1'`).Scan(&rows)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("daily_summaries rows = %d, want 1", rows)
	}
}

// The buy and sell fill share one timestamp and the sell's fill_id sorts
// before the buy's. Replay must follow the ingest sequence; any id tiebreak
// would see the sell first and drop the round trip.
func TestGenerateSummarySameSecondFillsKeepIngestOrder(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	at := storage.FormatTime(day.Add(10 * time.Hour))
	insert := func(orderID, side, fillID, price string) {
		_, err := store.ExecContext(ctx, `
			INSERT INTO orders (order_id, broker_order_id, idempotency_key, worker_id, symbol, side,
			    order_type, qty, price, status, filled_qty, avg_fill_price, reason, created_at, updated_at)
			VALUES (?, ?, ?, 'w1', 'A', ?, 'MARKET', 10, NULL, 'FILLED', 10, ?, '', ?, ?)`,
			orderID, "B"+orderID, "k-"+orderID, side, price, at, at)
		if err != nil {
			t.Fatalf("seed order: %v", err)
		}
		_, err = store.ExecContext(ctx, `
			INSERT INTO fills (fill_id, broker_fill_id, order_id, symbol, side, qty, price, fill_time)
			VALUES (?, ?, ?, 'A', ?, 10, ?, ?)`,
			fillID, "BF-"+fillID, orderID, side, price, at)
		if err != nil {
			t.Fatalf("seed fill: %v", err)
		}
	}
	insert("o1", "BUY", "z-buy", "100.0000")
	insert("o2", "SELL", "a-sell", "110.0000")

	svc := NewSummaryService(store, clock.NewFake(day.Add(16*time.Hour)), testLogger())
	s, err := svc.GenerateSummary(ctx, "w1", day, noPrices)
	if err != nil {
		t.Fatalf("GenerateSummary: %v", err)
	}
	if s.TotalTrades != 1 || s.WinningTrades != 1 {
		t.Errorf("trades = %d/%d, want 1/1", s.TotalTrades, s.WinningTrades)
	}
	if !s.NetPnL.Equal(d("100")) {
		t.Errorf("NetPnL = %s, want 100", s.NetPnL)
	}
}

func TestLoadProfitFactorInfSentinel(t *testing.T) {
	t.Parallel()
	if !math.IsInf(LoadProfitFactor(profitFactorInfSentinel), 1) {
		t.Error("sentinel should load as +Inf")
	}
	if got := LoadProfitFactor(2.5); got != 2.5 {
		t.Errorf("LoadProfitFactor(2.5) = %v", got)
	}
}

// seedRoundTrip writes one buy order, one sell order, and their fills.
func seedRoundTrip(t *testing.T, store storage.Store, workerID string, day time.Time) {
	t.Helper()
	ctx := context.Background()
	at := storage.FormatTime(day.Add(10 * time.Hour))

	insert := func(orderID, side, fillID, price string, fillAt time.Time) {
		_, err := store.ExecContext(ctx, `
			INSERT INTO orders (order_id, broker_order_id, idempotency_key, worker_id, symbol, side,
			    order_type, qty, price, status, filled_qty, avg_fill_price, reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'A', ?, 'MARKET', 10, NULL, 'FILLED', 10, ?, '', ?, ?)`,
			orderID, "B"+orderID, "k-"+orderID, workerID, side, price, at, at)
		if err != nil {
			t.Fatalf("seed order: %v", err)
		}
		_, err = store.ExecContext(ctx, `
			INSERT INTO fills (fill_id, broker_fill_id, order_id, symbol, side, qty, price, fill_time)
			VALUES (?, ?, ?, 'A', ?, 10, ?, ?)`,
			fillID, "BF-"+fillID, orderID, side, price, storage.FormatTime(fillAt))
		if err != nil {
			t.Fatalf("seed fill: %v", err)
		}
	}
	insert("o1", "BUY", "f1", "100.0000", day.Add(10*time.Hour))
	insert("o2", "SELL", "f2", "110.0000", day.Add(11*time.Hour))
}
