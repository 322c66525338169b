package strategy

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/models"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func candidate(changePct float64) models.Candidate {
	return models.Candidate{
		Symbol:     "AAA",
		Price:      d("100"),
		Volume:     100_000,
		Indicators: map[string]float64{"change_pct": changePct},
		ScannedAt:  t0,
	}
}

// scripted is a hand-steered strategy for Executor tests.
type scripted struct {
	buy  *BuySignal
	sell *SellSignal
}

func (scripted) Name() string                  { return "scripted" }
func (scripted) Score(models.Candidate) float64 { return 0.5 }
func (s scripted) ShouldBuy(models.Candidate, Context) *BuySignal { return s.buy }
func (s scripted) ShouldSell(string, models.Position, decimal.Decimal, Context) *SellSignal {
	return s.sell
}

func TestExecutorConfidenceGate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		confidence float64
		want       bool
	}{
		{"below gate", 0.3, false},
		{"at gate", 0.6, true},
		{"above gate", 0.9, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := NewExecutor(scripted{buy: &BuySignal{Confidence: tt.confidence, Reason: "x"}}, 0.6, testLogger())
			got := e.ShouldBuy(candidate(3), Context{Now: t0})
			if (got != nil) != tt.want {
				t.Errorf("ShouldBuy with confidence %v = %v, want emitted=%v", tt.confidence, got, tt.want)
			}
		})
	}
}

func TestExecutorDefaultsBuyReason(t *testing.T) {
	t.Parallel()
	e := NewExecutor(scripted{buy: &BuySignal{Confidence: 1}}, 0, testLogger())
	sig := e.ShouldBuy(candidate(3), Context{Now: t0})
	if sig == nil || sig.Reason != "scripted" {
		t.Fatalf("sig = %+v, want reason defaulted to strategy name", sig)
	}
}

func TestExecutorDropsInvalidSellReason(t *testing.T) {
	t.Parallel()
	pos := models.Position{Symbol: "AAA", NetQty: 10, AvgCost: d("100")}

	e := NewExecutor(scripted{sell: &SellSignal{Confidence: 1, Reason: "WHIM"}}, 0, testLogger())
	if sig := e.ShouldSell("AAA", pos, d("90"), Context{Now: t0}); sig != nil {
		t.Fatalf("invalid reason passed the gate: %+v", sig)
	}

	e = NewExecutor(scripted{sell: &SellSignal{Confidence: 1, Reason: ReasonForced}}, 0, testLogger())
	if sig := e.ShouldSell("AAA", pos, d("90"), Context{Now: t0}); sig == nil {
		t.Fatal("valid FORCED reason was dropped")
	}
}

func TestMomentumScore(t *testing.T) {
	t.Parallel()
	m := NewMomentum(Params{"min_change_pct": 2})

	tests := []struct {
		changePct float64
		want      float64
	}{
		{-1, 0},
		{0, 0},
		{2, 0.5},
		{4, 1},   // saturates at twice the threshold
		{10, 1},
	}
	for _, tt := range tests {
		if got := m.Score(candidate(tt.changePct)); got != tt.want {
			t.Errorf("Score(change %v) = %v, want %v", tt.changePct, got, tt.want)
		}
	}
}

func TestMomentumShouldBuy(t *testing.T) {
	t.Parallel()
	m := NewMomentum(Params{"min_change_pct": 3})

	if sig := m.ShouldBuy(candidate(2.9), Context{Now: t0}); sig != nil {
		t.Errorf("ShouldBuy below threshold = %+v, want nil", sig)
	}
	sig := m.ShouldBuy(candidate(3), Context{Now: t0})
	if sig == nil || sig.Reason != "MOMENTUM_ENTRY" {
		t.Fatalf("ShouldBuy at threshold = %+v, want MOMENTUM_ENTRY", sig)
	}
	if sig.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want 0.5", sig.Confidence)
	}
}

func TestMomentumShouldSell(t *testing.T) {
	t.Parallel()
	m := NewMomentum(Params{"stop_loss_pct": 2, "take_profit_pct": 5, "max_hold_minutes": 60})
	pos := models.Position{Symbol: "AAA", NetQty: 10, AvgCost: d("100")}

	tests := []struct {
		name  string
		price string
		sctx  Context
		want  SellReason
	}{
		{"stop loss", "98", Context{Now: t0}, ReasonStopLoss},
		{"deep loss", "90", Context{Now: t0}, ReasonStopLoss},
		{"take profit", "105", Context{Now: t0}, ReasonTakeProfit},
		{"inside bands", "101", Context{Now: t0}, ""},
		{"time exit", "101", Context{Now: t0.Add(time.Hour), HeldSince: t0}, ReasonTimeExit},
		{"fresh hold", "101", Context{Now: t0.Add(time.Minute), HeldSince: t0}, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := m.ShouldSell("AAA", pos, d(tt.price), tt.sctx)
			if tt.want == "" {
				if got != nil {
					t.Fatalf("ShouldSell = %+v, want hold", got)
				}
				return
			}
			if got == nil || got.Reason != tt.want {
				t.Fatalf("ShouldSell = %+v, want reason %s", got, tt.want)
			}
		})
	}

	// No position, nothing to sell.
	if sig := m.ShouldSell("AAA", models.Position{Symbol: "AAA"}, d("90"), Context{Now: t0}); sig != nil {
		t.Errorf("ShouldSell on flat position = %+v, want nil", sig)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	s, err := New("momentum", Params{"min_change_pct": 4})
	if err != nil {
		t.Fatalf("New(momentum): %v", err)
	}
	if s.Name() != "momentum" {
		t.Errorf("Name = %q, want momentum", s.Name())
	}

	_, err = New("arbitrage", nil)
	if err == nil || !strings.Contains(err.Error(), "momentum") {
		t.Fatalf("New(arbitrage) = %v, want error listing registered strategies", err)
	}
}
