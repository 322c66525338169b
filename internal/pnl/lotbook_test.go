package pnl

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestLotBookFIFOConsumption(t *testing.T) {
	t.Parallel()
	b := NewLotBook()
	b.AddBuy(10, d("100"))
	b.AddBuy(10, d("110"))

	// Sells 15 shares: 10 from the first lot, 5 from the second.
	got, err := b.AddSell(15, d("120"))
	if err != nil {
		t.Fatalf("AddSell: %v", err)
	}
	// (120-100)*10 + (120-110)*5 = 250
	if !got.Equal(d("250")) {
		t.Errorf("realized contribution = %s, want 250", got)
	}
	if b.NetQty() != 5 {
		t.Errorf("NetQty = %d, want 5", b.NetQty())
	}
	if !b.AvgCost().Equal(d("110")) {
		t.Errorf("AvgCost = %s, want 110 (residual lot keeps its price)", b.AvgCost())
	}
}

func TestLotBookCleanRoundTrip(t *testing.T) {
	t.Parallel()
	b := NewLotBook()
	b.AddBuy(10, d("100.0000"))
	got, err := b.AddSell(10, d("110.0000"))
	if err != nil {
		t.Fatalf("AddSell: %v", err)
	}
	if !got.Equal(d("100")) {
		t.Errorf("realized = %s, want 100", got)
	}
	if b.NetQty() != 0 {
		t.Errorf("NetQty = %d, want 0", b.NetQty())
	}
	if !b.Realized().Equal(d("100")) {
		t.Errorf("Realized = %s, want 100", b.Realized())
	}
	if !b.AvgCost().Equal(decimal.Zero) {
		t.Errorf("AvgCost when flat = %s, want 0", b.AvgCost())
	}
}

func TestLotBookOversellLeavesBookUntouched(t *testing.T) {
	t.Parallel()
	b := NewLotBook()
	b.AddBuy(5, d("100"))

	if _, err := b.AddSell(7, d("110")); err == nil {
		t.Fatal("AddSell(7) on a 5-share book should error")
	}
	if b.NetQty() != 5 {
		t.Errorf("NetQty after rejected sell = %d, want 5", b.NetQty())
	}
	if !b.Realized().Equal(decimal.Zero) {
		t.Errorf("Realized after rejected sell = %s, want 0", b.Realized())
	}
}

func TestLotBookUnrealized(t *testing.T) {
	t.Parallel()
	b := NewLotBook()
	b.AddBuy(10, d("100"))
	b.AddBuy(5, d("120"))

	// (105-100)*10 + (105-120)*5 = 50 - 75 = -25
	if got := b.Unrealized(d("105")); !got.Equal(d("-25")) {
		t.Errorf("Unrealized = %s, want -25", got)
	}
}

func TestLotBookPartialLotResidual(t *testing.T) {
	t.Parallel()
	b := NewLotBook()
	b.AddBuy(10, d("50"))

	if _, err := b.AddSell(4, d("55")); err != nil {
		t.Fatalf("AddSell: %v", err)
	}
	if b.NetQty() != 6 {
		t.Errorf("NetQty = %d, want 6", b.NetQty())
	}
	// Residual shares keep the original lot price.
	if got := b.Unrealized(d("60")); !got.Equal(d("60")) {
		t.Errorf("Unrealized = %s, want 60", got)
	}
}
