// Package pnl implements FIFO lot accounting, realized/unrealized PnL and
// the per-worker daily summary rollup.
package pnl

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hskwon/stampede/internal/models"
)

// Lot is an open BUY parcel awaiting consumption.
type Lot struct {
	Qty   int64
	Price decimal.Decimal
}

// LotBook is a per-symbol FIFO queue of open BUY lots. Each SELL consumes
// lots oldest-first; a partially consumed lot keeps its remainder at the
// original price.
type LotBook struct {
	lots     []Lot
	realized decimal.Decimal
}

// NewLotBook returns an empty book.
func NewLotBook() *LotBook {
	return &LotBook{realized: decimal.Zero}
}

// AddBuy appends a lot.
func (b *LotBook) AddBuy(qty int64, price decimal.Decimal) {
	if qty <= 0 {
		return
	}
	b.lots = append(b.lots, Lot{Qty: qty, Price: price})
}

// AddSell consumes open lots FIFO and returns the realized PnL contributed
// by this sell. Selling more than is open is a data fault (long-only world)
// and is reported as an error with the book untouched.
func (b *LotBook) AddSell(qty int64, price decimal.Decimal) (decimal.Decimal, error) {
	if qty <= 0 {
		return decimal.Zero, nil
	}
	if qty > b.NetQty() {
		return decimal.Zero, fmt.Errorf("sell qty %d exceeds open qty %d", qty, b.NetQty())
	}

	contributed := decimal.Zero
	remaining := qty
	for remaining > 0 {
		lot := &b.lots[0]
		consumed := lot.Qty
		if consumed > remaining {
			consumed = remaining
		}
		contributed = contributed.Add(price.Sub(lot.Price).Mul(decimal.NewFromInt(consumed)))
		lot.Qty -= consumed
		remaining -= consumed
		if lot.Qty == 0 {
			b.lots = b.lots[1:]
		}
	}

	contributed = contributed.Round(models.PricePrecision)
	b.realized = b.realized.Add(contributed)
	return contributed, nil
}

// Realized returns the cumulative realized PnL.
func (b *LotBook) Realized() decimal.Decimal {
	return b.realized
}

// Unrealized returns (currentPrice - lotPrice) * lotQty summed over the open
// lots.
func (b *LotBook) Unrealized(currentPrice decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range b.lots {
		total = total.Add(currentPrice.Sub(lot.Price).Mul(decimal.NewFromInt(lot.Qty)))
	}
	return total.Round(models.PricePrecision)
}

// NetQty returns the total open quantity.
func (b *LotBook) NetQty() int64 {
	var total int64
	for _, lot := range b.lots {
		total += lot.Qty
	}
	return total
}

// AvgCost returns the weighted average price of the open lots, zero when
// flat.
func (b *LotBook) AvgCost() decimal.Decimal {
	qty := b.NetQty()
	if qty == 0 {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, lot := range b.lots {
		total = total.Add(lot.Price.Mul(decimal.NewFromInt(lot.Qty)))
	}
	return total.Div(decimal.NewFromInt(qty)).Round(models.PricePrecision)
}

// Apply replays one fill into the book. Sells that oversell are surfaced to
// the caller unchanged.
func (b *LotBook) Apply(f models.Fill) (decimal.Decimal, error) {
	if f.Side == models.SideBuy {
		b.AddBuy(f.Qty, f.Price)
		return decimal.Zero, nil
	}
	return b.AddSell(f.Qty, f.Price)
}
