// Package pnl implements the PnLCompositor: per-market signed FIFO lot
// queues that derive realized PnL, unrealized PnL, and cost basis from the
// fill stream (spec §4.3).
package pnl

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"tradingcore/internal/core"
)

type realizedEntry struct {
	ts  time.Time
	pnl decimal.Decimal
}

type marketBook struct {
	lots     []core.Lot
	realized []realizedEntry
}

// Compositor maintains the lot queues for every market it has seen a fill
// for. Safe for concurrent use: the account reconciler applies fills while
// the maker and hedger goroutines read windowed PnL and cost basis.
type Compositor struct {
	mu      sync.RWMutex
	markets map[string]*marketBook
}

// New constructs an empty Compositor.
func New() *Compositor {
	return &Compositor{markets: make(map[string]*marketBook)}
}

func (c *Compositor) bookLocked(market string) *marketBook {
	b, ok := c.markets[market]
	if !ok {
		b = &marketBook{}
		c.markets[market] = b
	}
	return b
}

// OnFill applies one fill to the market's FIFO lot queue and returns the
// PnL realized by this fill (zero if it only opened or extended exposure).
// Fees are always debited from the realized contribution, per spec §4.3
// ("Fees are debited from realized PnL regardless of whether the fill
// opened or closed exposure").
func (c *Compositor) OnFill(f core.Fill) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	book := c.bookLocked(f.Market)
	sign := f.Side.Sign()
	remaining := f.Size
	realized := decimal.Zero

	for remaining.Sign() > 0 {
		if len(book.lots) == 0 || book.lots[0].Sign == sign {
			book.lots = append(book.lots, core.Lot{
				Remaining: remaining,
				Sign:      sign,
				CostBasis: f.Price,
				TS:        f.TS,
			})
			remaining = decimal.Zero
			continue
		}

		head := &book.lots[0]
		m := decimal.Min(remaining, head.Remaining)
		pnl := m.Mul(f.Price.Sub(head.CostBasis)).Mul(decimal.NewFromInt(head.Sign))
		realized = realized.Add(pnl)

		head.Remaining = head.Remaining.Sub(m)
		remaining = remaining.Sub(m)
		if head.Remaining.Sign() == 0 {
			book.lots = book.lots[1:]
		}
	}

	realized = realized.Sub(f.Fee)
	book.realized = append(book.realized, realizedEntry{ts: f.TS, pnl: realized})
	return realized
}

// UnrealizedPnL returns the sum over open lots of remaining*(mid-costBasis)*sign
// (spec §4.3 point 2).
func (c *Compositor) UnrealizedPnL(market string, mid decimal.Decimal) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	book, ok := c.markets[market]
	if !ok {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, lot := range book.lots {
		total = total.Add(lot.Remaining.Mul(mid.Sub(lot.CostBasis)).Mul(decimal.NewFromInt(lot.Sign)))
	}
	return total
}

// WindowedRealizedPnL sums realized-PnL contributions whose producing fill
// timestamp falls in [t1, t2] (spec §4.3 point 3).
func (c *Compositor) WindowedRealizedPnL(market string, t1, t2 time.Time) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	book, ok := c.markets[market]
	if !ok {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, e := range book.realized {
		if e.ts.Before(t1) || e.ts.After(t2) {
			continue
		}
		total = total.Add(e.pnl)
	}
	return total
}

// CostBasis implements state.CostBasisSource: the average entry price and
// signed size of the current lot queue.
func (c *Compositor) CostBasis(market string) (avgPrice decimal.Decimal, signedSize decimal.Decimal) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	book, ok := c.markets[market]
	if !ok || len(book.lots) == 0 {
		return decimal.Zero, decimal.Zero
	}

	totalSize := decimal.Zero
	weightedCost := decimal.Zero
	sign := book.lots[0].Sign
	for _, lot := range book.lots {
		totalSize = totalSize.Add(lot.Remaining)
		weightedCost = weightedCost.Add(lot.Remaining.Mul(lot.CostBasis))
	}
	if totalSize.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return weightedCost.Div(totalSize), totalSize.Mul(decimal.NewFromInt(sign))
}

// LotSum returns the signed sum of remaining lot sizes, used to detect drift
// against the StateStore's recorded inventory (spec §3.2 invariant 3).
func (c *Compositor) LotSum(market string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	book, ok := c.markets[market]
	if !ok {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, lot := range book.lots {
		total = total.Add(lot.Remaining.Mul(decimal.NewFromInt(lot.Sign)))
	}
	return total
}
