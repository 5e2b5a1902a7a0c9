// Package state implements the StateStore: the single in-process authority
// for mids, inventory, open orders and heartbeats (spec §4.1). All access is
// serialized through its methods, following the lock-ordering discipline of
// SuperPositionManager in the teacher's position manager — never call out to
// another component while holding the store lock.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MidPoint is a mid price observation with its source timestamp and whether
// it was synthesized by the Ingestor rather than observed on the wire.
type MidPoint struct {
	Price     decimal.Decimal
	TS        time.Time
	Synthetic bool
}

// BookTop is the best bid/ask last observed on the wire. Unlike MidPoint,
// there is no synthetic variant: the Ingestor does not synthesize a book
// during an outage, only a mid (spec §4.4); consumers that need a
// crossed-book check during synthetic fallback fall back to treating the
// book as stale via the same mid-freshness check.
type BookTop struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	TS      time.Time
}

type marketState struct {
	mid       MidPoint
	book      BookTop
	inventory decimal.Decimal
	orders    map[string]*orderRecord
}

type orderRecord struct {
	orderID       string
	side          string
	price         decimal.Decimal
	sizeRemaining decimal.Decimal
	role          string
	submitTS      time.Time
}

// Order is the read-only view returned by GetOrders.
type Order struct {
	OrderID       string
	Market        string
	Side          string
	Price         decimal.Decimal
	SizeRemaining decimal.Decimal
	Role          string
	SubmitTS      time.Time
}

// CostBasisSource supplies the current average cost and signed size for a
// market. The StateStore never computes cost basis itself — it delegates to
// the PnLCompositor's live lot queue (spec §4.1).
type CostBasisSource interface {
	CostBasis(market string) (avgPrice decimal.Decimal, signedSize decimal.Decimal)
}

// Store is the StateStore. Zero value is not usable; use New.
type Store struct {
	mu         sync.RWMutex
	markets    map[string]*marketState
	heartbeats map[string]time.Time
	costBasis  CostBasisSource
}

// New constructs an empty Store. SetCostBasisSource must be called before
// GetCostBasis is used; it is wired late because the PnLCompositor is
// constructed after the Store during startup.
func New() *Store {
	return &Store{
		markets:    make(map[string]*marketState),
		heartbeats: make(map[string]time.Time),
	}
}

// SetCostBasisSource wires the PnLCompositor as the cost-basis source.
func (s *Store) SetCostBasisSource(src CostBasisSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costBasis = src
}

func (s *Store) marketLocked(market string) *marketState {
	m, ok := s.markets[market]
	if !ok {
		m = &marketState{orders: make(map[string]*orderRecord)}
		s.markets[market] = m
	}
	return m
}

// SetMid records a new mid observation. Frames for a market are expected to
// be delivered in order by the Ingestor (spec §5 "Ordering guarantees");
// SetMid does not reorder them.
func (s *Store) SetMid(market string, price decimal.Decimal, ts time.Time, synthetic bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.marketLocked(market)
	m.mid = MidPoint{Price: price, TS: ts, Synthetic: synthetic}
}

// GetMid returns the last recorded mid for a market.
func (s *Store) GetMid(market string) (MidPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[market]
	if !ok || m.mid.Price.IsZero() && m.mid.TS.IsZero() {
		return MidPoint{}, false
	}
	return m.mid, true
}

// SetBookTop records the last observed best bid/ask for a market.
func (s *Store) SetBookTop(market string, bestBid, bestAsk decimal.Decimal, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.marketLocked(market)
	m.book = BookTop{BestBid: bestBid, BestAsk: bestAsk, TS: ts}
}

// GetBookTop returns the last recorded best bid/ask for a market.
func (s *Store) GetBookTop(market string) (BookTop, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[market]
	if !ok || m.book.TS.IsZero() {
		return BookTop{}, false
	}
	return m.book, true
}

// GetInventory returns the current signed inventory for a market.
func (s *Store) GetInventory(market string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[market]
	if !ok {
		return decimal.Zero
	}
	return m.inventory
}

// UpdateInventory performs an atomic read-modify-write, adding signedDelta
// to the market's inventory and returning the new value.
func (s *Store) UpdateInventory(market string, signedDelta decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.marketLocked(market)
	m.inventory = m.inventory.Add(signedDelta)
	return m.inventory
}

// SnapInventory overwrites the recorded inventory with an authoritative
// value from the AccountStream, per the StateStore's reconciliation failure
// semantics (spec §4.1 "Failure semantics").
func (s *Store) SnapInventory(market string, value decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.marketLocked(market)
	m.inventory = value
}

// AddOrder registers a newly acked order.
func (s *Store) AddOrder(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.marketLocked(o.Market)
	m.orders[o.OrderID] = &orderRecord{
		orderID:       o.OrderID,
		side:          o.Side,
		price:         o.Price,
		sizeRemaining: o.SizeRemaining,
		role:          o.Role,
		submitTS:      o.SubmitTS,
	}
}

// ReduceOrder applies a partial fill, reducing SizeRemaining. Returns false
// if the order is not tracked (already removed).
func (s *Store) ReduceOrder(market, orderID string, filledSize decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[market]
	if !ok {
		return false
	}
	rec, ok := m.orders[orderID]
	if !ok {
		return false
	}
	rec.sizeRemaining = rec.sizeRemaining.Sub(filledSize)
	if rec.sizeRemaining.Sign() <= 0 {
		delete(m.orders, orderID)
	}
	return true
}

// RemoveOrder deletes an order on full fill, cancel ack, or rejection.
func (s *Store) RemoveOrder(market, orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[market]
	if !ok {
		return
	}
	delete(m.orders, orderID)
}

// GetOrders returns orders for a market, optionally filtered by side and
// role (empty string means "any").
func (s *Store) GetOrders(market, side, role string) []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[market]
	if !ok {
		return nil
	}
	out := make([]Order, 0, len(m.orders))
	for _, rec := range m.orders {
		if side != "" && rec.side != side {
			continue
		}
		if role != "" && rec.role != role {
			continue
		}
		out = append(out, Order{
			OrderID:       rec.orderID,
			Market:        market,
			Side:          rec.side,
			Price:         rec.price,
			SizeRemaining: rec.sizeRemaining,
			Role:          rec.role,
			SubmitTS:      rec.submitTS,
		})
	}
	return out
}

// GetCostBasis returns the average entry price and signed size for a
// market, delegating to the wired PnLCompositor.
func (s *Store) GetCostBasis(market string) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.RLock()
	src := s.costBasis
	s.mu.RUnlock()
	if src == nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("state: cost basis source not wired")
	}
	avg, size := src.CostBasis(market)
	return avg, size, nil
}

// Heartbeat records the latest time a source (e.g. "ingestor:market:1" or
// "maker:market:1") was seen alive.
func (s *Store) Heartbeat(source string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[source] = ts
}

// Age returns how long, in seconds, since source last reported a heartbeat.
// Returns a very large age if the source has never reported.
func (s *Store) Age(source string, now time.Time) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.heartbeats[source]
	if !ok {
		return float64(1 << 30)
	}
	return now.Sub(ts).Seconds()
}
