package state

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestSetMidGetMid(t *testing.T) {
	s := New()
	ts := time.Now()
	s.SetMid("market:1", dec("100.5"), ts, false)

	mid, ok := s.GetMid("market:1")
	require.True(t, ok)
	assert.True(t, mid.Price.Equal(dec("100.5")))
	assert.False(t, mid.Synthetic)
}

func TestSetBookTopGetBookTop(t *testing.T) {
	s := New()
	ts := time.Now()
	s.SetBookTop("market:1", dec("99.9"), dec("100.1"), ts)

	book, ok := s.GetBookTop("market:1")
	require.True(t, ok)
	assert.True(t, book.BestBid.Equal(dec("99.9")))
	assert.True(t, book.BestAsk.Equal(dec("100.1")))
}

func TestGetBookTopUnknownMarket(t *testing.T) {
	s := New()
	_, ok := s.GetBookTop("nope")
	assert.False(t, ok)
}

func TestGetMidUnknownMarket(t *testing.T) {
	s := New()
	_, ok := s.GetMid("nope")
	assert.False(t, ok)
}

func TestUpdateInventoryAtomic(t *testing.T) {
	s := New()
	v := s.UpdateInventory("market:1", dec("0.5"))
	assert.True(t, v.Equal(dec("0.5")))
	v = s.UpdateInventory("market:1", dec("-0.2"))
	assert.True(t, v.Equal(dec("0.3")))
	assert.True(t, s.GetInventory("market:1").Equal(dec("0.3")))
}

func TestSnapInventoryOverwrites(t *testing.T) {
	s := New()
	s.UpdateInventory("market:1", dec("1"))
	s.SnapInventory("market:1", dec("0.4"))
	assert.True(t, s.GetInventory("market:1").Equal(dec("0.4")))
}

func TestOrderLifecycle(t *testing.T) {
	s := New()
	s.AddOrder(Order{OrderID: "o1", Market: "market:1", Side: "bid", Price: dec("100"), SizeRemaining: dec("1"), Role: "maker"})

	orders := s.GetOrders("market:1", "", "")
	require.Len(t, orders, 1)

	ok := s.ReduceOrder("market:1", "o1", dec("0.4"))
	require.True(t, ok)
	orders = s.GetOrders("market:1", "", "")
	require.Len(t, orders, 1)
	assert.True(t, orders[0].SizeRemaining.Equal(dec("0.6")))

	ok = s.ReduceOrder("market:1", "o1", dec("0.6"))
	require.True(t, ok)
	orders = s.GetOrders("market:1", "", "")
	assert.Len(t, orders, 0)
}

func TestRemoveOrder(t *testing.T) {
	s := New()
	s.AddOrder(Order{OrderID: "o1", Market: "market:1", Side: "ask", Price: dec("101"), SizeRemaining: dec("1"), Role: "hedger"})
	s.RemoveOrder("market:1", "o1")
	assert.Len(t, s.GetOrders("market:1", "", ""), 0)
}

func TestGetOrdersFilters(t *testing.T) {
	s := New()
	s.AddOrder(Order{OrderID: "o1", Market: "market:1", Side: "bid", Price: dec("100"), SizeRemaining: dec("1"), Role: "maker"})
	s.AddOrder(Order{OrderID: "o2", Market: "market:1", Side: "ask", Price: dec("101"), SizeRemaining: dec("1"), Role: "hedger"})

	bids := s.GetOrders("market:1", "bid", "")
	require.Len(t, bids, 1)
	assert.Equal(t, "o1", bids[0].OrderID)

	hedger := s.GetOrders("market:1", "", "hedger")
	require.Len(t, hedger, 1)
	assert.Equal(t, "o2", hedger[0].OrderID)
}

type stubCostBasis struct {
	avg  decimal.Decimal
	size decimal.Decimal
}

func (s stubCostBasis) CostBasis(market string) (decimal.Decimal, decimal.Decimal) {
	return s.avg, s.size
}

func TestGetCostBasisDelegates(t *testing.T) {
	s := New()
	_, _, err := s.GetCostBasis("market:1")
	assert.Error(t, err, "unwired cost basis source should error")

	s.SetCostBasisSource(stubCostBasis{avg: dec("100"), size: dec("2")})
	avg, size, err := s.GetCostBasis("market:1")
	require.NoError(t, err)
	assert.True(t, avg.Equal(dec("100")))
	assert.True(t, size.Equal(dec("2")))
}

func TestHeartbeatAge(t *testing.T) {
	s := New()
	now := time.Now()
	s.Heartbeat("ingestor:market:1", now.Add(-5*time.Second))
	age := s.Age("ingestor:market:1", now)
	assert.InDelta(t, 5.0, age, 0.01)

	assert.Greater(t, s.Age("unknown", now), float64(1000))
}
