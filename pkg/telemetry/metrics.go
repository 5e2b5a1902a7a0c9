package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal   = "tradingcore_pnl_realized_total"
	MetricPnLUnrealized      = "tradingcore_pnl_unrealized"
	MetricOrdersActive       = "tradingcore_orders_active"
	MetricOrdersPlacedTotal  = "tradingcore_orders_placed_total"
	MetricOrdersFilledTotal  = "tradingcore_orders_filled_total"
	MetricVolumeTotal        = "tradingcore_volume_total"
	MetricPositionSize       = "tradingcore_position_size"
	MetricLatencyExchange    = "tradingcore_latency_exchange_ms"
	MetricLatencyTickToTrade = "tradingcore_latency_tick_to_trade_ms"
	MetricGuardLatched       = "tradingcore_guard_latched"
	MetricGuardRejectedTotal = "tradingcore_guard_rejected_total"
	MetricQuoteCyclesTotal   = "tradingcore_quote_cycles_total"
	MetricCancelsThrottled   = "tradingcore_cancels_throttled_total"
	MetricIngestorReconnects = "tradingcore_ingestor_reconnects_total"
	MetricHedgerState        = "tradingcore_hedger_state"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PnLRealizedTotal   metric.Float64Counter
	PnLUnrealized      metric.Float64ObservableGauge
	OrdersActive       metric.Int64ObservableGauge
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	VolumeTotal        metric.Float64Counter
	PositionSize       metric.Float64ObservableGauge
	LatencyExchange    metric.Float64Histogram
	LatencyTickToTrade metric.Float64Histogram
	GuardLatched       metric.Int64ObservableGauge
	GuardRejectedTotal metric.Int64Counter
	QuoteCyclesTotal   metric.Int64Counter
	CancelsThrottled   metric.Int64Counter
	IngestorReconnects metric.Int64Counter
	HedgerState        metric.Int64ObservableGauge

	// State for observable gauges, keyed by market.
	mu            sync.RWMutex
	unrealizedPnL map[string]float64
	activeOrders  map[string]int64
	positionSize  map[string]float64
	guardLatched  map[string]int64
	hedgerState   map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnL: make(map[string]float64),
			activeOrders:  make(map[string]int64),
			positionSize:  make(map[string]float64),
			guardLatched:  make(map[string]int64),
			hedgerState:   make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Total trading volume in base asset"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyTickToTrade, err = meter.Float64Histogram(MetricLatencyTickToTrade, metric.WithDescription("Time from mid update to order submission"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.GuardRejectedTotal, err = meter.Int64Counter(MetricGuardRejectedTotal, metric.WithDescription("Orders rejected by the guard, by reject kind"))
	if err != nil {
		return err
	}

	m.QuoteCyclesTotal, err = meter.Int64Counter(MetricQuoteCyclesTotal, metric.WithDescription("Maker quote cycles completed"))
	if err != nil {
		return err
	}

	m.CancelsThrottled, err = meter.Int64Counter(MetricCancelsThrottled, metric.WithDescription("Cancels suppressed by the cancel-rate throttle"))
	if err != nil {
		return err
	}

	m.IngestorReconnects, err = meter.Int64Counter(MetricIngestorReconnects, metric.WithDescription("Market data stream reconnect attempts"))
	if err != nil {
		return err
	}

	// Observables
	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for market, val := range m.unrealizedPnL {
				obs.Observe(val, metric.WithAttributes(attribute.String("market", market)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently open orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for market, val := range m.activeOrders {
				obs.Observe(val, metric.WithAttributes(attribute.String("market", market)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current signed inventory"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for market, val := range m.positionSize {
				obs.Observe(val, metric.WithAttributes(attribute.String("market", market)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.GuardLatched, err = meter.Int64ObservableGauge(MetricGuardLatched, metric.WithDescription("Guard kill-switch latch state (1=latched, 0=clear)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for market, val := range m.guardLatched {
				obs.Observe(val, metric.WithAttributes(attribute.String("market", market)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.HedgerState, err = meter.Int64ObservableGauge(MetricHedgerState, metric.WithDescription("Hedger state machine state, by ordinal"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for market, val := range m.hedgerState {
				obs.Observe(val, metric.WithAttributes(attribute.String("market", market)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetGuardLatched(market string, latched bool) {
	val := int64(0)
	if latched {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guardLatched[market] = val
}

func (m *MetricsHolder) SetHedgerState(market string, state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hedgerState[market] = state
}

func (m *MetricsHolder) SetUnrealizedPnL(market string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnL[market] = value
}

func (m *MetricsHolder) SetActiveOrders(market string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrders[market] = count
}

func (m *MetricsHolder) SetPositionSize(market string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSize[market] = size
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.unrealizedPnL {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetActiveOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeOrders {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.positionSize {
		res[k] = v
	}
	return res
}

// Counter helpers. Each is a no-op until InitMetrics has wired the
// underlying instrument, so components can call them unconditionally
// (including from tests that never start the OTel exporter).

func (m *MetricsHolder) IncGuardRejected(market string) {
	if m.GuardRejectedTotal == nil {
		return
	}
	m.GuardRejectedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("market", market)))
}

func (m *MetricsHolder) IncQuoteCycles(market string) {
	if m.QuoteCyclesTotal == nil {
		return
	}
	m.QuoteCyclesTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("market", market)))
}

func (m *MetricsHolder) IncCancelsThrottled(market string) {
	if m.CancelsThrottled == nil {
		return
	}
	m.CancelsThrottled.Add(context.Background(), 1, metric.WithAttributes(attribute.String("market", market)))
}

func (m *MetricsHolder) IncIngestorReconnects(market string) {
	if m.IngestorReconnects == nil {
		return
	}
	m.IngestorReconnects.Add(context.Background(), 1, metric.WithAttributes(attribute.String("market", market)))
}

func (m *MetricsHolder) IncOrdersPlaced(market string) {
	if m.OrdersPlacedTotal == nil {
		return
	}
	m.OrdersPlacedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("market", market)))
}

func (m *MetricsHolder) IncOrdersFilled(market string) {
	if m.OrdersFilledTotal == nil {
		return
	}
	m.OrdersFilledTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("market", market)))
}

func (m *MetricsHolder) AddVolume(market string, value float64) {
	if m.VolumeTotal == nil {
		return
	}
	m.VolumeTotal.Add(context.Background(), value, metric.WithAttributes(attribute.String("market", market)))
}

func (m *MetricsHolder) AddRealizedPnL(market string, value float64) {
	if m.PnLRealizedTotal == nil {
		return
	}
	m.PnLRealizedTotal.Add(context.Background(), value, metric.WithAttributes(attribute.String("market", market)))
}
