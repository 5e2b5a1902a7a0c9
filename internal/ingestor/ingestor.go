// Package ingestor implements the Market Data Ingestor: a resilient
// consumer of a MarketStream that feeds mid prices into the StateStore,
// with reconnect/backoff and a synthetic fallback when the feed goes quiet
// (spec §4.4). Grounded on the teacher's pkg/wsclient reconnect/ping-pong
// idiom and internal/trading/monitor's price-monitor update loop; the
// reconnect backoff is built on github.com/failsafe-go/failsafe-go's retry
// policy, the same library internal/hedger uses for submit retries.
package ingestor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"tradingcore/internal/core"
	"tradingcore/internal/events"
	"tradingcore/internal/state"
)

// Config tunes reconnect backoff and synthetic-fallback behavior.
type Config struct {
	ReconnectInitial   time.Duration
	ReconnectFactor    float64
	ReconnectCap       time.Duration
	ReconnectJitterPct float64
	SyntheticThreshold time.Duration
	KeepaliveInterval  time.Duration
	MissedKeepalives   int
	SustainedOutage    time.Duration
}

// DefaultConfig matches the literal numbers in spec §4.4.
func DefaultConfig() Config {
	return Config{
		ReconnectInitial:   time.Second,
		ReconnectFactor:    2,
		ReconnectCap:       30 * time.Second,
		ReconnectJitterPct: 0.25,
		SyntheticThreshold: 30 * time.Second,
		KeepaliveInterval:  15 * time.Second,
		MissedKeepalives:   3,
		SustainedOutage:    5 * time.Minute,
	}
}

// Ingestor drives one MarketStream connection covering a set of markets.
type Ingestor struct {
	stream        core.MarketStream
	store         *state.Store
	bus           *events.Bus
	markets       []string
	cfg           Config
	logger        core.ILogger
	clock         core.Clock
	lastGoodFrame time.Time
	rng           *rand.Rand

	reconnectPipeline failsafe.Executor[<-chan core.MarketFrame]
}

// errShutdown is the only error the reconnect policy treats as final. Every
// stream-side Connect failure — including one wrapping a context error from
// an internal dial deadline — keeps retrying with backoff (spec §4.4);
// only the Ingestor's own canceled context stops the loop.
var errShutdown = errors.New("ingestor: shutting down")

// New constructs an Ingestor for the given markets.
func New(stream core.MarketStream, store *state.Store, bus *events.Bus, markets []string, cfg Config, logger core.ILogger) *Ingestor {
	retryPolicy := retrypolicy.NewBuilder[<-chan core.MarketFrame]().
		HandleIf(func(_ <-chan core.MarketFrame, err error) bool {
			return err != nil && !errors.Is(err, errShutdown)
		}).
		WithBackoffFactor(cfg.ReconnectInitial, cfg.ReconnectCap, cfg.ReconnectFactor).
		WithJitterFactor(cfg.ReconnectJitterPct).
		WithMaxRetries(-1).
		Build()

	return &Ingestor{
		stream:            stream,
		store:             store,
		bus:               bus,
		markets:           markets,
		cfg:               cfg,
		logger:            logger.WithField("component", "ingestor"),
		clock:             core.SystemClock{},
		rng:               rand.New(rand.NewSource(1)),
		reconnectPipeline: failsafe.With[<-chan core.MarketFrame](retryPolicy),
	}
}

// Run connects, reconnects with exponential backoff, and synthesizes mids
// during outages, until ctx is canceled.
func (ing *Ingestor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt := 0
		firstOutageAt := time.Time{}
		frames, err := ing.reconnectPipeline.GetWithExecution(func(exec failsafe.Execution[<-chan core.MarketFrame]) (<-chan core.MarketFrame, error) {
			if ctx.Err() != nil {
				return nil, errShutdown
			}
			attempt++
			if attempt > 1 {
				if firstOutageAt.IsZero() {
					firstOutageAt = ing.clock.Now()
				} else if ing.clock.Now().Sub(firstOutageAt) > ing.cfg.SustainedOutage {
					ing.bus.Emit(events.Event{Kind: events.KindIngestorReconnect, Fields: map[string]any{"sustained_outage": true}})
				}
			}
			frames, err := ing.stream.Connect(ctx, ing.markets)
			if err != nil {
				ing.logger.Warn("connect failed", "error", err, "attempt", attempt)
				ing.bus.Emit(events.Event{Kind: events.KindIngestorReconnect, Fields: map[string]any{"error": err.Error()}})
			}
			return frames, err
		})
		if err != nil {
			// The only non-retryable error is the shutdown sentinel, emitted
			// when our own ctx is done.
			return ctx.Err()
		}

		ok := ing.consume(ctx, frames)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ok {
			continue
		}

		ing.bus.Emit(events.Event{Kind: events.KindIngestorReconnect, Fields: map[string]any{"reason": "stream closed"}})
	}
}

// consume reads frames until the channel closes or ctx is canceled,
// interleaving a synthetic-mid timer and a keepalive timer. Returns true if
// it exited because the channel closed cleanly, or keepalives/parse errors
// forced a resubscribe (caller should reconnect).
func (ing *Ingestor) consume(ctx context.Context, frames <-chan core.MarketFrame) bool {
	missedPings := 0
	sawActivity := false
	parseErrors := make(map[string]int)

	syntheticTicker := time.NewTicker(time.Second)
	defer syntheticTicker.Stop()

	var keepaliveC <-chan time.Time
	if ing.cfg.KeepaliveInterval > 0 {
		keepaliveTicker := time.NewTicker(ing.cfg.KeepaliveInterval)
		defer keepaliveTicker.Stop()
		keepaliveC = keepaliveTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-syntheticTicker.C:
			ing.maybeSynthesize()
		case <-keepaliveC:
			if sawActivity {
				missedPings = 0
			} else {
				missedPings++
				if missedPings >= ing.cfg.MissedKeepalives {
					ing.logger.Warn("missed keepalives, treating connection as dead")
					return true
				}
			}
			sawActivity = false
		case frame, open := <-frames:
			if !open {
				return true
			}
			switch frame.Kind {
			case core.FrameMidUpdate:
				ing.applyMidUpdate(frame)
				sawActivity = true
			case core.FramePing:
				sawActivity = true
			case core.FramePong:
				sawActivity = true
			case core.FrameSubscriptionAck:
				sawActivity = true
			case core.FrameError:
				parseErrors[frame.Market]++
				if parseErrors[frame.Market] >= 3 {
					ing.logger.Warn("resubscribing after repeated parse errors", "market", frame.Market)
					return true
				}
			}
		}
	}
}

func (ing *Ingestor) applyMidUpdate(frame core.MarketFrame) {
	mid := frame.BestBid.Add(frame.BestAsk).Div(decimal.NewFromInt(2))
	ing.store.SetMid(frame.Market, mid, frame.TS, false)
	ing.store.SetBookTop(frame.Market, frame.BestBid, frame.BestAsk, frame.TS)
	ing.store.Heartbeat("ingestor:"+frame.Market, frame.TS)
	ing.lastGoodFrame = ing.clock.Now()
}

// maybeSynthesize perturbs the last known mid with a bounded random walk
// when the feed has been quiet for the configured threshold (spec §4.4
// "Synthetic fallback"). Synthetic mids are marked as such so the Guard
// rejects orders built on them (spec §4.5 rule 5).
func (ing *Ingestor) maybeSynthesize() {
	now := ing.clock.Now()
	if !ing.lastGoodFrame.IsZero() && now.Sub(ing.lastGoodFrame) < ing.cfg.SyntheticThreshold {
		return
	}

	for _, market := range ing.markets {
		mid, ok := ing.store.GetMid(market)
		if !ok {
			continue
		}
		// Bounded random walk: +/- 5 bps of the last known mid.
		perturbBps := (ing.rng.Float64()*2 - 1) * 5
		factor := decimal.NewFromFloat(1 + perturbBps/10_000)
		synthetic := mid.Price.Mul(factor)
		ing.store.SetMid(market, synthetic, now, true)
		ing.store.Heartbeat("ingestor:"+market, now)
	}
}
