// Command tradingcore is the trading core process entrypoint: it loads
// configuration, wires the StateStore, FillLedger, PnLCompositor, Ingestor,
// Guard, per-market Maker Engines and Hedgers, and the Account reconciler
// into one Orchestrator, then runs until an interrupt signal triggers the
// spec §5 ordered shutdown sequence. Grounded on the teacher's
// cmd/live_server/main.go: flag-parsed config path, zap logger construction,
// telemetry setup, a signal channel gate, and a context-cancel-then-drain
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/account"
	"tradingcore/internal/config"
	"tradingcore/internal/core"
	"tradingcore/internal/events"
	"tradingcore/internal/guard"
	"tradingcore/internal/hedger"
	"tradingcore/internal/ingestor"
	"tradingcore/internal/ledger"
	"tradingcore/internal/maker"
	"tradingcore/internal/maker/feature"
	"tradingcore/internal/orchestrator"
	"tradingcore/internal/pnl"
	"tradingcore/internal/state"
	"tradingcore/internal/transport"
	"tradingcore/pkg/logging"
	"tradingcore/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/tradingcore.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tradingcore version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting tradingcore", "version", version, "markets", len(cfg.Markets))

	tel, err := telemetry.Setup(cfg.Telemetry.ServiceName)
	if err != nil {
		logger.Warn("telemetry setup failed, continuing without it", "error", err)
		tel = nil
	}
	if tel != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown error", "error", err)
			}
		}()
	}

	orc, led, err := build(cfg, logger)
	if err != nil {
		logger.Error("failed to build trading core", "error", err)
		os.Exit(1)
	}
	defer led.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := orc.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("trading core exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("tradingcore stopped")
}

// build wires every component in dependency order (spec §4, leaves first:
// StateStore, FillLedger, PnLCompositor, then the Ingestor, Guard, Maker
// Engines, Hedgers and Account reconciler that depend on them) and returns
// the assembled Orchestrator. The Ledger is returned separately so main can
// close it after the Orchestrator's own shutdown sequence has drained it.
func build(cfg *config.Config, logger core.ILogger) (*orchestrator.Orchestrator, *ledger.Ledger, error) {
	store := state.New()
	pnlC := pnl.New()
	store.SetCostBasisSource(pnlC)

	bus := events.New(cfg.Concurrency.EventPoolSize, cfg.Concurrency.EventPoolBuffer, logger)
	bus.Register(newLogSink(logger))

	led, err := ledger.Open(cfg.Ledger.Dir, cfg.Ledger.MaxBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("opening fill ledger: %w", err)
	}

	grd := guard.New(bus, logger)

	marketStream := transport.NewWSMarketStream(cfg.Exchange.StreamURL, logger)
	marketKeys := make([]string, 0, len(cfg.Markets))
	for key := range cfg.Markets {
		marketKeys = append(marketKeys, key)
	}
	ingCfg, err := buildIngestorConfig(cfg.Ingestor)
	if err != nil {
		return nil, nil, err
	}
	ing := ingestor.New(marketStream, store, bus, marketKeys, ingCfg, logger)

	client := transport.NewRESTTradingClient(cfg.Exchange.BaseURL, string(cfg.Exchange.APIKey), string(cfg.Exchange.SecretKey), 10*time.Second)

	units := make([]orchestrator.MarketUnit, 0, len(cfg.Markets))
	for key, mcfg := range cfg.Markets {
		unit, err := buildMarketUnit(key, mcfg, cfg, store, pnlC, client, grd, bus, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("market %s: %w", key, err)
		}
		units = append(units, unit)
	}

	acctStream := transport.NewWSAccountStream(cfg.Exchange.StreamURL, string(cfg.Exchange.APIKey), string(cfg.Exchange.SecretKey), logger)
	var flattener account.HedgerFillNotifier = &fanoutHedgerNotifier{units: units}
	acct := account.New(acctStream, store, led, pnlC, grd, flattener, bus, logger)
	for _, u := range units {
		lotSize, err := parseDecimal("lot_size", cfg.Markets[u.Market].LotSize)
		if err != nil {
			return nil, nil, err
		}
		acct.RegisterMarket(account.Market{Key: u.Market, LotSize: lotSize})
	}

	hedgerInterval := time.Second
	shutdownDeadline := time.Duration(cfg.Ledger.BufferDeadlineSeconds) * time.Second
	orc := orchestrator.New(ing, units, acct, grd, led, bus, logger, hedgerInterval, shutdownDeadline)
	return orc, led, nil
}

// fanoutHedgerNotifier relays an account-stream fill to whichever market's
// Hedger owns that order, satisfying account.HedgerFillNotifier without
// requiring the reconciler to know about per-market routing itself.
type fanoutHedgerNotifier struct {
	units []orchestrator.MarketUnit
}

func (f *fanoutHedgerNotifier) OnFill(orderID string) {
	for _, u := range f.units {
		u.Hedger.OnFill(orderID)
	}
}

func buildIngestorConfig(c config.IngestorConfig) (ingestor.Config, error) {
	return ingestor.Config{
		ReconnectInitial:   time.Duration(c.ReconnectInitialSeconds * float64(time.Second)),
		ReconnectFactor:    c.ReconnectFactor,
		ReconnectCap:       time.Duration(c.ReconnectCapSeconds * float64(time.Second)),
		ReconnectJitterPct: c.ReconnectJitterPct,
		SyntheticThreshold: time.Duration(c.SyntheticThresholdSeconds) * time.Second,
		KeepaliveInterval:  time.Duration(c.KeepaliveIntervalSeconds) * time.Second,
		MissedKeepalives:   c.MissedKeepalivesLimit,
		SustainedOutage:    time.Duration(c.SustainedOutageMinutes) * time.Minute,
	}, nil
}

// buildMarketUnit constructs one market's Guard config, Maker Engine,
// feature pipeline, and Hedger from the loaded configuration.
func buildMarketUnit(key string, mcfg config.MarketConfig, cfg *config.Config, store *state.Store, pnlC *pnl.Compositor, client core.TradingClient, grd *guard.Guard, bus *events.Bus, logger core.ILogger) (orchestrator.MarketUnit, error) {
	tickSize, err := parseDecimal("tick_size", mcfg.TickSize)
	if err != nil {
		return orchestrator.MarketUnit{}, err
	}
	lotSize, err := parseDecimal("lot_size", mcfg.LotSize)
	if err != nil {
		return orchestrator.MarketUnit{}, err
	}
	minSize, err := parseDecimal("exchange_min_size", mcfg.ExchangeMinSize)
	if err != nil {
		return orchestrator.MarketUnit{}, err
	}
	minNotional, err := parseDecimal("exchange_min_notional", mcfg.ExchangeMinNotional)
	if err != nil {
		return orchestrator.MarketUnit{}, err
	}

	maxPosition, err := parseDecimal("guard.max_position_units", cfg.Guard.MaxPositionUnits)
	if err != nil {
		return orchestrator.MarketUnit{}, err
	}
	maxNotional, err := parseDecimal("guard.max_inventory_notional", cfg.Guard.MaxInventoryNotional)
	if err != nil {
		return orchestrator.MarketUnit{}, err
	}
	grd.SetMarketConfig(key, guard.Config{
		PriceBandBps:          decimal.NewFromFloat(cfg.Guard.PriceBandBps),
		MaxPositionUnits:      maxPosition,
		MaxInventoryNotional:  maxNotional,
		MaxMidAgeSeconds:      float64(cfg.Guard.MaxMidAgeSeconds),
		KillOnCrossedBook:     cfg.Guard.KillOnCrossedBook,
		KillOnInventoryBreach: cfg.Guard.KillOnInventoryBreach,
		ReconcileCooldown:     time.Duration(cfg.Guard.ReconcileCooldownSeconds) * time.Second,
		MaxSubmitsPerSecond:   cfg.Guard.MaxSubmitsPerSecond,
		SubmitBurst:           cfg.Guard.SubmitBurst,
	})

	makerMarket := maker.Market{Key: key, TickSize: tickSize, LotSize: lotSize, ExchangeMinSize: minSize, ExchangeMinNotional: minNotional}
	makerCfg, err := buildMakerConfig(cfg.Maker)
	if err != nil {
		return orchestrator.MarketUnit{}, err
	}
	makerCfg.SoftCapUnits = maxPosition
	features, err := buildFeatures(cfg.Maker.Features)
	if err != nil {
		return orchestrator.MarketUnit{}, err
	}
	eng := maker.New(makerMarket, makerCfg, features, store, pnlC, client, grd, bus, logger)

	hedgerMarket := hedger.Market{Key: key, TickSize: tickSize, LotSize: lotSize, ExchangeMinSize: minSize, ExchangeMinNotional: minNotional}
	hedgerCfg, err := buildHedgerConfig(cfg.Hedger)
	if err != nil {
		return orchestrator.MarketUnit{}, err
	}
	hdg := hedger.New(hedgerMarket, hedgerCfg, store, pnlC, client, grd, bus, logger)

	return orchestrator.MarketUnit{Market: key, Maker: eng, Hedger: hdg}, nil
}

func buildMakerConfig(c config.MakerConfig) (maker.Config, error) {
	baseSize, err := parseDecimal("maker.base_size", c.BaseSize)
	if err != nil {
		return maker.Config{}, err
	}
	maxClip, err := parseDecimal("maker.max_clip_size", c.MaxClipSize)
	if err != nil {
		return maker.Config{}, err
	}
	jitterFraction := 0.0
	if c.RefreshIntervalMS > 0 {
		jitterFraction = float64(c.JitterMS) / float64(c.RefreshIntervalMS)
	}
	return maker.Config{
		RefreshInterval:     time.Duration(c.RefreshIntervalMS) * time.Millisecond,
		JitterFraction:      jitterFraction,
		BaseSpreadBps:       decimal.NewFromFloat(c.BaseSpreadBps),
		MinSpreadBps:        decimal.NewFromFloat(c.MinSpreadBps),
		BaseSize:            baseSize,
		MaxClipSize:         maxClip,
		PriceEpsilonBps:     decimal.NewFromFloat(c.PriceEpsilonBps),
		SizeEpsilonPct:      decimal.NewFromFloat(c.SizeEpsilonPct),
		MaxCancelsPerMinute: c.MaxCancelsPerMin,
	}, nil
}

func buildHedgerConfig(c config.HedgerConfig) (hedger.Config, error) {
	target, err := parseDecimal("hedger.target_units", c.TargetUnits)
	if err != nil {
		return hedger.Config{}, err
	}
	trigger, err := parseDecimal("hedger.trigger_units", c.TriggerUnits)
	if err != nil {
		return hedger.Config{}, err
	}
	triggerNotional := decimal.Zero
	if c.TriggerNotional != "" {
		if triggerNotional, err = parseDecimal("hedger.trigger_notional", c.TriggerNotional); err != nil {
			return hedger.Config{}, err
		}
	}
	clip, err := parseDecimal("hedger.clip_size", c.ClipSize)
	if err != nil {
		return hedger.Config{}, err
	}
	maxClip, err := parseDecimal("hedger.max_clip_units", c.MaxClipUnits)
	if err != nil {
		return hedger.Config{}, err
	}
	guardMult := decimal.NewFromFloat(c.GuardClipMultiplier)
	pnlFloor := decimal.Zero
	if c.PnLGuardFloor != "" {
		if pnlFloor, err = parseDecimal("hedger.pnl_guard_floor", c.PnLGuardFloor); err != nil {
			return hedger.Config{}, err
		}
	}
	return hedger.Config{
		TargetUnits:             target,
		TriggerUnits:            trigger,
		TriggerNotional:         triggerNotional,
		ClipSize:                clip,
		MaxClipUnits:            maxClip,
		PassiveOffsetBps:        decimal.NewFromFloat(c.PassiveOffsetBps),
		PassiveWait:             time.Duration(c.PassiveWaitSeconds) * time.Second,
		AggressiveOffsetBps:     decimal.NewFromFloat(c.AggressiveOffsetBps),
		MaxSlippageBps:          decimal.NewFromFloat(c.MaxSlippageBps),
		CooldownPeriod:          time.Duration(c.CooldownSeconds) * time.Second,
		EmergencyBlockPeriod:    time.Duration(c.EmergencyBlockSeconds) * time.Second,
		EmergencyClipMultiplier: decimal.NewFromFloat(c.EmergencyClipMultiplier),
		EmergencyCooldownPeriod: time.Duration(c.EmergencyCooldownSeconds) * time.Second,
		MaxAttempts:             c.MaxAttempts,
		GuardClipMultiplier:     guardMult,
		PnLGuardFloor:           pnlFloor,
		PnLGuardWindow:          time.Duration(c.PnLGuardWindowSeconds) * time.Second,
	}, nil
}

// buildFeatures constructs every feature of the spec §4.6 feature pipeline
// from configuration. A disabled feature is still constructed
// (Enabled() gates it out of Compose) so a later config reload, were one
// added, could flip it on without rebuilding the engine.
func buildFeatures(c config.FeatureConfig) ([]feature.Feature, error) {
	var features []feature.Feature

	trend := feature.NewTrend(feature.TrendConfig{
		Lookback:         time.Duration(c.TrendFilter.LookbackSeconds) * time.Second,
		DownThresholdBps: decimal.NewFromFloat(c.TrendFilter.DownThresholdBps),
		UpThresholdBps:   decimal.NewFromFloat(c.TrendFilter.UpThresholdBps),
		DownExtraSpread:  decimal.NewFromFloat(c.TrendFilter.DownExtraSpreadBps),
		UpExtraSpread:    decimal.NewFromFloat(c.TrendFilter.UpExtraSpreadBps),
		DownCooldown:     time.Duration(c.TrendFilter.CooldownSeconds) * time.Second,
		UpCooldown:       time.Duration(c.TrendFilter.CooldownSeconds) * time.Second,
	}, c.TrendFilter.Enabled)
	features = append(features, trend)

	vol := feature.NewVolatility(feature.VolatilityConfig{
		HalfLife:        time.Duration(c.VolatilityBand.HalfLifeSeconds * float64(time.Second)),
		MinBandBps:      decimal.NewFromFloat(c.VolatilityBand.MinBandBps),
		MaxBandBps:      decimal.NewFromFloat(c.VolatilityBand.MaxBandBps),
		PauseThreshold:  decimal.NewFromFloat(c.VolatilityBand.PauseThreshold),
		ResumeThreshold: decimal.NewFromFloat(c.VolatilityBand.ResumeThreshold),
	}, c.VolatilityBand.Enabled)
	features = append(features, vol)

	asymThreshold, err := parseDecimalOrZero("inventory_adjust.asym_threshold", c.InventoryAdjust.AsymThreshold)
	if err != nil {
		return nil, err
	}
	inv := feature.NewInventoryAdjust(feature.InventoryConfig{
		AsymThreshold: asymThreshold,
		Tiers: []feature.InventoryTier{
			{
				ThresholdUnits: asymThreshold,
				SpreadBonusBps: decimal.NewFromFloat(c.InventoryAdjust.SpreadBonusBps),
				SizeCutPct:     decimal.NewFromFloat(c.InventoryAdjust.SizeCutPct),
			},
		},
	}, c.InventoryAdjust.Enabled)
	features = append(features, inv)

	pnlFloor, err := parseDecimalOrZero("pnl_guard.floor", c.PnLGuard.Floor)
	if err != nil {
		return nil, err
	}
	releaseMode := feature.ReleaseCooldown
	if c.PnLGuard.ReleaseWindowSeconds == 0 {
		releaseMode = feature.ReleaseRecovery
	}
	pg := feature.NewPnLGuard(feature.PnLGuardConfig{
		Floor:               pnlFloor,
		ConsecutiveTriggers: c.PnLGuard.ConsecutiveTriggers,
		WidenBps:            decimal.NewFromFloat(c.PnLGuard.WidenBps),
		MaxExtra:            decimal.NewFromFloat(c.PnLGuard.MaxExtraBps),
		ClipMultiplier:      decimal.NewFromFloat(c.PnLGuard.ClipMultiplier),
		ReleaseMode:         releaseMode,
		ReleaseWindow:       time.Duration(c.PnLGuard.ReleaseWindowSeconds) * time.Second,
		RecoveryFloor:       decimal.Zero,
	}, c.PnLGuard.Enabled)
	features = append(features, pg)

	regime := feature.NewRegime(feature.RegimeConfig{
		Lookback:      time.Duration(c.RegimeSwitcher.LookbackSeconds) * time.Second,
		RSIPeriod:     c.RegimeSwitcher.RSIPeriod,
		BullThreshold: decimal.NewFromFloat(c.RegimeSwitcher.BullThreshold),
		BearThreshold: decimal.NewFromFloat(c.RegimeSwitcher.BearThreshold),
		Aggressive: feature.RegimeBundle{
			SizeMultiplier: decimal.NewFromFloat(c.RegimeSwitcher.AggressiveSizeMult),
			ExtraSpread:    decimal.NewFromFloat(c.RegimeSwitcher.AggressiveExtraBps),
		},
		Defensive: feature.RegimeBundle{
			SizeMultiplier: decimal.NewFromFloat(c.RegimeSwitcher.DefensiveSizeMult),
			ExtraSpread:    decimal.NewFromFloat(c.RegimeSwitcher.DefensiveExtraBps),
		},
	}, c.RegimeSwitcher.Enabled)
	features = append(features, regime)

	return features, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", field, s, err)
	}
	return d, nil
}

func parseDecimalOrZero(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return parseDecimal(field, s)
}

// logSink relays every bus event to the structured logger at Info level, a
// minimal stand-in for the external routing spec §6.5 says is out of scope
// ("the core emits structured events; routing is elsewhere").
type logSink struct {
	logger core.ILogger
}

func newLogSink(logger core.ILogger) *logSink {
	return &logSink{logger: logger.WithField("component", "event_log")}
}

func (s *logSink) Handle(e events.Event) {
	fields := make([]interface{}, 0, 4+2*len(e.Fields))
	fields = append(fields, "seq", e.Sequence, "market", e.Market)
	for k, v := range e.Fields {
		fields = append(fields, k, v)
	}
	s.logger.Info(string(e.Kind), fields...)
}
