// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig               `yaml:"app"`
	Exchange    ExchangeConfig          `yaml:"exchange"`
	Markets     map[string]MarketConfig `yaml:"markets"`
	Maker       MakerConfig             `yaml:"maker"`
	Hedger      HedgerConfig            `yaml:"hedger"`
	Guard       GuardConfig             `yaml:"guard"`
	Ingestor    IngestorConfig          `yaml:"ingestor"`
	Ledger      LedgerConfig            `yaml:"ledger"`
	System      SystemConfig            `yaml:"system"`
	Concurrency ConcurrencyConfig       `yaml:"concurrency"`
	Telemetry   TelemetryConfig         `yaml:"telemetry"`
}

// AppConfig contains process-identity settings.
type AppConfig struct {
	Name string `yaml:"name"`
}

// ExchangeConfig carries credentials for the TradingClient/MarketStream/
// AccountStream implementations. Credential storage mechanics beyond
// parsing are out of scope; this only captures what reaches the process.
type ExchangeConfig struct {
	APIKey    Secret `yaml:"api_key" validate:"required"`
	SecretKey Secret `yaml:"secret_key" validate:"required"`
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url" validate:"required"`
}

// MarketConfig is the configuration-time form of core.Market (spec §3.1) —
// registered at startup and immutable thereafter.
type MarketConfig struct {
	PriceScale          int32  `yaml:"price_scale" validate:"required,min=0"`
	SizeScale           int32  `yaml:"size_scale" validate:"required,min=0"`
	TickSize            string `yaml:"tick_size" validate:"required"`
	LotSize             string `yaml:"lot_size" validate:"required"`
	ExchangeMinSize     string `yaml:"exchange_min_size" validate:"required"`
	ExchangeMinNotional string `yaml:"exchange_min_notional" validate:"required"`
}

// MakerConfig tunes the Maker Engine's quote cycle (spec §4.6).
type MakerConfig struct {
	RefreshIntervalMS int           `yaml:"refresh_interval_ms" validate:"required,min=50"`
	JitterMS          int           `yaml:"jitter_ms" validate:"min=0"`
	BaseSpreadBps     float64       `yaml:"base_spread_bps" validate:"required,min=0"`
	MinSpreadBps      float64       `yaml:"min_spread_bps" validate:"required,min=0"`
	BaseSize          string        `yaml:"base_size" validate:"required"`
	MaxClipSize       string        `yaml:"max_clip_size" validate:"required"`
	PriceEpsilonBps   float64       `yaml:"price_epsilon_bps" validate:"min=0"`
	SizeEpsilonPct    float64       `yaml:"size_epsilon_pct" validate:"min=0"`
	MaxCancelsPerMin  int           `yaml:"max_cancels_per_minute" validate:"required,min=1"`
	Features          FeatureConfig `yaml:"features"`
}

// FeatureConfig toggles and tunes the pluggable feature modules (spec §4.6
// "Recognized features").
type FeatureConfig struct {
	TrendFilter     TrendFilterConfig     `yaml:"trend_filter"`
	VolatilityBand  VolatilityBandConfig  `yaml:"volatility_band"`
	InventoryAdjust InventoryAdjustConfig `yaml:"inventory_adjust"`
	PnLGuard        PnLGuardConfig        `yaml:"pnl_guard"`
	RegimeSwitcher  RegimeSwitcherConfig  `yaml:"regime_switcher"`
}

type TrendFilterConfig struct {
	Enabled            bool    `yaml:"enabled"`
	LookbackSeconds    int     `yaml:"lookback_seconds" validate:"min=1"`
	DownThresholdBps   float64 `yaml:"down_threshold_bps"`
	UpThresholdBps     float64 `yaml:"up_threshold_bps"`
	DownExtraSpreadBps float64 `yaml:"down_extra_spread_bps"`
	UpExtraSpreadBps   float64 `yaml:"up_extra_spread_bps"`
	CooldownSeconds    int     `yaml:"cooldown_seconds" validate:"min=0"`
}

type VolatilityBandConfig struct {
	Enabled         bool    `yaml:"enabled"`
	HalfLifeSeconds float64 `yaml:"half_life_seconds" validate:"min=0.1"`
	MinBandBps      float64 `yaml:"min_band_bps"`
	MaxBandBps      float64 `yaml:"max_band_bps"`
	PauseThreshold  float64 `yaml:"pause_threshold"`
	ResumeThreshold float64 `yaml:"resume_threshold"`
}

type InventoryAdjustConfig struct {
	Enabled        bool    `yaml:"enabled"`
	AsymThreshold  string  `yaml:"asym_threshold"`
	SpreadBonusBps float64 `yaml:"spread_bonus_bps"`
	SizeCutPct     float64 `yaml:"size_cut_pct"`
}

type PnLGuardConfig struct {
	Enabled              bool    `yaml:"enabled"`
	WindowSeconds        int     `yaml:"window_seconds" validate:"min=1"`
	Floor                string  `yaml:"floor"`
	ConsecutiveTriggers  int     `yaml:"consecutive_triggers" validate:"min=1"`
	WidenBps             float64 `yaml:"widen_bps"`
	MaxExtraBps          float64 `yaml:"max_extra_bps"`
	ClipMultiplier       float64 `yaml:"clip_multiplier" validate:"min=0,max=1"`
	ReleaseWindowSeconds int     `yaml:"release_window_seconds" validate:"min=0"`
}

type RegimeSwitcherConfig struct {
	Enabled            bool    `yaml:"enabled"`
	LookbackSeconds    int     `yaml:"lookback_seconds" validate:"min=1"`
	RSIPeriod          int     `yaml:"rsi_period" validate:"min=2"`
	BullThreshold      float64 `yaml:"bull_threshold"`
	BearThreshold      float64 `yaml:"bear_threshold"`
	AggressiveSizeMult float64 `yaml:"aggressive_size_multiplier"`
	AggressiveExtraBps float64 `yaml:"aggressive_extra_spread_bps"`
	DefensiveSizeMult  float64 `yaml:"defensive_size_multiplier"`
	DefensiveExtraBps  float64 `yaml:"defensive_extra_spread_bps"`
}

// HedgerConfig tunes the Hedger state machine (spec §4.7).
type HedgerConfig struct {
	TargetUnits              string  `yaml:"target_units" validate:"required"`
	TriggerUnits             string  `yaml:"trigger_units" validate:"required"`
	TriggerNotional          string  `yaml:"trigger_notional"`
	ClipSize                 string  `yaml:"clip_size" validate:"required"`
	MaxClipUnits             string  `yaml:"max_clip_units" validate:"required"`
	PassiveOffsetBps         float64 `yaml:"passive_offset_bps" validate:"min=0"`
	PassiveWaitSeconds       int     `yaml:"passive_wait_seconds" validate:"min=1"`
	AggressiveOffsetBps      float64 `yaml:"aggressive_offset_bps" validate:"min=0"`
	MaxSlippageBps           float64 `yaml:"max_slippage_bps" validate:"min=0"`
	CooldownSeconds          int     `yaml:"cooldown_seconds" validate:"min=0"`
	EmergencyBlockSeconds    int     `yaml:"emergency_block_seconds" validate:"min=1"`
	EmergencyClipMultiplier  float64 `yaml:"emergency_clip_multiplier" validate:"min=1"`
	EmergencyCooldownSeconds int     `yaml:"emergency_cooldown_seconds" validate:"min=0"`
	MaxAttempts              int     `yaml:"max_attempts" validate:"required,min=1"`
	// GuardClipMultiplier, PnLGuardFloor and PnLGuardWindowSeconds mirror the
	// maker's PnL-guard feature (spec §4.7 clip sizing step 2): a zero floor
	// disables the check entirely.
	GuardClipMultiplier   float64 `yaml:"guard_clip_multiplier" validate:"min=0"`
	PnLGuardFloor         string  `yaml:"pnl_guard_floor"`
	PnLGuardWindowSeconds int     `yaml:"pnl_guard_window_seconds" validate:"min=0"`
}

// GuardConfig tunes the Self-Trade & Risk Guard (spec §4.5).
type GuardConfig struct {
	PriceBandBps             float64 `yaml:"price_band_bps" validate:"required,min=0"`
	MaxPositionUnits         string  `yaml:"max_position_units" validate:"required"`
	MaxInventoryNotional     string  `yaml:"max_inventory_notional" validate:"required"`
	MaxMidAgeSeconds         int     `yaml:"max_mid_age_seconds" validate:"required,min=1"`
	KillOnCrossedBook        bool    `yaml:"kill_on_crossed_book"`
	KillOnInventoryBreach    bool    `yaml:"kill_on_inventory_breach"`
	ReconcileCooldownSeconds int     `yaml:"reconcile_cooldown_seconds" validate:"min=0"`
	// MaxSubmitsPerSecond bounds the combined submit+cancel rate for a market
	// as a token-bucket backstop behind the maker engine's own sliding-window
	// cancel throttle. Zero disables it.
	MaxSubmitsPerSecond float64 `yaml:"max_submits_per_second" validate:"min=0"`
	SubmitBurst         int     `yaml:"submit_burst" validate:"min=0"`
}

// IngestorConfig tunes the Market Data Ingestor (spec §4.4).
type IngestorConfig struct {
	ReconnectInitialSeconds   float64 `yaml:"reconnect_initial_seconds" validate:"min=0.1"`
	ReconnectFactor           float64 `yaml:"reconnect_factor" validate:"min=1"`
	ReconnectCapSeconds       float64 `yaml:"reconnect_cap_seconds" validate:"min=0.1"`
	ReconnectJitterPct        float64 `yaml:"reconnect_jitter_pct" validate:"min=0,max=1"`
	SyntheticThresholdSeconds int     `yaml:"synthetic_threshold_seconds" validate:"min=1"`
	KeepaliveIntervalSeconds  int     `yaml:"keepalive_interval_seconds" validate:"min=1"`
	MissedKeepalivesLimit     int     `yaml:"missed_keepalives_limit" validate:"min=1"`
	SustainedOutageMinutes    int     `yaml:"sustained_outage_minutes" validate:"min=1"`
}

// LedgerConfig tunes FillLedger durability and rotation (spec §4.2, §6.4).
type LedgerConfig struct {
	Dir                   string `yaml:"dir" validate:"required"`
	MaxBytes              int64  `yaml:"max_bytes" validate:"required,min=1"`
	BufferDeadlineSeconds int    `yaml:"buffer_deadline_seconds" validate:"required,min=1"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	EventPoolSize   int `yaml:"event_pool_size" validate:"min=1,max=100"`
	EventPoolBuffer int `yaml:"event_pool_buffer" validate:"min=1,max=10000"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration, collecting
// every violation before returning rather than failing on the first.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateMarkets(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateMaker(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateHedger(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateGuard(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateLedger(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.APIKey == Secret("") {
		return ValidationError{Field: "exchange.api_key", Message: "API key is required"}
	}
	if c.Exchange.SecretKey == Secret("") {
		return ValidationError{Field: "exchange.secret_key", Message: "secret key is required"}
	}
	if c.Exchange.StreamURL == "" {
		return ValidationError{Field: "exchange.stream_url", Message: "stream URL is required"}
	}
	return nil
}

func (c *Config) validateMarkets() error {
	if len(c.Markets) == 0 {
		return ValidationError{Field: "markets", Message: "at least one market must be configured"}
	}
	for key, m := range c.Markets {
		if m.ExchangeMinSize == "" || m.ExchangeMinNotional == "" || m.TickSize == "" || m.LotSize == "" {
			return ValidationError{
				Field:   fmt.Sprintf("markets.%s", key),
				Message: "tick_size, lot_size, exchange_min_size and exchange_min_notional are required",
			}
		}
	}
	return nil
}

func (c *Config) validateMaker() error {
	if c.Maker.RefreshIntervalMS <= 0 {
		return ValidationError{Field: "maker.refresh_interval_ms", Value: c.Maker.RefreshIntervalMS, Message: "must be positive"}
	}
	if c.Maker.BaseSize == "" {
		return ValidationError{Field: "maker.base_size", Message: "base size is required"}
	}
	if c.Maker.JitterMS > c.Maker.RefreshIntervalMS {
		return ValidationError{Field: "maker.jitter_ms", Value: c.Maker.JitterMS, Message: "must not exceed refresh_interval_ms"}
	}
	return nil
}

func (c *Config) validateHedger() error {
	if c.Hedger.MaxAttempts <= 0 {
		return ValidationError{Field: "hedger.max_attempts", Value: c.Hedger.MaxAttempts, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateGuard() error {
	if c.Guard.MaxMidAgeSeconds <= 0 {
		return ValidationError{Field: "guard.max_mid_age_seconds", Value: c.Guard.MaxMidAgeSeconds, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateLedger() error {
	if c.Ledger.Dir == "" {
		return ValidationError{Field: "ledger.dir", Message: "ledger directory is required"}
	}
	if c.Ledger.MaxBytes <= 0 {
		return ValidationError{Field: "ledger.max_bytes", Value: c.Ledger.MaxBytes, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration. Credentials
// are Secret-typed and redact themselves during marshaling.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{Name: "tradingcore"},
		Exchange: ExchangeConfig{
			APIKey:    "test_api_key",
			SecretKey: "test_secret_key",
			StreamURL: "wss://example.invalid/ws",
		},
		Markets: map[string]MarketConfig{
			"market:1": {
				PriceScale:          2,
				SizeScale:           3,
				TickSize:            "0.01",
				LotSize:             "0.001",
				ExchangeMinSize:     "0.001",
				ExchangeMinNotional: "10",
			},
		},
		Maker: MakerConfig{
			RefreshIntervalMS: 500,
			JitterMS:          50,
			BaseSpreadBps:     8,
			MinSpreadBps:      4,
			BaseSize:          "0.01",
			MaxClipSize:       "1",
			PriceEpsilonBps:   0.5,
			SizeEpsilonPct:    0.1,
			MaxCancelsPerMin:  30,
		},
		Hedger: HedgerConfig{
			TargetUnits:              "0",
			TriggerUnits:             "0.05",
			ClipSize:                 "0.02",
			MaxClipUnits:             "0.2",
			PassiveOffsetBps:         2,
			PassiveWaitSeconds:       5,
			AggressiveOffsetBps:      5,
			MaxSlippageBps:           20,
			CooldownSeconds:          10,
			EmergencyBlockSeconds:    30,
			EmergencyClipMultiplier:  2,
			EmergencyCooldownSeconds: 3,
			MaxAttempts:              5,
			GuardClipMultiplier:      0.5,
			PnLGuardFloor:            "-50",
			PnLGuardWindowSeconds:    300,
		},
		Guard: GuardConfig{
			PriceBandBps:          50,
			MaxPositionUnits:      "1",
			MaxInventoryNotional:  "50000",
			MaxMidAgeSeconds:      5,
			KillOnCrossedBook:     true,
			KillOnInventoryBreach: true,
			MaxSubmitsPerSecond:   10,
			SubmitBurst:           5,
		},
		Ingestor: IngestorConfig{
			ReconnectInitialSeconds:   1,
			ReconnectFactor:           2,
			ReconnectCapSeconds:       30,
			ReconnectJitterPct:        0.25,
			SyntheticThresholdSeconds: 30,
			KeepaliveIntervalSeconds:  15,
			MissedKeepalivesLimit:     3,
			SustainedOutageMinutes:    5,
		},
		Ledger: LedgerConfig{
			Dir:                   "./data/fills",
			MaxBytes:              64 * 1024 * 1024,
			BufferDeadlineSeconds: 30,
		},
		System: SystemConfig{LogLevel: "INFO", CancelOnExit: true},
	}
}
