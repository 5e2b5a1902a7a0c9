package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}
			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  name: tradingcore

exchange:
  api_key: "${TEST_EXCHANGE_API_KEY}"
  secret_key: "${TEST_EXCHANGE_SECRET_KEY}"
  stream_url: "wss://example.invalid/ws"

markets:
  market:1:
    price_scale: 2
    size_scale: 3
    tick_size: "0.01"
    lot_size: "0.001"
    exchange_min_size: "0.001"
    exchange_min_notional: "10"

maker:
  refresh_interval_ms: 500
  base_spread_bps: 8
  min_spread_bps: 4
  base_size: "0.01"
  max_clip_size: "1"
  max_cancels_per_minute: 30

hedger:
  target_units: "0"
  trigger_units: "0.05"
  clip_size: "0.02"
  max_clip_units: "0.2"
  passive_wait_seconds: 5
  emergency_block_seconds: 30
  emergency_clip_multiplier: 2
  max_attempts: 5

guard:
  price_band_bps: 50
  max_position_units: "1"
  max_inventory_notional: "50000"
  max_mid_age_seconds: 5

ledger:
  dir: "./data/fills"
  max_bytes: 67108864
  buffer_deadline_seconds: 30

system:
  log_level: "INFO"
  cancel_on_exit: true
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_EXCHANGE_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_EXCHANGE_SECRET_KEY", "test_secret_key_from_env")
	defer os.Unsetenv("TEST_EXCHANGE_API_KEY")
	defer os.Unsetenv("TEST_EXCHANGE_SECRET_KEY")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret("test_api_key_from_env"), cfg.Exchange.APIKey)
	assert.Equal(t, Secret("test_secret_key_from_env"), cfg.Exchange.SecretKey)
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = Secret("my_super_secret_api_key")
	cfg.Exchange.SecretKey = Secret("my_super_secret_secret_key")

	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]")
	assert.NotContains(t, output, "my_super_secret_api_key")
	assert.NotContains(t, output, "my_super_secret_secret_key")
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_MissingMarkets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Markets = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "markets")
}
