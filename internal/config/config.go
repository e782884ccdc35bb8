// Package config loads the service configuration from the environment.
// Every knob has a sane default; only the node endpoints of the enabled
// chains are mandatory. Values are validated declaratively after loading.
package config

import (
	"time"

	"github.com/blockpond/paywatch/internal/pkg/validator"

	"github.com/kelseyhightower/envconfig"
)

// envPrefix namespaces every environment variable, e.g. PAYWATCH_LOG_LEVEL.
const envPrefix = "paywatch"

// RedisConfig locates the Redis instance holding the scan cursors and the
// imported-viewing-key set.
type RedisConfig struct {
	Addr     string `default:"localhost:6379" validate:"required"`
	Username string
	Password string
	DB       int `default:"0"`
}

// ChainConfig carries the per-chain monitor settings. The same shape
// serves both chain families; EventStreamEndpoint and
// SubscriberMaxReconnectAttempts only apply to the bitcoin family.
type ChainConfig struct {
	Enabled bool `default:"false"`

	RPCURL  string `envconfig:"RPC_URL" validate:"required_if=Enabled true,omitempty,url"`
	RPCUser string `envconfig:"RPC_USER"`
	RPCPass string `envconfig:"RPC_PASS"`

	EventStreamEndpoint string `split_words:"true"`

	ConfirmationThreshold int64 `split_words:"true" default:"6" validate:"min=1"`

	// PollIntervalMs drives the zcash poll tick and the bitcoin
	// reconciliation sweep. The zero value selects the per-chain default
	// (15000 and 10000 respectively).
	PollIntervalMs        int64 `split_words:"true" validate:"min=0"`
	AddressCacheRefreshMs int64 `split_words:"true" default:"60000" validate:"min=1000"`

	RPCMaxRetries     uint  `envconfig:"RPC_MAX_RETRIES" default:"3"`
	RPCRetryInitialMs int64 `envconfig:"RPC_RETRY_INITIAL_MS" default:"1000"`
	RPCTimeoutMs      int64 `envconfig:"RPC_TIMEOUT_MS" default:"30000"`

	SubscriberMaxReconnectAttempts int `split_words:"true" default:"10"`

	CatchUpMaxBlocksPerTick int64 `split_words:"true" default:"500" validate:"min=1"`

	// ViewingKeysFile points at a JSON export of shielded viewing keys.
	// Only meaningful for the zcash family.
	ViewingKeysFile string `split_words:"true"`
}

// PollInterval returns the poll/reconcile interval as a duration.
func (c ChainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// AddressCacheRefresh returns the cache refresh interval as a duration.
func (c ChainConfig) AddressCacheRefresh() time.Duration {
	return time.Duration(c.AddressCacheRefreshMs) * time.Millisecond
}

// RPCRetryInitial returns the initial retry backoff as a duration.
func (c ChainConfig) RPCRetryInitial() time.Duration {
	return time.Duration(c.RPCRetryInitialMs) * time.Millisecond
}

// RPCTimeout returns the per-call RPC timeout as a duration.
func (c ChainConfig) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMs) * time.Millisecond
}

// Config is the full service configuration.
type Config struct {
	LogLevel         string `split_words:"true" default:"info"`
	ServiceName      string `split_words:"true" default:"paywatch"`
	TelemetryEnabled bool   `split_words:"true" default:"false"`

	DatabasePath string `split_words:"true" default:"paywatch.db" validate:"required"`

	Redis RedisConfig

	Bitcoin ChainConfig `envconfig:"BTC"`
	Zcash   ChainConfig `envconfig:"ZEC"`
}

// Load reads the configuration from the environment, applies the
// per-chain defaults that envconfig tags cannot express, and validates
// the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Bitcoin.PollIntervalMs == 0 {
		cfg.Bitcoin.PollIntervalMs = 10000
	}
	if cfg.Zcash.PollIntervalMs == 0 {
		cfg.Zcash.PollIntervalMs = 15000
	}

	if err := validator.Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
