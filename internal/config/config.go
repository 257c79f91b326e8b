package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config is the top-level bundler configuration.
type Config struct {
	Bundler    BundlerConfig    `yaml:"bundler"`
	Mempool    MempoolConfig    `yaml:"mempool"`
	Reputation ReputationConfig `yaml:"reputation"`
	Store      StoreConfig      `yaml:"store"`
	Node       NodeConfig       `yaml:"node"`
	Validator  ValidatorConfig  `yaml:"validator"`
	RPC        RPCConfig        `yaml:"rpc"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// BundlerConfig holds the admission and bundling settings.
type BundlerConfig struct {
	ChainID             uint64        `yaml:"chain_id"`
	EntryPoints         []string      `yaml:"entry_points"`
	Beneficiary         string        `yaml:"beneficiary"`
	Blacklist           []string      `yaml:"blacklist"`
	MaxBundleSize       int           `yaml:"max_bundle_size"`
	MaxBundleGas        uint64        `yaml:"max_bundle_gas"`
	BundleInterval      time.Duration `yaml:"bundle_interval"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	MaxBundleRetries    uint32        `yaml:"max_bundle_retries"`
	ThrottledMaxPending int           `yaml:"throttled_max_pending"`
	ReceiptCacheSize    int           `yaml:"receipt_cache_size"`
}

// MempoolConfig bounds the user operation pool.
type MempoolConfig struct {
	MaxSize   int           `yaml:"max_size"`
	EntryTTL  time.Duration `yaml:"entry_ttl"`
	Retention time.Duration `yaml:"retention"`
}

// ReputationConfig holds sanction thresholds and the decay schedule.
type ReputationConfig struct {
	ThrottleThreshold uint64        `yaml:"throttle_threshold"`
	BanThreshold      uint64        `yaml:"ban_threshold"`
	ThrottleFailRate  float64       `yaml:"throttle_fail_rate"`
	ThrottleDuration  time.Duration `yaml:"throttle_duration"`
	BanDuration       time.Duration `yaml:"ban_duration"`
	DecayInterval     time.Duration `yaml:"decay_interval"` // 0 disables decay
	DecayFactor       float64       `yaml:"decay_factor"`
}

// StoreConfig selects the database engine.
type StoreConfig struct {
	Engine  string `yaml:"engine"` // pebble, leveldb or memory
	DataDir string `yaml:"datadir"`
	Cache   int    `yaml:"cache"` // MB
	Handles int    `yaml:"handles"`
}

// NodeConfig points at the execution client used for chain id and receipts.
type NodeConfig struct {
	RPCURL string `yaml:"rpc_url"` // empty runs without chain receipts
}

// ValidatorConfig configures the optional remote validation service.
type ValidatorConfig struct {
	Enabled               bool          `yaml:"enabled"`
	URL                   string        `yaml:"url"`
	APIKey                string        `yaml:"api_key"`
	Timeout               time.Duration `yaml:"timeout"`
	CacheTTL              time.Duration `yaml:"cache_ttl"`
	CacheSize             int           `yaml:"cache_size"`
	MinPreVerificationGas uint64        `yaml:"min_pre_verification_gas"`
	MaxVerificationGas    uint64        `yaml:"max_verification_gas"`
	MaxOperationGas       uint64        `yaml:"max_operation_gas"`
}

// RPCConfig holds the JSON-RPC listener settings.
type RPCConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	WSAddr      string `yaml:"ws_addr"`
	EnableDebug bool   `yaml:"enable_debug"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Bundler.EntryPoints) == 0 {
		errs = append(errs, errors.New("bundler.entry_points must not be empty"))
	}
	for _, ep := range c.Bundler.EntryPoints {
		if !common.IsHexAddress(ep) {
			errs = append(errs, fmt.Errorf("bundler.entry_points: invalid address %q", ep))
		}
	}
	for _, addr := range c.Bundler.Blacklist {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("bundler.blacklist: invalid address %q", addr))
		}
	}
	if c.Bundler.Beneficiary != "" && !common.IsHexAddress(c.Bundler.Beneficiary) {
		errs = append(errs, fmt.Errorf("bundler.beneficiary: invalid address %q", c.Bundler.Beneficiary))
	}
	if c.Bundler.MaxBundleSize <= 0 {
		errs = append(errs, errors.New("bundler.max_bundle_size must be positive"))
	}
	if c.Bundler.BundleInterval <= 0 {
		errs = append(errs, errors.New("bundler.bundle_interval must be positive"))
	}
	if c.Reputation.DecayInterval > 0 && (c.Reputation.DecayFactor < 0 || c.Reputation.DecayFactor > 1) {
		errs = append(errs, fmt.Errorf("reputation.decay_factor %v out of range [0,1]", c.Reputation.DecayFactor))
	}
	if c.Validator.Enabled && c.Validator.URL == "" {
		errs = append(errs, errors.New("validator.url is required when the remote validator is enabled"))
	}
	switch c.Store.Engine {
	case "pebble", "leveldb", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.engine: unknown engine %q", c.Store.Engine))
	}

	return errors.Join(errs...)
}

// EntryPointAddresses parses the configured entry points.
func (c *BundlerConfig) EntryPointAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.EntryPoints))
	for _, ep := range c.EntryPoints {
		out = append(out, common.HexToAddress(ep))
	}
	return out
}

// BlacklistAddresses parses the configured sender blacklist.
func (c *BundlerConfig) BlacklistAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Blacklist))
	for _, addr := range c.Blacklist {
		out = append(out, common.HexToAddress(addr))
	}
	return out
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		Bundler: BundlerConfig{
			ChainID:             1337,
			EntryPoints:         []string{"0x0000000071727De22E5E9d8BAf0edAc6f37da032"},
			MaxBundleSize:       10,
			MaxBundleGas:        10_000_000,
			BundleInterval:      10 * time.Second,
			CallTimeout:         30 * time.Second,
			MaxBundleRetries:    3,
			ThrottledMaxPending: 4,
			ReceiptCacheSize:    1024,
		},
		Mempool: MempoolConfig{
			MaxSize:   1000,
			EntryTTL:  30 * time.Minute,
			Retention: 24 * time.Hour,
		},
		Reputation: ReputationConfig{
			ThrottleThreshold: 3,
			BanThreshold:      10,
			ThrottleFailRate:  0.5,
			ThrottleDuration:  10 * time.Minute,
			BanDuration:       24 * time.Hour,
			DecayInterval:     time.Hour,
			DecayFactor:       0.9,
		},
		Store: StoreConfig{
			Engine:  "pebble",
			DataDir: "/data",
			Cache:   64,
			Handles: 128,
		},
		Validator: ValidatorConfig{
			Timeout:               5 * time.Second,
			CacheTTL:              30 * time.Second,
			CacheSize:             4096,
			MinPreVerificationGas: 21_000,
			MaxVerificationGas:    5_000_000,
			MaxOperationGas:       15_000_000,
		},
		RPC: RPCConfig{
			ListenAddr: "0.0.0.0:4337",
			WSAddr:     "0.0.0.0:4338",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "0.0.0.0:6060",
		},
	}
}
