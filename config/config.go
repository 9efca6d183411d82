package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "30s" in both TOML and
// YAML files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings. BurntSushi/toml uses it
// for quoted values.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// Config captures runtime configuration for dscd.
type Config struct {
	ListenAddress string          `toml:"listen" yaml:"listen"`
	Environment   string          `toml:"env" yaml:"env"`
	LogLevel      string          `toml:"log_level" yaml:"log_level"`
	Engine        EngineConfig    `toml:"engine" yaml:"engine"`
	Assets        []Asset         `toml:"assets" yaml:"assets"`
	Oracle        OracleConfig    `toml:"oracle" yaml:"oracle"`
	Storage       StorageConfig   `toml:"storage" yaml:"storage"`
	Auth          AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit     RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Telemetry     TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Genesis       []Allocation    `toml:"genesis" yaml:"genesis"`
}

// EngineConfig identifies the custody account and the debt token.
type EngineConfig struct {
	Address      string `toml:"address" yaml:"address"`
	DebtSymbol   string `toml:"debt_symbol" yaml:"debt_symbol"`
	DebtDecimals uint8  `toml:"debt_decimals" yaml:"debt_decimals"`
}

// Asset describes one accepted collateral token and its price feed.
type Asset struct {
	Symbol         string `toml:"symbol" yaml:"symbol"`
	Address        string `toml:"address" yaml:"address"`
	Feed           string `toml:"feed" yaml:"feed"`
	Decimals       uint8  `toml:"decimals" yaml:"decimals"`
	OracleDecimals uint8  `toml:"oracle_decimals" yaml:"oracle_decimals"`
	// Price seeds the static price source. Empty leaves the feed unpriced
	// until a price is posted.
	Price string `toml:"price" yaml:"price"`
}

// OracleConfig tunes the price poller and the staleness guard.
type OracleConfig struct {
	Database string   `toml:"database" yaml:"database"`
	Interval Duration `toml:"interval" yaml:"interval"`
	MaxAge   Duration `toml:"max_age" yaml:"max_age"`
	MinFeeds int      `toml:"min_feeds" yaml:"min_feeds"`
}

// StorageConfig selects the ledger database. An empty path keeps state in
// memory.
type StorageConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// AuthConfig configures HS256 bearer tokens.
type AuthConfig struct {
	HMACSecret    string   `toml:"hmac_secret" yaml:"hmac_secret"`
	HMACSecretEnv string   `toml:"hmac_secret_env" yaml:"hmac_secret_env"`
	Issuer        string   `toml:"issuer" yaml:"issuer"`
	Audience      []string `toml:"audience" yaml:"audience"`
	ClockSkew     Duration `toml:"clock_skew" yaml:"clock_skew"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute int `toml:"rpm" yaml:"rpm"`
	Burst             int `toml:"burst" yaml:"burst"`
}

// TelemetryConfig wires the OTLP exporters. Both signals are off by default.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"insecure" yaml:"insecure"`
	Headers  string `toml:"headers" yaml:"headers"`
	Metrics  bool   `toml:"metrics" yaml:"metrics"`
	Traces   bool   `toml:"traces" yaml:"traces"`
}

// Allocation credits a human-readable amount of a token at startup.
type Allocation struct {
	Account string `toml:"account" yaml:"account"`
	Symbol  string `toml:"symbol" yaml:"symbol"`
	Amount  string `toml:"amount" yaml:"amount"`
}

const (
	defaultListen       = ":8090"
	defaultEnvironment  = "dev"
	defaultLogLevel     = "info"
	defaultDebtSymbol   = "DSC"
	defaultDecimals     = 18
	defaultOracleDecs   = 8
	defaultOracleDB     = "file:oracle.db"
	defaultInterval     = 30 * time.Second
	defaultMaxAge       = 3 * time.Hour
	defaultMinFeeds     = 1
	defaultRPM          = 120
	defaultBurst        = 20
	defaultClockSkew    = time.Minute
	defaultOTLPEndpoint = "localhost:4318"
)

// Load reads the configuration from disk. The decoder is chosen by the file
// extension: .toml, .yaml or .yml.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown key %q", undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q", ext)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.ListenAddress = strings.TrimSpace(c.ListenAddress)
	if c.ListenAddress == "" {
		c.ListenAddress = defaultListen
	}
	c.Environment = strings.TrimSpace(c.Environment)
	if c.Environment == "" {
		c.Environment = defaultEnvironment
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	c.Engine.Address = strings.TrimSpace(c.Engine.Address)
	c.Engine.DebtSymbol = strings.ToUpper(strings.TrimSpace(c.Engine.DebtSymbol))
	if c.Engine.DebtSymbol == "" {
		c.Engine.DebtSymbol = defaultDebtSymbol
	}
	if c.Engine.DebtDecimals == 0 {
		c.Engine.DebtDecimals = defaultDecimals
	}
	for i := range c.Assets {
		asset := &c.Assets[i]
		asset.Symbol = strings.ToUpper(strings.TrimSpace(asset.Symbol))
		asset.Address = strings.TrimSpace(asset.Address)
		asset.Feed = strings.ToUpper(strings.TrimSpace(asset.Feed))
		if asset.Feed == "" && asset.Symbol != "" {
			asset.Feed = asset.Symbol + "/USD"
		}
		if asset.Decimals == 0 {
			asset.Decimals = defaultDecimals
		}
		if asset.OracleDecimals == 0 {
			asset.OracleDecimals = defaultOracleDecs
		}
		asset.Price = strings.TrimSpace(asset.Price)
	}
	c.Oracle.Database = strings.TrimSpace(c.Oracle.Database)
	if c.Oracle.Database == "" {
		c.Oracle.Database = defaultOracleDB
	}
	if c.Oracle.Interval.Duration == 0 {
		c.Oracle.Interval.Duration = defaultInterval
	}
	if c.Oracle.MaxAge.Duration == 0 {
		c.Oracle.MaxAge.Duration = defaultMaxAge
	}
	if c.Oracle.MinFeeds == 0 {
		c.Oracle.MinFeeds = defaultMinFeeds
	}
	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	if c.Auth.HMACSecret == "" && c.Auth.HMACSecretEnv != "" {
		c.Auth.HMACSecret = os.Getenv(strings.TrimSpace(c.Auth.HMACSecretEnv))
	}
	c.Auth.Issuer = strings.TrimSpace(c.Auth.Issuer)
	if c.Auth.ClockSkew.Duration == 0 {
		c.Auth.ClockSkew.Duration = defaultClockSkew
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = defaultRPM
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = defaultBurst
	}
	c.Telemetry.Endpoint = strings.TrimSpace(c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = defaultOTLPEndpoint
	}
	for i := range c.Genesis {
		alloc := &c.Genesis[i]
		alloc.Account = strings.TrimSpace(alloc.Account)
		alloc.Symbol = strings.ToUpper(strings.TrimSpace(alloc.Symbol))
		alloc.Amount = strings.TrimSpace(alloc.Amount)
	}
}

// AssetBySymbol looks up a configured collateral asset.
func (c Config) AssetBySymbol(symbol string) (Asset, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, asset := range c.Assets {
		if asset.Symbol == symbol {
			return asset, true
		}
	}
	return Asset{}, false
}

// Decimals reports the decimals of a configured token, the debt token included.
func (c Config) Decimals(symbol string) (uint8, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == c.Engine.DebtSymbol {
		return c.Engine.DebtDecimals, true
	}
	if asset, ok := c.AssetBySymbol(symbol); ok {
		return asset.Decimals, true
	}
	return 0, false
}
