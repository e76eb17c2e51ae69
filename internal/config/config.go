package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/paygate/internal/pricing"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Pricing PricingConfig `yaml:"pricing" mapstructure:"pricing"`
	Policy  PolicyConfig  `yaml:"policy" mapstructure:"policy"`
	Client  ClientConfig  `yaml:"client" mapstructure:"client"`
	Signer  SignerConfig  `yaml:"signer" mapstructure:"signer"`
	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// MonitorConfig configures background spend monitoring and alerting.
type MonitorConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	DenyRateThreshold   float64 `yaml:"deny_rate_threshold" mapstructure:"deny_rate_threshold"`
	BudgetThreshold     float64 `yaml:"budget_threshold" mapstructure:"budget_threshold"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the payment gateway in front of the upstream.
type ServerConfig struct {
	Port        int    `yaml:"port" mapstructure:"port"`
	UpstreamURL string `yaml:"upstream_url" mapstructure:"upstream_url"`

	// ChallengeTimeoutSecs bounds how long an issued challenge stays payable.
	ChallengeTimeoutSecs int `yaml:"challenge_timeout_secs" mapstructure:"challenge_timeout_secs"`

	// NonceTTLHours bounds replay protection memory.
	NonceTTLHours int `yaml:"nonce_ttl_hours" mapstructure:"nonce_ttl_hours"`

	// MintRatePerSec and MintBurst rate-limit challenge minting per remote.
	MintRatePerSec float64 `yaml:"mint_rate_per_sec" mapstructure:"mint_rate_per_sec"`
	MintBurst      int     `yaml:"mint_burst" mapstructure:"mint_burst"`
}

// PricingConfig is the seller's price schedule.
type PricingConfig struct {
	PayTo           string                      `yaml:"pay_to" mapstructure:"pay_to"`
	AssetAddress    string                      `yaml:"asset_address" mapstructure:"asset_address"`
	ChainID         int64                       `yaml:"chain_id" mapstructure:"chain_id"`
	DefaultPriceUSD float64                     `yaml:"default_price_usd" mapstructure:"default_price_usd"`
	Endpoints       map[string]pricing.Endpoint `yaml:"endpoints" mapstructure:"endpoints"`
}

// Table builds the runtime price table from the configured schedule.
func (p PricingConfig) Table() *pricing.Table {
	var opts []pricing.Option
	if p.DefaultPriceUSD > 0 {
		opts = append(opts, pricing.WithDefault(p.DefaultPriceUSD))
	}
	return pricing.NewTable(p.PayTo, p.AssetAddress, p.ChainID, p.Endpoints, opts...)
}

// PolicyConfig points at the caller's spend policy document.
type PolicyConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// ClientConfig configures the caller-side payer.
type ClientConfig struct {
	CallerID      string `yaml:"caller_id" mapstructure:"caller_id"`
	AutoPay       bool   `yaml:"auto_pay" mapstructure:"auto_pay"`
	MaxRetries    int    `yaml:"max_retries" mapstructure:"max_retries"`
	StrictReserve bool   `yaml:"strict_reserve" mapstructure:"strict_reserve"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SignerConfig configures the payer's signing capability.
type SignerConfig struct {
	// Seed is a 32-byte hex seed for the local development signer.
	Seed string `yaml:"seed" mapstructure:"seed"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PAYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "paygate.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8402)
	v.SetDefault("server.challenge_timeout_secs", 300)
	v.SetDefault("server.nonce_ttl_hours", 24)
	v.SetDefault("server.mint_rate_per_sec", 5)
	v.SetDefault("server.mint_burst", 10)
	v.SetDefault("pricing.chain_id", 8453)
	v.SetDefault("policy.file", "policy.yaml")
	v.SetDefault("client.caller_id", "default")
	v.SetDefault("client.auto_pay", false)
	v.SetDefault("client.max_retries", 1)
	v.SetDefault("client.timeout_secs", 30)
	v.SetDefault("monitor.check_interval_secs", 300)
	v.SetDefault("monitor.lookback_window_hours", 24)
	v.SetDefault("monitor.deny_rate_threshold", 0.5)
	v.SetDefault("monitor.budget_threshold", 0.9)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
