package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"osseccti/feed-minter/internal/intel"
	"osseccti/feed-minter/internal/ledger"
)

// Env overrides for secrets that should not live in the config file
const (
	EnvIssuerSeed    = "OSSECCTI_ISSUER_SEED"
	EnvRecipientSeed = "OSSECCTI_RECIPIENT_SEED"
)

type InputCfg struct {
	LogFile string `yaml:"log_file"` // empty = built-in sample alert
	Mode    string `yaml:"mode"`     // line | alert
}

type TokenCfg struct {
	Name        string `yaml:"name"`
	Symbol      string `yaml:"symbol"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
	TrustLimit  string `yaml:"trust_limit"`
	IssueAmount string `yaml:"issue_amount"`
}

type FeedCfg struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	OutputPath string `yaml:"output_path"`
	STIXPath   string `yaml:"stix_path"` // optional STIX 2.1 export
	URI        string `yaml:"uri"`       // where the feed is hosted; anchored in the issue memo
}

type WalletCfg struct {
	Address string `yaml:"address"`
	Seed    string `yaml:"seed"`
}

type TransferCfg struct {
	Destination string `yaml:"destination"` // empty = no transfer during mint
	Amount      string `yaml:"amount"`
}

type LedgerCfg struct {
	RPCURL     string      `yaml:"rpc_url"`
	TimeoutMs  int         `yaml:"timeout_ms"`
	FeeMultMax int         `yaml:"fee_mult_max"`
	Issuer     WalletCfg   `yaml:"issuer"`
	Recipient  WalletCfg   `yaml:"recipient"`
	Transfer   TransferCfg `yaml:"transfer"`
}

type ServeCfg struct {
	Listen         string  `yaml:"listen"`
	ReadTimeoutMs  int     `yaml:"read_timeout_ms"`
	WriteTimeoutMs int     `yaml:"write_timeout_ms"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"` // per client; negative disables
	Auth           struct {
		Enabled    bool              `yaml:"enabled"`
		Alg        string            `yaml:"alg"`
		Keys       map[string]string `yaml:"keys"`
		CurrentKID string            `yaml:"current_kid"`
		Issuer     string            `yaml:"issuer"`
		SkewSec    int               `yaml:"skew_sec"`
	} `yaml:"auth"`
}

type MetricsCfg struct {
	Textfile string `yaml:"textfile"` // node exporter textfile path for one-shot runs
}

type HistoryCfg struct {
	DSN string `yaml:"dsn"` // sqlite path; empty disables run history
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
}

type Config struct {
	Input   InputCfg   `yaml:"input"`
	Token   TokenCfg   `yaml:"token"`
	Feed    FeedCfg    `yaml:"feed"`
	Ledger  LedgerCfg  `yaml:"ledger"`
	Serve   ServeCfg   `yaml:"serve"`
	Metrics MetricsCfg `yaml:"metrics"`
	History HistoryCfg `yaml:"history"`
	Logging LoggingCfg `yaml:"logging"`
}

// Load reads path and applies defaults. A missing file yields the defaults
// alone so `build` works out of the box.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvIssuerSeed); v != "" {
		c.Ledger.Issuer.Seed = v
	}
	if v := os.Getenv(EnvRecipientSeed); v != "" {
		c.Ledger.Recipient.Seed = v
	}
}

func (c *Config) applyDefaults() {
	if c.Input.Mode == "" {
		c.Input.Mode = string(intel.ModeLine)
	}
	if c.Token.Name == "" {
		c.Token.Name = "OSSECFeedToken"
	}
	if c.Token.Symbol == "" {
		c.Token.Symbol = "OSEC"
	}
	if c.Token.Description == "" {
		c.Token.Description = "Tokenized representation of OSSEC logs for threat intelligence."
	}
	if c.Token.Version == "" {
		c.Token.Version = "1.0"
	}
	if c.Token.TrustLimit == "" {
		c.Token.TrustLimit = "1000"
	}
	if c.Token.IssueAmount == "" {
		c.Token.IssueAmount = "1"
	}
	if c.Feed.ID == "" {
		c.Feed.ID = "ossec-feed-001"
	}
	if c.Feed.Name == "" {
		c.Feed.Name = "OSSEC Threat Feed"
	}
	if c.Feed.OutputPath == "" {
		c.Feed.OutputPath = "ossec_cti_feed.json"
	}
	if c.Ledger.RPCURL == "" {
		c.Ledger.RPCURL = ledger.DefaultTestnetURL
	}
	if c.Ledger.TimeoutMs == 0 {
		c.Ledger.TimeoutMs = 30000
	}
	if c.Ledger.FeeMultMax == 0 {
		c.Ledger.FeeMultMax = 1000
	}
	if c.Ledger.Transfer.Amount == "" {
		c.Ledger.Transfer.Amount = "1"
	}
	if c.Serve.Listen == "" {
		c.Serve.Listen = ":8090"
	}
	if c.Serve.ReadTimeoutMs == 0 {
		c.Serve.ReadTimeoutMs = 5000
	}
	if c.Serve.WriteTimeoutMs == 0 {
		c.Serve.WriteTimeoutMs = 10000
	}
	if c.Serve.RateLimitRPS == 0 {
		c.Serve.RateLimitRPS = 5
	}
	if c.Serve.Auth.Alg == "" {
		c.Serve.Auth.Alg = "HS256"
	}
	if c.Serve.Auth.Issuer == "" {
		c.Serve.Auth.Issuer = "osseccti"
	}
	if c.Serve.Auth.SkewSec == 0 {
		c.Serve.Auth.SkewSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the settings every command needs
func (c *Config) Validate() error {
	if _, err := intel.ParseMode(c.Input.Mode); err != nil {
		return err
	}
	if _, err := ledger.EncodeCurrency(c.Token.Symbol); err != nil {
		return fmt.Errorf("token.symbol: %w", err)
	}
	if _, err := c.TrustLimit(); err != nil {
		return err
	}
	if _, err := c.IssueAmount(); err != nil {
		return err
	}
	if c.Feed.OutputPath == "" {
		return errors.New("feed.output_path required")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "info", "debug":
	default:
		return errors.New("logging.level must be 'info' or 'debug'")
	}
	if c.Serve.Auth.Enabled {
		if c.Serve.Auth.CurrentKID == "" || len(c.Serve.Auth.Keys) == 0 {
			return errors.New("serve.auth.keys and serve.auth.current_kid required")
		}
		if _, ok := c.Serve.Auth.Keys[c.Serve.Auth.CurrentKID]; !ok {
			return errors.New("serve.auth.current_kid not found in serve.auth.keys")
		}
	}
	return nil
}

// ValidateLedger checks the settings the mint pipeline needs on top of Validate
func (c *Config) ValidateLedger() error {
	if err := c.IssuerWallet().Validate(); err != nil {
		return fmt.Errorf("ledger.issuer: %w", err)
	}
	if err := c.RecipientWallet().Validate(); err != nil {
		return fmt.Errorf("ledger.recipient: %w", err)
	}
	if c.Ledger.Issuer.Address == c.Ledger.Recipient.Address {
		return errors.New("ledger.issuer and ledger.recipient must differ")
	}
	if c.Feed.URI == "" {
		return errors.New("feed.uri required to anchor the feed on-ledger")
	}
	if d := c.Ledger.Transfer.Destination; d != "" {
		if err := ledger.ValidateAddress(d); err != nil {
			return fmt.Errorf("ledger.transfer.destination: %w", err)
		}
		if _, err := c.TransferAmount(); err != nil {
			return err
		}
	}
	if c.Ledger.TimeoutMs < 0 {
		return errors.New("ledger.timeout_ms must be >= 0")
	}
	return nil
}

func (c *Config) ExtractMode() intel.Mode {
	m, _ := intel.ParseMode(c.Input.Mode)
	return m
}

func (c *Config) FeedMeta() intel.FeedMeta {
	return intel.FeedMeta{
		TokenName:        c.Token.Name,
		TokenSymbol:      c.Token.Symbol,
		TokenDescription: c.Token.Description,
		TokenVersion:     c.Token.Version,
		FeedID:           c.Feed.ID,
		FeedName:         c.Feed.Name,
	}
}

func (c *Config) IssuerWallet() ledger.Wallet {
	return ledger.Wallet{Address: c.Ledger.Issuer.Address, Seed: c.Ledger.Issuer.Seed}
}

func (c *Config) RecipientWallet() ledger.Wallet {
	return ledger.Wallet{Address: c.Ledger.Recipient.Address, Seed: c.Ledger.Recipient.Seed}
}

func (c *Config) LedgerTimeout() time.Duration {
	return time.Duration(c.Ledger.TimeoutMs) * time.Millisecond
}

func (c *Config) TrustLimit() (decimal.Decimal, error) {
	return positiveDecimal("token.trust_limit", c.Token.TrustLimit)
}

func (c *Config) IssueAmount() (decimal.Decimal, error) {
	return positiveDecimal("token.issue_amount", c.Token.IssueAmount)
}

func (c *Config) TransferAmount() (decimal.Decimal, error) {
	return positiveDecimal("ledger.transfer.amount", c.Ledger.Transfer.Amount)
}

func positiveDecimal(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if d.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%s must be > 0", field)
	}
	return d, nil
}
