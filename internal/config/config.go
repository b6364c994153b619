// Package config loads the server configuration from a YAML file, a .env
// file and environment overrides, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Store   StoreConfig    `yaml:"store"`
	Oracle  OracleConfig   `yaml:"oracle"`
	Roles   RolesConfig    `yaml:"roles"`
	Log     LogConfig      `yaml:"log"`
	Markets []MarketConfig `yaml:"markets"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`

	RequestTimeoutRaw  string `yaml:"request_timeout"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"-"`

	CacheTTLRaw string `yaml:"cache_ttl"`
}

type OracleConfig struct {
	MaxAge  time.Duration `yaml:"-"`
	Signers []string      `yaml:"signers"`

	MaxAgeRaw string `yaml:"max_age"`

	signers []common.Address
}

// SignerAddresses returns the parsed signer allow-list.
func (o OracleConfig) SignerAddresses() []common.Address { return o.signers }

type RolesConfig struct {
	Admins      []string `yaml:"admins"`
	Keepers     []string `yaml:"keepers"`
	Liquidators []string `yaml:"liquidators"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// MarketConfig declares a market to create at startup when it does not
// exist yet. Dollar amounts are whole USD.
type MarketConfig struct {
	ID                          string `yaml:"id"`
	IndexToken                  string `yaml:"index_token"`
	LongToken                   string `yaml:"long_token"`
	ShortToken                  string `yaml:"short_token"`
	PIFactorPositive            uint32 `yaml:"pi_factor_positive"`
	PIFactorNegative            uint32 `yaml:"pi_factor_negative"`
	PIExponent                  uint32 `yaml:"pi_exponent"`
	FundingFactor               uint32 `yaml:"funding_factor"`
	FundingExponent             uint32 `yaml:"funding_exponent"`
	BorrowingFactor             uint32 `yaml:"borrowing_factor"`
	BorrowingExponent           uint32 `yaml:"borrowing_exponent"`
	SkipBorrowingForSmallerSide bool   `yaml:"skip_borrowing_for_smaller_side"`
	TradingFeeBps               uint32 `yaml:"trading_fee_bps"`
	LiquidationFeeBps           uint32 `yaml:"liquidation_fee_bps"`
	MaxLeverage                 uint32 `yaml:"max_leverage"`
	LiquidationThresholdBps     uint32 `yaml:"liquidation_threshold_bps"`
	ReserveFactorBps            uint32 `yaml:"reserve_factor_bps"`
	MinCollateralUSD            int64  `yaml:"min_collateral_usd"`
	MaxLongOIUSD                int64  `yaml:"max_long_oi_usd"`
	MaxShortOIUSD               int64  `yaml:"max_short_oi_usd"`
}

// Market returns the market and risk config m declares.
func (m MarketConfig) Market() (model.Market, model.MarketConfig) {
	market := model.Market{
		ID:         m.ID,
		IndexToken: m.IndexToken,
		LongToken:  m.LongToken,
		ShortToken: m.ShortToken,
	}
	cfg := model.MarketConfig{
		MarketID:                    m.ID,
		PIFactorPositive:            m.PIFactorPositive,
		PIFactorNegative:            m.PIFactorNegative,
		PIExponent:                  m.PIExponent,
		FundingFactor:               m.FundingFactor,
		FundingExponent:             m.FundingExponent,
		BorrowingFactor:             m.BorrowingFactor,
		BorrowingExponent:           m.BorrowingExponent,
		SkipBorrowingForSmallerSide: m.SkipBorrowingForSmallerSide,
		TradingFeeBps:               m.TradingFeeBps,
		LiquidationFeeBps:           m.LiquidationFeeBps,
		MaxLeverage:                 m.MaxLeverage,
		LiquidationThresholdBps:     m.LiquidationThresholdBps,
		ReserveFactorBps:            m.ReserveFactorBps,
		MinCollateralUSD:            fixed.USD(m.MinCollateralUSD),
		MaxLongOI:                   fixed.USD(m.MaxLongOIUSD),
		MaxShortOI:                  fixed.USD(m.MaxShortOIUSD),
	}
	return market, cfg
}

var dotenvOnce sync.Once

// loadDotenv loads .env (or ENV_FILE) once. Existing variables win.
func loadDotenv() {
	dotenvOnce.Do(func() {
		if os.Getenv("NO_DOTENV") == "1" {
			return
		}
		if envFile := os.Getenv("ENV_FILE"); envFile != "" {
			_ = godotenv.Load(envFile)
			return
		}
		_ = godotenv.Load()
	})
}

// Load reads path, or only defaults and the environment when path is empty.
func Load(path string) (*Config, error) {
	loadDotenv()
	if path == "" {
		return LoadFromReader(strings.NewReader(""))
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	return LoadFromReader(file)
}

// LoadFromReader constructs a Config from YAML. ${VAR} references are
// expanded before parsing.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.parse(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Server.Port, "PORT")
	override(&c.Store.DatabaseURL, "DATABASE_URL")
	override(&c.Store.RedisURL, "REDIS_URL")
	override(&c.Log.Level, "LOG_LEVEL")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.RequestTimeoutRaw == "" {
		c.Server.RequestTimeoutRaw = "30s"
	}
	if c.Server.ShutdownTimeoutRaw == "" {
		c.Server.ShutdownTimeoutRaw = "5s"
	}
	if c.Store.CacheTTLRaw == "" {
		c.Store.CacheTTLRaw = "30s"
	}
	if c.Oracle.MaxAgeRaw == "" {
		c.Oracle.MaxAgeRaw = "60s"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) parse() error {
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.request_timeout", c.Server.RequestTimeoutRaw, &c.Server.RequestTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeoutRaw, &c.Server.ShutdownTimeout},
		{"store.cache_ttl", c.Store.CacheTTLRaw, &c.Store.CacheTTL},
		{"oracle.max_age", c.Oracle.MaxAgeRaw, &c.Oracle.MaxAge},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: invalid %s %q: %w", d.name, d.raw, err)
		}
		if v <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", d.name, v)
		}
		*d.dst = v
	}

	c.Oracle.signers = c.Oracle.signers[:0]
	for _, s := range c.Oracle.Signers {
		s = strings.TrimSpace(s)
		if !common.IsHexAddress(s) {
			return fmt.Errorf("config: invalid oracle signer %q", s)
		}
		c.Oracle.signers = append(c.Oracle.signers, common.HexToAddress(s))
	}
	return nil
}

// Validate ensures configuration sanity.
func (c *Config) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.Store.RedisURL != "" && c.Store.DatabaseURL == "" {
		return errors.New("config: store.redis_url requires store.database_url")
	}
	if len(c.Markets) > 0 && len(c.Roles.Admins) == 0 {
		return errors.New("config: markets require at least one admin")
	}
	seen := make(map[string]bool, len(c.Markets))
	for _, m := range c.Markets {
		if seen[m.ID] {
			return fmt.Errorf("config: duplicate market %q", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// SlogLevel maps log.level to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: invalid log.level %q", c.Log.Level)
	}
	return lvl, nil
}
