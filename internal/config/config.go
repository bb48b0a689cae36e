// Package config loads the server and simulation configuration from YAML
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/exchange"
	"github.com/ksred/klear-treasury/internal/feehook"
	"github.com/ksred/klear-treasury/internal/treasury"
	"github.com/ksred/klear-treasury/internal/types"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
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

// Config captures runtime configuration.
type Config struct {
	Server      ServerConfig   `yaml:"server"`
	Database    DatabaseConfig `yaml:"database"`
	Treasury    TreasuryConfig `yaml:"treasury"`
	FeeHook     FeeHookConfig  `yaml:"fee_hook"`
	Keeper      KeeperConfig   `yaml:"keeper"`
	Venue       VenueConfig    `yaml:"venue"`
	Credentials []Credential   `yaml:"credentials"`
}

type ServerConfig struct {
	Port      string `yaml:"port"`
	Env       string `yaml:"env"`
	Debug     bool   `yaml:"debug"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Production reports whether console logging should be disabled.
func (s ServerConfig) Production() bool {
	return s.Env == "production"
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TreasuryConfig seeds the treasury on first start. Amounts are base-unit
// integers.
type TreasuryConfig struct {
	Address            string        `yaml:"address"`
	Admin              string        `yaml:"admin"`
	SettlementDecimals int32         `yaml:"settlement_decimals"`
	TargetAsset        string        `yaml:"target_asset"`
	AcquisitionSize    string        `yaml:"acquisition_size"`
	MinProfitPercent   uint8         `yaml:"min_profit_percent"`
	FeeTier            uint32        `yaml:"fee_tier"`
	CallerReward       string        `yaml:"caller_reward"`
	BuybackAsset       string        `yaml:"buyback_asset"`
	BuybackPool        PoolKeyConfig `yaml:"buyback_pool"`
}

type PoolKeyConfig struct {
	Currency0   string `yaml:"currency0"`
	Currency1   string `yaml:"currency1"`
	Fee         uint32 `yaml:"fee"`
	TickSpacing int32  `yaml:"tick_spacing"`
	Hooks       string `yaml:"hooks"`
}

type FeeHookConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	FeePercent uint32 `yaml:"fee_percent"`
	Recipient  string `yaml:"recipient"`
}

// KeeperConfig controls the background trigger loop.
type KeeperConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	Caller   string   `yaml:"caller"`
}

// VenueConfig seeds the simulated venue.
type VenueConfig struct {
	Pools    []PoolConfig    `yaml:"pools"`
	Balances []BalanceConfig `yaml:"balances"`
	Taxes    []TaxConfig     `yaml:"transfer_taxes"`
}

type PoolConfig struct {
	Name     string        `yaml:"name"`
	Key      PoolKeyConfig `yaml:"key"`
	PriceNum string        `yaml:"price_num"`
	PriceDen string        `yaml:"price_den"`
	Reserve0 string        `yaml:"reserve0"`
	Reserve1 string        `yaml:"reserve1"`
}

type BalanceConfig struct {
	Asset  string `yaml:"asset"`
	Holder string `yaml:"holder"`
	Amount string `yaml:"amount"`
}

// TaxConfig makes transfers of Asset lose PPM parts per million.
type TaxConfig struct {
	Asset string `yaml:"asset"`
	PPM   uint64 `yaml:"ppm"`
}

// Credential maps an API key pair to the address it acts as.
type Credential struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Address   string `yaml:"address"`
}

// Load reads configuration from path, then applies defaults and the PORT,
// ENV, DEBUG, DATABASE_PATH and JWT_SECRET environment overrides. An empty
// path loads defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Server.Env = v
	}
	if os.Getenv("DEBUG") == "true" {
		cfg.Server.Debug = true
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.JWTSecret == "" {
		cfg.Server.JWTSecret = "klear-secret-key"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "treasury.db"
	}
	if cfg.Treasury.SettlementDecimals == 0 {
		cfg.Treasury.SettlementDecimals = 18
	}
	if cfg.Treasury.MinProfitPercent == 0 {
		cfg.Treasury.MinProfitPercent = 10
	}
	if cfg.Treasury.FeeTier == 0 {
		cfg.Treasury.FeeTier = 3000
	}
	if cfg.Keeper.Interval.Duration == 0 {
		cfg.Keeper.Interval.Duration = 30 * time.Second
	}
}

// Validate checks that every configured value parses and is in range.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Production() && c.Server.JWTSecret == "klear-secret-key" {
		errs = append(errs, errors.New("server.jwt_secret must be changed in production"))
	}
	if _, err := c.Treasury.Settings(); err != nil {
		errs = append(errs, err)
	}
	if c.FeeHook.Enabled {
		if _, err := c.FeeHook.HookConfig(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Keeper.Enabled {
		if _, err := parseAddress("keeper.caller", c.Keeper.Caller, false); err != nil {
			errs = append(errs, err)
		}
	}
	for i, cred := range c.Credentials {
		if cred.APIKey == "" || cred.APISecret == "" {
			errs = append(errs, fmt.Errorf("credentials[%d]: api_key and api_secret are required", i))
		}
		if _, err := parseAddress(fmt.Sprintf("credentials[%d].address", i), cred.Address, false); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.Venue.pools(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", types.ErrInvalidConfiguration, err)
	}
	return nil
}

// Settings converts the treasury section into service settings.
func (t TreasuryConfig) Settings() (treasury.Settings, error) {
	var (
		settings treasury.Settings
		err      error
	)
	if settings.Address, err = parseAddress("treasury.address", t.Address, false); err != nil {
		return settings, err
	}
	if settings.Admin, err = parseAddress("treasury.admin", t.Admin, false); err != nil {
		return settings, err
	}

	cfg := treasury.Config{
		MinProfitPercent: t.MinProfitPercent,
		FeeTier:          t.FeeTier,
	}
	if cfg.TargetAsset, err = parseAddress("treasury.target_asset", t.TargetAsset, true); err != nil {
		return settings, err
	}
	if cfg.AcquisitionSize, err = parseAmount("treasury.acquisition_size", t.AcquisitionSize); err != nil {
		return settings, err
	}
	if cfg.CallerReward, err = parseAmount("treasury.caller_reward", t.CallerReward); err != nil {
		return settings, err
	}
	if cfg.BuybackAsset, err = parseAddress("treasury.buyback_asset", t.BuybackAsset, true); err != nil {
		return settings, err
	}
	if cfg.BuybackPool, err = t.BuybackPool.key("treasury.buyback_pool"); err != nil {
		return settings, err
	}
	if err := cfg.Validate(); err != nil {
		return settings, err
	}
	settings.Initial = cfg
	return settings, nil
}

// HookConfig converts the fee hook section.
func (f FeeHookConfig) HookConfig() (feehook.Config, error) {
	var (
		cfg feehook.Config
		err error
	)
	if cfg.Address, err = parseAddress("fee_hook.address", f.Address, false); err != nil {
		return cfg, err
	}
	if cfg.Recipient, err = parseAddress("fee_hook.recipient", f.Recipient, false); err != nil {
		return cfg, err
	}
	if f.FeePercent > feehook.FeeDenominator {
		return cfg, fmt.Errorf("fee_hook.fee_percent %d exceeds %d", f.FeePercent, feehook.FeeDenominator)
	}
	cfg.FeePercent = f.FeePercent
	return cfg, nil
}

// KeeperCaller is the address the keeper triggers operations as.
func (k KeeperConfig) KeeperCaller() common.Address {
	return common.HexToAddress(k.Caller)
}

type seedPool struct {
	pool               *exchange.Pool
	reserve0, reserve1 types.Amount
}

func (v VenueConfig) pools() ([]seedPool, error) {
	out := make([]seedPool, 0, len(v.Pools))
	for i, pc := range v.Pools {
		field := fmt.Sprintf("venue.pools[%d]", i)
		key, err := pc.Key.key(field + ".key")
		if err != nil {
			return nil, err
		}
		num, err := parseAmount(field+".price_num", pc.PriceNum)
		if err != nil {
			return nil, err
		}
		den, err := parseAmount(field+".price_den", pc.PriceDen)
		if err != nil {
			return nil, err
		}
		if num.IsZero() || den.IsZero() {
			return nil, fmt.Errorf("%s: price must be positive", field)
		}
		r0, err := parseAmount(field+".reserve0", pc.Reserve0)
		if err != nil {
			return nil, err
		}
		r1, err := parseAmount(field+".reserve1", pc.Reserve1)
		if err != nil {
			return nil, err
		}
		out = append(out, seedPool{
			pool:     &exchange.Pool{Name: pc.Name, Key: key, PriceNum: num.Int(), PriceDen: den.Int()},
			reserve0: r0,
			reserve1: r1,
		})
	}
	return out, nil
}

// Seed registers pools, reserves, balances and transfer taxes on sim.
func (v VenueConfig) Seed(sim *exchange.Simulator) error {
	pools, err := v.pools()
	if err != nil {
		return err
	}
	for _, sp := range pools {
		if err := sim.AddPool(sp.pool); err != nil {
			return err
		}
		id := sp.pool.ID()
		if !sp.reserve0.IsZero() {
			if err := sim.FundPool(id, sp.pool.Key.Currency0, sp.reserve0.Int()); err != nil {
				return err
			}
		}
		if !sp.reserve1.IsZero() {
			if err := sim.FundPool(id, sp.pool.Key.Currency1, sp.reserve1.Int()); err != nil {
				return err
			}
		}
	}
	for i, b := range v.Balances {
		field := fmt.Sprintf("venue.balances[%d]", i)
		asset, err := parseAddress(field+".asset", b.Asset, true)
		if err != nil {
			return err
		}
		holder, err := parseAddress(field+".holder", b.Holder, false)
		if err != nil {
			return err
		}
		amount, err := parseAmount(field+".amount", b.Amount)
		if err != nil {
			return err
		}
		sim.Mint(asset, holder, amount.Int())
	}
	for i, t := range v.Taxes {
		asset, err := parseAddress(fmt.Sprintf("venue.transfer_taxes[%d].asset", i), t.Asset, false)
		if err != nil {
			return err
		}
		sim.SetTransferTax(asset, t.PPM)
	}
	return nil
}

func (p PoolKeyConfig) key(field string) (chain.PoolKey, error) {
	if p == (PoolKeyConfig{}) {
		return chain.PoolKey{}, nil
	}
	var (
		key chain.PoolKey
		err error
	)
	if key.Currency0, err = parseAddress(field+".currency0", p.Currency0, true); err != nil {
		return key, err
	}
	if key.Currency1, err = parseAddress(field+".currency1", p.Currency1, true); err != nil {
		return key, err
	}
	if key.Hooks, err = parseAddress(field+".hooks", p.Hooks, true); err != nil {
		return key, err
	}
	key.Fee = p.Fee
	key.TickSpacing = p.TickSpacing
	if err := key.Validate(); err != nil {
		return key, fmt.Errorf("%s: %w", field, err)
	}
	return key, nil
}

// parseAddress accepts a hex address. "native" and, when allowZero is set,
// the empty string denote the zero address.
func parseAddress(field, raw string, allowZero bool) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "native") {
		if allowZero {
			return common.Address{}, nil
		}
		return common.Address{}, fmt.Errorf("%s is required", field)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) && !allowZero {
		return addr, fmt.Errorf("%s cannot be the zero address", field)
	}
	return addr, nil
}

func parseAmount(field, raw string) (types.Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.Amount{}, nil
	}
	amount, err := types.ParseAmount(raw)
	if err != nil {
		return types.Amount{}, fmt.Errorf("%s: %w", field, err)
	}
	return amount, nil
}
