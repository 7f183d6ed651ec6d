// Package config loads the daemon configuration from a YAML file with
// FARMSYNC_* environment overrides.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"github.com/Iwinswap/iwinswap-farm-sync/amount"
	"github.com/Iwinswap/iwinswap-farm-sync/farm"
	"github.com/Iwinswap/iwinswap-farm-sync/network"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration of the daemon.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	DefaultFarm string `yaml:"default_farm"`

	RPC struct {
		URL          string        `yaml:"url"`
		PrivateKey   string        `yaml:"private_key"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"rpc"`

	Contracts struct {
		Farms          map[string]string `yaml:"farms"`
		RewardToken    string            `yaml:"reward_token"`
		WETH           string            `yaml:"weth"`
		UniswapFactory string            `yaml:"uniswap_factory"`
		Presale        string            `yaml:"presale"`
		SwapToken      string            `yaml:"swap_token"`
		LegacyToken    string            `yaml:"legacy_token"`
		LiquidityLock  string            `yaml:"liquidity_lock"`
	} `yaml:"contracts"`

	Presale struct {
		TotalSupplyETH string `yaml:"total_supply_eth"`
		AccountCapETH  string `yaml:"account_cap_eth"`
	} `yaml:"presale"`

	TWAP struct {
		Interval  time.Duration `yaml:"interval"`
		Reference string        `yaml:"reference"`
	} `yaml:"twap"`

	Oracle struct {
		MaxConcurrentCalls int    `yaml:"max_concurrent_calls"`
		FallbackPrice      string `yaml:"fallback_price"`
	} `yaml:"oracle"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
}

// Load reads the YAML file at path, if any, then applies environment
// overrides and defaults. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"FARMSYNC_ENVIRONMENT":     &c.Environment,
		"FARMSYNC_LOG_LEVEL":       &c.LogLevel,
		"FARMSYNC_DEFAULT_FARM":    &c.DefaultFarm,
		"FARMSYNC_RPC_URL":         &c.RPC.URL,
		"FARMSYNC_PRIVATE_KEY":     &c.RPC.PrivateKey,
		"FARMSYNC_REWARD_TOKEN":    &c.Contracts.RewardToken,
		"FARMSYNC_WETH":            &c.Contracts.WETH,
		"FARMSYNC_UNISWAP_FACTORY": &c.Contracts.UniswapFactory,
		"FARMSYNC_PRESALE":         &c.Contracts.Presale,
		"FARMSYNC_SWAP_TOKEN":      &c.Contracts.SwapToken,
		"FARMSYNC_LEGACY_TOKEN":    &c.Contracts.LegacyToken,
		"FARMSYNC_LIQUIDITY_LOCK":  &c.Contracts.LiquidityLock,
		"FARMSYNC_TWAP_REFERENCE":  &c.TWAP.Reference,
		"FARMSYNC_ORACLE_FALLBACK": &c.Oracle.FallbackPrice,
		"FARMSYNC_HTTP_ADDR":       &c.HTTP.Addr,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	for _, k := range farm.Kinds {
		key := "FARMSYNC_FARM_" + strings.ToUpper(strings.ReplaceAll(string(k), "-", "_"))
		if v := os.Getenv(key); v != "" {
			if c.Contracts.Farms == nil {
				c.Contracts.Farms = make(map[string]string)
			}
			c.Contracts.Farms[string(k)] = v
		}
	}

	durations := map[string]*time.Duration{
		"FARMSYNC_RPC_POLL_INTERVAL": &c.RPC.PollInterval,
		"FARMSYNC_TWAP_INTERVAL":     &c.TWAP.Interval,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("FARMSYNC_ORACLE_MAX_CONCURRENT_CALLS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FARMSYNC_ORACLE_MAX_CONCURRENT_CALLS: %w", err)
		}
		c.Oracle.MaxConcurrentCalls = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = string(network.Development)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DefaultFarm == "" {
		c.DefaultFarm = string(farm.KindUP)
	}
	if c.RPC.PollInterval == 0 {
		c.RPC.PollInterval = 4 * time.Second
	}
	if c.Presale.TotalSupplyETH == "" {
		c.Presale.TotalSupplyETH = "400"
	}
	if c.Presale.AccountCapETH == "" {
		c.Presale.AccountCapETH = "2.5"
	}
	if c.TWAP.Interval == 0 {
		c.TWAP.Interval = time.Minute
	}
	if c.TWAP.Reference == "" {
		c.TWAP.Reference = "1000000000000000000"
	}
	if c.Oracle.MaxConcurrentCalls == 0 {
		c.Oracle.MaxConcurrentCalls = 8
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
}

// Validate checks that every required value is present and well formed.
func (c *Config) Validate() error {
	if _, err := network.ParseEnvironment(c.Environment); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q is not one of debug, info, warn, error", ErrInvalid, c.LogLevel)
	}
	if _, err := farm.ParseKind(c.DefaultFarm); err != nil {
		return fmt.Errorf("%w: default_farm: %w", ErrInvalid, err)
	}
	if c.RPC.URL == "" {
		return fmt.Errorf("%w: rpc.url is required", ErrInvalid)
	}
	if c.RPC.PrivateKey != "" {
		if _, err := c.Key(); err != nil {
			return fmt.Errorf("%w: rpc.private_key: %w", ErrInvalid, err)
		}
	}
	if c.RPC.PollInterval < time.Second {
		return fmt.Errorf("%w: rpc.poll_interval must be at least 1s", ErrInvalid)
	}

	required := map[string]string{
		"contracts.reward_token":    c.Contracts.RewardToken,
		"contracts.weth":            c.Contracts.WETH,
		"contracts.uniswap_factory": c.Contracts.UniswapFactory,
		"contracts.presale":         c.Contracts.Presale,
		"contracts.swap_token":      c.Contracts.SwapToken,
		"contracts.legacy_token":    c.Contracts.LegacyToken,
	}
	for name, v := range required {
		if err := checkAddress(name, v); err != nil {
			return err
		}
	}
	if c.Contracts.LiquidityLock != "" {
		if err := checkAddress("contracts.liquidity_lock", c.Contracts.LiquidityLock); err != nil {
			return err
		}
	}
	if _, err := c.FarmAddresses(); err != nil {
		return err
	}

	if _, err := c.PresaleTotalSupply(); err != nil {
		return err
	}
	if _, err := c.PresaleAccountCap(); err != nil {
		return err
	}
	if c.TWAP.Interval < 30*time.Second || c.TWAP.Interval > time.Minute {
		return fmt.Errorf("%w: twap.interval must be between 30s and 1m, got %s", ErrInvalid, c.TWAP.Interval)
	}
	if _, err := c.TWAPReference(); err != nil {
		return err
	}
	if c.Oracle.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("%w: oracle.max_concurrent_calls must be positive", ErrInvalid)
	}
	if _, err := c.OracleFallback(); err != nil {
		return err
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("%w: http.addr is required", ErrInvalid)
	}
	return nil
}

func checkAddress(name, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, name)
	}
	if !common.IsHexAddress(v) {
		return fmt.Errorf("%w: %s %q is not a hex address", ErrInvalid, name, v)
	}
	return nil
}

// Env returns the parsed deployment environment.
func (c *Config) Env() network.Environment {
	env, _ := network.ParseEnvironment(c.Environment)
	return env
}

// Key parses the optional signing key. It returns nil without a key.
func (c *Config) Key() (*ecdsa.PrivateKey, error) {
	if c.RPC.PrivateKey == "" {
		return nil, nil
	}
	return crypto.HexToECDSA(strings.TrimPrefix(c.RPC.PrivateKey, "0x"))
}

// FarmAddresses returns the contract address of every farm kind.
func (c *Config) FarmAddresses() (map[farm.Kind]common.Address, error) {
	out := make(map[farm.Kind]common.Address, len(farm.Kinds))
	for name := range c.Contracts.Farms {
		if _, err := farm.ParseKind(name); err != nil {
			return nil, fmt.Errorf("%w: contracts.farms: %w", ErrInvalid, err)
		}
	}
	for _, k := range farm.Kinds {
		v := c.Contracts.Farms[string(k)]
		if err := checkAddress("contracts.farms."+string(k), v); err != nil {
			return nil, err
		}
		out[k] = common.HexToAddress(v)
	}
	return out, nil
}

// Address returns the parsed form of a validated address field.
func Address(v string) common.Address {
	return common.HexToAddress(v)
}

// PresaleTotalSupply is the presale hard cap in wei.
func (c *Config) PresaleTotalSupply() (*big.Int, error) {
	return positiveEther("presale.total_supply_eth", c.Presale.TotalSupplyETH)
}

// PresaleAccountCap is the per-account contribution limit in wei.
func (c *Config) PresaleAccountCap() (*big.Int, error) {
	return positiveEther("presale.account_cap_eth", c.Presale.AccountCapETH)
}

func positiveEther(name, v string) (*big.Int, error) {
	wei, err := amount.ParseUnits(v, amount.EtherDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, name, err)
	}
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
	}
	return wei, nil
}

// TWAPReference is the raw TWAP value that maps to a multiplier of 1.
func (c *Config) TWAPReference() (*big.Int, error) {
	ref, ok := new(big.Int).SetString(c.TWAP.Reference, 10)
	if !ok || ref.Sign() <= 0 {
		return nil, fmt.Errorf("%w: twap.reference %q must be a positive integer", ErrInvalid, c.TWAP.Reference)
	}
	return ref, nil
}

// OracleFallback is the optional fixed price used when the oracle fails. It
// returns nil when unset.
func (c *Config) OracleFallback() (*big.Rat, error) {
	if c.Oracle.FallbackPrice == "" {
		return nil, nil
	}
	r, ok := new(big.Rat).SetString(c.Oracle.FallbackPrice)
	if !ok || r.Sign() <= 0 {
		return nil, fmt.Errorf("%w: oracle.fallback_price %q must be a positive number", ErrInvalid, c.Oracle.FallbackPrice)
	}
	return r, nil
}
