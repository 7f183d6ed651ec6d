// Package oracle prices tokens in WETH from UniswapV2 pair reserves.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Iwinswap/iwinswap-farm-sync/chain"
	"github.com/Iwinswap/iwinswap-farm-sync/contracts"
	"github.com/Iwinswap/iwinswap-farm-sync/reserves"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
)

var (
	ErrEmptyPair = errors.New("pair has no liquidity")
	ErrNotWETHLP = errors.New("liquidity token is not paired with WETH")
	oneLPToken   = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	defaultCalls = 4
	two          = big.NewInt(2)
)

// Config holds the dependencies of an Oracle.
type Config struct {
	WETH               common.Address
	KnownFactories     []KnownFactory
	MaxConcurrentCalls int
	// Fallback, when set, replaces any pricing failure. Non-production
	// deployments use 1 because their test pairs are often missing.
	Fallback *big.Rat
	Logger   state.Logger
}

func (c *Config) validate() error {
	if c.WETH == (common.Address{}) {
		return errors.New("weth address is required")
	}
	if len(c.KnownFactories) == 0 {
		return errors.New("at least one known factory is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Oracle quotes exact mid prices. All prices are WETH per whole token as *big.Rat.
type Oracle struct {
	weth     common.Address
	resolver *PairResolver
	fetcher  *reserves.Fetcher
	fallback *big.Rat
	logger   state.Logger
}

func New(cfg Config) (*Oracle, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid oracle configuration: %w", err)
	}
	calls := cfg.MaxConcurrentCalls
	if calls <= 0 {
		calls = defaultCalls
	}
	var fallback *big.Rat
	if cfg.Fallback != nil {
		fallback = new(big.Rat).Set(cfg.Fallback)
	}
	return &Oracle{
		weth:     cfg.WETH,
		resolver: NewPairResolver(cfg.KnownFactories),
		fetcher:  reserves.NewFetcher(calls),
		fallback: fallback,
		logger:   cfg.Logger,
	}, nil
}

// TokenPriceInWETH returns the WETH value of one whole token.
func (o *Oracle) TokenPriceInWETH(ctx context.Context, client chain.Client, token common.Address) (*big.Rat, error) {
	prices, err := o.TokenPricesInWETH(ctx, client, token)
	if err != nil {
		return nil, err
	}
	return prices[0], nil
}

// TokenPricesInWETH prices several tokens with one batched reserves read.
func (o *Oracle) TokenPricesInWETH(ctx context.Context, client chain.Client, tokens ...common.Address) ([]*big.Rat, error) {
	prices, err := o.tokenPrices(ctx, client, tokens)
	if err != nil {
		return o.fallbackAll(len(tokens), err)
	}
	return prices, nil
}

func (o *Oracle) tokenPrices(ctx context.Context, client chain.Client, tokens []common.Address) ([]*big.Rat, error) {
	prices := make([]*big.Rat, len(tokens))
	infos := make([]PairInfo, 0, len(tokens))
	index := make([]int, 0, len(tokens))
	for i, token := range tokens {
		if token == o.weth {
			prices[i] = big.NewRat(1, 1)
			continue
		}
		info, err := o.resolver.Resolve(ctx, token, o.weth, client)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
		index = append(index, i)
	}
	if len(infos) == 0 {
		return prices, nil
	}

	addrs := make([]common.Address, len(infos))
	for i, info := range infos {
		addrs[i] = info.Address
	}
	rs, errs := o.fetcher.Fetch(ctx, addrs, client)
	for i, info := range infos {
		if errs[i] != nil {
			return nil, errs[i]
		}
		price, err := midPrice(tokens[index[i]], info, rs[i])
		if err != nil {
			return nil, err
		}
		prices[index[i]] = price
	}
	return prices, nil
}

// LPTokenPriceInWETH values one whole liquidity token of a WETH pair as twice
// the pair's WETH balance over the LP supply. An empty supply counts as one
// whole LP token.
func (o *Oracle) LPTokenPriceInWETH(ctx context.Context, client chain.Client, pair common.Address) (*big.Rat, error) {
	price, err := o.lpPrice(ctx, client, pair)
	if err != nil {
		prices, err := o.fallbackAll(1, err)
		if err != nil {
			return nil, err
		}
		return prices[0], nil
	}
	return price, nil
}

func (o *Oracle) lpPrice(ctx context.Context, client chain.Client, pair common.Address) (*big.Rat, error) {
	info, err := o.resolver.Describe(ctx, pair, client)
	if err != nil {
		return nil, err
	}
	if info.Token0 != o.weth && info.Token1 != o.weth {
		return nil, fmt.Errorf("%w: %s", ErrNotWETHLP, pair.Hex())
	}
	wethBalance, err := contracts.NewERC20(o.weth, client).BalanceOf(ctx, pair)
	if err != nil {
		return nil, err
	}
	supply, err := contracts.NewPair(pair, client).TotalSupply(ctx)
	if err != nil {
		return nil, err
	}
	if supply.Sign() == 0 {
		supply = oneLPToken
	}
	return new(big.Rat).SetFrac(new(big.Int).Mul(wethBalance, two), supply), nil
}

func (o *Oracle) fallbackAll(n int, err error) ([]*big.Rat, error) {
	if o.fallback == nil {
		return nil, err
	}
	o.logger.Warn("Price oracle failed, using fallback price", "fallback", o.fallback.RatString(), "error", err)
	prices := make([]*big.Rat, n)
	for i := range prices {
		prices[i] = new(big.Rat).Set(o.fallback)
	}
	return prices, nil
}

// midPrice is the WETH value of one whole token from the pair reserves,
// scaled by both tokens' decimals.
func midPrice(token common.Address, info PairInfo, r reserves.Reserves) (*big.Rat, error) {
	base, quote := r.Reserve0, r.Reserve1
	baseDec, quoteDec := info.Decimals0, info.Decimals1
	if token != info.Token0 {
		base, quote = quote, base
		baseDec, quoteDec = quoteDec, baseDec
	}
	if base == nil || quote == nil || base.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPair, info.Address.Hex())
	}
	num := new(big.Int).Mul(quote, pow10(baseDec))
	den := new(big.Int).Mul(base, pow10(quoteDec))
	return new(big.Rat).SetFrac(num, den), nil
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
