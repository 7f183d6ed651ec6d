package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Iwinswap/iwinswap-farm-sync/abi"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
)

var (
	token0Sig   = abi.UniswapV2PairABI.Methods["token0"].ID
	token1Sig   = abi.UniswapV2PairABI.Methods["token1"].ID
	factorySig  = abi.UniswapV2PairABI.Methods["factory"].ID
	decimalsSig = abi.ERC20ABI.Methods["decimals"].ID
)

const (
	// defaultRPCTimeout bounds every individual call made while resolving a pair.
	defaultRPCTimeout = 10 * time.Second
)

var (
	ErrNoPair         = errors.New("no pair exists for tokens")
	ErrUnknownFactory = errors.New("pair was not deployed by a known factory")
)

// KnownFactory is a UniswapV2-style factory whose pairs are trusted for pricing.
type KnownFactory struct {
	Address      common.Address
	ProtocolName string
}

// PairInfo is the static description of a pair.
type PairInfo struct {
	Address   common.Address
	Token0    common.Address
	Token1    common.Address
	Decimals0 uint8
	Decimals1 uint8
	Protocol  string
}

// PairResolver finds and describes pairs, accepting only pairs whose
// factory() is one of the known factories. Results are cached for the
// lifetime of the resolver.
type PairResolver struct {
	factories  []KnownFactory
	factoryMap map[common.Address]KnownFactory

	mu    sync.RWMutex
	pairs map[common.Address]PairInfo
	byKey map[[2]common.Address]common.Address
}

// NewPairResolver creates a resolver trusting knownFactories, queried in order.
func NewPairResolver(knownFactories []KnownFactory) *PairResolver {
	factoryMap := make(map[common.Address]KnownFactory, len(knownFactories))
	for _, f := range knownFactories {
		factoryMap[f.Address] = f
	}
	return &PairResolver{
		factories:  knownFactories,
		factoryMap: factoryMap,
		pairs:      make(map[common.Address]PairInfo),
		byKey:      make(map[[2]common.Address]common.Address),
	}
}

// Resolve returns the pair of tokenA and tokenB from the first known factory
// that has one.
func (p *PairResolver) Resolve(ctx context.Context, tokenA, tokenB common.Address, client chain.Client) (PairInfo, error) {
	key := sortedKey(tokenA, tokenB)
	p.mu.RLock()
	if addr, ok := p.byKey[key]; ok {
		info := p.pairs[addr]
		p.mu.RUnlock()
		return info, nil
	}
	p.mu.RUnlock()

	for _, f := range p.factories {
		pairAddr, err := getPair(ctx, f.Address, tokenA, tokenB, client)
		if err != nil {
			return PairInfo{}, fmt.Errorf("could not get pair from %s factory %s: %w", f.ProtocolName, f.Address.Hex(), err)
		}
		if pairAddr == (common.Address{}) {
			continue
		}
		info, err := p.Describe(ctx, pairAddr, client)
		if err != nil {
			return PairInfo{}, err
		}
		p.mu.Lock()
		p.byKey[key] = pairAddr
		p.mu.Unlock()
		return info, nil
	}
	return PairInfo{}, fmt.Errorf("%w: %s/%s", ErrNoPair, tokenA.Hex(), tokenB.Hex())
}

// Describe validates pairAddr against the known factories and reads its
// tokens and their decimals.
func (p *PairResolver) Describe(ctx context.Context, pairAddr common.Address, client chain.Client) (PairInfo, error) {
	p.mu.RLock()
	info, ok := p.pairs[pairAddr]
	p.mu.RUnlock()
	if ok {
		return info, nil
	}

	factoryAddr, err := getFactory(ctx, pairAddr, client)
	if err != nil {
		return PairInfo{}, fmt.Errorf("could not get factory for pair %s: %w", pairAddr.Hex(), err)
	}
	factory, ok := p.factoryMap[factoryAddr]
	if !ok {
		return PairInfo{}, fmt.Errorf("%w: pair %s has factory %s", ErrUnknownFactory, pairAddr.Hex(), factoryAddr.Hex())
	}

	t0, t1, err := getTokens(ctx, pairAddr, client)
	if err != nil {
		return PairInfo{}, fmt.Errorf("failed to get tokens: %w", err)
	}
	d0, err := getDecimals(ctx, t0, client)
	if err != nil {
		return PairInfo{}, err
	}
	d1, err := getDecimals(ctx, t1, client)
	if err != nil {
		return PairInfo{}, err
	}

	info = PairInfo{
		Address:   pairAddr,
		Token0:    t0,
		Token1:    t1,
		Decimals0: d0,
		Decimals1: d1,
		Protocol:  factory.ProtocolName,
	}
	p.mu.Lock()
	p.pairs[pairAddr] = info
	p.mu.Unlock()
	return info, nil
}

func sortedKey(a, b common.Address) [2]common.Address {
	if a.Cmp(b) > 0 {
		a, b = b, a
	}
	return [2]common.Address{a, b}
}

func getPair(parentCtx context.Context, factory, tokenA, tokenB common.Address, client chain.Client) (common.Address, error) {
	ctx, cancel := context.WithTimeout(parentCtx, defaultRPCTimeout)
	defer cancel()

	data, err := abi.UniswapV2FactoryABI.Pack("getPair", tokenA, tokenB)
	if err != nil {
		return common.Address{}, err
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("eth_call for getPair failed: %w", err)
	}
	return addressFromWord(out, "getPair")
}

// getFactory fetches the factory address of a single pair.
func getFactory(parentCtx context.Context, pairAddr common.Address, client chain.Client) (common.Address, error) {
	ctx, cancel := context.WithTimeout(parentCtx, defaultRPCTimeout)
	defer cancel()

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &pairAddr, Data: factorySig}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("eth_call for factory failed: %w", err)
	}
	return addressFromWord(out, "factory")
}

// getTokens fetches the token0 and token1 addresses of a single pair.
func getTokens(parentCtx context.Context, pairAddr common.Address, client chain.Client) (common.Address, common.Address, error) {
	ctx, cancel := context.WithTimeout(parentCtx, defaultRPCTimeout)
	defer cancel()

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &pairAddr, Data: token0Sig}, nil)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("eth_call for token0 failed: %w", err)
	}
	t0, err := addressFromWord(out, "token0")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}

	out, err = client.CallContract(ctx, ethereum.CallMsg{To: &pairAddr, Data: token1Sig}, nil)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("eth_call for token1 failed: %w", err)
	}
	t1, err := addressFromWord(out, "token1")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return t0, t1, nil
}

func getDecimals(parentCtx context.Context, token common.Address, client chain.Client) (uint8, error) {
	ctx, cancel := context.WithTimeout(parentCtx, defaultRPCTimeout)
	defer cancel()

	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: decimalsSig}, nil)
	if err != nil {
		return 0, fmt.Errorf("eth_call for decimals failed on %s: %w", token.Hex(), err)
	}
	if len(out) != 32 {
		return 0, fmt.Errorf("invalid response length for decimals on %s: got %d bytes", token.Hex(), len(out))
	}
	return out[31], nil
}

// addressFromWord decodes a single ABI-encoded address return value.
func addressFromWord(out []byte, method string) (common.Address, error) {
	if len(out) != 32 {
		return common.Address{}, fmt.Errorf("invalid response length for %s: got %d bytes", method, len(out))
	}
	return common.BytesToAddress(out), nil
}
