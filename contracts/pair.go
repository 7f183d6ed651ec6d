package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Iwinswap/iwinswap-farm-sync/abi"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
)

// Factory is a UniswapV2 factory.
type Factory struct {
	contract
}

func NewFactory(address common.Address, client chain.Client) *Factory {
	return &Factory{newContract(address, abi.UniswapV2FactoryABI, client)}
}

// GetPair returns the pair of tokenA and tokenB, or the zero address when
// none exists.
func (f *Factory) GetPair(ctx context.Context, tokenA, tokenB common.Address) (common.Address, error) {
	return f.addr(ctx, "getPair", tokenA, tokenB)
}

// Pair is a UniswapV2 pair. Reserves are read through the reserves package.
type Pair struct {
	contract
}

func NewPair(address common.Address, client chain.Client) *Pair {
	return &Pair{newContract(address, abi.UniswapV2PairABI, client)}
}

func (p *Pair) Address() common.Address { return p.address }

func (p *Pair) Factory(ctx context.Context) (common.Address, error) {
	return p.addr(ctx, "factory")
}

func (p *Pair) Token0(ctx context.Context) (common.Address, error) {
	return p.addr(ctx, "token0")
}

func (p *Pair) Token1(ctx context.Context) (common.Address, error) {
	return p.addr(ctx, "token1")
}

func (p *Pair) TotalSupply(ctx context.Context) (*big.Int, error) {
	return p.bigInt(ctx, common.Address{}, "totalSupply")
}
