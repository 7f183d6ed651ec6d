package contracts

import (
	"context"
	"math/big"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Iwinswap/iwinswap-farm-sync/abi"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
)

// ERC20 is a standard fungible token.
type ERC20 struct {
	contract
}

func NewERC20(address common.Address, client chain.Client) *ERC20 {
	return &ERC20{newContract(address, abi.ERC20ABI, client)}
}

func (t *ERC20) Address() common.Address { return t.address }

func (t *ERC20) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return t.bigInt(ctx, common.Address{}, "balanceOf", account)
}

func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.bigInt(ctx, common.Address{}, "allowance", owner, spender)
}

func (t *ERC20) TotalSupply(ctx context.Context) (*big.Int, error) {
	return t.bigInt(ctx, common.Address{}, "totalSupply")
}

func (t *ERC20) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.call(ctx, common.Address{}, "decimals")
	if err != nil {
		return 0, err
	}
	return *gethabi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

func (t *ERC20) Approve(opts *bind.TransactOpts, spender common.Address, value *big.Int) (*types.Transaction, error) {
	return t.transact(opts, "approve", spender, value)
}

// Token is the $UP token, which publishes its time-weighted average price.
type Token struct {
	contract
}

func NewToken(address common.Address, client chain.Client) *Token {
	return &Token{newContract(address, abi.TokenABI, client)}
}

func (t *Token) CurrentTwap(ctx context.Context) (*big.Int, error) {
	return t.bigInt(ctx, common.Address{}, "currentTwap")
}

// SwapToken converts a legacy token balance into $UP.
type SwapToken struct {
	contract
}

func NewSwapToken(address common.Address, client chain.Client) *SwapToken {
	return &SwapToken{newContract(address, abi.SwapTokenABI, client)}
}

func (s *SwapToken) Address() common.Address { return s.address }

// CheckBalance is the amount account has already swapped.
func (s *SwapToken) CheckBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return s.bigInt(ctx, common.Address{}, "checkBalance", account)
}

func (s *SwapToken) Swap(opts *bind.TransactOpts) (*types.Transaction, error) {
	return s.transact(opts, "swap")
}
