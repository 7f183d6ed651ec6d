// Package contracts provides typed readers and writers over the farm, token,
// presale, swap, pair and liquidity lock contracts.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Iwinswap/iwinswap-farm-sync/chain"
)

// ErrReverted is returned when a mined transaction has a failed receipt.
var ErrReverted = errors.New("transaction reverted")

// contract wraps a bound contract with typed single-value call helpers.
// A nil block reads the latest state.
type contract struct {
	address common.Address
	bound   *bind.BoundContract
	block   *big.Int
}

func newContract(address common.Address, parsed gethabi.ABI, client chain.Client) contract {
	return contract{
		address: address,
		bound:   bind.NewBoundContract(address, parsed, client, client, client),
	}
}

func (c contract) call(ctx context.Context, from common.Address, method string, args ...any) ([]any, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx, From: from, BlockNumber: c.block}
	if err := c.bound.Call(opts, &out, method, args...); err != nil {
		return nil, fmt.Errorf("eth_call for %s failed on %s: %w", method, c.address.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty response for %s on %s", method, c.address.Hex())
	}
	return out, nil
}

func (c contract) bigInt(ctx context.Context, from common.Address, method string, args ...any) (*big.Int, error) {
	out, err := c.call(ctx, from, method, args...)
	if err != nil {
		return nil, err
	}
	return *gethabi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (c contract) boolean(ctx context.Context, method string, args ...any) (bool, error) {
	out, err := c.call(ctx, common.Address{}, method, args...)
	if err != nil {
		return false, err
	}
	return *gethabi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c contract) addr(ctx context.Context, method string, args ...any) (common.Address, error) {
	out, err := c.call(ctx, common.Address{}, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	return *gethabi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (c contract) transact(opts *bind.TransactOpts, method string, args ...any) (*types.Transaction, error) {
	tx, err := c.bound.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("sending %s to %s: %w", method, c.address.Hex(), err)
	}
	return tx, nil
}

// WaitMined blocks until tx is mined and fails with ErrReverted when its
// receipt reports failure.
func WaitMined(ctx context.Context, backend bind.DeployBackend, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, backend, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	return receipt, nil
}
