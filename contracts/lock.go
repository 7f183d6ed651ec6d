package contracts

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/Iwinswap/iwinswap-farm-sync/abi"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
)

// LiquidityLock holds LP tokens until a release time.
type LiquidityLock struct {
	contract
}

// LockInfo describes a liquidity lock.
type LockInfo struct {
	Address     common.Address `json:"address"`
	Token       common.Address `json:"token"`
	Beneficiary common.Address `json:"beneficiary"`
	ReleaseTime time.Time      `json:"releaseTime"`
}

func NewLiquidityLock(address common.Address, client chain.Client) *LiquidityLock {
	return &LiquidityLock{newContract(address, abi.LiquidityLockABI, client)}
}

// Info reads token, beneficiary and release time concurrently.
func (l *LiquidityLock) Info(ctx context.Context) (LockInfo, error) {
	info := LockInfo{Address: l.address}
	var release *big.Int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		info.Token, err = l.addr(gctx, "token")
		return err
	})
	g.Go(func() (err error) {
		info.Beneficiary, err = l.addr(gctx, "beneficiary")
		return err
	})
	g.Go(func() (err error) {
		release, err = l.bigInt(gctx, common.Address{}, "releaseTime")
		return err
	})
	if err := g.Wait(); err != nil {
		return LockInfo{}, err
	}
	info.ReleaseTime = time.Unix(release.Int64(), 0).UTC()
	return info, nil
}

func (l *LiquidityLock) Release(opts *bind.TransactOpts) (*types.Transaction, error) {
	return l.transact(opts, "release")
}
