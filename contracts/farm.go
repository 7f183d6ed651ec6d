package contracts

import (
	"context"
	"fmt"
	"math/big"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Iwinswap/iwinswap-farm-sync/abi"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
)

// Farm is a staking farm paying $UP rewards.
type Farm struct {
	contract
}

// HarvestChunk is the on-chain record of one harvest.
type HarvestChunk struct {
	Timestamp     *big.Int
	TotalAmount   *big.Int
	ClaimedAmount *big.Int
}

func NewFarm(address common.Address, client chain.Client) *Farm {
	return &Farm{newContract(address, abi.FarmABI, client)}
}

func (f *Farm) Address() common.Address { return f.address }

func (f *Farm) HasFarmingStarted(ctx context.Context) (bool, error) {
	return f.boolean(ctx, "hasFarmingStarted")
}

func (f *Farm) FarmTokenAddress(ctx context.Context) (common.Address, error) {
	return f.addr(ctx, "farmTokenAddress")
}

func (f *Farm) InitialFarmUpSupply(ctx context.Context) (*big.Int, error) {
	return f.bigInt(ctx, common.Address{}, "initialFarmUpSupply")
}

func (f *Farm) CurrentIntervalTotalReward(ctx context.Context) (*big.Int, error) {
	return f.bigInt(ctx, common.Address{}, "currentIntervalTotalReward")
}

// RewardHalvingInterval is the halving period in seconds.
func (f *Farm) RewardHalvingInterval(ctx context.Context) (*big.Int, error) {
	return f.bigInt(ctx, common.Address{}, "REWARD_HALVING_INTERVAL")
}

func (f *Farm) NextIntervalTimestamp(ctx context.Context) (*big.Int, error) {
	return f.bigInt(ctx, common.Address{}, "nextIntervalTimestamp")
}

func (f *Farm) HarvestStep(ctx context.Context) (*big.Int, error) {
	return f.bigInt(ctx, common.Address{}, "HARVEST_STEP")
}

func (f *Farm) HarvestInterval(ctx context.Context) (*big.Int, error) {
	return f.bigInt(ctx, common.Address{}, "HARVEST_INTERVAL")
}

// Balance is the amount account has staked.
func (f *Farm) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	return f.bigInt(ctx, common.Address{}, "balances", account)
}

func (f *Farm) TotalStakedSupply(ctx context.Context) (*big.Int, error) {
	return f.bigInt(ctx, common.Address{}, "totalStakedSupply")
}

// The reward getters resolve msg.sender, so they are issued from account.

func (f *Farm) HarvestableReward(ctx context.Context, account common.Address) (*big.Int, error) {
	return f.bigInt(ctx, account, "harvestableReward")
}

func (f *Farm) ClaimableHarvestedReward(ctx context.Context, account common.Address) (*big.Int, error) {
	return f.bigInt(ctx, account, "claimableHarvestedReward")
}

func (f *Farm) TotalHarvestedReward(ctx context.Context, account common.Address) (*big.Int, error) {
	return f.bigInt(ctx, account, "totalHarvestedReward")
}

func (f *Farm) HarvestChunk(ctx context.Context, account common.Address, index int) (HarvestChunk, error) {
	out, err := f.call(ctx, common.Address{}, "harvestChunks", account, big.NewInt(int64(index)))
	if err != nil {
		return HarvestChunk{}, err
	}
	if len(out) != 3 {
		return HarvestChunk{}, fmt.Errorf("invalid response length for harvestChunks on %s: got %d values", f.address.Hex(), len(out))
	}
	return HarvestChunk{
		Timestamp:     *gethabi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		TotalAmount:   *gethabi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		ClaimedAmount: *gethabi.ConvertType(out[2], new(*big.Int)).(**big.Int),
	}, nil
}

func (f *Farm) Stake(opts *bind.TransactOpts, amount *big.Int) (*types.Transaction, error) {
	return f.transact(opts, "stake", amount)
}

func (f *Farm) Withdraw(opts *bind.TransactOpts, amount *big.Int) (*types.Transaction, error) {
	return f.transact(opts, "withdraw", amount)
}

func (f *Farm) Harvest(opts *bind.TransactOpts) (*types.Transaction, error) {
	return f.transact(opts, "harvest")
}

func (f *Farm) ClaimHarvestedReward(opts *bind.TransactOpts) (*types.Transaction, error) {
	return f.transact(opts, "claimHarvestedReward")
}
