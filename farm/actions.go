package farm

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Iwinswap/iwinswap-farm-sync/amount"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
	"github.com/Iwinswap/iwinswap-farm-sync/contracts"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
	"github.com/Iwinswap/iwinswap-farm-sync/wallet"
)

// Action names, also used as in-flight keys and metric labels.
const (
	ActionApprove  = "approve"
	ActionStake    = "stake"
	ActionWithdraw = "withdraw"
	ActionHarvest  = "harvest"
	ActionClaim    = "claim"
)

var (
	ErrNoAccount        = errors.New("no account connected")
	ErrNotStarted       = errors.New("farming has not started")
	ErrNothingToHarvest = errors.New("no harvestable reward")
	ErrNothingToClaim   = errors.New("no claimable reward")
)

type sendFunc func(opts *bind.TransactOpts) (*types.Transaction, error)

// Approve grants the farm an unlimited allowance of the staking token.
func (s *Synchronizer) Approve(ctx context.Context) error {
	return s.act(ctx, ActionApprove, func(v View, _ *contracts.Farm, token *contracts.ERC20) (sendFunc, error) {
		return func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return token.Approve(opts, v.Address, amount.MaxUint256)
		}, nil
	})
}

// Stake deposits value base units of the staking token.
func (s *Synchronizer) Stake(ctx context.Context, value *big.Int) error {
	return s.act(ctx, ActionStake, func(v View, farm *contracts.Farm, _ *contracts.ERC20) (sendFunc, error) {
		if err := amount.ValidateSpend(value, v.Account.AvailableToStake); err != nil {
			return nil, err
		}
		return func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return farm.Stake(opts, value)
		}, nil
	})
}

// Withdraw removes value base units from the stake.
func (s *Synchronizer) Withdraw(ctx context.Context, value *big.Int) error {
	return s.act(ctx, ActionWithdraw, func(v View, farm *contracts.Farm, _ *contracts.ERC20) (sendFunc, error) {
		if err := amount.ValidateSpend(value, v.Account.StakedAmount); err != nil {
			return nil, err
		}
		return func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return farm.Withdraw(opts, value)
		}, nil
	})
}

// Harvest moves the harvestable reward into a new vesting chunk.
func (s *Synchronizer) Harvest(ctx context.Context) error {
	return s.act(ctx, ActionHarvest, func(v View, farm *contracts.Farm, _ *contracts.ERC20) (sendFunc, error) {
		if v.Account.HarvestableReward.Sign() <= 0 {
			return nil, ErrNothingToHarvest
		}
		return farm.Harvest, nil
	})
}

// Claim withdraws every vested reward.
func (s *Synchronizer) Claim(ctx context.Context) error {
	return s.act(ctx, ActionClaim, func(v View, farm *contracts.Farm, _ *contracts.ERC20) (sendFunc, error) {
		if v.Account.ClaimableHarvested.Sign() <= 0 {
			return nil, ErrNothingToClaim
		}
		return farm.ClaimHarvestedReward, nil
	})
}

// Pending reports whether action is awaiting its transaction.
func (s *Synchronizer) Pending(action string) bool {
	return s.inflight.Busy(action)
}

// PendingActions lists every action awaiting its transaction, sorted.
func (s *Synchronizer) PendingActions() []string {
	return s.inflight.Pending()
}

// act submits one transaction and waits for it to be mined. A second call
// for the same action while one is pending fails with state.ErrInFlight. The
// wait runs on the synchronizer's lifetime, so a caller that stops waiting
// gets state.ErrDetached while the action stays pending until its receipt
// arrives. Once mined the account slice is refreshed in the background,
// unless the selection changed meanwhile.
func (s *Synchronizer) act(ctx context.Context, action string, prepare func(View, *contracts.Farm, *contracts.ERC20) (sendFunc, error)) error {
	release, ok := s.inflight.TryAcquire(action)
	if !ok {
		return state.ErrInFlight
	}

	s.mu.Lock()
	v := s.view
	snap := s.snap
	gt := s.gen.Current()
	s.mu.Unlock()

	var account common.Address
	if snap.Account != nil {
		account = *snap.Account
	}
	client, tx, err := s.submit(ctx, v, snap, account, prepare)
	if err != nil {
		release()
		return s.finish(v, action, account, err)
	}
	s.logger.Info("Farm transaction sent", "farm", v.Kind, "action", action, "tx", tx.Hash().Hex())

	err = state.Settle(ctx, s.ctx, release, func(lifetime context.Context) error {
		receipt, err := contracts.WaitMined(lifetime, client, tx)
		if err == nil && s.onMined != nil {
			s.onMined(action, receipt)
		}
		if gt.Live() {
			go s.refreshAccount(gt, false)
		}
		return s.finish(v, action, account, err)
	})
	if errors.Is(err, state.ErrDetached) {
		s.logger.Warn("Caller stopped waiting for farm transaction", "farm", v.Kind, "action", action, "tx", tx.Hash().Hex())
		return &state.ActionError{Component: component, Action: action, Account: account, Err: err}
	}
	return err
}

func (s *Synchronizer) submit(ctx context.Context, v View, snap wallet.Snapshot, account common.Address, prepare func(View, *contracts.Farm, *contracts.ERC20) (sendFunc, error)) (chain.Client, *types.Transaction, error) {
	if !snap.HasAccount() {
		return nil, nil, ErrNoAccount
	}
	if v.Phase != state.PhaseReady || !v.Global.Started {
		return nil, nil, ErrNotStarted
	}
	client := s.backend.Client()
	send, err := prepare(v, contracts.NewFarm(v.Address, client), contracts.NewERC20(v.Global.FarmToken, client))
	if err != nil {
		return nil, nil, err
	}
	opts, err := s.backend.Transactor(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	opts.Context = ctx
	tx, err := send(opts)
	if err != nil {
		return nil, nil, err
	}
	return client, tx, nil
}

// finish reports the outcome of an action and wraps a failure.
func (s *Synchronizer) finish(v View, action string, account common.Address, err error) error {
	s.observer.ActionDone(component, action, err)
	if err == nil {
		return nil
	}
	s.logger.Warn("Farm action failed", "farm", v.Kind, "action", action, "error", err)
	return &state.ActionError{Component: component, Action: action, Account: account, Err: err}
}
