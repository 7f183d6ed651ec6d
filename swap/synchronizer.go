// Package swap tracks the conversion of the legacy token into $UP and submits
// the approve and swap transactions.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/Iwinswap/iwinswap-farm-sync/amount"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
	"github.com/Iwinswap/iwinswap-farm-sync/contracts"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
	"github.com/Iwinswap/iwinswap-farm-sync/wallet"
)

const component = "swap"

const (
	ActionApprove = "approve"
	ActionSwap    = "swap"
)

var (
	ErrNoAccount     = errors.New("no account connected")
	ErrNothingToSwap = errors.New("no balance to swap")
	ErrNotApproved   = errors.New("swap contract is not approved")
)

// View is an immutable snapshot of the account's swap progress.
// ShowThankYou is set once PendingAmount is zero for an account that has
// participated.
type View struct {
	Phase          state.Phase `json:"phase"`
	Err            string      `json:"error,omitempty"`
	Connected      bool        `json:"connected"`
	PendingAmount  *big.Int    `json:"pendingAmount"`
	CreditedAmount *big.Int    `json:"creditedAmount"`
	Approved       bool        `json:"approved"`
	NeedsApproval  bool        `json:"needsApproval"`
	Participating  bool        `json:"participating"`
	ShowThankYou   bool        `json:"showThankYou"`
}

// Config holds the dependencies of a swap Synchronizer.
type Config struct {
	// LegacyToken is the ERC20 being swapped away.
	LegacyToken common.Address
	// SwapToken is the contract that performs the conversion.
	SwapToken common.Address
	Backend   wallet.Backend
	Observer  state.Observer
	Logger    state.Logger
	OnMined   func(action string, receipt *types.Receipt)
}

func (c *Config) validate() error {
	if c.LegacyToken == (common.Address{}) {
		return errors.New("legacy token address is required")
	}
	if c.SwapToken == (common.Address{}) {
		return errors.New("swap token address is required")
	}
	if c.Backend == nil {
		return errors.New("wallet backend is required")
	}
	if c.Observer == nil {
		return errors.New("observer is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Synchronizer keeps the swap View current for the connected account.
type Synchronizer struct {
	legacyToken common.Address
	swapToken   common.Address
	backend     wallet.Backend
	observer    state.Observer
	logger      state.Logger
	onMined     func(string, *types.Receipt)

	ctx      context.Context
	cancel   context.CancelFunc
	gen      state.Generation
	inflight state.InFlight

	mu           sync.Mutex
	started      bool
	snap         wallet.Snapshot
	participated bool
	view         View
	cached       atomic.Pointer[View]
}

func New(cfg Config) (*Synchronizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid swap synchronizer configuration: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		legacyToken: cfg.LegacyToken,
		swapToken:   cfg.SwapToken,
		backend:     cfg.Backend,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		onMined:     cfg.OnMined,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.view = emptyView(state.PhaseIdle, false)
	s.publishLocked()
	return s, nil
}

func emptyView(phase state.Phase, connected bool) View {
	return View{Phase: phase, Connected: connected, PendingAmount: new(big.Int), CreditedAmount: new(big.Int)}
}

// View returns the latest published view. This operation is lock-free.
func (s *Synchronizer) View() View {
	return *s.cached.Load()
}

// Close drops outstanding results and cancels in-flight reads.
func (s *Synchronizer) Close() {
	s.gen.Invalidate()
	s.cancel()
}

// Update reloads when the session's readiness or account changed. The
// participation flag is forgotten with the previous account.
func (s *Synchronizer) Update(snap wallet.Snapshot) {
	s.mu.Lock()
	if s.started && s.snap.Loading == snap.Loading && s.snap.Ready() == snap.Ready() && s.snap.SameAccount(snap) {
		s.snap = snap
		s.mu.Unlock()
		return
	}
	s.started = true
	s.snap = snap
	s.participated = false
	gt := s.gen.Next()
	phase := state.PhaseLoading
	if !snap.Loading && !snap.Ready() {
		phase = state.PhaseUnavailable
	}
	s.view = emptyView(phase, snap.HasAccount())
	s.publishLocked()
	s.mu.Unlock()

	if snap.Ready() {
		go s.refresh(gt, true)
	}
}

// Refresh re-reads the swap state.
func (s *Synchronizer) Refresh() {
	s.mu.Lock()
	ready := s.snap.Ready()
	gt := s.gen.Current()
	s.mu.Unlock()
	if ready {
		go s.refresh(gt, true)
	}
}

type reading struct {
	pending   *big.Int
	credited  *big.Int
	allowance *big.Int
}

// refresh reads the account's balances. A refresh that follows an approval
// passes raiseThankYou false so it never raises ShowThankYou itself.
func (s *Synchronizer) refresh(gt state.Ticket, raiseThankYou bool) {
	start := time.Now()
	s.mu.Lock()
	account := s.snap.Account
	s.mu.Unlock()

	if account == nil {
		s.commit(func(v *View) { *v = emptyView(state.PhaseReady, false) }, gt)
		return
	}

	r, err := s.read(*account)
	s.observer.Refreshed(component, time.Since(start), err)
	if err != nil {
		s.logger.Warn("Failed to load swap state", "account", account.Hex(), "error", err)
		s.commit(func(v *View) {
			v.Phase = state.PhaseFailed
			v.Err = (&state.SyncError{Component: component, Err: err}).Error()
		}, gt)
		return
	}

	s.commit(func(v *View) {
		if r.pending.Sign() > 0 || r.credited.Sign() > 0 {
			s.participated = true
		}
		approved := r.pending.Sign() > 0 && r.allowance.Cmp(r.pending) >= 0
		thankYou := r.pending.Sign() == 0 && s.participated && (raiseThankYou || v.ShowThankYou)
		*v = View{
			Phase:          state.PhaseReady,
			Connected:      true,
			PendingAmount:  r.pending,
			CreditedAmount: r.credited,
			Approved:       approved,
			NeedsApproval:  r.pending.Sign() > 0 && !approved,
			Participating:  s.participated,
			ShowThankYou:   thankYou,
		}
	}, gt)
}

func (s *Synchronizer) read(account common.Address) (reading, error) {
	client := s.backend.Client()
	if client == nil {
		return reading{}, wallet.ErrProviderUnavailable
	}
	legacy := contracts.NewERC20(s.legacyToken, client)
	swapper := contracts.NewSwapToken(s.swapToken, client)

	var r reading
	eg, ctx := errgroup.WithContext(s.ctx)
	eg.Go(func() (err error) {
		r.pending, err = legacy.BalanceOf(ctx, account)
		return err
	})
	eg.Go(func() (err error) {
		r.credited, err = swapper.CheckBalance(ctx, account)
		return err
	})
	if err := eg.Wait(); err != nil {
		return reading{}, err
	}
	r.allowance = new(big.Int)
	if r.pending.Sign() > 0 {
		allowance, err := legacy.Allowance(s.ctx, account, s.swapToken)
		if err != nil {
			return reading{}, err
		}
		r.allowance = allowance
	}
	return r, nil
}

type (
	sendFunc    func(opts *bind.TransactOpts) (*types.Transaction, error)
	prepareFunc func(View, *contracts.ERC20, *contracts.SwapToken) (sendFunc, error)
)

// Approve grants the swap contract an unlimited allowance of the legacy token.
func (s *Synchronizer) Approve(ctx context.Context) error {
	return s.act(ctx, ActionApprove, false, func(v View, legacy *contracts.ERC20, _ *contracts.SwapToken) (sendFunc, error) {
		if v.PendingAmount.Sign() <= 0 {
			return nil, ErrNothingToSwap
		}
		return func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return legacy.Approve(opts, s.swapToken, amount.MaxUint256)
		}, nil
	})
}

// Swap converts the whole legacy balance.
func (s *Synchronizer) Swap(ctx context.Context) error {
	return s.act(ctx, ActionSwap, true, func(v View, _ *contracts.ERC20, swapper *contracts.SwapToken) (sendFunc, error) {
		if v.PendingAmount.Sign() <= 0 {
			return nil, ErrNothingToSwap
		}
		if !v.Approved {
			return nil, ErrNotApproved
		}
		return swapper.Swap, nil
	})
}

// Pending reports whether action is awaiting its transaction.
func (s *Synchronizer) Pending(action string) bool {
	return s.inflight.Busy(action)
}

// PendingActions lists the actions awaiting their transaction.
func (s *Synchronizer) PendingActions() []string {
	return s.inflight.Pending()
}

// act submits one transaction and waits for it to be mined on the
// synchronizer's lifetime. A caller that stops waiting gets
// state.ErrDetached and the action stays pending until the receipt arrives.
func (s *Synchronizer) act(ctx context.Context, action string, raiseThankYou bool, prepare prepareFunc) error {
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
		return s.finish(action, account, err)
	}
	s.logger.Info("Swap transaction sent", "action", action, "tx", tx.Hash().Hex())

	err = state.Settle(ctx, s.ctx, release, func(lifetime context.Context) error {
		receipt, err := contracts.WaitMined(lifetime, client, tx)
		if err == nil && s.onMined != nil {
			s.onMined(action, receipt)
		}
		if gt.Live() {
			go s.refresh(gt, raiseThankYou)
		}
		return s.finish(action, account, err)
	})
	if errors.Is(err, state.ErrDetached) {
		s.logger.Warn("Caller stopped waiting for swap transaction", "action", action, "tx", tx.Hash().Hex())
		return &state.ActionError{Component: component, Action: action, Account: account, Err: err}
	}
	return err
}

func (s *Synchronizer) submit(ctx context.Context, v View, snap wallet.Snapshot, account common.Address, prepare prepareFunc) (chain.Client, *types.Transaction, error) {
	if !snap.HasAccount() {
		return nil, nil, ErrNoAccount
	}
	client := s.backend.Client()
	send, err := prepare(v, contracts.NewERC20(s.legacyToken, client), contracts.NewSwapToken(s.swapToken, client))
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

func (s *Synchronizer) finish(action string, account common.Address, err error) error {
	s.observer.ActionDone(component, action, err)
	if err == nil {
		return nil
	}
	s.logger.Warn("Swap action failed", "action", action, "error", err)
	return &state.ActionError{Component: component, Action: action, Account: account, Err: err}
}

// commit applies fn to the view if gt is still live.
func (s *Synchronizer) commit(fn func(v *View), gt state.Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !gt.Live() {
		s.observer.Discarded(component)
		return false
	}
	fn(&s.view)
	s.publishLocked()
	return true
}

// publishLocked stores a copy of the view. This method MUST be called with s.mu held.
func (s *Synchronizer) publishLocked() {
	v := s.view
	s.cached.Store(&v)
}
