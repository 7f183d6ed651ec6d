package farm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/Iwinswap/iwinswap-farm-sync/amount"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
	"github.com/Iwinswap/iwinswap-farm-sync/contracts"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
	"github.com/Iwinswap/iwinswap-farm-sync/wallet"
)

const (
	component     = "farm"
	secondsPerDay = 86400
)

// Global is the farm-wide state, shared by every account.
type Global struct {
	Started           bool           `json:"started"`
	TotalSupply       *big.Int       `json:"totalSupply"`
	DailyReward       *big.Int       `json:"dailyReward"`
	NextHalvingAt     time.Time      `json:"nextHalvingAt"`
	FarmToken         common.Address `json:"farmToken"`
	FarmTokenDecimals uint8          `json:"farmTokenDecimals"`
}

// Account is the state of the connected account in the selected farm.
// TotalStaked is read even without an account because the APY needs it.
type Account struct {
	Phase              state.Phase `json:"phase"`
	Connected          bool        `json:"connected"`
	HasApproved        bool        `json:"hasApproved"`
	StakedAmount       *big.Int    `json:"stakedAmount"`
	TotalStaked        *big.Int    `json:"totalStaked"`
	AvailableToStake   *big.Int    `json:"availableToStake"`
	HarvestableReward  *big.Int    `json:"harvestableReward"`
	ClaimableHarvested *big.Int    `json:"claimableHarvested"`
	TotalHarvested     *big.Int    `json:"totalHarvested"`
}

// APY is the annual percentage yield of the selected farm.
type APY struct {
	Loading bool    `json:"loading"`
	Percent float64 `json:"percent"`
}

// View is an immutable snapshot of the selected farm. Its *big.Int values are
// never modified after publication.
type View struct {
	Kind    Kind           `json:"kind"`
	Token   string         `json:"token"`
	Address common.Address `json:"address"`
	Phase   state.Phase    `json:"phase"`
	Err     string         `json:"error,omitempty"`
	Global  Global         `json:"global"`
	Account Account        `json:"account"`
	APY     APY            `json:"apy"`
}

// SharePercent is the account's floor percentage of the total stake.
func (v View) SharePercent() *big.Int {
	return amount.SharePercent(v.Account.StakedAmount, v.Account.TotalStaked)
}

// YourDailyReward is the account's share of the farm's daily reward.
func (v View) YourDailyReward() *big.Int {
	return amount.ShareOf(v.Global.DailyReward, v.SharePercent())
}

// Config holds all the dependencies of a farm Synchronizer.
type Config struct {
	Registry    *Registry
	RewardToken common.Address
	Oracle      PriceOracle
	Backend     wallet.Backend
	Observer    state.Observer
	Logger      state.Logger
	// OnMined, when set, receives the receipt of every successful action.
	OnMined func(action string, receipt *types.Receipt)
}

func (c *Config) validate() error {
	if c.Registry == nil {
		return errors.New("farm registry is required")
	}
	if c.RewardToken == (common.Address{}) {
		return errors.New("reward token address is required")
	}
	if c.Oracle == nil {
		return errors.New("price oracle is required")
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

// Synchronizer keeps the View of the selected farm current. Every selection
// or session change starts a new generation; results from older generations
// are dropped when they arrive.
type Synchronizer struct {
	registry    *Registry
	rewardToken common.Address
	oracle      PriceOracle
	backend     wallet.Backend
	observer    state.Observer
	logger      state.Logger
	onMined     func(string, *types.Receipt)

	ctx    context.Context
	cancel context.CancelFunc

	gen        state.Generation
	accountGen state.Generation
	inflight   state.InFlight

	mu       sync.Mutex
	selected bool
	snap     wallet.Snapshot
	def      Definition
	view     View
	cached   atomic.Pointer[View]
}

func New(cfg Config) (*Synchronizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid farm synchronizer configuration: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		registry:    cfg.Registry,
		rewardToken: cfg.RewardToken,
		oracle:      cfg.Oracle,
		backend:     cfg.Backend,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		onMined:     cfg.OnMined,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.view = View{Phase: state.PhaseIdle, Account: zeroAccount(state.PhaseIdle)}
	s.publishLocked()
	return s, nil
}

// View returns the latest published view. This operation is lock-free.
func (s *Synchronizer) View() View {
	return *s.cached.Load()
}

// Close drops every outstanding result and cancels in-flight reads.
func (s *Synchronizer) Close() {
	s.gen.Invalidate()
	s.accountGen.Invalidate()
	s.cancel()
}

// Update applies a new session snapshot and farm selection. A new farm or a
// change in session readiness reloads everything; an account change alone
// resets and reloads only the account slice.
func (s *Synchronizer) Update(snap wallet.Snapshot, kind Kind) error {
	def, err := s.registry.Lookup(kind)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.snap
	reloadGlobal := !s.selected || s.def.Kind != kind || prev.Ready() != snap.Ready() || prev.Loading != snap.Loading
	s.selected = true
	s.snap = snap
	s.def = def

	if reloadGlobal {
		gt := s.gen.Next()
		s.accountGen.Invalidate()
		s.view = initialView(def, snap)
		s.publishLocked()
		s.mu.Unlock()
		if snap.Ready() {
			go s.loadGlobal(gt)
		}
		return nil
	}

	if snap.SameAccount(prev) {
		s.mu.Unlock()
		return nil
	}

	s.accountGen.Invalidate()
	started := s.view.Phase == state.PhaseReady
	phase := state.PhaseIdle
	if started {
		phase = state.PhaseLoading
	}
	s.view.Account = zeroAccount(phase)
	s.view.APY.Loading = started
	s.publishLocked()
	gt := s.gen.Current()
	s.mu.Unlock()

	if started {
		go s.refreshAccount(gt, true)
	}
	return nil
}

// Refresh re-reads the account slice of the current selection.
func (s *Synchronizer) Refresh() {
	s.mu.Lock()
	ready := s.view.Phase == state.PhaseReady
	gt := s.gen.Current()
	s.mu.Unlock()
	if ready {
		go s.refreshAccount(gt, true)
	}
}

func initialView(def Definition, snap wallet.Snapshot) View {
	v := View{
		Kind:    def.Kind,
		Token:   def.Token,
		Address: def.Address,
		Account: zeroAccount(state.PhaseIdle),
		Global:  Global{TotalSupply: new(big.Int), DailyReward: new(big.Int)},
	}
	switch {
	case snap.Loading:
		v.Phase = state.PhaseLoading
	case !snap.Ready():
		v.Phase = state.PhaseUnavailable
	default:
		v.Phase = state.PhaseLoading
		v.APY.Loading = true
	}
	return v
}

func zeroAccount(phase state.Phase) Account {
	return Account{
		Phase:              phase,
		StakedAmount:       new(big.Int),
		TotalStaked:        new(big.Int),
		AvailableToStake:   new(big.Int),
		HarvestableReward:  new(big.Int),
		ClaimableHarvested: new(big.Int),
		TotalHarvested:     new(big.Int),
	}
}

func (s *Synchronizer) loadGlobal(gt state.Ticket) {
	start := time.Now()
	s.mu.Lock()
	def := s.def
	s.mu.Unlock()

	client := s.backend.Client()
	if client == nil {
		s.fail(gt, wallet.ErrProviderUnavailable)
		return
	}

	global, err := readGlobal(s.ctx, contracts.NewFarm(def.Address, client), client)
	s.observer.Refreshed(component, time.Since(start), err)
	if err != nil {
		s.logger.Warn("Failed to load farm data", "farm", def.Kind, "error", err)
		s.fail(gt, err)
		return
	}

	applied := s.commit(func(v *View) {
		v.Global = global
		if !global.Started {
			v.Phase = state.PhaseNotStarted
			v.APY = APY{}
			return
		}
		v.Phase = state.PhaseReady
	}, gt)
	if applied && global.Started {
		s.refreshAccount(gt, true)
	}
}

func (s *Synchronizer) fail(gt state.Ticket, err error) {
	s.commit(func(v *View) {
		v.Phase = state.PhaseFailed
		v.Err = (&state.SyncError{Component: component, Err: err}).Error()
		v.APY.Loading = false
	}, gt)
}

func readGlobal(ctx context.Context, farm *contracts.Farm, client chain.Client) (Global, error) {
	var g Global
	var err error
	if g.FarmToken, err = farm.FarmTokenAddress(ctx); err != nil {
		return Global{}, err
	}
	if g.Started, err = farm.HasFarmingStarted(ctx); err != nil {
		return Global{}, err
	}
	g.TotalSupply, g.DailyReward = new(big.Int), new(big.Int)
	if !g.Started {
		return g, nil
	}

	var intervalReward, halvingInterval, nextInterval *big.Int
	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		g.TotalSupply, err = farm.InitialFarmUpSupply(egctx)
		return err
	})
	eg.Go(func() (err error) {
		intervalReward, err = farm.CurrentIntervalTotalReward(egctx)
		return err
	})
	eg.Go(func() (err error) {
		halvingInterval, err = farm.RewardHalvingInterval(egctx)
		return err
	})
	eg.Go(func() (err error) {
		nextInterval, err = farm.NextIntervalTimestamp(egctx)
		return err
	})
	eg.Go(func() (err error) {
		g.FarmTokenDecimals, err = contracts.NewERC20(g.FarmToken, client).Decimals(egctx)
		return err
	})
	if err := eg.Wait(); err != nil {
		return Global{}, err
	}

	g.DailyReward = DailyReward(intervalReward, halvingInterval)
	g.NextHalvingAt = time.Unix(nextInterval.Int64(), 0).UTC()
	return g, nil
}

// DailyReward spreads the current interval reward over the whole days of the
// halving interval. An interval shorter than a day yields zero.
func DailyReward(intervalReward, halvingIntervalSeconds *big.Int) *big.Int {
	days := new(big.Int).Quo(halvingIntervalSeconds, big.NewInt(secondsPerDay))
	if days.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(intervalReward, days)
}

// refreshAccount re-reads the account slice of the farm gt was issued for.
// A stale gt reads nothing.
func (s *Synchronizer) refreshAccount(gt state.Ticket, showLoading bool) {
	start := time.Now()

	s.mu.Lock()
	if !gt.Live() {
		s.mu.Unlock()
		s.observer.Discarded(component)
		return
	}
	at := s.accountGen.Next()
	snap := s.snap
	def := s.def
	global := s.view.Global
	s.mu.Unlock()

	if showLoading {
		s.commit(func(v *View) { v.Account.Phase = state.PhaseLoading }, gt, at)
	}

	client := s.backend.Client()
	var acc Account
	var err error
	if client == nil {
		err = wallet.ErrProviderUnavailable
	} else {
		acc, err = readAccount(s.ctx, client, def.Address, global.FarmToken, snap.Account)
	}
	s.observer.Refreshed(component+".account", time.Since(start), err)
	if err != nil {
		s.logger.Warn("Failed to load farm account data", "farm", def.Kind, "error", err)
		s.commit(func(v *View) {
			v.Account.Phase = state.PhaseFailed
			v.Err = (&state.SyncError{Component: component, Err: err}).Error()
			v.APY.Loading = false
		}, gt, at)
		return
	}

	if !s.commit(func(v *View) {
		v.Account = acc
		v.Err = ""
		v.APY.Loading = true
	}, gt, at) {
		return
	}
	s.recomputeAPY(gt, at, client, def, global, acc.TotalStaked)
}

func readAccount(ctx context.Context, client chain.Client, farmAddr, farmToken common.Address, account *common.Address) (Account, error) {
	acc := zeroAccount(state.PhaseReady)
	farm := contracts.NewFarm(farmAddr, client)
	token := contracts.NewERC20(farmToken, client)

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		acc.TotalStaked, err = farm.TotalStakedSupply(egctx)
		return err
	})
	if account != nil {
		acc.Connected = true
		who := *account
		eg.Go(func() error {
			allowance, err := token.Allowance(egctx, who, farmAddr)
			if err != nil {
				return err
			}
			acc.HasApproved = allowance.Sign() > 0
			return nil
		})
		eg.Go(func() (err error) {
			acc.AvailableToStake, err = token.BalanceOf(egctx, who)
			return err
		})
		eg.Go(func() (err error) {
			acc.StakedAmount, err = farm.Balance(egctx, who)
			return err
		})
		eg.Go(func() (err error) {
			acc.HarvestableReward, err = farm.HarvestableReward(egctx, who)
			return err
		})
		eg.Go(func() (err error) {
			acc.ClaimableHarvested, err = farm.ClaimableHarvestedReward(egctx, who)
			return err
		})
		eg.Go(func() (err error) {
			acc.TotalHarvested, err = farm.TotalHarvestedReward(egctx, who)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return Account{}, err
	}
	return acc, nil
}

func (s *Synchronizer) recomputeAPY(gt, at state.Ticket, client chain.Client, def Definition, global Global, totalStaked *big.Int) {
	percent := def.MaxAPY
	if totalStaked.Sign() > 0 {
		multiplier, err := UnitMultiplier(s.ctx, s.oracle, client, def.Kind, s.rewardToken, global.FarmToken)
		if err != nil {
			s.logger.Warn("Price oracle failed, reporting maximum APY", "farm", def.Kind, "error", err)
		} else {
			percent = ComputeAPY(def.MaxAPY, global.DailyReward, amount.EtherDecimals, totalStaked, global.FarmTokenDecimals, multiplier)
		}
	}
	s.commit(func(v *View) {
		v.APY = APY{Loading: false, Percent: percent}
	}, gt, at)
}

// commit applies fn to the view if every ticket is still live.
func (s *Synchronizer) commit(fn func(v *View), tickets ...state.Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !state.AllLive(tickets...) {
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
