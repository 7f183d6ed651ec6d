// Package presale tracks the $UP presale contract and the connected
// account's contribution, patched live from InvestmentSucceeded events.
package presale

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/Iwinswap/iwinswap-farm-sync/amount"
	"github.com/Iwinswap/iwinswap-farm-sync/contracts"
	"github.com/Iwinswap/iwinswap-farm-sync/logs"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
	"github.com/Iwinswap/iwinswap-farm-sync/wallet"
)

const component = "presale"

var (
	// DefaultTotalSupply is the presale hard cap, 400 ETH.
	DefaultTotalSupply = new(big.Int).Mul(big.NewInt(400), big.NewInt(1e18))
	// DefaultAccountCap is the per-account contribution limit, 2.5 ETH.
	DefaultAccountCap = new(big.Int).Mul(big.NewInt(25), big.NewInt(1e17))
)

// View is an immutable snapshot of the presale.
type View struct {
	Phase               state.Phase `json:"phase"`
	Err                 string      `json:"error,omitempty"`
	Live                bool        `json:"live"`
	Active              bool        `json:"active"`
	Ended               bool        `json:"ended"`
	WhitelistOnly       bool        `json:"whitelistOnly"`
	SupplyLeft          *big.Int    `json:"supplyLeft"`
	TotalSupply         *big.Int    `json:"totalSupply"`
	Collected           *big.Int    `json:"collected"`
	CollectedPercent    int64       `json:"collectedPercent"`
	Connected           bool        `json:"connected"`
	AccountContribution *big.Int    `json:"accountContribution"`
	AccountCap          *big.Int    `json:"accountCap"`
	ContributionPercent int64       `json:"contributionPercent"`
	AccountWhitelisted  bool        `json:"accountWhitelisted"`
}

// derive recomputes the collected and percentage fields.
func (v *View) derive() {
	v.Collected = new(big.Int).Sub(v.TotalSupply, v.SupplyLeft)
	if v.Collected.Sign() < 0 {
		v.Collected.SetInt64(0)
	}
	v.CollectedPercent = amount.Percent(v.Collected, v.TotalSupply)
	v.ContributionPercent = amount.Percent(v.AccountContribution, v.AccountCap)
}

// Config holds the dependencies of a presale Synchronizer.
type Config struct {
	Address  common.Address
	Backend  wallet.Backend
	Observer state.Observer
	Logger   state.Logger
	// TotalSupply and AccountCap default to DefaultTotalSupply and DefaultAccountCap.
	TotalSupply *big.Int
	AccountCap  *big.Int
	// OnEvent, when set, is called for every decoded InvestmentSucceeded event
	// after it has been applied or held for the pending load.
	OnEvent func(ev logs.InvestmentSucceeded)
}

func (c *Config) validate() error {
	if c.Address == (common.Address{}) {
		return errors.New("presale contract address is required")
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
	if c.TotalSupply != nil && c.TotalSupply.Sign() <= 0 {
		return errors.New("presale total supply must be positive")
	}
	if c.AccountCap != nil && c.AccountCap.Sign() <= 0 {
		return errors.New("presale account cap must be positive")
	}
	return nil
}

// Synchronizer loads the presale state once per session change and then
// keeps it current from the contract's events until the next teardown.
type Synchronizer struct {
	address     common.Address
	backend     wallet.Backend
	observer    state.Observer
	logger      state.Logger
	totalSupply *big.Int
	accountCap  *big.Int
	onEvent     func(logs.InvestmentSucceeded)

	ctx    context.Context
	cancel context.CancelFunc
	gen    state.Generation

	mu      sync.Mutex
	started bool
	snap    wallet.Snapshot
	sub     ethereum.Subscription
	backlog []investment
	view    View
	cached  atomic.Pointer[View]
}

// investment is a decoded event together with the block that included it.
type investment struct {
	logs.InvestmentSucceeded
	block uint64
}

func New(cfg Config) (*Synchronizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid presale synchronizer configuration: %w", err)
	}
	if cfg.TotalSupply == nil {
		cfg.TotalSupply = DefaultTotalSupply
	}
	if cfg.AccountCap == nil {
		cfg.AccountCap = DefaultAccountCap
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		address:     cfg.Address,
		backend:     cfg.Backend,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		totalSupply: new(big.Int).Set(cfg.TotalSupply),
		accountCap:  new(big.Int).Set(cfg.AccountCap),
		onEvent:     cfg.OnEvent,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.view = s.emptyView(state.PhaseIdle, false)
	s.publishLocked()
	return s, nil
}

func (s *Synchronizer) emptyView(phase state.Phase, connected bool) View {
	v := View{
		Phase:               phase,
		Connected:           connected,
		SupplyLeft:          new(big.Int).Set(s.totalSupply),
		TotalSupply:         s.totalSupply,
		AccountContribution: new(big.Int),
		AccountCap:          s.accountCap,
	}
	v.derive()
	return v
}

// View returns the latest published view. This operation is lock-free.
func (s *Synchronizer) View() View {
	return *s.cached.Load()
}

// Close releases the event subscription and drops outstanding results.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.gen.Invalidate()
	s.releaseLocked()
	s.mu.Unlock()
	s.cancel()
}

// Update tears down the previous subscription and reloads when the session's
// readiness or account changed.
func (s *Synchronizer) Update(snap wallet.Snapshot) {
	s.mu.Lock()
	if s.started && s.snap.Loading == snap.Loading && s.snap.Ready() == snap.Ready() && s.snap.SameAccount(snap) {
		s.snap = snap
		s.mu.Unlock()
		return
	}
	s.started = true
	s.snap = snap
	gt := s.gen.Next()
	s.releaseLocked()
	s.backlog = nil

	phase := state.PhaseLoading
	if !snap.Loading && !snap.Ready() {
		phase = state.PhaseUnavailable
	}
	s.view = s.emptyView(phase, snap.HasAccount())
	s.publishLocked()
	s.mu.Unlock()

	if snap.Ready() {
		go s.start(gt, snap.Account)
	}
}

// start subscribes to investment events before loading so that nothing
// mined during the load is missed. The load reads one pinned block and
// events from later blocks that arrived meanwhile are replayed on top.
func (s *Synchronizer) start(gt state.Ticket, account *common.Address) {
	client := s.backend.Client()
	if client == nil {
		s.fail(gt, wallet.ErrProviderUnavailable)
		return
	}

	ch := make(chan types.Log, 16)
	sub, err := client.SubscribeFilterLogs(s.ctx, logs.InvestmentsQuery(s.address), ch)
	if err != nil {
		s.logger.Warn("Presale event subscription unavailable, state will not update live", "error", err)
	} else if s.attach(gt, sub) {
		go s.listen(gt, sub, ch, account)
	}

	start := time.Now()
	block, v, err := s.read(account)
	s.observer.Refreshed(component, time.Since(start), err)
	if err != nil {
		s.logger.Warn("Failed to load presale", "error", err)
		s.mu.Lock()
		if gt.Live() {
			s.releaseLocked()
			s.backlog = nil
		}
		s.mu.Unlock()
		s.fail(gt, err)
		return
	}
	s.commit(func(cur *View) {
		v.Live = cur.Live
		*cur = v
		for _, ev := range s.backlog {
			if ev.block > block {
				patch(cur, ev.InvestmentSucceeded, account)
			}
		}
		s.backlog = nil
	}, gt)
}

// attach records sub as the live subscription, or releases it at once when
// gt has already been superseded.
func (s *Synchronizer) attach(gt state.Ticket, sub ethereum.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !gt.Live() {
		sub.Unsubscribe()
		return false
	}
	s.sub = sub
	s.view.Live = true
	s.publishLocked()
	return true
}

// releaseLocked unsubscribes the live subscription. This method MUST be called with s.mu held.
func (s *Synchronizer) releaseLocked() {
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
		s.view.Live = false
	}
}

// read loads the presale at the latest block and returns that block number.
func (s *Synchronizer) read(account *common.Address) (uint64, View, error) {
	client := s.backend.Client()
	if client == nil {
		return 0, View{}, wallet.ErrProviderUnavailable
	}
	head, err := client.HeaderByNumber(s.ctx, nil)
	if err != nil {
		return 0, View{}, fmt.Errorf("reading latest block: %w", err)
	}
	p := contracts.NewPresale(s.address, client).At(head.Number)
	v := s.emptyView(state.PhaseReady, account != nil)

	eg, ctx := errgroup.WithContext(s.ctx)
	eg.Go(func() (err error) {
		v.Active, err = p.IsPresaleActive(ctx)
		return err
	})
	eg.Go(func() (err error) {
		v.Ended, err = p.WasPresaleEnded(ctx)
		return err
	})
	eg.Go(func() (err error) {
		v.WhitelistOnly, err = p.AllowWhitelistAddressesOnly(ctx)
		return err
	})
	eg.Go(func() (err error) {
		v.SupplyLeft, err = p.SupplyLeft(ctx)
		return err
	})
	if account != nil {
		who := *account
		eg.Go(func() (err error) {
			v.AccountContribution, err = p.Investment(ctx, who)
			return err
		})
		eg.Go(func() (err error) {
			v.AccountWhitelisted, err = p.IsWhitelisted(ctx, who)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, View{}, err
	}
	v.derive()
	return head.Number.Uint64(), v, nil
}

func (s *Synchronizer) listen(gt state.Ticket, sub ethereum.Subscription, ch <-chan types.Log, account *common.Address) {
	for {
		select {
		case l := <-ch:
			if l.Removed {
				continue
			}
			ev, err := logs.DecodeInvestmentSucceeded(l)
			if err != nil {
				s.logger.Warn("Skipping malformed presale event", "tx", l.TxHash.Hex(), "error", err)
				continue
			}
			s.apply(gt, investment{InvestmentSucceeded: ev, block: l.BlockNumber}, account)
			if s.onEvent != nil {
				s.onEvent(ev)
			}
		case err, ok := <-sub.Err():
			if ok && err != nil {
				s.logger.Warn("Presale event subscription dropped", "error", err)
				s.commit(func(v *View) { v.Live = false }, gt)
			}
			return
		}
	}
}

// apply patches the view with one investment. Events that arrive while the
// load is outstanding are held until it commits.
func (s *Synchronizer) apply(gt state.Ticket, ev investment, account *common.Address) {
	s.commit(func(v *View) {
		switch v.Phase {
		case state.PhaseLoading:
			s.backlog = append(s.backlog, ev)
		case state.PhaseReady:
			patch(v, ev.InvestmentSucceeded, account)
		}
	}, gt)
}

func patch(v *View, ev logs.InvestmentSucceeded, account *common.Address) {
	left := new(big.Int).Sub(v.SupplyLeft, ev.WeiAmount)
	if left.Sign() < 0 {
		left.SetInt64(0)
	}
	v.SupplyLeft = left
	if account != nil && ev.Sender == *account {
		v.AccountContribution = new(big.Int).Add(v.AccountContribution, ev.WeiAmount)
	}
	v.derive()
}

func (s *Synchronizer) fail(gt state.Ticket, err error) {
	s.commit(func(v *View) {
		v.Phase = state.PhaseFailed
		v.Err = (&state.SyncError{Component: component, Err: err}).Error()
	}, gt)
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
