// Package harvest tracks the vesting chunks an account created by harvesting
// a farm, and the claims made against them.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/Iwinswap/iwinswap-farm-sync/amount"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
	"github.com/Iwinswap/iwinswap-farm-sync/contracts"
	"github.com/Iwinswap/iwinswap-farm-sync/farm"
	"github.com/Iwinswap/iwinswap-farm-sync/logs"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
	"github.com/Iwinswap/iwinswap-farm-sync/wallet"
)

const component = "harvest"

var (
	ErrNoAccount    = errors.New("no account connected")
	ErrUnknownChunk = errors.New("unknown harvest chunk")
)

// Chunk is one vesting bucket. ClaimedAmount is nil until its on-chain value
// has been read.
type Chunk struct {
	Index          int       `json:"index"`
	Timestamp      time.Time `json:"timestamp"`
	TotalAmount    *big.Int  `json:"totalAmount"`
	ClaimedAmount  *big.Int  `json:"claimedAmount"`
	ClaimedLoading bool      `json:"claimedLoading"`
	ClaimedFailed  bool      `json:"claimedFailed,omitempty"`

	// Filled by View.At.
	ClaimablePercent int64    `json:"claimablePercent"`
	ClaimableAmount  *big.Int `json:"claimableAmount"`
	ClaimedPercent   int64    `json:"claimedPercent"`
}

// Claim is one partial claim against a chunk.
type Claim struct {
	ChunkIndex int         `json:"chunkIndex"`
	Timestamp  time.Time   `json:"timestamp"`
	Amount     *big.Int    `json:"amount"`
	TxHash     common.Hash `json:"txHash"`
}

// Details holds the claims of the one chunk the user asked about.
type Details struct {
	ChunkIndex int         `json:"chunkIndex"`
	Phase      state.Phase `json:"phase"`
	Claims     []Claim     `json:"claims"`
	Err        string      `json:"error,omitempty"`
}

// View is an immutable snapshot of the harvest history of the selected farm.
type View struct {
	Kind        farm.Kind     `json:"kind"`
	Phase       state.Phase   `json:"phase"`
	Err         string        `json:"error,omitempty"`
	Connected   bool          `json:"connected"`
	StepPercent int64         `json:"stepPercent"`
	Interval    time.Duration `json:"interval"`
	Chunks      []Chunk       `json:"chunks"`
	Details     *Details      `json:"details,omitempty"`
}

// At returns a copy of v with the vesting fields of every chunk evaluated at now.
func (v View) At(now time.Time) View {
	chunks := make([]Chunk, len(v.Chunks))
	for i, c := range v.Chunks {
		c.ClaimablePercent = ClaimablePercent(now, c.Timestamp, v.Interval, v.StepPercent)
		c.ClaimableAmount = ClaimableAmount(c.TotalAmount, c.ClaimablePercent)
		if c.ClaimedAmount != nil {
			c.ClaimedPercent = amount.Percent(c.ClaimedAmount, c.TotalAmount)
		}
		chunks[i] = c
	}
	v.Chunks = chunks
	return v
}

// Config holds the dependencies of a harvest Synchronizer.
type Config struct {
	Registry *farm.Registry
	Backend  wallet.Backend
	Observer state.Observer
	Logger   state.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func (c *Config) validate() error {
	if c.Registry == nil {
		return errors.New("farm registry is required")
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

// Synchronizer loads the harvest chunks of the connected account. Chunk
// claimed amounts resolve independently and in any order.
type Synchronizer struct {
	registry *farm.Registry
	backend  wallet.Backend
	observer state.Observer
	logger   state.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	gen       state.Generation
	detailGen state.Generation

	mu       sync.Mutex
	selected bool
	snap     wallet.Snapshot
	def      farm.Definition
	view     View
	cached   atomic.Pointer[View]
}

func New(cfg Config) (*Synchronizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid harvest synchronizer configuration: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		registry: cfg.Registry,
		backend:  cfg.Backend,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      cfg.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.view = View{Phase: state.PhaseIdle}
	s.publishLocked()
	return s, nil
}

// View returns the latest snapshot with vesting evaluated at the current time.
func (s *Synchronizer) View() View {
	return s.cached.Load().At(s.now())
}

// Close drops every outstanding result and cancels in-flight reads.
func (s *Synchronizer) Close() {
	s.gen.Invalidate()
	s.detailGen.Invalidate()
	s.cancel()
}

// Update resets and reloads the history whenever the farm or any part of the
// session changes.
func (s *Synchronizer) Update(snap wallet.Snapshot, kind farm.Kind) error {
	def, err := s.registry.Lookup(kind)
	if err != nil {
		return err
	}

	s.mu.Lock()
	unchanged := s.selected && s.def.Kind == kind &&
		s.snap.Loading == snap.Loading && s.snap.Ready() == snap.Ready() && s.snap.SameAccount(snap)
	if unchanged {
		s.snap = snap
		s.mu.Unlock()
		return nil
	}
	s.selected = true
	s.snap = snap
	s.def = def
	gt := s.gen.Next()
	s.detailGen.Invalidate()

	s.view = View{Kind: kind, Connected: snap.HasAccount()}
	switch {
	case snap.Loading:
		s.view.Phase = state.PhaseLoading
	case !snap.Ready():
		s.view.Phase = state.PhaseUnavailable
	default:
		s.view.Phase = state.PhaseLoading
	}
	s.publishLocked()
	s.mu.Unlock()

	if snap.Ready() {
		go s.load(gt)
	}
	return nil
}

// Refresh reloads the history of the current selection without clearing it
// first.
func (s *Synchronizer) Refresh() {
	s.mu.Lock()
	if !s.selected || !s.snap.Ready() {
		s.mu.Unlock()
		return
	}
	gt := s.gen.Next()
	s.mu.Unlock()
	go s.load(gt)
}

func (s *Synchronizer) load(gt state.Ticket) {
	start := time.Now()
	s.mu.Lock()
	def := s.def
	account := s.snap.Account
	s.mu.Unlock()

	client := s.backend.Client()
	if client == nil {
		s.fail(gt, wallet.ErrProviderUnavailable)
		return
	}
	f := contracts.NewFarm(def.Address, client)

	started, err := f.HasFarmingStarted(s.ctx)
	if err != nil {
		s.observer.Refreshed(component, time.Since(start), err)
		s.fail(gt, err)
		return
	}
	if !started {
		s.observer.Refreshed(component, time.Since(start), nil)
		s.commit(func(v *View) { v.Phase = state.PhaseNotStarted }, gt)
		return
	}

	var step, interval *big.Int
	var events []logs.HarvestChunkAdded
	eg, egctx := errgroup.WithContext(s.ctx)
	eg.Go(func() (err error) {
		step, err = f.HarvestStep(egctx)
		return err
	})
	eg.Go(func() (err error) {
		interval, err = f.HarvestInterval(egctx)
		return err
	})
	if account != nil {
		who := *account
		eg.Go(func() error {
			raw, err := client.FilterLogs(egctx, logs.HarvestChunksQuery(def.Address, who))
			if err != nil {
				return fmt.Errorf("failed to fetch harvest logs: %w", err)
			}
			events, err = logs.HarvestChunks(raw, who)
			return err
		})
	}
	err = eg.Wait()
	var (
		stepPercent int64
		period      time.Duration
	)
	if err == nil {
		stepPercent, period, err = Schedule(step, interval)
	}
	s.observer.Refreshed(component, time.Since(start), err)
	if err != nil {
		s.logger.Warn("Failed to load harvest history", "farm", def.Kind, "error", err)
		s.fail(gt, err)
		return
	}

	chunks := make([]Chunk, len(events))
	for i, ev := range events {
		idx := i
		if ev.Idx.IsInt64() {
			idx = int(ev.Idx.Int64())
		}
		chunks[i] = Chunk{
			Index:          idx,
			Timestamp:      time.Unix(ev.Timestamp.Int64(), 0).UTC(),
			TotalAmount:    ev.Amount,
			ClaimedLoading: true,
		}
	}
	if !s.commit(func(v *View) {
		v.Phase = state.PhaseReady
		v.Err = ""
		v.StepPercent = stepPercent
		v.Interval = period
		v.Chunks = chunks
	}, gt) {
		return
	}

	for _, c := range chunks {
		go s.resolveClaimed(gt, f, *account, c.Index)
	}
}

// resolveClaimed reads the claimed amount of one chunk and patches it in place.
func (s *Synchronizer) resolveClaimed(gt state.Ticket, f *contracts.Farm, account common.Address, index int) {
	chunk, err := f.HarvestChunk(s.ctx, account, index)
	if err != nil {
		s.logger.Warn("Failed to read harvest chunk", "chunk", index, "error", err)
	}
	s.commit(func(v *View) {
		v.Chunks = slices.Clone(v.Chunks)
		for i := range v.Chunks {
			if v.Chunks[i].Index != index {
				continue
			}
			v.Chunks[i].ClaimedLoading = false
			if err != nil {
				v.Chunks[i].ClaimedFailed = true
				return
			}
			v.Chunks[i].ClaimedAmount = chunk.ClaimedAmount
			return
		}
	}, gt)
}

// RequestClaimDetails loads the claims made against chunkIndex, replacing any
// previously loaded details. A later request supersedes this one.
func (s *Synchronizer) RequestClaimDetails(ctx context.Context, chunkIndex int) error {
	s.mu.Lock()
	if !s.snap.HasAccount() {
		s.mu.Unlock()
		return ErrNoAccount
	}
	if !slices.ContainsFunc(s.view.Chunks, func(c Chunk) bool { return c.Index == chunkIndex }) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownChunk, chunkIndex)
	}
	dt := s.detailGen.Next()
	account := *s.snap.Account
	farmAddr := s.def.Address
	s.view.Details = &Details{ChunkIndex: chunkIndex, Phase: state.PhaseLoading}
	s.publishLocked()
	s.mu.Unlock()

	start := time.Now()
	claims, err := s.fetchClaims(ctx, farmAddr, account, chunkIndex)
	s.observer.Refreshed(component+".details", time.Since(start), err)
	s.commit(func(v *View) {
		d := &Details{ChunkIndex: chunkIndex, Phase: state.PhaseReady, Claims: claims}
		if err != nil {
			d.Phase = state.PhaseFailed
			d.Err = err.Error()
		}
		v.Details = d
	}, dt)
	return err
}

func (s *Synchronizer) fetchClaims(ctx context.Context, farmAddr, account common.Address, chunkIndex int) ([]Claim, error) {
	client := s.backend.Client()
	if client == nil {
		return nil, wallet.ErrProviderUnavailable
	}
	events, err := claimEvents(ctx, client, farmAddr, account, chunkIndex)
	if err != nil {
		s.logger.Warn("Failed to load claim details", "chunk", chunkIndex, "error", err)
		return nil, err
	}
	claims := make([]Claim, len(events))
	for i, ev := range events {
		claims[i] = Claim{
			ChunkIndex: chunkIndex,
			Timestamp:  time.Unix(ev.Timestamp.Int64(), 0).UTC(),
			Amount:     ev.Amount,
			TxHash:     ev.TxHash,
		}
	}
	return claims, nil
}

func claimEvents(ctx context.Context, client chain.Client, farmAddr, account common.Address, chunkIndex int) ([]logs.RewardClaimed, error) {
	raw, err := client.FilterLogs(ctx, logs.RewardClaimsQuery(farmAddr, account))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch claim logs: %w", err)
	}
	return logs.ClaimsForChunk(raw, account, chunkIndex)
}

func (s *Synchronizer) fail(gt state.Ticket, err error) {
	s.commit(func(v *View) {
		v.Phase = state.PhaseFailed
		v.Err = (&state.SyncError{Component: component, Err: err}).Error()
	}, gt)
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
