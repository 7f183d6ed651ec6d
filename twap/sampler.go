// Package twap polls the $UP token's time-weighted average price and derives
// the display multiplier and burn rate from it.
package twap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/Iwinswap/iwinswap-farm-sync/contracts"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
	"github.com/Iwinswap/iwinswap-farm-sync/wallet"
)

const component = "twap"

const (
	DefaultInterval = 60 * time.Second
	MinInterval     = 30 * time.Second
	MaxInterval     = 60 * time.Second
)

// DefaultReference is the raw value that corresponds to a multiplier of 1.
var DefaultReference = big.NewInt(1e18)

var ErrInterval = fmt.Errorf("poll interval must be between %s and %s", MinInterval, MaxInterval)

// Sample is one reading of the token's TWAP. A zero Raw means no data.
type Sample struct {
	Raw             *big.Int  `json:"raw"`
	Multiplier      float64   `json:"multiplier"`
	BurnRatePercent int       `json:"burnRatePercent"`
	At              time.Time `json:"at"`
}

// View is an immutable snapshot of the latest sample.
type View struct {
	Phase  state.Phase `json:"phase"`
	Err    string      `json:"error,omitempty"`
	Sample Sample      `json:"sample"`
}

// Multiplier is reference / raw, or 0 when raw is zero.
func Multiplier(reference, raw *big.Int) float64 {
	if raw == nil || raw.Sign() <= 0 || reference == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(reference, raw).Float64()
	return f
}

// BurnRatePercent maps a multiplier to the token's transfer burn rate: 30% up
// to 3x, 5% from 10x, linear in between.
func BurnRatePercent(m float64) int {
	switch {
	case m <= 3:
		return 30
	case m >= 10:
		return 5
	}
	return int(math.Round(30 - 25*(m-3)/7))
}

// Config holds the dependencies of a Sampler.
type Config struct {
	Token    common.Address
	Backend  wallet.Backend
	Observer state.Observer
	Logger   state.Logger
	// Interval defaults to DefaultInterval.
	Interval time.Duration
	// Reference defaults to DefaultReference.
	Reference *big.Int
	// OnSample, when set, receives every successful sample.
	OnSample func(Sample)
}

func (c *Config) validate() error {
	if c.Token == (common.Address{}) {
		return errors.New("token address is required")
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
	if c.Interval != 0 && (c.Interval < MinInterval || c.Interval > MaxInterval) {
		return fmt.Errorf("%w: got %s", ErrInterval, c.Interval)
	}
	if c.Reference != nil && c.Reference.Sign() <= 0 {
		return errors.New("reference must be positive")
	}
	return nil
}

// Sampler reads the TWAP once when the session becomes ready and then on a
// fixed schedule until the session changes or the Sampler is closed.
type Sampler struct {
	token     common.Address
	backend   wallet.Backend
	observer  state.Observer
	logger    state.Logger
	interval  time.Duration
	reference *big.Int
	onSample  func(Sample)

	ctx    context.Context
	cancel context.CancelFunc
	gen    state.Generation

	mu      sync.Mutex
	started bool
	snap    wallet.Snapshot
	cron    *cron.Cron
	view    View
	cached  atomic.Pointer[View]
}

func New(cfg Config) (*Sampler, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid twap sampler configuration: %w", err)
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Reference == nil {
		cfg.Reference = DefaultReference
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sampler{
		token:     cfg.Token,
		backend:   cfg.Backend,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		reference: new(big.Int).Set(cfg.Reference),
		onSample:  cfg.OnSample,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.view = View{Phase: state.PhaseIdle, Sample: Sample{Raw: new(big.Int)}}
	s.publishLocked()
	return s, nil
}

// View returns the latest published view. This operation is lock-free.
func (s *Sampler) View() View {
	return *s.cached.Load()
}

// Close stops the schedule and drops outstanding results.
func (s *Sampler) Close() {
	s.mu.Lock()
	s.gen.Invalidate()
	s.stopLocked()
	s.mu.Unlock()
	s.cancel()
}

// Update restarts sampling when the session's readiness changed. The account
// is irrelevant to the TWAP.
func (s *Sampler) Update(snap wallet.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && s.snap.Loading == snap.Loading && s.snap.Ready() == snap.Ready() {
		s.snap = snap
		return nil
	}
	s.started = true
	s.snap = snap
	gt := s.gen.Next()
	s.stopLocked()

	s.view = View{Phase: state.PhaseLoading, Sample: Sample{Raw: new(big.Int)}}
	if !snap.Loading && !snap.Ready() {
		s.view.Phase = state.PhaseUnavailable
	}
	s.publishLocked()
	if !snap.Ready() {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.sample(gt) }); err != nil {
		return fmt.Errorf("register twap poll: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Debug("TWAP polling started", "interval", s.interval)
	go s.sample(gt)
	return nil
}

// stopLocked stops the running schedule. This method MUST be called with s.mu held.
func (s *Sampler) stopLocked() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
		s.logger.Debug("TWAP polling stopped")
	}
}

func (s *Sampler) sample(gt state.Ticket) {
	if !gt.Live() {
		return
	}
	start := time.Now()
	client := s.backend.Client()
	if client == nil {
		s.fail(gt, wallet.ErrProviderUnavailable)
		return
	}
	raw, err := contracts.NewToken(s.token, client).CurrentTwap(s.ctx)
	s.observer.Refreshed(component, time.Since(start), err)
	if err != nil {
		s.logger.Warn("Failed to read TWAP", "error", err)
		s.fail(gt, err)
		return
	}

	m := Multiplier(s.reference, raw)
	smp := Sample{Raw: raw, Multiplier: m, BurnRatePercent: BurnRatePercent(m), At: time.Now().UTC()}
	if s.commit(func(v *View) { *v = View{Phase: state.PhaseReady, Sample: smp} }, gt) && s.onSample != nil {
		s.onSample(smp)
	}
}

// fail records err but keeps the previous sample on display.
func (s *Sampler) fail(gt state.Ticket, err error) {
	s.commit(func(v *View) {
		if v.Phase != state.PhaseReady {
			v.Phase = state.PhaseFailed
		}
		v.Err = (&state.SyncError{Component: component, Err: err}).Error()
	}, gt)
}

// commit applies fn to the view if gt is still live.
func (s *Sampler) commit(fn func(v *View), gt state.Ticket) bool {
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
func (s *Sampler) publishLocked() {
	v := s.view
	s.cached.Store(&v)
}
