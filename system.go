// Package farmsync wires the wallet session to the farm, harvest, presale,
// swap and TWAP synchronizers and exposes their combined view.
package farmsync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Iwinswap/iwinswap-farm-sync/contracts"
	"github.com/Iwinswap/iwinswap-farm-sync/farm"
	"github.com/Iwinswap/iwinswap-farm-sync/harvest"
	"github.com/Iwinswap/iwinswap-farm-sync/logs"
	"github.com/Iwinswap/iwinswap-farm-sync/presale"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
	"github.com/Iwinswap/iwinswap-farm-sync/swap"
	"github.com/Iwinswap/iwinswap-farm-sync/twap"
	"github.com/Iwinswap/iwinswap-farm-sync/wallet"
)

// ErrNoLiquidityLock is returned when no liquidity lock contract is configured.
var ErrNoLiquidityLock = errors.New("no liquidity lock configured")

type ErrorHandlerFunc func(err error)

// Session is the wallet session the System follows.
type Session interface {
	wallet.Backend
	Snapshot() wallet.Snapshot
	Subscribe(ch chan<- wallet.Snapshot) event.Subscription
	Connect(ctx context.Context) error
}

// Config holds all the dependencies and settings for the System.
type Config struct {
	SystemName    string
	PrometheusReg prometheus.Registerer
	Session       Session
	Registry      *farm.Registry
	DefaultFarm   farm.Kind
	Oracle        farm.PriceOracle

	// RewardToken is the $UP token: the farms' reward and the TWAP source.
	RewardToken        common.Address
	Presale            common.Address
	PresaleTotalSupply *big.Int
	PresaleAccountCap  *big.Int
	LegacyToken        common.Address
	SwapToken          common.Address
	// LiquidityLock is optional.
	LiquidityLock common.Address
	TWAPInterval  time.Duration
	TWAPReference *big.Int

	ErrorHandler ErrorHandlerFunc
	Logger       state.Logger
}

// validate checks that all essential fields in the Config are provided.
func (c *Config) validate() error {
	if c.SystemName == "" {
		return errors.New("system name is required")
	}
	if c.PrometheusReg == nil {
		return errors.New("prometheus registerer is required")
	}
	if c.Session == nil {
		return errors.New("wallet session is required")
	}
	if c.Registry == nil {
		return errors.New("farm registry is required")
	}
	if _, err := c.Registry.Lookup(c.DefaultFarm); err != nil {
		return fmt.Errorf("default farm: %w", err)
	}
	if c.Oracle == nil {
		return errors.New("price oracle is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// View is the combined state of every synchronizer.
type View struct {
	System   string            `json:"system"`
	Session  wallet.Snapshot   `json:"session"`
	Farms    []farm.Definition `json:"farms"`
	Selected farm.Kind         `json:"selected"`
	Farm     farm.View         `json:"farm"`
	Harvest  harvest.View      `json:"harvest"`
	Presale  presale.View      `json:"presale"`
	Swap     swap.View         `json:"swap"`
	TWAP     twap.View         `json:"twap"`
	Pending  []string          `json:"pending"`
}

// System is the orchestrator: it fans every session change out to the
// synchronizers and routes farm selection to the farm-scoped ones.
type System struct {
	systemName    string
	session       Session
	registry      *farm.Registry
	liquidityLock common.Address

	farm    *farm.Synchronizer
	harvest *harvest.Synchronizer
	presale *presale.Synchronizer
	swap    *swap.Synchronizer
	twap    *twap.Sampler

	metrics      *Metrics
	errorHandler ErrorHandlerFunc
	logger       state.Logger

	mu       sync.Mutex
	selected farm.Kind
	snap     wallet.Snapshot

	sub       event.Subscription
	closeOnce sync.Once
}

// NewSystem constructs the synchronizers and starts following the session.
// The System runs until ctx is cancelled or Close is called.
func NewSystem(ctx context.Context, cfg *Config) (*System, error) {
	if err := cfg.validate(); err != nil {
		return nil, &ConfigError{Component: "system", Err: err}
	}

	metrics := NewMetrics(cfg.PrometheusReg, cfg.SystemName)
	s := &System{
		systemName:    cfg.SystemName,
		session:       cfg.Session,
		registry:      cfg.Registry,
		liquidityLock: cfg.LiquidityLock,
		metrics:       metrics,
		logger:        cfg.Logger,
		selected:      cfg.DefaultFarm,
	}
	s.errorHandler = func(err error) {
		errorType := determineErrorType(err)
		cfg.Logger.Error("FarmSync system error", "system", cfg.SystemName, "type", errorType, "error", err)
		metrics.ErrorsTotal.WithLabelValues(errorType).Inc()
		if cfg.ErrorHandler != nil {
			cfg.ErrorHandler(err)
		}
	}

	if err := s.build(cfg); err != nil {
		s.closeSynchronizers()
		return nil, err
	}

	ch := make(chan wallet.Snapshot, 8)
	s.sub = cfg.Session.Subscribe(ch)
	s.dispatch(cfg.Session.Snapshot())
	s.logger.Info("FarmSync system started", "system", s.systemName, "farm", s.selected)
	go s.listen(ctx, ch)
	return s, nil
}

func (s *System) build(cfg *Config) error {
	var err error
	if s.farm, err = farm.New(farm.Config{
		Registry:    cfg.Registry,
		RewardToken: cfg.RewardToken,
		Oracle:      cfg.Oracle,
		Backend:     cfg.Session,
		Observer:    s.metrics,
		Logger:      cfg.Logger,
		OnMined:     s.onFarmMined,
	}); err != nil {
		return &ConfigError{Component: "farm", Err: err}
	}
	if s.harvest, err = harvest.New(harvest.Config{
		Registry: cfg.Registry,
		Backend:  cfg.Session,
		Observer: s.metrics,
		Logger:   cfg.Logger,
	}); err != nil {
		return &ConfigError{Component: "harvest", Err: err}
	}
	if s.presale, err = presale.New(presale.Config{
		Address:     cfg.Presale,
		Backend:     cfg.Session,
		Observer:    s.metrics,
		Logger:      cfg.Logger,
		TotalSupply: cfg.PresaleTotalSupply,
		AccountCap:  cfg.PresaleAccountCap,
		OnEvent:     func(logs.InvestmentSucceeded) { s.metrics.PresaleEvents.Inc() },
	}); err != nil {
		return &ConfigError{Component: "presale", Err: err}
	}
	if s.swap, err = swap.New(swap.Config{
		LegacyToken: cfg.LegacyToken,
		SwapToken:   cfg.SwapToken,
		Backend:     cfg.Session,
		Observer:    s.metrics,
		Logger:      cfg.Logger,
	}); err != nil {
		return &ConfigError{Component: "swap", Err: err}
	}
	if s.twap, err = twap.New(twap.Config{
		Token:     cfg.RewardToken,
		Backend:   cfg.Session,
		Observer:  s.metrics,
		Logger:    cfg.Logger,
		Interval:  cfg.TWAPInterval,
		Reference: cfg.TWAPReference,
		OnSample:  func(smp twap.Sample) { s.metrics.TWAPMultiplier.Set(smp.Multiplier) },
	}); err != nil {
		return &ConfigError{Component: "twap", Err: err}
	}
	return nil
}

// listen is the main event loop of the system.
func (s *System) listen(ctx context.Context, ch <-chan wallet.Snapshot) {
	for {
		select {
		case snap := <-ch:
			s.dispatch(snap)
		case err, ok := <-s.sub.Err():
			if ok && err != nil {
				s.errorHandler(fmt.Errorf("session subscription failed: %w", err))
			}
			return
		case <-ctx.Done():
			s.logger.Info("FarmSync system stopping due to context cancellation.")
			s.Close()
			return
		}
	}
}

// dispatch hands a session snapshot to every synchronizer.
func (s *System) dispatch(snap wallet.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.logger.Debug("Session changed", "loading", snap.Loading, "ready", snap.Ready(), "account", snap.Account)

	if err := s.farm.Update(snap, s.selected); err != nil {
		s.errorHandler(&SyncError{Component: "farm", Err: err})
	}
	if err := s.harvest.Update(snap, s.selected); err != nil {
		s.errorHandler(&SyncError{Component: "harvest", Err: err})
	}
	s.presale.Update(snap)
	s.swap.Update(snap)
	if err := s.twap.Update(snap); err != nil {
		s.errorHandler(&SyncError{Component: "twap", Err: err})
	}
}

// SelectFarm switches the farm-scoped synchronizers to kind.
func (s *System) SelectFarm(kind farm.Kind) error {
	if _, err := s.registry.Lookup(kind); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == kind {
		return nil
	}
	s.selected = kind
	s.logger.Info("Farm selected", "farm", kind)
	if err := s.farm.Update(s.snap, kind); err != nil {
		return err
	}
	return s.harvest.Update(s.snap, kind)
}

// onFarmMined reloads the harvest history when a mined farm transaction may
// have added or claimed a chunk.
func (s *System) onFarmMined(action string, receipt *types.Receipt) {
	if receipt == nil || !logs.HarvestEventInBloom(receipt.Bloom) {
		return
	}
	s.logger.Debug("Harvest events in receipt, refreshing history", "action", action, "tx", receipt.TxHash.Hex())
	s.harvest.Refresh()
}

// View returns the combined state. Each part is read lock-free from its
// synchronizer, so parts may reflect slightly different instants.
func (s *System) View() View {
	s.mu.Lock()
	snap := s.snap
	selected := s.selected
	s.mu.Unlock()

	v := View{
		System:   s.systemName,
		Session:  snap,
		Farms:    s.registry.Definitions(),
		Selected: selected,
		Farm:     s.farm.View(),
		Harvest:  s.harvest.View(),
		Presale:  s.presale.View(),
		Swap:     s.swap.View(),
		TWAP:     s.twap.View(),
		Pending:  []string{},
	}
	for _, a := range s.farm.PendingActions() {
		v.Pending = append(v.Pending, "farm."+a)
	}
	for _, a := range s.swap.PendingActions() {
		v.Pending = append(v.Pending, "swap."+a)
	}
	return v
}

// Connect asks the wallet to authorise an account.
func (s *System) Connect(ctx context.Context) error {
	return s.session.Connect(ctx)
}

func (s *System) Farm() *farm.Synchronizer       { return s.farm }
func (s *System) Harvest() *harvest.Synchronizer { return s.harvest }
func (s *System) Swap() *swap.Synchronizer       { return s.swap }

// LiquidityLock reads the configured liquidity lock contract.
func (s *System) LiquidityLock(ctx context.Context) (contracts.LockInfo, error) {
	if s.liquidityLock == (common.Address{}) {
		return contracts.LockInfo{}, ErrNoLiquidityLock
	}
	client := s.session.Client()
	if client == nil {
		return contracts.LockInfo{}, wallet.ErrProviderUnavailable
	}
	return contracts.NewLiquidityLock(s.liquidityLock, client).Info(ctx)
}

// Close stops following the session and tears every synchronizer down.
func (s *System) Close() {
	s.closeOnce.Do(func() {
		if s.sub != nil {
			s.sub.Unsubscribe()
		}
		s.closeSynchronizers()
		s.logger.Info("FarmSync system stopped", "system", s.systemName)
	})
}

func (s *System) closeSynchronizers() {
	if s.farm != nil {
		s.farm.Close()
	}
	if s.harvest != nil {
		s.harvest.Close()
	}
	if s.presale != nil {
		s.presale.Close()
	}
	if s.swap != nil {
		s.swap.Close()
	}
	if s.twap != nil {
		s.twap.Close()
	}
}
