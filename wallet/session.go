package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/Iwinswap/iwinswap-farm-sync/chain"
	"github.com/Iwinswap/iwinswap-farm-sync/network"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
)

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	Loading           bool            `json:"loading"`
	ProviderAvailable bool            `json:"providerAvailable"`
	NetworkSupported  bool            `json:"networkSupported"`
	Account           *common.Address `json:"account"`
	ChainID           uint64          `json:"chainId"`
	Explorer          string          `json:"explorer,omitempty"`
}

// Ready reports whether reads may be issued: a provider exists on a
// supported network and detection has settled.
func (s Snapshot) Ready() bool {
	return !s.Loading && s.ProviderAvailable && s.NetworkSupported
}

// HasAccount reports whether the session is ready with a connected account.
func (s Snapshot) HasAccount() bool {
	return s.Ready() && s.Account != nil
}

// SameAccount reports whether both snapshots carry the same account, or none.
func (s Snapshot) SameAccount(o Snapshot) bool {
	if s.Account == nil || o.Account == nil {
		return s.Account == nil && o.Account == nil
	}
	return *s.Account == *o.Account
}

// Config holds the dependencies of a Session.
type Config struct {
	Environment network.Environment
	Detect      Detector
	Logger      state.Logger
}

func (c *Config) validate() error {
	if _, err := network.ExpectedChainID(c.Environment); err != nil {
		return err
	}
	if c.Detect == nil {
		return errors.New("detector is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Session owns the wallet state. It starts Loading, settles once after
// detection, then follows account changes. A chain change ends the session:
// Done is closed and every binding must be rebuilt on a new Session.
type Session struct {
	env    network.Environment
	detect Detector
	logger state.Logger

	mu       sync.RWMutex
	snap     Snapshot
	provider Provider

	feed      event.Feed
	done      chan struct{}
	closeOnce sync.Once
	cause     error
	cancel    context.CancelFunc
}

func NewSession(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid wallet session configuration: %w", err)
	}
	return &Session{
		env:    cfg.Environment,
		detect: cfg.Detect,
		logger: cfg.Logger,
		snap:   Snapshot{Loading: true},
		done:   make(chan struct{}),
	}, nil
}

// Start detects the provider and settles the session. It returns once the
// first settled snapshot has been published; listeners keep running until
// ctx is cancelled, Close is called or the chain changes.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	provider, err := s.detect(ctx)
	if err != nil {
		s.logger.Warn("Wallet provider detection failed", "error", err)
		provider = nil
	}
	if provider == nil {
		s.logger.Info("No wallet provider found")
		s.publish(func(snap *Snapshot) {
			*snap = Snapshot{}
		})
		return
	}

	next := Snapshot{ProviderAvailable: true}
	id, err := provider.ChainID(ctx)
	if err != nil {
		s.logger.Warn("Failed to read chain id, treating provider as unavailable", "error", err)
		s.publish(func(snap *Snapshot) { *snap = Snapshot{} })
		return
	}
	next.ChainID = id.Uint64()
	next.NetworkSupported, _ = network.IsSupported(s.env, next.ChainID)
	next.Explorer, _ = network.ExplorerURL(s.env)

	accounts, err := provider.Accounts(ctx)
	if err != nil {
		s.logger.Warn("Failed to read authorised accounts", "error", err)
	}
	next.Account = firstAccount(accounts)

	// Listeners are registered before settling so no change between the
	// reads above and the first publish is lost.
	accountsCh := make(chan []common.Address, 8)
	chainCh := make(chan uint64, 1)
	accountsSub := provider.SubscribeAccountsChanged(accountsCh)
	chainSub := provider.SubscribeChainChanged(chainCh)

	s.mu.Lock()
	s.provider = provider
	s.mu.Unlock()
	s.publish(func(snap *Snapshot) { *snap = next })

	s.logger.Info("Wallet session settled",
		"chainId", next.ChainID,
		"networkSupported", next.NetworkSupported,
		"accountConnected", next.Account != nil,
	)

	go s.listen(ctx, accountsSub, chainSub, accountsCh, chainCh)
}

func (s *Session) listen(ctx context.Context, accountsSub, chainSub event.Subscription, accountsCh <-chan []common.Address, chainCh <-chan uint64) {
	defer accountsSub.Unsubscribe()
	defer chainSub.Unsubscribe()
	for {
		select {
		case accounts := <-accountsCh:
			account := firstAccount(accounts)
			s.logger.Debug("Wallet accounts changed", "accountConnected", account != nil)
			s.publish(func(snap *Snapshot) { snap.Account = account })
		case id := <-chainCh:
			s.logger.Warn("Wallet chain changed, ending session", "chainId", id)
			s.end(fmt.Errorf("%w: now on chain %d", ErrChainChanged, id))
			return
		case err := <-accountsSub.Err():
			if err != nil {
				s.logger.Error("Account subscription failed", "error", err)
			}
			return
		case err := <-chainSub.Err():
			if err != nil {
				s.logger.Error("Chain subscription failed", "error", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// Connect asks the provider to authorise an account. A rejection is logged
// and returned; the session state is left unchanged.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.RLock()
	provider := s.provider
	s.mu.RUnlock()
	if provider == nil {
		return ErrProviderUnavailable
	}
	accounts, err := provider.RequestAccounts(ctx)
	if err != nil {
		s.logger.Warn("Account connection rejected", "error", err)
		return fmt.Errorf("requesting accounts: %w", err)
	}
	account := firstAccount(accounts)
	if account == nil {
		s.logger.Warn("Account connection returned no accounts")
		return ErrNoAccounts
	}
	s.publish(func(snap *Snapshot) { snap.Account = account })
	return nil
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe delivers every published snapshot to ch. Receivers must keep up:
// publishing blocks until each subscriber has taken the value.
func (s *Session) Subscribe(ch chan<- Snapshot) event.Subscription {
	return s.feed.Subscribe(ch)
}

// Client returns the provider's contract backend, or nil without a provider.
func (s *Session) Client() chain.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.provider == nil {
		return nil
	}
	return s.provider.Client()
}

// Transactor returns signing options for from.
func (s *Session) Transactor(ctx context.Context, from common.Address) (*bind.TransactOpts, error) {
	s.mu.RLock()
	provider := s.provider
	s.mu.RUnlock()
	if provider == nil {
		return nil, ErrProviderUnavailable
	}
	return provider.Transactor(ctx, from)
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, or nil while it is live or after Close.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cause
}

// Close stops the listeners and ends the session.
func (s *Session) Close() {
	s.end(nil)
}

func (s *Session) end(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cause = cause
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(s.done)
	})
}

func (s *Session) publish(mutate func(*Snapshot)) {
	s.mu.Lock()
	mutate(&s.snap)
	snap := s.snap
	s.mu.Unlock()
	s.feed.Send(snap)
}

func firstAccount(accounts []common.Address) *common.Address {
	if len(accounts) == 0 {
		return nil
	}
	a := accounts[0]
	return &a
}
