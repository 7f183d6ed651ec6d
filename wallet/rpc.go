package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/Iwinswap/iwinswap-farm-sync/chain"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
)

const defaultPollInterval = 4 * time.Second

// AccountLister is the raw JSON-RPC surface used for eth_accounts and
// eth_requestAccounts. *rpc.Client satisfies it.
type AccountLister interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// RPCConfig configures an RPCProvider.
type RPCConfig struct {
	Client chain.Client
	// RPC serves account queries when no key is configured. Optional.
	RPC AccountLister
	// Key, when set, is the only account and signs every transaction.
	Key          *ecdsa.PrivateKey
	PollInterval time.Duration
	Logger       state.Logger
}

// RPCProvider is a Provider backed by a JSON-RPC node. It polls the chain id
// and account list and emits changes to subscribers.
type RPCProvider struct {
	client   chain.Client
	rpc      AccountLister
	key      *ecdsa.PrivateKey
	interval time.Duration
	logger   state.Logger

	accountsFeed event.Feed
	chainFeed    event.Feed

	mu       sync.Mutex
	chainID  *big.Int
	accounts []common.Address
}

func NewRPCProvider(cfg RPCConfig) (*RPCProvider, error) {
	if cfg.Client == nil {
		return nil, errors.New("rpc provider: client is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("rpc provider: logger is required")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &RPCProvider{
		client:   cfg.Client,
		rpc:      cfg.RPC,
		key:      cfg.Key,
		interval: interval,
		logger:   cfg.Logger,
	}, nil
}

func (p *RPCProvider) Client() chain.Client { return p.client }

func (p *RPCProvider) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := p.client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.chainID == nil {
		p.chainID = new(big.Int).Set(id)
	}
	p.mu.Unlock()
	return id, nil
}

func (p *RPCProvider) Accounts(ctx context.Context) ([]common.Address, error) {
	accounts, err := p.listAccounts(ctx, "eth_accounts")
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.accounts = accounts
	p.mu.Unlock()
	return accounts, nil
}

func (p *RPCProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if p.key == nil && p.rpc == nil {
		return nil, ErrNoAccounts
	}
	return p.listAccounts(ctx, "eth_requestAccounts")
}

func (p *RPCProvider) listAccounts(ctx context.Context, method string) ([]common.Address, error) {
	if p.key != nil {
		return []common.Address{crypto.PubkeyToAddress(p.key.PublicKey)}, nil
	}
	if p.rpc == nil {
		return nil, nil
	}
	var accounts []common.Address
	if err := p.rpc.CallContext(ctx, &accounts, method); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return accounts, nil
}

func (p *RPCProvider) Transactor(ctx context.Context, from common.Address) (*bind.TransactOpts, error) {
	if p.key == nil || crypto.PubkeyToAddress(p.key.PublicKey) != from {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, from.Hex())
	}
	id, err := p.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(p.key, id)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

func (p *RPCProvider) SubscribeAccountsChanged(ch chan<- []common.Address) event.Subscription {
	return p.accountsFeed.Subscribe(ch)
}

func (p *RPCProvider) SubscribeChainChanged(ch chan<- uint64) event.Subscription {
	return p.chainFeed.Subscribe(ch)
}

// Run polls for chain and account changes until ctx is done.
func (p *RPCProvider) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *RPCProvider) poll(ctx context.Context) {
	id, err := p.client.ChainID(ctx)
	if err != nil {
		p.logger.Debug("Chain id poll failed", "error", err)
	} else {
		p.mu.Lock()
		changed := p.chainID != nil && p.chainID.Cmp(id) != 0
		p.chainID = id
		p.mu.Unlock()
		if changed {
			p.chainFeed.Send(id.Uint64())
		}
	}

	accounts, err := p.listAccounts(ctx, "eth_accounts")
	if err != nil {
		p.logger.Debug("Account poll failed", "error", err)
		return
	}
	p.mu.Lock()
	changed := !slices.Equal(p.accounts, accounts)
	p.accounts = accounts
	p.mu.Unlock()
	if changed {
		p.accountsFeed.Send(accounts)
	}
}

// DialDetector returns a Detector that dials url and, on success, starts the
// provider's polling loop for the lifetime of the detection context. A dial
// failure means no provider was found.
func DialDetector(url string, key *ecdsa.PrivateKey, pollInterval time.Duration, logger state.Logger) Detector {
	return func(ctx context.Context) (Provider, error) {
		rpcClient, err := rpc.DialContext(ctx, url)
		if err != nil {
			logger.Warn("Could not reach wallet provider", "error", err)
			return nil, nil
		}
		provider, err := NewRPCProvider(RPCConfig{
			Client:       ethclient.NewClient(rpcClient),
			RPC:          rpcClient,
			Key:          key,
			PollInterval: pollInterval,
			Logger:       logger,
		})
		if err != nil {
			rpcClient.Close()
			return nil, err
		}
		go func() {
			provider.Run(ctx)
			rpcClient.Close()
		}()
		return provider, nil
	}
}
