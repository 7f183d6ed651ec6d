// Package wallet tracks the wallet session every synchronizer depends on:
// whether a provider exists, whether its network is supported, and which
// account is connected.
package wallet

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/Iwinswap/iwinswap-farm-sync/chain"
)

var (
	ErrProviderUnavailable = errors.New("no wallet provider available")
	ErrChainChanged        = errors.New("wallet provider switched chains")
	ErrNoAccounts          = errors.New("provider exposes no accounts")
	ErrReadOnly            = errors.New("provider cannot sign for account")
)

// Provider is a wallet able to report its chain and accounts, notify about
// changes, serve contract calls and sign transactions.
type Provider interface {
	ChainID(ctx context.Context) (*big.Int, error)
	// Accounts returns the already authorised accounts without prompting.
	Accounts(ctx context.Context) ([]common.Address, error)
	// RequestAccounts asks the wallet to authorise accounts.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	SubscribeAccountsChanged(ch chan<- []common.Address) event.Subscription
	SubscribeChainChanged(ch chan<- uint64) event.Subscription
	Client() chain.Client
	Transactor(ctx context.Context, from common.Address) (*bind.TransactOpts, error)
}

// Detector locates the provider. A nil Provider with a nil error means none
// was found.
type Detector func(ctx context.Context) (Provider, error)

// Backend is the slice of a session that synchronizers read and write through.
type Backend interface {
	Client() chain.Client
	Transactor(ctx context.Context, from common.Address) (*bind.TransactOpts, error)
}
