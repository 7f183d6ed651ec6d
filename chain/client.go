// Package chain defines the RPC capability the synchronizers read and write
// through, and an in-memory implementation for tests.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is everything a bound contract needs to call, transact, filter logs
// and wait for receipts. *ethclient.Client satisfies it.
type Client interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

var _ Client = (*ethclient.Client)(nil)
