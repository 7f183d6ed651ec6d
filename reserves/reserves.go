// Package reserves reads UniswapV2 pair reserves with bounded concurrency.
package reserves

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Iwinswap/iwinswap-farm-sync/abi"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
)

var (
	// getReservesSig is the method selector of getReserves().
	getReservesSig = abi.UniswapV2PairABI.Methods["getReserves"].ID
)

const (
	// defaultRPCTimeout defines the default timeout for individual RPC calls.
	defaultRPCTimeout = 10 * time.Second
)

// Reserves is a pair's pooled balances at its last update.
type Reserves struct {
	Reserve0           *big.Int
	Reserve1           *big.Int
	BlockTimestampLast uint32
}

// Fetcher reads reserves for many pairs while keeping at most a fixed number
// of calls in flight, shared across every Fetch on the same Fetcher.
type Fetcher struct {
	semaphore chan struct{}
	timeout   time.Duration
}

// NewFetcher returns a Fetcher limited to maxConcurrentCalls outstanding calls.
func NewFetcher(maxConcurrentCalls int) *Fetcher {
	if maxConcurrentCalls < 1 {
		maxConcurrentCalls = 1
	}
	return &Fetcher{
		semaphore: make(chan struct{}, maxConcurrentCalls),
		timeout:   defaultRPCTimeout,
	}
}

// Fetch returns the reserves of each pair, index-aligned with pairs. A failed
// pair leaves its entry zero and records the error at the same index.
func (f *Fetcher) Fetch(ctx context.Context, pairs []common.Address, client chain.Client) ([]Reserves, []error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	results := make([]Reserves, len(pairs))
	errs := make([]error, len(pairs))

	var wg sync.WaitGroup
	wg.Add(len(pairs))

	for i, addr := range pairs {
		f.semaphore <- struct{}{}

		go func(index int, pairAddr common.Address) {
			defer func() {
				<-f.semaphore
				wg.Done()
			}()

			if ctx.Err() != nil {
				errs[index] = ctx.Err()
				return
			}

			r, err := f.fetchPair(ctx, pairAddr, client)
			if err != nil {
				errs[index] = err
				return
			}
			results[index] = r
		}(i, addr)
	}

	wg.Wait()

	return results, errs
}

func (f *Fetcher) fetchPair(parentCtx context.Context, pairAddr common.Address, client chain.Client) (Reserves, error) {
	ctx, cancel := context.WithTimeout(parentCtx, f.timeout)
	defer cancel()

	data, err := client.CallContract(ctx, ethereum.CallMsg{
		To:   &pairAddr,
		Data: getReservesSig,
	}, nil)
	if err != nil {
		return Reserves{}, fmt.Errorf("eth_call for getReserves failed for pair %s: %w", pairAddr.Hex(), err)
	}

	// (uint112 reserve0, uint112 reserve1, uint32 blockTimestampLast), one 32-byte slot each.
	if len(data) != 96 {
		return Reserves{}, fmt.Errorf("invalid response length for getReserves on pair %s: got %d bytes", pairAddr.Hex(), len(data))
	}

	return Reserves{
		Reserve0:           new(big.Int).SetBytes(data[0:32]),
		Reserve1:           new(big.Int).SetBytes(data[32:64]),
		BlockTimestampLast: uint32(new(big.Int).SetBytes(data[64:96]).Uint64()),
	}, nil
}
