package harvest

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iwinswap/iwinswap-farm-sync/abi"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
	"github.com/Iwinswap/iwinswap-farm-sync/farm"
	"github.com/Iwinswap/iwinswap-farm-sync/logs"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
	"github.com/Iwinswap/iwinswap-farm-sync/wallet"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	day     = int64(86400)
)

var (
	alice = common.HexToAddress("0xA11CE")
	bob   = common.HexToAddress("0xB0B")
	t0    = int64(1_600_000_000)
)

func farmAddresses() map[farm.Kind]common.Address {
	return map[farm.Kind]common.Address{
		farm.KindUP:    common.HexToAddress("0xF1"),
		farm.KindUPETH: common.HexToAddress("0xF2"),
		farm.KindWETH:  common.HexToAddress("0xF3"),
		farm.KindWBTC:  common.HexToAddress("0xF4"),
	}
}

type readOnlyBackend struct{ client chain.Client }

func (b readOnlyBackend) Client() chain.Client { return b.client }

func (b readOnlyBackend) Transactor(context.Context, common.Address) (*bind.TransactOpts, error) {
	return nil, wallet.ErrReadOnly
}

type countingObserver struct {
	state.NopObserver
	discarded atomic.Int32
}

func (o *countingObserver) Discarded(string) { o.discarded.Add(1) }

func words(values ...int64) []byte {
	data := make([]byte, 32*len(values))
	for i, v := range values {
		b := big.NewInt(v).Bytes()
		copy(data[(i+1)*32-len(b):(i+1)*32], b)
	}
	return data
}

func stakerLog(event common.Hash, staker common.Address, block uint64, values ...int64) types.Log {
	return types.Log{
		Topics:      []common.Hash{event, common.BytesToHash(staker.Bytes())},
		Data:        words(values...),
		BlockNumber: block,
	}
}

type fixture struct {
	client   *chain.TestClient
	stub     *chain.Stub
	observer *countingObserver
	sync     *Synchronizer
	claimed  map[int64]int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		client:   chain.NewTestClient(4),
		stub:     chain.NewStub(),
		observer: &countingObserver{},
		claimed:  map[int64]int64{0: 100, 1: 0, 2: 250},
	}
	f.client.SetCallContractHandler(f.stub.CallContract)
	for _, addr := range farmAddresses() {
		f.stub.Return(addr, abi.FarmABI, "hasFarmingStarted", true)
		f.stub.Return(addr, abi.FarmABI, "HARVEST_STEP", big.NewInt(10))
		f.stub.Return(addr, abi.FarmABI, "HARVEST_INTERVAL", big.NewInt(day))
		f.handleChunks(addr, nil)
	}
	f.client.SetFilterLogsHandler(func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
		switch q.Topics[0][0] {
		case logs.HarvestChunkAddedEvent:
			// Chunk 2 was emitted first in the response but mined last.
			return []types.Log{
				stakerLog(logs.HarvestChunkAddedEvent, alice, 30, 2, t0+2*day, 500),
				stakerLog(logs.HarvestChunkAddedEvent, alice, 10, 0, t0, 1000),
				stakerLog(logs.HarvestChunkAddedEvent, alice, 20, 1, t0+day, 2000),
			}, nil
		case logs.RewardClaimedEvent:
			return []types.Log{
				stakerLog(logs.RewardClaimedEvent, alice, 40, 0, t0+3*day, 60),
				stakerLog(logs.RewardClaimedEvent, alice, 41, 2, t0+3*day, 250),
				stakerLog(logs.RewardClaimedEvent, alice, 42, 0, t0+4*day, 40),
			}, nil
		}
		return nil, errors.New("unexpected query")
	})

	registry, err := farm.NewRegistry(farmAddresses())
	require.NoError(t, err)
	f.sync, err = New(Config{
		Registry: registry,
		Backend:  readOnlyBackend{client: f.client},
		Observer: f.observer,
		Logger:   state.NopLogger{},
		Now:      func() time.Time { return time.Unix(t0+3*day, 0) },
	})
	require.NoError(t, err)
	t.Cleanup(f.sync.Close)
	return f
}

// handleChunks answers harvestChunks from f.claimed, blocking on gate for chunk 1 when set.
func (f *fixture) handleChunks(addr common.Address, gate chan struct{}) {
	m := abi.FarmABI.Methods["harvestChunks"]
	f.stub.Handle(addr, m.ID, func(msg ethereum.CallMsg) ([]byte, error) {
		args, err := m.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		idx := args[1].(*big.Int).Int64()
		if idx == 1 && gate != nil {
			<-gate
		}
		return m.Outputs.Pack(big.NewInt(t0), big.NewInt(0), big.NewInt(f.claimed[idx]))
	})
}

func snapshot(account *common.Address) wallet.Snapshot {
	return wallet.Snapshot{ProviderAvailable: true, NetworkSupported: true, ChainID: 4, Account: account}
}

func resolved(v View) bool {
	if v.Phase != state.PhaseReady {
		return false
	}
	for _, c := range v.Chunks {
		if c.ClaimedLoading {
			return false
		}
	}
	return true
}

func TestSynchronizer_LoadsChunks(t *testing.T) {
	f := newFixture(t)
	account := alice
	require.NoError(t, f.sync.Update(snapshot(&account), farm.KindUP))

	require.Eventually(t, func() bool { return resolved(f.sync.View()) }, waitFor, tick)
	v := f.sync.View()
	assert.True(t, v.Connected)
	assert.Equal(t, int64(10), v.StepPercent)
	assert.Equal(t, 24*time.Hour, v.Interval)
	require.Len(t, v.Chunks, 3)

	assert.Equal(t, []int{0, 1, 2}, []int{v.Chunks[0].Index, v.Chunks[1].Index, v.Chunks[2].Index})

	c := v.Chunks[0]
	assert.Equal(t, time.Unix(t0, 0).UTC(), c.Timestamp)
	assert.Equal(t, int64(30), c.ClaimablePercent)
	assert.Equal(t, "300", c.ClaimableAmount.String())
	assert.Equal(t, "100", c.ClaimedAmount.String())
	assert.Equal(t, int64(10), c.ClaimedPercent)

	assert.Equal(t, int64(20), v.Chunks[1].ClaimablePercent)
	assert.Equal(t, "400", v.Chunks[1].ClaimableAmount.String())
	assert.Equal(t, int64(10), v.Chunks[2].ClaimablePercent)
	assert.Equal(t, int64(50), v.Chunks[2].ClaimedPercent)
}

func TestSynchronizer_NoAccount(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sync.Update(snapshot(nil), farm.KindUP))

	require.Eventually(t, func() bool { return f.sync.View().Phase == state.PhaseReady }, waitFor, tick)
	v := f.sync.View()
	assert.False(t, v.Connected)
	assert.Empty(t, v.Chunks)
	assert.ErrorIs(t, f.sync.RequestClaimDetails(context.Background(), 0), ErrNoAccount)
}

func TestSynchronizer_NotStartedAndUnavailable(t *testing.T) {
	f := newFixture(t)
	f.stub.Return(farmAddresses()[farm.KindWBTC], abi.FarmABI, "hasFarmingStarted", false)
	account := alice

	require.NoError(t, f.sync.Update(wallet.Snapshot{ProviderAvailable: true, ChainID: 1}, farm.KindWBTC))
	assert.Equal(t, state.PhaseUnavailable, f.sync.View().Phase)

	require.NoError(t, f.sync.Update(snapshot(&account), farm.KindWBTC))
	require.Eventually(t, func() bool { return f.sync.View().Phase == state.PhaseNotStarted }, waitFor, tick)
	assert.Empty(t, f.sync.View().Chunks)
}

func TestSynchronizer_ChunkReadFailure(t *testing.T) {
	f := newFixture(t)
	f.stub.Fail(farmAddresses()[farm.KindUP], abi.FarmABI, "harvestChunks", errors.New("rpc down"))
	account := alice
	require.NoError(t, f.sync.Update(snapshot(&account), farm.KindUP))

	require.Eventually(t, func() bool { return resolved(f.sync.View()) }, waitFor, tick)
	for _, c := range f.sync.View().Chunks {
		assert.True(t, c.ClaimedFailed)
		assert.Nil(t, c.ClaimedAmount)
	}
}

func TestSynchronizer_LogFailure(t *testing.T) {
	f := newFixture(t)
	f.client.SetFilterLogsHandler(func(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
		return nil, errors.New("range too large")
	})
	account := alice
	require.NoError(t, f.sync.Update(snapshot(&account), farm.KindUP))

	require.Eventually(t, func() bool { return f.sync.View().Phase == state.PhaseFailed }, waitFor, tick)
	assert.Contains(t, f.sync.View().Err, "range too large")
}

func TestSynchronizer_ScheduleOutOfRange(t *testing.T) {
	f := newFixture(t)
	f.stub.Return(farmAddresses()[farm.KindUP], abi.FarmABI, "HARVEST_INTERVAL", new(big.Int).Lsh(big.NewInt(1), 80))
	account := alice
	require.NoError(t, f.sync.Update(snapshot(&account), farm.KindUP))

	require.Eventually(t, func() bool { return f.sync.View().Phase == state.PhaseFailed }, waitFor, tick)
	v := f.sync.View()
	assert.Contains(t, v.Err, ErrOutOfRange.Error())
	assert.Empty(t, v.Chunks)
	assert.Equal(t, time.Duration(0), v.Interval)
}

func TestSynchronizer_LateChunkDroppedAfterFarmSwitch(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.handleChunks(farmAddresses()[farm.KindUP], gate)
	f.stub.Return(farmAddresses()[farm.KindWETH], abi.FarmABI, "hasFarmingStarted", false)
	account := alice

	require.NoError(t, f.sync.Update(snapshot(&account), farm.KindUP))
	require.Eventually(t, func() bool {
		v := f.sync.View()
		return len(v.Chunks) == 3 && !v.Chunks[0].ClaimedLoading && !v.Chunks[2].ClaimedLoading
	}, waitFor, tick, "chunks resolve out of order while chunk 1 is held")
	assert.True(t, f.sync.View().Chunks[1].ClaimedLoading)

	require.NoError(t, f.sync.Update(snapshot(&account), farm.KindWETH))
	require.Eventually(t, func() bool { return f.sync.View().Phase == state.PhaseNotStarted }, waitFor, tick)

	close(gate)
	require.Eventually(t, func() bool { return f.observer.discarded.Load() > 0 }, waitFor, tick)
	v := f.sync.View()
	assert.Equal(t, farm.KindWETH, v.Kind)
	assert.Empty(t, v.Chunks)
}

func TestSynchronizer_RequestClaimDetails(t *testing.T) {
	f := newFixture(t)
	account := alice
	require.NoError(t, f.sync.Update(snapshot(&account), farm.KindUP))
	require.Eventually(t, func() bool { return resolved(f.sync.View()) }, waitFor, tick)

	require.NoError(t, f.sync.RequestClaimDetails(context.Background(), 0))
	d := f.sync.View().Details
	require.NotNil(t, d)
	assert.Equal(t, state.PhaseReady, d.Phase)
	require.Len(t, d.Claims, 2)
	assert.Equal(t, "60", d.Claims[0].Amount.String())
	assert.Equal(t, "40", d.Claims[1].Amount.String())
	assert.Equal(t, time.Unix(t0+4*day, 0).UTC(), d.Claims[1].Timestamp)

	require.NoError(t, f.sync.RequestClaimDetails(context.Background(), 2))
	d = f.sync.View().Details
	assert.Equal(t, 2, d.ChunkIndex)
	require.Len(t, d.Claims, 1, "details of the previous chunk are replaced")
	assert.Equal(t, "250", d.Claims[0].Amount.String())

	require.NoError(t, f.sync.RequestClaimDetails(context.Background(), 1))
	assert.Empty(t, f.sync.View().Details.Claims)

	assert.ErrorIs(t, f.sync.RequestClaimDetails(context.Background(), 7), ErrUnknownChunk)
}

func TestSynchronizer_AccountChangeClearsDetails(t *testing.T) {
	f := newFixture(t)
	account := alice
	require.NoError(t, f.sync.Update(snapshot(&account), farm.KindUP))
	require.Eventually(t, func() bool { return resolved(f.sync.View()) }, waitFor, tick)
	require.NoError(t, f.sync.RequestClaimDetails(context.Background(), 0))

	other := bob
	require.NoError(t, f.sync.Update(snapshot(&other), farm.KindUP))
	v := f.sync.View()
	assert.Nil(t, v.Details)
	assert.Equal(t, state.PhaseLoading, v.Phase)

	require.Eventually(t, func() bool { return f.sync.View().Phase == state.PhaseReady }, waitFor, tick)
	assert.Empty(t, f.sync.View().Chunks, "alice's chunks are not attributed to bob")
}
