package presale

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
	"github.com/Iwinswap/iwinswap-farm-sync/logs"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
	"github.com/Iwinswap/iwinswap-farm-sync/wallet"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	presaleAddr = common.HexToAddress("0x9E5A1E")
	alice       = common.HexToAddress("0xA11CE")
	stranger    = common.HexToAddress("0x5757")
)

func milliEther(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e15))
}

type readOnlyBackend struct{ client chain.Client }

func (b readOnlyBackend) Client() chain.Client { return b.client }

func (b readOnlyBackend) Transactor(context.Context, common.Address) (*bind.TransactOpts, error) {
	return nil, wallet.ErrReadOnly
}

func investmentLog(sender common.Address, wei *big.Int) types.Log {
	data := make([]byte, 64)
	copy(data[12:32], sender.Bytes())
	wei.FillBytes(data[32:64])
	return types.Log{Address: presaleAddr, Topics: []common.Hash{logs.InvestmentSucceededEvent}, Data: data}
}

type fixture struct {
	client *chain.TestClient
	stub   *chain.Stub
	events atomic.Int32
	sync   *Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{client: chain.NewTestClient(4), stub: chain.NewStub()}
	f.client.SetCallContractHandler(f.stub.CallContract)
	f.stub.Return(presaleAddr, abi.PresaleABI, "isPresaleActive", true)
	f.stub.Return(presaleAddr, abi.PresaleABI, "wasPresaleEnded", false)
	f.stub.Return(presaleAddr, abi.PresaleABI, "allowWhitelistAddressesOnly", true)
	f.stub.Return(presaleAddr, abi.PresaleABI, "presaleWeiSupplyLeft", milliEther(300_000))
	f.stub.Return(presaleAddr, abi.PresaleABI, "investments", milliEther(1000))
	f.stub.Return(presaleAddr, abi.PresaleABI, "whitelistAddresses", true)

	var err error
	f.sync, err = New(Config{
		Address:  presaleAddr,
		Backend:  readOnlyBackend{client: f.client},
		Observer: state.NopObserver{},
		Logger:   state.NopLogger{},
		OnEvent:  func(logs.InvestmentSucceeded) { f.events.Add(1) },
	})
	require.NoError(t, err)
	t.Cleanup(f.sync.Close)
	return f
}

func ready(account *common.Address) wallet.Snapshot {
	return wallet.Snapshot{ProviderAvailable: true, NetworkSupported: true, ChainID: 4, Account: account}
}

func (f *fixture) waitReady(t *testing.T) View {
	t.Helper()
	require.Eventually(t, func() bool {
		v := f.sync.View()
		return v.Phase == state.PhaseReady && v.Live
	}, waitFor, tick)
	return f.sync.View()
}

func TestSynchronizer_Load(t *testing.T) {
	f := newFixture(t)
	account := alice
	f.sync.Update(ready(&account))

	v := f.waitReady(t)
	assert.True(t, v.Active)
	assert.False(t, v.Ended)
	assert.True(t, v.WhitelistOnly)
	assert.True(t, v.Connected)
	assert.True(t, v.AccountWhitelisted)
	assert.Equal(t, milliEther(300_000).String(), v.SupplyLeft.String())
	assert.Equal(t, milliEther(100_000).String(), v.Collected.String())
	assert.Equal(t, int64(25), v.CollectedPercent)
	assert.Equal(t, milliEther(1000).String(), v.AccountContribution.String())
	assert.Equal(t, int64(40), v.ContributionPercent)
}

func TestSynchronizer_EventsPatchState(t *testing.T) {
	f := newFixture(t)
	account := alice
	f.sync.Update(ready(&account))
	f.waitReady(t)

	require.Equal(t, 1, f.client.EmitLog(investmentLog(alice, milliEther(500))))
	require.Eventually(t, func() bool {
		return f.sync.View().SupplyLeft.Cmp(milliEther(299_500)) == 0
	}, waitFor, tick)
	v := f.sync.View()
	assert.Equal(t, milliEther(1500).String(), v.AccountContribution.String())
	assert.Equal(t, int64(60), v.ContributionPercent)

	// An investment by someone else only moves the shared supply.
	require.Equal(t, 1, f.client.EmitLog(investmentLog(stranger, milliEther(2000))))
	require.Eventually(t, func() bool {
		return f.sync.View().SupplyLeft.Cmp(milliEther(297_500)) == 0
	}, waitFor, tick)
	v = f.sync.View()
	assert.Equal(t, milliEther(1500).String(), v.AccountContribution.String())
	assert.Equal(t, milliEther(102_500).String(), v.Collected.String())
	assert.Equal(t, int32(2), f.events.Load())
}

func TestSynchronizer_EventsDuringLoad(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	ended := abi.PresaleABI.Methods["wasPresaleEnded"]
	f.stub.Handle(presaleAddr, ended.ID, func(ethereum.CallMsg) ([]byte, error) {
		close(entered)
		<-release
		return ended.Outputs.Pack(false)
	})
	account := alice
	f.sync.Update(ready(&account))
	<-entered
	require.Eventually(t, func() bool { return f.client.Subscribers() == 1 }, waitFor, tick)

	// The load reads block 1. Block 1 is already counted, block 2 is not.
	counted := investmentLog(stranger, milliEther(5000))
	counted.BlockNumber = 1
	later := investmentLog(alice, milliEther(10_000))
	later.BlockNumber = 2
	require.Equal(t, 1, f.client.EmitLog(counted))
	require.Equal(t, 1, f.client.EmitLog(later))
	require.Eventually(t, func() bool { return f.events.Load() == 2 }, waitFor, tick)
	close(release)

	v := f.waitReady(t)
	assert.Equal(t, milliEther(290_000).String(), v.SupplyLeft.String())
	assert.Equal(t, milliEther(11_000).String(), v.AccountContribution.String())
	assert.Equal(t, milliEther(110_000).String(), v.Collected.String())
}

func TestSynchronizer_ReleasesSubscription(t *testing.T) {
	t.Run("Happy Path - session change replaces the subscription", func(t *testing.T) {
		f := newFixture(t)
		account := alice
		f.sync.Update(ready(&account))
		f.waitReady(t)
		require.Equal(t, 1, f.client.Subscribers())

		f.sync.Update(ready(nil))
		v := f.waitReady(t)
		assert.False(t, v.Connected)
		assert.Equal(t, 0, v.AccountContribution.Sign())
		assert.Equal(t, 1, f.client.Subscribers())

		f.sync.Update(wallet.Snapshot{ProviderAvailable: true, ChainID: 1})
		assert.Equal(t, state.PhaseUnavailable, f.sync.View().Phase)
		assert.Equal(t, 0, f.client.Subscribers())
	})

	t.Run("Happy Path - close", func(t *testing.T) {
		f := newFixture(t)
		f.sync.Update(ready(nil))
		f.waitReady(t)
		f.sync.Close()
		assert.Equal(t, 0, f.client.Subscribers())
	})

	t.Run("Error Case - load failure", func(t *testing.T) {
		f := newFixture(t)
		f.stub.Fail(presaleAddr, abi.PresaleABI, "presaleWeiSupplyLeft", errors.New("rpc down"))
		f.sync.Update(ready(nil))

		require.Eventually(t, func() bool { return f.sync.View().Phase == state.PhaseFailed }, waitFor, tick)
		assert.Equal(t, 0, f.client.Subscribers())
		assert.False(t, f.sync.View().Live)
	})
}

func TestSynchronizer_WithoutSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.client.SetSubscribeFilterLogsHandler(func(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
		return nil, errors.New("notifications not supported")
	})
	f.sync.Update(ready(nil))

	require.Eventually(t, func() bool { return f.sync.View().Phase == state.PhaseReady }, waitFor, tick)
	v := f.sync.View()
	assert.False(t, v.Live)
	assert.Equal(t, int64(25), v.CollectedPercent)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Backend: readOnlyBackend{}, Observer: state.NopObserver{}, Logger: state.NopLogger{}})
	assert.ErrorContains(t, err, "presale contract address is required")

	_, err = New(Config{
		Address:     presaleAddr,
		Backend:     readOnlyBackend{},
		Observer:    state.NopObserver{},
		Logger:      state.NopLogger{},
		TotalSupply: big.NewInt(0),
	})
	assert.ErrorContains(t, err, "total supply must be positive")
}
