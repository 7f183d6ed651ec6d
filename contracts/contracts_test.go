package contracts

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iwinswap/iwinswap-farm-sync/abi"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
)

var (
	farmAddr    = common.HexToAddress("0xFA")
	tokenAddr   = common.HexToAddress("0x70")
	lockAddr    = common.HexToAddress("0x10C")
	accountAddr = common.HexToAddress("0xA11CE")
)

func TestFarmReads(t *testing.T) {
	client := chain.NewTestClient(4)
	stub := chain.NewStub()
	client.SetCallContractHandler(stub.CallContract)

	stub.Return(farmAddr, abi.FarmABI, "hasFarmingStarted", true)
	stub.Return(farmAddr, abi.FarmABI, "farmTokenAddress", tokenAddr)
	stub.Return(farmAddr, abi.FarmABI, "currentIntervalTotalReward", big.NewInt(7000))
	stub.Handle(farmAddr, abi.FarmABI.Methods["harvestableReward"].ID, func(msg ethereum.CallMsg) ([]byte, error) {
		require.Equal(t, accountAddr, msg.From, "reward getters are issued from the account")
		return abi.FarmABI.Methods["harvestableReward"].Outputs.Pack(big.NewInt(42))
	})
	stub.Handle(farmAddr, abi.FarmABI.Methods["harvestChunks"].ID, func(msg ethereum.CallMsg) ([]byte, error) {
		args, err := abi.FarmABI.Methods["harvestChunks"].Inputs.Unpack(msg.Data[4:])
		require.NoError(t, err)
		require.Equal(t, accountAddr, args[0])
		require.Equal(t, int64(3), args[1].(*big.Int).Int64())
		return abi.FarmABI.Methods["harvestChunks"].Outputs.Pack(big.NewInt(1000), big.NewInt(500), big.NewInt(100))
	})

	farm := NewFarm(farmAddr, client)
	ctx := context.Background()

	started, err := farm.HasFarmingStarted(ctx)
	require.NoError(t, err)
	assert.True(t, started)

	token, err := farm.FarmTokenAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, tokenAddr, token)

	reward, err := farm.CurrentIntervalTotalReward(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7000), reward.Int64())

	harvestable, err := farm.HarvestableReward(ctx, accountAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(42), harvestable.Int64())

	chunk, err := farm.HarvestChunk(ctx, accountAddr, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), chunk.Timestamp.Int64())
	assert.Equal(t, int64(500), chunk.TotalAmount.Int64())
	assert.Equal(t, int64(100), chunk.ClaimedAmount.Int64())

	_, err = farm.Balance(ctx, accountAddr)
	assert.ErrorIs(t, err, chain.ErrUnexpectedCall)
}

func TestPresaleReadsAtBlock(t *testing.T) {
	presaleAddr := common.HexToAddress("0x9E5A1E")
	client := chain.NewTestClient(4)
	stub := chain.NewStub()
	stub.Return(presaleAddr, abi.PresaleABI, "presaleWeiSupplyLeft", big.NewInt(300))

	var blocks []*big.Int
	client.SetCallContractHandler(func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
		blocks = append(blocks, blockNumber)
		return stub.CallContract(ctx, msg, blockNumber)
	})

	presale := NewPresale(presaleAddr, client)
	_, err := presale.At(big.NewInt(7)).SupplyLeft(context.Background())
	require.NoError(t, err)
	left, err := presale.SupplyLeft(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(300), left.Int64())

	require.Len(t, blocks, 2)
	assert.Equal(t, int64(7), blocks[0].Int64())
	assert.Nil(t, blocks[1], "the unpinned reader stays on the latest block")
}

func TestLiquidityLockInfo(t *testing.T) {
	client := chain.NewTestClient(1)
	stub := chain.NewStub()
	client.SetCallContractHandler(stub.CallContract)
	stub.Return(lockAddr, abi.LiquidityLockABI, "token", tokenAddr)
	stub.Return(lockAddr, abi.LiquidityLockABI, "beneficiary", accountAddr)
	stub.Return(lockAddr, abi.LiquidityLockABI, "releaseTime", big.NewInt(1_700_000_000))

	info, err := NewLiquidityLock(lockAddr, client).Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tokenAddr, info.Token)
	assert.Equal(t, accountAddr, info.Beneficiary)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), info.ReleaseTime)
}

func TestTransactAndWaitMined(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(4))
	require.NoError(t, err)

	testCases := []struct {
		name    string
		receipt func(ctx context.Context, hash common.Hash) (*types.Receipt, error)
		wantErr error
	}{
		{
			name: "Happy Path - mined successfully",
		},
		{
			name: "Error Case - reverted receipt",
			receipt: func(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
				return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusFailed}, nil
			},
			wantErr: ErrReverted,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := chain.NewTestClient(4)
			if tc.receipt != nil {
				client.SetTransactionReceiptHandler(tc.receipt)
			}
			farm := NewFarm(farmAddr, client)

			opts.Context = context.Background()
			tx, err := farm.Stake(opts, big.NewInt(10))
			require.NoError(t, err)
			require.Len(t, client.SentTransactions(), 1)
			assert.Equal(t, farmAddr, *tx.To())

			_, err = WaitMined(context.Background(), client, tx)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTransact_SendFailure(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(4))
	require.NoError(t, err)

	rejected := errors.New("user rejected")
	client := chain.NewTestClient(4)
	client.SetSendTransactionHandler(func(ctx context.Context, tx *types.Transaction) error { return rejected })

	_, err = NewERC20(tokenAddr, client).Approve(opts, farmAddr, big.NewInt(1))
	assert.ErrorIs(t, err, rejected)
	assert.Empty(t, client.SentTransactions())
}
