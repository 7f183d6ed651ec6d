package logs

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrMalformedLog is returned for logs whose topics or data do not match the event layout.
var ErrMalformedLog = errors.New("malformed log")

// HarvestChunkAdded is emitted when a staker harvests rewards into a vesting chunk.
type HarvestChunkAdded struct {
	Staker    common.Address
	Idx       *big.Int
	Timestamp *big.Int
	Amount    *big.Int
}

// RewardClaimed is emitted when a staker claims vested rewards from a chunk.
type RewardClaimed struct {
	Staker          common.Address
	HarvestChunkIdx *big.Int
	Timestamp       *big.Int
	Amount          *big.Int
	TxHash          common.Hash
}

// DecodeHarvestChunkAdded parses one HarvestChunkAdded log.
func DecodeHarvestChunkAdded(log types.Log) (HarvestChunkAdded, error) {
	words, err := stakerEventWords(log, HarvestChunkAddedEvent)
	if err != nil {
		return HarvestChunkAdded{}, err
	}
	return HarvestChunkAdded{
		Staker:    common.BytesToAddress(log.Topics[1].Bytes()),
		Idx:       words[0],
		Timestamp: words[1],
		Amount:    words[2],
	}, nil
}

// DecodeRewardClaimed parses one RewardClaimed log.
func DecodeRewardClaimed(log types.Log) (RewardClaimed, error) {
	words, err := stakerEventWords(log, RewardClaimedEvent)
	if err != nil {
		return RewardClaimed{}, err
	}
	return RewardClaimed{
		Staker:          common.BytesToAddress(log.Topics[1].Bytes()),
		HarvestChunkIdx: words[0],
		Timestamp:       words[1],
		Amount:          words[2],
		TxHash:          log.TxHash,
	}, nil
}

// HarvestChunks returns the HarvestChunkAdded events of staker in emission
// order. Removed logs and logs of other events are skipped.
func HarvestChunks(logs []types.Log, staker common.Address) ([]HarvestChunkAdded, error) {
	var chunks []HarvestChunkAdded
	for _, log := range ordered(logs) {
		if log.Removed || len(log.Topics) == 0 || log.Topics[0] != HarvestChunkAddedEvent {
			continue
		}
		ev, err := DecodeHarvestChunkAdded(log)
		if err != nil {
			return nil, err
		}
		if ev.Staker != staker {
			continue
		}
		chunks = append(chunks, ev)
	}
	return chunks, nil
}

// ClaimsForChunk returns the RewardClaimed events of staker against chunk
// index idx in emission order.
func ClaimsForChunk(logs []types.Log, staker common.Address, idx int) ([]RewardClaimed, error) {
	var claims []RewardClaimed
	for _, log := range ordered(logs) {
		if log.Removed || len(log.Topics) == 0 || log.Topics[0] != RewardClaimedEvent {
			continue
		}
		ev, err := DecodeRewardClaimed(log)
		if err != nil {
			return nil, err
		}
		if ev.Staker != staker || !ev.HarvestChunkIdx.IsInt64() || ev.HarvestChunkIdx.Int64() != int64(idx) {
			continue
		}
		claims = append(claims, ev)
	}
	return claims, nil
}

// stakerEventWords validates a log carrying an indexed staker and three
// uint256 data words, and returns the words.
func stakerEventWords(log types.Log, event common.Hash) ([3]*big.Int, error) {
	var words [3]*big.Int
	if len(log.Topics) != 2 || log.Topics[0] != event {
		return words, fmt.Errorf("%w: unexpected topics in tx %s", ErrMalformedLog, log.TxHash.Hex())
	}
	if len(log.Data) != 96 {
		return words, fmt.Errorf("%w: got %d data bytes in tx %s", ErrMalformedLog, len(log.Data), log.TxHash.Hex())
	}
	for i := range words {
		words[i] = new(big.Int).SetBytes(log.Data[i*32 : (i+1)*32])
	}
	return words, nil
}

// ordered returns logs sorted by block and log index without modifying the input.
func ordered(logs []types.Log) []types.Log {
	out := make([]types.Log, len(logs))
	copy(out, logs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out
}
