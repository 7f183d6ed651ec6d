package logs

import (
	"github.com/ethereum/go-ethereum/core/types"
)

// HarvestEventInBloom reports whether a receipt bloom may contain a
// HarvestChunkAdded or RewardClaimed event, i.e. whether the harvest history
// needs reloading after the transaction.
func HarvestEventInBloom(bloom types.Bloom) bool {
	return bloom.Test(HarvestChunkAddedEvent.Bytes()) || bloom.Test(RewardClaimedEvent.Bytes())
}
