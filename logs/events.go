// Package logs decodes the farm and presale events and builds the filter
// queries that fetch them.
package logs

import (
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Iwinswap/iwinswap-farm-sync/abi"
)

var (
	HarvestChunkAddedEvent   = abi.FarmABI.Events["HarvestChunkAdded"].ID
	RewardClaimedEvent       = abi.FarmABI.Events["RewardClaimed"].ID
	InvestmentSucceededEvent = abi.PresaleABI.Events["InvestmentSucceeded"].ID
)

// HarvestChunksQuery selects every HarvestChunkAdded event of staker on farm
// from genesis to the latest block.
func HarvestChunksQuery(farm, staker common.Address) ethereum.FilterQuery {
	return stakerQuery(farm, HarvestChunkAddedEvent, staker)
}

// RewardClaimsQuery selects every RewardClaimed event of staker on farm.
func RewardClaimsQuery(farm, staker common.Address) ethereum.FilterQuery {
	return stakerQuery(farm, RewardClaimedEvent, staker)
}

// InvestmentsQuery selects InvestmentSucceeded events of presale.
func InvestmentsQuery(presale common.Address) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{presale},
		Topics:    [][]common.Hash{{InvestmentSucceededEvent}},
	}
}

func stakerQuery(farm common.Address, event common.Hash, staker common.Address) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{farm},
		Topics:    [][]common.Hash{{event}, {common.BytesToHash(staker.Bytes())}},
	}
}
