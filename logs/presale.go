package logs

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// InvestmentSucceeded is emitted for every accepted presale contribution.
// Neither field is indexed, so both live in the data section.
type InvestmentSucceeded struct {
	Sender    common.Address
	WeiAmount *big.Int
}

// DecodeInvestmentSucceeded parses one InvestmentSucceeded log.
func DecodeInvestmentSucceeded(log types.Log) (InvestmentSucceeded, error) {
	if len(log.Topics) != 1 || log.Topics[0] != InvestmentSucceededEvent {
		return InvestmentSucceeded{}, fmt.Errorf("%w: unexpected topics in tx %s", ErrMalformedLog, log.TxHash.Hex())
	}
	if len(log.Data) != 64 {
		return InvestmentSucceeded{}, fmt.Errorf("%w: got %d data bytes in tx %s", ErrMalformedLog, len(log.Data), log.TxHash.Hex())
	}
	return InvestmentSucceeded{
		Sender:    common.BytesToAddress(log.Data[:32]),
		WeiAmount: new(big.Int).SetBytes(log.Data[32:64]),
	}, nil
}
