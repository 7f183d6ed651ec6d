package farm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Iwinswap/iwinswap-farm-sync/chain"
)

// PriceOracle quotes tokens in WETH.
type PriceOracle interface {
	TokenPricesInWETH(ctx context.Context, client chain.Client, tokens ...common.Address) ([]*big.Rat, error)
	LPTokenPriceInWETH(ctx context.Context, client chain.Client, pair common.Address) (*big.Rat, error)
}

var daysPerYearTimesHundred = big.NewInt(365 * 100)

// UnitMultiplier is the value of one reward token expressed in staked
// tokens: the reward price divided by the price of the staked token.
func UnitMultiplier(ctx context.Context, oracle PriceOracle, client chain.Client, kind Kind, rewardToken, farmToken common.Address) (*big.Rat, error) {
	switch kind {
	case KindUP:
		return big.NewRat(1, 1), nil
	case KindWETH:
		prices, err := oracle.TokenPricesInWETH(ctx, client, rewardToken)
		if err != nil {
			return nil, err
		}
		return prices[0], nil
	case KindWBTC:
		prices, err := oracle.TokenPricesInWETH(ctx, client, rewardToken, farmToken)
		if err != nil {
			return nil, err
		}
		if prices[1].Sign() == 0 {
			return new(big.Rat), nil
		}
		return new(big.Rat).Quo(prices[0], prices[1]), nil
	case KindUPETH:
		prices, err := oracle.TokenPricesInWETH(ctx, client, rewardToken)
		if err != nil {
			return nil, err
		}
		lp, err := oracle.LPTokenPriceInWETH(ctx, client, farmToken)
		if err != nil {
			return nil, err
		}
		if lp.Sign() == 0 {
			return new(big.Rat), nil
		}
		return new(big.Rat).Quo(prices[0], lp), nil
	default:
		return nil, ErrUnknownKind
	}
}

// ComputeAPY is min(maxAPY, dailyReward*365*100*multiplier/totalStaked) with
// both amounts normalised by their token decimals. An empty farm pays maxAPY.
func ComputeAPY(maxAPY float64, dailyReward *big.Int, rewardDecimals uint8, totalStaked *big.Int, stakeDecimals uint8, multiplier *big.Rat) float64 {
	if totalStaked == nil || totalStaked.Sign() <= 0 {
		return maxAPY
	}
	if dailyReward == nil || multiplier == nil {
		return 0
	}
	num := new(big.Int).Mul(dailyReward, daysPerYearTimesHundred)
	num.Mul(num, pow10(stakeDecimals))
	den := new(big.Int).Mul(totalStaked, pow10(rewardDecimals))

	apy := new(big.Rat).SetFrac(num, den)
	apy.Mul(apy, multiplier)
	if apy.Cmp(new(big.Rat).SetFloat64(maxAPY)) >= 0 {
		return maxAPY
	}
	f, _ := apy.Float64()
	return f
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
