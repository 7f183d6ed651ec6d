package harvest

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/Iwinswap/iwinswap-farm-sync/amount"
)

// ErrOutOfRange is returned when the farm reports a vesting schedule that
// cannot be represented.
var ErrOutOfRange = errors.New("vesting schedule out of range")

// VestingSteps is the number of harvest intervals after which a chunk is
// fully unlocked.
const VestingSteps = 10

// ClaimablePercent is min(10, floor(elapsed / interval)) * step, where
// elapsed is the time since the chunk was created. A chunk from the future or
// a zero interval unlocks nothing.
func ClaimablePercent(now, created time.Time, interval time.Duration, stepPercent int64) int64 {
	if interval <= 0 || stepPercent <= 0 {
		return 0
	}
	elapsed := now.Sub(created)
	if elapsed < 0 {
		return 0
	}
	steps := int64(elapsed / interval)
	if steps > VestingSteps {
		steps = VestingSteps
	}
	return steps * stepPercent
}

// ClaimableAmount is floor(total * percent / 100).
func ClaimableAmount(total *big.Int, percent int64) *big.Int {
	return amount.ShareOf(total, big.NewInt(percent))
}

// Schedule converts the farm's HARVEST_STEP and HARVEST_INTERVAL values. The
// step is a percentage in [0, 100] and the interval a positive number of
// seconds that fits a time.Duration.
func Schedule(step, interval *big.Int) (int64, time.Duration, error) {
	if step == nil || !step.IsInt64() || step.Sign() < 0 || step.Int64() > 100 {
		return 0, 0, fmt.Errorf("%w: step %v", ErrOutOfRange, step)
	}
	if interval == nil || !interval.IsInt64() || interval.Sign() <= 0 || interval.Int64() > math.MaxInt64/int64(time.Second) {
		return 0, 0, fmt.Errorf("%w: interval %v", ErrOutOfRange, interval)
	}
	return step.Int64(), time.Duration(interval.Int64()) * time.Second, nil
}
