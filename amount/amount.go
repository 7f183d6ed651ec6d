// Package amount converts between human decimal strings and on-chain base
// units, and implements the integer share math used by the farm views.
// Values stay exact (*big.Int) everywhere; floats appear only at the
// presentation boundary through ToFloat.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrEmpty          = errors.New("amount is empty")
	ErrInvalid        = errors.New("amount is not a decimal number")
	ErrNegative       = errors.New("amount is negative")
	ErrTooPrecise     = errors.New("amount has more fractional digits than the token supports")
	ErrNonPositive    = errors.New("amount must be greater than zero")
	ErrExceedsBalance = errors.New("amount exceeds available balance")
)

// MaxUint256 is the allowance granted by unlimited approvals.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// EtherDecimals is the precision of ETH, $UP and the farm LP tokens.
const EtherDecimals = 18

var hundred = big.NewInt(100)

// ParseUnits converts a human decimal string such as "1.5" into base units of
// a token with the given decimals.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q", ErrNegative, s)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: %q with %d decimals", ErrTooPrecise, s, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatUnits renders base units as the shortest exact decimal string.
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// ToFloat converts base units to a float for display only.
func ToFloat(v *big.Int, decimals uint8) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).InexactFloat64()
}

// SharePercent is floor(100 * yours / total), or 0 when total is zero.
func SharePercent(yours, total *big.Int) *big.Int {
	if total == nil || total.Sign() <= 0 || yours == nil {
		return new(big.Int)
	}
	n := new(big.Int).Mul(yours, hundred)
	return n.Quo(n, total)
}

// ShareOf is floor(value * percent / 100).
func ShareOf(value, percent *big.Int) *big.Int {
	if value == nil || percent == nil {
		return new(big.Int)
	}
	n := new(big.Int).Mul(value, percent)
	return n.Quo(n, hundred)
}

// Percent is 100 * part / whole rounded half up, or 0 when whole is zero.
func Percent(part, whole *big.Int) int64 {
	if whole == nil || whole.Sign() <= 0 || part == nil {
		return 0
	}
	twice := new(big.Int).Lsh(whole, 1)
	n := new(big.Int).Mul(part, big.NewInt(200))
	n.Add(n, whole)
	return n.Quo(n, twice).Int64()
}

// ValidateSpend checks that v is positive and no larger than balance.
func ValidateSpend(v, balance *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return ErrNonPositive
	}
	if balance == nil || v.Cmp(balance) > 0 {
		return ErrExceedsBalance
	}
	return nil
}
