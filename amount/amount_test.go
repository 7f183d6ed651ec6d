package amount

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBigIntFromString(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(fmt.Sprintf("failed to parse big int string for test setup: %s", s))
	}
	return n
}

func TestParseUnits(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		decimals uint8
		want     string
		wantErr  error
	}{
		{name: "Happy Path - whole ether", input: "1", decimals: 18, want: "1000000000000000000"},
		{name: "Happy Path - fractional ether", input: "1.5", decimals: 18, want: "1500000000000000000"},
		{name: "Happy Path - one wei", input: "0.000000000000000001", decimals: 18, want: "1"},
		{name: "Happy Path - wbtc precision", input: "0.12345678", decimals: 8, want: "12345678"},
		{name: "Happy Path - trailing zeros beyond precision", input: "2.50000000000000000000", decimals: 18, want: "2500000000000000000"},
		{name: "Edge Case - zero", input: "0", decimals: 18, want: "0"},
		{name: "Edge Case - surrounding whitespace", input: " 3 ", decimals: 0, want: "3"},
		{name: "Error Case - empty", input: "  ", decimals: 18, wantErr: ErrEmpty},
		{name: "Error Case - not a number", input: "abc", decimals: 18, wantErr: ErrInvalid},
		{name: "Error Case - negative", input: "-1", decimals: 18, wantErr: ErrNegative},
		{name: "Error Case - too precise", input: "0.123456789", decimals: 8, wantErr: ErrTooPrecise},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseUnits(tc.input, tc.decimals)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestFormatUnits_RoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1", "1.5", "0.000000000000000001", "123456789.987654321", "400"} {
		v, err := ParseUnits(s, 18)
		require.NoError(t, err)
		assert.Equal(t, s, FormatUnits(v, 18), "round trip of %s", s)
	}
	assert.Equal(t, "0", FormatUnits(nil, 18))
	assert.Equal(t, "0.5", FormatUnits(big.NewInt(50000000), 8))
}

func TestToFloat(t *testing.T) {
	assert.InDelta(t, 1.5, ToFloat(newBigIntFromString("1500000000000000000"), 18), 1e-12)
	assert.Equal(t, 0.0, ToFloat(nil, 18))
}

func TestShareMath(t *testing.T) {
	t.Run("Happy Path - stake share and daily reward", func(t *testing.T) {
		share := SharePercent(newBigIntFromString("250000000000000000000"), newBigIntFromString("1000000000000000000000"))
		assert.Equal(t, int64(25), share.Int64())

		daily := ShareOf(newBigIntFromString("1000000000000000000000"), share)
		assert.Equal(t, "250000000000000000000", daily.String())
	})

	t.Run("Edge Case - share floors", func(t *testing.T) {
		assert.Equal(t, int64(33), SharePercent(big.NewInt(1), big.NewInt(3)).Int64())
		assert.Equal(t, int64(3), ShareOf(big.NewInt(10), big.NewInt(33)).Int64())
	})

	t.Run("Edge Case - zero total", func(t *testing.T) {
		assert.Equal(t, 0, SharePercent(big.NewInt(5), big.NewInt(0)).Sign())
		assert.Equal(t, 0, SharePercent(big.NewInt(5), nil).Sign())
	})
}

func TestPercent(t *testing.T) {
	assert.Equal(t, int64(33), Percent(big.NewInt(1), big.NewInt(3)))
	assert.Equal(t, int64(67), Percent(big.NewInt(2), big.NewInt(3)))
	assert.Equal(t, int64(50), Percent(big.NewInt(1), big.NewInt(2)))
	assert.Equal(t, int64(100), Percent(big.NewInt(7), big.NewInt(7)))
	assert.Equal(t, int64(0), Percent(big.NewInt(7), big.NewInt(0)))
}

func TestValidateSpend(t *testing.T) {
	balance := big.NewInt(100)
	assert.NoError(t, ValidateSpend(big.NewInt(100), balance))
	assert.NoError(t, ValidateSpend(big.NewInt(1), balance))
	assert.ErrorIs(t, ValidateSpend(big.NewInt(0), balance), ErrNonPositive)
	assert.ErrorIs(t, ValidateSpend(big.NewInt(-1), balance), ErrNonPositive)
	assert.ErrorIs(t, ValidateSpend(nil, balance), ErrNonPositive)
	assert.ErrorIs(t, ValidateSpend(big.NewInt(101), balance), ErrExceedsBalance)
}

func TestMaxUint256(t *testing.T) {
	assert.Equal(t, 256, MaxUint256.BitLen())
	assert.Equal(t, "115792089237316195423570985008687907853269984665640564039457584007913129639935", MaxUint256.String())
}
