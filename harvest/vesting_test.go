package harvest

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimablePercent(t *testing.T) {
	t0 := time.Unix(1_600_000_000, 0)
	day := 24 * time.Hour

	testCases := []struct {
		name     string
		now      time.Time
		interval time.Duration
		step     int64
		want     int64
	}{
		{name: "Happy Path - three intervals elapsed", now: t0.Add(3 * day), interval: day, step: 10, want: 30},
		{name: "Happy Path - partial interval rounds down", now: t0.Add(3*day + 23*time.Hour), interval: day, step: 10, want: 30},
		{name: "Edge Case - just created", now: t0, interval: day, step: 10, want: 0},
		{name: "Edge Case - capped after ten intervals", now: t0.Add(400 * day), interval: day, step: 10, want: 100},
		{name: "Edge Case - cap follows step size", now: t0.Add(400 * day), interval: day, step: 5, want: 50},
		{name: "Edge Case - chunk from the future", now: t0.Add(-time.Hour), interval: day, step: 10, want: 0},
		{name: "Edge Case - zero interval", now: t0.Add(3 * day), interval: 0, step: 10, want: 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClaimablePercent(tc.now, t0, tc.interval, tc.step))
		})
	}
}

func TestClaimablePercent_NonDecreasing(t *testing.T) {
	t0 := time.Unix(1_600_000_000, 0)
	prev := int64(0)
	for h := 0; h < 24*15; h++ {
		p := ClaimablePercent(t0.Add(time.Duration(h)*time.Hour), t0, 24*time.Hour, 10)
		assert.GreaterOrEqual(t, p, prev)
		assert.LessOrEqual(t, p, int64(100))
		prev = p
	}
}

func TestClaimableAmount(t *testing.T) {
	assert.Equal(t, "300", ClaimableAmount(big.NewInt(1000), 30).String())
	assert.Equal(t, "333", ClaimableAmount(big.NewInt(1111), 30).String())
	assert.Equal(t, "0", ClaimableAmount(nil, 30).String())
}

func TestSchedule(t *testing.T) {
	testCases := []struct {
		name     string
		step     *big.Int
		interval *big.Int
		wantStep int64
		wantIntv time.Duration
		wantErr  bool
	}{
		{name: "Happy Path - daily ten percent", step: big.NewInt(10), interval: big.NewInt(86400), wantStep: 10, wantIntv: 24 * time.Hour},
		{name: "Edge Case - whole chunk in one step", step: big.NewInt(100), interval: big.NewInt(1), wantStep: 100, wantIntv: time.Second},
		{name: "Error Case - step above one hundred", step: big.NewInt(101), interval: big.NewInt(86400), wantErr: true},
		{name: "Error Case - negative step", step: big.NewInt(-1), interval: big.NewInt(86400), wantErr: true},
		{name: "Error Case - step beyond int64", step: new(big.Int).Lsh(big.NewInt(1), 64), interval: big.NewInt(86400), wantErr: true},
		{name: "Error Case - zero interval", step: big.NewInt(10), interval: big.NewInt(0), wantErr: true},
		{name: "Error Case - interval overflows a duration", step: big.NewInt(10), interval: big.NewInt(math.MaxInt64/int64(time.Second) + 1), wantErr: true},
		{name: "Error Case - interval beyond int64", step: big.NewInt(10), interval: new(big.Int).Lsh(big.NewInt(1), 70), wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			step, interval, err := Schedule(tc.step, tc.interval)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrOutOfRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantStep, step)
			assert.Equal(t, tc.wantIntv, interval)
		})
	}
}
