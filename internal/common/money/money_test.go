package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSubCurrencyMismatch(t *testing.T) {
	a := New(1000, USD)
	b := New(250, EUR)

	_, err := a.Add(b)
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = a.Sub(b)
	require.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestSum(t *testing.T) {
	total, err := Sum(New(100, USD), New(200, USD), New(300, USD))
	require.NoError(t, err)
	assert.Equal(t, int64(600), total.AmountMinor)

	_, err = Sum(New(100, USD), New(200, GBP))
	require.Error(t, err)
}

func TestNewRateFromDecimal(t *testing.T) {
	r, err := NewRateFromDecimal(0.15)
	require.NoError(t, err)
	assert.Equal(t, Rate(1500), r)

	_, err = NewRateFromDecimal(1.5)
	require.Error(t, err)

	_, err = NewRateFromDecimal(-0.1)
	require.Error(t, err)
}

func TestApplyRate(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		rate   Rate
		want   int64
	}{
		{"fifteen percent of 100.00", 10000, 1500, 1500},
		{"ten percent of 9.99", 999, 1000, 100}, // 99.9 rounds to 100
		{"zero rate", 10000, 0, 0},
		{"full rate", 10000, RateScale, 10000},
		// Half-even cases: 0.5 minor units round to the even neighbour.
		{"half rounds down to even", 25, 1000, 2},  // 2.5 -> 2
		{"half rounds up to even", 35, 1000, 4},    // 3.5 -> 4
		{"half rounds down to even 2", 45, 1000, 4}, // 4.5 -> 4
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.amount, USD).ApplyRate(tt.rate)
			assert.Equal(t, tt.want, got.AmountMinor)
			assert.Equal(t, USD, got.Currency)
		})
	}
}

func TestApplyRatePlusRemainderConsistent(t *testing.T) {
	// Commission + net entitlement must always re-add to the gross amount.
	gross := New(123457, USD)
	for _, r := range []Rate{1, 250, 1500, 3333, 9999} {
		commission := gross.ApplyRate(r)
		net := gross.MustSub(commission)
		assert.Equal(t, gross.AmountMinor, commission.AmountMinor+net.AmountMinor)
	}
}
