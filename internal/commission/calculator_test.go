package commission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vendorpay/internal/common/money"
)

func newTestCalculator(defaultBps int64) *Calculator {
	return NewCalculator(NewResolver(NewRateTable(nil, nil, ratePtr(defaultBps))))
}

func TestCalculateSplitsGross(t *testing.T) {
	calc := newTestCalculator(1000) // 10%

	order := OrderSettlement{
		OrderID:   "o-1",
		VendorID:  "v-1",
		Gross:     money.New(10000, money.USD),
		SettledAt: time.Now(),
	}

	result, err := calc.Calculate(order, RateProfile{VendorID: "v-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(1000), result.Commission.AmountMinor)
	assert.Equal(t, int64(9000), result.Net.AmountMinor)
	assert.Equal(t, rate(1000), result.Rate)
}

func TestCalculateConservation(t *testing.T) {
	calc := newTestCalculator(1250) // awkward 12.5%

	for _, gross := range []int64{1, 7, 99, 999, 12345, 1000001} {
		order := OrderSettlement{
			OrderID:   "o-1",
			VendorID:  "v-1",
			Gross:     money.New(gross, money.EUR),
			SettledAt: time.Now(),
		}

		result, err := calc.Calculate(order, RateProfile{VendorID: "v-1"})
		require.NoError(t, err)
		assert.Equal(t, gross, result.Commission.AmountMinor+result.Net.AmountMinor,
			"commission and net must re-add to gross for %d", gross)
	}
}

func TestCalculateRejectsNonPositiveGross(t *testing.T) {
	calc := newTestCalculator(1000)

	for _, gross := range []int64{0, -500} {
		order := OrderSettlement{
			OrderID:   "o-1",
			VendorID:  "v-1",
			Gross:     money.New(gross, money.USD),
			SettledAt: time.Now(),
		}

		_, err := calc.Calculate(order, RateProfile{VendorID: "v-1"})
		require.ErrorIs(t, err, ErrInvalidAmount)
	}
}

func TestCalculateDeterministic(t *testing.T) {
	calc := newTestCalculator(777)

	order := OrderSettlement{
		OrderID:   "o-1",
		VendorID:  "v-1",
		Gross:     money.New(31337, money.GBP),
		SettledAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	first, err := calc.Calculate(order, RateProfile{VendorID: "v-1"})
	require.NoError(t, err)
	second, err := calc.Calculate(order, RateProfile{VendorID: "v-1"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
