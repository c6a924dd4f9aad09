package payout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vendorpay/internal/commission"
	"vendorpay/internal/common/events"
	"vendorpay/internal/common/money"
)

func newTestScheduler(store *memStore, vendors *fakeVendors, pub *capturingPublisher) *Scheduler {
	return NewScheduler(store, vendors, store, pub, SchedulerConfig{
		BatchSize:  100,
		Workers:    2,
		MaxRetries: 3,
	}, discardLogger())
}

func TestRunOnceSchedulesDueVendor(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.addCommission("c-1", "v-1", 500)
	store.addCommission("c-2", "v-1", 500)
	store.addCommission("c-3", "v-1", 500)

	vendors := newFakeVendors(weeklyPolicy("v-1", 1000, now))
	pub := &capturingPublisher{}
	s := newTestScheduler(store, vendors, pub)

	require.NoError(t, s.RunOnce(context.Background(), now))

	p := store.single()
	require.NotNil(t, p, "a payout should have been created")
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, int64(1500), p.Amount.AmountMinor)
	assert.Len(t, p.Metadata.CommissionIDs, 3)
	assert.Equal(t, CreatedByScheduler, p.Metadata.CreatedBy)

	for _, id := range []string{"c-1", "c-2", "c-3"} {
		assert.Equal(t, commission.StatusReserved, store.commissionStatus(id))
	}

	next, ok := vendors.advancedTo("v-1")
	require.True(t, ok, "cadence should advance after a successful reservation")
	assert.Equal(t, now.AddDate(0, 0, 7), next)

	assert.Contains(t, pub.typesSeen(), events.EventPayoutCreated)
}

func TestRunOnceBelowThresholdSkips(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	store.addCommission("c-1", "v-1", 400)

	vendors := newFakeVendors(weeklyPolicy("v-1", 500, now))
	s := newTestScheduler(store, vendors, &capturingPublisher{})

	require.NoError(t, s.RunOnce(context.Background(), now))

	assert.Nil(t, store.single(), "no payout below the minimum")
	assert.Equal(t, commission.StatusCalculated, store.commissionStatus("c-1"))

	_, advanced := vendors.advancedTo("v-1")
	assert.False(t, advanced, "a skipped vendor stays due")
}

func TestRunOnceNothingUnpaid(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	vendors := newFakeVendors(weeklyPolicy("v-1", 500, now))
	s := newTestScheduler(store, vendors, &capturingPublisher{})

	require.NoError(t, s.RunOnce(context.Background(), now))

	assert.Nil(t, store.single())
	_, advanced := vendors.advancedTo("v-1")
	assert.False(t, advanced)
}

func TestRunOnceReservationLostToConcurrentRun(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	store.addCommission("c-1", "v-1", 1500)
	// Another run already reserved the commission.
	store.commissions["c-1"].status = commission.StatusReserved

	vendors := newFakeVendors(weeklyPolicy("v-1", 500, now))
	s := newTestScheduler(store, vendors, &capturingPublisher{})

	require.NoError(t, s.RunOnce(context.Background(), now))

	assert.Nil(t, store.single())
	_, advanced := vendors.advancedTo("v-1")
	assert.False(t, advanced, "losing the reservation must not advance the cadence")
}

func TestManualPayoutBypassesThreshold(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	store.addCommission("c-1", "v-1", 1500)

	vendors := newFakeVendors(weeklyPolicy("v-1", 100000, now.AddDate(0, 0, 3)))
	pub := &capturingPublisher{}
	s := newTestScheduler(store, vendors, pub)

	p, err := s.RequestManualPayout(context.Background(), "v-1", nil, "op-7")
	require.NoError(t, err)

	assert.Equal(t, int64(1500), p.Amount.AmountMinor)
	assert.Equal(t, CreatedByOperator, p.Metadata.CreatedBy)
	assert.Equal(t, commission.StatusReserved, store.commissionStatus("c-1"))

	_, advanced := vendors.advancedTo("v-1")
	assert.False(t, advanced, "manual payouts do not touch the cadence")
}

func TestManualPayoutRespectsMaxAmount(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	store.addCommission("c-1", "v-1", 500)
	store.addCommission("c-2", "v-1", 500)
	store.addCommission("c-3", "v-1", 500)

	vendors := newFakeVendors(weeklyPolicy("v-1", 0, now))
	s := newTestScheduler(store, vendors, &capturingPublisher{})

	maxAmount := money.New(1000, money.USD)
	p, err := s.RequestManualPayout(context.Background(), "v-1", &maxAmount, "op-7")
	require.NoError(t, err)

	assert.Equal(t, int64(1000), p.Amount.AmountMinor)
	assert.Len(t, p.Metadata.CommissionIDs, 2, "oldest commissions first, capped")
	assert.Equal(t, commission.StatusCalculated, store.commissionStatus("c-3"),
		"the commission over the cap stays unpaid")
}

func TestManualPayoutRejectsMismatchedCapCurrency(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	store.addCommission("c-1", "v-1", 500)
	store.addCommission("c-2", "v-1", 500)
	store.addCommission("c-3", "v-1", 500)

	vendors := newFakeVendors(weeklyPolicy("v-1", 0, now))
	s := newTestScheduler(store, vendors, &capturingPublisher{})

	// A cap in the wrong currency cannot silently pass as unlimited.
	maxAmount := money.New(1000, money.EUR)
	_, err := s.RequestManualPayout(context.Background(), "v-1", &maxAmount, "op-7")
	require.ErrorIs(t, err, money.ErrCurrencyMismatch)

	assert.Nil(t, store.single(), "no payout on a mismatched cap")
	for _, id := range []string{"c-1", "c-2", "c-3"} {
		assert.Equal(t, commission.StatusCalculated, store.commissionStatus(id))
	}
}

func TestRunOnceMismatchedMinimumCurrencySkips(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	store.addCommission("c-1", "v-1", 1500)

	policy := weeklyPolicy("v-1", 500, now)
	policy.MinimumPayout = money.New(500, money.EUR)
	vendors := newFakeVendors(policy)
	s := newTestScheduler(store, vendors, &capturingPublisher{})

	require.NoError(t, s.RunOnce(context.Background(), now))

	assert.Nil(t, store.single(), "a threshold that cannot be compared must not pay out")
	assert.Equal(t, commission.StatusCalculated, store.commissionStatus("c-1"))
	_, advanced := vendors.advancedTo("v-1")
	assert.False(t, advanced)
}

func TestManualPayoutNothingUnpaid(t *testing.T) {
	now := time.Now().UTC()
	store := newMemStore()
	vendors := newFakeVendors(weeklyPolicy("v-1", 0, now))
	s := newTestScheduler(store, vendors, &capturingPublisher{})

	_, err := s.RequestManualPayout(context.Background(), "v-1", nil, "op-7")
	require.ErrorIs(t, err, ErrNothingUnpaid)
}
