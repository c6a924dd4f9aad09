package commission

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vendorpay/internal/common/database"
	"vendorpay/internal/common/events"
	"vendorpay/internal/common/money"
)

type fakeStore struct {
	commissions   map[string]*Commission // by ID
	byOrder       map[string]*Commission // by orderID|vendorID
	rules         []CategoryRule
	flagged       []string
	getByOrderErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		commissions: make(map[string]*Commission),
		byOrder:     make(map[string]*Commission),
	}
}

func orderKey(orderID, vendorID string) string { return orderID + "|" + vendorID }

func (s *fakeStore) RecordCommission(_ context.Context, c *Commission) error {
	key := orderKey(c.OrderID, c.VendorID)
	if existing, ok := s.byOrder[key]; ok && existing.Status != StatusCancelled {
		return ErrDuplicateCommission
	}
	s.commissions[c.ID] = c
	s.byOrder[key] = c
	return nil
}

func (s *fakeStore) GetCommission(_ context.Context, id string) (*Commission, error) {
	c, ok := s.commissions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) GetByOrder(_ context.Context, orderID, vendorID string) (*Commission, error) {
	if s.getByOrderErr != nil {
		return nil, s.getByOrderErr
	}
	c, ok := s.byOrder[orderKey(orderID, vendorID)]
	if !ok || c.Status == StatusCancelled {
		return nil, database.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) ListUnpaid(_ context.Context, vendorID string, asOf time.Time) ([]*Commission, error) {
	var out []*Commission
	for _, c := range s.commissions {
		if c.VendorID == vendorID && c.Status == StatusCalculated && !c.CalculatedAt.After(asOf) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) ListByPayout(_ context.Context, payoutID string) ([]*Commission, error) {
	var out []*Commission
	for _, c := range s.commissions {
		if c.PayoutID != nil && *c.PayoutID == payoutID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) ListCommissions(_ context.Context, _ ListFilter) ([]*Commission, int64, error) {
	return nil, 0, nil
}

func (s *fakeStore) CancelForOrder(_ context.Context, orderID, vendorID string) (*Commission, error) {
	c, ok := s.byOrder[orderKey(orderID, vendorID)]
	if !ok || c.Status != StatusCalculated {
		return nil, nil
	}
	c.Status = StatusCancelled
	return c, nil
}

func (s *fakeStore) CreateRateRule(_ context.Context, rule *CategoryRule) error {
	s.rules = append(s.rules, *rule)
	return nil
}

func (s *fakeStore) ListRateRules(_ context.Context) ([]CategoryRule, error) {
	return s.rules, nil
}

func (s *fakeStore) FlagOrder(_ context.Context, orderID, _ string, _ int64, _, _ string) error {
	s.flagged = append(s.flagged, orderID)
	return nil
}

type fakePublisher struct {
	events []*events.Event
}

func (p *fakePublisher) Publish(_ context.Context, event *events.Event) error {
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) typesSeen() []string {
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeProfiles struct {
	profiles map[string]RateProfile
}

func (f *fakeProfiles) RateProfile(_ context.Context, vendorID string) (RateProfile, error) {
	p, ok := f.profiles[vendorID]
	if !ok {
		return RateProfile{}, database.ErrNotFound
	}
	return p, nil
}

func newTestLedger(t *testing.T, store *fakeStore, pub *fakePublisher) *Ledger {
	t.Helper()

	resolver := NewResolver(NewRateTable(nil, nil, ratePtr(1000)))
	calc := NewCalculator(resolver)
	profiles := &fakeProfiles{profiles: map[string]RateProfile{
		"v-1": {VendorID: "v-1"},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewLedger(store, calc, resolver, profiles, pub, nil, ratePtr(1000), logger)
}

func settledOrder(orderID string, gross int64) OrderSettlement {
	return OrderSettlement{
		OrderID:   orderID,
		VendorID:  "v-1",
		Gross:     money.New(gross, money.USD),
		SettledAt: time.Now().UTC(),
	}
}

func TestHandleOrderSettledAccrues(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	ledger := newTestLedger(t, store, pub)

	c, err := ledger.HandleOrderSettled(context.Background(), settledOrder("o-1", 10000))
	require.NoError(t, err)

	assert.Equal(t, StatusCalculated, c.Status)
	assert.Equal(t, int64(1000), c.Amount.AmountMinor)
	assert.Equal(t, int64(9000), c.Net.AmountMinor)
	assert.Contains(t, pub.typesSeen(), events.EventCommissionAccrued)
}

func TestHandleOrderSettledDuplicateIsNoOp(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	ledger := newTestLedger(t, store, pub)

	first, err := ledger.HandleOrderSettled(context.Background(), settledOrder("o-1", 10000))
	require.NoError(t, err)

	second, err := ledger.HandleOrderSettled(context.Background(), settledOrder("o-1", 10000))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.commissions, 1)
}

func TestHandleOrderSettledDuplicateLookupFailure(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	ledger := newTestLedger(t, store, pub)

	_, err := ledger.HandleOrderSettled(context.Background(), settledOrder("o-1", 10000))
	require.NoError(t, err)

	// The duplicate insert is absorbed, but the read-back fails. Callers get
	// an error, never a nil commission with a nil error.
	store.getByOrderErr = assert.AnError

	c, err := ledger.HandleOrderSettled(context.Background(), settledOrder("o-1", 10000))
	require.Error(t, err)
	assert.Nil(t, c)
	assert.Len(t, store.commissions, 1)
}

func TestHandleOrderSettledInvalidAmountFlags(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	ledger := newTestLedger(t, store, pub)

	_, err := ledger.HandleOrderSettled(context.Background(), settledOrder("o-1", -500))
	require.ErrorIs(t, err, ErrInvalidAmount)

	assert.Contains(t, store.flagged, "o-1")
	assert.Contains(t, pub.typesSeen(), events.EventCommissionFlagged)
	assert.Empty(t, store.commissions)
}

func TestHandleOrderReversedCancels(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	ledger := newTestLedger(t, store, pub)

	c, err := ledger.HandleOrderSettled(context.Background(), settledOrder("o-1", 10000))
	require.NoError(t, err)

	err = ledger.HandleOrderReversed(context.Background(), "o-1", "v-1", "buyer refund")
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, c.Status)
	assert.Contains(t, pub.typesSeen(), events.EventCommissionCancelled)
}

func TestHandleOrderReversedAfterReservationAlerts(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	ledger := newTestLedger(t, store, pub)

	c, err := ledger.HandleOrderSettled(context.Background(), settledOrder("o-1", 10000))
	require.NoError(t, err)
	c.Status = StatusReserved

	err = ledger.HandleOrderReversed(context.Background(), "o-1", "v-1", "buyer refund")
	require.NoError(t, err)

	// Not cancellable in place: the money is already committed to a payout.
	assert.Equal(t, StatusReserved, c.Status)
	assert.Contains(t, pub.typesSeen(), events.EventOperatorAlert)
}

func TestHandleOrderReversedWithoutSettlement(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	ledger := newTestLedger(t, store, pub)

	err := ledger.HandleOrderReversed(context.Background(), "o-missing", "v-1", "buyer refund")
	require.NoError(t, err)

	// No commission was ever recorded, so there is nothing to review.
	assert.NotContains(t, pub.typesSeen(), events.EventOperatorAlert)
}

func TestSetRateRuleReloadsResolver(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	ledger := newTestLedger(t, store, pub)

	effectiveFrom := time.Now().UTC().Add(-time.Hour)
	rule, err := ledger.SetRateRule(context.Background(), "v-1", "electronics", money.Rate(500), effectiveFrom, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)

	// The new rule is observed by the next accrual.
	order := settledOrder("o-1", 10000)
	order.CategoryIDs = []string{"electronics"}

	c, err := ledger.HandleOrderSettled(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, money.Rate(500), c.Rate)
	assert.Equal(t, int64(500), c.Amount.AmountMinor)
}

func TestSetRateRuleRejectsBadInput(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(t, store, &fakePublisher{})

	now := time.Now().UTC()

	_, err := ledger.SetRateRule(context.Background(), "v-1", "c-1", money.Rate(20000), now, nil)
	require.Error(t, err)

	before := now.Add(-time.Hour)
	_, err = ledger.SetRateRule(context.Background(), "v-1", "c-1", money.Rate(500), now, &before)
	require.Error(t, err)
}
