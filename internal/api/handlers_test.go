package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vendorpay/internal/commission"
	"vendorpay/internal/common/database"
	"vendorpay/internal/common/events"
	"vendorpay/internal/common/money"
)

type stubCommissionStore struct {
	recorded []*commission.Commission
	flagged  []string
}

func (s *stubCommissionStore) RecordCommission(_ context.Context, c *commission.Commission) error {
	s.recorded = append(s.recorded, c)
	return nil
}

func (s *stubCommissionStore) GetCommission(_ context.Context, _ string) (*commission.Commission, error) {
	return nil, database.ErrNotFound
}

func (s *stubCommissionStore) GetByOrder(_ context.Context, _, _ string) (*commission.Commission, error) {
	return nil, database.ErrNotFound
}

func (s *stubCommissionStore) ListUnpaid(_ context.Context, _ string, _ time.Time) ([]*commission.Commission, error) {
	return nil, nil
}

func (s *stubCommissionStore) ListByPayout(_ context.Context, _ string) ([]*commission.Commission, error) {
	return nil, nil
}

func (s *stubCommissionStore) ListCommissions(_ context.Context, _ commission.ListFilter) ([]*commission.Commission, int64, error) {
	return nil, 0, nil
}

func (s *stubCommissionStore) CancelForOrder(_ context.Context, _, _ string) (*commission.Commission, error) {
	return nil, nil
}

func (s *stubCommissionStore) CreateRateRule(_ context.Context, _ *commission.CategoryRule) error {
	return nil
}

func (s *stubCommissionStore) ListRateRules(_ context.Context) ([]commission.CategoryRule, error) {
	return nil, nil
}

func (s *stubCommissionStore) FlagOrder(_ context.Context, orderID, _ string, _ int64, _, _ string) error {
	s.flagged = append(s.flagged, orderID)
	return nil
}

type stubProfiles struct{}

func (stubProfiles) RateProfile(_ context.Context, vendorID string) (commission.RateProfile, error) {
	return commission.RateProfile{VendorID: vendorID}, nil
}

type stubPublisher struct{}

func (stubPublisher) Publish(_ context.Context, _ *events.Event) error { return nil }

func newIngestionHandler(store *stubCommissionStore) *Handler {
	defaultRate := money.Rate(1000)
	resolver := commission.NewResolver(commission.NewRateTable(nil, nil, &defaultRate))
	calc := commission.NewCalculator(resolver)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := commission.NewLedger(store, calc, resolver, stubProfiles{}, stubPublisher{}, nil, &defaultRate, logger)
	return NewHandler(ledger, nil, nil, nil, logger)
}

func postSettled(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/orders/settled", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.OrderSettled(rec, req)
	return rec
}

func TestOrderSettledAccrues(t *testing.T) {
	store := &stubCommissionStore{}
	h := newIngestionHandler(store)

	rec := postSettled(t, h, `{"order_id":"o-1","vendor_id":"v-1","gross_minor":10000,"currency":"USD"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, store.recorded, 1)
}

func TestOrderSettledZeroGrossParks(t *testing.T) {
	// A zero gross passes request validation and lands in the review queue,
	// exactly as it does when it arrives over the event stream.
	store := &stubCommissionStore{}
	h := newIngestionHandler(store)

	rec := postSettled(t, h, `{"order_id":"o-1","vendor_id":"v-1","gross_minor":0,"currency":"USD"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, store.flagged, "o-1")
	assert.Empty(t, store.recorded)
}
