package payout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"vendorpay/internal/commission"
	"vendorpay/internal/common/database"
	"vendorpay/internal/common/events"
	"vendorpay/internal/common/money"
	"vendorpay/internal/vendor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store with the same transition semantics as the
// PostgreSQL implementation, including atomic reservation failure.
type memStore struct {
	mu          sync.Mutex
	payouts     map[string]*Payout
	commissions map[string]*memCommission
	lastPaid    map[string]time.Time
}

type memCommission struct {
	id       string
	vendorID string
	net      money.Money
	status   commission.Status
	payoutID string
}

func newMemStore() *memStore {
	return &memStore{
		payouts:     make(map[string]*Payout),
		commissions: make(map[string]*memCommission),
		lastPaid:    make(map[string]time.Time),
	}
}

func (s *memStore) addCommission(id, vendorID string, netMinor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commissions[id] = &memCommission{
		id:       id,
		vendorID: vendorID,
		net:      money.New(netMinor, money.USD),
		status:   commission.StatusCalculated,
	}
}

func (s *memStore) commissionStatus(id string) commission.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commissions[id].status
}

// ListUnpaid implements CommissionSource over the fake's commission records.
func (s *memStore) ListUnpaid(_ context.Context, vendorID string, _ time.Time) ([]*commission.Commission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*commission.Commission
	for _, c := range s.commissions {
		if c.vendorID == vendorID && c.status == commission.StatusCalculated {
			out = append(out, &commission.Commission{ID: c.id, VendorID: c.vendorID, Net: c.net, Status: c.status})
		}
	}
	// Deterministic FIFO by ID; IDs in tests are assigned in order.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].ID < out[i].ID {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *memStore) CreateWithReservation(_ context.Context, p *Payout, commissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range commissionIDs {
		c, ok := s.commissions[id]
		if !ok || c.status != commission.StatusCalculated {
			return commission.ErrStaleCommission
		}
	}
	for _, id := range commissionIDs {
		s.commissions[id].status = commission.StatusReserved
		s.commissions[id].payoutID = p.ID
	}

	cp := *p
	s.payouts[p.ID] = &cp
	return nil
}

func (s *memStore) Claim(_ context.Context, id string, now time.Time) (*Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if p.Status != StatusPending || p.NextAttemptAt.After(now) {
		return nil, fmt.Errorf("claiming payout %s: %w", id, ErrInvalidState)
	}
	p.Status = StatusProcessing
	cp := *p
	return &cp, nil
}

func (s *memStore) Complete(_ context.Context, id, providerTxnID string, at time.Time) (*Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if p.Status != StatusProcessing {
		return nil, fmt.Errorf("completing payout %s: %w", id, ErrInvalidState)
	}
	p.Status = StatusCompleted
	p.ProviderTxnID = providerTxnID
	p.ProcessedAt = &at

	for _, c := range s.commissions {
		if c.payoutID == id {
			c.status = commission.StatusPaid
		}
	}
	s.lastPaid[p.VendorID] = at

	cp := *p
	return &cp, nil
}

func (s *memStore) Requeue(_ context.Context, id string, retryCount int, reason string, nextAttempt time.Time) (*Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if p.Status != StatusProcessing {
		return nil, fmt.Errorf("requeueing payout %s: %w", id, ErrInvalidState)
	}
	p.Status = StatusPending
	p.RetryCount = retryCount
	p.FailureReason = reason
	p.NextAttemptAt = nextAttempt

	cp := *p
	return &cp, nil
}

func (s *memStore) Fail(_ context.Context, id string, retryCount int, reason string) (*Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if p.Status != StatusProcessing {
		return nil, fmt.Errorf("failing payout %s: %w", id, ErrInvalidState)
	}
	p.Status = StatusFailed
	p.RetryCount = retryCount
	p.FailureReason = reason

	cp := *p
	return &cp, nil
}

func (s *memStore) ResetForRetry(_ context.Context, id string) (*Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if p.Status != StatusFailed {
		return nil, fmt.Errorf("resetting payout %s: %w", id, ErrInvalidState)
	}
	p.Status = StatusPending
	p.RetryCount = 0
	p.FailureReason = ""
	p.NextAttemptAt = time.Now().UTC()

	cp := *p
	return &cp, nil
}

func (s *memStore) Cancel(_ context.Context, id, reason string) (*Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if p.Status != StatusPending && p.Status != StatusFailed {
		return nil, fmt.Errorf("cancelling payout %s: %w", id, ErrInvalidState)
	}
	p.Status = StatusCancelled
	p.FailureReason = reason

	for _, c := range s.commissions {
		if c.payoutID == id {
			c.status = commission.StatusCalculated
			c.payoutID = ""
		}
	}

	cp := *p
	return &cp, nil
}

func (s *memStore) Get(_ context.Context, id string) (*Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListDuePending(_ context.Context, now time.Time, _ int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, p := range s.payouts {
		if p.Status == StatusPending && !p.NextAttemptAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) List(_ context.Context, _ ListFilter) ([]*Payout, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Payout
	for _, p := range s.payouts {
		cp := *p
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

// single returns the only payout in the store.
func (s *memStore) single() *Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payouts {
		cp := *p
		return &cp
	}
	return nil
}

// setNextAttempt moves a payout's retry window into reach for tests.
func (s *memStore) setNextAttempt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payouts[id].NextAttemptAt = at
}

type fakeVendors struct {
	mu       sync.Mutex
	policies map[string]*vendor.Policy
	advanced map[string]time.Time
}

func newFakeVendors(policies ...*vendor.Policy) *fakeVendors {
	f := &fakeVendors{
		policies: make(map[string]*vendor.Policy),
		advanced: make(map[string]time.Time),
	}
	for _, p := range policies {
		f.policies[p.VendorID] = p
	}
	return f
}

func (f *fakeVendors) Get(_ context.Context, vendorID string) (*vendor.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[vendorID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return p, nil
}

func (f *fakeVendors) ListDue(_ context.Context, asOf time.Time, _ int) ([]*vendor.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*vendor.Policy
	for _, p := range f.policies {
		if p.Due(asOf) {
			due = append(due, p)
		}
	}
	return due, nil
}

func (f *fakeVendors) AdvanceNextPayout(_ context.Context, vendorID string, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced[vendorID] = next
	return nil
}

func (f *fakeVendors) advancedTo(vendorID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.advanced[vendorID]
	return t, ok
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *capturingPublisher) Publish(_ context.Context, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) typesSeen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// scriptedGateway pops one scripted outcome per Pay call; nil means success.
type scriptedGateway struct {
	mu       sync.Mutex
	script   []error
	payCalls int
	lookup   *GatewayResult
}

func (g *scriptedGateway) Pay(_ context.Context, req GatewayRequest) (*GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.payCalls++
	if len(g.script) > 0 {
		err := g.script[0]
		g.script = g.script[1:]
		if err != nil {
			return nil, err
		}
	}
	return &GatewayResult{ProviderTxnID: "txn-" + req.IdempotencyKey, Settled: true}, nil
}

func (g *scriptedGateway) Lookup(_ context.Context, idempotencyKey string) (*GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lookup != nil {
		return g.lookup, nil
	}
	return &GatewayResult{Settled: false}, nil
}

type capturingNotifier struct {
	mu       sync.Mutex
	outcomes []events.PayoutOutcomeData
}

func (n *capturingNotifier) NotifyPayoutOutcome(data events.PayoutOutcomeData) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, data)
}

func (n *capturingNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, o := range n.outcomes {
		out = append(out, o.Status)
	}
	return out
}

func weeklyPolicy(vendorID string, minimumMinor int64, nextPayout time.Time) *vendor.Policy {
	return &vendor.Policy{
		VendorID:       vendorID,
		Tier:           "standard",
		Frequency:      vendor.FrequencyWeekly,
		MinimumPayout:  money.New(minimumMinor, money.USD),
		Method:         vendor.MethodBankTransfer,
		Destination:    "acct-" + vendorID,
		IsActive:       true,
		NextPayoutDate: nextPayout,
	}
}
