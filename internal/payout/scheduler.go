package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"vendorpay/internal/commission"
	"vendorpay/internal/common/events"
	"vendorpay/internal/common/money"
	"vendorpay/internal/vendor"
)

// VendorDirectory is the read surface over vendor payout policies.
type VendorDirectory interface {
	Get(ctx context.Context, vendorID string) (*vendor.Policy, error)
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]*vendor.Policy, error)
	AdvanceNextPayout(ctx context.Context, vendorID string, next time.Time) error
}

// CommissionSource lists unpaid commissions for payout composition.
type CommissionSource interface {
	ListUnpaid(ctx context.Context, vendorID string, asOf time.Time) ([]*commission.Commission, error)
}

// Publisher publishes payout events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// SchedulerConfig holds scheduler tuning.
type SchedulerConfig struct {
	Interval   time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"1m"`
	BatchSize  int           `envconfig:"SCHEDULER_BATCH_SIZE" default:"100"`
	Workers    int           `envconfig:"SCHEDULER_WORKERS" default:"4"`
	MaxRetries int           `envconfig:"PAYOUT_MAX_RETRIES" default:"3"`
}

// Scheduler batches unpaid commissions into scheduled payouts per vendor.
// It is safe to run overlapping instances: the reservation inside
// Store.CreateWithReservation is the arbiter, and a loser simply skips the
// vendor until the next tick.
type Scheduler struct {
	store       Store
	vendors     VendorDirectory
	commissions CommissionSource
	publisher   Publisher
	logger      *slog.Logger
	cfg         SchedulerConfig
}

// NewScheduler creates a payout scheduler.
func NewScheduler(store Store, vendors VendorDirectory, commissions CommissionSource, publisher Publisher, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Scheduler{
		store:       store,
		vendors:     vendors,
		commissions: commissions,
		publisher:   publisher,
		logger:      logger,
		cfg:         cfg,
	}
}

// Run drives the scheduler on its configured interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("scheduler cycle failed", "error", err)
			}
		}
	}
}

// RunOnce performs one scheduling cycle: a worker pool drains the due-vendor
// list, each vendor in its own transaction so one vendor's failure cannot
// abort the others.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	due, err := s.vendors.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing due vendors: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	queue := make(chan *vendor.Policy)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for policy := range queue {
				s.scheduleVendor(ctx, policy, now)
			}
		}()
	}

	for _, policy := range due {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return ctx.Err()
		case queue <- policy:
		}
	}
	close(queue)
	wg.Wait()

	return nil
}

// scheduleVendor runs one vendor's cycle. Contention and below-threshold
// outcomes are ordinary; only genuine failures are logged as errors.
func (s *Scheduler) scheduleVendor(ctx context.Context, policy *vendor.Policy, now time.Time) {
	p, err := s.createPayout(ctx, policy, nil, CreatedByScheduler, "", now)
	switch {
	case err == nil:
		// Advance the cadence only after a successful reservation so a
		// skipped cycle is retried at the same cadence.
		next := policy.Frequency.Next(now)
		if err := s.vendors.AdvanceNextPayout(ctx, policy.VendorID, next); err != nil {
			s.logger.Error("failed to advance next payout date",
				"error", err,
				"vendor_id", policy.VendorID,
			)
		}
		s.logger.Info("payout scheduled",
			"payout_id", p.ID,
			"vendor_id", policy.VendorID,
			"amount_minor", p.Amount.AmountMinor,
			"commissions", len(p.Metadata.CommissionIDs),
		)

	case errors.Is(err, ErrBelowThreshold), errors.Is(err, ErrNothingUnpaid):
		s.logger.Debug("vendor skipped",
			"vendor_id", policy.VendorID,
			"reason", err,
		)

	case errors.Is(err, commission.ErrStaleCommission):
		// A concurrent run or manual request claimed some entries; abort this
		// vendor's cycle cleanly and retry next tick.
		s.logger.Info("reservation lost to concurrent run",
			"vendor_id", policy.VendorID,
		)

	default:
		s.logger.Error("scheduling vendor payout failed",
			"error", err,
			"vendor_id", policy.VendorID,
		)
	}
}

// RequestManualPayout composes an on-demand payout for a vendor from their
// oldest unpaid commissions, optionally capped at maxAmount. It goes through
// the same reservation as the scheduler, so the same race protection applies.
// The vendor's cadence is not advanced.
func (s *Scheduler) RequestManualPayout(ctx context.Context, vendorID string, maxAmount *money.Money, requestedBy string) (*Payout, error) {
	policy, err := s.vendors.Get(ctx, vendorID)
	if err != nil {
		return nil, fmt.Errorf("loading vendor %s: %w", vendorID, err)
	}

	p, err := s.createPayout(ctx, policy, maxAmount, CreatedByOperator, requestedBy, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Info("manual payout created",
		"payout_id", p.ID,
		"vendor_id", vendorID,
		"requested_by", requestedBy,
		"amount_minor", p.Amount.AmountMinor,
	)

	return p, nil
}

// createPayout selects commissions FIFO, applies the threshold for scheduled
// runs, and atomically reserves them while creating the PENDING payout row.
func (s *Scheduler) createPayout(ctx context.Context, policy *vendor.Policy, maxAmount *money.Money, by CreatedBy, notes string, now time.Time) (*Payout, error) {
	unpaid, err := s.commissions.ListUnpaid(ctx, policy.VendorID, now)
	if err != nil {
		return nil, fmt.Errorf("listing unpaid commissions: %w", err)
	}
	if len(unpaid) == 0 {
		return nil, ErrNothingUnpaid
	}

	total := money.Zero(unpaid[0].Net.Currency)
	ids := make([]string, 0, len(unpaid))
	for _, c := range unpaid {
		next, err := total.Add(c.Net)
		if err != nil {
			return nil, fmt.Errorf("summing entitlements: %w", err)
		}
		if maxAmount != nil {
			cmp, err := next.Compare(*maxAmount)
			if err != nil {
				return nil, fmt.Errorf("applying payout cap: %w", err)
			}
			if cmp > 0 {
				break
			}
		}
		total = next
		ids = append(ids, c.ID)
	}
	if len(ids) == 0 {
		return nil, ErrNothingUnpaid
	}

	// The minimum threshold gates scheduled payouts only; an operator request
	// is an explicit decision to pay below it.
	if by == CreatedByScheduler {
		cmp, err := total.Compare(policy.MinimumPayout)
		if err != nil {
			return nil, fmt.Errorf("checking payout minimum for vendor %s: %w", policy.VendorID, err)
		}
		if cmp < 0 {
			return nil, fmt.Errorf("%w: %d < %d", ErrBelowThreshold, total.AmountMinor, policy.MinimumPayout.AmountMinor)
		}
	}

	p := &Payout{
		ID:            ulid.Make().String(),
		VendorID:      policy.VendorID,
		Amount:        total,
		Status:        StatusPending,
		ScheduledDate: now,
		Method:        policy.Method,
		MaxRetries:    s.cfg.MaxRetries,
		NextAttemptAt: now,
		Metadata: Metadata{
			SchemaVersion: 1,
			CommissionIDs: ids,
			CreatedBy:     by,
			Notes:         notes,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateWithReservation(ctx, p, ids); err != nil {
		return nil, err
	}

	s.publishCreated(ctx, p)

	return p, nil
}

func (s *Scheduler) publishCreated(ctx context.Context, p *Payout) {
	event, err := events.NewEvent(events.EventPayoutCreated, "payout", p.ID, events.PayoutCreatedData{
		PayoutID:      p.ID,
		VendorID:      p.VendorID,
		AmountMinor:   p.Amount.AmountMinor,
		Currency:      string(p.Amount.Currency),
		CommissionIDs: p.Metadata.CommissionIDs,
		CreatedBy:     string(p.Metadata.CreatedBy),
	})
	if err != nil {
		s.logger.Error("building payout.created event", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publishing payout.created failed", "error", err, "payout_id", p.ID)
	}
}
