package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"vendorpay/internal/common/database"
	"vendorpay/internal/common/events"
	"vendorpay/internal/common/middleware"
	"vendorpay/internal/common/money"
)

// Store persists commissions and rate rules.
type Store interface {
	// RecordCommission inserts a commission. Returns ErrDuplicateCommission
	// when a non-cancelled commission already exists for (order, vendor); the
	// check is a database uniqueness constraint because settlement events race.
	RecordCommission(ctx context.Context, c *Commission) error
	GetCommission(ctx context.Context, id string) (*Commission, error)

	// GetByOrder returns the non-cancelled commission for (order, vendor),
	// or database.ErrNotFound.
	GetByOrder(ctx context.Context, orderID, vendorID string) (*Commission, error)

	// ListUnpaid returns CALCULATED commissions for a vendor with
	// calculatedAt <= asOf, oldest first.
	ListUnpaid(ctx context.Context, vendorID string, asOf time.Time) ([]*Commission, error)
	ListByPayout(ctx context.Context, payoutID string) ([]*Commission, error)
	ListCommissions(ctx context.Context, filter ListFilter) ([]*Commission, int64, error)

	// CancelForOrder cancels the CALCULATED commission for a reversed order.
	// Returns the cancelled commission, or nil if none was in a cancellable
	// state.
	CancelForOrder(ctx context.Context, orderID, vendorID string) (*Commission, error)

	// Rate rule administration.
	CreateRateRule(ctx context.Context, rule *CategoryRule) error
	ListRateRules(ctx context.Context) ([]CategoryRule, error)

	// FlagOrder parks an order for manual review (non-positive gross).
	FlagOrder(ctx context.Context, orderID, vendorID string, grossMinor int64, currency, reason string) error
}

// ListFilter narrows reporting queries over the commission table.
type ListFilter struct {
	VendorID string
	Status   Status
	PayoutID string
	Limit    int
	Offset   int
}

// Publisher publishes ledger events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// ProfileSource supplies vendor rate profiles, read-only.
type ProfileSource interface {
	RateProfile(ctx context.Context, vendorID string) (RateProfile, error)
}

// Ledger owns the commission state machine. All commission writes go through
// it or through the payout store's reservation operations.
type Ledger struct {
	store      Store
	calculator *Calculator
	resolver   *Resolver
	profiles   ProfileSource
	publisher  Publisher
	logger     *slog.Logger

	// Static platform rate configuration, combined with stored category
	// rules on every resolver reload.
	tierRates   map[string]money.Rate
	defaultRate *money.Rate
}

// NewLedger creates the commission ledger service.
func NewLedger(store Store, calculator *Calculator, resolver *Resolver, profiles ProfileSource, publisher Publisher, tierRates map[string]money.Rate, defaultRate *money.Rate, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:       store,
		calculator:  calculator,
		resolver:    resolver,
		profiles:    profiles,
		publisher:   publisher,
		logger:      logger,
		tierRates:   tierRates,
		defaultRate: defaultRate,
	}
}

// HandleOrderSettled accrues a commission for a settled order. Delivering the
// same settlement twice is a no-op: the duplicate is absorbed here, not
// surfaced to the caller.
func (l *Ledger) HandleOrderSettled(ctx context.Context, order OrderSettlement) (*Commission, error) {
	profile, err := l.profiles.RateProfile(ctx, order.VendorID)
	if err != nil {
		return nil, fmt.Errorf("loading vendor %s profile: %w", order.VendorID, err)
	}

	calc, err := l.calculator.Calculate(order, profile)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			l.flagOrder(ctx, order, err.Error())
			return nil, err
		}
		if errors.Is(err, ErrNoRateConfigured) {
			l.logger.Error("no commission rate resolvable, accrual blocked",
				"order_id", order.OrderID,
				"vendor_id", order.VendorID,
			)
		}
		return nil, err
	}

	c := NewCommission(ulid.Make().String(), calc, time.Now().UTC())

	if err := l.store.RecordCommission(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicateCommission) {
			l.logger.Info("commission already recorded, treating as success",
				"order_id", order.OrderID,
				"vendor_id", order.VendorID,
			)
			return l.findExisting(ctx, order)
		}
		return nil, fmt.Errorf("recording commission: %w", err)
	}

	l.publish(ctx, events.EventCommissionAccrued, c.ID, events.CommissionAccruedData{
		CommissionID: c.ID,
		OrderID:      c.OrderID,
		VendorID:     c.VendorID,
		GrossMinor:   c.Gross.AmountMinor,
		AmountMinor:  c.Amount.AmountMinor,
		NetMinor:     c.Net.AmountMinor,
		Currency:     string(c.Gross.Currency),
		RateBps:      int64(c.Rate),
	})

	l.logger.Info("commission accrued",
		"commission_id", c.ID,
		"order_id", c.OrderID,
		"vendor_id", c.VendorID,
		"rate_bps", int64(c.Rate),
		"amount_minor", c.Amount.AmountMinor,
	)

	return c, nil
}

// HandleOrderReversed cancels the commission for a reversed order. A
// commission already reserved into a payout cannot be cancelled in place; it
// is surfaced as an operator alert instead.
func (l *Ledger) HandleOrderReversed(ctx context.Context, orderID, vendorID, reason string) error {
	c, err := l.store.CancelForOrder(ctx, orderID, vendorID)
	if err != nil {
		return fmt.Errorf("cancelling commission for order %s: %w", orderID, err)
	}
	if c == nil {
		existing, lookupErr := l.store.GetByOrder(ctx, orderID, vendorID)
		if database.IsNotFound(lookupErr) {
			// Reversal without a recorded settlement. Nothing to unwind.
			l.logger.Info("order reversal with no commission on record",
				"order_id", orderID,
				"vendor_id", vendorID,
			)
			return nil
		}
		if lookupErr != nil {
			return fmt.Errorf("loading commission for reversed order %s: %w", orderID, lookupErr)
		}
		l.logger.Warn("order reversal could not cancel commission in place",
			"order_id", orderID,
			"vendor_id", vendorID,
			"status", existing.Status,
		)
		l.publish(ctx, events.EventOperatorAlert, orderID, events.OperatorAlertData{
			Severity: "warning",
			Subject:  "order reversal needs review",
			Message:  fmt.Sprintf("order %s reversed but its commission is already %s", orderID, existing.Status),
			VendorID: vendorID,
		})
		return nil
	}

	l.publish(ctx, events.EventCommissionCancelled, c.ID, events.CommissionAccruedData{
		CommissionID: c.ID,
		OrderID:      c.OrderID,
		VendorID:     c.VendorID,
		GrossMinor:   c.Gross.AmountMinor,
		AmountMinor:  c.Amount.AmountMinor,
		NetMinor:     c.Net.AmountMinor,
		Currency:     string(c.Gross.Currency),
		RateBps:      int64(c.Rate),
	})

	l.logger.Info("commission cancelled on order reversal",
		"commission_id", c.ID,
		"order_id", orderID,
		"reason", reason,
	)

	return nil
}

// ListUnpaid exposes the unpaid query for the payout scheduler.
func (l *Ledger) ListUnpaid(ctx context.Context, vendorID string, asOf time.Time) ([]*Commission, error) {
	return l.store.ListUnpaid(ctx, vendorID, asOf)
}

// GetCommission retrieves one commission.
func (l *Ledger) GetCommission(ctx context.Context, id string) (*Commission, error) {
	return l.store.GetCommission(ctx, id)
}

// ListCommissions is the read-only reporting surface.
func (l *Ledger) ListCommissions(ctx context.Context, filter ListFilter) ([]*Commission, int64, error) {
	return l.store.ListCommissions(ctx, filter)
}

// ListByPayout returns the commissions linked to a payout.
func (l *Ledger) ListByPayout(ctx context.Context, payoutID string) ([]*Commission, error) {
	return l.store.ListByPayout(ctx, payoutID)
}

// SetRateRule stores a vendor category rate rule and reloads the resolver so
// subsequent resolutions observe it.
func (l *Ledger) SetRateRule(ctx context.Context, vendorID, categoryID string, rate money.Rate, effectiveFrom time.Time, effectiveTo *time.Time) (*CategoryRule, error) {
	if !rate.Valid() {
		return nil, fmt.Errorf("rate %d out of range", rate)
	}
	if effectiveTo != nil && !effectiveTo.After(effectiveFrom) {
		return nil, fmt.Errorf("effective_to must be after effective_from")
	}

	rule := &CategoryRule{
		ID:            ulid.Make().String(),
		VendorID:      vendorID,
		CategoryID:    categoryID,
		Rate:          rate,
		EffectiveFrom: effectiveFrom,
		EffectiveTo:   effectiveTo,
		CreatedAt:     time.Now().UTC(),
	}

	if err := l.store.CreateRateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("storing rate rule: %w", err)
	}

	if err := l.ReloadRates(ctx); err != nil {
		return nil, err
	}

	l.publish(ctx, events.EventRateRuleSet, rule.ID, rule)

	return rule, nil
}

// ListRateRules returns all stored category rate rules.
func (l *Ledger) ListRateRules(ctx context.Context) ([]CategoryRule, error) {
	return l.store.ListRateRules(ctx)
}

// ReloadRates rebuilds the rate table from stored rules and swaps it in.
func (l *Ledger) ReloadRates(ctx context.Context) error {
	rules, err := l.store.ListRateRules(ctx)
	if err != nil {
		return fmt.Errorf("loading rate rules: %w", err)
	}
	l.resolver.Swap(NewRateTable(l.tierRates, rules, l.defaultRate))
	l.logger.Info("rate table reloaded", "rules", len(rules))
	return nil
}

func (l *Ledger) findExisting(ctx context.Context, order OrderSettlement) (*Commission, error) {
	existing, err := l.store.GetByOrder(ctx, order.OrderID, order.VendorID)
	if err != nil {
		// The accrual itself is already absorbed, but callers rely on a
		// non-nil commission on success, so a failed read-back is an error.
		return nil, fmt.Errorf("loading existing commission for order %s: %w", order.OrderID, err)
	}
	return existing, nil
}

func (l *Ledger) flagOrder(ctx context.Context, order OrderSettlement, reason string) {
	if err := l.store.FlagOrder(ctx, order.OrderID, order.VendorID, order.Gross.AmountMinor, string(order.Gross.Currency), reason); err != nil {
		l.logger.Error("failed to flag order for review", "error", err, "order_id", order.OrderID)
	}
	l.publish(ctx, events.EventCommissionFlagged, order.OrderID, events.CommissionFlaggedData{
		OrderID:    order.OrderID,
		VendorID:   order.VendorID,
		GrossMinor: order.Gross.AmountMinor,
		Currency:   string(order.Gross.Currency),
		Reason:     reason,
	})
}

func (l *Ledger) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	event, err := events.NewEvent(eventType, "commission", aggregateID, data)
	if err != nil {
		l.logger.Error("building event", "error", err, "type", eventType)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx), "")
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.Warn("publishing event failed", "error", err, "type", eventType)
	}
}
