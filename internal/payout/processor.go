package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vendorpay/internal/common/events"
	"vendorpay/internal/common/money"
)

// GatewayRequest is a transfer instruction for the payment rail.
type GatewayRequest struct {
	// IdempotencyKey is the payout ID: a network timeout followed by a retry
	// cannot become two real-world transfers.
	IdempotencyKey string
	VendorID       string
	Method         string
	Destination    string
	Amount         money.Money
}

// GatewayResult is the rail's answer for a transfer.
type GatewayResult struct {
	ProviderTxnID string
	Settled       bool
}

// GatewayError is a typed failure from the payment rail. Terminal failures
// (invalid destination, closed account) go straight to FAILED without
// consuming retries.
type GatewayError struct {
	Code     string
	Message  string
	Terminal bool
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Code, e.Message)
}

// PaymentGateway abstracts the external payment rail.
type PaymentGateway interface {
	// Pay executes a transfer. The call must respect ctx's deadline.
	Pay(ctx context.Context, req GatewayRequest) (*GatewayResult, error)

	// Lookup queries the outcome of a previously submitted transfer by
	// idempotency key. Used when a Pay call times out with unknown outcome.
	Lookup(ctx context.Context, idempotencyKey string) (*GatewayResult, error)
}

// Notifier informs the vendor of a payout outcome. Fire-and-forget: failure
// never affects the payout state.
type Notifier interface {
	NotifyPayoutOutcome(data events.PayoutOutcomeData)
}

// ProcessorConfig holds processor tuning.
type ProcessorConfig struct {
	Interval       time.Duration `envconfig:"PROCESSOR_INTERVAL" default:"30s"`
	BatchSize      int           `envconfig:"PROCESSOR_BATCH_SIZE" default:"50"`
	Workers        int           `envconfig:"PROCESSOR_WORKERS" default:"4"`
	GatewayTimeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
	BackoffBase    time.Duration `envconfig:"PAYOUT_BACKOFF_BASE" default:"1m"`
	BackoffCap     time.Duration `envconfig:"PAYOUT_BACKOFF_CAP" default:"1h"`
}

// Processor drives payouts through the payment gateway and applies the payout
// state machine. Multiple processors may run concurrently; the atomic claim
// in Store.Claim guarantees a payout is processed by at most one of them.
type Processor struct {
	store     Store
	vendors   VendorDirectory
	gateway   PaymentGateway
	publisher Publisher
	notifier  Notifier
	logger    *slog.Logger
	cfg       ProcessorConfig
}

// NewProcessor creates a payout processor.
func NewProcessor(store Store, vendors VendorDirectory, gateway PaymentGateway, publisher Publisher, notifier Notifier, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Hour
	}
	return &Processor{
		store:     store,
		vendors:   vendors,
		gateway:   gateway,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run drives the processor on its configured interval until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx, time.Now().UTC()); err != nil {
				p.logger.Error("processor cycle failed", "error", err)
			}
		}
	}
}

// RunOnce drains due PENDING payouts through a worker pool.
func (p *Processor) RunOnce(ctx context.Context, now time.Time) error {
	ids, err := p.store.ListDuePending(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing due payouts: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	queue := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range queue {
				if err := p.Process(ctx, id); err != nil && !errors.Is(err, ErrInvalidState) {
					p.logger.Error("processing payout failed", "error", err, "payout_id", id)
				}
			}
		}()
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return ctx.Err()
		case queue <- id:
		}
	}
	close(queue)
	wg.Wait()

	return nil
}

// Process drives one payout through the gateway. Returns ErrInvalidState when
// the payout is not claimable (already claimed or not PENDING).
func (p *Processor) Process(ctx context.Context, payoutID string) error {
	claimed, err := p.store.Claim(ctx, payoutID, time.Now().UTC())
	if err != nil {
		return err
	}

	policy, err := p.vendors.Get(ctx, claimed.VendorID)
	if err != nil {
		// Cannot reach the rail without a destination; requeue and surface.
		return p.handleFailure(ctx, claimed, &GatewayError{Code: "VENDOR_LOOKUP", Message: err.Error()})
	}

	req := GatewayRequest{
		IdempotencyKey: claimed.ID,
		VendorID:       claimed.VendorID,
		Method:         string(claimed.Method),
		Destination:    policy.Destination,
		Amount:         claimed.Amount,
	}

	payCtx, cancel := context.WithTimeout(ctx, p.cfg.GatewayTimeout)
	result, err := p.gateway.Pay(payCtx, req)
	cancel()

	if err == nil {
		return p.complete(ctx, claimed, result.ProviderTxnID)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		// Unknown outcome: the transfer may have gone through. Ask the rail
		// before deciding to retry, so a true success is not retried into a
		// duplicate transfer.
		if outcome := p.resolveUnknown(ctx, claimed.ID); outcome != nil {
			return p.complete(ctx, claimed, outcome.ProviderTxnID)
		}
		return p.handleFailure(ctx, claimed, &GatewayError{Code: "GATEWAY_TIMEOUT", Message: "transfer outcome unknown after timeout"})
	}

	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return p.handleFailure(ctx, claimed, gerr)
	}

	return p.handleFailure(ctx, claimed, &GatewayError{Code: "GATEWAY_ERROR", Message: err.Error()})
}

// Retry re-runs a FAILED payout after an operator decision. The retry budget
// is reset; the commission set is untouched (retried in place).
func (p *Processor) Retry(ctx context.Context, payoutID string) error {
	if _, err := p.store.ResetForRetry(ctx, payoutID); err != nil {
		return err
	}

	p.logger.Info("payout reset for manual retry", "payout_id", payoutID)

	return p.Process(ctx, payoutID)
}

// Cancel cancels a PENDING or FAILED payout and releases its commissions back
// to CALCULATED. PROCESSING payouts cannot be cancelled mid-flight.
func (p *Processor) Cancel(ctx context.Context, payoutID, reason string) error {
	cancelled, err := p.store.Cancel(ctx, payoutID, reason)
	if err != nil {
		return err
	}

	p.publishOutcome(ctx, events.EventPayoutCancelled, cancelled)
	p.notifier.NotifyPayoutOutcome(outcomeData(cancelled))

	p.logger.Info("payout cancelled",
		"payout_id", payoutID,
		"reason", reason,
	)

	return nil
}

// resolveUnknown asks the rail for the outcome of a timed-out transfer.
// Returns a result only on confirmed settlement; nil means retry is safe.
func (p *Processor) resolveUnknown(ctx context.Context, idempotencyKey string) *GatewayResult {
	lookupCtx, cancel := context.WithTimeout(ctx, p.cfg.GatewayTimeout)
	defer cancel()

	result, err := p.gateway.Lookup(lookupCtx, idempotencyKey)
	if err != nil {
		p.logger.Warn("gateway status lookup failed, will retry transfer",
			"error", err,
			"idempotency_key", idempotencyKey,
		)
		return nil
	}
	if result != nil && result.Settled {
		return result
	}
	return nil
}

// complete finishes a successful payout: one transaction marks the payout
// COMPLETED, the commissions PAID, and the vendor's last payout date.
func (p *Processor) complete(ctx context.Context, claimed *Payout, providerTxnID string) error {
	now := time.Now().UTC()
	completed, err := p.store.Complete(ctx, claimed.ID, providerTxnID, now)
	if err != nil {
		return fmt.Errorf("completing payout %s: %w", claimed.ID, err)
	}

	p.publishOutcome(ctx, events.EventPayoutCompleted, completed)
	p.notifier.NotifyPayoutOutcome(outcomeData(completed))

	p.logger.Info("payout completed",
		"payout_id", completed.ID,
		"vendor_id", completed.VendorID,
		"provider_txn_id", providerTxnID,
		"amount_minor", completed.Amount.AmountMinor,
		"retry_count", completed.RetryCount,
	)

	return nil
}

// handleFailure applies the retry/backoff policy after a failed attempt.
func (p *Processor) handleFailure(ctx context.Context, claimed *Payout, gerr *GatewayError) error {
	retryCount := claimed.RetryCount + 1
	reason := gerr.Error()

	if gerr.Terminal || retryCount >= claimed.MaxRetries {
		failed, err := p.store.Fail(ctx, claimed.ID, retryCount, reason)
		if err != nil {
			return fmt.Errorf("failing payout %s: %w", claimed.ID, err)
		}

		// Commissions stay RESERVED: auto-releasing could let an overlapping
		// payout be scheduled for the same money before an operator decides.
		p.publishOutcome(ctx, events.EventPayoutFailed, failed)
		p.raiseAlert(ctx, failed, gerr)
		p.notifier.NotifyPayoutOutcome(outcomeData(failed))

		p.logger.Error("payout failed",
			"payout_id", claimed.ID,
			"vendor_id", claimed.VendorID,
			"retry_count", retryCount,
			"terminal", gerr.Terminal,
			"reason", reason,
		)
		return nil
	}

	delay := Backoff(p.cfg.BackoffBase, p.cfg.BackoffCap, retryCount)
	nextAttempt := time.Now().UTC().Add(delay)

	requeued, err := p.store.Requeue(ctx, claimed.ID, retryCount, reason, nextAttempt)
	if err != nil {
		return fmt.Errorf("requeueing payout %s: %w", claimed.ID, err)
	}

	p.publishOutcome(ctx, events.EventPayoutRequeued, requeued)

	p.logger.Warn("payout requeued",
		"payout_id", claimed.ID,
		"retry_count", retryCount,
		"next_attempt_at", nextAttempt,
		"reason", reason,
	)

	return nil
}

func (p *Processor) raiseAlert(ctx context.Context, failed *Payout, gerr *GatewayError) {
	event, err := events.NewEvent(events.EventOperatorAlert, "payout", failed.ID, events.OperatorAlertData{
		Severity: "critical",
		Subject:  "payout failed, commissions held in reserve",
		Message:  fmt.Sprintf("payout %s for vendor %s failed: %s", failed.ID, failed.VendorID, gerr.Error()),
		PayoutID: failed.ID,
		VendorID: failed.VendorID,
	})
	if err != nil {
		p.logger.Error("building alert event", "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Error("publishing operator alert failed", "error", err, "payout_id", failed.ID)
	}
}

func (p *Processor) publishOutcome(ctx context.Context, eventType string, payout *Payout) {
	event, err := events.NewEvent(eventType, "payout", payout.ID, outcomeData(payout))
	if err != nil {
		p.logger.Error("building payout event", "error", err, "type", eventType)
		return
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Warn("publishing payout event failed", "error", err, "type", eventType)
	}
}

func outcomeData(p *Payout) events.PayoutOutcomeData {
	return events.PayoutOutcomeData{
		PayoutID:      p.ID,
		VendorID:      p.VendorID,
		AmountMinor:   p.Amount.AmountMinor,
		Currency:      string(p.Amount.Currency),
		Status:        string(p.Status),
		ProviderTxnID: p.ProviderTxnID,
		FailureReason: p.FailureReason,
		OccurredAt:    time.Now().UTC(),
	}
}
