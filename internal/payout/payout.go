// Package payout implements payout scheduling and processing: batching
// reserved commissions into vendor payouts and driving them through the
// external payment rail.
package payout

import (
	"errors"
	"time"

	"vendorpay/internal/common/money"
	"vendorpay/internal/vendor"
)

// Status represents the state of a payout.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Domain errors.
var (
	// ErrInvalidState means the payout was not in the expected state for an
	// operation; usually another worker claimed it first. Callers treat it
	// as contention, not failure.
	ErrInvalidState = errors.New("payout not in expected state")

	// ErrBelowThreshold means the vendor's unpaid balance does not reach
	// their minimum payout.
	ErrBelowThreshold = errors.New("unpaid balance below minimum payout")

	// ErrNothingUnpaid means the vendor has no unpaid commissions to pay out.
	ErrNothingUnpaid = errors.New("no unpaid commissions")
)

// CreatedBy records which actor composed a payout.
type CreatedBy string

const (
	CreatedByScheduler CreatedBy = "scheduler"
	CreatedByOperator  CreatedBy = "operator"
)

// Metadata is the closed, versioned record attached to a payout.
type Metadata struct {
	SchemaVersion int       `json:"schema_version"`
	CommissionIDs []string  `json:"commission_ids"`
	CreatedBy     CreatedBy `json:"created_by"`
	Notes         string    `json:"notes,omitempty"`
}

// Payout is a single transfer of accumulated net entitlements to one vendor.
// Its amount equals the sum of the linked commissions' net amounts for its
// whole lifetime; the commission set is fixed once it leaves PENDING.
type Payout struct {
	ID            string              `json:"id"`
	VendorID      string              `json:"vendor_id"`
	Amount        money.Money         `json:"amount"`
	Status        Status              `json:"status"`
	ScheduledDate time.Time           `json:"scheduled_date"`
	Method        vendor.PayoutMethod `json:"method"`
	ProviderTxnID string              `json:"provider_txn_id,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	RetryCount    int                 `json:"retry_count"`
	MaxRetries    int                 `json:"max_retries"`
	NextAttemptAt time.Time           `json:"next_attempt_at"`
	Metadata      Metadata            `json:"metadata"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty"`
}

// IsTerminal reports whether the payout can no longer change state.
func (p *Payout) IsTerminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusCancelled
}

// Cancellable reports whether an operator may cancel the payout. PROCESSING
// is excluded: never cancel mid-flight against the external rail.
func (p *Payout) Cancellable() bool {
	return p.Status == StatusPending || p.Status == StatusFailed
}

// Backoff returns the requeue delay after the n-th failed attempt (n >= 1):
// base doubled per attempt, capped. Pure so the retry schedule is testable
// without a store.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
