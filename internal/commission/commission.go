// Package commission implements commission accrual: rate resolution,
// calculation per settled order, and the commission ledger.
package commission

import (
	"errors"
	"time"

	"vendorpay/internal/common/money"
)

// Status represents the state of a commission in the ledger.
type Status string

const (
	StatusCalculated Status = "CALCULATED"
	StatusReserved   Status = "RESERVED"
	StatusPaid       Status = "PAID"
	StatusCancelled  Status = "CANCELLED"
)

// Domain errors.
var (
	// ErrNoRateConfigured means no rate could be resolved for a vendor. This
	// blocks commission creation; a silent 0% would lose platform revenue.
	ErrNoRateConfigured = errors.New("no commission rate configured")

	// ErrInvalidAmount is returned for a non-positive gross amount.
	ErrInvalidAmount = errors.New("gross amount must be positive")

	// ErrDuplicateCommission means a non-cancelled commission already exists
	// for the (order, vendor) pair. Callers treat it as a no-op success.
	ErrDuplicateCommission = errors.New("commission already recorded for order")

	// ErrStaleCommission means a reservation touched a commission that is no
	// longer CALCULATED; a concurrent scheduler run or manual payout claimed
	// it first. The whole reservation is rolled back.
	ErrStaleCommission = errors.New("commission no longer available for reservation")
)

// Commission is the platform's earned share of one settled order, owed by the
// vendor. One order yields at most one non-cancelled commission per vendor.
type Commission struct {
	ID           string      `json:"id"`
	OrderID      string      `json:"order_id"`
	VendorID     string      `json:"vendor_id"`
	Gross        money.Money `json:"gross"`
	Rate         money.Rate  `json:"rate_bps"`
	Amount       money.Money `json:"amount"`
	Net          money.Money `json:"net"`
	Status       Status      `json:"status"`
	PayoutID     *string     `json:"payout_id,omitempty"`
	CalculatedAt time.Time   `json:"calculated_at"`
	PaidAt       *time.Time  `json:"paid_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// NewCommission builds a CALCULATED commission from a calculation result.
func NewCommission(id string, calc Calculation, now time.Time) *Commission {
	return &Commission{
		ID:           id,
		OrderID:      calc.OrderID,
		VendorID:     calc.VendorID,
		Gross:        calc.Gross,
		Rate:         calc.Rate,
		Amount:       calc.Commission,
		Net:          calc.Net,
		Status:       StatusCalculated,
		CalculatedAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsTerminal reports whether the commission can no longer change state.
func (c *Commission) IsTerminal() bool {
	return c.Status == StatusPaid || c.Status == StatusCancelled
}
