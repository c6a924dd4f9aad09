package commission

import (
	"fmt"
	"time"

	"vendorpay/internal/common/money"
)

// OrderSettlement is the settled-order fact delivered by the order
// collaborator.
type OrderSettlement struct {
	OrderID     string
	VendorID    string
	Gross       money.Money
	CategoryIDs []string
	SettledAt   time.Time
}

// Calculation is the result of applying a resolved rate to a settled order.
type Calculation struct {
	OrderID    string      `json:"order_id"`
	VendorID   string      `json:"vendor_id"`
	Gross      money.Money `json:"gross"`
	Rate       money.Rate  `json:"rate_bps"`
	Commission money.Money `json:"commission"`
	Net        money.Money `json:"net"`
}

// Calculator computes the platform's commission and the vendor's net
// entitlement for a settled order. It is stateless: identical inputs produce
// identical outputs. Duplicate detection belongs to the ledger.
type Calculator struct {
	resolver *Resolver
}

// NewCalculator creates a calculator backed by a rate resolver.
func NewCalculator(resolver *Resolver) *Calculator {
	return &Calculator{resolver: resolver}
}

// Calculate resolves the vendor's rate as of settlement time and splits the
// gross amount. The commission is rounded half-even at the currency's minor
// unit; the net entitlement is the exact remainder, so the two always re-add
// to the gross amount.
func (c *Calculator) Calculate(order OrderSettlement, profile RateProfile) (Calculation, error) {
	if !order.Gross.IsPositive() {
		return Calculation{}, fmt.Errorf("order %s: %w (got %d)", order.OrderID, ErrInvalidAmount, order.Gross.AmountMinor)
	}

	rate, err := c.resolver.Resolve(profile, order.CategoryIDs, order.SettledAt)
	if err != nil {
		return Calculation{}, fmt.Errorf("resolving rate for vendor %s: %w", order.VendorID, err)
	}

	commissionAmount := order.Gross.ApplyRate(rate)
	net := order.Gross.MustSub(commissionAmount)

	return Calculation{
		OrderID:    order.OrderID,
		VendorID:   order.VendorID,
		Gross:      order.Gross,
		Rate:       rate,
		Commission: commissionAmount,
		Net:        net,
	}, nil
}
