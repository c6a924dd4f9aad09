// Package notify delivers payout outcome notifications to vendors.
package notify

import (
	"log/slog"

	"vendorpay/internal/common/events"
)

// Sender publishes a notification payload to a subject, fire-and-forget.
type Sender interface {
	Notify(subject string, payload interface{})
}

// Dispatcher sends vendor notifications. Delivery is best-effort: the
// notification channel owns retries and fan-out, and a delivery failure
// never touches payout state.
type Dispatcher struct {
	sender Sender
	logger *slog.Logger
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(sender Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, logger: logger}
}

// NotifyPayoutOutcome tells the vendor how their payout ended.
func (d *Dispatcher) NotifyPayoutOutcome(data events.PayoutOutcomeData) {
	d.sender.Notify(events.SubjectVendorNotification, data)

	d.logger.Debug("vendor notification dispatched",
		"payout_id", data.PayoutID,
		"vendor_id", data.VendorID,
		"status", data.Status,
	)
}
