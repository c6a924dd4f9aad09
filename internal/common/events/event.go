package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	PublishBatch(ctx context.Context, events []*Event) error
}

// EventHandler handles incoming events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
	EventTypes() []string
}

// Event types
const (
	// Commission events
	EventCommissionAccrued   = "commission.accrued"
	EventCommissionCancelled = "commission.cancelled"
	EventCommissionFlagged   = "commission.flagged"

	// Payout events
	EventPayoutCreated   = "payout.created"
	EventPayoutCompleted = "payout.completed"
	EventPayoutFailed    = "payout.failed"
	EventPayoutCancelled = "payout.cancelled"
	EventPayoutRequeued  = "payout.retry_scheduled"

	// Rate events
	EventRateRuleSet = "rates.rule.set"

	// Operator alerts
	EventOperatorAlert = "ops.alert.raised"
)

// Inbound subjects and event types from the order collaborator.
const (
	SubjectOrderSettled  = "orders.events.settled"
	SubjectOrderReversed = "orders.events.reversed"

	EventOrderSettled  = "order.settled"
	EventOrderReversed = "order.reversed"
)

// Outbound subject for the notification collaborator.
const SubjectVendorNotification = "notifications.vendor.payout"

// CommissionAccruedData is the data for commission.accrued events
type CommissionAccruedData struct {
	CommissionID string `json:"commission_id"`
	OrderID      string `json:"order_id"`
	VendorID     string `json:"vendor_id"`
	GrossMinor   int64  `json:"gross_minor"`
	AmountMinor  int64  `json:"amount_minor"`
	NetMinor     int64  `json:"net_minor"`
	Currency     string `json:"currency"`
	RateBps      int64  `json:"rate_bps"`
}

// CommissionFlaggedData is the data for commission.flagged events. The order
// is parked for manual review rather than accrued.
type CommissionFlaggedData struct {
	OrderID    string `json:"order_id"`
	VendorID   string `json:"vendor_id"`
	GrossMinor int64  `json:"gross_minor"`
	Currency   string `json:"currency"`
	Reason     string `json:"reason"`
}

// PayoutCreatedData is the data for payout.created events
type PayoutCreatedData struct {
	PayoutID      string   `json:"payout_id"`
	VendorID      string   `json:"vendor_id"`
	AmountMinor   int64    `json:"amount_minor"`
	Currency      string   `json:"currency"`
	CommissionIDs []string `json:"commission_ids"`
	CreatedBy     string   `json:"created_by"`
}

// PayoutOutcomeData is the data for payout.completed / payout.failed /
// payout.cancelled events, and the payload of vendor notifications.
type PayoutOutcomeData struct {
	PayoutID      string    `json:"payout_id"`
	VendorID      string    `json:"vendor_id"`
	AmountMinor   int64     `json:"amount_minor"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	ProviderTxnID string    `json:"provider_txn_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// OperatorAlertData is the data for ops.alert.raised events
type OperatorAlertData struct {
	Severity string `json:"severity"`
	Subject  string `json:"subject"`
	Message  string `json:"message"`
	PayoutID string `json:"payout_id,omitempty"`
	VendorID string `json:"vendor_id,omitempty"`
}

// OrderSettledData is the inbound payload from the order collaborator.
type OrderSettledData struct {
	OrderID     string   `json:"order_id"`
	VendorID    string   `json:"vendor_id"`
	GrossMinor  int64    `json:"gross_minor"`
	Currency    string   `json:"currency"`
	CategoryIDs []string `json:"category_ids,omitempty"`
}

// OrderReversedData is the inbound payload for order reversals.
type OrderReversedData struct {
	OrderID  string `json:"order_id"`
	VendorID string `json:"vendor_id"`
	Reason   string `json:"reason,omitempty"`
}
