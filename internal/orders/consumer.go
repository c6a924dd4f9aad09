// Package orders consumes settlement events from the order collaborator and
// feeds them into the commission ledger.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"vendorpay/internal/commission"
	"vendorpay/internal/common/events"
	"vendorpay/internal/common/money"
)

// Ledger is the commission-side surface the consumer drives.
type Ledger interface {
	HandleOrderSettled(ctx context.Context, order commission.OrderSettlement) (*commission.Commission, error)
	HandleOrderReversed(ctx context.Context, orderID, vendorID, reason string) error
}

// Consumer translates inbound order events into ledger operations.
type Consumer struct {
	ledger Ledger
	logger *slog.Logger
}

// NewConsumer creates an order event consumer.
func NewConsumer(ledger Ledger, logger *slog.Logger) *Consumer {
	return &Consumer{ledger: ledger, logger: logger}
}

// Handle processes one inbound event. Returning nil acknowledges the message;
// the broker redelivers on error, so anything already-applied must come back
// as success.
func (c *Consumer) Handle(ctx context.Context, event *events.Event) error {
	switch event.Type {
	case events.EventOrderSettled:
		return c.handleSettled(ctx, event)
	case events.EventOrderReversed:
		return c.handleReversed(ctx, event)
	default:
		// Unknown types on the stream are not ours to reject.
		c.logger.Debug("ignoring event", "type", event.Type)
		return nil
	}
}

func (c *Consumer) handleSettled(ctx context.Context, event *events.Event) error {
	var data events.OrderSettledData
	if err := event.DecodeData(&data); err != nil {
		return fmt.Errorf("decoding order.settled: %w", err)
	}

	order := commission.OrderSettlement{
		OrderID:     data.OrderID,
		VendorID:    data.VendorID,
		Gross:       money.New(data.GrossMinor, money.Currency(data.Currency)),
		CategoryIDs: data.CategoryIDs,
		SettledAt:   event.OccurredAt,
	}

	com, err := c.ledger.HandleOrderSettled(ctx, order)
	switch {
	case err == nil && com == nil:
		// Already applied but the record could not be read back; nothing
		// left to do for this delivery.
		c.logger.Info("settlement already applied",
			"order_id", data.OrderID,
			"vendor_id", data.VendorID,
		)
		return nil
	case err != nil:
		// Bad amounts are parked for review inside the ledger; a missing
		// rate config is an operator problem, and redelivering the message
		// cannot fix it faster than the operator can.
		if errors.Is(err, commission.ErrInvalidAmount) || errors.Is(err, commission.ErrNoRateConfigured) {
			c.logger.Warn("settlement parked",
				"order_id", data.OrderID,
				"vendor_id", data.VendorID,
				"reason", err,
			)
			return nil
		}
		return err
	}

	c.logger.Info("commission accrued",
		"commission_id", com.ID,
		"order_id", data.OrderID,
		"vendor_id", data.VendorID,
		"amount_minor", com.Amount.AmountMinor,
	)

	return nil
}

func (c *Consumer) handleReversed(ctx context.Context, event *events.Event) error {
	var data events.OrderReversedData
	if err := event.DecodeData(&data); err != nil {
		return fmt.Errorf("decoding order.reversed: %w", err)
	}

	if err := c.ledger.HandleOrderReversed(ctx, data.OrderID, data.VendorID, data.Reason); err != nil {
		return err
	}

	c.logger.Info("order reversal processed",
		"order_id", data.OrderID,
		"vendor_id", data.VendorID,
	)

	return nil
}
