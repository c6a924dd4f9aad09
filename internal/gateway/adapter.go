// Package gateway adapts the external disbursement rail to the payout
// processor over NATS request-reply.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"vendorpay/internal/payout"
)

// NATS subjects for the disbursement service.
const (
	SubjectPay    = "disbursement.pay"
	SubjectStatus = "disbursement.status"
)

// Decline codes from the disbursement service. Terminal declines mean the
// destination itself is bad and retrying the same instruction cannot succeed.
const (
	DeclineDestinationInvalid = "DESTINATION_INVALID"
	DeclineAccountClosed      = "ACCOUNT_CLOSED"
	DeclineVendorBlocked      = "VENDOR_BLOCKED"

	DeclineInsufficientFunds = "INSUFFICIENT_PLATFORM_FUNDS"
	DeclineRailUnavailable   = "RAIL_UNAVAILABLE"
	DeclineNetworkError      = "NETWORK_ERROR"
)

var terminalDeclines = map[string]bool{
	DeclineDestinationInvalid: true,
	DeclineAccountClosed:      true,
	DeclineVendorBlocked:      true,
}

// Config holds disbursement adapter configuration.
type Config struct {
	PlatformAccountID string        `envconfig:"DISBURSEMENT_PLATFORM_ACCOUNT" default:"platform-settlement"`
	RequestTimeout    time.Duration `envconfig:"DISBURSEMENT_TIMEOUT" default:"30s"`
}

// PayRequest is sent to the disbursement service.
type PayRequest struct {
	IdempotencyKey    string `json:"idempotencyKey"`
	PlatformAccountID string `json:"platformAccountId"`
	VendorID          string `json:"vendorId"`
	Method            string `json:"method"`
	Destination       string `json:"destination"`
	AmountMinor       int64  `json:"amountMinor"`
	Currency          string `json:"currency"`
}

// PayResponse from the disbursement service.
type PayResponse struct {
	Success       bool   `json:"success"`
	ProviderTxnID string `json:"providerTxnId"`
	DeclineCode   string `json:"declineCode,omitempty"`
	Message       string `json:"message,omitempty"`
}

// StatusRequest queries a transfer by idempotency key.
type StatusRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
}

// StatusResponse from the disbursement service.
type StatusResponse struct {
	Found         bool   `json:"found"`
	Settled       bool   `json:"settled"`
	ProviderTxnID string `json:"providerTxnId,omitempty"`
	DeclineCode   string `json:"declineCode,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Adapter implements payout.PaymentGateway over the disbursement service.
type Adapter struct {
	config Config
	nc     *nats.Conn
	logger *slog.Logger
}

// NewAdapter creates a new disbursement adapter.
func NewAdapter(cfg Config, nc *nats.Conn, logger *slog.Logger) *Adapter {
	return &Adapter{config: cfg, nc: nc, logger: logger}
}

// Pay executes a transfer. A declined transfer comes back as a
// payout.GatewayError carrying the rail's decline code; rail timeouts
// surface as context.DeadlineExceeded so the caller can run a status lookup.
func (a *Adapter) Pay(ctx context.Context, req payout.GatewayRequest) (*payout.GatewayResult, error) {
	a.logger.Info("submitting transfer",
		"idempotency_key", req.IdempotencyKey,
		"vendor_id", req.VendorID,
		"method", req.Method,
		"amount_minor", req.Amount.AmountMinor,
	)

	payReq := PayRequest{
		IdempotencyKey:    req.IdempotencyKey,
		PlatformAccountID: a.config.PlatformAccountID,
		VendorID:          req.VendorID,
		Method:            req.Method,
		Destination:       req.Destination,
		AmountMinor:       req.Amount.AmountMinor,
		Currency:          string(req.Amount.Currency),
	}
	reqData, _ := json.Marshal(payReq)

	msg, err := a.nc.RequestWithContext(ctx, SubjectPay, reqData)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("nats request: %w", err)
	}

	var resp PayResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal pay response: %w", err)
	}

	if !resp.Success {
		return nil, declineError(resp.DeclineCode, resp.Message)
	}

	a.logger.Info("transfer accepted",
		"idempotency_key", req.IdempotencyKey,
		"provider_txn_id", resp.ProviderTxnID,
	)

	return &payout.GatewayResult{ProviderTxnID: resp.ProviderTxnID, Settled: true}, nil
}

// Lookup queries the outcome of a transfer by idempotency key.
func (a *Adapter) Lookup(ctx context.Context, idempotencyKey string) (*payout.GatewayResult, error) {
	reqData, _ := json.Marshal(StatusRequest{IdempotencyKey: idempotencyKey})

	msg, err := a.nc.RequestWithContext(ctx, SubjectStatus, reqData)
	if err != nil {
		return nil, fmt.Errorf("nats status request: %w", err)
	}

	var resp StatusResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal status response: %w", err)
	}

	if !resp.Found {
		// The rail never saw the instruction; retrying is safe.
		return &payout.GatewayResult{Settled: false}, nil
	}
	if !resp.Settled && resp.DeclineCode != "" {
		return nil, declineError(resp.DeclineCode, resp.Message)
	}

	return &payout.GatewayResult{ProviderTxnID: resp.ProviderTxnID, Settled: resp.Settled}, nil
}

func declineError(code, message string) *payout.GatewayError {
	if code == "" {
		code = DeclineNetworkError
	}
	return &payout.GatewayError{
		Code:     code,
		Message:  message,
		Terminal: terminalDeclines[code],
	}
}
