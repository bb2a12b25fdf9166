// Package processor is the boundary to the external payment processor.
//
// The ledger never depends on a concrete processor. Composition picks
// StripeProcessor when credentials are configured and NullProcessor
// otherwise; either is normally wrapped in Guarded, which adds a per-call
// timeout, a circuit breaker, tracing and metrics.
package processor

import (
	"context"
	"time"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
)

var (
	ErrCallFailed       = apperr.New(apperr.KindTransferFailed, "processor_call_failed", "payment processor call failed")
	ErrTimeout          = apperr.New(apperr.KindTransferFailed, "processor_timeout", "payment processor call timed out")
	ErrUnavailable      = apperr.New(apperr.KindTransferFailed, "processor_unavailable", "payment processor temporarily unavailable")
	ErrInvalidSignature = apperr.New(apperr.KindInvalidSignature, "invalid_signature", "webhook signature verification failed")
	ErrMalformedEvent   = apperr.New(apperr.KindInvalidRequest, "malformed_event", "webhook payload could not be decoded")
)

// Processor event types the reconciler understands.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded  = "charge.refunded"
	EventDisputeCreated  = "charge.dispute.created"
	EventDisputeClosed   = "charge.dispute.closed"
	EventTransferCreated = "transfer.created"
	EventTransferFailed  = "transfer.failed"
	EventPayoutCreated   = "payout.created"
	EventPayoutPaid      = "payout.paid"
	EventPayoutFailed    = "payout.failed"
	EventPayoutCanceled  = "payout.canceled"
)

//go:generate mockgen -source=processor.go -destination=mock_processor.go -package=processor

// Processor is the set of processor capabilities the ledger uses.
// Every mutating call carries an idempotency key so a retried request
// returns the original result instead of moving money twice.
type Processor interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	Transfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
	Payout(ctx context.Context, req PayoutRequest) (*Payout, error)
	// ParseEvent verifies a webhook signature and decodes the event.
	ParseEvent(payload []byte, signature string) (*Event, error)
}

type IntentRequest struct {
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

type Intent struct {
	ID           string
	ClientSecret string
	Status       string
}

type TransferRequest struct {
	Amount         int64
	Currency       string
	Destination    string
	Group          string
	Metadata       map[string]string
	IdempotencyKey string
}

type Transfer struct {
	ID string
}

type RefundRequest struct {
	IntentID       string
	Amount         int64 // zero refunds the whole charge
	Metadata       map[string]string
	IdempotencyKey string
}

type Refund struct {
	ID     string
	Status string
}

type PayoutRequest struct {
	Amount         int64
	Currency       string
	Account        string
	Metadata       map[string]string
	IdempotencyKey string
}

type Payout struct {
	ID     string
	Status string
}

// Event is a verified processor notification reduced to the references
// the reconciler matches on.
type Event struct {
	ID         string
	Type       string
	ObjectID   string
	IntentID   string
	ChargeID   string
	TransferID string
	RefundID   string
	PayoutID   string
	DisputeID  string
	Amount     int64
	Currency   string
	Metadata   map[string]string
	Created    time.Time
}
