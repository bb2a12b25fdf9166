package processor

import (
	"context"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProcessor talks to Stripe with Connect transfers and payouts.
type StripeProcessor struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
}

// NewStripeProcessor creates a processor authenticated with secretKey.
// Webhooks are verified against webhookSecret.
func NewStripeProcessor(secretKey, webhookSecret string, tolerance time.Duration) *StripeProcessor {
	return &StripeProcessor{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
		tolerance:     tolerance,
	}
}

func (s *StripeProcessor) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	prepare(ctx, &params.Params, req.IdempotencyKey, req.Metadata)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, err
	}
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

func (s *StripeProcessor) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.Destination),
	}
	if req.Group != "" {
		params.TransferGroup = stripe.String(req.Group)
	}
	prepare(ctx, &params.Params, req.IdempotencyKey, req.Metadata)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, err
	}
	return &Transfer{ID: tr.ID}, nil
}

func (s *StripeProcessor) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	prepare(ctx, &params.Params, req.IdempotencyKey, req.Metadata)

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, err
	}
	return &Refund{ID: r.ID, Status: string(r.Status)}, nil
}

func (s *StripeProcessor) Payout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.SetStripeAccount(req.Account)
	prepare(ctx, &params.Params, req.IdempotencyKey, req.Metadata)

	po, err := s.api.Payouts.New(params)
	if err != nil {
		return nil, err
	}
	return &Payout{ID: po.ID, Status: string(po.Status)}, nil
}

func (s *StripeProcessor) ParseEvent(payload []byte, signature string) (*Event, error) {
	return ParseSignedEvent(payload, signature, s.webhookSecret, s.tolerance)
}

func prepare(ctx context.Context, p *stripe.Params, idempotencyKey string, metadata map[string]string) {
	p.Context = ctx
	if idempotencyKey != "" {
		p.SetIdempotencyKey(idempotencyKey)
	}
	for k, v := range metadata {
		p.AddMetadata(k, v)
	}
}

var _ Processor = (*StripeProcessor)(nil)
