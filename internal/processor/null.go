package processor

import (
	"context"
	"sync"
	"time"

	"github.com/daniallc-1994/TaskUp/internal/idgen"
)

// NullProcessor moves no real money. Every call succeeds with a
// generated id, which keeps development and offline deployments on the
// same code path as production. Webhooks are still signature-checked.
type NullProcessor struct {
	webhookSecret string
	tolerance     time.Duration

	mu        sync.Mutex
	byKey     map[string]string
	transfers int
}

// NewNullProcessor creates a NullProcessor verifying webhooks with secret.
func NewNullProcessor(webhookSecret string, tolerance time.Duration) *NullProcessor {
	return &NullProcessor{
		webhookSecret: webhookSecret,
		tolerance:     tolerance,
		byKey:         make(map[string]string),
	}
}

// id returns the id previously issued for key, or a new one.
func (n *NullProcessor) id(prefix, key string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if key != "" {
		if id, ok := n.byKey[prefix+key]; ok {
			return id
		}
	}
	id := idgen.WithPrefix(prefix + "null_")
	if key != "" {
		n.byKey[prefix+key] = id
	}
	return id
}

func (n *NullProcessor) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	id := n.id("pi_", req.IdempotencyKey)
	return &Intent{ID: id, ClientSecret: id + "_secret", Status: "requires_payment_method"}, nil
}

func (n *NullProcessor) Transfer(_ context.Context, req TransferRequest) (*Transfer, error) {
	n.mu.Lock()
	n.transfers++
	n.mu.Unlock()
	return &Transfer{ID: n.id("tr_", req.IdempotencyKey)}, nil
}

func (n *NullProcessor) Refund(_ context.Context, req RefundRequest) (*Refund, error) {
	return &Refund{ID: n.id("re_", req.IdempotencyKey), Status: "succeeded"}, nil
}

func (n *NullProcessor) Payout(_ context.Context, req PayoutRequest) (*Payout, error) {
	return &Payout{ID: n.id("po_", req.IdempotencyKey), Status: "pending"}, nil
}

func (n *NullProcessor) ParseEvent(payload []byte, signature string) (*Event, error) {
	return ParseSignedEvent(payload, signature, n.webhookSecret, n.tolerance)
}

// Transfers reports how many transfer calls were made.
func (n *NullProcessor) Transfers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transfers
}

var _ Processor = (*NullProcessor)(nil)
