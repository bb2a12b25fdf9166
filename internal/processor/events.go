package processor

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
)

// DefaultTolerance is how old a signed webhook may be.
const DefaultTolerance = 5 * time.Minute

// ParseSignedEvent checks a Stripe-Signature header against secret and
// normalizes the event. Both processor implementations verify this way,
// so offline deployments accept the same signed payloads.
func ParseSignedEvent(payload []byte, header, secret string, tolerance time.Duration) (*Event, error) {
	if secret == "" {
		return nil, apperr.Wrapf(ErrInvalidSignature, "no webhook secret configured")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	ev, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, apperr.Wrap(ErrInvalidSignature, err)
	}
	return normalize(ev)
}

// stripeObject holds the fields of the event's data.object that matter
// across intents, charges, disputes, refunds, transfers and payouts.
type stripeObject struct {
	ID             string            `json:"id"`
	Object         string            `json:"object"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	PaymentIntent  json.RawMessage   `json:"payment_intent"`
	Charge         json.RawMessage   `json:"charge"`
	LatestCharge   json.RawMessage   `json:"latest_charge"`
	Metadata       map[string]string `json:"metadata"`
	Refunds        *struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"refunds"`
}

func normalize(ev stripe.Event) (*Event, error) {
	out := &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, nil
	}

	var obj stripeObject
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
		return nil, apperr.Wrap(ErrMalformedEvent, err)
	}
	out.ObjectID = obj.ID
	out.Amount = obj.Amount
	out.Currency = strings.ToUpper(obj.Currency)
	out.Metadata = obj.Metadata

	switch obj.Object {
	case "payment_intent":
		out.IntentID = obj.ID
		out.ChargeID = expandableID(obj.LatestCharge)
		if obj.AmountReceived > 0 {
			out.Amount = obj.AmountReceived
		}
	case "charge":
		out.ChargeID = obj.ID
		out.IntentID = expandableID(obj.PaymentIntent)
		if obj.Refunds != nil && len(obj.Refunds.Data) > 0 {
			out.RefundID = obj.Refunds.Data[0].ID
		}
	case "dispute":
		out.DisputeID = obj.ID
		out.ChargeID = expandableID(obj.Charge)
		out.IntentID = expandableID(obj.PaymentIntent)
	case "refund":
		out.RefundID = obj.ID
		out.ChargeID = expandableID(obj.Charge)
		out.IntentID = expandableID(obj.PaymentIntent)
	case "transfer":
		out.TransferID = obj.ID
	case "payout":
		out.PayoutID = obj.ID
	}
	return out, nil
}

// expandableID reads a Stripe field that is either an id string or an
// expanded object with an id.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
