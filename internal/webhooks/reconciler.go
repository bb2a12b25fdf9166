// Package webhooks ingests signed payment processor events and applies
// them to the ledger.
//
// Events confirm or correct what the synchronous escrow path already did,
// so most of them are pure status updates on a payment or transaction.
// The exceptions credit balances the processor settled out of band: a
// succeeded top-up, a failed payout returning its funds, and the recovery
// of a payment captured without a local record.
//
// Every handler checks the current status before writing. An event whose
// effect is already visible is acknowledged as a no-op, and an event the
// state machine forbids is acknowledged as rejected, so redelivery in any
// order and any number of times converges on the same state.
package webhooks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/ledger"
	"github.com/daniallc-1994/TaskUp/internal/logging"
	"github.com/daniallc-1994/TaskUp/internal/metrics"
	"github.com/daniallc-1994/TaskUp/internal/payments"
	"github.com/daniallc-1994/TaskUp/internal/processor"
	"github.com/daniallc-1994/TaskUp/internal/syncutil"
	"github.com/daniallc-1994/TaskUp/internal/traces"
)

// Outcome is what ingesting one event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"      // effect already present
	OutcomeRejected  Outcome = "rejected"  // forbidden by the state machine
	OutcomeIgnored   Outcome = "ignored"   // nothing local to apply it to
	OutcomeDuplicate Outcome = "duplicate" // event id seen before
)

// SourceWebhook labels transitions made by processor events.
const SourceWebhook = "webhook"

// Result describes an ingested event and the records it touched.
type Result struct {
	EventID     string              `json:"eventId"`
	Type        string              `json:"type"`
	Outcome     Outcome             `json:"outcome"`
	Reason      string              `json:"reason,omitempty"`
	Payment     *ledger.Payment     `json:"payment,omitempty"`
	Dispute     *ledger.Dispute     `json:"dispute,omitempty"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`

	transitions [][2]payments.Status
}

func (r *Result) set(o Outcome, reason string) {
	r.Outcome, r.Reason = o, reason
}

// inTx runs fn in one unit. The store may retry fn, so every attempt
// starts from an empty result.
func (r *Reconciler) inTx(ctx context.Context, res *Result, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		*res = Result{EventID: res.EventID, Type: res.Type}
		return fn(ctx, tx)
	})
}

// Reconciler applies processor events to the ledger.
type Reconciler struct {
	store  ledger.Store
	proc   processor.Processor
	dedupe Deduper
	gate   *syncutil.KeyedMutex
	logger *slog.Logger
}

// NewReconciler creates a Reconciler verifying events with proc.
func NewReconciler(store ledger.Store, proc processor.Processor) *Reconciler {
	return &Reconciler{
		store:  store,
		proc:   proc,
		dedupe: NewMemoryDeduper(DefaultDedupeTTL),
		gate:   syncutil.NewKeyedMutex(0),
		logger: slog.Default(),
	}
}

// WithDeduper replaces the in-memory event id deduper.
func (r *Reconciler) WithDeduper(d Deduper) *Reconciler {
	if d != nil {
		r.dedupe = d
	}
	return r
}

// WithLogger sets the reconciler logger.
func (r *Reconciler) WithLogger(l *slog.Logger) *Reconciler {
	if l != nil {
		r.logger = l
	}
	return r
}

// Ingest verifies a raw webhook body against its signature header and
// applies the event. A bad signature fails with an invalid_signature error
// and changes nothing.
func (r *Reconciler) Ingest(ctx context.Context, raw []byte, signature string) (*Result, error) {
	ev, err := r.proc.ParseEvent(raw, signature)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInvalidSignature {
			metrics.WebhookEventsTotal.WithLabelValues("unverified", "invalid_signature").Inc()
			logging.Security(ctx).Warn("webhook signature rejected", "bytes", len(raw), "error", err)
		}
		return nil, err
	}
	return r.Apply(ctx, ev)
}

// Apply applies a verified event. Only storage failures are returned as
// errors, so the processor redelivers; every other outcome is
// acknowledged.
func (r *Reconciler) Apply(ctx context.Context, ev *processor.Event) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "webhooks.Apply", traces.EventType(ev.Type))
	defer func() { traces.End(span, err) }()

	if ev.ID != "" {
		fresh, derr := r.dedupe.Claim(ctx, ev.ID)
		if derr != nil {
			r.logger.WarnContext(ctx, "webhook dedupe unavailable", "eventId", ev.ID, "error", derr)
			fresh = true
		}
		if !fresh {
			r.count(ev, OutcomeDuplicate)
			return &Result{EventID: ev.ID, Type: ev.Type, Outcome: OutcomeDuplicate}, nil
		}
	}

	unlock, err := r.gate.Lock(ctx, gateKey(ev))
	if err != nil {
		r.forget(ctx, ev)
		return nil, err
	}
	defer unlock()

	res = &Result{EventID: ev.ID, Type: ev.Type}
	if err := r.dispatch(ctx, ev, res); err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindStorage, apperr.KindInternal:
			r.forget(ctx, ev)
			r.logger.ErrorContext(ctx, "webhook apply failed", "eventId", ev.ID, "type", ev.Type, "error", err)
			return nil, err
		case apperr.KindNotFound:
			res.set(OutcomeIgnored, err.Error())
		default:
			res.set(OutcomeRejected, err.Error())
		}
	}

	for _, tr := range res.transitions {
		metrics.Transition(string(tr[0]), string(tr[1]), SourceWebhook)
	}
	r.count(ev, res.Outcome)

	log := r.logger.InfoContext
	if res.Outcome == OutcomeRejected {
		log = r.logger.WarnContext
	}
	log(ctx, "webhook event processed",
		"eventId", ev.ID,
		"type", ev.Type,
		"outcome", res.Outcome,
		"reason", res.Reason,
		"intentId", ev.IntentID,
		"transferId", ev.TransferID,
		"payoutId", ev.PayoutID,
	)
	return res, nil
}

func (r *Reconciler) dispatch(ctx context.Context, ev *processor.Event, res *Result) error {
	switch ev.Type {
	case processor.EventIntentSucceeded:
		return r.intentSucceeded(ctx, ev, res)
	case processor.EventIntentFailed:
		return r.intentFailed(ctx, ev, res)
	case processor.EventChargeRefunded:
		return r.chargeRefunded(ctx, ev, res)
	case processor.EventDisputeCreated:
		return r.disputeCreated(ctx, ev, res)
	case processor.EventDisputeClosed:
		return r.disputeClosed(ctx, ev, res)
	case processor.EventTransferCreated:
		return r.transferCreated(ctx, ev, res)
	case processor.EventTransferFailed:
		return r.transferFailed(ctx, ev, res)
	case processor.EventPayoutPaid:
		return r.payoutSettled(ctx, ev, ledger.TxSucceeded, res)
	case processor.EventPayoutFailed, processor.EventPayoutCanceled:
		return r.payoutSettled(ctx, ev, ledger.TxFailed, res)
	case processor.EventPayoutCreated:
		res.set(OutcomeNoop, "payout is pending until paid")
		return nil
	}
	res.set(OutcomeIgnored, "unhandled event type")
	return nil
}

func (r *Reconciler) count(ev *processor.Event, o Outcome) {
	typ := ev.Type
	if !known(typ) {
		typ = "other"
	}
	metrics.WebhookEventsTotal.WithLabelValues(typ, string(o)).Inc()
}

func (r *Reconciler) forget(ctx context.Context, ev *processor.Event) {
	if ev.ID == "" {
		return
	}
	if err := r.dedupe.Forget(ctx, ev.ID); err != nil {
		r.logger.WarnContext(ctx, "webhook dedupe forget failed", "eventId", ev.ID, "error", err)
	}
}

func (r *Reconciler) alert(ctx context.Context, reason string, args ...any) {
	metrics.AlertsTotal.WithLabelValues(reason).Inc()
	r.logger.ErrorContext(ctx, "ALERT: "+reason, args...)
}

func known(typ string) bool {
	switch typ {
	case processor.EventIntentSucceeded, processor.EventIntentFailed,
		processor.EventChargeRefunded, processor.EventDisputeCreated, processor.EventDisputeClosed,
		processor.EventTransferCreated, processor.EventTransferFailed,
		processor.EventPayoutCreated, processor.EventPayoutPaid, processor.EventPayoutFailed, processor.EventPayoutCanceled:
		return true
	}
	return false
}

// gateKey serializes events about the same processor object.
func gateKey(ev *processor.Event) string {
	switch {
	case ev.Metadata[ledger.MetaPaymentID] != "":
		return "payment:" + ev.Metadata[ledger.MetaPaymentID]
	case ev.IntentID != "":
		return "intent:" + ev.IntentID
	case ev.ChargeID != "":
		return "charge:" + ev.ChargeID
	case ev.TransferID != "":
		return "transfer:" + ev.TransferID
	case ev.PayoutID != "":
		return "payout:" + ev.PayoutID
	}
	return "object:" + ev.ObjectID
}

// findPayment resolves the payment an event refers to without holding its
// row, so callers can lock a dispute ahead of it.
func (r *Reconciler) findPayment(ctx context.Context, ev *processor.Event) (string, error) {
	if id := ev.Metadata[ledger.MetaPaymentID]; id != "" {
		return id, nil
	}
	refs := []struct {
		ref   ledger.Ref
		value string
	}{
		{ledger.RefIntent, ev.IntentID},
		{ledger.RefCharge, ev.ChargeID},
		{ledger.RefTransfer, ev.TransferID},
		{ledger.RefRefund, ev.RefundID},
	}
	var id string
	err := r.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		for _, ref := range refs {
			if ref.value == "" {
				continue
			}
			p, err := tx.LockPaymentByRef(ctx, ref.ref, ref.value)
			if err == nil {
				id = p.ID
				return nil
			}
			if !errors.Is(err, ledger.ErrPaymentNotFound) {
				return err
			}
		}
		return ledger.ErrPaymentNotFound
	})
	return id, err
}

// moveTo writes target onto p unless p is already there (noop) or the
// state machine forbids it (rejected). mutate records references on p
// alongside the status.
func moveTo(ctx context.Context, tx ledger.Tx, p *ledger.Payment, target payments.Status, res *Result, mutate func(p *ledger.Payment)) error {
	res.Payment = p
	if p.Status == target {
		res.set(OutcomeNoop, "payment already "+string(target))
		return nil
	}
	if !payments.CanTransition(p.Status, target) {
		res.set(OutcomeRejected, string(p.Status)+" -> "+string(target)+" not allowed")
		return nil
	}
	from := p.Status
	p.Status = target
	if mutate != nil {
		mutate(p)
	}
	p.UpdatedAt = time.Now().UTC()
	if err := tx.UpdatePayment(ctx, p, from); err != nil {
		return err
	}
	res.transitions = append(res.transitions, [2]payments.Status{from, target})
	res.set(OutcomeApplied, "")
	return nil
}

// recordRefs writes references onto p without changing its status.
func recordRefs(ctx context.Context, tx ledger.Tx, p *ledger.Payment, mutate func(p *ledger.Payment) bool) error {
	if !mutate(p) {
		return nil
	}
	p.UpdatedAt = time.Now().UTC()
	return tx.UpdatePayment(ctx, p, p.Status)
}
