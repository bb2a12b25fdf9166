package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/daniallc-1994/TaskUp/internal/escrow"
	"github.com/daniallc-1994/TaskUp/internal/idgen"
	"github.com/daniallc-1994/TaskUp/internal/ledger"
	"github.com/daniallc-1994/TaskUp/internal/metrics"
	"github.com/daniallc-1994/TaskUp/internal/payments"
	"github.com/daniallc-1994/TaskUp/internal/processor"
)

// Intent metadata that lets a capture with no local payment be recovered.
const (
	MetaInitiator = "initiator"
	MetaPayeeID   = "payee_id"
)

func (r *Reconciler) intentSucceeded(ctx context.Context, ev *processor.Event, res *Result) error {
	if ev.IntentID == "" {
		res.set(OutcomeIgnored, "event has no intent id")
		return nil
	}
	var credited int64
	err := r.inTx(ctx, res, func(ctx context.Context, tx ledger.Tx) error {
		credited = 0
		t, err := tx.LockTransactionByRef(ctx, ledger.TxTopUp, ledger.RefIntent, ev.IntentID)
		switch {
		case err == nil:
			if ev.Amount != 0 && ev.Amount != t.Amount {
				r.logger.WarnContext(ctx, "top-up amount differs from intent",
					"intentId", ev.IntentID, "recorded", t.Amount, "captured", ev.Amount)
			}
			if err := settleFunds(ctx, tx, t, ledger.TxSucceeded, res); err != nil {
				return err
			}
			if res.Outcome == OutcomeApplied {
				credited = t.Amount
			}
			return nil
		case !errors.Is(err, ledger.ErrTransactionNotFound):
			return err
		}

		p, err := tx.LockPaymentByRef(ctx, ledger.RefIntent, ev.IntentID)
		switch {
		case err == nil:
			return captured(ctx, tx, p, ev, res)
		case !errors.Is(err, ledger.ErrPaymentNotFound):
			return err
		}

		if ev.Metadata[escrow.MetaPurpose] == escrow.PurposeTopUp {
			if err := recoverTopUp(ctx, tx, ev, res); err != nil {
				return err
			}
			if res.Outcome == OutcomeApplied {
				credited = ev.Amount
			}
			return nil
		}
		return recoverPayment(ctx, tx, ev, res)
	})
	if err == nil && credited > 0 {
		metrics.EscrowAmountMoved.WithLabelValues("topup", res.Transaction.Currency).Add(float64(credited))
	}
	return err
}

// captured confirms a payment the escrow path already holds.
func captured(ctx context.Context, tx ledger.Tx, p *ledger.Payment, ev *processor.Event, res *Result) error {
	res.Payment = p
	switch p.Status {
	case payments.StatusEscrowed:
		res.set(OutcomeNoop, "payment already escrowed")
	case payments.StatusFailed:
		res.set(OutcomeRejected, "payment already failed")
		return nil
	default:
		res.set(OutcomeNoop, "payment already "+string(p.Status))
	}
	return recordRefs(ctx, tx, p, func(p *ledger.Payment) bool {
		if p.ChargeID == "" && ev.ChargeID != "" {
			p.ChargeID = ev.ChargeID
			return true
		}
		return false
	})
}

// recoverTopUp books a succeeded top-up whose pending row was never
// written.
func recoverTopUp(ctx context.Context, tx ledger.Tx, ev *processor.Event, res *Result) error {
	owner := ev.Metadata[escrow.MetaOwnerID]
	if owner == "" || ev.Amount <= 0 {
		res.set(OutcomeIgnored, "top-up intent without owner or amount")
		return nil
	}
	w, err := ledger.GetOrCreateWallet(ctx, tx, owner, ev.Currency)
	if err != nil {
		return err
	}
	if err := w.CreditAvailable(ev.Amount); err != nil {
		return err
	}
	w.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return err
	}
	t := ledger.NewTransaction(w, ledger.TxTopUp, ev.Amount, ledger.TxSucceeded)
	t.IntentID = ev.IntentID
	t.Metadata[ledger.MetaOwnerID] = owner
	if err := tx.AppendTransaction(ctx, t); err != nil {
		return err
	}
	res.Transaction = t
	res.set(OutcomeApplied, "recovered top-up")
	return nil
}

// recoverPayment creates the escrowed payment for a capture that bypassed
// the escrow path. The captured amount enters the payer's wallet as a
// top-up and is held in the same unit.
func recoverPayment(ctx context.Context, tx ledger.Tx, ev *processor.Event, res *Result) error {
	md := ev.Metadata
	payer, payee := md[MetaInitiator], md[MetaPayeeID]
	taskID, offerID := md[ledger.MetaTaskID], md[ledger.MetaOfferID]
	if payer == "" || payee == "" || taskID == "" || offerID == "" || ev.Amount <= 0 {
		res.set(OutcomeIgnored, "no local payment and not enough metadata to recover one")
		return nil
	}
	if payer == payee {
		res.set(OutcomeRejected, "payer and payee are the same")
		return nil
	}

	w, err := ledger.GetOrCreateWallet(ctx, tx, payer, ev.Currency)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p := &ledger.Payment{
		ID:        idgen.WithPrefix("pay_"),
		TaskID:    taskID,
		OfferID:   offerID,
		PayerID:   payer,
		PayeeID:   payee,
		WalletID:  w.ID,
		Amount:    ev.Amount,
		Currency:  w.Currency,
		Status:    payments.StatusEscrowed,
		IntentID:  ev.IntentID,
		ChargeID:  ev.ChargeID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.CreatePayment(ctx, p); err != nil {
		return err
	}

	if err := w.CreditAvailable(ev.Amount); err != nil {
		return err
	}
	if err := w.Hold(ev.Amount); err != nil {
		return err
	}
	w.UpdatedAt = now
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return err
	}
	for _, typ := range []ledger.TxType{ledger.TxTopUp, ledger.TxEscrowHold} {
		t := ledger.NewTransaction(w, typ, ev.Amount, ledger.TxSucceeded)
		t.IntentID = ev.IntentID
		t.Metadata[ledger.MetaPaymentID] = p.ID
		t.Metadata[ledger.MetaTaskID] = taskID
		t.Metadata[ledger.MetaOfferID] = offerID
		if err := tx.AppendTransaction(ctx, t); err != nil {
			return err
		}
		res.Transaction = t
	}

	res.Payment = p
	res.transitions = append(res.transitions, [2]payments.Status{"none", payments.StatusEscrowed})
	res.set(OutcomeApplied, "recovered payment from processor capture")
	return nil
}

func (r *Reconciler) intentFailed(ctx context.Context, ev *processor.Event, res *Result) error {
	if ev.IntentID == "" {
		res.set(OutcomeIgnored, "event has no intent id")
		return nil
	}
	return r.inTx(ctx, res, func(ctx context.Context, tx ledger.Tx) error {
		t, err := tx.LockTransactionByRef(ctx, ledger.TxTopUp, ledger.RefIntent, ev.IntentID)
		switch {
		case err == nil:
			return settleFunds(ctx, tx, t, ledger.TxFailed, res)
		case !errors.Is(err, ledger.ErrTransactionNotFound):
			return err
		}
		p, err := tx.LockPaymentByRef(ctx, ledger.RefIntent, ev.IntentID)
		if err != nil {
			return err
		}
		if err := moveTo(ctx, tx, p, payments.StatusFailed, res, nil); err != nil {
			return err
		}
		if p.Status != payments.StatusFailed {
			return nil
		}
		// The hold came out of the payer's wallet; a failed charge gives it back.
		back, err := ledger.ReturnFailedHold(ctx, tx, p)
		if err != nil {
			return err
		}
		if back != nil {
			res.Transaction = back
		}
		return nil
	})
}

func (r *Reconciler) chargeRefunded(ctx context.Context, ev *processor.Event, res *Result) error {
	id, err := r.findPayment(ctx, ev)
	if err != nil {
		return err
	}
	return r.inTx(ctx, res, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.ActiveDispute(ctx, id)
		if err != nil && !errors.Is(err, ledger.ErrDisputeNotFound) {
			return err
		}
		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		if ev.RefundID != "" && p.RefundID == ev.RefundID {
			res.Payment = p
			res.set(OutcomeNoop, "refund already recorded")
			return nil
		}
		if p.Status == payments.StatusRefunded {
			res.set(OutcomeNoop, "payment already refunded")
			res.Payment = p
			return recordRefs(ctx, tx, p, func(p *ledger.Payment) bool {
				if p.RefundID == "" && ev.RefundID != "" {
					p.RefundID = ev.RefundID
					return true
				}
				return false
			})
		}
		if err := moveTo(ctx, tx, p, payments.StatusRefunded, res, func(p *ledger.Payment) {
			if ev.RefundID != "" {
				p.RefundID = ev.RefundID
			}
		}); err != nil {
			return err
		}
		if res.Outcome == OutcomeApplied && d != nil {
			from := d.Status
			d.Status = ledger.DisputeRefunded
			d.UpdatedAt = time.Now().UTC()
			if err := tx.UpdateDispute(ctx, d, from); err != nil {
				return err
			}
			res.Dispute = d
		}
		return nil
	})
}

func (r *Reconciler) disputeCreated(ctx context.Context, ev *processor.Event, res *Result) error {
	if ev.DisputeID == "" {
		res.set(OutcomeIgnored, "event has no dispute id")
		return nil
	}
	id, err := r.findPayment(ctx, ev)
	if err != nil {
		return err
	}
	var opened bool
	err = r.inTx(ctx, res, func(ctx context.Context, tx ledger.Tx) error {
		opened = false
		existing, err := tx.LockDisputeByRef(ctx, ev.DisputeID)
		if err == nil {
			res.Dispute = existing
			res.set(OutcomeNoop, "dispute already recorded")
			return nil
		}
		if !errors.Is(err, ledger.ErrDisputeNotFound) {
			return err
		}
		active, err := tx.ActiveDispute(ctx, id)
		if err != nil && !errors.Is(err, ledger.ErrDisputeNotFound) {
			return err
		}

		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		res.Payment = p
		if p.Status != payments.StatusDisputed && !payments.CanTransition(p.Status, payments.StatusDisputed) {
			res.set(OutcomeRejected, "payment already "+string(p.Status))
			r.alert(ctx, "dispute_on_settled_payment", "paymentId", p.ID, "disputeRef", ev.DisputeID, "status", p.Status)
			return nil
		}

		now := time.Now().UTC()
		if active != nil {
			if active.ExternalRef != "" {
				res.Dispute = active
				res.set(OutcomeRejected, "payment already has a processor dispute "+active.ExternalRef)
				return nil
			}
			active.ExternalRef = ev.DisputeID
			active.UpdatedAt = now
			if err := tx.UpdateDispute(ctx, active, active.Status); err != nil {
				return err
			}
			res.Dispute = active
		} else {
			reason := "processor dispute " + ev.DisputeID
			if why := ev.Metadata["reason"]; why != "" {
				reason += ": " + why
			}
			d := &ledger.Dispute{
				ID:          idgen.WithPrefix("dsp_"),
				TaskID:      p.TaskID,
				PaymentID:   p.ID,
				RaisedBy:    p.PayerID,
				Against:     p.PayeeID,
				Reason:      reason,
				Status:      ledger.DisputeOpen,
				ExternalRef: ev.DisputeID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.CreateDispute(ctx, d); err != nil {
				return err
			}
			res.Dispute = d
			opened = true
		}

		if err := moveTo(ctx, tx, p, payments.StatusDisputed, res, nil); err != nil {
			return err
		}
		res.set(OutcomeApplied, "")
		return nil
	})
	if err == nil && res.Outcome == OutcomeApplied {
		if opened {
			metrics.DisputesTotal.WithLabelValues(string(ledger.DisputeOpen)).Inc()
		}
		r.alert(ctx, "processor_dispute", "paymentId", id, "disputeRef", ev.DisputeID)
	}
	return err
}

func (r *Reconciler) disputeClosed(ctx context.Context, ev *processor.Event, res *Result) error {
	id, findErr := r.findPayment(ctx, ev)
	if findErr != nil && !errors.Is(findErr, ledger.ErrPaymentNotFound) {
		return findErr
	}
	return r.inTx(ctx, res, func(ctx context.Context, tx ledger.Tx) error {
		var changed bool
		if ev.DisputeID != "" {
			d, err := tx.LockDisputeByRef(ctx, ev.DisputeID)
			switch {
			case err == nil:
				res.Dispute = d
				id = d.PaymentID
				if !d.Status.IsTerminal() {
					from := d.Status
					d.Status = ledger.DisputeClosed
					d.UpdatedAt = time.Now().UTC()
					if err := tx.UpdateDispute(ctx, d, from); err != nil {
						return err
					}
					changed = true
				}
			case !errors.Is(err, ledger.ErrDisputeNotFound):
				return err
			}
		}
		if id == "" {
			return ledger.ErrPaymentNotFound
		}

		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		res.Payment = p
		if p.Status == payments.StatusDisputed {
			if err := moveTo(ctx, tx, p, payments.StatusEscrowed, res, nil); err != nil {
				return err
			}
			return nil
		}
		if changed {
			res.set(OutcomeApplied, "")
		} else {
			res.set(OutcomeNoop, "dispute already settled")
		}
		return nil
	})
}

func (r *Reconciler) transferCreated(ctx context.Context, ev *processor.Event, res *Result) error {
	id, err := r.findPayment(ctx, ev)
	if err != nil {
		return err
	}
	return r.inTx(ctx, res, func(ctx context.Context, tx ledger.Tx) error {
		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		res.Payment = p
		switch {
		case p.TransferID != "" && p.TransferID != ev.TransferID:
			res.set(OutcomeRejected, "payment has a different transfer "+p.TransferID)
			return nil
		case p.TransferID == ev.TransferID && p.ReleasedAmount > 0:
			res.set(OutcomeNoop, "transfer already booked")
			return nil
		}
		return moveTo(ctx, tx, p, payments.StatusReleased, res, func(p *ledger.Payment) {
			p.TransferID = ev.TransferID
		})
	})
}

func (r *Reconciler) transferFailed(ctx context.Context, ev *processor.Event, res *Result) error {
	id, err := r.findPayment(ctx, ev)
	if err != nil {
		r.alert(ctx, "transfer_failed", "transferId", ev.TransferID, "error", err)
		return err
	}
	r.alert(ctx, "transfer_failed", "paymentId", id, "transferId", ev.TransferID)
	return r.inTx(ctx, res, func(ctx context.Context, tx ledger.Tx) error {
		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		return moveTo(ctx, tx, p, payments.StatusEscrowed, res, nil)
	})
}

func (r *Reconciler) payoutSettled(ctx context.Context, ev *processor.Event, to ledger.TxStatus, res *Result) error {
	if ev.PayoutID == "" {
		res.set(OutcomeIgnored, "event has no payout id")
		return nil
	}
	err := r.inTx(ctx, res, func(ctx context.Context, tx ledger.Tx) error {
		t, err := tx.LockTransactionByRef(ctx, ledger.TxPayout, ledger.RefPayout, ev.PayoutID)
		if err != nil {
			return err
		}
		return settleFunds(ctx, tx, t, to, res)
	})
	if err == nil && to == ledger.TxFailed && res.Outcome == OutcomeApplied {
		r.alert(ctx, "payout_failed", "payoutId", ev.PayoutID, "type", ev.Type)
	}
	return err
}

// settleFunds moves a pending top-up or payout to its final status and
// adjusts the wallet so the log still replays: a succeeded top-up credits
// available, and a failed payout returns the debited amount.
func settleFunds(ctx context.Context, tx ledger.Tx, t *ledger.Transaction, to ledger.TxStatus, res *Result) error {
	res.Transaction = t
	if t.Status == to {
		res.set(OutcomeNoop, fmt.Sprintf("%s already %s", t.Type, to))
		return nil
	}
	if t.Status != ledger.TxPending {
		res.set(OutcomeRejected, fmt.Sprintf("%s already %s", t.Type, t.Status))
		return nil
	}
	if err := tx.SetTransactionStatus(ctx, t.ID, ledger.TxPending, to); err != nil {
		return err
	}

	credit := (t.Type == ledger.TxTopUp && to == ledger.TxSucceeded) ||
		(t.Type == ledger.TxPayout && to == ledger.TxFailed)
	if credit {
		owner := t.Metadata[ledger.MetaOwnerID]
		if strings.TrimSpace(owner) == "" {
			return fmt.Errorf("%s %s has no owner", t.Type, t.ID)
		}
		w, err := tx.LockWallet(ctx, owner)
		if err != nil {
			return err
		}
		if err := w.CreditAvailable(t.Amount); err != nil {
			return err
		}
		w.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
	}
	t.Status = to
	res.set(OutcomeApplied, "")
	return nil
}
