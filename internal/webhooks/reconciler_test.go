package webhooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/disputes"
	"github.com/daniallc-1994/TaskUp/internal/escrow"
	"github.com/daniallc-1994/TaskUp/internal/ledger"
	"github.com/daniallc-1994/TaskUp/internal/metrics"
	"github.com/daniallc-1994/TaskUp/internal/payments"
	"github.com/daniallc-1994/TaskUp/internal/processor"
	ledgertest "github.com/daniallc-1994/TaskUp/internal/testutil"
)

const testSecret = "whsec_test"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	rec    *Reconciler
	store  *ledger.MemoryStore
	escrow *escrow.Service
	proc   *processor.NullProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	proc := processor.NewNullProcessor(testSecret, 0)
	return &fixture{
		rec:    NewReconciler(store, proc).WithLogger(quiet),
		store:  store,
		escrow: escrow.NewService(store, proc).WithLogger(quiet),
		proc:   proc,
	}
}

var eventSeq int

func event(typ string, mutate func(ev *processor.Event)) *processor.Event {
	eventSeq++
	ev := &processor.Event{ID: fmt.Sprintf("evt_%d", eventSeq), Type: typ, Currency: "NOK", Metadata: map[string]string{}}
	mutate(ev)
	return ev
}

func (f *fixture) apply(t *testing.T, ev *processor.Event, want Outcome) *Result {
	t.Helper()
	res, err := f.rec.Apply(context.Background(), ev)
	if err != nil {
		t.Fatalf("apply %s: %v", ev.Type, err)
	}
	if res.Outcome != want {
		t.Fatalf("%s: expected %s, got %s (%s)", ev.Type, want, res.Outcome, res.Reason)
	}
	return res
}

// held escrows amount from client_1 to tasker_1 against intent pi_<offer>.
func (f *fixture) held(t *testing.T, offer string, amount int64) *ledger.Payment {
	t.Helper()
	ledgertest.Fund(t, f.store, "client_1", amount)
	res, err := f.escrow.Hold(context.Background(), escrow.HoldRequest{
		PayerID: "client_1", PayeeID: "tasker_1", TaskID: "task_" + offer, OfferID: offer,
		Amount: amount, IntentID: "pi_" + offer,
	})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	return res.Payment
}

func (f *fixture) payment(t *testing.T, id string) *ledger.Payment {
	t.Helper()
	p, err := f.store.GetPayment(context.Background(), id)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	return p
}

func signed(payload string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
	}).Header
}

const recoveredCapture = `{
	"id": "evt_capture_1", "object": "event", "type": "payment_intent.succeeded", "created": 1767225600,
	"data": {"object": {
		"id": "pi_recover", "object": "payment_intent", "amount": 7000, "amount_received": 7000,
		"currency": "nok", "latest_charge": "ch_recover",
		"metadata": {"task_id": "task_9", "offer_id": "offer_9", "initiator": "client_9", "payee_id": "tasker_9"}
	}}
}`

func TestIngest_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.Ingest(context.Background(), []byte(recoveredCapture), "t=1,v1=deadbeef")
	if apperr.KindOf(err) != apperr.KindInvalidSignature {
		t.Fatalf("expected invalid_signature, got %v", err)
	}
	all, _ := f.store.ListPayments(context.Background(), "", 0)
	if len(all) != 0 {
		t.Errorf("bad signature must not mutate state, found %d payments", len(all))
	}
}

func TestIngest_DuplicateCaptureCreatesOnePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sig := signed(recoveredCapture)

	first, err := f.rec.Ingest(ctx, []byte(recoveredCapture), sig)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Outcome != OutcomeApplied || first.Payment == nil {
		t.Fatalf("expected recovered payment, got %+v", first)
	}
	if first.Payment.Status != payments.StatusEscrowed || first.Payment.ChargeID != "ch_recover" {
		t.Errorf("unexpected payment %+v", first.Payment)
	}

	second, err := f.rec.Ingest(ctx, []byte(recoveredCapture), sig)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Errorf("expected duplicate, got %s", second.Outcome)
	}

	// A redelivery under a new event id is caught by the status check.
	f.apply(t, event(processor.EventIntentSucceeded, func(ev *processor.Event) {
		ev.IntentID = "pi_recover"
		ev.Amount = 7000
		ev.Metadata = map[string]string{"task_id": "task_9", "offer_id": "offer_9", "initiator": "client_9", "payee_id": "tasker_9"}
	}), OutcomeNoop)

	all, _ := f.store.ListPayments(ctx, "", 0)
	if len(all) != 1 {
		t.Fatalf("expected exactly one payment, got %d", len(all))
	}
	w := ledgertest.Wallet(t, f.store, "client_9")
	if w.Available != 0 || w.Escrow != 7000 {
		t.Errorf("recovered capture should be held: %d/%d", w.Available, w.Escrow)
	}
	ledgertest.AssertReplays(t, f.store)
}

func TestApply_CaptureWithoutMetadataIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.apply(t, event(processor.EventIntentSucceeded, func(ev *processor.Event) {
		ev.IntentID = "pi_unknown"
		ev.Amount = 100
	}), OutcomeIgnored)
}

func TestApply_CaptureConfirmsHeldPayment(t *testing.T) {
	f := newFixture(t)
	p := f.held(t, "offer_1", 5000)

	res := f.apply(t, event(processor.EventIntentSucceeded, func(ev *processor.Event) {
		ev.IntentID = p.IntentID
		ev.ChargeID = "ch_1"
		ev.Amount = 5000
	}), OutcomeNoop)
	if res.Payment.ChargeID != "ch_1" {
		t.Errorf("charge id not recorded: %+v", res.Payment)
	}
	if got := f.payment(t, p.ID); got.Status != payments.StatusEscrowed || got.ChargeID != "ch_1" {
		t.Errorf("unexpected stored payment %+v", got)
	}
}

func TestApply_TopUpCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.escrow.CreateTopUpIntent(ctx, "client_1", 2500, "NOK", "k1")
	if err != nil {
		t.Fatalf("top-up intent: %v", err)
	}
	intent := res.Transactions[0].IntentID

	succeeded := func() *processor.Event {
		return event(processor.EventIntentSucceeded, func(ev *processor.Event) {
			ev.IntentID = intent
			ev.Amount = 2500
			ev.Metadata = map[string]string{escrow.MetaPurpose: escrow.PurposeTopUp, escrow.MetaOwnerID: "client_1"}
		})
	}
	applied := f.apply(t, succeeded(), OutcomeApplied)
	if applied.Transaction.Status != ledger.TxSucceeded {
		t.Errorf("expected succeeded top-up, got %s", applied.Transaction.Status)
	}
	f.apply(t, succeeded(), OutcomeNoop)

	if w := ledgertest.Wallet(t, f.store, "client_1"); w.Available != 2500 {
		t.Errorf("expected 2500 available, got %d", w.Available)
	}
	if total := ledgertest.AssertReplays(t, f.store); total != 2500 {
		t.Errorf("expected 2500 in the system, got %d", total)
	}

	// A failure after success cannot undo the credit.
	f.apply(t, event(processor.EventIntentFailed, func(ev *processor.Event) { ev.IntentID = intent }), OutcomeRejected)
}

func TestApply_TopUpFailureCreditsNothing(t *testing.T) {
	f := newFixture(t)
	res, err := f.escrow.CreateTopUpIntent(context.Background(), "client_1", 900, "NOK", "")
	if err != nil {
		t.Fatalf("top-up intent: %v", err)
	}
	f.apply(t, event(processor.EventIntentFailed, func(ev *processor.Event) {
		ev.IntentID = res.Transactions[0].IntentID
	}), OutcomeApplied)

	if w := ledgertest.Wallet(t, f.store, "client_1"); w.Available != 0 {
		t.Errorf("failed top-up must not credit, got %d", w.Available)
	}
	ledgertest.AssertReplays(t, f.store)
}

func TestApply_RecoveredTopUp(t *testing.T) {
	f := newFixture(t)
	f.apply(t, event(processor.EventIntentSucceeded, func(ev *processor.Event) {
		ev.IntentID = "pi_orphan"
		ev.Amount = 400
		ev.Metadata = map[string]string{escrow.MetaPurpose: escrow.PurposeTopUp, escrow.MetaOwnerID: "client_2"}
	}), OutcomeApplied)

	if w := ledgertest.Wallet(t, f.store, "client_2"); w.Available != 400 {
		t.Errorf("expected 400 available, got %d", w.Available)
	}
	ledgertest.AssertReplays(t, f.store)
}

func TestApply_FailedIntentReturnsEscrow(t *testing.T) {
	f := newFixture(t)
	p := f.held(t, "offer_1", 5000)
	failed := func() *processor.Event {
		return event(processor.EventIntentFailed, func(ev *processor.Event) { ev.IntentID = p.IntentID })
	}

	res := f.apply(t, failed(), OutcomeApplied)
	if res.Transaction == nil || res.Transaction.Type != ledger.TxRefund || res.Transaction.Amount != 5000 {
		t.Fatalf("expected a 5000 refund leg, got %+v", res.Transaction)
	}
	got := f.payment(t, p.ID)
	if got.Status != payments.StatusFailed || got.Outstanding() != 0 {
		t.Fatalf("expected failed with nothing outstanding, got %s/%d", got.Status, got.Outstanding())
	}
	if w := ledgertest.Wallet(t, f.store, "client_1"); w.Available != 5000 || w.Escrow != 0 {
		t.Errorf("client expected 5000/0, got %d/%d", w.Available, w.Escrow)
	}

	// Redelivery under a new event id does not return the money twice.
	f.apply(t, failed(), OutcomeNoop)
	if w := ledgertest.Wallet(t, f.store, "client_1"); w.Available != 5000 || w.Escrow != 0 {
		t.Errorf("client expected 5000/0 after redelivery, got %d/%d", w.Available, w.Escrow)
	}

	if _, err := f.escrow.Refund(context.Background(), p.ID, 0); err == nil {
		t.Error("expected refund of a failed payment to be refused")
	}
	ledgertest.AssertReplays(t, f.store)
}

func TestApply_IllegalTransitionIsRejected(t *testing.T) {
	f := newFixture(t)
	p := f.held(t, "offer_1", 1000)
	if _, err := f.escrow.Release(context.Background(), p.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	f.apply(t, event(processor.EventIntentFailed, func(ev *processor.Event) { ev.IntentID = p.IntentID }), OutcomeRejected)
	if got := f.payment(t, p.ID); got.Status != payments.StatusReleased {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestApply_ProcessorDisputeLifecycle(t *testing.T) {
	f := newFixture(t)
	p := f.held(t, "offer_1", 3000)
	opened := func() *processor.Event {
		return event(processor.EventDisputeCreated, func(ev *processor.Event) {
			ev.DisputeID = "dp_1"
			ev.IntentID = p.IntentID
		})
	}

	res := f.apply(t, opened(), OutcomeApplied)
	if res.Dispute == nil || res.Dispute.ExternalRef != "dp_1" || res.Dispute.RaisedBy != "client_1" {
		t.Fatalf("unexpected dispute %+v", res.Dispute)
	}
	if got := f.payment(t, p.ID); got.Status != payments.StatusDisputed {
		t.Fatalf("expected disputed, got %s", got.Status)
	}
	f.apply(t, opened(), OutcomeNoop)

	closed := f.apply(t, event(processor.EventDisputeClosed, func(ev *processor.Event) {
		ev.DisputeID = "dp_1"
		ev.IntentID = p.IntentID
	}), OutcomeApplied)
	if closed.Dispute.Status != ledger.DisputeClosed {
		t.Errorf("expected closed dispute, got %s", closed.Dispute.Status)
	}
	if got := f.payment(t, p.ID); got.Status != payments.StatusEscrowed {
		t.Errorf("expected escrowed after close, got %s", got.Status)
	}

	// The payment can be released normally again.
	if _, err := f.escrow.Release(context.Background(), p.ID); err != nil {
		t.Fatalf("release after close: %v", err)
	}
	ledgertest.AssertReplays(t, f.store)
}

func TestApply_ProcessorDisputeAttachesToPlatformDispute(t *testing.T) {
	f := newFixture(t)
	p := f.held(t, "offer_1", 3000)
	dsp := disputes.NewService(f.store, f.escrow).WithLogger(quiet)
	opened, err := dsp.Open(context.Background(), disputes.OpenRequest{PaymentID: p.ID, RaisedBy: "client_1", Reason: "no show"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	res := f.apply(t, event(processor.EventDisputeCreated, func(ev *processor.Event) {
		ev.DisputeID = "dp_2"
		ev.IntentID = p.IntentID
	}), OutcomeApplied)
	if res.Dispute.ID != opened.Dispute.ID || res.Dispute.ExternalRef != "dp_2" {
		t.Errorf("expected the platform dispute to carry the processor ref, got %+v", res.Dispute)
	}
}

func TestApply_DisputeOnReleasedPaymentAlerts(t *testing.T) {
	f := newFixture(t)
	p := f.held(t, "offer_1", 1000)
	if _, err := f.escrow.Release(context.Background(), p.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	alerts := metrics.AlertsTotal.WithLabelValues("dispute_on_settled_payment")
	before := testutil.ToFloat64(alerts)

	f.apply(t, event(processor.EventDisputeCreated, func(ev *processor.Event) {
		ev.DisputeID = "dp_3"
		ev.IntentID = p.IntentID
	}), OutcomeRejected)
	if got := testutil.ToFloat64(alerts); got != before+1 {
		t.Errorf("expected one alert, got %v", got-before)
	}
}

func TestApply_ChargeRefundedClosesActiveDispute(t *testing.T) {
	f := newFixture(t)
	p := f.held(t, "offer_1", 2000)
	dsp := disputes.NewService(f.store, f.escrow).WithLogger(quiet)
	opened, err := dsp.Open(context.Background(), disputes.OpenRequest{PaymentID: p.ID, RaisedBy: "client_1", Reason: "no show"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	refunded := func() *processor.Event {
		return event(processor.EventChargeRefunded, func(ev *processor.Event) {
			ev.IntentID = p.IntentID
			ev.RefundID = "re_1"
		})
	}
	res := f.apply(t, refunded(), OutcomeApplied)
	if res.Payment.Status != payments.StatusRefunded || res.Payment.RefundID != "re_1" {
		t.Errorf("unexpected payment %+v", res.Payment)
	}
	if res.Dispute == nil || res.Dispute.Status != ledger.DisputeRefunded {
		t.Errorf("expected refunded dispute, got %+v", res.Dispute)
	}
	f.apply(t, refunded(), OutcomeNoop)

	// A late ruling cannot move the money a second time.
	if _, err := dsp.Resolve(context.Background(), opened.Dispute.ID, payments.ResolutionRelease, ""); !errors.Is(err, disputes.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}

	// The ledger legs are booked against the processor's refund.
	booked, err := f.escrow.Refund(context.Background(), p.ID, 0)
	if err != nil {
		t.Fatalf("book refund: %v", err)
	}
	if booked.Payment.RefundedAmount != 2000 || booked.Payment.RefundID != "re_1" {
		t.Errorf("unexpected booked payment %+v", booked.Payment)
	}
	if w := ledgertest.Wallet(t, f.store, "client_1"); w.Available != 2000 || w.Escrow != 0 {
		t.Errorf("client expected 2000/0, got %d/%d", w.Available, w.Escrow)
	}
	ledgertest.AssertReplays(t, f.store)
}

func TestApply_TransferCreatedThenLedgerBooked(t *testing.T) {
	f := newFixture(t)
	p := f.held(t, "offer_1", 4000)

	transferred := func() *processor.Event {
		return event(processor.EventTransferCreated, func(ev *processor.Event) {
			ev.TransferID = "tr_ext"
			ev.Metadata = map[string]string{ledger.MetaPaymentID: p.ID}
		})
	}
	f.apply(t, transferred(), OutcomeApplied)
	f.apply(t, transferred(), OutcomeNoop)
	if got := f.payment(t, p.ID); got.Status != payments.StatusReleased || got.TransferID != "tr_ext" {
		t.Fatalf("unexpected payment %+v", got)
	}

	if _, err := f.escrow.Release(context.Background(), p.ID); err != nil {
		t.Fatalf("book release: %v", err)
	}
	if w := ledgertest.Wallet(t, f.store, "tasker_1"); w.Available != 4000 {
		t.Errorf("tasker expected 4000, got %d", w.Available)
	}
	f.apply(t, transferred(), OutcomeNoop)
	ledgertest.AssertReplays(t, f.store)
}

func TestApply_TransferFailedAlwaysAlerts(t *testing.T) {
	f := newFixture(t)
	p := f.held(t, "offer_1", 1000)
	if _, err := f.escrow.Release(context.Background(), p.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	alerts := metrics.AlertsTotal.WithLabelValues("transfer_failed")
	before := testutil.ToFloat64(alerts)

	f.apply(t, event(processor.EventTransferFailed, func(ev *processor.Event) {
		ev.TransferID = "tr_x"
		ev.Metadata = map[string]string{ledger.MetaPaymentID: p.ID}
	}), OutcomeRejected)
	f.apply(t, event(processor.EventTransferFailed, func(ev *processor.Event) {
		ev.TransferID = "tr_unknown"
	}), OutcomeIgnored)

	if got := testutil.ToFloat64(alerts); got != before+2 {
		t.Errorf("expected two alerts, got %v", got-before)
	}
	if got := f.payment(t, p.ID); got.Status != payments.StatusReleased {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestApply_PayoutOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledgertest.Fund(t, f.store, "tasker_1", 3000)
	if _, err := f.escrow.LinkPayoutAccount(ctx, "tasker_1", "acct_1", ""); err != nil {
		t.Fatalf("link: %v", err)
	}
	paid, err := f.escrow.RequestPayout(ctx, "tasker_1", 1000, "a")
	if err != nil {
		t.Fatalf("payout a: %v", err)
	}
	failed, err := f.escrow.RequestPayout(ctx, "tasker_1", 500, "b")
	if err != nil {
		t.Fatalf("payout b: %v", err)
	}

	payout := func(typ, id string) *processor.Event {
		return event(typ, func(ev *processor.Event) { ev.PayoutID = id })
	}
	f.apply(t, payout(processor.EventPayoutCreated, paid.Transactions[0].PayoutID), OutcomeNoop)
	f.apply(t, payout(processor.EventPayoutPaid, paid.Transactions[0].PayoutID), OutcomeApplied)
	f.apply(t, payout(processor.EventPayoutFailed, paid.Transactions[0].PayoutID), OutcomeRejected)
	f.apply(t, payout(processor.EventPayoutCanceled, failed.Transactions[0].PayoutID), OutcomeApplied)
	f.apply(t, payout(processor.EventPayoutFailed, failed.Transactions[0].PayoutID), OutcomeNoop)
	f.apply(t, payout(processor.EventPayoutPaid, "po_unknown"), OutcomeIgnored)

	if w := ledgertest.Wallet(t, f.store, "tasker_1"); w.Available != 2000 {
		t.Errorf("expected 2000 after one paid and one returned payout, got %d", w.Available)
	}
	if total := ledgertest.AssertReplays(t, f.store); total != 2000 {
		t.Errorf("expected 2000 in the system, got %d", total)
	}
}

func TestApply_UnknownEventIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.apply(t, event("customer.created", func(ev *processor.Event) { ev.ObjectID = "cus_1" }), OutcomeIgnored)
}

type failingDeduper struct{}

func (failingDeduper) Claim(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}
func (failingDeduper) Forget(context.Context, string) error { return nil }

func TestApply_DeduperOutageDoesNotBlockIngestion(t *testing.T) {
	f := newFixture(t)
	f.rec.WithDeduper(failingDeduper{})
	p := f.held(t, "offer_1", 1000)

	f.apply(t, event(processor.EventTransferCreated, func(ev *processor.Event) {
		ev.TransferID = "tr_1"
		ev.Metadata = map[string]string{ledger.MetaPaymentID: p.ID}
	}), OutcomeApplied)
}

func TestApply_RetriedUnitCountsTransitionOnce(t *testing.T) {
	store := &ledgertest.RetryingStore{Store: ledger.NewMemoryStore()}
	proc := processor.NewNullProcessor(testSecret, 0)
	rec := NewReconciler(store, proc).WithLogger(quiet)
	esc := escrow.NewService(store, proc).WithLogger(quiet)
	ledgertest.Fund(t, store, "client_1", 5000)
	held, err := esc.Hold(context.Background(), escrow.HoldRequest{
		PayerID: "client_1", PayeeID: "tasker_1", TaskID: "task_retry", OfferID: "offer_retry",
		Amount: 5000, IntentID: "pi_retry",
	})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	moved := metrics.PaymentTransitionsTotal.WithLabelValues(
		string(payments.StatusEscrowed), string(payments.StatusFailed), SourceWebhook)
	before := testutil.ToFloat64(moved)
	store.Attempts = 0
	res, err := rec.Apply(context.Background(), event(processor.EventIntentFailed, func(ev *processor.Event) {
		ev.IntentID = "pi_retry"
	}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s (%s)", res.Outcome, res.Reason)
	}
	if store.Attempts != 2 {
		t.Fatalf("expected the unit to run twice, got %d attempts", store.Attempts)
	}
	if got := testutil.ToFloat64(moved) - before; got != 1 {
		t.Errorf("expected one transition, counted %v", got)
	}
	if got := len(res.transitions); got != 1 {
		t.Errorf("expected one recorded transition, got %d", got)
	}
	if w := ledgertest.Wallet(t, store, "client_1"); w.Available != 5000 || w.Escrow != 0 {
		t.Errorf("client expected 5000/0, got %d/%d", w.Available, w.Escrow)
	}
	if p, _ := store.GetPayment(context.Background(), held.Payment.ID); p.Outstanding() != 0 {
		t.Errorf("expected nothing outstanding, got %d", p.Outstanding())
	}
	ledgertest.AssertReplays(t, store)
}
