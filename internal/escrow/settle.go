package escrow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/idgen"
	"github.com/daniallc-1994/TaskUp/internal/ledger"
	"github.com/daniallc-1994/TaskUp/internal/metrics"
	"github.com/daniallc-1994/TaskUp/internal/payments"
	"github.com/daniallc-1994/TaskUp/internal/processor"
	"github.com/daniallc-1994/TaskUp/internal/traces"
)

// Plan is how a settlement divides a payment's outstanding escrow.
type Plan struct {
	ToPayer int64
	ToPayee int64
	Target  payments.Status
}

// Planner derives a Plan from the amount still held for a payment.
type Planner struct {
	Op string
	// FromDispute admits disputed payments. Only the dispute resolver
	// sets it.
	FromDispute bool
	compute     func(outstanding int64) (Plan, error)
}

// ReleasePlan pays everything outstanding to the payee.
func ReleasePlan(fromDispute bool) Planner {
	return Planner{Op: "release", FromDispute: fromDispute, compute: func(out int64) (Plan, error) {
		return Plan{ToPayee: out, Target: payments.StatusReleased}, nil
	}}
}

// RefundPlan returns amount to the payer; zero means everything outstanding.
func RefundPlan(amount int64, fromDispute bool) Planner {
	return Planner{Op: "refund", FromDispute: fromDispute, compute: func(out int64) (Plan, error) {
		switch {
		case amount == 0 || amount == out:
			return Plan{ToPayer: out, Target: payments.StatusRefunded}, nil
		case amount > out:
			return Plan{}, apperr.Wrapf(ledger.ErrInvalidAmount, "refund %d exceeds outstanding %d", amount, out)
		default:
			return Plan{ToPayer: amount, Target: payments.StatusPartialRefund}, nil
		}
	}}
}

// SplitPlan divides everything outstanding by ratio. The payer's share is
// rounded down and the payee receives the remainder.
func SplitPlan(r Ratio, fromDispute bool) Planner {
	return Planner{Op: "split", FromDispute: fromDispute, compute: func(out int64) (Plan, error) {
		if err := r.validate(); err != nil {
			return Plan{}, err
		}
		payer := out * r.Payer / (r.Payer + r.Payee)
		p := Plan{ToPayer: payer, ToPayee: out - payer, Target: payments.StatusRefunded}
		if p.ToPayer == 0 {
			p.Target = payments.StatusReleased
		}
		return p, nil
	}}
}

// Hook joins extra checks and writes to a settlement. Precheck runs under
// the payment gate before anything else. Prepare runs inside the atomic
// unit before the payment row is locked, so it may lock rows that order
// ahead of payments. Finish runs after the payment is written.
type Hook interface {
	Precheck(ctx context.Context) error
	Prepare(ctx context.Context, tx ledger.Tx) error
	Finish(ctx context.Context, tx ledger.Tx, p *ledger.Payment) error
}

// awaitingLedger reports whether the processor already confirmed the
// target status for p but the ledger legs were never booked.
func awaitingLedger(p *ledger.Payment, target payments.Status) bool {
	if p.Status != target || p.RefundedAmount != 0 || p.ReleasedAmount != 0 {
		return false
	}
	switch target {
	case payments.StatusReleased:
		return p.TransferID != ""
	case payments.StatusRefunded:
		return p.RefundID != ""
	}
	return false
}

func (pl Planner) admit(p *ledger.Payment) (Plan, error) {
	if p.Status == payments.StatusDisputed && !pl.FromDispute {
		return Plan{}, apperr.Wrapf(ErrPaymentDisputed, "payment %s", p.ID)
	}
	out := p.Outstanding()
	if out <= 0 {
		if p.Status.IsTerminal() {
			return Plan{}, apperr.Wrapf(payments.ErrInvalidTransition, "payment %s is %s", p.ID, p.Status)
		}
		return Plan{}, apperr.Wrapf(ErrNothingHeld, "payment %s", p.ID)
	}
	plan, err := pl.compute(out)
	if err != nil {
		return Plan{}, err
	}
	if awaitingLedger(p, plan.Target) {
		return plan, nil
	}
	if err := payments.Check(p.Status, plan.Target); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// external holds the processor references a settlement produced.
type external struct {
	transferID string
	refundID   string
	// calls made by this settlement, as opposed to reused references
	made []string
}

// Settle applies a plan to a payment. It is the single path behind
// Release, Refund and Split, and the dispute resolver uses it with a Hook
// so the dispute write commits together with the fund movement.
func (s *Service) Settle(ctx context.Context, paymentID string, pl Planner, hook Hook) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+pl.Op, traces.PaymentID(paymentID))
	defer func() { traces.End(span, err); observe(pl.Op, err) }()

	unlock, err := s.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if hook != nil {
		if err := hook.Precheck(ctx); err != nil {
			return nil, err
		}
	}
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	plan, err := pl.admit(p)
	if err != nil {
		return nil, err
	}
	payer, err := s.store.GetWallet(ctx, p.PayerID)
	if err != nil {
		return nil, err
	}
	if need := plan.ToPayer + plan.ToPayee; payer.Escrow < need {
		return nil, apperr.Wrapf(ledger.ErrInsufficientFunds, "escrow %d, need %d", payer.Escrow, need)
	}

	ext, err := s.callProcessor(ctx, p, plan)
	if err != nil {
		if len(ext.made) > 0 {
			s.orphaned(ctx, p, ext, err)
		}
		return nil, err
	}

	res, err = s.commit(ctx, p, plan, ext, hook)
	if err != nil {
		if len(ext.made) > 0 {
			s.orphaned(ctx, p, ext, err)
		}
		return nil, err
	}

	if plan.ToPayer > 0 {
		metrics.EscrowAmountMoved.WithLabelValues("refund", p.Currency).Add(float64(plan.ToPayer))
	}
	if plan.ToPayee > 0 {
		metrics.EscrowAmountMoved.WithLabelValues("release", p.Currency).Add(float64(plan.ToPayee))
	}
	source := SourceAPI
	if pl.FromDispute {
		source = SourceDispute
	}
	metrics.Transition(string(p.Status), string(plan.Target), source)

	s.logger.Info("payment settled",
		"operation", pl.Op,
		"paymentId", p.ID,
		"from", p.Status,
		"to", plan.Target,
		"toPayer", plan.ToPayer,
		"toPayee", plan.ToPayee,
		"transferId", ext.transferID,
		"refundId", ext.refundID,
	)
	return res, nil
}

func (s *Service) callProcessor(ctx context.Context, p *ledger.Payment, plan Plan) (external, error) {
	var ext external
	meta := map[string]string{ledger.MetaPaymentID: p.ID, ledger.MetaTaskID: p.TaskID}

	if plan.ToPayer > 0 {
		switch {
		case p.RefundID != "" && awaitingLedger(p, payments.StatusRefunded):
			ext.refundID = p.RefundID
		case s.sourceRefunds && p.IntentID != "":
			r, err := s.proc.Refund(ctx, processor.RefundRequest{
				IntentID:       p.IntentID,
				Amount:         plan.ToPayer,
				Metadata:       meta,
				IdempotencyKey: fmt.Sprintf("refund:%s:%d", p.ID, p.RefundedAmount),
			})
			if err != nil {
				return ext, err
			}
			ext.refundID = r.ID
			ext.made = append(ext.made, "refund")
		}
	}

	if plan.ToPayee > 0 {
		if p.TransferID != "" {
			ext.transferID = p.TransferID
			return ext, nil
		}
		payee, err := s.store.GetWallet(ctx, p.PayeeID)
		if err != nil && !isKind(err, apperr.KindNotFound) {
			return ext, err
		}
		if payee == nil || payee.PayoutAccount == "" {
			// Funds stay on the payee's ledger balance until an account is linked.
			return ext, nil
		}
		t, err := s.proc.Transfer(ctx, processor.TransferRequest{
			Amount:         plan.ToPayee,
			Currency:       p.Currency,
			Destination:    payee.PayoutAccount,
			Group:          p.TaskID,
			Metadata:       meta,
			IdempotencyKey: "release:" + p.ID,
		})
		if err != nil {
			return ext, err
		}
		ext.transferID = t.ID
		ext.made = append(ext.made, "transfer")
	}
	return ext, nil
}

func (s *Service) commit(ctx context.Context, before *ledger.Payment, plan Plan, ext external, hook Hook) (*Result, error) {
	var res *Result
	err := s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		// A retried attempt starts over.
		res = &Result{}
		if hook != nil {
			if err := hook.Prepare(ctx, tx); err != nil {
				return err
			}
		}

		p, err := tx.LockPayment(ctx, before.ID)
		if err != nil {
			return err
		}
		if p.Status != before.Status || p.Outstanding() != before.Outstanding() {
			if !confirmedByProcessor(p, ext) {
				return apperr.Wrapf(ErrConcurrentChange, "payment %s moved from %s to %s", p.ID, before.Status, p.Status)
			}
		}
		from := p.Status

		owners := []string{p.PayerID}
		if plan.ToPayee > 0 {
			owners = append(owners, p.PayeeID)
		}
		wallets, err := ledger.GetOrCreateWallets(ctx, tx, p.Currency, owners...)
		if err != nil {
			return err
		}
		payer := wallets[p.PayerID]

		var txs []*ledger.Transaction
		if plan.ToPayer > 0 {
			if err := payer.ReturnEscrow(plan.ToPayer); err != nil {
				return err
			}
			typ := ledger.TxRefund
			if plan.ToPayer < p.Outstanding() {
				typ = ledger.TxPartialRefund
			}
			t := ledger.NewTransaction(payer, typ, plan.ToPayer, ledger.TxSucceeded)
			t.RefundID = ext.refundID
			tagPayment(t, p)
			txs = append(txs, t)
		}
		if plan.ToPayee > 0 {
			payee := wallets[p.PayeeID]
			if err := payer.DebitEscrow(plan.ToPayee); err != nil {
				return err
			}
			if err := payee.CreditAvailable(plan.ToPayee); err != nil {
				return err
			}
			pair := idgen.New()
			for _, leg := range []struct {
				w    *ledger.Wallet
				side string
			}{{payer, ledger.SidePayer}, {payee, ledger.SidePayee}} {
				t := ledger.NewTransaction(leg.w, ledger.TxRelease, plan.ToPayee, ledger.TxSucceeded)
				t.TransferID = ext.transferID
				tagPayment(t, p)
				t.Metadata[ledger.MetaSide] = leg.side
				t.Metadata[ledger.MetaPair] = pair
				txs = append(txs, t)
			}
		}

		now := time.Now().UTC()
		for _, w := range sortedWallets(wallets) {
			w.UpdatedAt = now
			if err := tx.UpdateWallet(ctx, w); err != nil {
				return err
			}
			res.Wallets = append(res.Wallets, w)
		}
		for _, t := range txs {
			if err := tx.AppendTransaction(ctx, t); err != nil {
				return err
			}
		}

		p.Status = plan.Target
		p.RefundedAmount += plan.ToPayer
		p.ReleasedAmount += plan.ToPayee
		if ext.transferID != "" {
			p.TransferID = ext.transferID
		}
		if ext.refundID != "" {
			p.RefundID = ext.refundID
		}
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p, from); err != nil {
			return err
		}

		if hook != nil {
			if err := hook.Finish(ctx, tx, p); err != nil {
				return err
			}
		}
		res.Payment = p
		res.Transactions = txs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// confirmedByProcessor accepts the one concurrent change a settlement can
// absorb: the processor's webhook for this settlement's own transfer
// landed between the precheck and the commit. A split overwrites the
// released status the webhook wrote with its own target.
func confirmedByProcessor(p *ledger.Payment, ext external) bool {
	return ext.transferID != "" &&
		p.TransferID == ext.transferID &&
		awaitingLedger(p, payments.StatusReleased)
}

func (s *Service) orphaned(ctx context.Context, p *ledger.Payment, ext external, cause error) {
	for _, op := range ext.made {
		metrics.OrphanedTransfersTotal.WithLabelValues(op).Inc()
	}
	s.logger.ErrorContext(ctx, "CRITICAL: processor moved money but the ledger commit failed",
		"paymentId", p.ID,
		"calls", ext.made,
		"transferId", ext.transferID,
		"refundId", ext.refundID,
		"error", cause,
	)
}

func tagPayment(t *ledger.Transaction, p *ledger.Payment) {
	t.Metadata[ledger.MetaPaymentID] = p.ID
	t.Metadata[ledger.MetaTaskID] = p.TaskID
	t.Metadata[ledger.MetaOfferID] = p.OfferID
}

func sortedWallets(m map[string]*ledger.Wallet) []*ledger.Wallet {
	out := make([]*ledger.Wallet, 0, len(m))
	for _, w := range m {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out
}
