// Package disputes opens, reviews and resolves disputes raised against
// escrowed payments.
//
// A ruling moves money through the escrow orchestrator and writes the
// dispute's terminal status in the same atomic unit, so a dispute can
// never end resolved without its funds having moved, or the reverse.
package disputes

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/escrow"
	"github.com/daniallc-1994/TaskUp/internal/idgen"
	"github.com/daniallc-1994/TaskUp/internal/ledger"
	"github.com/daniallc-1994/TaskUp/internal/metrics"
	"github.com/daniallc-1994/TaskUp/internal/payments"
	"github.com/daniallc-1994/TaskUp/internal/traces"
)

var (
	ErrAlreadyResolved   = apperr.New(apperr.KindConflict, "dispute_already_resolved", "dispute has already been resolved")
	ErrAlreadyOpen       = apperr.New(apperr.KindConflict, "dispute_already_open", "payment already has an open dispute")
	ErrNotAParty         = apperr.New(apperr.KindInvalidRequest, "not_a_party", "only the payer or payee can raise a dispute")
	ErrInvalidResolution = apperr.New(apperr.KindInvalidRequest, "invalid_resolution", "resolution must be release, refund or split")
	ErrReasonRequired    = apperr.New(apperr.KindInvalidRequest, "reason_required", "a reason is required")
)

// DefaultSplit divides a split ruling evenly.
var DefaultSplit = escrow.Ratio{Payer: 1, Payee: 1}

// StatusFor returns the dispute status a ruling leaves the dispute in.
func StatusFor(r payments.Resolution) ledger.DisputeStatus {
	switch r {
	case payments.ResolutionRelease:
		return ledger.DisputeResolvedTasker
	case payments.ResolutionRefund:
		return ledger.DisputeResolvedClient
	default:
		return ledger.DisputePartialRefund
	}
}

// OpenRequest raises a dispute on a payment.
type OpenRequest struct {
	PaymentID string `json:"paymentId"`
	RaisedBy  string `json:"raisedBy"`
	Reason    string `json:"reason"`
}

// Result is a dispute after a change, with the settlement a ruling made.
type Result struct {
	Dispute    *ledger.Dispute `json:"dispute"`
	Payment    *ledger.Payment `json:"payment,omitempty"`
	Settlement *escrow.Result  `json:"settlement,omitempty"`
}

// Service manages disputes.
type Service struct {
	store  ledger.Store
	escrow *escrow.Service
	split  escrow.Ratio
	logger *slog.Logger
}

// NewService creates a dispute service settling through esc.
func NewService(store ledger.Store, esc *escrow.Service) *Service {
	return &Service{store: store, escrow: esc, split: DefaultSplit, logger: slog.Default()}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithSplit sets the ratio applied by split rulings.
func (s *Service) WithSplit(r escrow.Ratio) *Service {
	s.split = r
	return s
}

// Open raises a dispute and moves the payment to disputed. A payment has
// at most one open dispute at a time.
func (s *Service) Open(ctx context.Context, req OpenRequest) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Open", traces.PaymentID(req.PaymentID))
	defer func() { traces.End(span, err) }()

	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return nil, ErrReasonRequired
	}

	var from payments.Status
	err = s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		res = &Result{}
		// Dispute rows order ahead of payments.
		if d, err := tx.ActiveDispute(ctx, req.PaymentID); err == nil {
			return apperr.Wrapf(ErrAlreadyOpen, "dispute %s", d.ID)
		} else if !errors.Is(err, ledger.ErrDisputeNotFound) {
			return err
		}

		p, err := tx.LockPayment(ctx, req.PaymentID)
		if err != nil {
			return err
		}
		var against string
		switch req.RaisedBy {
		case p.PayerID:
			against = p.PayeeID
		case p.PayeeID:
			against = p.PayerID
		default:
			return apperr.Wrapf(ErrNotAParty, "%s on payment %s", req.RaisedBy, p.ID)
		}

		from = p.Status
		if from != payments.StatusDisputed {
			if err := payments.Check(from, payments.StatusDisputed); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		d := &ledger.Dispute{
			ID:        idgen.WithPrefix("dsp_"),
			TaskID:    p.TaskID,
			PaymentID: p.ID,
			RaisedBy:  req.RaisedBy,
			Against:   against,
			Reason:    req.Reason,
			Status:    ledger.DisputeOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreateDispute(ctx, d); err != nil {
			return err
		}
		p.Status = payments.StatusDisputed
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p, from); err != nil {
			return err
		}
		res.Dispute, res.Payment = d, p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if from != payments.StatusDisputed {
		metrics.Transition(string(from), string(payments.StatusDisputed), escrow.SourceDispute)
	}
	metrics.DisputesTotal.WithLabelValues(string(ledger.DisputeOpen)).Inc()
	s.logger.Info("dispute opened",
		"disputeId", res.Dispute.ID,
		"paymentId", req.PaymentID,
		"raisedBy", req.RaisedBy,
	)
	return res, nil
}

// MarkUnderReview records that an administrator has picked the dispute up.
// Repeating it is a no-op.
func (s *Service) MarkUnderReview(ctx context.Context, id string) (*ledger.Dispute, error) {
	var out *ledger.Dispute
	err := s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.LockDispute(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case d.Status == ledger.DisputeUnderReview:
			out = d
			return nil
		case d.Status.IsTerminal():
			return apperr.Wrapf(ErrAlreadyResolved, "dispute %s is %s", d.ID, d.Status)
		}
		d.Status = ledger.DisputeUnderReview
		d.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateDispute(ctx, d, ledger.DisputeOpen); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues(string(out.Status)).Inc()
	return out, nil
}

// Get returns a dispute.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// Resolve applies a ruling. A second ruling on the same dispute fails
// with ErrAlreadyResolved and moves no money.
func (s *Service) Resolve(ctx context.Context, id string, resolution payments.Resolution, note string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Resolve", traces.DisputeID(id))
	defer func() { traces.End(span, err) }()

	if !resolution.Valid() {
		return nil, apperr.Wrapf(ErrInvalidResolution, "got %q", resolution)
	}
	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}

	var plan escrow.Planner
	switch resolution {
	case payments.ResolutionRelease:
		plan = escrow.ReleasePlan(true)
	case payments.ResolutionRefund:
		plan = escrow.RefundPlan(0, true)
	case payments.ResolutionSplit:
		plan = escrow.SplitPlan(s.split, true)
	}

	h := &ruling{store: s.store, id: id, paymentID: d.PaymentID, resolution: resolution, note: strings.TrimSpace(note)}
	settled, err := s.escrow.Settle(ctx, d.PaymentID, plan, h)
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(h.dispute.Status)).Inc()
	s.logger.Info("dispute resolved",
		"disputeId", id,
		"paymentId", d.PaymentID,
		"resolution", resolution,
		"status", h.dispute.Status,
	)
	return &Result{Dispute: h.dispute, Payment: settled.Payment, Settlement: settled}, nil
}

// ruling writes the dispute side of a resolution inside the settlement.
type ruling struct {
	store      ledger.Store
	id         string
	paymentID  string
	resolution payments.Resolution
	note       string

	dispute *ledger.Dispute
	from    ledger.DisputeStatus
}

func (r *ruling) Precheck(ctx context.Context) error {
	d, err := r.store.GetDispute(ctx, r.id)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return apperr.Wrapf(ErrAlreadyResolved, "dispute %s is %s", d.ID, d.Status)
	}
	return nil
}

func (r *ruling) Prepare(ctx context.Context, tx ledger.Tx) error {
	d, err := tx.LockDispute(ctx, r.id)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return apperr.Wrapf(ErrAlreadyResolved, "dispute %s is %s", d.ID, d.Status)
	}
	if d.PaymentID != r.paymentID {
		return apperr.New(apperr.KindInternal, "dispute_payment_changed", "dispute points at a different payment")
	}
	r.dispute, r.from = d, d.Status
	return nil
}

func (r *ruling) Finish(ctx context.Context, tx ledger.Tx, _ *ledger.Payment) error {
	r.dispute.Status = StatusFor(r.resolution)
	r.dispute.Resolution = r.resolution
	r.dispute.Note = r.note
	r.dispute.UpdatedAt = time.Now().UTC()
	return tx.UpdateDispute(ctx, r.dispute, r.from)
}
