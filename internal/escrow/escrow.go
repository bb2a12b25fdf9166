// Package escrow moves money between TaskUp wallets on behalf of tasks.
//
// Flow:
//  1. Client accepts an offer -> Hold moves the price from the client's
//     available balance into escrow and opens an escrowed payment
//  2. Task completed -> Release pays the escrow to the tasker
//  3. Task cancelled -> Refund returns all or part of it to the client
//  4. Dispute ruling -> the dispute resolver settles through Settle,
//     which can also Split the escrow between both sides
//
// Every settlement takes the payment's in-process gate, prechecks the
// payment read-only, makes the processor call, then commits the ledger
// change in one unit that re-locks the payment and compare-and-sets its
// status. A failed processor call therefore leaves nothing written.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/idgen"
	"github.com/daniallc-1994/TaskUp/internal/ledger"
	"github.com/daniallc-1994/TaskUp/internal/metrics"
	"github.com/daniallc-1994/TaskUp/internal/payments"
	"github.com/daniallc-1994/TaskUp/internal/processor"
	"github.com/daniallc-1994/TaskUp/internal/syncutil"
	"github.com/daniallc-1994/TaskUp/internal/traces"
)

var (
	ErrInvalidRequest   = apperr.New(apperr.KindInvalidRequest, "invalid_request", "invalid escrow request")
	ErrSameParty        = apperr.New(apperr.KindInvalidRequest, "same_party", "payer and payee must differ")
	ErrInvalidRatio     = apperr.New(apperr.KindInvalidRequest, "invalid_ratio", "split ratio must be non-negative with a positive sum")
	ErrNothingHeld      = apperr.New(apperr.KindInvalidStateTransition, "nothing_held", "payment has no funds left in escrow")
	ErrPaymentDisputed  = apperr.New(apperr.KindInvalidStateTransition, "payment_disputed", "payment is disputed and can only be settled by a dispute ruling")
	ErrConcurrentChange = apperr.New(apperr.KindConflict, "concurrent_change", "payment changed while the operation was in flight")
	ErrNoPayoutAccount  = apperr.New(apperr.KindInvalidRequest, "no_payout_account", "wallet has no payout account linked")
)

// Source labels for transition metrics.
const (
	SourceAPI     = "api"
	SourceDispute = "dispute"
)

// HoldRequest opens an escrowed payment for an accepted offer.
type HoldRequest struct {
	PayerID  string `json:"payerId"`
	PayeeID  string `json:"payeeId"`
	TaskID   string `json:"taskId"`
	OfferID  string `json:"offerId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	IntentID string `json:"intentId,omitempty"`
	ChargeID string `json:"chargeId,omitempty"`
}

// Ratio splits a payment between the payer and the payee.
type Ratio struct {
	Payer int64 `json:"payer"`
	Payee int64 `json:"payee"`
}

// Result is what an orchestrator operation changed.
type Result struct {
	Payment      *ledger.Payment      `json:"payment,omitempty"`
	Wallets      []*ledger.Wallet     `json:"wallets,omitempty"`
	Transactions []*ledger.Transaction `json:"transactions,omitempty"`
	ClientSecret string               `json:"clientSecret,omitempty"`
}

// Service orchestrates escrow operations.
type Service struct {
	store           ledger.Store
	proc            processor.Processor
	gate            *syncutil.KeyedMutex
	logger          *slog.Logger
	defaultCurrency string
	sourceRefunds   bool
}

// NewService creates a new escrow service. proc must not be nil; use
// processor.NullProcessor where no real processor is configured.
func NewService(store ledger.Store, proc processor.Processor) *Service {
	return &Service{
		store:           store,
		proc:            proc,
		gate:            syncutil.NewKeyedMutex(0),
		logger:          slog.Default(),
		defaultCurrency: "NOK",
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithDefaultCurrency sets the currency used when a request names none.
func (s *Service) WithDefaultCurrency(c string) *Service {
	if c != "" {
		s.defaultCurrency = strings.ToUpper(c)
	}
	return s
}

// WithSourceRefunds makes refunds of intent-funded payments also refund
// the original charge at the processor.
func (s *Service) WithSourceRefunds(on bool) *Service {
	s.sourceRefunds = on
	return s
}

func (s *Service) currency(c string) string {
	if c == "" {
		return s.defaultCurrency
	}
	return strings.ToUpper(c)
}

// Hold locks req.Amount of the payer's available balance in escrow and
// creates the payment. No processor call is made.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Hold", traces.OwnerID(req.PayerID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err); observe("hold", err) }()

	if req.PayerID == "" || req.PayeeID == "" || req.TaskID == "" || req.OfferID == "" {
		return nil, apperr.Wrapf(ErrInvalidRequest, "payerId, payeeId, taskId and offerId are required")
	}
	if req.PayerID == req.PayeeID {
		return nil, ErrSameParty
	}
	if req.Amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	currency := s.currency(req.Currency)

	res = &Result{}
	err = s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		w, err := ledger.GetOrCreateWallet(ctx, tx, req.PayerID, currency)
		if err != nil {
			return err
		}
		if err := w.Hold(req.Amount); err != nil {
			return err
		}
		now := time.Now().UTC()
		w.UpdatedAt = now
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}

		p := &ledger.Payment{
			ID:        idgen.WithPrefix("pay_"),
			TaskID:    req.TaskID,
			OfferID:   req.OfferID,
			PayerID:   req.PayerID,
			PayeeID:   req.PayeeID,
			WalletID:  w.ID,
			Amount:    req.Amount,
			Currency:  currency,
			Status:    payments.StatusEscrowed,
			IntentID:  req.IntentID,
			ChargeID:  req.ChargeID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}

		t := ledger.NewTransaction(w, ledger.TxEscrowHold, req.Amount, ledger.TxSucceeded)
		t.IntentID = req.IntentID
		t.Metadata[ledger.MetaPaymentID] = p.ID
		t.Metadata[ledger.MetaTaskID] = req.TaskID
		t.Metadata[ledger.MetaOfferID] = req.OfferID
		if err := tx.AppendTransaction(ctx, t); err != nil {
			return err
		}

		res.Payment = p
		res.Wallets = []*ledger.Wallet{w}
		res.Transactions = []*ledger.Transaction{t}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowAmountMoved.WithLabelValues("hold", currency).Add(float64(req.Amount))
	s.logger.Info("escrow held",
		"paymentId", res.Payment.ID,
		"taskId", req.TaskID,
		"payer", req.PayerID,
		"payee", req.PayeeID,
		"amount", req.Amount,
		"currency", currency,
	)
	return res, nil
}

// Release pays everything still held for the payment to the payee.
func (s *Service) Release(ctx context.Context, paymentID string) (*Result, error) {
	return s.Settle(ctx, paymentID, ReleasePlan(false), nil)
}

// Refund returns amount to the payer, or everything still held when
// amount is zero. A refund short of the outstanding amount leaves the
// payment partial_refund.
func (s *Service) Refund(ctx context.Context, paymentID string, amount int64) (*Result, error) {
	if amount < 0 {
		return nil, ledger.ErrInvalidAmount
	}
	return s.Settle(ctx, paymentID, RefundPlan(amount, false), nil)
}

// Split divides everything still held between payer and payee by ratio.
func (s *Service) Split(ctx context.Context, paymentID string, ratio Ratio) (*Result, error) {
	if err := ratio.validate(); err != nil {
		return nil, err
	}
	return s.Settle(ctx, paymentID, SplitPlan(ratio, false), nil)
}

// ReturnFailedHold books the refund leg for a failed payment that still
// holds escrow. No processor call is made: the charge never succeeded.
func (s *Service) ReturnFailedHold(ctx context.Context, paymentID string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReturnFailedHold", traces.PaymentID(paymentID))
	defer func() { traces.End(span, err); observe("return_failed_hold", err) }()

	unlock, err := s.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var returned int64
	err = s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		res = &Result{}
		p, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		returned = p.Outstanding()
		t, err := ledger.ReturnFailedHold(ctx, tx, p)
		if err != nil {
			return err
		}
		if t == nil {
			return ErrNothingHeld
		}
		res.Payment = p
		res.Transactions = []*ledger.Transaction{t}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowAmountMoved.WithLabelValues("refund", res.Payment.Currency).Add(float64(returned))
	s.logger.Info("failed payment hold returned",
		"paymentId", paymentID,
		"payer", res.Payment.PayerID,
		"amount", returned,
	)
	return res, nil
}

func (r Ratio) validate() error {
	if r.Payer < 0 || r.Payee < 0 || r.Payer+r.Payee <= 0 {
		return apperr.Wrapf(ErrInvalidRatio, "%d:%d", r.Payer, r.Payee)
	}
	return nil
}

// GetPayment returns a payment.
func (s *Service) GetPayment(ctx context.Context, id string) (*ledger.Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// GetWallet returns an owner's wallet.
func (s *Service) GetWallet(ctx context.Context, ownerID string) (*ledger.Wallet, error) {
	return s.store.GetWallet(ctx, ownerID)
}

// ListTransactions returns an owner's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, ownerID string, before *ledger.Cursor, limit int) ([]*ledger.Transaction, error) {
	w, err := s.store.GetWallet(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, ledger.TransactionFilter{WalletID: w.ID, Before: before, Limit: limit})
}

func (s *Service) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := s.gate.Lock(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(ErrConcurrentChange, fmt.Errorf("waiting for %s: %w", key, err))
	}
	return unlock, nil
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	metrics.EscrowOpsTotal.WithLabelValues(op, result).Inc()
}

func isKind(err error, kind apperr.Kind) bool {
	var e *apperr.Error
	return errors.As(err, &e) && e.Kind == kind
}
