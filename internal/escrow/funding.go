package escrow

import (
	"context"
	"strings"
	"time"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/idgen"
	"github.com/daniallc-1994/TaskUp/internal/ledger"
	"github.com/daniallc-1994/TaskUp/internal/metrics"
	"github.com/daniallc-1994/TaskUp/internal/processor"
	"github.com/daniallc-1994/TaskUp/internal/traces"
)

// Intent metadata written on top-up intents and read back by the webhook
// reconciler.
const (
	MetaPurpose  = "purpose"
	MetaOwnerID  = ledger.MetaOwnerID
	PurposeTopUp = "topup"
)

// CreateTopUpIntent opens a processor intent for adding funds to a wallet
// and records a pending top-up. The intent's success webhook credits the
// wallet. key makes client retries return the same intent.
func (s *Service) CreateTopUpIntent(ctx context.Context, ownerID string, amount int64, currency, key string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.TopUpIntent", traces.OwnerID(ownerID), traces.Amount(amount))
	defer func() { traces.End(span, err); observe("topup_intent", err) }()

	if ownerID == "" {
		return nil, apperr.Wrapf(ErrInvalidRequest, "ownerId is required")
	}
	if amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	currency = s.currency(currency)
	if key == "" {
		key = idgen.New()
	}

	intent, err := s.proc.CreateIntent(ctx, processor.IntentRequest{
		Amount:         amount,
		Currency:       currency,
		Metadata:       map[string]string{MetaPurpose: PurposeTopUp, MetaOwnerID: ownerID},
		IdempotencyKey: "topup:" + ownerID + ":" + key,
	})
	if err != nil {
		return nil, err
	}

	res = &Result{ClientSecret: intent.ClientSecret}
	err = s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		// A retried request gets the same intent back; keep one pending row.
		existing, err := tx.LockTransactionByRef(ctx, ledger.TxTopUp, ledger.RefIntent, intent.ID)
		if err == nil {
			res.Transactions = []*ledger.Transaction{existing}
			return nil
		}
		if !isKind(err, apperr.KindNotFound) {
			return err
		}

		w, err := ledger.GetOrCreateWallet(ctx, tx, ownerID, currency)
		if err != nil {
			return err
		}
		t := ledger.NewTransaction(w, ledger.TxTopUp, amount, ledger.TxPending)
		t.IntentID = intent.ID
		t.Metadata[MetaOwnerID] = ownerID
		if err := tx.AppendTransaction(ctx, t); err != nil {
			return err
		}
		res.Wallets = []*ledger.Wallet{w}
		res.Transactions = []*ledger.Transaction{t}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("top-up intent created", "owner", ownerID, "intentId", intent.ID, "amount", amount, "currency", currency)
	return res, nil
}

// RequestPayout sends amount of the owner's available balance to their
// linked payout account. The processor call comes first; the debit and a
// pending payout transaction are committed only once it succeeds.
func (s *Service) RequestPayout(ctx context.Context, ownerID string, amount int64, key string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Payout", traces.OwnerID(ownerID), traces.Amount(amount))
	defer func() { traces.End(span, err); observe("payout", err) }()

	if amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	unlock, err := s.lock(ctx, "payout:"+ownerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.store.GetWallet(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if w.PayoutAccount == "" {
		return nil, apperr.Wrapf(ErrNoPayoutAccount, "owner %s", ownerID)
	}
	if w.Available < amount {
		return nil, apperr.Wrapf(ledger.ErrInsufficientFunds, "available %d, need %d", w.Available, amount)
	}
	if key == "" {
		key = idgen.New()
	}

	po, err := s.proc.Payout(ctx, processor.PayoutRequest{
		Amount:         amount,
		Currency:       w.Currency,
		Account:        w.PayoutAccount,
		Metadata:       map[string]string{MetaOwnerID: ownerID},
		IdempotencyKey: "payout:" + ownerID + ":" + key,
	})
	if err != nil {
		return nil, err
	}

	res = &Result{}
	err = s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		w, err := tx.LockWallet(ctx, ownerID)
		if err != nil {
			return err
		}
		if err := w.DebitAvailable(amount); err != nil {
			return err
		}
		w.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		t := ledger.NewTransaction(w, ledger.TxPayout, amount, ledger.TxPending)
		t.PayoutID = po.ID
		t.Metadata[MetaOwnerID] = ownerID
		if err := tx.AppendTransaction(ctx, t); err != nil {
			return err
		}
		res.Wallets = []*ledger.Wallet{w}
		res.Transactions = []*ledger.Transaction{t}
		return nil
	})
	if err != nil {
		metrics.OrphanedTransfersTotal.WithLabelValues("payout").Inc()
		s.logger.ErrorContext(ctx, "CRITICAL: payout sent but the ledger debit failed",
			"owner", ownerID, "payoutId", po.ID, "amount", amount, "error", err)
		return nil, err
	}

	metrics.EscrowAmountMoved.WithLabelValues("payout", w.Currency).Add(float64(amount))
	s.logger.Info("payout requested", "owner", ownerID, "payoutId", po.ID, "amount", amount)
	return res, nil
}

// LinkPayoutAccount stores the processor account payouts and transfers
// are sent to, creating the wallet if needed.
func (s *Service) LinkPayoutAccount(ctx context.Context, ownerID, account, currency string) (*ledger.Wallet, error) {
	account = strings.TrimSpace(account)
	if ownerID == "" || account == "" {
		return nil, apperr.Wrapf(ErrInvalidRequest, "ownerId and account are required")
	}

	var out *ledger.Wallet
	err := s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		w, err := tx.LockWallet(ctx, ownerID)
		if isKind(err, apperr.KindNotFound) {
			w, err = ledger.GetOrCreateWallet(ctx, tx, ownerID, s.currency(currency))
		}
		if err != nil {
			return err
		}
		w.PayoutAccount = account
		w.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payout account linked", "owner", ownerID)
	return out, nil
}
