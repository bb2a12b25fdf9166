package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/idgen"
	"github.com/daniallc-1994/TaskUp/internal/payments"
)

// GetOrCreateWallet returns the owner's wallet locked for the rest of the
// unit, creating an empty one on first touch.
func GetOrCreateWallet(ctx context.Context, tx Tx, ownerID, currency string) (*Wallet, error) {
	defer observeOp("get_or_create_wallet")()

	currency = strings.ToUpper(currency)
	w, err := tx.LockWallet(ctx, ownerID)
	if errors.Is(err, ErrWalletNotFound) {
		now := time.Now().UTC()
		err = tx.CreateWallet(ctx, &Wallet{
			ID:        idgen.WithPrefix("wal_"),
			OwnerID:   ownerID,
			Currency:  currency,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, err
		}
		// A concurrent creator may have won; either way the row exists now.
		w, err = tx.LockWallet(ctx, ownerID)
	}
	if err != nil {
		return nil, err
	}
	if currency != "" && w.Currency != currency {
		return nil, apperr.Wrapf(ErrCurrencyMismatch, "wallet %s holds %s, got %s", w.ID, w.Currency, currency)
	}
	return w, nil
}

// GetOrCreateWallets locks several owners' wallets in owner-id order.
func GetOrCreateWallets(ctx context.Context, tx Tx, currency string, ownerIDs ...string) (map[string]*Wallet, error) {
	ids := make([]string, 0, len(ownerIDs))
	seen := make(map[string]bool, len(ownerIDs))
	for _, id := range ownerIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make(map[string]*Wallet, len(ids))
	for _, id := range ids {
		w, err := GetOrCreateWallet(ctx, tx, id, currency)
		if err != nil {
			return nil, err
		}
		out[id] = w
	}
	return out, nil
}

// Hold moves amount from available to escrow.
func (w *Wallet) Hold(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if w.Available < amount {
		return apperr.Wrapf(ErrInsufficientFunds, "available %d, need %d", w.Available, amount)
	}
	w.Available -= amount
	w.Escrow += amount
	return nil
}

// DebitEscrow removes amount from escrow.
func (w *Wallet) DebitEscrow(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if w.Escrow < amount {
		return apperr.Wrapf(ErrInsufficientFunds, "escrow %d, need %d", w.Escrow, amount)
	}
	w.Escrow -= amount
	return nil
}

// ReturnEscrow moves amount from escrow back to available.
func (w *Wallet) ReturnEscrow(amount int64) error {
	if err := w.DebitEscrow(amount); err != nil {
		return err
	}
	w.Available += amount
	return nil
}

// CreditAvailable adds amount to available.
func (w *Wallet) CreditAvailable(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	w.Available += amount
	return nil
}

// DebitAvailable removes amount from available.
func (w *Wallet) DebitAvailable(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if w.Available < amount {
		return apperr.Wrapf(ErrInsufficientFunds, "available %d, need %d", w.Available, amount)
	}
	w.Available -= amount
	return nil
}

// NewTransaction builds a transaction against w. Callers set the external
// references and metadata before appending it.
func NewTransaction(w *Wallet, typ TxType, amount int64, status TxStatus) *Transaction {
	return &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		WalletID:  w.ID,
		Type:      typ,
		Amount:    amount,
		Currency:  w.Currency,
		Status:    status,
		Metadata:  map[string]string{},
		CreatedAt: time.Now().UTC(),
	}
}

// ReturnFailedHold gives the payer back what a failed payment still holds
// in escrow, as a refund leg in the caller's unit. p must be locked and
// already failed. It returns nil when nothing is outstanding.
func ReturnFailedHold(ctx context.Context, tx Tx, p *Payment) (*Transaction, error) {
	if p.Status != payments.StatusFailed {
		return nil, apperr.Wrapf(ErrStaleStatus, "payment %s is %s, not failed", p.ID, p.Status)
	}
	out := p.Outstanding()
	if out <= 0 {
		return nil, nil
	}
	payer, err := GetOrCreateWallet(ctx, tx, p.PayerID, p.Currency)
	if err != nil {
		return nil, err
	}
	if err := payer.ReturnEscrow(out); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	payer.UpdatedAt = now
	if err := tx.UpdateWallet(ctx, payer); err != nil {
		return nil, err
	}

	t := NewTransaction(payer, TxRefund, out, TxSucceeded)
	t.IntentID = p.IntentID
	t.Metadata[MetaPaymentID] = p.ID
	t.Metadata[MetaTaskID] = p.TaskID
	t.Metadata[MetaOfferID] = p.OfferID
	if err := tx.AppendTransaction(ctx, t); err != nil {
		return nil, err
	}

	p.RefundedAmount += out
	p.UpdatedAt = now
	if err := tx.UpdatePayment(ctx, p, p.Status); err != nil {
		return nil, err
	}
	return t, nil
}
