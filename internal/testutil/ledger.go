package testutil

import (
	"context"
	"testing"

	"github.com/daniallc-1994/TaskUp/internal/ledger"
)

// Fund credits owner's available balance with a succeeded top-up so the
// wallet's log still replays to its balances.
func Fund(t *testing.T, s ledger.Store, owner string, amount int64) *ledger.Wallet {
	t.Helper()
	var out *ledger.Wallet
	err := s.InTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		w, err := ledger.GetOrCreateWallet(ctx, tx, owner, "NOK")
		if err != nil {
			return err
		}
		if amount > 0 {
			if err := w.CreditAvailable(amount); err != nil {
				return err
			}
			if err := tx.UpdateWallet(ctx, w); err != nil {
				return err
			}
			if err := tx.AppendTransaction(ctx, ledger.NewTransaction(w, ledger.TxTopUp, amount, ledger.TxSucceeded)); err != nil {
				return err
			}
		}
		out = w
		return nil
	})
	if err != nil {
		t.Fatalf("fund %s: %v", owner, err)
	}
	return out
}

// Wallet loads owner's wallet or fails the test.
func Wallet(t *testing.T, s ledger.Store, owner string) *ledger.Wallet {
	t.Helper()
	w, err := s.GetWallet(context.Background(), owner)
	if err != nil {
		t.Fatalf("get wallet %s: %v", owner, err)
	}
	return w
}

// AssertReplays fails the test unless every wallet's transaction log
// replays to its stored balances, and returns the total of all balances.
func AssertReplays(t *testing.T, s ledger.Store) int64 {
	t.Helper()
	ctx := context.Background()
	wallets, err := s.ListWallets(ctx)
	if err != nil {
		t.Fatalf("list wallets: %v", err)
	}
	var total int64
	for _, w := range wallets {
		txs, err := s.ListTransactions(ctx, ledger.TransactionFilter{WalletID: w.ID})
		if err != nil {
			t.Fatalf("list transactions for %s: %v", w.OwnerID, err)
		}
		if b := ledger.Replay(txs); !b.Matches(w) {
			t.Errorf("wallet %s: stored available=%d escrow=%d, log replays to available=%d escrow=%d",
				w.OwnerID, w.Available, w.Escrow, b.Available, b.Escrow)
		}
		if w.Available < 0 || w.Escrow < 0 {
			t.Errorf("wallet %s has a negative balance: %+v", w.OwnerID, w)
		}
		total += w.Available + w.Escrow
	}
	return total
}

// SetPayment overwrites fields of a stored payment, for arranging states
// that only the webhook path produces.
func SetPayment(t *testing.T, s ledger.Store, id string, mutate func(p *ledger.Payment)) {
	t.Helper()
	err := s.InTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		p, err := tx.LockPayment(ctx, id)
		if err != nil {
			return err
		}
		from := p.Status
		mutate(p)
		return tx.UpdatePayment(ctx, p, from)
	})
	if err != nil {
		t.Fatalf("set payment %s: %v", id, err)
	}
}
