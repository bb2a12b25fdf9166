package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/payments"
)

func seedWallet(t *testing.T, s Store, owner string, available int64) *Wallet {
	t.Helper()
	var out *Wallet
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		w, err := GetOrCreateWallet(ctx, tx, owner, "NOK")
		if err != nil {
			return err
		}
		if available > 0 {
			if err := w.CreditAvailable(available); err != nil {
				return err
			}
			if err := tx.UpdateWallet(ctx, w); err != nil {
				return err
			}
			if err := tx.AppendTransaction(ctx, NewTransaction(w, TxTopUp, available, TxSucceeded)); err != nil {
				return err
			}
		}
		out = w
		return nil
	})
	if err != nil {
		t.Fatalf("seed wallet %s: %v", owner, err)
	}
	return out
}

func TestMemoryStore_GetOrCreateWalletIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	first := seedWallet(t, s, "user_a", 0)
	second := seedWallet(t, s, "user_a", 0)

	if first.ID != second.ID {
		t.Fatalf("expected same wallet, got %s and %s", first.ID, second.ID)
	}
	if first.Currency != "NOK" {
		t.Errorf("expected NOK, got %s", first.Currency)
	}
	wallets, _ := s.ListWallets(context.Background())
	if len(wallets) != 1 {
		t.Fatalf("expected 1 wallet, got %d", len(wallets))
	}
}

func TestMemoryStore_CurrencyMismatch(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "user_a", 0)

	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := GetOrCreateWallet(ctx, tx, "user_a", "usd")
		return err
	})
	if !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestMemoryStore_RollbackDiscardsEverything(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "payer", 1000)
	boom := errors.New("boom")

	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		w, err := tx.LockWallet(ctx, "payer")
		if err != nil {
			return err
		}
		if err := w.Hold(400); err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, NewTransaction(w, TxEscrowHold, 400, TxSucceeded)); err != nil {
			return err
		}
		if err := tx.CreatePayment(ctx, &Payment{ID: "pay_1", OfferID: "off_1", Amount: 400, Status: payments.StatusEscrowed}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	w, _ := s.GetWallet(context.Background(), "payer")
	if w.Available != 1000 || w.Escrow != 0 {
		t.Errorf("balances changed after rollback: %+v", w)
	}
	if _, err := s.GetPayment(context.Background(), "pay_1"); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("payment should not exist after rollback, got %v", err)
	}
	txs, _ := s.ListTransactions(context.Background(), TransactionFilter{WalletID: w.ID})
	if len(txs) != 1 {
		t.Errorf("expected only the seed transaction, got %d", len(txs))
	}
}

func TestMemoryStore_ReturnedRecordsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "user_a", 500)

	w, _ := s.GetWallet(context.Background(), "user_a")
	w.Available = 1_000_000

	again, _ := s.GetWallet(context.Background(), "user_a")
	if again.Available != 500 {
		t.Fatalf("store mutated through returned pointer: %d", again.Available)
	}
}

func TestMemoryStore_PaymentUniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	create := func(p *Payment) error {
		return s.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.CreatePayment(ctx, p)
		})
	}

	if err := create(&Payment{ID: "pay_1", OfferID: "off_1", IntentID: "pi_1", Status: payments.StatusEscrowed}); err != nil {
		t.Fatal(err)
	}
	if err := create(&Payment{ID: "pay_2", OfferID: "off_1", Status: payments.StatusEscrowed}); !errors.Is(err, ErrDuplicatePayment) {
		t.Errorf("duplicate offer: expected ErrDuplicatePayment, got %v", err)
	}
	if err := create(&Payment{ID: "pay_3", OfferID: "off_3", IntentID: "pi_1", Status: payments.StatusEscrowed}); !errors.Is(err, ErrDuplicatePayment) {
		t.Errorf("duplicate intent: expected ErrDuplicatePayment, got %v", err)
	}
	if apperr.KindOf(ErrDuplicatePayment) != apperr.KindConflict {
		t.Error("duplicate payment should be a conflict")
	}
}

func TestMemoryStore_UpdatePaymentCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreatePayment(ctx, &Payment{ID: "pay_1", OfferID: "off_1", Status: payments.StatusEscrowed})
	})

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockPayment(ctx, "pay_1")
		if err != nil {
			return err
		}
		p.Status = payments.StatusReleased
		return tx.UpdatePayment(ctx, p, payments.StatusDisputed)
	})
	if !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus, got %v", err)
	}

	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockPaymentByRef(ctx, RefIntent, "")
		if err == nil {
			t.Errorf("empty ref should never match, got %s", p.ID)
		}
		p, err = tx.LockPayment(ctx, "pay_1")
		if err != nil {
			return err
		}
		p.Status = payments.StatusReleased
		return tx.UpdatePayment(ctx, p, payments.StatusEscrowed)
	})
	if err != nil {
		t.Fatal(err)
	}
	p, _ := s.GetPayment(ctx, "pay_1")
	if p.Status != payments.StatusReleased {
		t.Errorf("expected released, got %s", p.Status)
	}
}

func TestMemoryStore_OneActiveDisputePerPayment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	create := func(d *Dispute) error {
		return s.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.CreateDispute(ctx, d) })
	}

	if err := create(&Dispute{ID: "dsp_1", PaymentID: "pay_1", Status: DisputeOpen, ExternalRef: "dp_1"}); err != nil {
		t.Fatal(err)
	}
	if err := create(&Dispute{ID: "dsp_2", PaymentID: "pay_1", Status: DisputeOpen}); !errors.Is(err, ErrDuplicateDispute) {
		t.Errorf("expected ErrDuplicateDispute for second active dispute, got %v", err)
	}
	if err := create(&Dispute{ID: "dsp_3", PaymentID: "pay_9", Status: DisputeOpen, ExternalRef: "dp_1"}); !errors.Is(err, ErrDuplicateDispute) {
		t.Errorf("expected ErrDuplicateDispute for reused external ref, got %v", err)
	}

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		d, err := tx.ActiveDispute(ctx, "pay_1")
		if err != nil {
			return err
		}
		d.Status = DisputeResolvedTasker
		return tx.UpdateDispute(ctx, d, DisputeOpen)
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := create(&Dispute{ID: "dsp_4", PaymentID: "pay_1", Status: DisputeOpen}); err != nil {
		t.Errorf("resolved dispute should allow a new one, got %v", err)
	}
}

func TestMemoryStore_TransactionStatusCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	w := seedWallet(t, s, "user_a", 0)

	payout := NewTransaction(w, TxPayout, 100, TxPending)
	payout.PayoutID = "po_1"
	_ = s.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.AppendTransaction(ctx, payout) })

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		tr, err := tx.LockTransactionByRef(ctx, TxPayout, RefPayout, "po_1")
		if err != nil {
			return err
		}
		return tx.SetTransactionStatus(ctx, tr.ID, TxPending, TxSucceeded)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SetTransactionStatus(ctx, payout.ID, TxPending, TxFailed)
	})
	if !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus, got %v", err)
	}
}

func TestMemoryStore_ListTransactionsPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	w := seedWallet(t, s, "user_a", 0)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tr := NewTransaction(w, TxTopUp, int64(100+i), TxSucceeded)
		tr.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_ = s.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.AppendTransaction(ctx, tr) })
	}

	page, _ := s.ListTransactions(ctx, TransactionFilter{WalletID: w.ID, Limit: 2})
	if len(page) != 2 || page[0].Amount != 104 || page[1].Amount != 103 {
		t.Fatalf("unexpected first page: %+v", page)
	}
	last := page[1]
	page, _ = s.ListTransactions(ctx, TransactionFilter{
		WalletID: w.ID,
		Before:   &Cursor{CreatedAt: last.CreatedAt, ID: last.ID},
		Limit:    10,
	})
	if len(page) != 3 || page[0].Amount != 102 {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestMemoryStore_ConcurrentHoldsNeverOverdraw(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "payer", 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
				w, err := tx.LockWallet(ctx, "payer")
				if err != nil {
					return err
				}
				if err := w.Hold(100); err != nil {
					return err
				}
				return tx.UpdateWallet(ctx, w)
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("expected exactly 10 holds, got %d", succeeded)
	}
	w, _ := s.GetWallet(context.Background(), "payer")
	if w.Available != 0 || w.Escrow != 1000 {
		t.Errorf("unexpected balances: %+v", w)
	}
}

func TestMemoryStore_UpdateDisputeAttachesExternalRef(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.CreateDispute(ctx, &Dispute{ID: "dsp_1", PaymentID: "pay_1", Status: DisputeOpen}); err != nil {
			return err
		}
		return tx.CreateDispute(ctx, &Dispute{ID: "dsp_2", PaymentID: "pay_2", Status: DisputeOpen, ExternalRef: "dp_2"})
	})
	if err != nil {
		t.Fatal(err)
	}

	attach := func(ref string) error {
		return s.InTx(ctx, func(ctx context.Context, tx Tx) error {
			d, err := tx.LockDispute(ctx, "dsp_1")
			if err != nil {
				return err
			}
			d.ExternalRef = ref
			return tx.UpdateDispute(ctx, d, DisputeOpen)
		})
	}
	if err := attach("dp_2"); !errors.Is(err, ErrDuplicateDispute) {
		t.Errorf("expected ErrDuplicateDispute for a ref held by another dispute, got %v", err)
	}
	if err := attach("dp_1"); err != nil {
		t.Fatal(err)
	}

	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		d, err := tx.LockDisputeByRef(ctx, "dp_1")
		if err != nil {
			return err
		}
		if d.ID != "dsp_1" {
			t.Errorf("expected dsp_1, got %s", d.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReturnFailedHold(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "client_1", 5000)
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		w, err := tx.LockWallet(ctx, "client_1")
		if err != nil {
			return err
		}
		if err := w.Hold(5000); err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, NewTransaction(w, TxEscrowHold, 5000, TxSucceeded)); err != nil {
			return err
		}
		return tx.CreatePayment(ctx, &Payment{
			ID: "pay_1", PayerID: "client_1", PayeeID: "tasker_1", WalletID: w.ID,
			Amount: 5000, Currency: "NOK", Status: payments.StatusEscrowed,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	ret := func() (*Transaction, error) {
		var out *Transaction
		err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
			p, err := tx.LockPayment(ctx, "pay_1")
			if err != nil {
				return err
			}
			out, err = ReturnFailedHold(ctx, tx, p)
			return err
		})
		return out, err
	}

	if _, err := ret(); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus for an escrowed payment, got %v", err)
	}

	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockPayment(ctx, "pay_1")
		if err != nil {
			return err
		}
		p.Status = payments.StatusFailed
		return tx.UpdatePayment(ctx, p, payments.StatusEscrowed)
	})
	if err != nil {
		t.Fatal(err)
	}

	tx, err := ret()
	if err != nil {
		t.Fatal(err)
	}
	if tx == nil || tx.Type != TxRefund || tx.Amount != 5000 || tx.Metadata[MetaPaymentID] != "pay_1" {
		t.Fatalf("unexpected refund leg %+v", tx)
	}
	if again, err := ret(); err != nil || again != nil {
		t.Errorf("second return should be a no-op, got %+v, %v", again, err)
	}

	w, err := s.GetWallet(ctx, "client_1")
	if err != nil {
		t.Fatal(err)
	}
	if w.Available != 5000 || w.Escrow != 0 {
		t.Errorf("expected 5000/0, got %d/%d", w.Available, w.Escrow)
	}
	p, err := s.GetPayment(ctx, "pay_1")
	if err != nil {
		t.Fatal(err)
	}
	if p.RefundedAmount != 5000 || p.Outstanding() != 0 {
		t.Errorf("unexpected payment %+v", p)
	}
}
