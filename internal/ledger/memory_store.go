package ledger

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/daniallc-1994/TaskUp/internal/payments"
)

// MemoryStore is an in-memory Store for development and tests.
//
// InTx holds one store-wide lock for the whole unit and buffers writes,
// applying them only when fn succeeds. Store read methods must not be
// called from inside fn.
type MemoryStore struct {
	mu           sync.Mutex
	wallets      map[string]*Wallet // by owner id
	transactions map[string]*Transaction
	txOrder      []string
	payments     map[string]*Payment
	disputes     map[string]*Dispute
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]*Wallet),
		transactions: make(map[string]*Transaction),
		payments:     make(map[string]*Payment),
		disputes:     make(map[string]*Dispute),
	}
}

// InTx runs fn against a staged view and commits it on success.
func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		store:    m,
		wallets:  make(map[string]*Wallet),
		txStatus: make(map[string]TxStatus),
		payments: make(map[string]*Payment),
		disputes: make(map[string]*Dispute),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) GetWallet(_ context.Context, ownerID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[ownerID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (m *MemoryStore) ListWallets(_ context.Context) ([]*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, copyWallet(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (m *MemoryStore) ListPayments(_ context.Context, status payments.Status, limit int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if status == "" || p.Status == status {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, filter TransactionFilter) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	// txOrder is append order; walk it backwards for newest first.
	for i := len(m.txOrder) - 1; i >= 0; i-- {
		t := m.transactions[m.txOrder[i]]
		if filter.WalletID != "" && t.WalletID != filter.WalletID {
			continue
		}
		if filter.Before != nil && !before(t, filter.Before) {
			continue
		}
		out = append(out, copyTransaction(t))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// before reports whether t sorts after c in (created_at, id) descending order.
func before(t *Transaction, c *Cursor) bool {
	if t.CreatedAt.Equal(c.CreatedAt) {
		return t.ID < c.ID
	}
	return t.CreatedAt.Before(c.CreatedAt)
}

// memoryTx buffers writes until commit. Reads see staged values first.
type memoryTx struct {
	store    *MemoryStore
	wallets  map[string]*Wallet
	newTxs   []*Transaction
	txStatus map[string]TxStatus
	payments map[string]*Payment
	disputes map[string]*Dispute
}

func (t *memoryTx) commit() {
	m := t.store
	maps.Copy(m.wallets, t.wallets)
	for _, tr := range t.newTxs {
		m.transactions[tr.ID] = tr
		m.txOrder = append(m.txOrder, tr.ID)
	}
	for id, s := range t.txStatus {
		if tr, ok := m.transactions[id]; ok {
			tr.Status = s
		}
	}
	maps.Copy(m.payments, t.payments)
	maps.Copy(m.disputes, t.disputes)
}

func (t *memoryTx) wallet(ownerID string) (*Wallet, bool) {
	if w, ok := t.wallets[ownerID]; ok {
		return w, true
	}
	w, ok := t.store.wallets[ownerID]
	return w, ok
}

func (t *memoryTx) LockWallet(_ context.Context, ownerID string) (*Wallet, error) {
	w, ok := t.wallet(ownerID)
	if !ok {
		return nil, ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (t *memoryTx) CreateWallet(_ context.Context, w *Wallet) error {
	if _, ok := t.wallet(w.OwnerID); ok {
		return nil
	}
	t.wallets[w.OwnerID] = copyWallet(w)
	return nil
}

func (t *memoryTx) UpdateWallet(_ context.Context, w *Wallet) error {
	if _, ok := t.wallet(w.OwnerID); !ok {
		return ErrWalletNotFound
	}
	if w.Available < 0 || w.Escrow < 0 {
		return ErrInsufficientFunds
	}
	t.wallets[w.OwnerID] = copyWallet(w)
	return nil
}

func (t *memoryTx) AppendTransaction(_ context.Context, tr *Transaction) error {
	t.newTxs = append(t.newTxs, copyTransaction(tr))
	return nil
}

func (t *memoryTx) transactionStatus(tr *Transaction) TxStatus {
	if s, ok := t.txStatus[tr.ID]; ok {
		return s
	}
	return tr.Status
}

func (t *memoryTx) LockTransactionByRef(_ context.Context, typ TxType, ref Ref, value string) (*Transaction, error) {
	match := func(tr *Transaction) bool {
		return value != "" && (typ == "" || tr.Type == typ) && txRef(tr, ref) == value
	}
	for _, tr := range t.newTxs {
		if match(tr) {
			return copyTransaction(tr), nil
		}
	}
	for _, id := range t.store.txOrder {
		tr := t.store.transactions[id]
		if match(tr) {
			c := copyTransaction(tr)
			c.Status = t.transactionStatus(tr)
			return c, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (t *memoryTx) SetTransactionStatus(_ context.Context, id string, from, to TxStatus) error {
	for _, tr := range t.newTxs {
		if tr.ID == id {
			if tr.Status != from {
				return ErrStaleStatus
			}
			tr.Status = to
			return nil
		}
	}
	tr, ok := t.store.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.transactionStatus(tr) != from {
		return ErrStaleStatus
	}
	t.txStatus[id] = to
	return nil
}

func (t *memoryTx) eachPayment(fn func(*Payment) bool) {
	for _, p := range t.payments {
		if fn(p) {
			return
		}
	}
	for id, p := range t.store.payments {
		if _, staged := t.payments[id]; staged {
			continue
		}
		if fn(p) {
			return
		}
	}
}

func (t *memoryTx) CreatePayment(_ context.Context, p *Payment) error {
	var dup bool
	t.eachPayment(func(existing *Payment) bool {
		dup = existing.ID == p.ID || existing.OfferID == p.OfferID ||
			(p.IntentID != "" && existing.IntentID == p.IntentID)
		return dup
	})
	if dup {
		return ErrDuplicatePayment
	}
	t.payments[p.ID] = copyPayment(p)
	return nil
}

func (t *memoryTx) LockPayment(_ context.Context, id string) (*Payment, error) {
	if p, ok := t.payments[id]; ok {
		return copyPayment(p), nil
	}
	if p, ok := t.store.payments[id]; ok {
		return copyPayment(p), nil
	}
	return nil, ErrPaymentNotFound
}

func (t *memoryTx) LockPaymentByRef(_ context.Context, ref Ref, value string) (*Payment, error) {
	var found *Payment
	t.eachPayment(func(p *Payment) bool {
		if value != "" && paymentRef(p, ref) == value {
			found = p
			return true
		}
		return false
	})
	if found == nil {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(found), nil
}

func (t *memoryTx) UpdatePayment(ctx context.Context, p *Payment, expected payments.Status) error {
	current, err := t.LockPayment(ctx, p.ID)
	if err != nil {
		return err
	}
	if current.Status != expected {
		return ErrStaleStatus
	}
	t.payments[p.ID] = copyPayment(p)
	return nil
}

func (t *memoryTx) eachDispute(fn func(*Dispute) bool) {
	for _, d := range t.disputes {
		if fn(d) {
			return
		}
	}
	for id, d := range t.store.disputes {
		if _, staged := t.disputes[id]; staged {
			continue
		}
		if fn(d) {
			return
		}
	}
}

func (t *memoryTx) CreateDispute(_ context.Context, d *Dispute) error {
	var dup bool
	t.eachDispute(func(existing *Dispute) bool {
		dup = existing.ID == d.ID ||
			(d.ExternalRef != "" && existing.ExternalRef == d.ExternalRef) ||
			(existing.PaymentID == d.PaymentID && !existing.Status.IsTerminal())
		return dup
	})
	if dup {
		return ErrDuplicateDispute
	}
	t.disputes[d.ID] = copyDispute(d)
	return nil
}

func (t *memoryTx) LockDispute(_ context.Context, id string) (*Dispute, error) {
	if d, ok := t.disputes[id]; ok {
		return copyDispute(d), nil
	}
	if d, ok := t.store.disputes[id]; ok {
		return copyDispute(d), nil
	}
	return nil, ErrDisputeNotFound
}

func (t *memoryTx) LockDisputeByRef(_ context.Context, externalRef string) (*Dispute, error) {
	var found *Dispute
	t.eachDispute(func(d *Dispute) bool {
		if externalRef != "" && d.ExternalRef == externalRef {
			found = d
			return true
		}
		return false
	})
	if found == nil {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(found), nil
}

func (t *memoryTx) ActiveDispute(_ context.Context, paymentID string) (*Dispute, error) {
	var found *Dispute
	t.eachDispute(func(d *Dispute) bool {
		if d.PaymentID == paymentID && !d.Status.IsTerminal() {
			found = d
			return true
		}
		return false
	})
	if found == nil {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(found), nil
}

func (t *memoryTx) UpdateDispute(ctx context.Context, d *Dispute, expected DisputeStatus) error {
	current, err := t.LockDispute(ctx, d.ID)
	if err != nil {
		return err
	}
	if current.Status != expected {
		return ErrStaleStatus
	}
	var dup bool
	t.eachDispute(func(existing *Dispute) bool {
		dup = existing.ID != d.ID && d.ExternalRef != "" && existing.ExternalRef == d.ExternalRef
		return dup
	})
	if dup {
		return ErrDuplicateDispute
	}
	t.disputes[d.ID] = copyDispute(d)
	return nil
}

func txRef(t *Transaction, ref Ref) string {
	switch ref {
	case RefIntent:
		return t.IntentID
	case RefTransfer:
		return t.TransferID
	case RefRefund:
		return t.RefundID
	case RefPayout:
		return t.PayoutID
	}
	return ""
}

func paymentRef(p *Payment, ref Ref) string {
	switch ref {
	case RefIntent:
		return p.IntentID
	case RefCharge:
		return p.ChargeID
	case RefTransfer:
		return p.TransferID
	case RefRefund:
		return p.RefundID
	}
	return ""
}

func copyWallet(w *Wallet) *Wallet {
	c := *w
	return &c
}

func copyTransaction(t *Transaction) *Transaction {
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	return &c
}

func copyPayment(p *Payment) *Payment {
	c := *p
	return &c
}

func copyDispute(d *Dispute) *Dispute {
	c := *d
	return &c
}

var _ Store = (*MemoryStore)(nil)
var _ Tx = (*memoryTx)(nil)
