// Package ledger is the system of record for wallets, the append-only
// transaction log, payments and disputes.
//
// Every multi-record change runs inside Store.InTx, which either commits
// all of its writes or none of them. Rows are locked in a fixed order
// (dispute, payment, then wallets sorted by owner id) so two transactions
// touching the same records cannot deadlock each other.
//
// Balances change only through the Wallet methods in wallets.go, and each
// change is paired with a Transaction appended in the same unit, so the
// log always replays to the stored balances (see Replay).
package ledger

import (
	"context"
	"time"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/payments"
)

var (
	ErrWalletNotFound      = apperr.New(apperr.KindNotFound, "wallet_not_found", "wallet not found")
	ErrPaymentNotFound     = apperr.New(apperr.KindNotFound, "payment_not_found", "payment not found")
	ErrDisputeNotFound     = apperr.New(apperr.KindNotFound, "dispute_not_found", "dispute not found")
	ErrTransactionNotFound = apperr.New(apperr.KindNotFound, "transaction_not_found", "transaction not found")
	ErrInsufficientFunds   = apperr.New(apperr.KindInsufficientFunds, "insufficient_funds", "insufficient funds")
	ErrInvalidAmount       = apperr.New(apperr.KindInvalidRequest, "invalid_amount", "amount must be positive")
	ErrCurrencyMismatch    = apperr.New(apperr.KindInvalidRequest, "currency_mismatch", "currency does not match wallet")
	ErrDuplicatePayment    = apperr.New(apperr.KindConflict, "duplicate_payment", "payment already exists")
	ErrDuplicateDispute    = apperr.New(apperr.KindConflict, "duplicate_dispute", "dispute already exists")
	ErrStaleStatus         = apperr.New(apperr.KindConflict, "stale_status", "record status changed concurrently")
)

// TxType is the kind of a ledger transaction.
type TxType string

const (
	TxTopUp         TxType = "topup"
	TxEscrowHold    TxType = "escrow_hold"
	TxRelease       TxType = "release"
	TxRefund        TxType = "refund"
	TxPartialRefund TxType = "partial_refund"
	TxPayout        TxType = "payout"
)

// TxStatus is the settlement state of a transaction. Only pending
// transactions change status.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxSucceeded TxStatus = "succeeded"
	TxFailed    TxStatus = "failed"
)

// Metadata keys used on transactions.
const (
	MetaSide      = "side" // "payer" or "payee" on release legs
	MetaPair      = "pair" // shared by the two legs of a release
	MetaTaskID    = "task_id"
	MetaOfferID   = "offer_id"
	MetaPaymentID = "payment_id"
	MetaDisputeID = "dispute_id"
	MetaOwnerID   = "owner_id"

	SidePayer = "payer"
	SidePayee = "payee"
)

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeOpen           DisputeStatus = "open"
	DisputeUnderReview    DisputeStatus = "under_review"
	DisputeResolvedClient DisputeStatus = "resolved_client"
	DisputeResolvedTasker DisputeStatus = "resolved_tasker"
	DisputeRefunded       DisputeStatus = "refunded"
	DisputePartialRefund  DisputeStatus = "partial_refund"
	DisputeClosed         DisputeStatus = "closed" // closed by the processor without a ruling
)

// IsTerminal reports whether the dispute has been decided.
func (s DisputeStatus) IsTerminal() bool {
	return s != DisputeOpen && s != DisputeUnderReview
}

// Wallet holds one owner's funds. Available can be spent or paid out;
// Escrow is locked against payments the owner made.
type Wallet struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Available     int64     `json:"available"`
	Escrow        int64     `json:"escrow"`
	Currency      string    `json:"currency"`
	PayoutAccount string    `json:"payoutAccount,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Transaction is an immutable record of a balance change.
type Transaction struct {
	ID         string            `json:"id"`
	WalletID   string            `json:"walletId"`
	Type       TxType            `json:"type"`
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	Status     TxStatus          `json:"status"`
	IntentID   string            `json:"intentId,omitempty"`
	TransferID string            `json:"transferId,omitempty"`
	RefundID   string            `json:"refundId,omitempty"`
	PayoutID   string            `json:"payoutId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Payment is the escrow record for one accepted offer.
type Payment struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"taskId"`
	OfferID        string          `json:"offerId"`
	PayerID        string          `json:"payerId"`
	PayeeID        string          `json:"payeeId"`
	WalletID       string          `json:"walletId"`
	Amount         int64           `json:"amount"`
	Currency       string          `json:"currency"`
	Status         payments.Status `json:"status"`
	IntentID       string          `json:"intentId,omitempty"`
	ChargeID       string          `json:"chargeId,omitempty"`
	TransferID     string          `json:"transferId,omitempty"`
	RefundID       string          `json:"refundId,omitempty"`
	RefundedAmount int64           `json:"refundedAmount"`
	ReleasedAmount int64           `json:"releasedAmount"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Outstanding is the part of the payment still held in the payer's escrow.
func (p *Payment) Outstanding() int64 {
	return p.Amount - p.RefundedAmount - p.ReleasedAmount
}

// Dispute is a challenge raised against a payment.
type Dispute struct {
	ID          string              `json:"id"`
	TaskID      string              `json:"taskId"`
	PaymentID   string              `json:"paymentId"`
	RaisedBy    string              `json:"raisedBy"`
	Against     string              `json:"against"`
	Reason      string              `json:"reason"`
	Status      DisputeStatus       `json:"status"`
	Resolution  payments.Resolution `json:"resolution,omitempty"`
	Note        string              `json:"note,omitempty"`
	ExternalRef string              `json:"externalRef,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Ref selects which external processor reference a lookup matches on.
type Ref string

const (
	RefIntent   Ref = "intent_id"
	RefCharge   Ref = "charge_id"
	RefTransfer Ref = "transfer_id"
	RefRefund   Ref = "refund_id"
	RefPayout   Ref = "payout_id"
)

// TransactionFilter selects transactions for listing. A zero Limit means
// no limit.
type TransactionFilter struct {
	WalletID string
	Before   *Cursor
	Limit    int
}

// Cursor is a keyset position in (created_at, id) descending order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Store persists the ledger.
type Store interface {
	// InTx runs fn in one atomic unit. Writes made through tx become
	// visible only if fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetWallet(ctx context.Context, ownerID string) (*Wallet, error)
	ListWallets(ctx context.Context) ([]*Wallet, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	ListPayments(ctx context.Context, status payments.Status, limit int) ([]*Payment, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)
	Ping(ctx context.Context) error
}

// Tx is the set of reads and writes available inside InTx. Lock* methods
// hold the row until the unit ends.
type Tx interface {
	LockWallet(ctx context.Context, ownerID string) (*Wallet, error)
	// CreateWallet inserts w unless the owner already has a wallet, in
	// which case it does nothing.
	CreateWallet(ctx context.Context, w *Wallet) error
	UpdateWallet(ctx context.Context, w *Wallet) error

	AppendTransaction(ctx context.Context, t *Transaction) error
	LockTransactionByRef(ctx context.Context, typ TxType, ref Ref, value string) (*Transaction, error)
	// SetTransactionStatus moves a transaction from one status to another
	// and fails with ErrStaleStatus if it is no longer in from.
	SetTransactionStatus(ctx context.Context, id string, from, to TxStatus) error

	CreatePayment(ctx context.Context, p *Payment) error
	LockPayment(ctx context.Context, id string) (*Payment, error)
	LockPaymentByRef(ctx context.Context, ref Ref, value string) (*Payment, error)
	// UpdatePayment writes p if the stored status still equals expected.
	UpdatePayment(ctx context.Context, p *Payment, expected payments.Status) error

	CreateDispute(ctx context.Context, d *Dispute) error
	LockDispute(ctx context.Context, id string) (*Dispute, error)
	LockDisputeByRef(ctx context.Context, externalRef string) (*Dispute, error)
	// ActiveDispute returns the open or under-review dispute on a payment.
	ActiveDispute(ctx context.Context, paymentID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute, expected DisputeStatus) error
}
