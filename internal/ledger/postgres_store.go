package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/payments"
	"github.com/daniallc-1994/TaskUp/internal/retry"
)

const (
	walletColumns = `id, owner_id, available, escrow, currency, payout_account, created_at, updated_at`

	transactionColumns = `id, wallet_id, type, amount, currency, status,
		intent_id, transfer_id, refund_id, payout_id, metadata, created_at`

	paymentColumns = `id, task_id, offer_id, payer_id, payee_id, wallet_id, amount, currency, status,
		intent_id, charge_id, transfer_id, refund_id, refunded_amount, released_amount, created_at, updated_at`

	disputeColumns = `id, task_id, payment_id, raised_by, against, reason, status,
		resolution, note, external_ref, created_at, updated_at`
)

// PostgresStore implements Store with PostgreSQL. The schema lives in the
// migrations directory.
type PostgresStore struct {
	db          *sql.DB
	maxAttempts int
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, maxAttempts: 3}
}

// InTx runs fn in a database transaction. Serialization failures and
// deadlocks roll back and run fn again from scratch.
func (p *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	defer observeOp("tx")()

	return retry.Do(ctx, p.maxAttempts, 20*time.Millisecond, func() error {
		err := p.runTx(ctx, fn)
		if err != nil && !isRetryableTxError(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &postgresTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return apperr.Storage("commit transaction", err)
	}
	return nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, ownerID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, apperr.Storage("get wallet", err)
	}
	return w, nil
}

func (p *PostgresStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY owner_id`)
	if err != nil {
		return nil, apperr.Storage("list wallets", err)
	}
	defer rows.Close()

	var out []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, apperr.Storage("scan wallet", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list wallets", err)
	}
	return out, nil
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, apperr.Storage("get payment", err)
	}
	return pay, nil
}

func (p *PostgresStore) ListPayments(ctx context.Context, status payments.Status, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + paymentColumns + ` FROM payments`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("list payments", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, apperr.Storage("scan payment", err)
		}
		out = append(out, pay)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list payments", err)
	}
	return out, nil
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, apperr.Storage("get dispute", err)
	}
	return d, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE TRUE`
	var args []any
	if filter.WalletID != "" {
		args = append(args, filter.WalletID)
		query += fmt.Sprintf(` AND wallet_id = $%d`, len(args))
	}
	if filter.Before != nil {
		args = append(args, filter.Before.CreatedAt, filter.Before.ID)
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("list transactions", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, apperr.Storage("scan transaction", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list transactions", err)
	}
	return out, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// postgresTx implements Tx over one sql.Tx.
type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) LockWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 FOR UPDATE`, ownerID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, apperr.Storage("lock wallet", err)
	}
	return w, nil
}

func (t *postgresTx) CreateWallet(ctx context.Context, w *Wallet) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner_id) DO NOTHING`,
		w.ID, w.OwnerID, w.Available, w.Escrow, w.Currency, nullString(w.PayoutAccount), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return apperr.Storage("create wallet", err)
	}
	return nil
}

func (t *postgresTx) UpdateWallet(ctx context.Context, w *Wallet) error {
	w.UpdatedAt = time.Now().UTC()
	result, err := t.tx.ExecContext(ctx, `
		UPDATE wallets SET available = $2, escrow = $3, payout_account = $4, updated_at = $5
		WHERE id = $1`,
		w.ID, w.Available, w.Escrow, nullString(w.PayoutAccount), w.UpdatedAt,
	)
	if isCheckViolation(err) {
		return ErrInsufficientFunds
	}
	if err != nil {
		return apperr.Storage("update wallet", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (t *postgresTx) AppendTransaction(ctx context.Context, tr *Transaction) error {
	if tr.Metadata == nil {
		tr.Metadata = map[string]string{}
	}
	meta, err := json.Marshal(tr.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tr.ID, tr.WalletID, string(tr.Type), tr.Amount, tr.Currency, string(tr.Status),
		nullString(tr.IntentID), nullString(tr.TransferID), nullString(tr.RefundID), nullString(tr.PayoutID),
		string(meta), tr.CreatedAt,
	)
	if err != nil {
		return apperr.Storage("append transaction", err)
	}
	return nil
}

func (t *postgresTx) LockTransactionByRef(ctx context.Context, typ TxType, ref Ref, value string) (*Transaction, error) {
	col, err := refColumn(ref)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + col + ` = $1`
	args := []any{value}
	if typ != "" {
		query += ` AND type = $2`
		args = append(args, string(typ))
	}
	query += ` ORDER BY created_at LIMIT 1 FOR UPDATE`

	tr, err := scanTransaction(t.tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, apperr.Storage("lock transaction", err)
	}
	return tr, nil
}

func (t *postgresTx) SetTransactionStatus(ctx context.Context, id string, from, to TxStatus) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE transactions SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return apperr.Storage("update transaction status", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (t *postgresTx) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		p.ID, p.TaskID, p.OfferID, p.PayerID, p.PayeeID, p.WalletID, p.Amount, p.Currency, string(p.Status),
		nullString(p.IntentID), nullString(p.ChargeID), nullString(p.TransferID), nullString(p.RefundID),
		p.RefundedAmount, p.ReleasedAmount, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicatePayment
	}
	if err != nil {
		return apperr.Storage("create payment", err)
	}
	return nil
}

func (t *postgresTx) LockPayment(ctx context.Context, id string) (*Payment, error) {
	pay, err := scanPayment(t.tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, apperr.Storage("lock payment", err)
	}
	return pay, nil
}

func (t *postgresTx) LockPaymentByRef(ctx context.Context, ref Ref, value string) (*Payment, error) {
	col, err := refColumn(ref)
	if err != nil {
		return nil, err
	}
	pay, err := scanPayment(t.tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE `+col+` = $1 LIMIT 1 FOR UPDATE`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, apperr.Storage("lock payment", err)
	}
	return pay, nil
}

func (t *postgresTx) UpdatePayment(ctx context.Context, p *Payment, expected payments.Status) error {
	p.UpdatedAt = time.Now().UTC()
	result, err := t.tx.ExecContext(ctx, `
		UPDATE payments SET
			status = $2, intent_id = $3, charge_id = $4, transfer_id = $5, refund_id = $6,
			refunded_amount = $7, released_amount = $8, updated_at = $9
		WHERE id = $1 AND status = $10`,
		p.ID, string(p.Status), nullString(p.IntentID), nullString(p.ChargeID),
		nullString(p.TransferID), nullString(p.RefundID),
		p.RefundedAmount, p.ReleasedAmount, p.UpdatedAt, string(expected),
	)
	if err != nil {
		return apperr.Storage("update payment", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (t *postgresTx) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.TaskID, d.PaymentID, d.RaisedBy, d.Against, d.Reason, string(d.Status),
		nullString(string(d.Resolution)), nullString(d.Note), nullString(d.ExternalRef), d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateDispute
	}
	if err != nil {
		return apperr.Storage("create dispute", err)
	}
	return nil
}

func (t *postgresTx) lockDisputeWhere(ctx context.Context, where string, arg any) (*Dispute, error) {
	d, err := scanDispute(t.tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE `+where+` LIMIT 1 FOR UPDATE`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, apperr.Storage("lock dispute", err)
	}
	return d, nil
}

func (t *postgresTx) LockDispute(ctx context.Context, id string) (*Dispute, error) {
	return t.lockDisputeWhere(ctx, `id = $1`, id)
}

func (t *postgresTx) LockDisputeByRef(ctx context.Context, externalRef string) (*Dispute, error) {
	return t.lockDisputeWhere(ctx, `external_ref = $1`, externalRef)
}

func (t *postgresTx) ActiveDispute(ctx context.Context, paymentID string) (*Dispute, error) {
	return t.lockDisputeWhere(ctx, `payment_id = $1 AND status IN ('open', 'under_review')`, paymentID)
}

func (t *postgresTx) UpdateDispute(ctx context.Context, d *Dispute, expected DisputeStatus) error {
	d.UpdatedAt = time.Now().UTC()
	result, err := t.tx.ExecContext(ctx, `
		UPDATE disputes SET status = $2, resolution = $3, note = $4, external_ref = $5, updated_at = $6
		WHERE id = $1 AND status = $7`,
		d.ID, string(d.Status), nullString(string(d.Resolution)), nullString(d.Note), nullString(d.ExternalRef),
		d.UpdatedAt, string(expected),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateDispute
	}
	if err != nil {
		return apperr.Storage("update dispute", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrStaleStatus
	}
	return nil
}

// Helpers

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(s scanner) (*Wallet, error) {
	w := &Wallet{}
	var payout sql.NullString
	if err := s.Scan(&w.ID, &w.OwnerID, &w.Available, &w.Escrow, &w.Currency, &payout, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.PayoutAccount = payout.String
	return w, nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var typ, status string
	var intent, transfer, refund, payout sql.NullString
	var meta []byte
	err := s.Scan(&t.ID, &t.WalletID, &typ, &t.Amount, &t.Currency, &status,
		&intent, &transfer, &refund, &payout, &meta, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = TxType(typ)
	t.Status = TxStatus(status)
	t.IntentID = intent.String
	t.TransferID = transfer.String
	t.RefundID = refund.String
	t.PayoutID = payout.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return t, nil
}

func scanPayment(s scanner) (*Payment, error) {
	p := &Payment{}
	var status string
	var intent, charge, transfer, refund sql.NullString
	err := s.Scan(&p.ID, &p.TaskID, &p.OfferID, &p.PayerID, &p.PayeeID, &p.WalletID, &p.Amount, &p.Currency, &status,
		&intent, &charge, &transfer, &refund, &p.RefundedAmount, &p.ReleasedAmount, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = payments.Status(status)
	p.IntentID = intent.String
	p.ChargeID = charge.String
	p.TransferID = transfer.String
	p.RefundID = refund.String
	return p, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var status string
	var resolution, note, ref sql.NullString
	err := s.Scan(&d.ID, &d.TaskID, &d.PaymentID, &d.RaisedBy, &d.Against, &d.Reason, &status,
		&resolution, &note, &ref, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.Resolution = payments.Resolution(resolution.String)
	d.Note = note.String
	d.ExternalRef = ref.String
	return d, nil
}

func refColumn(ref Ref) (string, error) {
	switch ref {
	case RefIntent, RefCharge, RefTransfer, RefRefund, RefPayout:
		return string(ref), nil
	}
	return "", fmt.Errorf("unknown reference %q", ref)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name()
	}
	return ""
}

func isUniqueViolation(err error) bool { return pqCode(err) == "unique_violation" }

func isCheckViolation(err error) bool { return pqCode(err) == "check_violation" }

func isRetryableTxError(err error) bool {
	switch pqCode(err) {
	case "serialization_failure", "deadlock_detected":
		return true
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
var _ Tx = (*postgresTx)(nil)
