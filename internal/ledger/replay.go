package ledger

// Balances is the result of replaying a wallet's transaction log.
type Balances struct {
	Available int64 `json:"available"`
	Escrow    int64 `json:"escrow"`
}

// Replay folds a wallet's transactions into the balances they imply.
//
// Succeeded transactions count. Pending payouts count too, because the
// payout debits available when it is requested and the processor settles
// it later. Failed transactions and pending top-ups do not count.
func Replay(txs []*Transaction) Balances {
	var b Balances
	for _, t := range txs {
		if t.Status != TxSucceeded && !(t.Type == TxPayout && t.Status == TxPending) {
			continue
		}
		switch t.Type {
		case TxTopUp:
			b.Available += t.Amount
		case TxEscrowHold:
			b.Available -= t.Amount
			b.Escrow += t.Amount
		case TxRelease:
			if t.Metadata[MetaSide] == SidePayee {
				b.Available += t.Amount
			} else {
				b.Escrow -= t.Amount
			}
		case TxRefund, TxPartialRefund:
			b.Escrow -= t.Amount
			b.Available += t.Amount
		case TxPayout:
			b.Available -= t.Amount
		}
	}
	return b
}

// Matches reports whether w's stored balances equal b.
func (b Balances) Matches(w *Wallet) bool {
	return b.Available == w.Available && b.Escrow == w.Escrow
}
