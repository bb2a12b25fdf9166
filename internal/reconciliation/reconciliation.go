// Package reconciliation checks the ledger against itself.
//
// A run replays every wallet's transaction log against its stored
// balances, compares the escrow held across wallets with what payments
// still have outstanding, and finds terminal payments that still hold
// escrow. Payments the processor settled by webhook before the ledger
// legs were booked, and failed payments still holding escrow, can be
// booked automatically.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daniallc-1994/TaskUp/internal/escrow"
	"github.com/daniallc-1994/TaskUp/internal/ledger"
	"github.com/daniallc-1994/TaskUp/internal/metrics"
	"github.com/daniallc-1994/TaskUp/internal/payments"
)

// Booker books the ledger legs of processor-confirmed settlements.
type Booker interface {
	Release(ctx context.Context, paymentID string) (*escrow.Result, error)
	Refund(ctx context.Context, paymentID string, amount int64) (*escrow.Result, error)
	ReturnFailedHold(ctx context.Context, paymentID string) (*escrow.Result, error)
}

// Mismatch is a wallet whose log does not replay to its balances.
type Mismatch struct {
	OwnerID  string          `json:"ownerId"`
	WalletID string          `json:"walletId"`
	Stored   ledger.Balances `json:"stored"`
	Replayed ledger.Balances `json:"replayed"`
}

// StuckPayment is a terminal payment that still holds escrow.
type StuckPayment struct {
	PaymentID   string          `json:"paymentId"`
	Status      payments.Status `json:"status"`
	Outstanding int64           `json:"outstanding"`
	Booked      bool            `json:"booked"`
	Error       string          `json:"error,omitempty"`
}

// Report is the outcome of one run.
type Report struct {
	StartedAt   time.Time      `json:"startedAt"`
	Duration    string         `json:"duration"`
	Wallets     int            `json:"wallets"`
	Available   int64          `json:"available"`
	Escrow      int64          `json:"escrow"`
	Outstanding int64          `json:"outstanding"`
	EscrowDrift int64          `json:"escrowDrift"`
	Mismatches  []Mismatch     `json:"mismatches"`
	Stuck       []StuckPayment `json:"stuck"`
}

// Healthy reports whether the run found nothing to act on.
func (r *Report) Healthy() bool {
	if len(r.Mismatches) > 0 || r.EscrowDrift != 0 {
		return false
	}
	for _, s := range r.Stuck {
		if !s.Booked {
			return false
		}
	}
	return true
}

// Service runs reconciliation.
type Service struct {
	store  ledger.Store
	booker Booker
	logger *slog.Logger

	mu   sync.Mutex
	last *Report
}

// NewService creates a reconciliation service. booker may be nil, in
// which case stuck payments are only reported.
func NewService(store ledger.Store, booker Booker) *Service {
	return &Service{store: store, booker: booker, logger: slog.Default()}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run performs one reconciliation pass.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	rep := &Report{StartedAt: start.UTC(), Mismatches: []Mismatch{}, Stuck: []StuckPayment{}}
	if err := s.checkWallets(ctx, rep); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if err := s.checkPayments(ctx, rep); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	rep.Duration = time.Since(start).String()

	reconcileMismatches.Set(float64(len(rep.Mismatches)))
	var stuck int
	for _, sp := range rep.Stuck {
		if !sp.Booked {
			stuck++
		}
	}
	reconcileStuckPayments.Set(float64(stuck))
	reconcileEscrowDrift.Set(float64(rep.EscrowDrift))
	ledger.AvailableTotal.Set(float64(rep.Available))
	ledger.EscrowTotal.Set(float64(rep.Escrow))

	if !rep.Healthy() {
		metrics.AlertsTotal.WithLabelValues("reconciliation").Inc()
		s.logger.ErrorContext(ctx, "reconciliation found discrepancies",
			"mismatches", len(rep.Mismatches),
			"stuck", stuck,
			"escrowDrift", rep.EscrowDrift,
		)
	} else {
		s.logger.Info("reconciliation clean", "wallets", rep.Wallets, "duration", rep.Duration)
	}

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	return rep, nil
}

func (s *Service) checkWallets(ctx context.Context, rep *Report) error {
	wallets, err := s.store.ListWallets(ctx)
	if err != nil {
		return fmt.Errorf("list wallets: %w", err)
	}
	for _, w := range wallets {
		txs, err := s.store.ListTransactions(ctx, ledger.TransactionFilter{WalletID: w.ID})
		if err != nil {
			return fmt.Errorf("list transactions for %s: %w", w.OwnerID, err)
		}
		replayed := ledger.Replay(txs)
		if !replayed.Matches(w) || w.Available < 0 || w.Escrow < 0 {
			rep.Mismatches = append(rep.Mismatches, Mismatch{
				OwnerID:  w.OwnerID,
				WalletID: w.ID,
				Stored:   ledger.Balances{Available: w.Available, Escrow: w.Escrow},
				Replayed: replayed,
			})
		}
		rep.Available += w.Available
		rep.Escrow += w.Escrow
	}
	rep.Wallets = len(wallets)
	return nil
}

func (s *Service) checkPayments(ctx context.Context, rep *Report) error {
	all, err := s.store.ListPayments(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("list payments: %w", err)
	}
	var booked int64
	for _, p := range all {
		out := p.Outstanding()
		rep.Outstanding += out
		if !p.Status.IsTerminal() || out == 0 {
			continue
		}

		sp := StuckPayment{PaymentID: p.ID, Status: p.Status, Outstanding: out}
		if s.booker != nil {
			var err error
			switch {
			case p.Status == payments.StatusReleased && p.TransferID != "":
				_, err = s.booker.Release(ctx, p.ID)
				sp.Booked = err == nil
			case p.Status == payments.StatusRefunded && p.RefundID != "":
				_, err = s.booker.Refund(ctx, p.ID, 0)
				sp.Booked = err == nil
			case p.Status == payments.StatusFailed:
				_, err = s.booker.ReturnFailedHold(ctx, p.ID)
				sp.Booked = err == nil
			}
			if err != nil {
				sp.Error = err.Error()
				s.logger.WarnContext(ctx, "could not book stuck payment", "paymentId", p.ID, "error", err)
			}
		}
		if sp.Booked {
			booked += out
			reconcileBooked.Inc()
		}
		rep.Stuck = append(rep.Stuck, sp)
	}

	// Booking moved escrow after the wallets were summed.
	rep.Outstanding -= booked
	rep.Escrow -= booked
	rep.EscrowDrift = rep.Escrow - rep.Outstanding
	return nil
}
