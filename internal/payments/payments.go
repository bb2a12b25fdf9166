// Package payments holds the payment state machine.
//
// A payment is created escrowed and ends in exactly one terminal state:
//
//	escrowed       -> payment_released | refunded | partial_refund | disputed | failed
//	partial_refund -> payment_released | refunded | partial_refund | disputed
//	disputed       -> payment_released | refunded | escrowed
//
// payment_released, refunded and failed are terminal. Both the orchestrator
// and the webhook reconciler consult Check before writing a status.
package payments

import (
	"github.com/daniallc-1994/TaskUp/internal/apperr"
)

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusEscrowed      Status = "escrowed"
	StatusPartialRefund Status = "partial_refund"
	StatusDisputed      Status = "disputed"
	StatusReleased      Status = "payment_released"
	StatusRefunded      Status = "refunded"
	StatusFailed        Status = "failed"
)

var ErrInvalidTransition = apperr.New(apperr.KindInvalidStateTransition, "invalid_state_transition", "payment status transition not allowed")

var transitions = map[Status][]Status{
	StatusEscrowed:      {StatusReleased, StatusRefunded, StatusPartialRefund, StatusDisputed, StatusFailed},
	StatusPartialRefund: {StatusReleased, StatusRefunded, StatusPartialRefund, StatusDisputed},
	StatusDisputed:      {StatusReleased, StatusRefunded, StatusEscrowed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusEscrowed, StatusPartialRefund, StatusDisputed, StatusReleased, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded || s == StatusFailed
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Check returns ErrInvalidTransition unless from -> to is allowed.
func Check(from, to Status) error {
	if !CanTransition(from, to) {
		return apperr.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}

// Releasable reports whether funds held for a payment in status s may be
// moved to the payee.
func Releasable(s Status) bool { return CanTransition(s, StatusReleased) }

// Refundable reports whether funds held for a payment in status s may be
// returned to the payer.
func Refundable(s Status) bool { return CanTransition(s, StatusRefunded) }

// Resolution is an administrator's ruling on a dispute.
type Resolution string

const (
	ResolutionRelease Resolution = "release"
	ResolutionRefund  Resolution = "refund"
	ResolutionSplit   Resolution = "split"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == ResolutionRelease || r == ResolutionRefund || r == ResolutionSplit
}

// Target returns the payment status a resolution leaves the payment in.
// A split ends refunded: the payer's share is a refund and the payee's
// share a release, and nothing remains in escrow.
func (r Resolution) Target() Status {
	if r == ResolutionRelease {
		return StatusReleased
	}
	return StatusRefunded
}
