package testutil

import (
	"context"
	"errors"

	"github.com/daniallc-1994/TaskUp/internal/ledger"
)

var errSerialization = errors.New("testutil: simulated serialization failure")

// RetryingStore replays every unit once, the way PostgresStore does after
// a serialization failure. The first attempt runs to completion and is
// rolled back; the second commits.
type RetryingStore struct {
	ledger.Store
	Attempts int
}

func (s *RetryingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	failed := false
	for {
		err := s.Store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			s.Attempts++
			if err := fn(ctx, tx); err != nil {
				return err
			}
			if !failed {
				failed = true
				return errSerialization
			}
			return nil
		})
		if !errors.Is(err, errSerialization) {
			return err
		}
	}
}
