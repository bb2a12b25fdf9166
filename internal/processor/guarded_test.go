package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/circuitbreaker"
)

func TestGuarded_PassesThroughSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockProcessor(ctrl)
	g := NewGuarded(mock, circuitbreaker.New(3, time.Minute), time.Second, nil)

	req := TransferRequest{Amount: 5000, Currency: "NOK", Destination: "acct_1", IdempotencyKey: "release:pay_1"}
	mock.EXPECT().Transfer(gomock.Any(), req).Return(&Transfer{ID: "tr_1"}, nil)

	tr, err := g.Transfer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tr_1", tr.ID)
}

func TestGuarded_WrapsFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockProcessor(ctrl)
	g := NewGuarded(mock, circuitbreaker.New(3, time.Minute), time.Second, nil)

	cause := errors.New("card_declined")
	mock.EXPECT().Refund(gomock.Any(), gomock.Any()).Return(nil, cause)

	_, err := g.Refund(context.Background(), RefundRequest{IntentID: "pi_1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, apperr.KindTransferFailed, apperr.KindOf(err))
}

func TestGuarded_TimeoutIsFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockProcessor(ctrl)
	g := NewGuarded(mock, circuitbreaker.New(3, time.Minute), 20*time.Millisecond, nil)

	mock.EXPECT().Transfer(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ TransferRequest) (*Transfer, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	_, err := g.Transfer(context.Background(), TransferRequest{Amount: 1})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, apperr.KindTransferFailed, apperr.KindOf(err))
}

func TestGuarded_OpenCircuitSkipsCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockProcessor(ctrl)
	g := NewGuarded(mock, circuitbreaker.New(2, time.Minute), time.Second, nil)

	mock.EXPECT().Payout(gomock.Any(), gomock.Any()).Return(nil, errors.New("503")).Times(2)

	for i := 0; i < 2; i++ {
		_, _ = g.Payout(context.Background(), PayoutRequest{Amount: 1})
	}
	_, err := g.Payout(context.Background(), PayoutRequest{Amount: 1})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, circuitbreaker.StateOpen, g.Breaker().State("payout"))
}

func TestGuarded_ParseEventBypassesBreaker(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockProcessor(ctrl)
	g := NewGuarded(mock, nil, 0, nil)

	mock.EXPECT().ParseEvent([]byte("{}"), "sig").Return(&Event{ID: "evt_1"}, nil)

	ev, err := g.ParseEvent([]byte("{}"), "sig")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
}
