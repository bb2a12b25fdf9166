package ledger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveOp_IncrementsCounter(t *testing.T) {
	OpsTotal.Reset()

	done := observeOp("test_op")
	done()

	m := &dto.Metric{}
	counter, err := OpsTotal.GetMetricWithLabelValues("test_op")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected counter value 1, got %f", m.Counter.GetValue())
	}
}

func TestObserveOp_ObservesHistogram(t *testing.T) {
	OpDuration.Reset()

	done := observeOp("hist_test")
	done()

	ch := make(chan prometheus.Metric, 10)
	OpDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}

func TestGetOrCreateWallet_CountsOperation(t *testing.T) {
	OpsTotal.Reset()
	s := NewMemoryStore()
	_ = s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := GetOrCreateWallet(ctx, tx, "user_a", "NOK")
		return err
	})

	m := &dto.Metric{}
	counter, _ := OpsTotal.GetMetricWithLabelValues("get_or_create_wallet")
	_ = counter.Write(m)
	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected 1 get_or_create_wallet op, got %f", m.Counter.GetValue())
	}
}
