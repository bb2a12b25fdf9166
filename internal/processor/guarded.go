package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/circuitbreaker"
	"github.com/daniallc-1994/TaskUp/internal/traces"
)

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskup",
		Subsystem: "processor",
		Name:      "calls_total",
		Help:      "Payment processor calls by operation and result.",
	}, []string{"operation", "result"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskup",
		Subsystem: "processor",
		Name:      "call_duration_seconds",
		Help:      "Payment processor call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func init() {
	prometheus.MustRegister(callsTotal, callDuration)
}

// DefaultTimeout bounds a single processor call.
const DefaultTimeout = 10 * time.Second

// Guarded decorates a Processor. Each outbound call gets its own
// deadline and goes through a per-operation circuit breaker, and every
// failure comes back as a transfer_failed error. Calls are never retried
// here; a timeout is reported to the caller as a failure.
type Guarded struct {
	next    Processor
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	logger  *slog.Logger
}

// NewGuarded wraps next.
func NewGuarded(next Processor, breaker *circuitbreaker.Breaker, timeout time.Duration, logger *slog.Logger) *Guarded {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{next: next, breaker: breaker, timeout: timeout, logger: logger}
}

// Breaker exposes the circuit breaker for health reporting.
func (g *Guarded) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *Guarded) call(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	ctx, span := traces.StartSpan(ctx, "processor."+op, traces.Operation(op))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	err = g.breaker.Do(op, func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil && callCtx.Err() != nil {
			err = callCtx.Err()
		}
		return err
	})
	callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		callsTotal.WithLabelValues(op, "ok").Inc()
		return nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		callsTotal.WithLabelValues(op, "circuit_open").Inc()
		return apperr.Wrap(ErrUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		callsTotal.WithLabelValues(op, "timeout").Inc()
		g.logger.Warn("processor call timed out", "operation", op, "timeout", g.timeout)
		return apperr.Wrap(ErrTimeout, err)
	default:
		callsTotal.WithLabelValues(op, "error").Inc()
		g.logger.Warn("processor call failed", "operation", op, "error", err)
		return apperr.Wrap(ErrCallFailed, err)
	}
}

func (g *Guarded) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	var out *Intent
	err := g.call(ctx, "create_intent", func(ctx context.Context) error {
		var err error
		out, err = g.next.CreateIntent(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	var out *Transfer
	err := g.call(ctx, "transfer", func(ctx context.Context) error {
		var err error
		out, err = g.next.Transfer(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	var out *Refund
	err := g.call(ctx, "refund", func(ctx context.Context) error {
		var err error
		out, err = g.next.Refund(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) Payout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	var out *Payout
	err := g.call(ctx, "payout", func(ctx context.Context) error {
		var err error
		out, err = g.next.Payout(ctx, req)
		return err
	})
	return out, err
}

// ParseEvent is local signature verification and skips the breaker.
func (g *Guarded) ParseEvent(payload []byte, signature string) (*Event, error) {
	return g.next.ParseEvent(payload, signature)
}

var _ Processor = (*Guarded)(nil)
