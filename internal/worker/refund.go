package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/payment"
	"github.com/iurnickita/groupbuy/internal/store"
	"github.com/iurnickita/groupbuy/internal/worker/config"
)

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = time.Hour
	// claimLease hides a claimed row from other relays until its attempt is recorded
	claimLease = 2 * time.Minute
)

// RefundRelay delivers queued payment reversals to the gateway.
type RefundRelay struct {
	store       store.Store
	client      payment.Client
	interval    time.Duration
	batch       int
	maxAttempts int
	now         func() time.Time
	zaplog      *zap.Logger

	attempts metric.Int64Counter
}

func NewRefundRelay(cfg config.Config, store store.Store, client payment.Client, zaplog *zap.Logger) *RefundRelay {
	r := &RefundRelay{
		store:       store,
		client:      client,
		interval:    cfg.RefundInterval,
		batch:       cfg.RefundBatch,
		maxAttempts: cfg.RefundMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		zaplog:      zaplog,
	}
	if r.interval <= 0 {
		r.interval = 15 * time.Second
	}
	if r.batch <= 0 {
		r.batch = 50
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 8
	}

	var err error
	r.attempts, err = otel.GetMeterProvider().Meter(meterName).Int64Counter("groupbuy_refund_attempts_total",
		metric.WithDescription("Refund delivery attempts by result"))
	if err != nil {
		zaplog.Warn("refund relay metric not registered", zap.Error(err))
	}
	return r
}

// Start polls the outbox until ctx is done.
func (r *RefundRelay) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.zaplog.Info("refund relay started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.zaplog.Info("refund relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.zaplog.Error("refund relay flush failed", zap.Error(err))
			}
		}
	}
}

// Flush attempts every due refund once and returns how many were delivered.
func (r *RefundRelay) Flush(ctx context.Context) (int, error) {
	due, err := r.store.ClaimRefunds(ctx, r.now(), claimLease, r.batch)
	if err != nil {
		return 0, err
	}
	var sent int
	for _, refund := range due {
		if err := r.Deliver(ctx, refund); err == nil {
			sent++
		}
	}
	return sent, nil
}

// Deliver makes one attempt and records its outcome in the outbox.
func (r *RefundRelay) Deliver(ctx context.Context, refund model.RefundRequest) error {
	err := r.client.Refund(ctx, refund)
	if err == nil {
		r.count(ctx, "sent")
		if cerr := r.store.CompleteRefund(ctx, refund.ID); cerr != nil && !errors.Is(cerr, store.ErrConflict) {
			r.zaplog.Error("refund sent but not recorded", zap.Int64("refund_id", refund.ID), zap.Error(cerr))
		}
		return nil
	}

	attempt := refund.Attempts + 1
	// отказ шлюза по существу не повторяем
	giveUp := attempt >= r.maxAttempts || errors.Is(err, payment.ErrRefundRejected)
	next := r.now().Add(Backoff(attempt))
	if rerr := r.store.RetryRefund(ctx, refund.ID, err.Error(), next, giveUp); rerr != nil && !errors.Is(rerr, store.ErrConflict) {
		r.zaplog.Error("refund attempt not recorded", zap.Int64("refund_id", refund.ID), zap.Error(rerr))
	}

	if giveUp {
		r.count(ctx, "failed")
		r.zaplog.Error("refund abandoned",
			zap.Int64("refund_id", refund.ID),
			zap.String("order_id", refund.OrderID),
			zap.Int("attempts", attempt),
			zap.Error(err))
	} else {
		r.count(ctx, "retry")
		r.zaplog.Warn("refund attempt failed",
			zap.Int64("refund_id", refund.ID),
			zap.Int("attempt", attempt),
			zap.Time("next_attempt_at", next),
			zap.Error(err))
	}
	return err
}

func (r *RefundRelay) count(ctx context.Context, result string) {
	if r.attempts != nil {
		r.attempts.Add(ctx, 1, resultAttr(result))
	}
}

// Backoff doubles from 30s per attempt up to one hour.
func Backoff(attempt int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
