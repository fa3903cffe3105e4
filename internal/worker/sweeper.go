// Package worker runs the background tasks of the settlement engine.
package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/notify"
	"github.com/iurnickita/groupbuy/internal/store"
	"github.com/iurnickita/groupbuy/internal/worker/config"
)

const meterName = "groupbuy.worker"

// Invalidator drops cached campaign rows after the sweeper changes them.
type Invalidator interface {
	Invalidate(ctx context.Context, campaignID string)
}

// ExpirySweeper flips COLLECTING campaigns past expiry to EXPIRED.
type ExpirySweeper struct {
	store    store.Store
	notifier notify.Dispatcher
	cache    Invalidator
	interval time.Duration
	batch    int
	zaplog   *zap.Logger

	expired metric.Int64Counter
}

func NewExpirySweeper(cfg config.Config, store store.Store, notifier notify.Dispatcher, cache Invalidator, zaplog *zap.Logger) *ExpirySweeper {
	w := &ExpirySweeper{
		store:    store,
		notifier: notifier,
		cache:    cache,
		interval: cfg.SweepInterval,
		batch:    cfg.SweepBatch,
		zaplog:   zaplog,
	}
	if w.interval <= 0 {
		w.interval = time.Minute
	}
	if w.batch <= 0 {
		w.batch = 100
	}

	var err error
	w.expired, err = otel.GetMeterProvider().Meter(meterName).Int64Counter("groupbuy_campaigns_expired_total",
		metric.WithDescription("Campaigns moved to EXPIRED by the sweeper"))
	if err != nil {
		zaplog.Warn("sweeper metric not registered", zap.Error(err))
	}
	return w
}

// Start sweeps on every tick until ctx is done.
func (w *ExpirySweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.zaplog.Info("expiry sweeper started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.zaplog.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx, time.Now().UTC()); err != nil {
				w.zaplog.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep expires due campaigns batch by batch and returns how many changed.
func (w *ExpirySweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	var total int
	for {
		expired, err := w.store.ExpireCampaigns(ctx, now, w.batch)
		if err != nil {
			return total, err
		}
		for _, c := range expired {
			if w.cache != nil {
				w.cache.Invalidate(ctx, c.ID)
			}
			event := model.Event{
				CampaignID: c.ID,
				Type:       model.EventExpired,
				Payload: map[string]any{
					"batch_number":   c.BatchNumber,
					"current_amount": c.CurrentAmount.StringFixed(2),
					"expires_at":     c.ExpiresAt,
				},
				OccurredAt: now,
			}
			if err := w.notifier.Notify(ctx, event); err != nil {
				w.zaplog.Warn("notification failed",
					zap.String("campaign_id", c.ID),
					zap.String("event_type", string(event.Type)),
					zap.Error(err))
			}
		}
		if w.expired != nil && len(expired) > 0 {
			w.expired.Add(ctx, int64(len(expired)))
		}
		total += len(expired)
		if len(expired) < w.batch {
			break
		}
	}

	if total > 0 {
		w.zaplog.Info("campaigns expired", zap.Int("count", total))
	}
	return total, nil
}

func resultAttr(result string) metric.AddOption {
	return metric.WithAttributes(attribute.String("result", result))
}
