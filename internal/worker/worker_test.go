package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/payment"
	"github.com/iurnickita/groupbuy/internal/store"
	"github.com/iurnickita/groupbuy/internal/worker/config"
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Notify(ctx context.Context, event model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) Close() error { return nil }

type invalidations []string

func (i *invalidations) Invalidate(ctx context.Context, campaignID string) {
	*i = append(*i, campaignID)
}

type gateway struct {
	errs  []error
	calls int
}

func (g *gateway) Refund(ctx context.Context, refund model.RefundRequest) error {
	g.calls++
	if len(g.errs) == 0 {
		return nil
	}
	err := g.errs[0]
	g.errs = g.errs[1:]
	return err
}

var now = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func seedCampaigns(t *testing.T, s store.Store, expiries ...time.Time) []string {
	t.Helper()
	ctx := context.Background()
	product := model.Product{ID: uuid.NewString(), Name: "Tea", MinOrderQty: 1, CreatedAt: now}

	var ids []string
	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertProduct(ctx, &product); err != nil {
			return err
		}
		for _, expiresAt := range expiries {
			c := model.Campaign{
				ID: uuid.NewString(), ProductID: product.ID,
				PricePerUnit: decimal.NewFromInt(10), MinThreshold: decimal.NewFromInt(100),
				ExpiresAt: expiresAt, Status: model.CampaignStatusCollecting,
				CreatedAt: now, UpdatedAt: now,
			}
			if err := tx.InsertCampaign(ctx, &c); err != nil {
				return err
			}
			ids = append(ids, c.ID)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func TestSweepExpiresInBatches(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	ids := seedCampaigns(t, s,
		now.Add(-3*time.Hour), now.Add(-2*time.Hour), now.Add(-time.Hour), now.Add(time.Hour))

	events := &recorder{}
	var cache invalidations
	w := NewExpirySweeper(config.Config{SweepBatch: 2}, s, events, &cache, zap.NewNop())

	n, err := w.Sweep(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, events.events, 3)
	require.Len(t, cache, 3)
	for _, e := range events.events {
		require.Equal(t, model.EventExpired, e.Type)
	}

	future, err := s.GetCampaign(ctx, ids[3])
	require.NoError(t, err)
	require.Equal(t, model.CampaignStatusCollecting, future.Status)

	// повторный проход ничего не меняет
	n, err = w.Sweep(ctx, now)
	require.NoError(t, err)
	require.Zero(t, n)
}

func enqueue(t *testing.T, s store.Store) model.RefundRequest {
	t.Helper()
	ctx := context.Background()
	refund := model.RefundRequest{
		PaymentID:     uuid.NewString(),
		OrderID:       uuid.NewString(),
		Amount:        decimal.NewFromInt(50),
		State:         model.RefundStatePending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error { return tx.EnqueueRefund(ctx, &refund) }))
	return refund
}

func newRelay(s store.Store, g payment.Client, maxAttempts int, clock *time.Time) *RefundRelay {
	r := NewRefundRelay(config.Config{RefundMaxAttempts: maxAttempts}, s, g, zap.NewNop())
	r.now = func() time.Time { return *clock }
	return r
}

func TestRefundRelayRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	enqueue(t, s)

	clock := now
	g := &gateway{errs: []error{fmt.Errorf("%w: status 503", payment.ErrGatewayUnavailable)}}
	r := newRelay(s, g, 5, &clock)

	sent, err := r.Flush(ctx)
	require.NoError(t, err)
	require.Zero(t, sent)

	// до истечения паузы строка не выбирается
	sent, err = r.Flush(ctx)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Equal(t, 1, g.calls)

	clock = clock.Add(Backoff(1))
	sent, err = r.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	due, err := s.DueRefunds(ctx, clock.Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

// overlapping calls Flush on a second relay while the first delivery is in flight.
type overlapping struct {
	other  *RefundRelay
	calls  int
	nested int
}

func (g *overlapping) Refund(ctx context.Context, refund model.RefundRequest) error {
	g.calls++
	if g.other != nil {
		other := g.other
		g.other = nil
		n, err := other.Flush(ctx)
		if err != nil {
			return err
		}
		g.nested = n
	}
	return nil
}

func TestRefundRelayClaimsRows(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	enqueue(t, s)

	clock := now
	g := &overlapping{}
	first := newRelay(s, g, 5, &clock)
	g.other = newRelay(s, g, 5, &clock)

	sent, err := first.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, 1, g.calls)
	require.Zero(t, g.nested)

	due, err := s.DueRefunds(ctx, clock.Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestRefundRelayGivesUp(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	refund := enqueue(t, s)

	clock := now
	down := errors.New("connection refused")
	g := &gateway{errs: []error{down, down}}
	r := newRelay(s, g, 2, &clock)

	require.Error(t, r.Deliver(ctx, refund))
	clock = clock.Add(Backoff(1))
	due, err := s.DueRefunds(ctx, clock, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 1, due[0].Attempts)

	require.Error(t, r.Deliver(ctx, due[0]))
	due, err = s.DueRefunds(ctx, clock.Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestRefundRelayRejectedIsFinal(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	refund := enqueue(t, s)

	clock := now
	g := &gateway{errs: []error{fmt.Errorf("%w: status 422", payment.ErrRefundRejected)}}
	r := newRelay(s, g, 5, &clock)

	require.ErrorIs(t, r.Deliver(ctx, refund), payment.ErrRefundRejected)
	due, err := s.DueRefunds(ctx, clock.Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestBackoff(t *testing.T) {
	require.Equal(t, 30*time.Second, Backoff(1))
	require.Equal(t, time.Minute, Backoff(2))
	require.Equal(t, 4*time.Minute, Backoff(4))
	require.Equal(t, time.Hour, Backoff(20))
}

func TestStartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := store.NewMemStore()
	w := NewExpirySweeper(config.Config{SweepInterval: time.Millisecond}, s, &recorder{}, nil, zap.NewNop())
	r := NewRefundRelay(config.Config{RefundInterval: time.Millisecond}, s, &gateway{}, zap.NewNop())

	done := make(chan error, 2)
	go func() { done <- w.Start(ctx) }()
	go func() { done <- r.Start(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}
