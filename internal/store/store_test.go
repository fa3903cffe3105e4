package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/store/config"
)

// stores returns the in-memory store and, when TEST_DATABASE_URI is set, Postgres.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	result := map[string]Store{"memory": NewMemStore()}
	if dsn := os.Getenv("TEST_DATABASE_URI"); dsn != "" {
		pg, err := NewStore(config.Config{DBDsn: dsn})
		require.NoError(t, err)
		t.Cleanup(func() { _ = pg.Close() })
		result["postgres"] = pg
	}
	return result
}

type fixture struct {
	product  model.Product
	address  model.Address
	campaign model.Campaign
}

func seed(t *testing.T, s Store, now time.Time) fixture {
	t.Helper()
	ctx := context.Background()

	f := fixture{
		product: model.Product{ID: uuid.NewString(), Name: "Olive oil", MinOrderQty: 1, CreatedAt: now},
		address: model.Address{
			ID: uuid.NewString(), ParticipantID: "participant-" + uuid.NewString()[:8],
			Line1: "1 Main st", City: "Lisbon", PostalCode: "1000-001", Country: "PT", CreatedAt: now,
		},
	}
	f.campaign = model.Campaign{
		ID:             uuid.NewString(),
		ProductID:      f.product.ID,
		PricePerUnit:   decimal.RequireFromString("25.00"),
		MinThreshold:   decimal.RequireFromString("500.00"),
		TargetQuantity: 30,
		CurrentAmount:  decimal.Zero,
		ExpiresAt:      now.Add(72 * time.Hour),
		Status:         model.CampaignStatusCollecting,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertProduct(ctx, &f.product); err != nil {
			return err
		}
		if err := tx.InsertAddress(ctx, &f.address); err != nil {
			return err
		}
		return tx.InsertCampaign(ctx, &f.campaign)
	})
	require.NoError(t, err)
	require.NotZero(t, f.campaign.BatchNumber)
	return f
}

func newOrder(f fixture, seq int64, participant string, quantity int, at time.Time) model.Order {
	total := f.campaign.PricePerUnit.Mul(decimal.NewFromInt(int64(quantity)))
	return model.Order{
		ID:            uuid.NewString(),
		Number:        "GB-2026-" + uuid.NewString()[:12],
		CampaignID:    f.campaign.ID,
		ParticipantID: participant,
		AddressID:     f.address.ID,
		TotalAmount:   total,
		Items: []model.OrderItem{{
			ProductID: f.product.ID, Quantity: quantity,
			UnitPrice: f.campaign.PricePerUnit, LineTotal: total,
		}},
		Status:        model.OrderStatusPending,
		PaymentStatus: model.PaymentStatusPending,
		PlacedAt:      at.Add(time.Duration(seq) * time.Second),
	}
}

func TestStoreOrderRoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := seed(t, s, now)

			// Создание заказа
			order := newOrder(f, 1, f.address.ParticipantID, 4, now)
			err := s.InTx(ctx, func(tx Tx) error {
				return tx.InsertOrder(ctx, &order)
			})
			require.NoError(t, err)

			// Чтение заказа
			got, err := s.GetOrder(ctx, order.ID)
			require.NoError(t, err)
			require.Equal(t, order.Number, got.Number)
			require.Equal(t, 4, got.Quantity())
			require.Equal(t, "100.00", got.TotalAmount.StringFixed(2))
			require.Len(t, got.Items, 1)

			orders, err := s.ListOrdersByParticipant(ctx, f.address.ParticipantID)
			require.NoError(t, err)
			require.Len(t, orders, 1)

			_, err = s.GetOrder(ctx, uuid.NewString())
			require.ErrorIs(t, err, ErrNoRows)
		})
	}
}

func TestStoreAdjustCampaignIsIncrement(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := seed(t, s, now)

			const workers = 20
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- s.InTx(ctx, func(tx Tx) error {
						_, err := tx.AdjustCampaign(ctx, f.campaign.ID, decimal.RequireFromString("25.00"), 1, now)
						return err
					})
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			c, err := s.GetCampaign(ctx, f.campaign.ID)
			require.NoError(t, err)
			require.Equal(t, "500.00", c.CurrentAmount.StringFixed(2))
			require.Equal(t, workers, c.CurrentQuantity)
		})
	}
}

func TestStoreLiveOrderUniqueness(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := seed(t, s, now)
			participant := f.address.ParticipantID

			first := newOrder(f, 1, participant, 1, now)
			require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertOrder(ctx, &first) }))

			// второй живой заказ того же участника отклоняется
			second := newOrder(f, 2, participant, 1, now)
			err := s.InTx(ctx, func(tx Tx) error { return tx.InsertOrder(ctx, &second) })
			require.ErrorIs(t, err, ErrLiveOrderExists)

			// после отмены первого участник может вступить снова
			err = s.InTx(ctx, func(tx Tx) error {
				o, err := tx.LockOrder(ctx, first.ID)
				if err != nil {
					return err
				}
				o.Status = model.OrderStatusCancelled
				o.CancelledAt = &now
				return tx.UpdateOrder(ctx, o)
			})
			require.NoError(t, err)
			require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertOrder(ctx, &second) }))

			orders, err := s.ListOrdersByCampaign(ctx, f.campaign.ID)
			require.NoError(t, err)
			require.Len(t, orders, 2)
		})
	}
}

func TestStoreRollback(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := seed(t, s, now)
			order := newOrder(f, 1, f.address.ParticipantID, 2, now)

			err := s.InTx(ctx, func(tx Tx) error {
				if err := tx.InsertOrder(ctx, &order); err != nil {
					return err
				}
				if _, err := tx.AdjustCampaign(ctx, f.campaign.ID, order.TotalAmount, 2, now); err != nil {
					return err
				}
				return ErrConflict
			})
			require.ErrorIs(t, err, ErrConflict)

			_, err = s.GetOrder(ctx, order.ID)
			require.ErrorIs(t, err, ErrNoRows)
			c, err := s.GetCampaign(ctx, f.campaign.ID)
			require.NoError(t, err)
			require.True(t, c.CurrentAmount.IsZero())
		})
	}
}

func TestStoreSetCampaignStatusIsConditional(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := seed(t, s, now)

			change := model.StatusChange{
				From: model.CampaignStatusCollecting,
				To:   model.CampaignStatusThresholdMet,
				At:   now,
			}
			require.NoError(t, s.InTx(ctx, func(tx Tx) error {
				return tx.SetCampaignStatus(ctx, f.campaign.ID, change)
			}))

			// повтор с тем же исходным статусом уже не применяется
			err := s.InTx(ctx, func(tx Tx) error {
				return tx.SetCampaignStatus(ctx, f.campaign.ID, change)
			})
			require.ErrorIs(t, err, ErrConflict)

			c, err := s.GetCampaign(ctx, f.campaign.ID)
			require.NoError(t, err)
			require.Equal(t, model.CampaignStatusThresholdMet, c.Status)
		})
	}
}

func TestStoreExpireCampaigns(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := seed(t, s, now)

			expired, err := s.ExpireCampaigns(ctx, now, 100)
			require.NoError(t, err)
			for _, c := range expired {
				require.NotEqual(t, f.campaign.ID, c.ID)
			}

			later := f.campaign.ExpiresAt.Add(time.Minute)
			expired, err = s.ExpireCampaigns(ctx, later, 1000)
			require.NoError(t, err)

			var found bool
			for _, c := range expired {
				require.Equal(t, model.CampaignStatusExpired, c.Status)
				found = found || c.ID == f.campaign.ID
			}
			require.True(t, found)

			c, err := s.GetCampaign(ctx, f.campaign.ID)
			require.NoError(t, err)
			require.Equal(t, model.CampaignStatusExpired, c.Status)
		})
	}
}

func TestStoreRefundOutbox(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			refund := model.RefundRequest{
				PaymentID:     uuid.NewString(),
				OrderID:       uuid.NewString(),
				Amount:        decimal.RequireFromString("50.00"),
				State:         model.RefundStatePending,
				CreatedAt:     now,
				NextAttemptAt: now,
			}
			require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.EnqueueRefund(ctx, &refund) }))
			require.NotZero(t, refund.ID)

			// неудачная попытка откладывает возврат
			require.NoError(t, s.RetryRefund(ctx, refund.ID, "gateway down", now.Add(time.Minute), false))
			due, err := s.DueRefunds(ctx, now, 1000)
			require.NoError(t, err)
			require.NotContains(t, refundIDs(due), refund.ID)

			due, err = s.DueRefunds(ctx, now.Add(time.Minute), 1000)
			require.NoError(t, err)
			require.Contains(t, refundIDs(due), refund.ID)

			require.NoError(t, s.CompleteRefund(ctx, refund.ID))
			require.ErrorIs(t, s.CompleteRefund(ctx, refund.ID), ErrConflict)
		})
	}
}

func refundIDs(refunds []model.RefundRequest) []int64 {
	ids := make([]int64, 0, len(refunds))
	for _, r := range refunds {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestStoreClaimRefunds(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			refund := model.RefundRequest{
				PaymentID:     uuid.NewString(),
				OrderID:       uuid.NewString(),
				Amount:        decimal.RequireFromString("75.00"),
				State:         model.RefundStatePending,
				CreatedAt:     now,
				NextAttemptAt: now,
			}
			require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.EnqueueRefund(ctx, &refund) }))

			claimed, err := s.ClaimRefunds(ctx, now, time.Minute, 1000)
			require.NoError(t, err)
			require.Contains(t, refundIDs(claimed), refund.ID)

			// захваченная строка не выдаётся второму ретранслятору
			claimed, err = s.ClaimRefunds(ctx, now, time.Minute, 1000)
			require.NoError(t, err)
			require.NotContains(t, refundIDs(claimed), refund.ID)

			// по истечении аренды строка снова доступна
			claimed, err = s.ClaimRefunds(ctx, now.Add(time.Minute), time.Minute, 1000)
			require.NoError(t, err)
			require.Contains(t, refundIDs(claimed), refund.ID)
		})
	}
}

func TestStorePaymentByStatus(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := seed(t, s, now)
			order := newOrder(f, 1, f.address.ParticipantID, 2, now)
			failed := model.Payment{
				ID: uuid.NewString(), OrderID: order.ID, Method: model.PaymentMethodCard,
				Amount: order.TotalAmount, Status: model.PaymentStatusFailed,
				RefundedAmount: decimal.Zero, CreatedAt: now,
			}
			completed := failed
			completed.ID = uuid.NewString()
			completed.Status = model.PaymentStatusCompleted

			err := s.InTx(ctx, func(tx Tx) error {
				if err := tx.InsertOrder(ctx, &order); err != nil {
					return err
				}
				if err := tx.InsertPayment(ctx, &failed); err != nil {
					return err
				}
				return tx.InsertPayment(ctx, &completed)
			})
			require.NoError(t, err)

			// одинаковое время создания не влияет на выбор по статусу
			err = s.InTx(ctx, func(tx Tx) error {
				got, err := tx.GetPaymentByStatus(ctx, order.ID, model.PaymentStatusCompleted)
				require.NoError(t, err)
				require.Equal(t, completed.ID, got.ID)

				_, err = tx.GetPaymentByStatus(ctx, order.ID, model.PaymentStatusRefunded)
				require.ErrorIs(t, err, ErrNoRows)
				return nil
			})
			require.NoError(t, err)
		})
	}
}
