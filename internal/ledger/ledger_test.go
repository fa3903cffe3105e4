package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/store"
)

func order(id string, total string, quantity int, status model.OrderStatus) model.Order {
	return model.Order{
		ID:          id,
		Number:      "GB-" + id,
		CampaignID:  "campaign-1",
		AddressID:   "address-1",
		TotalAmount: decimal.RequireFromString(total),
		Items:       []model.OrderItem{{ProductID: "product-1", Quantity: quantity}},
		Status:      status,
	}
}

func TestSumSkipsCancelled(t *testing.T) {
	report := Sum([]model.Order{
		order("1", "600", 6, model.OrderStatusPending),
		order("2", "500", 5, model.OrderStatusConfirmed),
		order("3", "300", 3, model.OrderStatusCancelled),
	})
	require.Equal(t, "1100.00", report.LedgerAmount.StringFixed(2))
	require.Equal(t, 11, report.LedgerQuantity)
	require.Equal(t, 2, report.LiveOrders)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	s := store.NewMemStore()

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertProduct(ctx, &model.Product{ID: "product-1", MinOrderQty: 1}); err != nil {
			return err
		}
		if err := tx.InsertAddress(ctx, &model.Address{ID: "address-1", ParticipantID: "p"}); err != nil {
			return err
		}
		campaign := model.Campaign{
			ID: "campaign-1", ProductID: "product-1",
			PricePerUnit: decimal.NewFromInt(100), MinThreshold: decimal.NewFromInt(1000),
			ExpiresAt: now.Add(time.Hour), Status: model.CampaignStatusCollecting,
		}
		if err := tx.InsertCampaign(ctx, &campaign); err != nil {
			return err
		}
		o := order("1", "600", 6, model.OrderStatusPending)
		o.ParticipantID = "p"
		if err := tx.InsertOrder(ctx, &o); err != nil {
			return err
		}
		_, err := tx.AdjustCampaign(ctx, "campaign-1", o.TotalAmount, 6, now)
		return err
	})
	require.NoError(t, err)

	l := NewLedger(s)
	report, err := l.Reconcile(ctx, "campaign-1")
	require.NoError(t, err)
	require.True(t, report.Consistent)
	require.Equal(t, "600.00", report.RecordedAmount.StringFixed(2))

	// расхождение агрегата с журналом заказов
	err = s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.AdjustCampaign(ctx, "campaign-1", decimal.NewFromInt(1), 0, now)
		return err
	})
	require.NoError(t, err)
	report, err = l.Reconcile(ctx, "campaign-1")
	require.NoError(t, err)
	require.False(t, report.Consistent)

	history, err := l.History(ctx, "p")
	require.NoError(t, err)
	require.Len(t, history, 1)

	_, err = l.Reconcile(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNoRows)
}
