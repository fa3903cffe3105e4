package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/store"
)

// Report compares the campaign rollup with a fresh sum over its live orders.
type Report struct {
	CampaignID       string          `json:"campaign_id"`
	RecordedAmount   decimal.Decimal `json:"recorded_amount"`
	LedgerAmount     decimal.Decimal `json:"ledger_amount"`
	RecordedQuantity int             `json:"recorded_quantity"`
	LedgerQuantity   int             `json:"ledger_quantity"`
	LiveOrders       int             `json:"live_orders"`
	Consistent       bool            `json:"consistent"`
}

type Ledger interface {
	Reconcile(ctx context.Context, campaignID string) (Report, error)
	History(ctx context.Context, participantID string) ([]model.Order, error)
}

type ledger struct {
	store store.Reader
}

func NewLedger(store store.Reader) Ledger {
	ledger := ledger{store: store}
	return &ledger
}

func (ledger *ledger) Reconcile(ctx context.Context, campaignID string) (Report, error) {
	campaign, err := ledger.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Report{}, err
	}
	orders, err := ledger.store.ListOrdersByCampaign(ctx, campaignID)
	if err != nil {
		return Report{}, err
	}

	report := Sum(orders)
	report.CampaignID = campaign.ID
	report.RecordedAmount = campaign.CurrentAmount
	report.RecordedQuantity = campaign.CurrentQuantity
	report.Consistent = report.RecordedAmount.Equal(report.LedgerAmount) &&
		report.RecordedQuantity == report.LedgerQuantity
	return report, nil
}

func (ledger *ledger) History(ctx context.Context, participantID string) ([]model.Order, error) {
	return ledger.store.ListOrdersByParticipant(ctx, participantID)
}

// Sum totals the live orders; the campaign fields of the report are left empty.
func Sum(orders []model.Order) Report {
	report := Report{LedgerAmount: decimal.Zero}
	for _, o := range orders {
		if !o.Live() {
			continue
		}
		report.LedgerAmount = report.LedgerAmount.Add(o.TotalAmount)
		report.LedgerQuantity += o.Quantity()
		report.LiveOrders++
	}
	return report
}
