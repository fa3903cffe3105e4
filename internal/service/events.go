package service

import (
	"time"

	"github.com/iurnickita/groupbuy/internal/model"
)

func thresholdMetEvent(c model.Campaign, at time.Time) model.Event {
	return model.Event{
		CampaignID: c.ID,
		Type:       model.EventThresholdMet,
		Payload: map[string]any{
			"batch_number":     c.BatchNumber,
			"current_amount":   c.CurrentAmount.StringFixed(2),
			"min_threshold":    c.MinThreshold.StringFixed(2),
			"current_quantity": c.CurrentQuantity,
		},
		OccurredAt: at,
	}
}

func expiredEvent(c model.Campaign, at time.Time) model.Event {
	return model.Event{
		CampaignID: c.ID,
		Type:       model.EventExpired,
		Payload: map[string]any{
			"batch_number":   c.BatchNumber,
			"current_amount": c.CurrentAmount.StringFixed(2),
			"expires_at":     c.ExpiresAt,
		},
		OccurredAt: at,
	}
}

func campaignCancelledEvent(c model.Campaign, reason string, orders int, at time.Time) model.Event {
	return model.Event{
		CampaignID: c.ID,
		Type:       model.EventCancelled,
		Payload: map[string]any{
			"batch_number":     c.BatchNumber,
			"reason":           reason,
			"cancelled_orders": orders,
		},
		OccurredAt: at,
	}
}

func statusChangedEvent(c model.Campaign, from model.CampaignStatus, at time.Time) model.Event {
	return model.Event{
		CampaignID: c.ID,
		Type:       model.EventStatusChanged,
		Payload: map[string]any{
			"batch_number": c.BatchNumber,
			"from":         from,
			"to":           c.Status,
		},
		OccurredAt: at,
	}
}

func orderCancelledEvent(o model.Order, at time.Time) model.Event {
	return model.Event{
		CampaignID: o.CampaignID,
		Type:       model.EventOrderCancelled,
		Payload: map[string]any{
			"order_id":       o.ID,
			"order_number":   o.Number,
			"participant_id": o.ParticipantID,
			"reason":         o.CancelReason,
		},
		OccurredAt: at,
	}
}

func orderRefundedEvent(o model.Order, r model.RefundRequest, at time.Time) model.Event {
	return model.Event{
		CampaignID: o.CampaignID,
		Type:       model.EventOrderRefunded,
		Payload: map[string]any{
			"order_id":       o.ID,
			"order_number":   o.Number,
			"participant_id": o.ParticipantID,
			"payment_id":     r.PaymentID,
			"amount":         r.Amount.StringFixed(2),
		},
		OccurredAt: at,
	}
}
