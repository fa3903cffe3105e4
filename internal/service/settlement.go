package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/groupbuy/internal/evaluator"
	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/ordernum"
	"github.com/iurnickita/groupbuy/internal/store"
)

// RefundGrace keeps a new outbox row away from the relay while the immediate attempt runs.
const RefundGrace = time.Minute

type JoinRequest struct {
	CampaignID string `json:"campaign_id"`
	AddressID  string `json:"address_id"`
	Quantity   int    `json:"quantity"`
}

type JoinResult struct {
	Order    model.Order `json:"order"`
	Warnings []string    `json:"warnings,omitempty"`
}

type CancelRequest struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

type CancelResult struct {
	OrderID  string            `json:"order_id"`
	Status   model.OrderStatus `json:"status"`
	Refunded bool              `json:"refunded"`
	Warnings []string          `json:"warnings,omitempty"`
}

type PaymentRequest struct {
	OrderID    string              `json:"order_id"`
	Method     model.PaymentMethod `json:"method"`
	GatewayRef string              `json:"gateway_ref,omitempty"`
	// Succeeded is the card gateway outcome; ignored for cash on delivery.
	Succeeded bool `json:"succeeded"`
}

type PaymentResult struct {
	Order   model.Order   `json:"order"`
	Payment model.Payment `json:"payment"`
}

// Join commits a participant's order and the campaign increment in one transaction.
func (s *service) Join(ctx context.Context, actor model.Actor, req JoinRequest) (JoinResult, error) {
	if actor.ID == "" {
		return JoinResult{}, ErrForbidden
	}
	if req.CampaignID == "" || req.AddressID == "" {
		return JoinResult{}, ErrInvalidInput
	}

	now := s.now()
	var order model.Order
	var campaign model.Campaign
	var reached *model.Campaign

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockCampaign(ctx, req.CampaignID)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		campaign = locked
		if campaign.Status != model.CampaignStatusCollecting {
			return ErrCampaignClosed
		}
		if !campaign.ExpiresAt.After(now) {
			return ErrCampaignExpired
		}

		address, err := tx.GetAddress(ctx, req.AddressID)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if address.ParticipantID != actor.ID {
			return ErrInvalidAddress
		}

		live, err := tx.HasLiveOrder(ctx, campaign.ID, actor.ID)
		if err != nil {
			return err
		}
		if live {
			return ErrDuplicateParticipation
		}

		product, err := tx.GetProduct(ctx, campaign.ProductID)
		if err != nil {
			return err
		}
		if !product.AllowsQuantity(req.Quantity) {
			return ErrQuantityOutOfRange
		}

		// Цена фиксируется на момент вступления
		total := campaign.PricePerUnit.Mul(decimal.NewFromInt(int64(req.Quantity)))
		seq, err := tx.NextOrderSeq(ctx)
		if err != nil {
			return err
		}
		order = model.Order{
			ID:            uuid.NewString(),
			Number:        ordernum.Format(now.Year(), seq),
			CampaignID:    campaign.ID,
			ParticipantID: actor.ID,
			AddressID:     address.ID,
			TotalAmount:   total,
			Items: []model.OrderItem{{
				ProductID: product.ID,
				Quantity:  req.Quantity,
				UnitPrice: campaign.PricePerUnit,
				LineTotal: total,
			}},
			Status:        model.OrderStatusPending,
			PaymentStatus: model.PaymentStatusPending,
			PlacedAt:      now,
		}
		if err := tx.InsertOrder(ctx, &order); err != nil {
			return err
		}

		updated, err := tx.AdjustCampaign(ctx, campaign.ID, total, req.Quantity, now)
		if err != nil {
			return err
		}

		// Порог проверяется по состоянию после инкремента
		derived := evaluator.Evaluate(evaluator.SnapshotOf(updated), now).Status
		if updated.Status == model.CampaignStatusCollecting && derived == model.CampaignStatusThresholdMet {
			err := tx.SetCampaignStatus(ctx, campaign.ID, model.StatusChange{
				From: model.CampaignStatusCollecting,
				To:   model.CampaignStatusThresholdMet,
				At:   now,
			})
			if err != nil {
				return err
			}
			updated.Status = model.CampaignStatusThresholdMet
			reached = &updated
		}
		campaign = updated
		return nil
	})
	if err != nil {
		return JoinResult{}, s.fail("join", err)
	}

	s.cache.Set(ctx, campaign)
	s.zaplog.Info("participant joined",
		zap.String("campaign_id", order.CampaignID),
		zap.String("order_number", order.Number),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)))

	result := JoinResult{Order: order}
	if reached != nil {
		result.Warnings = s.dispatch(ctx, thresholdMetEvent(*reached, now))
	}
	return result, nil
}

// Cancel cancels one order, refunds a completed payment and compensates the campaign rollup.
func (s *service) Cancel(ctx context.Context, actor model.Actor, req CancelRequest) (CancelResult, error) {
	// чтение без блокировки: определить закупку и права до захвата строк
	order, err := s.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return CancelResult{}, s.fail("cancel", err)
	}
	if !canActOn(actor, order) {
		return CancelResult{}, ErrForbidden
	}

	now := s.now()
	reason := strings.TrimSpace(req.Reason)
	var refund *model.RefundRequest
	var campaign model.Campaign
	var reverted *model.Campaign

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		// закупка, затем заказ: тот же порядок, что и в каскадной отмене
		if _, err := tx.LockCampaign(ctx, order.CampaignID); err != nil {
			return err
		}
		locked, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}

		refund, err = s.cancelOrder(ctx, tx, &locked, reason, now)
		if err != nil {
			return err
		}
		order = locked

		updated, err := tx.AdjustCampaign(ctx, order.CampaignID, order.TotalAmount.Neg(), -order.Quantity(), now)
		if err != nil {
			return err
		}

		if s.cfg.RevertBelowThreshold &&
			updated.Status == model.CampaignStatusThresholdMet &&
			updated.CurrentAmount.LessThan(updated.MinThreshold) {
			err := tx.SetCampaignStatus(ctx, updated.ID, model.StatusChange{
				From: model.CampaignStatusThresholdMet,
				To:   model.CampaignStatusCollecting,
				At:   now,
			})
			if err != nil {
				return err
			}
			updated.Status = model.CampaignStatusCollecting
			reverted = &updated
		}
		campaign = updated
		return nil
	})
	if err != nil {
		return CancelResult{}, s.fail("cancel", err)
	}

	s.cache.Set(ctx, campaign)
	s.zaplog.Info("order cancelled",
		zap.String("campaign_id", order.CampaignID),
		zap.String("order_number", order.Number),
		zap.Bool("refunded", refund != nil))

	result := CancelResult{OrderID: order.ID, Status: order.Status, Refunded: refund != nil}
	events := []model.Event{orderCancelledEvent(order, now)}
	if refund != nil {
		result.Warnings = append(result.Warnings, s.deliverRefunds(ctx, []model.RefundRequest{*refund})...)
		events = append(events, orderRefundedEvent(order, *refund, now))
	}
	if reverted != nil {
		events = append(events, statusChangedEvent(*reverted, model.CampaignStatusThresholdMet, now))
	}
	result.Warnings = append(result.Warnings, s.dispatch(ctx, events...)...)
	return result, nil
}

// cancelOrder marks a locked order cancelled and queues the reversal of a completed payment.
// The campaign rollup is left to the caller.
func (s *service) cancelOrder(ctx context.Context, tx store.Tx, order *model.Order, reason string, now time.Time) (*model.RefundRequest, error) {
	switch order.Status {
	case model.OrderStatusCancelled:
		return nil, ErrAlreadyCancelled
	case model.OrderStatusDelivered, model.OrderStatusRefunded:
		return nil, ErrInvalidTransition
	}

	refunding := order.PaymentStatus == model.PaymentStatusCompleted
	order.Status = model.OrderStatusCancelled
	order.CancelledAt = &now
	order.CancelReason = reason
	if refunding {
		order.PaymentStatus = model.PaymentStatusRefunded
	}
	if err := tx.UpdateOrder(ctx, *order); err != nil {
		return nil, err
	}
	if !refunding {
		return nil, nil
	}

	// возвращается именно проведённый платёж, а не последняя попытка
	payment, err := tx.GetPaymentByStatus(ctx, order.ID, model.PaymentStatusCompleted)
	if err != nil {
		return nil, err
	}
	// возврат всегда полный
	payment.Status = model.PaymentStatusRefunded
	payment.RefundedAmount = order.TotalAmount
	payment.RefundedAt = &now
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return nil, err
	}

	refund := model.RefundRequest{
		PaymentID:     payment.ID,
		OrderID:       order.ID,
		Amount:        order.TotalAmount,
		State:         model.RefundStatePending,
		CreatedAt:     now,
		NextAttemptAt: now.Add(RefundGrace),
	}
	if err := tx.EnqueueRefund(ctx, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// ConfirmPayment records the payment outcome for a pending order.
func (s *service) ConfirmPayment(ctx context.Context, actor model.Actor, req PaymentRequest) (PaymentResult, error) {
	if req.Method != model.PaymentMethodCard && req.Method != model.PaymentMethodCashOnDelivery {
		return PaymentResult{}, ErrInvalidInput
	}

	now := s.now()
	var result PaymentResult

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if !canActOn(actor, order) {
			return ErrForbidden
		}
		if !order.Live() || order.Status == model.OrderStatusRefunded {
			return ErrInvalidTransition
		}
		// повторная попытка допустима только после неудачной оплаты картой
		if order.PaymentStatus != model.PaymentStatusPending && order.PaymentStatus != model.PaymentStatusFailed {
			return ErrInvalidTransition
		}

		payment := model.Payment{
			ID:             uuid.NewString(),
			OrderID:        order.ID,
			Method:         req.Method,
			Amount:         order.TotalAmount,
			GatewayRef:     req.GatewayRef,
			RefundedAmount: decimal.Zero,
			CreatedAt:      now,
		}
		switch {
		case req.Method == model.PaymentMethodCashOnDelivery:
			payment.Status = model.PaymentStatusCashOnDelivery
		case req.Succeeded:
			payment.Status = model.PaymentStatusCompleted
		default:
			payment.Status = model.PaymentStatusFailed
		}
		if err := tx.InsertPayment(ctx, &payment); err != nil {
			return err
		}

		order.PaymentStatus = payment.Status
		if payment.Status != model.PaymentStatusFailed && order.Status == model.OrderStatusPending {
			order.Status = model.OrderStatusConfirmed
			order.ConfirmedAt = &now
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		result = PaymentResult{Order: order, Payment: payment}
		return nil
	})
	if err != nil {
		return PaymentResult{}, s.fail("confirm payment", err)
	}

	s.zaplog.Info("payment recorded",
		zap.String("order_id", result.Order.ID),
		zap.String("method", string(result.Payment.Method)),
		zap.String("status", string(result.Payment.Status)))
	return result, nil
}
