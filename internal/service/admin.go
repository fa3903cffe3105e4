package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/store"
)

type TransitionRequest struct {
	CampaignID string               `json:"campaign_id"`
	To         model.CampaignStatus `json:"target_status"`
	Reason     string               `json:"reason,omitempty"`
}

type TransitionResult struct {
	Campaign CampaignView `json:"campaign"`
	Warnings []string     `json:"warnings,omitempty"`
}

type AdvanceOrderRequest struct {
	OrderID string            `json:"order_id"`
	To      model.OrderStatus `json:"status"`
}

type ProductRequest struct {
	Name        string `json:"name"`
	MinOrderQty int    `json:"min_order_qty"`
	MaxOrderQty *int   `json:"max_order_qty,omitempty"`
}

type CampaignRequest struct {
	ProductID         string          `json:"product_id"`
	PricePerUnit      decimal.Decimal `json:"price_per_unit"`
	MinThreshold      decimal.Decimal `json:"min_threshold"`
	TargetQuantity    int             `json:"target_quantity"`
	ExpiresAt         time.Time       `json:"expires_at"`
	EstimatedDelivery *time.Time      `json:"estimated_delivery,omitempty"`
}

type AddressRequest struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Transition applies an administrator status change. CANCELLED cascades to every live order.
func (s *service) Transition(ctx context.Context, actor model.Actor, req TransitionRequest) (TransitionResult, error) {
	if !actor.Admin {
		return TransitionResult{}, ErrForbidden
	}
	if !req.To.Valid() {
		return TransitionResult{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, req.To)
	}

	now := s.now()
	reason := strings.TrimSpace(req.Reason)
	var campaign model.Campaign
	var from model.CampaignStatus
	var cancelled []model.Order
	var refunds []model.RefundRequest

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockCampaign(ctx, req.CampaignID)
		if err != nil {
			return err
		}
		from = current.Status
		if !from.CanTransitionTo(req.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, req.To)
		}

		change := model.StatusChange{From: from, To: req.To, At: now}
		switch req.To {
		case model.CampaignStatusCancelled:
			if reason == "" {
				return ErrReasonRequired
			}
			_, paidDelivered, err := tx.CountPaidOrders(ctx, current.ID)
			if err != nil {
				return err
			}
			if paidDelivered > 0 {
				return fmt.Errorf("%w: %d orders are paid and delivered", ErrInvalidTransition, paidDelivered)
			}
			cancelled, refunds, err = s.cancelLiveOrders(ctx, tx, current.ID, reason, now)
			if err != nil {
				return err
			}
			change.Reason = reason
		case model.CampaignStatusDelivered:
			change.ActualDelivery = &now
		}

		if err := tx.SetCampaignStatus(ctx, current.ID, change); err != nil {
			return err
		}
		campaign, err = tx.GetCampaign(ctx, current.ID)
		return err
	})
	if err != nil {
		return TransitionResult{}, s.fail("transition", err)
	}

	s.cache.Set(ctx, campaign)
	s.zaplog.Info("campaign status changed",
		zap.String("campaign_id", campaign.ID),
		zap.String("from", string(from)),
		zap.String("to", string(campaign.Status)),
		zap.Int("cancelled_orders", len(cancelled)))

	var events []model.Event
	switch campaign.Status {
	case model.CampaignStatusCancelled:
		events = append(events, campaignCancelledEvent(campaign, reason, len(cancelled), now))
		for _, o := range cancelled {
			events = append(events, orderCancelledEvent(o, now))
		}
		for _, r := range refunds {
			for _, o := range cancelled {
				if o.ID == r.OrderID {
					events = append(events, orderRefundedEvent(o, r, now))
				}
			}
		}
	case model.CampaignStatusThresholdMet:
		events = append(events, thresholdMetEvent(campaign, now))
	default:
		events = append(events, statusChangedEvent(campaign, from, now))
	}

	result := TransitionResult{Campaign: s.view(ctx, campaign)}
	result.Warnings = append(result.Warnings, s.deliverRefunds(ctx, refunds)...)
	result.Warnings = append(result.Warnings, s.dispatch(ctx, events...)...)
	return result, nil
}

// cancelLiveOrders cancels every live order of a locked campaign and subtracts their exact sums.
// Delivered orders are final: they stay live and remain in the rollup.
func (s *service) cancelLiveOrders(ctx context.Context, tx store.Tx, campaignID string, reason string, now time.Time) ([]model.Order, []model.RefundRequest, error) {
	live, err := tx.LockLiveOrders(ctx, campaignID)
	if err != nil {
		return nil, nil, err
	}

	amount := decimal.Zero
	var quantity int
	var cancelled []model.Order
	var refunds []model.RefundRequest
	for i := range live {
		if live[i].Status == model.OrderStatusDelivered || live[i].Status == model.OrderStatusRefunded {
			continue
		}
		refund, err := s.cancelOrder(ctx, tx, &live[i], reason, now)
		if err != nil {
			return nil, nil, err
		}
		if refund != nil {
			refunds = append(refunds, *refund)
		}
		cancelled = append(cancelled, live[i])
		amount = amount.Add(live[i].TotalAmount)
		quantity += live[i].Quantity()
	}

	if len(cancelled) > 0 {
		if _, err := tx.AdjustCampaign(ctx, campaignID, amount.Neg(), -quantity, now); err != nil {
			return nil, nil, err
		}
	}
	return cancelled, refunds, nil
}

// DeleteCampaign removes a campaign together with its orders unless money was collected for any of them.
func (s *service) DeleteCampaign(ctx context.Context, actor model.Actor, campaignID string) error {
	if !actor.Admin {
		return ErrForbidden
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockCampaign(ctx, campaignID); err != nil {
			return err
		}
		paid, _, err := tx.CountPaidOrders(ctx, campaignID)
		if err != nil {
			return err
		}
		if paid > 0 {
			return fmt.Errorf("%w: %d", ErrHasPaidOrders, paid)
		}
		return tx.DeleteCampaign(ctx, campaignID)
	})
	if err != nil {
		return s.fail("delete campaign", err)
	}

	s.cache.Invalidate(ctx, campaignID)
	s.zaplog.Info("campaign deleted", zap.String("campaign_id", campaignID))
	return nil
}

// AdvanceOrder moves an order forward through its fulfilment lifecycle.
func (s *service) AdvanceOrder(ctx context.Context, actor model.Actor, req AdvanceOrderRequest) (model.Order, error) {
	if !actor.Admin {
		return model.Order{}, ErrForbidden
	}

	now := s.now()
	var order model.Order

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if !order.Status.CanTransitionTo(req.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, req.To)
		}

		order.Status = req.To
		switch req.To {
		case model.OrderStatusConfirmed:
			if order.ConfirmedAt == nil {
				order.ConfirmedAt = &now
			}
		case model.OrderStatusDelivered:
			order.DeliveredAt = &now
			// наложенный платёж получен при вручении
			if order.PaymentStatus == model.PaymentStatusCashOnDelivery {
				payment, err := tx.GetPaymentByStatus(ctx, order.ID, model.PaymentStatusCashOnDelivery)
				if err != nil {
					return err
				}
				payment.Status = model.PaymentStatusCompleted
				if err := tx.UpdatePayment(ctx, payment); err != nil {
					return err
				}
				order.PaymentStatus = model.PaymentStatusCompleted
			}
		}
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return model.Order{}, s.fail("advance order", err)
	}

	s.zaplog.Info("order status changed",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)))
	return order, nil
}

func (s *service) CreateProduct(ctx context.Context, actor model.Actor, req ProductRequest) (model.Product, error) {
	if !actor.Admin {
		return model.Product{}, ErrForbidden
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || req.MinOrderQty < 0 {
		return model.Product{}, ErrInvalidInput
	}
	if req.MaxOrderQty != nil && (*req.MaxOrderQty < 1 || *req.MaxOrderQty < req.MinOrderQty) {
		return model.Product{}, fmt.Errorf("%w: max order quantity below minimum", ErrInvalidInput)
	}

	product := model.Product{
		ID:          uuid.NewString(),
		Name:        name,
		MinOrderQty: req.MinOrderQty,
		MaxOrderQty: req.MaxOrderQty,
		CreatedAt:   s.now(),
	}
	if product.MinOrderQty == 0 {
		product.MinOrderQty = 1
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertProduct(ctx, &product)
	})
	if err != nil {
		return model.Product{}, s.fail("create product", err)
	}
	return product, nil
}

func (s *service) CreateCampaign(ctx context.Context, actor model.Actor, req CampaignRequest) (CampaignView, error) {
	if !actor.Admin {
		return CampaignView{}, ErrForbidden
	}
	now := s.now()
	switch {
	case req.ProductID == "":
		return CampaignView{}, fmt.Errorf("%w: product required", ErrInvalidInput)
	case !req.PricePerUnit.IsPositive():
		return CampaignView{}, fmt.Errorf("%w: price per unit must be positive", ErrInvalidInput)
	case req.MinThreshold.IsNegative():
		return CampaignView{}, fmt.Errorf("%w: negative threshold", ErrInvalidInput)
	case req.TargetQuantity < 0:
		return CampaignView{}, fmt.Errorf("%w: negative target quantity", ErrInvalidInput)
	case !req.ExpiresAt.After(now):
		return CampaignView{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}

	campaign := model.Campaign{
		ID:                uuid.NewString(),
		ProductID:         req.ProductID,
		PricePerUnit:      req.PricePerUnit,
		MinThreshold:      req.MinThreshold,
		TargetQuantity:    req.TargetQuantity,
		CurrentAmount:     decimal.Zero,
		ExpiresAt:         req.ExpiresAt.UTC(),
		EstimatedDelivery: req.EstimatedDelivery,
		Status:            model.CampaignStatusCollecting,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetProduct(ctx, req.ProductID); err != nil {
			return err
		}
		return tx.InsertCampaign(ctx, &campaign)
	})
	if err != nil {
		return CampaignView{}, s.fail("create campaign", err)
	}

	s.zaplog.Info("campaign created",
		zap.String("campaign_id", campaign.ID),
		zap.Int64("batch_number", campaign.BatchNumber))
	return s.view(ctx, campaign), nil
}

func (s *service) CreateAddress(ctx context.Context, actor model.Actor, req AddressRequest) (model.Address, error) {
	if actor.ID == "" {
		return model.Address{}, ErrForbidden
	}
	address := model.Address{
		ID:            uuid.NewString(),
		ParticipantID: actor.ID,
		Line1:         strings.TrimSpace(req.Line1),
		City:          strings.TrimSpace(req.City),
		PostalCode:    strings.TrimSpace(req.PostalCode),
		Country:       strings.TrimSpace(req.Country),
		CreatedAt:     s.now(),
	}
	if address.Line1 == "" || address.City == "" || address.Country == "" {
		return model.Address{}, ErrInvalidInput
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertAddress(ctx, &address)
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return model.Address{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return model.Address{}, s.fail("create address", err)
	}
	return address, nil
}
