package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Групповые закупки

type CampaignStatus string

const (
	CampaignStatusCollecting   CampaignStatus = "COLLECTING"
	CampaignStatusThresholdMet CampaignStatus = "THRESHOLD_MET"
	CampaignStatusOrdered      CampaignStatus = "ORDERED"
	CampaignStatusShipped      CampaignStatus = "SHIPPED"
	CampaignStatusDelivered    CampaignStatus = "DELIVERED"
	CampaignStatusCancelled    CampaignStatus = "CANCELLED"
	CampaignStatusExpired      CampaignStatus = "EXPIRED"
)

type Campaign struct {
	ID                string          `json:"id"`
	BatchNumber       int64           `json:"batch_number"`
	ProductID         string          `json:"product_id"`
	PricePerUnit      decimal.Decimal `json:"price_per_unit"`
	MinThreshold      decimal.Decimal `json:"min_threshold"`
	TargetQuantity    int             `json:"target_quantity"`
	CurrentAmount     decimal.Decimal `json:"current_amount"`
	CurrentQuantity   int             `json:"current_quantity"`
	ExpiresAt         time.Time       `json:"expires_at"`
	EstimatedDelivery *time.Time      `json:"estimated_delivery,omitempty"`
	ActualDelivery    *time.Time      `json:"actual_delivery,omitempty"`
	Status            CampaignStatus  `json:"status"`
	CancelReason      string          `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// StatusChange is a conditional status write: it applies only while the row is still in From.
type StatusChange struct {
	From           CampaignStatus
	To             CampaignStatus
	Reason         string
	ActualDelivery *time.Time
	At             time.Time
}

// Товары и адреса

type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MinOrderQty int       `json:"min_order_qty"`
	MaxOrderQty *int      `json:"max_order_qty,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AllowsQuantity reports whether quantity fits the product's order limits.
func (p Product) AllowsQuantity(quantity int) bool {
	lower := p.MinOrderQty
	if lower < 1 {
		lower = 1
	}
	if quantity < lower {
		return false
	}
	return p.MaxOrderQty == nil || quantity <= *p.MaxOrderQty
}

type Address struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participant_id"`
	Line1         string    `json:"line1"`
	City          string    `json:"city"`
	PostalCode    string    `json:"postal_code"`
	Country       string    `json:"country"`
	CreatedAt     time.Time `json:"created_at"`
}

// Заказы участников

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusRefunded   OrderStatus = "REFUNDED"
)

type PaymentStatus string

const (
	PaymentStatusPending        PaymentStatus = "PENDING"
	PaymentStatusCompleted      PaymentStatus = "COMPLETED"
	PaymentStatusFailed         PaymentStatus = "FAILED"
	PaymentStatusCashOnDelivery PaymentStatus = "CASH_ON_DELIVERY"
	PaymentStatusRefunded       PaymentStatus = "REFUNDED"
)

type Order struct {
	ID            string          `json:"id"`
	Number        string          `json:"number"`
	CampaignID    string          `json:"campaign_id"`
	ParticipantID string          `json:"participant_id"`
	AddressID     string          `json:"address_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Items         []OrderItem     `json:"items"`
	Status        OrderStatus     `json:"status"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
	PlacedAt      time.Time       `json:"placed_at"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
}

type OrderItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Quantity is the committed item count of the order.
func (o Order) Quantity() int {
	var n int
	for _, item := range o.Items {
		n += item.Quantity
	}
	return n
}

// Live orders count toward the campaign rollup.
func (o Order) Live() bool {
	return o.Status != OrderStatusCancelled
}

// Платежи и возвраты

type PaymentMethod string

const (
	PaymentMethodCard           PaymentMethod = "CARD"
	PaymentMethodCashOnDelivery PaymentMethod = "CASH_ON_DELIVERY"
)

type Payment struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	Method         PaymentMethod   `json:"method"`
	Amount         decimal.Decimal `json:"amount"`
	Status         PaymentStatus   `json:"status"`
	GatewayRef     string          `json:"gateway_ref,omitempty"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	CreatedAt      time.Time       `json:"created_at"`
	RefundedAt     *time.Time      `json:"refunded_at,omitempty"`
}

type RefundState string

const (
	RefundStatePending RefundState = "PENDING"
	RefundStateSent    RefundState = "SENT"
	RefundStateFailed  RefundState = "FAILED"
)

// RefundRequest is an outbox row for the payment reversal call.
type RefundRequest struct {
	ID            int64           `json:"id"`
	PaymentID     string          `json:"payment_id"`
	OrderID       string          `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	State         RefundState     `json:"state"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
}

// Уведомления

type EventType string

const (
	EventThresholdMet   EventType = "THRESHOLD_MET"
	EventCancelled      EventType = "CANCELLED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderRefunded  EventType = "ORDER_REFUNDED"
	EventExpired        EventType = "EXPIRED"
	EventStatusChanged  EventType = "STATUS_CHANGED"
)

type Event struct {
	CampaignID string         `json:"campaign_id"`
	Type       EventType      `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID    string
	Admin bool
}
