package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/store/config"
)

// Reader covers plain reads, usable inside and outside a transaction.
type Reader interface {
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	ListCampaigns(ctx context.Context) ([]model.Campaign, error)
	GetOrder(ctx context.Context, id string) (model.Order, error)
	ListOrdersByCampaign(ctx context.Context, campaignID string) ([]model.Order, error)
	ListOrdersByParticipant(ctx context.Context, participantID string) ([]model.Order, error)
	GetProduct(ctx context.Context, id string) (model.Product, error)
	GetAddress(ctx context.Context, id string) (model.Address, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (model.Payment, error)
}

// Tx is one atomic unit of work. Nothing is visible to other callers until InTx returns nil.
type Tx interface {
	Reader

	// LockCampaign reads the campaign row and holds it until the transaction ends.
	LockCampaign(ctx context.Context, id string) (model.Campaign, error)
	LockOrder(ctx context.Context, id string) (model.Order, error)
	LockLiveOrders(ctx context.Context, campaignID string) ([]model.Order, error)
	HasLiveOrder(ctx context.Context, campaignID string, participantID string) (bool, error)

	// AdjustCampaign applies the deltas as one increment expression evaluated by the store
	// and returns the post-update row.
	AdjustCampaign(ctx context.Context, id string, amount decimal.Decimal, quantity int, at time.Time) (model.Campaign, error)
	// SetCampaignStatus returns ErrConflict when the row is no longer in change.From.
	SetCampaignStatus(ctx context.Context, id string, change model.StatusChange) error
	CountPaidOrders(ctx context.Context, campaignID string) (paid int, paidDelivered int, err error)
	InsertCampaign(ctx context.Context, campaign *model.Campaign) error
	DeleteCampaign(ctx context.Context, id string) error

	NextOrderSeq(ctx context.Context) (int64, error)
	InsertOrder(ctx context.Context, order *model.Order) error
	UpdateOrder(ctx context.Context, order model.Order) error

	// GetPaymentByStatus returns the latest payment of the order in the given status.
	GetPaymentByStatus(ctx context.Context, orderID string, status model.PaymentStatus) (model.Payment, error)
	InsertPayment(ctx context.Context, payment *model.Payment) error
	UpdatePayment(ctx context.Context, payment model.Payment) error
	EnqueueRefund(ctx context.Context, refund *model.RefundRequest) error

	InsertProduct(ctx context.Context, product *model.Product) error
	InsertAddress(ctx context.Context, address *model.Address) error
}

type Store interface {
	Reader

	// InTx commits when fn returns nil and rolls back otherwise; fn's error is returned as is.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// ExpireCampaigns flips COLLECTING campaigns past expiry to EXPIRED and returns them.
	ExpireCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error)

	DueRefunds(ctx context.Context, now time.Time, limit int) ([]model.RefundRequest, error)
	// ClaimRefunds takes due rows for delivery and hides them from other claimers for lease.
	ClaimRefunds(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.RefundRequest, error)
	CompleteRefund(ctx context.Context, id int64) error
	// RetryRefund records a failed attempt; giveUp moves the row to FAILED.
	RetryRefund(ctx context.Context, id int64, lastErr string, next time.Time, giveUp bool) error

	Close() error
}

var (
	ErrNoRows           = errors.New("no rows")
	ErrAlreadyExists    = errors.New("already exists")
	ErrConflict         = errors.New("row changed concurrently")
	ErrLiveOrderExists  = errors.New("participant already has a live order in campaign")
	ErrInvalidReference = errors.New("referenced row does not exist")
)

func NewStore(cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemStore(), nil
	}
	return NewPgStore(cfg.DBDsn)
}
