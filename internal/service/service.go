package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/groupbuy/internal/evaluator"
	"github.com/iurnickita/groupbuy/internal/ledger"
	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/notify"
	"github.com/iurnickita/groupbuy/internal/service/config"
	"github.com/iurnickita/groupbuy/internal/store"
)

type Service interface {
	// Расчёты участников
	Join(ctx context.Context, actor model.Actor, req JoinRequest) (JoinResult, error)
	Cancel(ctx context.Context, actor model.Actor, req CancelRequest) (CancelResult, error)
	ConfirmPayment(ctx context.Context, actor model.Actor, req PaymentRequest) (PaymentResult, error)

	// Администрирование
	Transition(ctx context.Context, actor model.Actor, req TransitionRequest) (TransitionResult, error)
	DeleteCampaign(ctx context.Context, actor model.Actor, campaignID string) error
	AdvanceOrder(ctx context.Context, actor model.Actor, req AdvanceOrderRequest) (model.Order, error)
	CreateProduct(ctx context.Context, actor model.Actor, req ProductRequest) (model.Product, error)
	CreateCampaign(ctx context.Context, actor model.Actor, req CampaignRequest) (CampaignView, error)
	Reconcile(ctx context.Context, actor model.Actor, campaignID string) (ledger.Report, error)

	// Справочники участника
	CreateAddress(ctx context.Context, actor model.Actor, req AddressRequest) (model.Address, error)

	// Чтение
	GetCampaign(ctx context.Context, campaignID string) (CampaignView, error)
	ListCampaigns(ctx context.Context) ([]CampaignView, error)
	GetOrder(ctx context.Context, actor model.Actor, orderID string) (OrderView, error)
	ListParticipantOrders(ctx context.Context, actor model.Actor) ([]model.Order, error)
}

// RefundDeliverer makes the immediate post-commit attempt to reverse a payment.
// Rows it could not deliver stay in the outbox for the relay.
type RefundDeliverer interface {
	Deliver(ctx context.Context, refund model.RefundRequest) error
}

// CampaignCache holds raw campaign rows; views are always re-derived on read.
// Set must keep a cached row whose UpdatedAt is later than the one offered.
type CampaignCache interface {
	Get(ctx context.Context, campaignID string) (model.Campaign, bool)
	Set(ctx context.Context, campaign model.Campaign)
	Invalidate(ctx context.Context, campaignID string)
}

// CampaignView pairs the stored row with the evaluator's reading of it at request time.
// Progress.Status is derived and may differ from Campaign.Status: a THRESHOLD_MET row keeps
// its status after cancellations drop the amount under the threshold, and a THRESHOLD_MET
// row past expiry is never persisted as EXPIRED.
type CampaignView struct {
	Campaign model.Campaign   `json:"campaign"`
	Progress evaluator.Result `json:"progress"`
}

type OrderView struct {
	Order   model.Order    `json:"order"`
	Payment *model.Payment `json:"payment,omitempty"`
}

type service struct {
	cfg      config.Config
	store    store.Store
	ledger   ledger.Ledger
	notifier notify.Dispatcher
	refunds  RefundDeliverer
	cache    CampaignCache
	now      func() time.Time
	zaplog   *zap.Logger
}

type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

func WithCache(cache CampaignCache) Option {
	return func(s *service) {
		if cache != nil {
			s.cache = cache
		}
	}
}

// NewService builds the settlement engine. refunds may be nil: refunds then wait for the relay.
func NewService(cfg config.Config, store store.Store, notifier notify.Dispatcher, refunds RefundDeliverer, zaplog *zap.Logger, opts ...Option) (Service, error) {
	if store == nil || notifier == nil || zaplog == nil {
		return nil, errors.New("service: store, notifier and logger are required")
	}

	service := service{
		cfg:      cfg,
		store:    store,
		ledger:   ledger.NewLedger(store),
		notifier: notifier,
		refunds:  refunds,
		cache:    nopCache{},
		now:      func() time.Time { return time.Now().UTC() },
		zaplog:   zaplog,
	}
	for _, opt := range opts {
		opt(&service)
	}

	return &service, nil
}

// Чтение

func (s *service) GetCampaign(ctx context.Context, campaignID string) (CampaignView, error) {
	if campaign, ok := s.cache.Get(ctx, campaignID); ok {
		return s.view(ctx, campaign), nil
	}

	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return CampaignView{}, s.fail("get campaign", err)
	}
	view := s.view(ctx, campaign)
	s.cache.Set(ctx, view.Campaign)
	return view, nil
}

func (s *service) ListCampaigns(ctx context.Context) ([]CampaignView, error) {
	campaigns, err := s.store.ListCampaigns(ctx)
	if err != nil {
		return nil, s.fail("list campaigns", err)
	}

	views := make([]CampaignView, 0, len(campaigns))
	for _, c := range campaigns {
		views = append(views, s.view(ctx, c))
	}
	return views, nil
}

func (s *service) GetOrder(ctx context.Context, actor model.Actor, orderID string) (OrderView, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return OrderView{}, s.fail("get order", err)
	}
	if !canActOn(actor, order) {
		return OrderView{}, ErrForbidden
	}

	view := OrderView{Order: order}
	payment, err := s.store.GetPaymentByOrder(ctx, orderID)
	switch {
	case err == nil:
		view.Payment = &payment
	case !errors.Is(err, store.ErrNoRows):
		return OrderView{}, s.fail("get payment", err)
	}
	return view, nil
}

func (s *service) ListParticipantOrders(ctx context.Context, actor model.Actor) ([]model.Order, error) {
	if actor.ID == "" {
		return nil, ErrForbidden
	}
	orders, err := s.ledger.History(ctx, actor.ID)
	if err != nil {
		return nil, s.fail("list orders", err)
	}
	return orders, nil
}

func (s *service) Reconcile(ctx context.Context, actor model.Actor, campaignID string) (ledger.Report, error) {
	if !actor.Admin {
		return ledger.Report{}, ErrForbidden
	}
	report, err := s.ledger.Reconcile(ctx, campaignID)
	if err != nil {
		return ledger.Report{}, s.fail("reconcile", err)
	}
	if !report.Consistent {
		s.zaplog.Error("campaign rollup differs from ledger",
			zap.String("campaign_id", campaignID),
			zap.String("recorded_amount", report.RecordedAmount.StringFixed(2)),
			zap.String("ledger_amount", report.LedgerAmount.StringFixed(2)),
			zap.Int("recorded_quantity", report.RecordedQuantity),
			zap.Int("ledger_quantity", report.LedgerQuantity))
	}
	return report, nil
}

// view derives the campaign progress and applies the lazy COLLECTING -> EXPIRED correction.
func (s *service) view(ctx context.Context, campaign model.Campaign) CampaignView {
	now := s.now()
	result := evaluator.Evaluate(evaluator.SnapshotOf(campaign), now)

	if campaign.Status == model.CampaignStatusCollecting && result.Status == model.CampaignStatusExpired {
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			return tx.SetCampaignStatus(ctx, campaign.ID, model.StatusChange{
				From: model.CampaignStatusCollecting,
				To:   model.CampaignStatusExpired,
				At:   now,
			})
		})
		switch {
		case err == nil:
			campaign.Status = model.CampaignStatusExpired
			campaign.UpdatedAt = now
			s.cache.Invalidate(ctx, campaign.ID)
			s.dispatch(ctx, expiredEvent(campaign, now))
		case errors.Is(err, store.ErrConflict):
			// статус уже сменил другой запрос или sweep
		default:
			s.zaplog.Warn("lazy expiry failed", zap.String("campaign_id", campaign.ID), zap.Error(err))
		}
	}

	return CampaignView{Campaign: campaign, Progress: result}
}

// Побочные эффекты после фиксации

// dispatch delivers events best-effort and returns warnings for the ones that failed.
func (s *service) dispatch(ctx context.Context, events ...model.Event) []string {
	var warnings []string
	for _, event := range events {
		if err := s.notifier.Notify(ctx, event); err != nil {
			s.zaplog.Warn("notification failed",
				zap.String("campaign_id", event.CampaignID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("notification %s not delivered: %v", event.Type, err))
		}
	}
	return warnings
}

func (s *service) deliverRefunds(ctx context.Context, refunds []model.RefundRequest) []string {
	if s.refunds == nil {
		return nil
	}
	var warnings []string
	for _, refund := range refunds {
		if err := s.refunds.Deliver(ctx, refund); err != nil {
			s.zaplog.Warn("refund delivery deferred",
				zap.String("order_id", refund.OrderID),
				zap.String("payment_id", refund.PaymentID),
				zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("refund for order %s queued for retry: %v", refund.OrderID, err))
		}
	}
	return warnings
}

// fail converts store failures into the engine taxonomy.
func (s *service) fail(op string, err error) error {
	switch {
	case known(err):
		return err
	case errors.Is(err, store.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, store.ErrLiveOrderExists):
		return ErrDuplicateParticipation
	case errors.Is(err, store.ErrInvalidReference):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	s.zaplog.Error(op+" failed", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrInternal, err)
}

func canActOn(actor model.Actor, order model.Order) bool {
	return actor.Admin || (actor.ID != "" && actor.ID == order.ParticipantID)
}

type nopCache struct{}

func (nopCache) Get(context.Context, string) (model.Campaign, bool) { return model.Campaign{}, false }
func (nopCache) Set(context.Context, model.Campaign)                {}
func (nopCache) Invalidate(context.Context, string)                 {}
