package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/groupbuy/internal/model"
)

// memData is the whole dataset; a transaction works on a private copy.
type memData struct {
	campaigns map[string]model.Campaign
	orders    map[string]model.Order
	products  map[string]model.Product
	addresses map[string]model.Address
	payments  map[string]model.Payment
	refunds   map[int64]model.RefundRequest

	batchSeq  int64
	orderSeq  int64
	refundSeq int64
}

type memStore struct {
	mu   sync.Mutex
	data *memData
}

type memTx struct {
	data *memData
}

// NewMemStore returns a process-local store. Transactions are serialized.
func NewMemStore() Store {
	return &memStore{data: newMemData()}
}

func newMemData() *memData {
	return &memData{
		campaigns: make(map[string]model.Campaign),
		orders:    make(map[string]model.Order),
		products:  make(map[string]model.Product),
		addresses: make(map[string]model.Address),
		payments:  make(map[string]model.Payment),
		refunds:   make(map[int64]model.RefundRequest),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.campaigns {
		c.campaigns[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = cloneOrder(v)
	}
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.addresses {
		c.addresses[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.refunds {
		c.refunds[k] = v
	}
	c.batchSeq, c.orderSeq, c.refundSeq = d.batchSeq, d.orderSeq, d.refundSeq
	return c
}

func cloneOrder(o model.Order) model.Order {
	o.Items = append([]model.OrderItem(nil), o.Items...)
	return o
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.data.clone()
	if err := fn(&memTx{data: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *memStore) Close() error {
	return nil
}

// Чтение вне транзакции

func (s *memStore) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getCampaign(id)
}

func (s *memStore) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.listCampaigns(), nil
}

func (s *memStore) GetOrder(ctx context.Context, id string) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getOrder(id)
}

func (s *memStore) ListOrdersByCampaign(ctx context.Context, campaignID string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.filterOrders(func(o model.Order) bool { return o.CampaignID == campaignID }, false), nil
}

func (s *memStore) ListOrdersByParticipant(ctx context.Context, participantID string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.filterOrders(func(o model.Order) bool { return o.ParticipantID == participantID }, true), nil
}

func (s *memStore) GetProduct(ctx context.Context, id string) (model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getProduct(id)
}

func (s *memStore) GetAddress(ctx context.Context, id string) (model.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.getAddress(id)
}

func (s *memStore) GetPaymentByOrder(ctx context.Context, orderID string) (model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.paymentByOrder(orderID)
}

// Фоновые задачи

func (s *memStore) ExpireCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.Campaign
	for _, c := range s.data.campaigns {
		if c.Status == model.CampaignStatusCollecting && c.ExpiresAt.Before(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = model.CampaignStatusExpired
		due[i].UpdatedAt = now
		s.data.campaigns[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *memStore) DueRefunds(ctx context.Context, now time.Time, limit int) ([]model.RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.dueRefunds(now, limit), nil
}

func (s *memStore) ClaimRefunds(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := s.data.dueRefunds(now, limit)
	for _, r := range due {
		r.NextAttemptAt = now.Add(lease)
		s.data.refunds[r.ID] = r
	}
	return due, nil
}

func (d *memData) dueRefunds(now time.Time, limit int) []model.RefundRequest {
	var due []model.RefundRequest
	for _, r := range d.refunds {
		if r.State == model.RefundStatePending && !r.NextAttemptAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

func (s *memStore) CompleteRefund(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data.refunds[id]
	if !ok || r.State != model.RefundStatePending {
		return ErrConflict
	}
	r.State = model.RefundStateSent
	r.Attempts++
	r.LastError = ""
	s.data.refunds[id] = r
	return nil
}

func (s *memStore) RetryRefund(ctx context.Context, id int64, lastErr string, next time.Time, giveUp bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data.refunds[id]
	if !ok || r.State != model.RefundStatePending {
		return ErrConflict
	}
	r.Attempts++
	r.LastError = lastErr
	r.NextAttemptAt = next
	if giveUp {
		r.State = model.RefundStateFailed
	}
	s.data.refunds[id] = r
	return nil
}

// Транзакция: блокировки не нужны, вся транзакция под мьютексом хранилища

func (t *memTx) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	return t.data.getCampaign(id)
}

func (t *memTx) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	return t.data.listCampaigns(), nil
}

func (t *memTx) GetOrder(ctx context.Context, id string) (model.Order, error) {
	return t.data.getOrder(id)
}

func (t *memTx) ListOrdersByCampaign(ctx context.Context, campaignID string) ([]model.Order, error) {
	return t.data.filterOrders(func(o model.Order) bool { return o.CampaignID == campaignID }, false), nil
}

func (t *memTx) ListOrdersByParticipant(ctx context.Context, participantID string) ([]model.Order, error) {
	return t.data.filterOrders(func(o model.Order) bool { return o.ParticipantID == participantID }, true), nil
}

func (t *memTx) GetProduct(ctx context.Context, id string) (model.Product, error) {
	return t.data.getProduct(id)
}

func (t *memTx) GetAddress(ctx context.Context, id string) (model.Address, error) {
	return t.data.getAddress(id)
}

func (t *memTx) GetPaymentByOrder(ctx context.Context, orderID string) (model.Payment, error) {
	return t.data.paymentByOrder(orderID)
}

func (t *memTx) GetPaymentByStatus(ctx context.Context, orderID string, status model.PaymentStatus) (model.Payment, error) {
	return t.data.latestPayment(func(p model.Payment) bool { return p.OrderID == orderID && p.Status == status })
}

func (t *memTx) LockCampaign(ctx context.Context, id string) (model.Campaign, error) {
	return t.data.getCampaign(id)
}

func (t *memTx) LockOrder(ctx context.Context, id string) (model.Order, error) {
	return t.data.getOrder(id)
}

func (t *memTx) LockLiveOrders(ctx context.Context, campaignID string) ([]model.Order, error) {
	return t.data.filterOrders(func(o model.Order) bool {
		return o.CampaignID == campaignID && o.Live()
	}, false), nil
}

func (t *memTx) HasLiveOrder(ctx context.Context, campaignID string, participantID string) (bool, error) {
	return t.data.hasLiveOrder(campaignID, participantID, ""), nil
}

func (t *memTx) AdjustCampaign(ctx context.Context, id string, amount decimal.Decimal, quantity int, at time.Time) (model.Campaign, error) {
	c, ok := t.data.campaigns[id]
	if !ok {
		return model.Campaign{}, ErrNoRows
	}
	c.CurrentAmount = c.CurrentAmount.Add(amount)
	c.CurrentQuantity += quantity
	c.UpdatedAt = at
	t.data.campaigns[id] = c
	return c, nil
}

func (t *memTx) SetCampaignStatus(ctx context.Context, id string, change model.StatusChange) error {
	c, ok := t.data.campaigns[id]
	if !ok || c.Status != change.From {
		return ErrConflict
	}
	c.Status = change.To
	if change.Reason != "" {
		c.CancelReason = change.Reason
	}
	if change.ActualDelivery != nil {
		v := *change.ActualDelivery
		c.ActualDelivery = &v
	}
	c.UpdatedAt = change.At
	t.data.campaigns[id] = c
	return nil
}

func (t *memTx) CountPaidOrders(ctx context.Context, campaignID string) (int, int, error) {
	var paid, paidDelivered int
	for _, o := range t.data.orders {
		if o.CampaignID != campaignID || o.PaymentStatus != model.PaymentStatusCompleted {
			continue
		}
		paid++
		if o.Status == model.OrderStatusDelivered {
			paidDelivered++
		}
	}
	return paid, paidDelivered, nil
}

func (t *memTx) InsertCampaign(ctx context.Context, c *model.Campaign) error {
	if _, ok := t.data.campaigns[c.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := t.data.products[c.ProductID]; !ok {
		return ErrInvalidReference
	}
	t.data.batchSeq++
	c.BatchNumber = t.data.batchSeq
	t.data.campaigns[c.ID] = *c
	return nil
}

func (t *memTx) DeleteCampaign(ctx context.Context, id string) error {
	if _, ok := t.data.campaigns[id]; !ok {
		return ErrNoRows
	}
	delete(t.data.campaigns, id)
	for orderID, o := range t.data.orders {
		if o.CampaignID != id {
			continue
		}
		delete(t.data.orders, orderID)
		for paymentID, p := range t.data.payments {
			if p.OrderID == orderID {
				delete(t.data.payments, paymentID)
			}
		}
	}
	return nil
}

func (t *memTx) NextOrderSeq(ctx context.Context) (int64, error) {
	t.data.orderSeq++
	return t.data.orderSeq, nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *model.Order) error {
	if _, ok := t.data.orders[o.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range t.data.orders {
		if existing.Number == o.Number {
			return ErrAlreadyExists
		}
	}
	if _, ok := t.data.campaigns[o.CampaignID]; !ok {
		return ErrInvalidReference
	}
	if _, ok := t.data.addresses[o.AddressID]; !ok {
		return ErrInvalidReference
	}
	if o.Live() && t.data.hasLiveOrder(o.CampaignID, o.ParticipantID, "") {
		return ErrLiveOrderExists
	}
	t.data.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (t *memTx) UpdateOrder(ctx context.Context, o model.Order) error {
	current, ok := t.data.orders[o.ID]
	if !ok {
		return ErrNoRows
	}
	if o.Live() && !current.Live() && t.data.hasLiveOrder(o.CampaignID, o.ParticipantID, o.ID) {
		return ErrLiveOrderExists
	}
	// позиции заказа после вставки не меняются
	o.Items = current.Items
	t.data.orders[o.ID] = o
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	if _, ok := t.data.payments[p.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := t.data.orders[p.OrderID]; !ok {
		return ErrInvalidReference
	}
	t.data.payments[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePayment(ctx context.Context, p model.Payment) error {
	if _, ok := t.data.payments[p.ID]; !ok {
		return ErrNoRows
	}
	t.data.payments[p.ID] = p
	return nil
}

func (t *memTx) EnqueueRefund(ctx context.Context, r *model.RefundRequest) error {
	t.data.refundSeq++
	r.ID = t.data.refundSeq
	t.data.refunds[r.ID] = *r
	return nil
}

func (t *memTx) InsertProduct(ctx context.Context, p *model.Product) error {
	if _, ok := t.data.products[p.ID]; ok {
		return ErrAlreadyExists
	}
	t.data.products[p.ID] = *p
	return nil
}

func (t *memTx) InsertAddress(ctx context.Context, a *model.Address) error {
	if _, ok := t.data.addresses[a.ID]; ok {
		return ErrAlreadyExists
	}
	t.data.addresses[a.ID] = *a
	return nil
}

// Выборки

func (d *memData) getCampaign(id string) (model.Campaign, error) {
	c, ok := d.campaigns[id]
	if !ok {
		return model.Campaign{}, ErrNoRows
	}
	return c, nil
}

func (d *memData) listCampaigns() []model.Campaign {
	campaigns := make([]model.Campaign, 0, len(d.campaigns))
	for _, c := range d.campaigns {
		campaigns = append(campaigns, c)
	}
	sort.Slice(campaigns, func(i, j int) bool { return campaigns[i].BatchNumber > campaigns[j].BatchNumber })
	return campaigns
}

func (d *memData) getOrder(id string) (model.Order, error) {
	o, ok := d.orders[id]
	if !ok {
		return model.Order{}, ErrNoRows
	}
	return cloneOrder(o), nil
}

func (d *memData) filterOrders(match func(model.Order) bool, newestFirst bool) []model.Order {
	var orders []model.Order
	for _, o := range d.orders {
		if match(o) {
			orders = append(orders, cloneOrder(o))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if newestFirst {
			a, b = b, a
		}
		if a.PlacedAt.Equal(b.PlacedAt) {
			return a.Number < b.Number
		}
		return a.PlacedAt.Before(b.PlacedAt)
	})
	return orders
}

func (d *memData) hasLiveOrder(campaignID, participantID, exceptID string) bool {
	for _, o := range d.orders {
		if o.ID != exceptID && o.CampaignID == campaignID && o.ParticipantID == participantID && o.Live() {
			return true
		}
	}
	return false
}

func (d *memData) getProduct(id string) (model.Product, error) {
	p, ok := d.products[id]
	if !ok {
		return model.Product{}, ErrNoRows
	}
	return p, nil
}

func (d *memData) getAddress(id string) (model.Address, error) {
	a, ok := d.addresses[id]
	if !ok {
		return model.Address{}, ErrNoRows
	}
	return a, nil
}

func (d *memData) paymentByOrder(orderID string) (model.Payment, error) {
	return d.latestPayment(func(p model.Payment) bool { return p.OrderID == orderID })
}

// latestPayment orders by creation time, then id, as the SQL store does.
func (d *memData) latestPayment(match func(model.Payment) bool) (model.Payment, error) {
	var latest model.Payment
	var found bool
	for _, p := range d.payments {
		if !match(p) {
			continue
		}
		if !found || p.CreatedAt.After(latest.CreatedAt) ||
			(p.CreatedAt.Equal(latest.CreatedAt) && p.ID > latest.ID) {
			latest, found = p, true
		}
	}
	if !found {
		return model.Payment{}, ErrNoRows
	}
	return latest, nil
}
