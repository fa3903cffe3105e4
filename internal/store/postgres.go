package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/groupbuy/internal/model"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	liveOrderIndex        = "ux_orders_live_participant"
)

const campaignColumns = "id, batch_number, product_id, price_per_unit, min_threshold, target_quantity," +
	" current_amount, current_quantity, expires_at, estimated_delivery, actual_delivery," +
	" status, cancel_reason, created_at, updated_at"

const orderColumns = "id, number, campaign_id, participant_id, address_id, total_amount, status," +
	" payment_status, cancel_reason, placed_at, confirmed_at, cancelled_at, delivered_at"

const paymentColumns = "id, order_id, method, amount, status, gateway_ref, refunded_amount, created_at, refunded_at"

const refundColumns = "id, payment_id, order_id, amount, state, attempts, last_error, created_at, next_attempt_at"

// querier is implemented by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type pgStore struct {
	pgReader
	database *sql.DB
}

type pgReader struct {
	q querier
}

type pgTx struct {
	pgReader
	tx *sql.Tx
}

func NewPgStore(dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &pgStore{pgReader: pgReader{q: db}, database: db}, nil
}

func (store *pgStore) Close() error {
	return store.database.Close()
}

func (store *pgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := store.database.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	if err := fn(&pgTx{pgReader: pgReader{q: tx}, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Чтение

func (r pgReader) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE id = $1", id)
	return scanCampaign(row)
}

func (r pgReader) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns ORDER BY batch_number DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r pgReader) GetOrder(ctx context.Context, id string) (model.Order, error) {
	return r.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

func (r pgReader) getOrder(ctx context.Context, query string, args ...any) (model.Order, error) {
	order, err := scanOrder(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return model.Order{}, err
	}
	if err := r.loadItems(ctx, &order); err != nil {
		return model.Order{}, err
	}
	return order, nil
}

func (r pgReader) ListOrdersByCampaign(ctx context.Context, campaignID string) ([]model.Order, error) {
	return r.listOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE campaign_id = $1 ORDER BY placed_at", campaignID)
}

func (r pgReader) ListOrdersByParticipant(ctx context.Context, participantID string) ([]model.Order, error) {
	return r.listOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE participant_id = $1 ORDER BY placed_at DESC", participantID)
}

func (r pgReader) listOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// внутри транзакции соединение одно: позиции читаем после закрытия курсора
	rows.Close()

	for i := range orders {
		if err := r.loadItems(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r pgReader) loadItems(ctx context.Context, order *model.Order) error {
	rows, err := r.q.QueryContext(ctx,
		"SELECT product_id, quantity, unit_price, line_total"+
			" FROM order_items WHERE order_id = $1 ORDER BY id", order.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	order.Items = order.Items[:0]
	for rows.Next() {
		var item model.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return err
		}
		order.Items = append(order.Items, item)
	}
	return rows.Err()
}

func (r pgReader) GetProduct(ctx context.Context, id string) (model.Product, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT id, name, min_order_qty, max_order_qty, created_at FROM products WHERE id = $1", id)
	var p model.Product
	var max sql.NullInt32
	if err := row.Scan(&p.ID, &p.Name, &p.MinOrderQty, &max, &p.CreatedAt); err != nil {
		return model.Product{}, noRows(err)
	}
	if max.Valid {
		v := int(max.Int32)
		p.MaxOrderQty = &v
	}
	return p, nil
}

func (r pgReader) GetAddress(ctx context.Context, id string) (model.Address, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT id, participant_id, line1, city, postal_code, country, created_at"+
			" FROM addresses WHERE id = $1", id)
	var a model.Address
	if err := row.Scan(&a.ID, &a.ParticipantID, &a.Line1, &a.City, &a.PostalCode, &a.Country, &a.CreatedAt); err != nil {
		return model.Address{}, noRows(err)
	}
	return a, nil
}

func (r pgReader) GetPaymentByOrder(ctx context.Context, orderID string) (model.Payment, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1"+
			" ORDER BY created_at DESC, id DESC LIMIT 1", orderID)
	return scanPayment(row)
}

func (t *pgTx) GetPaymentByStatus(ctx context.Context, orderID string, status model.PaymentStatus) (model.Payment, error) {
	row := t.q.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 AND status = $2"+
			" ORDER BY created_at DESC, id DESC LIMIT 1 FOR UPDATE", orderID, status)
	return scanPayment(row)
}

// Запись в транзакции

func (t *pgTx) LockCampaign(ctx context.Context, id string) (model.Campaign, error) {
	row := t.q.QueryRowContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE id = $1 FOR UPDATE", id)
	return scanCampaign(row)
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (model.Order, error) {
	return t.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
}

func (t *pgTx) LockLiveOrders(ctx context.Context, campaignID string) ([]model.Order, error) {
	return t.listOrders(ctx,
		"SELECT "+orderColumns+" FROM orders"+
			" WHERE campaign_id = $1 AND status <> $2"+
			" ORDER BY placed_at FOR UPDATE",
		campaignID, model.OrderStatusCancelled)
}

func (t *pgTx) HasLiveOrder(ctx context.Context, campaignID string, participantID string) (bool, error) {
	var exists bool
	err := t.q.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM orders"+
			" WHERE campaign_id = $1 AND participant_id = $2 AND status <> $3)",
		campaignID, participantID, model.OrderStatusCancelled).Scan(&exists)
	return exists, err
}

func (t *pgTx) AdjustCampaign(ctx context.Context, id string, amount decimal.Decimal, quantity int, at time.Time) (model.Campaign, error) {
	row := t.q.QueryRowContext(ctx,
		"UPDATE campaigns"+
			" SET current_amount = current_amount + $1,"+
			"     current_quantity = current_quantity + $2,"+
			"     updated_at = $3"+
			" WHERE id = $4"+
			" RETURNING "+campaignColumns,
		amount, quantity, at, id)
	return scanCampaign(row)
}

func (t *pgTx) SetCampaignStatus(ctx context.Context, id string, change model.StatusChange) error {
	res, err := t.q.ExecContext(ctx,
		"UPDATE campaigns"+
			" SET status = $1,"+
			"     cancel_reason = CASE WHEN $2 = '' THEN cancel_reason ELSE $2 END,"+
			"     actual_delivery = COALESCE($3, actual_delivery),"+
			"     updated_at = $4"+
			" WHERE id = $5 AND status = $6",
		change.To, change.Reason, nullTime(change.ActualDelivery), change.At, id, change.From)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) CountPaidOrders(ctx context.Context, campaignID string) (int, int, error) {
	var paid, paidDelivered int
	err := t.q.QueryRowContext(ctx,
		"SELECT"+
			" COUNT(*) FILTER (WHERE o.payment_status = $2),"+
			" COUNT(*) FILTER (WHERE o.payment_status = $2 AND o.status = $3)"+
			" FROM orders AS o WHERE o.campaign_id = $1",
		campaignID, model.PaymentStatusCompleted, model.OrderStatusDelivered).Scan(&paid, &paidDelivered)
	return paid, paidDelivered, err
}

func (t *pgTx) InsertCampaign(ctx context.Context, c *model.Campaign) error {
	row := t.q.QueryRowContext(ctx,
		"INSERT INTO campaigns (id, product_id, price_per_unit, min_threshold, target_quantity,"+
			" current_amount, current_quantity, expires_at, estimated_delivery, status, created_at, updated_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)"+
			" RETURNING batch_number",
		c.ID, c.ProductID, c.PricePerUnit, c.MinThreshold, c.TargetQuantity,
		c.CurrentAmount, c.CurrentQuantity, c.ExpiresAt, nullTime(c.EstimatedDelivery),
		c.Status, c.CreatedAt, c.UpdatedAt)
	if err := row.Scan(&c.BatchNumber); err != nil {
		return pgError(err)
	}
	return nil
}

func (t *pgTx) DeleteCampaign(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, "DELETE FROM campaigns WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoRows
	}
	return nil
}

func (t *pgTx) NextOrderSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := t.q.QueryRowContext(ctx, "SELECT nextval('order_number_seq')").Scan(&seq)
	return seq, err
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.q.ExecContext(ctx,
		"INSERT INTO orders ("+orderColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)",
		o.ID, o.Number, o.CampaignID, o.ParticipantID, o.AddressID, o.TotalAmount, o.Status,
		o.PaymentStatus, o.CancelReason, o.PlacedAt,
		nullTime(o.ConfirmedAt), nullTime(o.CancelledAt), nullTime(o.DeliveredAt))
	if err != nil {
		return pgError(err)
	}

	for _, item := range o.Items {
		_, err := t.q.ExecContext(ctx,
			"INSERT INTO order_items (order_id, product_id, quantity, unit_price, line_total)"+
				" VALUES ($1, $2, $3, $4, $5)",
			o.ID, item.ProductID, item.Quantity, item.UnitPrice, item.LineTotal)
		if err != nil {
			return pgError(err)
		}
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o model.Order) error {
	res, err := t.q.ExecContext(ctx,
		"UPDATE orders"+
			" SET status = $1, payment_status = $2, cancel_reason = $3,"+
			"     confirmed_at = $4, cancelled_at = $5, delivered_at = $6"+
			" WHERE id = $7",
		o.Status, o.PaymentStatus, o.CancelReason,
		nullTime(o.ConfirmedAt), nullTime(o.CancelledAt), nullTime(o.DeliveredAt), o.ID)
	if err != nil {
		return pgError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoRows
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	_, err := t.q.ExecContext(ctx,
		"INSERT INTO payments ("+paymentColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		p.ID, p.OrderID, p.Method, p.Amount, p.Status, p.GatewayRef, p.RefundedAmount,
		p.CreatedAt, nullTime(p.RefundedAt))
	return pgError(err)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p model.Payment) error {
	res, err := t.q.ExecContext(ctx,
		"UPDATE payments"+
			" SET status = $1, gateway_ref = $2, refunded_amount = $3, refunded_at = $4"+
			" WHERE id = $5",
		p.Status, p.GatewayRef, p.RefundedAmount, nullTime(p.RefundedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoRows
	}
	return nil
}

func (t *pgTx) EnqueueRefund(ctx context.Context, r *model.RefundRequest) error {
	row := t.q.QueryRowContext(ctx,
		"INSERT INTO refund_outbox (payment_id, order_id, amount, state, attempts, last_error, created_at, next_attempt_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"+
			" RETURNING id",
		r.PaymentID, r.OrderID, r.Amount, r.State, r.Attempts, r.LastError, r.CreatedAt, r.NextAttemptAt)
	return row.Scan(&r.ID)
}

func (t *pgTx) InsertProduct(ctx context.Context, p *model.Product) error {
	var max sql.NullInt32
	if p.MaxOrderQty != nil {
		max = sql.NullInt32{Int32: int32(*p.MaxOrderQty), Valid: true}
	}
	_, err := t.q.ExecContext(ctx,
		"INSERT INTO products (id, name, min_order_qty, max_order_qty, created_at)"+
			" VALUES ($1, $2, $3, $4, $5)",
		p.ID, p.Name, p.MinOrderQty, max, p.CreatedAt)
	return pgError(err)
}

func (t *pgTx) InsertAddress(ctx context.Context, a *model.Address) error {
	_, err := t.q.ExecContext(ctx,
		"INSERT INTO addresses (id, participant_id, line1, city, postal_code, country, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7)",
		a.ID, a.ParticipantID, a.Line1, a.City, a.PostalCode, a.Country, a.CreatedAt)
	return pgError(err)
}

// Фоновые задачи

func (store *pgStore) ExpireCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error) {
	rows, err := store.database.QueryContext(ctx,
		"UPDATE campaigns SET status = $1, updated_at = $2"+
			" WHERE id IN ("+
			"   SELECT id FROM campaigns"+
			"   WHERE status = $3 AND expires_at < $2"+
			"   ORDER BY expires_at LIMIT $4"+
			"   FOR UPDATE SKIP LOCKED)"+
			" RETURNING "+campaignColumns,
		model.CampaignStatusExpired, now, model.CampaignStatusCollecting, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, c)
	}
	return expired, rows.Err()
}

func (store *pgStore) DueRefunds(ctx context.Context, now time.Time, limit int) ([]model.RefundRequest, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+refundColumns+" FROM refund_outbox"+
			" WHERE state = $1 AND next_attempt_at <= $2"+
			" ORDER BY next_attempt_at LIMIT $3",
		model.RefundStatePending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRefunds(rows)
}

func (store *pgStore) ClaimRefunds(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.RefundRequest, error) {
	rows, err := store.database.QueryContext(ctx,
		"WITH due AS ("+
			"   SELECT id FROM refund_outbox"+
			"   WHERE state = $1 AND next_attempt_at <= $2"+
			"   ORDER BY next_attempt_at LIMIT $3"+
			"   FOR UPDATE SKIP LOCKED)"+
			" UPDATE refund_outbox r SET next_attempt_at = $4"+
			" FROM due WHERE r.id = due.id"+
			" RETURNING r.id, r.payment_id, r.order_id, r.amount, r.state, r.attempts,"+
			" r.last_error, r.created_at, r.next_attempt_at",
		model.RefundStatePending, now, limit, now.Add(lease))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds, err := scanRefunds(rows)
	if err != nil {
		return nil, err
	}
	// порядок RETURNING не определён
	sort.Slice(refunds, func(i, j int) bool { return refunds[i].ID < refunds[j].ID })
	return refunds, nil
}

func scanRefunds(rows *sql.Rows) ([]model.RefundRequest, error) {
	var refunds []model.RefundRequest
	for rows.Next() {
		var r model.RefundRequest
		err := rows.Scan(&r.ID, &r.PaymentID, &r.OrderID, &r.Amount, &r.State,
			&r.Attempts, &r.LastError, &r.CreatedAt, &r.NextAttemptAt)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

func (store *pgStore) CompleteRefund(ctx context.Context, id int64) error {
	res, err := store.database.ExecContext(ctx,
		"UPDATE refund_outbox SET state = $1, attempts = attempts + 1, last_error = ''"+
			" WHERE id = $2 AND state = $3",
		model.RefundStateSent, id, model.RefundStatePending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (store *pgStore) RetryRefund(ctx context.Context, id int64, lastErr string, next time.Time, giveUp bool) error {
	state := model.RefundStatePending
	if giveUp {
		state = model.RefundStateFailed
	}
	res, err := store.database.ExecContext(ctx,
		"UPDATE refund_outbox SET state = $1, attempts = attempts + 1, last_error = $2, next_attempt_at = $3"+
			" WHERE id = $4 AND state = $5",
		state, lastErr, next, id, model.RefundStatePending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// Сканирование строк

func scanCampaign(row scanner) (model.Campaign, error) {
	var c model.Campaign
	var est, act sql.NullTime
	var status string
	err := row.Scan(&c.ID, &c.BatchNumber, &c.ProductID, &c.PricePerUnit, &c.MinThreshold,
		&c.TargetQuantity, &c.CurrentAmount, &c.CurrentQuantity, &c.ExpiresAt, &est, &act,
		&status, &c.CancelReason, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return model.Campaign{}, noRows(err)
	}
	c.Status = model.CampaignStatus(status)
	c.EstimatedDelivery = timePtr(est)
	c.ActualDelivery = timePtr(act)
	return c, nil
}

func scanOrder(row scanner) (model.Order, error) {
	var o model.Order
	var status, paymentStatus string
	var confirmed, cancelled, delivered sql.NullTime
	err := row.Scan(&o.ID, &o.Number, &o.CampaignID, &o.ParticipantID, &o.AddressID, &o.TotalAmount,
		&status, &paymentStatus, &o.CancelReason, &o.PlacedAt, &confirmed, &cancelled, &delivered)
	if err != nil {
		return model.Order{}, noRows(err)
	}
	o.Status = model.OrderStatus(status)
	o.PaymentStatus = model.PaymentStatus(paymentStatus)
	o.ConfirmedAt = timePtr(confirmed)
	o.CancelledAt = timePtr(cancelled)
	o.DeliveredAt = timePtr(delivered)
	return o, nil
}

func scanPayment(row scanner) (model.Payment, error) {
	var p model.Payment
	var method, status string
	var refunded sql.NullTime
	err := row.Scan(&p.ID, &p.OrderID, &method, &p.Amount, &status, &p.GatewayRef,
		&p.RefundedAmount, &p.CreatedAt, &refunded)
	if err != nil {
		return model.Payment{}, noRows(err)
	}
	p.Method = model.PaymentMethod(method)
	p.Status = model.PaymentStatus(status)
	p.RefundedAt = timePtr(refunded)
	return p, nil
}

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

// pgError maps constraint violations to store errors.
func pgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == liveOrderIndex {
				return ErrLiveOrderExists
			}
			return ErrAlreadyExists
		case pgForeignKeyViolation:
			return ErrInvalidReference
		}
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
