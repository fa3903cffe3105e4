// Package payment talks to the external payment gateway.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/payment/config"
)

// JSON запрос возврата
type RefundRequest struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	Amount    string `json:"amount"`
}

var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrRefundRejected     = errors.New("refund rejected by gateway")
)

type Client interface {
	Refund(ctx context.Context, refund model.RefundRequest) error
}

type client struct {
	http   *resty.Client
	cb     *gobreaker.CircuitBreaker
	zaplog *zap.Logger
}

func NewClient(cfg config.Config, zaplog *zap.Logger) Client {
	httpClient := resty.New().
		SetBaseURL(cfg.GatewayAddr).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	st := gobreaker.Settings{
		Name:        "PaymentGateway",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		// отказ шлюза по существу запроса не размыкает цепь
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRefundRejected)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			zaplog.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &client{
		http:   httpClient,
		cb:     gobreaker.NewCircuitBreaker(st),
		zaplog: zaplog,
	}
}

func (c *client) Refund(ctx context.Context, refund model.RefundRequest) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.refund(ctx, refund)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return err
}

func (c *client) refund(ctx context.Context, refund model.RefundRequest) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", fmt.Sprintf("refund-%d", refund.ID)).
		SetBody(RefundRequest{
			PaymentID: refund.PaymentID,
			OrderID:   refund.OrderID,
			Amount:    refund.Amount.StringFixed(2),
		}).
		Post("/api/refunds")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	switch {
	case resp.IsSuccess():
		return nil
	// возврат уже проведён ранее
	case resp.StatusCode() == http.StatusConflict:
		return nil
	case resp.StatusCode() >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode())
	default:
		return fmt.Errorf("%w: status %d", ErrRefundRejected, resp.StatusCode())
	}
}
