package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/groupbuy/internal/auth"
	"github.com/iurnickita/groupbuy/internal/handler/config"
	"github.com/iurnickita/groupbuy/internal/logger"
	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/service"
)

// Limiter throttles the join route. A nil Limiter disables throttling.
type Limiter interface {
	Middleware(h http.HandlerFunc) http.HandlerFunc
}

// Serve runs the HTTP server until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, limiter Limiter, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, limiter, service, zaplog)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h.newRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zaplog.Info("http server started", zap.String("addr", cfg.ServerAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	zaplog.Info("http server stopped")
	return nil
}

type handler struct {
	auth    auth.Auth
	limiter Limiter
	service service.Service
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, limiter Limiter, service service.Service, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		limiter: limiter,
		service: service,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	route := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, logger.RequestLogMdlw(fn, h.zaplog))
	}

	// Администрирование закупок
	route("POST /api/products", h.auth.AdminOnly(h.PostProduct))
	route("POST /api/campaigns", h.auth.AdminOnly(h.PostCampaign))
	route("POST /api/campaigns/{id}/transition", h.auth.AdminOnly(h.PostTransition))
	route("DELETE /api/campaigns/{id}", h.auth.AdminOnly(h.DeleteCampaign))
	route("GET /api/campaigns/{id}/reconcile", h.auth.AdminOnly(h.GetReconcile))
	route("POST /api/orders/{id}/status", h.auth.AdminOnly(h.PostOrderStatus))

	// Закупки
	route("GET /api/campaigns", h.GetCampaigns)
	route("GET /api/campaigns/{id}", h.GetCampaign)
	route("POST /api/campaigns/{id}/join", h.auth.Middleware(h.throttle(h.PostJoin)))

	// Участник
	route("POST /api/user/addresses", h.auth.Middleware(h.PostAddress))
	route("GET /api/user/orders", h.auth.Middleware(h.GetUserOrders))
	route("GET /api/orders/{id}", h.auth.Middleware(h.GetOrder))
	route("POST /api/orders/{id}/cancel", h.auth.Middleware(h.PostCancel))
	route("POST /api/orders/{id}/payment", h.auth.Middleware(h.PostPayment))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func (h *handler) throttle(fn http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return fn
	}
	return h.limiter.Middleware(fn)
}

// Закупки

func (h *handler) GetCampaigns(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.ListCampaigns(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetCampaign(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type PostJoinJSONRequest struct {
	AddressID string `json:"address_id"`
	Quantity  int    `json:"quantity"`
}

type PostJoinJSONResponse struct {
	OrderID     string            `json:"order_id"`
	OrderNumber string            `json:"order_number"`
	TotalAmount string            `json:"total_amount"`
	Status      model.OrderStatus `json:"status"`
	Warnings    []string          `json:"warnings,omitempty"`
}

func (h *handler) PostJoin(w http.ResponseWriter, r *http.Request) {
	var req PostJoinJSONRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.service.Join(r.Context(), actor(r), service.JoinRequest{
		CampaignID: r.PathValue("id"),
		AddressID:  req.AddressID,
		Quantity:   req.Quantity,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PostJoinJSONResponse{
		OrderID:     result.Order.ID,
		OrderNumber: result.Order.Number,
		TotalAmount: result.Order.TotalAmount.StringFixed(2),
		Status:      result.Order.Status,
		Warnings:    result.Warnings,
	})
}

type PostTransitionJSONRequest struct {
	TargetStatus model.CampaignStatus `json:"target_status"`
	Reason       string               `json:"reason"`
}

func (h *handler) PostTransition(w http.ResponseWriter, r *http.Request) {
	var req PostTransitionJSONRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.service.Transition(r.Context(), actor(r), service.TransitionRequest{
		CampaignID: r.PathValue("id"),
		To:         req.TargetStatus,
		Reason:     req.Reason,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteCampaign(r.Context(), actor(r), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) GetReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Reconcile(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) PostProduct(w http.ResponseWriter, r *http.Request) {
	var req service.ProductRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	product, err := h.service.CreateProduct(r.Context(), actor(r), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (h *handler) PostCampaign(w http.ResponseWriter, r *http.Request) {
	var req service.CampaignRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	view, err := h.service.CreateCampaign(r.Context(), actor(r), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// Участник

func (h *handler) PostAddress(w http.ResponseWriter, r *http.Request) {
	var req service.AddressRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	address, err := h.service.CreateAddress(r.Context(), actor(r), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, address)
}

func (h *handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListParticipantOrders(r.Context(), actor(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetOrder(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type PostCancelJSONRequest struct {
	Reason string `json:"reason"`
}

func (h *handler) PostCancel(w http.ResponseWriter, r *http.Request) {
	var req PostCancelJSONRequest
	if err := decodeJSON(r, &req, true); err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.service.Cancel(r.Context(), actor(r), service.CancelRequest{
		OrderID: r.PathValue("id"),
		Reason:  req.Reason,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type PostPaymentJSONRequest struct {
	Method     model.PaymentMethod `json:"method"`
	GatewayRef string              `json:"gateway_ref"`
	Succeeded  bool                `json:"succeeded"`
}

func (h *handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	var req PostPaymentJSONRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.service.ConfirmPayment(r.Context(), actor(r), service.PaymentRequest{
		OrderID:    r.PathValue("id"),
		Method:     req.Method,
		GatewayRef: req.GatewayRef,
		Succeeded:  req.Succeeded,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type PostOrderStatusJSONRequest struct {
	Status model.OrderStatus `json:"status"`
}

func (h *handler) PostOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req PostOrderStatusJSONRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	order, err := h.service.AdvanceOrder(r.Context(), actor(r), service.AdvanceOrderRequest{
		OrderID: r.PathValue("id"),
		To:      req.Status,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// Ответы

type ErrorJSONResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	code := service.Code(err)
	status := statusOf(code)

	message := err.Error()
	if status == http.StatusInternalServerError {
		// подробности только в журнале
		h.zaplog.Error("request failed", zap.Error(err))
		message = "internal error"
	}
	writeJSON(w, status, ErrorJSONResponse{Code: code, Message: message})
}

func statusOf(code string) int {
	switch code {
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeForbidden:
		return http.StatusForbidden
	case service.CodeInvalidInput:
		return http.StatusBadRequest
	case service.CodeInvalidAddress, service.CodeQuantityOutOfRange, service.CodeReasonRequired:
		return http.StatusUnprocessableEntity
	case service.CodeCampaignClosed, service.CodeCampaignExpired, service.CodeDuplicateParticipation,
		service.CodeAlreadyCancelled, service.CodeInvalidTransition, service.CodeHasPaidOrders:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}

// decodeJSON reads a JSON body; optional bodies may be empty.
func decodeJSON(r *http.Request, v any, optional bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return errors.Join(service.ErrInvalidInput, err)
	}
	if len(body) == 0 {
		if optional {
			return nil
		}
		return errors.Join(service.ErrInvalidInput, errors.New("empty body"))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Join(service.ErrInvalidInput, err)
	}
	return nil
}

func actor(r *http.Request) model.Actor {
	actor, _ := auth.ActorFrom(r.Context())
	return actor
}
