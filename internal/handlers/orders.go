package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/rotulo-studio/api/internal/domain"
	"github.com/rotulo-studio/api/internal/platform/httpx"
	"github.com/rotulo-studio/api/internal/services"
)

const maxOrderRequestBody = 64 * 1024

type createOrderItemRequest struct {
	ProductRef     string `json:"product_ref"`
	StockItemID    string `json:"stock_item_id"`
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type createOrderRequest struct {
	CustomerRef string                   `json:"customer_ref"`
	Currency    string                   `json:"currency"`
	Items       []createOrderItemRequest `json:"items"`
}

type confirmOrderRequest struct {
	Actor string `json:"actor"`
}

type orderItemResponse struct {
	ID             string `json:"id"`
	ProductRef     string `json:"product_ref,omitempty"`
	StockItemID    string `json:"stock_item_id"`
	Description    string `json:"description,omitempty"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TotalCents     int64  `json:"total_cents"`
}

type orderResponse struct {
	ID            string              `json:"id"`
	OrderNumber   string              `json:"order_number"`
	CustomerRef   string              `json:"customer_ref,omitempty"`
	Status        string              `json:"status"`
	Currency      string              `json:"currency"`
	TotalCents    int64               `json:"total_cents"`
	PaymentID     string              `json:"payment_id,omitempty"`
	Items         []orderItemResponse `json:"items"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	CancelledAt   *time.Time          `json:"cancelled_at,omitempty"`
	RefundedAt    *time.Time          `json:"refunded_at,omitempty"`
}

// OrderHandlers exposes the order lifecycle endpoints.
type OrderHandlers struct {
	orders services.OrderService
	usages services.MaterialUsageService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, usages services.MaterialUsageService) *OrderHandlers {
	return &OrderHandlers{orders: orders, usages: usages}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/confirm", h.confirmOrder)
	r.Post("/{orderID}/materials", h.registerMaterials)
	r.Get("/{orderID}/materials", h.listMaterials)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	cmd := services.CreateOrderCommand{
		CustomerRef: req.CustomerRef,
		Currency:    req.Currency,
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.CreateOrderItemInput{
			ProductRef:     item.ProductRef,
			StockItemID:    item.StockItemID,
			Description:    item.Description,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandlers) confirmOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req confirmOrderRequest
	if r.ContentLength != 0 {
		if !decodeJSONBody(w, r, &req) {
			return
		}
	}

	order, err := h.orders.ConfirmOrder(ctx, chi.URLParam(r, "orderID"), req.Actor)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toOrderResponse(order))
}

func toOrderResponse(order domain.Order) orderResponse {
	resp := orderResponse{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		CustomerRef: order.CustomerRef,
		Status:      string(order.Status),
		Currency:    order.Currency,
		TotalCents:  order.TotalCents,
		PaymentID:   order.PaymentID,
		Items:       make([]orderItemResponse, 0, len(order.Items)),
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
		CompletedAt: order.CompletedAt,
		CancelledAt: order.CancelledAt,
		RefundedAt:  order.RefundedAt,
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ID:             item.ID,
			ProductRef:     item.ProductRef,
			StockItemID:    item.StockItemID,
			Description:    item.Description,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			TotalCents:     item.TotalCents,
		})
	}
	return resp
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrUsageInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrUsageNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("usage_not_found", "material usage not found", http.StatusNotFound))
	case errors.Is(err, services.ErrStockItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stock_item_not_found", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrStockItemInactive):
		httpx.WriteError(ctx, w, httpx.NewError("stock_item_inactive", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderIllegalTransition):
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotCompleted):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_completed", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrUsageDuplicate):
		httpx.WriteError(ctx, w, httpx.NewError("usage_duplicate", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}

// decodeJSONBody decodes the request body into dst, writing the error
// envelope itself when the payload is malformed.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	reader := http.MaxBytesReader(w, r.Body, maxOrderRequestBody)
	defer func() {
		_, _ = io.Copy(io.Discard, reader)
	}()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		message := "request body must be valid JSON"
		if strings.Contains(err.Error(), "unknown field") {
			message = err.Error()
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
		return false
	}
	return true
}
