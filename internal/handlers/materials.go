package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/rotulo-studio/api/internal/domain"
	"github.com/rotulo-studio/api/internal/platform/httpx"
	"github.com/rotulo-studio/api/internal/services"
)

// usageEntryRequest is one consumed material line. Quantity is expressed in
// milliunits of the stock item's unit (1500 = 1.5 m of vinyl), unlike order
// item quantities, which count whole units.
type usageEntryRequest struct {
	StockItemID string `json:"stock_item_id"`
	Quantity    int64  `json:"quantity"`
	Notes       string `json:"notes"`
}

type registerUsagesRequest struct {
	RegisteredBy string              `json:"registered_by"`
	Entries      []usageEntryRequest `json:"entries"`
}

type usageResponse struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"order_id"`
	StockItemID  string    `json:"stock_item_id"`
	Quantity     int64     `json:"quantity"`
	Notes        string    `json:"notes,omitempty"`
	RegisteredBy string    `json:"registered_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (h *OrderHandlers) registerMaterials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.usages == nil {
		httpx.WriteError(ctx, w, httpx.NewError("usage_service_unavailable", "material usage service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req registerUsagesRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	cmd := services.RegisterUsagesCommand{
		OrderID:      chi.URLParam(r, "orderID"),
		RegisteredBy: req.RegisteredBy,
	}
	for _, entry := range req.Entries {
		cmd.Entries = append(cmd.Entries, services.UsageEntryInput{
			StockItemID: entry.StockItemID,
			Quantity:    entry.Quantity,
			Notes:       entry.Notes,
		})
	}

	created, err := h.usages.RegisterUsages(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"usages": toUsageResponses(created)})
}

func (h *OrderHandlers) listMaterials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.usages == nil {
		httpx.WriteError(ctx, w, httpx.NewError("usage_service_unavailable", "material usage service unavailable", http.StatusServiceUnavailable))
		return
	}

	usages, err := h.usages.ListUsages(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"usages": toUsageResponses(usages)})
}

// MaterialHandlers exposes the usage endpoints that are not nested under an
// order.
type MaterialHandlers struct {
	usages services.MaterialUsageService
}

// NewMaterialHandlers constructs a new MaterialHandlers instance.
func NewMaterialHandlers(usages services.MaterialUsageService) *MaterialHandlers {
	return &MaterialHandlers{usages: usages}
}

// Routes registers the /materials endpoints.
func (h *MaterialHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Delete("/{usageID}", h.deleteUsage)
}

func (h *MaterialHandlers) deleteUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.usages == nil {
		httpx.WriteError(ctx, w, httpx.NewError("usage_service_unavailable", "material usage service unavailable", http.StatusServiceUnavailable))
		return
	}

	if err := h.usages.DeleteUsage(ctx, chi.URLParam(r, "usageID")); err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toUsageResponses(usages []domain.MaterialUsage) []usageResponse {
	out := make([]usageResponse, 0, len(usages))
	for _, usage := range usages {
		out = append(out, usageResponse{
			ID:           usage.ID,
			OrderID:      usage.OrderID,
			StockItemID:  usage.StockItemID,
			Quantity:     usage.Quantity,
			Notes:        usage.Notes,
			RegisteredBy: usage.RegisteredBy,
			CreatedAt:    usage.CreatedAt,
		})
	}
	return out
}
