package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ovenbird/go-restaurant-pantry/internal/stock"
)

// PantryHandler is the pantry's admin surface: stock inspection and seeding,
// purchase history, metrics.
type PantryHandler struct {
	Ledger *stock.Ledger
}

type upsertStockReq struct {
	Quantity int `json:"quantity"`
}

func (h *PantryHandler) Register(r *chi.Mux) {
	r.Get("/stock", h.listStock)
	r.Put("/stock/{name}", h.upsertStock)
	r.Get("/purchases", h.listPurchases)
	r.Handle("/metrics", promhttp.Handler())
}

func (h *PantryHandler) listStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	items, err := h.Ledger.List(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *PantryHandler) upsertStock(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req upsertStockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if name == "" || req.Quantity < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid stock"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Ledger.Upsert(ctx, name, req.Quantity); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "quantity": req.Quantity})
}

func (h *PantryHandler) listPurchases(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since"})
			return
		}
		since = t
	}

	out, err := h.Ledger.ListPurchases(ctx, since)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}
