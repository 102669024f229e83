package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-visitflow/internal/api/apperror"
	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/inventory"
)

// InventoryHandler serves the in-process medicine catalog
type InventoryHandler struct {
	catalog *inventory.MemoryCatalog
	now     func() time.Time
}

// NewInventoryHandler creates a new handler
func NewInventoryHandler(catalog *inventory.MemoryCatalog) *InventoryHandler {
	return &InventoryHandler{catalog: catalog, now: time.Now}
}

// Routes mounts the inventory endpoints
func (h *InventoryHandler) Routes(r chi.Router) {
	r.Get("/inventory", h.List)
	r.Get("/inventory/{ref}", h.Get)
	r.Put("/inventory/{ref}", h.Put)
}

// ItemView is an item with its derived stock status
type ItemView struct {
	inventory.Item
	Status inventory.StockStatus `json:"status"`
}

// List handles GET /inventory?status=
func (h *InventoryHandler) List(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	want := inventory.StockStatus(r.URL.Query().Get("status"))

	items := make([]ItemView, 0)
	for _, it := range h.catalog.List() {
		s := it.Status(now)
		if want != "" && s != want {
			continue
		}
		items = append(items, ItemView{Item: it, Status: s})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

// Get handles GET /inventory/{ref}
func (h *InventoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	it, err := h.catalog.Lookup(ref)
	if err != nil {
		writeJSON(w, http.StatusNotFound, apperror.NotFound("medicine", ref))
		return
	}
	writeJSON(w, http.StatusOK, ItemView{Item: it, Status: it.Status(h.now())})
}

// Put handles PUT /inventory/{ref}, adding or restocking an item
func (h *InventoryHandler) Put(w http.ResponseWriter, r *http.Request) {
	var it inventory.Item
	if !decode(w, r, &it) {
		return
	}
	it.Code = chi.URLParam(r, "ref")

	check := map[string]string{}
	if it.Name == "" {
		check["name"] = "is required"
	}
	if it.CurrentStock < 0 {
		check["current_stock"] = "must not be negative"
	}
	if it.UnitPrice < 0 {
		check["unit_price"] = "must not be negative"
	}
	if len(check) > 0 {
		ae := apperror.From(&visit.ValidationError{Fields: check})
		writeJSON(w, ae.HTTPStatus, ae)
		return
	}

	h.catalog.Upsert(it)
	writeJSON(w, http.StatusOK, ItemView{Item: it, Status: it.Status(h.now())})
}
