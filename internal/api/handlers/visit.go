// Package handlers provides HTTP handlers for the visit API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-visitflow/internal/api/apperror"
	"github.com/drfirst/go-visitflow/internal/api/middleware"
	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/store"
	"github.com/drfirst/go-visitflow/internal/workflow"
)

// VisitHandler exposes the workflow engine over HTTP
type VisitHandler struct {
	engine *workflow.Engine
	logger *zap.Logger
}

// NewVisitHandler creates a new handler
func NewVisitHandler(engine *workflow.Engine, logger *zap.Logger) *VisitHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VisitHandler{engine: engine, logger: logger}
}

// Routes mounts the visit, line and queue endpoints
func (h *VisitHandler) Routes(r chi.Router) {
	r.Route("/visits", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Get("/events", h.Events)
			r.Post("/cancel", h.Cancel)

			r.Post("/consultation/start", h.StartConsultation)
			r.Patch("/consultation", h.UpdateDraft)
			r.Post("/consultation/end", h.EndConsultation)
			r.Post("/consultation/abort", h.AbortConsultation)

			r.Get("/lines", h.ListLines)
			r.Post("/lines/confirm", h.ConfirmAll)

			r.Post("/bill", h.Bill)
			r.Post("/claim/settle", h.SettleClaim)
		})
	})

	r.Patch("/lines/{lineID}", h.EditLine)
	r.Delete("/lines/{lineID}", h.RemoveLine)

	r.Get("/queue", h.QueueStats)
}

// Create handles POST /visits
func (h *VisitHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req visit.Registration
	if !decode(w, r, &req) {
		return
	}
	v, err := h.engine.CreateVisit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// List handles GET /visits?day=&practitioner_id=&patient_id=&status=&limit=
func (h *VisitHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Day:            q.Get("day"),
		PractitionerID: q.Get("practitioner_id"),
		PatientID:      q.Get("patient_id"),
	}
	if f.Day == "" && q.Get("all_days") != "true" {
		f.Day = h.engine.Today()
	}
	for _, s := range strings.Split(q.Get("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			f.Statuses = append(f.Statuses, visit.Status(s))
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			h.fail(w, r, apperror.BadRequest("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}

	visits, err := h.engine.ListVisits(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"visits": visits, "count": len(visits)})
}

// Get handles GET /visits/{id}
func (h *VisitHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.GetVisit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Events handles GET /visits/{id}/events
func (h *VisitHandler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Cancel handles POST /visits/{id}/cancel
func (h *VisitHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.CancelVisit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// StartRequest claims a visit; the operator is used when practitioner_id is empty
type StartRequest struct {
	PractitionerID string `json:"practitioner_id"`
}

// StartConsultation handles POST /visits/{id}/consultation/start
func (h *VisitHandler) StartConsultation(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.PractitionerID == "" {
		req.PractitionerID = middleware.GetOperator(r.Context())
	}
	v, err := h.engine.StartConsultation(r.Context(), chi.URLParam(r, "id"), req.PractitionerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// UpdateDraft handles PATCH /visits/{id}/consultation
func (h *VisitHandler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	var req visit.Draft
	if !decode(w, r, &req) {
		return
	}
	v, err := h.engine.UpdateConsultationDraft(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// EndResponse is the completed visit together with its new prescription lines
type EndResponse struct {
	Visit *visit.Visit  `json:"visit"`
	Lines []*visit.Line `json:"lines"`
}

// EndConsultation handles POST /visits/{id}/consultation/end
func (h *VisitHandler) EndConsultation(w http.ResponseWriter, r *http.Request) {
	var req visit.Conclusion
	if !decode(w, r, &req) {
		return
	}
	v, lines, err := h.engine.EndConsultation(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EndResponse{Visit: v, Lines: lines})
}

// AbortConsultation handles POST /visits/{id}/consultation/abort
func (h *VisitHandler) AbortConsultation(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.AbortConsultation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListLines handles GET /visits/{id}/lines
func (h *VisitHandler) ListLines(w http.ResponseWriter, r *http.Request) {
	lines, err := h.engine.ListPending(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lines":             lines,
		"ready_for_billing": len(lines) > 0 && visit.AllConfirmed(lines),
	})
}

// ConfirmRequest names the confirming user; the operator is used when empty
type ConfirmRequest struct {
	ConfirmingUserID string `json:"confirming_user_id"`
}

// ConfirmAll handles POST /visits/{id}/lines/confirm
func (h *VisitHandler) ConfirmAll(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ConfirmingUserID) == "" {
		req.ConfirmingUserID = middleware.GetOperator(r.Context())
	}
	res, err := h.engine.ConfirmAll(r.Context(), chi.URLParam(r, "id"), req.ConfirmingUserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// EditLine handles PATCH /lines/{lineID}
func (h *VisitHandler) EditLine(w http.ResponseWriter, r *http.Request) {
	var req visit.LineEdit
	if !decode(w, r, &req) {
		return
	}
	l, err := h.engine.EditLine(r.Context(), chi.URLParam(r, "lineID"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// RemoveLine handles DELETE /lines/{lineID}
func (h *VisitHandler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RemoveLine(r.Context(), chi.URLParam(r, "lineID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BillResponse reports the finalized bill
type BillResponse struct {
	VisitID       string              `json:"visit_id"`
	AmountCents   visit.Amount        `json:"amount_cents"`
	Amount        string              `json:"amount"`
	PaymentType   visit.PaymentType   `json:"payment_type"`
	PanelName     string              `json:"panel_name,omitempty"`
	BillingStatus visit.BillingStatus `json:"billing_status"`
}

// Bill handles POST /visits/{id}/bill
func (h *VisitHandler) Bill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	amount, err := h.engine.ComputeAndFinalize(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := h.engine.GetVisit(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BillResponse{
		VisitID:       v.ID,
		AmountCents:   amount,
		Amount:        amount.String(),
		PaymentType:   v.PaymentType,
		PanelName:     v.PanelName,
		BillingStatus: v.BillingStatus,
	})
}

// SettleClaim handles POST /visits/{id}/claim/settle
func (h *VisitHandler) SettleClaim(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.SettleClaim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// QueueStats handles GET /queue?day=&practitioner_id=
func (h *VisitHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stats, err := h.engine.QueueStats(r.Context(), q.Get("day"), q.Get("practitioner_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *VisitHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperror.From(err)
	fields := []zap.Field{
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.String("code", ae.Code),
		zap.Error(err),
	}
	if ae.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}
	writeJSON(w, ae.HTTPStatus, ae)
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, apperror.BadRequest("invalid request body"))
		return false
	}
	return true
}

// decodeOptional accepts an empty body
func decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, apperror.BadRequest("invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
