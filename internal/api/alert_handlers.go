package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/alerts"
	"github.com/technosupport/vms-alerts/internal/engine"
)

// AlertEngine is satisfied by *engine.Engine.
type AlertEngine interface {
	Submit(ev alerts.DetectionEvent) (string, error)
	Cancel(alertID string) error
	Status(alertID string) (engine.AlertStatus, bool)
	DeliveryHistory(ctx context.Context, alertID string) ([]alerts.DeliveryAttempt, error)
}

type AlertHandler struct {
	Engine AlertEngine
	Log    *zap.Logger
}

type submitResponse struct {
	AlertID string `json:"alert_id"`
}

// POST /api/v1/events
func (h *AlertHandler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev alerts.DetectionEvent
	if err := decodeJSON(r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	h.submit(w, ev)
}

// POST /api/v1/watchlist-matches
func (h *AlertHandler) SubmitWatchlistMatch(w http.ResponseWriter, r *http.Request) {
	var m alerts.WatchlistMatch
	if err := decodeJSON(r, &m); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	h.submit(w, m.ToEvent())
}

func (h *AlertHandler) submit(w http.ResponseWriter, ev alerts.DetectionEvent) {
	id, err := h.Engine.Submit(ev)
	switch {
	case errors.Is(err, alerts.ErrInvalidEvent):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "Shutting down")
		return
	case err != nil:
		h.Log.Error("submit event failed", zap.String("event_id", ev.EventID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondJSON(w, http.StatusAccepted, submitResponse{AlertID: id})
}

// GET /api/v1/alerts/{id}
func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, ok := h.Engine.Status(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "Alert not found")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// GET /api/v1/alerts/{id}/deliveries
func (h *AlertHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attempts, err := h.Engine.DeliveryHistory(r.Context(), id)
	if errors.Is(err, engine.ErrUnknownAlert) {
		respondError(w, http.StatusNotFound, "Alert not found")
		return
	}
	if err != nil {
		h.Log.Error("delivery history failed", zap.String("alert_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if attempts == nil {
		attempts = []alerts.DeliveryAttempt{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"alert_id": id, "attempts": attempts})
}

// POST /api/v1/alerts/{id}/cancel
func (h *AlertHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Engine.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrUnknownAlert) {
			respondError(w, http.StatusNotFound, "Alert not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	st, _ := h.Engine.Status(id)
	respondJSON(w, http.StatusOK, st)
}
