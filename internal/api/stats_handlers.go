package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/data"
	"github.com/technosupport/vms-alerts/internal/metrics"
)

// StatsSource is satisfied by *metrics.Collector.
type StatsSource interface {
	ChannelStats() []metrics.ChannelStats
}

// ArchiveIndex is satisfied by data.ArchiveIndexModel.
type ArchiveIndex interface {
	ListByCamera(ctx context.Context, cameraID string, limit int) ([]data.ArchivedAlert, error)
}

type StatsHandler struct {
	Stats   StatsSource
	Archive ArchiveIndex
	Log     *zap.Logger
}

// GET /api/v1/stats/channels
func (h *StatsHandler) Channels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Stats.ChannelStats())
}

// GET /api/v1/cameras/{camera_id}/archived-alerts?limit=N
func (h *StatsHandler) ArchivedAlerts(w http.ResponseWriter, r *http.Request) {
	if h.Archive == nil {
		respondError(w, http.StatusNotFound, "Archive not configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	cameraID := chi.URLParam(r, "camera_id")
	list, err := h.Archive.ListByCamera(r.Context(), cameraID, limit)
	if err != nil {
		h.Log.Error("list archived alerts failed", zap.String("camera_id", cameraID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if list == nil {
		list = []data.ArchivedAlert{}
	}
	respondJSON(w, http.StatusOK, list)
}

// HealthCheck reports one dependency; a nil error is healthy.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	Checks map[string]HealthCheck
}

// GET /healthz
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	code, overall := http.StatusOK, "ok"
	result := map[string]string{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			result[name] = err.Error()
			code, overall = http.StatusServiceUnavailable, "degraded"
			continue
		}
		result[name] = "ok"
	}
	respondJSON(w, code, map[string]any{"status": overall, "checks": result})
}
