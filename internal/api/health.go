package api

import (
	"net/http"
	"time"

	"github.com/snarg/scribe-engine/internal/database"
	"github.com/snarg/scribe-engine/internal/events"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

// QueueStatser reports worker pool queue state.
type QueueStatser interface {
	Stats() transcribe.QueueStats
}

type HealthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Checks        map[string]string      `json:"checks"`
	Queue         *transcribe.QueueStats `json:"queue,omitempty"`
}

type HealthHandler struct {
	db        *database.DB
	events    *events.Publisher
	pool      QueueStatser
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, pub *events.Publisher, pool QueueStatser, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		events:    pub,
		pool:      pool,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// The event publisher is optional; a lost broker degrades but does
	// not fail health.
	if h.events == nil {
		checks["mqtt"] = "not_configured"
	} else if h.events.IsConnected() {
		checks["mqtt"] = "ok"
	} else {
		checks["mqtt"] = "disconnected"
		if status == "healthy" {
			status = "degraded"
		}
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		resp.Queue = &stats
	}

	WriteJSON(w, httpStatus, resp)
}
