package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/retention"
)

// SweepRunner runs one retention pass on demand.
type SweepRunner interface {
	Sweep(ctx context.Context) (retention.Summary, error)
}

// SweepHandler exposes the retention sweep to an external scheduler.
type SweepHandler struct {
	sweeper SweepRunner
	log     zerolog.Logger
}

func NewSweepHandler(sweeper SweepRunner, log zerolog.Logger) *SweepHandler {
	return &SweepHandler{
		sweeper: sweeper,
		log:     log.With().Str("handler", "sweep").Logger(),
	}
}

// Run handles POST /api/v1/internal/retention-sweep.
func (h *SweepHandler) Run(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("retention sweep failed")
		WriteError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}
