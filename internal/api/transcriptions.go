package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/export"
	"github.com/snarg/scribe-engine/internal/jobs"
	"github.com/snarg/scribe-engine/internal/storage"
)

// TranscriptionsHandler serves the user-facing transcription routes.
type TranscriptionsHandler struct {
	jobs  *jobs.Service
	blobs storage.BlobStore
	log   zerolog.Logger
}

func NewTranscriptionsHandler(jobs *jobs.Service, blobs storage.BlobStore, log zerolog.Logger) *TranscriptionsHandler {
	return &TranscriptionsHandler{
		jobs:  jobs,
		blobs: blobs,
		log:   log.With().Str("handler", "transcriptions").Logger(),
	}
}

// Routes registers the transcription read/mutate endpoints. Intake is a
// separate handler.
func (h *TranscriptionsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/bulk-delete", h.BulkDelete)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/media", h.Media)
	r.Get("/{id}/export", h.Export)
	r.Patch("/{id}/visibility", h.SetVisibility)
}

// List handles GET /api/v1/transcriptions.
func (h *TranscriptionsHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid pagination", err.Error())
		return
	}

	items, total, err := h.jobs.List(r.Context(), UserID(r), p.Limit, p.Offset)
	if err != nil {
		h.log.Error().Err(err).Msg("listing transcriptions failed")
		WriteError(w, http.StatusInternalServerError, "failed to list transcriptions")
		return
	}
	if items == nil {
		items = []jobs.Transcription{}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"transcriptions": items,
		"total":          total,
		"limit":          p.Limit,
		"offset":         p.Offset,
	})
}

// Get handles GET /api/v1/transcriptions/{id}. Readable by the owner,
// or by anyone when the record is public.
func (h *TranscriptionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, ok := h.fetch(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// Media handles GET /api/v1/transcriptions/{id}/media. Redirects to a
// presigned URL on S3 backends, streams the file on local ones.
func (h *TranscriptionsHandler) Media(w http.ResponseWriter, r *http.Request) {
	t, ok := h.fetch(w, r)
	if !ok {
		return
	}
	if t.FileURL == "" {
		WriteError(w, http.StatusGone, "source media no longer retained")
		return
	}
	if !h.blobs.Exists(r.Context(), t.FileURL) {
		// Reference survived but the blob is gone out-of-band.
		h.log.Warn().Str("transcription_id", t.ID).Str("key", t.FileURL).Msg("media blob missing")
		WriteError(w, http.StatusGone, "source media no longer retained")
		return
	}

	url, err := h.blobs.URL(r.Context(), t.FileURL)
	if err != nil {
		h.log.Error().Err(err).Str("transcription_id", t.ID).Msg("presigning media failed")
		WriteError(w, http.StatusInternalServerError, "failed to resolve media")
		return
	}
	if url != "" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	f, err := h.blobs.Open(r.Context(), t.FileURL)
	if err != nil {
		h.log.Error().Err(err).Str("transcription_id", t.ID).Msg("opening media failed")
		WriteError(w, http.StatusInternalServerError, "failed to read media")
		return
	}
	defer f.Close()

	if t.MimeType != "" {
		w.Header().Set("Content-Type", t.MimeType)
	}
	io.Copy(w, f)
}

// Export handles GET /api/v1/transcriptions/{id}/export?format=srt.
// Only completed transcriptions have a transcript to export.
func (h *TranscriptionsHandler) Export(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "unsupported export format", err.Error())
		return
	}

	t, ok := h.fetch(w, r)
	if !ok {
		return
	}
	if t.Status != jobs.StatusCompleted {
		WriteError(w, http.StatusConflict, "transcription is not completed")
		return
	}

	var duration float64
	if t.Duration != nil {
		duration = *t.Duration
	}
	doc := export.Encode(format, export.Transcript{
		Text:     t.Text,
		Duration: duration,
		FileName: t.FileName,
		Language: t.Language,
	}, time.Now().UTC())

	w.Header().Set("Content-Type", doc.MIMEType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.FileName+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(doc.Body)
}

// SetVisibility handles PATCH /api/v1/transcriptions/{id}/visibility.
func (h *TranscriptionsHandler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IsPublic bool `json:"is_public"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.jobs.SetPublic(r.Context(), chi.URLParam(r, "id"), UserID(r), body.IsPublic)
	if err != nil {
		h.writeJobError(w, err, "updating visibility failed")
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// BulkDelete handles POST /api/v1/transcriptions/bulk-delete. Best
// effort per item; the summary reports what happened.
func (h *TranscriptionsHandler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.IDs) == 0 {
		WriteError(w, http.StatusBadRequest, "no ids given")
		return
	}

	res := h.jobs.BulkDelete(r.Context(), body.IDs, UserID(r))
	WriteJSON(w, http.StatusOK, res)
}

// fetch loads the record behind {id} with the visibility check applied,
// writing the error response itself on failure.
func (h *TranscriptionsHandler) fetch(w http.ResponseWriter, r *http.Request) (*jobs.Transcription, bool) {
	t, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"), UserID(r))
	if err != nil {
		h.writeJobError(w, err, "fetching transcription failed")
		return nil, false
	}
	return t, true
}

func (h *TranscriptionsHandler) writeJobError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		WriteError(w, http.StatusNotFound, "transcription not found")
	case errors.Is(err, jobs.ErrForbidden):
		WriteError(w, http.StatusForbidden, "not the owner of this transcription")
	default:
		h.log.Error().Err(err).Msg(logMsg)
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
