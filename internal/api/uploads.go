package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/billing"
	"github.com/snarg/scribe-engine/internal/jobs"
	"github.com/snarg/scribe-engine/internal/ledger"
	"github.com/snarg/scribe-engine/internal/storage"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

// Enqueuer pushes accepted jobs to the worker pool.
type Enqueuer interface {
	Enqueue(transcribe.Job) bool
}

// Subscriptions reads a user's subscription row for plan gating.
type Subscriptions interface {
	Subscription(ctx context.Context, userID string) (*billing.Subscription, error)
}

// allowedExtensions and allowedMimeTypes form the intake allow-list.
// Both checks must pass when a MIME type is present; extension alone
// decides when the client sent none.
var allowedExtensions = map[string]bool{
	".mp3": true, ".mp4": true, ".m4a": true, ".wav": true,
	".webm": true, ".ogg": true, ".oga": true, ".flac": true,
	".aac": true, ".mov": true, ".mpeg": true, ".mpga": true,
}

var allowedMimeTypes = map[string]bool{
	"audio/mpeg": true, "audio/mp3": true, "audio/mp4": true,
	"audio/wav": true, "audio/x-wav": true, "audio/wave": true,
	"audio/webm": true, "audio/ogg": true, "audio/flac": true,
	"audio/x-flac": true, "audio/aac": true, "audio/x-m4a": true,
	"video/mp4": true, "video/webm": true, "video/quicktime": true,
	"video/mpeg": true,
}

// UploadHandler is the transcription intake. Validation happens before
// any state is created: size and type per file, plan gate for batches,
// and a positive credit balance for the whole request.
type UploadHandler struct {
	jobs     *jobs.Service
	ledger   *ledger.Ledger
	blobs    storage.BlobStore
	subs     Subscriptions
	pool     Enqueuer
	maxBytes int64
	log      zerolog.Logger
}

func NewUploadHandler(jobSvc *jobs.Service, led *ledger.Ledger, blobs storage.BlobStore, subs Subscriptions, pool Enqueuer, maxBytes int64, log zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		jobs:     jobSvc,
		ledger:   led,
		blobs:    blobs,
		subs:     subs,
		pool:     pool,
		maxBytes: maxBytes,
		log:      log.With().Str("handler", "upload").Logger(),
	}
}

// uploadItem is the per-file outcome in the intake summary.
type uploadItem struct {
	FileName        string `json:"file_name"`
	TranscriptionID string `json:"transcription_id,omitempty"`
	Status          string `json:"status"` // "processing" or "rejected"
	Error           string `json:"error,omitempty"`
}

// Upload handles POST /api/v1/transcriptions. Accepts one or more files
// under the "files" field; each accepted file becomes an independent
// processing job, and one bad file never aborts the batch.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		files = r.MultipartForm.File["file"]
	}
	if len(files) == 0 {
		WriteError(w, http.StatusBadRequest, "no files in request")
		return
	}

	if len(files) > 1 {
		sub, err := h.subs.Subscription(r.Context(), userID)
		if err != nil {
			h.log.Error().Err(err).Str("user_id", userID).Msg("subscription lookup failed")
			WriteError(w, http.StatusInternalServerError, "failed to check plan")
			return
		}
		plan, active := billing.EffectivePlan(sub)
		if plan == billing.PlanFree || !active {
			WriteError(w, http.StatusForbidden, "multiple files per upload require a paid plan")
			return
		}
	}

	// Intake requires a positive balance; the actual charge happens at
	// completion, priced by real audio duration.
	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if errors.Is(err, ledger.ErrNoAccount) {
		balance = 0
	} else if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("balance lookup failed")
		WriteError(w, http.StatusInternalServerError, "failed to check balance")
		return
	}
	if balance <= 0 {
		WriteError(w, http.StatusPaymentRequired, "insufficient credits")
		return
	}

	items := make([]uploadItem, 0, len(files))
	accepted := 0
	for _, fh := range files {
		item := h.intakeOne(r.Context(), userID, fh)
		if item.Status == "processing" {
			accepted++
		}
		items = append(items, item)
	}

	status := http.StatusCreated
	if accepted == 0 {
		status = http.StatusBadRequest
	}
	WriteJSON(w, status, map[string]any{
		"accepted": accepted,
		"rejected": len(items) - accepted,
		"items":    items,
	})
}

func (h *UploadHandler) intakeOne(ctx context.Context, userID string, fh *multipart.FileHeader) uploadItem {
	item := uploadItem{FileName: fh.Filename, Status: "rejected"}

	if fh.Size > h.maxBytes {
		item.Error = fmt.Sprintf("file exceeds the %d MB limit", h.maxBytes/(1<<20))
		return item
	}

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	mimeType := fh.Header.Get("Content-Type")
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if !allowedType(ext, mimeType) {
		item.Error = "unsupported file type"
		return item
	}

	f, err := fh.Open()
	if err != nil {
		item.Error = "failed to read file"
		return item
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		item.Error = "failed to read file"
		return item
	}

	key := fmt.Sprintf("%s/%s/%s%s", userID, time.Now().UTC().Format("2006-01-02"), uuid.NewString(), ext)
	if err := h.blobs.Save(ctx, key, data, mimeType); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Str("file_name", fh.Filename).Msg("saving upload failed")
		item.Error = "failed to store file"
		return item
	}

	t, err := h.jobs.CreateJob(ctx, userID, jobs.FileMeta{
		Name: fh.Filename,
		Size: fh.Size,
		Mime: mimeType,
	}, key)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("creating job failed")
		// Orphaned blob; best effort cleanup.
		h.blobs.Delete(ctx, key)
		item.Error = "failed to create transcription"
		return item
	}

	// A full queue is fine; the recovery sweep re-enqueues.
	h.pool.Enqueue(transcribe.Job{
		ID:       t.ID,
		UserID:   userID,
		FileName: t.FileName,
		MimeType: t.MimeType,
		BlobKey:  key,
	})

	item.TranscriptionID = t.ID
	item.Status = "processing"
	item.Error = ""
	return item
}

func allowedType(ext, mimeType string) bool {
	if mimeType != "" && mimeType != "application/octet-stream" {
		return allowedMimeTypes[mimeType] && (ext == "" || allowedExtensions[ext])
	}
	return allowedExtensions[ext]
}
