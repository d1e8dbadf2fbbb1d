package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Status is the transcription job state. Jobs start in processing and
// reach exactly one terminal state; no transition leaves a terminal state.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Segment is a timed slice of transcript text, kept for subtitle export.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcription is a single transcription job record. The record itself is
// kept indefinitely for history; only FileURL is reclaimed by retention.
type Transcription struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	FileName      string     `json:"file_name"`
	FileSize      int64      `json:"file_size"`
	MimeType      string     `json:"mime_type"`
	FileURL       string     `json:"file_url,omitempty"` // blob key; empty after retention reclaim
	Duration      *float64   `json:"duration,omitempty"` // seconds, provider-reported
	Language      string     `json:"language,omitempty"` // ISO 639-1
	Status        Status     `json:"status"`
	Text          string     `json:"text,omitempty"`
	Segments      []Segment  `json:"segments,omitempty"`
	CreditsUsed   *int64     `json:"credits_used,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	IsPublic      bool       `json:"is_public"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

var (
	// ErrNotFound means no such transcription exists.
	ErrNotFound = errors.New("transcription not found")
	// ErrForbidden means the caller does not own the record.
	ErrForbidden = errors.New("not the owner of this transcription")
	// ErrAlreadyTerminal is an idempotency signal, not a failure: the job
	// already reached a terminal state and the call performed no mutation.
	ErrAlreadyTerminal = errors.New("transcription already in a terminal state")
	// ErrInsufficientCredits mirrors ledger.ErrInsufficientCredits at the
	// job boundary: the completion debit could not be covered.
	ErrInsufficientCredits = errors.New("insufficient credits to charge completion")
)

// CompleteParams carries the provider result plus the charge for a
// completion. The store must persist the result, flip the status, and
// debit the user's credits as one atomic unit.
type CompleteParams struct {
	ID              string
	Text            string
	Segments        []Segment
	Language        string
	Duration        float64
	CreditsToCharge int64
}

// FileMeta describes an uploaded file at intake time.
type FileMeta struct {
	Name string
	Size int64
	Mime string
}

// Store is the persistence contract for transcription records.
type Store interface {
	Create(ctx context.Context, t *Transcription) error
	Get(ctx context.Context, id string) (*Transcription, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Transcription, int, error)

	// Complete claims the processing row (guarded by status='processing'),
	// persists the result, and charges credits, all in one transaction.
	// ErrAlreadyTerminal when the claim misses; ErrInsufficientCredits when
	// the debit cannot be covered; in that case nothing is persisted and
	// no ledger entry is appended.
	Complete(ctx context.Context, p CompleteParams) (*Transcription, error)

	// Fail claims the processing row and marks it failed. FileURL is
	// retained so the user can see what failed. No ledger interaction.
	Fail(ctx context.Context, id, reason string) (*Transcription, error)

	// SetPublic toggles visibility, conditional on ownership.
	SetPublic(ctx context.Context, id, userID string, public bool) (*Transcription, error)

	// Delete removes a record owned by userID. ErrNotFound when no row
	// matches both id and owner.
	Delete(ctx context.Context, id, userID string) (*Transcription, error)

	// ListStale returns processing jobs created before the cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Transcription, error)
}

// BlobDeleter is the slice of blob storage BulkDelete needs.
type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Service wraps the store with ownership checks, failure fallbacks, and
// best-effort blob cleanup.
type Service struct {
	store Store
	blobs BlobDeleter
	log   zerolog.Logger
}

func NewService(store Store, blobs BlobDeleter, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		blobs: blobs,
		log:   log.With().Str("component", "jobs").Logger(),
	}
}

// CreateJob records a new transcription in the processing state.
func (s *Service) CreateJob(ctx context.Context, userID string, meta FileMeta, blobKey string) (*Transcription, error) {
	t := &Transcription{
		UserID:   userID,
		FileName: meta.Name,
		FileSize: meta.Size,
		MimeType: meta.Mime,
		FileURL:  blobKey,
		Status:   StatusProcessing,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create transcription: %w", err)
	}
	s.log.Info().
		Str("transcription_id", t.ID).
		Str("user_id", userID).
		Str("file_name", meta.Name).
		Int64("file_size", meta.Size).
		Msg("transcription job created")
	return t, nil
}

// Get returns a transcription readable by userID: the owner always, other
// users only when the record is public.
func (s *Service) Get(ctx context.Context, id, userID string) (*Transcription, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID && !t.IsPublic {
		return nil, ErrForbidden
	}
	return t, nil
}

// List returns the user's transcriptions with the total count.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]Transcription, int, error) {
	return s.store.ListByUser(ctx, userID, limit, offset)
}

// Complete moves a processing job to completed, charging credits
// atomically with the result write. If the user's balance dropped
// out-of-band and the debit fails, the job is marked failed instead so
// a user is never left holding a transcript they were not charged for.
func (s *Service) Complete(ctx context.Context, p CompleteParams) (*Transcription, error) {
	t, err := s.store.Complete(ctx, p)
	if errors.Is(err, ErrInsufficientCredits) {
		s.log.Warn().
			Str("transcription_id", p.ID).
			Int64("credits", p.CreditsToCharge).
			Msg("completion debit failed, failing job")
		failed, ferr := s.store.Fail(ctx, p.ID, "insufficient credits at completion")
		if ferr != nil {
			return nil, fmt.Errorf("fail after debit rejection: %w", ferr)
		}
		return failed, ErrInsufficientCredits
	}
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("transcription_id", t.ID).
		Str("user_id", t.UserID).
		Int64("credits_charged", p.CreditsToCharge).
		Msg("transcription completed")
	return t, nil
}

// Fail moves a processing job to failed. Idempotent under redelivery:
// a second terminal attempt returns ErrAlreadyTerminal and mutates nothing.
func (s *Service) Fail(ctx context.Context, id, reason string) (*Transcription, error) {
	t, err := s.store.Fail(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("transcription_id", id).
		Str("reason", reason).
		Msg("transcription failed")
	return t, nil
}

// SetPublic toggles record visibility. Only the owner may mutate.
func (s *Service) SetPublic(ctx context.Context, id, userID string, public bool) (*Transcription, error) {
	return s.store.SetPublic(ctx, id, userID, public)
}

// BulkDeleteResult summarizes a best-effort batch delete.
type BulkDeleteResult struct {
	Deleted      int `json:"deleted"`
	NotFound     int `json:"not_found"`
	BlobFailures int `json:"blob_failures"`
}

// BulkDelete removes the caller's records. Each item is independent:
// one failure does not abort the batch. Blob deletion is best-effort:
// failures are logged, the record is removed regardless.
func (s *Service) BulkDelete(ctx context.Context, ids []string, userID string) BulkDeleteResult {
	var res BulkDeleteResult
	for _, id := range ids {
		t, err := s.store.Delete(ctx, id, userID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.log.Error().Err(err).Str("transcription_id", id).Msg("bulk delete item failed")
			}
			res.NotFound++
			continue
		}
		res.Deleted++
		if t.FileURL != "" && s.blobs != nil {
			if err := s.blobs.Delete(ctx, t.FileURL); err != nil {
				res.BlobFailures++
				s.log.Warn().Err(err).
					Str("transcription_id", id).
					Str("blob_key", t.FileURL).
					Msg("blob delete failed during bulk delete")
			}
		}
	}
	s.log.Info().
		Str("user_id", userID).
		Int("requested", len(ids)).
		Int("deleted", res.Deleted).
		Msg("bulk delete finished")
	return res
}

// CreditCost prices a transcription: one credit per started minute of
// audio, never less than one. Pure so pricing is independently testable.
func CreditCost(durationSeconds float64) int64 {
	if durationSeconds <= 0 {
		return 1
	}
	cost := int64(math.Ceil(durationSeconds / 60))
	if cost < 1 {
		cost = 1
	}
	return cost
}
