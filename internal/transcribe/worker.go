package transcribe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/jobs"
	"github.com/snarg/scribe-engine/internal/metrics"
	"github.com/snarg/scribe-engine/internal/storage"
)

// Job is a transcription work item enqueued by intake or re-enqueued by
// the recovery sweeper.
type Job struct {
	ID       string
	UserID   string
	FileName string
	MimeType string
	BlobKey  string
}

// QueueStats reports the current state of the transcription queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// EventPublishFunc is a callback for publishing job lifecycle events.
type EventPublishFunc func(eventType string, payload map[string]any)

// WorkerPoolOptions configures the transcription worker pool.
type WorkerPoolOptions struct {
	Jobs         *jobs.Service
	Blobs        storage.BlobStore
	Provider     Provider
	Workers      int
	QueueSize    int
	Timeout      time.Duration // hard ceiling on one provider call
	PublishEvent EventPublishFunc
	Log          zerolog.Logger
}

// WorkerPool drives jobs from processing to a terminal state. Delivery is
// at-least-once: duplicate triggers resolve to ErrAlreadyTerminal inside
// the job store and are swallowed here.
type WorkerPool struct {
	queue  chan Job
	jobs   *jobs.Service
	blobs  storage.BlobStore
	prov   Provider
	opts   WorkerPoolOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool

	completed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerPool creates a new transcription worker pool.
func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queue:  make(chan Job, opts.QueueSize),
		jobs:   opts.Jobs,
		blobs:  opts.Blobs,
		prov:   opts.Provider,
		opts:   opts,
		log:    opts.Log.With().Str("component", "transcribe-pool").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Info().
		Int("workers", wp.opts.Workers).
		Int("queue_size", wp.opts.QueueSize).
		Str("provider", wp.prov.Name()).
		Str("model", wp.prov.Model()).
		Msg("transcription worker pool started")
}

// Stop signals workers to drain and waits for completion. Enqueue
// refuses new jobs from this point on; the recovery sweep re-drives
// anything still in processing after the next start.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.queue)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.cancel()
	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Msg("transcription worker pool stopped")
}

// Enqueue adds a job to the transcription queue. Returns false if the
// queue is full or the pool has stopped; the recovery sweeper will pick
// the job up later.
func (wp *WorkerPool) Enqueue(j Job) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		return false
	}
	select {
	case wp.queue <- j:
		metrics.TranscribeQueueDepth.Set(float64(len(wp.queue)))
		return true
	default:
		wp.log.Warn().Str("transcription_id", j.ID).Msg("queue full, deferring to recovery sweep")
		return false
	}
}

// Stats returns current queue statistics.
func (wp *WorkerPool) Stats() QueueStats {
	return QueueStats{
		Pending:   len(wp.queue),
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for job := range wp.queue {
		metrics.TranscribeQueueDepth.Set(float64(len(wp.queue)))
		wp.processJob(log, job)
	}
}

func (wp *WorkerPool) processJob(log zerolog.Logger, job Job) {
	start := time.Now()
	// Timeout + margin bounds the whole attempt, not just the HTTP call,
	// so a job can never sit in processing indefinitely on this path.
	ctx, cancel := context.WithTimeout(wp.ctx, wp.opts.Timeout+30*time.Second)
	defer cancel()

	media, err := wp.blobs.Open(ctx, job.BlobKey)
	if err != nil {
		wp.failJob(ctx, log, job, "stored media unavailable", "storage")
		return
	}
	defer media.Close()

	resp, err := wp.prov.Transcribe(ctx, media, job.FileName, job.MimeType)
	if err != nil {
		wp.failJob(ctx, log, job, providerFailureReason(err), categorize(err))
		return
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		wp.failJob(ctx, log, job, "no speech detected in media", "empty")
		return
	}

	cost := jobs.CreditCost(resp.Duration)
	_, err = wp.jobs.Complete(ctx, jobs.CompleteParams{
		ID:              job.ID,
		Text:            text,
		Segments:        toJobSegments(resp.Segments),
		Language:        resp.Language,
		Duration:        resp.Duration,
		CreditsToCharge: cost,
	})
	switch {
	case errors.Is(err, jobs.ErrAlreadyTerminal):
		// Duplicate trigger; another worker already finished this job.
		log.Debug().Str("transcription_id", job.ID).Msg("job already terminal, skipping")
		return
	case errors.Is(err, jobs.ErrInsufficientCredits):
		// The job store already flipped the record to failed.
		wp.failed.Add(1)
		metrics.TranscriptionsFailedTotal.WithLabelValues("credits").Inc()
		wp.publish("transcription.failed", job, map[string]any{"reason": "insufficient credits"})
		return
	case err != nil:
		log.Error().Err(err).Str("transcription_id", job.ID).Msg("persisting completion failed")
		wp.failed.Add(1)
		return
	}

	wp.completed.Add(1)
	metrics.TranscriptionsCompletedTotal.Inc()
	metrics.CreditsChargedTotal.Add(float64(cost))
	wp.publish("transcription.completed", job, map[string]any{
		"duration":     resp.Duration,
		"language":     resp.Language,
		"credits_used": cost,
	})

	log.Debug().
		Str("transcription_id", job.ID).
		Str("user_id", job.UserID).
		Float64("duration", resp.Duration).
		Int64("credits", cost).
		Dur("took", time.Since(start)).
		Msg("transcription complete")
}

func (wp *WorkerPool) failJob(ctx context.Context, log zerolog.Logger, job Job, reason, category string) {
	_, err := wp.jobs.Fail(ctx, job.ID, reason)
	if errors.Is(err, jobs.ErrAlreadyTerminal) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("transcription_id", job.ID).Msg("marking job failed failed")
		return
	}
	wp.failed.Add(1)
	metrics.TranscriptionsFailedTotal.WithLabelValues(category).Inc()
	wp.publish("transcription.failed", job, map[string]any{"reason": reason})
	log.Warn().
		Str("transcription_id", job.ID).
		Str("reason", reason).
		Str("category", category).
		Msg("transcription failed")
}

func (wp *WorkerPool) publish(eventType string, job Job, extra map[string]any) {
	if wp.opts.PublishEvent == nil {
		return
	}
	payload := map[string]any{
		"transcription_id": job.ID,
		"user_id":          job.UserID,
		"file_name":        job.FileName,
	}
	for k, v := range extra {
		payload[k] = v
	}
	wp.opts.PublishEvent(eventType, payload)
}

// providerFailureReason turns a provider error into a user-visible reason.
func providerFailureReason(err error) string {
	switch categorize(err) {
	case "timeout":
		return "transcription timed out"
	default:
		return "transcription provider error"
	}
}

// categorize buckets an error for metrics labels.
func categorize(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case err != nil && strings.Contains(err.Error(), "Client.Timeout"):
		return "timeout"
	default:
		return "provider"
	}
}

func toJobSegments(in []Segment) []jobs.Segment {
	if len(in) == 0 {
		return nil
	}
	out := make([]jobs.Segment, len(in))
	for i, s := range in {
		out[i] = jobs.Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)}
	}
	return out
}
