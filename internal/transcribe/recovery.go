package transcribe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/jobs"
)

// StaleLister finds processing jobs whose trigger may have been lost.
type StaleLister interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]jobs.Transcription, error)
}

// Failer marks a job failed.
type Failer interface {
	Fail(ctx context.Context, id, reason string) (*jobs.Transcription, error)
}

// RecoverySweeper re-drives jobs stuck in processing. Job creation and the
// processing trigger are not one transaction; a crash between them leaves
// a processing row nobody is working on. Jobs older than requeueAfter are
// re-enqueued (the worker tolerates the duplicate when the original trigger
// did land); jobs older than failAfter are failed out so they never sit in
// processing forever.
type RecoverySweeper struct {
	store        StaleLister
	jobs         Failer
	pool         *WorkerPool
	requeueAfter time.Duration
	failAfter    time.Duration
	interval     time.Duration
	log          zerolog.Logger
	stop         chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	now          func() time.Time
}

// RecoveryOptions configures the recovery sweeper.
type RecoveryOptions struct {
	Store        StaleLister
	Jobs         Failer
	Pool         *WorkerPool
	RequeueAfter time.Duration
	FailAfter    time.Duration
	Interval     time.Duration
	Log          zerolog.Logger
}

func NewRecoverySweeper(opts RecoveryOptions) *RecoverySweeper {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	return &RecoverySweeper{
		store:        opts.Store,
		jobs:         opts.Jobs,
		pool:         opts.Pool,
		requeueAfter: opts.RequeueAfter,
		failAfter:    opts.FailAfter,
		interval:     opts.Interval,
		log:          opts.Log.With().Str("component", "recovery-sweeper").Logger(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		now:          time.Now,
	}
}

func (s *RecoverySweeper) Start() {
	go s.loop()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
// Callers stop the sweeper before the worker pool so a straddling sweep
// never enqueues into a pool that is shutting down.
func (s *RecoverySweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *RecoverySweeper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			s.sweep(ctx)
			cancel()
		case <-s.stop:
			return
		}
	}
}

// sweep finds stale processing jobs and either re-enqueues or fails them.
func (s *RecoverySweeper) sweep(ctx context.Context) (requeued, failed int) {
	now := s.now()
	stale, err := s.store.ListStale(ctx, now.Add(-s.requeueAfter), 200)
	if err != nil {
		s.log.Error().Err(err).Msg("listing stale jobs failed")
		return
	}

	for _, t := range stale {
		age := now.Sub(t.CreatedAt)

		if age > s.failAfter {
			_, err := s.jobs.Fail(ctx, t.ID, "processing timed out")
			if err != nil && !errors.Is(err, jobs.ErrAlreadyTerminal) {
				s.log.Error().Err(err).Str("transcription_id", t.ID).Msg("failing stuck job failed")
				continue
			}
			failed++
			s.log.Warn().
				Str("transcription_id", t.ID).
				Dur("age", age).
				Msg("stuck job failed out")
			continue
		}

		if t.FileURL == "" {
			// Nothing left to process; media is gone.
			_, err := s.jobs.Fail(ctx, t.ID, "stored media no longer available")
			if err != nil && !errors.Is(err, jobs.ErrAlreadyTerminal) {
				s.log.Error().Err(err).Str("transcription_id", t.ID).Msg("failing medialess job failed")
			}
			failed++
			continue
		}

		if s.pool.Enqueue(Job{
			ID:       t.ID,
			UserID:   t.UserID,
			FileName: t.FileName,
			MimeType: t.MimeType,
			BlobKey:  t.FileURL,
		}) {
			requeued++
			s.log.Info().
				Str("transcription_id", t.ID).
				Dur("age", age).
				Msg("stale job re-enqueued")
		}
	}

	if requeued > 0 || failed > 0 {
		s.log.Info().Int("requeued", requeued).Int("failed", failed).Msg("recovery sweep complete")
	}
	return requeued, failed
}
