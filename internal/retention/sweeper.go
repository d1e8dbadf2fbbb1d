package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/billing"
	"github.com/snarg/scribe-engine/internal/metrics"
)

// Candidate is a terminal transcription whose media may be expired.
type Candidate struct {
	ID        string
	UserID    string
	FileURL   string
	CreatedAt time.Time
}

// Store lists sweep candidates and clears reclaimed references.
type Store interface {
	// ListRetentionCandidates returns terminal records with a non-empty
	// file reference created before the cutoff.
	ListRetentionCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Candidate, error)

	// ClearFileURL nulls the media reference on a record. Called only
	// after the blob delete succeeded.
	ClearFileURL(ctx context.Context, id string) error
}

// SubscriptionLookup reads a user's subscription row. Returns nil with no
// error when the user has none (free plan).
type SubscriptionLookup interface {
	Subscription(ctx context.Context, userID string) (*billing.Subscription, error)
}

// BlobDeleter removes stored media.
type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Summary reports the outcome of one sweep.
type Summary struct {
	CandidatesFound int `json:"candidatesFound"`
	FilesChecked    int `json:"filesChecked"`
	FilesDeleted    int `json:"filesDeleted"`
	FilesSkipped    int `json:"filesSkipped"`
	Errors          int `json:"errors"`
}

// Sweeper reclaims expired source media on a schedule. The transcription
// record itself is kept for history; only the blob and its reference go.
// Blob deletion always precedes nulling the reference: if the delete
// fails, the reference stays so the next sweep retries, and no orphaned,
// unreferenced blob can be left behind.
type Sweeper struct {
	store    Store
	subs     SubscriptionLookup
	blobs    BlobDeleter
	minAge   time.Duration // floor before a record is even considered
	interval time.Duration
	batch    int
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// Options configures the sweeper.
type Options struct {
	Store    Store
	Subs     SubscriptionLookup
	Blobs    BlobDeleter
	MinAge   time.Duration
	Interval time.Duration
	Batch    int
	Log      zerolog.Logger
}

func NewSweeper(opts Options) *Sweeper {
	if opts.Batch <= 0 {
		opts.Batch = 500
	}
	if opts.Interval <= 0 {
		opts.Interval = 6 * time.Hour
	}
	return &Sweeper{
		store:    opts.Store,
		subs:     opts.Subs,
		blobs:    opts.Blobs,
		minAge:   opts.MinAge,
		interval: opts.Interval,
		batch:    opts.Batch,
		log:      opts.Log.With().Str("component", "retention-sweeper").Logger(),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

func (s *Sweeper) Start() {
	go s.loop()
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) loop() {
	// Run once on startup to clear any backlog from downtime
	s.runOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	summary, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if summary.CandidatesFound > 0 {
		s.log.Info().
			Int("candidates", summary.CandidatesFound).
			Int("deleted", summary.FilesDeleted).
			Int("skipped", summary.FilesSkipped).
			Int("errors", summary.Errors).
			Msg("retention sweep complete")
	}
}

// Sweep runs one pass over expired candidates. Per-item failures are
// counted, not fatal; the batch always runs to the end.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	var sum Summary
	now := s.now()

	candidates, err := s.store.ListRetentionCandidates(ctx, now.Add(-s.minAge), s.batch)
	if err != nil {
		return sum, err
	}
	sum.CandidatesFound = len(candidates)

	for _, c := range candidates {
		sum.FilesChecked++

		sub, err := s.subs.Subscription(ctx, c.UserID)
		if err != nil {
			// Unknown plan state: keep the file. Free-plan fallback only
			// applies to a confirmed missing row, never to a read error.
			sum.Errors++
			s.log.Warn().Err(err).Str("user_id", c.UserID).Msg("subscription lookup failed, skipping")
			continue
		}

		plan, active := billing.EffectivePlan(sub)
		days := billing.RetentionDays(plan, active)
		if days == billing.RetentionForever {
			sum.FilesSkipped++
			continue
		}

		expiresAt := c.CreatedAt.Add(time.Duration(days) * 24 * time.Hour)
		if !now.After(expiresAt) {
			sum.FilesSkipped++
			continue
		}

		if err := s.blobs.Delete(ctx, c.FileURL); err != nil {
			// Reference stays set so a later sweep retries the delete.
			sum.Errors++
			metrics.RetentionErrorsTotal.Inc()
			s.log.Warn().Err(err).
				Str("transcription_id", c.ID).
				Str("blob_key", c.FileURL).
				Msg("blob delete failed, keeping reference for retry")
			continue
		}

		if err := s.store.ClearFileURL(ctx, c.ID); err != nil {
			// Blob is gone but the reference remains; the next sweep's
			// delete is a no-op and the clear is retried then.
			sum.Errors++
			metrics.RetentionErrorsTotal.Inc()
			s.log.Error().Err(err).Str("transcription_id", c.ID).Msg("clearing file reference failed")
			continue
		}

		sum.FilesDeleted++
		metrics.RetentionFilesDeletedTotal.Inc()
		s.log.Debug().
			Str("transcription_id", c.ID).
			Str("plan", plan.String()).
			Time("expired_at", expiresAt).
			Msg("expired media reclaimed")
	}

	return sum, nil
}
