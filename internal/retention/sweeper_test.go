package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/billing"
)

type fakeStore struct {
	candidates []Candidate
	cleared    []string
	clearErr   error
}

func (f *fakeStore) ListRetentionCandidates(_ context.Context, cutoff time.Time, limit int) ([]Candidate, error) {
	var out []Candidate
	for _, c := range f.candidates {
		if c.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) ClearFileURL(_ context.Context, id string) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared = append(f.cleared, id)
	return nil
}

type fakeSubs struct {
	rows map[string]*billing.Subscription
	err  error
}

func (f *fakeSubs) Subscription(_ context.Context, userID string) (*billing.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[userID], nil
}

type fakeBlobs struct {
	deleted []string
	err     error
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func newTestSweeper(store *fakeStore, subs *fakeSubs, blobs *fakeBlobs, now time.Time) *Sweeper {
	s := NewSweeper(Options{
		Store:  store,
		Subs:   subs,
		Blobs:  blobs,
		MinAge: 7 * 24 * time.Hour,
		Log:    zerolog.Nop(),
	})
	s.now = func() time.Time { return now }
	return s
}

func daysAgo(now time.Time, d int) time.Time {
	return now.Add(-time.Duration(d) * 24 * time.Hour)
}

// ── Plan-based expiry ────────────────────────────────────────────────

func TestSweep_FreePlanExpiresAfterSevenDays(t *testing.T) {
	now := time.Now()
	store := &fakeStore{candidates: []Candidate{
		{ID: "t1", UserID: "u1", FileURL: "u1/a.mp3", CreatedAt: daysAgo(now, 10)},
	}}
	subs := &fakeSubs{rows: map[string]*billing.Subscription{}} // no row → free
	blobs := &fakeBlobs{}

	sum, err := newTestSweeper(store, subs, blobs, now).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sum.FilesDeleted != 1 || sum.Errors != 0 {
		t.Errorf("summary = %+v, want 1 deleted", sum)
	}
	if len(blobs.deleted) != 1 || blobs.deleted[0] != "u1/a.mp3" {
		t.Errorf("blobs deleted = %v", blobs.deleted)
	}
	if len(store.cleared) != 1 || store.cleared[0] != "t1" {
		t.Errorf("cleared = %v, want [t1]", store.cleared)
	}
}

func TestSweep_ProActiveKeepsNinetyDays(t *testing.T) {
	now := time.Now()
	store := &fakeStore{candidates: []Candidate{
		{ID: "t1", UserID: "pro", FileURL: "pro/a.mp3", CreatedAt: daysAgo(now, 10)},
		{ID: "t2", UserID: "pro", FileURL: "pro/b.mp3", CreatedAt: daysAgo(now, 120)},
	}}
	subs := &fakeSubs{rows: map[string]*billing.Subscription{
		"pro": {Plan: "pro", Status: "active"},
	}}
	blobs := &fakeBlobs{}

	sum, err := newTestSweeper(store, subs, blobs, now).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sum.FilesDeleted != 1 || sum.FilesSkipped != 1 {
		t.Errorf("summary = %+v, want deleted=1 skipped=1", sum)
	}
	if len(store.cleared) != 1 || store.cleared[0] != "t2" {
		t.Errorf("cleared = %v, want [t2] (only the 120-day-old file)", store.cleared)
	}
}

func TestSweep_ProLapsedTreatedAsFree(t *testing.T) {
	now := time.Now()
	store := &fakeStore{candidates: []Candidate{
		{ID: "t1", UserID: "lapsed", FileURL: "l/a.mp3", CreatedAt: daysAgo(now, 10)},
	}}
	subs := &fakeSubs{rows: map[string]*billing.Subscription{
		"lapsed": {Plan: "pro", Status: "past_due"},
	}}
	blobs := &fakeBlobs{}

	sum, _ := newTestSweeper(store, subs, blobs, now).Sweep(context.Background())
	if sum.FilesDeleted != 1 {
		t.Errorf("summary = %+v, want lapsed pro swept at 7 days", sum)
	}
}

func TestSweep_EnterpriseNeverExpires(t *testing.T) {
	now := time.Now()
	store := &fakeStore{candidates: []Candidate{
		{ID: "t1", UserID: "ent", FileURL: "e/a.mp3", CreatedAt: daysAgo(now, 3650)},
	}}
	subs := &fakeSubs{rows: map[string]*billing.Subscription{
		"ent": {Plan: "enterprise", Status: "active"},
	}}
	blobs := &fakeBlobs{}

	sum, _ := newTestSweeper(store, subs, blobs, now).Sweep(context.Background())
	if sum.FilesDeleted != 0 || sum.FilesSkipped != 1 {
		t.Errorf("summary = %+v, want enterprise skipped regardless of age", sum)
	}
	if len(blobs.deleted) != 0 {
		t.Errorf("blobs deleted = %v, want none", blobs.deleted)
	}
}

func TestSweep_UnknownPlanStringTreatedAsFree(t *testing.T) {
	now := time.Now()
	store := &fakeStore{candidates: []Candidate{
		{ID: "t1", UserID: "u", FileURL: "u/a.mp3", CreatedAt: daysAgo(now, 10)},
	}}
	subs := &fakeSubs{rows: map[string]*billing.Subscription{
		"u": {Plan: "legacy-gold", Status: "active"},
	}}
	blobs := &fakeBlobs{}

	sum, _ := newTestSweeper(store, subs, blobs, now).Sweep(context.Background())
	if sum.FilesDeleted != 1 {
		t.Errorf("summary = %+v, want unknown plan swept as free", sum)
	}
}

// ── Failure handling ─────────────────────────────────────────────────

func TestSweep_BlobDeleteFailureKeepsReference(t *testing.T) {
	now := time.Now()
	store := &fakeStore{candidates: []Candidate{
		{ID: "t1", UserID: "u1", FileURL: "u1/a.mp3", CreatedAt: daysAgo(now, 10)},
	}}
	subs := &fakeSubs{rows: map[string]*billing.Subscription{}}
	blobs := &fakeBlobs{err: errors.New("s3 unavailable")}

	sum, err := newTestSweeper(store, subs, blobs, now).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sum.Errors != 1 || sum.FilesDeleted != 0 {
		t.Errorf("summary = %+v, want 1 error, 0 deleted", sum)
	}
	// The reference must never be nulled before the delete succeeds.
	if len(store.cleared) != 0 {
		t.Errorf("cleared = %v, want none when blob delete fails", store.cleared)
	}
}

func TestSweep_SubscriptionLookupFailureSkips(t *testing.T) {
	now := time.Now()
	store := &fakeStore{candidates: []Candidate{
		{ID: "t1", UserID: "u1", FileURL: "u1/a.mp3", CreatedAt: daysAgo(now, 400)},
	}}
	subs := &fakeSubs{err: errors.New("db down")}
	blobs := &fakeBlobs{}

	sum, _ := newTestSweeper(store, subs, blobs, now).Sweep(context.Background())
	if sum.Errors != 1 || len(blobs.deleted) != 0 {
		t.Errorf("summary = %+v deleted=%v, want lookup error to skip deletion", sum, blobs.deleted)
	}
}

func TestSweep_MinAgeFloor(t *testing.T) {
	now := time.Now()
	store := &fakeStore{candidates: []Candidate{
		{ID: "fresh", UserID: "u1", FileURL: "u1/new.mp3", CreatedAt: now.Add(-time.Hour)},
	}}
	subs := &fakeSubs{rows: map[string]*billing.Subscription{}}
	blobs := &fakeBlobs{}

	sum, _ := newTestSweeper(store, subs, blobs, now).Sweep(context.Background())
	if sum.CandidatesFound != 0 {
		t.Errorf("candidates = %d, want 0 (records younger than the floor are not scanned)", sum.CandidatesFound)
	}
}
