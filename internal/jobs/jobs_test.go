package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// memJobStore implements Store in memory with the documented claim
// semantics: terminal transitions only succeed from processing, and
// Complete debits a per-user balance atomically with the claim.
type memJobStore struct {
	mu       sync.Mutex
	rows     map[string]*Transcription
	balances map[string]int64
	debits   []int64 // appended usage amounts, for invariant checks
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		rows:     make(map[string]*Transcription),
		balances: make(map[string]int64),
	}
}

func (m *memJobStore) Create(_ context.Context, t *Transcription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = uuid.NewString()
	t.CreatedAt = time.Now()
	cp := *t
	m.rows[t.ID] = &cp
	return nil
}

func (m *memJobStore) Get(_ context.Context, id string) (*Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memJobStore) ListByUser(_ context.Context, userID string, limit, offset int) ([]Transcription, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transcription
	for _, t := range m.rows {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out, len(out), nil
}

func (m *memJobStore) Complete(_ context.Context, p CompleteParams) (*Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[p.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if m.balances[t.UserID] < p.CreditsToCharge {
		return nil, ErrInsufficientCredits
	}
	m.balances[t.UserID] -= p.CreditsToCharge
	m.debits = append(m.debits, -p.CreditsToCharge)

	now := time.Now()
	t.Status = StatusCompleted
	t.Text = p.Text
	t.Segments = p.Segments
	t.Language = p.Language
	t.Duration = &p.Duration
	t.CreditsUsed = &p.CreditsToCharge
	t.CompletedAt = &now
	cp := *t
	return &cp, nil
}

func (m *memJobStore) Fail(_ context.Context, id, reason string) (*Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	now := time.Now()
	t.Status = StatusFailed
	t.FailureReason = reason
	t.CompletedAt = &now
	cp := *t
	return &cp, nil
}

func (m *memJobStore) SetPublic(_ context.Context, id, userID string, public bool) (*Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.UserID != userID {
		return nil, ErrForbidden
	}
	t.IsPublic = public
	cp := *t
	return &cp, nil
}

func (m *memJobStore) Delete(_ context.Context, id, userID string) (*Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || t.UserID != userID {
		return nil, ErrNotFound
	}
	delete(m.rows, id)
	cp := *t
	return &cp, nil
}

func (m *memJobStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transcription
	for _, t := range m.rows {
		if t.Status == StatusProcessing && t.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *t)
		}
	}
	return out, nil
}

// fakeBlobs records deletes and optionally fails them.
type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
	fail    bool
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("blob backend down")
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func newTestService() (*Service, *memJobStore, *fakeBlobs) {
	store := newMemJobStore()
	blobs := &fakeBlobs{}
	return NewService(store, blobs, zerolog.Nop()), store, blobs
}

func createProcessing(t *testing.T, s *Service, userID string) *Transcription {
	t.Helper()
	job, err := s.CreateJob(context.Background(), userID, FileMeta{
		Name: "meeting.mp3", Size: 1024, Mime: "audio/mpeg",
	}, "blobs/"+userID+"/meeting.mp3")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

// ── State machine ────────────────────────────────────────────────────

func TestCreateJob_StartsProcessing(t *testing.T) {
	s, _, _ := newTestService()
	job := createProcessing(t, s, "u1")

	if job.Status != StatusProcessing {
		t.Errorf("status = %v, want processing", job.Status)
	}
	if job.CreditsUsed != nil {
		t.Error("CreditsUsed set at intake, want nil")
	}
	if job.FileURL == "" {
		t.Error("FileURL empty at intake")
	}
}

func TestComplete_ChargesAndPersists(t *testing.T) {
	s, store, _ := newTestService()
	store.balances["u1"] = 5
	job := createProcessing(t, s, "u1")

	done, err := s.Complete(context.Background(), CompleteParams{
		ID:              job.ID,
		Text:            "hello world.",
		Segments:        []Segment{{Start: 0, End: 3, Text: "hello world."}},
		Language:        "en",
		Duration:        170, // 2m50s → 3 credits
		CreditsToCharge: CreditCost(170),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("status = %v, want completed", done.Status)
	}
	if done.CreditsUsed == nil || *done.CreditsUsed != 3 {
		t.Errorf("CreditsUsed = %v, want 3", done.CreditsUsed)
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if store.balances["u1"] != 2 {
		t.Errorf("balance = %d, want 2", store.balances["u1"])
	}
}

func TestComplete_TwiceIsAlreadyTerminal(t *testing.T) {
	s, store, _ := newTestService()
	store.balances["u1"] = 10
	job := createProcessing(t, s, "u1")

	p := CompleteParams{ID: job.ID, Text: "x", Duration: 30, CreditsToCharge: 1}
	if _, err := s.Complete(context.Background(), p); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if _, err := s.Complete(context.Background(), p); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("second Complete = %v, want ErrAlreadyTerminal", err)
	}
	if store.balances["u1"] != 9 {
		t.Errorf("balance = %d, want 9 (no double charge)", store.balances["u1"])
	}
}

func TestFail_ThenCompleteIsAlreadyTerminal(t *testing.T) {
	s, store, _ := newTestService()
	store.balances["u1"] = 10
	job := createProcessing(t, s, "u1")

	failed, err := s.Fail(context.Background(), job.ID, "provider timeout")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != StatusFailed || failed.FailureReason != "provider timeout" {
		t.Errorf("failed record = %+v", failed)
	}
	if failed.FileURL == "" {
		t.Error("FileURL cleared on failure, want retained")
	}

	_, err = s.Complete(context.Background(), CompleteParams{ID: job.ID, CreditsToCharge: 1})
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("Complete after Fail = %v, want ErrAlreadyTerminal", err)
	}
	if store.balances["u1"] != 10 {
		t.Errorf("balance = %d, want 10 (failed jobs are never charged)", store.balances["u1"])
	}
}

func TestComplete_InsufficientCreditsFailsJob(t *testing.T) {
	s, store, _ := newTestService()
	store.balances["u1"] = 1
	job := createProcessing(t, s, "u1")

	got, err := s.Complete(context.Background(), CompleteParams{
		ID: job.ID, Text: "long recording", Duration: 600, CreditsToCharge: 10,
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("Complete = %v, want ErrInsufficientCredits", err)
	}
	if got == nil || got.Status != StatusFailed {
		t.Errorf("job status = %+v, want failed", got)
	}
	if store.balances["u1"] != 1 {
		t.Errorf("balance = %d, want 1 (no partial charge)", store.balances["u1"])
	}
	if len(store.debits) != 0 {
		t.Errorf("debits = %v, want none", store.debits)
	}
}

func TestComplete_ConcurrentTriggersChargeOnce(t *testing.T) {
	s, store, _ := newTestService()
	store.balances["u1"] = 100
	job := createProcessing(t, s, "u1")

	var wg sync.WaitGroup
	var completedCount, terminalCount int
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Complete(context.Background(), CompleteParams{
				ID: job.ID, Text: "t", Duration: 60, CreditsToCharge: 1,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				completedCount++
			case errors.Is(err, ErrAlreadyTerminal):
				terminalCount++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if completedCount != 1 || terminalCount != 7 {
		t.Errorf("completed=%d terminal=%d, want 1/7", completedCount, terminalCount)
	}
	if store.balances["u1"] != 99 {
		t.Errorf("balance = %d, want 99 (charged exactly once)", store.balances["u1"])
	}
}

// ── Ownership ────────────────────────────────────────────────────────

func TestSetPublic_OwnershipEnforced(t *testing.T) {
	s, _, _ := newTestService()
	job := createProcessing(t, s, "u1")

	if _, err := s.SetPublic(context.Background(), job.ID, "intruder", true); !errors.Is(err, ErrForbidden) {
		t.Errorf("SetPublic by non-owner = %v, want ErrForbidden", err)
	}
	got, err := s.SetPublic(context.Background(), job.ID, "u1", true)
	if err != nil {
		t.Fatalf("SetPublic by owner: %v", err)
	}
	if !got.IsPublic {
		t.Error("IsPublic = false after SetPublic(true)")
	}
	if _, err := s.SetPublic(context.Background(), "missing", "u1", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPublic on missing id = %v, want ErrNotFound", err)
	}
}

func TestGet_PublicVisibleToOthers(t *testing.T) {
	s, _, _ := newTestService()
	job := createProcessing(t, s, "u1")

	if _, err := s.Get(context.Background(), job.ID, "other"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Get private by other = %v, want ErrForbidden", err)
	}
	s.SetPublic(context.Background(), job.ID, "u1", true)
	if _, err := s.Get(context.Background(), job.ID, "other"); err != nil {
		t.Errorf("Get public by other = %v, want nil", err)
	}
}

// ── BulkDelete ───────────────────────────────────────────────────────

func TestBulkDelete_OnlyOwnRecords(t *testing.T) {
	s, _, blobs := newTestService()
	mine := createProcessing(t, s, "u1")
	theirs := createProcessing(t, s, "u2")

	res := s.BulkDelete(context.Background(), []string{mine.ID, theirs.ID, "missing"}, "u1")
	if res.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", res.Deleted)
	}
	if res.NotFound != 2 {
		t.Errorf("NotFound = %d, want 2", res.NotFound)
	}
	if len(blobs.deleted) != 1 || blobs.deleted[0] != mine.FileURL {
		t.Errorf("blobs deleted = %v, want [%s]", blobs.deleted, mine.FileURL)
	}

	// The foreign record survives.
	if _, err := s.Get(context.Background(), theirs.ID, "u2"); err != nil {
		t.Errorf("foreign record gone after bulk delete: %v", err)
	}
}

func TestBulkDelete_BlobFailureNotFatal(t *testing.T) {
	s, _, blobs := newTestService()
	blobs.fail = true
	job := createProcessing(t, s, "u1")

	res := s.BulkDelete(context.Background(), []string{job.ID}, "u1")
	if res.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1 despite blob failure", res.Deleted)
	}
	if res.BlobFailures != 1 {
		t.Errorf("BlobFailures = %d, want 1", res.BlobFailures)
	}
}

// ── Pricing ──────────────────────────────────────────────────────────

func TestCreditCost(t *testing.T) {
	tests := []struct {
		seconds float64
		want    int64
	}{
		{0, 1},
		{-5, 1},
		{1, 1},
		{59.9, 1},
		{60, 1},
		{60.1, 2},
		{119, 2},
		{180, 3},
		{3600, 60},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.1fs", tt.seconds), func(t *testing.T) {
			if got := CreditCost(tt.seconds); got != tt.want {
				t.Errorf("CreditCost(%v) = %d, want %d", tt.seconds, got, tt.want)
			}
		})
	}
}
