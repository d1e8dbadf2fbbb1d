package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/snarg/scribe-engine/internal/billing"
	"github.com/snarg/scribe-engine/internal/jobs"
	"github.com/snarg/scribe-engine/internal/ledger"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

// In-memory fakes shared by the handler tests. They mirror the store
// contracts the Postgres implementations honor.

type memLedgerStore struct {
	mu       sync.Mutex
	seq      int
	balances map[string]int64
	txs      []ledger.Transaction
}

func newMemLedgerStore() *memLedgerStore {
	return &memLedgerStore{balances: map[string]int64{}}
}

func (m *memLedgerStore) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[userID]
	if !ok {
		return 0, ledger.ErrNoAccount
	}
	return b, nil
}

func (m *memLedgerStore) Apply(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.DedupKey != "" {
		for _, prior := range m.txs {
			if prior.UserID == tx.UserID && prior.Type == tx.Type && prior.DedupKey == tx.DedupKey {
				return ledger.Transaction{}, ledger.ErrDuplicateDedupKey
			}
		}
	}
	if m.balances[tx.UserID]+tx.Amount < 0 {
		return ledger.Transaction{}, ledger.ErrInsufficientCredits
	}
	m.balances[tx.UserID] += tx.Amount
	m.seq++
	tx.ID = "tx-" + strconv.Itoa(m.seq)
	tx.CreatedAt = time.Now()
	m.txs = append(m.txs, tx)
	return tx, nil
}

func (m *memLedgerStore) FindByDedupKey(_ context.Context, userID string, txType ledger.TransactionType, key string) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.UserID == userID && tx.Type == txType && tx.DedupKey == key {
			cp := tx
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memLedgerStore) List(_ context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Transaction
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.txs[i].UserID == userID {
			out = append(out, m.txs[i])
		}
	}
	return out, nil
}

type memJobStore struct {
	mu   sync.Mutex
	seq  int
	rows map[string]*jobs.Transcription
}

func newMemJobStore() *memJobStore {
	return &memJobStore{rows: map[string]*jobs.Transcription{}}
}

func (m *memJobStore) put(t jobs.Transcription) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if t.ID == "" {
		t.ID = "job-" + strconv.Itoa(m.seq)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.rows[t.ID] = &t
	return t.ID
}

func (m *memJobStore) Create(_ context.Context, t *jobs.Transcription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t.ID = "job-" + strconv.Itoa(m.seq)
	t.CreatedAt = time.Now()
	cp := *t
	m.rows[t.ID] = &cp
	return nil
}

func (m *memJobStore) Get(_ context.Context, id string) (*jobs.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memJobStore) ListByUser(_ context.Context, userID string, limit, offset int) ([]jobs.Transcription, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []jobs.Transcription
	for _, t := range m.rows {
		if t.UserID == userID {
			all = append(all, *t)
		}
	}
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *memJobStore) Complete(_ context.Context, p jobs.CompleteParams) (*jobs.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[p.ID]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil, jobs.ErrAlreadyTerminal
	}
	now := time.Now()
	t.Status = jobs.StatusCompleted
	t.Text = p.Text
	t.Segments = p.Segments
	t.Language = p.Language
	t.Duration = &p.Duration
	t.CreditsUsed = &p.CreditsToCharge
	t.CompletedAt = &now
	cp := *t
	return &cp, nil
}

func (m *memJobStore) Fail(_ context.Context, id, reason string) (*jobs.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil, jobs.ErrAlreadyTerminal
	}
	t.Status = jobs.StatusFailed
	t.FailureReason = reason
	cp := *t
	return &cp, nil
}

func (m *memJobStore) SetPublic(_ context.Context, id, userID string, public bool) (*jobs.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	if t.UserID != userID {
		return nil, jobs.ErrForbidden
	}
	t.IsPublic = public
	cp := *t
	return &cp, nil
}

func (m *memJobStore) Delete(_ context.Context, id, userID string) (*jobs.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || t.UserID != userID {
		return nil, jobs.ErrNotFound
	}
	delete(m.rows, id)
	return t, nil
}

func (m *memJobStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]jobs.Transcription, error) {
	return nil, nil
}

type memBlobStore struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	presign  string // returned by URL when set
	saveErr  error
	openErr  error
	delCalls []string
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: map[string][]byte{}}
}

func (m *memBlobStore) Save(_ context.Context, key string, data []byte, _ string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return nil
}

func (m *memBlobStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delCalls = append(m.delCalls, key)
	delete(m.blobs, key)
	return nil
}

func (m *memBlobStore) Exists(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[key]
	return ok
}

func (m *memBlobStore) URL(_ context.Context, _ string) (string, error) {
	return m.presign, nil
}

func (m *memBlobStore) Type() string { return "fake" }

type fakeSubs struct {
	sub *billing.Subscription
	err error
}

func (f *fakeSubs) Subscription(_ context.Context, _ string) (*billing.Subscription, error) {
	return f.sub, f.err
}

type fakePool struct {
	mu   sync.Mutex
	jobs []transcribe.Job
	full bool
}

func (f *fakePool) Enqueue(j transcribe.Job) bool {
	if f.full {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, j)
	return true
}
