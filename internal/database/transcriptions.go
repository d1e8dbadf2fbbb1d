package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/snarg/scribe-engine/internal/jobs"
	"github.com/snarg/scribe-engine/internal/ledger"
	"github.com/snarg/scribe-engine/internal/retention"
)

const transcriptionColumns = `
	id, user_id, file_name, file_size, mime_type, file_url,
	duration, language, status, text, segments, credits_used,
	failure_reason, is_public, created_at, completed_at`

// Create inserts a new transcription row and fills in ID and CreatedAt.
func (db *DB) Create(ctx context.Context, t *jobs.Transcription) error {
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO transcriptions (user_id, file_name, file_size, mime_type, file_url, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, t.UserID, t.FileName, t.FileSize, t.MimeType, t.FileURL, t.Status,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transcription: %w", err)
	}
	return nil
}

// Get returns a transcription by id.
func (db *DB) Get(ctx context.Context, id string) (*jobs.Transcription, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT`+transcriptionColumns+` FROM transcriptions WHERE id = $1`, id)
	t, err := scanTranscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transcription: %w", err)
	}
	return t, nil
}

// ListByUser returns a page of the user's transcriptions, newest first,
// plus the total count for pagination.
func (db *DB) ListByUser(ctx context.Context, userID string, limit, offset int) ([]jobs.Transcription, int, error) {
	var total int
	err := db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM transcriptions WHERE user_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count transcriptions: %w", err)
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT`+transcriptionColumns+`
		FROM transcriptions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list transcriptions: %w", err)
	}
	defer rows.Close()

	var out []jobs.Transcription
	for rows.Next() {
		t, err := scanTranscription(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan transcription: %w", err)
		}
		out = append(out, *t)
	}
	return out, total, rows.Err()
}

// Complete claims the processing row, persists the provider result, and
// charges the user's credits, all in one transaction:
// 1) UPDATE guarded by status='processing' claims the row exactly once
// 2) the conditional balance debit rejects an uncoverable charge
// 3) a usage entry lands in the credit ledger
// Any step failing rolls back the whole unit, so a charged completion
// and its ledger entry are inseparable.
func (db *DB) Complete(ctx context.Context, p jobs.CompleteParams) (*jobs.Transcription, error) {
	segments, err := encodeSegments(p.Segments)
	if err != nil {
		return nil, err
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE transcriptions SET
			status = 'completed',
			text = $2,
			segments = $3,
			language = $4,
			duration = $5,
			credits_used = $6,
			completed_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING`+transcriptionColumns,
		p.ID, p.Text, segments, p.Language, p.Duration, p.CreditsToCharge)

	t, err := scanTranscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.terminalOrMissing(ctx, p.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("claim completion: %w", err)
	}

	if err := applyBalance(ctx, tx, t.UserID, -p.CreditsToCharge); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return nil, jobs.ErrInsufficientCredits
		}
		return nil, err
	}

	if _, err := insertEntry(ctx, tx, ledger.Transaction{
		UserID:      t.UserID,
		Amount:      -p.CreditsToCharge,
		Type:        ledger.TypeUsage,
		Description: "transcription of " + t.FileName,
		Metadata:    map[string]string{"transcription_id": t.ID},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit completion: %w", err)
	}
	return t, nil
}

// Fail claims the processing row and marks it failed. The media reference
// is retained so the user can see what failed; retention reclaims it later.
func (db *DB) Fail(ctx context.Context, id, reason string) (*jobs.Transcription, error) {
	row := db.Pool.QueryRow(ctx, `
		UPDATE transcriptions SET status = 'failed', failure_reason = $2
		WHERE id = $1 AND status = 'processing'
		RETURNING`+transcriptionColumns, id, reason)

	t, err := scanTranscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.terminalOrMissing(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	return t, nil
}

// SetPublic toggles visibility. The owner guard lives in the WHERE clause.
func (db *DB) SetPublic(ctx context.Context, id, userID string, public bool) (*jobs.Transcription, error) {
	row := db.Pool.QueryRow(ctx, `
		UPDATE transcriptions SET is_public = $3
		WHERE id = $1 AND user_id = $2
		RETURNING`+transcriptionColumns, id, userID, public)

	t, err := scanTranscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.missingOrForbidden(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("set public: %w", err)
	}
	return t, nil
}

// Delete removes a row owned by userID and returns it so the caller can
// clean up the blob.
func (db *DB) Delete(ctx context.Context, id, userID string) (*jobs.Transcription, error) {
	row := db.Pool.QueryRow(ctx, `
		DELETE FROM transcriptions
		WHERE id = $1 AND user_id = $2
		RETURNING`+transcriptionColumns, id, userID)

	t, err := scanTranscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete transcription: %w", err)
	}
	return t, nil
}

// ListStale returns processing rows created before the cutoff, oldest
// first, for the recovery sweep.
func (db *DB) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]jobs.Transcription, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT`+transcriptionColumns+`
		FROM transcriptions
		WHERE status = 'processing' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer rows.Close()

	var out []jobs.Transcription
	for rows.Next() {
		t, err := scanTranscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListRetentionCandidates returns terminal rows still holding media,
// created before the cutoff, oldest first.
func (db *DB) ListRetentionCandidates(ctx context.Context, cutoff time.Time, limit int) ([]retention.Candidate, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, file_url, created_at
		FROM transcriptions
		WHERE file_url <> '' AND status IN ('completed', 'failed') AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list retention candidates: %w", err)
	}
	defer rows.Close()

	var out []retention.Candidate
	for rows.Next() {
		var c retention.Candidate
		if err := rows.Scan(&c.ID, &c.UserID, &c.FileURL, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClearFileURL nulls the media reference after the blob was deleted.
func (db *DB) ClearFileURL(ctx context.Context, id string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE transcriptions SET file_url = '' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear file url: %w", err)
	}
	return nil
}

// terminalOrMissing distinguishes a missed claim (row exists but is
// terminal) from a row that never existed.
func (db *DB) terminalOrMissing(ctx context.Context, id string) error {
	var status jobs.Status
	err := db.Pool.QueryRow(ctx,
		`SELECT status FROM transcriptions WHERE id = $1`, id,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check status: %w", err)
	}
	if status.Terminal() {
		return jobs.ErrAlreadyTerminal
	}
	return jobs.ErrNotFound
}

// missingOrForbidden distinguishes a row owned by someone else from a
// row that never existed.
func (db *DB) missingOrForbidden(ctx context.Context, id string) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transcriptions WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check existence: %w", err)
	}
	if exists {
		return jobs.ErrForbidden
	}
	return jobs.ErrNotFound
}

func encodeSegments(segs []jobs.Segment) ([]byte, error) {
	if len(segs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(segs)
	if err != nil {
		return nil, fmt.Errorf("marshal segments: %w", err)
	}
	return data, nil
}

func scanTranscription(row pgx.Row) (*jobs.Transcription, error) {
	var t jobs.Transcription
	var segments []byte
	err := row.Scan(
		&t.ID, &t.UserID, &t.FileName, &t.FileSize, &t.MimeType, &t.FileURL,
		&t.Duration, &t.Language, &t.Status, &t.Text, &segments, &t.CreditsUsed,
		&t.FailureReason, &t.IsPublic, &t.CreatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		if err := json.Unmarshal(segments, &t.Segments); err != nil {
			return nil, fmt.Errorf("unmarshal segments: %w", err)
		}
	}
	return &t, nil
}
