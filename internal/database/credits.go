package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/snarg/scribe-engine/internal/ledger"
)

// uniqueViolation is the Postgres error code for a unique constraint trip.
const uniqueViolation = "23505"

// Balance returns the materialized balance from credit_accounts.
func (db *DB) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := db.Pool.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrNoAccount
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// Apply adjusts the balance and appends the ledger entry in one
// transaction. The balance mutation is a conditional UPDATE guarded by
// the CHECK-mirroring predicate, so concurrent debits serialize on the
// account row and can never both pass against a stale balance.
func (db *DB) Apply(ctx context.Context, entry ledger.Transaction) (ledger.Transaction, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyBalance(ctx, tx, entry.UserID, entry.Amount); err != nil {
		return ledger.Transaction{}, err
	}

	out, err := insertEntry(ctx, tx, entry)
	if err != nil {
		return ledger.Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.Transaction{}, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

// FindByDedupKey returns the previously applied entry for the key, or nil.
func (db *DB) FindByDedupKey(ctx context.Context, userID string, txType ledger.TransactionType, key string) (*ledger.Transaction, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, user_id, amount, type, description, dedup_key, metadata, created_at
		FROM credit_transactions
		WHERE user_id = $1 AND type = $2 AND dedup_key = $3
	`, userID, txType, key)

	entry, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by dedup key: %w", err)
	}
	return &entry, nil
}

// List returns up to limit entries for the user, newest first.
func (db *DB) List(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, amount, type, description, dedup_key, metadata, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// applyBalance ensures the account row exists and applies the delta.
// For debits the WHERE clause enforces the non-negative invariant.
func applyBalance(ctx context.Context, tx pgx.Tx, userID string, amount int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance) VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $1, updated_at = now()
		WHERE user_id = $2 AND balance + $1 >= 0
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrInsufficientCredits
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, entry ledger.Transaction) (ledger.Transaction, error) {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return ledger.Transaction{}, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	err := tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, amount, type, description, dedup_key, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, entry.UserID, entry.Amount, entry.Type, entry.Description, entry.DedupKey, metadata,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ledger.Transaction{}, ledger.ErrDuplicateDedupKey
		}
		return ledger.Transaction{}, fmt.Errorf("insert entry: %w", err)
	}
	return entry, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var entry ledger.Transaction
	var metadata []byte
	err := row.Scan(
		&entry.ID, &entry.UserID, &entry.Amount, &entry.Type,
		&entry.Description, &entry.DedupKey, &metadata, &entry.CreatedAt,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return ledger.Transaction{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return entry, nil
}
