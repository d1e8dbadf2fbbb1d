package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TypePurchase          TransactionType = "purchase"
	TypeSubscriptionGrant TransactionType = "subscription_grant"
	TypeUsage             TransactionType = "usage"
	TypeRefund            TransactionType = "refund"
	TypeAdjustment        TransactionType = "adjustment"
)

// ValidType reports whether t is a known transaction type.
func ValidType(t TransactionType) bool {
	switch t {
	case TypePurchase, TypeSubscriptionGrant, TypeUsage, TypeRefund, TypeAdjustment:
		return true
	}
	return false
}

// Transaction is an immutable ledger entry. Positive amounts credit the
// account, negative amounts debit it. The materialized balance is always
// re-derivable as the sum of a user's transaction amounts.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Amount      int64             `json:"amount"`
	Type        TransactionType   `json:"type"`
	Description string            `json:"description,omitempty"`
	DedupKey    string            `json:"dedup_key,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

var (
	// ErrNoAccount means the user has no credit account.
	ErrNoAccount = errors.New("credit account not found")
	// ErrInsufficientCredits means a debit would drive the balance negative.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidAmount means a non-positive amount was passed to Credit/Debit.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrDuplicateDedupKey is returned by stores when the (user, type,
	// dedup key) uniqueness constraint trips. The service resolves it to
	// the prior transaction rather than surfacing an error.
	ErrDuplicateDedupKey = errors.New("duplicate dedup key")
)

// Store is the persistence contract for the ledger. Apply must be a single
// atomic unit: balance check (for debits), balance mutation, and entry
// append either all happen or none do. Per-user serialization is the
// store's responsibility (row-level conditional update in Postgres).
type Store interface {
	// Balance returns the materialized balance. ErrNoAccount if unknown.
	Balance(ctx context.Context, userID string) (int64, error)

	// Apply atomically appends tx and adjusts the balance. For negative
	// amounts the store must enforce balance+amount >= 0 and return
	// ErrInsufficientCredits without mutating anything. A tx carrying a
	// dedup key already seen for (user, type) yields ErrDuplicateDedupKey.
	Apply(ctx context.Context, tx Transaction) (Transaction, error)

	// FindByDedupKey returns the transaction previously applied with the
	// given key, or nil if none exists.
	FindByDedupKey(ctx context.Context, userID string, txType TransactionType, key string) (*Transaction, error)

	// List returns up to limit transactions, newest first.
	List(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

// EntryOpts carries optional fields for Credit/Debit.
type EntryOpts struct {
	Description string
	DedupKey    string
	Metadata    map[string]string
}

// Result is the outcome of a Credit or Debit. Applied is false when an
// idempotent replay returned the previously applied transaction.
type Result struct {
	Transaction Transaction
	Applied     bool
}

// Ledger owns credit balances and the append-only transaction log.
type Ledger struct {
	store Store
	log   zerolog.Logger
}

func New(store Store, log zerolog.Logger) *Ledger {
	return &Ledger{
		store: store,
		log:   log.With().Str("component", "ledger").Logger(),
	}
}

// GetBalance returns the user's current balance.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	return l.store.Balance(ctx, userID)
}

// Credit grants amount credits. Repeat deliveries carrying the same dedup
// key (duplicated webhook, retried grant) return the prior transaction
// with Applied=false instead of double-crediting.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, txType TransactionType, opts EntryOpts) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	return l.apply(ctx, userID, amount, txType, opts)
}

// Debit spends amount credits. Fails with ErrInsufficientCredits when the
// balance cannot cover it; the check and the mutation are one atomic unit
// so concurrent debits cannot both pass against a stale balance.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, txType TransactionType, opts EntryOpts) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	return l.apply(ctx, userID, -amount, txType, opts)
}

func (l *Ledger) apply(ctx context.Context, userID string, amount int64, txType TransactionType, opts EntryOpts) (Result, error) {
	if !ValidType(txType) {
		return Result{}, fmt.Errorf("unknown transaction type %q", txType)
	}

	if opts.DedupKey != "" {
		prior, err := l.store.FindByDedupKey(ctx, userID, txType, opts.DedupKey)
		if err != nil {
			return Result{}, fmt.Errorf("dedup lookup: %w", err)
		}
		if prior != nil {
			l.log.Debug().
				Str("user_id", userID).
				Str("dedup_key", opts.DedupKey).
				Msg("dedup key already applied, returning prior transaction")
			return Result{Transaction: *prior, Applied: false}, nil
		}
	}

	tx, err := l.store.Apply(ctx, Transaction{
		UserID:      userID,
		Amount:      amount,
		Type:        txType,
		Description: opts.Description,
		DedupKey:    opts.DedupKey,
		Metadata:    opts.Metadata,
	})
	if errors.Is(err, ErrDuplicateDedupKey) {
		// Lost a race with a concurrent delivery of the same event.
		prior, ferr := l.store.FindByDedupKey(ctx, userID, txType, opts.DedupKey)
		if ferr != nil || prior == nil {
			return Result{}, fmt.Errorf("dedup conflict without prior transaction: %w", err)
		}
		return Result{Transaction: *prior, Applied: false}, nil
	}
	if err != nil {
		return Result{}, err
	}

	l.log.Info().
		Str("user_id", userID).
		Int64("amount", amount).
		Str("type", string(txType)).
		Msg("ledger entry applied")
	return Result{Transaction: tx, Applied: true}, nil
}

// ListTransactions returns the user's transaction history, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.List(ctx, userID, limit)
}
