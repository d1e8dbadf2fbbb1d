package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/snarg/scribe-engine/internal/billing"
)

// Subscription returns the user's most recent subscription row, or nil
// when none exists (the caller treats that as the free plan). An error
// here is not a missing row; callers must not fall back to free on it.
func (db *DB) Subscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	var s billing.Subscription
	err := db.Pool.QueryRow(ctx, `
		SELECT id, user_id, plan, status,
			coalesce(period_start, 'epoch'::timestamptz),
			coalesce(period_end, 'epoch'::timestamptz),
			provider_customer_id, provider_subscription_id
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY period_end DESC NULLS LAST
		LIMIT 1
	`, userID).Scan(
		&s.ID, &s.UserID, &s.Plan, &s.Status,
		&s.PeriodStart, &s.PeriodEnd,
		&s.ProviderCustomerID, &s.ProviderSubscriptionID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return &s, nil
}
