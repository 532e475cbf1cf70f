package atstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atweave/pds/internal/poller"
)

// PostgresSubscriptionStore implements poller.SubscriptionStore against
// the subscriptions table: one row per (subscriber, subject) DID pair
// the Relay Poller walks on each tick.
type PostgresSubscriptionStore struct {
	db            *sql.DB
	subscriberDID string
}

// NewPostgresSubscriptionStore scopes a store to this node's own DID;
// only subscriptions rows where subscriber_did matches are ever read or
// written, since this process polls on behalf of one local repository.
func NewPostgresSubscriptionStore(db *sql.DB, subscriberDID string) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{db: db, subscriberDID: subscriberDID}
}

// ListSubscriptions implements poller.SubscriptionStore.
func (s *PostgresSubscriptionStore) ListSubscriptions(ctx context.Context) ([]poller.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_did, COALESCE(last_sync, '')
		FROM subscriptions
		WHERE subscriber_did = $1
	`, s.subscriberDID)
	if err != nil {
		return nil, fmt.Errorf("atstore: list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []poller.Subscription
	for rows.Next() {
		var sub poller.Subscription
		if err := rows.Scan(&sub.DID, &sub.LastSync); err != nil {
			return nil, fmt.Errorf("atstore: scan subscription row: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("atstore: iterate subscriptions: %w", err)
	}
	return out, nil
}

// UpdateLastSync implements poller.SubscriptionStore.
func (s *PostgresSubscriptionStore) UpdateLastSync(ctx context.Context, did, lastSync string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET last_sync = $1
		WHERE subscriber_did = $2 AND subject_did = $3
	`, lastSync, s.subscriberDID, did)
	if err != nil {
		return fmt.Errorf("atstore: update last_sync: %w", err)
	}
	return nil
}

// AddSubscription registers subjectDID into this node's Subscriptions
// set, a no-op if already present.
func (s *PostgresSubscriptionStore) AddSubscription(ctx context.Context, subjectDID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions(subscriber_did, subject_did)
		VALUES ($1, $2)
		ON CONFLICT (subscriber_did, subject_did) DO NOTHING
	`, s.subscriberDID, subjectDID)
	if err != nil {
		return fmt.Errorf("atstore: add subscription: %w", err)
	}
	return nil
}

// RemoveSubscription drops subjectDID from the Subscriptions set.
func (s *PostgresSubscriptionStore) RemoveSubscription(ctx context.Context, subjectDID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE subscriber_did = $1 AND subject_did = $2
	`, s.subscriberDID, subjectDID)
	if err != nil {
		return fmt.Errorf("atstore: remove subscription: %w", err)
	}
	return nil
}
