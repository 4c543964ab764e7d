// Package postgres persists subscriptions.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	subscriptions "citysense-cloud/internal/subscriptions/domain"
)

const defaultSubscriptionsTable = "subscriptions"

// SubscriptionRepository stores subscriptions in PostgreSQL.
type SubscriptionRepository struct {
	db    *sql.DB
	table string
}

// RepositoryOption customizes the repository.
type RepositoryOption func(*SubscriptionRepository)

// WithTable overrides the subscriptions table name.
func WithTable(table string) RepositoryOption {
	return func(r *SubscriptionRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewSubscriptionRepository constructs a repository over db.
func NewSubscriptionRepository(db *sql.DB, opts ...RepositoryOption) (*SubscriptionRepository, error) {
	if db == nil {
		return nil, errors.New("subscriptions: nil db")
	}
	repo := &SubscriptionRepository{db: db, table: defaultSubscriptionsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo, nil
}

// Add upserts a subscription as active. A topic carrying "/alerts" is
// registered under its data topic with the alert topic split off.
func (r *SubscriptionRepository) Add(ctx context.Context, topic string) error {
	dataTopic, alertTopic := subscriptions.SplitAlertTopic(topic)
	query := fmt.Sprintf(`
INSERT INTO %s (topic, data_topic, alert_topic, active)
VALUES ($1, $2, $3, TRUE)
ON CONFLICT (topic) DO UPDATE SET active = TRUE`, r.table)
	_, err := r.db.ExecContext(ctx, query, topic, dataTopic, nullString(alertTopic))
	if err != nil {
		return fmt.Errorf("add subscription: %w", err)
	}
	return nil
}

// Remove deletes the subscription row. It reports whether a row existed.
func (r *SubscriptionRepository) Remove(ctx context.Context, topic string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE topic = $1`, r.table)
	res, err := r.db.ExecContext(ctx, query, topic)
	if err != nil {
		return false, fmt.Errorf("remove subscription: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove subscription: %w", err)
	}
	return rows > 0, nil
}

// List returns every subscription row.
func (r *SubscriptionRepository) List(ctx context.Context) ([]subscriptions.Subscription, error) {
	query := fmt.Sprintf(`
SELECT id, topic, data_topic, alert_topic, active
FROM %s
ORDER BY topic ASC`, r.table)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []subscriptions.Subscription
	for rows.Next() {
		var sub subscriptions.Subscription
		var alertTopic sql.NullString
		if err := rows.Scan(&sub.ID, &sub.Topic, &sub.DataTopic, &alertTopic, &sub.Active); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if alertTopic.Valid {
			value := alertTopic.String
			sub.AlertTopic = &value
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

// ListActiveTopics returns the topics the pipeline should be subscribed to.
func (r *SubscriptionRepository) ListActiveTopics(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT topic FROM %s WHERE active = TRUE ORDER BY topic ASC`, r.table)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active topics: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, topic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active topics: %w", err)
	}
	return topics, nil
}

// AlertTopicFor returns the stored alert topic for a subscription, nil when
// the subscription is unknown or has no mapping yet.
func (r *SubscriptionRepository) AlertTopicFor(ctx context.Context, topic string) (*string, error) {
	query := fmt.Sprintf(`SELECT alert_topic FROM %s WHERE topic = $1 LIMIT 1`, r.table)
	var alertTopic sql.NullString
	err := r.db.QueryRowContext(ctx, query, topic).Scan(&alertTopic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("alert topic lookup: %w", err)
	}
	if !alertTopic.Valid {
		return nil, nil
	}
	value := alertTopic.String
	return &value, nil
}

// SetAlertTopic stores the alert topic for a subscription, inserting an
// active row when the subscription does not exist yet.
func (r *SubscriptionRepository) SetAlertTopic(ctx context.Context, topic, alertTopic string) error {
	dataTopic, _ := subscriptions.SplitAlertTopic(topic)
	query := fmt.Sprintf(`
INSERT INTO %s (topic, data_topic, alert_topic, active)
VALUES ($1, $2, $3, TRUE)
ON CONFLICT (topic) DO UPDATE SET alert_topic = EXCLUDED.alert_topic`, r.table)
	_, err := r.db.ExecContext(ctx, query, topic, dataTopic, alertTopic)
	if err != nil {
		return fmt.Errorf("set alert topic: %w", err)
	}
	return nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}
