// Package subscriptions models broker subscriptions and their alert topic
// mapping.
package subscriptions

import (
	"context"
	"strings"
)

// Subscription is one topic the ingest pipeline follows. DataTopic is the
// topic stripped of any "/alerts" suffix; AlertTopic is where alerts for the
// subscription are published, nil until derived or set.
type Subscription struct {
	ID         int64   `json:"id"`
	Topic      string  `json:"topic"`
	DataTopic  string  `json:"data_topic"`
	AlertTopic *string `json:"alert_topic,omitempty"`
	Active     bool    `json:"active"`
}

// Repository persists subscriptions.
type Repository interface {
	Add(ctx context.Context, topic string) error
	Remove(ctx context.Context, topic string) (bool, error)
	List(ctx context.Context) ([]Subscription, error)
	ListActiveTopics(ctx context.Context) ([]string, error)
	AlertTopicFor(ctx context.Context, topic string) (*string, error)
	SetAlertTopic(ctx context.Context, topic, alertTopic string) error
}

// SplitAlertTopic separates a subscription topic into its data topic and,
// when the topic itself is an alert topic, the alert topic. A topic that
// does not contain "/alerts" is its own data topic with no alert mapping.
func SplitAlertTopic(topic string) (dataTopic string, alertTopic *string) {
	if idx := strings.Index(topic, "/alerts"); idx >= 0 {
		return topic[:idx], &topic
	}
	return topic, nil
}

// DeriveAlertTopic appends "/alerts" to a data topic, tolerating a trailing
// slash so the result never carries a double slash.
func DeriveAlertTopic(dataTopic string) string {
	return strings.TrimSuffix(dataTopic, "/") + "/alerts"
}
