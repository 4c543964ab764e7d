// Package alerts formats and emits alarm notifications back onto the broker.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	alarmapp "citysense-cloud/internal/alarms/application"
	"citysense-cloud/internal/observability/metrics"
	subscriptions "citysense-cloud/internal/subscriptions/domain"
)

// DefaultPublishTimeout bounds how long one broker ack may take. A slow or
// dead broker must never stall ingestion of the next message.
const DefaultPublishTimeout = 5 * time.Second

// Sink publishes one payload to a topic.
type Sink interface {
	Publish(topic string, payload []byte, timeout time.Duration) error
}

// TopicStore resolves and persists alert topic mappings.
type TopicStore interface {
	AlertTopicFor(ctx context.Context, topic string) (*string, error)
	SetAlertTopic(ctx context.Context, topic, alertTopic string) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Message is the structured alert body.
type Message struct {
	Code      string  `json:"code"`
	Parameter string  `json:"parameter"`
	SensorID  *string `json:"sensor_id,omitempty"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

// Publisher turns alarm transitions into broker alerts. Publishing is
// asynchronous: Notify returns immediately and the alarm state change it
// reports is already committed, so a failed publish is logged and counted,
// never rolled back.
type Publisher struct {
	sink    Sink
	store   TopicStore
	clock   Clock
	logger  *log.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// PublisherOption customizes the publisher.
type PublisherOption func(*Publisher)

// WithTimeout overrides the per-publish timeout.
func WithTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) PublisherOption {
	return func(p *Publisher) {
		p.clock = clock
	}
}

// NewPublisher constructs a publisher over sink and store.
func NewPublisher(sink Sink, store TopicStore, logger *log.Logger, opts ...PublisherOption) (*Publisher, error) {
	if sink == nil {
		return nil, errors.New("alerts: nil sink")
	}
	if store == nil {
		return nil, errors.New("alerts: nil topic store")
	}
	if logger == nil {
		logger = log.Default()
	}
	publisher := &Publisher{
		sink:    sink,
		store:   store,
		clock:   systemClock{},
		logger:  logger,
		timeout: DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(publisher)
	}
	return publisher, nil
}

// Notify implements application.Notifier: it hands the transition to a
// background publish and returns.
func (p *Publisher) Notify(_ context.Context, event alarmapp.AlarmEvent) {
	if p == nil {
		return
	}
	value := event.Alarm.TriggeredValue
	if event.Alarm.ResolvedValue != nil {
		value = *event.Alarm.ResolvedValue
	}
	msg := Message{
		Code:      event.Code,
		Parameter: event.Alarm.Parameter,
		SensorID:  event.Alarm.SensorID,
		Value:     value,
		Timestamp: p.clock.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Printf("alerts: marshal failed: %v", err)
		metrics.IncAlertPublish("error")
		return
	}
	p.async(event.Topic, payload)
}

// PublishText sends a free-text alert verbatim to the subscription's alert
// topic. It backs the admin publish-alert surface.
func (p *Publisher) PublishText(ctx context.Context, topic, message string) error {
	destination, err := p.resolveTopic(ctx, topic)
	if err != nil {
		return err
	}
	if err := p.sink.Publish(destination, []byte(message), p.timeout); err != nil {
		metrics.IncAlertPublish("error")
		return err
	}
	metrics.IncAlertPublish("success")
	return nil
}

// PublishTo sends a free-text alert to an explicit topic, bypassing the
// subscription mapping.
func (p *Publisher) PublishTo(topic, message string) error {
	if err := p.sink.Publish(topic, []byte(message), p.timeout); err != nil {
		metrics.IncAlertPublish("error")
		return err
	}
	metrics.IncAlertPublish("success")
	return nil
}

// Wait blocks until in-flight async publishes finish. Shutdown helper.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) async(topic string, payload []byte) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		destination, err := p.resolveTopic(ctx, topic)
		if err != nil {
			p.logger.Printf("alerts: topic resolution for %q failed: %v", topic, err)
			metrics.IncAlertPublish("error")
			return
		}
		if err := p.sink.Publish(destination, payload, p.timeout); err != nil {
			p.logger.Printf("alerts: publish to %q failed: %v", destination, err)
			metrics.IncAlertPublish("error")
			return
		}
		metrics.IncAlertPublish("success")
	}()
}

// resolveTopic returns the alert topic on record for the subscription, or
// derives one by appending "/alerts" and persists the mapping for reuse.
func (p *Publisher) resolveTopic(ctx context.Context, topic string) (string, error) {
	stored, err := p.store.AlertTopicFor(ctx, topic)
	if err != nil {
		return "", err
	}
	if stored != nil && *stored != "" {
		return *stored, nil
	}
	derived := subscriptions.DeriveAlertTopic(topic)
	if err := p.store.SetAlertTopic(ctx, topic, derived); err != nil {
		// the derivation still stands, only the cache of it failed
		p.logger.Printf("alerts: storing alert topic for %q failed: %v", topic, err)
	}
	return derived, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
