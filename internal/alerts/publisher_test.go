package alerts

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	alarmapp "citysense-cloud/internal/alarms/application"
	alarms "citysense-cloud/internal/alarms/domain"
)

type capturedPublish struct {
	topic   string
	payload []byte
}

type stubSink struct {
	mu        sync.Mutex
	published []capturedPublish
	err       error
	done      chan struct{}
}

func newStubSink() *stubSink {
	return &stubSink{done: make(chan struct{}, 8)}
}

func (s *stubSink) Publish(topic string, payload []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.done <- struct{}{} }()
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, capturedPublish{topic: topic, payload: payload})
	return nil
}

func (s *stubSink) last(t *testing.T) capturedPublish {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.published) == 0 {
		t.Fatal("no publish captured")
	}
	return s.published[len(s.published)-1]
}

type stubTopicStore struct {
	mu      sync.Mutex
	mapping map[string]string
	sets    map[string]string
}

func newStubTopicStore() *stubTopicStore {
	return &stubTopicStore{mapping: map[string]string{}, sets: map[string]string{}}
}

func (s *stubTopicStore) AlertTopicFor(_ context.Context, topic string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.mapping[topic]; ok {
		return &stored, nil
	}
	return nil, nil
}

func (s *stubTopicStore) SetAlertTopic(_ context.Context, topic, alertTopic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapping[topic] = alertTopic
	s.sets[topic] = alertTopic
	return nil
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func testPublisher(t *testing.T, sink Sink, store TopicStore) *Publisher {
	t.Helper()
	logger := log.New(os.Stderr, "", 0)
	pub, err := NewPublisher(sink, store, logger,
		WithClock(fixedClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}),
		WithTimeout(time.Second),
	)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return pub
}

func TestNotifyDerivesAndPersistsAlertTopic(t *testing.T) {
	sink := newStubSink()
	store := newStubTopicStore()
	pub := testPublisher(t, sink, store)

	sensorID := "s-1"
	pub.Notify(context.Background(), alarmapp.AlarmEvent{
		Code:  alarms.CodeTriggered,
		Topic: "sensors/calle-mayor/s-1",
		Alarm: alarms.Alarm{SensorID: &sensorID, Parameter: "temp", TriggeredValue: 45},
	})

	got := sink.last(t)
	if got.topic != "sensors/calle-mayor/s-1/alerts" {
		t.Fatalf("topic = %q", got.topic)
	}
	pub.Wait()
	if store.sets["sensors/calle-mayor/s-1"] != "sensors/calle-mayor/s-1/alerts" {
		t.Fatalf("derived mapping not persisted: %v", store.sets)
	}

	var msg Message
	if err := json.Unmarshal(got.payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Code != alarms.CodeTriggered || msg.Parameter != "temp" || msg.Value != 45 {
		t.Fatalf("message = %+v", msg)
	}
	if msg.SensorID == nil || *msg.SensorID != "s-1" {
		t.Fatalf("sensor id = %v", msg.SensorID)
	}
	if msg.Timestamp != "2026-05-01T12:00:00Z" {
		t.Fatalf("timestamp = %q", msg.Timestamp)
	}
}

func TestNotifyPrefersStoredAlertTopic(t *testing.T) {
	sink := newStubSink()
	store := newStubTopicStore()
	store.mapping["sensors/plaza/s-2"] = "ops/alerts/plaza"
	pub := testPublisher(t, sink, store)

	pub.Notify(context.Background(), alarmapp.AlarmEvent{
		Code:  alarms.CodeResolved,
		Topic: "sensors/plaza/s-2",
		Alarm: alarms.Alarm{Parameter: "humid", TriggeredValue: 90},
	})

	got := sink.last(t)
	if got.topic != "ops/alerts/plaza" {
		t.Fatalf("topic = %q, want stored mapping", got.topic)
	}
	pub.Wait()
	if len(store.sets) != 0 {
		t.Fatalf("stored mapping must not be rewritten: %v", store.sets)
	}
}

func TestNotifyOmitsNilSensorID(t *testing.T) {
	sink := newStubSink()
	pub := testPublisher(t, sink, newStubTopicStore())

	resolved := 22.0
	pub.Notify(context.Background(), alarmapp.AlarmEvent{
		Code:  alarms.CodeResolved,
		Topic: "sensors/calle-mayor",
		Alarm: alarms.Alarm{Parameter: "temp", TriggeredValue: 45, ResolvedValue: &resolved},
	})

	got := sink.last(t)
	var raw map[string]any
	if err := json.Unmarshal(got.payload, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := raw["sensor_id"]; present {
		t.Fatalf("sensor_id present in %v", raw)
	}
	if raw["value"] != 22.0 {
		t.Fatalf("value = %v, want resolved value", raw["value"])
	}
}

func TestPublishTextSendsVerbatim(t *testing.T) {
	sink := newStubSink()
	pub := testPublisher(t, sink, newStubTopicStore())

	if err := pub.PublishText(context.Background(), "sensors/plaza/", "heatwave advisory"); err != nil {
		t.Fatalf("PublishText: %v", err)
	}
	got := sink.last(t)
	if got.topic != "sensors/plaza/alerts" {
		t.Fatalf("topic = %q, trailing slash must not double", got.topic)
	}
	if string(got.payload) != "heatwave advisory" {
		t.Fatalf("payload = %q, want verbatim text", got.payload)
	}
}
