package ingest

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	alarmapp "citysense-cloud/internal/alarms/application"
	alarms "citysense-cloud/internal/alarms/domain"
	ranges "citysense-cloud/internal/ranges/domain"
	subscriptions "citysense-cloud/internal/subscriptions/domain"
	telemetry "citysense-cloud/internal/telemetry/domain"
)

type fakeReadingStore struct {
	mu       sync.Mutex
	inserted []telemetry.Reading
	err      error
}

func (s *fakeReadingStore) Insert(_ context.Context, reading *telemetry.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.inserted = append(s.inserted, *reading)
	return nil
}

func (s *fakeReadingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

type fakeSubscriptionRepo struct {
	mu     sync.Mutex
	topics map[string]bool
}

func newFakeSubscriptionRepo(active ...string) *fakeSubscriptionRepo {
	repo := &fakeSubscriptionRepo{topics: map[string]bool{}}
	for _, topic := range active {
		repo.topics[topic] = true
	}
	return repo
}

func (r *fakeSubscriptionRepo) Add(_ context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[topic] = true
	return nil
}

func (r *fakeSubscriptionRepo) Remove(_ context.Context, topic string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.topics[topic]
	delete(r.topics, topic)
	return ok, nil
}

func (r *fakeSubscriptionRepo) List(context.Context) ([]subscriptions.Subscription, error) {
	return nil, nil
}

func (r *fakeSubscriptionRepo) ListActiveTopics(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var topics []string
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	return topics, nil
}

func (r *fakeSubscriptionRepo) AlertTopicFor(context.Context, string) (*string, error) {
	return nil, nil
}

func (r *fakeSubscriptionRepo) SetAlertTopic(context.Context, string, string) error {
	return nil
}

type fakeBroker struct {
	mu       sync.Mutex
	handlers map[string]func(topic string, payload []byte)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]func(string, []byte){}}
}

func (b *fakeBroker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return nil
}

func (b *fakeBroker) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()
	if handler == nil {
		t.Fatalf("no handler for %q", topic)
	}
	handler(topic, payload)
}

func (b *fakeBroker) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[topic]
	return ok
}

type memAlarmRepo struct {
	mu       sync.Mutex
	active   map[string]bool
	created  int
	resolved int
}

func (r *memAlarmRepo) key(sensorID *string, parameter string) string {
	if sensorID == nil {
		return "|" + parameter
	}
	return *sensorID + "|" + parameter
}

func (r *memAlarmRepo) Create(_ context.Context, alarm *alarms.Alarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = map[string]bool{}
	}
	r.active[r.key(alarm.SensorID, alarm.Parameter)] = true
	r.created++
	return nil
}

func (r *memAlarmRepo) HasActive(_ context.Context, sensorID *string, parameter string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[r.key(sensorID, parameter)], nil
}

func (r *memAlarmRepo) Resolve(_ context.Context, sensorID *string, parameter string, _ float64, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := r.key(sensorID, parameter)
	if !r.active[key] {
		return false, nil
	}
	delete(r.active, key)
	r.resolved++
	return true, nil
}

func (r *memAlarmRepo) List(context.Context, alarms.ListFilter) ([]alarms.Alarm, error) {
	return nil, nil
}

type fixedRangeSource struct {
	ranges map[string]ranges.ParameterRange
}

func (s *fixedRangeSource) Get(_ context.Context, parameter string) (ranges.ParameterRange, bool) {
	rng, ok := s.ranges[parameter]
	return rng, ok
}

type collectingNotifier struct {
	mu     sync.Mutex
	events []alarmapp.AlarmEvent
	gotOne chan struct{}
}

func newCollectingNotifier() *collectingNotifier {
	return &collectingNotifier{gotOne: make(chan struct{}, 16)}
}

func (n *collectingNotifier) Notify(_ context.Context, event alarmapp.AlarmEvent) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	n.gotOne <- struct{}{}
}

func (n *collectingNotifier) wait(t *testing.T) alarmapp.AlarmEvent {
	t.Helper()
	select {
	case <-n.gotOne:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alarm event")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

func fptr(v float64) *float64 { return &v }

func buildPipeline(t *testing.T, store telemetry.ReadingRepository, subs subscriptions.Repository, broker Subscriber, notifier alarmapp.Notifier) *Pipeline {
	t.Helper()
	logger := log.New(os.Stderr, "", 0)
	engine, err := alarmapp.NewService(&memAlarmRepo{}, &fixedRangeSource{
		ranges: map[string]ranges.ParameterRange{
			"temp": {Parameter: "temp", Min: fptr(0), Max: fptr(40)},
		},
	}, logger, alarmapp.WithNotifier(notifier))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	pipeline, err := New(store, engine, subs, broker, logger, WithWorkers(1), WithQueueSize(8))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pipeline
}

func TestPipelineEndToEnd(t *testing.T) {
	store := &fakeReadingStore{}
	subs := newFakeSubscriptionRepo("sensors/calle-mayor/s-1")
	broker := newFakeBroker()
	notifier := newCollectingNotifier()
	pipeline := buildPipeline(t, store, subs, broker, notifier)

	if err := pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pipeline.Stop()

	if !broker.subscribed("sensors/calle-mayor/s-1") {
		t.Fatal("startup did not subscribe the active topic")
	}

	broker.deliver(t, "sensors/calle-mayor/s-1", []byte(`{"sensor_id":"s-1","data":{"temp":45}}`))
	event := notifier.wait(t)
	if event.Code != alarms.CodeTriggered {
		t.Fatalf("code = %q, want %q", event.Code, alarms.CodeTriggered)
	}
	if event.Topic != "sensors/calle-mayor/s-1" {
		t.Fatalf("topic = %q", event.Topic)
	}

	broker.deliver(t, "sensors/calle-mayor/s-1", []byte(`{"sensor_id":"s-1","data":{"temp":22}}`))
	event = notifier.wait(t)
	if event.Code != alarms.CodeResolved {
		t.Fatalf("code = %q, want %q", event.Code, alarms.CodeResolved)
	}

	if store.count() != 2 {
		t.Fatalf("stored readings = %d, want 2", store.count())
	}
}

func TestPipelineDropsMalformedPayload(t *testing.T) {
	store := &fakeReadingStore{}
	subs := newFakeSubscriptionRepo("sensors/x")
	broker := newFakeBroker()
	notifier := newCollectingNotifier()
	pipeline := buildPipeline(t, store, subs, broker, notifier)

	if err := pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	broker.deliver(t, "sensors/x", []byte(`not json`))
	broker.deliver(t, "sensors/x", []byte(`[1,2,3]`))
	pipeline.Stop()

	if store.count() != 0 {
		t.Fatalf("stored readings = %d, want 0", store.count())
	}
}

func TestPipelineEvaluatesDespiteStoreFailure(t *testing.T) {
	store := &fakeReadingStore{err: errors.New("db down")}
	subs := newFakeSubscriptionRepo("sensors/x")
	broker := newFakeBroker()
	notifier := newCollectingNotifier()
	pipeline := buildPipeline(t, store, subs, broker, notifier)

	if err := pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pipeline.Stop()

	broker.deliver(t, "sensors/x", []byte(`{"sensor_id":"s-9","data":{"temp":55}}`))
	event := notifier.wait(t)
	if event.Code != alarms.CodeTriggered {
		t.Fatalf("code = %q: threshold detection must not depend on persistence", event.Code)
	}
}

func TestPipelineLiveSubscribeUnsubscribe(t *testing.T) {
	store := &fakeReadingStore{}
	subs := newFakeSubscriptionRepo()
	broker := newFakeBroker()
	pipeline := buildPipeline(t, store, subs, broker, newCollectingNotifier())

	if err := pipeline.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pipeline.Stop()

	if err := pipeline.Subscribe(context.Background(), "sensors/new"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !broker.subscribed("sensors/new") {
		t.Fatal("live subscribe did not reach the broker")
	}
	if !subs.topics["sensors/new"] {
		t.Fatal("live subscribe was not persisted")
	}

	existed, err := pipeline.Unsubscribe(context.Background(), "sensors/new")
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if !existed {
		t.Fatal("existing subscription reported as missing")
	}
	if broker.subscribed("sensors/new") {
		t.Fatal("live unsubscribe did not reach the broker")
	}
}
