package application

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	alarms "citysense-cloud/internal/alarms/domain"
	ranges "citysense-cloud/internal/ranges/domain"
	telemetry "citysense-cloud/internal/telemetry/domain"
)

type stubAlarmRepo struct {
	mu       sync.Mutex
	active   map[string]bool
	created  []alarms.Alarm
	resolved []string

	createErr  error
	resolveErr error
	activeErr  error
}

func newStubAlarmRepo() *stubAlarmRepo {
	return &stubAlarmRepo{active: map[string]bool{}}
}

func alarmKey(sensorID *string, parameter string) string {
	if sensorID == nil {
		return "\x00|" + parameter
	}
	return *sensorID + "|" + parameter
}

func (r *stubAlarmRepo) Create(_ context.Context, alarm *alarms.Alarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	alarm.ID = int64(len(r.created) + 1)
	r.created = append(r.created, *alarm)
	r.active[alarmKey(alarm.SensorID, alarm.Parameter)] = true
	return nil
}

func (r *stubAlarmRepo) HasActive(_ context.Context, sensorID *string, parameter string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeErr != nil {
		return false, r.activeErr
	}
	return r.active[alarmKey(sensorID, parameter)], nil
}

func (r *stubAlarmRepo) Resolve(_ context.Context, sensorID *string, parameter string, _ float64, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolveErr != nil {
		return false, r.resolveErr
	}
	key := alarmKey(sensorID, parameter)
	if !r.active[key] {
		return false, nil
	}
	delete(r.active, key)
	r.resolved = append(r.resolved, parameter)
	return true, nil
}

func (r *stubAlarmRepo) List(context.Context, alarms.ListFilter) ([]alarms.Alarm, error) {
	return nil, nil
}

type stubRangeSource struct {
	ranges map[string]ranges.ParameterRange
}

func (s *stubRangeSource) Get(_ context.Context, parameter string) (ranges.ParameterRange, bool) {
	rng, ok := s.ranges[parameter]
	return rng, ok
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []AlarmEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event AlarmEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) snapshot() []AlarmEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]AlarmEvent, len(n.events))
	copy(out, n.events)
	return out
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func floatPtr(v float64) *float64 { return &v }

func strPtr(v string) *string { return &v }

func testService(t *testing.T, repo alarms.Repository, src RangeSource, notifier Notifier) *Service {
	t.Helper()
	logger := log.New(os.Stderr, "", 0)
	svc, err := NewService(repo, src, logger,
		WithNotifier(notifier),
		WithClock(&fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func tempRange(min, max float64) map[string]ranges.ParameterRange {
	return map[string]ranges.ParameterRange{
		"temp": {Parameter: "temp", Min: floatPtr(min), Max: floatPtr(max)},
	}
}

func TestEvaluateTriggersOnceWhileOutOfRange(t *testing.T) {
	repo := newStubAlarmRepo()
	notifier := &recordingNotifier{}
	svc := testService(t, repo, &stubRangeSource{ranges: tempRange(0, 40)}, notifier)

	reading := &telemetry.Reading{SensorID: strPtr("s-1"), Temp: floatPtr(45)}
	svc.Evaluate(context.Background(), "city/plaza", reading)
	svc.Evaluate(context.Background(), "city/plaza", reading)

	if len(repo.created) != 1 {
		t.Fatalf("created = %d, want 1", len(repo.created))
	}
	events := notifier.snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Code != alarms.CodeTriggered {
		t.Fatalf("code = %q, want %q", events[0].Code, alarms.CodeTriggered)
	}
	if events[0].Alarm.TriggeredValue != 45 {
		t.Fatalf("triggered value = %v, want 45", events[0].Alarm.TriggeredValue)
	}
}

func TestEvaluateResolvesOnceOnReturnToRange(t *testing.T) {
	repo := newStubAlarmRepo()
	notifier := &recordingNotifier{}
	svc := testService(t, repo, &stubRangeSource{ranges: tempRange(0, 40)}, notifier)

	svc.Evaluate(context.Background(), "city/plaza", &telemetry.Reading{SensorID: strPtr("s-1"), Temp: floatPtr(45)})
	normal := &telemetry.Reading{SensorID: strPtr("s-1"), Temp: floatPtr(22)}
	svc.Evaluate(context.Background(), "city/plaza", normal)
	svc.Evaluate(context.Background(), "city/plaza", normal)

	if len(repo.resolved) != 1 {
		t.Fatalf("resolved = %d, want 1", len(repo.resolved))
	}
	events := notifier.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	last := events[1]
	if last.Code != alarms.CodeResolved {
		t.Fatalf("code = %q, want %q", last.Code, alarms.CodeResolved)
	}
	if last.Alarm.ResolvedValue == nil || *last.Alarm.ResolvedValue != 22 {
		t.Fatalf("resolved value = %v, want 22", last.Alarm.ResolvedValue)
	}
}

func TestEvaluateSkipsUnconfiguredParameters(t *testing.T) {
	repo := newStubAlarmRepo()
	notifier := &recordingNotifier{}
	svc := testService(t, repo, &stubRangeSource{ranges: tempRange(0, 40)}, notifier)

	// humid has no configured range: even an extreme value is ignored
	reading := &telemetry.Reading{SensorID: strPtr("s-1"), Humid: floatPtr(900)}
	svc.Evaluate(context.Background(), "city/plaza", reading)

	if len(repo.created) != 0 {
		t.Fatalf("created = %d, want 0", len(repo.created))
	}
}

func TestEvaluateFieldsAreIndependent(t *testing.T) {
	repo := newStubAlarmRepo()
	notifier := &recordingNotifier{}
	src := &stubRangeSource{ranges: map[string]ranges.ParameterRange{
		"temp":  {Parameter: "temp", Min: floatPtr(0), Max: floatPtr(40)},
		"humid": {Parameter: "humid", Min: floatPtr(20), Max: floatPtr(80)},
	}}
	svc := testService(t, repo, src, notifier)

	reading := &telemetry.Reading{
		SensorID: strPtr("s-1"),
		Temp:     floatPtr(45),
		Humid:    floatPtr(50),
	}
	svc.Evaluate(context.Background(), "city/plaza", reading)

	if len(repo.created) != 1 {
		t.Fatalf("created = %d, want 1", len(repo.created))
	}
	if repo.created[0].Parameter != "temp" {
		t.Fatalf("parameter = %q, want temp", repo.created[0].Parameter)
	}
}

func TestEvaluateContinuesAfterPersistenceFailure(t *testing.T) {
	repo := newStubAlarmRepo()
	repo.activeErr = errors.New("db down")
	notifier := &recordingNotifier{}
	src := &stubRangeSource{ranges: map[string]ranges.ParameterRange{
		"temp":  {Parameter: "temp", Min: floatPtr(0), Max: floatPtr(40)},
		"humid": {Parameter: "humid", Min: floatPtr(20), Max: floatPtr(80)},
	}}
	svc := testService(t, repo, src, notifier)

	reading := &telemetry.Reading{
		SensorID: strPtr("s-1"),
		Temp:     floatPtr(45),
		Humid:    floatPtr(5),
	}
	// must not panic or stop at the first field
	svc.Evaluate(context.Background(), "city/plaza", reading)

	repo.mu.Lock()
	repo.activeErr = nil
	repo.mu.Unlock()
	svc.Evaluate(context.Background(), "city/plaza", reading)

	if len(repo.created) != 2 {
		t.Fatalf("created = %d, want 2 after recovery", len(repo.created))
	}
}

func TestEvaluateNilSensorIDIsOneIdentity(t *testing.T) {
	repo := newStubAlarmRepo()
	notifier := &recordingNotifier{}
	svc := testService(t, repo, &stubRangeSource{ranges: tempRange(0, 40)}, notifier)

	street := &telemetry.Reading{StreetID: strPtr("calle-mayor"), Temp: floatPtr(45)}
	svc.Evaluate(context.Background(), "city/street", street)
	svc.Evaluate(context.Background(), "city/street", street)

	if len(repo.created) != 1 {
		t.Fatalf("created = %d, want 1 for repeated sensorless readings", len(repo.created))
	}
	if repo.created[0].SensorID != nil {
		t.Fatalf("sensor id = %v, want nil", *repo.created[0].SensorID)
	}
}

func TestEvaluateOpenEndedBound(t *testing.T) {
	repo := newStubAlarmRepo()
	notifier := &recordingNotifier{}
	src := &stubRangeSource{ranges: map[string]ranges.ParameterRange{
		"temp": {Parameter: "temp", Max: floatPtr(40)},
	}}
	svc := testService(t, repo, src, notifier)

	svc.Evaluate(context.Background(), "city/plaza", &telemetry.Reading{SensorID: strPtr("s-1"), Temp: floatPtr(-80)})
	if len(repo.created) != 0 {
		t.Fatalf("created = %d, want 0: missing min never excludes", len(repo.created))
	}

	svc.Evaluate(context.Background(), "city/plaza", &telemetry.Reading{SensorID: strPtr("s-1"), Temp: floatPtr(41)})
	if len(repo.created) != 1 {
		t.Fatalf("created = %d, want 1", len(repo.created))
	}
}
