// Package application holds the alarm engine: it turns a normalized reading
// plus the current parameter ranges into alarm state transitions.
package application

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"sync"
	"time"

	alarms "citysense-cloud/internal/alarms/domain"
	"citysense-cloud/internal/observability/metrics"
	ranges "citysense-cloud/internal/ranges/domain"
	telemetry "citysense-cloud/internal/telemetry/domain"
)

// RangeSource serves configured bounds per parameter.
type RangeSource interface {
	Get(ctx context.Context, parameter string) (ranges.ParameterRange, bool)
}

// Notifier receives alarm transitions. Implementations must not block the
// caller; slow sinks are expected to hand off internally.
type Notifier interface {
	Notify(ctx context.Context, event AlarmEvent)
}

// AlarmEvent describes one alarm transition.
type AlarmEvent struct {
	Code  string       `json:"code"`
	Topic string       `json:"topic,omitempty"`
	Alarm alarms.Alarm `json:"alarm"`
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

const lockStripes = 64

// Service evaluates readings against configured ranges and drives the
// per-key alarm state machine: NORMAL when no active row exists, ALARMED
// while one does. Repeated readings in the same state never duplicate
// alarms or alerts.
type Service struct {
	repo     alarms.Repository
	rng      RangeSource
	notifier Notifier
	clock    Clock
	logger   *log.Logger

	// locks serialize create/resolve decisions per (sensor id, parameter)
	// key so concurrent pipeline workers cannot race a duplicate alarm.
	locks [lockStripes]sync.Mutex
}

// ServiceOption customizes the service.
type ServiceOption func(*Service)

// WithNotifier assigns a transition notifier.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		s.clock = clock
	}
}

// NewService constructs an alarm engine.
func NewService(repo alarms.Repository, rng RangeSource, logger *log.Logger, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("alarms: nil repository")
	}
	if rng == nil {
		return nil, errors.New("alarms: nil range source")
	}
	if logger == nil {
		logger = log.Default()
	}
	service := &Service{
		repo:   repo,
		rng:    rng,
		clock:  systemClock{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Evaluate walks every numeric measurement present on the reading that has a
// configured range and applies the state machine. A persistence failure on
// one field abandons that field's transition but never the remaining fields.
func (s *Service) Evaluate(ctx context.Context, topic string, reading *telemetry.Reading) {
	if s == nil || reading == nil {
		return
	}
	for _, parameter := range telemetry.MeasurementColumns {
		value, ok := reading.Measurement(parameter)
		if !ok {
			continue
		}
		rng, ok := s.rng.Get(ctx, parameter)
		if !ok {
			// no configured range, no implicit default bounds
			continue
		}
		s.evaluateField(ctx, topic, reading, parameter, value, rng)
	}
}

func (s *Service) evaluateField(ctx context.Context, topic string, reading *telemetry.Reading, parameter string, value float64, rng ranges.ParameterRange) {
	lock := s.lockFor(reading.SensorID, parameter)
	lock.Lock()
	defer lock.Unlock()

	hadActive, err := s.repo.HasActive(ctx, reading.SensorID, parameter)
	if err != nil {
		s.logger.Printf("alarms: active check failed for %s: %v", parameter, err)
		return
	}
	outOfRange := !rng.Contains(value)

	switch {
	case outOfRange && !hadActive:
		at := s.atOrNow(reading.RecordedAt)
		alarm := &alarms.Alarm{
			SensorID:       reading.SensorID,
			StreetID:       reading.StreetID,
			Parameter:      parameter,
			TriggeredValue: value,
			TriggeredAt:    at,
			Active:         true,
		}
		if err := s.repo.Create(ctx, alarm); err != nil {
			s.logger.Printf("alarms: create failed for %s: %v", parameter, err)
			return
		}
		metrics.IncAlarmTransition("triggered")
		s.notify(ctx, AlarmEvent{Code: alarms.CodeTriggered, Topic: topic, Alarm: *alarm})

	case !outOfRange && hadActive:
		at := s.atOrNow(reading.RecordedAt)
		resolved, err := s.repo.Resolve(ctx, reading.SensorID, parameter, value, at)
		if err != nil {
			s.logger.Printf("alarms: resolve failed for %s: %v", parameter, err)
			return
		}
		if !resolved {
			return
		}
		metrics.IncAlarmTransition("resolved")
		alarm := alarms.Alarm{
			SensorID:       reading.SensorID,
			StreetID:       reading.StreetID,
			Parameter:      parameter,
			TriggeredValue: value,
			ResolvedAt:     &at,
			ResolvedValue:  &value,
			Active:         false,
		}
		s.notify(ctx, AlarmEvent{Code: alarms.CodeResolved, Topic: topic, Alarm: alarm})
	}
	// out-of-range while already alarmed, or in-range while normal: no
	// transition, no alert
}

// List returns alarm episodes for the admin surface.
func (s *Service) List(ctx context.Context, filter alarms.ListFilter) ([]alarms.Alarm, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	return s.repo.List(ctx, filter)
}

func (s *Service) notify(ctx context.Context, event AlarmEvent) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, event)
}

func (s *Service) lockFor(sensorID *string, parameter string) *sync.Mutex {
	h := fnv.New32a()
	if sensorID != nil {
		_, _ = h.Write([]byte(*sensorID))
	}
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(parameter))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Service) atOrNow(value *time.Time) time.Time {
	if value == nil || value.IsZero() {
		return s.clock.Now().UTC()
	}
	return value.UTC()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
