package alarms

import (
	"context"
	"time"
)

// Alert codes carried on published notifications.
const (
	CodeTriggered = "WTH001"
	CodeResolved  = "WTH002"
)

// Alarm is one out-of-range episode for a (sensor id, parameter) pair. A nil
// SensorID represents a street-level aggregate alarm: such alarms form their
// own identity class and dedupe against each other.
type Alarm struct {
	ID             int64      `json:"id"`
	SensorID       *string    `json:"sensor_id"`
	StreetID       *string    `json:"street_id"`
	Parameter      string     `json:"parameter"`
	TriggeredValue float64    `json:"triggered_value"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	ResolvedAt     *time.Time `json:"resolved_at"`
	ResolvedValue  *float64   `json:"resolved_value"`
	Active         bool       `json:"active"`
}

// ListFilter narrows an alarm listing.
type ListFilter struct {
	SensorID  *string
	Parameter string
	Active    *bool
	Limit     int
}

// Repository persists alarm episodes. At most one active alarm may exist per
// (sensor id, parameter) key; Create and Resolve calls for the same key must
// be serialized by the caller.
type Repository interface {
	Create(ctx context.Context, alarm *Alarm) error
	HasActive(ctx context.Context, sensorID *string, parameter string) (bool, error)
	Resolve(ctx context.Context, sensorID *string, parameter string, value float64, at time.Time) (bool, error)
	List(ctx context.Context, filter ListFilter) ([]Alarm, error)
}
