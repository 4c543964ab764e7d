package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	alarms "citysense-cloud/internal/alarms/domain"
)

// AlarmRepository is a Postgres repository for alarm episodes. Key matching
// is NULL-safe: a nil sensor id matches only rows whose sensor_id is NULL.
type AlarmRepository struct {
	db *sql.DB
}

// NewAlarmRepository constructs a repository.
func NewAlarmRepository(db *sql.DB) *AlarmRepository {
	return &AlarmRepository{db: db}
}

// Create inserts a new active alarm and assigns its id.
func (r *AlarmRepository) Create(ctx context.Context, alarm *alarms.Alarm) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	if alarm == nil {
		return errors.New("alarm repo: nil alarm")
	}
	if alarm.Parameter == "" {
		return errors.New("alarm repo: empty parameter")
	}
	if alarm.TriggeredAt.IsZero() {
		alarm.TriggeredAt = time.Now().UTC()
	}
	alarm.Active = true
	row := r.db.QueryRowContext(ctx, `
INSERT INTO sensor_alarms (sensor_id, street_id, parameter, triggered_value, triggered_at, active)
VALUES ($1, $2, $3, $4, $5, TRUE)
RETURNING id`,
		nullString(alarm.SensorID),
		nullString(alarm.StreetID),
		alarm.Parameter,
		alarm.TriggeredValue,
		alarm.TriggeredAt,
	)
	return row.Scan(&alarm.ID)
}

// HasActive reports whether an active alarm exists for the key.
func (r *AlarmRepository) HasActive(ctx context.Context, sensorID *string, parameter string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alarm repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id FROM sensor_alarms
WHERE sensor_id IS NOT DISTINCT FROM $1 AND parameter = $2 AND active = TRUE
LIMIT 1`, nullString(sensorID), parameter)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Resolve marks the active alarm for the key as resolved. Returns false when
// no active alarm existed.
func (r *AlarmRepository) Resolve(ctx context.Context, sensorID *string, parameter string, value float64, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alarm repo: nil db")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE sensor_alarms
SET resolved_at = $1, resolved_value = $2, active = FALSE
WHERE sensor_id IS NOT DISTINCT FROM $3 AND parameter = $4 AND active = TRUE`,
		at, value, nullString(sensorID), parameter)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// List returns alarms matching the filter, newest first.
func (r *AlarmRepository) List(ctx context.Context, filter alarms.ListFilter) ([]alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	query := `
SELECT id, sensor_id, street_id, parameter, triggered_value, triggered_at, resolved_at, resolved_value, active
FROM sensor_alarms
WHERE 1=1`
	args := make([]any, 0, 4)
	if filter.SensorID != nil {
		args = append(args, *filter.SensorID)
		query += fmt.Sprintf(" AND sensor_id IS NOT DISTINCT FROM $%d", len(args))
	}
	if filter.Parameter != "" {
		args = append(args, filter.Parameter)
		query += fmt.Sprintf(" AND parameter = $%d", len(args))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		query += fmt.Sprintf(" AND active = $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY triggered_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.Alarm
	for rows.Next() {
		var alarm alarms.Alarm
		var sensorID, streetID sql.NullString
		var resolvedAt sql.NullTime
		var resolvedValue sql.NullFloat64
		if err := rows.Scan(
			&alarm.ID,
			&sensorID,
			&streetID,
			&alarm.Parameter,
			&alarm.TriggeredValue,
			&alarm.TriggeredAt,
			&resolvedAt,
			&resolvedValue,
			&alarm.Active,
		); err != nil {
			return nil, err
		}
		alarm.TriggeredAt = alarm.TriggeredAt.UTC()
		if sensorID.Valid {
			alarm.SensorID = &sensorID.String
		}
		if streetID.Valid {
			alarm.StreetID = &streetID.String
		}
		if resolvedAt.Valid {
			at := resolvedAt.Time.UTC()
			alarm.ResolvedAt = &at
		}
		if resolvedValue.Valid {
			alarm.ResolvedValue = &resolvedValue.Float64
		}
		result = append(result, alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}
