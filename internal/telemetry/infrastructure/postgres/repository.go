package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	telemetry "citysense-cloud/internal/telemetry/domain"
)

const defaultReadingsTable = "sensor_readings"

// ReadingRepository is a Postgres repository for sensor readings.
type ReadingRepository struct {
	db    *sql.DB
	table string
}

// NewReadingRepository constructs a repository with the default table name.
func NewReadingRepository(db *sql.DB, opts ...RepositoryOption) *ReadingRepository {
	repo := &ReadingRepository{db: db, table: defaultReadingsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*ReadingRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *ReadingRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Insert persists one reading and assigns its sequence id.
func (r *ReadingRepository) Insert(ctx context.Context, reading *telemetry.Reading) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if reading == nil {
		return errors.New("reading repo: nil reading")
	}
	statement := fmt.Sprintf(`
INSERT INTO %s (
	sensor_id, sensor_type, street_id, recorded_at,
	latitude, longitude, altitude, district, neighborhood,
	temp, humid, aqi, lux, sound_db, atmhpa, uv_index,
	bsec_status, iaq, static_iaq, co2_eq, breath_voc_eq,
	raw_temperature, raw_humidity, pressure_hpa, gas_resistance_ohm,
	gas_percentage, stabilization_status, run_in_status,
	sensor_heat_comp_temp, sensor_heat_comp_hum
) VALUES (
	$1, $2, $3, $4,
	$5, $6, $7, $8, $9,
	$10, $11, $12, $13, $14, $15, $16,
	$17, $18, $19, $20, $21,
	$22, $23, $24, $25,
	$26, $27, $28,
	$29, $30
)
RETURNING id`, r.table)
	row := r.db.QueryRowContext(ctx, statement,
		nullString(reading.SensorID),
		nullString(reading.SensorType),
		nullString(reading.StreetID),
		nullTime(reading.RecordedAt),
		nullFloat(reading.Latitude),
		nullFloat(reading.Longitude),
		nullFloat(reading.Altitude),
		nullString(reading.District),
		nullString(reading.Neighborhood),
		nullFloat(reading.Temp),
		nullFloat(reading.Humid),
		nullInt(reading.AQI),
		nullFloat(reading.Lux),
		nullFloat(reading.SoundDB),
		nullFloat(reading.AtmHPa),
		nullFloat(reading.UVIndex),
		nullInt(reading.BsecStatus),
		nullFloat(reading.IAQ),
		nullFloat(reading.StaticIAQ),
		nullFloat(reading.CO2Eq),
		nullFloat(reading.BreathVOCEq),
		nullFloat(reading.RawTemperature),
		nullFloat(reading.RawHumidity),
		nullFloat(reading.PressureHPa),
		nullFloat(reading.GasResistanceOhm),
		nullFloat(reading.GasPercentage),
		nullFloat(reading.StabilizationStatus),
		nullFloat(reading.RunInStatus),
		nullFloat(reading.SensorHeatCompTemp),
		nullFloat(reading.SensorHeatCompHum),
	)
	return row.Scan(&reading.ID)
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}

func nullInt(value *int64) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *value, Valid: true}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
