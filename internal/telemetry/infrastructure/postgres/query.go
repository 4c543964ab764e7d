package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	telemetry "citysense-cloud/internal/telemetry/domain"
)

// ReadingQuery answers ad-hoc queries over persisted readings. Column and
// operator validation happens before any SQL is built; values are always
// bound, never interpolated.
type ReadingQuery struct {
	db    *sql.DB
	table string
}

// NewReadingQuery constructs a query with the default table name.
func NewReadingQuery(db *sql.DB, opts ...QueryOption) *ReadingQuery {
	query := &ReadingQuery{db: db, table: defaultReadingsTable}
	for _, opt := range opts {
		opt(query)
	}
	return query
}

// QueryOption configures the reading query.
type QueryOption func(*ReadingQuery)

// WithQueryTable overrides the default table name.
func WithQueryTable(table string) QueryOption {
	return func(query *ReadingQuery) {
		if query != nil && table != "" {
			query.table = table
		}
	}
}

// selectColumns is the fixed projection, in table order.
var selectColumns = []string{
	"id", "sensor_id", "sensor_type", "street_id", "recorded_at",
	"latitude", "longitude", "altitude", "district", "neighborhood",
	"temp", "humid", "aqi", "lux", "sound_db", "atmhpa", "uv_index",
	"bsec_status", "iaq", "static_iaq", "co2_eq", "breath_voc_eq",
	"raw_temperature", "raw_humidity", "pressure_hpa", "gas_resistance_ohm",
	"gas_percentage", "stabilization_status", "run_in_status",
	"sensor_heat_comp_temp", "sensor_heat_comp_hum",
}

var allowedOperators = map[string]string{
	"=":    "=",
	"!=":   "!=",
	">":    ">",
	">=":   ">=",
	"<":    "<",
	"<=":   "<=",
	"LIKE": "LIKE",
	"like": "LIKE",
}

// buildQuery compiles QueryParams into a parameterized statement. Filter and
// sort columns are checked against the reading column whitelist first.
func buildQuery(table string, params telemetry.QueryParams) (string, []any, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE 1=1", strings.Join(selectColumns, ", "), table)
	args := make([]any, 0, 4)

	if params.Start != nil {
		args = append(args, *params.Start)
		fmt.Fprintf(&sb, " AND recorded_at >= $%d", len(args))
	}
	if params.End != nil {
		args = append(args, *params.End)
		fmt.Fprintf(&sb, " AND recorded_at <= $%d", len(args))
	}

	if params.Filter != "" && params.Value != "" {
		if !telemetry.ColumnAllowed(params.Filter) {
			return "", nil, fmt.Errorf("%w: %q", telemetry.ErrInvalidColumn, params.Filter)
		}
		op := params.Operator
		if op == "" {
			op = "="
		}
		compiled, ok := allowedOperators[op]
		if !ok {
			return "", nil, fmt.Errorf("%w: %q", telemetry.ErrUnsupportedOperator, op)
		}
		value := params.Value
		if compiled == "LIKE" && !strings.Contains(value, "%") {
			value = "%" + value + "%"
		}
		args = append(args, value)
		fmt.Fprintf(&sb, " AND %s %s $%d", params.Filter, compiled, len(args))
	}

	if params.SortBy != "" {
		if !telemetry.ColumnAllowed(params.SortBy) {
			return "", nil, fmt.Errorf("%w: %q", telemetry.ErrInvalidColumn, params.SortBy)
		}
		direction := "ASC"
		if strings.EqualFold(params.Order, "DESC") {
			direction = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s", params.SortBy, direction)
	} else {
		sb.WriteString(" ORDER BY recorded_at DESC")
	}

	limit := params.Limit
	if limit <= 0 {
		limit = telemetry.DefaultQueryLimit
	}
	if limit > telemetry.MaxQueryLimit {
		limit = telemetry.MaxQueryLimit
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	args = append(args, offset)
	fmt.Fprintf(&sb, " OFFSET $%d", len(args))

	return sb.String(), args, nil
}

// Query runs one whitelisted ad-hoc query and returns rows as column maps.
// Timestamps render in the canonical string form rather than the driver's
// native representation.
func (q *ReadingQuery) Query(ctx context.Context, params telemetry.QueryParams) ([]map[string]any, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("reading query: nil db")
	}
	statement, args, err := buildQuery(q.table, params)
	if err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]map[string]any, 0)
	for rows.Next() {
		row, err := scanReadingRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanReadingRow(rows *sql.Rows) (map[string]any, error) {
	var (
		id                                         int64
		sensorID, sensorType, streetID             sql.NullString
		recordedAt                                 sql.NullTime
		latitude, longitude, altitude              sql.NullFloat64
		district, neighborhood                     sql.NullString
		temp, humid                                sql.NullFloat64
		aqi                                        sql.NullInt64
		lux, soundDB, atmHPa, uvIndex              sql.NullFloat64
		bsecStatus                                 sql.NullInt64
		iaq, staticIAQ, co2Eq, breathVOCEq         sql.NullFloat64
		rawTemperature, rawHumidity, pressureHPa   sql.NullFloat64
		gasResistanceOhm, gasPercentage            sql.NullFloat64
		stabilizationStatus, runInStatus           sql.NullFloat64
		sensorHeatCompTemp, sensorHeatCompHum      sql.NullFloat64
	)
	if err := rows.Scan(
		&id, &sensorID, &sensorType, &streetID, &recordedAt,
		&latitude, &longitude, &altitude, &district, &neighborhood,
		&temp, &humid, &aqi, &lux, &soundDB, &atmHPa, &uvIndex,
		&bsecStatus, &iaq, &staticIAQ, &co2Eq, &breathVOCEq,
		&rawTemperature, &rawHumidity, &pressureHPa, &gasResistanceOhm,
		&gasPercentage, &stabilizationStatus, &runInStatus,
		&sensorHeatCompTemp, &sensorHeatCompHum,
	); err != nil {
		return nil, err
	}

	row := map[string]any{"id": id}
	putString(row, "sensor_id", sensorID)
	putString(row, "sensor_type", sensorType)
	putString(row, "street_id", streetID)
	if recordedAt.Valid {
		row["recorded_at"] = telemetry.FormatTimestamp(recordedAt.Time)
	} else {
		row["recorded_at"] = nil
	}
	putFloat(row, "latitude", latitude)
	putFloat(row, "longitude", longitude)
	putFloat(row, "altitude", altitude)
	putString(row, "district", district)
	putString(row, "neighborhood", neighborhood)
	putFloat(row, "temp", temp)
	putFloat(row, "humid", humid)
	putInt(row, "aqi", aqi)
	putFloat(row, "lux", lux)
	putFloat(row, "sound_db", soundDB)
	putFloat(row, "atmhpa", atmHPa)
	putFloat(row, "uv_index", uvIndex)
	putInt(row, "bsec_status", bsecStatus)
	putFloat(row, "iaq", iaq)
	putFloat(row, "static_iaq", staticIAQ)
	putFloat(row, "co2_eq", co2Eq)
	putFloat(row, "breath_voc_eq", breathVOCEq)
	putFloat(row, "raw_temperature", rawTemperature)
	putFloat(row, "raw_humidity", rawHumidity)
	putFloat(row, "pressure_hpa", pressureHPa)
	putFloat(row, "gas_resistance_ohm", gasResistanceOhm)
	putFloat(row, "gas_percentage", gasPercentage)
	putFloat(row, "stabilization_status", stabilizationStatus)
	putFloat(row, "run_in_status", runInStatus)
	putFloat(row, "sensor_heat_comp_temp", sensorHeatCompTemp)
	putFloat(row, "sensor_heat_comp_hum", sensorHeatCompHum)
	return row, nil
}

func putString(row map[string]any, key string, value sql.NullString) {
	if value.Valid {
		row[key] = value.String
	} else {
		row[key] = nil
	}
}

func putFloat(row map[string]any, key string, value sql.NullFloat64) {
	if value.Valid {
		row[key] = value.Float64
	} else {
		row[key] = nil
	}
}

func putInt(row map[string]any, key string, value sql.NullInt64) {
	if value.Valid {
		row[key] = value.Int64
	} else {
		row[key] = nil
	}
}
