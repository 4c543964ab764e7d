package telemetry

import "time"

// QueryParams describe one ad-hoc reading query: optional time bounds, an
// optional single column filter, sorting and pagination.
type QueryParams struct {
	Start    *time.Time
	End      *time.Time
	Filter   string
	Operator string
	Value    string
	SortBy   string
	Order    string
	Limit    int
	Offset   int
}

// DefaultQueryLimit is applied when the caller gives no limit; MaxQueryLimit
// is the hard cap.
const (
	DefaultQueryLimit = 200
	MaxQueryLimit     = 200
)

// allowedColumns is the fixed whitelist of reading columns accepted for
// filtering and sorting. Anything else fails with ErrInvalidColumn before a
// query is built.
var allowedColumns = map[string]struct{}{
	"id":                    {},
	"sensor_id":             {},
	"sensor_type":           {},
	"street_id":             {},
	"recorded_at":           {},
	"latitude":              {},
	"longitude":             {},
	"altitude":              {},
	"district":              {},
	"neighborhood":          {},
	"temp":                  {},
	"humid":                 {},
	"aqi":                   {},
	"lux":                   {},
	"sound_db":              {},
	"atmhpa":                {},
	"uv_index":              {},
	"bsec_status":           {},
	"iaq":                   {},
	"static_iaq":            {},
	"co2_eq":                {},
	"breath_voc_eq":         {},
	"raw_temperature":       {},
	"raw_humidity":          {},
	"pressure_hpa":          {},
	"gas_resistance_ohm":    {},
	"gas_percentage":        {},
	"stabilization_status":  {},
	"run_in_status":         {},
	"sensor_heat_comp_temp": {},
	"sensor_heat_comp_hum":  {},
}

// ColumnAllowed reports whether a column may appear in filters or sorting.
func ColumnAllowed(name string) bool {
	_, ok := allowedColumns[name]
	return ok
}
