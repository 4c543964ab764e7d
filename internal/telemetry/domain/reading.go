package telemetry

import (
	"context"
	"time"
)

// Reading is one normalized telemetry sample. Every attribute except the
// auto-assigned ID is optional on the wire; absent fields stay nil and are
// persisted as NULL.
type Reading struct {
	ID int64 `json:"id,omitempty"`

	SensorID   *string    `json:"sensor_id"`
	SensorType *string    `json:"sensor_type"`
	StreetID   *string    `json:"street_id"`
	RecordedAt *time.Time `json:"recorded_at"`

	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Altitude     *float64 `json:"altitude"`
	District     *string  `json:"district"`
	Neighborhood *string  `json:"neighborhood"`

	Temp    *float64 `json:"temp"`
	Humid   *float64 `json:"humid"`
	AQI     *int64   `json:"aqi"`
	Lux     *float64 `json:"lux"`
	SoundDB *float64 `json:"sound_db"`
	AtmHPa  *float64 `json:"atmhpa"`
	UVIndex *float64 `json:"uv_index"`

	BsecStatus          *int64   `json:"bsec_status"`
	IAQ                 *float64 `json:"iaq"`
	StaticIAQ           *float64 `json:"static_iaq"`
	CO2Eq               *float64 `json:"co2_eq"`
	BreathVOCEq         *float64 `json:"breath_voc_eq"`
	RawTemperature      *float64 `json:"raw_temperature"`
	RawHumidity         *float64 `json:"raw_humidity"`
	PressureHPa         *float64 `json:"pressure_hpa"`
	GasResistanceOhm    *float64 `json:"gas_resistance_ohm"`
	GasPercentage       *float64 `json:"gas_percentage"`
	StabilizationStatus *float64 `json:"stabilization_status"`
	RunInStatus         *float64 `json:"run_in_status"`
	SensorHeatCompTemp  *float64 `json:"sensor_heat_comp_temp"`
	SensorHeatCompHum   *float64 `json:"sensor_heat_comp_hum"`
}

// MeasurementColumns lists the numeric measurement columns in the order they
// are evaluated against parameter ranges.
var MeasurementColumns = []string{
	"temp",
	"humid",
	"aqi",
	"lux",
	"sound_db",
	"atmhpa",
	"uv_index",
	"bsec_status",
	"iaq",
	"static_iaq",
	"co2_eq",
	"breath_voc_eq",
	"raw_temperature",
	"raw_humidity",
	"pressure_hpa",
	"gas_resistance_ohm",
	"gas_percentage",
	"stabilization_status",
	"run_in_status",
	"sensor_heat_comp_temp",
	"sensor_heat_comp_hum",
}

// Measurement returns the numeric value of a named measurement field, or
// false if the field is absent on this reading.
func (r *Reading) Measurement(name string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	switch name {
	case "temp":
		return deref(r.Temp)
	case "humid":
		return deref(r.Humid)
	case "aqi":
		return derefInt(r.AQI)
	case "lux":
		return deref(r.Lux)
	case "sound_db":
		return deref(r.SoundDB)
	case "atmhpa":
		return deref(r.AtmHPa)
	case "uv_index":
		return deref(r.UVIndex)
	case "bsec_status":
		return derefInt(r.BsecStatus)
	case "iaq":
		return deref(r.IAQ)
	case "static_iaq":
		return deref(r.StaticIAQ)
	case "co2_eq":
		return deref(r.CO2Eq)
	case "breath_voc_eq":
		return deref(r.BreathVOCEq)
	case "raw_temperature":
		return deref(r.RawTemperature)
	case "raw_humidity":
		return deref(r.RawHumidity)
	case "pressure_hpa":
		return deref(r.PressureHPa)
	case "gas_resistance_ohm":
		return deref(r.GasResistanceOhm)
	case "gas_percentage":
		return deref(r.GasPercentage)
	case "stabilization_status":
		return deref(r.StabilizationStatus)
	case "run_in_status":
		return deref(r.RunInStatus)
	case "sensor_heat_comp_temp":
		return deref(r.SensorHeatCompTemp)
	case "sensor_heat_comp_hum":
		return deref(r.SensorHeatCompHum)
	default:
		return 0, false
	}
}

func deref(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

func derefInt(v *int64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v), true
}

// ReadingRepository persists normalized readings.
type ReadingRepository interface {
	Insert(ctx context.Context, reading *Reading) error
}

// ReadingQuery answers whitelisted ad-hoc queries over persisted readings.
type ReadingQuery interface {
	Query(ctx context.Context, params QueryParams) ([]map[string]any, error)
}
