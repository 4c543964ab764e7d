// Package normalize converts raw message payloads into Readings. It is
// tolerant of the two wire shapes stations emit: nested objects (location,
// data, extra) and flat top-level keys. Nested values win; flat values fill
// any field still missing. Missing or non-numeric values stay nil, never a
// sentinel.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	telemetry "citysense-cloud/internal/telemetry/domain"
)

// Payload decodes one raw payload into a Reading. It fails only when the
// payload is not a JSON object; missing optional fields never fail.
func Payload(raw []byte) (*telemetry.Reading, error) {
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", telemetry.ErrMalformedPayload, err)
	}
	if root == nil {
		return nil, fmt.Errorf("%w: payload is not an object", telemetry.ErrMalformedPayload)
	}

	reading := &telemetry.Reading{
		SensorID:   getString(root, "sensor_id"),
		SensorType: getString(root, "sensor_type"),
		StreetID:   getString(root, "street_id"),
		RecordedAt: getTime(root, "timestamp", "recorded_at"),
	}

	location := getObject(root, "location")
	reading.Latitude = lookupFloat(location, root, "lat", "latitude")
	reading.Longitude = lookupFloat(location, root, "long", "lng", "longitude")
	reading.Altitude = lookupFloat(location, root, "alt", "altitude")
	reading.District = lookupString(location, root, "district")
	reading.Neighborhood = lookupString(location, root, "neighborhood")

	data := getObject(root, "data")
	reading.Temp = lookupFloat(data, root, "temp")
	reading.Humid = lookupFloat(data, root, "humid")
	reading.AQI = lookupInt(data, root, "aqi")
	reading.Lux = lookupFloat(data, root, "lux")
	reading.SoundDB = lookupFloat(data, root, "sound_db")
	reading.AtmHPa = lookupFloat(data, root, "atmhpa")
	reading.UVIndex = lookupFloat(data, root, "uv_index")

	extra := getObject(root, "extra")
	reading.BsecStatus = lookupInt(extra, root, "bsec_status")
	reading.IAQ = lookupFloat(extra, root, "iaq")
	reading.StaticIAQ = lookupFloat(extra, root, "static_iaq")
	reading.CO2Eq = lookupFloat(extra, root, "co2_eq")
	reading.BreathVOCEq = lookupFloat(extra, root, "breath_voc_eq")
	reading.RawTemperature = lookupFloat(extra, root, "raw_temperature")
	reading.RawHumidity = lookupFloat(extra, root, "raw_humidity")
	reading.PressureHPa = lookupFloat(extra, root, "pressure_hpa")
	reading.GasResistanceOhm = lookupFloat(extra, root, "gas_resistance_ohm")
	reading.GasPercentage = lookupFloat(extra, root, "gas_percentage")
	reading.StabilizationStatus = lookupFloat(extra, root, "stabilization_status")
	reading.RunInStatus = lookupFloat(extra, root, "run_in_status")
	reading.SensorHeatCompTemp = lookupFloat(extra, root, "sensor_heat_comp_temp")
	reading.SensorHeatCompHum = lookupFloat(extra, root, "sensor_heat_comp_hum")

	return reading, nil
}

// lookupFloat resolves a numeric field through its ordered candidate keys,
// preferring the nested object over the flat top level.
func lookupFloat(nested, flat map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		if v := getFloat(nested, key); v != nil {
			return v
		}
	}
	for _, key := range keys {
		if v := getFloat(flat, key); v != nil {
			return v
		}
	}
	return nil
}

func lookupInt(nested, flat map[string]any, keys ...string) *int64 {
	if v := lookupFloat(nested, flat, keys...); v != nil {
		i := int64(*v)
		return &i
	}
	return nil
}

func lookupString(nested, flat map[string]any, keys ...string) *string {
	for _, key := range keys {
		if v := getString(nested, key); v != nil {
			return v
		}
	}
	for _, key := range keys {
		if v := getString(flat, key); v != nil {
			return v
		}
	}
	return nil
}

func getObject(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if obj, ok := m[key].(map[string]any); ok {
		return obj
	}
	return nil
}

func getString(m map[string]any, key string) *string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case string:
		return &v
	case float64:
		s := strconv.FormatFloat(v, 'f', -1, 64)
		return &s
	default:
		return nil
	}
}

// getFloat coerces a JSON number or numeric string; anything else is absent.
func getFloat(m map[string]any, key string) *float64 {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case float64:
		return &v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		return &parsed
	default:
		return nil
	}
}

// getTime resolves the recorded-at timestamp through its candidate keys. An
// unparseable timestamp resolves to nil rather than an error; the reading
// persists with a NULL time instead of being dropped.
func getTime(m map[string]any, keys ...string) *time.Time {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if parsed := parseTimestamp(v); parsed != nil {
				return parsed
			}
		case float64:
			t := time.UnixMilli(int64(v)).UTC()
			return &t
		}
	}
	return nil
}

var isoLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp accepts ISO-8601 (T separator, optional trailing Z,
// fractional seconds truncated to 9 digits) or a decimal string of epoch
// milliseconds.
func parseTimestamp(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if isDigits(value) {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil
		}
		t := time.UnixMilli(ms).UTC()
		return &t
	}

	value = strings.Replace(value, "T", " ", 1)
	value = strings.TrimSuffix(value, "Z")
	if dot := strings.IndexByte(value, '.'); dot > 0 {
		frac := make([]byte, 0, 9)
		for _, c := range value[dot+1:] {
			if c < '0' || c > '9' {
				continue
			}
			frac = append(frac, byte(c))
			if len(frac) == 9 {
				break
			}
		}
		if len(frac) > 0 {
			value = value[:dot] + "." + string(frac)
		} else {
			value = value[:dot]
		}
	}
	for _, layout := range isoLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			t := parsed.UTC()
			return &t
		}
	}
	return nil
}

func isDigits(value string) bool {
	for _, c := range value {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(value) > 0
}
