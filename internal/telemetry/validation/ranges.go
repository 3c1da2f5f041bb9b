package validation

import (
	"fmt"
	"strconv"

	telemetry "farm-telemetry/internal/telemetry/domain"
)

// Range is the inclusive physical range of a sensor type.
type Range struct {
	SensorType string
	Min        float64
	Max        float64
	Unit       string
	Label      string
}

// Contains reports whether value lies within [Min, Max].
func (r Range) Contains(value float64) bool {
	return value >= r.Min && value <= r.Max
}

var ranges = []Range{
	{SensorType: "temperature", Min: -40, Max: 80, Unit: "°C", Label: "Temperature"},
	{SensorType: "humidity", Min: 0, Max: 100, Unit: "%", Label: "Humidity"},
	{SensorType: "soil_moisture", Min: 0, Max: 100, Unit: "%", Label: "Soil moisture"},
	{SensorType: "ph", Min: 0, Max: 14, Unit: "pH", Label: "pH"},
	{SensorType: "tds", Min: 0, Max: 5000, Unit: "ppm", Label: "TDS"},
	{SensorType: "light_lux", Min: 0, Max: 100000, Unit: "lux", Label: "Light"},
}

var rangeByType = func() map[string]Range {
	index := make(map[string]Range, len(ranges))
	for _, r := range ranges {
		index[r.SensorType] = r
	}
	return index
}()

// Ranges returns a copy of the recognized range table.
func Ranges() []Range {
	return append([]Range(nil), ranges...)
}

// RangeFor returns the range of a recognized sensor type.
func RangeFor(sensorType string) (Range, bool) {
	r, ok := rangeByType[sensorType]
	return r, ok
}

// Result is the outcome of a range check.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidateSensors checks every recognized sensor type against its range.
// Violations are collected in table order; unrecognized types are skipped.
func ValidateSensors(sensors telemetry.Sensors) Result {
	errs := make([]string, 0)
	for _, r := range ranges {
		value, ok := sensors[r.SensorType]
		if !ok {
			continue
		}
		if !r.Contains(value) {
			errs = append(errs, fmt.Sprintf("%s out of range: %s (%s to %s %s)",
				r.SensorType, formatValue(value), formatValue(r.Min), formatValue(r.Max), r.Unit))
		}
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
