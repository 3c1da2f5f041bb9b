package telemetry

import "sort"

// Keys returns the sensor types in lexical order.
func (s Sensors) Keys() []string {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the value for a sensor type and whether the message carried it.
func (s Sensors) Lookup(sensorType string) (float64, bool) {
	value, ok := s[sensorType]
	return value, ok
}
