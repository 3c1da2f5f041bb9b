package telemetry

import (
	"context"
	"errors"
	"time"
)

// Metadata carries device radio/power diagnostics attached to every reading of a message.
type Metadata struct {
	BatteryVoltage  *float64 `json:"battery_voltage,omitempty"`
	RSSI            *int     `json:"rssi,omitempty"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`
}

// SensorReading is one stored observation. Readings are append-only and not
// deduplicated: identical (device, sensor type, time) rows may coexist.
type SensorReading struct {
	DeviceID   string    `json:"device_id"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	Metadata   Metadata  `json:"metadata"`
}

// Validate checks that a reading can be stored.
func (r SensorReading) Validate() error {
	if r.DeviceID == "" {
		return errors.New("reading: empty device id")
	}
	if r.SensorType == "" {
		return errors.New("reading: empty sensor type")
	}
	if r.ObservedAt.IsZero() {
		return errors.New("reading: zero observed_at")
	}
	return nil
}

// Sensors maps a sensor type to its value. Keys outside the known range table
// are carried through untouched.
type Sensors map[string]float64

// TelemetryMessage is the inbound wire contract of one device transmission.
type TelemetryMessage struct {
	DeviceID        string   `json:"device_id"`
	Timestamp       int64    `json:"timestamp"`
	Sensors         Sensors  `json:"sensors"`
	BatteryVoltage  *float64 `json:"battery_voltage,omitempty"`
	RSSI            *int     `json:"rssi,omitempty"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`
}

// ObservedAt converts the message timestamp. Values above 1e12 are treated as
// milliseconds, everything else as seconds.
func (m TelemetryMessage) ObservedAt() time.Time {
	if m.Timestamp > 1_000_000_000_000 {
		return time.UnixMilli(m.Timestamp).UTC()
	}
	return time.Unix(m.Timestamp, 0).UTC()
}

// Readings expands the message into one reading per sensor entry, ordered by
// sensor type so batches are deterministic.
func (m TelemetryMessage) Readings() []SensorReading {
	keys := m.Sensors.Keys()
	observedAt := m.ObservedAt()
	meta := Metadata{
		BatteryVoltage:  m.BatteryVoltage,
		RSSI:            m.RSSI,
		ProtocolVersion: m.ProtocolVersion,
	}
	readings := make([]SensorReading, 0, len(keys))
	for _, key := range keys {
		readings = append(readings, SensorReading{
			DeviceID:   m.DeviceID,
			SensorType: key,
			Value:      m.Sensors[key],
			ObservedAt: observedAt,
			Metadata:   meta,
		})
	}
	return readings
}

// ReadingRepository persists readings. InsertReadings is all-or-nothing.
type ReadingRepository interface {
	InsertReadings(ctx context.Context, readings []SensorReading) error
}

// ReadingQuery serves dashboard reads.
type ReadingQuery interface {
	LatestBySensor(ctx context.Context, deviceID string) ([]SensorReading, error)
	History(ctx context.Context, deviceID string, from, to time.Time) ([]SensorReading, error)
}

// ErrPartialWriteHazard marks a batch whose commit outcome is unknown: the
// store may or may not hold the rows.
var ErrPartialWriteHazard = errors.New("telemetry: batch commit outcome unknown")
