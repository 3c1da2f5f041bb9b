package telemetry

import "time"

// ReadingsInserted is published after a batch is committed.
type ReadingsInserted struct {
	EventID    string          `json:"event_id"`
	DeviceID   string          `json:"device_id"`
	GroupID    string          `json:"group_id"`
	Readings   []SensorReading `json:"readings"`
	OccurredAt time.Time       `json:"occurred_at"`
}
