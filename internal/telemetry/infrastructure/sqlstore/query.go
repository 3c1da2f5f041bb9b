package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"farm-telemetry/internal/platform/database"
	telemetry "farm-telemetry/internal/telemetry/domain"
)

// ReadingQuery is the read side used by the dashboard endpoints.
type ReadingQuery struct {
	db    *database.DB
	table string
}

// NewReadingQuery constructs a query with default table name.
func NewReadingQuery(db *database.DB) *ReadingQuery {
	return &ReadingQuery{db: db, table: defaultReadingsTable}
}

// LatestBySensor returns the newest reading of every sensor type a device
// has reported, ordered by sensor type. Duplicate rows at the newest
// timestamp collapse to the most recently inserted one.
func (q *ReadingQuery) LatestBySensor(ctx context.Context, deviceID string) ([]telemetry.SensorReading, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("reading query: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("reading query: empty device id")
	}

	query := q.db.Rebind(fmt.Sprintf(`
SELECT r.device_id, r.sensor_type, r.value, r.observed_at, r.metadata
FROM %[1]s r
WHERE r.device_id = $1
	AND r.observed_at = (
		SELECT MAX(s.observed_at)
		FROM %[1]s s
		WHERE s.device_id = r.device_id AND s.sensor_type = r.sensor_type
	)
ORDER BY r.sensor_type ASC, r.id DESC`, q.table))

	all, err := q.scan(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	result := make([]telemetry.SensorReading, 0, len(all))
	for _, reading := range all {
		if n := len(result); n > 0 && result[n-1].SensorType == reading.SensorType {
			continue
		}
		result = append(result, reading)
	}
	return result, nil
}

// History returns readings observed within [from, to) ordered by time.
func (q *ReadingQuery) History(ctx context.Context, deviceID string, from, to time.Time) ([]telemetry.SensorReading, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("reading query: nil db")
	}
	if deviceID == "" || from.IsZero() || to.IsZero() || !to.After(from) {
		return nil, errors.New("reading query: invalid arguments")
	}

	query := q.db.Rebind(fmt.Sprintf(`
SELECT device_id, sensor_type, value, observed_at, metadata
FROM %s
WHERE device_id = $1
	AND observed_at >= $2
	AND observed_at < $3
ORDER BY observed_at ASC, id ASC`, q.table))

	return q.scan(ctx, query, deviceID, from.UTC(), to.UTC())
}

func (q *ReadingQuery) scan(ctx context.Context, query string, args ...any) ([]telemetry.SensorReading, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.SensorReading
	for rows.Next() {
		var reading telemetry.SensorReading
		var meta []byte
		if err := rows.Scan(
			&reading.DeviceID,
			&reading.SensorType,
			&reading.Value,
			&reading.ObservedAt,
			&meta,
		); err != nil {
			return nil, err
		}
		reading.ObservedAt = reading.ObservedAt.UTC()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &reading.Metadata); err != nil {
				return nil, fmt.Errorf("reading query: decode metadata: %w", err)
			}
		}
		result = append(result, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
