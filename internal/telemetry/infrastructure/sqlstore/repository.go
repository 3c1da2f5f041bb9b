package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"farm-telemetry/internal/platform/database"
	telemetry "farm-telemetry/internal/telemetry/domain"
)

const defaultReadingsTable = "sensor_readings"

// ReadingRepository appends sensor readings to the relational store.
type ReadingRepository struct {
	db    *database.DB
	table string
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

// NewReadingRepository constructs a repository with default table name.
func NewReadingRepository(db *database.DB, opts ...RepositoryOption) *ReadingRepository {
	repo := &ReadingRepository{db: db, table: defaultReadingsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// InsertReadings writes the whole batch in one transaction. Nothing is kept
// when any row fails. A failed commit is reported as
// telemetry.ErrPartialWriteHazard because the store may have applied it.
func (r *ReadingRepository) InsertReadings(ctx context.Context, readings []telemetry.SensorReading) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if len(readings) == 0 {
		return errors.New("reading repo: empty batch")
	}
	for _, reading := range readings {
		if err := reading.Validate(); err != nil {
			return err
		}
	}

	query := r.db.Rebind(fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	sensor_type,
	value,
	observed_at,
	metadata
) VALUES (
	$1, $2, $3, $4, $5
)`, r.table))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, reading := range readings {
		meta, err := json.Marshal(reading.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("reading repo: encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(
			ctx,
			reading.DeviceID,
			reading.SensorType,
			reading.Value,
			reading.ObservedAt.UTC(),
			string(meta),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("reading repo: insert %s/%s: %w", reading.DeviceID, reading.SensorType, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", telemetry.ErrPartialWriteHazard, err)
	}
	return nil
}
