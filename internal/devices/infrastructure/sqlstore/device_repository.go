package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	devices "farm-telemetry/internal/devices/domain"
	"farm-telemetry/internal/platform/database"
)

const defaultDevicesTable = "devices"

// DeviceRepository is a SQL implementation for devices.
type DeviceRepository struct {
	db    *database.DB
	table string
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db *database.DB, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// FindDevice loads a device by id. Missing devices yield devices.ErrDeviceNotFound.
func (r *DeviceRepository) FindDevice(ctx context.Context, id string) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if id == "" {
		return nil, devices.ErrDeviceNotFound
	}

	query := r.db.Rebind(fmt.Sprintf(`
SELECT id, group_id, name, status, last_seen, created_at
FROM %s
WHERE id = $1
LIMIT 1`, r.table))

	var (
		device   devices.Device
		status   string
		lastSeen sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&device.ID,
		&device.GroupID,
		&device.Name,
		&status,
		&lastSeen,
		&device.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, devices.ErrDeviceNotFound
		}
		return nil, err
	}
	device.Status = devices.Status(status)
	device.CreatedAt = device.CreatedAt.UTC()
	if lastSeen.Valid {
		seen := lastSeen.Time.UTC()
		device.LastSeen = &seen
	}
	return &device, nil
}

// UpdateDevicePresence sets status and last_seen. An update older than the
// stored last_seen is ignored, so overlapping writers always leave the newest
// timestamp behind.
func (r *DeviceRepository) UpdateDevicePresence(ctx context.Context, id string, status devices.Status, seenAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if id == "" {
		return errors.New("device repo: empty id")
	}

	query := r.db.Rebind(fmt.Sprintf(`
UPDATE %s
SET status = $1, last_seen = $2
WHERE id = $3 AND (last_seen IS NULL OR last_seen <= $4)`, r.table))

	seen := seenAt.UTC()
	result, err := r.db.ExecContext(ctx, query, string(status), seen, id, seen)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	return r.ensureExists(ctx, id)
}

func (r *DeviceRepository) ensureExists(ctx context.Context, id string) error {
	query := r.db.Rebind(fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, r.table))
	var one int
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return devices.ErrDeviceNotFound
		}
		return err
	}
	return nil
}

// MarkStaleOffline flips online devices last seen before the cutoff to offline.
func (r *DeviceRepository) MarkStaleOffline(ctx context.Context, before time.Time) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("device repo: nil db")
	}

	query := r.db.Rebind(fmt.Sprintf(`
UPDATE %s
SET status = $1
WHERE status = $2 AND (last_seen IS NULL OR last_seen < $3)`, r.table))

	result, err := r.db.ExecContext(ctx, query, string(devices.StatusOffline), string(devices.StatusOnline), before.UTC())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// CountByStatus reports how many devices are in the given status.
func (r *DeviceRepository) CountByStatus(ctx context.Context, status string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("device repo: nil db")
	}
	query := r.db.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = $1`, r.table))
	var count int
	if err := r.db.QueryRowContext(ctx, query, status).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Save upserts a device registration. Presence fields are left untouched on conflict.
func (r *DeviceRepository) Save(ctx context.Context, device *devices.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if device.Status == "" {
		device.Status = devices.StatusOffline
	}
	if err := device.Validate(); err != nil {
		return err
	}

	query := r.db.Rebind(fmt.Sprintf(`
INSERT INTO %s (
	id,
	group_id,
	name,
	status
) VALUES (
	$1, $2, $3, $4
)
ON CONFLICT (id)
DO UPDATE SET
	group_id = EXCLUDED.group_id,
	name = EXCLUDED.name`, r.table))

	if _, err := r.db.ExecContext(ctx, query, device.ID, device.GroupID, device.Name, string(device.Status)); err != nil {
		return err
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	return nil
}
