package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farm-telemetry/internal/platform/database"
)

const defaultAuditTable = "audit_logs"

// Repository writes audit logs.
type Repository struct {
	db    *database.DB
	table string
}

// NewRepository constructs an audit repository.
func NewRepository(db *database.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db, table: defaultAuditTable}
}

// Log writes an audit entry.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.GroupID == "" || entry.Action == "" || entry.ResourceID == "" {
		return errors.New("audit repo: incomplete entry")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(entry.Metadata) == 0 {
		entry.Metadata = []byte("{}")
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}

	query := r.db.Rebind(fmt.Sprintf(`
INSERT INTO %s (
	id, group_id, actor, action, resource_type, resource_id, device_id,
	metadata, payload_digest, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)`, r.table))
	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.GroupID, entry.Actor, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.DeviceID, string(entry.Metadata), entry.PayloadDigest, entry.CreatedAt.UTC())
	return err
}

// ListByGroup returns the newest entries of a group first.
func (r *Repository) ListByGroup(ctx context.Context, groupID string, limit int) ([]Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit repo: nil db")
	}
	if groupID == "" {
		return nil, errors.New("audit repo: empty group id")
	}
	if limit <= 0 {
		limit = 100
	}
	query := r.db.Rebind(fmt.Sprintf(`
SELECT id, group_id, actor, action, resource_type, resource_id, device_id,
	metadata, payload_digest, created_at
FROM %s
WHERE group_id = $1
ORDER BY created_at DESC, id ASC
LIMIT $2`, r.table))
	rows, err := r.db.QueryContext(ctx, query, groupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var (
			entry    Entry
			metadata string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.GroupID,
			&entry.Actor,
			&entry.Action,
			&entry.ResourceType,
			&entry.ResourceID,
			&entry.DeviceID,
			&metadata,
			&entry.PayloadDigest,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.Metadata = []byte(metadata)
		entry.CreatedAt = entry.CreatedAt.UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
