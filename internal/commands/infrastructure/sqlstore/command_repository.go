package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	commands "farm-telemetry/internal/commands/domain"
	"farm-telemetry/internal/platform/database"
)

const defaultCommandsTable = "commands"

// CommandRepository is a SQL repository for dispatched device commands.
type CommandRepository struct {
	db    *database.DB
	table string
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *database.DB) *CommandRepository {
	return &CommandRepository{db: db, table: defaultCommandsTable}
}

// Create inserts a command record.
func (r *CommandRepository) Create(ctx context.Context, rec *commands.Record) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if rec == nil {
		return errors.New("command repo: nil command")
	}
	if rec.RequestID == "" || rec.DeviceID == "" || rec.Command == "" {
		return errors.New("command repo: incomplete command")
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return errors.New("command repo: invalid payload")
	}
	if rec.Status == "" {
		rec.Status = commands.StatusCreated
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := r.db.Rebind(fmt.Sprintf(`
INSERT INTO %s (
	request_id, group_id, device_id, rule_id, command, payload, status, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)`, r.table))
	_, err := r.db.ExecContext(ctx, query,
		rec.RequestID, rec.GroupID, rec.DeviceID, rec.RuleID, rec.Command,
		string(payload), rec.Status, rec.CreatedAt.UTC())
	return err
}

// MarkSent records a successful publish.
func (r *CommandRepository) MarkSent(ctx context.Context, requestID string, sentAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	query := r.db.Rebind(fmt.Sprintf(`
UPDATE %s
SET status = $1, sent_at = $2
WHERE request_id = $3 AND status = $4`, r.table))
	return r.expectOne(ctx, query, commands.StatusSent, sentAt.UTC(), requestID, commands.StatusCreated)
}

// MarkAcked settles a command the device reported as done. A reply that
// arrives after the timeout sweep still wins.
func (r *CommandRepository) MarkAcked(ctx context.Context, requestID string, ackedAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	query := r.db.Rebind(fmt.Sprintf(`
UPDATE %s
SET status = $1, acked_at = $2, error = NULL
WHERE request_id = $3 AND status IN ($4, $5, $6)`, r.table))
	return r.expectOne(ctx, query, commands.StatusAcked, ackedAt.UTC(), requestID,
		commands.StatusCreated, commands.StatusSent, commands.StatusTimeout)
}

// MarkFailed settles a command with an error message.
func (r *CommandRepository) MarkFailed(ctx context.Context, requestID, errMsg string) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	query := r.db.Rebind(fmt.Sprintf(`
UPDATE %s
SET status = $1, error = $2
WHERE request_id = $3 AND status IN ($4, $5, $6)`, r.table))
	return r.expectOne(ctx, query, commands.StatusFailed, errMsg, requestID,
		commands.StatusCreated, commands.StatusSent, commands.StatusTimeout)
}

// MarkTimeoutBefore expires commands sent before the cutoff that never got a reply.
func (r *CommandRepository) MarkTimeoutBefore(ctx context.Context, before time.Time) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("command repo: nil db")
	}
	query := r.db.Rebind(fmt.Sprintf(`
UPDATE %s
SET status = $1, error = $2
WHERE status = $3 AND sent_at < $4`, r.table))
	result, err := r.db.ExecContext(ctx, query, commands.StatusTimeout, "no response", commands.StatusSent, before.UTC())
	if err != nil {
		return 0, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// GetByRequestID loads a command. Missing commands yield commands.ErrCommandNotFound.
func (r *CommandRepository) GetByRequestID(ctx context.Context, requestID string) (*commands.Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	query := r.db.Rebind(fmt.Sprintf(`
SELECT request_id, group_id, device_id, rule_id, command, payload, status,
	created_at, sent_at, acked_at, error
FROM %s
WHERE request_id = $1
LIMIT 1`, r.table))

	var (
		rec     commands.Record
		payload []byte
		sentAt  sql.NullTime
		ackedAt sql.NullTime
		errMsg  sql.NullString
	)
	if err := r.db.QueryRowContext(ctx, query, requestID).Scan(
		&rec.RequestID,
		&rec.GroupID,
		&rec.DeviceID,
		&rec.RuleID,
		&rec.Command,
		&payload,
		&rec.Status,
		&rec.CreatedAt,
		&sentAt,
		&ackedAt,
		&errMsg,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, commands.ErrCommandNotFound
		}
		return nil, err
	}
	rec.Payload = payload
	rec.CreatedAt = rec.CreatedAt.UTC()
	if sentAt.Valid {
		rec.SentAt = sentAt.Time.UTC()
	}
	if ackedAt.Valid {
		rec.AckedAt = ackedAt.Time.UTC()
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	return &rec, nil
}

func (r *CommandRepository) expectOne(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return commands.ErrCommandNotFound
	}
	return nil
}
