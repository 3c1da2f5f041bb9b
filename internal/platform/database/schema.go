package database

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'offline',
	last_seen TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS sensor_readings (
	id BIGSERIAL PRIMARY KEY,
	device_id TEXT NOT NULL REFERENCES devices(id),
	sensor_type TEXT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS sensor_readings_device_type_ts
	ON sensor_readings (device_id, sensor_type, observed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS automation_rules (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	name TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	condition_field TEXT NOT NULL,
	condition_operator TEXT NOT NULL,
	condition_value DOUBLE PRECISION NOT NULL,
	action_type TEXT NOT NULL,
	action_device_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS automation_rules_group_active
	ON automation_rules (group_id, is_active)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	payload_digest TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_group_created
	ON audit_logs (group_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS commands (
	request_id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL DEFAULT '',
	device_id TEXT NOT NULL,
	rule_id TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	sent_at TIMESTAMPTZ,
	acked_at TIMESTAMPTZ,
	error TEXT
)`,
	`CREATE INDEX IF NOT EXISTS commands_status_sent
	ON commands (status, sent_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'offline',
	last_seen TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS sensor_readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL REFERENCES devices(id),
	sensor_type TEXT NOT NULL,
	value REAL NOT NULL,
	observed_at TIMESTAMP NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS sensor_readings_device_type_ts
	ON sensor_readings (device_id, sensor_type, observed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS automation_rules (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	name TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	condition_field TEXT NOT NULL,
	condition_operator TEXT NOT NULL,
	condition_value REAL NOT NULL,
	action_type TEXT NOT NULL,
	action_device_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS automation_rules_group_active
	ON automation_rules (group_id, is_active)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	payload_digest TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_group_created
	ON audit_logs (group_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS commands (
	request_id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL DEFAULT '',
	device_id TEXT NOT NULL,
	rule_id TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	sent_at TIMESTAMP,
	acked_at TIMESTAMP,
	error TEXT
)`,
	`CREATE INDEX IF NOT EXISTS commands_status_sent
	ON commands (status, sent_at)`,
}

// Migrate creates the tables used by the pipeline when they are missing.
func (db *DB) Migrate(ctx context.Context) error {
	statements := postgresSchema
	if db.driver == DriverSQLite {
		statements = sqliteSchema
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("database: migrate: %w", err)
		}
	}
	return nil
}
