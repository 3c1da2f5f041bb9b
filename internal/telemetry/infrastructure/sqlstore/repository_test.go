package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"farm-telemetry/internal/platform/database"
	telemetry "farm-telemetry/internal/telemetry/domain"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, ":memory:", database.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO devices (id, group_id, status) VALUES ('dev-1', 'farm-1', 'offline')`); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return db
}

func countReadings(t *testing.T, db *database.DB, table string) int {
	t.Helper()
	var count int
	if err := db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}

func TestInsertReadingsAndLatest(t *testing.T) {
	db := openTestDB(t)
	repo := NewReadingRepository(db)
	query := NewReadingQuery(db)
	ctx := context.Background()

	battery := 3.6
	older := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)
	first := []telemetry.SensorReading{
		{DeviceID: "dev-1", SensorType: "temperature", Value: 20, ObservedAt: older},
		{DeviceID: "dev-1", SensorType: "humidity", Value: 55, ObservedAt: older},
	}
	second := []telemetry.SensorReading{
		{DeviceID: "dev-1", SensorType: "temperature", Value: 22.5, ObservedAt: newer, Metadata: telemetry.Metadata{BatteryVoltage: &battery, ProtocolVersion: "1.0"}},
	}
	if err := repo.InsertReadings(ctx, first); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	if err := repo.InsertReadings(ctx, second); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	latest, err := query.LatestBySensor(ctx, "dev-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 sensor types, got %d: %+v", len(latest), latest)
	}
	if latest[0].SensorType != "humidity" || latest[0].Value != 55 {
		t.Fatalf("unexpected humidity %+v", latest[0])
	}
	if latest[1].SensorType != "temperature" || latest[1].Value != 22.5 || !latest[1].ObservedAt.Equal(newer) {
		t.Fatalf("unexpected temperature %+v", latest[1])
	}
	if latest[1].Metadata.BatteryVoltage == nil || *latest[1].Metadata.BatteryVoltage != 3.6 {
		t.Fatalf("metadata not round-tripped: %+v", latest[1].Metadata)
	}
}

func TestInsertReadingsKeepsDuplicates(t *testing.T) {
	db := openTestDB(t)
	repo := NewReadingRepository(db)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	batch := []telemetry.SensorReading{{DeviceID: "dev-1", SensorType: "ph", Value: 6.5, ObservedAt: at}}
	for i := 0; i < 2; i++ {
		if err := repo.InsertReadings(ctx, batch); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if got := countReadings(t, db, "sensor_readings"); got != 2 {
		t.Fatalf("expected 2 duplicate rows, got %d", got)
	}

	latest, err := NewReadingQuery(db).LatestBySensor(ctx, "dev-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 1 {
		t.Fatalf("expected duplicates to collapse in latest view, got %d", len(latest))
	}
}

func TestInsertReadingsRollsBackWholeBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `
CREATE TABLE checked_readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	sensor_type TEXT NOT NULL CHECK (sensor_type <> 'rejected'),
	value REAL NOT NULL,
	observed_at TIMESTAMP NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	repo := NewReadingRepository(db, WithTable("checked_readings"))

	at := time.Now().UTC()
	err := repo.InsertReadings(ctx, []telemetry.SensorReading{
		{DeviceID: "dev-1", SensorType: "temperature", Value: 20, ObservedAt: at},
		{DeviceID: "dev-1", SensorType: "rejected", Value: 1, ObservedAt: at},
	})
	if err == nil {
		t.Fatal("expected insert error")
	}
	if errors.Is(err, telemetry.ErrPartialWriteHazard) {
		t.Fatalf("clean rollback must not be reported as partial write: %v", err)
	}
	if got := countReadings(t, db, "checked_readings"); got != 0 {
		t.Fatalf("expected no rows after rollback, got %d", got)
	}
}

func TestInsertReadingsRejectsInvalidInput(t *testing.T) {
	db := openTestDB(t)
	repo := NewReadingRepository(db)
	if err := repo.InsertReadings(context.Background(), nil); err == nil {
		t.Fatal("expected empty batch error")
	}
	err := repo.InsertReadings(context.Background(), []telemetry.SensorReading{{DeviceID: "dev-1", SensorType: "ph"}})
	if err == nil {
		t.Fatal("expected invalid reading error")
	}
	if got := countReadings(t, db, "sensor_readings"); got != 0 {
		t.Fatalf("expected no rows, got %d", got)
	}
}

func TestHistoryWindow(t *testing.T) {
	db := openTestDB(t)
	repo := NewReadingRepository(db)
	query := NewReadingQuery(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for hour := 0; hour < 4; hour++ {
		reading := telemetry.SensorReading{DeviceID: "dev-1", SensorType: "soil_moisture", Value: float64(30 + hour), ObservedAt: base.Add(time.Duration(hour) * time.Hour)}
		if err := repo.InsertReadings(ctx, []telemetry.SensorReading{reading}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	history, err := query.History(ctx, "dev-1", base.Add(time.Hour), base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(history))
	}
	if history[0].Value != 31 || history[1].Value != 32 {
		t.Fatalf("unexpected history %+v", history)
	}
	if _, err := query.History(ctx, "dev-1", base, base); err == nil {
		t.Fatal("expected invalid window error")
	}
}
