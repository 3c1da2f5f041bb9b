package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	devices "farm-telemetry/internal/devices/domain"
	"farm-telemetry/internal/platform/database"
)

func openTestRepo(t *testing.T) *DeviceRepository {
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
	return NewDeviceRepository(db)
}

func TestFindDeviceUnknown(t *testing.T) {
	repo := openTestRepo(t)
	_, err := repo.FindDevice(context.Background(), "ghost")
	if !errors.Is(err, devices.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestSaveFindAndUpdatePresence(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	device := &devices.Device{ID: "dev-1", GroupID: "farm-1", Name: "Greenhouse A"}
	if err := repo.Save(ctx, device); err != nil {
		t.Fatalf("save: %v", err)
	}
	found, err := repo.FindDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.GroupID != "farm-1" || found.Status != devices.StatusOffline || found.LastSeen != nil {
		t.Fatalf("unexpected device %+v", found)
	}

	first := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)
	if err := repo.UpdateDevicePresence(ctx, "dev-1", devices.StatusOnline, second); err != nil {
		t.Fatalf("update: %v", err)
	}
	// A late writer with an older timestamp does not move last_seen back.
	if err := repo.UpdateDevicePresence(ctx, "dev-1", devices.StatusOnline, first); err != nil {
		t.Fatalf("update: %v", err)
	}
	found, err = repo.FindDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Status != devices.StatusOnline || found.LastSeen == nil || !found.LastSeen.Equal(second) {
		t.Fatalf("unexpected presence %+v last_seen=%v", found, found.LastSeen)
	}

	if err := repo.UpdateDevicePresence(ctx, "ghost", devices.StatusOnline, first); !errors.Is(err, devices.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestMarkStaleOfflineAndCount(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	for _, id := range []string{"dev-1", "dev-2", "dev-3"} {
		if err := repo.Save(ctx, &devices.Device{ID: id, GroupID: "farm-1"}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	if err := repo.UpdateDevicePresence(ctx, "dev-1", devices.StatusOnline, now.Add(-time.Hour)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := repo.UpdateDevicePresence(ctx, "dev-2", devices.StatusOnline, now.Add(-time.Minute)); err != nil {
		t.Fatalf("update: %v", err)
	}

	online, err := repo.CountByStatus(ctx, string(devices.StatusOnline))
	if err != nil || online != 2 {
		t.Fatalf("expected 2 online, got %d err=%v", online, err)
	}

	swept, err := repo.MarkStaleOffline(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 device swept, got %d", swept)
	}
	found, err := repo.FindDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Status != devices.StatusOffline {
		t.Fatalf("expected dev-1 offline, got %s", found.Status)
	}
	offline, err := repo.CountByStatus(ctx, string(devices.StatusOffline))
	if err != nil || offline != 2 {
		t.Fatalf("expected 2 offline, got %d err=%v", offline, err)
	}
}

func TestConcurrentPresenceUpdatesKeepNewestTimestamp(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	if err := repo.Save(ctx, &devices.Device{ID: "dev-1", GroupID: "farm-1"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	base := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	const writers = 32
	newest := base.Add((writers - 1) * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Interleave old and new timestamps so arrival order differs from time order.
			offset := i
			if i%2 == 0 {
				offset = writers - 1 - i
			}
			seen := base.Add(time.Duration(offset) * time.Second)
			if err := repo.UpdateDevicePresence(ctx, "dev-1", devices.StatusOnline, seen); err != nil {
				t.Errorf("update %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	found, err := repo.FindDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.LastSeen == nil || !found.LastSeen.Equal(newest) {
		t.Fatalf("expected last_seen %s, got %v", newest, found.LastSeen)
	}
	if found.Status != devices.StatusOnline {
		t.Fatalf("expected online, got %s", found.Status)
	}
}
