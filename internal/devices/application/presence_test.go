package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	devices "farm-telemetry/internal/devices/domain"
)

type presenceCall struct {
	id     string
	status devices.Status
	seenAt time.Time
}

type fakeDeviceRepo struct {
	mu    sync.Mutex
	calls []presenceCall
	err   error
}

func (f *fakeDeviceRepo) FindDevice(ctx context.Context, id string) (*devices.Device, error) {
	return nil, devices.ErrDeviceNotFound
}

func (f *fakeDeviceRepo) UpdateDevicePresence(ctx context.Context, id string, status devices.Status, seenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, presenceCall{id: id, status: status, seenAt: seenAt})
	return nil
}

func TestPresenceTrackerMarkOnline(t *testing.T) {
	repo := &fakeDeviceRepo{}
	now := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	tracker, err := NewPresenceTracker(repo, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	if err := tracker.MarkOnline(context.Background(), "dev-1"); err != nil {
		t.Fatalf("mark online: %v", err)
	}
	if len(repo.calls) != 1 {
		t.Fatalf("expected 1 update, got %d", len(repo.calls))
	}
	call := repo.calls[0]
	if call.id != "dev-1" || call.status != devices.StatusOnline || !call.seenAt.Equal(now) {
		t.Fatalf("unexpected update %+v", call)
	}
}

func TestPresenceTrackerApplyStatus(t *testing.T) {
	repo := &fakeDeviceRepo{}
	tracker, err := NewPresenceTracker(repo)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if err := tracker.ApplyStatus(context.Background(), "dev-1", devices.StatusError); err != nil {
		t.Fatalf("apply status: %v", err)
	}
	if err := tracker.ApplyStatus(context.Background(), "dev-1", devices.Status("rebooting")); err == nil {
		t.Fatal("expected unknown status error")
	}
	if err := tracker.ApplyStatus(context.Background(), "", devices.StatusOnline); err == nil {
		t.Fatal("expected empty id error")
	}
	if len(repo.calls) != 1 || repo.calls[0].status != devices.StatusError {
		t.Fatalf("unexpected calls %+v", repo.calls)
	}
}

func TestPresenceTrackerPropagatesRepoError(t *testing.T) {
	repo := &fakeDeviceRepo{err: errors.New("db down")}
	tracker, _ := NewPresenceTracker(repo)
	if err := tracker.MarkOnline(context.Background(), "dev-1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewPresenceTrackerRejectsNilRepo(t *testing.T) {
	if _, err := NewPresenceTracker(nil); err == nil {
		t.Fatal("expected error")
	}
}

type fakeStaleMarker struct {
	cutoffs []time.Time
	swept   int
	err     error
}

func (f *fakeStaleMarker) MarkStaleOffline(ctx context.Context, before time.Time) (int, error) {
	f.cutoffs = append(f.cutoffs, before)
	return f.swept, f.err
}

func TestStaleSweeperSweepOnce(t *testing.T) {
	marker := &fakeStaleMarker{swept: 3}
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	sweeper, err := NewStaleSweeper(marker, 10*time.Minute, WithSweeperClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	swept, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 3 {
		t.Fatalf("expected 3 swept, got %d", swept)
	}
	if len(marker.cutoffs) != 1 || !marker.cutoffs[0].Equal(now.Add(-10*time.Minute)) {
		t.Fatalf("unexpected cutoff %v", marker.cutoffs)
	}
}

func TestStaleSweeperStartStopsOnCancel(t *testing.T) {
	marker := &fakeStaleMarker{}
	sweeper, err := NewStaleSweeper(marker, time.Minute, WithSweepInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewStaleSweeperValidation(t *testing.T) {
	if _, err := NewStaleSweeper(nil, time.Minute); err == nil {
		t.Fatal("expected nil marker error")
	}
	if _, err := NewStaleSweeper(&fakeStaleMarker{}, 0); err == nil {
		t.Fatal("expected duration error")
	}
}
