package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	commands "farm-telemetry/internal/commands/domain"
	"farm-telemetry/internal/observability/metrics"
)

// ErrResponseDeviceMismatch is returned when a device answers a command sent to another device.
var ErrResponseDeviceMismatch = errors.New("commands: response from wrong device")

// CommandLedger reads and settles persisted commands.
type CommandLedger interface {
	GetByRequestID(ctx context.Context, requestID string) (*commands.Record, error)
	MarkAcked(ctx context.Context, requestID string, ackedAt time.Time) error
	MarkFailed(ctx context.Context, requestID, errMsg string) error
	MarkTimeoutBefore(ctx context.Context, before time.Time) (int, error)
}

// Tracker settles commands from device responses and expires the ones
// that never get an answer.
type Tracker struct {
	ledger     CommandLedger
	ackTimeout time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// TrackerOption configures the tracker.
type TrackerOption func(*Tracker)

// WithExpireInterval overrides how often unanswered commands are expired.
func WithExpireInterval(interval time.Duration) TrackerOption {
	return func(t *Tracker) {
		if interval > 0 {
			t.interval = interval
		}
	}
}

// WithTrackerClock overrides the time source.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithTrackerLogger overrides the logger.
func WithTrackerLogger(logger zerolog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker constructs a tracker. The default expire interval is half of ackTimeout.
func NewTracker(ledger CommandLedger, ackTimeout time.Duration, opts ...TrackerOption) (*Tracker, error) {
	if ledger == nil {
		return nil, errors.New("command tracker: nil ledger")
	}
	if ackTimeout <= 0 {
		return nil, errors.New("command tracker: ackTimeout must be positive")
	}
	t := &Tracker{
		ledger:     ledger,
		ackTimeout: ackTimeout,
		interval:   ackTimeout / 2,
		now:        time.Now,
		logger:     log.Logger,
	}
	if t.interval < time.Second {
		t.interval = time.Second
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// ApplyResponse settles the command named by resp. deviceID is the device
// the response was published by.
func (t *Tracker) ApplyResponse(ctx context.Context, deviceID string, resp commands.Response) error {
	if t == nil || t.ledger == nil {
		return errors.New("command tracker: nil tracker")
	}
	if err := resp.Validate(); err != nil {
		return err
	}
	rec, err := t.ledger.GetByRequestID(ctx, resp.RequestID)
	if err != nil {
		return err
	}
	if rec.DeviceID != deviceID {
		return fmt.Errorf("%w: %s answered %s", ErrResponseDeviceMismatch, deviceID, resp.RequestID)
	}

	if resp.Succeeded() {
		if err := t.ledger.MarkAcked(ctx, resp.RequestID, t.now().UTC()); err != nil {
			return err
		}
		metrics.IncCommandResult(metrics.CommandResultAcked)
		return nil
	}
	message := resp.Message
	if message == "" {
		message = "device reported error"
	}
	if err := t.ledger.MarkFailed(ctx, resp.RequestID, message); err != nil {
		return err
	}
	metrics.IncCommandResult(metrics.CommandResultFailed)
	t.logger.Warn().
		Str("request_id", resp.RequestID).
		Str("device_id", deviceID).
		Str("message", message).
		Msg("device rejected command")
	return nil
}

// Start runs the expire loop until ctx is done.
func (t *Tracker) Start(ctx context.Context) {
	if t == nil || t.ledger == nil {
		return
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.ExpireOnce(ctx); err != nil {
				t.logger.Warn().Err(err).Msg("command expiry failed")
			}
		}
	}
}

// ExpireOnce marks commands sent more than ackTimeout ago as timed out.
func (t *Tracker) ExpireOnce(ctx context.Context) (int, error) {
	cutoff := t.now().UTC().Add(-t.ackTimeout)
	expired, err := t.ledger.MarkTimeoutBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		metrics.AddCommandTimeouts(expired)
		t.logger.Info().Int("commands", expired).Time("cutoff", cutoff).Msg("expired unanswered commands")
	}
	return expired, nil
}
