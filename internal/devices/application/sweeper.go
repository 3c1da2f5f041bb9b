package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"farm-telemetry/internal/observability/metrics"
)

// StaleMarker flips online devices not seen since a cutoff to offline.
type StaleMarker interface {
	MarkStaleOffline(ctx context.Context, before time.Time) (int, error)
}

// StaleSweeper periodically marks silent devices offline.
type StaleSweeper struct {
	marker       StaleMarker
	offlineAfter time.Duration
	interval     time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// SweeperOption configures the sweeper.
type SweeperOption func(*StaleSweeper)

// WithSweepInterval overrides how often the sweep runs.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *StaleSweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweeperClock overrides the time source.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *StaleSweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweeperLogger overrides the logger.
func WithSweeperLogger(logger zerolog.Logger) SweeperOption {
	return func(s *StaleSweeper) {
		s.logger = logger
	}
}

// NewStaleSweeper constructs a sweeper. The default interval is a quarter of offlineAfter.
func NewStaleSweeper(marker StaleMarker, offlineAfter time.Duration, opts ...SweeperOption) (*StaleSweeper, error) {
	if marker == nil {
		return nil, errors.New("sweeper: nil marker")
	}
	if offlineAfter <= 0 {
		return nil, errors.New("sweeper: offlineAfter must be positive")
	}
	sweeper := &StaleSweeper{
		marker:       marker,
		offlineAfter: offlineAfter,
		interval:     offlineAfter / 4,
		now:          time.Now,
		logger:       log.Logger,
	}
	if sweeper.interval < time.Second {
		sweeper.interval = time.Second
	}
	for _, opt := range opts {
		opt(sweeper)
	}
	return sweeper, nil
}

// Start runs the sweep loop until ctx is done.
func (s *StaleSweeper) Start(ctx context.Context) {
	if s == nil || s.marker == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("stale device sweep failed")
			}
		}
	}
}

// SweepOnce marks devices not seen within offlineAfter as offline.
func (s *StaleSweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.offlineAfter)
	swept, err := s.marker.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		metrics.AddDevicesSwept(swept)
		s.logger.Info().Int("devices", swept).Time("cutoff", cutoff).Msg("marked stale devices offline")
	}
	return swept, nil
}
