package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	commands "farm-telemetry/internal/commands/domain"
	devices "farm-telemetry/internal/devices/domain"
	"farm-telemetry/internal/eventing"
	ingestion "farm-telemetry/internal/ingestion/application"
	broker "farm-telemetry/internal/platform/mqtt"
	telemetry "farm-telemetry/internal/telemetry/domain"
	"farm-telemetry/internal/telemetry/validation"
)

// Topic filters consumed from the broker.
const (
	TelemetryTopic = "farm/+/telemetry"
	StatusTopic    = "farm/+/status"
	ResponseTopic  = "farm/+/response"
)

const (
	kindTelemetry = "telemetry"
	kindStatus    = "status"
	kindResponse  = "response"
)

// Ingester runs one telemetry message through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, msg telemetry.TelemetryMessage) (ingestion.Result, error)
}

// StatusApplier records device-reported status.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, deviceID string, status devices.Status) error
}

// ResponseApplier settles commands from device responses.
type ResponseApplier interface {
	ApplyResponse(ctx context.Context, deviceID string, resp commands.Response) error
}

// Subscriber registers topic handlers on a broker connection.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler broker.Handler) error
}

// StatusMessage is the payload devices publish on farm/{id}/status.
type StatusMessage struct {
	DeviceID          string `json:"device_id"`
	Status            string `json:"status"`
	Uptime            int64  `json:"uptime"`
	FirmwareVersion   string `json:"firmware_version"`
	FreeMemory        *int64 `json:"free_memory,omitempty"`
	LastRestartReason string `json:"last_restart_reason,omitempty"`
}

// Consumer feeds broker messages into the pipeline through a bounded pool
// of workers.
type Consumer struct {
	ingester  Ingester
	status    StatusApplier
	responses ResponseApplier
	workers   int
	queue     chan broker.Message
	logger    zerolog.Logger

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// Option configures the consumer.
type Option func(*Consumer)

// WithWorkers sets the worker pool size.
func WithWorkers(workers int) Option {
	return func(c *Consumer) {
		if workers > 0 {
			c.workers = workers
		}
	}
}

// WithResponseApplier subscribes to command responses and hands them to applier.
func WithResponseApplier(applier ResponseApplier) Option {
	return func(c *Consumer) {
		c.responses = applier
	}
}

// WithLogger assigns a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer constructs a consumer.
func NewConsumer(ingester Ingester, status StatusApplier, opts ...Option) (*Consumer, error) {
	if ingester == nil {
		return nil, errors.New("mqtt consumer: nil ingester")
	}
	if status == nil {
		return nil, errors.New("mqtt consumer: nil status applier")
	}
	c := &Consumer{
		ingester: ingester,
		status:   status,
		workers:  4,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = make(chan broker.Message, c.workers*2)
	return c, nil
}

// Start launches the workers and subscribes to the telemetry and status
// topics, plus responses when a ResponseApplier is set. Workers exit once ctx
// is done; Wait blocks until they have.
func (c *Consumer) Start(ctx context.Context, sub Subscriber) error {
	if sub == nil {
		return errors.New("mqtt consumer: nil subscriber")
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("mqtt consumer: already started")
	}
	c.started = true
	c.mu.Unlock()

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.work(ctx)
	}

	handler := func(msg broker.Message) {
		c.enqueue(ctx, msg)
	}
	topics := []string{TelemetryTopic, StatusTopic}
	if c.responses != nil {
		topics = append(topics, ResponseTopic)
	}
	for _, topic := range topics {
		if err := sub.Subscribe(ctx, topic, handler); err != nil {
			return fmt.Errorf("mqtt consumer: subscribe %s: %w", topic, err)
		}
	}
	c.logger.Info().Int("workers", c.workers).Msg("mqtt consumer started")
	return nil
}

// Wait blocks until all workers have exited.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) enqueue(ctx context.Context, msg broker.Message) {
	msg.Payload = append([]byte(nil), msg.Payload...)
	// Blocking here applies back-pressure to the broker client. A message
	// dropped on shutdown is never acked and comes back with the session.
	select {
	case c.queue <- msg:
	case <-ctx.Done():
	}
}

func (c *Consumer) work(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.queue:
			if err := c.Handle(ctx, msg.Topic, msg.Payload); err != nil {
				c.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("mqtt message left for redelivery")
				continue
			}
			msg.Ack()
		}
	}
}

// Handle processes a single broker message synchronously. It returns an
// error only when the message should be redelivered; everything else,
// including rejected payloads, is settled.
func (c *Consumer) Handle(ctx context.Context, topic string, payload []byte) error {
	deviceID, kind, err := ParseTopic(topic)
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt message on unexpected topic")
		return nil
	}
	switch kind {
	case kindTelemetry:
		return c.handleTelemetry(ctx, deviceID, payload)
	case kindStatus:
		c.handleStatus(ctx, deviceID, payload)
	case kindResponse:
		c.handleResponse(ctx, deviceID, payload)
	}
	return nil
}

func (c *Consumer) handleTelemetry(ctx context.Context, topicDevice string, payload []byte) error {
	logger := c.logger.With().Str("device_id", topicDevice).Logger()
	msg, err := validation.DecodeMessage(payload)
	if err != nil {
		logger.Info().Err(err).Msg("mqtt telemetry rejected")
		return nil
	}
	if msg.DeviceID != topicDevice {
		logger.Warn().Str("payload_device_id", msg.DeviceID).Msg("mqtt telemetry device mismatch")
		return nil
	}

	ctx = ingestion.WithSource(ctx, ingestion.SourceMQTT)
	ctx = eventing.WithCorrelationID(ctx, eventing.NewEventID())
	if _, err := c.ingester.Ingest(ctx, msg); err != nil {
		var ingestErr *ingestion.Error
		if errors.As(err, &ingestErr) && ingestErr.Retryable() {
			logger.Error().Err(err).Msg("mqtt telemetry not stored")
			return err
		}
		logger.Info().Err(err).Msg("mqtt telemetry rejected")
	}
	return nil
}

func (c *Consumer) handleResponse(ctx context.Context, topicDevice string, payload []byte) {
	logger := c.logger.With().Str("device_id", topicDevice).Logger()
	if c.responses == nil {
		return
	}
	var resp commands.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		logger.Info().Err(err).Msg("mqtt command response rejected")
		return
	}
	if err := c.responses.ApplyResponse(ctx, topicDevice, resp); err != nil {
		logger.Warn().Err(err).Str("request_id", resp.RequestID).Msg("command response not applied")
		return
	}
	logger.Debug().Str("request_id", resp.RequestID).Str("status", resp.Status).Msg("command response applied")
}

func (c *Consumer) handleStatus(ctx context.Context, topicDevice string, payload []byte) {
	logger := c.logger.With().Str("device_id", topicDevice).Logger()
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.Info().Err(err).Msg("mqtt status rejected")
		return
	}
	if msg.DeviceID != "" && msg.DeviceID != topicDevice {
		logger.Warn().Str("payload_device_id", msg.DeviceID).Msg("mqtt status device mismatch")
		return
	}
	status, err := devices.ParseStatus(msg.Status)
	if err != nil {
		logger.Info().Err(err).Msg("mqtt status rejected")
		return
	}
	if err := c.status.ApplyStatus(ctx, topicDevice, status); err != nil {
		logger.Warn().Err(err).Str("status", string(status)).Msg("device status update failed")
		return
	}
	logger.Debug().
		Str("status", string(status)).
		Int64("uptime", msg.Uptime).
		Str("firmware_version", msg.FirmwareVersion).
		Msg("device status applied")
}

// ParseTopic splits farm/{device_id}/{kind}.
func ParseTopic(topic string) (deviceID string, kind string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("invalid topic format: %s", topic)
	}
	if parts[0] != "farm" {
		return "", "", fmt.Errorf("invalid topic root: %s", topic)
	}
	if parts[1] == "" {
		return "", "", fmt.Errorf("empty device id: %s", topic)
	}
	switch parts[2] {
	case kindTelemetry, kindStatus, kindResponse:
		return parts[1], parts[2], nil
	default:
		return "", "", fmt.Errorf("unknown message kind: %s", topic)
	}
}
