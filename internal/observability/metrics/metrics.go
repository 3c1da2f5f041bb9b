package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "farm_"

	resultAccepted = "accepted"
	resultRejected = "rejected"
	resultFailed   = "failed"
)

var (
	registerOnce sync.Once

	ingestMessages *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec
	stageLatency   *prometheus.HistogramVec

	readingsInserted prometheus.Counter

	rulesTriggered  *prometheus.CounterVec
	dispatchResults *prometheus.CounterVec

	presenceFailures prometheus.Counter
	devicesSwept     prometheus.Counter

	commandResults *prometheus.CounterVec
)

// Init registers pipeline metrics. Calling it more than once is a no-op.
func Init(devices DeviceCounter) {
	registerOnce.Do(func() {
		ingestMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_messages_total",
				Help: "Total telemetry messages by outcome",
			},
			[]string{"result", "source"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total telemetry errors by kind",
			},
			[]string{"kind"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "End to end ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		stageLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_stage_latency_seconds",
				Help:    "Latency of individual ingest stages in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		)
		readingsInserted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_inserted_total",
				Help: "Total sensor readings persisted",
			},
		)
		rulesTriggered = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rules_triggered_total",
				Help: "Total automation rule matches by action type",
			},
			[]string{"action_type"},
		)
		dispatchResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dispatch_results_total",
				Help: "Total trigger dispatch attempts by result",
			},
			[]string{"result"},
		)
		presenceFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "presence_update_failures_total",
				Help: "Total failed presence updates",
			},
		)
		devicesSwept = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "devices_marked_offline_total",
				Help: "Total devices marked offline by the stale sweeper",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total device command outcomes",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			ingestMessages,
			ingestErrors,
			ingestLatency,
			stageLatency,
			readingsInserted,
			rulesTriggered,
			dispatchResults,
			presenceFailures,
			devicesSwept,
			commandResults,
		)

		if devices != nil {
			registerDeviceGauges(devices)
		}
	})
}

// ObserveIngest records the outcome and duration of one message.
func ObserveIngest(source, result string, duration time.Duration) {
	if result == "" {
		result = resultAccepted
	}
	if source == "" {
		source = "unknown"
	}
	if ingestMessages != nil {
		ingestMessages.WithLabelValues(result, source).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestError increments the error counter for a taxonomy kind.
func IncIngestError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(kind).Inc()
	}
}

// ObserveStage records the latency of a single pipeline stage.
func ObserveStage(stage string, duration time.Duration) {
	if stageLatency != nil {
		stageLatency.WithLabelValues(stage).Observe(duration.Seconds())
	}
}

// AddReadingsInserted adds persisted reading count.
func AddReadingsInserted(count int) {
	if count <= 0 || readingsInserted == nil {
		return
	}
	readingsInserted.Add(float64(count))
}

// IncRuleTriggered counts a matched rule.
func IncRuleTriggered(actionType string) {
	if actionType == "" {
		actionType = "unknown"
	}
	if rulesTriggered != nil {
		rulesTriggered.WithLabelValues(actionType).Inc()
	}
}

// IncDispatchResult counts a dispatch attempt.
func IncDispatchResult(result string) {
	if result == "" {
		result = "unknown"
	}
	if dispatchResults != nil {
		dispatchResults.WithLabelValues(result).Inc()
	}
}

// IncPresenceFailure counts a failed presence update.
func IncPresenceFailure() {
	if presenceFailures != nil {
		presenceFailures.Inc()
	}
}

// AddDevicesSwept counts devices marked offline.
func AddDevicesSwept(count int) {
	if count <= 0 || devicesSwept == nil {
		return
	}
	devicesSwept.Add(float64(count))
}

// IncCommandResult counts a command reaching a final status.
func IncCommandResult(result string) {
	if result == "" {
		result = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(result).Inc()
	}
}

// AddCommandTimeouts counts commands expired without a response.
func AddCommandTimeouts(count int) {
	if count <= 0 || commandResults == nil {
		return
	}
	commandResults.WithLabelValues(CommandResultTimeout).Add(float64(count))
}

// Exported constants for callers.
const (
	ResultAccepted = resultAccepted
	ResultRejected = resultRejected
	ResultFailed   = resultFailed

	DispatchSent   = "sent"
	DispatchFailed = "failed"

	CommandResultAcked   = "acked"
	CommandResultFailed  = "failed"
	CommandResultTimeout = "timeout"
)
