package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// DeviceCounter reports how many registered devices are in a status.
type DeviceCounter interface {
	CountByStatus(ctx context.Context, status string) (int, error)
}

func registerDeviceGauges(counter DeviceCounter) {
	for _, status := range []string{"online", "offline", "error"} {
		status := status
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        metricPrefix + "devices",
				Help:        "Registered devices by presence status",
				ConstLabels: prometheus.Labels{"status": status},
			},
			func() float64 {
				return queryCount(counter, status)
			},
		))
	}
}

func queryCount(counter DeviceCounter, status string) float64 {
	if counter == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := counter.CountByStatus(ctx, status)
	if err != nil {
		log.Warn().Err(err).Str("status", status).Msg("device gauge query failed")
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
