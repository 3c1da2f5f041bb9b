package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"farm-telemetry/internal/auth"
	telemetry "farm-telemetry/internal/telemetry/domain"
)

const (
	devicesPrefix = "/api/v1/devices/"
	timeLayout    = time.RFC3339
	maxExportSpan = 31 * 24 * time.Hour
)

// GroupChecker verifies the caller may read a device.
type GroupChecker interface {
	EnsureDeviceGroup(ctx context.Context, deviceID string) error
}

// Handler serves dashboard reads under /api/v1/devices/.
type Handler struct {
	readings telemetry.ReadingQuery
	checker  GroupChecker
	logger   zerolog.Logger
}

// NewHandler constructs a read handler. A nil checker disables group scoping.
func NewHandler(readings telemetry.ReadingQuery, checker GroupChecker, logger *zerolog.Logger) (*Handler, error) {
	if readings == nil {
		return nil, errors.New("telemetry handler: nil reading query")
	}
	h := &Handler{readings: readings, checker: checker, logger: log.Logger}
	if logger != nil {
		h.logger = *logger
	}
	return h, nil
}

type latestResponse struct {
	DeviceID string                    `json:"device_id"`
	Readings []telemetry.SensorReading `json:"readings"`
}

// ServeHTTP handles /api/v1/devices/{id}/latest and /api/v1/devices/{id}/export.{xlsx,pdf}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, devicesPrefix)
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	deviceID, action := parts[0], parts[1]

	switch action {
	case "latest", "export.xlsx", "export.pdf":
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if h.checker != nil {
		if err := h.checker.EnsureDeviceGroup(r.Context(), deviceID); err != nil {
			h.respondGroupError(w, deviceID, err)
			return
		}
	}

	switch action {
	case "latest":
		h.handleLatest(w, r, deviceID)
	case "export.xlsx":
		h.handleExport(w, r, deviceID, "xlsx")
	case "export.pdf":
		h.handleExport(w, r, deviceID, "pdf")
	}
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request, deviceID string) {
	readings, err := h.readings.LatestBySensor(r.Context(), deviceID)
	if err != nil {
		h.logger.Error().Err(err).Str("device_id", deviceID).Msg("telemetry: latest query failed")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if readings == nil {
		readings = []telemetry.SensorReading{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(latestResponse{DeviceID: deviceID, Readings: readings})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, deviceID, format string) {
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}
	if to.Sub(from) > maxExportSpan {
		http.Error(w, "export window too large", http.StatusBadRequest)
		return
	}

	readings, err := h.readings.History(r.Context(), deviceID, from, to)
	if err != nil {
		h.logger.Error().Err(err).Str("device_id", deviceID).Msg("telemetry: history query failed")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	var (
		data        []byte
		contentType string
	)
	switch format {
	case "pdf":
		data, err = BuildReadingsPDF(deviceID, from, to, readings)
		contentType = "application/pdf"
	default:
		data, err = BuildReadingsXLSX(deviceID, from, to, readings)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		h.logger.Error().Err(err).Str("device_id", deviceID).Str("format", format).Msg("telemetry: export render failed")
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	filename := deviceID + "_" + from.Format("20060102") + "_" + to.Format("20060102") + "." + format
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	_, _ = w.Write(data)
}

func (h *Handler) respondGroupError(w http.ResponseWriter, deviceID string, err error) {
	switch {
	case errors.Is(err, auth.ErrGroupMismatch):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, auth.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		h.logger.Error().Err(err).Str("device_id", deviceID).Msg("telemetry: group check failed")
		http.Error(w, "group check failed", http.StatusInternalServerError)
	}
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
