package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"farm-telemetry/internal/eventing"
	ingestion "farm-telemetry/internal/ingestion/application"
	telemetry "farm-telemetry/internal/telemetry/domain"
	"farm-telemetry/internal/telemetry/validation"
)

const maxBodyBytes = 1 << 20

// Ingester runs one telemetry message through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, msg telemetry.TelemetryMessage) (ingestion.Result, error)
}

// Handler serves POST /api/v1/telemetry.
type Handler struct {
	ingester Ingester
	logger   zerolog.Logger
}

// NewHandler constructs an ingest handler.
func NewHandler(ingester Ingester, logger *zerolog.Logger) (*Handler, error) {
	if ingester == nil {
		return nil, errors.New("telemetry ingest: nil ingester")
	}
	h := &Handler{ingester: ingester, logger: log.Logger}
	if logger != nil {
		h.logger = *logger
	}
	return h, nil
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
	Code    int      `json:"code,omitempty"`
}

// ServeHTTP ingests one telemetry message.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.logger.Warn().Err(err).Msg("telemetry ingest: read body error")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body error"})
		return
	}
	defer r.Body.Close()
	if len(body) > maxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return
	}

	msg, err := validation.DecodeMessage(body)
	if err != nil {
		var structErr *validation.StructureError
		if errors.As(err, &structErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing required fields: device_id, timestamp, sensors", Details: structErr.Details})
			return
		}
		h.logger.Error().Err(err).Msg("telemetry ingest: decoder unavailable")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = eventing.NewEventID()
	}
	w.Header().Set("X-Request-ID", requestID)
	ctx := eventing.WithCorrelationID(r.Context(), requestID)
	ctx = ingestion.WithSource(ctx, ingestion.SourceHTTP)

	result, err := h.ingester.Ingest(ctx, msg)
	if err != nil {
		status, resp := errorStatus(err)
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func errorStatus(err error) (int, errorResponse) {
	var ingestErr *ingestion.Error
	if !errors.As(err, &ingestErr) {
		return http.StatusInternalServerError, errorResponse{Error: "Internal server error"}
	}
	resp := errorResponse{Error: ingestErr.Message, Details: ingestErr.Details, Code: ingestErr.Code}
	switch ingestErr.Kind {
	case ingestion.KindStructural, ingestion.KindValidation:
		return http.StatusBadRequest, resp
	case ingestion.KindUnknownDevice:
		return http.StatusNotFound, resp
	case ingestion.KindStorage:
		return http.StatusInternalServerError, resp
	default:
		return http.StatusInternalServerError, errorResponse{Error: "Internal server error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
