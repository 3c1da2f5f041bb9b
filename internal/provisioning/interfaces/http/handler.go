package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"farm-telemetry/internal/audit"
	"farm-telemetry/internal/auth"
	provisioning "farm-telemetry/internal/provisioning/application"
)

const maxBodyBytes = 1 << 20

// Handler handles group provisioning requests.
type Handler struct {
	service     *provisioning.Service
	auditLogger audit.Logger
	logger      zerolog.Logger
}

// Option configures the handler.
type Option func(*Handler)

// WithLogger assigns a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler constructs a handler. A nil audit logger disables auditing.
func NewHandler(service *provisioning.Service, auditLogger audit.Logger, opts ...Option) (*Handler, error) {
	if service == nil {
		return nil, errors.New("provisioning handler: nil service")
	}
	h := &Handler{service: service, auditLogger: auditLogger, logger: log.Logger}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ServeHTTP handles POST /api/v1/provisioning/groups.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req provisioning.ProvisionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	caller := auth.IdentityFrom(r.Context())
	if scope := caller.ScopeGroup(); scope != "" {
		if req.GroupID != "" && req.GroupID != scope {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		req.GroupID = scope
	}

	resp, err := h.service.Provision(r.Context(), req)
	if err != nil {
		if errors.Is(err, provisioning.ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error().Err(err).Str("group_id", req.GroupID).Msg("provisioning failed")
		http.Error(w, "provisioning failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
	h.logAudit(r, resp)
}

func (h *Handler) logAudit(r *http.Request, resp *provisioning.ProvisionResponse) {
	if h.auditLogger == nil || resp == nil {
		return
	}
	caller := auth.IdentityFrom(r.Context())
	meta, _ := json.Marshal(map[string]any{
		"device_ids": resp.DeviceIDs,
		"rule_ids":   resp.RuleIDs,
	})
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		GroupID:      resp.GroupID,
		Actor:        caller.Subject,
		Action:       audit.ActionProvisionGroup,
		ResourceType: audit.ResourceGroup,
		ResourceID:   resp.GroupID,
		Metadata:     meta,
	})
}
