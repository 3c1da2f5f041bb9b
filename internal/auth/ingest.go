package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"farm-telemetry/internal/observability/metrics"
)

const (
	HeaderIngestTimestamp = "X-Ingest-Timestamp"
	HeaderIngestSignature = "X-Ingest-Signature"

	defaultMaxIngestBody = 1 << 20
	millisThreshold      = 1_000_000_000_000
)

// IngestAuthMiddleware checks that gateway uploads are signed with the shared
// secret. The signature covers "timestamp\nbody".
type IngestAuthMiddleware struct {
	secret  []byte
	maxSkew time.Duration
	maxBody int64
	now     func() time.Time
	logger  zerolog.Logger
}

// IngestOption configures the middleware.
type IngestOption func(*IngestAuthMiddleware)

// WithMaxIngestBody caps the bytes read for verification.
func WithMaxIngestBody(limit int64) IngestOption {
	return func(m *IngestAuthMiddleware) {
		if limit > 0 {
			m.maxBody = limit
		}
	}
}

// WithIngestClock overrides the clock used for the skew check.
func WithIngestClock(now func() time.Time) IngestOption {
	return func(m *IngestAuthMiddleware) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIngestLogger overrides the logger.
func WithIngestLogger(logger zerolog.Logger) IngestOption {
	return func(m *IngestAuthMiddleware) {
		m.logger = logger
	}
}

// NewIngestAuthMiddleware constructs ingest auth middleware. A zero maxSkew
// accepts any timestamp.
func NewIngestAuthMiddleware(secret []byte, maxSkew time.Duration, opts ...IngestOption) *IngestAuthMiddleware {
	m := &IngestAuthMiddleware{
		secret:  secret,
		maxSkew: maxSkew,
		maxBody: defaultMaxIngestBody,
		now:     time.Now,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap enforces the signature. Without a secret the handler is returned as is.
func (m *IngestAuthMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil || len(m.secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, status, reason := m.verify(r)
		if status != 0 {
			metrics.IncIngestError("auth")
			m.logger.Warn().
				Str("remote", r.RemoteAddr).
				Str("reason", reason).
				Msg("ingest signature rejected")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (m *IngestAuthMiddleware) verify(r *http.Request) ([]byte, int, string) {
	timestamp := strings.TrimSpace(r.Header.Get(HeaderIngestTimestamp))
	signature := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderIngestSignature)))
	if timestamp == "" || signature == "" {
		return nil, http.StatusUnauthorized, "missing ingest signature"
	}
	signedAt, err := parseIngestTimestamp(timestamp)
	if err != nil {
		return nil, http.StatusUnauthorized, "invalid ingest timestamp"
	}
	if m.maxSkew > 0 {
		skew := m.now().Sub(signedAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > m.maxSkew {
			return nil, http.StatusUnauthorized, "ingest signature expired"
		}
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, m.maxBody+1))
	if err != nil {
		return nil, http.StatusBadRequest, "read body error"
	}
	if int64(len(body)) > m.maxBody {
		return nil, http.StatusRequestEntityTooLarge, "request body too large"
	}
	if !hmac.Equal([]byte(signature), []byte(SignIngest(m.secret, timestamp, body))) {
		return nil, http.StatusUnauthorized, "invalid ingest signature"
	}
	return body, 0, ""
}

// parseIngestTimestamp accepts unix seconds or, from firmware that only keeps
// a millisecond clock, unix milliseconds.
func parseIngestTimestamp(raw string) (time.Time, error) {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if value > millisThreshold {
		return time.UnixMilli(value), nil
	}
	return time.Unix(value, 0), nil
}

// SignIngest returns the hex HMAC-SHA256 of "timestamp\nbody".
func SignIngest(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
