package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"farm-telemetry/internal/auth"
	telemetry "farm-telemetry/internal/telemetry/domain"
)

type stubReadings struct {
	latest   []telemetry.SensorReading
	history  []telemetry.SensorReading
	err      error
	from, to time.Time
}

func (s *stubReadings) LatestBySensor(_ context.Context, _ string) ([]telemetry.SensorReading, error) {
	return s.latest, s.err
}

func (s *stubReadings) History(_ context.Context, _ string, from, to time.Time) ([]telemetry.SensorReading, error) {
	s.from, s.to = from, to
	return s.history, s.err
}

type stubChecker struct {
	err error
}

func (s stubChecker) EnsureDeviceGroup(context.Context, string) error {
	return s.err
}

func newTestHandler(t *testing.T, readings *stubReadings, checker GroupChecker) *Handler {
	t.Helper()
	h, err := NewHandler(readings, checker, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, target, nil))
	return resp
}

func sampleReadings() []telemetry.SensorReading {
	observed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	battery := 3.6
	return []telemetry.SensorReading{
		{DeviceID: "dev-1", SensorType: "humidity", Value: 61, ObservedAt: observed, Metadata: telemetry.Metadata{BatteryVoltage: &battery}},
		{DeviceID: "dev-1", SensorType: "temperature", Value: 22.5, ObservedAt: observed},
	}
}

func TestNewHandlerRequiresQuery(t *testing.T) {
	if _, err := NewHandler(nil, nil, nil); err == nil {
		t.Fatal("expected error for nil query")
	}
}

func TestLatestReturnsReadings(t *testing.T) {
	h := newTestHandler(t, &stubReadings{latest: sampleReadings()}, stubChecker{})
	resp := get(h, "/api/v1/devices/dev-1/latest")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body latestResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.DeviceID != "dev-1" || len(body.Readings) != 2 || body.Readings[1].Value != 22.5 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestLatestEmptyIsArray(t *testing.T) {
	h := newTestHandler(t, &stubReadings{}, nil)
	resp := get(h, "/api/v1/devices/dev-1/latest")
	if !strings.Contains(resp.Body.String(), `"readings":[]`) {
		t.Fatalf("expected empty array, got %s", resp.Body.String())
	}
}

func TestGroupErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{auth.ErrGroupMismatch, http.StatusForbidden},
		{auth.ErrNotFound, http.StatusNotFound},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newTestHandler(t, &stubReadings{latest: sampleReadings()}, stubChecker{err: tc.err})
		if resp := get(h, "/api/v1/devices/dev-1/latest"); resp.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, resp.Code)
		}
	}
}

func TestUnknownRoutes(t *testing.T) {
	h := newTestHandler(t, &stubReadings{}, nil)
	for _, target := range []string{"/api/v1/devices/", "/api/v1/devices/dev-1", "/api/v1/devices/dev-1/history", "/api/v1/devices/dev-1/latest/x"} {
		if resp := get(h, target); resp.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", target, resp.Code)
		}
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/devices/dev-1/latest", nil))
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
}

func TestQueryFailureIs500(t *testing.T) {
	h := newTestHandler(t, &stubReadings{err: errors.New("boom")}, nil)
	if resp := get(h, "/api/v1/devices/dev-1/latest"); resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func TestExportValidatesWindow(t *testing.T) {
	h := newTestHandler(t, &stubReadings{}, nil)
	for _, query := range []string{
		"",
		"?from=2026-03-01T00:00:00Z",
		"?from=yesterday&to=2026-03-02T00:00:00Z",
		"?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z",
		"?from=2026-01-01T00:00:00Z&to=2026-03-01T00:00:00Z",
	} {
		if resp := get(h, "/api/v1/devices/dev-1/export.xlsx"+query); resp.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", query, resp.Code)
		}
	}
}

func TestExportXLSX(t *testing.T) {
	readings := &stubReadings{history: sampleReadings()}
	h := newTestHandler(t, readings, stubChecker{})
	resp := get(h, "/api/v1/devices/dev-1/export.xlsx?from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Header().Get("Content-Type"), "spreadsheetml") {
		t.Fatalf("unexpected content type %q", resp.Header().Get("Content-Type"))
	}
	if !strings.Contains(resp.Header().Get("Content-Disposition"), "dev-1_20260301_20260302.xlsx") {
		t.Fatalf("unexpected disposition %q", resp.Header().Get("Content-Disposition"))
	}
	if !bytes.HasPrefix(resp.Body.Bytes(), []byte("PK")) {
		t.Fatal("expected zip container")
	}
	if !readings.from.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) || !readings.to.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected window %s %s", readings.from, readings.to)
	}
}

func TestExportPDF(t *testing.T) {
	h := newTestHandler(t, &stubReadings{history: sampleReadings()}, nil)
	resp := get(h, "/api/v1/devices/dev-1/export.pdf?from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("unexpected content type %q", resp.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(resp.Body.Bytes(), []byte("%PDF")) {
		t.Fatal("expected pdf header")
	}
}
