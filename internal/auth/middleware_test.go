package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	devices "farm-telemetry/internal/devices/domain"
)

func okHandler(t *testing.T, wantGroup string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := IdentityFrom(r.Context()).GroupID; got != wantGroup {
			t.Errorf("expected group %q in context, got %q", wantGroup, got)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler(t, ""))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-1/latest", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ViewerCanRead(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "farm-a", "viewer")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler(t, "farm-a"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-1/latest", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthMiddleware_QueryTokenForStream(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "farm-a", "")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler(t, "farm-a"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/readings/stream?access_token="+token, nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ViewerForbiddenWrite(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "farm-a", "viewer")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler(t, "farm-a"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/provisioning/groups", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestBearerTokenParsing(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"abc":          "",
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-1/latest", nil)
		req.Header.Set("Authorization", header)
		if got := bearerToken(req); got != want {
			t.Fatalf("%q: expected %q, got %q", header, want, got)
		}
	}
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewDefaultPolicy([]string{"/healthz", "/api/v1/telemetry"}, nil))
	handler := mw.Wrap(okHandler(t, ""))

	for _, path := range []string{"/healthz", "/api/v1/telemetry"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.Code)
		}
	}
}

func TestAuthMiddleware_DisabledWithoutSecret(t *testing.T) {
	handler := NewMiddleware(nil, NewDefaultPolicy(nil, nil)).Wrap(okHandler(t, ""))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-1/latest", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestVerifierRequiresGroupForViewer(t *testing.T) {
	secret := []byte("test-secret")
	verifier := NewVerifier(secret)
	if _, err := verifier.Verify(mustToken(t, secret, "", "viewer")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected missing group rejection, got %v", err)
	}
	id, err := verifier.Verify(mustToken(t, secret, "", "admin"))
	if err != nil {
		t.Fatalf("admin without group: %v", err)
	}
	if id.Role != RoleAdmin || id.Subject != "user-1" || id.ScopeGroup() != "" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if _, err := verifier.Verify(mustToken(t, []byte("other"), "farm-a", "viewer")); err == nil {
		t.Fatal("expected signature error")
	}
	if _, err := verifier.Verify(mustToken(t, secret, "farm-a", "owner")); err == nil {
		t.Fatal("expected unknown role error")
	}
	if _, err := verifier.Verify(""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected empty token rejection, got %v", err)
	}
}

func TestVerifierChecksExpiryAndAlgorithm(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "farm-a", "viewer")

	later := time.Now().Add(2 * time.Hour)
	if _, err := NewVerifier(secret, WithVerifierClock(func() time.Time { return later })).Verify(token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token, got %v", err)
	}

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, &dashboardClaims{GroupID: "farm-a", Role: "viewer"})
	signed, err := hs512.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewVerifier(secret).Verify(signed); err == nil {
		t.Fatal("expected HS512 token to be refused")
	}
	if NewVerifier(nil) != nil {
		t.Fatal("empty secret should disable verification")
	}
}

func TestRolesAndScope(t *testing.T) {
	for claim, want := range map[string]Role{"": RoleViewer, "viewer": RoleViewer, " Admin ": RoleAdmin} {
		got, err := ParseRole(claim)
		if err != nil || got != want {
			t.Fatalf("%q: expected %s, got %s %v", claim, want, got, err)
		}
	}
	if !RoleAdmin.Covers(RoleViewer) || RoleViewer.Covers(RoleAdmin) || Role("guest").Covers(RoleViewer) {
		t.Fatal("unexpected role ordering")
	}
	if got := (Identity{GroupID: "farm-a", Role: RoleViewer}).ScopeGroup(); got != "farm-a" {
		t.Fatalf("viewer scope: %q", got)
	}
	if got := (Identity{GroupID: "farm-a", Role: RoleAdmin}).ScopeGroup(); got != "" {
		t.Fatalf("admin scope: %q", got)
	}
	if got := IdentityFrom(context.Background()); got != (Identity{}) {
		t.Fatalf("expected zero identity, got %+v", got)
	}
}

func TestIngestAuthMiddleware(t *testing.T) {
	secret := []byte("ingest-secret")
	mw := NewIngestAuthMiddleware(secret, time.Minute)
	var seen string
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen = string(body)
		w.WriteHeader(http.StatusOK)
	}))

	body := `{"device_id":"dev-1","timestamp":1767225600,"sensors":{"ph":6.5}}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", strings.NewReader(body))
	req.Header.Set("X-Ingest-Timestamp", ts)
	req.Header.Set("X-Ingest-Signature", SignIngest(secret, ts, []byte(body)))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if seen != body {
		t.Fatalf("body not restored for handler: %q", seen)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", strings.NewReader(body))
	req.Header.Set("X-Ingest-Timestamp", ts)
	req.Header.Set("X-Ingest-Signature", SignIngest([]byte("wrong"), ts, []byte(body)))
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", resp.Code)
	}

	old := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", strings.NewReader(body))
	req.Header.Set("X-Ingest-Timestamp", old)
	req.Header.Set("X-Ingest-Signature", SignIngest(secret, old, []byte(body)))
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired signature, got %d", resp.Code)
	}
}

func TestIngestAuthAcceptsMillisAndInjectedClock(t *testing.T) {
	secret := []byte("ingest-secret")
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mw := NewIngestAuthMiddleware(secret, time.Minute, WithIngestClock(func() time.Time { return now }))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	body := `{"device_id":"dev-1"}`

	sign := func(ts string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", strings.NewReader(body))
		req.Header.Set(HeaderIngestTimestamp, ts)
		req.Header.Set(HeaderIngestSignature, strings.ToUpper(SignIngest(secret, ts, []byte(body))))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp
	}

	if resp := sign(strconv.FormatInt(now.Add(-30*time.Second).UnixMilli(), 10)); resp.Code != http.StatusNoContent {
		t.Fatalf("expected millisecond timestamp to pass, got %d", resp.Code)
	}
	resp := sign(strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 outside skew, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"error":"ingest signature expired"`) {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestIngestAuthLimitsBodyAndPassesWithoutSecret(t *testing.T) {
	secret := []byte("ingest-secret")
	mw := NewIngestAuthMiddleware(secret, 0, WithMaxIngestBody(8))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	body := `{"device_id":"dev-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", strings.NewReader(body))
	req.Header.Set(HeaderIngestTimestamp, "1")
	req.Header.Set(HeaderIngestSignature, SignIngest(secret, "1", []byte(body)))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}

	open := NewIngestAuthMiddleware(nil, time.Minute).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	resp = httptest.NewRecorder()
	open.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", strings.NewReader(body)))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected pass through without secret, got %d", resp.Code)
	}
}

type stubDevices map[string]devices.Device

func (s stubDevices) FindDevice(_ context.Context, id string) (*devices.Device, error) {
	device, ok := s[id]
	if !ok {
		return nil, devices.ErrDeviceNotFound
	}
	return &device, nil
}

func TestDeviceGroupChecker(t *testing.T) {
	checker := NewDeviceGroupChecker(stubDevices{"dev-1": {ID: "dev-1", GroupID: "farm-a"}})

	viewerA := ContextWithIdentity(context.Background(), Identity{Subject: "u1", GroupID: "farm-a", Role: RoleViewer})
	viewerB := ContextWithIdentity(context.Background(), Identity{Subject: "u2", GroupID: "farm-b", Role: RoleViewer})
	admin := ContextWithIdentity(context.Background(), Identity{Subject: "root", Role: RoleAdmin})

	if err := checker.EnsureDeviceGroup(viewerA, "dev-1"); err != nil {
		t.Fatalf("same group: %v", err)
	}
	if err := checker.EnsureDeviceGroup(viewerB, "dev-1"); !errors.Is(err, ErrGroupMismatch) {
		t.Fatalf("expected group mismatch, got %v", err)
	}
	if err := checker.EnsureDeviceGroup(admin, "dev-1"); err != nil {
		t.Fatalf("admin: %v", err)
	}
	if err := checker.EnsureDeviceGroup(viewerA, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := checker.EnsureDeviceGroup(context.Background(), "dev-1"); err != nil {
		t.Fatalf("anonymous with auth disabled: %v", err)
	}
}

func mustToken(t *testing.T, secret []byte, groupID, role string) string {
	t.Helper()
	claims := &dashboardClaims{
		GroupID: groupID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
