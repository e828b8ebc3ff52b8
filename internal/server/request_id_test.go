package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"relaycast/internal/observability/logging"
)

func TestRequestIDMiddlewarePreservesIncomingID(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming" {
			t.Fatalf("expected request id to be preserved, got %q", requestID)
		}
		if logging.LoggerFromContext(r.Context()) == nil {
			t.Fatal("expected request logger in context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("X-Request-Id", "  incoming ")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "incoming" {
		t.Fatalf("expected X-Request-Id header incoming, got %q", got)
	}
}

func TestRequestIDMiddlewareGeneratesMissingID(t *testing.T) {
	t.Parallel()

	var seen string
	handler := requestIDMiddlewareWithGenerator(nil, func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", nil))

	if seen != "generated" {
		t.Fatalf("expected generated request id in context, got %q", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "generated" {
		t.Fatalf("expected generated header, got %q", got)
	}
}

func TestLoggingMiddlewareRecordsRequestAndClient(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	handler := requestIDMiddlewareWithGenerator(logger, func() string { return "req-42" }, loggingMiddleware(logger, inner))

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/stop-all", nil)
	req.RemoteAddr = "10.0.0.5:41000"
	req.Header.Set("X-Forwarded-For", "198.51.100.9")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if payload["msg"] != "request completed" {
		t.Fatalf("unexpected message %v", payload["msg"])
	}
	if payload["request_id"] != "req-42" {
		t.Fatalf("expected request_id req-42, got %v", payload["request_id"])
	}
	if payload["remote_ip"] != "198.51.100.9" {
		t.Fatalf("expected forwarded client ip, got %v", payload["remote_ip"])
	}
	if _, ok := payload["remote_addr"]; ok {
		t.Fatal("expected raw remote_addr to be omitted")
	}
	if status, _ := payload["status"].(float64); int(status) != http.StatusAccepted {
		t.Fatalf("expected status 202, got %v", payload["status"])
	}
}

func TestLoggingMiddlewareWithoutLoggerPassesThrough(t *testing.T) {
	t.Parallel()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if got := loggingMiddleware(nil, inner); got == nil {
		t.Fatal("expected handler")
	}
}
