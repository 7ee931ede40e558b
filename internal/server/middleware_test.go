package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seenID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/import", nil)
	rec := httptest.NewRecorder()
	RequestIDMiddleware(handler).ServeHTTP(rec, req)

	if seenID == "" {
		t.Fatal("handler saw no request id")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seenID {
		t.Errorf("X-Request-ID header = %q, context id = %q", got, seenID)
	}
}

func TestGetRequestID_NoMiddleware(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
}

func TestLoggingMiddleware_CapturesStatus(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "full")
	})

	req := httptest.NewRequest("POST", "/import", nil)
	rec := httptest.NewRecorder()
	LoggingMiddleware(logger)(handler).ServeHTTP(rec, req)

	out := buf.String()
	if !strings.Contains(out, "status=503") {
		t.Errorf("log %q missing status", out)
	}
	if !strings.Contains(out, "path=/import") {
		t.Errorf("log %q missing path", out)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	done := make(chan error, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			done <- r.Context().Err()
		case <-time.After(5 * time.Second):
			done <- nil
		}
	})

	req := httptest.NewRequest("GET", "/jobs", nil)
	rec := httptest.NewRecorder()
	TimeoutMiddleware(20*time.Millisecond)(handler).ServeHTTP(rec, req)

	if err := <-done; err != context.DeadlineExceeded {
		t.Errorf("handler context error = %v, want DeadlineExceeded", err)
	}
}
