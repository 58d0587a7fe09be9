package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{name: "2xx logs info", status: http.StatusOK, wantLevel: "INFO"},
		{name: "4xx logs warn", status: http.StatusNotFound, wantLevel: "WARN"},
		{name: "5xx logs error", status: http.StatusInternalServerError, wantLevel: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("body"))
			}))

			req := httptest.NewRequest(http.MethodGet, "/some/path", nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			log := buf.String()
			assert.Contains(t, log, "level="+tt.wantLevel)
			assert.Contains(t, log, "path=/some/path")
			assert.Contains(t, log, "bytes_written=4")
		})
	}
}

func TestLoggingMiddleware_DefaultStatusIs200(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	// Handler writes without calling WriteHeader
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Contains(t, buf.String(), "status=200")
}

func TestLoggingWithSkip(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := LoggingWithSkip(logger, []string{"/health"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Empty(t, buf.String(), "skipped path must not be logged")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Contains(t, buf.String(), "path=/api/v1/sync/status")
}
