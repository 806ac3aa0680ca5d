package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeError(t *testing.T, body []byte) string {
	t.Helper()
	var got ErrorResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode error response: %v (body %q)", err, body)
	}
	return got.Error
}

func TestNewServer(t *testing.T) {
	logger := discardLogger()
	s := NewServer(":5000", nil, logger)

	if s.server.Addr != ":5000" {
		t.Errorf("Addr = %q, want %q", s.server.Addr, ":5000")
	}
	if s.logger != logger {
		t.Error("logger not set")
	}

	timeouts := map[string]struct{ got, want time.Duration }{
		"ReadHeaderTimeout": {s.server.ReadHeaderTimeout, 10 * time.Second},
		"ReadTimeout":       {s.server.ReadTimeout, 30 * time.Second},
		"WriteTimeout":      {s.server.WriteTimeout, 30 * time.Second},
		"IdleTimeout":       {s.server.IdleTimeout, 60 * time.Second},
	}
	for name, tt := range timeouts {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", name, tt.got, tt.want)
		}
	}

	if NewServer(":5000", nil, nil).logger == nil {
		t.Error("nil logger should fall back to the default logger")
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer("localhost:0", http.NewServeMux(), discardLogger())

	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()
	time.Sleep(50 * time.Millisecond)

	if err := s.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := <-errc; err != nil {
		t.Errorf("Start() error = %v", err)
	}
}

func TestWriteJSON(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusCreated, http.StatusBadRequest, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			w := httptest.NewRecorder()
			if err := WriteJSON(w, status, map[string]float64{"temperature": 1475}); err != nil {
				t.Fatalf("WriteJSON() error = %v", err)
			}
			if w.Code != status {
				t.Errorf("status = %d, want %d", w.Code, status)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var got map[string]float64
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got["temperature"] != 1475 {
				t.Errorf("body = %v", got)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusBadRequest, errors.New("invalid reading: pressure"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
	if got := decodeError(t, w.Body.Bytes()); got != "invalid reading: pressure" {
		t.Errorf("error = %q", got)
	}

	w = httptest.NewRecorder()
	WriteErrorMessage(w, http.StatusInternalServerError, "Failed to generate suggestions")
	if got := decodeError(t, w.Body.Bytes()); got != "Failed to generate suggestions" {
		t.Errorf("error = %q", got)
	}
}

func TestHealthHandlers(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.Handler
		wantStatus int
		wantBody   string
		wantError  string
	}{
		{name: "plain", handler: HealthHandler(), wantStatus: http.StatusOK, wantBody: "OK"},
		{name: "check ok", handler: HealthHandlerWithCheck(func() error { return nil }), wantStatus: http.StatusOK, wantBody: "OK"},
		{
			name:       "check failing",
			handler:    HealthHandlerWithCheck(func() error { return errors.New("redis ping: connection refused") }),
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "redis ping: connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantError != "" {
				if got := decodeError(t, w.Body.Bytes()); got != tt.wantError {
					t.Errorf("error = %q, want %q", got, tt.wantError)
				}
				return
			}
			if w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name:    "implicit 200",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) },
			want:    "status=200",
		},
		{
			name:    "explicit 404",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) },
			want:    "status=404",
		},
		{
			name:    "explicit 500",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			want:    "status=500",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := LoggingMiddleware(slog.New(slog.NewTextHandler(&buf, nil)))(tt.handler)
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/metrics", nil))

			out := buf.String()
			for _, field := range []string{"HTTP request", "method=POST", "path=/api/metrics", tt.want, "duration_ms"} {
				if !strings.Contains(out, field) {
					t.Errorf("log output missing %q: %s", field, out)
				}
			}
		})
	}
}

func TestLoggingMiddleware_NilLogger(t *testing.T) {
	h := LoggingMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d", w.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kiln on fire")
	})
	w := httptest.NewRecorder()
	RecoveryMiddleware(logger)(panicking).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
	if got := decodeError(t, w.Body.Bytes()); got != "internal server error" {
		t.Errorf("error = %q", got)
	}
	if out := buf.String(); !strings.Contains(out, "panic recovered") || !strings.Contains(out, "kiln on fire") {
		t.Errorf("panic not logged: %s", out)
	}

	// nil logger must not panic either
	w = httptest.NewRecorder()
	RecoveryMiddleware(nil)(panicking).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
}

func TestRecoveryMiddleware_PassThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := RecoveryMiddleware(logger)(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("success"))
	})))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Body.String() != "success" {
		t.Errorf("body = %q", w.Body.String())
	}
	if strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("unexpected panic log: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "HTTP request") {
		t.Error("logging middleware did not log")
	}
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
	rw.WriteHeader(http.StatusNotFound)

	if rw.statusCode != http.StatusNotFound || w.Code != http.StatusNotFound {
		t.Errorf("statusCode = %d, recorder = %d", rw.statusCode, w.Code)
	}
	if rw.Unwrap() != w {
		t.Error("Unwrap should return the wrapped writer")
	}
	// httptest.ResponseRecorder cannot be hijacked
	if _, _, err := rw.Hijack(); err == nil {
		t.Error("Hijack() should fail on a recorder")
	}
}

func TestCORSMiddleware(t *testing.T) {
	const origin = "http://localhost:3000"
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := CORSMiddleware(origin)(next)

	tests := []struct {
		name        string
		method      string
		origin      string
		preflight   bool
		wantStatus  int
		wantAllowed bool
	}{
		{name: "same origin header", method: http.MethodPost, origin: origin, wantStatus: http.StatusOK, wantAllowed: true},
		{name: "foreign origin", method: http.MethodPost, origin: "http://evil.example", wantStatus: http.StatusOK},
		{name: "no origin", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "preflight allowed", method: http.MethodOptions, origin: origin, preflight: true, wantStatus: http.StatusNoContent, wantAllowed: true},
		{name: "preflight rejected", method: http.MethodOptions, origin: "http://evil.example", preflight: true, wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/suggestions", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			got := w.Header().Get("Access-Control-Allow-Origin")
			if tt.wantAllowed && got != origin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, origin)
			}
			if !tt.wantAllowed && got != "" {
				t.Errorf("Access-Control-Allow-Origin = %q, want none", got)
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		header, allowed string
		want            bool
	}{
		{"", "http://localhost:3000", true},
		{"http://localhost:3000", "http://localhost:3000", true},
		{"http://other:3000", "http://localhost:3000", false},
		{"http://other:3000", "*", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.header, tt.allowed), func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.header != "" {
				req.Header.Set("Origin", tt.header)
			}
			if got := OriginAllowed(req, tt.allowed); got != tt.want {
				t.Errorf("OriginAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}
