package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewHTTPValidation(t *testing.T) {
	if _, err := NewHTTP(HTTPConfig{}, testLogger()); err == nil {
		t.Errorf("Expected error for empty endpoint")
	}
}

func TestHTTPPublish(t *testing.T) {
	var gotPath, gotAuth, gotID string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotID = r.Header.Get(MessageIDHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{Endpoint: srv.URL + "/publish/", APIKey: "secret"}, testLogger())
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}
	defer h.Close()

	id, err := h.Publish(context.Background(), "esp32/audio/dev/meta", []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if gotPath != "/publish/esp32/audio/dev/meta" {
		t.Errorf("Unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Unexpected authorization %q", gotAuth)
	}
	if gotID != id || id == "" {
		t.Errorf("Expected message id %q in header, got %q", id, gotID)
	}
	if len(gotBody) != 4 {
		t.Errorf("Expected 4-byte body, got %d", len(gotBody))
	}

	stats := h.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 || stats.SuccessRate != 100 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestHTTPRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, _ := NewHTTP(HTTPConfig{Endpoint: srv.URL, MaxRetries: 3, Backoff: time.Millisecond}, testLogger())

	if _, err := h.Publish(context.Background(), "t", []byte{1}); err != nil {
		t.Fatalf("Expected publish to succeed after retries, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	if got := h.GetStats().TotalRetries; got != 2 {
		t.Errorf("Expected 2 retries, got %d", got)
	}
}

func TestHTTPDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad topic", http.StatusBadRequest)
	}))
	defer srv.Close()

	h, _ := NewHTTP(HTTPConfig{Endpoint: srv.URL, MaxRetries: 3, Backoff: time.Millisecond}, testLogger())

	_, err := h.Publish(context.Background(), "t", []byte{1})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Fatalf("Expected StatusError 400, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected a single attempt, got %d", got)
	}
	if got := h.GetStats().FailedRequests; got != 1 {
		t.Errorf("Expected 1 failed request, got %d", got)
	}
}

func TestHTTPClose(t *testing.T) {
	h, _ := NewHTTP(HTTPConfig{Endpoint: "http://127.0.0.1:1"}, testLogger())
	h.Close()

	if _, err := h.Publish(context.Background(), "t", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := h.Subscribe(context.Background(), "#"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported, got %v", err)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &StatusError{Code: 502}, true},
		{"rate limited", &StatusError{Code: 429}, true},
		{"not found", &StatusError{Code: 404}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"other", errors.New("bad"), false},
	}

	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("%s: expected %t, got %t", tt.name, tt.want, got)
		}
	}
}
