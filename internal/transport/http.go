package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageIDHeader carries the publisher-assigned message identifier
const MessageIDHeader = "X-Message-ID"

// HTTPConfig contains HTTP publisher configuration
type HTTPConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	Backoff       time.Duration // first retry delay, doubled per attempt
}

// HTTP publishes each message as a POST of the raw payload to <endpoint>/<topic>
type HTTP struct {
	config     HTTPConfig
	httpClient *http.Client
	semaphore  chan struct{}
	logger     *slog.Logger

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	closed bool
	mu     sync.RWMutex
}

// HTTPStats represents publisher statistics
type HTTPStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Body)
}

// NewHTTP creates a new HTTP publisher
func NewHTTP(config HTTPConfig, logger *slog.Logger) (*HTTP, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.Backoff <= 0 {
		config.Backoff = 500 * time.Millisecond
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTP{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger,
	}, nil
}

// Publish posts payload, retrying retryable failures with exponential backoff
func (h *HTTP) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	// Acquire semaphore for concurrency limiting
	select {
	case h.semaphore <- struct{}{}:
		defer func() { <-h.semaphore }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	startTime := time.Now()
	h.incrementTotalRequests()

	id := uuid.NewString()
	var lastErr error

	for attempt := 0; attempt <= h.config.MaxRetries; attempt++ {
		if attempt > 0 {
			h.incrementTotalRetries()

			backoff := h.config.Backoff << (attempt - 1)
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				h.incrementFailedRequests()
				return "", ctx.Err()
			}
		}

		err := h.doRequest(ctx, id, topic, payload)
		if err == nil {
			h.incrementSuccessRequests()
			h.updateAvgResponseTime(time.Since(startTime))
			return id, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}

		h.logger.Debug("Retrying publish",
			slog.String("topic", topic),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	h.incrementFailedRequests()
	return "", fmt.Errorf("publish to %s failed: %w", topic, lastErr)
}

func (h *HTTP) url(topic string) string {
	return strings.TrimRight(h.config.Endpoint, "/") + "/" + strings.TrimLeft(topic, "/")
}

// doRequest performs a single POST
func (h *HTTP) doRequest(ctx context.Context, id, topic string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url(topic), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(MessageIDHeader, id)
	req.Header.Set("User-Agent", "wakestream/1.0")
	if h.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.APIKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return nil
}

// isRetryableError reports whether a failed request may succeed when repeated
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// 5xx server errors and rate limiting are retryable
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}

	// Network/connection errors are typically retryable
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// Subscribe is not supported: HTTP publishing has no inbound path
func (h *HTTP) Subscribe(context.Context, string) (<-chan Message, error) {
	return nil, ErrNotSupported
}

// Statistics methods
func (h *HTTP) incrementTotalRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalRequests++
}

func (h *HTTP) incrementSuccessRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successRequests++
}

func (h *HTTP) incrementFailedRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failedRequests++
}

func (h *HTTP) incrementTotalRetries() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalRetries++
}

func (h *HTTP) updateAvgResponseTime(responseTime time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Simple moving average
	if h.avgResponseTime == 0 {
		h.avgResponseTime = responseTime
	} else {
		h.avgResponseTime = (h.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current publisher statistics
func (h *HTTP) GetStats() HTTPStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	successRate := float64(0)
	if h.totalRequests > 0 {
		successRate = float64(h.successRequests) / float64(h.totalRequests) * 100
	}

	return HTTPStats{
		TotalRequests:   h.totalRequests,
		SuccessRequests: h.successRequests,
		FailedRequests:  h.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    h.totalRetries,
		AvgResponseTime: h.avgResponseTime,
		ActiveRequests:  len(h.semaphore),
	}
}

// Close waits for in-flight requests and rejects new ones
func (h *HTTP) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	// Wait for all active requests to complete
	for i := 0; i < h.config.MaxConcurrent; i++ {
		h.semaphore <- struct{}{}
	}

	h.httpClient.CloseIdleConnections()
	return nil
}
