package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/wakestream/internal/archive"
	"github.com/skypro1111/wakestream/internal/capture"
	"github.com/skypro1111/wakestream/internal/collector"
	"github.com/skypro1111/wakestream/internal/config"
	"github.com/skypro1111/wakestream/internal/metrics"
	"github.com/skypro1111/wakestream/internal/protocol"
	"github.com/skypro1111/wakestream/internal/stream"
	"github.com/skypro1111/wakestream/internal/transport"
)

// maxIngestBytes bounds the body of a published message
const maxIngestBytes = 1 << 20

// Device is the capture side exposed by the API
type Device interface {
	Trigger(source string) error
	Cancel() error
	GetStatus() capture.Status
	History() []stream.Report
}

// Collector is the receiving side exposed by the API
type Collector interface {
	HandleMessage(ctx context.Context, msg transport.Message) error
	Assemblies() []collector.AssemblyInfo
	Results() []protocol.SessionResult
	GetStats() collector.Stats
}

// Options selects the components served. Nil components have no routes.
type Options struct {
	Device    Device
	Collector Collector
	Archive   *archive.Archive
	Gatherer  prometheus.Gatherer // nil serves the default registry
	IngestKey string              // bearer token required by /publish when set
}

// HTTPServer provides the operations API of a device or a collector
type HTTPServer struct {
	server  *http.Server
	handler http.Handler
	logger  *slog.Logger
	config  *config.Config
	opts    Options
	metrics *metrics.Metrics
	role    string

	startTime time.Time
}

// NewHTTPServer creates an API server for the given components
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config, opts Options, m *metrics.Metrics) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		opts:      opts,
		metrics:   m,
		startTime: time.Now(),
	}
	switch {
	case opts.Device != nil && opts.Collector != nil:
		h.role = "device+collector"
	case opts.Collector != nil:
		h.role = "collector"
	default:
		h.role = "device"
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, fmt.Sprint(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the route multiplexer
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	if h.opts.Device != nil {
		mux.HandleFunc("/status", h.withMetrics("/status", h.handleStatus))
		mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
		mux.HandleFunc("/trigger", h.withMetrics("/trigger", h.handleTrigger))
		mux.HandleFunc("/cancel", h.withMetrics("/cancel", h.handleCancel))
	}

	if h.opts.Collector != nil {
		mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
		mux.HandleFunc("/results", h.withMetrics("/results", h.handleResults))
		mux.HandleFunc("/publish/{topic...}", h.withMetrics("/publish/{topic}", h.handlePublish))
	}

	if h.opts.Archive != nil {
		mux.HandleFunc("/recordings", h.withMetrics("/recordings", h.handleRecordings))
	}

	// Prometheus metrics endpoint (not instrumented itself)
	gatherer := h.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Run serves until ctx is done, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
		slog.String("role", h.role),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	h.logger.Info("Stopping HTTP API server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	components := map[string]any{}
	status := "healthy"

	if h.opts.Device != nil {
		st := h.opts.Device.GetStatus()
		if !st.Running {
			status = "degraded"
		}
		components["capture"] = map[string]any{
			"running":          st.Running,
			"state":            st.State,
			"sessions":         st.Sessions,
			"wake_detections":  st.WakeDetections,
			"triggers_ignored": st.TriggersIgnored,
			"read_errors":      st.ReadErrors,
		}
	}
	if h.opts.Collector != nil {
		components["collector"] = h.opts.Collector.GetStats()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"role":      h.role,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "wakestream",
			"version": "1.0.0",
		},
		"components": components,
	})
}

func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.opts.Device.GetStatus())
}

func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	history := h.opts.Device.History()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(history),
		"timestamp":      time.Now().UTC(),
		"sessions":       history,
	})
}

func (h *HTTPServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	err := h.opts.Device.Trigger(capture.SourceAPI)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	case errors.Is(err, capture.ErrBusy):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, capture.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	err := h.opts.Device.Cancel()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	case errors.Is(err, capture.ErrNoSession):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	assemblies := h.opts.Collector.Assemblies()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_streams": len(assemblies),
		"timestamp":     time.Now().UTC(),
		"streams":       assemblies,
	})
}

func (h *HTTPServer) handleResults(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	results := h.opts.Collector.Results()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_results": len(results),
		"timestamp":     time.Now().UTC(),
		"results":       results,
	})
}

func (h *HTTPServer) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	entries, err := h.opts.Archive.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"directory":  h.opts.Archive.Dir(),
		"total":      len(entries),
		"recordings": entries,
	})
}

// handlePublish ingests one message posted by the HTTP transport
func (h *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid or missing bearer token"))
		return
	}

	topic := r.PathValue("topic")
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	err = h.opts.Collector.HandleMessage(r.Context(), transport.Message{
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now(),
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"topic":      topic,
			"bytes":      len(payload),
			"message_id": r.Header.Get(transport.MessageIDHeader),
		})
	case errors.Is(err, collector.ErrNoAssembly):
		// dropped and counted like on a subscription; the device keeps streaming
		writeJSON(w, http.StatusAccepted, map[string]any{
			"topic":      topic,
			"bytes":      len(payload),
			"message_id": r.Header.Get(transport.MessageIDHeader),
			"dropped":    true,
			"reason":     err.Error(),
		})
	case errors.Is(err, protocol.ErrInvalidTopic), errors.Is(err, protocol.ErrInvalidMeta):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, collector.ErrTooManyAssemblies):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// authorized checks the ingest bearer token when one is configured
func (h *HTTPServer) authorized(r *http.Request) bool {
	if h.opts.IngestKey == "" {
		return true
	}
	want := []byte("Bearer " + h.opts.IngestKey)
	return subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) == 1
}

// handleConfig returns the configuration with credentials removed
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	sanitized := *h.config
	sanitized.Transport.MQTT.Password = redact(sanitized.Transport.MQTT.Password)
	sanitized.Transport.HTTP.APIKey = redact(sanitized.Transport.HTTP.APIKey)

	writeJSON(w, http.StatusOK, sanitized)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	endpoints := map[string]string{
		"GET /":        "API documentation",
		"GET /health":  "Service health check",
		"GET /config":  "Configuration without credentials",
		"GET /metrics": "Prometheus metrics",
	}
	if h.opts.Device != nil {
		endpoints["GET /status"] = "Capture state and counters"
		endpoints["GET /sessions"] = "Reports of recent streaming sessions"
		endpoints["POST /trigger"] = "Start a session as if the wake word was heard"
		endpoints["POST /cancel"] = "Cancel the streaming session"
	}
	if h.opts.Collector != nil {
		endpoints["GET /streams"] = "Sessions being reassembled"
		endpoints["GET /results"] = "Recently finished sessions"
		endpoints["POST /publish/{topic}"] = "Ingest one meta or data message"
	}
	if h.opts.Archive != nil {
		endpoints["GET /recordings"] = "Archived WAV recordings"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "wakestream " + h.role,
		"version":   "1.0.0",
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	})
}
