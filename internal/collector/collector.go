package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/wakestream/internal/archive"
	"github.com/skypro1111/wakestream/internal/metrics"
	"github.com/skypro1111/wakestream/internal/protocol"
	"github.com/skypro1111/wakestream/internal/transport"
)

var (
	// ErrNoAssembly is returned for data arriving without a preceding meta message
	ErrNoAssembly = errors.New("no assembly for device")

	// ErrTooManyAssemblies is returned when MaxSessions assemblies are already open
	ErrTooManyAssemblies = errors.New("too many concurrent assemblies")
)

// Drop reasons
const (
	dropTopic    = "topic"
	dropMeta     = "meta"
	dropOrphan   = "orphan"
	dropCapacity = "capacity"
	dropOverflow = "overflow"
)

// Config contains collector parameters
type Config struct {
	Namespace       string
	SampleRate      int           // used for archived WAV headers
	SessionTimeout  time.Duration // idle time before an assembly is closed as incomplete
	CleanupInterval time.Duration
	MaxSessions     int
	ResponseTopic   string // empty disables acknowledgements
	HistorySize     int
}

// Validate checks collector parameters
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive, got %v", c.SessionTimeout)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %v", c.CleanupInterval)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions)
	}
	return nil
}

// Collector reassembles device sessions from meta and data messages
type Collector struct {
	config    Config
	publisher transport.Publisher
	archive   *archive.Archive
	logger    *slog.Logger
	metrics   *metrics.Metrics

	assemblies map[string]*assembly
	results    []protocol.SessionResult

	messages   uint64
	dropped    uint64
	completed  uint64
	incomplete uint64

	mu sync.RWMutex
}

// Stats represents collector statistics for monitoring
type Stats struct {
	ActiveAssemblies int    `json:"active_assemblies"`
	Messages         uint64 `json:"messages"`
	Dropped          uint64 `json:"dropped"`
	Completed        uint64 `json:"completed"`
	Incomplete       uint64 `json:"incomplete"`
}

// New creates a collector. publisher and arch may be nil to disable acknowledgements and archiving.
func New(config Config, publisher transport.Publisher, arch *archive.Archive, logger *slog.Logger, m *metrics.Metrics) (*Collector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid collector config: %w", err)
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}

	return &Collector{
		config:     config,
		publisher:  publisher,
		archive:    arch,
		logger:     logger,
		metrics:    m,
		assemblies: make(map[string]*assembly),
	}, nil
}

// Run consumes device traffic from sub until ctx is done. A nil sub leaves ingestion to
// HandleMessage callers. Open assemblies are closed as incomplete on the way out.
func (c *Collector) Run(ctx context.Context, sub transport.Subscriber) error {
	filter := protocol.AudioFilter(c.config.Namespace)

	var messages <-chan transport.Message
	if sub != nil {
		var err error
		messages, err = sub.Subscribe(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
		}
	}

	c.logger.Info("Collector started",
		slog.String("filter", filter),
		slog.Bool("subscribed", messages != nil),
		slog.Duration("session_timeout", c.config.SessionTimeout),
		slog.Int("max_sessions", c.config.MaxSessions),
	)

	g, gctx := errgroup.WithContext(ctx)
	if messages != nil {
		g.Go(func() error {
			for msg := range messages {
				// rejected messages are logged and counted by HandleMessage
				_ = c.HandleMessage(gctx, msg)
			}
			return nil
		})
	}
	g.Go(func() error {
		c.cleanupLoop(gctx)
		return nil
	})
	err := g.Wait()

	c.Flush(context.WithoutCancel(ctx), "collector stopped")
	c.logger.Info("Collector stopped", slog.Uint64("completed", c.GetStats().Completed))
	return err
}

// HandleMessage routes one meta or data message
func (c *Collector) HandleMessage(ctx context.Context, msg transport.Message) error {
	c.mu.Lock()
	c.messages++
	c.mu.Unlock()

	deviceID, isMeta, err := protocol.ParseTopic(c.config.Namespace, msg.Topic)
	if err != nil {
		c.drop(dropTopic, msg.Topic, err)
		return err
	}

	if isMeta {
		meta, err := protocol.ParseMeta(msg.Payload)
		if err != nil {
			c.drop(dropMeta, msg.Topic, err)
			return err
		}
		return c.begin(ctx, deviceID, meta.TotalBytes)
	}

	return c.append(ctx, deviceID, msg.Payload)
}

func (c *Collector) begin(ctx context.Context, deviceID string, expected uint32) error {
	c.mu.Lock()
	previous := c.assemblies[deviceID]
	if previous != nil {
		delete(c.assemblies, deviceID)
	}
	if len(c.assemblies) >= c.config.MaxSessions {
		c.mu.Unlock()
		if previous != nil {
			c.finalize(ctx, previous, "superseded by new session")
		}
		err := fmt.Errorf("%w: %d open", ErrTooManyAssemblies, c.config.MaxSessions)
		c.drop(dropCapacity, deviceID, err)
		return err
	}

	a := newAssembly(uuid.NewString(), deviceID, expected)
	c.assemblies[deviceID] = a
	active := len(c.assemblies)
	c.mu.Unlock()

	c.metrics.SetActiveAssemblies(active)
	if previous != nil {
		c.finalize(ctx, previous, "superseded by new session")
	}

	c.logger.Info("Assembly started",
		slog.String("device_id", deviceID),
		slog.String("session_id", a.id),
		slog.Int("expected_bytes", int(expected)),
	)

	if expected == 0 {
		c.complete(ctx, deviceID, a)
	}
	return nil
}

func (c *Collector) append(ctx context.Context, deviceID string, payload []byte) error {
	c.mu.Lock()
	a := c.assemblies[deviceID]
	if a == nil {
		c.mu.Unlock()
		err := fmt.Errorf("%w %s", ErrNoAssembly, deviceID)
		c.drop(dropOrphan, deviceID, err)
		return err
	}
	accepted, overflow := a.add(payload)
	done := a.complete()
	c.mu.Unlock()

	c.metrics.RecordBytesReceived(accepted)
	if overflow > 0 {
		c.drop(dropOverflow, deviceID, fmt.Errorf("%d bytes beyond announced length", overflow))
	}

	c.logger.Debug("Chunk received",
		slog.String("device_id", deviceID),
		slog.Int("bytes", accepted),
	)

	if done {
		c.complete(ctx, deviceID, a)
	}
	return nil
}

// complete removes a finished assembly, unless it was already replaced or expired
func (c *Collector) complete(ctx context.Context, deviceID string, a *assembly) {
	c.mu.Lock()
	if c.assemblies[deviceID] != a {
		c.mu.Unlock()
		return
	}
	delete(c.assemblies, deviceID)
	active := len(c.assemblies)
	c.mu.Unlock()

	c.metrics.SetActiveAssemblies(active)
	c.finalize(ctx, a, "")
}

// finalize archives and acknowledges an assembly that is no longer in the map
func (c *Collector) finalize(ctx context.Context, a *assembly, reason string) {
	result := a.result()
	if !result.Complete && reason != "" {
		result.Error = reason
	}

	if c.archive != nil && len(a.data) > 0 {
		name := archive.SessionName(a.deviceID, a.startedAt, a.id)
		path, err := c.archive.Save(name, c.config.SampleRate, a.data)
		if err != nil {
			c.logger.Error("Failed to archive session",
				slog.String("device_id", a.deviceID),
				slog.String("session_id", a.id),
				slog.String("error", err.Error()),
			)
			if result.Error == "" {
				result.Error = err.Error()
			}
		} else {
			result.File = path
		}
	}

	c.mu.Lock()
	if result.Complete {
		c.completed++
	} else {
		c.incomplete++
	}
	c.results = append(c.results, result)
	if over := len(c.results) - c.config.HistorySize; over > 0 {
		c.results = slices.Delete(c.results, 0, over)
	}
	c.mu.Unlock()

	c.metrics.RecordAssemblyFinished(result.Complete)

	attrs := []any{
		slog.String("device_id", result.DeviceID),
		slog.String("session_id", result.SessionID),
		slog.Int("received_bytes", int(result.ReceivedBytes)),
		slog.Int("expected_bytes", int(result.ExpectedBytes)),
		slog.Int("chunks", result.Chunks),
		slog.String("file", result.File),
	}
	if result.Complete {
		c.logger.Info("Assembly complete", attrs...)
	} else {
		c.logger.Warn("Assembly incomplete", append(attrs, slog.String("reason", result.Error))...)
	}

	c.acknowledge(ctx, &result)
}

func (c *Collector) acknowledge(ctx context.Context, result *protocol.SessionResult) {
	if c.publisher == nil || c.config.ResponseTopic == "" {
		return
	}

	payload, err := result.Encode()
	if err != nil {
		c.logger.Error("Failed to encode session result", slog.String("error", err.Error()))
		return
	}
	if _, err := c.publisher.Publish(ctx, c.config.ResponseTopic, payload); err != nil {
		c.logger.Warn("Failed to publish session result",
			slog.String("topic", c.config.ResponseTopic),
			slog.String("device_id", result.DeviceID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Collector) drop(reason, subject string, err error) {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()

	c.metrics.RecordMessageDropped(reason)
	c.logger.Warn("Message dropped",
		slog.String("reason", reason),
		slog.String("subject", subject),
		slog.String("error", err.Error()),
	)
}

func (c *Collector) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanupExpired(ctx, time.Now())
		}
	}
}

// CleanupExpired closes assemblies idle for longer than the session timeout as incomplete
func (c *Collector) CleanupExpired(ctx context.Context, now time.Time) int {
	var expired []*assembly

	c.mu.Lock()
	for deviceID, a := range c.assemblies {
		if now.Sub(a.lastActivity) > c.config.SessionTimeout {
			expired = append(expired, a)
			delete(c.assemblies, deviceID)
		}
	}
	active := len(c.assemblies)
	c.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	c.metrics.SetActiveAssemblies(active)
	c.logger.Info("Cleaning up expired assemblies", slog.Int("expired_count", len(expired)))
	for _, a := range expired {
		c.finalize(ctx, a, "timed out")
	}
	return len(expired)
}

// Flush closes every open assembly as incomplete
func (c *Collector) Flush(ctx context.Context, reason string) {
	c.mu.Lock()
	open := make([]*assembly, 0, len(c.assemblies))
	for _, a := range c.assemblies {
		open = append(open, a)
	}
	clear(c.assemblies)
	c.mu.Unlock()

	if len(open) == 0 {
		return
	}
	c.metrics.SetActiveAssemblies(0)
	for _, a := range open {
		c.finalize(ctx, a, reason)
	}
}

// Assemblies returns a snapshot of open assemblies, oldest first
func (c *Collector) Assemblies() []AssemblyInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]AssemblyInfo, 0, len(c.assemblies))
	for _, a := range c.assemblies {
		infos = append(infos, a.info())
	}
	slices.SortFunc(infos, func(x, y AssemblyInfo) int {
		return x.StartedAt.Compare(y.StartedAt)
	})
	return infos
}

// Results returns recent session results, oldest first
func (c *Collector) Results() []protocol.SessionResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.results)
}

// GetStats returns collector statistics
func (c *Collector) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		ActiveAssemblies: len(c.assemblies),
		Messages:         c.messages,
		Dropped:          c.dropped,
		Completed:        c.completed,
		Incomplete:       c.incomplete,
	}
}
