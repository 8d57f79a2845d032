package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/wakestream/internal/metrics"
	"github.com/skypro1111/wakestream/internal/protocol"
	"github.com/skypro1111/wakestream/internal/stream"
	"github.com/skypro1111/wakestream/internal/transport"
	"github.com/skypro1111/wakestream/internal/wake"
)

var (
	// ErrBusy is returned by Trigger while a session is streaming or about to start
	ErrBusy = errors.New("capture session already streaming")

	// ErrNotRunning is returned by Trigger before Run starts or after it returns
	ErrNotRunning = errors.New("orchestrator not running")

	// ErrAlreadyRunning is returned by a second concurrent Run
	ErrAlreadyRunning = errors.New("orchestrator already running")

	// ErrNoSession is returned by Cancel when nothing is streaming
	ErrNoSession = errors.New("no session streaming")
)

// Config contains orchestrator parameters
type Config struct {
	SessionTimeout time.Duration // upper bound per session, 0 disables
	ErrorBackoff   time.Duration // pause after a failed detect-mode read
	HistorySize    int
	ResponseTopic  string // collector acknowledgements, empty disables listening
	EventBuffer    int
}

// Orchestrator switches the audio channel between wake detection and streaming.
// Run owns the reader: sessions execute on the Run goroutine, so detection and streaming
// never read concurrently.
type Orchestrator struct {
	reader     stream.Reader
	detector   wake.Detector
	streamer   *stream.Streamer
	subscriber transport.Subscriber
	config     Config
	logger     *slog.Logger
	metrics    *metrics.Metrics

	triggers chan string
	events   chan Event

	state         State
	running       bool
	cancelSession context.CancelFunc
	history       []stream.Report
	lastResponse  *protocol.SessionResult

	wakeDetections  uint64
	triggersIgnored uint64
	sessions        uint64
	readErrors      uint64
	eventsDropped   uint64

	mu sync.RWMutex
}

// Status is a snapshot of the orchestrator for monitoring
type Status struct {
	State           State                   `json:"state"`
	Running         bool                    `json:"running"`
	Active          *stream.Session         `json:"active,omitempty"`
	WakeDetections  uint64                  `json:"wake_detections"`
	TriggersIgnored uint64                  `json:"triggers_ignored"`
	Sessions        uint64                  `json:"sessions"`
	ReadErrors      uint64                  `json:"read_errors"`
	EventsDropped   uint64                  `json:"events_dropped"`
	LastReport      *stream.Report          `json:"last_report,omitempty"`
	LastResponse    *protocol.SessionResult `json:"last_response,omitempty"`
}

// NewOrchestrator creates an orchestrator. subscriber may be nil.
func NewOrchestrator(reader stream.Reader, detector wake.Detector, streamer *stream.Streamer, subscriber transport.Subscriber,
	config Config, logger *slog.Logger, m *metrics.Metrics) (*Orchestrator, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}
	if detector == nil {
		return nil, fmt.Errorf("detector cannot be nil")
	}
	if streamer == nil {
		return nil, fmt.Errorf("streamer cannot be nil")
	}
	if detector.FrameSize() <= 0 {
		return nil, fmt.Errorf("detector frame size must be positive, got %d", detector.FrameSize())
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 50
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 64
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = 100 * time.Millisecond
	}

	return &Orchestrator{
		reader:     reader,
		detector:   detector,
		streamer:   streamer,
		subscriber: subscriber,
		config:     config,
		logger:     logger,
		metrics:    m,
		triggers:   make(chan string, 1),
		events:     make(chan Event, config.EventBuffer),
		state:      StateIdle,
	}, nil
}

// Events returns the event stream. Events are dropped, and counted, when the buffer is full.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Run detects wake events and runs sessions until ctx is done
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	o.metrics.SetOrchestratorState(string(StateIdle), allStates)
	o.logger.Info("Capture orchestrator started",
		slog.Int("frame_samples", o.detector.FrameSize()),
		slog.Duration("session_timeout", o.config.SessionTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.detectLoop(gctx) })
	if o.subscriber != nil && o.config.ResponseTopic != "" {
		g.Go(func() error { return o.listenResponses(gctx) })
	}

	err := g.Wait()
	o.logger.Info("Capture orchestrator stopped")
	return err
}

func (o *Orchestrator) detectLoop(ctx context.Context) error {
	size := o.detector.FrameSize()
	pcm := make([]byte, size*protocol.BytesPerSample)
	frame := make([]int16, size)

	for {
		select {
		case <-ctx.Done():
			return nil
		case source := <-o.triggers:
			o.runSession(ctx, source)
			continue
		default:
		}

		n, err := o.reader.Read(ctx, pcm)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				o.logger.Info("Audio source exhausted, wake detection stopped")
				return nil
			}
			o.mu.Lock()
			o.readErrors++
			o.mu.Unlock()
			o.logger.Warn("Wake frame read failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.config.ErrorBackoff):
			}
			continue
		}
		if n == 0 {
			continue // gated
		}

		decoded := wake.DecodeFrame(pcm[:n], frame)
		clear(frame[decoded:])

		detected, err := o.detector.Detect(frame)
		if err != nil {
			o.logger.Warn("Wake detection failed", slog.String("error", err.Error()))
			continue
		}
		if !detected {
			continue
		}

		o.mu.Lock()
		o.wakeDetections++
		o.emit(Event{Type: EventWakeDetected, State: o.state, Source: SourceWake})
		o.mu.Unlock()
		o.metrics.RecordWakeDetection()
		o.logger.Info("Wake word detected")

		o.runSession(ctx, SourceWake)
	}
}

// runSession streams one session on the calling goroutine
func (o *Orchestrator) runSession(ctx context.Context, source string) {
	var sctx context.Context
	var cancel context.CancelFunc
	if o.config.SessionTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, o.config.SessionTimeout)
	} else {
		sctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	o.mu.Lock()
	o.cancelSession = cancel
	o.sessions++
	o.absorbTriggers(source)
	o.setState(StateStreaming, source)
	o.mu.Unlock()

	report, err := o.streamer.Stream(sctx)
	if err != nil && report == nil {
		o.logger.Error("Session did not start", slog.String("source", source), slog.String("error", err.Error()))
	}

	o.mu.Lock()
	o.cancelSession = nil
	o.setState(StateDone, source)
	if report != nil {
		o.history = append(o.history, *report)
		if over := len(o.history) - o.config.HistorySize; over > 0 {
			o.history = slices.Delete(o.history, 0, over)
		}
		o.emit(Event{Type: EventSessionFinished, State: StateDone, Source: source, Report: report})
	}
	o.setState(StateIdle, source)
	o.mu.Unlock()
}

// absorbTriggers consumes triggers accepted while detection was mid-read. The starting
// session serves them, so they are not counted as ignored. Callers hold o.mu.
func (o *Orchestrator) absorbTriggers(session string) {
	for {
		select {
		case queued := <-o.triggers:
			o.logger.Info("Queued trigger served by starting session",
				slog.String("source", queued),
				slog.String("session_source", session),
			)
		default:
			return
		}
	}
}

// setState records a transition. Callers hold o.mu.
func (o *Orchestrator) setState(state State, source string) {
	o.state = state
	o.metrics.SetOrchestratorState(string(state), allStates)
	o.emit(Event{Type: EventStateChanged, State: state, Source: source})
	o.logger.Debug("Capture state changed", slog.String("state", string(state)), slog.String("source", source))
}

// ignoreTrigger counts a rejected trigger. Callers hold o.mu.
func (o *Orchestrator) ignoreTrigger(source string) {
	o.triggersIgnored++
	o.metrics.RecordTriggerIgnored()
	o.emit(Event{Type: EventTriggerIgnored, State: o.state, Source: source})
	o.logger.Warn("Trigger ignored, session already streaming", slog.String("source", source))
}

// emit queues an event without blocking. Callers hold o.mu.
func (o *Orchestrator) emit(e Event) {
	e.Time = time.Now()
	select {
	case o.events <- e:
	default:
		o.eventsDropped++
	}
}

// Trigger requests a session as if the wake word had been heard
func (o *Orchestrator) Trigger(source string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return ErrNotRunning
	}
	if o.state == StateStreaming || len(o.triggers) > 0 {
		o.ignoreTrigger(source)
		return ErrBusy
	}

	o.triggers <- source
	o.logger.Info("Session triggered", slog.String("source", source))
	return nil
}

// Cancel stops the streaming session, if any
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancelSession == nil {
		return ErrNoSession
	}
	o.cancelSession()
	o.logger.Info("Session cancel requested")
	return nil
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// History returns the reports of recent sessions, oldest first
func (o *Orchestrator) History() []stream.Report {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.history)
}

// GetStatus returns a monitoring snapshot
func (o *Orchestrator) GetStatus() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	status := Status{
		State:           o.state,
		Running:         o.running,
		WakeDetections:  o.wakeDetections,
		TriggersIgnored: o.triggersIgnored,
		Sessions:        o.sessions,
		ReadErrors:      o.readErrors,
		EventsDropped:   o.eventsDropped,
		LastResponse:    o.lastResponse,
	}
	if active, ok := o.streamer.Active(); ok {
		status.Active = &active
	}
	if len(o.history) > 0 {
		last := o.history[len(o.history)-1]
		status.LastReport = &last
	}
	return status
}

// listenResponses logs and forwards collector acknowledgements
func (o *Orchestrator) listenResponses(ctx context.Context) error {
	messages, err := o.subscriber.Subscribe(ctx, o.config.ResponseTopic)
	if err != nil {
		if errors.Is(err, transport.ErrNotSupported) {
			o.logger.Info("Transport has no inbound path, not listening for responses")
		} else {
			o.logger.Warn("Failed to subscribe to responses",
				slog.String("topic", o.config.ResponseTopic), slog.String("error", err.Error()))
		}
		return nil
	}

	for msg := range messages {
		event := Event{Type: EventResponse, Topic: msg.Topic, Payload: msg.Payload}

		result, err := protocol.ParseSessionResult(msg.Payload)
		if err != nil {
			o.logger.Info("Received response", slog.String("topic", msg.Topic), slog.String("payload", string(msg.Payload)))
		} else {
			event.Response = result
			o.logger.Info("Received session acknowledgement",
				slog.String("device_id", result.DeviceID),
				slog.Int("received_bytes", int(result.ReceivedBytes)),
				slog.Int("expected_bytes", int(result.ExpectedBytes)),
				slog.Bool("complete", result.Complete),
			)
		}

		o.mu.Lock()
		if result != nil {
			o.lastResponse = result
		}
		event.State = o.state
		o.emit(event)
		o.mu.Unlock()
	}

	return nil
}
