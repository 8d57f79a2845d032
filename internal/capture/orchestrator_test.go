package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/wakestream/internal/metrics"
	"github.com/skypro1111/wakestream/internal/protocol"
	"github.com/skypro1111/wakestream/internal/stream"
	"github.com/skypro1111/wakestream/internal/transport"
	"github.com/skypro1111/wakestream/internal/wake"
)

const (
	testFrameSamples = 4
	testFrameBytes   = testFrameSamples * protocol.BytesPerSample
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// channelReader serves detect-mode frames immediately and lets the test hold streaming reads
type channelReader struct {
	streamingReads atomic.Int64
	hold           chan struct{} // closed to release streaming reads, nil means never hold
	detectErr      error
}

func (r *channelReader) Read(ctx context.Context, dst []byte) (int, error) {
	if len(dst) == testFrameBytes {
		if r.detectErr != nil {
			return 0, r.detectErr
		}
		for i := range dst {
			dst[i] = 0x10
		}
		// pace detection so the loop does not spin
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Millisecond):
		}
		return len(dst), nil
	}

	r.streamingReads.Add(1)
	if r.hold != nil {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-r.hold:
		}
	}
	for i := range dst {
		dst[i] = byte(i)
	}
	return len(dst), nil
}

// countingDetector fires once, on the frame numbered fireAt (1-based). Zero never fires.
func countingDetector(fireAt int64) wake.DetectorFunc {
	var calls atomic.Int64
	return wake.DetectorFunc{
		Size: testFrameSamples,
		Fn: func(frame []int16) bool {
			return calls.Add(1) == fireAt
		},
	}
}

type fixture struct {
	orch   *Orchestrator
	mem    *transport.Memory
	reader *channelReader
	cancel context.CancelFunc
	done   chan error
}

func newFixture(t *testing.T, reader *channelReader, detector wake.Detector, cfg Config, m *metrics.Metrics) *fixture {
	t.Helper()

	mem := transport.NewMemory()
	streamer, err := stream.NewStreamer(reader, mem, stream.Config{
		DeviceID:         "testDevice",
		Namespace:        "esp32",
		SampleRate:       1000,
		Duration:         time.Second,
		ChunkTargetBytes: 500,
		AttemptsPerChunk: 5,
	}, testLogger(), m)
	if err != nil {
		t.Fatalf("NewStreamer failed: %v", err)
	}

	orch, err := NewOrchestrator(reader, detector, streamer, mem, cfg, testLogger(), m)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{orch: orch, mem: mem, reader: reader, cancel: cancel, done: make(chan error, 1)}
	go func() { f.done <- orch.Run(ctx) }()

	waitFor(t, "orchestrator running", func() bool { return orch.GetStatus().Running })

	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// nextEvent returns the next event of the given type, skipping others
func nextEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == want {
				return e
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s event", want)
			return Event{}
		}
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	reader := &channelReader{}
	streamer, err := stream.NewStreamer(reader, transport.NewMemory(), stream.Config{
		DeviceID: "d", Namespace: "ns", SampleRate: 1000, Duration: time.Second,
		ChunkTargetBytes: 500, AttemptsPerChunk: 1,
	}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewStreamer failed: %v", err)
	}
	detector := countingDetector(0)

	tests := []struct {
		name     string
		reader   stream.Reader
		detector wake.Detector
		streamer *stream.Streamer
	}{
		{"nil reader", nil, detector, streamer},
		{"nil detector", reader, nil, streamer},
		{"nil streamer", reader, detector, nil},
		{"zero frame size", reader, wake.DetectorFunc{Size: 0, Fn: func([]int16) bool { return false }}, streamer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewOrchestrator(tt.reader, tt.detector, tt.streamer, nil, Config{}, testLogger(), nil); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestWakeDetectionRunsSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	f := newFixture(t, &channelReader{}, countingDetector(3), Config{}, m)
	events := f.orch.Events()

	wakeEvent := nextEvent(t, events, EventWakeDetected)
	if wakeEvent.Source != SourceWake {
		t.Errorf("Expected wake source, got %s", wakeEvent.Source)
	}

	var states []State
	for len(states) < 3 {
		e := nextEvent(t, events, EventStateChanged)
		states = append(states, e.State)
	}
	want := []State{StateStreaming, StateDone, StateIdle}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("Expected transitions %v, got %v", want, states)
		}
	}

	history := f.orch.History()
	if len(history) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(history))
	}
	if history[0].Outcome != stream.OutcomeCompleted {
		t.Errorf("Expected completed outcome, got %s (%s)", history[0].Outcome, history[0].Error)
	}
	if history[0].Session.BytesSent != 2000 {
		t.Errorf("Expected 2000 bytes sent, got %d", history[0].Session.BytesSent)
	}

	data := f.mem.PublishedTo(protocol.DataTopic("esp32", "testDevice"))
	if len(data) != 4 {
		t.Errorf("Expected 4 data chunks, got %d", len(data))
	}
	if got := testutil.ToFloat64(m.WakeDetections); got != 1 {
		t.Errorf("Expected 1 wake detection, got %v", got)
	}
	if got := f.orch.GetStatus().WakeDetections; got != 1 {
		t.Errorf("Expected status to count 1 wake detection, got %d", got)
	}
}

func TestManualTrigger(t *testing.T) {
	f := newFixture(t, &channelReader{}, countingDetector(0), Config{}, nil)

	if err := f.orch.Trigger(SourceAPI); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	finished := nextEvent(t, f.orch.Events(), EventSessionFinished)
	if finished.Source != SourceAPI {
		t.Errorf("Expected api source, got %s", finished.Source)
	}
	if finished.Report == nil || finished.Report.Outcome != stream.OutcomeCompleted {
		t.Fatalf("Expected completed report, got %+v", finished.Report)
	}
}

func TestTriggerWhileStreamingIsIgnored(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	reader := &channelReader{hold: make(chan struct{})}
	f := newFixture(t, reader, countingDetector(0), Config{}, m)

	if err := f.orch.Trigger(SourceAPI); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitFor(t, "streaming read", func() bool { return reader.streamingReads.Load() > 0 })

	if state := f.orch.State(); state != StateStreaming {
		t.Fatalf("Expected streaming state, got %s", state)
	}
	if err := f.orch.Trigger(SourceAPI); !errors.Is(err, ErrBusy) {
		t.Fatalf("Expected ErrBusy, got %v", err)
	}
	nextEvent(t, f.orch.Events(), EventTriggerIgnored)

	close(reader.hold)
	nextEvent(t, f.orch.Events(), EventSessionFinished)
	waitFor(t, "idle", func() bool { return f.orch.State() == StateIdle })

	status := f.orch.GetStatus()
	if status.Sessions != 1 {
		t.Errorf("Expected exactly 1 session, got %d", status.Sessions)
	}
	if status.TriggersIgnored != 1 {
		t.Errorf("Expected 1 ignored trigger, got %d", status.TriggersIgnored)
	}
	if got := testutil.ToFloat64(m.TriggersIgnored); got != 1 {
		t.Errorf("Expected ignored trigger metric 1, got %v", got)
	}
}

func TestCancelSession(t *testing.T) {
	reader := &channelReader{hold: make(chan struct{})}
	f := newFixture(t, reader, countingDetector(0), Config{}, nil)

	if err := f.orch.Cancel(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Expected ErrNoSession while idle, got %v", err)
	}

	if err := f.orch.Trigger(SourceAPI); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	waitFor(t, "streaming read", func() bool { return reader.streamingReads.Load() > 0 })

	if err := f.orch.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	finished := nextEvent(t, f.orch.Events(), EventSessionFinished)
	if finished.Report.Outcome != stream.OutcomeCancelled {
		t.Errorf("Expected cancelled outcome, got %s", finished.Report.Outcome)
	}
	waitFor(t, "idle", func() bool { return f.orch.State() == StateIdle })
}

func TestSessionTimeout(t *testing.T) {
	reader := &channelReader{hold: make(chan struct{})}
	f := newFixture(t, reader, countingDetector(0), Config{SessionTimeout: 30 * time.Millisecond}, nil)

	if err := f.orch.Trigger(SourceAPI); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	finished := nextEvent(t, f.orch.Events(), EventSessionFinished)
	if finished.Report.Outcome != stream.OutcomeCancelled {
		t.Errorf("Expected timed out session to be cancelled, got %s", finished.Report.Outcome)
	}
	if finished.Report.Session.BytesSent != 0 {
		t.Errorf("Expected no bytes sent, got %d", finished.Report.Session.BytesSent)
	}
}

func TestTriggerNotRunning(t *testing.T) {
	reader := &channelReader{}
	streamer, err := stream.NewStreamer(reader, transport.NewMemory(), stream.Config{
		DeviceID: "d", Namespace: "ns", SampleRate: 1000, Duration: time.Second,
		ChunkTargetBytes: 500, AttemptsPerChunk: 1,
	}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewStreamer failed: %v", err)
	}
	orch, err := NewOrchestrator(reader, countingDetector(0), streamer, nil, Config{}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	if err := orch.Trigger(SourceAPI); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
}

func TestRunTwice(t *testing.T) {
	f := newFixture(t, &channelReader{}, countingDetector(0), Config{}, nil)

	if err := f.orch.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
}

func TestReadErrorsBackOff(t *testing.T) {
	reader := &channelReader{detectErr: errors.New("i2s read failed")}
	f := newFixture(t, reader, countingDetector(1), Config{ErrorBackoff: 5 * time.Millisecond}, nil)

	waitFor(t, "read errors", func() bool { return f.orch.GetStatus().ReadErrors >= 2 })

	status := f.orch.GetStatus()
	if status.WakeDetections != 0 || status.Sessions != 0 {
		t.Errorf("Expected no detections or sessions on read errors, got %+v", status)
	}
	if status.State != StateIdle {
		t.Errorf("Expected idle state, got %s", status.State)
	}
}

func TestQueuedTriggerIsServedByWakeSession(t *testing.T) {
	reader := &channelReader{}
	mem := transport.NewMemory()
	defer mem.Close()

	streamer, err := stream.NewStreamer(reader, mem, stream.Config{
		DeviceID:         "testDevice",
		Namespace:        "esp32",
		SampleRate:       1000,
		Duration:         time.Second,
		ChunkTargetBytes: 500,
		AttemptsPerChunk: 5,
	}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewStreamer failed: %v", err)
	}
	orch, err := NewOrchestrator(reader, countingDetector(0), streamer, nil, Config{}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	// an API trigger accepted while detection was blocked in a read
	orch.triggers <- SourceAPI
	orch.runSession(context.Background(), SourceWake)

	status := orch.GetStatus()
	if status.TriggersIgnored != 0 {
		t.Errorf("Expected the accepted trigger not to count as ignored, got %d", status.TriggersIgnored)
	}
	if status.Sessions != 1 {
		t.Errorf("Expected exactly one session, got %d", status.Sessions)
	}
	if len(orch.triggers) != 0 {
		t.Errorf("Expected the queued trigger to be consumed")
	}
	for len(orch.Events()) > 0 {
		if e := <-orch.Events(); e.Type == EventTriggerIgnored {
			t.Errorf("Unexpected trigger_ignored event for an accepted trigger")
		}
	}
}

func TestExhaustedSourceStopsRun(t *testing.T) {
	reader := &channelReader{detectErr: fmt.Errorf("sample source read failed: %w", io.EOF)}
	mem := transport.NewMemory()
	defer mem.Close()

	streamer, err := stream.NewStreamer(reader, mem, stream.Config{
		DeviceID:         "testDevice",
		Namespace:        "esp32",
		SampleRate:       1000,
		Duration:         time.Second,
		ChunkTargetBytes: 500,
		AttemptsPerChunk: 5,
	}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewStreamer failed: %v", err)
	}
	orch, err := NewOrchestrator(reader, countingDetector(1), streamer, nil, Config{}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on an exhausted source")
	}
	if got := orch.GetStatus().ReadErrors; got != 0 {
		t.Errorf("ReadErrors = %d, want 0 for end of input", got)
	}
}

func TestResponsesAreForwarded(t *testing.T) {
	f := newFixture(t, &channelReader{}, countingDetector(0), Config{ResponseTopic: "/audio/response"}, nil)

	result := &protocol.SessionResult{DeviceID: "testDevice", ExpectedBytes: 2000, ReceivedBytes: 2000, Complete: true}
	payload, err := result.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// the listener subscribes asynchronously, so publish until it is seen
	var once sync.Once
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.mem.Publish(context.Background(), "/audio/response", payload)
			}
		}
	}()
	defer once.Do(func() { close(stop) })

	event := nextEvent(t, f.orch.Events(), EventResponse)
	once.Do(func() { close(stop) })

	if event.Response == nil {
		t.Fatal("Expected parsed response")
	}
	if event.Response.DeviceID != "testDevice" || !event.Response.Complete {
		t.Errorf("Unexpected response %+v", event.Response)
	}
	if f.orch.GetStatus().LastResponse == nil {
		t.Error("Expected last response in status")
	}
}

func TestUnparsedResponseIsForwardedRaw(t *testing.T) {
	f := newFixture(t, &channelReader{}, countingDetector(0), Config{ResponseTopic: "/audio/response"}, nil)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.mem.Publish(context.Background(), "/audio/response", []byte("ok"))
			}
		}
	}()
	defer close(stop)

	event := nextEvent(t, f.orch.Events(), EventResponse)
	if event.Response != nil {
		t.Errorf("Expected no parsed response, got %+v", event.Response)
	}
	if string(event.Payload) != "ok" {
		t.Errorf("Expected raw payload ok, got %q", event.Payload)
	}
}
