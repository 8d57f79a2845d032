package capture

import (
	"time"

	"github.com/skypro1111/wakestream/internal/protocol"
	"github.com/skypro1111/wakestream/internal/stream"
)

// State is the orchestrator mode
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateDone      State = "done"
)

var allStates = []string{string(StateIdle), string(StateStreaming), string(StateDone)}

// Trigger sources
const (
	SourceWake = "wake"
	SourceAPI  = "api"
)

// EventType identifies an orchestrator event
type EventType string

const (
	EventStateChanged    EventType = "state_changed"
	EventWakeDetected    EventType = "wake_detected"
	EventTriggerIgnored  EventType = "trigger_ignored"
	EventSessionFinished EventType = "session_finished"
	EventResponse        EventType = "response"
)

// Event is one entry of the orchestrator event stream
type Event struct {
	Type     EventType
	State    State
	Source   string
	Report   *stream.Report
	Topic    string
	Payload  []byte
	Response *protocol.SessionResult
	Time     time.Time
}
