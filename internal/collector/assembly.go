package collector

import (
	"time"

	"github.com/skypro1111/wakestream/internal/protocol"
)

// maxPrealloc bounds the buffer reserved up front for an announced length
const maxPrealloc = 1 << 20

// assembly accumulates the data of one device session. Guarded by the collector mutex.
type assembly struct {
	id           string
	deviceID     string
	expected     uint32
	data         []byte
	chunks       int
	startedAt    time.Time
	lastActivity time.Time
}

// AssemblyInfo is a snapshot of an open assembly
type AssemblyInfo struct {
	SessionID     string        `json:"session_id"`
	DeviceID      string        `json:"device_id"`
	ExpectedBytes uint32        `json:"expected_bytes"`
	ReceivedBytes uint32        `json:"received_bytes"`
	Chunks        int           `json:"chunks"`
	Progress      float64       `json:"progress"`
	StartedAt     time.Time     `json:"started_at"`
	LastActivity  time.Time     `json:"last_activity"`
	Age           time.Duration `json:"age"`
}

func newAssembly(id, deviceID string, expected uint32) *assembly {
	now := time.Now()
	return &assembly{
		id:           id,
		deviceID:     deviceID,
		expected:     expected,
		data:         make([]byte, 0, min(expected, maxPrealloc)),
		startedAt:    now,
		lastActivity: now,
	}
}

// add appends payload up to the announced length and reports accepted and excess bytes
func (a *assembly) add(payload []byte) (accepted, overflow int) {
	a.lastActivity = time.Now()
	a.chunks++

	room := int(a.expected) - len(a.data)
	accepted = min(len(payload), max(room, 0))
	a.data = append(a.data, payload[:accepted]...)
	return accepted, len(payload) - accepted
}

func (a *assembly) complete() bool {
	return uint32(len(a.data)) >= a.expected
}

func (a *assembly) result() protocol.SessionResult {
	return protocol.SessionResult{
		DeviceID:      a.deviceID,
		SessionID:     a.id,
		ExpectedBytes: a.expected,
		ReceivedBytes: uint32(len(a.data)),
		Chunks:        a.chunks,
		Complete:      a.complete(),
		FinishedAt:    time.Now(),
	}
}

func (a *assembly) info() AssemblyInfo {
	info := AssemblyInfo{
		SessionID:     a.id,
		DeviceID:      a.deviceID,
		ExpectedBytes: a.expected,
		ReceivedBytes: uint32(len(a.data)),
		Chunks:        a.chunks,
		StartedAt:     a.startedAt,
		LastActivity:  a.lastActivity,
		Age:           time.Since(a.startedAt),
	}
	if a.expected > 0 {
		info.Progress = float64(len(a.data)) / float64(a.expected)
	}
	return info
}
