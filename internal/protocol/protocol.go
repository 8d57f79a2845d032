package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire constants
const (
	// MetaSize is the length of the meta message: total payload bytes, little-endian uint32
	MetaSize = 4

	// BytesPerSample is the width of one PCM16 sample on the data channel
	BytesPerSample = 2

	// Topic segments
	AudioSegment = "audio"
	MetaSegment  = "meta"
)

var (
	// ErrInvalidMeta is returned for meta payloads that are not exactly MetaSize bytes
	ErrInvalidMeta = errors.New("invalid meta message")

	// ErrInvalidTopic is returned for topics outside the audio namespace
	ErrInvalidTopic = errors.New("invalid audio topic")

	// ErrInvalidDeviceID is returned for device IDs that cannot be used as a topic level
	ErrInvalidDeviceID = errors.New("invalid device id")
)

// Meta announces the total number of PCM bytes a session intends to send
type Meta struct {
	TotalBytes uint32
}

// EncodeMeta encodes totalBytes as the 4-byte little-endian meta payload
func EncodeMeta(totalBytes uint32) []byte {
	buf := make([]byte, MetaSize)
	binary.LittleEndian.PutUint32(buf, totalBytes)
	return buf
}

// ParseMeta parses a meta payload
func ParseMeta(data []byte) (*Meta, error) {
	if len(data) != MetaSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidMeta, MetaSize, len(data))
	}
	return &Meta{TotalBytes: binary.LittleEndian.Uint32(data)}, nil
}

// String returns a human-readable representation of the meta message
func (m *Meta) String() string {
	return fmt.Sprintf("Meta{TotalBytes:%d}", m.TotalBytes)
}

// MetaTopic returns the topic carrying the length header: <ns>/audio/<device>/meta
func MetaTopic(namespace, deviceID string) string {
	return namespace + "/" + AudioSegment + "/" + deviceID + "/" + MetaSegment
}

// DataTopic returns the topic carrying PCM chunks: <ns>/audio/<device>
func DataTopic(namespace, deviceID string) string {
	return namespace + "/" + AudioSegment + "/" + deviceID
}

// MetaFilter returns the subscription filter matching the meta topic of every device
func MetaFilter(namespace string) string {
	return MetaTopic(namespace, "+")
}

// DataFilter returns the subscription filter matching the data topic of every device
func DataFilter(namespace string) string {
	return DataTopic(namespace, "+")
}

// AudioFilter returns one filter matching both topics of every device, so a single
// subscription observes meta and data in publish order
func AudioFilter(namespace string) string {
	return namespace + "/" + AudioSegment + "/#"
}

// ParseTopic extracts the device ID from a meta or data topic of namespace
func ParseTopic(namespace, topic string) (deviceID string, isMeta bool, err error) {
	prefix := namespace + "/" + AudioSegment + "/"
	rest, ok := strings.CutPrefix(topic, prefix)
	if !ok {
		return "", false, fmt.Errorf("%w: %q is outside %q", ErrInvalidTopic, topic, prefix)
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1:
	case len(parts) == 2 && parts[1] == MetaSegment:
		isMeta = true
	default:
		return "", false, fmt.Errorf("%w: unexpected levels in %q", ErrInvalidTopic, topic)
	}

	if err := ValidateDeviceID(parts[0]); err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}

	return parts[0], isMeta, nil
}

// ValidateDeviceID checks that id can be used as a single topic level
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if strings.ContainsAny(id, "/+#") {
		return fmt.Errorf("%w: %q contains a separator or wildcard", ErrInvalidDeviceID, id)
	}
	return nil
}

// TotalBytes returns the PCM16 payload size of a mono recording
func TotalBytes(sampleRate int, duration time.Duration) uint32 {
	samples := int64(sampleRate) * int64(duration) / int64(time.Second)
	return uint32(samples * BytesPerSample)
}

// SessionResult is the acknowledgement a collector publishes on the response topic
type SessionResult struct {
	DeviceID      string    `json:"device_id"`
	SessionID     string    `json:"session_id"`
	ExpectedBytes uint32    `json:"expected_bytes"`
	ReceivedBytes uint32    `json:"received_bytes"`
	Chunks        int       `json:"chunks"`
	Complete      bool      `json:"complete"`
	File          string    `json:"file,omitempty"`
	Error         string    `json:"error,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Encode serializes the result as JSON
func (r *SessionResult) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session result: %w", err)
	}
	return data, nil
}

// ParseSessionResult parses a JSON acknowledgement
func ParseSessionResult(data []byte) (*SessionResult, error) {
	var r SessionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse session result: %w", err)
	}
	return &r, nil
}

// String returns a human-readable representation of the result
func (r *SessionResult) String() string {
	return fmt.Sprintf("SessionResult{Device:%s, Received:%d/%d, Chunks:%d, Complete:%t}",
		r.DeviceID, r.ReceivedBytes, r.ExpectedBytes, r.Chunks, r.Complete)
}
