package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/skypro1111/wakestream/internal/protocol"
)

var (
	// ErrSessionActive is returned when a session is started while another is live
	ErrSessionActive = errors.New("streaming session already active")

	// ErrAcquisitionStalled is returned when a chunk could not be filled with any audio
	ErrAcquisitionStalled = errors.New("no audio acquired for chunk")

	// ErrPublishFailed is returned when a data chunk could not be published within its retries
	ErrPublishFailed = errors.New("data chunk publish failed")
)

// Reader produces conditioned PCM16 audio. A return of 0 bytes with a nil error means no
// audio is available right now.
type Reader interface {
	Read(ctx context.Context, dst []byte) (int, error)
}

// TapFactory opens a sink that receives a copy of every chunk published in a session
type TapFactory func(session Session) (io.WriteCloser, error)

// Config contains streaming session parameters
type Config struct {
	DeviceID         string
	Namespace        string
	SampleRate       int
	Duration         time.Duration
	ChunkTargetBytes int
	MaxPublishBytes  int // transport ceiling, larger chunks are split; 0 disables splitting
	AttemptsPerChunk int
	AttemptDelay     time.Duration // wait after an empty read
	ChunkDelay       time.Duration // wait between chunks
	PacingDelay      time.Duration // wait between sub-chunks
	PublishRetries   int
}

// Validate checks the session parameters
func (c *Config) Validate() error {
	if err := protocol.ValidateDeviceID(c.DeviceID); err != nil {
		return err
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %v", c.Duration)
	}
	if c.ChunkTargetBytes < protocol.BytesPerSample || c.ChunkTargetBytes%protocol.BytesPerSample != 0 {
		return fmt.Errorf("chunk target must be a positive multiple of %d bytes, got %d",
			protocol.BytesPerSample, c.ChunkTargetBytes)
	}
	if c.MaxPublishBytes < 0 || c.MaxPublishBytes%protocol.BytesPerSample != 0 {
		return fmt.Errorf("max publish bytes must be a non-negative multiple of %d, got %d",
			protocol.BytesPerSample, c.MaxPublishBytes)
	}
	if c.AttemptsPerChunk < 1 {
		return fmt.Errorf("attempts per chunk must be at least 1, got %d", c.AttemptsPerChunk)
	}
	if c.PublishRetries < 0 {
		return fmt.Errorf("publish retries cannot be negative, got %d", c.PublishRetries)
	}
	return nil
}

// Session is the state of one streaming session
type Session struct {
	ID                  string    `json:"id"`
	DeviceID            string    `json:"device_id"`
	TotalBytes          uint32    `json:"total_bytes"`
	BytesSent           uint32    `json:"bytes_sent"`
	ChunkTargetBytes    int       `json:"chunk_target_bytes"`
	AttemptsPerChunkMax int       `json:"attempts_per_chunk_max"`
	StartedAt           time.Time `json:"started_at"`
}

// Progress returns the delivered fraction in [0, 1]
func (s Session) Progress() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.BytesSent) / float64(s.TotalBytes)
}

// Outcome is the terminal state of a session
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeCancelled Outcome = "cancelled"
)

// Report summarizes a finished session
type Report struct {
	Session       Session       `json:"session"`
	Outcome       Outcome       `json:"outcome"`
	MetaPublished bool          `json:"meta_published"`
	Chunks        int           `json:"chunks"`
	Publishes     int           `json:"publishes"`
	Retries       int           `json:"retries"`
	PartialBytes  int           `json:"partial_bytes"` // parts of a failed chunk that reached the transport
	EmptyReads    int           `json:"empty_reads"`
	Duration      time.Duration `json:"duration"`
	FinishedAt    time.Time     `json:"finished_at"`
	Error         string        `json:"error,omitempty"`
}
