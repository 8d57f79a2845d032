package wake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// FrameSamples is the frame length wake detectors are fed with
const FrameSamples = 512

// ErrFrameSize is returned when a frame does not match the detector's window
var ErrFrameSize = errors.New("unexpected wake frame size")

// Detector reports whether a wake event occurred in a frame of 16-bit PCM samples.
// Detectors are stateful across frames and are driven by a single goroutine.
type Detector interface {
	Detect(frame []int16) (bool, error)
	FrameSize() int
}

// DetectorFunc adapts a function to the Detector interface
type DetectorFunc struct {
	Size int
	Fn   func(frame []int16) bool
}

// Detect calls Fn
func (d DetectorFunc) Detect(frame []int16) (bool, error) {
	if len(frame) != d.Size {
		return false, fmt.Errorf("%w: expected %d samples, got %d", ErrFrameSize, d.Size, len(frame))
	}
	return d.Fn(frame), nil
}

// FrameSize returns Size
func (d DetectorFunc) FrameSize() int {
	return d.Size
}

// EnergyDetector fires when MinFrames consecutive frames exceed an RMS threshold.
// It stands in for a keyword model on hosts without one.
type EnergyDetector struct {
	threshold  float64
	minFrames  int
	frameSize  int
	sampleRate int

	run int // consecutive loud frames

	// Statistics
	totalFrames   uint64
	loudFrames    uint64
	detections    uint64
	lastRMS       float64
	lastDetection time.Time

	mu sync.RWMutex
}

// DetectorStats represents wake detector statistics
type DetectorStats struct {
	TotalFrames   uint64    `json:"total_frames"`
	LoudFrames    uint64    `json:"loud_frames"`
	Detections    uint64    `json:"detections"`
	LastRMS       float64   `json:"last_rms"`
	LastDetection time.Time `json:"last_detection"`
	Threshold     float64   `json:"threshold"`
	MinFrames     int       `json:"min_frames"`
}

// NewEnergyDetector creates a new energy detector
func NewEnergyDetector(threshold float64, minFrames, frameSize, sampleRate int) (*EnergyDetector, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %f", threshold)
	}

	if minFrames <= 0 {
		return nil, fmt.Errorf("min frames must be positive, got %d", minFrames)
	}

	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &EnergyDetector{
		threshold:  threshold,
		minFrames:  minFrames,
		frameSize:  frameSize,
		sampleRate: sampleRate,
	}, nil
}

// Detect processes one frame. After firing, the run counter restarts so a sustained
// loud signal fires again only after another MinFrames frames.
func (d *EnergyDetector) Detect(frame []int16) (bool, error) {
	if len(frame) != d.frameSize {
		return false, fmt.Errorf("%w: expected %d samples, got %d", ErrFrameSize, d.frameSize, len(frame))
	}

	rms := RMS(frame)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalFrames++
	d.lastRMS = rms

	if rms <= d.threshold {
		d.run = 0
		return false, nil
	}

	d.loudFrames++
	d.run++
	if d.run < d.minFrames {
		return false, nil
	}

	d.run = 0
	d.detections++
	d.lastDetection = time.Now()
	return true, nil
}

// FrameSize returns the expected frame length in samples
func (d *EnergyDetector) FrameSize() int {
	return d.frameSize
}

// FrameDuration returns the audio time covered by one frame
func (d *EnergyDetector) FrameDuration() time.Duration {
	return time.Duration(d.frameSize) * time.Second / time.Duration(d.sampleRate)
}

// GetStats returns current detector statistics
func (d *EnergyDetector) GetStats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return DetectorStats{
		TotalFrames:   d.totalFrames,
		LoudFrames:    d.loudFrames,
		Detections:    d.detections,
		LastRMS:       d.lastRMS,
		LastDetection: d.lastDetection,
		Threshold:     d.threshold,
		MinFrames:     d.minFrames,
	}
}

// UpdateThreshold updates the RMS threshold
func (d *EnergyDetector) UpdateThreshold(threshold float64) error {
	if threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %f", threshold)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.threshold = threshold
	return nil
}

// Reset clears the run counter and statistics
func (d *EnergyDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.run = 0
	d.totalFrames = 0
	d.loudFrames = 0
	d.detections = 0
	d.lastRMS = 0
	d.lastDetection = time.Time{}
}

// RMS returns the root mean square amplitude of frame
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var energy float64
	for _, s := range frame {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(frame)))
}

// DecodeFrame converts little-endian PCM16 bytes to samples and returns the number decoded
func DecodeFrame(pcm []byte, dst []int16) int {
	n := min(len(pcm)/2, len(dst))
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return n
}
