package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/skypro1111/wakestream/internal/metrics"
)

// ConditionerConfig contains the parameters of the conditioning pipeline
type ConditionerConfig struct {
	SampleRate      int
	CutoffHz        float64
	GateThreshold   float64
	GateHysteresis  float64
	MaxFrameSamples int           // Scratch buffer capacity in samples
	ReadTimeout     time.Duration // Upper bound for one blocking source read, 0 disables
}

// ConditionerStats represents conditioner statistics for monitoring
type ConditionerStats struct {
	FramesRead   uint64  `json:"frames_read"`
	FramesPassed uint64  `json:"frames_passed"`
	FramesGated  uint64  `json:"frames_gated"`
	ReadErrors   uint64  `json:"read_errors"`
	LastPeak     float64 `json:"last_peak"`
	GateState    string  `json:"gate_state"`
}

// Conditioner acquires raw frames from a SampleSource, narrows them to 16-bit PCM, removes
// low-frequency content and applies the noise gate. Filter and gate state belong to the
// instance, so independent pipelines never share history.
type Conditioner struct {
	src             SampleSource
	filter          *HighPassFilter
	gate            *NoiseGate
	sampleRate      int
	maxFrameSamples int
	readTimeout     time.Duration
	metrics         *metrics.Metrics

	raw []int32

	framesRead   uint64
	framesPassed uint64
	framesGated  uint64
	readErrors   uint64
	lastPeak     float64

	mu sync.Mutex
}

// NewConditioner creates a conditioner reading from src. A nil src is accepted; every Read then
// fails with ErrHardwareUnavailable.
func NewConditioner(src SampleSource, cfg ConditionerConfig, m *metrics.Metrics) (*Conditioner, error) {
	filter, err := NewHighPassFilter(cfg.CutoffHz, float64(cfg.SampleRate))
	if err != nil {
		return nil, fmt.Errorf("failed to create high-pass filter: %w", err)
	}

	gate, err := NewNoiseGate(cfg.GateThreshold, cfg.GateHysteresis)
	if err != nil {
		return nil, fmt.Errorf("failed to create noise gate: %w", err)
	}

	if cfg.MaxFrameSamples <= 0 {
		return nil, fmt.Errorf("%w: max frame samples must be positive, got %d", ErrInvalidParameter, cfg.MaxFrameSamples)
	}

	return &Conditioner{
		src:             src,
		filter:          filter,
		gate:            gate,
		sampleRate:      cfg.SampleRate,
		maxFrameSamples: cfg.MaxFrameSamples,
		readTimeout:     cfg.ReadTimeout,
		metrics:         m,
		raw:             make([]int32, cfg.MaxFrameSamples),
	}, nil
}

// Read fills dst with one conditioned frame of len(dst)/2 samples and returns the number of
// bytes produced. A return of 0 with a nil error means the gate muted the frame; dst is zeroed
// in that case.
func (c *Conditioner) Read(ctx context.Context, dst []byte) (int, error) {
	if c.src == nil {
		return 0, ErrHardwareUnavailable
	}

	samples := len(dst) / BytesPerSample
	if samples == 0 {
		return 0, fmt.Errorf("%w: read buffer of %d bytes holds no samples", ErrInvalidParameter, len(dst))
	}
	if samples > c.maxFrameSamples {
		return 0, fmt.Errorf("%w: %d samples requested, scratch holds %d", ErrAllocationFailure, samples, c.maxFrameSamples)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	readCtx := ctx
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}

	raw := c.raw[:samples]
	n, err := c.src.Read(readCtx, raw)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		c.readErrors++
		if errors.Is(err, ErrHardwareUnavailable) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	if n <= 0 {
		return 0, nil
	}
	if n > samples {
		n = samples
	}

	// Filter every sample in order and track the frame peak
	peak := 0.0
	for i := 0; i < n; i++ {
		y := c.filter.Apply(float64(Narrow(raw[i])))
		if a := math.Abs(y); a > peak {
			peak = a
		}
		binary.LittleEndian.PutUint16(dst[i*BytesPerSample:], uint16(saturate16(y)))
	}

	produced := n * BytesPerSample
	state := c.gate.Update(peak)

	c.framesRead++
	c.lastPeak = peak
	c.metrics.RecordFrame(c.gate.Passes(state), peak)

	if !c.gate.Passes(state) {
		c.framesGated++
		clear(dst[:produced])
		return 0, nil
	}

	c.framesPassed++
	return produced, nil
}

// SampleRate returns the output sample rate in Hz
func (c *Conditioner) SampleRate() int {
	return c.sampleRate
}

// GateState returns the current noise gate state
func (c *Conditioner) GateState() GateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate.State()
}

// GetStats returns current conditioner statistics
func (c *Conditioner) GetStats() ConditionerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ConditionerStats{
		FramesRead:   c.framesRead,
		FramesPassed: c.framesPassed,
		FramesGated:  c.framesGated,
		ReadErrors:   c.readErrors,
		LastPeak:     c.lastPeak,
		GateState:    c.gate.State().String(),
	}
}
