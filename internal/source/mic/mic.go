// Package mic captures live audio from the default PortAudio input device.
package mic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// DefaultBlockSamples is the PortAudio buffer size in frames
const DefaultBlockSamples = 256

// Mic wraps a PortAudio capture stream delivering 32-bit mono samples
type Mic struct {
	stream *portaudio.Stream
	block  []int32
	logger *slog.Logger

	pending   []int32 // unread tail of the last block
	overflows uint64
	closed    bool

	mu sync.Mutex
}

// Open initializes PortAudio and starts a capture stream on the default input device
func Open(sampleRate, blockSamples int, logger *slog.Logger) (*Mic, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if blockSamples <= 0 {
		blockSamples = DefaultBlockSamples
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	block := make([]int32, blockSamples)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(block), block)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}

	logger.Info("Microphone opened",
		slog.Int("sample_rate", sampleRate),
		slog.Int("block_samples", blockSamples),
	)

	return &Mic{stream: stream, block: block, logger: logger}, nil
}

// Read fills dst with captured samples. PortAudio reads cannot be interrupted, so ctx is
// checked between blocks and a cancelled read returns the samples gathered so far.
func (m *Mic) Read(ctx context.Context, dst []int32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errors.New("microphone closed")
	}

	n := copy(dst, m.pending)
	m.pending = m.pending[n:]

	for n < len(dst) {
		if err := ctx.Err(); err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		if err := m.stream.Read(); err != nil {
			if !errors.Is(err, portaudio.InputOverflowed) {
				return n, fmt.Errorf("portaudio read failed: %w", err)
			}
			m.overflows++
			m.logger.Debug("Microphone input overflowed", slog.Uint64("overflows", m.overflows))
		}

		c := copy(dst[n:], m.block)
		n += c
		if c < len(m.block) {
			m.pending = append(m.pending[:0], m.block[c:]...)
		}
	}

	return n, nil
}

// Overflows returns the number of blocks PortAudio reported as overflowed
func (m *Mic) Overflows() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflows
}

// Close stops the stream and releases PortAudio
func (m *Mic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if err := m.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := m.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
