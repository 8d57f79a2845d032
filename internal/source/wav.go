package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/skypro1111/wakestream/internal/audio"
)

var (
	// ErrUnsupportedFormat is returned for WAV files that are not 16-bit mono PCM
	ErrUnsupportedFormat = errors.New("unsupported wav format")

	// ErrNoAudio is returned when a looping file holds no samples
	ErrNoAudio = errors.New("wav file holds no audio")
)

// WAVConfig configures a file-backed sample source
type WAVConfig struct {
	Path       string
	SampleRate int  // expected rate, 0 accepts whatever the file declares
	Loop       bool // restart at end of file instead of returning io.EOF
	Realtime   bool // pace reads at the file's sample rate
}

// WAVFile replays a 16-bit mono WAV file as native-width microphone samples
type WAVFile struct {
	fs         afero.Fs
	config     WAVConfig
	logger     *slog.Logger
	sampleRate int

	file    afero.File
	decoder *wav.Decoder
	buf     *goaudio.IntBuffer

	started     time.Time
	samplesRead uint64
	loops       uint64

	mu sync.Mutex
}

// WAVStats represents replay statistics for monitoring
type WAVStats struct {
	Path        string `json:"path"`
	SampleRate  int    `json:"sample_rate"`
	SamplesRead uint64 `json:"samples_read"`
	Loops       uint64 `json:"loops"`
}

// OpenWAV opens a WAV file on fs for replay
func OpenWAV(fs afero.Fs, config WAVConfig, logger *slog.Logger) (*WAVFile, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("wav path cannot be empty")
	}

	w := &WAVFile{fs: fs, config: config, logger: logger}
	if err := w.open(); err != nil {
		return nil, err
	}
	if config.SampleRate > 0 && w.sampleRate != config.SampleRate {
		w.file.Close()
		return nil, fmt.Errorf("%w: %s is %d Hz, expected %d Hz",
			ErrUnsupportedFormat, config.Path, w.sampleRate, config.SampleRate)
	}

	logger.Info("WAV source opened",
		slog.String("path", config.Path),
		slog.Int("sample_rate", w.sampleRate),
		slog.Bool("loop", config.Loop),
		slog.Bool("realtime", config.Realtime),
	)
	return w, nil
}

func (w *WAVFile) open() error {
	f, err := w.fs.Open(w.config.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", w.config.Path, err)
	}

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: %w", ErrUnsupportedFormat, w.config.Path, err)
	}
	if dec.WavAudioFormat != 1 || dec.BitDepth != 16 || dec.NumChans != 1 || dec.SampleRate == 0 {
		f.Close()
		return fmt.Errorf("%w: %s is format %d, %d-bit, %d channels",
			ErrUnsupportedFormat, w.config.Path, dec.WavAudioFormat, dec.BitDepth, dec.NumChans)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: %w", ErrUnsupportedFormat, w.config.Path, err)
	}

	w.file = f
	w.decoder = dec
	w.sampleRate = int(dec.SampleRate)
	w.buf = &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: w.sampleRate},
		SourceBitDepth: 16,
	}
	return nil
}

// Read fills dst with up to len(dst) samples widened to native width
func (w *WAVFile) Read(ctx context.Context, dst []int32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.decoder == nil {
		return 0, io.ErrClosedPipe
	}

	n, err := w.decode(dst)
	if err != nil {
		return 0, err
	}

	if n == 0 {
		if !w.config.Loop {
			return 0, io.EOF
		}
		if err := w.rewind(); err != nil {
			return 0, err
		}
		if n, err = w.decode(dst); err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("%w: %s", ErrNoAudio, w.config.Path)
		}
	}

	if w.started.IsZero() {
		w.started = time.Now()
	}
	w.samplesRead += uint64(n)

	if w.config.Realtime {
		// the deadline is where the stream would be had it played in real time
		due := w.started.Add(time.Duration(w.samplesRead) * time.Second / time.Duration(w.sampleRate))
		if wait := time.Until(due); wait > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	return n, nil
}

func (w *WAVFile) decode(dst []int32) (int, error) {
	if cap(w.buf.Data) < len(dst) {
		w.buf.Data = make([]int, len(dst))
	}
	w.buf.Data = w.buf.Data[:len(dst)]

	n, err := w.decoder.PCMBuffer(w.buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("failed to decode %s: %w", w.config.Path, err)
	}

	for i := range n {
		dst[i] = audio.Widen(int16(w.buf.Data[i]))
	}
	return n, nil
}

func (w *WAVFile) rewind() error {
	w.file.Close()
	w.decoder = nil
	if err := w.open(); err != nil {
		return err
	}
	w.loops++
	w.logger.Debug("WAV source looped", slog.String("path", w.config.Path), slog.Uint64("loops", w.loops))
	return nil
}

// SampleRate returns the file's sample rate in Hz
func (w *WAVFile) SampleRate() int {
	return w.sampleRate
}

// GetStats returns replay statistics
func (w *WAVFile) GetStats() WAVStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WAVStats{
		Path:        w.config.Path,
		SampleRate:  w.sampleRate,
		SamplesRead: w.samplesRead,
		Loops:       w.loops,
	}
}

// Close releases the file
func (w *WAVFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.decoder == nil {
		return nil
	}
	w.decoder = nil
	return w.file.Close()
}
