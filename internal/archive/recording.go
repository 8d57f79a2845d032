package archive

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

// Recording is an open WAV file receiving little-endian 16-bit PCM
type Recording struct {
	path    string
	file    afero.File
	encoder *wav.Encoder
	buf     *audio.IntBuffer
	archive *Archive

	odd     []byte // trailing byte of a split sample
	samples int
	closed  bool
}

// Path returns the file path of the recording
func (r *Recording) Path() string {
	return r.path
}

// Samples returns the number of samples written so far
func (r *Recording) Samples() int {
	return r.samples
}

// Write appends PCM bytes. A sample split across calls is carried over.
func (r *Recording) Write(p []byte) (int, error) {
	if r.closed {
		return 0, fmt.Errorf("recording %s is closed", r.path)
	}

	data := p
	if len(r.odd) > 0 {
		data = append(r.odd, p...)
		r.odd = nil
	}

	n := len(data) / 2
	if len(data)%2 == 1 {
		r.odd = []byte{data[len(data)-1]}
	}
	if n == 0 {
		return len(p), nil
	}

	r.buf.Data = r.buf.Data[:0]
	for i := range n {
		r.buf.Data = append(r.buf.Data, int(int16(binary.LittleEndian.Uint16(data[2*i:]))))
	}
	if err := r.encoder.Write(r.buf); err != nil {
		return 0, fmt.Errorf("failed to encode %s: %w", r.path, err)
	}
	r.samples += n

	return len(p), nil
}

// Close finalizes the WAV header and closes the file
func (r *Recording) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	if r.samples == 0 {
		// the encoder only emits its header on the first write
		r.buf.Data = r.buf.Data[:0]
		if err := r.encoder.Write(r.buf); err != nil {
			r.file.Close()
			return fmt.Errorf("failed to encode %s: %w", r.path, err)
		}
	}

	encErr := r.encoder.Close()
	fileErr := r.file.Close()
	if encErr != nil {
		return fmt.Errorf("failed to finalize %s: %w", r.path, encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("failed to close %s: %w", r.path, fileErr)
	}

	r.archive.mu.Lock()
	r.archive.written++
	r.archive.mu.Unlock()

	if r.archive.logger != nil {
		r.archive.logger.Debug("Recording saved",
			slog.String("path", r.path),
			slog.Int("samples", r.samples),
		)
	}
	return nil
}
