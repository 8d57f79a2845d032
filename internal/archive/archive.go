package archive

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/skypro1111/wakestream/internal/stream"
)

const (
	bitDepth   = 16
	numChans   = 1
	formatPCM  = 1
	fileSuffix = ".wav"
)

var (
	// ErrInvalidName is returned for empty names or names containing path separators
	ErrInvalidName = errors.New("invalid recording name")

	// ErrNotWAV is returned when decoding a file that is not a PCM WAV
	ErrNotWAV = errors.New("not a valid wav file")
)

// Archive stores session audio as 16-bit mono WAV files on an afero filesystem
type Archive struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	written int
}

// Entry describes an archived recording
type Entry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// New creates an archive rooted at dir, creating it if needed
func New(fs afero.Fs, dir string, logger *slog.Logger) (*Archive, error) {
	if fs == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("archive directory cannot be empty")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", dir, err)
	}
	return &Archive{fs: fs, dir: dir, logger: logger}, nil
}

// Dir returns the archive root
func (a *Archive) Dir() string {
	return a.dir
}

// Begin creates a recording named name (without extension)
func (a *Archive) Begin(name string, sampleRate int) (*Recording, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	p := path.Join(a.dir, name+fileSuffix)
	f, err := a.fs.Create(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", p, err)
	}

	return &Recording{
		path:    p,
		file:    f,
		encoder: wav.NewEncoder(f, sampleRate, bitDepth, numChans, formatPCM),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: numChans, SampleRate: sampleRate},
			SourceBitDepth: bitDepth,
		},
		archive: a,
	}, nil
}

// Save writes pcm (little-endian int16) as a complete recording and returns its path
func (a *Archive) Save(name string, sampleRate int, pcm []byte) (string, error) {
	rec, err := a.Begin(name, sampleRate)
	if err != nil {
		return "", err
	}
	if _, err := rec.Write(pcm); err != nil {
		rec.Close()
		return "", err
	}
	if err := rec.Close(); err != nil {
		return "", err
	}
	return rec.Path(), nil
}

// Tap returns a session tap that records every published byte
func (a *Archive) Tap(sampleRate int) stream.TapFactory {
	return func(session stream.Session) (io.WriteCloser, error) {
		return a.Begin(SessionName(session.DeviceID, session.StartedAt, session.ID), sampleRate)
	}
}

// List returns the archived recordings, newest first
func (a *Archive) List() ([]Entry, error) {
	infos, err := afero.ReadDir(a.fs, a.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", a.dir, err)
	}

	var entries []Entry
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), fileSuffix) {
			continue
		}
		entries = append(entries, Entry{
			Name:     strings.TrimSuffix(info.Name(), fileSuffix),
			Path:     path.Join(a.dir, info.Name()),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	slices.SortFunc(entries, func(x, y Entry) int {
		return y.Modified.Compare(x.Modified)
	})
	return entries, nil
}

// Written returns the number of recordings closed successfully
func (a *Archive) Written() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

// SessionName builds a sortable recording name for a session
func SessionName(deviceID string, startedAt time.Time, sessionID string) string {
	id := sessionID
	if len(id) > 8 {
		id = id[:8]
	}
	name := fmt.Sprintf("%s_%s", deviceID, startedAt.UTC().Format("20060102T150405Z"))
	if id != "" {
		name += "_" + id
	}
	return strings.NewReplacer("/", "_", `\`, "_").Replace(name)
}

// Load decodes a recording, returning its samples and sample rate
func Load(fs afero.Fs, p string) ([]int16, int, error) {
	f, err := fs.Open(p)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotWAV, p)
	}
	if dec.BitDepth != bitDepth || dec.NumChans != numChans {
		return nil, 0, fmt.Errorf("%w: %s is %d-bit with %d channels", ErrNotWAV, p, dec.BitDepth, dec.NumChans)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s: %w", p, err)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return samples, int(dec.SampleRate), nil
}
