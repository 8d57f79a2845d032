package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/wakestream/internal/metrics"
	"github.com/skypro1111/wakestream/internal/protocol"
	"github.com/skypro1111/wakestream/internal/transport"
)

// Streamer runs streaming sessions: a meta message announcing the total length, followed by
// data chunks acquired from a Reader. At most one session is live per Streamer.
type Streamer struct {
	config    Config
	reader    Reader
	transport *transport.Serial
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tap       TapFactory

	active     *Session
	lastReport *Report
	mu         sync.RWMutex
}

// NewStreamer creates a streamer. Publishes go through t wrapped in a transport.Serial
// unless t already is one.
func NewStreamer(reader Reader, t transport.Transport, config Config, logger *slog.Logger, m *metrics.Metrics) (*Streamer, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}
	if t == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}

	serial, ok := t.(*transport.Serial)
	if !ok {
		serial = transport.NewSerial(t)
	}

	return &Streamer{
		config:    config,
		reader:    reader,
		transport: serial,
		logger:    logger,
		metrics:   m,
	}, nil
}

// SetTap installs a factory whose sinks receive every published chunk
func (s *Streamer) SetTap(factory TapFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tap = factory
}

// Config returns the session parameters
func (s *Streamer) Config() Config {
	return s.config
}

// Active returns a snapshot of the live session
func (s *Streamer) Active() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return Session{}, false
	}
	return *s.active, true
}

// LastReport returns the report of the most recent session
func (s *Streamer) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

// Stream runs one session to completion, abort or cancellation of ctx. The report is
// returned for every session that started, together with the error that ended it.
func (s *Streamer) Stream(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrSessionActive
	}
	session := &Session{
		ID:                  uuid.NewString(),
		DeviceID:            s.config.DeviceID,
		TotalBytes:          protocol.TotalBytes(s.config.SampleRate, s.config.Duration),
		ChunkTargetBytes:    s.config.ChunkTargetBytes,
		AttemptsPerChunkMax: s.config.AttemptsPerChunk,
		StartedAt:           time.Now(),
	}
	s.active = session
	tapFactory := s.tap
	s.mu.Unlock()

	logger := s.logger.With(slog.String("session_id", session.ID))
	logger.Info("Streaming session started",
		slog.String("device_id", session.DeviceID),
		slog.Int("total_bytes", int(session.TotalBytes)),
		slog.Int("chunk_bytes", session.ChunkTargetBytes),
	)
	s.metrics.RecordSessionStarted()

	report := &Report{}

	var tap io.WriteCloser
	if tapFactory != nil {
		var err error
		if tap, err = tapFactory(*session); err != nil {
			logger.Warn("Failed to open session tap, continuing without it", slog.String("error", err.Error()))
			tap = nil
		}
	}

	err := s.run(ctx, session, report, tap, logger)

	if tap != nil {
		if cerr := tap.Close(); cerr != nil {
			logger.Warn("Failed to close session tap", slog.String("error", cerr.Error()))
		}
	}

	s.mu.Lock()
	report.Session = *session
	s.mu.Unlock()

	report.FinishedAt = time.Now()
	report.Duration = report.FinishedAt.Sub(session.StartedAt)

	switch {
	case err == nil:
		report.Outcome = OutcomeCompleted
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		report.Outcome = OutcomeCancelled
	default:
		report.Outcome = OutcomeAborted
	}
	if err != nil {
		report.Error = err.Error()
	}

	s.mu.Lock()
	s.active = nil
	s.lastReport = report
	s.mu.Unlock()

	s.metrics.RecordSessionFinished(string(report.Outcome), report.Duration.Seconds(), int(report.Session.BytesSent))

	attrs := []any{
		slog.String("outcome", string(report.Outcome)),
		slog.Int("bytes_sent", int(report.Session.BytesSent)),
		slog.Int("total_bytes", int(report.Session.TotalBytes)),
		slog.Int("chunks", report.Chunks),
		slog.Int("retries", report.Retries),
		slog.Duration("duration", report.Duration),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.Warn("Streaming session ended early", attrs...)
	} else {
		logger.Info("Streaming session finished", attrs...)
	}

	return report, err
}

func (s *Streamer) run(ctx context.Context, session *Session, report *Report, tap io.Writer, logger *slog.Logger) error {
	metaTopic := protocol.MetaTopic(s.config.Namespace, s.config.DeviceID)
	dataTopic := protocol.DataTopic(s.config.Namespace, s.config.DeviceID)

	// Meta is best-effort: the collector can still reassemble by arrival
	if _, err := s.transport.Publish(ctx, metaTopic, protocol.EncodeMeta(session.TotalBytes)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.RecordPublishFailure("meta")
		logger.Warn("Failed to publish meta, continuing anyway", slog.String("error", err.Error()))
	} else {
		report.MetaPublished = true
	}

	buf := make([]byte, s.config.ChunkTargetBytes)

	for session.BytesSent < session.TotalBytes {
		want := min(s.config.ChunkTargetBytes, int(session.TotalBytes-session.BytesSent))

		n, readErr := s.acquire(ctx, buf[:want], report, logger)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n == 0 {
			if readErr != nil {
				return fmt.Errorf("chunk acquisition failed after %d of %d bytes: %w",
					session.BytesSent, session.TotalBytes, readErr)
			}
			s.metrics.RecordAcquisitionStall()
			return fmt.Errorf("%w: %d empty reads after %d of %d bytes",
				ErrAcquisitionStalled, s.config.AttemptsPerChunk, session.BytesSent, session.TotalBytes)
		}

		if err := s.publishChunk(ctx, dataTopic, buf[:n], session, report, tap, logger); err != nil {
			return err
		}
		report.Chunks++

		logger.Debug("Published chunk",
			slog.Int("bytes", n),
			slog.Int("bytes_sent", int(session.BytesSent)),
			slog.Int("total_bytes", int(session.TotalBytes)),
		)

		if session.BytesSent < session.TotalBytes {
			if err := sleep(ctx, s.config.ChunkDelay); err != nil {
				return err
			}
		}
	}

	return nil
}

// acquire fills dst with up to len(dst) bytes. Each empty read consumes one attempt. A read
// error ends acquisition of the chunk; whatever was read before it is returned with the error.
func (s *Streamer) acquire(ctx context.Context, dst []byte, report *Report, logger *slog.Logger) (int, error) {
	read := 0
	attempts := 0

	for read < len(dst) && attempts < s.config.AttemptsPerChunk {
		n, err := s.reader.Read(ctx, dst[read:])
		if err != nil {
			if ctx.Err() != nil {
				return read, ctx.Err()
			}
			logger.Error("Audio read failed", slog.Int("bytes_read", read), slog.String("error", err.Error()))
			return read, err
		}
		if n == 0 {
			attempts++
			report.EmptyReads++
			s.metrics.RecordEmptyRead()
			if err := sleep(ctx, s.config.AttemptDelay); err != nil {
				return read, err
			}
			continue
		}
		read += n
	}

	return read, nil
}

// publishChunk publishes chunk, split at the transport ceiling with pacing between parts.
// BytesSent advances only once every part of the chunk was accepted; parts delivered before a
// failure are counted in the report's PartialBytes.
func (s *Streamer) publishChunk(ctx context.Context, topic string, chunk []byte, session *Session, report *Report, tap io.Writer, logger *slog.Logger) error {
	step := len(chunk)
	if s.config.MaxPublishBytes > 0 && s.config.MaxPublishBytes < step {
		step = s.config.MaxPublishBytes
	}

	delivered := 0
	for off := 0; off < len(chunk); off += step {
		if off > 0 {
			if err := sleep(ctx, s.config.PacingDelay); err != nil {
				return err
			}
		}

		part := chunk[off:min(off+step, len(chunk))]
		if err := s.publishWithRetry(ctx, topic, part, report, logger); err != nil {
			report.PartialBytes += delivered
			return err
		}

		delivered += len(part)
		report.Publishes++
		s.metrics.RecordChunkPublished(len(part))
	}

	s.mu.Lock()
	session.BytesSent += uint32(delivered)
	s.mu.Unlock()

	if tap != nil {
		if _, err := tap.Write(chunk); err != nil {
			logger.Warn("Session tap write failed", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (s *Streamer) publishWithRetry(ctx context.Context, topic string, payload []byte, report *Report, logger *slog.Logger) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.PublishRetries; attempt++ {
		if attempt > 0 {
			report.Retries++
			s.metrics.RecordPublishRetry()
			if err := sleep(ctx, s.config.AttemptDelay); err != nil {
				return err
			}
		}

		_, err := s.transport.Publish(ctx, topic, payload)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		s.metrics.RecordPublishFailure("data")
		logger.Warn("Failed to publish chunk",
			slog.Int("bytes", len(payload)),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrPublishFailed, s.config.PublishRetries+1, lastErr)
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
