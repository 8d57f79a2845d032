package transport

import (
	"context"
	"sync"
)

// Serial wraps a Transport so that at most one Publish is in flight at a time.
// Waiting for the slot honors ctx.
type Serial struct {
	inner Transport
	slot  chan struct{}

	published uint64
	failed    uint64
	mu        sync.RWMutex
}

// SerialStats represents publish statistics
type SerialStats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// NewSerial wraps inner
func NewSerial(inner Transport) *Serial {
	return &Serial{
		inner: inner,
		slot:  make(chan struct{}, 1),
	}
}

// Publish waits for the publish slot, then publishes through the wrapped transport
func (s *Serial) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	select {
	case s.slot <- struct{}{}:
		defer func() { <-s.slot }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	id, err := s.inner.Publish(ctx, topic, payload)

	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.published++
	}
	s.mu.Unlock()

	return id, err
}

// Subscribe delegates to the wrapped transport when it supports inbound messages
func (s *Serial) Subscribe(ctx context.Context, filter string) (<-chan Message, error) {
	sub, ok := s.inner.(Subscriber)
	if !ok {
		return nil, ErrNotSupported
	}
	return sub.Subscribe(ctx, filter)
}

// Close closes the wrapped transport
func (s *Serial) Close() error {
	return s.inner.Close()
}

// GetStats returns current publish statistics
func (s *Serial) GetStats() SerialStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SerialStats{Published: s.published, Failed: s.failed}
}
