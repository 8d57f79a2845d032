package transport

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process broker. Publish delivers synchronously to every matching
// subscription, so subscribers observe messages in publish order.
type Memory struct {
	subs      []*subscription
	published []Message
	fail      func(topic string, payload []byte) error
	nextID    uint64
	closed    bool

	mu sync.Mutex
}

// NewMemory creates an empty broker
func NewMemory() *Memory {
	return &Memory{}
}

// SetFailure installs a hook consulted before every publish. A non-nil error from fn fails
// the publish without delivering or recording the message. A nil fn removes the hook.
func (m *Memory) SetFailure(fn func(topic string, payload []byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Publish records and delivers a copy of payload
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if m.fail != nil {
		if err := m.fail(topic, payload); err != nil {
			m.mu.Unlock()
			return "", err
		}
	}

	m.nextID++
	id := strconv.FormatUint(m.nextID, 10)
	msg := Message{
		Topic:      topic,
		Payload:    slices.Clone(payload),
		ReceivedAt: time.Now(),
	}
	m.published = append(m.published, msg)

	var targets []*subscription
	for _, s := range m.subs {
		if MatchTopic(s.filter, topic) {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		if err := s.deliver(ctx, msg); err != nil {
			return id, err
		}
	}

	return id, nil
}

// Subscribe registers filter until ctx is done
func (m *Memory) Subscribe(ctx context.Context, filter string) (<-chan Message, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	sub := newSubscription(filter)
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
			return
		}
		m.remove(sub)
		sub.close()
	}()

	return sub.ch, nil
}

func (m *Memory) remove(sub *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = slices.DeleteFunc(m.subs, func(s *subscription) bool { return s == sub })
}

// Published returns a snapshot of every successfully published message
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.published)
}

// PublishedTo returns the successfully published messages whose topic matches filter
func (m *Memory) PublishedTo(filter string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Message
	for _, msg := range m.published {
		if MatchTopic(filter, msg.Topic) {
			out = append(out, msg)
		}
	}
	return out
}

// Close ends every subscription. Further publishes fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	return nil
}
