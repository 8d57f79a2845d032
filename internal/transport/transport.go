package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed transport
	ErrClosed = errors.New("transport closed")

	// ErrNotSupported is returned by transports that cannot deliver inbound messages
	ErrNotSupported = errors.New("operation not supported by transport")

	// ErrNotConnected is returned when the broker connection is down
	ErrNotConnected = errors.New("transport not connected")

	// ErrTimeout is returned when a broker does not acknowledge in time
	ErrTimeout = errors.New("transport operation timed out")
)

// Message is one inbound message
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Publisher publishes a payload to a topic and returns the transport's message identifier
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// Transport is an outbound message channel
type Transport interface {
	Publisher
	Close() error
}

// Subscriber delivers inbound messages matching filter on a channel, in arrival order.
// The channel is closed when ctx is done or the transport is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, filter string) (<-chan Message, error)
}

// MatchTopic reports whether topic matches an MQTT subscription filter.
// '+' matches exactly one level and a trailing '#' matches any number of remaining levels.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i, level := range f {
		if level == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}

	return len(f) == len(t)
}
