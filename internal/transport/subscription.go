package transport

import (
	"context"
	"sync"
)

const subscriptionBuffer = 256

// subscription is the delivery side of one Subscribe call
type subscription struct {
	filter string
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex // held while sending so close never races a send
}

func newSubscription(filter string) *subscription {
	return &subscription{
		filter: filter,
		ch:     make(chan Message, subscriptionBuffer),
		done:   make(chan struct{}),
	}
}

// deliver blocks until the message is queued, the subscription ends or ctx is done
func (s *subscription) deliver(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
	}

	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}
