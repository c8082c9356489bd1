package channel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Mock is an in-memory Channel for tests and local development.
type Mock struct {
	mu         sync.Mutex
	Type       string
	Available  bool
	ShouldFail bool
	FailError  error
	// Delay makes Send block until it elapses or ctx is done.
	Delay time.Duration
	sent  []Message
}

func NewMock(channelType string) *Mock {
	return &Mock{Type: channelType, Available: true}
}

func (m *Mock) ChannelType() string { return m.Type }

func (m *Mock) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Available
}

func (m *Mock) Send(ctx context.Context, msg Message) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		if m.FailError != nil {
			return m.FailError
		}
		return errors.New("mock channel failure")
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns the messages delivered so far.
func (m *Mock) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
