// Package channel defines the delivery transports notifications are sent
// through and a registry that resolves them by name.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Channel type names. They double as registry keys and as the channel
// recorded on a notification.
const (
	TypeEmail = "Email"
	TypeSMS   = "SMS"
	TypePush  = "Push"
)

var (
	// ErrUnavailable is returned when a channel is not configured.
	ErrUnavailable = errors.New("channel unavailable")
	// ErrUnknownChannel is returned for a name with no registered channel.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNotDelivered is returned when the transport refused the message.
	ErrNotDelivered = errors.New("message not delivered")
)

// Message is what every channel sends.
type Message struct {
	Recipient string
	Subject   string
	Content   string
	// Data carries optional key/value context, used as the push payload.
	Data map[string]string
}

// Channel is a delivery transport. Send returns nil only when the message was
// accepted for delivery.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	// IsAvailable is a cheap configuration check; it does no I/O.
	IsAvailable() bool
	ChannelType() string
}

// Registry maps channel names to implementations. It is built once at
// startup and read concurrently afterwards.
type Registry struct {
	channels map[string]Channel
	names    []string
}

func NewRegistry(chs ...Channel) *Registry {
	r := &Registry{channels: make(map[string]Channel, len(chs))}
	for _, ch := range chs {
		key := strings.ToLower(ch.ChannelType())
		if _, dup := r.channels[key]; !dup {
			r.names = append(r.names, ch.ChannelType())
		}
		r.channels[key] = ch
	}
	return r
}

// Get resolves name case-insensitively.
func (r *Registry) Get(name string) (Channel, error) {
	ch, ok := r.channels[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return ch, nil
}

// Names lists registered channel types in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Send delivers msg on the named channel within timeout.
func (r *Registry) Send(ctx context.Context, name string, msg Message, timeout time.Duration) error {
	ch, err := r.Get(name)
	if err != nil {
		return err
	}
	return SendWithTimeout(ctx, ch, msg, timeout)
}

// Result is the outcome of one channel in a fan-out.
type Result struct {
	Delivered bool
	Err       error
}

// FanOut sends each message on the channel it is keyed by, concurrently.
// Messages are keyed by channel name because each channel addresses the
// recipient differently. One channel failing or hanging does not affect the
// others.
func (r *Registry) FanOut(ctx context.Context, msgs map[string]Message, timeout time.Duration) map[string]Result {
	results := make(map[string]Result, len(msgs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, msg := range msgs {
		wg.Add(1)
		go func(name string, msg Message) {
			defer wg.Done()
			err := r.Send(ctx, name, msg, timeout)
			mu.Lock()
			results[name] = Result{Delivered: err == nil, Err: err}
			mu.Unlock()
		}(name, msg)
	}
	wg.Wait()
	return results
}

// SendWithTimeout calls ch.Send and gives up after timeout. The send runs on
// its own goroutine so a transport that ignores ctx still cannot block the
// caller past the deadline. A timeout is reported as an error wrapping
// context.DeadlineExceeded.
func SendWithTimeout(ctx context.Context, ch Channel, msg Message, timeout time.Duration) error {
	if !ch.IsAvailable() {
		return fmt.Errorf("%w: %s", ErrUnavailable, ch.ChannelType())
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("%s send panicked: %v", ch.ChannelType(), r)
			}
		}()
		errCh <- ch.Send(ctx, msg)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s send: %w", ch.ChannelType(), ctx.Err())
	}
}
