package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/eventpipe/internal/domain/events"
	"github.com/ehr/eventpipe/internal/platform/channel"
	"github.com/ehr/eventpipe/internal/platform/metrics"
)

type ProcessorConfig struct {
	// Channels to deliver every event on. Defaults to Email.
	Channels    []string
	SendTimeout time.Duration
}

// Processor runs the notification side of event handling: materialize,
// persist, then deliver and record the outcome.
type Processor struct {
	materializer *Materializer
	repo         Repository
	registry     *channel.Registry
	channels     []string
	sendTimeout  time.Duration
	now          func() time.Time
	logger       zerolog.Logger
	metrics      *metrics.Collector
}

// NewProcessor resolves cfg.Channels against the registry once, so an
// unknown channel name fails at startup rather than per message.
func NewProcessor(mat *Materializer, repo Repository, reg *channel.Registry, cfg ProcessorConfig, logger zerolog.Logger, m *metrics.Collector) (*Processor, error) {
	names := cfg.Channels
	if len(names) == 0 {
		names = []string{channel.TypeEmail}
	}
	seen := make(map[string]bool, len(names))
	var resolved []string
	for _, name := range names {
		ch, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		if t := ch.ChannelType(); !seen[t] {
			seen[t] = true
			resolved = append(resolved, t)
		}
	}
	return &Processor{
		materializer: mat,
		repo:         repo,
		registry:     reg,
		channels:     resolved,
		sendTimeout:  cfg.SendTimeout,
		now:          time.Now,
		logger:       logger.With().Str("component", "processor").Logger(),
		metrics:      m,
	}, nil
}

// Process materializes and persists one notification per channel, then
// delivers them. It returns an error only when nothing was persisted; a
// delivery failure is recorded on the notification instead.
func (p *Processor) Process(ctx context.Context, e events.Event) ([]*Notification, error) {
	ns, err := p.materializer.Materialize(ctx, e, p.channels...)
	if err != nil {
		return nil, fmt.Errorf("materialize %s: %w", e.Kind(), err)
	}
	if err := p.repo.Create(ctx, ns...); err != nil {
		return nil, fmt.Errorf("persist notifications for %s %d: %w", e.Kind(), e.SubjectID(), err)
	}
	for range ns {
		p.metrics.IncCreated()
	}

	msgs := make(map[string]channel.Message, len(ns))
	for _, n := range ns {
		msgs[n.ChannelType] = messageFor(n)
	}
	results := p.registry.FanOut(ctx, msgs, p.sendTimeout)
	for _, n := range ns {
		// The event is already durable as a notification; a failed status
		// write leaves it Pending and is not worth redelivering the event for.
		if err := p.record(ctx, n, results[n.ChannelType].Err); err != nil {
			p.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("record delivery outcome")
		}
	}
	return ns, nil
}

// Redeliver sends a Failed notification again on its own channel and
// persists the outcome. Pending and Sent rows are rejected. A failed send is reflected in n.Status, not in the returned error.
func (p *Processor) Redeliver(ctx context.Context, n *Notification) error {
	if n.Status != StatusFailed {
		return fmt.Errorf("%w: notification %s is %s, only %s can be retried", ErrInvalidTransition, n.ID, n.Status, StatusFailed)
	}
	p.metrics.IncManualRetry()
	sendErr := p.registry.Send(ctx, n.ChannelType, messageFor(n), p.sendTimeout)
	return p.record(ctx, n, sendErr)
}

func (p *Processor) record(ctx context.Context, n *Notification, sendErr error) error {
	if sendErr == nil {
		if err := n.MarkSent(p.now()); err != nil {
			return err
		}
		p.metrics.IncSent()
	} else {
		if err := n.MarkFailed(sendErr); err != nil {
			return err
		}
		p.metrics.IncFailed()
		p.logger.Error().Err(sendErr).
			Str("notification_id", n.ID.String()).
			Str("channel", n.ChannelType).
			Int("retry_count", n.RetryCount).
			Msg("delivery failed")
	}
	if err := p.repo.UpdateDelivery(ctx, n); err != nil {
		return fmt.Errorf("update notification %s: %w", n.ID, err)
	}
	return nil
}

func messageFor(n *Notification) channel.Message {
	return channel.Message{
		Recipient: n.Recipient,
		Subject:   n.Subject,
		Content:   n.Content,
		Data: map[string]string{
			"notificationId": n.ID.String(),
			"eventType":      n.EventType,
		},
	}
}
