package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/wfunc/partysync/guard"
	"github.com/wfunc/partysync/logger"
)

// PublishObserver counts published events.
type PublishObserver interface {
	IncEventsPublished(event string)
}

// Publisher sends events with bounded retries. Every state change is
// persisted before it is published, so a failed publish only delays peers
// until their next reconciliation.
type Publisher struct {
	channel  Channel
	policy   guard.RetryPolicy
	observer PublishObserver
}

func NewPublisher(channel Channel, policy guard.RetryPolicy, observer PublishObserver) *Publisher {
	return &Publisher{channel: channel, policy: policy, observer: observer}
}

func (p *Publisher) Channel() Channel {
	return p.channel
}

func (p *Publisher) Send(ctx context.Context, topic, name string, payload interface{}) error {
	err := guard.Retry(ctx, p.policy, func(ctx context.Context) error {
		err := p.channel.Publish(ctx, topic, name, payload)
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrPayloadTooLarge) {
			return guard.Permanent(err)
		}
		return err
	}, func(attempt int, err error) {
		logger.Log.Warnw("retrying publish", "topic", topic, "event", name, "attempt", attempt, "error", err)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	if p.observer != nil {
		p.observer.IncEventsPublished(name)
	}
	return nil
}
