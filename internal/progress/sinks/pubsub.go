package sinks

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/JakeFAU/searchcore/internal/crawler"
	"github.com/JakeFAU/searchcore/internal/progress"
)

// PubSubSink publishes each event as a JSON message.
type PubSubSink struct {
	publisher crawler.Publisher
	topic     string
	closer    func() error
}

// NewPubSubSink publishes to topic through publisher. closer, when non-nil,
// runs on Close.
func NewPubSubSink(publisher crawler.Publisher, topic string, closer func() error) *PubSubSink {
	return &PubSubSink{publisher: publisher, topic: topic, closer: closer}
}

// Consume publishes every event in order and reports all failures together.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs error
	for _, evt := range batch {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, fmt.Errorf("publish progress: %w", err))
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("publish %s event for %s: %w", evt.Phase, evt.SessionID, err))
		}
	}
	return errs
}

func (s *PubSubSink) Close(context.Context) error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
