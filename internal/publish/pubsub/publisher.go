// Package pubsub publishes run events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	gcps "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/moltgraph/crawler/internal/publish"
)

// Publisher wraps one Pub/Sub topic.
type Publisher struct {
	topic  *gcps.Topic
	logger *zap.Logger
}

// New wraps an existing topic handle.
func New(topic *gcps.Topic, logger *zap.Logger) (*Publisher, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{topic: topic, logger: logger.Named("pubsub")}, nil
}

// PublishRun marshals the event to JSON and publishes it, blocking until the
// server acknowledges.
func (p *Publisher) PublishRun(ctx context.Context, ev publish.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}

	res := p.topic.Publish(ctx, &gcps.Message{
		Data: data,
		Attributes: map[string]string{
			"crawl_id": ev.CrawlID,
			"mode":     ev.Mode,
			"state":    ev.State,
		},
	})
	id, err := res.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	p.logger.Debug("run event published", zap.String("crawl_id", ev.CrawlID), zap.String("message_id", id))
	return nil
}
