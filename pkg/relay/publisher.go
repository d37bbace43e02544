package relay

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

const DefaultTopic = "switchboard.inbound"

// PublisherSink publishes notifications as watermill messages on a single topic. The message
// UUID is the notification id and session_id is set as metadata.
type PublisherSink struct {
	publisher message.Publisher
	topic     string
}

var _ Sink = (*PublisherSink)(nil)

func NewPublisherSink(p message.Publisher, topic string) (*PublisherSink, error) {
	if p == nil {
		return nil, errors.New("relay: publisher is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &PublisherSink{publisher: p, topic: topic}, nil
}

func (p *PublisherSink) Name() string { return "publisher:" + p.topic }

func (p *PublisherSink) Topic() string { return p.topic }

func (p *PublisherSink) Deliver(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	msg := message.NewMessage(n.ID, b)
	msg.Metadata.Set("session_id", n.SessionID)
	msg.SetContext(ctx)
	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", p.topic)
	}
	return nil
}
