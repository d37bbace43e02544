package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Backend owns the publisher side of the notification transport and hands out subscribers.
// Without Redis it is a single in-process gochannel pub/sub.
type Backend struct {
	settings Settings
	client   redis.UniversalClient

	publisher message.Publisher
	memory    *gochannel.GoChannel
}

// NewBackend builds a Redis Streams backend when s.Enabled, an in-memory one otherwise.
func NewBackend(s Settings) (*Backend, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &Backend{settings: s, publisher: ch, memory: ch}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "build redis publisher")
	}
	return &Backend{settings: s, client: client, publisher: pub}, nil
}

func (b *Backend) Publisher() message.Publisher {
	if b == nil {
		return nil
	}
	return b.publisher
}

func (b *Backend) RedisEnabled() bool {
	return b != nil && b.settings.Enabled
}

// BuildSubscriber returns a subscriber for topic. owned reports whether the caller must close it;
// the in-memory subscriber is shared and closed with the backend.
func (b *Backend) BuildSubscriber(ctx context.Context, topic, consumer string) (message.Subscriber, bool, error) {
	if b == nil {
		return nil, false, errors.New("stream backend is not initialized")
	}
	if !b.settings.Enabled {
		return b.memory, false, nil
	}
	if ctx == nil {
		return nil, false, errors.New("ctx is nil")
	}
	if consumer == "" {
		consumer = b.settings.Consumer
	}
	if err := EnsureGroupAtTail(ctx, b.client, topic, b.settings.Group); err != nil {
		log.Warn().Err(err).Str("stream", topic).Str("group", b.settings.Group).Msg("could not create consumer group")
	}
	sub, err := BuildGroupSubscriber(b.client, b.settings.Group, consumer)
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

func (b *Backend) Close() error {
	if b == nil {
		return nil
	}
	var errs []string
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("close stream backend: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given consumer group/name.
func BuildGroupSubscriber(client redis.UniversalClient, group, consumer string) (message.Subscriber, error) {
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, NewWatermillLogger(log.Logger))
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
