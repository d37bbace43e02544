package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// Stream consumes published notifications from a topic and hands them, in order, to a callback.
type Stream struct {
	topic      string
	subscriber message.Subscriber
	onNotify   func(Notification)

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewStream(subscriber message.Subscriber, topic string, onNotify func(Notification)) *Stream {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Stream{topic: topic, subscriber: subscriber, onNotify: onNotify}
}

func (s *Stream) Start(ctx context.Context) error {
	if s == nil || s.subscriber == nil {
		return nil
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := s.subscriber.Subscribe(runCtx, s.topic)
	if err != nil {
		s.mu.Unlock()
		cancel()
		return err
	}
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	log.Info().Str("component", "relay").Str("topic", s.topic).Msg("notification stream started")
	go s.consume(ch)
	return nil
}

func (s *Stream) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.running = false
	s.mu.Unlock()
}

func (s *Stream) Close() {
	if s == nil {
		return
	}
	s.Stop()
	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("topic", s.topic).Msg("notification stream: subscriber close failed")
		}
	}
}

func (s *Stream) IsRunning() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Stream) consume(ch <-chan *message.Message) {
	for msg := range ch {
		var n Notification
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("topic", s.topic).Msg("notification stream: failed to decode")
			msg.Ack()
			continue
		}
		if s.onNotify != nil {
			s.onNotify(n)
		}
		msg.Ack()
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
