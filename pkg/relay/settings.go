package relay

import (
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"

	"github.com/go-go-golems/switchboard/pkg/redisstream"
)

const SettingsSlug = "relay"

const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherRedis  = "redis"
)

type Settings struct {
	WebhookURL     string `glazed:"webhook-url"`
	WebhookTimeout string `glazed:"webhook-timeout"`
	Topic          string `glazed:"relay-topic"`
	Publisher      string `glazed:"relay-publisher"`
	Buffer         int    `glazed:"relay-buffer"`
	Workers        int    `glazed:"relay-workers"`
}

func NewSettingsSection() (schema.Section, error) {
	return schema.NewSection(
		SettingsSlug,
		"Inbound notification relay",
		schema.WithFields(
			fields.New("webhook-url", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("POST inbound-message notifications to this URL (empty disables the webhook)")),
			fields.New("webhook-timeout", fields.TypeString,
				fields.WithDefault("10s"),
				fields.WithHelp("Timeout of a single webhook delivery")),
			fields.New("relay-topic", fields.TypeString,
				fields.WithDefault(DefaultTopic),
				fields.WithHelp("Topic notifications are published on")),
			fields.New("relay-publisher", fields.TypeChoice,
				fields.WithChoices(PublisherNone, PublisherMemory, PublisherRedis),
				fields.WithDefault(PublisherMemory),
				fields.WithHelp("Publish notifications in-process (memory), on Redis Streams (redis) or not at all")),
			fields.New("relay-buffer", fields.TypeInteger,
				fields.WithDefault(DefaultBuffer),
				fields.WithHelp("Pending notifications kept before new ones are dropped")),
			fields.New("relay-workers", fields.TypeInteger,
				fields.WithDefault(DefaultWorkers),
				fields.WithHelp("Concurrent notification deliveries")),
		),
	)
}

// Pipeline is a relay together with the transport its publisher sink writes to.
type Pipeline struct {
	Relay   *Relay
	Backend *redisstream.Backend
	Topic   string
}

// Build wires the relay's sinks from settings. Backend is nil when publishing is disabled.
func Build(s Settings, rs redisstream.Settings) (*Pipeline, error) {
	var sinks []Sink
	if url := strings.TrimSpace(s.WebhookURL); url != "" {
		timeout := DefaultWebhookTimeout
		if raw := strings.TrimSpace(s.WebhookTimeout); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, errors.Wrap(err, "invalid webhook-timeout")
			}
			timeout = d
		}
		sinks = append(sinks, NewWebhookSink(url, timeout))
	}

	p := &Pipeline{Topic: s.Topic}
	if p.Topic == "" {
		p.Topic = DefaultTopic
	}
	switch s.Publisher {
	case PublisherNone:
	case "", PublisherMemory, PublisherRedis:
		rs.Enabled = rs.Enabled || s.Publisher == PublisherRedis
		backend, err := redisstream.NewBackend(rs)
		if err != nil {
			return nil, err
		}
		sink, err := NewPublisherSink(backend.Publisher(), p.Topic)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		p.Backend = backend
		sinks = append(sinks, sink)
	default:
		return nil, errors.Errorf("unknown relay-publisher %q", s.Publisher)
	}

	r, err := New(Config{Sinks: sinks, Buffer: s.Buffer, Workers: s.Workers})
	if err != nil {
		if p.Backend != nil {
			_ = p.Backend.Close()
		}
		return nil, err
	}
	p.Relay = r
	return p, nil
}

func (p *Pipeline) Close() error {
	if p == nil || p.Backend == nil {
		return nil
	}
	return p.Backend.Close()
}
