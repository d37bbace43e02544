package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SettingsSlug = "redis"

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled" glazed.default:"false" glazed.help:"Enable Redis Streams transport for inbound notifications"`
	Addr     string `glazed:"redis-addr" glazed.default:"localhost:6379" glazed.help:"Redis address host:port"`
	Group    string `glazed:"redis-group" glazed.default:"switchboard" glazed.help:"Redis consumer group"`
	Consumer string `glazed:"redis-consumer" glazed.default:"gateway-1" glazed.help:"Redis consumer name"`
}

// NewSettingsSection returns a section definition for Redis Streams settings.
func NewSettingsSection() (schema.Section, error) {
	return schema.NewSection(
		SettingsSlug,
		"Redis configuration for Watermill Redis Streams",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Enable Redis Streams transport for inbound notifications")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault("localhost:6379"),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault("switchboard"),
				fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault("gateway-1"),
				fields.WithHelp("Redis consumer name")),
		),
	)
}
