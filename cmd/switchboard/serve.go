package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/redisstream"
	"github.com/go-go-golems/switchboard/pkg/relay"
	"github.com/go-go-golems/switchboard/pkg/sessions"
	"github.com/go-go-golems/switchboard/pkg/sessionstore"
	"github.com/go-go-golems/switchboard/pkg/webapi"
)

type ServeSettings struct {
	Addr         string `glazed:"addr"`
	APIKey       string `glazed:"api-key"`
	Connector    string `glazed:"connector"`
	SimFixtures  string `glazed:"sim-fixtures"`
	SimAutoPair  bool   `glazed:"sim-auto-pair"`
	SimPairDelay string `glazed:"sim-pair-delay"`
}

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &ServeCommand{}

func NewServeCommand() (*ServeCommand, error) {
	sessionsSection, err := sessions.NewSettingsSection()
	if err != nil {
		return nil, err
	}
	relaySection, err := relay.NewSettingsSection()
	if err != nil {
		return nil, err
	}
	redisSection, err := redisstream.NewSettingsSection()
	if err != nil {
		return nil, err
	}
	storeSection, err := sessionstore.NewSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Run the chat session gateway HTTP server"),
		cmds.WithLong("Serve the session, messaging and inbox API, relay inbound messages to the configured sinks and record session lifecycles."),
		cmds.WithFlags(
			fields.New("addr", fields.TypeString,
				fields.WithDefault(":8080"),
				fields.WithHelp("HTTP listen address")),
			fields.New("api-key", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Require this key as a bearer token or X-API-Key header (empty disables auth)")),
			fields.New("connector", fields.TypeChoice,
				fields.WithChoices(ConnectorSim),
				fields.WithDefault(ConnectorSim),
				fields.WithHelp("Chat network connector backing each session")),
			fields.New("sim-fixtures", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("YAML file seeding the simulated chats, contacts and messages")),
			fields.New("sim-auto-pair", fields.TypeBool,
				fields.WithDefault(true),
				fields.WithHelp("Simulated sessions pair and become ready on their own")),
			fields.New("sim-pair-delay", fields.TypeString,
				fields.WithDefault("2s"),
				fields.WithHelp("Delay between the simulated pairing artifact and readiness")),
		),
		cmds.WithSections(sessionsSection, relaySection, redisSection, storeSection),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func decodeAppSettings(parsed *values.Values) (appSettings, error) {
	var s appSettings
	if err := parsed.DecodeSectionInto(values.DefaultSlug, &s.Serve); err != nil {
		return s, errors.Wrap(err, "decode serve settings")
	}
	if err := parsed.DecodeSectionInto(sessions.SettingsSlug, &s.Sessions); err != nil {
		return s, errors.Wrap(err, "decode sessions settings")
	}
	if err := parsed.DecodeSectionInto(relay.SettingsSlug, &s.Relay); err != nil {
		return s, errors.Wrap(err, "decode relay settings")
	}
	if err := parsed.DecodeSectionInto(redisstream.SettingsSlug, &s.Redis); err != nil {
		return s, errors.Wrap(err, "decode redis settings")
	}
	if err := parsed.DecodeSectionInto(sessionstore.SettingsSlug, &s.Store); err != nil {
		return s, errors.Wrap(err, "decode store settings")
	}
	return s, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsed *values.Values) error {
	s, err := decodeAppSettings(parsed)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer a.close()

	log.Info().
		Str("component", "switchboard").
		Str("addr", s.Serve.Addr).
		Str("connector", s.Serve.Connector).
		Str("relay_publisher", s.Relay.Publisher).
		Bool("auth", s.Serve.APIKey != "").
		Msg("starting gateway")
	return a.run(ctx, webapi.NewServer(s.Serve.Addr, a.api.Handler()).Run)
}
