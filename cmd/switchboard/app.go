package main

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/switchboard/pkg/connector"
	"github.com/go-go-golems/switchboard/pkg/connector/simconn"
	"github.com/go-go-golems/switchboard/pkg/inbox"
	"github.com/go-go-golems/switchboard/pkg/messaging"
	"github.com/go-go-golems/switchboard/pkg/redisstream"
	"github.com/go-go-golems/switchboard/pkg/relay"
	"github.com/go-go-golems/switchboard/pkg/sessions"
	"github.com/go-go-golems/switchboard/pkg/sessionstore"
	"github.com/go-go-golems/switchboard/pkg/webapi"
)

const ConnectorSim = "sim"

// appSettings is everything serve decodes from its sections.
type appSettings struct {
	Serve    ServeSettings
	Sessions sessions.Settings
	Relay    relay.Settings
	Redis    redisstream.Settings
	Store    sessionstore.Settings
}

// app is the wired gateway: registry, relay, ledger and HTTP surface.
type app struct {
	registry *sessions.Registry
	pipeline *relay.Pipeline
	store    sessionstore.Store
	recorder *sessionstore.Recorder
	hub      *webapi.Hub
	stream   *relay.Stream
	// streamOwned reports whether stream's subscriber is closed with it.
	streamOwned bool
	api         *webapi.API
	// sim is set when sessions run on the simulated connector.
	sim *simconn.Factory
}

func buildSimFactory(s ServeSettings) (*simconn.Factory, error) {
	var fx *simconn.Fixtures
	if path := strings.TrimSpace(s.SimFixtures); path != "" {
		loaded, err := simconn.LoadFixtures(path)
		if err != nil {
			return nil, err
		}
		fx = loaded
	}
	var delay time.Duration
	if raw := strings.TrimSpace(s.SimPairDelay); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, errors.Wrap(err, "invalid sim-pair-delay")
		}
		delay = d
	}
	return simconn.NewFactory(simconn.Config{Fixtures: fx, AutoPair: s.SimAutoPair, PairDelay: delay}), nil
}

func newApp(ctx context.Context, s appSettings) (*app, error) {
	var factory connector.Factory
	var sim *simconn.Factory
	switch strings.TrimSpace(s.Serve.Connector) {
	case "", ConnectorSim:
		f, err := buildSimFactory(s.Serve)
		if err != nil {
			return nil, err
		}
		sim, factory = f, f.New
	default:
		return nil, errors.Errorf("unknown connector %q", s.Serve.Connector)
	}

	store, err := sessionstore.Open(s.Store)
	if err != nil {
		return nil, errors.Wrap(err, "open session store")
	}
	a := &app{store: store, sim: sim}

	a.recorder, err = sessionstore.NewRecorder(store, 0)
	if err != nil {
		a.close()
		return nil, err
	}
	a.hub = webapi.NewHub(webapi.HubConfig{})

	regCfg := sessions.RegistryConfig{
		Factory:   factory,
		BaseCtx:   ctx,
		Listeners: []sessions.Listener{a.recorder, a.hub},
	}
	if err := s.Sessions.Apply(&regCfg); err != nil {
		a.close()
		return nil, err
	}
	a.registry, err = sessions.NewRegistry(regCfg)
	if err != nil {
		a.close()
		return nil, err
	}

	a.pipeline, err = relay.Build(s.Relay, s.Redis)
	if err != nil {
		a.close()
		return nil, errors.Wrap(err, "build relay")
	}
	a.registry.OnInbound(a.pipeline.Relay.Notify)

	// Websocket clients get inbound frames from the relay topic when one is published,
	// straight from the registry otherwise.
	if a.pipeline.Backend != nil {
		sub, owned, err := a.pipeline.Backend.BuildSubscriber(ctx, a.pipeline.Topic, s.Redis.Consumer)
		if err != nil {
			a.close()
			return nil, errors.Wrap(err, "subscribe to relay topic")
		}
		a.stream = relay.NewStream(sub, a.pipeline.Topic, a.hub.OnNotification)
		a.streamOwned = owned
	} else {
		a.registry.OnInbound(a.hub.OnInbound)
	}

	gw, err := messaging.NewGateway(a.registry)
	if err != nil {
		a.close()
		return nil, err
	}
	svc, err := inbox.NewService(a.registry)
	if err != nil {
		a.close()
		return nil, err
	}
	a.api, err = webapi.NewAPI(webapi.Config{
		Sessions: a.registry,
		Sender:   gw,
		Inbox:    svc,
		Ledger:   store,
		Hub:      a.hub,
		APIKey:   s.Serve.APIKey,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// run drives the background loops and serve until ctx is cancelled or one of them fails.
func (a *app) run(ctx context.Context, serve func(context.Context) error) error {
	eg, ctx := errgroup.WithContext(ctx)

	if a.stream != nil {
		if err := a.stream.Start(ctx); err != nil {
			return errors.Wrap(err, "start relay stream")
		}
	}
	a.registry.StartEvictionLoop(ctx)

	eg.Go(func() error { return a.pipeline.Relay.Run(ctx) })
	eg.Go(func() error { return a.recorder.Run(ctx) })
	eg.Go(func() error { return a.hub.Run(ctx) })
	eg.Go(func() error { return serve(ctx) })

	err := eg.Wait()
	log.Info().Str("component", "switchboard").Msg("gateway stopped")
	return err
}

func (a *app) close() {
	if a.stream != nil {
		if a.streamOwned {
			a.stream.Close()
		} else {
			a.stream.Stop()
		}
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if a.pipeline != nil {
		if err := a.pipeline.Close(); err != nil {
			log.Warn().Err(err).Str("component", "switchboard").Msg("relay transport close failed")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Str("component", "switchboard").Msg("session store close failed")
		}
	}
}
