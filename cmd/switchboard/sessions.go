package main

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/switchboard/pkg/sessionstore"
)

type SessionsListCommand struct {
	*cmds.CommandDescription
}

type SessionsListSettings struct {
	Limit int    `glazed:"limit"`
	Since string `glazed:"since"`
	State string `glazed:"state"`
}

func NewSessionsListCommand() (*SessionsListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	storeSection, err := sessionstore.NewSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List recorded sessions"),
		cmds.WithLong("List sessions from the session ledger, most recently updated first."),
		cmds.WithFlags(
			fields.New("limit", fields.TypeInteger,
				fields.WithDefault(sessionstore.DefaultListLimit),
				fields.WithHelp("Maximum number of sessions")),
			fields.New("since", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only sessions updated within this duration (e.g. 24h)")),
			fields.New("state", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only sessions in this state (e.g. READY)")),
		),
		cmds.WithSections(glazedSection, commandSettingsSection, storeSection),
	)
	return &SessionsListCommand{CommandDescription: desc}, nil
}

func (c *SessionsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &SessionsListSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	ss := sessionstore.Settings{}
	if err := parsed.DecodeSectionInto(sessionstore.SettingsSlug, &ss); err != nil {
		return err
	}
	if strings.TrimSpace(ss.SessionDB) == "" {
		return errors.New("--session-db is required to list recorded sessions")
	}

	var sinceMs int64
	if raw := strings.TrimSpace(s.Since); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.Wrap(err, "invalid since")
		}
		sinceMs = time.Now().Add(-d).UnixMilli()
	}

	store, err := sessionstore.Open(ss)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	records, err := store.List(ctx, s.Limit, sinceMs)
	if err != nil {
		return err
	}
	for _, r := range filterByState(records, s.State) {
		if err := gp.AddRow(ctx, sessionRow(r)); err != nil {
			return err
		}
	}
	return nil
}

func filterByState(records []sessionstore.SessionRecord, state string) []sessionstore.SessionRecord {
	state = strings.TrimSpace(state)
	if state == "" {
		return records
	}
	out := records[:0:0]
	for _, r := range records {
		if strings.EqualFold(r.State, state) {
			out = append(out, r)
		}
	}
	return out
}

func sessionRow(r sessionstore.SessionRecord) types.Row {
	return types.NewRow(
		types.MRP("session_id", r.SessionID),
		types.MRP("state", r.State),
		types.MRP("reason", r.Reason),
		types.MRP("created_at", formatMs(r.CreatedAtMs)),
		types.MRP("updated_at", formatMs(r.UpdatedAtMs)),
		types.MRP("paired_at", formatMs(r.PairedAtMs)),
		types.MRP("transitions", r.Transitions),
	)
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

var _ cmds.GlazeCommand = &SessionsListCommand{}
