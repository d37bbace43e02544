package sessionstore

import (
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SettingsSlug = "store"

type Settings struct {
	SessionDB string `glazed:"session-db"`
}

func NewSettingsSection() (schema.Section, error) {
	return schema.NewSection(
		SettingsSlug,
		"Session ledger storage",
		schema.WithFields(
			fields.New("session-db", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite file for the session ledger (empty keeps it in memory)")),
		),
	)
}

// Open returns the store described by s.
func Open(s Settings) (Store, error) {
	path := strings.TrimSpace(s.SessionDB)
	if path == "" {
		return NewInMemoryStore(), nil
	}
	dsn, err := SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStore(dsn)
}
