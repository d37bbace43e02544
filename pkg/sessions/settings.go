package sessions

import (
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"
)

const SettingsSlug = "sessions"

// Settings holds the registry timing knobs. Durations are Go duration strings ("30s", "5m").
type Settings struct {
	CallTimeout      string `glazed:"call-timeout"`
	PairingTimeout   string `glazed:"pairing-timeout"`
	PairingTTL       string `glazed:"pairing-ttl"`
	EvictionInterval string `glazed:"eviction-interval"`
}

func NewSettingsSection() (schema.Section, error) {
	return schema.NewSection(
		SettingsSlug,
		"Session lifecycle settings",
		schema.WithFields(
			fields.New("call-timeout", fields.TypeString,
				fields.WithDefault("30s"),
				fields.WithHelp("Upper bound for a single connector call")),
			fields.New("pairing-timeout", fields.TypeString,
				fields.WithDefault("60s"),
				fields.WithHelp("How long session creation waits for a pairing artifact")),
			fields.New("pairing-ttl", fields.TypeString,
				fields.WithDefault("10m"),
				fields.WithHelp("Disconnect sessions still awaiting pairing after this long (0 disables)")),
			fields.New("eviction-interval", fields.TypeString,
				fields.WithDefault("30s"),
				fields.WithHelp("How often stale pairing sessions are checked")),
		),
	)
}

// Apply copies the parsed durations onto cfg.
func (s Settings) Apply(cfg *RegistryConfig) error {
	var err error
	if cfg.CallTimeout, err = parseDuration("call-timeout", s.CallTimeout); err != nil {
		return err
	}
	if cfg.PairingTimeout, err = parseDuration("pairing-timeout", s.PairingTimeout); err != nil {
		return err
	}
	if cfg.PairingTTL, err = parseDuration("pairing-ttl", s.PairingTTL); err != nil {
		return err
	}
	if cfg.EvictionInterval, err = parseDuration("eviction-interval", s.EvictionInterval); err != nil {
		return err
	}
	return nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	if d < 0 {
		return 0, errors.Errorf("invalid %s: negative duration", name)
	}
	return d, nil
}
