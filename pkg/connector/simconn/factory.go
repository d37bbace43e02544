package simconn

import (
	"sync"

	"github.com/go-go-golems/switchboard/pkg/connector"
)

// Factory builds one fresh simulated Connector per session and remembers every instance it built.
type Factory struct {
	cfg Config

	mu    sync.Mutex
	built map[string][]*Connector
}

func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg, built: map[string][]*Connector{}}
}

// New satisfies connector.Factory.
func (f *Factory) New(sessionID string) (connector.Connector, error) {
	c := New(f.cfg)
	f.mu.Lock()
	f.built[sessionID] = append(f.built[sessionID], c)
	f.mu.Unlock()
	return c, nil
}

// Built returns the connectors created for sessionID, oldest first.
func (f *Factory) Built(sessionID string) []*Connector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Connector(nil), f.built[sessionID]...)
}

// Latest returns the most recent connector created for sessionID.
func (f *Factory) Latest(sessionID string) *Connector {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.built[sessionID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}
