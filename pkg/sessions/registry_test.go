package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/connector"
	"github.com/go-go-golems/switchboard/pkg/connector/simconn"
)

type createResult struct {
	res PairingResult
	err error
}

func newTestRegistry(t *testing.T, mutate func(*RegistryConfig)) (*Registry, *simconn.Factory) {
	t.Helper()
	f := simconn.NewFactory(simconn.Config{})
	cfg := RegistryConfig{
		Factory:        f.New,
		CallTimeout:    time.Second,
		PairingTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, f
}

func startCreate(r *Registry, id string) <-chan createResult {
	ch := make(chan createResult, 1)
	go func() {
		res, err := r.CreateOrGet(context.Background(), id)
		ch <- createResult{res: res, err: err}
	}()
	return ch
}

func waitConnector(t *testing.T, f *simconn.Factory, id string, n int) *simconn.Connector {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.Built(id)) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.Built(id)[n-1]
}

func receive(t *testing.T, ch <-chan createResult) createResult {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(3 * time.Second):
		t.Fatal("createOrGet did not return")
		return createResult{}
	}
}

// pairReady creates id and drives it to READY.
func pairReady(t *testing.T, r *Registry, f *simconn.Factory, id string) *simconn.Connector {
	t.Helper()
	n := len(f.Built(id)) + 1
	ch := startCreate(r, id)
	c := waitConnector(t, f, id, n)
	require.True(t, c.Emit(connector.PairingEvent("QR-"+id)))
	out := receive(t, ch)
	require.NoError(t, out.err)
	require.True(t, c.Emit(connector.ReadyEvent()))
	require.Eventually(t, func() bool { return r.Status(id) == StateReady }, 2*time.Second, 5*time.Millisecond)
	return c
}

func TestCreateOrGetConcurrentCallersShareOneConnector(t *testing.T) {
	r, f := newTestRegistry(t, nil)

	const callers = 8
	chans := make([]<-chan createResult, 0, callers)
	for i := 0; i < callers; i++ {
		chans = append(chans, startCreate(r, "s1"))
	}
	c := waitConnector(t, f, "s1", 1)
	require.True(t, c.Emit(connector.PairingEvent("QR123")))

	for _, ch := range chans {
		out := receive(t, ch)
		require.NoError(t, out.err)
		require.Equal(t, "QR123", out.res.Artifact)
		require.Equal(t, StateAwaitingPairing, out.res.State)
	}
	require.Len(t, f.Built("s1"), 1)
	require.Equal(t, 1, c.Calls("connect"))
}

func TestCreateOrGetReturnsExistingReadySession(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	pairReady(t, r, f, "s1")

	res, err := r.CreateOrGet(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, StateReady, res.State)
	require.Empty(t, res.Artifact)
	require.Len(t, f.Built("s1"), 1)
}

func TestCreateOrGetRejectsEmptyID(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	_, err := r.CreateOrGet(context.Background(), "  ")
	require.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestCreateOrGetPairingTimeout(t *testing.T) {
	r, _ := newTestRegistry(t, func(cfg *RegistryConfig) {
		cfg.PairingTimeout = 30 * time.Millisecond
	})
	_, err := r.CreateOrGet(context.Background(), "s1")
	require.ErrorIs(t, err, ErrPairingTimeout)
	require.Equal(t, StateAwaitingPairing, r.Status("s1"))
}

func TestPairingArtifactRefresh(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	ch := startCreate(r, "s1")
	c := waitConnector(t, f, "s1", 1)
	require.True(t, c.Emit(connector.PairingEvent("QR1")))
	require.Equal(t, "QR1", receive(t, ch).res.Artifact)

	require.True(t, c.Emit(connector.PairingEvent("QR2")))
	s, ok := r.Get("s1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.Artifact() == "QR2" }, time.Second, 5*time.Millisecond)

	res, err := r.CreateOrGet(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "QR2", res.Artifact)
}

func TestStatusOfUnknownSessionIsUnpaired(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	require.Equal(t, StateUnpaired, r.Status("never-created"))
	_, ok := r.Get("never-created")
	require.False(t, ok)
}

func TestAuthFailureIsTerminalAndRecreatesConnector(t *testing.T) {
	r, f := newTestRegistry(t, nil)

	ch := startCreate(r, "s1")
	first := waitConnector(t, f, "s1", 1)
	require.True(t, first.Emit(connector.AuthFailureEvent("bad credentials")))
	out := receive(t, ch)
	require.ErrorIs(t, out.err, ErrAuthFailure)
	require.Contains(t, out.err.Error(), "bad credentials")

	require.Equal(t, StateAuthFailed, r.Status("s1"))
	_, ok := r.Get("s1")
	require.False(t, ok)
	require.Eventually(t, first.IsClosed, time.Second, 5*time.Millisecond)

	ch = startCreate(r, "s1")
	second := waitConnector(t, f, "s1", 2)
	require.NotSame(t, first, second)
	require.True(t, second.Emit(connector.PairingEvent("QR-fresh")))
	out = receive(t, ch)
	require.NoError(t, out.err)
	require.Equal(t, "QR-fresh", out.res.Artifact)
	require.Equal(t, StateAwaitingPairing, r.Status("s1"))
}

func TestDisconnectRemovesSession(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	c := pairReady(t, r, f, "s1")

	require.True(t, c.Emit(connector.DisconnectedEvent("phone offline")))
	require.Eventually(t, func() bool { return r.Status("s1") == StateDisconnected }, time.Second, 5*time.Millisecond)
	_, ok := r.Get("s1")
	require.False(t, ok)

	_, err := r.GetReady("s1", "send_message")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConnectFailureDisconnects(t *testing.T) {
	f := simconn.NewFactory(simconn.Config{})
	r, err := NewRegistry(RegistryConfig{
		Factory: func(id string) (connector.Connector, error) {
			c, err := f.New(id)
			if err != nil {
				return nil, err
			}
			c.(*simconn.Connector).FailNext("connect", errors.New("dial refused"))
			return c, nil
		},
	})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.CreateOrGet(context.Background(), "s1")
	require.ErrorIs(t, err, ErrDisconnected)
	require.Contains(t, err.Error(), "dial refused")
	require.Equal(t, StateDisconnected, r.Status("s1"))
}

func TestLogOutScenario(t *testing.T) {
	r, f := newTestRegistry(t, nil)

	ch := startCreate(r, "s1")
	c := waitConnector(t, f, "s1", 1)
	require.True(t, c.Emit(connector.PairingEvent("QR123")))
	out := receive(t, ch)
	require.NoError(t, out.err)
	require.Equal(t, "QR123", out.res.Artifact)

	require.True(t, c.Emit(connector.ReadyEvent()))
	require.Eventually(t, func() bool { return r.Status("s1") == StateReady }, time.Second, 5*time.Millisecond)

	s, err := r.GetReady("s1", "send_message")
	require.NoError(t, err)
	var ref connector.MessageRef
	err = s.Do(context.Background(), "send_message", func(ctx context.Context, conn connector.Connector) error {
		id, ok, err := conn.ResolveRecipient(ctx, "+15550001")
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("recipient did not resolve")
		}
		ref, err = conn.SendText(ctx, id, "hi")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, connector.ChatID("15550001@c.us"), ref.ChatID)

	require.NoError(t, r.LogOut(context.Background(), "s1"))
	require.Equal(t, StateUnpaired, r.Status("s1"))
	require.True(t, c.LoggedOut())
	require.Eventually(t, c.IsClosed, time.Second, 5*time.Millisecond)

	err = s.Do(context.Background(), "send_message", func(ctx context.Context, conn connector.Connector) error { return nil })
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLogOutUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	err := r.LogOut(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLogOutConnectorFailureStillRemoves(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	c := pairReady(t, r, f, "s1")
	c.FailNext("logout", errors.New("network down"))

	err := r.LogOut(context.Background(), "s1")
	require.ErrorIs(t, err, ErrLogoutFailure)
	require.Equal(t, StateUnpaired, r.Status("s1"))
}

func TestSessionSerializesConnectorCalls(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	c := pairReady(t, r, f, "s1")
	c.Delay("list_chats", 10*time.Millisecond)

	s, err := r.GetReady("s1", "list_chats")
	require.NoError(t, err)

	errs := make(chan error, 6)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Do(context.Background(), "list_chats", func(ctx context.Context, conn connector.Connector) error {
				_, err := conn.ListChats(ctx)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 6, c.Calls("list_chats"))
	require.Equal(t, 1, c.MaxConcurrentCalls())
}

func TestSessionsDoNotBlockEachOther(t *testing.T) {
	r, f := newTestRegistry(t, func(cfg *RegistryConfig) { cfg.CallTimeout = 5 * time.Second })
	slow := pairReady(t, r, f, "slow")
	pairReady(t, r, f, "fast")
	slow.Delay("list_chats", 500*time.Millisecond)

	slowSession, err := r.GetReady("slow", "list_chats")
	require.NoError(t, err)
	fastSession, err := r.GetReady("fast", "list_chats")
	require.NoError(t, err)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_ = slowSession.Do(context.Background(), "list_chats", func(ctx context.Context, conn connector.Connector) error {
			_, err := conn.ListChats(ctx)
			return err
		})
	}()
	require.Eventually(t, func() bool { return slow.Calls("list_chats") == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	err = fastSession.Do(context.Background(), "list_chats", func(ctx context.Context, conn connector.Connector) error {
		_, err := conn.ListChats(ctx)
		return err
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 400*time.Millisecond)
	<-slowDone
}

func TestCallTimeout(t *testing.T) {
	r, f := newTestRegistry(t, func(cfg *RegistryConfig) { cfg.CallTimeout = 30 * time.Millisecond })
	c := pairReady(t, r, f, "s1")
	c.Delay("list_chats", time.Second)

	s, err := r.GetReady("s1", "list_chats")
	require.NoError(t, err)
	err = s.Do(context.Background(), "list_chats", func(ctx context.Context, conn connector.Connector) error {
		_, err := conn.ListChats(ctx)
		return err
	})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestEventStreamClosureDisconnects(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	c := pairReady(t, r, f, "s1")
	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return r.Status("s1") == StateDisconnected }, time.Second, 5*time.Millisecond)
}

func TestInboundOnlyDispatchedWhenReady(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	var mu sync.Mutex
	var got []string
	r.OnInbound(func(sessionID string, ref connector.MessageRef) {
		mu.Lock()
		got = append(got, sessionID+"/"+ref.ID)
		mu.Unlock()
	})

	ch := startCreate(r, "s1")
	c := waitConnector(t, f, "s1", 1)
	require.True(t, c.Emit(connector.PairingEvent("QR")))
	require.NoError(t, receive(t, ch).err)
	require.True(t, c.Receive(connector.Message{ID: "early", ChatID: "1@c.us"}))

	require.True(t, c.Emit(connector.ReadyEvent()))
	require.True(t, c.Receive(connector.Message{ID: "late", ChatID: "1@c.us"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"s1/late"}, got)
}

func TestListenersSeeLifecycle(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	r, f := newTestRegistry(t, func(cfg *RegistryConfig) {
		cfg.Listeners = []Listener{ListenerFunc(func(tr Transition) {
			mu.Lock()
			seen = append(seen, tr.To)
			mu.Unlock()
		})}
	})
	pairReady(t, r, f, "s1")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, r.LogOut(context.Background(), "s1"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateAwaitingPairing, StateAwaitingPairing, StateReady, StateLoggedOut}, seen)
}

func TestListSnapshots(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	pairReady(t, r, f, "b")
	pairReady(t, r, f, "a")

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].ID)
	require.Equal(t, StateReady, list[0].State)
	require.True(t, list[1].HasArtifact)
}

// disconnectOnLogout reports a disconnect from inside Logout, as chat networks do when the pairing
// is revoked.
type disconnectOnLogout struct{ *simconn.Connector }

func (c disconnectOnLogout) Logout(ctx context.Context) error {
	if err := c.Connector.Logout(ctx); err != nil {
		return err
	}
	c.Emit(connector.DisconnectedEvent("LOGOUT"))
	return nil
}

// disconnectOnSend loses the connection in the middle of a send.
type disconnectOnSend struct{ *simconn.Connector }

func (c disconnectOnSend) SendText(ctx context.Context, chatID connector.ChatID, body string) (connector.MessageRef, error) {
	c.Emit(connector.DisconnectedEvent("connection lost"))
	return connector.MessageRef{}, errors.New("socket closed")
}

func wrapFactory(f *simconn.Factory, wrap func(*simconn.Connector) connector.Connector) connector.Factory {
	return func(id string) (connector.Connector, error) {
		c, err := f.New(id)
		if err != nil {
			return nil, err
		}
		return wrap(c.(*simconn.Connector)), nil
	}
}

func TestLogOutWhenConnectorReportsDisconnect(t *testing.T) {
	var mu sync.Mutex
	var seen []Transition
	r, f := newTestRegistry(t, func(cfg *RegistryConfig) {
		cfg.Listeners = []Listener{ListenerFunc(func(tr Transition) {
			mu.Lock()
			seen = append(seen, tr)
			mu.Unlock()
		})}
	})
	r.factory = wrapFactory(f, func(c *simconn.Connector) connector.Connector { return disconnectOnLogout{c} })

	c := pairReady(t, r, f, "s1")
	require.NoError(t, r.LogOut(context.Background(), "s1"))
	require.True(t, c.LoggedOut())
	require.Equal(t, StateUnpaired, r.Status("s1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].To == StateLoggedOut
	}, time.Second, 5*time.Millisecond)
	// give a late pump event the chance to show up
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, tr := range seen {
		require.NotEqual(t, StateDisconnected, tr.To)
	}
	require.Equal(t, StateLoggedOut, seen[len(seen)-1].To)
	require.Equal(t, "logout", seen[len(seen)-1].Reason)
	require.Equal(t, StateUnpaired, r.Status("s1"))
}

func TestDisconnectDuringSend(t *testing.T) {
	r, f := newTestRegistry(t, nil)
	r.factory = wrapFactory(f, func(c *simconn.Connector) connector.Connector { return disconnectOnSend{c} })
	c := pairReady(t, r, f, "s1")

	s, err := r.GetReady("s1", "send_message")
	require.NoError(t, err)
	err = s.Do(context.Background(), "send_message", func(ctx context.Context, conn connector.Connector) error {
		_, err := conn.SendText(ctx, "15550001@c.us", "hi")
		return err
	})
	require.ErrorContains(t, err, "socket closed")

	require.Eventually(t, func() bool { return r.Status("s1") == StateDisconnected }, time.Second, 5*time.Millisecond)
	_, ok := r.Get("s1")
	require.False(t, ok)
	require.Eventually(t, c.IsClosed, time.Second, 5*time.Millisecond)

	err = s.Do(context.Background(), "send_message", func(ctx context.Context, conn connector.Connector) error { return nil })
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, r.LogOut(context.Background(), "s1"), ErrSessionNotFound)
	require.Equal(t, StateDisconnected, r.Status("s1"))
}
