package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/connector"
	"github.com/go-go-golems/switchboard/pkg/connector/simconn"
	"github.com/go-go-golems/switchboard/pkg/inbox"
	"github.com/go-go-golems/switchboard/pkg/messaging"
	"github.com/go-go-golems/switchboard/pkg/sessions"
	"github.com/go-go-golems/switchboard/pkg/sessionstore"
)

const testFixtures = `
chats:
  - id: 15550001@c.us
    name: Alice
    messages:
      - id: m1
        body: hello
        timestamp: 100
      - id: m2
        body: picture
        timestamp: 200
        media:
          mime_type: image/png
          filename: pic.png
          data: aGVsbG8=
  - id: 1203630@g.us
    name: Team
    group: true
    participants:
      - id: 15550001@c.us
        admin: true
      - id: 15550002@c.us
contacts:
  - id: 15550001@c.us
    name: Alice
    number: "15550001"
  - id: 15550002@c.us
    name: Bob
    number: "15550002"
unregistered: ["+1 555 9999"]
`

type testEnv struct {
	reg     *sessions.Registry
	factory *simconn.Factory
	ledger  *sessionstore.InMemoryStore
	hub     *Hub
	srv     *httptest.Server
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	fx, err := simconn.ParseFixtures([]byte(testFixtures))
	require.NoError(t, err)
	f := simconn.NewFactory(simconn.Config{Fixtures: fx, AutoPair: true, Artifact: "QR123", PairDelay: 200 * time.Millisecond})

	hub := NewHub(HubConfig{})
	reg, err := sessions.NewRegistry(sessions.RegistryConfig{
		Factory:     f.New,
		CallTimeout: time.Second,
		Listeners:   []sessions.Listener{hub},
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	reg.OnInbound(hub.OnInbound)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()

	gw, err := messaging.NewGateway(reg)
	require.NoError(t, err)
	svc, err := inbox.NewService(reg)
	require.NoError(t, err)
	ledger := sessionstore.NewInMemoryStore()

	api, err := NewAPI(Config{Sessions: reg, Sender: gw, Inbox: svc, Ledger: ledger, Hub: hub, APIKey: apiKey})
	require.NoError(t, err)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{reg: reg, factory: f, ledger: ledger, hub: hub, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func (e *testEnv) ready(t *testing.T, id string) *simconn.Connector {
	t.Helper()
	resp, _ := e.do(t, http.MethodPost, "/api/sessions/"+id+"/initialize", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return e.reg.Status(id) == sessions.StateReady }, 2*time.Second, 5*time.Millisecond)
	return e.factory.Latest(id)
}

func TestAuth(t *testing.T) {
	e := newTestEnv(t, "secret")

	resp, _ := e.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/sessions", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	resp, _ = e.do(t, http.MethodGet, "/api/sessions", nil, http.Header{"Authorization": {"Bearer wrong"}})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/sessions", nil, http.Header{"Authorization": {"Bearer secret"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/sessions/s1/status", nil, http.Header{"X-API-Key": {"secret"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the token query parameter is only honoured on websocket upgrades
	resp, _ = e.do(t, http.MethodGet, "/api/sessions?token=secret", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionLifecycleRoutes(t *testing.T) {
	e := newTestEnv(t, "")

	resp, body := e.do(t, http.MethodGet, "/api/sessions/s1/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "UNPAIRED", string(body))
	require.Empty(t, e.factory.Built("s1"))

	resp, body = e.do(t, http.MethodPost, "/api/sessions/s1/initialize", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var init initializeResponse
	require.NoError(t, json.Unmarshal(body, &init))
	require.Equal(t, "QR123", init.Message)
	require.Equal(t, "QR123", init.Artifact)
	require.Equal(t, sessions.StateAwaitingPairing, init.State)

	require.Eventually(t, func() bool {
		_, body := e.do(t, http.MethodGet, "/api/sessions/s1/status", nil, nil)
		return string(body) == "READY"
	}, 2*time.Second, 10*time.Millisecond)

	resp, body = e.do(t, http.MethodPost, "/api/sessions/s1/initialize", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &init))
	require.Equal(t, sessions.StateReady, init.State)
	require.Equal(t, "READY", init.Message)
	require.Len(t, e.factory.Built("s1"), 1)

	resp, _ = e.do(t, http.MethodPost, "/api/sessions/s1/send", strings.NewReader(`{"number":"+1 555 0100","message":"hi"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, "/api/sessions/s1/logout", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "Logged out successfully")

	_, body = e.do(t, http.MethodGet, "/api/sessions/s1/status", nil, nil)
	require.Equal(t, "UNPAIRED", string(body))

	resp, body = e.do(t, http.MethodPost, "/api/sessions/s1/logout", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, string(body), string(sessions.ErrSessionNotFound))
}

func TestInitializeRejectsBlankID(t *testing.T) {
	e := newTestEnv(t, "")
	resp, _ := e.do(t, http.MethodPost, "/api/sessions/%20/initialize", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendRoute(t *testing.T) {
	e := newTestEnv(t, "")

	resp, body := e.do(t, http.MethodPost, "/api/sessions/ghost/send", strings.NewReader(`{"number":"15550100","message":"hi"}`), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	require.Equal(t, string(sessions.ErrSessionNotFound), eb.Kind)

	c := e.ready(t, "s1")

	resp, _ = e.do(t, http.MethodPost, "/api/sessions/s1/send", strings.NewReader(`not json`), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, "/api/sessions/s1/send", strings.NewReader(`{"number":"+1 555 9999","message":"hi"}`), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &eb))
	require.Equal(t, string(sessions.ErrInvalidRecipient), eb.Kind)

	c.FailNext("send_text", errors.New("network down"))
	resp, body = e.do(t, http.MethodPost, "/api/sessions/s1/send", strings.NewReader(`{"number":"15550100","message":"hi"}`), nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &eb))
	require.Equal(t, string(sessions.ErrSendFailure), eb.Kind)

	resp, body = e.do(t, http.MethodPost, "/api/sessions/s1/send", strings.NewReader(`{"number":"15550100","message":"hi"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sr sendResponse
	require.NoError(t, json.Unmarshal(body, &sr))
	require.NotEmpty(t, sr.MessageID)
	require.Equal(t, connector.ChatID("15550100@c.us"), sr.Ref.ChatID)
	require.Len(t, c.Sent(), 1)
}

func multipartBody(t *testing.T, filename string, data []byte, fields map[string]string) (io.Reader, http.Header) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, http.Header{"Content-Type": {mw.FormDataContentType()}}
}

func TestSendMediaRoute(t *testing.T) {
	e := newTestEnv(t, "")
	c := e.ready(t, "s1")

	body, h := multipartBody(t, "", nil, map[string]string{"number": "15550100"})
	resp, raw := e.do(t, http.MethodPost, "/api/sessions/s1/send-media", body, h)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(raw), "No media file uploaded")

	body, h = multipartBody(t, "photo.png", []byte("\x89PNG\r\n\x1a\nrest"), map[string]string{"number": "15550100", "caption": "look"})
	resp, raw = e.do(t, http.MethodPost, "/api/sessions/s1/send-media", body, h)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	sent := c.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "look", sent[0].Body)
	require.True(t, sent[0].HasMedia)
	require.Equal(t, "image", sent[0].Type)

	var sr sendResponse
	require.NoError(t, json.Unmarshal(raw, &sr))
	resp, raw = e.do(t, http.MethodGet, "/api/sessions/s1/messages/"+sr.MessageID+"/media", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	require.Equal(t, "\x89PNG\r\n\x1a\nrest", string(raw))
}

func TestInboxRoutes(t *testing.T) {
	e := newTestEnv(t, "")
	e.ready(t, "s1")

	resp, body := e.do(t, http.MethodGet, "/api/sessions/s1/chats", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chats []inbox.ChatSummary
	require.NoError(t, json.Unmarshal(body, &chats))
	require.Len(t, chats, 2)

	resp, body = e.do(t, http.MethodGet, "/api/sessions/s1/chats/15550001@c.us/messages?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []inbox.MessageRecord
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 1)
	require.Equal(t, "m2", msgs[0].ID)
	require.Equal(t, "aGVsbG8=", msgs[0].MediaData)
	require.Equal(t, "pic.png", msgs[0].MediaName)

	resp, body = e.do(t, http.MethodGet, "/api/sessions/s1/chats/15550001@c.us/messages?limit=abc", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 2)

	resp, _ = e.do(t, http.MethodGet, "/api/sessions/s1/chats/nobody@c.us/messages", nil, nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/sessions/s1/messages/m2/media", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", string(body))
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), "pic.png")

	resp, _ = e.do(t, http.MethodGet, "/api/sessions/s1/messages/missing/media", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/sessions/s1/contacts?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var contacts []inbox.ContactRecord
	require.NoError(t, json.Unmarshal(body, &contacts))
	require.Len(t, contacts, 1)

	resp, body = e.do(t, http.MethodGet, "/api/sessions/s1/groups", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var groups []inbox.GroupRecord
	require.NoError(t, json.Unmarshal(body, &groups))
	require.Len(t, groups, 1)
	require.Equal(t, 2, groups[0].ParticipantsCount)

	resp, _ = e.do(t, http.MethodGet, "/api/sessions/other/chats", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSessionsRoute(t *testing.T) {
	e := newTestEnv(t, "")
	e.ready(t, "s1")
	require.NoError(t, e.ledger.Upsert(context.Background(), sessionstore.SessionRecord{SessionID: "old", State: "LOGGED_OUT", UpdatedAtMs: 10}))

	resp, body := e.do(t, http.MethodGet, "/api/sessions", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out sessionsResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Live, 1)
	require.Equal(t, "s1", out.Live[0].ID)
	require.Equal(t, sessions.StateReady, out.Live[0].State)
	require.Len(t, out.Ledger, 1)
	require.Equal(t, "old", out.Ledger[0].SessionID)

	resp, _ = e.do(t, http.MethodGet, "/api/sessions?since_ms=x", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func wsURL(e *testEnv, path string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebsocketStream(t *testing.T) {
	e := newTestEnv(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e, "/api/sessions/s1/ws"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	hello := readFrame(t, conn)
	require.Equal(t, FrameHello, hello.Type)
	require.Equal(t, sessions.StateUnpaired, hello.State)
	require.Equal(t, 1, e.hub.Watchers("s1"))

	c := e.ready(t, "s1")

	var states []sessions.State
	artifact := ""
	for len(states) == 0 || states[len(states)-1] != sessions.StateReady {
		f := readFrame(t, conn)
		require.Equal(t, FrameState, f.Type)
		require.Equal(t, "s1", f.SessionID)
		states = append(states, f.State)
		if f.Artifact != "" {
			artifact = f.Artifact
		}
	}
	require.Equal(t, sessions.StateAwaitingPairing, states[0])
	require.Contains(t, states, sessions.StatePairedPendingReady)
	require.Equal(t, "QR123", artifact)

	require.True(t, c.Receive(connector.Message{ID: "in-1", ChatID: "15550001@c.us", Body: "yo"}))
	f := readFrame(t, conn)
	require.Equal(t, FrameInbound, f.Type)
	require.NotNil(t, f.Message)
	require.Equal(t, "in-1", f.Message.ID)
}

func TestWebsocketAuth(t *testing.T) {
	e := newTestEnv(t, "secret")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(e, "/api/sessions/s1/ws"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e, "/api/sessions/s1/ws?token=secret"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.Equal(t, FrameHello, readFrame(t, conn).Type)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{sessions.Fail(sessions.ErrSessionNotFound, "s", "op", nil), http.StatusNotFound},
		{sessions.Fail(sessions.ErrInvalidSessionID, "", "op", nil), http.StatusBadRequest},
		{sessions.Fail(sessions.ErrInvalidRecipient, "s", "op", nil), http.StatusBadRequest},
		{sessions.Fail(sessions.ErrMessageNotFound, "s", "op", nil), http.StatusNotFound},
		{sessions.Fail(sessions.ErrAuthFailure, "s", "op", nil), http.StatusUnauthorized},
		{sessions.Fail(sessions.ErrDisconnected, "s", "op", nil), http.StatusServiceUnavailable},
		{sessions.Fail(sessions.ErrPairingTimeout, "s", "op", nil), http.StatusGatewayTimeout},
		{sessions.Fail(sessions.ErrSendFailure, "s", "op", errors.Wrap(sessions.ErrTimeout, "send_text after 1s")), http.StatusGatewayTimeout},
		{sessions.Fail(sessions.ErrQueryFailure, "s", "op", errors.New("boom")), http.StatusBadGateway},
		{sessions.Fail(sessions.ErrLogoutFailure, "s", "op", nil), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, StatusFor(tc.err), tc.err.Error())
	}
}

func TestServerServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ln.Addr().String(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
