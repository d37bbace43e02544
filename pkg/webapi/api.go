// Package webapi is the HTTP boundary of the gateway: session lifecycle, messaging and inbox
// routes, bearer auth, and a per-session websocket stream of lifecycle and inbound frames.
package webapi

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/connector"
	"github.com/go-go-golems/switchboard/pkg/inbox"
	"github.com/go-go-golems/switchboard/pkg/messaging"
	"github.com/go-go-golems/switchboard/pkg/sessions"
	"github.com/go-go-golems/switchboard/pkg/sessionstore"
)

const (
	DefaultMaxUploadBytes int64 = 32 << 20
	maxJSONBodyBytes      int64 = 1 << 20
	wsReadLimit                 = 4096
)

// Lifecycle is the slice of the session registry the routes use.
type Lifecycle interface {
	CreateOrGet(ctx context.Context, id string) (sessions.PairingResult, error)
	Status(id string) sessions.State
	LogOut(ctx context.Context, id string) error
	List() []sessions.Snapshot
}

type Sender interface {
	SendMessage(ctx context.Context, sessionID, recipient, body string) (connector.MessageRef, error)
	SendMedia(ctx context.Context, sessionID, recipient string, upload messaging.MediaUpload, caption string) (connector.MessageRef, error)
}

type Reader interface {
	ListChats(ctx context.Context, sessionID string) ([]inbox.ChatSummary, error)
	ListMessages(ctx context.Context, sessionID, chatID string, limit int) ([]inbox.MessageRecord, error)
	GetMedia(ctx context.Context, sessionID, messageID string) (inbox.MediaAttachment, error)
	ListContacts(ctx context.Context, sessionID string, limit int) ([]inbox.ContactRecord, error)
	ListGroups(ctx context.Context, sessionID string, limit int) ([]inbox.GroupRecord, error)
}

type Config struct {
	Sessions Lifecycle
	Sender   Sender
	Inbox    Reader
	// Ledger backs GET /api/sessions history. Optional.
	Ledger sessionstore.Store
	// Hub serves GET /api/sessions/{id}/ws. The route answers 404 when nil.
	Hub            *Hub
	APIKey         string
	MaxUploadBytes int64
	Upgrader       *websocket.Upgrader
}

type API struct {
	sessions  Lifecycle
	sender    Sender
	inbox     Reader
	ledger    sessionstore.Store
	hub       *Hub
	apiKey    string
	maxUpload int64
	upgrader  websocket.Upgrader
	started   time.Time
}

func NewAPI(cfg Config) (*API, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("webapi: session lifecycle is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("webapi: sender is required")
	}
	if cfg.Inbox == nil {
		return nil, errors.New("webapi: inbox is required")
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	if cfg.Upgrader != nil {
		upgrader = *cfg.Upgrader
	}
	return &API{
		sessions:  cfg.Sessions,
		sender:    cfg.Sender,
		inbox:     cfg.Inbox,
		ledger:    cfg.Ledger,
		hub:       cfg.Hub,
		apiKey:    strings.TrimSpace(cfg.APIKey),
		maxUpload: maxUpload,
		upgrader:  upgrader,
		started:   time.Now(),
	}, nil
}

// Handler returns the routed, authenticated handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/sessions", a.handleListSessions)
	mux.HandleFunc("POST /api/sessions/{id}/initialize", a.handleInitialize)
	mux.HandleFunc("GET /api/sessions/{id}/status", a.handleStatus)
	mux.HandleFunc("POST /api/sessions/{id}/logout", a.handleLogout)
	mux.HandleFunc("POST /api/sessions/{id}/send", a.handleSend)
	mux.HandleFunc("POST /api/sessions/{id}/send-media", a.handleSendMedia)
	mux.HandleFunc("GET /api/sessions/{id}/chats", a.handleChats)
	mux.HandleFunc("GET /api/sessions/{id}/chats/{chatId}/messages", a.handleMessages)
	mux.HandleFunc("GET /api/sessions/{id}/messages/{messageId}/media", a.handleMedia)
	mux.HandleFunc("GET /api/sessions/{id}/contacts", a.handleContacts)
	mux.HandleFunc("GET /api/sessions/{id}/groups", a.handleGroups)
	mux.HandleFunc("GET /api/sessions/{id}/ws", a.handleWS)
	return authMiddleware(a.apiKey, mux)
}

func sessionID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("id"))
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(a.sessions.List()),
		"uptime":   time.Since(a.started).Round(time.Second).String(),
	})
}

type sessionsResponse struct {
	Live   []sessions.Snapshot          `json:"live"`
	Ledger []sessionstore.SessionRecord `json:"ledger,omitempty"`
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	resp := sessionsResponse{Live: a.sessions.List()}
	if a.ledger != nil {
		limit := inbox.ParseLimit(r.URL.Query().Get("limit"), sessionstore.DefaultListLimit)
		var sinceMs int64
		if raw := strings.TrimSpace(r.URL.Query().Get("since_ms")); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				badRequest(w, "invalid since_ms")
				return
			}
			sinceMs = v
		}
		records, err := a.ledger.List(r.Context(), limit, sinceMs)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Ledger = records
	}
	writeJSON(w, http.StatusOK, resp)
}

type initializeResponse struct {
	Message   string         `json:"message"`
	SessionID string         `json:"sessionId"`
	State     sessions.State `json:"state"`
	Artifact  string         `json:"artifact,omitempty"`
}

func (a *API) handleInitialize(w http.ResponseWriter, r *http.Request) {
	res, err := a.sessions.CreateOrGet(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := res.Artifact
	if msg == "" {
		msg = string(res.State)
	}
	writeJSON(w, http.StatusOK, initializeResponse{Message: msg, SessionID: res.SessionID, State: res.State, Artifact: res.Artifact})
}

// handleStatus answers with the bare state as text; unknown ids report UNPAIRED.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, string(a.sessions.Status(sessionID(r))))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.LogOut(r.Context(), sessionID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

type sendRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

type sendResponse struct {
	Message   string               `json:"message"`
	MessageID string               `json:"messageId"`
	Ref       connector.MessageRef `json:"ref"`
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Number) == "" {
		badRequest(w, "missing number")
		return
	}
	ref, err := a.sender.SendMessage(r.Context(), sessionID(r), req.Number, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Message: "Message sent successfully", MessageID: ref.ID, Ref: ref})
}

func (a *API) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	if err := r.ParseMultipartForm(a.maxUpload); err != nil {
		badRequest(w, "invalid multipart body")
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "No media file uploaded")
		return
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(file)
	if err != nil {
		badRequest(w, "failed to read media file")
		return
	}
	number := strings.TrimSpace(r.FormValue("number"))
	if number == "" {
		badRequest(w, "missing number")
		return
	}
	upload := messaging.MediaUpload{Data: data, Filename: header.Filename}
	if ct := header.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		upload.MimeType = ct
	}
	ref, err := a.sender.SendMedia(r.Context(), sessionID(r), number, upload, r.FormValue("caption"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Message: "Media message sent successfully", MessageID: ref.ID, Ref: ref})
}

func (a *API) handleChats(w http.ResponseWriter, r *http.Request) {
	chats, err := a.inbox.ListChats(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (a *API) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := inbox.ParseLimit(r.URL.Query().Get("limit"), inbox.DefaultMessageLimit)
	msgs, err := a.inbox.ListMessages(r.Context(), sessionID(r), r.PathValue("chatId"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) handleMedia(w http.ResponseWriter, r *http.Request) {
	m, err := a.inbox.GetMedia(r.Context(), sessionID(r), r.PathValue("messageId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ct := m.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Length", strconv.Itoa(len(m.Data)))
	if m.Filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": m.Filename}))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(m.Data); err != nil {
		log.Warn().Err(err).Str("component", "webapi").Str("session_id", sessionID(r)).Msg("media write failed")
	}
}

func (a *API) handleContacts(w http.ResponseWriter, r *http.Request) {
	limit := inbox.ParseLimit(r.URL.Query().Get("limit"), inbox.DefaultContactLimit)
	contacts, err := a.inbox.ListContacts(r.Context(), sessionID(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	limit := inbox.ParseLimit(r.URL.Query().Get("limit"), inbox.DefaultGroupLimit)
	groups, err := a.inbox.ListGroups(r.Context(), sessionID(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		http.Error(w, "stream not enabled", http.StatusNotFound)
		return
	}
	id := sessionID(r)
	if id == "" {
		badRequest(w, "missing session id")
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("component", "webapi").Str("session_id", id).Msg("ws upgrade failed")
		return
	}
	a.hub.Attach(id, conn, Frame{Type: FrameHello, SessionID: id, State: a.sessions.Status(id), At: time.Now().UTC()})
	defer a.hub.Detach(id, conn)

	conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
