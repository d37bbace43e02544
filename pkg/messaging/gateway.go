// Package messaging resolves recipients and sends text and media through a READY session.
package messaging

import (
	"context"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/connector"
	"github.com/go-go-golems/switchboard/pkg/sessions"
)

// SessionSource is the slice of the registry the gateway needs.
type SessionSource interface {
	GetReady(id string, op string) (*sessions.Session, error)
}

type Gateway struct {
	sessions SessionSource
}

func NewGateway(src SessionSource) (*Gateway, error) {
	if src == nil {
		return nil, errors.New("messaging: session source is required")
	}
	return &Gateway{sessions: src}, nil
}

// MediaUpload is a raw attachment as received from a caller.
type MediaUpload struct {
	Data     []byte
	Filename string
	// MimeType is sniffed from Filename or Data when empty.
	MimeType string
}

// SendMessage resolves recipient and sends body. No retries are attempted.
func (g *Gateway) SendMessage(ctx context.Context, sessionID, recipient, body string) (connector.MessageRef, error) {
	const op = "send_message"
	s, err := g.sessions.GetReady(sessionID, op)
	if err != nil {
		return connector.MessageRef{}, err
	}

	var ref connector.MessageRef
	err = s.Do(ctx, op, func(ctx context.Context, c connector.Connector) error {
		chatID, err := resolve(ctx, c, sessionID, op, recipient)
		if err != nil {
			return err
		}
		ref, err = c.SendText(ctx, chatID, body)
		if err != nil {
			return sessions.Fail(sessions.ErrSendFailure, sessionID, op, err)
		}
		return nil
	})
	if err != nil {
		return connector.MessageRef{}, classify(err, sessions.ErrSendFailure, sessionID, op)
	}
	log.Info().Str("component", "messaging").Str("session_id", sessionID).Str("message_id", ref.ID).Msg("message sent")
	return ref, nil
}

// SendMedia wraps the upload into a connector media object and sends it with an optional caption.
func (g *Gateway) SendMedia(ctx context.Context, sessionID, recipient string, upload MediaUpload, caption string) (connector.MessageRef, error) {
	const op = "send_media"
	s, err := g.sessions.GetReady(sessionID, op)
	if err != nil {
		return connector.MessageRef{}, err
	}
	if len(upload.Data) == 0 {
		return connector.MessageRef{}, sessions.Fail(sessions.ErrMediaSendFailure, sessionID, op, errors.New("empty media payload"))
	}
	media := toMedia(upload)

	var ref connector.MessageRef
	err = s.Do(ctx, op, func(ctx context.Context, c connector.Connector) error {
		chatID, err := resolve(ctx, c, sessionID, op, recipient)
		if err != nil {
			return err
		}
		ref, err = c.SendMedia(ctx, chatID, media, caption)
		if err != nil {
			return sessions.Fail(sessions.ErrMediaSendFailure, sessionID, op, err)
		}
		return nil
	})
	if err != nil {
		return connector.MessageRef{}, classify(err, sessions.ErrMediaSendFailure, sessionID, op)
	}
	log.Info().Str("component", "messaging").Str("session_id", sessionID).Str("message_id", ref.ID).
		Str("mime_type", media.MimeType).Int("bytes", len(media.Data)).Msg("media sent")
	return ref, nil
}

func resolve(ctx context.Context, c connector.Connector, sessionID, op, recipient string) (connector.ChatID, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", sessions.Fail(sessions.ErrInvalidRecipient, sessionID, op, errors.New("recipient is empty"))
	}
	chatID, ok, err := c.ResolveRecipient(ctx, recipient)
	if err != nil {
		return "", sessions.Fail(sessions.ErrInvalidRecipient, sessionID, op, err)
	}
	if !ok || chatID == "" {
		return "", sessions.Fail(sessions.ErrInvalidRecipient, sessionID, op, errors.Errorf("%q is not reachable", recipient))
	}
	return chatID, nil
}

// classify makes sure errors leaving the gateway are failures; timeouts and context errors are
// wrapped in the operation's kind.
func classify(err error, kind sessions.Kind, sessionID, op string) error {
	var f *sessions.Failure
	if errors.As(err, &f) {
		return err
	}
	return sessions.Fail(kind, sessionID, op, err)
}

func toMedia(u MediaUpload) connector.Media {
	mt := u.MimeType
	if mt == "" && u.Filename != "" {
		mt = mime.TypeByExtension(strings.ToLower(filepath.Ext(u.Filename)))
	}
	if mt == "" {
		mt = http.DetectContentType(u.Data)
	}
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return connector.Media{MimeType: mt, Filename: u.Filename, Data: u.Data}
}
