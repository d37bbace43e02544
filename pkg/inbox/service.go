// Package inbox answers read-only queries (chats, messages, contacts, groups, media) against a
// READY session. Results are projections produced per call and never cached.
package inbox

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/connector"
	"github.com/go-go-golems/switchboard/pkg/sessions"
)

type SessionSource interface {
	GetReady(id string, op string) (*sessions.Session, error)
}

type Service struct {
	sessions SessionSource
}

func NewService(src SessionSource) (*Service, error) {
	if src == nil {
		return nil, errors.New("inbox: session source is required")
	}
	return &Service{sessions: src}, nil
}

// ParseLimit coerces a raw query value to a positive limit. Missing, non-numeric, zero and
// negative values yield def.
func ParseLimit(raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// ListChats returns every chat in the order the connector reports them.
func (s *Service) ListChats(ctx context.Context, sessionID string) ([]ChatSummary, error) {
	const op = "list_chats"
	chats, err := s.chats(ctx, sessionID, op)
	if err != nil {
		return nil, err
	}
	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatSummary(c))
	}
	return out, nil
}

// ListMessages returns at most limit messages of a chat. Attachments are downloaded eagerly and
// embedded base64-encoded; a failed download is reported on its record and does not fail the listing.
func (s *Service) ListMessages(ctx context.Context, sessionID, chatID string, limit int) ([]MessageRecord, error) {
	const op = "list_messages"
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	sess, err := s.sessions.GetReady(sessionID, op)
	if err != nil {
		return nil, err
	}

	var msgs []connector.Message
	err = sess.Do(ctx, op, func(ctx context.Context, c connector.Connector) error {
		var err error
		msgs, err = c.FetchMessages(ctx, connector.ChatID(chatID), limit)
		return err
	})
	if err != nil {
		return nil, queryFailure(err, sessionID, op)
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		rec := messageRecord(m)
		if m.HasMedia || connector.IsMediaType(m.Type) {
			s.embedMedia(ctx, sess, &rec)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Service) embedMedia(ctx context.Context, sess *sessions.Session, rec *MessageRecord) {
	var media connector.Media
	err := sess.Do(ctx, "download_media", func(ctx context.Context, c connector.Connector) error {
		var err error
		media, err = c.DownloadMedia(ctx, rec.ID)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "inbox").Str("session_id", sess.ID()).Str("message_id", rec.ID).Msg("embedding media failed")
		rec.MediaError = err.Error()
		return
	}
	rec.MediaData = base64.StdEncoding.EncodeToString(media.Data)
	rec.MediaName = media.Filename
	rec.MediaMimeType = media.MimeType
}

// GetMedia downloads the attachment of one message.
func (s *Service) GetMedia(ctx context.Context, sessionID, messageID string) (MediaAttachment, error) {
	const op = "get_media"
	sess, err := s.sessions.GetReady(sessionID, op)
	if err != nil {
		return MediaAttachment{}, err
	}

	var media connector.Media
	err = sess.Do(ctx, op, func(ctx context.Context, c connector.Connector) error {
		_, ok, err := c.GetMessage(ctx, messageID)
		if err != nil {
			return sessions.Fail(sessions.ErrQueryFailure, sessionID, op, err)
		}
		if !ok {
			return sessions.Fail(sessions.ErrMessageNotFound, sessionID, op, errors.Errorf("message %s", messageID))
		}
		media, err = c.DownloadMedia(ctx, messageID)
		if err != nil {
			return sessions.Fail(sessions.ErrMediaDownloadFailure, sessionID, op, err)
		}
		return nil
	})
	if err != nil {
		return MediaAttachment{}, failure(err, sessions.ErrMediaDownloadFailure, sessionID, op)
	}
	return MediaAttachment{MimeType: media.MimeType, Filename: media.Filename, Data: media.Data}, nil
}

// ListContacts returns at most limit contacts.
func (s *Service) ListContacts(ctx context.Context, sessionID string, limit int) ([]ContactRecord, error) {
	const op = "list_contacts"
	if limit <= 0 {
		limit = DefaultContactLimit
	}
	sess, err := s.sessions.GetReady(sessionID, op)
	if err != nil {
		return nil, err
	}
	var contacts []connector.Contact
	err = sess.Do(ctx, op, func(ctx context.Context, c connector.Connector) error {
		var err error
		contacts, err = c.ListContacts(ctx)
		return err
	})
	if err != nil {
		return nil, queryFailure(err, sessionID, op)
	}
	if len(contacts) > limit {
		contacts = contacts[:limit]
	}
	out := make([]ContactRecord, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, contactRecord(c))
	}
	return out, nil
}

// ListGroups returns at most limit group chats with their participants.
func (s *Service) ListGroups(ctx context.Context, sessionID string, limit int) ([]GroupRecord, error) {
	const op = "list_groups"
	if limit <= 0 {
		limit = DefaultGroupLimit
	}
	chats, err := s.chats(ctx, sessionID, op)
	if err != nil {
		return nil, err
	}
	out := []GroupRecord{}
	for _, c := range chats {
		if !c.IsGroup {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, groupRecord(c))
	}
	return out, nil
}

func (s *Service) chats(ctx context.Context, sessionID, op string) ([]connector.Chat, error) {
	sess, err := s.sessions.GetReady(sessionID, op)
	if err != nil {
		return nil, err
	}
	var chats []connector.Chat
	err = sess.Do(ctx, op, func(ctx context.Context, c connector.Connector) error {
		var err error
		chats, err = c.ListChats(ctx)
		return err
	})
	if err != nil {
		return nil, queryFailure(err, sessionID, op)
	}
	return chats, nil
}

func queryFailure(err error, sessionID, op string) error {
	return failure(err, sessions.ErrQueryFailure, sessionID, op)
}

func failure(err error, kind sessions.Kind, sessionID, op string) error {
	var f *sessions.Failure
	if errors.As(err, &f) {
		return err
	}
	return sessions.Fail(kind, sessionID, op, err)
}
