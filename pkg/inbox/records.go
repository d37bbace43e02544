package inbox

import (
	"github.com/go-go-golems/switchboard/pkg/connector"
)

const (
	DefaultMessageLimit = 50
	DefaultContactLimit = 100
	DefaultGroupLimit   = 50
)

type ChatSummary struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	IsGroup     bool                   `json:"isGroup"`
	UnreadCount int                    `json:"unreadCount"`
	LastMessage *connector.LastMessage `json:"lastMessage,omitempty"`
}

// MessageRecord is a message with its attachment embedded when it carries media.
type MessageRecord struct {
	ID          string `json:"id"`
	ChatID      string `json:"chatId"`
	Body        string `json:"body"`
	Timestamp   int64  `json:"timestamp"`
	From        string `json:"from"`
	To          string `json:"to"`
	Type        string `json:"type"`
	HasMedia    bool   `json:"hasMedia"`
	IsForwarded bool   `json:"isForwarded"`
	FromMe      bool   `json:"fromMe"`
	Ack         int    `json:"ack"`

	MediaData     string `json:"mediaData,omitempty"`
	MediaName     string `json:"mediaName,omitempty"`
	MediaMimeType string `json:"mediaMimeType,omitempty"`
	MediaError    string `json:"mediaError,omitempty"`
}

type ContactRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PushName     string `json:"pushname"`
	Number       string `json:"number"`
	IsMe         bool   `json:"isMe"`
	IsUser       bool   `json:"isUser"`
	IsGroup      bool   `json:"isGroup"`
	IsMyContact  bool   `json:"isMyContact"`
	IsWAContact  bool   `json:"isWAContact"`
	IsBlocked    bool   `json:"isBlocked"`
	IsEnterprise bool   `json:"isEnterprise"`
}

type ParticipantRef struct {
	ID           string `json:"id"`
	IsAdmin      bool   `json:"isAdmin"`
	IsSuperAdmin bool   `json:"isSuperAdmin"`
}

type GroupRecord struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	ParticipantsCount int              `json:"participantsCount"`
	Participants      []ParticipantRef `json:"participants"`
}

type MediaAttachment struct {
	MimeType string `json:"mimetype"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"-"`
}

func chatSummary(c connector.Chat) ChatSummary {
	return ChatSummary{
		ID:          string(c.ID),
		Name:        c.Name,
		IsGroup:     c.IsGroup,
		UnreadCount: c.UnreadCount,
		LastMessage: c.LastMessage,
	}
}

func messageRecord(m connector.Message) MessageRecord {
	return MessageRecord{
		ID:          m.ID,
		ChatID:      string(m.ChatID),
		Body:        m.Body,
		Timestamp:   m.Timestamp,
		From:        m.From,
		To:          m.To,
		Type:        m.Type,
		HasMedia:    m.HasMedia,
		IsForwarded: m.IsForwarded,
		FromMe:      m.FromMe,
		Ack:         m.Ack,
	}
}

func contactRecord(c connector.Contact) ContactRecord {
	return ContactRecord{
		ID:           c.ID,
		Name:         c.Name,
		PushName:     c.PushName,
		Number:       c.Number,
		IsMe:         c.IsMe,
		IsUser:       c.IsUser,
		IsGroup:      c.IsGroup,
		IsMyContact:  c.IsMyContact,
		IsWAContact:  c.IsWAContact,
		IsBlocked:    c.IsBlocked,
		IsEnterprise: c.IsEnterprise,
	}
}

func groupRecord(c connector.Chat) GroupRecord {
	ps := make([]ParticipantRef, 0, len(c.Participants))
	for _, p := range c.Participants {
		ps = append(ps, ParticipantRef{ID: p.ID, IsAdmin: p.IsAdmin, IsSuperAdmin: p.IsSuperAdmin})
	}
	return GroupRecord{
		ID:                string(c.ID),
		Name:              c.Name,
		ParticipantsCount: len(ps),
		Participants:      ps,
	}
}
