package simconn

import (
	"encoding/base64"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/switchboard/pkg/connector"
)

// Fixtures seeds the simulated chat network of a session.
//
//	chats:
//	  - id: 15550001@c.us
//	    name: Alice
//	    messages:
//	      - id: m1
//	        body: hello
//	        type: chat
//	        timestamp: 1700000000
//	  - id: 1203630@g.us
//	    name: Team
//	    group: true
//	    participants:
//	      - id: 15550001@c.us
//	        admin: true
//	contacts:
//	  - id: 15550001@c.us
//	    name: Alice
//	    number: "15550001"
//	unregistered: ["15559999"]
type Fixtures struct {
	Chats        []ChatFixture    `yaml:"chats"`
	Contacts     []ContactFixture `yaml:"contacts"`
	Unregistered []string         `yaml:"unregistered"`
}

type ChatFixture struct {
	ID           string               `yaml:"id"`
	Name         string               `yaml:"name"`
	Group        bool                 `yaml:"group"`
	Unread       int                  `yaml:"unread"`
	Participants []ParticipantFixture `yaml:"participants"`
	Messages     []MessageFixture     `yaml:"messages"`
}

type ParticipantFixture struct {
	ID         string `yaml:"id"`
	Admin      bool   `yaml:"admin"`
	SuperAdmin bool   `yaml:"super_admin"`
}

type MessageFixture struct {
	ID        string        `yaml:"id"`
	Body      string        `yaml:"body"`
	Type      string        `yaml:"type"`
	Timestamp int64         `yaml:"timestamp"`
	From      string        `yaml:"from"`
	FromMe    bool          `yaml:"from_me"`
	Forwarded bool          `yaml:"forwarded"`
	Ack       int           `yaml:"ack"`
	Media     *MediaFixture `yaml:"media"`
}

// MediaFixture carries an attachment; Data is base64 encoded.
type MediaFixture struct {
	MimeType string `yaml:"mime_type"`
	Filename string `yaml:"filename"`
	Data     string `yaml:"data"`
}

type ContactFixture struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	PushName   string `yaml:"pushname"`
	Number     string `yaml:"number"`
	Me         bool   `yaml:"me"`
	Group      bool   `yaml:"group"`
	MyContact  bool   `yaml:"my_contact"`
	Blocked    bool   `yaml:"blocked"`
	Enterprise bool   `yaml:"enterprise"`
}

// LoadFixtures reads a YAML fixture file.
func LoadFixtures(path string) (*Fixtures, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read fixtures")
	}
	return ParseFixtures(b)
}

func ParseFixtures(b []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse fixtures")
	}
	for i, c := range f.Chats {
		if c.ID == "" {
			return nil, errors.Errorf("chat %d: id is required", i)
		}
		for j, m := range c.Messages {
			if m.ID == "" {
				return nil, errors.Errorf("chat %s message %d: id is required", c.ID, j)
			}
			if m.Media != nil {
				if _, err := base64.StdEncoding.DecodeString(m.Media.Data); err != nil {
					return nil, errors.Wrapf(err, "chat %s message %s: media data", c.ID, m.ID)
				}
			}
		}
	}
	return &f, nil
}

type chatState struct {
	chat     connector.Chat
	messages []connector.Message
}

// build turns fixtures into the connector's in-memory network.
func (f *Fixtures) build() ([]*chatState, []connector.Contact, map[string]connector.Media, map[string]struct{}) {
	media := map[string]connector.Media{}
	unregistered := map[string]struct{}{}
	if f == nil {
		return nil, nil, media, unregistered
	}
	chats := make([]*chatState, 0, len(f.Chats))
	for _, cf := range f.Chats {
		cs := &chatState{chat: connector.Chat{
			ID:          connector.ChatID(cf.ID),
			Name:        cf.Name,
			IsGroup:     cf.Group,
			UnreadCount: cf.Unread,
		}}
		for _, p := range cf.Participants {
			cs.chat.Participants = append(cs.chat.Participants, connector.Participant{
				ID: p.ID, IsAdmin: p.Admin, IsSuperAdmin: p.SuperAdmin,
			})
		}
		for _, mf := range cf.Messages {
			typ := mf.Type
			if typ == "" {
				typ = "chat"
				if mf.Media != nil {
					typ = typeForMime(mf.Media.MimeType)
				}
			}
			msg := connector.Message{
				ID:          mf.ID,
				ChatID:      cs.chat.ID,
				Body:        mf.Body,
				Timestamp:   mf.Timestamp,
				From:        mf.From,
				Type:        typ,
				HasMedia:    mf.Media != nil,
				IsForwarded: mf.Forwarded,
				FromMe:      mf.FromMe,
				Ack:         mf.Ack,
			}
			if msg.From == "" && !msg.FromMe {
				msg.From = cf.ID
			}
			if msg.FromMe {
				msg.To = cf.ID
			}
			if mf.Media != nil {
				data, _ := base64.StdEncoding.DecodeString(mf.Media.Data)
				media[mf.ID] = connector.Media{MimeType: mf.Media.MimeType, Filename: mf.Media.Filename, Data: data}
			}
			cs.messages = append(cs.messages, msg)
		}
		if n := len(cs.messages); n > 0 {
			last := cs.messages[n-1]
			cs.chat.LastMessage = &connector.LastMessage{Body: last.Body, Timestamp: last.Timestamp}
		}
		chats = append(chats, cs)
	}
	contacts := make([]connector.Contact, 0, len(f.Contacts))
	for _, c := range f.Contacts {
		contacts = append(contacts, connector.Contact{
			ID:           c.ID,
			Name:         c.Name,
			PushName:     c.PushName,
			Number:       c.Number,
			IsMe:         c.Me,
			IsUser:       !c.Group,
			IsGroup:      c.Group,
			IsMyContact:  c.MyContact,
			IsWAContact:  true,
			IsBlocked:    c.Blocked,
			IsEnterprise: c.Enterprise,
		})
	}
	for _, n := range f.Unregistered {
		unregistered[digits(n)] = struct{}{}
	}
	return chats, contacts, media, unregistered
}
