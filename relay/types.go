// Package relay implements the client-side synchronization engine for the
// ember chat backend: device authentication, channel membership, the
// realtime socket, the presence roster, the message timeline, and
// attachment resolution.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/embermsg/ember/internal/cache"
)

// Session is an authenticated identity. It is exclusively owned by the
// SessionManager and handed by reference to the other components for the
// duration of a channel's life.
type Session struct {
	ID        string
	UserID    string
	Username  string
	Token     string
	ExpiresAt time.Time
}

// Active reports whether the session can still authorize requests.
func (s *Session) Active() bool {
	if s == nil || s.Token == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || time.Now().Before(s.ExpiresAt)
}

// ChannelKind distinguishes group rooms from direct-message channels.
type ChannelKind string

const (
	ChannelRoom   ChannelKind = "room"
	ChannelDirect ChannelKind = "direct"
)

// ChannelHandle identifies an active conversation. Created on join,
// released on leave.
type ChannelHandle struct {
	ID   string
	Kind ChannelKind
	Name string
}

// PresenceEntry is one member of a channel's participant set.
type PresenceEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PresenceDiff is an incremental presence push for one channel.
type PresenceDiff struct {
	ChannelID string
	Joins     []PresenceEntry
	Leaves    []PresenceEntry
}

// MessageKind is the message content variant tag.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
)

// AttachmentRef points at an uploaded object: a presigned download URL
// plus the stable object key it was stored under. The URL is opaque and
// may reference a hostname unreachable from this client's network.
type AttachmentRef struct {
	URL       string
	ObjectKey string
}

// Message is one timeline entry. Identity is ID, unique within a channel.
type Message struct {
	ID         string
	ChannelID  string
	SenderID   string
	SenderName string
	CreatedAt  time.Time
	Kind       MessageKind
	Text       string
	Attachment *AttachmentRef

	// AttachmentBytes holds resolved image data. In-memory only; it is
	// stripped before the message reaches the cache.
	AttachmentBytes []byte
}

// MessagePage is one backward history page. NextCursor points at the
// next older page; empty means history is exhausted.
type MessagePage struct {
	Messages   []Message
	PrevCursor string
	NextCursor string
}

// record converts the message to its cacheable form, dropping the
// transient attachment bytes.
func (m Message) record() cache.Record {
	rec := cache.Record{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		CreatedAt:  m.CreatedAt,
		Kind:       string(m.Kind),
		Text:       m.Text,
	}
	if m.Attachment != nil {
		rec.ImageURL = m.Attachment.URL
		rec.ObjectKey = m.Attachment.ObjectKey
	}
	return rec
}

// messageFromRecord rebuilds a message from its cached form.
func messageFromRecord(rec cache.Record) Message {
	m := Message{
		ID:         rec.ID,
		ChannelID:  rec.ChannelID,
		SenderID:   rec.SenderID,
		SenderName: rec.SenderName,
		CreatedAt:  rec.CreatedAt,
		Kind:       MessageKind(rec.Kind),
		Text:       rec.Text,
	}
	if rec.ImageURL != "" || rec.ObjectKey != "" {
		m.Attachment = &AttachmentRef{URL: rec.ImageURL, ObjectKey: rec.ObjectKey}
	}
	return m
}

// Message content wire shapes. Content is a tagged union over text and
// image variants, decoded exactly once at the ingestion boundary.

type textContent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type imageContent struct {
	Type      string `json:"type"`
	ImageURL  string `json:"imageUrl"`
	ObjectKey string `json:"objectKey"`
	Timestamp string `json:"timestamp"`
}

// encodeTextContent builds the wire content for a text message.
func encodeTextContent(body string) ([]byte, error) {
	return json.Marshal(textContent{Type: string(KindText), Message: body})
}

// encodeImageContent builds the wire content for an image reference
// message.
func encodeImageContent(ref AttachmentRef, at time.Time) ([]byte, error) {
	return json.Marshal(imageContent{
		Type:      string(KindImage),
		ImageURL:  ref.URL,
		ObjectKey: ref.ObjectKey,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
}

// decodeContent decodes a raw content payload into the message variant
// fields. Unknown or malformed payloads are an error; callers skip the
// message rather than aborting the surrounding operation.
func decodeContent(raw []byte, m *Message) error {
	switch gjson.GetBytes(raw, "type").Str {
	case string(KindText):
		var c textContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("decoding text content: %w", err)
		}
		m.Kind = KindText
		m.Text = c.Message
		return nil

	case string(KindImage):
		var c imageContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("decoding image content: %w", err)
		}
		m.Kind = KindImage
		m.Attachment = &AttachmentRef{URL: c.ImageURL, ObjectKey: c.ObjectKey}
		return nil

	default:
		return fmt.Errorf("unknown content type %q", gjson.GetBytes(raw, "type").Str)
	}
}
