package store

import (
	"strings"

	"github.com/google/uuid"
)

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Conversation is a cached conversation. Cursor is the highest sequence
// number durably applied locally; it drives incremental sync and never
// regresses.
type Conversation struct {
	ID                 string
	Kind               string
	Cursor             int64
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is a durable cached message. Identity is the server-assigned UUID.
// Sequence is assigned only by the server; zero means not yet sequenced.
// Recalled and Deleted are tombstones: the row survives but the message
// leaves the visible timeline.
type Message struct {
	RowID          int64
	UUID           string
	ConversationID string
	SenderID       string
	ContentType    string
	Content        string
	Attachment     string
	Sequence       int64
	SendTime       int64
	Recalled       bool
	Deleted        bool
}

// Visible reports whether the message belongs on the rendered timeline.
func (m *Message) Visible() bool {
	return !m.Recalled && !m.Deleted
}

// PreviewText renders the denormalized conversation preview for a message.
// Plain text is shown verbatim (truncated); other content types collapse to
// a fixed placeholder.
func PreviewText(contentType, content string) string {
	switch contentType {
	case "", "text":
		if len(content) > 100 {
			return content[:100]
		}
		return content
	case "image":
		return "[image]"
	case "audio":
		return "[voice note]"
	case "file":
		return "[file]"
	default:
		return "[attachment]"
	}
}

// DirectConversationID derives the conversation id for a two-party chat
// from the participant identities. Both sides sort the pair before hashing,
// so they compute the same id independently.
func DirectConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.Join([]string{"parley", "direct", a, b}, ":"))).String()
}
