package gateway

import "github.com/lmonteiro/parley/internal/store"

// SendRequest is the payload for the send gateway call.
type SendRequest struct {
	ConversationID   string `json:"conversationId"`
	ConversationKind string `json:"conversationKind"`
	SenderID         string `json:"senderId"`
	ContentType      string `json:"contentType"`
	Content          string `json:"content"`
	Attachment       string `json:"attachment,omitempty"`
	ClientID         string `json:"clientId"`
}

// SendResponse carries the server-assigned identity for a sent message.
// The sequence number is intentionally absent: it is learned later via the
// push channel or an incremental sync.
type SendResponse struct {
	UUID     string `json:"uuid"`
	SendTime int64  `json:"sendTime"`
}

// ConversationRef identifies one conversation and the client's sync progress
// in it.
type ConversationRef struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Cursor int64  `json:"cursor"`
}

// SyncRequest asks the server for everything past each conversation's cursor.
// One request covers many conversations.
type SyncRequest struct {
	Conversations []ConversationRef `json:"conversations"`
}

// ConversationDiff is the per-conversation slice of a sync response.
type ConversationDiff struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	LatestSeq int64     `json:"latestSeq"`
	HasMore   bool      `json:"hasMore"`
}

// SyncResponse is the full incremental-diff response.
type SyncResponse struct {
	Conversations []ConversationDiff `json:"conversations"`
}

// Message is the wire form of a message as the server returns it.
type Message struct {
	UUID           string `json:"uuid"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ContentType    string `json:"contentType"`
	Content        string `json:"content"`
	Attachment     string `json:"attachment,omitempty"`
	Sequence       int64  `json:"sequence"`
	SendTime       int64  `json:"sendTime"`
	Recalled       bool   `json:"recalled,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`
}

// ToStore converts a wire message into its cached form.
func (m *Message) ToStore() store.Message {
	return store.Message{
		UUID:           m.UUID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ContentType:    m.ContentType,
		Content:        m.Content,
		Attachment:     m.Attachment,
		Sequence:       m.Sequence,
		SendTime:       m.SendTime,
		Recalled:       m.Recalled,
		Deleted:        m.Deleted,
	}
}
