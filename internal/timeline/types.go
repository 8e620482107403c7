package timeline

import "errors"

// Status of a timeline item.
type Status string

const (
	// StatusSending marks an optimistic local send awaiting confirmation.
	StatusSending Status = "sending"
	// StatusSent marks a server-confirmed message.
	StatusSent Status = "sent"
	// StatusFailed marks a send that needs explicit retry or discard.
	StatusFailed Status = "failed"
)

// ErrSendInFlight is returned when a conversation already has an
// unconfirmed send. Allowing a second one would make the push/ack
// correlation ambiguous, so the engine holds a single in-flight slot per
// conversation.
var ErrSendInFlight = errors.New("a send is already in flight for this conversation")

// DisplayMessage is one rendered timeline entry. For a pending send, UUID
// holds the clientId until the server identity is adopted; ClientID stays
// set for the lifetime of the attempt so acks and pushes can find the slot.
type DisplayMessage struct {
	UUID           string
	ClientID       string
	ConversationID string
	SenderID       string
	ContentType    string
	Content        string
	Attachment     string
	Sequence       int64
	SendTime       int64
	Status         Status
}

// PendingSend is the caller-facing record of an optimistic send. It is
// session-scoped and never persisted; the durable identity is always the
// server UUID.
type PendingSend struct {
	ClientID       string
	ConversationID string
	ContentType    string
	Content        string
	UUID           string
	SendTime       int64
	Status         Status
}
