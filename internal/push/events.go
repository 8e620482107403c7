package push

import (
	"encoding/json"
	"fmt"
)

// Frame kinds carried on the push channel.
const (
	frameNewMessage = "new_message"
	frameRecalled   = "message_recalled"
)

// NewMessage is a push notification that a message landed in a conversation.
// Delivery is at-least-once and not necessarily ordered; the reconciliation
// engine sorts that out.
type NewMessage struct {
	UUID             string `json:"uuid"`
	ConversationID   string `json:"conversationId"`
	ConversationKind string `json:"conversationKind"`
	SenderID         string `json:"senderId"`
	ContentType      string `json:"contentType"`
	Content          string `json:"content"`
	Attachment       string `json:"attachment,omitempty"`
	Sequence         int64  `json:"sequence"`
	SendTime         int64  `json:"sendTime"`
}

// Recalled is a push notification that a message was recalled server-side.
type Recalled struct {
	UUID           string `json:"uuid"`
	ConversationID string `json:"conversationId"`
}

type frame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// decodeFrame parses one wire frame into its typed payload. Unknown frame
// kinds are returned as-is so the caller can log and skip them.
func decodeFrame(data []byte) (kind string, payload any, err error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", nil, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Kind {
	case frameNewMessage:
		var msg NewMessage
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			return f.Kind, nil, fmt.Errorf("decode new_message payload: %w", err)
		}
		return f.Kind, &msg, nil
	case frameRecalled:
		var rec Recalled
		if err := json.Unmarshal(f.Payload, &rec); err != nil {
			return f.Kind, nil, fmt.Errorf("decode message_recalled payload: %w", err)
		}
		return f.Kind, &rec, nil
	default:
		return f.Kind, nil, nil
	}
}
