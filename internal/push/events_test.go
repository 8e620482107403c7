package push

import "testing"

func TestDecodeNewMessageFrame(t *testing.T) {
	data := []byte(`{"kind":"new_message","payload":{"uuid":"m1","conversationId":"c1","senderId":"alice","contentType":"text","content":"hi","sequence":42,"sendTime":1000}}`)

	kind, payload, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame() error = %v", err)
	}
	if kind != frameNewMessage {
		t.Errorf("kind = %q, want new_message", kind)
	}
	msg, ok := payload.(*NewMessage)
	if !ok {
		t.Fatalf("payload type = %T, want *NewMessage", payload)
	}
	if msg.UUID != "m1" || msg.Sequence != 42 {
		t.Errorf("got uuid=%q seq=%d, want m1/42", msg.UUID, msg.Sequence)
	}
}

func TestDecodeRecalledFrame(t *testing.T) {
	data := []byte(`{"kind":"message_recalled","payload":{"uuid":"m2","conversationId":"c1"}}`)

	kind, payload, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decodeFrame() error = %v", err)
	}
	if kind != frameRecalled {
		t.Errorf("kind = %q, want message_recalled", kind)
	}
	rec, ok := payload.(*Recalled)
	if !ok {
		t.Fatalf("payload type = %T, want *Recalled", payload)
	}
	if rec.UUID != "m2" {
		t.Errorf("uuid = %q, want m2", rec.UUID)
	}
}

func TestDecodeUnknownFrameKind(t *testing.T) {
	kind, payload, err := decodeFrame([]byte(`{"kind":"typing_indicator","payload":{}}`))
	if err != nil {
		t.Fatalf("decodeFrame() error = %v", err)
	}
	if kind != "typing_indicator" || payload != nil {
		t.Errorf("got kind=%q payload=%v, want typing_indicator/nil", kind, payload)
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	if _, _, err := decodeFrame([]byte(`{not json`)); err == nil {
		t.Error("decodeFrame() should fail on malformed input")
	}
}
