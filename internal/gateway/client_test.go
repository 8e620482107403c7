package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.ClientID == "" {
			t.Error("clientId missing from send request")
		}
		_ = json.NewEncoder(w).Encode(SendResponse{UUID: "m1", SendTime: 1234})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "token", nil, nil)
	resp, err := c.Send(context.Background(), SendRequest{
		ConversationID: "c1", SenderID: "alice", ContentType: "text", Content: "hi", ClientID: "local-1",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.UUID != "m1" || resp.SendTime != 1234 {
		t.Errorf("got %+v, want uuid=m1 sendTime=1234", resp)
	}
}

func TestSendServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil, nil)
	_, err := c.Send(context.Background(), SendRequest{ConversationID: "c1", ClientID: "local-1"})
	if err == nil {
		t.Fatal("Send() should fail on 502")
	}
	if !IsTransient(err) {
		t.Errorf("err %v should be transient", err)
	}
}

func TestSendRejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "content too large", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil, nil)
	_, err := c.Send(context.Background(), SendRequest{ConversationID: "c1", ClientID: "local-1"})
	if err == nil {
		t.Fatal("Send() should fail on 400")
	}
	if IsTransient(err) {
		t.Errorf("4xx err %v should not be transient", err)
	}
}

func TestSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if len(req.Conversations) != 1 || req.Conversations[0].Cursor != 10 {
			t.Errorf("unexpected sync request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(SyncResponse{
			Conversations: []ConversationDiff{{
				ID:        "c1",
				Messages:  []Message{{UUID: "m1", ConversationID: "c1", Sequence: 11, SendTime: 1000}},
				LatestSeq: 11,
			}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil, nil)
	resp, err := c.Sync(context.Background(), SyncRequest{
		Conversations: []ConversationRef{{ID: "c1", Kind: "direct", Cursor: 10}},
	})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(resp.Conversations) != 1 || resp.Conversations[0].LatestSeq != 11 {
		t.Errorf("unexpected sync response: %+v", resp)
	}
}

func TestRecall(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil, nil)
	if err := c.Recall(context.Background(), "m9"); err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if gotPath != "/v1/messages/m9/recall" {
		t.Errorf("path = %q, want /v1/messages/m9/recall", gotPath)
	}
}
