package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/lmonteiro/parley/internal/bus"
	"github.com/lmonteiro/parley/internal/gateway"
	"github.com/lmonteiro/parley/internal/status"
	"github.com/lmonteiro/parley/internal/store"
	"github.com/lmonteiro/parley/internal/syncer"
	"github.com/lmonteiro/parley/internal/timeline"
	"go.uber.org/zap"
)

// blockedGateway never answers sends, keeping optimistic entries in flight.
type blockedGateway struct {
	block chan struct{}
}

func (g *blockedGateway) Send(_ context.Context, req gateway.SendRequest) (*gateway.SendResponse, error) {
	<-g.block
	return &gateway.SendResponse{UUID: "srv-" + req.ClientID, SendTime: 1}, nil
}

func (g *blockedGateway) Recall(context.Context, string) error { return nil }

func (g *blockedGateway) Sync(context.Context, gateway.SyncRequest) (*gateway.SyncResponse, error) {
	return &gateway.SyncResponse{}, nil
}

func testServer(t *testing.T) (*httptest.Server, *store.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	gw := &blockedGateway{block: make(chan struct{})}
	t.Cleanup(func() { close(gw.block) })

	b := bus.New()
	machine := status.NewMachine(b)
	engine := timeline.NewEngine(db, gw, b, "alice", nil)
	coord := syncer.NewCoordinator(db, gw, b, machine, zap.NewNop())

	h := NewHandlers(db, engine, coord, machine, zap.NewNop())
	r := mux.NewRouter()
	h.Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, db
}

func get(t *testing.T, url string) envelope {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	return env
}

func post(t *testing.T, url string, body any) (envelope, int) {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	return env, resp.StatusCode
}

func TestGetStatus(t *testing.T) {
	srv, _ := testServer(t)

	env := get(t, srv.URL+"/v1/status")
	if !env.OK {
		t.Fatalf("status not ok: %+v", env)
	}
	data := env.Data.(map[string]any)
	if data["state"] != "BOOTING" {
		t.Errorf("state = %v, want BOOTING", data["state"])
	}
}

func TestListMessagesHydrates(t *testing.T) {
	srv, db := testServer(t)
	_ = db.SaveMessage(&store.Message{UUID: "m1", ConversationID: "c1", Sequence: 1, SendTime: 1000, Content: "hi"})

	env := get(t, srv.URL+"/v1/conversations/c1/messages")
	if !env.OK {
		t.Fatalf("not ok: %+v", env)
	}
	msgs := env.Data.([]any)
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}

func TestSendAndInFlightGuard(t *testing.T) {
	srv, _ := testServer(t)

	env, code := post(t, srv.URL+"/v1/conversations/c1/messages", sendRequest{Content: "hello"})
	if code != http.StatusOK || !env.OK {
		t.Fatalf("send failed: code=%d env=%+v", code, env)
	}
	pending := env.Data.(map[string]any)
	if pending["Status"] != "sending" {
		t.Errorf("pending status = %v, want sending", pending["Status"])
	}

	// A second send while the first is unconfirmed is an expected failure:
	// HTTP 200 with the error in the envelope.
	env, code = post(t, srv.URL+"/v1/conversations/c1/messages", sendRequest{Content: "again"})
	if code != http.StatusOK {
		t.Errorf("in-flight guard status = %d, want 200", code)
	}
	if env.OK || env.Error == "" {
		t.Errorf("in-flight guard envelope = %+v, want ok=false with error", env)
	}
}

func TestRefresh(t *testing.T) {
	srv, db := testServer(t)
	_ = db.SaveConversation(&store.Conversation{ID: "c1", Kind: store.KindDirect})

	env, code := post(t, srv.URL+"/v1/sync", nil)
	if code != http.StatusOK || !env.OK {
		t.Fatalf("refresh failed: code=%d env=%+v", code, env)
	}
}
