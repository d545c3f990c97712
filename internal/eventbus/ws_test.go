package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/festion/homelab-gitops-auditor/internal/auth"
	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
)

type fakeAuthenticator struct {
	identities map[string]*auth.Identity
	denyAll    bool
}

func (f *fakeAuthenticator) ResolveIdentity(_ context.Context, credential string) (*auth.Identity, error) {
	id, ok := f.identities[credential]
	if !ok {
		return nil, errs.New(errs.KindAuthFailed, "invalid credential")
	}
	return id, nil
}

func (f *fakeAuthenticator) Authorize(_ context.Context, _ *auth.Identity, _ auth.Resource, _ auth.Action) bool {
	return !f.denyAll
}

func newTestServer(t *testing.T, bus *Bus, authenticator Authenticator) (*httptest.Server, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(bus, authenticator, platform.NewFakeClock(time.Unix(0, 0)), logger, func(*http.Request) bool { return true })
	srv := httptest.NewServer(handler)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestWebSocketStreamsPublishedEvents(t *testing.T) {
	bus := newTestBus(t)
	authn := &fakeAuthenticator{identities: map[string]*auth.Identity{
		"good-token": {UserID: "u1", Role: "operator"},
	}}
	srv, wsURL := newTestServer(t, bus, authn)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	join, _ := json.Marshal(joinRequest{Token: "good-token", Room: "repo:acme/widgets"})
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatalf("write join: %v", err)
	}

	// Give the server a moment to process the join and subscribe.
	time.Sleep(50 * time.Millisecond)
	bus.Publish("repo:acme/widgets", "deployment:completed", map[string]string{"id": "d1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Event != "deployment:completed" {
		t.Fatalf("unexpected event: %q", msg.Event)
	}
}

func TestWebSocketRejectsUnauthenticatedJoin(t *testing.T) {
	bus := newTestBus(t)
	authn := &fakeAuthenticator{identities: map[string]*auth.Identity{}}
	srv, wsURL := newTestServer(t, bus, authn)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	join, _ := json.Marshal(joinRequest{Token: "bad-token", Room: "repo:acme/widgets"})
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatalf("write join: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the server to close the connection on a rejected join")
	}
}

func TestWebSocketRejectsUnauthorizedRoom(t *testing.T) {
	bus := newTestBus(t)
	authn := &fakeAuthenticator{
		identities: map[string]*auth.Identity{"good-token": {UserID: "u1", Role: "viewer"}},
		denyAll:    true,
	}
	srv, wsURL := newTestServer(t, bus, authn)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	join, _ := json.Marshal(joinRequest{Token: "good-token", Room: "repo:acme/widgets"})
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatalf("write join: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the server to close the connection when authorization is denied")
	}
}
