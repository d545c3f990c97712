package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/festion/homelab-gitops-auditor/internal/auth"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
)

const (
	authTimeout  = 5 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// Authenticator is the narrow seam into the Auth & Session Core (C4): the
// WebSocket handler only ever needs to resolve a bearer credential to an
// identity and check a single permission, never the rest of Service's
// surface (login, API key issuance, session pruning).
type Authenticator interface {
	ResolveIdentity(ctx context.Context, credential string) (*auth.Identity, error)
	Authorize(ctx context.Context, identity *auth.Identity, resource auth.Resource, action auth.Action) bool
}

// joinRequest is the first and only message a client sends: a bearer
// credential (session token or API key) and the room to join. There is no
// multi-room multiplexing over one socket — a dashboard opens one
// connection per room it displays, matching the room-scoped Publish calls
// the rest of the system already makes.
type joinRequest struct {
	Token string `json:"token"`
	Room  string `json:"room"`
}

// Handler upgrades HTTP requests to WebSocket connections and streams one
// room's events to each.
type Handler struct {
	bus      *Bus
	auth     Authenticator
	clock    platform.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler. checkOrigin, when non-nil, overrides the
// upgrader's default same-origin-only policy (tests and local dev behind a
// reverse proxy typically need this).
func NewHandler(bus *Bus, authenticator Authenticator, clock platform.Clock, logger *slog.Logger, checkOrigin func(*http.Request) bool) *Handler {
	return &Handler{
		bus:    bus,
		auth:   authenticator,
		clock:  clock,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	go h.serve(r.Context(), conn)
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	req, ok := h.authenticate(ctx, conn)
	if !ok {
		return
	}

	sub := h.bus.Subscribe(req.Room)
	defer sub.Close()

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(h.clock.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, sub, done)
}

// authenticate reads the single join message a client sends, resolves its
// credential, and checks read access on the room's resource. It returns
// ok=false (connection already closed by the caller's defer) on any
// failure, without distinguishing the reason to the client beyond the
// close frame — webhooks and the operator API are where detailed error
// taxonomy surfaces, not this transport.
func (h *Handler) authenticate(ctx context.Context, conn *websocket.Conn) (joinRequest, bool) {
	_ = conn.SetReadDeadline(h.clock.Now().Add(authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return joinRequest{}, false
	}

	var req joinRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Token == "" || req.Room == "" {
		h.closeWithPolicyViolation(conn, "malformed join request")
		return joinRequest{}, false
	}

	identity, err := h.auth.ResolveIdentity(ctx, req.Token)
	if err != nil {
		h.closeWithPolicyViolation(conn, "authentication failed")
		return joinRequest{}, false
	}

	if !h.auth.Authorize(ctx, identity, resourceForRoom(req.Room), auth.ActionRead) {
		h.closeWithPolicyViolation(conn, "not authorized for room")
		return joinRequest{}, false
	}

	return req, true
}

func (h *Handler) closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, h.clock.Now().Add(writeWait))
}

// readPump only drains the connection to detect the client closing it or
// going silent past pongWait; dashboards never send anything after the
// join message.
func (h *Handler) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump fans subscription events to the socket and sends periodic
// pings, the same split a Coordinator uses between its senderLoop and
// pingLoop.
func (h *Handler) writePump(conn *websocket.Conn, sub *Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(h.clock.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(h.clock.Now().Add(writeWait))
			if err := conn.WriteControl(websocket.PingMessage, nil, h.clock.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func resourceForRoom(room string) auth.Resource {
	switch {
	case strings.HasPrefix(room, "repo:"):
		return auth.ResourceRepository
	case strings.HasPrefix(room, "pipeline:"):
		return auth.ResourcePipeline
	case strings.HasPrefix(room, "orchestration:"):
		return auth.ResourceOrchestration
	case strings.HasPrefix(room, "deployment:"):
		return auth.ResourceDeployment
	default:
		return auth.ResourceMetrics
	}
}
