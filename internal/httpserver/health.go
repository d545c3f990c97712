package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/festion/homelab-gitops-auditor/internal/eventbus"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// HealthHandler serves the unauthenticated liveness/readiness routes.
type HealthHandler struct {
	store    store.Store
	eventbus *eventbus.Bus
	logger   *slog.Logger
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(s store.Store, bus *eventbus.Bus, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{store: s, eventbus: bus, logger: logger}
}

// Routes mounts /healthz, /readyz, and /health.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleLiveness)
	r.Get("/readyz", h.handleReadiness)
	r.Get("/health", h.handleDetail)
	return r
}

func (h *HealthHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *HealthHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.HealthCheck(r.Context())
	if err != nil || !snap.Reachable {
		RespondError(w, http.StatusServiceUnavailable, "not_ready", "store unreachable")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *HealthHandler) handleDetail(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.HealthCheck(r.Context())
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, map[string]any{
		"store":          snap,
		"eventBusActive": h.eventbus != nil,
	})
}
