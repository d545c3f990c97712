package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/festion/homelab-gitops-auditor/internal/auth"
	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/orchestration"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// OrchestrationsHandler serves the /orchestrations routes. Profiles are
// loaded once at startup from the profiles directory; orchestrations are
// never triggered implicitly by a webhook, only by an explicit call here.
type OrchestrationsHandler struct {
	store    store.Store
	planner  *orchestration.Planner
	profiles map[string]orchestration.OrchestrationProfile
	auth     *auth.Service
	logger   *slog.Logger
}

// NewOrchestrationsHandler builds an OrchestrationsHandler from a loaded
// profile catalog.
func NewOrchestrationsHandler(s store.Store, planner *orchestration.Planner, profiles []orchestration.OrchestrationProfile, authSvc *auth.Service, logger *slog.Logger) *OrchestrationsHandler {
	byName := make(map[string]orchestration.OrchestrationProfile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	return &OrchestrationsHandler{store: s, planner: planner, profiles: byName, auth: authSvc, logger: logger}
}

// Routes mounts the orchestration trigger and lookup endpoints.
func (h *OrchestrationsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequirePermission(h.auth, auth.ResourceOrchestration, auth.ActionTrigger)).Post("/trigger", h.handleTrigger)
	r.With(auth.RequirePermission(h.auth, auth.ResourceOrchestration, auth.ActionRead)).Get("/{id}", h.handleGet)
	return r
}

type triggerOrchestrationRequest struct {
	Profile      string                              `json:"profile" validate:"required"`
	Repositories []orchestration.RepositoryAttributes `json:"repositories" validate:"required,min=1"`
}

func (h *OrchestrationsHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerOrchestrationRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	profile, ok := h.profiles[req.Profile]
	if !ok {
		RespondErr(w, h.logger, errs.New(errs.KindNotFound, "unknown orchestration profile: "+req.Profile))
		return
	}

	identity, _ := auth.FromContext(r.Context())
	requestedBy := "unknown"
	if identity != nil {
		requestedBy = identity.UserID
	}

	runs, err := h.planner.Trigger(r.Context(), profile, req.Repositories, requestedBy)
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusAccepted, map[string]any{"runs": runs})
}

func (h *OrchestrationsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.store.GetOrchestrationRun(r.Context(), id)
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, run)
}
