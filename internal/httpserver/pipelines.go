package httpserver

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/festion/homelab-gitops-auditor/internal/auth"
	"github.com/festion/homelab-gitops-auditor/internal/pipeline"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// PipelinesHandler serves the /pipelines routes.
type PipelinesHandler struct {
	store      store.Store
	supervisor *pipeline.Supervisor
	auth       *auth.Service
	logger     *slog.Logger
}

// NewPipelinesHandler builds a PipelinesHandler.
func NewPipelinesHandler(s store.Store, sv *pipeline.Supervisor, authSvc *auth.Service, logger *slog.Logger) *PipelinesHandler {
	return &PipelinesHandler{store: s, supervisor: sv, auth: authSvc, logger: logger}
}

// Routes mounts the pipeline status, trigger, and metrics endpoints.
func (h *PipelinesHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequirePermission(h.auth, auth.ResourcePipeline, auth.ActionRead)).Get("/status", h.handleStatus)
	r.With(auth.RequirePermission(h.auth, auth.ResourcePipeline, auth.ActionTrigger)).Post("/trigger", h.handleTrigger)
	r.With(auth.RequirePermission(h.auth, auth.ResourcePipeline, auth.ActionRead)).Get("/metrics", h.handleMetrics)
	return r
}

func (h *PipelinesHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	filter := store.PipelineRunFilter{Repository: r.URL.Query().Get("repo")}

	offset, err := ParseOffsetParams(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid_pagination", err.Error())
		return
	}
	filter.Limit = offset.PageSize
	filter.Offset = offset.Offset

	runs, err := h.store.ListPipelineRuns(r.Context(), filter)
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, map[string]any{"runs": runs})
}

type triggerPipelineRequest struct {
	Owner      string            `json:"owner" validate:"required"`
	Repository string            `json:"repository" validate:"required"`
	Workflow   string            `json:"workflow" validate:"required"`
	Params     map[string]string `json:"params,omitempty"`
}

func (h *PipelinesHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerPipelineRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	identity, _ := auth.FromContext(r.Context())
	principal := "unknown"
	if identity != nil {
		principal = identity.UserID
	}

	runID, err := h.supervisor.Trigger(r.Context(), principal, req.Owner, req.Repository, req.Workflow, req.Params)
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusAccepted, map[string]string{"runId": runID})
}

func (h *PipelinesHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("windowMinutes"); raw != "" {
		if mins, err := strconv.Atoi(raw); err == nil && mins > 0 {
			window = time.Duration(mins) * time.Minute
		}
	}

	metrics, err := h.supervisor.Metrics(r.Context(), repo, window)
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, metrics)
}
