package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/festion/homelab-gitops-auditor/internal/auth"
	"github.com/festion/homelab-gitops-auditor/internal/deployment"
	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/store"
	"github.com/festion/homelab-gitops-auditor/internal/validate"
)

// DeploymentsHandler serves the /deployments routes.
type DeploymentsHandler struct {
	store         store.Store
	engine        *deployment.Engine
	allowedShares []string
	auth          *auth.Service
	logger        *slog.Logger
}

// NewDeploymentsHandler builds a DeploymentsHandler. allowedShares is the
// set of RemoteFS share names a deployment may target; requests naming any
// other share are rejected before they reach the engine.
func NewDeploymentsHandler(s store.Store, engine *deployment.Engine, allowedShares []string, authSvc *auth.Service, logger *slog.Logger) *DeploymentsHandler {
	return &DeploymentsHandler{store: s, engine: engine, allowedShares: allowedShares, auth: authSvc, logger: logger}
}

// Routes mounts the deployment lifecycle endpoints. Creation is gated on
// deployment:write rather than a separate create action — the Operator role's
// grant list treats enqueuing a deployment as a write to the deployment
// queue, not a distinct permission.
func (h *DeploymentsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequirePermission(h.auth, auth.ResourceDeployment, auth.ActionWrite)).Post("/", h.handleCreate)
	r.With(auth.RequirePermission(h.auth, auth.ResourceDeployment, auth.ActionRead)).Get("/{id}", h.handleGet)
	r.With(auth.RequirePermission(h.auth, auth.ResourceDeployment, auth.ActionRead)).Get("/{id}/logs", h.handleLogs)
	r.With(auth.RequirePermission(h.auth, auth.ResourceDeployment, auth.ActionCancel)).Post("/{id}/cancel", h.handleCancel)
	r.With(auth.RequirePermission(h.auth, auth.ResourceDeployment, auth.ActionRollback)).Post("/{id}/rollback", h.handleRollback)
	return r
}

type createDeploymentRequest struct {
	Owner               string                     `json:"owner" validate:"required"`
	Repository          string                     `json:"repository" validate:"required"`
	Branch              string                     `json:"branch" validate:"required"`
	Priority            store.Priority             `json:"priority" validate:"required,oneof=low normal high urgent"`
	Manifest            []deployment.ManifestEntry `json:"manifest" validate:"required,min=1,dive"`
	DestinationShare    string                     `json:"destinationShare" validate:"required"`
	AllowedBranches     []string                   `json:"allowedBranches,omitempty"`
	HealthCheckURL      string                     `json:"healthCheckUrl,omitempty"`
	HealthCheckContains string                     `json:"healthCheckContains,omitempty"`
	MaxRetries          int                        `json:"maxRetries,omitempty"`
}

func (h *DeploymentsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	if !validate.AllowedPlatform(req.DestinationShare, h.allowedShares) {
		RespondErr(w, h.logger, errs.New(errs.KindPolicyViolation, "destinationShare is not a configured remote share"))
		return
	}

	identity, _ := auth.FromContext(r.Context())
	requestedBy := "unknown"
	if identity != nil {
		requestedBy = identity.UserID
	}

	d, err := h.engine.Enqueue(r.Context(), deployment.Request{
		Owner:               req.Owner,
		Repository:          req.Repository,
		Branch:              req.Branch,
		Priority:            req.Priority,
		RequestedBy:         requestedBy,
		Manifest:            req.Manifest,
		DestinationShare:    req.DestinationShare,
		AllowedBranches:     req.AllowedBranches,
		HealthCheckURL:      req.HealthCheckURL,
		HealthCheckContains: req.HealthCheckContains,
		MaxRetries:          req.MaxRetries,
	})
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusCreated, d)
}

func (h *DeploymentsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, d)
}

func (h *DeploymentsHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, err := h.store.ListDeploymentLogs(r.Context(), id)
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, map[string]any{"logs": logs})
}

func (h *DeploymentsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Cancel(r.Context(), id); err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusAccepted, nil)
}

func (h *DeploymentsHandler) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.RollbackCompleted(r.Context(), id); err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusAccepted, nil)
}
