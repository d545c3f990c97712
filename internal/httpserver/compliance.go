package httpserver

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/festion/homelab-gitops-auditor/internal/auth"
	"github.com/festion/homelab-gitops-auditor/internal/capability"
	"github.com/festion/homelab-gitops-auditor/internal/compliance"
	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// ComplianceHandler serves the /compliance routes.
type ComplianceHandler struct {
	store  store.Store
	host   capability.RepoHost
	clock  platform.Clock
	auth   *auth.Service
	logger *slog.Logger
}

// NewComplianceHandler builds a ComplianceHandler.
func NewComplianceHandler(s store.Store, host capability.RepoHost, clock platform.Clock, authSvc *auth.Service, logger *slog.Logger) *ComplianceHandler {
	return &ComplianceHandler{store: s, host: host, clock: clock, auth: authSvc, logger: logger}
}

// Routes mounts the compliance status, check, and apply endpoints.
func (h *ComplianceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(auth.RequirePermission(h.auth, auth.ResourceTemplate, auth.ActionRead)).Get("/status", h.handleStatus)
	r.With(auth.RequirePermission(h.auth, auth.ResourceTemplate, auth.ActionRead)).Post("/check", h.handleCheck)
	r.With(auth.RequirePermission(h.auth, auth.ResourceTemplate, auth.ActionApply)).Post("/apply", h.handleApply)
	return r
}

func (h *ComplianceHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	minScore := 0
	if raw := r.URL.Query().Get("minScore"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			minScore = n
		}
	}

	results, err := h.store.ListRepositoryCompliance(r.Context(), minScore)
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, map[string]any{"repositories": results})
}

type checkComplianceRequest struct {
	Owner      string   `json:"owner" validate:"required"`
	Repository string   `json:"repository" validate:"required"`
	Ref        string   `json:"ref,omitempty"`
	Templates  []string `json:"templates" validate:"required,min=1"`
}

func (h *ComplianceHandler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkComplianceRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	templates, err := h.resolveTemplates(r, req.Templates)
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}

	inv, err := compliance.BuildInventory(r.Context(), h.host, req.Owner, req.Repository, req.Ref, templates)
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}

	result := compliance.Evaluate(inv, templates, h.clock.Now())
	if err := h.store.PutRepositoryCompliance(r.Context(), &result); err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusOK, result)
}

type applyComplianceRequest struct {
	Owner      string `json:"owner" validate:"required"`
	Repository string `json:"repository" validate:"required"`
	Branch     string `json:"branch" validate:"required"`
	Template   string `json:"template" validate:"required"`
}

func (h *ComplianceHandler) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyComplianceRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	tmpl, err := h.store.GetTemplate(r.Context(), req.Template)
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}

	applied := make([]string, 0, len(tmpl.RequiredFiles))
	for _, path := range tmpl.RequiredFiles {
		content, ok := tmpl.FileTemplates[path]
		if !ok {
			continue
		}
		if _, err := h.host.PutFile(r.Context(), req.Owner, req.Repository, path, []byte(content),
			"chore: apply "+tmpl.Name+" template", req.Branch, ""); err != nil {
			RespondErr(w, h.logger, err)
			return
		}
		applied = append(applied, path)
	}

	Respond(w, http.StatusOK, map[string]any{"applied": applied})
}

func (h *ComplianceHandler) resolveTemplates(r *http.Request, names []string) ([]store.Template, error) {
	templates := make([]store.Template, 0, len(names))
	for _, name := range names {
		tmpl, err := h.store.GetTemplate(r.Context(), name)
		if err != nil {
			return nil, errs.Wrap(errs.KindNotFound, "resolving template "+name, err)
		}
		templates = append(templates, *tmpl)
	}
	return templates, nil
}
