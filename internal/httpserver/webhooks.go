package httpserver

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/webhook"
)

// WebhooksHandler serves the public, unauthenticated webhook admission
// route. Authentication happens inside Pipeline.Admit via the per-host
// shared secret, not via the session/API-key middleware chain.
type WebhooksHandler struct {
	pipeline *webhook.Pipeline
	logger   *slog.Logger
}

// NewWebhooksHandler builds a WebhooksHandler.
func NewWebhooksHandler(p *webhook.Pipeline, logger *slog.Logger) *WebhooksHandler {
	return &WebhooksHandler{pipeline: p, logger: logger}
}

// Routes mounts the webhook admission endpoint.
func (h *WebhooksHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{host}/{event}", h.handleAdmit)
	return r
}

const maxWebhookBodyBytes = 1 << 20 // 1 MiB

func (h *WebhooksHandler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes+1))
	if err != nil {
		RespondErr(w, h.logger, errs.Wrap(errs.KindValidation, "reading webhook body", err))
		return
	}
	if len(body) > maxWebhookBodyBytes {
		RespondErr(w, h.logger, errs.New(errs.KindValidation, "webhook body too large"))
		return
	}

	d := webhook.Delivery{
		Host:       chi.URLParam(r, "host"),
		Event:      webhook.Event(chi.URLParam(r, "event")),
		DeliveryID: r.Header.Get("X-Delivery-Id"),
		Signature:  r.Header.Get("X-Signature-256"),
		Body:       body,
	}
	if d.DeliveryID == "" {
		d.DeliveryID = r.Header.Get("X-" + d.Host + "-Delivery")
	}
	if d.Signature == "" {
		d.Signature = r.Header.Get("X-" + d.Host + "-Signature-256")
	}

	result, err := h.pipeline.Admit(r.Context(), d)
	if err != nil {
		RespondErr(w, h.logger, err)
		return
	}
	Respond(w, http.StatusAccepted, result)
}
