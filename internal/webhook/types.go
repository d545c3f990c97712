// Package webhook implements the Webhook Admission Pipeline (C10): every
// inbound change event from a code host is authenticated, deduplicated,
// schema-validated, and dispatched to the Deployment Engine (C8) or Pipeline
// Supervisor (C7). Orchestrations are never webhook-triggered; they are only
// started by operator request.
package webhook

import (
	"encoding/json"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// Event is the code host's event-type header value.
type Event string

const (
	EventPush               Event = "push"
	EventRepositoryDispatch Event = "repository_dispatch"
	EventWorkflowRun        Event = "workflow_run"
	EventPing               Event = "ping"
)

// requiredFields enumerates the per-event-type schema: top-level JSON keys
// that must be present for the payload to be admitted.
var requiredFields = map[Event][]string{
	EventPush:               {"ref", "after", "repository"},
	EventRepositoryDispatch: {"action", "repository"},
	EventWorkflowRun:        {"action", "workflow_run", "repository"},
	EventPing:               {},
}

// Delivery is one inbound webhook request as handed to the Pipeline by the
// HTTP transport, before any processing.
type Delivery struct {
	Host       string // code host identity, e.g. "github" — keys the shared secret lookup.
	Event      Event
	DeliveryID string // the X-*-Delivery header value; dedup key.
	Signature  string // the X-*-Signature-256 header value, "sha256=<hex>".
	Body       []byte
}

// Result reports what the Pipeline did with a Delivery.
type Result struct {
	Duplicate bool
	Dispatch  string // which downstream component handled it, empty if none.
}

type repositoryRef struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

type pushPayload struct {
	Ref        string        `json:"ref"`
	After      string        `json:"after"`
	Repository repositoryRef `json:"repository"`
}

type repositoryDispatchPayload struct {
	Action        string            `json:"action"`
	Repository    repositoryRef     `json:"repository"`
	ClientPayload map[string]string `json:"client_payload"`
	Branch        string            `json:"branch"`
}

type workflowRunPayload struct {
	Action     string        `json:"action"`
	Repository repositoryRef `json:"repository"`
	WorkflowRun struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		HeadBranch string `json:"head_branch"`
		HeadSHA    string `json:"head_sha"`
	} `json:"workflow_run"`
}

// validateSchema decodes body as a generic JSON object and checks every
// field requiredFields names for event is present and non-empty.
func validateSchema(event Event, body []byte) error {
	fields, known := requiredFields[event]
	if !known {
		return errs.New(errs.KindValidation, "unrecognized event type: "+string(event))
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return errs.Wrap(errs.KindValidation, "decoding webhook payload", err)
	}
	for _, field := range fields {
		v, ok := decoded[field]
		if !ok || v == nil || v == "" {
			return errs.New(errs.KindValidation, "missing required field: "+field)
		}
	}
	return nil
}
