// Package deployment implements the Deployment Engine (C8): the state
// machine that carries a requested repository sync from admission through
// backup, validation, apply, verification, and rollback.
package deployment

import (
	"context"
	"encoding/json"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// ManifestEntry is one file targeted by a deployment's apply step.
type ManifestEntry struct {
	Path string       `json:"path"`
	Op   store.FileOp `json:"op"`
}

// Request is the caller-supplied shape of a new deployment. Owner/Repo
// address the RepoHost; DestinationShare addresses the RemoteFS root the
// files land in. HealthCheckURL/HealthCheckContains drive the verify step.
type Request struct {
	Owner               string
	Repository          string
	Branch              string
	Priority            store.Priority
	RequestedBy         string
	Manifest            []ManifestEntry
	DestinationShare    string
	AllowedBranches     []string
	HealthCheckURL      string
	HealthCheckContains string
	MaxRetries          int
}

const (
	paramOwner               = "owner"
	paramManifest            = "fileManifest"
	paramDestinationShare    = "destinationShare"
	paramAllowedBranches     = "allowedBranches"
	paramHealthCheckURL      = "healthCheckURL"
	paramHealthCheckContains = "healthCheckContains"
)

func encodeParameters(req Request) (map[string]string, error) {
	manifestJSON, err := json.Marshal(req.Manifest)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "encoding file manifest", err)
	}
	allowedJSON, err := json.Marshal(req.AllowedBranches)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "encoding allowed branches", err)
	}
	return map[string]string{
		paramOwner:               req.Owner,
		paramManifest:            string(manifestJSON),
		paramDestinationShare:    req.DestinationShare,
		paramAllowedBranches:     string(allowedJSON),
		paramHealthCheckURL:      req.HealthCheckURL,
		paramHealthCheckContains: req.HealthCheckContains,
	}, nil
}

func decodeManifest(params map[string]string) ([]ManifestEntry, error) {
	var manifest []ManifestEntry
	if err := json.Unmarshal([]byte(params[paramManifest]), &manifest); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "decoding file manifest", err)
	}
	return manifest, nil
}

func decodeAllowedBranches(params map[string]string) ([]string, error) {
	var allowed []string
	if params[paramAllowedBranches] == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(params[paramAllowedBranches]), &allowed); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "decoding allowed branches", err)
	}
	return allowed, nil
}

// Validator is one check run over a fetched file during the validate step.
// Implementations wrap internal/validate's free functions plus any
// template-defined checks.
type Validator interface {
	Validate(ctx context.Context, path string, content []byte) error
}

// ValidatorFunc adapts a function to a Validator.
type ValidatorFunc func(ctx context.Context, path string, content []byte) error

func (f ValidatorFunc) Validate(ctx context.Context, path string, content []byte) error {
	return f(ctx, path, content)
}

// HealthChecker performs the verify step's downstream health probe.
type HealthChecker interface {
	Check(ctx context.Context, url, wantContains string) error
}
