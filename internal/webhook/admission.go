package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/festion/homelab-gitops-auditor/internal/deployment"
	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/secrets"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// Deployer is the narrow seam into the Deployment Engine (C8): admission
// only ever needs to enqueue a new request, never the engine's queue/worker
// internals.
type Deployer interface {
	Enqueue(ctx context.Context, req deployment.Request) (*store.Deployment, error)
}

const webhookSecretName = "webhook-secret"

// Pipeline implements the C10 admission sequence: authenticate, deduplicate,
// validate, dispatch.
type Pipeline struct {
	store    store.Store
	secrets  *secrets.Provider
	dedup    dedupCache
	deployer Deployer
	clock    platform.Clock
	ids      platform.IDGenerator
	logger   *slog.Logger

	mappings map[string]DeployMapping
}

// NewPipeline builds a Pipeline. secretProvider resolves the shared webhook
// HMAC secret per host via (host, "webhook-secret", "<HOST>_WEBHOOK_SECRET").
// redisClient backs the delivery-id dedup fast path; a nil redisClient falls
// through to the store-only dedup check (used in tests).
func NewPipeline(s store.Store, secretProvider *secrets.Provider, redisClient *redis.Client, deployer Deployer, clock platform.Clock, ids platform.IDGenerator, logger *slog.Logger) *Pipeline {
	var dedup dedupCache
	if redisClient != nil {
		dedup = newRedisDedup(redisClient)
	}
	return &Pipeline{
		store:    s,
		secrets:  secretProvider,
		dedup:    dedup,
		deployer: deployer,
		clock:    clock,
		ids:      ids,
		logger:   logger,
		mappings: make(map[string]DeployMapping),
	}
}

// SetMappings replaces the repository → deploy-mapping catalog used to
// resolve push/repository_dispatch events into deployment requests.
func (p *Pipeline) SetMappings(mappings []DeployMapping) {
	m := make(map[string]DeployMapping, len(mappings))
	for _, dm := range mappings {
		m[dm.Repository] = dm
	}
	p.mappings = m
}

// Admit runs the full authenticate → dedup → validate → dispatch sequence
// for one Delivery. A non-nil error always means the delivery was rejected
// (caller should respond with a non-2xx status); a nil error with
// Result.Duplicate true means the delivery was acknowledged but not
// reprocessed.
func (p *Pipeline) Admit(ctx context.Context, d Delivery) (Result, error) {
	if err := p.authenticate(ctx, d); err != nil {
		return Result{}, err
	}

	duplicate, err := p.checkDuplicate(ctx, d)
	if err != nil {
		return Result{}, err
	}
	if duplicate {
		p.recordAudit(d, true)
		return Result{Duplicate: true}, nil
	}

	if err := validateSchema(d.Event, d.Body); err != nil {
		return Result{}, err
	}

	dispatch, err := p.dispatch(ctx, d)
	if err != nil {
		return Result{}, err
	}
	p.recordAudit(d, false)
	return Result{Dispatch: dispatch}, nil
}

// authenticate verifies the X-*-Signature-256 header against an HMAC-SHA256
// of the raw body, using the shared secret for d.Host. Comparison is
// constant-time via hmac.Equal.
func (p *Pipeline) authenticate(_ context.Context, d Delivery) error {
	fallbackEnvVar := strings.ToUpper(d.Host) + "_WEBHOOK_SECRET"
	secret, err := p.secrets.Get(d.Host, webhookSecretName, fallbackEnvVar)
	if err != nil {
		return errs.Wrap(errs.KindAuthFailed, "resolving webhook secret", err)
	}

	got, ok := strings.CutPrefix(d.Signature, "sha256=")
	if !ok || got == "" {
		return errs.New(errs.KindAuthFailed, "missing or malformed webhook signature")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(d.Body)
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(got), []byte(want)) {
		return errs.New(errs.KindAuthFailed, "webhook signature mismatch")
	}
	return nil
}

// checkDuplicate reports whether d.DeliveryID has already been admitted for
// d.Host. Redis (when configured) is the fast path; the store is consulted
// when Redis is unavailable or unconfigured and is always the record of
// truth that survives a process restart.
func (p *Pipeline) checkDuplicate(ctx context.Context, d Delivery) (bool, error) {
	if p.dedup != nil {
		newlySet, err := p.dedup.MarkSeen(ctx, dedupKey(d.Host, d.DeliveryID))
		if err != nil {
			p.logger.Warn("dedup cache unavailable, falling back to store", "error", err)
		} else if !newlySet {
			return true, nil
		}
		// Either newly seen in Redis, or Redis was unavailable: still check
		// and mirror to the store so a restart before Redis is warm doesn't
		// reprocess a delivery Redis already forgot.
	}
	return p.checkAndRecordStore(ctx, d)
}

func (p *Pipeline) checkAndRecordStore(ctx context.Context, d Delivery) (bool, error) {
	seen, err := p.store.HasWebhookDelivery(ctx, d.Host, d.DeliveryID)
	if err != nil {
		return false, err
	}
	if seen {
		return true, nil
	}
	err = p.store.RecordWebhookDelivery(ctx, &store.WebhookDelivery{
		ID:         p.ids.NewID(),
		Host:       d.Host,
		Event:      string(d.Event),
		DeliveryID: d.DeliveryID,
		ReceivedAt: p.clock.Now(),
	})
	return false, err
}

func (p *Pipeline) dispatch(ctx context.Context, d Delivery) (string, error) {
	switch d.Event {
	case EventPing:
		return "", nil
	case EventPush:
		return "deployment", p.dispatchPush(ctx, d.Body)
	case EventRepositoryDispatch:
		return "deployment", p.dispatchRepositoryDispatch(ctx, d.Body)
	case EventWorkflowRun:
		return "pipeline", p.dispatchWorkflowRun(ctx, d.Body)
	default:
		return "", errs.New(errs.KindValidation, "unrecognized event type: "+string(d.Event))
	}
}

func (p *Pipeline) dispatchPush(ctx context.Context, body []byte) error {
	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return errs.Wrap(errs.KindValidation, "decoding push payload", err)
	}
	repo := repoName(payload.Repository)
	branch := branchFromRef(payload.Ref)
	mapping, ok := p.mappings[repo]
	if !ok {
		p.logger.Info("push event for unmapped repository, skipping deployment", "repository", repo)
		return nil
	}
	if !branchAllowed(mapping.AllowedBranches, branch) {
		p.logger.Info("push event for disallowed branch, skipping deployment", "repository", repo, "branch", branch)
		return nil
	}
	_, err := p.deployer.Enqueue(ctx, deployment.Request{
		Owner:            mapping.Owner,
		Repository:       repo,
		Branch:           branch,
		Priority:         store.PriorityNormal,
		RequestedBy:      "webhook:push",
		Manifest:         mapping.Manifest,
		DestinationShare: mapping.Share,
		AllowedBranches:  mapping.AllowedBranches,
	})
	return err
}

func (p *Pipeline) dispatchRepositoryDispatch(ctx context.Context, body []byte) error {
	var payload repositoryDispatchPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return errs.Wrap(errs.KindValidation, "decoding repository_dispatch payload", err)
	}
	repo := repoName(payload.Repository)
	mapping, ok := p.mappings[repo]
	if !ok {
		p.logger.Info("repository_dispatch event for unmapped repository, skipping deployment", "repository", repo)
		return nil
	}
	branch := payload.Branch
	if branch == "" {
		branch = "main"
	}
	_, err := p.deployer.Enqueue(ctx, deployment.Request{
		Owner:            mapping.Owner,
		Repository:       repo,
		Branch:           branch,
		Priority:         store.PriorityHigh,
		RequestedBy:      "webhook:repository_dispatch",
		Manifest:         mapping.Manifest,
		DestinationShare: mapping.Share,
		AllowedBranches:  mapping.AllowedBranches,
	})
	return err
}

// dispatchWorkflowRun updates the cached PipelineRun C7 created when it
// triggered the run, applying the same monotonic-status guard the store
// already enforces elsewhere. A workflow_run for a run C7 never triggered
// (runID unknown) is ignored: webhooks only ever observe runs already in
// flight, never create new ones.
func (p *Pipeline) dispatchWorkflowRun(ctx context.Context, body []byte) error {
	var payload workflowRunPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return errs.Wrap(errs.KindValidation, "decoding workflow_run payload", err)
	}
	repo := repoName(payload.Repository)
	if payload.WorkflowRun.ID == "" {
		return errs.New(errs.KindValidation, "workflow_run payload missing id")
	}

	run, err := p.store.GetPipelineRunByHostRunID(ctx, repo, payload.WorkflowRun.ID)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil
		}
		return err
	}

	next := mapWebhookStatus(payload.WorkflowRun.Status, payload.WorkflowRun.Conclusion)
	if run.Status.Regresses(next) {
		return nil
	}
	run.Status = next
	run.Conclusion = payload.WorkflowRun.Conclusion
	if run.Status.Terminal() && run.CompletedAt == nil {
		now := p.clock.Now()
		run.CompletedAt = &now
	}
	return p.store.UpdatePipelineRun(ctx, run)
}

func (p *Pipeline) recordAudit(d Delivery, duplicate bool) {
	err := p.store.AppendAuditEntry(context.Background(), &store.AuditEntry{
		ID:         p.ids.NewID(),
		Actor:      "webhook:" + d.Host,
		Action:     "webhook.received",
		Resource:   "webhook",
		ResourceID: d.DeliveryID,
		Metadata:   map[string]string{"event": string(d.Event)},
		Duplicate:  duplicate,
		Timestamp:  p.clock.Now(),
	})
	if err != nil {
		p.logger.Warn("failed to record webhook audit entry", "error", err)
	}
}

func mapWebhookStatus(status, conclusion string) store.PipelineStatus {
	switch status {
	case "queued", "requested", "waiting", "pending":
		return store.PipelinePending
	case "in_progress", "running":
		return store.PipelineRunning
	case "completed":
		switch conclusion {
		case "success":
			return store.PipelineSuccess
		case "cancelled":
			return store.PipelineCancelled
		default:
			return store.PipelineFailure
		}
	default:
		return store.PipelinePending
	}
}

func repoName(ref repositoryRef) string {
	if ref.FullName != "" {
		return ref.FullName
	}
	return ref.Name
}

func branchFromRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

func branchAllowed(allowed []string, branch string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == branch {
			return true
		}
	}
	return false
}
