package deployment

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/capability"
	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

const (
	defaultWorkerCount       = 4
	defaultMaxRetries        = 3
	defaultVerifyMaxAttempts = 30
	defaultVerifyInterval    = 10 * time.Second
	claimPollInterval        = 2 * time.Second
)

// eventPublisher mirrors internal/pipeline's seam onto the Real-Time Event
// Bus (C11).
type eventPublisher interface {
	Publish(room string, event string, payload any)
}

// notifier is the narrow seam onto pkg/notify's Registry, used to alert
// on-call when a rollback itself fails.
type notifier interface {
	Notify(ctx context.Context, channels []string, message string)
}

// Config tunes the Engine's worker pool and verify-step polling.
type Config struct {
	WorkerCount         int
	VerifyMaxAttempts   int
	VerifyInterval      time.Duration
	BackupRetentionDays int
}

// Engine is the Deployment Engine (C8). One Engine serves every repository;
// a fixed pool of worker goroutines each loop claiming and running queued
// deployments to completion.
type Engine struct {
	store          store.Store
	repoHost       capability.RepoHost
	remoteFS       capability.RemoteFS
	clock          platform.Clock
	ids            platform.IDGenerator
	validators     []Validator
	health         HealthChecker
	events         eventPublisher
	notifier       notifier
	onCallChannels []string
	logger         *slog.Logger

	cfg Config

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewEngine builds an Engine. Zero-valued Config fields default to a
// worker pool of 4 and 30 verify attempts at a 10s interval.
func NewEngine(s store.Store, repoHost capability.RepoHost, remoteFS capability.RemoteFS, clock platform.Clock, ids platform.IDGenerator, validators []Validator, health HealthChecker, logger *slog.Logger, cfg Config) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.VerifyMaxAttempts <= 0 {
		cfg.VerifyMaxAttempts = defaultVerifyMaxAttempts
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = defaultVerifyInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      s,
		repoHost:   repoHost,
		remoteFS:   remoteFS,
		clock:      clock,
		ids:        ids,
		validators: validators,
		health:     health,
		logger:     logger,
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
	}
}

// SetEventPublisher wires the event bus once it is available.
func (e *Engine) SetEventPublisher(p eventPublisher) {
	e.events = p
}

// SetNotifier wires the on-call notification registry and the channel set a
// rollbackFailed alert is sent to.
func (e *Engine) SetNotifier(n notifier, onCallChannels []string) {
	e.notifier = n
	e.onCallChannels = onCallChannels
}

func (e *Engine) publish(repo, event string, payload any) {
	if e.events == nil {
		return
	}
	e.events.Publish("repo:"+repo, event, payload)
}

func (e *Engine) notifyOnCall(ctx context.Context, message string) {
	if e.notifier == nil || len(e.onCallChannels) == 0 {
		return
	}
	e.notifier.Notify(ctx, e.onCallChannels, message)
}

// Enqueue admits a new deployment request and returns the queued record.
func (e *Engine) Enqueue(ctx context.Context, req Request) (*store.Deployment, error) {
	params, err := encodeParameters(req)
	if err != nil {
		return nil, err
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	d := &store.Deployment{
		ID:          e.ids.NewID(),
		Repository:  req.Repository,
		Branch:      req.Branch,
		State:       store.DeploymentQueued,
		Priority:    req.Priority,
		RequestedBy: req.RequestedBy,
		RequestedAt: e.clock.Now(),
		MaxRetries:  maxRetries,
		Parameters:  params,
	}
	if d.Priority == "" {
		d.Priority = store.PriorityNormal
	}

	if err := e.store.InsertDeployment(ctx, d); err != nil {
		return nil, err
	}
	e.wakeWorkers()
	return d, nil
}

func (e *Engine) wakeWorkers() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Cancel requests cancellation of a deployment. A queued deployment is
// cancelled immediately; an in-progress deployment is cancelled between
// steps, after rollback if it has already applied.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	d, err := e.store.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if d.State.Terminal() {
		return nil // idempotent: already at a terminal state.
	}
	if d.State == store.DeploymentQueued {
		now := e.clock.Now()
		return e.store.UpdateDeploymentState(ctx, id, store.DeploymentCancelled, &now, "", "")
	}
	return e.store.RequestDeploymentCancel(ctx, id)
}

// Start launches the worker pool. It returns immediately; call Wait (or
// cancel ctx) to drain.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		e.wg.Add(1)
		go e.workerLoop(ctx, workerID)
	}
}

// Wait blocks until every worker goroutine has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, workerID string) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		next, err := e.store.NextQueuedDeployment(ctx)
		if err != nil {
			e.logger.Error("fetching next queued deployment", "worker", workerID, "error", err)
			e.sleep(ctx, claimPollInterval)
			continue
		}
		if next == nil {
			e.sleep(ctx, claimPollInterval)
			continue
		}

		claimed, ok, err := e.store.ClaimDeployment(ctx, next.ID, workerID, e.clock.Now())
		if err != nil {
			e.logger.Error("claiming deployment", "worker", workerID, "deployment", next.ID, "error", err)
			continue
		}
		if !ok {
			continue // claimed by another worker between list and claim
		}

		e.run(ctx, claimed)
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-e.wake:
	case <-e.clock.After(d):
	}
}

// run executes the full deployment protocol for one claimed deployment.
func (e *Engine) run(ctx context.Context, d *store.Deployment) {
	e.publish(d.Repository, "deployment:started", d)

	manifest, err := decodeManifest(d.Parameters)
	if err != nil {
		e.fail(ctx, d, "manifestDecodeFailed", err)
		return
	}
	allowedBranches, err := decodeAllowedBranches(d.Parameters)
	if err != nil {
		e.fail(ctx, d, "manifestDecodeFailed", err)
		return
	}
	owner := d.Parameters[paramOwner]
	share := d.Parameters[paramDestinationShare]

	if e.cancelledBeforeApply(ctx, d) {
		return
	}

	contents, err := retryValue(ctx, e, d, func() (map[string][]byte, error) {
		return e.resolveSource(ctx, d, owner, manifest, allowedBranches)
	})
	if err != nil {
		if errs.Is(err, errs.KindPolicyViolation) {
			e.fail(ctx, d, "policyViolation", err) // nothing applied yet, no rollback
			return
		}
		e.fail(ctx, d, "resolveSourceFailed", err)
		return
	}

	if e.cancelledBeforeApply(ctx, d) {
		return
	}

	files, err := retryValue(ctx, e, d, func() ([]store.DeploymentFile, error) {
		f, backupRef, berr := e.backup(ctx, d, share, manifest)
		if berr != nil {
			return nil, berr
		}
		d.BackupRef = backupRef
		return f, nil
	})
	if err != nil {
		e.fail(ctx, d, "backupFailed", err) // no rollback: apply never started
		return
	}

	if e.cancelledBeforeApply(ctx, d) {
		return
	}

	if _, err := retryValue(ctx, e, d, func() (struct{}, error) {
		return struct{}{}, e.validateAll(ctx, contents, e.validators)
	}); err != nil {
		e.fail(ctx, d, "validationFailed", err)
		return
	}

	if e.cancelledBeforeApply(ctx, d) {
		return
	}

	applyErr := e.apply(ctx, d, share, manifest, contents, files)
	e.publish(d.Repository, "deployment:apply:result", map[string]any{"id": d.ID, "ok": applyErr == nil})
	if applyErr != nil {
		e.rollbackAndFinish(ctx, d, share, files, "applyFailed", applyErr)
		return
	}

	if refreshed, err := e.store.GetDeployment(ctx, d.ID); err == nil && refreshed.CancelRequested {
		e.rollbackAndFinish(ctx, d, share, files, "cancelled", nil)
		return
	}

	verifyErr := e.verify(ctx, d)
	e.publish(d.Repository, "deployment:verify:result", map[string]any{"id": d.ID, "ok": verifyErr == nil})
	if verifyErr != nil {
		e.rollbackAndFinish(ctx, d, share, files, "healthCheckFailed", verifyErr)
		return
	}

	if refreshed, err := e.store.GetDeployment(ctx, d.ID); err == nil && refreshed.CancelRequested {
		e.rollbackAndFinish(ctx, d, share, files, "cancelled", nil)
		return
	}

	e.complete(ctx, d)
}

// cancelledBeforeApply checks the cancel flag at a step boundary prior to
// apply having started; if set, the deployment is cancelled with no
// rollback since nothing has been applied yet.
func (e *Engine) cancelledBeforeApply(ctx context.Context, d *store.Deployment) bool {
	refreshed, err := e.store.GetDeployment(ctx, d.ID)
	if err != nil || !refreshed.CancelRequested {
		return false
	}
	now := e.clock.Now()
	if err := e.store.UpdateDeploymentState(ctx, d.ID, store.DeploymentCancelled, &now, "", "cancelled before apply"); err != nil {
		e.logger.Error("marking deployment cancelled", "deployment", d.ID, "error", err)
	}
	e.publish(d.Repository, "deployment:cancelled", d)
	return true
}

// resolveSource fetches every manifest file's content at the deployment's
// branch, rejecting branches outside the allowlist.
func (e *Engine) resolveSource(ctx context.Context, d *store.Deployment, owner string, manifest []ManifestEntry, allowedBranches []string) (map[string][]byte, error) {
	if len(allowedBranches) > 0 && !contains(allowedBranches, d.Branch) {
		return nil, errs.New(errs.KindPolicyViolation, "branch is not in the allowed set").
			WithDetails(map[string]string{"branch": d.Branch})
	}

	contents := make(map[string][]byte, len(manifest))
	for _, entry := range manifest {
		if entry.Op == store.FileOpDelete {
			continue // nothing to fetch for a deletion
		}
		fc, err := e.repoHost.GetFile(ctx, owner, d.Repository, entry.Path, d.Branch)
		if err != nil {
			return nil, err
		}
		contents[entry.Path] = fc.Content
	}
	return contents, nil
}

// backup snapshots the pre-apply content of every manifest path that
// currently exists, so rollback can restore it byte-for-byte.
func (e *Engine) backup(ctx context.Context, d *store.Deployment, share string, manifest []ManifestEntry) ([]store.DeploymentFile, string, error) {
	backupRef := fmt.Sprintf("_backups/%s", d.ID)
	files := make([]store.DeploymentFile, 0, len(manifest))

	for _, entry := range manifest {
		f := store.DeploymentFile{
			ID:           e.ids.NewID(),
			DeploymentID: d.ID,
			Path:         entry.Path,
			Op:           entry.Op,
			Status:       store.FileStatusPending,
		}

		existing, err := e.remoteFS.ReadFile(ctx, share, entry.Path)
		switch {
		case err == nil:
			backupPath := path.Join(backupRef, entry.Path)
			if err := e.remoteFS.WriteFile(ctx, share, backupPath, existing); err != nil {
				return nil, "", err
			}
			f.BackupPath = backupPath
			f.Size = int64(len(existing))
		case errs.Is(err, errs.KindNotFound):
			// file does not exist yet: nothing to back up, rollback deletes it.
		default:
			return nil, "", err
		}

		files = append(files, f)
	}

	if err := e.store.SetDeploymentBackupRef(ctx, d.ID, backupRef); err != nil {
		return nil, "", err
	}
	for i := range files {
		if err := e.store.UpsertDeploymentFile(ctx, &files[i]); err != nil {
			return nil, "", err
		}
	}
	return files, backupRef, nil
}

func (e *Engine) validateAll(ctx context.Context, contents map[string][]byte, validators []Validator) error {
	for path, content := range contents {
		for _, v := range validators {
			if err := v.Validate(ctx, path, content); err != nil {
				return err
			}
		}
	}
	return nil
}

// apply writes every manifest entry in applyOrder (creates and updates
// first, deletes last), recording a DeploymentFile row per file.
func (e *Engine) apply(ctx context.Context, d *store.Deployment, share string, manifest []ManifestEntry, contents map[string][]byte, files []store.DeploymentFile) error {
	byPath := make(map[string]*store.DeploymentFile, len(files))
	for i := range files {
		byPath[files[i].Path] = &files[i]
	}

	ordered := applyOrder(manifest)
	for _, entry := range ordered {
		f := byPath[entry.Path]
		var err error
		switch entry.Op {
		case store.FileOpDelete:
			err = e.remoteFS.Delete(ctx, share, entry.Path)
		default:
			err = e.remoteFS.WriteFile(ctx, share, entry.Path, contents[entry.Path])
			if err == nil {
				f.Size = int64(len(contents[entry.Path]))
			}
		}

		if err != nil {
			f.Status = store.FileStatusError
			f.ErrorMessage = err.Error()
			_ = e.store.UpsertDeploymentFile(ctx, f)
			return err
		}
		f.Status = store.FileStatusOK
		if err := e.store.UpsertDeploymentFile(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// applyOrder sorts creates/updates (path asc) before deletes (path asc).
func applyOrder(manifest []ManifestEntry) []ManifestEntry {
	ordered := make([]ManifestEntry, len(manifest))
	copy(ordered, manifest)
	sort.SliceStable(ordered, func(i, j int) bool {
		iDel := ordered[i].Op == store.FileOpDelete
		jDel := ordered[j].Op == store.FileOpDelete
		if iDel != jDel {
			return !iDel
		}
		return ordered[i].Path < ordered[j].Path
	})
	return ordered
}

func (e *Engine) verify(ctx context.Context, d *store.Deployment) error {
	url := d.Parameters[paramHealthCheckURL]
	wantContains := d.Parameters[paramHealthCheckContains]
	if url == "" {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.VerifyMaxAttempts; attempt++ {
		if err := e.health.Check(ctx, url, wantContains); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.cfg.VerifyInterval):
		}
	}
	return errs.Wrap(errs.KindTransport, "health check did not succeed within the retry budget", lastErr)
}

// rollbackAndFinish restores the backup, retried up to maxRetries, then
// marks the deployment rolled-back (success) or failed with rollbackFailed
// (exhausted). reason is a domain label distinct from the errs.Kind taxonomy.
func (e *Engine) rollbackAndFinish(ctx context.Context, d *store.Deployment, share string, files []store.DeploymentFile, reason string, cause error) {
	e.publish(d.Repository, "deployment:"+reason, map[string]any{"id": d.ID})

	var rollbackErr error
	for attempt := 0; attempt <= d.MaxRetries; attempt++ {
		rollbackErr = e.rollback(ctx, share, files)
		if rollbackErr == nil {
			break
		}
		e.logger.Warn("rollback attempt failed", "deployment", d.ID, "attempt", attempt, "error", rollbackErr)
	}

	now := e.clock.Now()
	if rollbackErr != nil {
		msg := rollbackErr.Error()
		if cause != nil {
			msg = cause.Error() + "; rollback also failed: " + msg
		}
		_ = e.store.UpdateDeploymentState(ctx, d.ID, store.DeploymentFailed, &now, string(errs.KindRollbackFailed), msg)
		e.publish(d.Repository, "deployment:rollback:failed", map[string]any{"id": d.ID})
		e.notifyOnCall(ctx, fmt.Sprintf("rollback failed for deployment %s (%s): %s", d.ID, d.Repository, msg))
		e.emitMetric(ctx, d, store.DeploymentFailed, now)
		return
	}

	if reason == "cancelled" {
		_ = e.store.UpdateDeploymentState(ctx, d.ID, store.DeploymentCancelled, &now, "", "cancelled after apply, rolled back")
		e.publish(d.Repository, "deployment:cancelled", map[string]any{"id": d.ID})
		e.emitMetric(ctx, d, store.DeploymentCancelled, now)
		return
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_ = e.store.UpdateDeploymentState(ctx, d.ID, store.DeploymentRolledBack, &now, reason, msg)
	e.publish(d.Repository, "deployment:rolled-back", map[string]any{"id": d.ID})
	e.emitMetric(ctx, d, store.DeploymentRolledBack, now)
}

// rollback restores every file's pre-apply content, or deletes files that
// did not exist before apply.
func (e *Engine) rollback(ctx context.Context, share string, files []store.DeploymentFile) error {
	for _, f := range files {
		if f.BackupPath != "" {
			content, err := e.remoteFS.ReadFile(ctx, share, f.BackupPath)
			if err != nil {
				return err
			}
			if err := e.remoteFS.WriteFile(ctx, share, f.Path, content); err != nil {
				return err
			}
			continue
		}
		if f.Op != store.FileOpDelete {
			if err := e.remoteFS.Delete(ctx, share, f.Path); err != nil && !errs.Is(err, errs.KindNotFound) {
				return err
			}
		}
	}
	return nil
}

// RollbackCompleted restores a previously completed deployment's pre-apply
// content. It is the C8 side of the Orchestration Planner's (C9)
// rollbackOnFailure: when a later action in the same orchestration fails,
// the planner rewinds earlier completed deployment actions by deferring to
// this method rather than re-implementing file restoration itself.
func (e *Engine) RollbackCompleted(ctx context.Context, id string) error {
	d, err := e.store.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if d.State != store.DeploymentCompleted {
		return errs.New(errs.KindConflict, "deployment is not in a completed state").
			WithDetails(map[string]string{"state": string(d.State)})
	}

	share := d.Parameters[paramDestinationShare]
	files, err := e.store.ListDeploymentFiles(ctx, id)
	if err != nil {
		return err
	}
	if err := e.rollback(ctx, share, files); err != nil {
		return err
	}

	now := e.clock.Now()
	if err := e.store.UpdateDeploymentState(ctx, id, store.DeploymentRolledBack, &now, "orchestrationRollback", ""); err != nil {
		return err
	}
	e.publish(d.Repository, "deployment:rolled-back", map[string]any{"id": id})
	e.emitMetric(ctx, d, store.DeploymentRolledBack, now)
	return nil
}

func (e *Engine) complete(ctx context.Context, d *store.Deployment) {
	now := e.clock.Now()
	if err := e.store.UpdateDeploymentState(ctx, d.ID, store.DeploymentCompleted, &now, "", ""); err != nil {
		e.logger.Error("marking deployment completed", "deployment", d.ID, "error", err)
	}
	e.publish(d.Repository, "deployment:completed", map[string]any{"id": d.ID})
	e.emitMetric(ctx, d, store.DeploymentCompleted, now)
}

func (e *Engine) fail(ctx context.Context, d *store.Deployment, reason string, cause error) {
	now := e.clock.Now()
	kind := errs.KindOf(cause)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := e.store.UpdateDeploymentState(ctx, d.ID, store.DeploymentFailed, &now, string(kind), msg); err != nil {
		e.logger.Error("marking deployment failed", "deployment", d.ID, "error", err)
	}
	e.publish(d.Repository, "deployment:failed", map[string]any{"id": d.ID, "reason": reason})
	e.emitMetric(ctx, d, store.DeploymentFailed, now)
}

func (e *Engine) emitMetric(ctx context.Context, d *store.Deployment, outcome store.DeploymentState, completedAt time.Time) {
	duration := 0.0
	if d.StartedAt != nil {
		duration = completedAt.Sub(*d.StartedAt).Seconds()
	}
	_ = e.store.InsertMetricPoint(ctx, &store.MetricPoint{
		Kind:      "deployment.duration",
		Entity:    d.Repository,
		Timestamp: completedAt,
		Value:     duration,
		Unit:      "seconds",
		Tags:      map[string]string{"outcome": string(outcome)},
	})
}

// retryValue retries a step that produces a value on errs kinds the
// taxonomy marks Retryable, up to d.MaxRetries, stopping immediately on any
// other error kind. Steps 2-4 (resolve source, backup, validate) use this;
// apply and verify never do.
func retryValue[T any](ctx context.Context, e *Engine, d *store.Deployment, step func() (T, error)) (T, error) {
	var lastErr error
	var zero T
	for attempt := 0; attempt <= d.MaxRetries; attempt++ {
		v, err := step()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !errs.KindOf(err).Retryable() {
			return zero, err
		}
		if attempt == d.MaxRetries {
			break
		}
		if n, ierr := e.store.IncrementDeploymentRetry(ctx, d.ID); ierr == nil {
			d.RetryCount = n
		}
		e.sleep(ctx, time.Duration(attempt+1)*time.Second)
	}
	return zero, lastErr
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
