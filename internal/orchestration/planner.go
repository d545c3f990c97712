package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/deployment"
	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

const defaultPollInterval = 2 * time.Second

// eventPublisher mirrors the same narrow seam internal/pipeline and
// internal/deployment use onto the Real-Time Event Bus (C11).
type eventPublisher interface {
	Publish(room string, event string, payload any)
}

// auditRecorder is the subset of audit.Writer's API the Planner depends on,
// following internal/auth.Service's own dependency-narrowing seam.
type auditRecorder interface {
	Record(actor, action, resource, resourceID string, metadata map[string]string)
}

// notifier is the narrow seam onto pkg/notify's Registry.
type notifier interface {
	Notify(ctx context.Context, channels []string, message string)
}

// Deployer is the subset of internal/deployment.Engine the Planner dispatches
// "deployment" actions to.
type Deployer interface {
	Enqueue(ctx context.Context, req deployment.Request) (*store.Deployment, error)
	RollbackCompleted(ctx context.Context, id string) error
}

// PipelineTrigger is the subset of internal/pipeline.Supervisor the Planner
// dispatches "pipeline" actions to.
type PipelineTrigger interface {
	Trigger(ctx context.Context, principal, owner, repo, workflow string, params map[string]string) (string, error)
	Status(ctx context.Context, repository, runID string) (store.PipelineRun, error)
}

// actionOutcome is the Planner's private bookkeeping for one executed
// action, enough to decide pass/fail and to drive reverse-order rollback.
type actionOutcome struct {
	action      Action
	err         error
	skipped     bool
	deploymentID string
}

// Planner is the Orchestration Planner (C9). One Planner serves every
// profile; each triggered run drives its own goroutine through the
// profile's staged DAG.
type Planner struct {
	store     store.Store
	deployer  Deployer
	pipelines PipelineTrigger
	clock     platform.Clock
	ids       platform.IDGenerator
	events    eventPublisher
	audit     auditRecorder
	notifier  notifier
	logger    *slog.Logger

	pollInterval time.Duration

	wg sync.WaitGroup
}

// NewPlanner builds a Planner.
func NewPlanner(s store.Store, deployer Deployer, pipelines PipelineTrigger, clock platform.Clock, ids platform.IDGenerator, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		store:        s,
		deployer:     deployer,
		pipelines:    pipelines,
		clock:        clock,
		ids:          ids,
		logger:       logger,
		pollInterval: defaultPollInterval,
	}
}

// SetEventPublisher wires the event bus once it is available.
func (p *Planner) SetEventPublisher(pub eventPublisher) { p.events = pub }

// SetAuditRecorder wires the audit writer once it is available.
func (p *Planner) SetAuditRecorder(a auditRecorder) { p.audit = a }

// SetNotifier wires the notification registry once it is available.
func (p *Planner) SetNotifier(n notifier) { p.notifier = n }

func (p *Planner) notify(ctx context.Context, channels []string, message string) {
	if p.notifier == nil || len(channels) == 0 {
		return
	}
	p.notifier.Notify(ctx, channels, message)
}

func (p *Planner) publish(repo, event string, payload any) {
	if p.events == nil {
		return
	}
	p.events.Publish("orchestration:"+repo, event, payload)
}

func (p *Planner) record(actor, action, resourceID string, metadata map[string]string) {
	if p.audit == nil {
		return
	}
	p.audit.Record(actor, action, "orchestration", resourceID, metadata)
}

// Trigger resolves profile.Selector against inventory and starts one
// OrchestrationRun per matching repository, running in the background.
// It returns the created (queued) run records immediately.
func (p *Planner) Trigger(ctx context.Context, profile OrchestrationProfile, inventory []RepositoryAttributes, requestedBy string) ([]*store.OrchestrationRun, error) {
	if err := Validate(profile); err != nil {
		return nil, err
	}

	var matched []RepositoryAttributes
	for _, repo := range inventory {
		if profile.Selector.Matches(repo) {
			matched = append(matched, repo)
		}
	}
	if len(matched) == 0 {
		return nil, errs.New(errs.KindValidation, "no repository in the inventory matches the profile's selector").
			WithDetails(map[string]string{"profile": profile.Name})
	}

	runs := make([]*store.OrchestrationRun, 0, len(matched))
	for _, repo := range matched {
		now := p.clock.Now()
		run := &store.OrchestrationRun{
			ID:          p.ids.NewID(),
			ProfileName: profile.Name,
			Repository:  repo.Name,
			State:       store.OrchestrationQueued,
			RequestedBy: requestedBy,
			RequestedAt: now,
		}
		if err := p.store.InsertOrchestrationRun(ctx, run); err != nil {
			return nil, err
		}
		runs = append(runs, run)

		p.wg.Add(1)
		go p.drive(context.WithoutCancel(ctx), run, profile, repo)
	}
	return runs, nil
}

// drive executes one OrchestrationRun's staged DAG to a terminal state.
func (p *Planner) drive(ctx context.Context, run *store.OrchestrationRun, profile OrchestrationProfile, repo RepositoryAttributes) {
	defer p.wg.Done()

	if profile.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, profile.Timeout.Duration)
		defer cancel()
	}

	started := p.clock.Now()
	run.StartedAt = &started
	if err := p.store.UpdateOrchestrationState(ctx, run.ID, store.OrchestrationRunning, nil, ""); err != nil {
		p.logger.Error("marking orchestration running", "orchestration", run.ID, "error", err)
	}
	p.publish(repo.Name, "orchestration:started", run)
	p.record(run.RequestedBy, "orchestration.started", run.ID, map[string]string{"profile": profile.Name, "repository": repo.Name})

	var completed []actionOutcome
	var totalActions, failedActions int
	stageFailed := false

	for _, stage := range profile.Stages {
		if err := ctx.Err(); err != nil {
			stageFailed = true
			break
		}

		outcomes := p.runStage(ctx, stage, repo)
		for _, o := range outcomes {
			totalActions++
			if o.err != nil || o.skipped {
				failedActions++
			}
			if o.err == nil && !o.skipped {
				completed = append(completed, o)
			}
		}

		if totalActions > 0 && profile.CriticalFailureThreshold > 0 &&
			float64(failedActions)/float64(totalActions) > profile.CriticalFailureThreshold {
			stageFailed = true
			break
		}
		for _, o := range outcomes {
			if o.err != nil {
				stageFailed = true
			}
		}
		if stageFailed {
			break
		}
	}

	now := p.clock.Now()
	if !stageFailed {
		if err := p.store.UpdateOrchestrationState(ctx, run.ID, store.OrchestrationCompleted, &now, ""); err != nil {
			p.logger.Error("marking orchestration completed", "orchestration", run.ID, "error", err)
		}
		p.publish(repo.Name, "orchestration:completed", map[string]any{"id": run.ID})
		p.record(run.RequestedBy, "orchestration.completed", run.ID, nil)
		p.notify(ctx, profile.Notifications, fmt.Sprintf("orchestration %q completed for %s", profile.Name, repo.Name))
		return
	}

	reason := "critical failure threshold exceeded"
	if err := ctx.Err(); err != nil {
		reason = "orchestration timed out"
	}

	if profile.RollbackOnFailure {
		p.rollback(ctx, completed)
	}

	if err := p.store.UpdateOrchestrationState(ctx, run.ID, store.OrchestrationFailed, &now, reason); err != nil {
		p.logger.Error("marking orchestration failed", "orchestration", run.ID, "error", err)
	}
	p.publish(repo.Name, "orchestration:failed", map[string]any{"id": run.ID, "reason": reason})
	p.record(run.RequestedBy, "orchestration.failed", run.ID, map[string]string{"reason": reason})
	p.notify(ctx, profile.Notifications, fmt.Sprintf("orchestration %q failed for %s: %s", profile.Name, repo.Name, reason))
}

// rollback traverses completed actions in reverse, rolling back every
// deployment action via C8. Pipeline actions have no rollback primitive —
// a triggered workflow run cannot be un-run — and are skipped.
func (p *Planner) rollback(ctx context.Context, completed []actionOutcome) {
	for i := len(completed) - 1; i >= 0; i-- {
		o := completed[i]
		if o.action.Kind != ActionDeployment || o.deploymentID == "" {
			continue
		}
		if err := p.deployer.RollbackCompleted(context.WithoutCancel(ctx), o.deploymentID); err != nil {
			p.logger.Error("rolling back orchestration action", "action", o.action.ID, "deployment", o.deploymentID, "error", err)
		}
	}
}

// runStage executes one stage's actions per its execution mode and returns
// one outcome per action, including skipped ones.
func (p *Planner) runStage(ctx context.Context, stage Stage, repo RepositoryAttributes) []actionOutcome {
	switch stage.Execution {
	case ExecSequential:
		return p.runSequential(ctx, stage.Actions, repo)
	case ExecDependencyOrdered:
		return p.runDependencyOrdered(ctx, stage.Actions, repo)
	default: // parallel, and any unrecognized mode defaults to parallel
		return p.runParallel(ctx, stage.Actions, repo)
	}
}

func (p *Planner) runParallel(ctx context.Context, actions []Action, repo RepositoryAttributes) []actionOutcome {
	outcomes := make([]actionOutcome, len(actions))
	var wg sync.WaitGroup
	for i, a := range actions {
		wg.Add(1)
		go func(i int, a Action) {
			defer wg.Done()
			outcomes[i] = actionOutcome{action: a}
			id, err := p.runAction(ctx, a, repo)
			outcomes[i].err = err
			outcomes[i].deploymentID = id
		}(i, a)
	}
	wg.Wait()
	return outcomes
}

func (p *Planner) runSequential(ctx context.Context, actions []Action, repo RepositoryAttributes) []actionOutcome {
	outcomes := make([]actionOutcome, 0, len(actions))
	halted := false
	for _, a := range actions {
		if halted {
			outcomes = append(outcomes, actionOutcome{action: a, skipped: true})
			continue
		}
		id, err := p.runAction(ctx, a, repo)
		outcomes = append(outcomes, actionOutcome{action: a, err: err, deploymentID: id})
		if err != nil {
			halted = true
		}
	}
	return outcomes
}

// runDependencyOrdered executes actions in topological layers (Kahn's
// algorithm); within a layer, execution is parallel. An action whose
// dependency failed or was skipped is itself skipped rather than run.
func (p *Planner) runDependencyOrdered(ctx context.Context, actions []Action, repo RepositoryAttributes) []actionOutcome {
	byID := make(map[string]Action, len(actions))
	indegree := make(map[string]int, len(actions))
	dependents := make(map[string][]string, len(actions))
	for _, a := range actions {
		byID[a.ID] = a
		indegree[a.ID] = len(a.DependsOn)
		for _, dep := range a.DependsOn {
			dependents[dep] = append(dependents[dep], a.ID)
		}
	}

	results := make(map[string]actionOutcome, len(actions))
	remaining := len(actions)
	var layer []string
	for id, deg := range indegree {
		if deg == 0 {
			layer = append(layer, id)
		}
	}

	for remaining > 0 && len(layer) > 0 {
		type layerResult struct {
			id string
			o  actionOutcome
		}
		outs := make([]layerResult, len(layer))
		var wg sync.WaitGroup
		for i, id := range layer {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				a := byID[id]
				depFailed := false
				for _, dep := range a.DependsOn {
					if r, ok := results[dep]; ok && (r.err != nil || r.skipped) {
						depFailed = true
					}
				}
				if depFailed {
					outs[i] = layerResult{id: id, o: actionOutcome{action: a, skipped: true}}
					return
				}
				deploymentID, err := p.runAction(ctx, a, repo)
				outs[i] = layerResult{id: id, o: actionOutcome{action: a, err: err, deploymentID: deploymentID}}
			}(i, id)
		}
		wg.Wait()

		var next []string
		for _, r := range outs {
			results[r.id] = r.o
			remaining--
			for _, dep := range dependents[r.id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		layer = next
	}

	outcomes := make([]actionOutcome, 0, len(actions))
	for _, a := range actions {
		if r, ok := results[a.ID]; ok {
			outcomes = append(outcomes, r)
		} else {
			// a dependency cycle left this action unreachable; Validate
			// rejects unknown dependsOn targets but not cycles.
			outcomes = append(outcomes, actionOutcome{action: a, skipped: true})
		}
	}
	return outcomes
}

// runAction dispatches one action to C8 or C7 and blocks until it reaches a
// terminal state, returning the resulting deployment id for deployment
// actions (used later for reverse-order rollback).
func (p *Planner) runAction(ctx context.Context, a Action, repo RepositoryAttributes) (string, error) {
	p.publish(repo.Name, "orchestration:action:started", map[string]any{"action": a.ID})

	switch a.Kind {
	case ActionDeployment:
		return p.runDeploymentAction(ctx, a, repo)
	case ActionPipeline:
		_, err := p.runPipelineAction(ctx, a, repo)
		return "", err
	default:
		return "", errs.New(errs.KindValidation, "unknown action kind").WithDetails(map[string]string{"action": a.ID, "kind": string(a.Kind)})
	}
}

func (p *Planner) runDeploymentAction(ctx context.Context, a Action, repo RepositoryAttributes) (string, error) {
	manifest := make([]deployment.ManifestEntry, len(a.Manifest))
	for i, m := range a.Manifest {
		manifest[i] = deployment.ManifestEntry{Path: m.Path, Op: store.FileOp(m.Op)}
	}
	d, err := p.deployer.Enqueue(ctx, deployment.Request{
		Owner:            a.Params["owner"],
		Repository:       repo.Name,
		Branch:           a.Params["branch"],
		Manifest:         manifest,
		DestinationShare: a.Share,
		RequestedBy:      "orchestration",
	})
	if err != nil {
		return "", err
	}

	for {
		current, err := p.store.GetDeployment(ctx, d.ID)
		if err != nil {
			return d.ID, err
		}
		if current.State.Terminal() {
			if current.State != store.DeploymentCompleted {
				return d.ID, errs.New(errs.KindInternal, "deployment action did not complete").
					WithDetails(map[string]string{"action": a.ID, "state": string(current.State)})
			}
			return d.ID, nil
		}
		select {
		case <-ctx.Done():
			return d.ID, ctx.Err()
		case <-p.clock.After(p.pollInterval):
		}
	}
}

func (p *Planner) runPipelineAction(ctx context.Context, a Action, repo RepositoryAttributes) (string, error) {
	runID, err := p.pipelines.Trigger(ctx, "orchestration", a.Params["owner"], repo.Name, a.Workflow, a.Params)
	if err != nil {
		return "", err
	}

	for {
		run, err := p.pipelines.Status(ctx, repo.Name, runID)
		if err != nil {
			return runID, err
		}
		if run.Status.Terminal() {
			if run.Status != store.PipelineSuccess {
				return runID, errs.New(errs.KindInternal, "pipeline action did not succeed").
					WithDetails(map[string]string{"action": a.ID, "status": string(run.Status)})
			}
			return runID, nil
		}
		select {
		case <-ctx.Done():
			return runID, ctx.Err()
		case <-p.clock.After(p.pollInterval):
		}
	}
}

// Wait blocks until every in-flight orchestration run has returned.
func (p *Planner) Wait() {
	p.wg.Wait()
}
