// Package pipeline implements the Pipeline Supervisor (C7): it triggers
// code-host workflow runs, polls them to completion with exponential
// backoff, caches their latest snapshot, and summarizes run history into
// metrics.
package pipeline

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/capability"
	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// eventPublisher is the narrow seam onto the Real-Time Event Bus (C11);
// Supervisor only needs to publish, never subscribe.
type eventPublisher interface {
	Publish(room string, event string, payload any)
}

// Metrics is the summary computed by Metrics(repo, window).
type Metrics struct {
	Total          int
	Successful     int
	Failed         int
	Cancelled      int
	SuccessRate    float64
	FailureRate    float64
	AvgDuration    time.Duration
	MedianDuration time.Duration
}

// Supervisor is the Pipeline Supervisor. One Supervisor serves all
// repositories; each triggered run is polled by its own goroutine until it
// reaches a terminal state.
type Supervisor struct {
	store   store.Store
	host    capability.CIHost
	clock   platform.Clock
	ids     platform.IDGenerator
	limiter *TriggerLimiter
	cache   *runCache
	events  eventPublisher
	logger  *slog.Logger

	jitter func() time.Duration

	wg sync.WaitGroup
}

// NewSupervisor builds a Supervisor. events may be nil until the event bus
// is wired; Publish calls are then silently skipped.
func NewSupervisor(s store.Store, host capability.CIHost, clock platform.Clock, ids platform.IDGenerator, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:   s,
		host:    host,
		clock:   clock,
		ids:     ids,
		limiter: NewTriggerLimiter(),
		cache:   newRunCache(),
		logger:  logger,
		jitter:  func() time.Duration { return time.Duration(rand.Int63n(int64(time.Second))) },
	}
}

// SetEventPublisher wires the event bus once it is available.
func (sv *Supervisor) SetEventPublisher(p eventPublisher) {
	sv.events = p
}

func (sv *Supervisor) publish(repo, event string, run store.PipelineRun) {
	if sv.events == nil {
		return
	}
	sv.events.Publish("pipeline:"+repo, event, run)
}

// Trigger invokes the code host's workflow run, rate-limited per principal,
// and starts a background poller for the resulting run. It returns the
// supervisor's own run id immediately; the run is not yet guaranteed to
// exist on the code host's side when Trigger returns.
func (sv *Supervisor) Trigger(ctx context.Context, principal, owner, repo, workflow string, params map[string]string) (string, error) {
	if err := sv.limiter.Allow(principal); err != nil {
		return "", err
	}

	hostRunID, err := sv.host.TriggerWorkflow(ctx, owner, repo, workflow, params)
	if err != nil {
		return "", err
	}

	now := sv.clock.Now()
	run := &store.PipelineRun{
		ID:           sv.ids.NewID(),
		Repository:   repo,
		WorkflowName: workflow,
		RunID:        hostRunID,
		Status:       store.PipelinePending,
		Actor:        principal,
		StartedAt:    &now,
	}
	if err := sv.store.InsertPipelineRun(ctx, run); err != nil {
		return "", err
	}
	sv.cache.Put(*run)
	sv.publish(repo, "pipeline.triggered", *run)

	sv.wg.Add(1)
	go sv.poll(context.WithoutCancel(ctx), owner, *run)

	return run.ID, nil
}

// Status returns the latest known snapshot for runID, consulting the cache
// before the store.
func (sv *Supervisor) Status(ctx context.Context, repository, runID string) (store.PipelineRun, error) {
	if run, ok := sv.cache.Get(repository, runID); ok {
		return run, nil
	}
	run, err := sv.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return store.PipelineRun{}, err
	}
	sv.cache.Put(*run)
	return *run, nil
}

// poll drives one run from pending/running to a terminal state, applying
// the exponential-backoff polling discipline.
func (sv *Supervisor) poll(ctx context.Context, owner string, run store.PipelineRun) {
	defer sv.wg.Done()

	b := newBackoff()
	lastStatus := run.Status

	for {
		snap, err := sv.host.GetRun(ctx, owner, run.Repository, run.RunID)
		if err != nil {
			if errs.Is(err, errs.KindRateLimited) {
				retryAfter := snap.RetryAfter
				if retryAfter <= 0 {
					retryAfter = backoffInitial
				}
				delay := RateLimitedDelay(retryAfter, sv.jitter())
				sv.sleep(ctx, delay)
				continue
			}
			sv.logger.Warn("pipeline poll failed", "repository", run.Repository, "run_id", run.RunID, "error", err)
			sv.sleep(ctx, b.Next())
			continue
		}

		run = sv.applySnapshot(run, snap)

		if run.Status != lastStatus {
			b.Reset()
			lastStatus = run.Status
		}

		if err := sv.store.UpdatePipelineRun(ctx, &run); err != nil {
			sv.logger.Error("persisting pipeline run", "run_id", run.ID, "error", err)
		}
		sv.cache.Put(run)
		sv.publish(run.Repository, "pipeline.updated", run)

		if run.Status.Terminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-sv.clock.After(b.Next()):
		}
	}
}

func (sv *Supervisor) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-sv.clock.After(d):
	}
}

func (sv *Supervisor) applySnapshot(run store.PipelineRun, snap capability.RunSnapshot) store.PipelineRun {
	run.Status = mapHostStatus(snap.Status, snap.Conclusion)
	run.Conclusion = snap.Conclusion
	if snap.Commit != "" {
		run.Commit = snap.Commit
	}
	if snap.Actor != "" {
		run.Actor = snap.Actor
	}
	if snap.StartedAt != nil {
		run.StartedAt = snap.StartedAt
	}
	if run.Status.Terminal() {
		if snap.CompletedAt != nil {
			run.CompletedAt = snap.CompletedAt
		} else {
			now := sv.clock.Now()
			run.CompletedAt = &now
		}
	}

	run.Jobs = make([]store.PipelineJob, len(snap.Jobs))
	for i, j := range snap.Jobs {
		run.Jobs[i] = store.PipelineJob{Name: j.Name, Status: mapHostStatus(j.Status, ""), StartedAt: j.StartedAt, EndedAt: j.EndedAt}
	}
	run.Steps = make([]store.PipelineStep, len(snap.Steps))
	for i, s := range snap.Steps {
		run.Steps[i] = store.PipelineStep{Name: s.Name, JobName: s.JobName, Status: mapHostStatus(s.Status, ""), StartedAt: s.StartedAt, EndedAt: s.EndedAt}
	}
	return run
}

func mapHostStatus(status, conclusion string) store.PipelineStatus {
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

// Metrics summarizes pipeline runs for repo within the trailing window.
func (sv *Supervisor) Metrics(ctx context.Context, repo string, window time.Duration) (Metrics, error) {
	runs, err := sv.store.ListPipelineRuns(ctx, store.PipelineRunFilter{Repository: repo})
	if err != nil {
		return Metrics{}, err
	}

	cutoff := sv.clock.Now().Add(-window)
	var durations []float64
	var m Metrics
	for _, r := range runs {
		if r.StartedAt == nil || r.StartedAt.Before(cutoff) {
			continue
		}
		m.Total++
		switch r.Status {
		case store.PipelineSuccess:
			m.Successful++
		case store.PipelineFailure:
			m.Failed++
		case store.PipelineCancelled:
			m.Cancelled++
		}
		if d := r.Duration(); d > 0 {
			durations = append(durations, d.Seconds())
		}
	}

	if m.Total > 0 {
		m.SuccessRate = float64(m.Successful) / float64(m.Total)
		m.FailureRate = float64(m.Failed) / float64(m.Total)
	}
	if len(durations) > 0 {
		sort.Float64s(durations)
		var sum float64
		for _, d := range durations {
			sum += d
		}
		m.AvgDuration = time.Duration(sum / float64(len(durations)) * float64(time.Second))
		m.MedianDuration = time.Duration(median(durations) * float64(time.Second))
	}
	return m, nil
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Wait blocks until every in-flight poller has returned. Intended for tests
// and graceful shutdown.
func (sv *Supervisor) Wait() {
	sv.wg.Wait()
}
