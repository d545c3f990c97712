package pipeline

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/capability"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *capability.MemoryCIHost, *platform.FakeClock, store.Store) {
	t.Helper()
	s := store.NewMemory()
	host := capability.NewMemoryCIHost()
	clock := platform.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ids := &platform.SequentialIDGenerator{Prefix: "run"}
	sv := NewSupervisor(s, host, clock, ids, slog.Default())
	sv.jitter = func() time.Duration { return 0 }
	return sv, host, clock, s
}

func TestTriggerEnforcesRateLimit(t *testing.T) {
	sv, _, _, _ := newTestSupervisor(t)
	ctx := context.Background()

	for i := 0; i < triggerBurst; i++ {
		if _, err := sv.Trigger(ctx, "alice", "acme", "repo", "ci.yml", nil); err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
	}
	if _, err := sv.Trigger(ctx, "alice", "acme", "repo", "ci.yml", nil); err == nil {
		t.Fatalf("expected the burst-exceeding trigger to be rate limited")
	}
	sv.Wait()
}

func TestPollTransitionsToTerminalAndCaches(t *testing.T) {
	sv, host, clock, s := newTestSupervisor(t)
	ctx := context.Background()

	runID, err := sv.Trigger(ctx, "alice", "acme", "repo", "ci.yml", nil)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	run, err := s.GetPipelineRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetPipelineRun: %v", err)
	}

	// Let the poller observe the pending snapshot once, then move it to
	// completed and advance the clock past the first backoff interval.
	time.Sleep(10 * time.Millisecond)
	host.SetSnapshot("acme", "repo", capability.RunSnapshot{RunID: run.RunID, Status: "completed", Conclusion: "success"})
	clock.Advance(backoffInitial)
	time.Sleep(10 * time.Millisecond)

	sv.Wait()

	got, err := sv.Status(ctx, "repo", runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Status != store.PipelineSuccess {
		t.Fatalf("status = %v, want success", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completedAt to be stamped")
	}
}

func TestMetricsSummarizesWindow(t *testing.T) {
	sv, _, clock, s := newTestSupervisor(t)
	ctx := context.Background()

	start := clock.Now().Add(-time.Hour)
	completed := start.Add(10 * time.Second)
	outOfWindow := clock.Now().Add(-48 * time.Hour)

	runs := []store.PipelineRun{
		{ID: "r1", Repository: "repo", RunID: "1", Status: store.PipelineSuccess, StartedAt: &start, CompletedAt: &completed},
		{ID: "r2", Repository: "repo", RunID: "2", Status: store.PipelineFailure, StartedAt: &start, CompletedAt: &completed},
		{ID: "r3", Repository: "repo", RunID: "3", Status: store.PipelineSuccess, StartedAt: &outOfWindow, CompletedAt: &outOfWindow},
	}
	for _, r := range runs {
		r := r
		if err := s.InsertPipelineRun(ctx, &r); err != nil {
			t.Fatalf("InsertPipelineRun: %v", err)
		}
	}

	m, err := sv.Metrics(ctx, "repo", 24*time.Hour)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.Total != 2 || m.Successful != 1 || m.Failed != 1 {
		t.Fatalf("got %+v, want total=2 successful=1 failed=1", m)
	}
	if m.SuccessRate != 0.5 || m.FailureRate != 0.5 {
		t.Fatalf("got rates %v/%v, want 0.5/0.5", m.SuccessRate, m.FailureRate)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := newBackoff()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffResets(t *testing.T) {
	b := newBackoff()
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != backoffInitial {
		t.Fatalf("Next() after Reset = %v, want %v", got, backoffInitial)
	}
}
