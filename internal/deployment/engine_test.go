package deployment

import (
	"context"
	"log/slog"
	"path"
	"testing"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/capability"
	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

type flakyHealthChecker struct {
	failFirst int
	calls     int
}

func (h *flakyHealthChecker) Check(ctx context.Context, url, wantContains string) error {
	h.calls++
	if h.calls <= h.failFirst {
		return errs.New(errs.KindTransport, "service unavailable")
	}
	return nil
}

type alwaysFailHealthChecker struct{}

func (alwaysFailHealthChecker) Check(ctx context.Context, url, wantContains string) error {
	return errs.New(errs.KindTransport, "service unavailable")
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, store.Store, *capability.MemoryRepoHost, *capability.CommandRemoteFS, *platform.FakeClock) {
	t.Helper()
	s := store.NewMemory()
	repoHost := capability.NewMemoryRepoHost()
	remoteFS := capability.NewCommandRemoteFS(map[string]string{"share": t.TempDir()}, 0, 0)
	clock := platform.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ids := &platform.SequentialIDGenerator{Prefix: "dep"}
	e := NewEngine(s, repoHost, remoteFS, clock, ids, nil, NewHTTPHealthChecker(), slog.Default(), cfg)
	return e, s, repoHost, remoteFS, clock
}

func TestEngineHappyPathCompletesDeployment(t *testing.T) {
	e, s, repoHost, remoteFS, clock := newTestEngine(t, Config{})
	ctx := context.Background()

	repoHost.Seed("acme", "repo", "main", "config.yaml", []byte("value: 1"))

	d, err := e.Enqueue(ctx, Request{
		Owner:      "acme",
		Repository: "repo",
		Branch:     "main",
		Manifest:   []ManifestEntry{{Path: "config.yaml", Op: store.FileOpCreate}},
		DestinationShare: "share",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, ok, err := s.ClaimDeployment(ctx, d.ID, "worker-0", clock.Now())
	if err != nil || !ok {
		t.Fatalf("ClaimDeployment: ok=%v err=%v", ok, err)
	}

	e.run(ctx, claimed)

	got, err := s.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if got.State != store.DeploymentCompleted {
		t.Fatalf("state = %v, want completed (errKind=%q msg=%q)", got.State, got.ErrorKind, got.ErrorMessage)
	}

	content, err := remoteFS.ReadFile(ctx, "share", "config.yaml")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "value: 1" {
		t.Fatalf("content = %q, want %q", content, "value: 1")
	}

	files, err := s.ListDeploymentFiles(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListDeploymentFiles: %v", err)
	}
	if len(files) != 1 || files[0].Status != store.FileStatusOK {
		t.Fatalf("got files %+v, want one ok file", files)
	}
}

func TestEngineRollsBackOnVerifyFailure(t *testing.T) {
	cfg := Config{VerifyMaxAttempts: 3, VerifyInterval: time.Second}
	e, s, repoHost, remoteFS, clock := newTestEngine(t, cfg)
	e.health = alwaysFailHealthChecker{}
	ctx := context.Background()

	repoHost.Seed("acme", "repo", "main", "config.yaml", []byte("new-value"))
	if err := remoteFS.WriteFile(ctx, "share", "config.yaml", []byte("old-value")); err != nil {
		t.Fatalf("seeding pre-existing file: %v", err)
	}

	d, err := e.Enqueue(ctx, Request{
		Owner:               "acme",
		Repository:          "repo",
		Branch:              "main",
		Manifest:            []ManifestEntry{{Path: "config.yaml", Op: store.FileOpUpdate}},
		DestinationShare:    "share",
		HealthCheckURL:      "http://example.invalid/health",
		HealthCheckContains: "",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, ok, err := s.ClaimDeployment(ctx, d.ID, "worker-0", clock.Now())
	if err != nil || !ok {
		t.Fatalf("ClaimDeployment: ok=%v err=%v", ok, err)
	}

	done := make(chan struct{})
	go func() {
		e.run(ctx, claimed)
		close(done)
	}()

	for i := 0; i < cfg.VerifyMaxAttempts; i++ {
		time.Sleep(10 * time.Millisecond)
		clock.Advance(cfg.VerifyInterval)
	}
	<-done

	got, err := s.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if got.State != store.DeploymentRolledBack {
		t.Fatalf("state = %v, want rolled-back (errKind=%q msg=%q)", got.State, got.ErrorKind, got.ErrorMessage)
	}
	if got.ErrorKind != "healthCheckFailed" {
		t.Fatalf("errorKind = %q, want healthCheckFailed", got.ErrorKind)
	}

	content, err := remoteFS.ReadFile(ctx, "share", "config.yaml")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "old-value" {
		t.Fatalf("content = %q, want restored %q", content, "old-value")
	}
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(ctx context.Context, channels []string, message string) {
	f.messages = append(f.messages, message)
}

func TestEngineNotifiesOnCallWhenRollbackFails(t *testing.T) {
	cfg := Config{VerifyMaxAttempts: 2, VerifyInterval: time.Second}
	e, s, repoHost, remoteFS, clock := newTestEngine(t, cfg)
	e.health = alwaysFailHealthChecker{}
	n := &fakeNotifier{}
	e.SetNotifier(n, []string{"slack"})
	ctx := context.Background()

	repoHost.Seed("acme", "repo", "main", "config.yaml", []byte("new-value"))
	if err := remoteFS.WriteFile(ctx, "share", "config.yaml", []byte("old-value")); err != nil {
		t.Fatalf("seeding pre-existing file: %v", err)
	}

	d, err := e.Enqueue(ctx, Request{
		Owner:               "acme",
		Repository:          "repo",
		Branch:              "main",
		Manifest:            []ManifestEntry{{Path: "config.yaml", Op: store.FileOpUpdate}},
		DestinationShare:    "share",
		HealthCheckURL:      "http://example.invalid/health",
		HealthCheckContains: "",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, ok, err := s.ClaimDeployment(ctx, d.ID, "worker-0", clock.Now())
	if err != nil || !ok {
		t.Fatalf("ClaimDeployment: ok=%v err=%v", ok, err)
	}

	done := make(chan struct{})
	go func() {
		e.run(ctx, claimed)
		close(done)
	}()

	for i := 0; i < cfg.VerifyMaxAttempts; i++ {
		time.Sleep(10 * time.Millisecond)
		if i == 0 {
			// run has taken the backup, applied, and is waiting on its
			// first verify retry. Delete the backup that backup() wrote so
			// rollback() cannot read it back, forcing the rollbackFailed
			// terminal state.
			backupPath := path.Join("_backups", d.ID, "config.yaml")
			if err := remoteFS.Delete(ctx, "share", backupPath); err != nil {
				t.Fatalf("deleting backup: %v", err)
			}
		}
		clock.Advance(cfg.VerifyInterval)
	}
	<-done

	got, err := s.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if got.State != store.DeploymentFailed {
		t.Fatalf("state = %v, want failed", got.State)
	}
	if got.ErrorKind != string(errs.KindRollbackFailed) {
		t.Fatalf("errorKind = %q, want rollbackFailed", got.ErrorKind)
	}
	if len(n.messages) != 1 {
		t.Fatalf("got %d on-call notifications, want 1", len(n.messages))
	}
}

func TestEngineQueuedCancelIsIdempotent(t *testing.T) {
	e, s, _, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	d, err := e.Enqueue(ctx, Request{
		Owner:            "acme",
		Repository:       "repo",
		Branch:           "main",
		DestinationShare: "share",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := e.Cancel(ctx, d.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := e.Cancel(ctx, d.ID); err != nil {
		t.Fatalf("second Cancel should be a no-op: %v", err)
	}

	got, err := s.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if got.State != store.DeploymentCancelled {
		t.Fatalf("state = %v, want cancelled", got.State)
	}
}

func TestEngineCancelBeforeApplyRequiresNoRollback(t *testing.T) {
	e, s, repoHost, _, clock := newTestEngine(t, Config{})
	ctx := context.Background()

	repoHost.Seed("acme", "repo", "main", "config.yaml", []byte("value"))

	d, err := e.Enqueue(ctx, Request{
		Owner:            "acme",
		Repository:       "repo",
		Branch:           "main",
		Manifest:         []ManifestEntry{{Path: "config.yaml", Op: store.FileOpCreate}},
		DestinationShare: "share",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, ok, err := s.ClaimDeployment(ctx, d.ID, "worker-0", clock.Now())
	if err != nil || !ok {
		t.Fatalf("ClaimDeployment: ok=%v err=%v", ok, err)
	}
	if err := s.RequestDeploymentCancel(ctx, d.ID); err != nil {
		t.Fatalf("RequestDeploymentCancel: %v", err)
	}

	e.run(ctx, claimed)

	got, err := s.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if got.State != store.DeploymentCancelled {
		t.Fatalf("state = %v, want cancelled", got.State)
	}
}

func TestEngineQueueClaimsHighestPriorityFirst(t *testing.T) {
	e, s, _, _, clock := newTestEngine(t, Config{})
	ctx := context.Background()

	priorities := []store.Priority{store.PriorityLow, store.PriorityNormal, store.PriorityNormal, store.PriorityHigh, store.PriorityUrgent}
	ids := make([]string, len(priorities))
	for i, p := range priorities {
		d, err := e.Enqueue(ctx, Request{
			Owner:            "acme",
			Repository:       "repo",
			Branch:           "branch-" + string(p),
			Priority:         p,
			DestinationShare: "share",
		})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		ids[i] = d.ID
		clock.Advance(time.Second)
	}

	var claimedOrder []store.Priority
	for i := 0; i < len(priorities); i++ {
		next, err := s.NextQueuedDeployment(ctx)
		if err != nil {
			t.Fatalf("NextQueuedDeployment: %v", err)
		}
		if next == nil {
			t.Fatalf("expected a queued deployment at step %d", i)
		}
		claimedOrder = append(claimedOrder, next.Priority)
		if _, ok, err := s.ClaimDeployment(ctx, next.ID, "worker-0", clock.Now()); err != nil || !ok {
			t.Fatalf("ClaimDeployment: ok=%v err=%v", ok, err)
		}
		now := clock.Now()
		if err := s.UpdateDeploymentState(ctx, next.ID, store.DeploymentCompleted, &now, "", ""); err != nil {
			t.Fatalf("UpdateDeploymentState: %v", err)
		}
	}

	want := []store.Priority{store.PriorityUrgent, store.PriorityHigh, store.PriorityNormal, store.PriorityNormal, store.PriorityLow}
	if len(claimedOrder) != len(want) {
		t.Fatalf("claimed %d deployments, want %d", len(claimedOrder), len(want))
	}
	for i, p := range want {
		if claimedOrder[i] != p {
			t.Errorf("claim order[%d] = %v, want %v", i, claimedOrder[i], p)
		}
	}
}
