package capability

import (
	"context"
	"testing"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

func TestMemoryCIHostTriggerAndGetRun(t *testing.T) {
	host := NewMemoryCIHost()
	ctx := context.Background()

	runID, err := host.TriggerWorkflow(ctx, "acme", "repo", "ci.yml", nil)
	if err != nil {
		t.Fatalf("TriggerWorkflow: %v", err)
	}

	snap, err := host.GetRun(ctx, "acme", "repo", runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if snap.Status != "queued" {
		t.Fatalf("got status %q, want queued", snap.Status)
	}

	host.SetSnapshot("acme", "repo", RunSnapshot{RunID: runID, Status: "completed", Conclusion: "success"})
	snap, err = host.GetRun(ctx, "acme", "repo", runID)
	if err != nil {
		t.Fatalf("GetRun after update: %v", err)
	}
	if snap.Conclusion != "success" {
		t.Fatalf("got conclusion %q, want success", snap.Conclusion)
	}
}

func TestMemoryCIHostGetRunNotFound(t *testing.T) {
	host := NewMemoryCIHost()
	if _, err := host.GetRun(context.Background(), "acme", "repo", "missing"); err == nil {
		t.Fatalf("expected an error for an unknown run")
	}
}

func TestMemoryCIHostFailNextTrigger(t *testing.T) {
	host := NewMemoryCIHost()
	wantErr := errs.New(errs.KindTransport, "simulated failure")
	host.FailNextTrigger(wantErr)

	if _, err := host.TriggerWorkflow(context.Background(), "acme", "repo", "ci.yml", nil); err != wantErr {
		t.Fatalf("got err %v, want %v", err, wantErr)
	}
	if _, err := host.TriggerWorkflow(context.Background(), "acme", "repo", "ci.yml", nil); err != nil {
		t.Fatalf("expected the next trigger to succeed, got %v", err)
	}
}
