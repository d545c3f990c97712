package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/deployment"
	"github.com/festion/homelab-gitops-auditor/internal/errs"
	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/secrets"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

const testSecret = "s3cret"

type fakeDeployer struct {
	requests []deployment.Request
	fail     bool
}

func (f *fakeDeployer) Enqueue(_ context.Context, req deployment.Request) (*store.Deployment, error) {
	if f.fail {
		return nil, errs.New(errs.KindInternal, "enqueue failed")
	}
	f.requests = append(f.requests, req)
	return &store.Deployment{ID: "dep-1", Repository: req.Repository}, nil
}

type fakeDedup struct {
	seen map[string]bool
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{seen: make(map[string]bool)}
}

func (f *fakeDedup) MarkSeen(_ context.Context, key string) (bool, error) {
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestPipeline(t *testing.T) (*Pipeline, store.Store, *fakeDeployer) {
	t.Helper()
	t.Setenv("TESTHOST_WEBHOOK_SECRET", testSecret)

	s := store.NewMemory()
	dep := &fakeDeployer{}
	sp := secrets.NewProvider(secrets.EnvFallbackBackend{}, time.Minute, 16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPipeline(s, sp, nil, dep, platform.NewFakeClock(time.Unix(0, 0)), &platform.SequentialIDGenerator{Prefix: "wh"}, logger)
	p.dedup = newFakeDedup()
	return p, s, dep
}

func pushBody(t *testing.T, ref, after, repo string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"ref":        ref,
		"after":      after,
		"repository": map[string]string{"full_name": repo},
	})
	if err != nil {
		t.Fatalf("marshal push body: %v", err)
	}
	return b
}

func TestAdmitRejectsBadSignature(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	body := pushBody(t, "refs/heads/main", "abc123", "acme/widgets")

	_, err := p.Admit(context.Background(), Delivery{
		Host:       "testhost",
		Event:      EventPush,
		DeliveryID: "d1",
		Signature:  "sha256=deadbeef",
		Body:       body,
	})
	if !errs.Is(err, errs.KindAuthFailed) {
		t.Fatalf("expected KindAuthFailed, got %v", err)
	}
}

func TestAdmitRejectsMissingSchemaFields(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	body := []byte(`{"ref":"refs/heads/main"}`)

	_, err := p.Admit(context.Background(), Delivery{
		Host:       "testhost",
		Event:      EventPush,
		DeliveryID: "d1",
		Signature:  sign(body),
		Body:       body,
	})
	if !errs.Is(err, errs.KindValidation) {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestAdmitDispatchesPushToMappedRepository(t *testing.T) {
	p, _, dep := newTestPipeline(t)
	p.SetMappings([]DeployMapping{{
		Repository: "acme/widgets",
		Owner:      "acme",
		Share:      "homelab",
		Manifest:   []deployment.ManifestEntry{{Path: "config/app.yaml", Op: store.FileOpUpdate}},
	}})
	body := pushBody(t, "refs/heads/main", "abc123", "acme/widgets")

	result, err := p.Admit(context.Background(), Delivery{
		Host:       "testhost",
		Event:      EventPush,
		DeliveryID: "d1",
		Signature:  sign(body),
		Body:       body,
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result.Dispatch != "deployment" {
		t.Fatalf("expected dispatch=deployment, got %q", result.Dispatch)
	}
	if len(dep.requests) != 1 {
		t.Fatalf("expected 1 enqueued deployment, got %d", len(dep.requests))
	}
	if dep.requests[0].Branch != "main" {
		t.Fatalf("expected branch main, got %q", dep.requests[0].Branch)
	}
}

func TestAdmitSkipsUnmappedRepository(t *testing.T) {
	p, _, dep := newTestPipeline(t)
	body := pushBody(t, "refs/heads/main", "abc123", "acme/unmapped")

	result, err := p.Admit(context.Background(), Delivery{
		Host:       "testhost",
		Event:      EventPush,
		DeliveryID: "d1",
		Signature:  sign(body),
		Body:       body,
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(dep.requests) != 0 {
		t.Fatalf("expected no enqueued deployment, got %d", len(dep.requests))
	}
	_ = result
}

// TestAdmitDuplicateDeliveryIsAcknowledgedNotReprocessed covers the scenario
// where a code host retries a delivery: both requests succeed, but only the
// first one dispatches and only the first audit entry is non-duplicate.
func TestAdmitDuplicateDeliveryIsAcknowledgedNotReprocessed(t *testing.T) {
	p, s, dep := newTestPipeline(t)
	p.SetMappings([]DeployMapping{{
		Repository: "acme/widgets",
		Owner:      "acme",
		Share:      "homelab",
		Manifest:   []deployment.ManifestEntry{{Path: "config/app.yaml", Op: store.FileOpUpdate}},
	}})
	body := pushBody(t, "refs/heads/main", "abc123", "acme/widgets")
	d := Delivery{
		Host:       "testhost",
		Event:      EventPush,
		DeliveryID: "dup-1",
		Signature:  sign(body),
		Body:       body,
	}

	ctx := context.Background()
	first, err := p.Admit(ctx, d)
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first delivery should not be marked duplicate")
	}

	second, err := p.Admit(ctx, d)
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("second delivery should be marked duplicate")
	}

	if len(dep.requests) != 1 {
		t.Fatalf("expected exactly 1 enqueued deployment, got %d", len(dep.requests))
	}

	entries, err := s.ListAuditEntries(ctx, "webhook", "dup-1")
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	if entries[0].Duplicate {
		t.Fatal("first audit entry should not be marked duplicate")
	}
	if !entries[1].Duplicate {
		t.Fatal("second audit entry should be marked duplicate")
	}
}

func TestAdmitWorkflowRunUpdatesExistingRun(t *testing.T) {
	p, s, _ := newTestPipeline(t)
	ctx := context.Background()
	if err := s.InsertPipelineRun(ctx, &store.PipelineRun{
		ID:         "run-1",
		Repository: "acme/widgets",
		RunID:      "555",
		Status:     store.PipelineRunning,
	}); err != nil {
		t.Fatalf("InsertPipelineRun: %v", err)
	}

	body, err := json.Marshal(map[string]any{
		"action":     "completed",
		"repository": map[string]string{"full_name": "acme/widgets"},
		"workflow_run": map[string]string{
			"id":         "555",
			"status":     "completed",
			"conclusion": "success",
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	result, err := p.Admit(ctx, Delivery{
		Host:       "testhost",
		Event:      EventWorkflowRun,
		DeliveryID: "wf-1",
		Signature:  sign(body),
		Body:       body,
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result.Dispatch != "pipeline" {
		t.Fatalf("expected dispatch=pipeline, got %q", result.Dispatch)
	}

	run, err := s.GetPipelineRunByHostRunID(ctx, "acme/widgets", "555")
	if err != nil {
		t.Fatalf("GetPipelineRunByHostRunID: %v", err)
	}
	if run.Status != store.PipelineSuccess {
		t.Fatalf("expected status success, got %q", run.Status)
	}
}

func TestAdmitWorkflowRunIgnoresUnknownRun(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	body, err := json.Marshal(map[string]any{
		"action":     "completed",
		"repository": map[string]string{"full_name": "acme/widgets"},
		"workflow_run": map[string]string{
			"id":         "not-tracked",
			"status":     "completed",
			"conclusion": "success",
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	_, err = p.Admit(context.Background(), Delivery{
		Host:       "testhost",
		Event:      EventWorkflowRun,
		DeliveryID: "wf-2",
		Signature:  sign(body),
		Body:       body,
	})
	if err != nil {
		t.Fatalf("Admit should tolerate an unknown run id, got %v", err)
	}
}

func TestAdmitPingSkipsDispatch(t *testing.T) {
	p, _, dep := newTestPipeline(t)
	body := []byte(`{}`)

	result, err := p.Admit(context.Background(), Delivery{
		Host:       "testhost",
		Event:      EventPing,
		DeliveryID: "ping-1",
		Signature:  sign(body),
		Body:       body,
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result.Dispatch != "" {
		t.Fatalf("expected no dispatch for ping, got %q", result.Dispatch)
	}
	if len(dep.requests) != 0 {
		t.Fatalf("expected no enqueued deployment for ping, got %d", len(dep.requests))
	}
}
