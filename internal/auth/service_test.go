package auth

import (
	"context"
	"testing"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

func newTestService(t *testing.T) (*Service, platform.Clock) {
	t.Helper()
	clock := platform.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := NewService(store.NewMemory(), clock, &platform.SequentialIDGenerator{Prefix: "test"}, time.Hour, 2, 12)
	return svc, clock
}

func TestAuthenticateSuccessAndFailure(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "alice", "alice@example.com", "hunter2hunter2", store.RoleOperator); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	token, sess, err := svc.Authenticate(ctx, "alice", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if token == "" || sess == nil {
		t.Fatalf("expected a token and session")
	}

	if _, _, err := svc.Authenticate(ctx, "alice", "wrong-password"); err == nil {
		t.Fatalf("expected authentication failure for wrong password")
	}
	if _, _, err := svc.Authenticate(ctx, "nobody", "whatever12345"); err == nil {
		t.Fatalf("expected authentication failure for unknown user")
	}
}

func TestResolveIdentityViaSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "bob", "bob@example.com", "correcthorsebattery", store.RoleViewer); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, _, err := svc.Authenticate(ctx, "bob", "correcthorsebattery")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	id, err := svc.ResolveIdentity(ctx, token)
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if id.Role != store.RoleViewer || id.Via != "session" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestResolveIdentityViaAPIKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, "carol", "carol@example.com", "correcthorsebattery", store.RoleAdmin)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	plaintext, _, err := svc.IssueAPIKey(ctx, u.ID, store.RoleAdmin, nil)
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}

	id, err := svc.ResolveIdentity(ctx, plaintext)
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if id.Role != store.RoleAdmin || id.Via != "apikey" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestSessionConcurrencyLimitEvictsOldest(t *testing.T) {
	svc, clock := newTestService(t)
	fake := clock.(*platform.FakeClock)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "dave", "dave@example.com", "correcthorsebattery", store.RoleOperator); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	first, _, err := svc.Authenticate(ctx, "dave", "correcthorsebattery")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	fake.Advance(time.Minute)
	second, _, err := svc.Authenticate(ctx, "dave", "correcthorsebattery")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	fake.Advance(time.Minute)
	third, _, err := svc.Authenticate(ctx, "dave", "correcthorsebattery")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if _, err := svc.ResolveIdentity(ctx, first); err == nil {
		t.Fatalf("expected oldest session to be evicted")
	}
	if _, err := svc.ResolveIdentity(ctx, second); err != nil {
		t.Fatalf("expected second session to survive: %v", err)
	}
	if _, err := svc.ResolveIdentity(ctx, third); err != nil {
		t.Fatalf("expected newest session to survive: %v", err)
	}
}

func TestAuthorizeDeniedIsAudited(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id := &Identity{UserID: "viewer-1", Role: store.RoleViewer, Via: "session"}
	if svc.Authorize(ctx, id, ResourceDeployment, ActionTrigger) {
		t.Fatalf("expected viewer to be denied trigger permission")
	}

	entries, err := svc.store.ListAuditEntries(ctx, "deployment", "")
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a denial to be audited, got %d entries", len(entries))
	}
}
