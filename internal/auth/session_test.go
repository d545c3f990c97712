package auth

import (
	"context"
	"testing"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

func TestSessionManagerPruneExpired(t *testing.T) {
	clock := platform.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := store.NewMemory()
	mgr := NewSessionManager(s, clock, &platform.SequentialIDGenerator{Prefix: "sess"}, time.Minute, 5)
	ctx := context.Background()

	if _, _, err := mgr.CreateSession(ctx, "user-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	clock.Advance(2 * time.Minute)

	pruned, err := mgr.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("got %d pruned sessions, want 1", pruned)
	}
}

func TestValidateSessionRejectsExpired(t *testing.T) {
	clock := platform.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := store.NewMemory()
	mgr := NewSessionManager(s, clock, &platform.SequentialIDGenerator{Prefix: "sess"}, time.Minute, 5)
	ctx := context.Background()

	token, _, err := mgr.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	clock.Advance(2 * time.Minute)

	if _, err := mgr.ValidateSession(ctx, token); err == nil {
		t.Fatalf("expected expired session to be rejected")
	}
}

func TestValidateSessionRejectsRevoked(t *testing.T) {
	clock := platform.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := store.NewMemory()
	mgr := NewSessionManager(s, clock, &platform.SequentialIDGenerator{Prefix: "sess"}, time.Hour, 5)
	ctx := context.Background()

	token, sess, err := mgr.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := mgr.RevokeSession(ctx, sess.ID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}

	if _, err := mgr.ValidateSession(ctx, token); err == nil {
		t.Fatalf("expected revoked session to be rejected")
	}
}
