package audit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/platform"
	"github.com/festion/homelab-gitops-auditor/internal/store"
)

func TestRecordDropsWhenFull(t *testing.T) {
	logger := slog.Default()
	clock := platform.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	w := NewWriter(store.NewMemory(), clock, &platform.SequentialIDGenerator{Prefix: "audit"}, logger)
	// Don't start — nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.Record("actor", "test", "resource", "", nil)
	}
	w.Record("actor", "dropped", "resource", "", nil)

	if len(w.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestRecordPopulatesIDAndTimestamp(t *testing.T) {
	logger := slog.Default()
	clock := platform.NewFakeClock(time.Date(2026, 3, 4, 5, 0, 0, 0, time.UTC))
	w := NewWriter(store.NewMemory(), clock, &platform.SequentialIDGenerator{Prefix: "audit"}, logger)

	w.Record("alice", "create", "deployment", "dep-1", map[string]string{"branch": "main"})

	entry := <-w.entries
	if entry.ID == "" {
		t.Errorf("expected a generated ID")
	}
	if !entry.Timestamp.Equal(clock.Now()) {
		t.Errorf("timestamp = %v, want %v", entry.Timestamp, clock.Now())
	}
	if entry.Actor != "alice" || entry.Resource != "deployment" || entry.ResourceID != "dep-1" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestStartAndCloseFlushesPending(t *testing.T) {
	logger := slog.Default()
	clock := platform.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := store.NewMemory()
	w := NewWriter(s, clock, &platform.SequentialIDGenerator{Prefix: "audit"}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	w.Record("bob", "deploy", "deployment", "dep-2", nil)
	w.Record("bob", "rollback", "deployment", "dep-2", nil)

	cancel()
	w.Close()

	entries, err := s.ListAuditEntries(context.Background(), "deployment", "dep-2")
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestStartFlushesOnBatchFill(t *testing.T) {
	logger := slog.Default()
	clock := platform.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := store.NewMemory()
	w := NewWriter(s, clock, &platform.SequentialIDGenerator{Prefix: "audit"}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	for i := 0; i < flushBatch; i++ {
		w.Record("carol", "action", "deployment", "dep-3", nil)
	}

	deadline := time.After(time.Second)
	for {
		entries, err := s.ListAuditEntries(context.Background(), "deployment", "dep-3")
		if err != nil {
			t.Fatalf("ListAuditEntries: %v", err)
		}
		if len(entries) == flushBatch {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("got %d entries after batch fill, want %d", len(entries), flushBatch)
		default:
		}
	}
}
