package capability

import (
	"context"
	"testing"
)

func newTestRemoteFS(t *testing.T) *CommandRemoteFS {
	t.Helper()
	return NewCommandRemoteFS(map[string]string{"default": t.TempDir()}, 1024, 0)
}

func TestRemoteFSWriteReadRoundTrip(t *testing.T) {
	fs := newTestRemoteFS(t)
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "default", "a/b/c.txt", []byte("hello")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := fs.ReadFile(ctx, "default", "a/b/c.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestRemoteFSRejectsTraversal(t *testing.T) {
	fs := newTestRemoteFS(t)
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "default", "../escape.txt", []byte("x")); err == nil {
		t.Fatalf("expected traversal path to be rejected")
	}
	if _, err := fs.ReadFile(ctx, "default", "a/../../escape.txt"); err == nil {
		t.Fatalf("expected traversal path to be rejected")
	}
}

func TestRemoteFSRejectsUnknownShare(t *testing.T) {
	fs := newTestRemoteFS(t)
	if err := fs.WriteFile(context.Background(), "nonexistent", "a.txt", []byte("x")); err == nil {
		t.Fatalf("expected unknown share to be rejected")
	}
}

func TestRemoteFSRejectsOversizedWrite(t *testing.T) {
	fs := newTestRemoteFS(t)
	big := make([]byte, 2048)
	if err := fs.WriteFile(context.Background(), "default", "big.txt", big); err == nil {
		t.Fatalf("expected oversized write to be rejected")
	}
}

func TestRemoteFSListAndDelete(t *testing.T) {
	fs := newTestRemoteFS(t)
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "default", "dir/one.txt", []byte("1")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := fs.WriteFile(ctx, "default", "dir/two.txt", []byte("2")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entries, err := fs.List(ctx, "default", "dir")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	if err := fs.Delete(ctx, "default", "dir"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := fs.List(ctx, "default", "dir"); err == nil {
		t.Fatalf("expected deleted directory to be gone")
	}
}

func TestCopyTree(t *testing.T) {
	fs := newTestRemoteFS(t)
	ctx := context.Background()

	if err := fs.WriteFile(ctx, "default", "src/a.txt", []byte("a")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := fs.WriteFile(ctx, "default", "src/nested/b.txt", []byte("b")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := CopyTree(ctx, fs, "default", "src", "backup"); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	got, err := fs.ReadFile(ctx, "default", "backup/nested/b.txt")
	if err != nil {
		t.Fatalf("ReadFile on copy: %v", err)
	}
	if string(got) != "b" {
		t.Fatalf("got %q, want %q", got, "b")
	}
}
