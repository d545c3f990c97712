package pipeline

import (
	"testing"

	"github.com/festion/homelab-gitops-auditor/internal/store"
)

func TestRunCacheGetPut(t *testing.T) {
	c := newRunCache()

	if _, ok := c.Get("repo", "1"); ok {
		t.Fatalf("expected miss on empty cache")
	}

	run := store.PipelineRun{Repository: "repo", RunID: "1", Status: store.PipelineRunning}
	c.Put(run)

	got, ok := c.Get("repo", "1")
	if !ok {
		t.Fatalf("expected hit after Put")
	}
	if got.Status != store.PipelineRunning {
		t.Fatalf("got status %v, want running", got.Status)
	}

	if _, ok := c.Get("repo", "2"); ok {
		t.Fatalf("expected miss for a different runId")
	}
}
