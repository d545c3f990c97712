package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// MemoryCIHost is an in-memory CIHost for tests.
type MemoryCIHost struct {
	mu      sync.Mutex
	runs    map[string]RunSnapshot // key: owner/repo/runID
	next    int
	trigger func(owner, repo, workflow string, params map[string]string) error
}

func NewMemoryCIHost() *MemoryCIHost {
	return &MemoryCIHost{runs: make(map[string]RunSnapshot)}
}

func ciKey(owner, repo, runID string) string {
	return owner + "/" + repo + "/" + runID
}

// Seed pre-populates a run snapshot, for test setup.
func (h *MemoryCIHost) Seed(owner, repo string, snap RunSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[ciKey(owner, repo, snap.RunID)] = snap
}

// SetSnapshot updates an existing run, simulating the code host's progress.
func (h *MemoryCIHost) SetSnapshot(owner, repo string, snap RunSnapshot) {
	h.Seed(owner, repo, snap)
}

// FailNextTrigger arranges for the next TriggerWorkflow call to return err.
func (h *MemoryCIHost) FailNextTrigger(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trigger = func(string, string, string, map[string]string) error { return err }
}

func (h *MemoryCIHost) TriggerWorkflow(_ context.Context, owner, repo, _ string, _ map[string]string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.trigger != nil {
		fn := h.trigger
		h.trigger = nil
		if err := fn(owner, repo, "", nil); err != nil {
			return "", err
		}
	}

	h.next++
	runID := fmt.Sprintf("%d", h.next)
	h.runs[ciKey(owner, repo, runID)] = RunSnapshot{RunID: runID, Status: "queued"}
	return runID, nil
}

func (h *MemoryCIHost) GetRun(_ context.Context, owner, repo, runID string) (RunSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap, ok := h.runs[ciKey(owner, repo, runID)]
	if !ok {
		return RunSnapshot{}, errs.New(errs.KindNotFound, "run not found")
	}
	return snap, nil
}

var _ CIHost = (*MemoryCIHost)(nil)
