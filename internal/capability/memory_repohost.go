package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// MemoryRepoHost is an in-memory RepoHost for tests — the substitution seam
// so components that depend on RepoHost don't need a real git checkout.
type MemoryRepoHost struct {
	mu      sync.Mutex
	files   map[string]FileContent // key: owner/repo/ref/path
	nextSHA int
}

// NewMemoryRepoHost builds an empty MemoryRepoHost.
func NewMemoryRepoHost() *MemoryRepoHost {
	return &MemoryRepoHost{files: make(map[string]FileContent)}
}

func key(owner, repo, ref, path string) string {
	return owner + "/" + repo + "/" + ref + "/" + path
}

// Seed pre-populates a file at (owner, repo, ref, path), for test setup.
func (h *MemoryRepoHost) Seed(owner, repo, ref, path string, content []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSHA++
	h.files[key(owner, repo, ref, path)] = FileContent{Content: content, SHA: fmt.Sprintf("sha-%d", h.nextSHA)}
}

func (h *MemoryRepoHost) GetFile(_ context.Context, owner, repo, path, ref string) (FileContent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ref == "" {
		ref = "main"
	}
	fc, ok := h.files[key(owner, repo, ref, path)]
	if !ok {
		return FileContent{}, errs.New(errs.KindNotFound, "file not found")
	}
	return fc, nil
}

func (h *MemoryRepoHost) PutFile(_ context.Context, owner, repo, path string, content []byte, message, branch, sha string) (Commit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, ok := h.files[key(owner, repo, branch, path)]
	if ok && sha != "" && existing.SHA != sha {
		return Commit{}, errs.New(errs.KindConflict, "file changed since sha was read")
	}

	h.nextSHA++
	newSHA := fmt.Sprintf("sha-%d", h.nextSHA)
	h.files[key(owner, repo, branch, path)] = FileContent{Content: content, SHA: newSHA}
	return Commit{SHA: newSHA, Message: message}, nil
}

func (h *MemoryRepoHost) ListBranches(context.Context, string, string) ([]string, error) {
	return []string{"main"}, nil
}

func (h *MemoryRepoHost) ListCommits(context.Context, string, string, string, int) ([]string, error) {
	return nil, nil
}

func (h *MemoryRepoHost) CreateBranch(context.Context, string, string, string, string) error {
	return nil
}

func (h *MemoryRepoHost) ListTree(_ context.Context, owner, repo, ref string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ref == "" {
		ref = "main"
	}
	prefix := owner + "/" + repo + "/" + ref + "/"
	var paths []string
	for k := range h.files {
		if path, ok := strings.CutPrefix(k, prefix); ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (h *MemoryRepoHost) ListTags(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (h *MemoryRepoHost) CreatePullRequest(_ context.Context, _, _, title, head, base string) (PullRequest, error) {
	return PullRequest{Number: 1, Title: title, Branch: head, State: "open"}, nil
}

func (h *MemoryRepoHost) ListPullRequests(context.Context, string, string) ([]PullRequest, error) {
	return nil, nil
}

var _ RepoHost = (*MemoryRepoHost)(nil)
