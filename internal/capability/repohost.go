// Package capability implements the RepoHost and RemoteFS capabilities
// (C3): narrow interfaces the core consumes, backed by wrappers around
// external tool invocations.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// FileContent is the result of a RepoHost.GetFile call.
type FileContent struct {
	Content []byte
	SHA     string
}

// Commit is the result of a RepoHost.PutFile call.
type Commit struct {
	SHA     string
	Message string
}

// PullRequest is a host-side pull/merge request.
type PullRequest struct {
	Number int
	Title  string
	Branch string
	State  string
}

// RepoHost is the version-control hosting capability. Implementations wrap
// a single external process invocation per call under a hard timeout; a
// non-zero exit preserves the raw stderr in the returned error. Callers must
// not assume read-after-write consistency — an update requires the SHA from
// the most recent read.
type RepoHost interface {
	GetFile(ctx context.Context, owner, repo, path, ref string) (FileContent, error)
	PutFile(ctx context.Context, owner, repo, path string, content []byte, message, branch, sha string) (Commit, error)
	ListBranches(ctx context.Context, owner, repo string) ([]string, error)
	ListCommits(ctx context.Context, owner, repo, branch string, limit int) ([]string, error)
	// ListTree returns every tracked file path at ref, for building a
	// compliance inventory without knowing template paths in advance.
	ListTree(ctx context.Context, owner, repo, ref string) ([]string, error)
	CreateBranch(ctx context.Context, owner, repo, name, fromRef string) error
	ListTags(ctx context.Context, owner, repo string) ([]string, error)
	CreatePullRequest(ctx context.Context, owner, repo, title, head, base string) (PullRequest, error)
	ListPullRequests(ctx context.Context, owner, repo string) ([]PullRequest, error)
}

// CommandRepoHost implements RepoHost by shelling out to the git and gh
// CLIs against a local checkout rooted at reposDir/<owner>/<repo>.
type CommandRepoHost struct {
	ReposDir string
	Timeout  time.Duration
}

// NewCommandRepoHost builds a CommandRepoHost. timeout defaults to 30s, per
// the capability's hard-timeout contract.
func NewCommandRepoHost(reposDir string, timeout time.Duration) *CommandRepoHost {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandRepoHost{ReposDir: reposDir, Timeout: timeout}
}

func (h *CommandRepoHost) repoPath(owner, repo string) string {
	return fmt.Sprintf("%s/%s/%s", h.ReposDir, owner, repo)
}

// run executes name with args in dir, under the capability's hard timeout.
// On a non-zero exit, stderr is preserved verbatim in the returned error.
func (h *CommandRepoHost) run(ctx context.Context, dir, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", errs.Wrap(errs.KindTimeout, fmt.Sprintf("%s %s timed out", name, strings.Join(args, " ")), err)
		}
		return "", errs.New(errs.KindTransport, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (h *CommandRepoHost) GetFile(ctx context.Context, owner, repo, path, ref string) (FileContent, error) {
	if ref == "" {
		ref = "HEAD"
	}
	dir := h.repoPath(owner, repo)

	content, err := h.run(ctx, dir, "git", "show", fmt.Sprintf("%s:%s", ref, path))
	if err != nil {
		return FileContent{}, err
	}
	sha, err := h.run(ctx, dir, "git", "rev-parse", fmt.Sprintf("%s:%s", ref, path))
	if err != nil {
		return FileContent{}, err
	}
	return FileContent{Content: []byte(content), SHA: strings.TrimSpace(sha)}, nil
}

func (h *CommandRepoHost) PutFile(ctx context.Context, owner, repo, path string, content []byte, message, branch, sha string) (Commit, error) {
	dir := h.repoPath(owner, repo)

	if sha != "" {
		current, err := h.GetFile(ctx, owner, repo, path, branch)
		if err != nil && !errs.Is(err, errs.KindNotFound) {
			return Commit{}, err
		}
		if err == nil && current.SHA != sha {
			return Commit{}, errs.New(errs.KindConflict, "file changed since sha was read")
		}
	}

	if _, err := h.run(ctx, dir, "git", "checkout", branch); err != nil {
		return Commit{}, err
	}

	fullPath := fmt.Sprintf("%s/%s", dir, path)
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		return Commit{}, errs.Wrap(errs.KindTransport, "writing file for commit", err)
	}

	if _, err := h.run(ctx, dir, "git", "add", path); err != nil {
		return Commit{}, err
	}
	if _, err := h.run(ctx, dir, "git", "commit", "-m", message); err != nil {
		return Commit{}, err
	}
	out, err := h.run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return Commit{}, err
	}
	return Commit{SHA: strings.TrimSpace(out), Message: message}, nil
}

func (h *CommandRepoHost) ListBranches(ctx context.Context, owner, repo string) ([]string, error) {
	out, err := h.run(ctx, h.repoPath(owner, repo), "git", "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(out), nil
}

func (h *CommandRepoHost) ListCommits(ctx context.Context, owner, repo, branch string, limit int) ([]string, error) {
	args := []string{"log", "--format=%H"}
	if limit > 0 {
		args = append(args, fmt.Sprintf("-n%d", limit))
	}
	if branch != "" {
		args = append(args, branch)
	}
	out, err := h.run(ctx, h.repoPath(owner, repo), "git", args...)
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(out), nil
}

func (h *CommandRepoHost) ListTree(ctx context.Context, owner, repo, ref string) ([]string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	out, err := h.run(ctx, h.repoPath(owner, repo), "git", "ls-tree", "-r", "--name-only", ref)
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(out), nil
}

func (h *CommandRepoHost) CreateBranch(ctx context.Context, owner, repo, name, fromRef string) error {
	if fromRef == "" {
		fromRef = "HEAD"
	}
	_, err := h.run(ctx, h.repoPath(owner, repo), "git", "branch", name, fromRef)
	return err
}

func (h *CommandRepoHost) ListTags(ctx context.Context, owner, repo string) ([]string, error) {
	out, err := h.run(ctx, h.repoPath(owner, repo), "git", "tag")
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(out), nil
}

func (h *CommandRepoHost) CreatePullRequest(ctx context.Context, owner, repo, title, head, base string) (PullRequest, error) {
	out, err := h.run(ctx, h.repoPath(owner, repo), "gh", "pr", "create",
		"--title", title, "--head", head, "--base", base, "--json", "number,title,headRefName,state")
	if err != nil {
		return PullRequest{}, err
	}
	var raw struct {
		Number      int    `json:"number"`
		Title       string `json:"title"`
		HeadRefName string `json:"headRefName"`
		State       string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return PullRequest{}, errs.Wrap(errs.KindTransport, "parsing gh pr create output", err)
	}
	return PullRequest{Number: raw.Number, Title: raw.Title, Branch: raw.HeadRefName, State: raw.State}, nil
}

func (h *CommandRepoHost) ListPullRequests(ctx context.Context, owner, repo string) ([]PullRequest, error) {
	out, err := h.run(ctx, h.repoPath(owner, repo), "gh", "pr", "list", "--json", "number,title,headRefName,state")
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Number      int    `json:"number"`
		Title       string `json:"title"`
		HeadRefName string `json:"headRefName"`
		State       string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, errs.Wrap(errs.KindTransport, "parsing gh pr list output", err)
	}
	prs := make([]PullRequest, len(raw))
	for i, r := range raw {
		prs[i] = PullRequest{Number: r.Number, Title: r.Title, Branch: r.HeadRefName, State: r.State}
	}
	return prs, nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
