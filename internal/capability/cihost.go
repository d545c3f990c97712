package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// CIJob and CIStep mirror store.PipelineJob/store.PipelineStep in the shape
// the code host reports them, before the supervisor maps them onto store types.
type CIJob struct {
	Name      string
	Status    string
	StartedAt *time.Time
	EndedAt   *time.Time
}

type CIStep struct {
	Name      string
	JobName   string
	Status    string
	StartedAt *time.Time
	EndedAt   *time.Time
}

// RunSnapshot is a code host's view of one workflow run.
type RunSnapshot struct {
	RunID       string
	Status      string // queued, in_progress, completed
	Conclusion  string // success, failure, cancelled, ""
	StartedAt   *time.Time
	CompletedAt *time.Time
	Commit      string
	Actor       string
	Jobs        []CIJob
	Steps       []CIStep
	RetryAfter  time.Duration // set only when Status == "" and the call was rate limited
}

// CIHost is the CI/workflow-trigger capability the Pipeline Supervisor (C7)
// depends on. Distinct from RepoHost because triggering and polling a
// workflow run is a different operation shape than reading/writing files.
type CIHost interface {
	TriggerWorkflow(ctx context.Context, owner, repo, workflow string, params map[string]string) (runID string, err error)
	GetRun(ctx context.Context, owner, repo, runID string) (RunSnapshot, error)
}

// CommandCIHost implements CIHost by shelling out to the gh CLI.
type CommandCIHost struct {
	ReposDir string
	Timeout  time.Duration
}

func NewCommandCIHost(reposDir string, timeout time.Duration) *CommandCIHost {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandCIHost{ReposDir: reposDir, Timeout: timeout}
}

func (h *CommandCIHost) repoPath(owner, repo string) string {
	return fmt.Sprintf("%s/%s/%s", h.ReposDir, owner, repo)
}

func (h *CommandCIHost) run(ctx context.Context, dir, name string, args ...string) (string, error) {
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
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(strings.ToLower(msg), "rate limit") {
			return "", errs.New(errs.KindRateLimited, msg)
		}
		return "", errs.New(errs.KindTransport, msg)
	}
	return stdout.String(), nil
}

func (h *CommandCIHost) TriggerWorkflow(ctx context.Context, owner, repo, workflow string, params map[string]string) (string, error) {
	dir := h.repoPath(owner, repo)
	args := []string{"workflow", "run", workflow}
	for k, v := range params {
		args = append(args, "-f", fmt.Sprintf("%s=%s", k, v))
	}
	if _, err := h.run(ctx, dir, "gh", args...); err != nil {
		return "", err
	}

	out, err := h.run(ctx, dir, "gh", "run", "list", "--workflow", workflow, "--limit", "1", "--json", "databaseId")
	if err != nil {
		return "", err
	}
	var rows []struct {
		DatabaseId int64 `json:"databaseId"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil || len(rows) == 0 {
		return "", errs.Wrap(errs.KindTransport, "resolving triggered run id", err)
	}
	return fmt.Sprintf("%d", rows[0].DatabaseId), nil
}

func (h *CommandCIHost) GetRun(ctx context.Context, owner, repo, runID string) (RunSnapshot, error) {
	out, err := h.run(ctx, h.repoPath(owner, repo), "gh", "run", "view", runID, "--json",
		"status,conclusion,headSha,triggeringActor,jobs")
	if err != nil {
		return RunSnapshot{}, err
	}

	var raw struct {
		Status          string `json:"status"`
		Conclusion      string `json:"conclusion"`
		HeadSha         string `json:"headSha"`
		TriggeringActor struct {
			Login string `json:"login"`
		} `json:"triggeringActor"`
		Jobs []struct {
			Name       string `json:"name"`
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
			StartedAt  string `json:"startedAt"`
			CompletedAt string `json:"completedAt"`
			Steps      []struct {
				Name        string `json:"name"`
				Status      string `json:"status"`
				StartedAt   string `json:"startedAt"`
				CompletedAt string `json:"completedAt"`
			} `json:"steps"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return RunSnapshot{}, errs.Wrap(errs.KindTransport, "parsing gh run view output", err)
	}

	snap := RunSnapshot{RunID: runID, Status: raw.Status, Conclusion: raw.Conclusion, Commit: raw.HeadSha, Actor: raw.TriggeringActor.Login}
	for _, j := range raw.Jobs {
		snap.Jobs = append(snap.Jobs, CIJob{Name: j.Name, Status: jobStatus(j.Status, j.Conclusion), StartedAt: parseRFC3339(j.StartedAt), EndedAt: parseRFC3339(j.CompletedAt)})
		for _, s := range j.Steps {
			snap.Steps = append(snap.Steps, CIStep{Name: s.Name, JobName: j.Name, Status: s.Status, StartedAt: parseRFC3339(s.StartedAt), EndedAt: parseRFC3339(s.CompletedAt)})
		}
	}
	return snap, nil
}

func jobStatus(status, conclusion string) string {
	if status == "completed" && conclusion != "" {
		return conclusion
	}
	return status
}

func parseRFC3339(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
