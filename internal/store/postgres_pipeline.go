package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

const pipelineRunColumns = `id, repository, branch, workflow_name, run_id, status, conclusion,
	started_at, completed_at, commit, actor, jobs, steps`

func scanPipelineRun(row pgx.Row) (*PipelineRun, error) {
	var r PipelineRun
	var jobsJSON, stepsJSON []byte
	if err := row.Scan(
		&r.ID, &r.Repository, &r.Branch, &r.WorkflowName, &r.RunID, &r.Status, &r.Conclusion,
		&r.StartedAt, &r.CompletedAt, &r.Commit, &r.Actor, &jobsJSON, &stepsJSON,
	); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(jobsJSON, &r.Jobs)
	_ = json.Unmarshal(stepsJSON, &r.Steps)
	return &r, nil
}

func (p *Postgres) InsertPipelineRun(ctx context.Context, r *PipelineRun) error {
	jobsJSON, _ := json.Marshal(r.Jobs)
	stepsJSON, _ := json.Marshal(r.Steps)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (id, repository, branch, workflow_name, run_id, status, conclusion,
			started_at, completed_at, commit, actor, jobs, steps)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.Repository, r.Branch, r.WorkflowName, r.RunID, r.Status, r.Conclusion,
		r.StartedAt, r.CompletedAt, r.Commit, r.Actor, jobsJSON, stepsJSON)
	return mapErr(err, "")
}

func (p *Postgres) GetPipelineRun(ctx context.Context, id string) (*PipelineRun, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pipelineRunColumns+` FROM pipeline_runs WHERE id = $1`, id)
	r, err := scanPipelineRun(row)
	if err != nil {
		return nil, mapErr(err, "pipeline run not found")
	}
	return r, nil
}

func (p *Postgres) GetPipelineRunByHostRunID(ctx context.Context, repository, runID string) (*PipelineRun, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pipelineRunColumns+` FROM pipeline_runs WHERE repository = $1 AND run_id = $2`, repository, runID)
	r, err := scanPipelineRun(row)
	if err != nil {
		return nil, mapErr(err, "pipeline run not found")
	}
	return r, nil
}

func (p *Postgres) UpdatePipelineRun(ctx context.Context, r *PipelineRun) error {
	jobsJSON, _ := json.Marshal(r.Jobs)
	stepsJSON, _ := json.Marshal(r.Steps)
	tag, err := p.pool.Exec(ctx, `
		UPDATE pipeline_runs SET status=$2, conclusion=$3, started_at=$4, completed_at=$5, jobs=$6, steps=$7
		WHERE id = $1`,
		r.ID, r.Status, r.Conclusion, r.StartedAt, r.CompletedAt, jobsJSON, stepsJSON)
	if err != nil {
		return mapErr(err, "")
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindNotFound, "pipeline run not found")
	}
	return nil
}

func (p *Postgres) ListPipelineRuns(ctx context.Context, f PipelineRunFilter) ([]PipelineRun, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+pipelineRunColumns+` FROM pipeline_runs WHERE ($1 = '' OR repository = $1)
		ORDER BY started_at DESC NULLS LAST LIMIT $2 OFFSET $3`, f.Repository, limit, f.Offset)
	if err != nil {
		return nil, mapErr(err, "")
	}
	defer rows.Close()

	var out []PipelineRun
	for rows.Next() {
		r, err := scanPipelineRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pipeline run row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const templateColumns = `id, name, version, type, required_files, required_directories,
	weight_files, weight_directories, weight_content, file_templates`

func (p *Postgres) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY name ASC`)
	if err != nil {
		return nil, mapErr(err, "")
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template row: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTemplate(row pgx.Row) (*Template, error) {
	var t Template
	var fileTemplatesJSON []byte
	if err := row.Scan(&t.ID, &t.Name, &t.Version, &t.Type, &t.RequiredFiles, &t.RequiredDirectories,
		&t.ScoringWeights.Files, &t.ScoringWeights.Directories, &t.ScoringWeights.Content, &fileTemplatesJSON); err != nil {
		return nil, err
	}
	if len(fileTemplatesJSON) > 0 {
		_ = json.Unmarshal(fileTemplatesJSON, &t.FileTemplates)
	}
	return &t, nil
}

func (p *Postgres) GetTemplate(ctx context.Context, name string) (*Template, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates WHERE name = $1`, name)
	t, err := scanTemplate(row)
	if err != nil {
		return nil, mapErr(err, "template not found")
	}
	return t, nil
}

func (p *Postgres) PutRepositoryCompliance(ctx context.Context, c *RepositoryCompliance) error {
	issuesJSON, _ := json.Marshal(c.Issues)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO repository_compliance (repository, applied_templates, missing_templates, issues, score, compliant, evaluated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (repository) DO UPDATE SET
			applied_templates = EXCLUDED.applied_templates, missing_templates = EXCLUDED.missing_templates,
			issues = EXCLUDED.issues, score = EXCLUDED.score, compliant = EXCLUDED.compliant, evaluated_at = EXCLUDED.evaluated_at`,
		c.Repository, c.AppliedTemplates, c.MissingTemplates, issuesJSON, c.Score, c.Compliant, c.EvaluatedAt)
	return mapErr(err, "")
}

func (p *Postgres) GetRepositoryCompliance(ctx context.Context, repository string) (*RepositoryCompliance, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT repository, applied_templates, missing_templates, issues, score, compliant, evaluated_at
		FROM repository_compliance WHERE repository = $1`, repository)
	c, err := scanCompliance(row)
	if err != nil {
		return nil, mapErr(err, "compliance record not found")
	}
	return c, nil
}

func scanCompliance(row pgx.Row) (*RepositoryCompliance, error) {
	var c RepositoryCompliance
	var issuesJSON []byte
	if err := row.Scan(&c.Repository, &c.AppliedTemplates, &c.MissingTemplates, &issuesJSON, &c.Score, &c.Compliant, &c.EvaluatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(issuesJSON, &c.Issues)
	return &c, nil
}

func (p *Postgres) ListRepositoryCompliance(ctx context.Context, minScore int) ([]RepositoryCompliance, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT repository, applied_templates, missing_templates, issues, score, compliant, evaluated_at
		FROM repository_compliance WHERE score >= $1 ORDER BY repository ASC`, minScore)
	if err != nil {
		return nil, mapErr(err, "")
	}
	defer rows.Close()

	var out []RepositoryCompliance
	for rows.Next() {
		c, err := scanCompliance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning compliance row: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
