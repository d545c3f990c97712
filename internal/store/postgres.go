package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// Postgres is the production Store implementation. Every query lives in this
// package; callers never see SQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an already-connected pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func mapErr(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.New(errs.KindNotFound, notFoundMsg)
	}
	return errs.Wrap(errs.KindTransport, "store operation failed", err)
}

func marshalMap(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func unmarshalMap(b []byte) map[string]string {
	if len(b) == 0 {
		return map[string]string{}
	}
	var m map[string]string
	_ = json.Unmarshal(b, &m)
	return m
}

const deploymentColumns = `id, repository, branch, commit, state, priority, requested_by, requested_at,
	started_at, completed_at, retry_count, max_retries, backup_ref, error_message, error_kind,
	original_deployment_id, parameters, correlation_id, worker_id, cancel_requested`

func scanDeployment(row pgx.Row) (*Deployment, error) {
	var d Deployment
	var params []byte
	if err := row.Scan(
		&d.ID, &d.Repository, &d.Branch, &d.Commit, &d.State, &d.Priority, &d.RequestedBy, &d.RequestedAt,
		&d.StartedAt, &d.CompletedAt, &d.RetryCount, &d.MaxRetries, &d.BackupRef, &d.ErrorMessage, &d.ErrorKind,
		&d.OriginalDeploymentID, &params, &d.CorrelationID, &d.WorkerID, &d.CancelRequested,
	); err != nil {
		return nil, err
	}
	d.Parameters = unmarshalMap(params)
	return &d, nil
}

func (p *Postgres) InsertDeployment(ctx context.Context, d *Deployment) error {
	params, err := marshalMap(d.Parameters)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshaling deployment parameters", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO deployments (id, repository, branch, commit, state, priority, requested_by, requested_at,
			max_retries, original_deployment_id, parameters, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.Repository, d.Branch, d.Commit, d.State, d.Priority, d.RequestedBy, d.RequestedAt,
		d.MaxRetries, nullIfEmpty(d.OriginalDeploymentID), params, nullIfEmpty(d.CorrelationID))
	if err != nil {
		return mapErr(err, "")
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (p *Postgres) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	d, err := scanDeployment(row)
	if err != nil {
		return nil, mapErr(err, "deployment not found")
	}
	return d, nil
}

// ClaimDeployment performs the atomic CAS required by C2: only a row still in
// 'queued' transitions, and the UPDATE...RETURNING makes the claim and the
// read a single round trip, so two workers can never both win.
func (p *Postgres) ClaimDeployment(ctx context.Context, id, workerID string, startedAt time.Time) (*Deployment, bool, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE deployments
		SET state = 'in-progress', started_at = $2, worker_id = $3
		WHERE id = $1 AND state = 'queued'
		RETURNING `+deploymentColumns,
		id, startedAt, workerID)
	d, err := scanDeployment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapErr(err, "")
	}
	return d, true, nil
}

func (p *Postgres) NextQueuedDeployment(ctx context.Context) (*Deployment, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+deploymentColumns+` FROM deployments d
		WHERE d.state = 'queued'
		AND NOT EXISTS (
			SELECT 1 FROM deployments o
			WHERE o.repository = d.repository AND o.branch = d.branch AND o.state = 'in-progress'
		)
		ORDER BY
			CASE d.priority
				WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0
			END DESC,
			d.requested_at ASC
		LIMIT 1`)
	d, err := scanDeployment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err, "")
	}
	return d, nil
}

func (p *Postgres) UpdateDeploymentState(ctx context.Context, id string, state DeploymentState, completedAt *time.Time, errKind, errMessage string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE deployments
		SET state = $2, completed_at = COALESCE($3, completed_at), error_kind = $4, error_message = $5
		WHERE id = $1 AND state NOT IN ('completed','failed','rolled-back','cancelled')`,
		id, state, completedAt, errKind, errMessage)
	if err != nil {
		return mapErr(err, "")
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindConflict, "deployment is already terminal or missing")
	}
	return nil
}

func (p *Postgres) SetDeploymentBackupRef(ctx context.Context, id, backupRef string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE deployments SET backup_ref = $2 WHERE id = $1`, id, backupRef)
	if err != nil {
		return mapErr(err, "")
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindNotFound, "deployment not found")
	}
	return nil
}

func (p *Postgres) IncrementDeploymentRetry(ctx context.Context, id string) (int, error) {
	row := p.pool.QueryRow(ctx, `UPDATE deployments SET retry_count = retry_count + 1 WHERE id = $1 RETURNING retry_count`, id)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, mapErr(err, "deployment not found")
	}
	return n, nil
}

func (p *Postgres) RequestDeploymentCancel(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE deployments SET cancel_requested = true WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "")
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindNotFound, "deployment not found")
	}
	return nil
}

func (p *Postgres) ListDeployments(ctx context.Context, f DeploymentFilter) ([]Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE ($1 = '' OR repository = $1) AND ($2 = '' OR state = $2)
		ORDER BY requested_at DESC LIMIT $3 OFFSET $4`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, query, f.Repository, string(f.State), limit, f.Offset)
	if err != nil {
		return nil, mapErr(err, "")
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment row: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *Postgres) HasInProgressForBranch(ctx context.Context, repository, branch string) (bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM deployments WHERE repository = $1 AND branch = $2 AND state = 'in-progress')`, repository, branch)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, mapErr(err, "")
	}
	return exists, nil
}

func (p *Postgres) AppendDeploymentLog(ctx context.Context, l *DeploymentLog) error {
	meta, err := marshalMap(l.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshaling log metadata", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO deployment_logs (id, deployment_id, level, channel, message, timestamp, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		l.ID, l.DeploymentID, l.Level, l.Channel, l.Message, l.Timestamp, meta)
	return mapErr(err, "")
}

func (p *Postgres) ListDeploymentLogs(ctx context.Context, deploymentID string) ([]DeploymentLog, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, deployment_id, level, channel, message, timestamp, metadata
		FROM deployment_logs WHERE deployment_id = $1 ORDER BY timestamp ASC`, deploymentID)
	if err != nil {
		return nil, mapErr(err, "")
	}
	defer rows.Close()

	var out []DeploymentLog
	for rows.Next() {
		var l DeploymentLog
		var meta []byte
		if err := rows.Scan(&l.ID, &l.DeploymentID, &l.Level, &l.Channel, &l.Message, &l.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("scanning deployment log row: %w", err)
		}
		l.Metadata = unmarshalMap(meta)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertDeploymentFile(ctx context.Context, f *DeploymentFile) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO deployment_files (id, deployment_id, path, op, size, hash, backup_path, status, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (deployment_id, path, op) DO UPDATE SET
			size = EXCLUDED.size, hash = EXCLUDED.hash, backup_path = EXCLUDED.backup_path,
			status = EXCLUDED.status, error_message = EXCLUDED.error_message`,
		f.ID, f.DeploymentID, f.Path, f.Op, f.Size, f.Hash, f.BackupPath, f.Status, f.ErrorMessage)
	return mapErr(err, "")
}

func (p *Postgres) ListDeploymentFiles(ctx context.Context, deploymentID string) ([]DeploymentFile, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, deployment_id, path, op, size, hash, backup_path, status, error_message
		FROM deployment_files WHERE deployment_id = $1 ORDER BY path ASC`, deploymentID)
	if err != nil {
		return nil, mapErr(err, "")
	}
	defer rows.Close()

	var out []DeploymentFile
	for rows.Next() {
		var f DeploymentFile
		if err := rows.Scan(&f.ID, &f.DeploymentID, &f.Path, &f.Op, &f.Size, &f.Hash, &f.BackupPath, &f.Status, &f.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scanning deployment file row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
