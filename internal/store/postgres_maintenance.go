package store

import (
	"context"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// Cleanup deletes terminal rows (and their cascades) older than the given
// retention window and returns per-table counts, per C2's retention contract.
func (p *Postgres) Cleanup(ctx context.Context, olderThanDays int) (map[string]int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "beginning cleanup transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	counts := make(map[string]int)

	tag, err := tx.Exec(ctx, `
		DELETE FROM deployments
		WHERE state IN ('completed','failed','rolled-back','cancelled') AND completed_at < $1`, cutoff)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "cleaning up deployments", err)
	}
	counts["deployments"] = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `
		DELETE FROM pipeline_runs
		WHERE status IN ('success','failure','cancelled') AND completed_at < $1`, cutoff)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "cleaning up pipeline runs", err)
	}
	counts["pipeline_runs"] = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `DELETE FROM metric_points WHERE timestamp < $1`, cutoff)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "cleaning up metric points", err)
	}
	counts["metric_points"] = int(tag.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.KindTransport, "committing cleanup transaction", err)
	}
	return counts, nil
}

// HealthCheck runs a trivial liveness query plus state counts, per C2.
func (p *Postgres) HealthCheck(ctx context.Context) (HealthSnapshot, error) {
	var snap HealthSnapshot

	if err := p.pool.QueryRow(ctx, `SELECT 1`).Scan(new(int)); err != nil {
		return snap, errs.Wrap(errs.KindTransport, "database unreachable", err)
	}
	snap.Reachable = true

	row := p.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE state = 'queued'),
			count(*) FILTER (WHERE state = 'in-progress'),
			count(*) FILTER (WHERE state IN ('completed','failed','rolled-back','cancelled'))
		FROM deployments`)
	if err := row.Scan(&snap.QueuedCount, &snap.InProgressCount, &snap.TerminalCount); err != nil {
		return snap, errs.Wrap(errs.KindTransport, "querying deployment counts", err)
	}
	return snap, nil
}
