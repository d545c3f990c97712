package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

const orchestrationColumns = `id, profile_name, repository, state, requested_by, requested_at, started_at, completed_at, error_message`

func scanOrchestration(row pgx.Row) (*OrchestrationRun, error) {
	var o OrchestrationRun
	if err := row.Scan(&o.ID, &o.ProfileName, &o.Repository, &o.State, &o.RequestedBy, &o.RequestedAt, &o.StartedAt, &o.CompletedAt, &o.ErrorMessage); err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *Postgres) InsertOrchestrationRun(ctx context.Context, o *OrchestrationRun) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO orchestration_runs (id, profile_name, repository, state, requested_by, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		o.ID, o.ProfileName, o.Repository, o.State, o.RequestedBy, o.RequestedAt)
	return mapErr(err, "")
}

func (p *Postgres) GetOrchestrationRun(ctx context.Context, id string) (*OrchestrationRun, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+orchestrationColumns+` FROM orchestration_runs WHERE id = $1`, id)
	o, err := scanOrchestration(row)
	if err != nil {
		return nil, mapErr(err, "orchestration run not found")
	}
	return o, nil
}

func (p *Postgres) UpdateOrchestrationState(ctx context.Context, id string, state OrchestrationState, completedAt *time.Time, errMessage string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE orchestration_runs SET state = $2, completed_at = COALESCE($3, completed_at), error_message = $4
		WHERE id = $1`, id, state, completedAt, errMessage)
	if err != nil {
		return mapErr(err, "")
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindNotFound, "orchestration run not found")
	}
	return nil
}

func (p *Postgres) RecordWebhookDelivery(ctx context.Context, w *WebhookDelivery) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, host, event, delivery_id, received_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (host, delivery_id) DO NOTHING`,
		w.ID, w.Host, w.Event, w.DeliveryID, w.ReceivedAt)
	return mapErr(err, "")
}

func (p *Postgres) HasWebhookDelivery(ctx context.Context, host, deliveryID string) (bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM webhook_deliveries WHERE host = $1 AND delivery_id = $2)`, host, deliveryID)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, mapErr(err, "")
	}
	return exists, nil
}
