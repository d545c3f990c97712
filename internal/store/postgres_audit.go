package store

import (
	"context"
	"fmt"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

func (p *Postgres) AppendAuditEntry(ctx context.Context, e *AuditEntry) error {
	meta, err := marshalMap(e.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshaling audit metadata", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO audit_entries (id, actor, action, resource, resource_id, metadata, duplicate, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.Actor, e.Action, e.Resource, e.ResourceID, meta, e.Duplicate, e.Timestamp)
	return mapErr(err, "")
}

func (p *Postgres) ListAuditEntries(ctx context.Context, resource, resourceID string) ([]AuditEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, actor, action, resource, resource_id, metadata, duplicate, timestamp
		FROM audit_entries WHERE ($1 = '' OR resource = $1) AND ($2 = '' OR resource_id = $2)
		ORDER BY timestamp DESC`, resource, resourceID)
	if err != nil {
		return nil, mapErr(err, "")
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Resource, &e.ResourceID, &meta, &e.Duplicate, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning audit entry row: %w", err)
		}
		e.Metadata = unmarshalMap(meta)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertNotificationDelivery(ctx context.Context, n *NotificationDelivery) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO notification_deliveries (id, deployment_id, orchestration_id, channel, status, sent_at, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		n.ID, nullIfEmpty(n.DeploymentID), nullIfEmpty(n.OrchestrationID), n.Channel, n.Status, n.SentAt, n.Error)
	return mapErr(err, "")
}
