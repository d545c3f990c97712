package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

func (p *Postgres) InsertMetricPoint(ctx context.Context, m *MetricPoint) error {
	tags, err := marshalMap(m.Tags)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshaling metric tags", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO metric_points (kind, entity, timestamp, value, unit, tags)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		m.Kind, m.Entity, m.Timestamp, m.Value, m.Unit, tags)
	return mapErr(err, "")
}

func (p *Postgres) QueryMetricPoints(ctx context.Context, q MetricsQuery) ([]MetricPoint, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT kind, entity, timestamp, value, unit, tags FROM metric_points WHERE 1=1`)
	args := []any{}
	argN := 0
	next := func(v any) string {
		argN++
		args = append(args, v)
		return fmt.Sprintf("$%d", argN)
	}
	if q.Kind != "" {
		sb.WriteString(" AND kind = " + next(q.Kind))
	}
	if q.Entity != "" {
		sb.WriteString(" AND entity = " + next(q.Entity))
	}
	if !q.From.IsZero() {
		sb.WriteString(" AND timestamp >= " + next(q.From))
	}
	if !q.To.IsZero() {
		sb.WriteString(" AND timestamp <= " + next(q.To))
	}
	for k, v := range q.Tags {
		sb.WriteString(fmt.Sprintf(" AND tags->>%s = %s", next(k), next(v)))
	}
	order := "DESC"
	if q.Ascending {
		order = "ASC"
	}
	sb.WriteString(" ORDER BY timestamp " + order)
	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + next(q.Limit))
	}

	rows, err := p.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, mapErr(err, "")
	}
	defer rows.Close()

	var out []MetricPoint
	for rows.Next() {
		var m MetricPoint
		var tags []byte
		if err := rows.Scan(&m.Kind, &m.Entity, &m.Timestamp, &m.Value, &m.Unit, &tags); err != nil {
			return nil, fmt.Errorf("scanning metric point row: %w", err)
		}
		m.Tags = unmarshalMap(tags)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) PutAggregatedMetric(ctx context.Context, a *AggregatedMetric) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO aggregated_metrics (kind, entity, interval, bucket_start, count, sum, avg, min, max, median, p95, p99)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (kind, entity, interval, bucket_start) DO UPDATE SET
			count=EXCLUDED.count, sum=EXCLUDED.sum, avg=EXCLUDED.avg, min=EXCLUDED.min, max=EXCLUDED.max,
			median=EXCLUDED.median, p95=EXCLUDED.p95, p99=EXCLUDED.p99`,
		a.Kind, a.Entity, a.Interval, a.BucketStart,
		a.Aggregations.Count, a.Aggregations.Sum, a.Aggregations.Avg, a.Aggregations.Min, a.Aggregations.Max,
		a.Aggregations.Median, a.Aggregations.P95, a.Aggregations.P99)
	return mapErr(err, "")
}

func (p *Postgres) ListActiveMetricSeries(ctx context.Context, since time.Time) ([]MetricSeries, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT kind, entity FROM metric_points WHERE timestamp >= $1`, since)
	if err != nil {
		return nil, mapErr(err, "")
	}
	defer rows.Close()

	var out []MetricSeries
	for rows.Next() {
		var s MetricSeries
		if err := rows.Scan(&s.Kind, &s.Entity); err != nil {
			return nil, fmt.Errorf("scanning metric series row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetAggregatedMetric(ctx context.Context, kind, entity string, interval Interval, bucketStart time.Time) (*AggregatedMetric, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT kind, entity, interval, bucket_start, count, sum, avg, min, max, median, p95, p99
		FROM aggregated_metrics WHERE kind=$1 AND entity=$2 AND interval=$3 AND bucket_start=$4`,
		kind, entity, interval, bucketStart)
	var a AggregatedMetric
	if err := row.Scan(&a.Kind, &a.Entity, &a.Interval, &a.BucketStart,
		&a.Aggregations.Count, &a.Aggregations.Sum, &a.Aggregations.Avg, &a.Aggregations.Min, &a.Aggregations.Max,
		&a.Aggregations.Median, &a.Aggregations.P95, &a.Aggregations.P99); err != nil {
		return nil, mapErr(err, "aggregate not found")
	}
	return &a, nil
}
