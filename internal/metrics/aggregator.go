// Package metrics implements the Metrics Aggregator (C5): time-series
// ingestion and percentile rollups over fixed windows.
package metrics

import (
	"context"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// Aggregator ingests MetricPoints and computes AggregatedMetric rollups.
// Ad hoc queries (Query) and the periodic rollup task (Rollup) share the
// same bucketing and percentile logic, so a closed bucket's materialized
// value always agrees with an on-demand recomputation of it.
type Aggregator struct {
	store store.Store
}

// NewAggregator builds an Aggregator backed by s.
func NewAggregator(s store.Store) *Aggregator {
	return &Aggregator{store: s}
}

// Ingest records a single sample.
func (a *Aggregator) Ingest(ctx context.Context, p store.MetricPoint) error {
	return a.store.InsertMetricPoint(ctx, &p)
}

// bucketStart floors t to the start of the bucket for the given interval.
func bucketStart(t time.Time, interval store.Interval) time.Time {
	t = t.UTC()
	switch interval {
	case store.IntervalHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case store.IntervalDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case store.IntervalWeek:
		// Weeks start on Monday.
		weekday := int(t.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return d.AddDate(0, 0, -(weekday - 1))
	case store.IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// bucketEnd returns the exclusive end of the bucket starting at start.
func bucketEnd(start time.Time, interval store.Interval) time.Time {
	switch interval {
	case store.IntervalHour:
		return start.Add(time.Hour)
	case store.IntervalDay:
		return start.AddDate(0, 0, 1)
	case store.IntervalWeek:
		return start.AddDate(0, 0, 7)
	case store.IntervalMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start
	}
}

// Query computes the Aggregations for (kind, entity, interval, bucketStart)
// directly from raw points, without touching any materialized rollup. It is
// used both for ad hoc queries and to validate Rollup's output.
func (a *Aggregator) Query(ctx context.Context, kind, entity string, interval store.Interval, start time.Time) (store.Aggregations, error) {
	start = bucketStart(start, interval)
	end := bucketEnd(start, interval)

	points, err := a.store.QueryMetricPoints(ctx, store.MetricsQuery{
		Kind:      kind,
		Entity:    entity,
		From:      start,
		To:        end,
		Ascending: true,
	})
	if err != nil {
		return store.Aggregations{}, err
	}

	samples := make([]float64, len(points))
	for i, p := range points {
		samples[i] = p.Value
	}

	count, sum, avg, min, max, median, p95, p99 := Summarize(samples)
	return store.Aggregations{
		Count: count, Sum: sum, Avg: avg, Min: min, Max: max,
		Median: median, P95: p95, P99: p99,
	}, nil
}

// Rollup materializes the AggregatedMetric for a closed bucket, so repeat
// reads don't recompute it from raw points.
func (a *Aggregator) Rollup(ctx context.Context, kind, entity string, interval store.Interval, start time.Time) (*store.AggregatedMetric, error) {
	aggs, err := a.Query(ctx, kind, entity, interval, start)
	if err != nil {
		return nil, err
	}

	m := &store.AggregatedMetric{
		Kind:         kind,
		Entity:       entity,
		Interval:     interval,
		BucketStart:  bucketStart(start, interval),
		Aggregations: aggs,
	}
	if err := a.store.PutAggregatedMetric(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// IsClosed reports whether the bucket starting at start has fully elapsed
// as of now, and is therefore safe to materialize and cache.
func IsClosed(start time.Time, interval store.Interval, now time.Time) bool {
	return !bucketEnd(bucketStart(start, interval), interval).After(now)
}
