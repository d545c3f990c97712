package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/store"
)

func TestAggregatorQueryClosedBucketStable(t *testing.T) {
	s := store.NewMemory()
	agg := NewAggregator(s)
	ctx := context.Background()

	bucket := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	values := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	for i, v := range values {
		if err := agg.Ingest(ctx, store.MetricPoint{
			Kind:      "api.latency",
			Entity:    "gateway",
			Timestamp: bucket.Add(time.Duration(i) * time.Minute),
			Value:     v,
		}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	first, err := agg.Query(ctx, "api.latency", "gateway", store.IntervalHour, bucket)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	second, err := agg.Query(ctx, "api.latency", "gateway", store.IntervalHour, bucket)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if first.P95 != 95.5 {
		t.Fatalf("P95 = %v, want 95.5", first.P95)
	}
	if first != second {
		t.Fatalf("expected repeated queries over a closed bucket to agree: %+v vs %+v", first, second)
	}
}

func TestAggregatorRollupMatchesQuery(t *testing.T) {
	s := store.NewMemory()
	agg := NewAggregator(s)
	ctx := context.Background()

	bucket := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		if err := agg.Ingest(ctx, store.MetricPoint{
			Kind: "deployment.duration", Entity: "repo-a", Timestamp: bucket, Value: v,
		}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	queried, err := agg.Query(ctx, "deployment.duration", "repo-a", store.IntervalHour, bucket)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	materialized, err := agg.Rollup(ctx, "deployment.duration", "repo-a", store.IntervalHour, bucket)
	if err != nil {
		t.Fatalf("Rollup: %v", err)
	}

	if materialized.Aggregations != queried {
		t.Fatalf("materialized rollup %+v does not match on-demand query %+v", materialized.Aggregations, queried)
	}

	stored, err := s.GetAggregatedMetric(ctx, "deployment.duration", "repo-a", store.IntervalHour, bucket)
	if err != nil {
		t.Fatalf("GetAggregatedMetric: %v", err)
	}
	if stored.Aggregations != queried {
		t.Fatalf("stored rollup does not match query: %+v vs %+v", stored.Aggregations, queried)
	}
}

func TestBucketStartAlignment(t *testing.T) {
	ts := time.Date(2026, 3, 4, 13, 45, 30, 0, time.UTC)

	cases := []struct {
		interval store.Interval
		want     time.Time
	}{
		{store.IntervalHour, time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC)},
		{store.IntervalDay, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)},
		{store.IntervalWeek, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)}, // Monday
		{store.IntervalMonth, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		if got := bucketStart(ts, c.interval); !got.Equal(c.want) {
			t.Errorf("bucketStart(%v, %v) = %v, want %v", ts, c.interval, got, c.want)
		}
	}
}

func TestIsClosed(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	if IsClosed(start, store.IntervalHour, time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("expected in-progress hour bucket to be open")
	}
	if !IsClosed(start, store.IntervalHour, time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)) {
		t.Errorf("expected elapsed hour bucket to be closed")
	}
}

type fakeSeriesSource struct {
	series []Series
}

func (f fakeSeriesSource) ActiveSeries(context.Context) ([]Series, error) {
	return f.series, nil
}
