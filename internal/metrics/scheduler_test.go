package metrics

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/store"
)

func TestSchedulerRunOnceMaterializesPreviousHour(t *testing.T) {
	s := store.NewMemory()
	agg := NewAggregator(s)
	ctx := context.Background()

	previousHourStart := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := agg.Ingest(ctx, store.MetricPoint{
		Kind: "pipeline.duration", Entity: "repo-a", Timestamp: previousHourStart.Add(5 * time.Minute), Value: 42,
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	now := func() time.Time { return time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC) }
	source := fakeSeriesSource{series: []Series{{Kind: "pipeline.duration", Entity: "repo-a"}}}
	sched := NewScheduler(agg, source, slog.Default(), now)

	sched.runOnce(ctx)

	got, err := s.GetAggregatedMetric(ctx, "pipeline.duration", "repo-a", store.IntervalHour, previousHourStart)
	if err != nil {
		t.Fatalf("GetAggregatedMetric: %v", err)
	}
	if got.Aggregations.Count != 1 || got.Aggregations.Sum != 42 {
		t.Fatalf("unexpected aggregations: %+v", got.Aggregations)
	}
}
