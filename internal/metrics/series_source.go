package metrics

import (
	"context"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// lookbackWindow bounds how far back ActiveSeries scans for recent points —
// a series with no activity in this window is dropped from the hourly
// rollup rather than recomputed forever.
const lookbackWindow = 26 * time.Hour

// StoreSeriesSource adapts store.Store to Scheduler's SeriesSource.
type StoreSeriesSource struct {
	store store.Store
	now   func() time.Time
}

// NewStoreSeriesSource builds a StoreSeriesSource. now defaults to time.Now.
func NewStoreSeriesSource(s store.Store, now func() time.Time) *StoreSeriesSource {
	if now == nil {
		now = time.Now
	}
	return &StoreSeriesSource{store: s, now: now}
}

func (s *StoreSeriesSource) ActiveSeries(ctx context.Context) ([]Series, error) {
	series, err := s.store.ListActiveMetricSeries(ctx, s.now().Add(-lookbackWindow))
	if err != nil {
		return nil, err
	}
	out := make([]Series, 0, len(series))
	for _, ms := range series {
		out = append(out, Series{Kind: ms.Kind, Entity: ms.Entity})
	}
	return out, nil
}
