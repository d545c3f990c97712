package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/festion/homelab-gitops-auditor/internal/store"
)

// Series identifies one (kind, entity) time series to roll up.
type Series struct {
	Kind   string
	Entity string
}

// SeriesSource supplies the set of series that have recent activity, so the
// rollup task only materializes buckets that actually received points.
type SeriesSource interface {
	ActiveSeries(ctx context.Context) ([]Series, error)
}

// Scheduler drives the periodic rollup task on the shared cron timer wheel.
// It materializes the most recently closed bucket for every active series,
// once per hour, so repeat reads never recompute from raw points.
type Scheduler struct {
	aggregator *Aggregator
	source     SeriesSource
	logger     *slog.Logger
	cron       *cron.Cron
	now        func() time.Time
}

// NewScheduler builds a Scheduler. now defaults to time.Now if nil.
func NewScheduler(agg *Aggregator, source SeriesSource, logger *slog.Logger, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		aggregator: agg,
		source:     source,
		logger:     logger,
		cron:       cron.New(),
		now:        now,
	}
}

// Start registers the hourly rollup job and begins the cron loop.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc("@hourly", func() {
		s.runOnce(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runOnce(ctx context.Context) {
	series, err := s.source.ActiveSeries(ctx)
	if err != nil {
		s.logger.Error("listing active series for rollup", "error", err)
		return
	}

	now := s.now()
	previousHour := bucketStart(now, store.IntervalHour).Add(-time.Hour)

	for _, sr := range series {
		if _, err := s.aggregator.Rollup(ctx, sr.Kind, sr.Entity, store.IntervalHour, previousHour); err != nil {
			s.logger.Error("rolling up metric bucket", "kind", sr.Kind, "entity", sr.Entity, "error", err)
		}
	}
}
