package pipeline

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/festion/homelab-gitops-auditor/internal/store"
)

const (
	cacheSize = 1000
	cacheTTL  = 60 * time.Second
)

// runCache is the (repo, runId)-keyed LRU of the latest known PipelineRun
// snapshot, so status() can serve hot runs without a store round trip.
type runCache struct {
	lru *expirable.LRU[string, store.PipelineRun]
}

func newRunCache() *runCache {
	return &runCache{lru: expirable.NewLRU[string, store.PipelineRun](cacheSize, nil, cacheTTL)}
}

func cacheKey(repository, runID string) string {
	return repository + "/" + runID
}

func (c *runCache) Get(repository, runID string) (store.PipelineRun, bool) {
	return c.lru.Get(cacheKey(repository, runID))
}

func (c *runCache) Put(run store.PipelineRun) {
	c.lru.Add(cacheKey(run.Repository, run.RunID), run)
}
