package http

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"flume/internal/server/app"
)

const (
	summaryCacheSize = 1024
	summaryCacheTTL  = 5 * time.Minute
)

// summaryCache memoizes event summaries for terminal runs. A terminal run's
// log never changes until deletion, so serving the cached tail saves a store
// round trip on every status poll.
type summaryCache struct {
	lru *expirable.LRU[string, *app.RunEventSummary]
}

func newSummaryCache() *summaryCache {
	return &summaryCache{
		lru: expirable.NewLRU[string, *app.RunEventSummary](summaryCacheSize, nil, summaryCacheTTL),
	}
}

func (c *summaryCache) Get(runID string) (*app.RunEventSummary, bool) {
	return c.lru.Get(runID)
}

func (c *summaryCache) Put(runID string, summary *app.RunEventSummary) {
	c.lru.Add(runID, summary)
}

func (c *summaryCache) Invalidate(runID string) {
	c.lru.Remove(runID)
}
